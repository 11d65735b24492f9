package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/character-harvester/internal/types"
)

// LeaseSource hands out batches of work. Both the in-process lease authority
// and the lease HTTP client satisfy it.
type LeaseSource interface {
	RequestBatch(ctx context.Context, kind types.ScrapeKind, n int) ([]types.WorkItem, error)
}

// ScrapeWorkerConfig holds configuration for a scrape worker
type ScrapeWorkerConfig struct {
	Lease   LeaseSource
	Fetcher Fetcher
	// BatchTarget bounds the items scraped per cycle, retries included.
	BatchTarget int
	// Retry and Batch are created when nil.
	Retry *RetryQueue
	Batch *PersistenceBatch
}

// CycleResult summarizes one scrape cycle.
type CycleResult struct {
	Kind         types.ScrapeKind `json:"kind"`
	Requested    int              `json:"requested"`
	Leased       int              `json:"leased"`
	Retried      int              `json:"retried"`
	Scraped      int              `json:"scraped"`
	Succeeded    int              `json:"succeeded"`
	NotFound     int              `json:"notFound"`
	Malformed    int              `json:"malformed"`
	Throttled    int              `json:"throttled"`
	Exhausted    int              `json:"exhausted"`
	Unauthorized int              `json:"unauthorized"`
	Duration     time.Duration    `json:"duration"`
}

// ScrapeWorker turns one leased batch into record updates for one upstream.
type ScrapeWorker struct {
	kind        types.ScrapeKind
	lease       LeaseSource
	fetcher     Fetcher
	batchTarget int
	retry       *RetryQueue
	batch       *PersistenceBatch

	// serializes outcome bookkeeping across fetch goroutines
	mu sync.Mutex
}

// NewScrapeWorker creates a scrape worker.
func NewScrapeWorker(cfg *ScrapeWorkerConfig) (*ScrapeWorker, error) {
	if cfg.Lease == nil {
		return nil, fmt.Errorf("lease source cannot be nil")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("fetcher cannot be nil")
	}
	if cfg.BatchTarget <= 0 {
		return nil, fmt.Errorf("batch target must be positive, got %d", cfg.BatchTarget)
	}

	retry := cfg.Retry
	if retry == nil {
		retry = NewRetryQueue()
	}
	batch := cfg.Batch
	if batch == nil {
		batch = NewPersistenceBatch()
	}

	return &ScrapeWorker{
		kind:        cfg.Fetcher.Kind(),
		lease:       cfg.Lease,
		fetcher:     cfg.Fetcher,
		batchTarget: cfg.BatchTarget,
		retry:       retry,
		batch:       batch,
	}, nil
}

// Kind returns the upstream this worker scrapes.
func (w *ScrapeWorker) Kind() types.ScrapeKind { return w.kind }

// Retry returns the worker's retry queue.
func (w *ScrapeWorker) Retry() *RetryQueue { return w.retry }

// Batch returns the worker's pending updates.
func (w *ScrapeWorker) Batch() *PersistenceBatch { return w.batch }

// RunCycle scrapes queued retries plus a fresh lease of BatchTarget minus
// the retries. A lease failure aborts the cycle before any fetch and keeps
// the retries queued.
func (w *ScrapeWorker) RunCycle(ctx context.Context) (*CycleResult, error) {
	start := time.Now()
	result := &CycleResult{Kind: w.kind}

	retried := w.retry.Drain(w.batchTarget)
	result.Retried = len(retried)
	result.Requested = w.batchTarget - len(retried)

	var fresh []types.WorkItem
	if result.Requested > 0 {
		var err error
		fresh, err = w.lease.RequestBatch(ctx, w.kind, result.Requested)
		if err != nil {
			w.retry.PushFront(retried...)
			return result, fmt.Errorf("failed to lease %s batch: %w", w.kind, err)
		}
		result.Leased = len(fresh)
	}

	items := mergeItems(retried, fresh)
	result.Scraped = len(items)
	if len(items) == 0 {
		result.Duration = time.Since(start)
		return result, nil
	}

	var g errgroup.Group
	g.SetLimit(w.batchTarget)
	for _, item := range items {
		g.Go(func() error {
			w.record(result, w.fetcher.Fetch(ctx, item))
			return nil
		})
	}
	_ = g.Wait()

	result.Duration = time.Since(start)
	return result, nil
}

func (w *ScrapeWorker) record(result *CycleResult, o Outcome) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch o.Kind {
	case OutcomeSuccess:
		result.Succeeded++
	case OutcomeNotFound:
		result.NotFound++
	case OutcomeMalformed:
		result.Malformed++
	case OutcomeThrottled:
		result.Throttled++
		if o.Unauthorized {
			result.Unauthorized++
		}
	case OutcomeBudgetExhausted:
		result.Exhausted++
	}

	if o.Persists() {
		w.batch.Append(o.Update)
	}
	if o.Retries() {
		w.retry.Push(o.Item)
	}
}

// mergeItems puts retries first and drops fresh items already being retried.
func mergeItems(retried, fresh []types.WorkItem) []types.WorkItem {
	out := make([]types.WorkItem, 0, len(retried)+len(fresh))
	seen := make(map[int64]struct{}, len(retried))
	for _, it := range retried {
		seen[it.ID] = struct{}{}
		out = append(out, it)
	}
	for _, it := range fresh {
		if _, ok := seen[it.ID]; ok {
			continue
		}
		seen[it.ID] = struct{}{}
		out = append(out, it)
	}
	return out
}
