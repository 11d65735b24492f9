// Package lease hands out batches of characters to scrape so that no two
// workers hold the same character at once.
//
// Leases are advisory and kept only in memory. A restart voids them all, which
// is safe because every write downstream is an idempotent upsert.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/character-harvester/internal/errors"
	"github.com/character-harvester/internal/logging"
	"github.com/character-harvester/internal/types"
)

// Default policy values.
const (
	DefaultMaxBatch        = 100
	DefaultFreshnessWindow = 72 * time.Hour
	DefaultLeaseDuration   = 5 * time.Minute
	DefaultExpandBy        = 1000
)

// EligibleQuery selects items due for a scrape of one kind.
type EligibleQuery struct {
	// StaleBefore is the freshness cutoff: items scraped at or after it are fresh.
	StaleBefore time.Time
	// IncludeAbsent also returns items a previous scrape confirmed absent.
	IncludeAbsent bool
	// Limit caps the number of returned items.
	Limit int
}

// CandidateStore is the record store as seen by the authority.
type CandidateStore interface {
	// Eligible returns never-scraped or stale items of kind in ascending id order.
	Eligible(ctx context.Context, kind types.ScrapeKind, q EligibleQuery) ([]types.WorkItem, error)
	// MaxID returns the highest known character id, 0 for an empty store.
	MaxID(ctx context.Context) (int64, error)
	// InsertPlaceholders creates unscraped rows for ids in [from, to]. Existing rows are untouched.
	InsertPlaceholders(ctx context.Context, from, to int64) (int64, error)
}

// Policy configures allocation.
type Policy struct {
	MaxBatch        int
	FreshnessWindow time.Duration
	LeaseDuration   time.Duration
	ExpandBy        int
	// RecheckAbsent re-leases confirmed-absent characters on the normal
	// freshness cadence instead of excluding them forever.
	RecheckAbsent bool
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxBatch:        DefaultMaxBatch,
		FreshnessWindow: DefaultFreshnessWindow,
		LeaseDuration:   DefaultLeaseDuration,
		ExpandBy:        DefaultExpandBy,
		RecheckAbsent:   true,
	}
}

// Validate checks if the policy is valid.
func (p Policy) Validate() error {
	if p.MaxBatch <= 0 {
		return errors.New("max batch must be positive")
	}
	if p.FreshnessWindow <= 0 {
		return errors.New("freshness window must be positive")
	}
	if p.LeaseDuration <= 0 {
		return errors.New("lease duration must be positive")
	}
	if p.ExpandBy < p.MaxBatch {
		return fmt.Errorf("expand-by (%d) must be at least max batch (%d)", p.ExpandBy, p.MaxBatch)
	}
	return nil
}

// LeaseRecord is one live claim on a work item.
type LeaseRecord struct {
	Item      types.WorkItem
	LeasedAt  time.Time
	ExpiresAt time.Time
}

// Stats is a snapshot of the authority's bookkeeping.
type Stats struct {
	LiveLeases  map[types.ScrapeKind]int `json:"liveLeases"`
	Expansions  int                      `json:"expansions"`
	MaxExpanded int64                    `json:"maxExpanded"`
	Allocations int64                    `json:"allocations"`
}

type leaseKey struct {
	kind types.ScrapeKind
	id   int64
}

// Authority allocates leased batches. One mutex covers eviction, selection
// and registration, so concurrent callers never receive overlapping live items.
type Authority struct {
	store  CandidateStore
	policy Policy
	now    func() time.Time

	mu          sync.Mutex
	leases      map[leaseKey]LeaseRecord
	expansions  int
	maxExpanded int64
	allocations int64
}

// Option customizes an Authority.
type Option func(*Authority)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// NewAuthority creates an authority backed by store.
func NewAuthority(store CandidateStore, policy Policy, opts ...Option) (*Authority, error) {
	if store == nil {
		return nil, errors.New("candidate store cannot be nil")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid lease policy: %w", err)
	}

	a := &Authority{
		store:  store,
		policy: policy,
		now:    time.Now,
		leases: make(map[leaseKey]LeaseRecord),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// ClampBatchSize bounds a requested batch size to [1, MaxBatch].
func (a *Authority) ClampBatchSize(n int) int {
	if n < 1 {
		return 1
	}
	if n > a.policy.MaxBatch {
		return a.policy.MaxBatch
	}
	return n
}

// RequestBatch leases up to maxSize items of kind. When no profile item is
// eligible the identifier space is grown past the current maximum. A store
// failure is returned as a database error and records no lease.
func (a *Authority) RequestBatch(ctx context.Context, kind types.ScrapeKind, maxSize int) ([]types.WorkItem, error) {
	if !kind.IsValid() {
		return nil, apperrors.NewInvalidParameterError("kind", fmt.Sprintf("unknown scrape kind %q", kind))
	}
	size := a.ClampBatchSize(maxSize)

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.evictExpiredLocked(now)

	leased := a.liveCountLocked(kind)
	candidates, err := a.store.Eligible(ctx, kind, EligibleQuery{
		StaleBefore:   now.Add(-a.policy.FreshnessWindow),
		IncludeAbsent: a.policy.RecheckAbsent,
		Limit:         size + leased,
	})
	if err != nil {
		return nil, apperrors.NewDatabaseError("select eligible", err)
	}

	items := make([]types.WorkItem, 0, size)
	for _, c := range candidates {
		if len(items) == size {
			break
		}
		if _, held := a.leases[leaseKey{kind: kind, id: c.ID}]; held {
			continue
		}
		c.Kind = kind
		items = append(items, c)
	}

	if len(items) == 0 && kind == types.KindProfile {
		items, err = a.expandLocked(ctx, size)
		if err != nil {
			return nil, err
		}
	}

	a.registerLocked(items, now)
	a.allocations++
	return items, nil
}

// expandLocked grows the identifier space by ExpandBy ids past the current
// maximum and returns the first size of them.
func (a *Authority) expandLocked(ctx context.Context, size int) ([]types.WorkItem, error) {
	maxID, err := a.store.MaxID(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseError("read max id", err)
	}
	if a.maxExpanded > maxID {
		maxID = a.maxExpanded
	}

	from, to := maxID+1, maxID+int64(a.policy.ExpandBy)
	if _, err := a.store.InsertPlaceholders(ctx, from, to); err != nil {
		return nil, apperrors.NewDatabaseError("insert placeholders", err)
	}
	a.expansions++
	a.maxExpanded = to

	logging.WithFields(map[string]interface{}{
		"from": from,
		"to":   to,
	}).Info("expanded identifier space")

	items := make([]types.WorkItem, 0, size)
	for id := from; id < from+int64(size); id++ {
		items = append(items, types.WorkItem{ID: id, Kind: types.KindProfile})
	}
	return items, nil
}

func (a *Authority) registerLocked(items []types.WorkItem, now time.Time) {
	expires := now.Add(a.policy.LeaseDuration)
	for _, item := range items {
		a.leases[leaseKey{kind: item.Kind, id: item.ID}] = LeaseRecord{
			Item:      item,
			LeasedAt:  now,
			ExpiresAt: expires,
		}
	}
}

func (a *Authority) evictExpiredLocked(now time.Time) {
	for k, rec := range a.leases {
		if !now.Before(rec.ExpiresAt) {
			delete(a.leases, k)
		}
	}
}

func (a *Authority) liveCountLocked(kind types.ScrapeKind) int {
	n := 0
	for k := range a.leases {
		if k.kind == kind {
			n++
		}
	}
	return n
}

// Lease returns the live lease on (kind, id), if any.
func (a *Authority) Lease(kind types.ScrapeKind, id int64) (LeaseRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.leases[leaseKey{kind: kind, id: id}]
	if !ok || !a.now().Before(rec.ExpiresAt) {
		return LeaseRecord{}, false
	}
	return rec, true
}

// Stats returns a snapshot of live leases and expansion history.
func (a *Authority) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	live := make(map[types.ScrapeKind]int)
	for k, rec := range a.leases {
		if now.Before(rec.ExpiresAt) {
			live[k.kind]++
		}
	}
	return Stats{
		LiveLeases:  live,
		Expansions:  a.expansions,
		MaxExpanded: a.maxExpanded,
		Allocations: a.allocations,
	}
}

// Policy returns the allocation policy.
func (a *Authority) Policy() Policy {
	return a.policy
}
