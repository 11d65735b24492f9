package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/character-harvester/internal/errors"
	"github.com/character-harvester/internal/logging"
	"github.com/character-harvester/internal/ratelimit"
	"github.com/character-harvester/internal/types"
)

// Credentials mints bearer tokens and reads point budgets.
type Credentials interface {
	RefreshToken(ctx context.Context) (string, time.Duration, error)
	RefreshPoints(ctx context.Context, token string) (ratelimit.PointsSnapshot, error)
}

// BudgetCoordinator shares budget state between processes using one credential.
type BudgetCoordinator interface {
	MarkExhausted(ctx context.Context, credential string, resetAt time.Time) (time.Time, error)
	ExhaustedUntil(ctx context.Context, credential string) (time.Time, error)
	StoreToken(ctx context.Context, credential, token string, ttl time.Duration) error
	LoadToken(ctx context.Context, credential string) (string, time.Duration, bool, error)
	RecordEvent(ctx context.Context, kind, event string, n int64) error
}

// IngestionLoopConfig holds configuration for an ingestion loop
type IngestionLoopConfig struct {
	Worker *ScrapeWorker
	Store  RecordStore

	// Throttle paces the soft-throttled upstream. Optional.
	Throttle *ratelimit.SoftThrottle

	// Budget, Credentials and CredentialName drive the point-constrained
	// upstream. Budget and Credentials are set together or not at all.
	Budget         *ratelimit.PointBudget
	Credentials    Credentials
	CredentialName string

	// Coordinator is optional.
	Coordinator BudgetCoordinator

	// Backoff paces retries after lease failures. Default: 1s doubling to 60s.
	Backoff *ratelimit.CycleBackoff

	// IdlePause is slept after a cycle that found no work. Default: 5s.
	IdlePause time.Duration
	// ExhaustedMaxPause caps one sleep while the budget is exhausted. Default: 60s.
	ExhaustedMaxPause time.Duration
}

// CycleReport describes one pass of the loop.
type CycleReport struct {
	Result  *CycleResult  `json:"result,omitempty"`
	Skipped string        `json:"skipped,omitempty"`
	Flushed int           `json:"flushed"`
	Pause   time.Duration `json:"pause"`
	Err     error         `json:"-"`
}

// LoopStatus is a point-in-time view of a loop for status reporting.
type LoopStatus struct {
	Kind           types.ScrapeKind          `json:"kind"`
	Running        bool                      `json:"running"`
	Cycles         int64                     `json:"cycles"`
	ItemsScraped   int64                     `json:"itemsScraped"`
	ItemsFlushed   int64                     `json:"itemsFlushed"`
	LastCycleAt    time.Time                 `json:"lastCycleAt"`
	LastError      string                    `json:"lastError,omitempty"`
	RetryQueued    int                       `json:"retryQueued"`
	PendingUpdates int                       `json:"pendingUpdates"`
	Throttle       ratelimit.ThrottleState   `json:"throttle,omitempty"`
	Budget         *ratelimit.BudgetSnapshot `json:"budget,omitempty"`
}

// IngestionLoop drives one ScrapeWorker forever: credentials, lease, scrape,
// flush, then rate limit bookkeeping, once per cycle.
type IngestionLoop struct {
	cfg    IngestionLoopConfig
	worker *ScrapeWorker
	log    *logging.Logger
	now    func() time.Time

	mu           sync.RWMutex
	running      bool
	stopCh       chan struct{}
	doneCh       chan struct{}
	cycles       int64
	itemsScraped int64
	itemsFlushed int64
	lastCycleAt  time.Time
	lastErr      error
}

// NewIngestionLoop creates a loop.
func NewIngestionLoop(cfg *IngestionLoopConfig) (*IngestionLoop, error) {
	if cfg.Worker == nil {
		return nil, fmt.Errorf("scrape worker cannot be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("record store cannot be nil")
	}
	if (cfg.Budget == nil) != (cfg.Credentials == nil) {
		return nil, fmt.Errorf("budget and credentials must be configured together")
	}

	c := *cfg
	if c.Backoff == nil {
		b, err := ratelimit.NewCycleBackoff(nil)
		if err != nil {
			return nil, err
		}
		c.Backoff = b
	}
	if c.IdlePause <= 0 {
		c.IdlePause = 5 * time.Second
	}
	if c.ExhaustedMaxPause <= 0 {
		c.ExhaustedMaxPause = ratelimit.DefaultExhaustedMaxPause
	}
	if c.CredentialName == "" {
		c.CredentialName = "default"
	}

	return &IngestionLoop{
		cfg:    c,
		worker: c.Worker,
		log:    logging.WithField("kind", c.Worker.Kind()),
		now:    time.Now,
	}, nil
}

// Start launches the loop in a goroutine.
func (l *IngestionLoop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return fmt.Errorf("ingestion loop for %s is already running", l.worker.Kind())
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})

	l.log.Infof("Starting ingestion loop, batch target %d", l.worker.batchTarget)
	go l.run(ctx, l.stopCh, l.doneCh)
	return nil
}

// Stop signals the loop and waits for the current cycle to finish. Pending
// updates are flushed one last time. A Stop that timed out can be retried: the
// loop stays running until a later Stop sees it finish.
func (l *IngestionLoop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return fmt.Errorf("ingestion loop for %s is not running", l.worker.Kind())
	}
	stopCh, doneCh := l.stopCh, l.doneCh
	l.stopCh = nil
	l.mu.Unlock()

	// nil when an earlier Stop already signalled the loop
	if stopCh != nil {
		close(stopCh)
	}
	select {
	case <-doneCh:
	case <-ctx.Done():
		l.log.Warn("Ingestion loop stop timed out")
		return ctx.Err()
	}

	l.mu.Lock()
	if !l.running {
		// a concurrent Stop already flushed
		l.mu.Unlock()
		return nil
	}
	l.running = false
	l.mu.Unlock()

	if n, err := l.worker.Batch().Flush(ctx, l.cfg.Store); err != nil {
		l.log.WithError(err).Warnf("Final flush failed, %d updates dropped", l.worker.Batch().Len())
	} else if n > 0 {
		l.log.Infof("Final flush wrote %d updates", n)
	}
	l.log.Info("Ingestion loop stopped")
	return nil
}

func (l *IngestionLoop) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		report := l.RunOnce(ctx)
		if report.Pause <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-time.After(report.Pause):
		}
	}
}

// RunOnce runs a single cycle and returns how long to pause before the next.
func (l *IngestionLoop) RunOnce(ctx context.Context) *CycleReport {
	report := l.runOnce(ctx)

	l.mu.Lock()
	l.cycles++
	l.lastCycleAt = l.now()
	l.itemsFlushed += int64(report.Flushed)
	if report.Result != nil {
		l.itemsScraped += int64(report.Result.Scraped)
	}
	l.lastErr = report.Err
	l.mu.Unlock()

	return report
}

func (l *IngestionLoop) runOnce(ctx context.Context) *CycleReport {
	report := &CycleReport{}

	if l.cfg.Budget != nil {
		l.prepareCredentials(ctx)
	}

	// updates kept from a failed flush go out before new work is leased
	if l.worker.Batch().Len() > 0 {
		n, err := l.worker.Batch().Flush(ctx, l.cfg.Store)
		if err != nil {
			l.log.WithError(err).Warnf("Retained batch flush failed, %d updates pending", l.worker.Batch().Len())
		}
		report.Flushed += n
	}

	if l.cfg.Budget != nil && !l.cfg.Budget.Allow() {
		report.Skipped = "point budget exhausted"
		report.Pause = l.cfg.Budget.WaitFor(l.now(), l.cfg.ExhaustedMaxPause)
		if report.Pause <= 0 {
			report.Pause = l.cfg.IdlePause
		}
		l.log.WithField("resetAt", l.cfg.Budget.ResetAt()).Debugf("Skipping cycle, pausing %s", report.Pause)
		return report
	}

	result, err := l.worker.RunCycle(ctx)
	report.Result = result
	if err != nil {
		report.Err = err
		report.Pause = l.cfg.Backoff.RecordFailure()
		if wait := retryAfter(err); wait > report.Pause {
			report.Pause = wait
		}
		l.log.WithError(err).Warnf("Cycle aborted, retrying in %s (%d retries queued)", report.Pause, l.worker.Retry().Len())
		return report
	}
	l.cfg.Backoff.RecordSuccess()

	n, err := l.worker.Batch().Flush(ctx, l.cfg.Store)
	report.Flushed += n
	if err != nil {
		report.Err = fmt.Errorf("flush failed: %w", err)
		l.log.WithError(err).Warnf("Flush failed, %d updates retained", l.worker.Batch().Len())
	}

	report.Pause = l.applySignals(ctx, result)
	if result.Scraped == 0 && report.Pause < l.cfg.IdlePause {
		report.Pause = l.cfg.IdlePause
	}

	l.log.WithFields(map[string]interface{}{
		"requested": result.Requested,
		"leased":    result.Leased,
		"retried":   result.Retried,
		"succeeded": result.Succeeded,
		"notFound":  result.NotFound,
		"malformed": result.Malformed,
		"throttled": result.Throttled,
		"exhausted": result.Exhausted,
		"flushed":   report.Flushed,
		"duration":  result.Duration.String(),
	}).Info("Cycle complete")
	return report
}

// retryAfter is the wait a lease server asked for when it rate limited us.
func retryAfter(err error) time.Duration {
	cat := apperrors.Categorize(err)
	if cat.Category != apperrors.CategoryRateLimit {
		return 0
	}
	secs, _ := cat.Details["retryAfter"].(int)
	return time.Duration(secs) * time.Second
}

// prepareCredentials refreshes the token when it is due, reopens the budget
// once its reset deadline passed, then applies exhaustion published by peers.
// Failures keep the current state.
func (l *IngestionLoop) prepareCredentials(ctx context.Context) {
	budget := l.cfg.Budget
	now := l.now()

	if budget.TokenExpired(now) {
		l.refreshToken(ctx, now)
	}

	if budget.NeedsPointsRefresh(now) || budget.Snapshot().Limit == 0 {
		points, err := l.cfg.Credentials.RefreshPoints(ctx, budget.Token())
		if err != nil {
			l.log.WithError(err).Warn("Points refresh failed")
		} else {
			budget.ApplyPoints(points, now)
			l.log.WithFields(map[string]interface{}{
				"limit":   points.LimitPerHour,
				"spent":   points.SpentThisHour,
				"resetIn": points.ResetIn.String(),
				"state":   budget.State(),
			}).Info("Point budget refreshed")
		}
	}

	if l.cfg.Coordinator != nil {
		until, err := l.cfg.Coordinator.ExhaustedUntil(ctx, l.cfg.CredentialName)
		if err != nil {
			l.log.WithError(err).Warn("Failed to read shared budget state")
		} else if until.After(now) {
			budget.MarkExhaustedUntil(until)
		}
	}
}

func (l *IngestionLoop) refreshToken(ctx context.Context, now time.Time) {
	budget := l.cfg.Budget

	if l.cfg.Coordinator != nil {
		token, ttl, ok, err := l.cfg.Coordinator.LoadToken(ctx, l.cfg.CredentialName)
		if err != nil {
			l.log.WithError(err).Warn("Failed to load shared token")
		} else if ok && token != budget.Token() {
			budget.SetToken(token, ttl, now)
			return
		}
	}

	token, ttl, err := l.cfg.Credentials.RefreshToken(ctx)
	if err != nil {
		l.log.WithError(err).Warn("Token refresh failed, keeping current token")
		return
	}
	budget.SetToken(token, ttl, now)
	l.log.Infof("Bearer token refreshed, valid for %s", ttl)

	if l.cfg.Coordinator != nil {
		if err := l.cfg.Coordinator.StoreToken(ctx, l.cfg.CredentialName, token, ttl); err != nil {
			l.log.WithError(err).Warn("Failed to share token")
		}
	}
}

// applySignals feeds the cycle's rate limit signals back into the state
// machines and returns the pause they call for.
func (l *IngestionLoop) applySignals(ctx context.Context, result *CycleResult) time.Duration {
	now := l.now()
	var pause time.Duration

	if result.Throttled > 0 && l.cfg.Throttle != nil {
		l.cfg.Throttle.Trip(now)
		pause = l.cfg.Throttle.Remaining(now)
		l.log.Infof("%d items throttled, cooling down for %s", result.Throttled, pause)
	}

	if l.cfg.Budget != nil {
		if result.Exhausted > 0 {
			l.cfg.Budget.MarkExhausted()
			l.publishExhaustion(ctx, now)
		}
		if result.Unauthorized > 0 {
			l.cfg.Budget.ExpireToken()
			l.log.Warn("Bearer token rejected, refreshing next cycle")
		}
	}

	if l.cfg.Coordinator != nil {
		kind := string(result.Kind)
		for event, n := range map[string]int{
			"scraped":   result.Scraped,
			"malformed": result.Malformed,
			"throttled": result.Throttled,
			"exhausted": result.Exhausted,
		} {
			if err := l.cfg.Coordinator.RecordEvent(ctx, kind, event, int64(n)); err != nil {
				l.log.WithError(err).Debug("Failed to record event")
				break
			}
		}
	}
	return pause
}

func (l *IngestionLoop) publishExhaustion(ctx context.Context, now time.Time) {
	resetAt := l.cfg.Budget.ResetAt()
	if !resetAt.After(now) {
		// reset time unknown until the next points refresh
		resetAt = now.Add(l.cfg.IdlePause)
	}
	l.log.WithField("resetAt", resetAt).Warn("Point budget exhausted")

	if l.cfg.Coordinator == nil {
		return
	}
	if _, err := l.cfg.Coordinator.MarkExhausted(ctx, l.cfg.CredentialName, resetAt); err != nil {
		l.log.WithError(err).Warn("Failed to share budget exhaustion")
	}
}

// Status returns the loop's current state.
func (l *IngestionLoop) Status() LoopStatus {
	l.mu.RLock()
	st := LoopStatus{
		Kind:         l.worker.Kind(),
		Running:      l.running,
		Cycles:       l.cycles,
		ItemsScraped: l.itemsScraped,
		ItemsFlushed: l.itemsFlushed,
		LastCycleAt:  l.lastCycleAt,
	}
	if l.lastErr != nil {
		st.LastError = l.lastErr.Error()
	}
	l.mu.RUnlock()

	now := l.now()
	st.RetryQueued = l.worker.Retry().Len()
	st.PendingUpdates = l.worker.Batch().Len()
	if l.cfg.Throttle != nil {
		st.Throttle = l.cfg.Throttle.State(now)
	}
	if l.cfg.Budget != nil {
		snap := l.cfg.Budget.Snapshot()
		st.Budget = &snap
	}
	return st
}
