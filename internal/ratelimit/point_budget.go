package ratelimit

import (
	"sync"
	"time"
)

// BudgetState is the state of a PointBudget.
type BudgetState string

const (
	// BudgetAvailable means point-constrained requests may be issued.
	BudgetAvailable BudgetState = "has_budget"
	// BudgetExhausted means no point-constrained request may be issued
	// until the reset deadline passes and a points refresh succeeds.
	BudgetExhausted BudgetState = "exhausted"
)

// PointsSnapshot is the answer of the budget introspection query.
type PointsSnapshot struct {
	LimitPerHour  float64
	SpentThisHour float64
	ResetIn       time.Duration
}

// BudgetSnapshot is a read-only copy of a PointBudget for logging and status.
type BudgetSnapshot struct {
	State          BudgetState `json:"state"`
	CoolDownActive bool        `json:"coolDownActive"`
	Limit          float64     `json:"limit"`
	Spent          float64     `json:"spent"`
	ResetAt        time.Time   `json:"resetAt"`
	TokenExpiry    time.Time   `json:"tokenExpiry"`
}

// PointBudget is the rate limit state of one credential on the rankings API:
// the bearer token with its expiry, and the hourly point budget. The token
// timer and the budget state machine are independent.
type PointBudget struct {
	refreshMargin time.Duration
	reserve       float64

	token       string
	tokenExpiry time.Time

	limit     float64
	spent     float64
	resetAt   time.Time
	exhausted bool

	mu sync.Mutex
}

// NewPointBudget creates a budget in HasBudget state with no token.
func NewPointBudget(cfg *RateLimitConfig) *PointBudget {
	if cfg == nil {
		cfg = NewRateLimitConfig()
	}
	return &PointBudget{
		refreshMargin: cfg.TokenRefreshMargin,
		reserve:       float64(cfg.PointsReserve),
	}
}

// SetToken installs a freshly minted bearer token valid for ttl.
func (b *PointBudget) SetToken(token string, ttl time.Duration, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	margin := b.refreshMargin
	if margin > ttl/2 {
		margin = ttl / 2
	}
	b.token = token
	b.tokenExpiry = now.Add(ttl - margin)
}

// Token returns the current bearer token, possibly stale.
func (b *PointBudget) Token() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.token
}

// TokenExpired reports whether the token should be refreshed before use.
func (b *PointBudget) TokenExpired(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.token == "" || !now.Before(b.tokenExpiry)
}

// ExpireToken forces a refresh on the next cycle, typically after a 401.
// The old token stays usable until the refresh succeeds.
func (b *PointBudget) ExpireToken() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokenExpiry = time.Time{}
}

// Allow reports whether a point-constrained request may be issued.
func (b *PointBudget) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.exhausted
}

// State returns the current budget state.
func (b *PointBudget) State() BudgetState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exhausted {
		return BudgetExhausted
	}
	return BudgetAvailable
}

// MarkExhausted moves the budget to Exhausted on an inline exhaustion signal.
func (b *PointBudget) MarkExhausted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exhausted = true
}

// MarkExhaustedUntil moves the budget to Exhausted with a known reset deadline,
// as reported by another process sharing the credential.
func (b *PointBudget) MarkExhaustedUntil(resetAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exhausted = true
	if resetAt.After(b.resetAt) {
		b.resetAt = resetAt
	}
}

// NeedsPointsRefresh reports whether the budget is Exhausted and its reset
// deadline has passed, so a points refresh may reopen it.
func (b *PointBudget) NeedsPointsRefresh(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exhausted && !now.Before(b.resetAt)
}

// ApplyPoints records a successful points refresh. The budget reopens unless
// the snapshot itself shows it spent down to the reserve.
func (b *PointBudget) ApplyPoints(s PointsSnapshot, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.limit = s.LimitPerHour
	b.spent = s.SpentThisHour
	b.resetAt = now.Add(s.ResetIn)
	b.exhausted = s.LimitPerHour-s.SpentThisHour <= b.reserve
}

// ResetAt returns the last known reset deadline.
func (b *PointBudget) ResetAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resetAt
}

// WaitFor is how long the caller should idle before the budget may reopen,
// capped by max. Zero when the budget is available or the deadline passed.
func (b *PointBudget) WaitFor(now time.Time, max time.Duration) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.exhausted || !now.Before(b.resetAt) {
		return 0
	}
	wait := b.resetAt.Sub(now)
	if max > 0 && wait > max {
		wait = max
	}
	return wait
}

// Snapshot returns a copy of the budget for logging.
func (b *PointBudget) Snapshot() BudgetSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := BudgetAvailable
	if b.exhausted {
		state = BudgetExhausted
	}
	return BudgetSnapshot{
		State:          state,
		CoolDownActive: b.exhausted,
		Limit:          b.limit,
		Spent:          b.spent,
		ResetAt:        b.resetAt,
		TokenExpiry:    b.tokenExpiry,
	}
}
