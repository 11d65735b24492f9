// Package circuitbreaker stops a worker from hammering a lease server that
// keeps failing. While open, lease calls fail fast and the ingestion loop's
// cycle backoff does the waiting.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/character-harvester/internal/logging"
)

// State represents the circuit breaker state
type State string

const (
	StateClosed State = "closed"
	// StateOpen rejects calls until Timeout has elapsed since it opened.
	StateOpen State = "open"
	// StateHalfOpen lets HalfOpenMaxCalls probes through.
	StateHalfOpen State = "half_open"
)

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when the half-open probe quota is used up.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config configures a circuit breaker
type Config struct {
	Name string
	// MaxFailures consecutive failures open the circuit.
	MaxFailures      int
	Timeout          time.Duration
	HalfOpenMaxCalls int
	// IsFailure decides which errors count against the circuit. Nil counts
	// every error. A rejected request (bad kind, rate limited) says nothing
	// about the server's health and should not be counted.
	IsFailure func(error) bool
}

// DefaultConfig opens after 5 consecutive failures and probes every 30s.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		MaxFailures:      5,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	cfg Config
	log *logging.Logger
	now func() time.Time

	mu       sync.Mutex
	state    State
	changed  time.Time
	streak   int // consecutive failures
	probes   int // half-open calls in flight or done
	probesOK int
	calls    int
	failures int
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	return newCircuitBreaker(config, time.Now)
}

func newCircuitBreaker(config *Config, now func() time.Time) *CircuitBreaker {
	cfg := *config
	if cfg.MaxFailures < 1 {
		cfg.MaxFailures = 1
	}
	if cfg.HalfOpenMaxCalls < 1 {
		cfg.HalfOpenMaxCalls = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(error) bool { return true }
	}
	return &CircuitBreaker{
		cfg:     cfg,
		log:     logging.WithField("circuitBreaker", cfg.Name),
		now:     now,
		state:   StateClosed,
		changed: now(),
	}
}

// Execute runs fn unless the circuit is open. Cancellation of ctx is never
// counted as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil && ctx.Err() != nil {
		cb.withdraw()
		return err
	}
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.changed) < cb.cfg.Timeout {
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenMaxCalls {
			return ErrTooManyRequests
		}
		cb.probes++
	}
	return nil
}

func (cb *CircuitBreaker) withdraw() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.calls++
	if err == nil || !cb.cfg.IsFailure(err) {
		cb.streak = 0
		if cb.state == StateHalfOpen {
			cb.probesOK++
			if cb.probesOK >= cb.cfg.HalfOpenMaxCalls {
				cb.transition(StateClosed)
			}
		}
		return
	}

	cb.failures++
	cb.streak++
	if cb.state == StateHalfOpen || cb.streak >= cb.cfg.MaxFailures {
		if cb.state != StateOpen {
			cb.log.WithError(err).WithField("consecutiveFails", cb.streak).Warn("Circuit breaker opened")
		}
		cb.transition(StateOpen)
	}
}

func (cb *CircuitBreaker) transition(state State) {
	if state != cb.state && state != StateOpen {
		cb.log.WithField("state", state).Info("Circuit breaker state changed")
	}
	cb.state = state
	cb.changed = cb.now()
	cb.probes = 0
	cb.probesOK = 0
}

// RetryAfter is how long an open circuit keeps rejecting calls, zero otherwise.
func (cb *CircuitBreaker) RetryAfter() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return 0
	}
	if d := cb.cfg.Timeout - cb.now().Sub(cb.changed); d > 0 {
		return d
	}
	return 0
}

func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	TotalCalls       int       `json:"totalCalls"`
	TotalFailures    int       `json:"totalFailures"`
	ConsecutiveFails int       `json:"consecutiveFails"`
	LastStateChange  time.Time `json:"lastStateChange"`
}

func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:             cb.cfg.Name,
		State:            cb.state,
		TotalCalls:       cb.calls,
		TotalFailures:    cb.failures,
		ConsecutiveFails: cb.streak,
		LastStateChange:  cb.changed,
	}
}
