package ratelimit

import (
	"sync"
	"time"
)

// ThrottleState is the state of a SoftThrottle.
type ThrottleState string

const (
	// ThrottleOpen means requests may be issued without pause.
	ThrottleOpen ThrottleState = "open"
	// ThrottleThrottled means a 429 was seen within the cool-down.
	ThrottleThrottled ThrottleState = "throttled"
)

// SoftThrottle models an upstream that signals "slow down" with HTTP 429
// but publishes no reset time. It is Throttled for a fixed cool-down after
// the most recent trip and Open otherwise.
type SoftThrottle struct {
	coolDown time.Duration
	until    time.Time
	trips    int64
	mu       sync.Mutex
}

// NewSoftThrottle creates an Open throttle with the given cool-down.
func NewSoftThrottle(coolDown time.Duration) *SoftThrottle {
	if coolDown <= 0 {
		coolDown = DefaultSoftCoolDown
	}
	return &SoftThrottle{coolDown: coolDown}
}

// Trip moves the throttle to Throttled until now + cool-down.
func (s *SoftThrottle) Trip(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if until := now.Add(s.coolDown); until.After(s.until) {
		s.until = until
	}
	s.trips++
}

// State reports the state at now.
func (s *SoftThrottle) State(now time.Time) ThrottleState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Before(s.until) {
		return ThrottleThrottled
	}
	return ThrottleOpen
}

// Remaining is how long until the throttle reopens, zero when Open.
func (s *SoftThrottle) Remaining(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Before(s.until) {
		return s.until.Sub(now)
	}
	return 0
}

// Trips returns the number of 429s observed since creation.
func (s *SoftThrottle) Trips() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trips
}

// CoolDown returns the configured cool-down.
func (s *SoftThrottle) CoolDown() time.Duration {
	return s.coolDown
}
