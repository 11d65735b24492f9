package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSoftThrottle_Transitions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewSoftThrottle(2 * time.Second)

	assert.Equal(t, ThrottleOpen, s.State(now))
	assert.Zero(t, s.Remaining(now))

	s.Trip(now)
	assert.Equal(t, ThrottleThrottled, s.State(now))
	assert.Equal(t, ThrottleThrottled, s.State(now.Add(1999*time.Millisecond)))
	assert.Equal(t, 500*time.Millisecond, s.Remaining(now.Add(1500*time.Millisecond)))
	assert.Equal(t, ThrottleOpen, s.State(now.Add(2*time.Second)))
	assert.Equal(t, int64(1), s.Trips())
}

func TestSoftThrottle_TripExtendsButNeverShortens(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewSoftThrottle(2 * time.Second)

	s.Trip(now.Add(time.Second))
	s.Trip(now)

	assert.Equal(t, ThrottleThrottled, s.State(now.Add(2500*time.Millisecond)))
	assert.Equal(t, ThrottleOpen, s.State(now.Add(3*time.Second)))
	assert.Equal(t, int64(2), s.Trips())
}

func TestNewSoftThrottle_DefaultCoolDown(t *testing.T) {
	assert.Equal(t, DefaultSoftCoolDown, NewSoftThrottle(0).CoolDown())
}
