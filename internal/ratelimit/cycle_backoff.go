package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 60 * time.Second
)

// CycleBackoffConfig bounds the pause between failed ingestion cycles. Zero
// values take the defaults.
type CycleBackoffConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Validate rejects negative delays and a base above the cap.
func (c *CycleBackoffConfig) Validate() error {
	switch {
	case c.BaseDelay < 0 || c.MaxDelay < 0:
		return fmt.Errorf("backoff delays cannot be negative (base %s, max %s)", c.BaseDelay, c.MaxDelay)
	case c.MaxDelay > 0 && c.BaseDelay > c.MaxDelay:
		return fmt.Errorf("backoff base %s exceeds max %s", c.BaseDelay, c.MaxDelay)
	}
	return nil
}

// CycleBackoff paces an ingestion loop whose whole cycle failed, e.g. because
// the lease authority was unreachable. The n-th consecutive failure pauses
// base*2^(n-1), capped at the max. A success starts over.
type CycleBackoff struct {
	base, max time.Duration

	mu    sync.Mutex
	fails int
}

// NewCycleBackoff creates a backoff. A nil config uses defaults.
func NewCycleBackoff(cfg *CycleBackoffConfig) (*CycleBackoff, error) {
	var c CycleBackoffConfig
	if cfg != nil {
		c = *cfg
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.BaseDelay > c.MaxDelay {
		c.BaseDelay = c.MaxDelay
	}
	return &CycleBackoff{base: c.BaseDelay, max: c.MaxDelay}, nil
}

func (c *CycleBackoff) delay(fails int) time.Duration {
	d := c.base
	for i := 0; i < fails && d < c.max; i++ {
		d *= 2
	}
	if d > c.max {
		d = c.max
	}
	return d
}

// RecordSuccess resets the backoff.
func (c *CycleBackoff) RecordSuccess() {
	c.mu.Lock()
	c.fails = 0
	c.mu.Unlock()
}

// RecordFailure counts a failed cycle and returns the pause to take now.
func (c *CycleBackoff) RecordFailure() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.delay(c.fails)
	c.fails++
	return d
}

// GetCurrentDelay returns the pause the next failure will produce.
func (c *CycleBackoff) GetCurrentDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delay(c.fails)
}

func (c *CycleBackoff) GetConsecutiveFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fails
}
