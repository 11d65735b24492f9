// Package retry re-runs short store and upstream operations that fail
// transiently, such as bootstrap inserts and metadata queries.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	apperrors "github.com/character-harvester/internal/errors"
	"github.com/character-harvester/internal/logging"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts  int           // including the first
	InitialDelay time.Duration // before the second attempt
	MaxDelay     time.Duration
	Multiplier   float64
	// Retryable decides whether an error is worth another attempt.
	// Nil retries every error.
	Retryable func(error) bool
}

// DefaultRetryConfig waits 1s, 2s, 4s, 8s between five attempts and only
// retries errors apperrors considers transient.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
		Retryable:    apperrors.IsRetryable,
	}
}

// Delay returns InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (c *RetryConfig) Delay(attempt int) time.Duration {
	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	return time.Duration(delay)
}

// Func is one attempt; attempt starts at 1.
type Func func(ctx context.Context, attempt int) error

// Do calls fn until it succeeds, returns a non-retryable error, runs out of
// attempts, or ctx is done. A nil config uses DefaultRetryConfig. The returned
// error wraps the last failure.
func Do(ctx context.Context, config *RetryConfig, fn Func) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	logger := logging.FromContext(ctx)

	var lastErr error
	attempt := 0
	for attempt < config.MaxAttempts {
		attempt++
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			if attempt > 1 {
				logger.WithField("attempts", attempt).Info("Operation succeeded after retry")
			}
			return nil
		}
		if config.Retryable != nil && !config.Retryable(lastErr) {
			break
		}
		if attempt == config.MaxAttempts {
			break
		}

		delay := config.Delay(attempt)
		logger.WithError(lastErr).WithFields(map[string]interface{}{
			"attempt":     attempt,
			"maxAttempts": config.MaxAttempts,
			"delay":       delay.String(),
		}).Warn("Operation failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, ctx.Err())
		}
	}
	return fmt.Errorf("operation failed after %d attempts: %w", attempt, lastErr)
}
