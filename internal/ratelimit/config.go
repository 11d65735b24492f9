// Package ratelimit tracks the two independent rate limits the harvester
// works against: the soft per-IP throttle of the profile site and the hourly
// point budget of the rankings API.
package ratelimit

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"
)

// Default configuration values for rate limiting.
const (
	DefaultSoftCoolDown       = 2 * time.Second  // pause after a 429 from the profile site
	DefaultTokenRefreshMargin = 5 * time.Minute  // refresh the bearer token this long before it expires
	DefaultExhaustedMaxPause  = 60 * time.Second // longest single sleep while the point budget is exhausted
	DefaultPointsReserve      = 0                // points kept unspent before treating the budget as exhausted
	DefaultCoordinatorTTL     = 2 * time.Hour    // expiry of shared exhaustion keys in Redis
)

// Environment variable names for rate limit configuration.
const (
	EnvSoftCoolDown       = "RATELIMIT_SOFT_COOLDOWN"
	EnvTokenRefreshMargin = "RATELIMIT_TOKEN_REFRESH_MARGIN"
	EnvExhaustedMaxPause  = "RATELIMIT_EXHAUSTED_MAX_PAUSE"
	EnvPointsReserve      = "RATELIMIT_POINTS_RESERVE"
	EnvCoordinatorTTL     = "RATELIMIT_COORDINATOR_TTL"
)

// RateLimitConfig holds all rate limiting configuration.
type RateLimitConfig struct {
	// SoftCoolDown is how long the profile upstream stays Throttled after a 429.
	// Environment: RATELIMIT_SOFT_COOLDOWN, Default: 2s
	SoftCoolDown time.Duration

	// TokenRefreshMargin is subtracted from the token TTL so refreshes happen early.
	// Environment: RATELIMIT_TOKEN_REFRESH_MARGIN, Default: 5m
	TokenRefreshMargin time.Duration

	// ExhaustedMaxPause caps a single idle sleep while waiting for a point reset.
	// Environment: RATELIMIT_EXHAUSTED_MAX_PAUSE, Default: 60s
	ExhaustedMaxPause time.Duration

	// PointsReserve is the number of points left untouched.
	// Environment: RATELIMIT_POINTS_RESERVE, Default: 0
	PointsReserve int

	// CoordinatorTTL bounds how long shared state survives in Redis.
	// Environment: RATELIMIT_COORDINATOR_TTL, Default: 2h
	CoordinatorTTL time.Duration
}

// NewRateLimitConfig creates a new RateLimitConfig with default values.
func NewRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		SoftCoolDown:       DefaultSoftCoolDown,
		TokenRefreshMargin: DefaultTokenRefreshMargin,
		ExhaustedMaxPause:  DefaultExhaustedMaxPause,
		PointsReserve:      DefaultPointsReserve,
		CoordinatorTTL:     DefaultCoordinatorTTL,
	}
}

// LoadFromEnv loads configuration from environment variables.
// Invalid values are logged as warnings and defaults are used instead.
func LoadFromEnv() *RateLimitConfig {
	cfg := NewRateLimitConfig()

	cfg.SoftCoolDown = envDuration(EnvSoftCoolDown, DefaultSoftCoolDown)
	cfg.TokenRefreshMargin = envDuration(EnvTokenRefreshMargin, DefaultTokenRefreshMargin)
	cfg.ExhaustedMaxPause = envDuration(EnvExhaustedMaxPause, DefaultExhaustedMaxPause)
	cfg.CoordinatorTTL = envDuration(EnvCoordinatorTTL, DefaultCoordinatorTTL)

	if val := getEnvInt(EnvPointsReserve, DefaultPointsReserve); val >= 0 {
		cfg.PointsReserve = val
	} else {
		log.Printf("WARNING: Invalid %s value, using default %d", EnvPointsReserve, DefaultPointsReserve)
	}

	if err := cfg.Validate(); err != nil {
		log.Printf("WARNING: Configuration validation failed: %v. Using defaults.", err)
		return NewRateLimitConfig()
	}

	return cfg
}

// Validate ensures configuration is valid.
func (c *RateLimitConfig) Validate() error {
	if c.SoftCoolDown <= 0 {
		return errors.New("SoftCoolDown must be positive")
	}
	if c.TokenRefreshMargin < 0 {
		return errors.New("TokenRefreshMargin cannot be negative")
	}
	if c.ExhaustedMaxPause <= 0 {
		return errors.New("ExhaustedMaxPause must be positive")
	}
	if c.PointsReserve < 0 {
		return errors.New("PointsReserve cannot be negative")
	}
	if c.CoordinatorTTL < time.Hour {
		return fmt.Errorf("CoordinatorTTL must cover a full point window, got %s", c.CoordinatorTTL)
	}
	return nil
}

// String returns a string representation of the configuration for logging.
func (c *RateLimitConfig) String() string {
	return fmt.Sprintf(
		"RateLimitConfig{SoftCoolDown: %s, TokenRefreshMargin: %s, ExhaustedMaxPause: %s, PointsReserve: %d, CoordinatorTTL: %s}",
		c.SoftCoolDown, c.TokenRefreshMargin, c.ExhaustedMaxPause, c.PointsReserve, c.CoordinatorTTL,
	)
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		log.Printf("WARNING: Invalid %s value %q, using default %s", key, raw, defaultVal)
		return defaultVal
	}
	return d
}

// getEnvInt reads an environment variable and parses it as an integer.
// Returns -1 when the value is set but cannot be parsed.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return -1
	}

	return intVal
}
