package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/time/rate"

	apperrors "github.com/character-harvester/internal/errors"
)

// WorkerIDHeader identifies the calling worker. Requests without it are
// limited per remote IP.
const WorkerIDHeader = "X-Worker-ID"

// Default limiter settings.
const (
	DefaultWorkerRPS   = 5
	DefaultWorkerBurst = 10
)

// RateLimiter keeps one token bucket per worker so a runaway worker cannot
// starve the others of lease requests.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex

	limit     rate.Limit
	burstSize int
}

// NewRateLimiter creates a new rate limiter. Non-positive values use defaults.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		rps = DefaultWorkerRPS
	}
	if burst <= 0 {
		burst = DefaultWorkerBurst
	}
	return &RateLimiter{
		limiters:  make(map[string]*rate.Limiter),
		limit:     rate.Limit(rps),
		burstSize: burst,
	}
}

// getLimiter returns the rate limiter for a worker
func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// another goroutine may have created it
	if limiter, exists := rl.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.limit, rl.burstSize)
	rl.limiters[key] = limiter

	return limiter
}

// Workers returns how many distinct callers have been seen.
func (rl *RateLimiter) Workers() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.limiters)
}

func limiterKey(r *http.Request) string {
	if id := r.Header.Get(WorkerIDHeader); id != "" {
		return "worker:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// retryAfter reserves a token for key. It returns zero when the request may
// proceed, or the whole seconds until the bucket refills.
func (rl *RateLimiter) retryAfter(key string) int {
	res := rl.getLimiter(key).Reserve()
	d := res.Delay()
	if d == 0 {
		return 0
	}
	res.Cancel()
	return int(math.Ceil(d.Seconds()))
}

// RateLimitMiddleware answers 429 with Retry-After once a worker's bucket is
// empty.
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wait := rl.retryAfter(limiterKey(r))
			if wait == 0 {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Retry-After", strconv.Itoa(wait))
			rlErr := apperrors.NewRateLimitError(wait)
			rlErr.Details["worker"] = r.Header.Get(WorkerIDHeader)
			respondServiceError(w, r, rlErr)
		})
	}
}
