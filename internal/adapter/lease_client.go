package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/character-harvester/internal/circuitbreaker"
	apperrors "github.com/character-harvester/internal/errors"
	"github.com/character-harvester/internal/types"
)

// WorkerIDHeader identifies a worker to the lease server's request limiter.
const WorkerIDHeader = "X-Worker-ID"

// LeaseClientConfig configures a LeaseClient.
type LeaseClientConfig struct {
	BaseURL    string
	WorkerID   string
	Timeout    time.Duration
	HTTPClient *http.Client
	Breaker    *circuitbreaker.Config
}

// LeaseClient requests batches from a remote lease server.
type LeaseClient struct {
	baseURL  string
	workerID string
	client   *http.Client
	breaker  *circuitbreaker.CircuitBreaker
}

// NewLeaseClient creates a lease client guarded by a circuit breaker.
func NewLeaseClient(cfg LeaseClientConfig) *LeaseClient {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	breakerCfg := cfg.Breaker
	if breakerCfg == nil {
		breakerCfg = circuitbreaker.DefaultConfig("lease-server")
		breakerCfg.IsFailure = isLeaseFailure
	}
	return &LeaseClient{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		workerID: cfg.WorkerID,
		client:   client,
		breaker:  circuitbreaker.NewCircuitBreaker(breakerCfg),
	}
}

// RequestBatch asks the lease server for up to n items of kind. A rejected
// request comes back categorized as the server answered it; everything else
// is lease-unavailable and the caller retries the whole cycle.
func (c *LeaseClient) RequestBatch(ctx context.Context, kind types.ScrapeKind, n int) ([]types.WorkItem, error) {
	var items []types.WorkItem
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		items, err = c.requestBatch(ctx, kind, n)
		return err
	})
	switch {
	case err == nil:
		return items, nil
	case errors.Is(err, circuitbreaker.ErrCircuitOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		return nil, apperrors.NewLeaseUnavailableError(0, err)
	}
	return nil, err
}

func (c *LeaseClient) requestBatch(ctx context.Context, kind types.ScrapeKind, n int) ([]types.WorkItem, error) {
	url := fmt.Sprintf("%s/scraping/%s/%d", c.baseURL, kind, n)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperrors.NewInternalError("build lease request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", acceptEncoding)
	if c.workerID != "" {
		req.Header.Set(WorkerIDHeader, c.workerID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperrors.NewLeaseUnavailableError(0, err)
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, apperrors.NewLeaseUnavailableError(resp.StatusCode, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperrors.NewRateLimitError(retryAfterSeconds(resp))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, decodeRejection(resp.StatusCode, body)
	default:
		return nil, apperrors.NewLeaseUnavailableError(resp.StatusCode,
			fmt.Errorf("lease server returned %d: %s", resp.StatusCode, truncate(body, 256)))
	}

	items, err := types.DecodeLeaseItems(kind, body)
	if err != nil {
		return nil, apperrors.NewLeaseUnavailableError(resp.StatusCode, err)
	}
	return items, nil
}

// decodeRejection turns a 4xx error envelope back into the server's error.
func decodeRejection(status int, body []byte) error {
	var envelope struct {
		Error *types.ServiceError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil && envelope.Error.Code != "" {
		return envelope.Error
	}
	return apperrors.NewInvalidParameterError("lease request",
		fmt.Sprintf("lease server returned %d: %s", status, truncate(body, 256)))
}

func retryAfterSeconds(resp *http.Response) int {
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs < 0 {
		return 0
	}
	return secs
}

// isLeaseFailure counts only failures that say the lease server is unhealthy.
func isLeaseFailure(err error) bool {
	return apperrors.Categorize(err).Category == apperrors.CategoryLease
}

// BreakerStats exposes the circuit breaker state for status reporting.
func (c *LeaseClient) BreakerStats() circuitbreaker.Stats {
	return c.breaker.GetStats()
}

// RetryAfter is how long the open breaker will keep failing fast.
func (c *LeaseClient) RetryAfter() time.Duration {
	return c.breaker.RetryAfter()
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
