package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/character-harvester/internal/errors"
)

// ProfileResponse is the raw answer of the profile site for one character.
// DecodeErr is set, and Body empty, when the body could not be decoded.
type ProfileResponse struct {
	StatusCode int
	Body       []byte
	DecodeErr  error
}

// ProfileClientConfig configures a ProfileClient.
type ProfileClientConfig struct {
	BaseURL   string
	RPS       float64
	Timeout   time.Duration
	UserAgent string
	// HTTPClient overrides the default client, mostly for tests.
	HTTPClient *http.Client
}

// ProfileClient fetches character profile pages. Requests are paced by a
// token bucket shared by every goroutine using the client.
type ProfileClient struct {
	baseURL   string
	userAgent string
	client    *http.Client
	limiter   *rate.Limiter
}

// NewProfileClient creates a profile site client.
func NewProfileClient(cfg ProfileClientConfig) *ProfileClient {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	burst := 1
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
		if burst = int(cfg.RPS); burst < 1 {
			burst = 1
		}
	}

	return &ProfileClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		client:    client,
		limiter:   rate.NewLimiter(limit, burst),
	}
}

// ProfileURL is the page of character id.
func (c *ProfileClient) ProfileURL(id int64) string {
	return fmt.Sprintf("%s/lodestone/character/%d/", c.baseURL, id)
}

// Fetch downloads the profile page of character id. Any HTTP status is a
// successful fetch, even with an undecodable body; only transport failures
// return an error.
func (c *ProfileClient) Fetch(ctx context.Context, id int64) (*ProfileResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ProfileURL(id), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build profile request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Encoding", acceptEncoding)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperrors.NewUpstreamError("profile", 0, err)
	}

	body, err := readBody(resp)
	var decodeErr *BodyDecodeError
	if errors.As(err, &decodeErr) {
		return &ProfileResponse{StatusCode: resp.StatusCode, DecodeErr: decodeErr}, nil
	}
	if err != nil {
		return nil, apperrors.NewUpstreamError("profile", resp.StatusCode, err)
	}
	return &ProfileResponse{StatusCode: resp.StatusCode, Body: body}, nil
}
