package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/character-harvester/internal/errors"
	"github.com/character-harvester/internal/ratelimit"
)

const pointsQuery = `{
  rateLimitData { limitPerHour pointsSpentThisHour pointsResetIn }
}`

// CredentialClientConfig configures a CredentialClient.
type CredentialClientConfig struct {
	TokenURL     string
	APIURL       string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// CredentialClient mints bearer tokens with the client_credentials grant and
// reads the point budget of a token.
type CredentialClient struct {
	cfg    CredentialClientConfig
	client *http.Client
}

// NewCredentialClient creates a credential client.
func NewCredentialClient(cfg CredentialClientConfig) *CredentialClient {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		client = &http.Client{
			Timeout: timeout,
			// redirects are reported as-is, not followed
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}
	}
	return &CredentialClient{cfg: cfg, client: client}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// RefreshToken requests a new bearer token.
func (c *CredentialClient) RefreshToken(ctx context.Context) (string, time.Duration, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("failed to build token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", acceptEncoding)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", 0, apperrors.NewCredentialError("token", err)
	}
	body, err := readBody(resp)
	if err != nil {
		return "", 0, apperrors.NewCredentialError("token", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, apperrors.NewCredentialError("token", fmt.Errorf("token endpoint returned %d", resp.StatusCode))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, apperrors.NewCredentialError("token", fmt.Errorf("invalid token response: %w", err))
	}
	if tr.AccessToken == "" || tr.ExpiresIn <= 0 {
		return "", 0, apperrors.NewCredentialError("token", fmt.Errorf("token response without access_token or expires_in"))
	}
	return tr.AccessToken, time.Duration(tr.ExpiresIn) * time.Second, nil
}

type pointsPayload struct {
	RateLimitData *struct {
		LimitPerHour        float64 `json:"limitPerHour"`
		PointsSpentThisHour float64 `json:"pointsSpentThisHour"`
		PointsResetIn       float64 `json:"pointsResetIn"`
	} `json:"rateLimitData"`
}

// RefreshPoints reads the point budget of token. The budget query itself
// costs no points.
func (c *CredentialClient) RefreshPoints(ctx context.Context, token string) (ratelimit.PointsSnapshot, error) {
	status, body, err := postGraphQL(ctx, c.client, c.cfg.APIURL, token, pointsQuery, nil)
	if err != nil {
		return ratelimit.PointsSnapshot{}, apperrors.NewCredentialError("points", err)
	}
	if status != http.StatusOK {
		return ratelimit.PointsSnapshot{}, apperrors.NewCredentialError("points", fmt.Errorf("points query returned %d", status))
	}

	var env graphQLEnvelope
	if err := json.Unmarshal(body, &env); err != nil || !env.hasData() {
		return ratelimit.PointsSnapshot{}, apperrors.NewCredentialError("points", fmt.Errorf("points query returned no data"))
	}
	var p pointsPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.RateLimitData == nil {
		return ratelimit.PointsSnapshot{}, apperrors.NewCredentialError("points", fmt.Errorf("points query returned no rateLimitData"))
	}

	return ratelimit.PointsSnapshot{
		LimitPerHour:  p.RateLimitData.LimitPerHour,
		SpentThisHour: p.RateLimitData.PointsSpentThisHour,
		ResetIn:       time.Duration(p.RateLimitData.PointsResetIn * float64(time.Second)),
	}, nil
}
