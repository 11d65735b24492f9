package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/character-harvester/internal/errors"
	"github.com/character-harvester/internal/lease"
	"github.com/character-harvester/internal/storage"
	"github.com/character-harvester/internal/types"
)

type mockAuthority struct {
	requestFunc func(ctx context.Context, kind types.ScrapeKind, n int) ([]types.WorkItem, error)
	lastKind    types.ScrapeKind
	lastN       int
}

func (m *mockAuthority) RequestBatch(ctx context.Context, kind types.ScrapeKind, n int) ([]types.WorkItem, error) {
	m.lastKind, m.lastN = kind, n
	if m.requestFunc != nil {
		return m.requestFunc(ctx, kind, n)
	}
	items := make([]types.WorkItem, 0, n)
	for i := 1; i <= n; i++ {
		items = append(items, types.WorkItem{ID: int64(i), Kind: kind})
	}
	return items, nil
}

func (m *mockAuthority) Stats() lease.Stats {
	return lease.Stats{LiveLeases: map[types.ScrapeKind]int{types.KindProfile: 3}, Expansions: 1, MaxExpanded: 1000, Allocations: 2}
}

func (m *mockAuthority) Policy() lease.Policy { return lease.DefaultPolicy() }

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func createTestServer(authority LeaseAuthority, health HealthChecker) *Server {
	return NewServer(&ServerConfig{Host: "localhost", Port: "0", WorkerRPS: 100, WorkerBurst: 100}, authority, health)
}

func serve(s *Server, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) types.ServiceError {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func TestLeaseBatch_Profile(t *testing.T) {
	auth := &mockAuthority{}
	w := serve(createTestServer(auth, nil), "GET", "/scraping/profile/3", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
	assert.JSONEq(t, `{"kind":"profile","items":[1,2,3],"lodestone_indexes":[1,2,3]}`, w.Body.String())
	assert.Equal(t, 3, auth.lastN)
}

func TestLeaseBatch_LegacyKindAlias(t *testing.T) {
	auth := &mockAuthority{}
	w := serve(createTestServer(auth, nil), "GET", "/scraping/fflogs/2", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.KindRankings, auth.lastKind)
}

func TestLeaseBatch_Rankings(t *testing.T) {
	auth := &mockAuthority{requestFunc: func(_ context.Context, kind types.ScrapeKind, _ int) ([]types.WorkItem, error) {
		return []types.WorkItem{
			{ID: 4, Kind: kind, Target: &types.RankingTarget{ExternalID: 77}},
			{ID: 5, Kind: kind, Target: &types.RankingTarget{Name: "Alpha Beta", Server: "gilgamesh", Region: "NA"}},
		}, nil
	}}
	w := serve(createTestServer(auth, nil), "GET", "/scraping/rankings/2", nil)

	require.Equal(t, http.StatusOK, w.Code)
	items, err := types.DecodeLeaseItems(types.KindRankings, w.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, int64(77), items[0].Target.ExternalID)
	assert.Equal(t, "gilgamesh", items[1].Target.Server)

	var legacy struct {
		RankingsIDs   []int64 `json:"fflogs_id"`
		CharacterData []struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
		} `json:"character_data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &legacy))
	assert.Equal(t, []int64{77}, legacy.RankingsIDs)
	require.Len(t, legacy.CharacterData, 1)
	assert.Equal(t, int64(5), legacy.CharacterData[0].ID)
}

func TestLeaseBatch_InvalidParameters(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		param string
	}{
		{"unknown kind", "/scraping/achievements/3", "kind"},
		{"non-integer size", "/scraping/profile/ten", "n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(createTestServer(&mockAuthority{}, nil), "GET", tt.path, nil)

			require.Equal(t, http.StatusBadRequest, w.Code)
			svcErr := decodeError(t, w)
			assert.Equal(t, ErrCodeInvalidInput, svcErr.Code)
			assert.Equal(t, tt.param, svcErr.Details["parameter"])
		})
	}
}

func TestLeaseBatch_NonPositiveSizeIsPassedThroughForClamping(t *testing.T) {
	auth := &mockAuthority{requestFunc: func(context.Context, types.ScrapeKind, int) ([]types.WorkItem, error) {
		return nil, nil
	}}
	w := serve(createTestServer(auth, nil), "GET", "/scraping/profile/0", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, auth.lastN)
	assert.JSONEq(t, `{"kind":"profile","items":[]}`, w.Body.String())
}

func TestLeaseBatch_StoreFailure(t *testing.T) {
	auth := &mockAuthority{requestFunc: func(context.Context, types.ScrapeKind, int) ([]types.WorkItem, error) {
		return nil, apperrors.NewDatabaseError("select eligible", errors.New("connection refused"))
	}}
	w := serve(createTestServer(auth, nil), "GET", "/scraping/profile/5", nil)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	svcErr := decodeError(t, w)
	assert.Equal(t, "DATABASE_ERROR", svcErr.Code)
	assert.NotContains(t, w.Body.String(), "connection refused")
}

func TestLeaseBatch_PerWorkerRateLimit(t *testing.T) {
	s := NewServer(&ServerConfig{WorkerRPS: 0.001, WorkerBurst: 1}, &mockAuthority{}, nil)

	first := serve(s, "GET", "/scraping/profile/1", map[string]string{WorkerIDHeader: "w1"})
	second := serve(s, "GET", "/scraping/profile/1", map[string]string{WorkerIDHeader: "w1"})
	other := serve(s, "GET", "/scraping/profile/1", map[string]string{WorkerIDHeader: "w2"})
	stats := serve(s, "GET", "/scraping/stats", map[string]string{WorkerIDHeader: "w1"})

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, ErrCodeRateLimited, decodeError(t, second).Code)
	assert.Equal(t, "1000", second.Header().Get("Retry-After"))
	assert.Equal(t, float64(1000), decodeError(t, second).Details["retryAfter"])
	assert.Equal(t, http.StatusOK, other.Code)
	assert.Equal(t, http.StatusOK, stats.Code)
	assert.Equal(t, 2, s.limiter.Workers())
}

func TestStats(t *testing.T) {
	w := serve(createTestServer(&mockAuthority{}, nil), "GET", "/scraping/stats", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(1000), body["maxExpanded"])
	assert.Equal(t, map[string]interface{}{"profile": float64(3)}, body["liveLeases"])
	policy := body["policy"].(map[string]interface{})
	assert.Equal(t, "5m0s", policy["leaseDuration"])
	assert.Equal(t, true, policy["recheckAbsent"])
}

func TestHealth(t *testing.T) {
	healthy := serve(createTestServer(&mockAuthority{}, pingFunc(func(context.Context) error { return nil })), "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, healthy.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"character-harvester"}`, healthy.Body.String())

	down := serve(createTestServer(&mockAuthority{}, pingFunc(func(context.Context) error { return errors.New("gone") })), "GET", "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, down.Code)
}

func TestCompression(t *testing.T) {
	w := serve(createTestServer(&mockAuthority{}, nil), "GET", "/scraping/profile/2", map[string]string{"Accept-Encoding": "gzip"})

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
	zr, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"profile","items":[1,2],"lodestone_indexes":[1,2]}`, string(body))
}

func TestCompression_PrefersBrotli(t *testing.T) {
	w := serve(createTestServer(&mockAuthority{}, nil), "GET", "/scraping/profile/2", map[string]string{"Accept-Encoding": "gzip, deflate, br, zstd"})

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "br", w.Header().Get("Content-Encoding"))
	body, err := io.ReadAll(brotli.NewReader(w.Body))
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"profile","items":[1,2],"lodestone_indexes":[1,2]}`, string(body))
}

func TestNegotiateEncoding(t *testing.T) {
	assert.Equal(t, "br", negotiateEncoding("gzip;q=0.8, br"))
	assert.Equal(t, "gzip", negotiateEncoding("deflate, GZIP"))
	assert.Equal(t, "", negotiateEncoding("identity"))
}

func TestRecovery(t *testing.T) {
	auth := &mockAuthority{requestFunc: func(context.Context, types.ScrapeKind, int) ([]types.WorkItem, error) {
		panic("boom")
	}}
	w := serve(createTestServer(auth, nil), "GET", "/scraping/profile/1", nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, ErrCodeInternalError, decodeError(t, w).Code)
}

// Consecutive lease requests over HTTP never hand out the same id.
func TestLeaseServer_EndToEndWithSQLite(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))

	policy := lease.DefaultPolicy()
	policy.ExpandBy = 100
	policy.MaxBatch = 10
	authority, err := lease.NewAuthority(store, policy)
	require.NoError(t, err)

	ts := httptest.NewServer(createTestServer(authority, store).Handler())
	t.Cleanup(ts.Close)

	client := &http.Client{Timeout: 5 * time.Second}
	fetch := func(path string) []types.WorkItem {
		resp, err := client.Get(ts.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		items, err := types.DecodeLeaseItems(types.KindProfile, body)
		require.NoError(t, err)
		return items
	}

	first := fetch("/scraping/profile/5")
	second := fetch("/scraping/lodestone/50")

	require.Len(t, first, 5)
	require.Len(t, second, 10)
	seen := map[int64]bool{}
	for _, it := range append(first, second...) {
		assert.False(t, seen[it.ID], "id %d leased twice", it.ID)
		seen[it.ID] = true
	}
	assert.Equal(t, int64(1), first[0].ID)
	assert.Equal(t, int64(6), second[0].ID)

	health, err := client.Get(ts.URL + "/health")
	require.NoError(t, err)
	_ = health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}
