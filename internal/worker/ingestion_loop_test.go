package worker

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/character-harvester/internal/adapter"
	apperrors "github.com/character-harvester/internal/errors"
	"github.com/character-harvester/internal/ratelimit"
	"github.com/character-harvester/internal/types"
)

func newTestLoop(t *testing.T, cfg *IngestionLoopConfig) *IngestionLoop {
	t.Helper()
	l, err := NewIngestionLoop(cfg)
	require.NoError(t, err)
	l.now = func() time.Time { return fixedNow }
	return l
}

type rankingsRig struct {
	lease   *fakeLease
	src     *fakeRankings
	creds   *fakeCredentials
	budget  *ratelimit.PointBudget
	store   *fakeStore
	worker  *ScrapeWorker
	fetcher *RankingsFetcher
}

func newRankingsRig(t *testing.T, result *adapter.RankingsResult, points ratelimit.PointsSnapshot) *rankingsRig {
	t.Helper()
	r := &rankingsRig{
		lease:  &fakeLease{},
		src:    &fakeRankings{result: result},
		creds:  &fakeCredentials{points: points},
		budget: ratelimit.NewPointBudget(nil),
		store:  &fakeStore{},
	}
	r.fetcher = newTestRankingsFetcher(r.src, r.budget)
	r.worker = newTestWorker(t, r.lease, r.fetcher, 4)
	return r
}

func newRedisCoordinator(t *testing.T) *ratelimit.RedisCoordinator {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c, err := ratelimit.NewRedisCoordinator(&ratelimit.RedisCoordinatorConfig{Redis: client})
	require.NoError(t, err)
	return c
}

var freshPoints = ratelimit.PointsSnapshot{LimitPerHour: 3600, SpentThisHour: 100, ResetIn: 30 * time.Minute}

func TestNewIngestionLoop_Validation(t *testing.T) {
	w := newTestWorker(t, &fakeLease{}, &scriptedFetcher{kind: types.KindProfile}, 1)

	_, err := NewIngestionLoop(&IngestionLoopConfig{Store: &fakeStore{}})
	assert.Error(t, err)
	_, err = NewIngestionLoop(&IngestionLoopConfig{Worker: w})
	assert.Error(t, err)
	_, err = NewIngestionLoop(&IngestionLoopConfig{Worker: w, Store: &fakeStore{}, Budget: ratelimit.NewPointBudget(nil)})
	assert.Error(t, err)
}

func TestIngestionLoop_FlushFailureRetainsUpdates(t *testing.T) {
	store := &fakeStore{err: errBoom}
	w := newTestWorker(t, &fakeLease{}, &scriptedFetcher{kind: types.KindProfile}, 3)
	l := newTestLoop(t, &IngestionLoopConfig{Worker: w, Store: store})

	report := l.RunOnce(context.Background())
	require.ErrorIs(t, report.Err, errBoom)
	assert.Zero(t, report.Flushed)
	assert.Equal(t, 3, w.Batch().Len())

	store.setErr(nil)
	report = l.RunOnce(context.Background())
	require.NoError(t, report.Err)
	assert.Equal(t, 6, report.Flushed)
	assert.Len(t, store.Written(), 6)
	assert.Zero(t, w.Batch().Len())
}

func TestIngestionLoop_LeaseFailureBacksOff(t *testing.T) {
	lease := &fakeLease{err: errBoom}
	w := newTestWorker(t, lease, &scriptedFetcher{kind: types.KindProfile}, 3)
	l := newTestLoop(t, &IngestionLoopConfig{Worker: w, Store: &fakeStore{}})

	first := l.RunOnce(context.Background())
	second := l.RunOnce(context.Background())

	assert.ErrorIs(t, first.Err, errBoom)
	assert.Equal(t, time.Second, first.Pause)
	assert.Equal(t, 2*time.Second, second.Pause)
	assert.Equal(t, "failed to lease profile batch: boom", l.Status().LastError)
}

func TestIngestionLoop_LeaseRateLimitHonorsRetryAfter(t *testing.T) {
	lease := &fakeLease{err: apperrors.NewRateLimitError(30)}
	w := newTestWorker(t, lease, &scriptedFetcher{kind: types.KindProfile}, 3)
	l := newTestLoop(t, &IngestionLoopConfig{Worker: w, Store: &fakeStore{}})

	report := l.RunOnce(context.Background())

	require.Error(t, report.Err)
	assert.Equal(t, 30*time.Second, report.Pause)
}

func TestIngestionLoop_ThrottledCycleCoolsDown(t *testing.T) {
	fetcher := &scriptedFetcher{kind: types.KindProfile, decide: func(it types.WorkItem) OutcomeKind {
		if it.ID == 2 {
			return OutcomeThrottled
		}
		return OutcomeSuccess
	}}
	w := newTestWorker(t, &fakeLease{}, fetcher, 3)
	throttle := ratelimit.NewSoftThrottle(2 * time.Second)
	l := newTestLoop(t, &IngestionLoopConfig{Worker: w, Store: &fakeStore{}, Throttle: throttle})

	report := l.RunOnce(context.Background())

	require.NoError(t, report.Err)
	assert.Equal(t, 2*time.Second, report.Pause)
	assert.Equal(t, int64(1), throttle.Trips())
	assert.Equal(t, ratelimit.ThrottleThrottled, l.Status().Throttle)
	assert.Equal(t, []int64{2}, w.Retry().IDs())
}

func TestIngestionLoop_IdleWhenNothingLeased(t *testing.T) {
	w := newTestWorker(t, &fakeLease{empty: true}, &scriptedFetcher{kind: types.KindProfile}, 3)
	l := newTestLoop(t, &IngestionLoopConfig{Worker: w, Store: &fakeStore{}, IdlePause: 7 * time.Second})

	report := l.RunOnce(context.Background())
	require.NoError(t, report.Err)
	assert.Equal(t, 7*time.Second, report.Pause)
}

func TestIngestionLoop_SpentBudgetSkipsCycle(t *testing.T) {
	r := newRankingsRig(t, nil, ratelimit.PointsSnapshot{LimitPerHour: 3600, SpentThisHour: 3600, ResetIn: 30 * time.Minute})
	l := newTestLoop(t, &IngestionLoopConfig{Worker: r.worker, Store: r.store, Budget: r.budget, Credentials: r.creds})

	report := l.RunOnce(context.Background())

	assert.Equal(t, "point budget exhausted", report.Skipped)
	assert.Equal(t, 60*time.Second, report.Pause)
	assert.Empty(t, r.lease.Requests())
	assert.Zero(t, r.src.Calls())

	tokens, points := r.creds.counts()
	assert.Equal(t, 1, tokens)
	assert.Equal(t, 1, points)
	assert.Equal(t, "tok", r.creds.lastPointsOf)
}

func TestIngestionLoop_InlineExhaustionIsShared(t *testing.T) {
	ctx := context.Background()
	coord := newRedisCoordinator(t)
	r := newRankingsRig(t, adapter.ClassifyRankingsResponse(http.StatusOK, []byte(`{"status": 429}`)), freshPoints)
	l := newTestLoop(t, &IngestionLoopConfig{
		Worker: r.worker, Store: r.store, Budget: r.budget, Credentials: r.creds,
		Coordinator: coord, CredentialName: "main",
	})

	report := l.RunOnce(ctx)
	require.NotNil(t, report.Result)
	assert.Equal(t, 4, report.Result.Exhausted)
	assert.Equal(t, 4, r.worker.Retry().Len())
	assert.Empty(t, r.store.Written())
	assert.Equal(t, ratelimit.BudgetExhausted, r.budget.State())

	until, err := coord.ExhaustedUntil(ctx, "main")
	require.NoError(t, err)
	assert.WithinDuration(t, fixedNow.Add(30*time.Minute), until, time.Second)

	events, err := coord.Events(ctx, "rankings")
	require.NoError(t, err)
	assert.Equal(t, int64(4), events["exhausted"])

	calls := r.src.Calls()
	report = l.RunOnce(ctx)
	assert.Equal(t, "point budget exhausted", report.Skipped)
	assert.Equal(t, calls, r.src.Calls())
	assert.Equal(t, []int{4}, r.lease.Requests())
}

func TestIngestionLoop_PeerExhaustionPausesThisProcess(t *testing.T) {
	ctx := context.Background()
	coord := newRedisCoordinator(t)
	_, err := coord.MarkExhausted(ctx, "main", fixedNow.Add(10*time.Minute))
	require.NoError(t, err)

	r := newRankingsRig(t, nil, freshPoints)
	l := newTestLoop(t, &IngestionLoopConfig{
		Worker: r.worker, Store: r.store, Budget: r.budget, Credentials: r.creds,
		Coordinator: coord, CredentialName: "main",
	})

	report := l.RunOnce(ctx)
	assert.Equal(t, "point budget exhausted", report.Skipped)
	assert.Equal(t, 60*time.Second, report.Pause)
	assert.Empty(t, r.lease.Requests())
	assert.Equal(t, ratelimit.BudgetExhausted, r.budget.State())
}

func TestIngestionLoop_SharedTokenIsReused(t *testing.T) {
	ctx := context.Background()
	coord := newRedisCoordinator(t)
	require.NoError(t, coord.StoreToken(ctx, "main", "shared", time.Hour))

	found := adapter.ClassifyRankingsResponse(200, []byte(`{"data":{"characterData":{"character":{"id":1,"hidden":false}}}}`))
	r := newRankingsRig(t, found, freshPoints)
	l := newTestLoop(t, &IngestionLoopConfig{
		Worker: r.worker, Store: r.store, Budget: r.budget, Credentials: r.creds,
		Coordinator: coord, CredentialName: "main",
	})

	l.RunOnce(ctx)

	tokens, _ := r.creds.counts()
	assert.Zero(t, tokens)
	assert.Equal(t, "shared", r.budget.Token())
	assert.Equal(t, "shared", r.creds.lastPointsOf)
}

func TestIngestionLoop_UnauthorizedRefreshesToken(t *testing.T) {
	r := newRankingsRig(t, adapter.ClassifyRankingsResponse(http.StatusUnauthorized, nil), freshPoints)
	l := newTestLoop(t, &IngestionLoopConfig{Worker: r.worker, Store: r.store, Budget: r.budget, Credentials: r.creds})

	report := l.RunOnce(context.Background())
	require.NotNil(t, report.Result)
	assert.Equal(t, 4, report.Result.Unauthorized)
	assert.True(t, r.budget.TokenExpired(fixedNow))

	l.RunOnce(context.Background())
	tokens, points := r.creds.counts()
	assert.Equal(t, 2, tokens)
	assert.Equal(t, 1, points)
	assert.False(t, r.budget.TokenExpired(fixedNow))
}

func TestIngestionLoop_StartStop(t *testing.T) {
	store := &fakeStore{}
	w := newTestWorker(t, &fakeLease{}, &scriptedFetcher{kind: types.KindProfile}, 2)
	l := newTestLoop(t, &IngestionLoopConfig{Worker: w, Store: store, IdlePause: 10 * time.Millisecond})

	require.NoError(t, l.Start(context.Background()))
	assert.Error(t, l.Start(context.Background()))

	require.Eventually(t, func() bool { return l.Status().Cycles >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, l.Status().Running)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, l.Stop(ctx))

	st := l.Status()
	assert.False(t, st.Running)
	assert.Zero(t, st.PendingUpdates)
	assert.Equal(t, st.ItemsScraped, int64(len(store.Written())))
	assert.Error(t, l.Stop(ctx))
}

func TestIngestionLoop_StopAfterTimeoutCanBeRetried(t *testing.T) {
	store := &fakeStore{}
	f := newGatedFetcher(types.KindProfile)
	w := newTestWorker(t, &fakeLease{}, f, 1)
	l := newTestLoop(t, &IngestionLoopConfig{Worker: w, Store: store, IdlePause: 10 * time.Millisecond})

	require.NoError(t, l.Start(context.Background()))
	select {
	case <-f.started:
	case <-time.After(2 * time.Second):
		t.Fatal("cycle never reached the fetcher")
	}

	expired, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Stop(expired), context.DeadlineExceeded)
	assert.True(t, l.Status().Running)
	assert.Error(t, l.Start(context.Background()))

	require.NotPanics(t, func() {
		assert.ErrorIs(t, l.Stop(expired), context.DeadlineExceeded)
	})

	close(f.release)
	ctx, cancelWait := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelWait()
	require.NotPanics(t, func() {
		require.NoError(t, l.Stop(ctx))
	})

	st := l.Status()
	assert.False(t, st.Running)
	assert.Zero(t, st.PendingUpdates)
	assert.Equal(t, []int64{1}, f.Calls())
	assert.Len(t, store.Written(), 1)
	assert.Error(t, l.Stop(ctx))
}
