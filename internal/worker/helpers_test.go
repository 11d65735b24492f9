package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/character-harvester/internal/adapter"
	"github.com/character-harvester/internal/models"
	"github.com/character-harvester/internal/ratelimit"
	"github.com/character-harvester/internal/types"
)

var errBoom = errors.New("boom")

// fakeLease hands out consecutive ids starting after next.
type fakeLease struct {
	mu       sync.Mutex
	next     int64
	requests []int
	err      error
	empty    bool
}

func (f *fakeLease) RequestBatch(_ context.Context, kind types.ScrapeKind, n int) ([]types.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, n)
	if f.err != nil {
		return nil, f.err
	}
	if f.empty {
		return nil, nil
	}
	items := make([]types.WorkItem, 0, n)
	for i := 0; i < n; i++ {
		f.next++
		it := types.WorkItem{ID: f.next, Kind: kind}
		if kind == types.KindRankings {
			it.Target = &types.RankingTarget{Name: "Alpha Beta", Server: "gilgamesh", Region: "NA"}
		}
		items = append(items, it)
	}
	return items, nil
}

func (f *fakeLease) Requests() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.requests...)
}

// scriptedFetcher classifies items with decide; the default is success.
type scriptedFetcher struct {
	kind   types.ScrapeKind
	decide func(types.WorkItem) OutcomeKind

	mu    sync.Mutex
	calls []int64
}

func (f *scriptedFetcher) Kind() types.ScrapeKind { return f.kind }

func (f *scriptedFetcher) Fetch(_ context.Context, item types.WorkItem) Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, item.ID)
	f.mu.Unlock()

	kind := OutcomeSuccess
	if f.decide != nil {
		kind = f.decide(item)
	}
	o := Outcome{Kind: kind, Item: item}
	switch kind {
	case OutcomeSuccess:
		o.Update = models.NewCharacterUpdate(item.ID).SetExists(true).StampScraped(f.kind, time.Unix(0, 0))
	case OutcomeNotFound:
		o.Update = models.NewCharacterUpdate(item.ID).SetExists(false).StampScraped(f.kind, time.Unix(0, 0))
	case OutcomeMalformed:
		o.Update = models.NewCharacterUpdate(item.ID).SetError(f.kind, 500, "oops").StampScraped(f.kind, time.Unix(0, 0))
	}
	return o
}

func (f *scriptedFetcher) Calls() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.calls...)
}

// fakeStore records bulk upserts and fails while err is set.
type fakeStore struct {
	mu      sync.Mutex
	err     error
	calls   int
	written []*models.CharacterUpdate
}

func (s *fakeStore) BulkUpsert(_ context.Context, updates []*models.CharacterUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.written = append(s.written, updates...)
	return nil
}

func (s *fakeStore) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *fakeStore) Written() []*models.CharacterUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.CharacterUpdate(nil), s.written...)
}

// fakeRankings answers every lookup with result.
type fakeRankings struct {
	mu     sync.Mutex
	calls  int
	result *adapter.RankingsResult
	err    error
}

func (f *fakeRankings) Fetch(_ context.Context, _ *types.RankingTarget) (*adapter.RankingsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.err
}

func (f *fakeRankings) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeCredentials returns fixed tokens and points.
type fakeCredentials struct {
	mu           sync.Mutex
	tokenCalls   int
	pointsCalls  int
	points       ratelimit.PointsSnapshot
	tokenErr     error
	pointsErr    error
	lastPointsOf string
}

func (f *fakeCredentials) RefreshToken(context.Context) (string, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenCalls++
	if f.tokenErr != nil {
		return "", 0, f.tokenErr
	}
	return "tok", time.Hour, nil
}

func (f *fakeCredentials) RefreshPoints(_ context.Context, token string) (ratelimit.PointsSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pointsCalls++
	f.lastPointsOf = token
	if f.pointsErr != nil {
		return ratelimit.PointsSnapshot{}, f.pointsErr
	}
	return f.points, nil
}

func (f *fakeCredentials) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenCalls, f.pointsCalls
}

func ids(items []types.WorkItem) []int64 {
	out := make([]int64, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

// gatedFetcher holds every fetch until release is closed and reports the
// first one on started.
type gatedFetcher struct {
	scriptedFetcher
	release chan struct{}
	started chan struct{}
	once    sync.Once
}

func newGatedFetcher(kind types.ScrapeKind) *gatedFetcher {
	return &gatedFetcher{
		scriptedFetcher: scriptedFetcher{kind: kind},
		release:         make(chan struct{}),
		started:         make(chan struct{}),
	}
}

func (f *gatedFetcher) Fetch(ctx context.Context, item types.WorkItem) Outcome {
	f.once.Do(func() { close(f.started) })
	<-f.release
	return f.scriptedFetcher.Fetch(ctx, item)
}
