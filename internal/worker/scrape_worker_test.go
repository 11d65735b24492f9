package worker

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/character-harvester/internal/types"
)

func newTestWorker(t *testing.T, lease LeaseSource, fetcher Fetcher, target int) *ScrapeWorker {
	t.Helper()
	w, err := NewScrapeWorker(&ScrapeWorkerConfig{Lease: lease, Fetcher: fetcher, BatchTarget: target})
	require.NoError(t, err)
	return w
}

func sorted(in []int64) []int64 {
	out := append([]int64(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestNewScrapeWorker_Validation(t *testing.T) {
	_, err := NewScrapeWorker(&ScrapeWorkerConfig{Fetcher: &scriptedFetcher{}, BatchTarget: 1})
	assert.Error(t, err)
	_, err = NewScrapeWorker(&ScrapeWorkerConfig{Lease: &fakeLease{}, BatchTarget: 1})
	assert.Error(t, err)
	_, err = NewScrapeWorker(&ScrapeWorkerConfig{Lease: &fakeLease{}, Fetcher: &scriptedFetcher{}})
	assert.Error(t, err)
}

// Retries [5, 9, 12] with a target of 13: ten fresh items are leased and all
// thirteen are scraped; the following cycle leases a full batch.
func TestScrapeWorker_FoldsRetriesIntoBatch(t *testing.T) {
	lease := &fakeLease{next: 100}
	fetcher := &scriptedFetcher{kind: types.KindProfile}
	w := newTestWorker(t, lease, fetcher, 13)
	w.Retry().Push(item(5), item(9), item(12))

	res, err := w.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{10}, lease.Requests())
	assert.Equal(t, 10, res.Requested)
	assert.Equal(t, 10, res.Leased)
	assert.Equal(t, 3, res.Retried)
	assert.Equal(t, 13, res.Scraped)
	assert.Equal(t, 13, res.Succeeded)
	assert.Equal(t, 0, w.Retry().Len())
	assert.Equal(t, 13, w.Batch().Len())

	calls := sorted(fetcher.Calls())
	assert.Equal(t, []int64{5, 9, 12, 101, 102, 103, 104, 105, 106, 107, 108, 109, 110}, calls)

	_, err = w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{10, 13}, lease.Requests())
}

func TestScrapeWorker_ThrottledItemsAreRetriedNextCycle(t *testing.T) {
	lease := &fakeLease{}
	throttleOnce := map[int64]bool{2: true, 4: true}
	fetcher := &scriptedFetcher{kind: types.KindProfile, decide: func(it types.WorkItem) OutcomeKind {
		if throttleOnce[it.ID] {
			return OutcomeThrottled
		}
		return OutcomeSuccess
	}}
	w := newTestWorker(t, lease, fetcher, 5)

	res, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Throttled)
	assert.Equal(t, 3, w.Batch().Len())
	assert.Equal(t, []int64{2, 4}, sorted(w.Retry().IDs()))

	throttleOnce = map[int64]bool{}
	res, err = w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{5, 3}, lease.Requests())
	assert.Equal(t, 2, res.Retried)
	assert.Equal(t, 5, res.Succeeded)
	assert.Equal(t, 0, w.Retry().Len())
}

func TestScrapeWorker_LeaseFailureKeepsRetries(t *testing.T) {
	lease := &fakeLease{err: errBoom}
	fetcher := &scriptedFetcher{kind: types.KindProfile}
	w := newTestWorker(t, lease, fetcher, 4)
	w.Retry().Push(item(7), item(8))

	_, err := w.RunCycle(context.Background())
	require.ErrorIs(t, err, errBoom)

	assert.Empty(t, fetcher.Calls())
	assert.Equal(t, []int64{7, 8}, w.Retry().IDs())
}

func TestScrapeWorker_FullRetryQueueSkipsLease(t *testing.T) {
	lease := &fakeLease{}
	fetcher := &scriptedFetcher{kind: types.KindProfile}
	w := newTestWorker(t, lease, fetcher, 2)
	w.Retry().Push(item(1), item(2), item(3))

	res, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, lease.Requests())
	assert.Equal(t, 2, res.Scraped)
	assert.Equal(t, []int64{3}, w.Retry().IDs())
}

func TestScrapeWorker_ClassificationTally(t *testing.T) {
	lease := &fakeLease{}
	kinds := map[int64]OutcomeKind{1: OutcomeSuccess, 2: OutcomeNotFound, 3: OutcomeMalformed, 4: OutcomeThrottled, 5: OutcomeBudgetExhausted}
	fetcher := &scriptedFetcher{kind: types.KindRankings, decide: func(it types.WorkItem) OutcomeKind { return kinds[it.ID] }}
	w := newTestWorker(t, lease, fetcher, 5)

	res, err := w.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.NotFound)
	assert.Equal(t, 1, res.Malformed)
	assert.Equal(t, 1, res.Throttled)
	assert.Equal(t, 1, res.Exhausted)
	assert.Equal(t, 3, w.Batch().Len())
	assert.Equal(t, []int64{4, 5}, sorted(w.Retry().IDs()))
}

func TestScrapeWorker_DropsFreshDuplicatesOfRetries(t *testing.T) {
	lease := &fakeLease{}
	fetcher := &scriptedFetcher{kind: types.KindProfile}
	w := newTestWorker(t, lease, fetcher, 3)
	w.Retry().Push(item(1))

	res, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	// lease returns 1 and 2; 1 is already being retried
	assert.Equal(t, 2, res.Scraped)
	assert.Equal(t, []int64{1, 2}, sorted(fetcher.Calls()))
}
