package worker

import (
	"sync"

	"github.com/character-harvester/internal/types"
)

// RetryQueue holds items that were throttled and must be scraped again
// before any fresh lease is requested. An id is queued at most once.
type RetryQueue struct {
	items  []types.WorkItem
	queued map[int64]struct{}
	mu     sync.Mutex
}

// NewRetryQueue creates an empty queue.
func NewRetryQueue() *RetryQueue {
	return &RetryQueue{queued: make(map[int64]struct{})}
}

// Push appends items that are not already queued.
func (q *RetryQueue) Push(items ...types.WorkItem) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, it := range items {
		if _, ok := q.queued[it.ID]; ok {
			continue
		}
		q.queued[it.ID] = struct{}{}
		q.items = append(q.items, it)
	}
}

// PushFront puts drained items back ahead of everything queued since.
func (q *RetryQueue) PushFront(items ...types.WorkItem) {
	q.mu.Lock()
	defer q.mu.Unlock()

	front := make([]types.WorkItem, 0, len(items)+len(q.items))
	for _, it := range items {
		if _, ok := q.queued[it.ID]; ok {
			continue
		}
		q.queued[it.ID] = struct{}{}
		front = append(front, it)
	}
	q.items = append(front, q.items...)
}

// Drain removes and returns up to max items, oldest first.
func (q *RetryQueue) Drain(max int) []types.WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	if max <= 0 || len(q.items) == 0 {
		return nil
	}
	if max > len(q.items) {
		max = len(q.items)
	}
	out := make([]types.WorkItem, max)
	copy(out, q.items[:max])
	q.items = q.items[max:]
	for _, it := range out {
		delete(q.queued, it.ID)
	}
	return out
}

// Len returns the number of queued items.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IDs returns the queued ids in order.
func (q *RetryQueue) IDs() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]int64, len(q.items))
	for i, it := range q.items {
		ids[i] = it.ID
	}
	return ids
}
