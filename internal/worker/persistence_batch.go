package worker

import (
	"context"
	"sync"

	"github.com/character-harvester/internal/models"
)

// RecordStore is the sink a PersistenceBatch flushes into.
type RecordStore interface {
	BulkUpsert(ctx context.Context, updates []*models.CharacterUpdate) error
}

// PersistenceBatch accumulates record updates between flushes. A failed flush
// keeps every update for the next attempt.
type PersistenceBatch struct {
	updates []*models.CharacterUpdate
	mu      sync.Mutex
}

// NewPersistenceBatch creates an empty batch.
func NewPersistenceBatch() *PersistenceBatch {
	return &PersistenceBatch{}
}

// Append adds an update.
func (b *PersistenceBatch) Append(u *models.CharacterUpdate) {
	if u == nil {
		return
	}
	b.mu.Lock()
	b.updates = append(b.updates, u)
	b.mu.Unlock()
}

// Len returns the number of pending updates.
func (b *PersistenceBatch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.updates)
}

// Flush writes every pending update in one bulk call and drops them only
// when the store accepted all of them. Updates appended while the flush is
// in flight stay pending.
func (b *PersistenceBatch) Flush(ctx context.Context, store RecordStore) (int, error) {
	b.mu.Lock()
	n := len(b.updates)
	snapshot := make([]*models.CharacterUpdate, n)
	copy(snapshot, b.updates)
	b.mu.Unlock()

	if n == 0 {
		return 0, nil
	}
	if err := store.BulkUpsert(ctx, snapshot); err != nil {
		return 0, err
	}

	b.mu.Lock()
	b.updates = append([]*models.CharacterUpdate(nil), b.updates[n:]...)
	b.mu.Unlock()
	return n, nil
}
