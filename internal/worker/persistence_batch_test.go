package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/character-harvester/internal/models"
	"github.com/character-harvester/internal/storage"
	"github.com/character-harvester/internal/types"
)

func TestPersistenceBatch_FlushClearsOnSuccess(t *testing.T) {
	b := NewPersistenceBatch()
	b.Append(models.NewCharacterUpdate(1).SetExists(true))
	b.Append(models.NewCharacterUpdate(2).SetExists(false))
	b.Append(nil)

	store := &fakeStore{}
	n, err := b.Flush(context.Background(), store)

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, b.Len())
	assert.Len(t, store.Written(), 2)
}

func TestPersistenceBatch_FailedFlushRetainsEverything(t *testing.T) {
	b := NewPersistenceBatch()
	b.Append(models.NewCharacterUpdate(1).SetExists(true))

	store := &fakeStore{err: errBoom}
	n, err := b.Flush(context.Background(), store)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, b.Len())

	b.Append(models.NewCharacterUpdate(2).SetExists(true))
	store.setErr(nil)
	n, err = b.Flush(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, b.Len())
}

func TestPersistenceBatch_EmptyFlushSkipsStore(t *testing.T) {
	store := &fakeStore{}
	n, err := NewPersistenceBatch().Flush(context.Background(), store)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, store.calls)
}

func TestPersistenceBatch_ReflushIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, err := storage.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	updates := []*models.CharacterUpdate{
		models.NewCharacterUpdate(7).SetProfile(&models.Profile{Name: "Alpha Beta", Server: "gilgamesh", Jobs: map[string]int{"Paladin": 100}}).StampScraped(types.KindProfile, at),
		models.NewCharacterUpdate(8).SetExists(false).StampScraped(types.KindProfile, at),
	}

	b := NewPersistenceBatch()
	for _, u := range updates {
		b.Append(u)
	}
	_, err = b.Flush(ctx, db)
	require.NoError(t, err)
	first, err := db.Get(ctx, 7)
	require.NoError(t, err)

	for _, u := range updates {
		b.Append(u)
	}
	_, err = b.Flush(ctx, db)
	require.NoError(t, err)
	second, err := db.Get(ctx, 7)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	absent, err := db.Get(ctx, 8)
	require.NoError(t, err)
	require.NotNil(t, absent.Exists)
	assert.False(t, *absent.Exists)
}
