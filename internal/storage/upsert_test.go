package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/character-harvester/internal/models"
	"github.com/character-harvester/internal/types"
)

func TestBuildCharacterUpsert_Postgres(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	u := models.NewCharacterUpdate(42).SetExists(false).StampScraped(types.KindProfile, now)

	query, args, err := buildCharacterUpsert(dialectPostgres, u, now)
	require.NoError(t, err)

	assert.Equal(t,
		`INSERT INTO characters ("id", "exists_flag", "scraped_profile_at", "created_at", "updated_at") `+
			`VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO UPDATE SET `+
			`"exists_flag" = excluded."exists_flag", "scraped_profile_at" = excluded."scraped_profile_at", `+
			`"updated_at" = excluded."updated_at" WHERE `+
			`characters."exists_flag" IS DISTINCT FROM excluded."exists_flag" OR `+
			`characters."scraped_profile_at" IS DISTINCT FROM excluded."scraped_profile_at"`,
		query)
	assert.Equal(t, []interface{}{int64(42), false, now, now, now}, args)
}

func TestBuildCharacterUpsert_SQLiteFormatsTimes(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	u := models.NewCharacterUpdate(1).StampScraped(types.KindRankings, now)

	query, args, err := buildCharacterUpsert(dialectSQLite, u, now)
	require.NoError(t, err)

	assert.Contains(t, query, "VALUES (?, ?, ?, ?)")
	assert.Contains(t, query, `characters."scraped_rankings_at" IS NOT excluded."scraped_rankings_at"`)
	assert.Equal(t, "2026-05-01T00:00:00.000000000Z", args[1])
}

func TestBuildCharacterUpsert_EmptyUpdateDoesNothing(t *testing.T) {
	query, args, err := buildCharacterUpsert(dialectPostgres, models.NewCharacterUpdate(9), time.Now())
	require.NoError(t, err)
	assert.Contains(t, query, "ON CONFLICT (id) DO NOTHING")
	assert.Len(t, args, 3)
}

func TestBuildCharacterUpsert_RejectsUnknownColumn(t *testing.T) {
	u := models.NewCharacterUpdate(1).Set("id; DROP TABLE characters", 1)
	_, _, err := buildCharacterUpsert(dialectPostgres, u, time.Now())
	assert.Error(t, err)
}

func TestCoalesceUpdates(t *testing.T) {
	a := models.NewCharacterUpdate(1).SetExists(true)
	b := models.NewCharacterUpdate(2).SetExists(false)
	c := models.NewCharacterUpdate(1).Set(models.ColName, "Late Name")

	got := coalesceUpdates([]*models.CharacterUpdate{a, nil, b, c})

	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, int64(2), got[1].ID)
	assert.Equal(t, 2, got[0].Len())
	assert.Equal(t, 1, a.Len(), "inputs are not mutated")
}
