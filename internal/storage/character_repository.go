package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/character-harvester/internal/lease"
	"github.com/character-harvester/internal/models"
	"github.com/character-harvester/internal/types"
)

// pgPool is the subset of pgxpool.Pool used by the repositories.
type pgPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// CharacterRepository is the Postgres CharacterStore.
type CharacterRepository struct {
	pool pgPool
	now  func() time.Time
}

var _ CharacterStore = (*CharacterRepository)(nil)
var _ MetadataStore = (*CharacterRepository)(nil)

// NewCharacterRepository creates a new character repository
func NewCharacterRepository(db *PostgresDB) *CharacterRepository {
	return newCharacterRepository(db.Pool())
}

func newCharacterRepository(pool pgPool) *CharacterRepository {
	return &CharacterRepository{pool: pool, now: time.Now}
}

const pgEligibleProfileSQL = `
	SELECT id FROM characters
	WHERE (scraped_profile_at IS NULL OR scraped_profile_at < $1)
	  AND ($2 OR exists_flag IS DISTINCT FROM FALSE)
	ORDER BY id
	LIMIT $3`

const pgEligibleRankingsSQL = `
	SELECT id, rankings_id, name, server, region FROM characters
	WHERE exists_flag = TRUE
	  AND (scraped_rankings_at IS NULL OR scraped_rankings_at < $1)
	  AND ($2 OR rankings_exists IS DISTINCT FROM FALSE)
	ORDER BY id
	LIMIT $3`

// Eligible returns never-scraped or stale characters for kind in id order.
// Rankings candidates must already have a found profile.
func (r *CharacterRepository) Eligible(ctx context.Context, kind types.ScrapeKind, q lease.EligibleQuery) ([]types.WorkItem, error) {
	if q.Limit <= 0 {
		return nil, nil
	}

	query := pgEligibleProfileSQL
	if kind == types.KindRankings {
		query = pgEligibleRankingsSQL
	}

	rows, err := r.pool.Query(ctx, query, q.StaleBefore.UTC(), q.IncludeAbsent, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible %s characters: %w", kind, err)
	}
	defer rows.Close()

	items := make([]types.WorkItem, 0, q.Limit)
	for rows.Next() {
		item := types.WorkItem{Kind: kind}
		if kind == types.KindRankings {
			var (
				rankingsID           *int64
				name, server, region *string
			)
			if err := rows.Scan(&item.ID, &rankingsID, &name, &server, &region); err != nil {
				return nil, fmt.Errorf("failed to scan eligible character: %w", err)
			}
			item.Target = rankingTarget(rankingsID, name, server, region)
		} else if err := rows.Scan(&item.ID); err != nil {
			return nil, fmt.Errorf("failed to scan eligible character: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate eligible characters: %w", err)
	}

	return items, nil
}

// MaxID returns the highest character id, 0 when the table is empty.
func (r *CharacterRepository) MaxID(ctx context.Context) (int64, error) {
	var maxID int64
	if err := r.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM characters`).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("failed to read max character id: %w", err)
	}
	return maxID, nil
}

// InsertPlaceholders creates empty rows for [from, to]; existing ids are kept as is.
func (r *CharacterRepository) InsertPlaceholders(ctx context.Context, from, to int64) (int64, error) {
	if to < from {
		return 0, nil
	}
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO characters (id)
		SELECT generate_series($1::bigint, $2::bigint)
		ON CONFLICT (id) DO NOTHING`, from, to)
	if err != nil {
		return 0, fmt.Errorf("failed to insert placeholders %d..%d: %w", from, to, err)
	}
	return tag.RowsAffected(), nil
}

// BulkUpsert applies updates in a single transaction, sent as one pgx batch.
func (r *CharacterRepository) BulkUpsert(ctx context.Context, updates []*models.CharacterUpdate) error {
	merged := coalesceUpdates(updates)
	if len(merged) == 0 {
		return nil
	}

	now := r.now().UTC()
	b := &pgx.Batch{}
	for _, u := range merged {
		query, args, err := buildCharacterUpsert(dialectPostgres, u, now)
		if err != nil {
			return err
		}
		b.Queue(query, args...)
	}

	return inTx(ctx, r.pool, "upsert", func(tx pgx.Tx) error {
		br := tx.SendBatch(ctx, b)
		for _, u := range merged {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("failed to upsert character %d: %w", u.ID, err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("failed to close upsert batch: %w", err)
		}
		return nil
	})
}

const pgSelectCharacterSQL = `
	SELECT id, exists_flag, name, title, server, datacenter, region, fc_id, jobs,
	       rankings_id, rankings_exists, hidden, rankings,
	       profile_error_status, profile_error_body, rankings_error_status, rankings_error_body,
	       scraped_profile_at, scraped_rankings_at, created_at, updated_at
	FROM characters WHERE id = $1`

// Get loads one character by id.
func (r *CharacterRepository) Get(ctx context.Context, id int64) (*models.Character, error) {
	var (
		ch               models.Character
		raw              characterJSON
		pStatus, rStatus *int
		pBody, rBody     *string
	)
	err := r.pool.QueryRow(ctx, pgSelectCharacterSQL, id).Scan(
		&ch.ID, &ch.Exists, &ch.Name, &ch.Title, &ch.Server, &ch.Datacenter, &ch.Region, &ch.FreeCompanyID, &raw.jobs,
		&ch.RankingsID, &ch.RankingsExists, &ch.Hidden, &raw.rankings,
		&pStatus, &pBody, &rStatus, &rBody,
		&ch.ScrapedProfileAt, &ch.ScrapedRankingsAt, &ch.CreatedAt, &ch.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCharacterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get character %d: %w", id, err)
	}

	ch.ProfileError = scrapeError(pStatus, pBody)
	ch.RankingsError = scrapeError(rStatus, rBody)
	if err := raw.decodeInto(&ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// UpsertMetadata replaces the given entries of category.
func (r *CharacterRepository) UpsertMetadata(ctx context.Context, category string, entries map[string]json.RawMessage) error {
	if len(entries) == 0 {
		return nil
	}
	return inTx(ctx, r.pool, "metadata", func(tx pgx.Tx) error {
		for key, payload := range entries {
			if _, err := tx.Exec(ctx, `
				INSERT INTO metadata (category, key, payload, updated_at)
				VALUES ($1, $2, $3, NOW())
				ON CONFLICT (category, key)
				DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
				category, key, string(payload)); err != nil {
				return fmt.Errorf("failed to upsert %s metadata %q: %w", category, key, err)
			}
		}
		return nil
	})
}

// ListMetadata returns every entry of category.
func (r *CharacterRepository) ListMetadata(ctx context.Context, category string) (map[string]json.RawMessage, error) {
	rows, err := r.pool.Query(ctx, `SELECT key, payload FROM metadata WHERE category = $1`, category)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s metadata: %w", category, err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var (
			key     string
			payload []byte
		)
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan metadata: %w", err)
		}
		out[key] = json.RawMessage(payload)
	}
	return out, rows.Err()
}

func rankingTarget(rankingsID *int64, name, server, region *string) *types.RankingTarget {
	t := &types.RankingTarget{}
	if rankingsID != nil {
		t.ExternalID = *rankingsID
	}
	if name != nil {
		t.Name = *name
	}
	if server != nil {
		t.Server = *server
	}
	if region != nil {
		t.Region = *region
	}
	return t
}
