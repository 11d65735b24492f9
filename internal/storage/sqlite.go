package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/character-harvester/internal/lease"
	"github.com/character-harvester/internal/models"
	"github.com/character-harvester/internal/types"
)

// SQLiteStore is a CharacterStore on an embedded SQLite database, used for
// single-node deployments and tests.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ CharacterStore = (*SQLiteStore)(nil)
var _ MetadataStore = (*SQLiteStore)(nil)

// NewSQLite opens a SQLite database at dsn and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// a single connection keeps ":memory:" databases shared across calls
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to exec %s: %w", pragma, err)
		}
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS characters (
	id                    INTEGER PRIMARY KEY,
	exists_flag           INTEGER,
	name                  TEXT,
	title                 TEXT,
	server                TEXT,
	datacenter            TEXT,
	region                TEXT,
	fc_id                 TEXT,
	jobs                  TEXT,
	rankings_id           INTEGER,
	rankings_exists       INTEGER,
	hidden                INTEGER,
	rankings              TEXT,
	profile_error_status  INTEGER,
	profile_error_body    TEXT,
	rankings_error_status INTEGER,
	rankings_error_body   TEXT,
	scraped_profile_at    TEXT,
	scraped_rankings_at   TEXT,
	created_at            TEXT NOT NULL,
	updated_at            TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_characters_scraped_profile ON characters(scraped_profile_at, id);
CREATE INDEX IF NOT EXISTS idx_characters_scraped_rankings ON characters(scraped_rankings_at, id);

CREATE TABLE IF NOT EXISTS metadata (
	category   TEXT NOT NULL,
	key        TEXT NOT NULL,
	payload    TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (category, key)
);
`

// Migrate creates the schema if it does not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to migrate sqlite: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const sqliteEligibleProfileSQL = `
	SELECT id FROM characters
	WHERE (scraped_profile_at IS NULL OR scraped_profile_at < ?)
	  AND (? OR exists_flag IS NOT 0)
	ORDER BY id
	LIMIT ?`

const sqliteEligibleRankingsSQL = `
	SELECT id, rankings_id, name, server, region FROM characters
	WHERE exists_flag = 1
	  AND (scraped_rankings_at IS NULL OR scraped_rankings_at < ?)
	  AND (? OR rankings_exists IS NOT 0)
	ORDER BY id
	LIMIT ?`

// Eligible returns never-scraped or stale characters for kind in id order.
func (s *SQLiteStore) Eligible(ctx context.Context, kind types.ScrapeKind, q lease.EligibleQuery) ([]types.WorkItem, error) {
	if q.Limit <= 0 {
		return nil, nil
	}

	query := sqliteEligibleProfileSQL
	if kind == types.KindRankings {
		query = sqliteEligibleRankingsSQL
	}

	rows, err := s.db.QueryContext(ctx, query, formatSQLiteTime(q.StaleBefore), q.IncludeAbsent, q.Limit)
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
func (s *SQLiteStore) MaxID(ctx context.Context) (int64, error) {
	var maxID int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM characters`).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("failed to read max character id: %w", err)
	}
	return maxID, nil
}

// InsertPlaceholders creates empty rows for [from, to]; existing ids are kept as is.
func (s *SQLiteStore) InsertPlaceholders(ctx context.Context, from, to int64) (int64, error) {
	if to < from {
		return 0, nil
	}
	now := formatSQLiteTime(s.now())
	res, err := s.db.ExecContext(ctx, `
		WITH RECURSIVE seq(x) AS (SELECT ? UNION ALL SELECT x + 1 FROM seq WHERE x < ?)
		INSERT INTO characters (id, created_at, updated_at)
		SELECT x, ?, ? FROM seq WHERE true
		ON CONFLICT (id) DO NOTHING`, from, to, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert placeholders %d..%d: %w", from, to, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// BulkUpsert applies updates in a single transaction.
func (s *SQLiteStore) BulkUpsert(ctx context.Context, updates []*models.CharacterUpdate) error {
	merged := coalesceUpdates(updates)
	if len(merged) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin upsert transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() // nolint:errcheck // no-op after commit
	}()

	now := s.now().UTC()
	for _, u := range merged {
		query, args, err := buildCharacterUpsert(dialectSQLite, u, now)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to upsert character %d: %w", u.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert transaction: %w", err)
	}
	return nil
}

// Get loads one character by id.
func (s *SQLiteStore) Get(ctx context.Context, id int64) (*models.Character, error) {
	var (
		ch                         models.Character
		raw                        characterJSON
		pStatus, rStatus           *int
		pBody, rBody               *string
		scrapedProfile, scrapedRnk sql.NullString
		createdAt, updatedAt       string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, exists_flag, name, title, server, datacenter, region, fc_id, jobs,
		       rankings_id, rankings_exists, hidden, rankings,
		       profile_error_status, profile_error_body, rankings_error_status, rankings_error_body,
		       scraped_profile_at, scraped_rankings_at, created_at, updated_at
		FROM characters WHERE id = ?`, id).Scan(
		&ch.ID, &ch.Exists, &ch.Name, &ch.Title, &ch.Server, &ch.Datacenter, &ch.Region, &ch.FreeCompanyID, &raw.jobs,
		&ch.RankingsID, &ch.RankingsExists, &ch.Hidden, &raw.rankings,
		&pStatus, &pBody, &rStatus, &rBody,
		&scrapedProfile, &scrapedRnk, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCharacterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get character %d: %w", id, err)
	}

	if ch.ScrapedProfileAt, err = parseNullTime(scrapedProfile); err != nil {
		return nil, err
	}
	if ch.ScrapedRankingsAt, err = parseNullTime(scrapedRnk); err != nil {
		return nil, err
	}
	if ch.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return nil, fmt.Errorf("invalid created_at of character %d: %w", id, err)
	}
	if ch.UpdatedAt, err = parseSQLiteTime(updatedAt); err != nil {
		return nil, fmt.Errorf("invalid updated_at of character %d: %w", id, err)
	}

	ch.ProfileError = scrapeError(pStatus, pBody)
	ch.RankingsError = scrapeError(rStatus, rBody)
	if err := raw.decodeInto(&ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// UpsertMetadata replaces the given entries of category.
func (s *SQLiteStore) UpsertMetadata(ctx context.Context, category string, entries map[string]json.RawMessage) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin metadata transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() // nolint:errcheck // no-op after commit
	}()

	now := formatSQLiteTime(s.now())
	for key, payload := range entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO metadata (category, key, payload, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (category, key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
			category, key, string(payload), now); err != nil {
			return fmt.Errorf("failed to upsert %s metadata %q: %w", category, key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit metadata transaction: %w", err)
	}
	return nil
}

// ListMetadata returns every entry of category.
func (s *SQLiteStore) ListMetadata(ctx context.Context, category string) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, payload FROM metadata WHERE category = ?`, category)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s metadata: %w", category, err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, payload string
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan metadata: %w", err)
		}
		out[key] = json.RawMessage(payload)
	}
	return out, rows.Err()
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseSQLiteTime(s.String)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp %q: %w", s.String, err)
	}
	return &t, nil
}
