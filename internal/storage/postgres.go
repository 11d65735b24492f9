// Package storage provides the record store implementations: Postgres for
// production, SQLite for single-node runs and tests, plus Redis.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/character-harvester/internal/config"
	apperrors "github.com/character-harvester/internal/errors"
)

// applicationName tags harvester sessions in pg_stat_activity.
const applicationName = "character-harvester"

// PostgresDB owns the pgx pool behind CharacterRepository.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// NewPostgresDB connects and pings within connectTimeout. Upserts are short
// single-statement batches, so connections are recycled hourly.
func NewPostgresDB(ctx context.Context, cfg *config.PostgresConfig) (*PostgresDB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, apperrors.NewInvalidParameterError("postgres", err.Error())
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections) // #nosec G115 - MaxConnections is validated in config
	}
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 10 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.ConnConfig.RuntimeParams["application_name"] = applicationName

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, apperrors.NewDatabaseError("connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperrors.NewDatabaseError("ping", err)
	}

	return &PostgresDB{pool: pool}, nil
}

const connectTimeout = 10 * time.Second

func (db *PostgresDB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

func (db *PostgresDB) Pool() *pgxpool.Pool {
	return db.pool
}

func (db *PostgresDB) Ping(ctx context.Context) error {
	if err := db.pool.Ping(ctx); err != nil {
		return apperrors.NewDatabaseError("ping", err)
	}
	return nil
}

// inTx runs fn in a transaction on pool and commits it. Any error from fn
// rolls everything back, so a batch is applied entirely or not at all.
func inTx(ctx context.Context, pool pgPool, what string, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin %s transaction: %w", what, err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // nolint:errcheck // no-op after commit
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit %s transaction: %w", what, err)
	}
	return nil
}
