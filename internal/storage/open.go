package storage

import (
	"context"
	"fmt"

	"github.com/character-harvester/internal/config"
	"github.com/character-harvester/internal/logging"
)

// Store is a connected record store with its metadata tables.
type Store interface {
	CharacterStore
	MetadataStore
	Ping(ctx context.Context) error
	Close() error
}

type postgresStore struct {
	*CharacterRepository
	db *PostgresDB
}

func (s *postgresStore) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

func (s *postgresStore) Close() error {
	s.db.Close()
	return nil
}

// Open connects to the store selected by cfg.Driver. The embedded SQLite
// schema is created on open; Postgres is migrated by cmd/migrate.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		db, err := NewPostgresDB(ctx, &cfg.Postgres)
		if err != nil {
			return nil, err
		}
		logging.WithField("host", cfg.Postgres.Host).Info("Using Postgres record store")
		return &postgresStore{CharacterRepository: NewCharacterRepository(db), db: db}, nil

	case config.DriverSQLite:
		s, err := NewSQLite(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		logging.WithField("path", cfg.SQLite.Path).Info("Using SQLite record store")
		return s, nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
