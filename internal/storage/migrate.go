package storage

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	apperrors "github.com/character-harvester/internal/errors"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// withMigrator runs fn against the embedded Postgres migrations and closes
// both the source and the database handle afterwards.
func withMigrator(databaseURL, what string, fn func(m *migrate.Migrate) error) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return apperrors.NewInternalError("open embedded migrations", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return apperrors.NewDatabaseError(what, err)
	}
	defer func() { _, _ = m.Close() }()

	if err := fn(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return apperrors.NewDatabaseError(what, err)
	}
	return nil
}

// RunMigrations applies every pending migration. An up-to-date schema is not
// an error.
func RunMigrations(databaseURL string) error {
	return withMigrator(databaseURL, "migrate up", func(m *migrate.Migrate) error {
		return m.Up()
	})
}

// RollbackMigrations undoes the most recent migration.
func RollbackMigrations(databaseURL string) error {
	return withMigrator(databaseURL, "migrate down", func(m *migrate.Migrate) error {
		return m.Steps(-1)
	})
}

// ForceMigrationVersion records version as applied and clears the dirty flag
// left by a migration that failed halfway.
func ForceMigrationVersion(databaseURL string, version int) error {
	return withMigrator(databaseURL, fmt.Sprintf("force version %d", version), func(m *migrate.Migrate) error {
		return m.Force(version)
	})
}

// MigrationVersion reports the applied version. A fresh database is version 0.
func MigrationVersion(databaseURL string) (version uint, dirty bool, err error) {
	err = withMigrator(databaseURL, "migration version", func(m *migrate.Migrate) error {
		var verr error
		version, dirty, verr = m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			return nil
		}
		return verr
	})
	return version, dirty, err
}
