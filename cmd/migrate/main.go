// Package main applies or inspects the Postgres record store schema. SQLite
// stores create their schema on open and need no migrations.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/character-harvester/internal/config"
	"github.com/character-harvester/internal/logging"
	"github.com/character-harvester/internal/storage"
)

func main() {
	action := flag.String("action", "up", "up, down, version or force")
	force := flag.Int("version", -1, "schema version recorded by -action force")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))

	if cfg.Database.Driver != config.DriverPostgres {
		logging.Fatalf("Nothing to migrate for the %s driver", cfg.Database.Driver)
	}

	logger := logging.WithFields(map[string]interface{}{
		"action":   *action,
		"database": cfg.Database.Postgres.Database,
	})
	url := cfg.Database.Postgres.URL()

	if err := run(url, *action, *force); err != nil {
		logger.WithError(err).Fatal("Migration failed")
	}

	version, dirty, err := storage.MigrationVersion(url)
	if err != nil {
		logger.WithError(err).Fatal("Failed to read schema version")
	}
	logger.WithFields(map[string]interface{}{"version": version, "dirty": dirty}).Info("Schema version")
}

func run(url, action string, version int) error {
	switch action {
	case "up":
		return storage.RunMigrations(url)
	case "down":
		return storage.RollbackMigrations(url)
	case "force":
		if version < 0 {
			return fmt.Errorf("-action force needs -version")
		}
		return storage.ForceMigrationVersion(url, version)
	case "version":
		return nil
	}
	return fmt.Errorf("unknown action %q", action)
}
