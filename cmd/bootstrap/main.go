// Package main seeds the record store and syncs rankings reference data.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/character-harvester/internal/adapter"
	"github.com/character-harvester/internal/bootstrap"
	"github.com/character-harvester/internal/config"
	"github.com/character-harvester/internal/logging"
	"github.com/character-harvester/internal/ratelimit"
	"github.com/character-harvester/internal/retry"
	"github.com/character-harvester/internal/storage"
)

func main() {
	var (
		seed     = flag.Int64("seed", 0, "Create placeholder rows for ids 1..N (0 skips seeding)")
		chunk    = flag.Int64("chunk", bootstrap.DefaultSeedChunk, "Placeholders inserted per statement")
		metadata = flag.Bool("metadata", false, "Sync zone and region metadata from the rankings API")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer func() { _ = logger.Sync() }()

	if *seed == 0 && !*metadata {
		logger.Fatal("Nothing to do: pass -seed N and/or -metadata")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, &cfg.Database)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open record store")
	}
	defer store.Close()

	policy := retry.DefaultRetryConfig()

	if *seed > 0 {
		start := time.Now()
		created, err := bootstrap.Seed(ctx, store, *seed, *chunk, policy)
		if err != nil {
			logger.WithError(err).Error("Seeding failed")
			os.Exit(1)
		}
		logger.WithFields(map[string]interface{}{
			"size":     *seed,
			"created":  created,
			"duration": time.Since(start).String(),
		}).Info("Seeding complete")
	}

	if *metadata {
		creds := adapter.NewCredentialClient(adapter.CredentialClientConfig{
			TokenURL:     cfg.Rankings.TokenURL,
			APIURL:       cfg.Rankings.APIURL,
			ClientID:     cfg.Rankings.ClientID,
			ClientSecret: cfg.Rankings.ClientSecret,
			Timeout:      cfg.Rankings.Timeout,
		})
		token, ttl, err := creds.RefreshToken(ctx)
		if err != nil {
			logger.WithError(err).Error("Failed to obtain rankings token")
			os.Exit(1)
		}
		budget := ratelimit.NewPointBudget(nil)
		budget.SetToken(token, ttl, time.Now())

		src := adapter.NewMetadataClient(cfg.Rankings.APIURL, &http.Client{Timeout: cfg.Rankings.Timeout}, budget)
		res, err := bootstrap.SyncMetadata(ctx, src, store, policy)
		if err != nil {
			logger.WithError(err).Error("Metadata sync failed")
			os.Exit(1)
		}
		logger.WithFields(map[string]interface{}{
			"zones":   res.Zones,
			"regions": res.Regions,
			"servers": res.Servers,
		}).Info("Metadata sync complete")
	}
}
