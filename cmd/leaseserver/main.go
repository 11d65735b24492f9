// Package main provides the lease server entry point for the character harvester.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/character-harvester/internal/api"
	"github.com/character-harvester/internal/config"
	"github.com/character-harvester/internal/lease"
	"github.com/character-harvester/internal/logging"
	"github.com/character-harvester/internal/storage"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	store, err := storage.Open(ctx, &cfg.Database)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open record store")
	}
	defer store.Close()

	policy := lease.Policy{
		MaxBatch:        cfg.Lease.MaxBatch,
		FreshnessWindow: cfg.Lease.FreshnessWindow,
		LeaseDuration:   cfg.Lease.LeaseDuration,
		ExpandBy:        int(cfg.Lease.ExpandBy),
		RecheckAbsent:   cfg.Lease.RecheckAbsent,
	}
	authority, err := lease.NewAuthority(store, policy)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create lease authority")
	}

	logger.WithFields(map[string]interface{}{
		"maxBatch":        policy.MaxBatch,
		"freshnessWindow": policy.FreshnessWindow.String(),
		"leaseDuration":   policy.LeaseDuration.String(),
		"expandBy":        policy.ExpandBy,
		"recheckAbsent":   policy.RecheckAbsent,
	}).Info("Lease authority ready")

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		WorkerRPS:       cfg.Server.WorkerRPS,
		WorkerBurst:     cfg.Server.WorkerBurst,
	}
	server := api.NewServer(serverConfig, authority, store)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Lease server exited")
}
