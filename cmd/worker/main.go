// Package main provides the scrape worker entry point for the character harvester.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/character-harvester/internal/adapter"
	"github.com/character-harvester/internal/bootstrap"
	"github.com/character-harvester/internal/config"
	"github.com/character-harvester/internal/lease"
	"github.com/character-harvester/internal/logging"
	"github.com/character-harvester/internal/ratelimit"
	"github.com/character-harvester/internal/storage"
	"github.com/character-harvester/internal/types"
	"github.com/character-harvester/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithField("worker", cfg.Worker.ID)
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	store, err := storage.Open(ctx, &cfg.Database)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open record store")
	}
	defer store.Close()

	rlCfg := ratelimit.LoadFromEnv()
	if err := rlCfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid rate limit configuration")
	}
	logger.Infof("Rate limits: %s", rlCfg)

	leases := newLeaseSource(cfg, store, logger)

	// Redis is optional; without it each process keeps its budget to itself.
	var coordinator worker.BudgetCoordinator
	if cfg.Database.Redis.Enabled {
		cache, err := storage.NewRedisCache(ctx, &cfg.Database.Redis)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, rate limit state stays local")
		} else {
			defer cache.Close()
			rc, err := ratelimit.NewRedisCoordinator(&ratelimit.RedisCoordinatorConfig{
				Redis: cache.Client(),
				TTL:   rlCfg.CoordinatorTTL,
			})
			if err != nil {
				logger.WithError(err).Fatal("Failed to create rate limit coordinator")
			}
			coordinator = rc
		}
	}

	worlds, err := bootstrap.LoadWorldDirectory(ctx, store)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load world directory")
	}

	var (
		loops   []*worker.IngestionLoop
		profile *worker.ProfileFetcher
	)
	for _, name := range cfg.Worker.Kinds {
		kind, err := types.ParseScrapeKind(name)
		if err != nil {
			logger.WithError(err).Fatal("Invalid worker kind")
		}

		loopCfg := &worker.IngestionLoopConfig{
			Store:             store,
			Coordinator:       coordinator,
			IdlePause:         cfg.Worker.IdlePause,
			ExhaustedMaxPause: rlCfg.ExhaustedMaxPause,
		}

		var fetcher worker.Fetcher
		switch kind {
		case types.KindProfile:
			pages := adapter.NewProfileClient(adapter.ProfileClientConfig{
				BaseURL:   cfg.Profile.BaseURL,
				RPS:       cfg.Profile.RPS,
				Timeout:   cfg.Profile.Timeout,
				UserAgent: cfg.Profile.UserAgent,
			})
			profile = worker.NewProfileFetcher(pages, worlds)
			fetcher = profile
			loopCfg.Throttle = ratelimit.NewSoftThrottle(rlCfg.SoftCoolDown)

		case types.KindRankings:
			budget := ratelimit.NewPointBudget(rlCfg)
			creds := adapter.NewCredentialClient(adapter.CredentialClientConfig{
				TokenURL:     cfg.Rankings.TokenURL,
				APIURL:       cfg.Rankings.APIURL,
				ClientID:     cfg.Rankings.ClientID,
				ClientSecret: cfg.Rankings.ClientSecret,
				Timeout:      cfg.Rankings.Timeout,
			})
			rankings := adapter.NewRankingsClient(adapter.RankingsClientConfig{
				APIURL:  cfg.Rankings.APIURL,
				ZoneIDs: cfg.Rankings.ZoneIDs,
				Timeout: cfg.Rankings.Timeout,
			}, budget)
			fetcher = worker.NewRankingsFetcher(rankings, budget)
			loopCfg.Budget = budget
			loopCfg.Credentials = creds
			loopCfg.CredentialName = cfg.Rankings.Credential
		}

		w, err := worker.NewScrapeWorker(&worker.ScrapeWorkerConfig{
			Lease:       leases,
			Fetcher:     fetcher,
			BatchTarget: cfg.Worker.BatchTarget,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to create scrape worker")
		}
		loopCfg.Worker = w

		loop, err := worker.NewIngestionLoop(loopCfg)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create ingestion loop")
		}
		loops = append(loops, loop)
	}

	for _, loop := range loops {
		if err := loop.Start(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to start ingestion loop")
		}
	}
	logger.WithField("kinds", cfg.Worker.Kinds).Info("Scrape worker started")

	statusTicker := time.NewTicker(cfg.Worker.StatusInterval)
	defer statusTicker.Stop()
	worldTicker := time.NewTicker(cfg.Worker.WorldRefresh)
	defer worldTicker.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	for running := true; running; {
		select {
		case <-statusTicker.C:
			for _, loop := range loops {
				logStatus(logger, loop.Status())
			}
			if lc, ok := leases.(*adapter.LeaseClient); ok {
				stats := lc.BreakerStats()
				logger.WithFields(map[string]interface{}{
					"state":            stats.State,
					"consecutiveFails": stats.ConsecutiveFails,
					"retryAfter":       lc.RetryAfter().String(),
				}).Info("Lease server breaker")
			}
		case <-worldTicker.C:
			if profile == nil {
				continue
			}
			dir, err := bootstrap.LoadWorldDirectory(ctx, store)
			if err != nil {
				logger.WithError(err).Warn("Failed to reload world directory")
				continue
			}
			profile.SetWorlds(dir)
			logger.WithField("servers", dir.Len()).Info("World directory reloaded")
		case <-quit:
			running = false
		}
	}

	logger.Info("Shutting down scrape worker...")
	for _, loop := range loops {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := loop.Stop(stopCtx); err != nil {
			logger.WithError(err).Error("Ingestion loop did not stop cleanly")
		}
		cancel()
	}
	logger.Info("Scrape worker exited")
}

// newLeaseSource picks the remote lease server, or an in-process authority
// over the worker's own store when WORKER_EMBEDDED_LEASE is set.
func newLeaseSource(cfg *config.Config, store storage.Store, logger *logging.Logger) worker.LeaseSource {
	if !cfg.Worker.EmbeddedLease {
		logger.WithField("url", cfg.Worker.LeaseServiceURL).Info("Using remote lease server")
		return adapter.NewLeaseClient(adapter.LeaseClientConfig{
			BaseURL:  cfg.Worker.LeaseServiceURL,
			WorkerID: cfg.Worker.ID,
			Timeout:  cfg.Worker.LeaseTimeout,
		})
	}

	authority, err := lease.NewAuthority(store, lease.Policy{
		MaxBatch:        cfg.Lease.MaxBatch,
		FreshnessWindow: cfg.Lease.FreshnessWindow,
		LeaseDuration:   cfg.Lease.LeaseDuration,
		ExpandBy:        int(cfg.Lease.ExpandBy),
		RecheckAbsent:   cfg.Lease.RecheckAbsent,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create embedded lease authority")
	}
	logger.Info("Using embedded lease authority")
	return authority
}

func logStatus(logger *logging.Logger, s worker.LoopStatus) {
	fields := map[string]interface{}{
		"kind":           s.Kind,
		"running":        s.Running,
		"cycles":         s.Cycles,
		"itemsScraped":   s.ItemsScraped,
		"itemsFlushed":   s.ItemsFlushed,
		"retryQueued":    s.RetryQueued,
		"pendingUpdates": s.PendingUpdates,
	}
	if s.Throttle != "" {
		fields["throttle"] = s.Throttle
	}
	if s.Budget != nil {
		fields["budgetState"] = s.Budget.State
		fields["pointsLimit"] = s.Budget.Limit
		fields["pointsSpent"] = s.Budget.Spent
	}
	entry := logger.WithFields(fields)
	if s.LastError != "" {
		entry = entry.WithField("lastError", s.LastError)
	}
	entry.Info("Ingestion loop status")
}
