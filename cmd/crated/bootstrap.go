package main

import (
	"context"
	"log/slog"
	"time"

	"crate/internal/api"
	"crate/internal/config"
	"crate/internal/daemon"
	"crate/internal/download"
	"crate/internal/library"
	"crate/internal/metadata"
	"crate/internal/queue"
	"crate/internal/ratelimit"
	"crate/internal/reconcile"
	"crate/internal/scheduler"
	"crate/internal/server"
	"crate/internal/sources"
	"crate/internal/watchlist"
)

// bootstrap wires the full service graph over the shared database.
func bootstrap(cfg *config.Config, store *queue.Store, logger *slog.Logger) (*daemon.Daemon, error) {
	libStore := library.NewStore(store.DB())
	watchStore := watchlist.NewStore(store.DB())

	limiter := ratelimit.NewLimiter(sourceLimits(cfg))

	registry := sources.NewRegistry()
	registry.Register(queue.SourceCDN, sources.NewCDNDownloader(cfg))
	registry.Register(queue.SourceExtractor, sources.NewExtractorDownloader(cfg))

	orchDeps := download.Deps{
		Store:    store,
		Library:  libStore,
		Watch:    watchStore,
		Registry: registry,
		Limiter:  limiter,
		Logger:   logger,
	}
	if client := metadata.NewClient(cfg, limiter); client != nil {
		orchDeps.Lookup = client
	}
	if tagger := metadata.NewTagWriter(cfg); tagger != nil {
		orchDeps.Tags = tagger
	}
	orchestrator := download.NewOrchestrator(cfg, orchDeps)

	sched := scheduler.New(cfg, store, orchestrator, logger)
	reconciler := reconcile.New(store, libStore, watchStore, logger)

	queueSvc := api.NewQueueService(store, libStore, logger)
	librarySvc := api.NewLibraryService(libStore, store, watchStore, logger)

	poller := buildPoller(cfg, watchStore, queueSvc, sched, logger)

	d, err := daemon.New(cfg, store, sched, reconciler, poller, logger)
	if err != nil {
		return nil, err
	}

	var gate *ratelimit.Gate
	if cfg.RateLimit.GateEnabled {
		gate = ratelimit.NewGate(ratelimit.GateConfig{
			Window:    time.Duration(cfg.RateLimit.GateWindowSecs) * time.Second,
			PerAction: cfg.RateLimit.GatePerAction,
			PerClient: cfg.RateLimit.GatePerClient,
		})
	}

	d.AttachAPI(server.New(cfg, server.Deps{
		Queue:      queueSvc,
		Library:    librarySvc,
		Scheduler:  sched,
		Reconciler: reconciler,
		Watchlist:  watchStore,
		Poller:     poller,
		Gate:       gate,
		Daemon:     d,
		Logger:     logger,
	}))
	return d, nil
}

func buildPoller(cfg *config.Config, watchStore *watchlist.Store, queueSvc *api.QueueService, sched *scheduler.Scheduler, logger *slog.Logger) *watchlist.Poller {
	interval := time.Duration(cfg.Workflow.WatchlistPollInterval) * time.Second
	if interval <= 0 {
		return nil
	}

	var fetcher watchlist.PlaylistFetcher
	if f := watchlist.NewExtractorFetcher(cfg.Extractor); f != nil {
		fetcher = f
	}

	enqueue := func(ctx context.Context, spec queue.Spec) (watchlist.TrackStatus, error) {
		outcome, err := queueSvc.Enqueue(ctx, spec)
		if err != nil {
			return "", err
		}
		switch outcome.Disposition {
		case api.DispositionEnqueued, api.DispositionAlreadyActive:
			return watchlist.TrackQueued, nil
		case api.DispositionAlreadyInLibrary, api.DispositionAlreadyDownloaded:
			return watchlist.TrackDownloaded, nil
		case api.DispositionFailedPreviously:
			return watchlist.TrackFailed, nil
		default:
			return "", nil
		}
	}

	return watchlist.NewPoller(watchStore, fetcher, enqueue, sched.Kick, interval, logger)
}

func sourceLimits(cfg *config.Config) map[string]ratelimit.SourceConfig {
	toConfig := func(limit config.SourceLimit) ratelimit.SourceConfig {
		return ratelimit.SourceConfig{
			MaxCalls:   limit.MaxCalls,
			Window:     time.Duration(limit.WindowSecs) * time.Second,
			MinSpacing: time.Duration(limit.MinSpacingMS) * time.Millisecond,
		}
	}
	return map[string]ratelimit.SourceConfig{
		string(queue.SourceCDN):       toConfig(cfg.RateLimit.CDN),
		string(queue.SourceExtractor): toConfig(cfg.RateLimit.Extractor),
		metadata.SourceKey:            toConfig(cfg.RateLimit.Metadata),
	}
}
