// Package app wires the indexer's components together and runs them as
// one process: database, Redis job queue, rate budget, WebSocket mux,
// hybrid ingestion, capture, discovery, backfill, snapshot batching, gap
// scanning and the read API.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/perpfolio/perpfolio/internal/api"
	"github.com/perpfolio/perpfolio/internal/backfill"
	"github.com/perpfolio/perpfolio/internal/capture"
	"github.com/perpfolio/perpfolio/internal/config"
	"github.com/perpfolio/perpfolio/internal/discovery"
	"github.com/perpfolio/perpfolio/internal/gaps"
	"github.com/perpfolio/perpfolio/internal/ingest"
	"github.com/perpfolio/perpfolio/internal/jobs"
	"github.com/perpfolio/perpfolio/internal/metrics"
	"github.com/perpfolio/perpfolio/internal/net/budget"
	"github.com/perpfolio/perpfolio/internal/persistence"
	"github.com/perpfolio/perpfolio/internal/persistence/postgres"
	"github.com/perpfolio/perpfolio/internal/snapshot"
	"github.com/perpfolio/perpfolio/internal/state"
	"github.com/perpfolio/perpfolio/internal/upstream"
	"github.com/perpfolio/perpfolio/internal/upstream/ws"
)

// App is the assembled service.
type App struct {
	cfg *config.Config
	log zerolog.Logger

	db    *sqlx.DB
	rdb   *redis.Client
	repos *persistence.Repository

	store    *state.Store
	mux      *ws.Mux
	stream   *ingest.Stream
	batcher  *snapshot.Batcher
	backfill *backfill.Worker
	capture  *capture.Capture
	discover *discovery.Worker
	detector *gaps.Detector
	server   *api.Server
}

// New connects the external systems and builds every component.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	dbCfg := postgres.Config{
		DSN:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		QueryTimeout:    cfg.Database.QueryTimeout,
	}
	db, repos, err := postgres.Connect(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.Cache.URL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("parse cache url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping cache: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	b := budget.New(cfg.Upstream.WeightPerMinute, cfg.Upstream.WeightBurst)

	client := upstream.NewClient(upstream.Config{BaseURL: cfg.Upstream.BaseURL}, b, m, log)
	mux := ws.NewMux(ws.Config{URL: cfg.Upstream.WebSocketURL}, b, m, log)
	store := state.NewStore()
	batcher := snapshot.NewBatcher(snapshot.Config{}, repos.Snapshots, m, log)

	stream := ingest.NewStream(ingest.Config{
		UseHybrid:           cfg.Ingest.UseHybridMode,
		PollInterval:        cfg.Ingest.PollInterval,
		FundingPollInterval: cfg.Ingest.FundingPollInterval,
		SnapshotInterval:    cfg.Ingest.SnapshotInterval,
	}, mux, client, store, repos, batcher, m, log)

	queue := jobs.NewQueue(rdb, log)
	bf := backfill.NewWorker(backfill.Config{
		Days:          cfg.Backfill.Days,
		ChunkInterval: cfg.Backfill.ChunkInterval,
		MaxAttempts:   cfg.Backfill.MaxAttempts,
	}, queue, client, repos, store, b, m, log)

	capt := capture.NewCapture(capture.Config{Coins: cfg.Ingest.CaptureCoins}, mux, stream, repos, m, log)
	disc := discovery.NewWorker(discovery.Config{}, repos, stream, bf, log)
	detector := gaps.NewDetector(gaps.Config{SnapshotInterval: cfg.Ingest.SnapshotInterval}, repos, m, log)

	server := api.NewServer(api.Config{
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, repos, store, stream, bf, client, m, registry, log)

	return &App{
		cfg:      cfg,
		log:      log,
		db:       db,
		rdb:      rdb,
		repos:    repos,
		store:    store,
		mux:      mux,
		stream:   stream,
		batcher:  batcher,
		backfill: bf,
		capture:  capt,
		discover: disc,
		detector: detector,
		server:   server,
	}, nil
}

// Run starts every component and blocks until ctx is cancelled or the API
// server fails. Active traders from previous runs are re-tracked first.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(runCtx)
			a.log.Debug().Str("component", name).Msg("component stopped")
		}()
	}

	if a.cfg.Ingest.UseHybridMode {
		start("ws", func(ctx context.Context) { _ = a.mux.Run(ctx) })
		start("capture", func(ctx context.Context) { _ = a.capture.Run(ctx) })
	}
	start("batcher", a.batcher.Run)
	start("ingest", a.stream.Run)
	start("backfill", a.backfill.Run)
	start("discovery", a.discover.Run)
	start("gaps", a.detector.Run)

	if err := a.resumeTracking(runCtx); err != nil {
		a.log.Warn().Err(err).Msg("resuming tracked traders failed")
	}

	err := a.server.Run(runCtx)
	cancel()
	wg.Wait()
	return err
}

// resumeTracking re-tracks every trader that was active before the last
// shutdown.
func (a *App) resumeTracking(ctx context.Context) error {
	traders, err := a.repos.Traders.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, trader := range traders {
		if err := a.stream.Track(ctx, trader.Address, trader.DiscoverySource); err != nil {
			a.log.Warn().Err(err).Str("address", trader.Address).Msg("re-track failed")
		}
	}
	if len(traders) > 0 {
		a.log.Info().Int("traders", len(traders)).Msg("tracking resumed")
	}
	return nil
}

// Close releases the external connections.
func (a *App) Close() {
	if a.db != nil {
		a.db.Close()
	}
	if a.rdb != nil {
		a.rdb.Close()
	}
}

// Migrate applies pending database migrations.
func (a *App) Migrate(ctx context.Context) error {
	return postgres.Migrate(ctx, a.db, a.log)
}

// ScanGaps runs one full gap scan.
func (a *App) ScanGaps(ctx context.Context) error {
	return a.detector.ScanAll(ctx)
}

// ScheduleBackfill enqueues a backfill job for one address.
func (a *App) ScheduleBackfill(ctx context.Context, address string, days int) (string, error) {
	job, err := a.backfill.Schedule(ctx, address, days)
	if err != nil {
		return "", err
	}
	return job.ID, nil
}
