package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"PDALedger/internal/auth"
	"PDALedger/internal/core"
	"PDALedger/internal/ingestion"
	"PDALedger/internal/observability"
	"PDALedger/internal/persistence"
	"PDALedger/internal/projection"
	"PDALedger/internal/query"
	"PDALedger/internal/server"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	snapshotCheckInterval = 10 * time.Second
	drainTimeout          = 30 * time.Second
)

func main() {
	logger := observability.NewLogger("pdaledger")
	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("pdaledger stopped")
	}
	logger.Info().Msg("pdaledger shutdown complete")
}

func run(logger zerolog.Logger) error {
	cfg := LoadConfig()
	coreCfg, err := cfg.CoreConfig()
	if err != nil {
		return err
	}
	admin, err := cfg.Admin()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Observability ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)
	healthChecker := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := openPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info().Msg("postgres connected")

	if err := persistence.NewMigrator(db, cfg.Migrations(), observability.NewLogger("migrate")).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Deterministic core and recovery ---
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)

	ledgerCore, err := core.NewDeterministicCore(coreCfg, persistChan, projectionChan, observability.NewLogger("core"), metrics)
	if err != nil {
		return fmt.Errorf("core: %w", err)
	}

	snapMgr := persistence.NewSnapshotManager(db)
	recovery, err := persistence.Recover(ctx, snapMgr, ledgerCore, observability.NewLogger("recovery"))
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	if err := ledgerCore.CheckIntegrity(); err != nil {
		return fmt.Errorf("post-recovery integrity: %w", err)
	}
	if err := projection.Rebuild(ctx, db, ledgerCore.CreateSnapshotState()); err != nil {
		return fmt.Errorf("rebuild projections: %w", err)
	}

	// --- Operation dedup ---
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	dedup := ingestion.NewIdempotencyChecker(cfg.DedupLRUCapacity, dbChecker, metrics)
	recent, err := dbChecker.RecentKeys(ctx, cfg.DedupLRUCapacity)
	if err != nil {
		logger.Warn().Err(err).Msg("dedup warm-up failed, relying on postgres tier")
	} else {
		dedup.Warm(recent)
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, observability.NewLogger("nats"))
	if err != nil {
		return err
	}
	defer nc.Close()

	ingestLogger := observability.NewLogger("ingestion")
	if err := ingestion.EnsureStreams(ctx, js, ingestLogger); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, ingestLogger); err != nil {
		return fmt.Errorf("ensure outbound stream: %w", err)
	}

	publishChan := make(chan ingestion.PublishableEvent, cfg.PublishChanSize)
	processor := ingestion.NewProcessor(ledgerCore, ingestion.ProcessorConfig{
		Verifier: auth.NewVerifier(admin),
		Dedup:    dedup,
		Outbound: publishChan,
	}, ingestLogger, metrics)

	rawChan := make(chan ingestion.RawEvent, cfg.InboundChanSize)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan, ingestLogger)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	healthChecker.AddCheck("postgres", db.PingContext)
	healthChecker.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("nats %s", nc.Status())
		}
		return nil
	})

	// --- Transports ---
	serverLogger := observability.NewLogger("server")
	bank := server.NewBankService(ledgerCore, processor)
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, bank, serverLogger, metrics)
	httpServer := server.NewHTTPServer(cfg.HTTPAddr, server.NewRouter(server.HTTPDeps{
		Bank:    bank,
		Queries: query.NewQueryService(db),
		Health:  healthChecker,
		Limiter: server.NewRateLimiter(cfg.HTTPRateLimit, cfg.HTTPRateBurst, serverLogger),
		Logger:  serverLogger,
		Metrics: metrics,
	}), serverLogger)
	metricsServer := server.NewHTTPServer(cfg.MetricsAddr,
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}), serverLogger)

	// --- Goroutines ---
	// Workers outlive the ingress side so they can drain after shutdown starts.
	errChan := make(chan error, 8)
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	persistDone := make(chan struct{})
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize,
		cfg.PersistFlushTimeout, observability.NewLogger("persistence"), metrics)
	go func() {
		defer close(persistDone)
		if err := persistWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()

	projectionWorker := projection.NewProjectionWorker(db, projectionChan, observability.NewLogger("projection"), metrics)
	go func() { _ = projectionWorker.Run(workerCtx) }()

	publisher := ingestion.NewOutboundPublisher(js, publishChan, ingestLogger)
	go func() { _ = publisher.Run(workerCtx) }()

	var ingress sync.WaitGroup
	spawn := func(name string, fn func() error) {
		ingress.Add(1)
		go func() {
			defer ingress.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}
	spawn("ingestion", func() error { return processor.Run(ctx, rawChan) })
	spawn("grpc server", func() error { return grpcServer.Start(ctx) })
	spawn("http server", func() error { return httpServer.Start(ctx) })
	spawn("metrics server", func() error { return metricsServer.Start(ctx) })
	spawn("snapshots", func() error {
		runPeriodicSnapshots(ctx, snapMgr, ledgerCore, cfg.SnapshotInterval, metrics, logger)
		return nil
	})

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)
	logger.Info().
		Int64("next_sequence", recovery.NextSequence).
		Str("program_id", ledgerCore.ProgramID().String()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Bool("faucet", cfg.FaucetEnabled).
		Msg("pdaledger ready")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake, close the core so its channels drain, wait for the event
	// log to catch up, then take a final snapshot.
	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	stop()
	subscriber.Stop()
	ingress.Wait()

	ledgerCore.Close()

	select {
	case <-persistDone:
	case <-time.After(drainTimeout):
		logger.Error().Msg("persistence drain timed out")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if snap, err := persistence.TakeSnapshot(shutdownCtx, snapMgr, ledgerCore, metrics); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else if snap != nil {
		logger.Info().Int64("sequence", snap.Sequence).Msg("final snapshot saved")
	}

	stopWorkers()
	return runErr
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

// runPeriodicSnapshots snapshots the core every interval operations. A
// snapshot that would run ahead of the event log is retried on the next tick.
func runPeriodicSnapshots(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	engine persistence.Engine,
	interval int64,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	if interval <= 0 {
		return
	}

	last := engine.GetSequence()
	ticker := time.NewTicker(snapshotCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if engine.GetSequence()-last < interval {
				continue
			}
			snap, err := persistence.TakeSnapshot(ctx, snapMgr, engine, metrics)
			switch {
			case errors.Is(err, persistence.ErrSnapshotAhead):
				logger.Debug().Err(err).Msg("snapshot deferred")
			case err != nil:
				logger.Warn().Err(err).Msg("periodic snapshot failed")
			case snap != nil:
				last = snap.Sequence + 1
				logger.Info().Int64("sequence", snap.Sequence).Msg("periodic snapshot saved")
			}
		}
	}
}
