package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"feesync/internal/auth"
	"feesync/internal/config"
	feesapp "feesync/internal/fees/application"
	"feesync/internal/fees/infrastructure/diskcache"
	feespostgres "feesync/internal/fees/infrastructure/postgres"
	"feesync/internal/fees/infrastructure/redislock"
	"feesync/internal/fees/infrastructure/vestr"
	feeshttp "feesync/internal/fees/interfaces/http"
	"feesync/internal/observability/logging"
	"feesync/internal/observability/metrics"
	"feesync/internal/retry"
	reportshttp "feesync/internal/reports/interfaces/http"
)

const usage = `usage: feesync <command> [flags]

commands:
  mirror-reports              copy the freshest counterparty reports to the file-sync folder
  sync-fees [-full]           ingest fee deductions and refresh aggregates
  refresh-snapshots [-full]   rebuild latest-fee snapshots per product
  run-all                     run the three jobs in order
  serve                       run the ops API and the cron schedules
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cmd, args, cfg, logger); err != nil {
		logger.Error("command failed", zap.String("command", cmd), zap.Error(err))
		stop()
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, args []string, cfg config.Config, logger *zap.Logger) error {
	flags := flag.NewFlagSet(cmd, flag.ContinueOnError)
	full := flags.Bool("full", false, "run a full pass instead of an incremental one")
	if err := flags.Parse(args); err != nil {
		return err
	}

	switch cmd {
	case "mirror-reports":
		return runMirror(ctx, newMirrorJob(cfg, logger))
	case "run-all":
		return runAll(ctx, newMirrorJob(cfg, logger), func(ctx context.Context) (feeJobs, error) {
			app, err := newFeeApp(ctx, cfg, logger)
			if err != nil {
				return nil, err
			}
			return app, nil
		}, logger)
	case "sync-fees", "refresh-snapshots", "serve":
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}

	app, err := newFeeApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	switch cmd {
	case "sync-fees":
		return app.SyncFees(ctx, *full)
	case "refresh-snapshots":
		return app.RefreshSnapshots(ctx, *full)
	default:
		return serve(ctx, cfg, app, newMirrorJob(cfg, logger), logger)
	}
}

// feeApp holds the fee services wired over Postgres.
type feeApp struct {
	db        *sql.DB
	closers   []func() error
	ingestion *feesapp.IngestionService
	snapshots *feesapp.SnapshotService
	queries   *feesapp.QueryService
}

func newFeeApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*feeApp, error) {
	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	app := &feeApp{db: db, closers: []func() error{db.Close}}
	if err := db.PingContext(ctx); err != nil {
		app.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if err := feespostgres.EnsureSchema(ctx, db); err != nil {
		app.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	metrics.Init(db, logger)
	store := feespostgres.NewStore(db)

	source, err := vestr.New(vestr.Config{
		GraphQLURL: cfg.Vestr.GraphQLURL,
		FeesURL:    cfg.Vestr.FeesURL,
		Cookie:     cfg.Vestr.Cookie,
		CSRFToken:  cfg.Vestr.CSRFToken,
		Timeout:    cfg.Vestr.Timeout,
	}, logger)
	if err != nil {
		app.Close()
		return nil, err
	}

	var lock feesapp.Lock = feesapp.NewMutexLock()
	if cfg.Redis.Addr != "" {
		rdb, err := redislock.Connect(ctx, redislock.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.closers = append(app.closers, rdb.Close)
		if lock, err = redislock.New(rdb, cfg.Redis.LockKey, cfg.Redis.LockTTL, logger); err != nil {
			app.Close()
			return nil, err
		}
	}

	aggregator, err := feesapp.NewAggregationService(store, logger)
	if err != nil {
		app.Close()
		return nil, err
	}
	if app.snapshots, err = feesapp.NewSnapshotService(store, logger); err != nil {
		app.Close()
		return nil, err
	}

	ingestCfg := feesapp.DefaultIngestionConfig()
	ingestCfg.PageSize = cfg.Sync.PageSize
	ingestCfg.MaxPages = cfg.Sync.MaxPages
	ingestCfg.MaxIncrementalPages = cfg.Sync.MaxIncrementalPages
	ingestCfg.LookbackDays = cfg.Sync.LookbackDays
	ingestCfg.BatchSize = cfg.Sync.BatchSize
	ingestCfg.AggregateDates = cfg.Sync.AggregateDates
	ingestCfg.SnapshotAfterSync = cfg.Sync.SnapshotAfterSync
	ingestCfg.Retry = retry.DefaultConfig()
	ingestCfg.Retry.MaxAttempts = cfg.Sync.RetryMax
	ingestCfg.Retry.MaxDelay = cfg.Sync.RetryMaxDelay
	app.ingestion, err = feesapp.NewIngestionService(store, source, aggregator, ingestCfg, logger,
		feesapp.WithLock(lock),
		feesapp.WithSnapshotService(app.snapshots))
	if err != nil {
		app.Close()
		return nil, err
	}

	opts := []feesapp.QueryOption{feesapp.WithSyncer(app.ingestion)}
	if cfg.Cache.DiskPath != "" {
		disk, err := diskcache.New(cfg.Cache.DiskPath, cfg.Cache.DiskMaxAge, logger)
		if err != nil {
			app.Close()
			return nil, err
		}
		opts = append(opts, feesapp.WithSideCache(disk))
	}
	app.queries, err = feesapp.NewQueryService(store, feesapp.QueryConfig{
		CacheTTL:        cfg.Cache.TTL,
		CacheMaxEntries: cfg.Cache.MaxEntries,
		StaleDays:       cfg.Sync.StaleDays,
	}, logger, opts...)
	if err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

// SyncFees runs one ingestion.
func (a *feeApp) SyncFees(ctx context.Context, full bool) error {
	_, err := a.ingestion.Sync(ctx, feesapp.SyncRequest{Full: full})
	return err
}

// RefreshSnapshots rebuilds product snapshots.
func (a *feeApp) RefreshSnapshots(ctx context.Context, full bool) error {
	_, err := a.snapshots.Refresh(ctx, full)
	return err
}

// Close waits for background reads and releases connections.
func (a *feeApp) Close() {
	if a.queries != nil {
		a.queries.WaitBackground()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func serve(ctx context.Context, cfg config.Config, app *feeApp, mirror *mirrorJob, logger *zap.Logger) error {
	if cfg.HTTP.JWTSecret == "" {
		return errors.New("AUTH_JWT_SECRET is required for serve")
	}
	feeHandler, err := feeshttp.NewHandler(app.queries, app.ingestion, app.snapshots, logger)
	if err != nil {
		return err
	}
	reportHandler, err := reportshttp.NewHandler(mirror, logger)
	if err != nil {
		return err
	}
	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.HTTP.JWTSecret), policy, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))
	if len(cfg.HTTP.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.HTTP.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
		}))
	}
	r.Use(authMiddleware.Wrap)
	feeHandler.Routes(r)
	reportHandler.Routes(r)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := app.db.PingContext(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})

	scheduler, err := newScheduler(ctx, cfg.Schedule, mirror, app, logger)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTP.Addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
