// Package app builds the long-lived services of rlunch from configuration
// and runs them: one-shot and scheduled scrape passes, the read API and the
// bootstrap of static sites.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	gstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/oddlid/rlunch/internal/api"
	"github.com/oddlid/rlunch/internal/clock/system"
	"github.com/oddlid/rlunch/internal/config"
	"github.com/oddlid/rlunch/internal/fetchcache"
	collyfetcher "github.com/oddlid/rlunch/internal/fetcher/colly"
	headlessfetcher "github.com/oddlid/rlunch/internal/fetcher/headless"
	iduuid "github.com/oddlid/rlunch/internal/id/uuid"
	"github.com/oddlid/rlunch/internal/lunch"
	"github.com/oddlid/rlunch/internal/policy/ratelimit"
	"github.com/oddlid/rlunch/internal/progress"
	progresssinks "github.com/oddlid/rlunch/internal/progress/sinks"
	"github.com/oddlid/rlunch/internal/publisher"
	amqppublisher "github.com/oddlid/rlunch/internal/publisher/amqp"
	memorypublisher "github.com/oddlid/rlunch/internal/publisher/memory"
	gcppublisher "github.com/oddlid/rlunch/internal/publisher/pubsub"
	"github.com/oddlid/rlunch/internal/registry"
	"github.com/oddlid/rlunch/internal/scheduler"
	"github.com/oddlid/rlunch/internal/scrapers"
	"github.com/oddlid/rlunch/internal/storage"
	gcsstorage "github.com/oddlid/rlunch/internal/storage/gcs"
	localstorage "github.com/oddlid/rlunch/internal/storage/local"
	memorystorage "github.com/oddlid/rlunch/internal/storage/memory"
	pgstore "github.com/oddlid/rlunch/internal/storage/postgres"
	sqlitestore "github.com/oddlid/rlunch/internal/storage/sqlite"
	"github.com/oddlid/rlunch/internal/synchronizer"
	"github.com/oddlid/rlunch/internal/telemetry"
)

// ErrHardFailure is returned by RunPass when the pass made no progress:
// every site failed or nothing was persisted.
var ErrHardFailure = errors.New("scrape pass failed: no progress made")

const shutdownTimeout = 10 * time.Second

// Version is reported in traces; cmd overrides it at build time.
var Version = "dev"

// Options adjusts Build for a single command.
type Options struct {
	// DryRun keeps every write and publish in memory.
	DryRun bool
	// Cron overrides scrape.cron when set.
	Cron string
	// Registry replaces the compiled-in registry.
	Registry *registry.Registry
	// Fetcher replaces the upstream fetcher below the cache.
	Fetcher lunch.Fetcher
	// Registerer receives the progress collectors; defaults to the global
	// Prometheus registerer.
	Registerer prometheus.Registerer
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     lunch.Clock
	registry  *registry.Registry
	store     lunch.Store
	cache     *fetchcache.Cache
	snapshots storage.BlobStore
	snapName  string
	syncer    *synchronizer.Synchronizer
	scheduler *scheduler.Scheduler
	hub       *progress.Hub
	publisher publisher.Publisher
	apiServer *api.Server

	closers        []func() error
	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies. Configuration problems are
// returned as *lunch.ConfigError before any network or database work.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Cron != "" {
		cfg.Scrape.Cron = opts.Cron
	}
	if cfg.Scrape.Cron != "" {
		if _, err := scheduler.ParseSchedule(cfg.Scrape.Cron); err != nil {
			return nil, err
		}
	}
	a := &App{cfg: cfg, logger: logger, clock: system.New()}

	a.registry = opts.Registry
	if a.registry == nil {
		a.registry = scrapers.Default(a.clock)
	}

	ok := false
	defer func() {
		if !ok {
			a.closeAll(context.Background())
		}
	}()

	shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     Version,
		Exporter:    cfg.Tracing.Exporter,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = shutdown

	if err := a.setupStore(ctx, opts.DryRun); err != nil {
		return nil, err
	}
	if err := a.setupFetcher(opts.Fetcher); err != nil {
		return nil, err
	}
	if err := a.setupSnapshots(ctx); err != nil {
		return nil, err
	}
	if err := a.setupPublisher(ctx, opts.DryRun); err != nil {
		return nil, err
	}
	if err := a.setupProgress(ctx, opts.Registerer); err != nil {
		return nil, err
	}

	a.syncer, err = synchronizer.New(a.store, synchronizer.Config{
		WriteConcurrency: cfg.Scrape.WriteConcurrency,
		StatementTimeout: cfg.Scrape.StatementTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("synchronizer init failed: %w", err)
	}
	a.scheduler, err = scheduler.New(scheduler.Config{
		Schedule:       cfg.Scrape.Cron,
		Parallelism:    cfg.Scrape.Parallelism,
		ScraperTimeout: cfg.Scrape.ScraperTimeout,
		PassTimeout:    cfg.Scrape.PassTimeout,
		Overlap:        scheduler.OverlapPolicy(cfg.Scrape.Overlap),
	}, a.registry, a.cache, a.syncer,
		scheduler.WithLogger(logger),
		scheduler.WithEmitter(a.hub),
		scheduler.WithPublisher(a.publisher),
		scheduler.WithClock(a.clock),
	)
	if err != nil {
		return nil, err
	}

	var passes api.PassController
	if cfg.Scrape.Cron != "" {
		passes = a.scheduler
	}
	a.apiServer = api.NewServer(a.store, passes, api.Config{
		AllowedOrigins: cfg.Server.CORSOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, logger)

	logger.Info("application built",
		zap.Int("sites", a.registry.Len()),
		zap.String("db_driver", a.driver(opts.DryRun)),
		zap.String("publish_backend", cfg.Publish.Backend),
		zap.String("cron", cfg.Scrape.Cron),
		zap.Bool("dry_run", opts.DryRun),
	)
	ok = true
	return a, nil
}

func (a *App) driver(dryRun bool) string {
	if dryRun {
		return config.DriverMemory
	}
	return a.cfg.DB.Driver
}

func (a *App) setupStore(ctx context.Context, dryRun bool) error {
	ids := iduuid.New()
	switch a.driver(dryRun) {
	case config.DriverPostgres:
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		}, ids)
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.store = store
	case config.DriverSQLite:
		store, err := sqlitestore.New(ctx, sqlitestore.Config{Path: a.cfg.DB.DSN}, ids)
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.store = store
	default:
		a.logger.Warn("using in-memory store, menus are not persisted")
		a.store = memorystorage.NewStore(ids)
	}
	a.closers = append(a.closers, func() error { a.store.Close(); return nil })
	return nil
}

func (a *App) setupFetcher(upstream lunch.Fetcher) error {
	if upstream == nil {
		if a.cfg.Fetch.Headless {
			h, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
				MaxParallel:       a.cfg.Fetch.HeadlessMaxParallel,
				UserAgent:         a.cfg.Fetch.UserAgent,
				NavigationTimeout: a.cfg.Fetch.Timeout,
			})
			if err != nil {
				return fmt.Errorf("headless fetcher init failed: %w", err)
			}
			a.closers = append(a.closers, func() error { h.Close(); return nil })
			upstream = h
			a.logger.Info("using headless fetcher", zap.Int("max_parallel", a.cfg.Fetch.HeadlessMaxParallel))
		} else {
			upstream = collyfetcher.New(collyfetcher.Config{
				UserAgent: a.cfg.Fetch.UserAgent,
				Timeout:   a.cfg.Fetch.Timeout,
			})
			a.logger.Info("using colly fetcher", zap.String("user_agent", a.cfg.Fetch.UserAgent))
		}
	}
	limited := ratelimit.Wrap(upstream, ratelimit.New(ratelimit.Config{RequestDelay: a.cfg.Fetch.RequestDelay}))
	a.cache = fetchcache.New(limited, fetchcache.Config{
		TTL:      a.cfg.Cache.TTL,
		Capacity: a.cfg.Cache.Capacity,
		Timeout:  a.cfg.Fetch.Timeout,
		Clock:    a.clock,
		Logger:   a.logger,
	})
	return nil
}

func (a *App) setupSnapshots(ctx context.Context) error {
	path := a.cfg.Cache.SnapshotPath
	if path == "" {
		return nil
	}
	if rest, ok := strings.CutPrefix(path, "gs://"); ok {
		bucket, object, found := strings.Cut(rest, "/")
		if !found || bucket == "" || object == "" {
			return &lunch.ConfigError{Field: "cache.snapshot_path", Err: fmt.Errorf("want gs://bucket/object, got %q", path)}
		}
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: bucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.snapshots, a.snapName = blobs, object
		a.logger.Info("fetch cache snapshots in GCS", zap.String("bucket", bucket), zap.String("object", object))
		return nil
	}
	blobs, err := localstorage.New(localstorage.Config{BaseDir: filepath.Dir(path)})
	if err != nil {
		return fmt.Errorf("local blob store init failed: %w", err)
	}
	a.snapshots, a.snapName = blobs, filepath.Base(path)
	a.logger.Info("fetch cache snapshots on disk", zap.String("path", path))
	return nil
}

func (a *App) setupPublisher(ctx context.Context, dryRun bool) error {
	backend := a.cfg.Publish.Backend
	if dryRun {
		backend = config.BackendMemory
	}
	switch backend {
	case config.BackendPubSub:
		p, err := gcppublisher.New(ctx, gcppublisher.Config{
			ProjectID: a.cfg.Publish.ProjectID,
			Topic:     a.cfg.Publish.Topic,
		})
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.closers = append(a.closers, p.Close)
		a.publisher = p
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Publish.ProjectID),
			zap.String("topic", a.cfg.Publish.Topic),
		)
	case config.BackendAMQP:
		p, err := amqppublisher.New(amqppublisher.Config{
			URL:        a.cfg.Publish.AMQPURL,
			Exchange:   a.cfg.Publish.Exchange,
			RoutingKey: a.cfg.Publish.RoutingKey,
		})
		if err != nil {
			return fmt.Errorf("amqp publisher init failed: %w", err)
		}
		a.closers = append(a.closers, p.Close)
		a.publisher = p
		a.logger.Info("AMQP publisher initialized", zap.String("exchange", a.cfg.Publish.Exchange))
	default:
		a.publisher = memorypublisher.New()
	}
	return nil
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) error {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{
		BaseContext: context.WithoutCancel(ctx),
		Logger:      a.logger,
	}, progresssinks.NewLogSink(a.logger.Named("pass")), promSink)
	return nil
}

// Bootstrap ensures the schema and the static country, city and site rows of
// every registry entry.
func (a *App) Bootstrap(ctx context.Context) error {
	if pg, ok := a.store.(*pgstore.Store); ok {
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	for _, e := range a.registry.Entries() {
		if _, err := a.store.EnsureSite(ctx, e.Info); err != nil {
			return fmt.Errorf("ensure site %s: %w", e.Info.Key, err)
		}
		a.logger.Debug("site ensured", zap.String("site", e.Info.Key.String()))
	}
	// Site rows may have been recreated; resolve them again on the next write.
	a.syncer.Forget()
	a.logger.Info("bootstrap complete", zap.Int("sites", a.registry.Len()))
	return nil
}

// RunPass bootstraps and runs a single pass. The fetch cache snapshot, when
// configured, is loaded before and saved after the pass.
func (a *App) RunPass(ctx context.Context) (scheduler.PassSummary, error) {
	if err := a.Bootstrap(ctx); err != nil {
		return scheduler.PassSummary{}, err
	}
	a.loadSnapshot(ctx)
	summary, err := a.scheduler.RunOnce(ctx)
	a.saveSnapshot(ctx)
	if err != nil {
		return summary, fmt.Errorf("run pass: %w", err)
	}
	if summary.HardFailure() {
		return summary, ErrHardFailure
	}
	return summary, nil
}

// RunScheduled serves cron triggers until ctx is cancelled.
func (a *App) RunScheduled(ctx context.Context) error {
	if a.cfg.Scrape.Cron == "" {
		return &lunch.ConfigError{Field: "scrape.cron", Err: errors.New("a schedule is required")}
	}
	if err := a.Bootstrap(ctx); err != nil {
		return err
	}
	a.loadSnapshot(ctx)
	defer a.saveSnapshot(ctx)
	return a.scheduler.Start(ctx)
}

// Serve runs the read API, plus the scheduler when a schedule is configured,
// until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	if err := a.Bootstrap(ctx); err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if a.cfg.Scrape.Cron != "" {
		a.loadSnapshot(gctx)
		g.Go(func() error {
			defer a.saveSnapshot(context.WithoutCancel(gctx))
			return a.scheduler.Start(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}

// Handler exposes the API handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Registry returns the site registry.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

// Store returns the configured store.
func (a *App) Store() lunch.Store {
	return a.store
}

// Publisher returns the summary publisher.
func (a *App) Publisher() publisher.Publisher {
	return a.publisher
}

func (a *App) loadSnapshot(ctx context.Context) {
	if a.snapshots == nil {
		return
	}
	n, err := a.cache.Load(ctx, a.snapshots, a.snapName)
	if err != nil {
		a.logger.Warn("fetch cache snapshot load failed", zap.Error(err))
		return
	}
	a.logger.Info("fetch cache snapshot loaded", zap.Int("entries", n))
}

func (a *App) saveSnapshot(ctx context.Context) {
	if a.snapshots == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	n, err := a.cache.Save(ctx, a.snapshots, a.snapName)
	if err != nil {
		a.logger.Warn("fetch cache snapshot save failed", zap.Error(err))
		return
	}
	a.logger.Info("fetch cache snapshot saved", zap.Int("entries", n))
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeAll(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeAll(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		a.hub = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerShutdown = nil
	}
}
