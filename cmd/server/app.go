package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blackmichael/flatlanders-feed/internal/bluesky"
	"github.com/blackmichael/flatlanders-feed/internal/config"
	"github.com/blackmichael/flatlanders-feed/internal/domain"
	"github.com/blackmichael/flatlanders-feed/internal/ingest"
	"github.com/blackmichael/flatlanders-feed/internal/jetstream"
	"github.com/blackmichael/flatlanders-feed/internal/membership"
	"github.com/blackmichael/flatlanders-feed/internal/migrate"
	"github.com/blackmichael/flatlanders-feed/internal/postgres"
	"github.com/blackmichael/flatlanders-feed/internal/sentryutil"
	"github.com/blackmichael/flatlanders-feed/internal/sqlite"
	"github.com/blackmichael/flatlanders-feed/internal/watchdog"
)

const (
	sentryFlushTimeout = 2 * time.Second
	shutdownTimeout    = 10 * time.Second
)

// app carries the process-wide dependencies shared by every command.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	enabled, err := sentryutil.Init(sentryutil.Options{
		DSN:         cfg.SentryDSN,
		Environment: cfg.Environment,
	})
	if err != nil {
		return nil, fmt.Errorf("init sentry: %w", err)
	}
	if enabled {
		logger.Info("sentry error reporting enabled", "environment", cfg.Environment)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &app{cfg: cfg, logger: logger, registry: registry}, nil
}

func (a *app) close() {
	sentryutil.Flush(sentryFlushTimeout)
}

// storeHandle is an open durable index plus the handle migrations run on.
type storeHandle struct {
	domain.Store
	dialect migrate.Dialect
	db      *sql.DB
	closers []func()
}

func openStore(ctx context.Context, cfg *config.Config) (*storeHandle, error) {
	if path, ok := cfg.SQLitePath(); ok {
		db, err := sqlite.Open(ctx, path)
		if err != nil {
			return nil, err
		}
		return &storeHandle{
			Store:   sqlite.NewRepository(db),
			dialect: migrate.SQLite,
			db:      db,
			closers: []func(){func() { db.Close() }},
		}, nil
	}

	pg, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		pg.Close()
		return nil, fmt.Errorf("open migration connection: %w", err)
	}
	return &storeHandle{
		Store:   postgres.NewRepository(pg),
		dialect: migrate.Postgres,
		db:      db,
		closers: []func(){func() { db.Close() }, pg.Close},
	}, nil
}

func (h *storeHandle) migrate(ctx context.Context) error {
	return migrate.Up(ctx, h.dialect, h.db)
}

func (h *storeHandle) Close() {
	for _, c := range h.closers {
		c()
	}
}

func (a *app) newFeedService(store domain.Store) (*domain.FeedService, error) {
	policy, err := a.cfg.KeywordPolicy()
	if err != nil {
		return nil, fmt.Errorf("load keyword policy: %w", err)
	}
	return domain.NewFeedService(domain.FeedConfig{
		URI:      a.cfg.FeedURI(),
		AdminDID: a.cfg.AdminDID,
		Keywords: policy,
	}, store, a.logger)
}

// runIngest streams Jetstream into service until ctx is cancelled, the
// stream closes cleanly, or a fatal fault or stall stops it.
func (a *app) runIngest(ctx context.Context, store domain.Store, service *domain.FeedService) error {
	logger := a.logger.With("component", "ingest")

	metrics := jetstream.NewMetricsCollector()
	if err := a.registry.Register(metrics); err != nil {
		return fmt.Errorf("register jetstream metrics: %w", err)
	}

	opts := []jetstream.Option{
		jetstream.WithMetrics(metrics),
		jetstream.WithErrorHandler(func(evt *domain.Event, err error) {
			if evt != nil {
				logger.Error("failed to handle event", "event", evt.String(), "error", err)
			} else {
				logger.Error("failed to process message", "error", err)
			}
			sentryutil.ReportEventError(evt, err)
		}),
	}
	if a.cfg.ZstdDictionary != "" {
		dict, err := jetstream.LoadDictionary(a.cfg.ZstdDictionary)
		if err != nil {
			return err
		}
		dec, err := jetstream.NewDecompressor(dict, jetstream.DefaultMaxMessageSize)
		if err != nil {
			return err
		}
		defer dec.Close()
		opts = append(opts, jetstream.WithDecompressor(dec))
	}

	client, err := jetstream.NewClient(jetstream.Config{
		Hosts:             a.cfg.JetstreamURLs(),
		WantedCollections: []string{domain.CollectionPost, domain.CollectionFollow},
		CursorSaveEvery:   a.cfg.CursorSaveEvery,
	}, service.ProcessEvent, service, logger, opts...)
	if err != nil {
		return fmt.Errorf("create jetstream client: %w", err)
	}

	dog := watchdog.New(client, a.cfg.WatchdogInterval, nil, logger)

	var tasks []ingest.Task
	if a.cfg.FollowerSyncInterval > 0 {
		bsky := bluesky.NewClient(a.cfg.XRPCHost())
		if a.cfg.BlueskyHandle != "" {
			if err := bsky.Login(ctx, a.cfg.BlueskyHandle, a.cfg.BlueskyAppPassword); err != nil {
				return fmt.Errorf("bluesky login: %w", err)
			}
		}
		syncer := membership.NewSyncer(bsky, store, a.cfg.AdminDID, a.cfg.FollowerSyncInterval, nil, logger)
		tasks = append(tasks, syncer.Run)
	}
	if a.cfg.PostMaxAge > 0 || a.cfg.PostMaxRows > 0 {
		tasks = append(tasks, func(ctx context.Context) error {
			service.StartCleanupJob(ctx, a.cfg.CleanupInterval, a.cfg.PostMaxAge, a.cfg.PostMaxRows)
			return nil
		})
	}

	logger.Info("starting ingestion",
		"hosts", a.cfg.JetstreamHosts,
		"compressed", a.cfg.ZstdDictionary != "",
		"follower_sync", a.cfg.FollowerSyncInterval,
	)
	if err := ingest.Run(ctx, client, dog, logger, tasks...); err != nil {
		sentryutil.ReportError(err, map[string]string{"stage": "supervisor"})
		return err
	}
	return nil
}

// serveMetrics exposes the registry on its own port until ctx is cancelled.
func (a *app) serveMetrics(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.logger.Info("serving metrics", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
