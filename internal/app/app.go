// Package app wires the components together and runs the daemon.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relayq/relayq/internal/api"
	"github.com/relayq/relayq/internal/campaign"
	"github.com/relayq/relayq/internal/config"
	"github.com/relayq/relayq/internal/dispatch"
	"github.com/relayq/relayq/internal/job"
	"github.com/relayq/relayq/internal/mail"
	"github.com/relayq/relayq/internal/metrics"
	"github.com/relayq/relayq/internal/ratelimit"
	"github.com/relayq/relayq/internal/template"
)

// App is the main application
type App struct {
	config        *config.Config
	store         *job.BoltStore
	templates     *template.Storage
	engine        *dispatch.Engine
	cleaner       *job.Cleaner
	apiServer     *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve timezone: %w", err)
	}

	// The store validates templates at creation time through the engine,
	// which reads stored templates out of the same database. The checker
	// closure breaks the construction cycle.
	var tplEngine *template.Engine
	store, err := job.NewBoltStore(cfg.Storage.Path, func(j *job.Job) error {
		return tplEngine.Check(j)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	templates, err := template.NewStorage(store.DB())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create template storage: %w", err)
	}
	tplEngine = template.NewEngine(templates)

	gate := ratelimit.NewGate(cfg.RateLimit, nil)
	logger.Info("rate limiting configured",
		"per_minute", cfg.RateLimit.PerMinute,
		"burst", cfg.RateLimit.Burst,
		"domain_per_minute", cfg.RateLimit.DomainPerMinute,
	)

	relay := mail.NewRelay(cfg.Relay, logger.With("component", "relay"))
	sender := mail.NewSender(relay, cfg.Sender, logger.With("component", "sender"))

	engine := dispatch.NewEngine(
		store,
		tplEngine,
		sender,
		gate,
		dispatch.Config{
			PassInterval:   cfg.Dispatch.PassInterval,
			BatchLimit:     cfg.Dispatch.BatchLimit,
			MaxAttempts:    cfg.Dispatch.MaxAttempts,
			RetryBase:      cfg.Dispatch.RetryBase,
			RetryMax:       cfg.Dispatch.RetryMax,
			JitterFraction: cfg.Dispatch.JitterFraction,
			AttemptTimeout: cfg.Dispatch.AttemptTimeout,
		},
		mail.IsTemporaryError,
		logger.With("component", "dispatch"),
	)

	cleaner := job.NewCleaner(store, job.CleanerConfig{
		MaxAge:   cfg.Retention.MaxAge,
		Interval: cfg.Retention.CleanupInterval,
	}, logger.With("component", "cleaner"))

	a := &App{
		config:    cfg,
		store:     store,
		templates: templates,
		engine:    engine,
		cleaner:   cleaner,
		logger:    logger,
	}

	if cfg.API.Enabled {
		expander := campaign.NewExpander(store, logger.With("component", "campaign"))
		a.apiServer = api.NewServer(store, templates, expander, &cfg.API, loc,
			logger.With("component", "api"))
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path,
			logger.With("component", "metrics"))
		a.collector = metrics.NewCollector(m, queueStatsAdapter{store}, cfg.Storage.Path,
			0, logger.With("component", "metrics"))
	}

	return a, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting relayq",
		"storage", a.config.Storage.Path,
		"relay", a.config.Relay.Host,
		"api_enabled", a.config.API.Enabled,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Put jobs stranded by an unclean shutdown back in line before the
	// engine starts claiming.
	recovered, err := a.store.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover stranded jobs: %w", err)
	}
	if recovered > 0 {
		a.logger.Info("recovered stranded jobs", "count", recovered)
	}

	a.engine.Start(ctx)
	a.cleaner.Start(ctx)
	if a.collector != nil {
		a.collector.Start(ctx)
	}

	errCh := make(chan error, 2)

	if a.apiServer != nil {
		go func() {
			if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()
	}

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop the engine first so nothing new goes in flight.
	a.engine.Stop()

	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("api server shutdown error", "error", err)
		}
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}
	if a.collector != nil {
		a.collector.Stop()
	}

	a.cleaner.Stop()

	if err := a.store.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// queueStatsAdapter exposes store stats in the shape the collector wants.
type queueStatsAdapter struct {
	store *job.BoltStore
}

func (q queueStatsAdapter) QueueStats(ctx context.Context) (*metrics.QueueStats, error) {
	stats, err := q.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &metrics.QueueStats{
		Pending:         stats.Pending,
		InFlight:        stats.InFlight,
		FailedTransient: stats.FailedTransient,
	}, nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
