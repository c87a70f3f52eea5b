// Package app wires all Locustfeed subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and drives the embedding queue until the
// context is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithMetrics). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/locustsocial/locustfeed/internal/config"
	"github.com/locustsocial/locustfeed/internal/embedqueue"
	"github.com/locustsocial/locustfeed/internal/health"
	"github.com/locustsocial/locustfeed/internal/httpapi"
	"github.com/locustsocial/locustfeed/internal/observe"
	"github.com/locustsocial/locustfeed/internal/profile"
	"github.com/locustsocial/locustfeed/internal/ranking"
	"github.com/locustsocial/locustfeed/internal/store/postgres"
	"github.com/locustsocial/locustfeed/pkg/provider/embeddings"
)

// shutdownTimeout bounds the HTTP server drain during Shutdown.
const shutdownTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	embedder embeddings.Provider
	metrics  *observe.Metrics

	store    *postgres.Store
	queue    *embedqueue.Queue
	profiles *profile.Aggregator
	engine   *ranking.Engine
	server   *http.Server

	// closers run in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of connecting to PostgreSQL from config.
func WithStore(s *postgres.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects a metrics set instead of using the process-wide default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New wires the application: store, embedding queue, profile aggregator,
// ranking engine, and HTTP server. embedder is constructed by the caller
// (main) from the configured provider chain.
func New(ctx context.Context, cfg *config.Config, embedder embeddings.Provider, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, embedder: embedder}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if a.store == nil {
		store, err := postgres.NewStore(ctx, cfg.Database.PostgresDSN, cfg.Database.EmbeddingDimensions)
		if err != nil {
			return nil, fmt.Errorf("app: connect store: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
	}

	a.queue = embedqueue.New(a.embedder, a.store, a.metrics, embedqueue.Config{
		Capacity:     cfg.Embedding.QueueCapacity,
		QPS:          cfg.Embedding.QueueQPS,
		ModelVersion: cfg.Embedding.ModelVersion,
	})

	a.profiles = profile.New(a.store, a.metrics, profile.Config{
		RecentEvents:    cfg.Profile.RecentEvents,
		RecomputeStride: cfg.Profile.RecomputeStride,
		Model:           a.embedder.ModelID(),
	})

	a.engine = ranking.New(a.store, a.metrics, ranking.Config{
		PopularityAlpha: cfg.Ranking.PopularityAlpha,
		FreshnessRate:   cfg.Ranking.FreshnessRate,
		FreshnessCap:    cfg.Ranking.FreshnessCap,
		DiversityCount:  cfg.Ranking.DiversityCount,
	})

	probes := health.New(health.DatabaseChecker(a.store))

	api := httpapi.New(a.store, a.queue, a.profiles, a.engine, probes, a.metrics, nil, httpapi.Config{
		WebhookSecret: cfg.Server.WebhookSecret,
		AllowOrigins:  cfg.Server.AllowOrigins,
		MaxImageBytes: cfg.Server.MaxImageBytes,
	})

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// Run starts the embedding queue worker and serves HTTP until ctx is
// cancelled or the server fails. On cancellation it returns context.Canceled
// after the listener has stopped accepting.
func (a *App) Run(ctx context.Context) error {
	a.queue.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", a.server.Addr)
		errCh <- a.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown drains the HTTP server, waits for the queue worker to exit, and
// runs the closers in order. Safe to call more than once; only the first
// call does anything.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		drainCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(drainCtx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}

		// The worker stops via the Run context; wait for it so no embedding
		// write races the pool closing.
		select {
		case <-a.queue.Done():
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded waiting for queue worker")
			shutdownErr = ctx.Err()
			return
		}

		for i, closer := range a.closers {
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
