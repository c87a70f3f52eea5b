// Command locustfeed is the personalized feed server: post ingestion with
// asynchronous embedding, interaction tracking, and blended
// similarity/popularity/freshness ranking.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/locustsocial/locustfeed/internal/app"
	"github.com/locustsocial/locustfeed/internal/config"
	"github.com/locustsocial/locustfeed/internal/observe"
	"github.com/locustsocial/locustfeed/internal/resilience"
	"github.com/locustsocial/locustfeed/pkg/provider/embeddings"
	"github.com/locustsocial/locustfeed/pkg/provider/embeddings/cohere"
	"github.com/locustsocial/locustfeed/pkg/provider/embeddings/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ─────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "locustfeed: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "locustfeed: %v\n", err)
		}
		return 1
	}

	// ── Logger ─────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	slog.Info("locustfeed starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ─────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ──────────────────────────────────────────────────────────
	telemetryShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "locustfeed",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Embedding provider chain ───────────────────────────────────────────
	embedder, err := buildEmbedder(cfg)
	if err != nil {
		slog.Error("failed to build embedding provider", "err", err)
		return 1
	}

	// ── Application ────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, embedder)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ──────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildEmbedder constructs the configured primary embedding provider and, if
// a fallback is configured, wraps both in a circuit-breaking failover chain.
func buildEmbedder(cfg *config.Config) (embeddings.Provider, error) {
	primary, err := buildProvider(cfg.Embedding.Primary, cfg.Database.EmbeddingDimensions)
	if err != nil {
		return nil, fmt.Errorf("primary: %w", err)
	}
	slog.Info("embedding provider created",
		"role", "primary", "name", cfg.Embedding.Primary.Name, "model", primary.ModelID())

	if cfg.Embedding.Fallback == nil {
		return primary, nil
	}

	fallback, err := buildProvider(*cfg.Embedding.Fallback, cfg.Database.EmbeddingDimensions)
	if err != nil {
		return nil, fmt.Errorf("fallback: %w", err)
	}
	slog.Info("embedding provider created",
		"role", "fallback", "name", cfg.Embedding.Fallback.Name, "model", fallback.ModelID())

	chain := resilience.NewEmbedFallback(primary, cfg.Embedding.Primary.Name,
		resilience.CircuitBreakerConfig{})
	chain.AddFallback(cfg.Embedding.Fallback.Name, fallback)
	return chain, nil
}

// buildProvider instantiates one embedding backend from its config entry.
func buildProvider(entry config.ProviderEntry, dims int) (embeddings.Provider, error) {
	switch entry.Name {
	case "cohere":
		opts := []cohere.Option{cohere.WithDimensions(dims)}
		if entry.BaseURL != "" {
			opts = append(opts, cohere.WithBaseURL(entry.BaseURL))
		}
		if entry.Timeout > 0 {
			opts = append(opts, cohere.WithTimeout(entry.Timeout))
		}
		return cohere.New(entry.APIKey, entry.Model, opts...)

	case "openai":
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if entry.Timeout > 0 {
			opts = append(opts, openai.WithTimeout(entry.Timeout))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)

	default:
		return nil, fmt.Errorf("unknown embedding provider %q", entry.Name)
	}
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
