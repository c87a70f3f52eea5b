package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/locustsocial/locustfeed/pkg/provider/embeddings"
)

// ErrAllProvidersFailed is returned when every embedding backend in an
// [EmbedFallback] fails or has an open circuit breaker.
var ErrAllProvidersFailed = errors.New("all embedding providers failed")

// embedEntry pairs an embedding provider with its dedicated circuit breaker.
type embedEntry struct {
	name     string
	provider embeddings.Provider
	breaker  *CircuitBreaker
}

// EmbedFallback implements [embeddings.Provider] with automatic failover
// across embedding backends. Each backend has its own circuit breaker; when
// the primary is unavailable or its breaker is open, the next healthy fallback
// is tried in registration order.
//
// Failover only happens on availability errors. [embeddings.ErrInvalidInput]
// and [embeddings.ErrProviderRejected] describe the request itself, so they
// abort immediately and do not count against any backend's health.
//
// Dimensions and ModelID always reflect the primary. A fallback that returns
// vectors of a different width would corrupt the vector store, so callers are
// expected to configure fallbacks with a matching output dimension.
type EmbedFallback struct {
	entries []embedEntry
	cbCfg   CircuitBreakerConfig
}

// Compile-time interface assertion.
var _ embeddings.Provider = (*EmbedFallback)(nil)

// isAvailabilityFailure reports whether err indicates backend trouble rather
// than a problem with the request itself.
func isAvailabilityFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, embeddings.ErrInvalidInput) || errors.Is(err, embeddings.ErrProviderRejected) {
		return false
	}
	return true
}

// NewEmbedFallback creates an [EmbedFallback] with primary as the preferred
// backend. Additional fallbacks are registered via
// [EmbedFallback.AddFallback].
func NewEmbedFallback(primary embeddings.Provider, primaryName string, cbCfg CircuitBreakerConfig) *EmbedFallback {
	cbCfg.IsFailure = isAvailabilityFailure
	f := &EmbedFallback{cbCfg: cbCfg}
	f.add(primaryName, primary)
	return f
}

// AddFallback registers an additional embedding provider. Fallbacks are tried
// in the order they are added, after the primary.
func (f *EmbedFallback) AddFallback(name string, provider embeddings.Provider) {
	f.add(name, provider)
}

func (f *EmbedFallback) add(name string, provider embeddings.Provider) {
	cbCfg := f.cbCfg
	cbCfg.Name = name
	f.entries = append(f.entries, embedEntry{
		name:     name,
		provider: provider,
		breaker:  NewCircuitBreaker(cbCfg),
	})
}

// Embed sends the request to the first healthy backend and returns its result.
// If the primary is unavailable, fallbacks are tried in order. Returns
// [ErrAllProvidersFailed] wrapping the last error when every backend fails.
func (f *EmbedFallback) Embed(ctx context.Context, req embeddings.Request) (embeddings.Result, error) {
	var lastErr error
	for i := range f.entries {
		entry := &f.entries[i]
		var result embeddings.Result
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = entry.provider.Embed(ctx, req)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		if !isAvailabilityFailure(err) && !errors.Is(err, ErrCircuitOpen) {
			// The request itself is bad; no backend will accept it.
			return embeddings.Result{}, err
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping embedding provider (circuit open)",
				"provider", entry.name)
		} else {
			slog.Warn("embedding provider failed, trying next",
				"provider", entry.name, "error", err)
		}
	}
	return embeddings.Result{}, fmt.Errorf("%w: %v", ErrAllProvidersFailed, lastErr)
}

// Dimensions returns the primary backend's output dimensionality.
func (f *EmbedFallback) Dimensions() int {
	return f.entries[0].provider.Dimensions()
}

// ModelID returns the primary backend's model identifier.
func (f *EmbedFallback) ModelID() string {
	return f.entries[0].provider.ModelID()
}
