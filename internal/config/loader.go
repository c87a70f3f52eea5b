package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the known embedding provider implementations.
var ValidProviderNames = []string{"cohere", "openai"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values, fills defaults
// for absent ones, and returns a joined error listing all failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxImageBytes == 0 {
		cfg.Server.MaxImageBytes = DefaultMaxImageBytes
	} else if cfg.Server.MaxImageBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_image_bytes %d must be positive", cfg.Server.MaxImageBytes))
	}

	// Database
	if cfg.Database.PostgresDSN == "" {
		errs = append(errs, errors.New("database.postgres_dsn is required"))
	}
	if cfg.Database.EmbeddingDimensions == 0 {
		cfg.Database.EmbeddingDimensions = DefaultDimensions
	} else if cfg.Database.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("database.embedding_dimensions %d must be positive", cfg.Database.EmbeddingDimensions))
	}

	// Embedding providers
	errs = append(errs, validateProvider("embedding.primary", &cfg.Embedding.Primary, true)...)
	if cfg.Embedding.Fallback != nil {
		errs = append(errs, validateProvider("embedding.fallback", cfg.Embedding.Fallback, false)...)
	}
	if cfg.Embedding.QueueCapacity == 0 {
		cfg.Embedding.QueueCapacity = DefaultQueueCapacity
	} else if cfg.Embedding.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("embedding.queue_capacity %d must be positive", cfg.Embedding.QueueCapacity))
	}
	if cfg.Embedding.QueueQPS == 0 {
		cfg.Embedding.QueueQPS = DefaultQueueQPS
	} else if cfg.Embedding.QueueQPS < 0 {
		errs = append(errs, fmt.Errorf("embedding.queue_qps %v must be positive", cfg.Embedding.QueueQPS))
	}
	if cfg.Embedding.ModelVersion == 0 {
		cfg.Embedding.ModelVersion = 1
	}

	// Profile
	if cfg.Profile.RecentEvents == 0 {
		cfg.Profile.RecentEvents = DefaultRecentEvents
	} else if cfg.Profile.RecentEvents < 0 {
		errs = append(errs, fmt.Errorf("profile.recent_events %d must be positive", cfg.Profile.RecentEvents))
	}
	if cfg.Profile.RecomputeStride == 0 {
		cfg.Profile.RecomputeStride = DefaultRecomputeStride
	} else if cfg.Profile.RecomputeStride < 1 {
		errs = append(errs, fmt.Errorf("profile.recompute_stride %d must be at least 1", cfg.Profile.RecomputeStride))
	}

	// Ranking
	if cfg.Ranking.PopularityAlpha == 0 {
		cfg.Ranking.PopularityAlpha = DefaultPopularityAlpha
	}
	if cfg.Ranking.FreshnessRate == 0 {
		cfg.Ranking.FreshnessRate = DefaultFreshnessRate
	}
	if cfg.Ranking.FreshnessCap == 0 {
		cfg.Ranking.FreshnessCap = DefaultFreshnessCap
	}
	if cfg.Ranking.DiversityCount == 0 {
		cfg.Ranking.DiversityCount = DefaultDiversityCount
	} else if cfg.Ranking.DiversityCount < 0 {
		errs = append(errs, fmt.Errorf("ranking.diversity_count %d must be positive", cfg.Ranking.DiversityCount))
	}

	return errors.Join(errs...)
}

// validateProvider checks one provider entry. required distinguishes the
// primary (mandatory) from the optional fallback.
func validateProvider(prefix string, e *ProviderEntry, required bool) []error {
	var errs []error
	if e.Name == "" {
		if required {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		return errs
	}
	if !slices.Contains(ValidProviderNames, e.Name) {
		errs = append(errs, fmt.Errorf("%s.name %q is unknown; valid values: %v", prefix, e.Name, ValidProviderNames))
	}
	if e.APIKey == "" {
		errs = append(errs, fmt.Errorf("%s.api_key is required", prefix))
	}
	if e.Timeout < 0 {
		errs = append(errs, fmt.Errorf("%s.timeout must not be negative", prefix))
	}
	return errs
}
