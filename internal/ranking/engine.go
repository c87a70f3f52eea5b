// Package ranking produces paginated, deduplicated, diversity-adjusted feed
// orderings.
//
// The engine blends three signals for users with a preference vector: cosine
// distance to the user vector, a capped freshness penalty, and a logarithmic
// popularity bonus. Users without a vector get the cold-start path: the most
// popular-then-recent posts, shuffled after selection so that popularity
// decides which posts appear while presentation order stays randomized.
//
// Pagination is a plain non-negative offset cursor. The next cursor is
// cursor+limit exactly when the final merged page reached the full limit;
// anything shorter signals exhaustion.
package ranking

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/locustsocial/locustfeed/internal/observe"
	"github.com/locustsocial/locustfeed/internal/store/postgres"
)

const (
	minLimit = 1
	maxLimit = 200
)

// Catalog is the read-only store surface the engine ranks over.
// *postgres.Store satisfies it.
type Catalog interface {
	// UserVector returns the user's preference vector, or nil when absent.
	UserVector(ctx context.Context, uid string) ([]float32, error)

	// RankedBySimilarity returns external ids ordered by blended score.
	RankedBySimilarity(ctx context.Context, vec []float32, p postgres.RankParams) ([]string, error)

	// PopularRecent returns external ids by like count, then recency.
	PopularRecent(ctx context.Context, limit, offset int) ([]string, error)

	// PopularPool returns the n most-liked external ids for diversity
	// sampling.
	PopularPool(ctx context.Context, n int) ([]string, error)
}

// Config holds the engine's scoring constants.
type Config struct {
	// PopularityAlpha scales the like-count bonus. Default: 0.3.
	PopularityAlpha float64

	// FreshnessRate is the per-hour age penalty. Default: 0.002.
	FreshnessRate float64

	// FreshnessCap bounds the total age penalty. Default: 0.15.
	FreshnessCap float64

	// DiversityCount is the maximum number of popular picks injected in
	// front of a personalized page. Default: 5.
	DiversityCount int
}

// Engine ranks the feed. It is read-only over the catalog and safe for
// concurrent use.
type Engine struct {
	catalog Catalog
	metrics *observe.Metrics
	cfg     Config
}

// New creates an Engine. Zero-value config fields get defaults.
func New(catalog Catalog, metrics *observe.Metrics, cfg Config) *Engine {
	if cfg.PopularityAlpha == 0 {
		cfg.PopularityAlpha = 0.3
	}
	if cfg.FreshnessRate == 0 {
		cfg.FreshnessRate = 0.002
	}
	if cfg.FreshnessCap == 0 {
		cfg.FreshnessCap = 0.15
	}
	if cfg.DiversityCount <= 0 {
		cfg.DiversityCount = 5
	}
	return &Engine{catalog: catalog, metrics: metrics, cfg: cfg}
}

// Rank returns up to limit external post ids for the user starting at the
// offset cursor, plus the next cursor or nil when the feed is exhausted.
// limit is clamped to [1, 200]; negative cursors are treated as zero.
func (e *Engine) Rank(ctx context.Context, uid string, limit, cursor int) ([]string, *int, error) {
	limit = min(max(limit, minLimit), maxLimit)
	cursor = max(cursor, 0)

	start := time.Now()

	vec, err := e.catalog.UserVector(ctx, uid)
	if err != nil {
		return nil, nil, fmt.Errorf("ranking: load user vector: %w", err)
	}

	var (
		ids  []string
		path string
	)
	if vec == nil {
		path = "cold_start"
		ids, err = e.coldStart(ctx, limit, cursor)
	} else {
		path = "personalized"
		ids, err = e.personalized(ctx, vec, limit, cursor)
	}
	if err != nil {
		return nil, nil, err
	}

	e.metrics.RankDuration.Record(ctx, time.Since(start).Seconds(),
		observe.WithAttr("path", path))

	var next *int
	if len(ids) == limit {
		n := cursor + limit
		next = &n
	}
	return ids, next, nil
}

// coldStart selects the most popular-then-recent posts at the offset and
// shuffles them. Selection order decides which posts appear; presentation
// order is randomized.
func (e *Engine) coldStart(ctx context.Context, limit, cursor int) ([]string, error) {
	ids, err := e.catalog.PopularRecent(ctx, limit, cursor)
	if err != nil {
		return nil, fmt.Errorf("ranking: cold start: %w", err)
	}
	rand.Shuffle(len(ids), func(i, j int) {
		ids[i], ids[j] = ids[j], ids[i]
	})
	return ids, nil
}

// personalized scores embedded posts against the user vector, injects
// diversity picks in front, and tops up from the popularity ordering.
func (e *Engine) personalized(ctx context.Context, vec []float32, limit, cursor int) ([]string, error) {
	ranked, err := e.catalog.RankedBySimilarity(ctx, vec, postgres.RankParams{
		PopularityAlpha: e.cfg.PopularityAlpha,
		FreshnessRate:   e.cfg.FreshnessRate,
		FreshnessCap:    e.cfg.FreshnessCap,
		Limit:           limit,
		Offset:          cursor,
	})
	if err != nil {
		return nil, fmt.Errorf("ranking: similarity query: %w", err)
	}

	picks, err := e.diversityPicks(ctx, ranked, limit)
	if err != nil {
		return nil, err
	}

	// Diversity picks go in front; the similarity ranking follows,
	// deduplicated, truncated to the page size.
	final := make([]string, 0, limit)
	seen := make(map[string]bool, limit)
	for _, id := range picks {
		final = append(final, id)
		seen[id] = true
	}
	for _, id := range ranked {
		if len(final) == limit {
			break
		}
		if !seen[id] {
			final = append(final, id)
			seen[id] = true
		}
	}

	// Top-up near the end of the corpus: fill the page from the popularity
	// ordering at the same offset, so successive short pages draw from
	// successive popularity ranges instead of repeating the global top.
	if len(final) < limit {
		extra, err := e.catalog.PopularRecent(ctx, 2*limit, cursor)
		if err != nil {
			return nil, fmt.Errorf("ranking: top-up: %w", err)
		}
		for _, id := range extra {
			if len(final) == limit {
				break
			}
			if !seen[id] {
				final = append(final, id)
				seen[id] = true
			}
		}
	}
	return final, nil
}

// diversityPicks draws up to min(DiversityCount, limit) ids from a shuffled
// slice of the most-liked posts, skipping anything already in the similarity
// ranking.
func (e *Engine) diversityPicks(ctx context.Context, ranked []string, limit int) ([]string, error) {
	want := min(e.cfg.DiversityCount, limit)
	if want == 0 {
		return nil, nil
	}

	pool, err := e.catalog.PopularPool(ctx, 3*limit)
	if err != nil {
		return nil, fmt.Errorf("ranking: diversity pool: %w", err)
	}
	rand.Shuffle(len(pool), func(i, j int) {
		pool[i], pool[j] = pool[j], pool[i]
	})

	inRanked := make(map[string]bool, len(ranked))
	for _, id := range ranked {
		inRanked[id] = true
	}

	var picks []string
	for _, id := range pool {
		if len(picks) == want {
			break
		}
		if !inRanked[id] {
			picks = append(picks, id)
		}
	}
	return picks, nil
}
