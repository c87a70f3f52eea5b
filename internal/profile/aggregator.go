// Package profile computes and maintains per-user preference vectors from
// weighted interaction history.
//
// The aggregation algorithm: fetch the user's k most recent events joined to
// posts that have embeddings, L2-normalize each post vector independently (so
// a single large-magnitude vector cannot dominate), scale by the event
// weight, sum elementwise, and unit-normalize the result. A user with zero
// eligible events gets a distinct no-data result, never a zero vector.
//
// Recompute runs on two triggers with different policies: a forced recompute
// (user-initiated refresh) always runs and surfaces
// [ErrNoEligibleEvents]; a conditional recompute (after each new event) only
// runs when the user's lifetime event count is an exact multiple of the
// configured stride, and silently skips otherwise. Staleness of up to
// stride-1 events is the accepted trade-off.
package profile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/locustsocial/locustfeed/internal/observe"
	"github.com/locustsocial/locustfeed/internal/store/postgres"
)

// ErrNoEligibleEvents is returned by a forced recompute when the user has no
// events against embedded posts.
var ErrNoEligibleEvents = errors.New("profile: no eligible events")

// Store is the subset of the durable store the aggregator needs.
// *postgres.Store satisfies it.
type Store interface {
	RecentEventVectors(ctx context.Context, uid string, k int) ([]postgres.EventVector, error)
	CountEvents(ctx context.Context, uid string) (int64, error)
	UpsertUserVector(ctx context.Context, uid string, vec []float32, examples int, model string) error
}

// Config holds the aggregator's tuning parameters.
type Config struct {
	// RecentEvents is k, the number of most recent events considered.
	// Default: 30.
	RecentEvents int

	// RecomputeStride triggers a conditional recompute only when the lifetime
	// event count is a multiple of this value. Default: 5.
	RecomputeStride int

	// Model is recorded alongside stored vectors.
	Model string
}

// Aggregator owns all writes to user preference vectors. Concurrent
// recomputes for the same user are collapsed into a single computation; the
// result is last-write-wins at the store level.
type Aggregator struct {
	store   Store
	metrics *observe.Metrics
	cfg     Config

	sf singleflight.Group
}

// New creates an Aggregator. Zero-value config fields get defaults.
func New(store Store, metrics *observe.Metrics, cfg Config) *Aggregator {
	if cfg.RecentEvents <= 0 {
		cfg.RecentEvents = 30
	}
	if cfg.RecomputeStride <= 0 {
		cfg.RecomputeStride = 5
	}
	return &Aggregator{store: store, metrics: metrics, cfg: cfg}
}

// Recompute forces a preference vector recompute for the user. Returns
// [ErrNoEligibleEvents] when the user has no events against embedded posts.
func (a *Aggregator) Recompute(ctx context.Context, uid string) error {
	_, err, _ := a.sf.Do(uid, func() (any, error) {
		return nil, a.recompute(ctx, uid)
	})
	return err
}

// MaybeRecompute runs the conditional recompute policy after a new event:
// it recomputes only when the user's lifetime event count is an exact
// multiple of the stride. A user without eligible events is skipped silently;
// this path never surfaces [ErrNoEligibleEvents].
func (a *Aggregator) MaybeRecompute(ctx context.Context, uid string) error {
	count, err := a.store.CountEvents(ctx, uid)
	if err != nil {
		return fmt.Errorf("profile: count events: %w", err)
	}
	if count == 0 || count%int64(a.cfg.RecomputeStride) != 0 {
		return nil
	}
	if err := a.Recompute(ctx, uid); err != nil {
		if errors.Is(err, ErrNoEligibleEvents) {
			return nil
		}
		return err
	}
	return nil
}

func (a *Aggregator) recompute(ctx context.Context, uid string) error {
	start := time.Now()

	evs, err := a.store.RecentEventVectors(ctx, uid, a.cfg.RecentEvents)
	if err != nil {
		return fmt.Errorf("profile: fetch events: %w", err)
	}

	vec, contributing, err := weightedAverage(evs)
	if err != nil {
		return fmt.Errorf("profile: user %s: %w", uid, err)
	}

	if err := a.store.UpsertUserVector(ctx, uid, vec, contributing, a.cfg.Model); err != nil {
		return fmt.Errorf("profile: persist vector: %w", err)
	}

	a.metrics.ProfileRecomputeDuration.Record(ctx, time.Since(start).Seconds())
	observe.Logger(ctx).Info("recomputed preference vector",
		"uid", uid, "events", contributing)
	return nil
}

// weightedAverage computes the unit-normalized weighted sum of the event
// vectors. Each vector is row-normalized before weighting. Zero-magnitude
// vectors (degraded embeddings) are skipped; if nothing remains, or the sum
// itself has zero magnitude, the result is [ErrNoEligibleEvents]. The second
// return value is the number of contributing rows.
func weightedAverage(evs []postgres.EventVector) ([]float32, int, error) {
	if len(evs) == 0 {
		return nil, 0, ErrNoEligibleEvents
	}

	var (
		sum          []float64
		contributing int
	)
	for _, ev := range evs {
		norm := l2(ev.Vector)
		if norm == 0 {
			continue
		}
		if sum == nil {
			sum = make([]float64, len(ev.Vector))
		}
		scale := ev.Weight / norm
		for i, v := range ev.Vector {
			sum[i] += float64(v) * scale
		}
		contributing++
	}
	if contributing == 0 {
		return nil, 0, ErrNoEligibleEvents
	}

	var sumNorm float64
	for _, v := range sum {
		sumNorm += v * v
	}
	sumNorm = math.Sqrt(sumNorm)
	if sumNorm == 0 {
		return nil, 0, ErrNoEligibleEvents
	}

	out := make([]float32, len(sum))
	for i, v := range sum {
		out[i] = float32(v / sumNorm)
	}
	return out, contributing, nil
}

// l2 returns the Euclidean norm of v.
func l2(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}
