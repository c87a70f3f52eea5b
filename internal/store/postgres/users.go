package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"
)

// EventVector pairs an event's weight with the embedding of the post it
// refers to. Produced by [Store.RecentEventVectors] for profile aggregation.
type EventVector struct {
	Vector []float32
	Weight float64
}

// VectorMeta describes a stored user preference vector without exposing the
// vector itself.
type VectorMeta struct {
	ExamplesCount int
	Model         string
	UpdatedAt     time.Time
}

// EnsureUser creates the user row if it does not exist yet.
func (s *Store) EnsureUser(ctx context.Context, uid string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (uid) VALUES ($1)
		ON CONFLICT (uid) DO NOTHING`, uid)
	if err != nil {
		return fmt.Errorf("postgres store: ensure user: %w", err)
	}
	return nil
}

// InsertEvent appends one immutable interaction event. Events are never
// updated or deleted.
func (s *Store) InsertEvent(ctx context.Context, uid string, postID int64, etype string, weight float64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_events (uid, post_id, etype, weight)
		VALUES ($1, $2, $3, $4)`,
		uid, postID, etype, weight)
	if err != nil {
		return fmt.Errorf("postgres store: insert event: %w", err)
	}
	return nil
}

// CountEvents returns the user's lifetime event count. The stride-based
// recompute policy keys off this value.
func (s *Store) CountEvents(ctx context.Context, uid string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM user_events WHERE uid = $1`, uid,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres store: count events: %w", err)
	}
	return n, nil
}

// RecentEventVectors returns up to k of the user's most recent events joined
// against posts that have an embedding, newest first. Events whose post has
// no embedding yet are skipped entirely rather than contributing a zero
// vector.
func (s *Store) RecentEventVectors(ctx context.Context, uid string, k int) ([]EventVector, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.embedding, e.weight
		FROM   user_events e
		JOIN   posts p ON p.id = e.post_id
		WHERE  e.uid = $1
		  AND  p.embedding IS NOT NULL
		ORDER  BY e.created_at DESC, e.id DESC
		LIMIT  $2`,
		uid, k)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent event vectors: %w", err)
	}

	evs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (EventVector, error) {
		var (
			ev  EventVector
			vec pgvector.Vector
		)
		if err := row.Scan(&vec, &ev.Weight); err != nil {
			return EventVector{}, err
		}
		ev.Vector = vec.Slice()
		return ev, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan event vectors: %w", err)
	}
	return evs, nil
}

// UpsertUserVector stores the user's preference vector, replacing any
// previous one. examples is the number of events that contributed to the
// vector; it is recorded for observability and not used in ranking.
func (s *Store) UpsertUserVector(ctx context.Context, uid string, vec []float32, examples int, model string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_embeddings (uid, embedding, examples_count, model, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (uid) DO UPDATE SET
		    embedding      = EXCLUDED.embedding,
		    examples_count = EXCLUDED.examples_count,
		    model          = EXCLUDED.model,
		    updated_at     = now()`,
		uid, pgvector.NewVector(vec), examples, model)
	if err != nil {
		return fmt.Errorf("postgres store: upsert user vector: %w", err)
	}
	return nil
}

// UserVector returns the user's stored preference vector, or (nil, nil) when
// the user has no vector yet. Absence is a normal state (cold start), not an
// error.
func (s *Store) UserVector(ctx context.Context, uid string) ([]float32, error) {
	var vec pgvector.Vector
	err := s.pool.QueryRow(ctx,
		`SELECT embedding FROM user_embeddings WHERE uid = $1`, uid,
	).Scan(&vec)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: user vector: %w", err)
	}
	return vec.Slice(), nil
}

// UserVectorMeta returns metadata about the user's stored vector. Returns
// [ErrNotFound] when the user has no vector.
func (s *Store) UserVectorMeta(ctx context.Context, uid string) (VectorMeta, error) {
	var m VectorMeta
	err := s.pool.QueryRow(ctx, `
		SELECT examples_count, model, updated_at
		FROM   user_embeddings
		WHERE  uid = $1`, uid,
	).Scan(&m.ExamplesCount, &m.Model, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return VectorMeta{}, fmt.Errorf("postgres store: user vector meta %q: %w", uid, ErrNotFound)
	}
	if err != nil {
		return VectorMeta{}, fmt.Errorf("postgres store: user vector meta: %w", err)
	}
	return m, nil
}
