package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"
)

// Post is a content item as stored in the posts table. The embedding is
// managed separately via [Store.SetPostEmbedding] and is not part of this
// struct: ingestion writes rows with a null embedding, and the queue worker
// fills it in later.
type Post struct {
	ID         int64
	ExternalID string // optional correlation id; empty means none
	Title      string
	Body       string
	CreatedAt  time.Time
}

// likesJoin aggregates like counts per post. Shared by the ranking queries.
const likesJoin = `
	LEFT JOIN (
	    SELECT post_id, COUNT(*) AS likes
	    FROM   user_events
	    WHERE  etype = 'like'
	    GROUP  BY post_id
	) l ON l.post_id = p.id`

// UpsertPost inserts p, or, when a post with the same external id already
// exists, replaces its title and body and clears the stored embedding so the
// post is re-embedded. Returns the internal post id.
func (s *Store) UpsertPost(ctx context.Context, p Post) (int64, error) {
	var (
		id  int64
		err error
	)
	if p.ExternalID == "" {
		// No correlation id, plain insert.
		err = s.pool.QueryRow(ctx, `
			INSERT INTO posts (title, body)
			VALUES ($1, $2)
			RETURNING id`,
			p.Title, p.Body,
		).Scan(&id)
	} else {
		err = s.pool.QueryRow(ctx, `
			INSERT INTO posts (external_id, title, body)
			VALUES ($1, $2, $3)
			ON CONFLICT (external_id) DO UPDATE SET
			    title             = EXCLUDED.title,
			    body              = EXCLUDED.body,
			    embedding         = NULL,
			    embedding_model   = '',
			    embedding_version = 0
			RETURNING id`,
			p.ExternalID, p.Title, p.Body,
		).Scan(&id)
	}
	if err != nil {
		return 0, fmt.Errorf("postgres store: upsert post: %w", err)
	}
	return id, nil
}

// SetPostEmbedding stores the embedding for the given post together with the
// (model, version) pair that produced it.
func (s *Store) SetPostEmbedding(ctx context.Context, id int64, vec []float32, model string, version int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE posts
		SET    embedding = $2, embedding_model = $3, embedding_version = $4
		WHERE  id = $1`,
		id, pgvector.NewVector(vec), model, version,
	)
	if err != nil {
		return fmt.Errorf("postgres store: set post embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: set post embedding: post %d: %w", id, ErrNotFound)
	}
	return nil
}

// ResolvePostID maps an external correlation id to the internal post id.
// Returns [ErrNotFound] when no such post exists.
func (s *Store) ResolvePostID(ctx context.Context, externalID string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM posts WHERE external_id = $1`, externalID,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("postgres store: resolve post %q: %w", externalID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("postgres store: resolve post: %w", err)
	}
	return id, nil
}

// PostExists reports whether a post with the given internal id exists.
func (s *Store) PostExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM posts WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres store: post exists: %w", err)
	}
	return exists, nil
}

// RankParams holds the tuning constants for [Store.RankedBySimilarity].
type RankParams struct {
	// PopularityAlpha scales the like-count bonus (subtracted from the score).
	PopularityAlpha float64

	// FreshnessRate is the per-hour age penalty added to the score.
	FreshnessRate float64

	// FreshnessCap bounds the total age penalty.
	FreshnessCap float64

	Limit  int
	Offset int
}

// RankedBySimilarity returns external ids of embedded posts ordered by the
// blended score
//
//	cosine_distance + min(cap, hours_age * rate) - alpha * ln(1 + likes)
//
// ascending, so the best match comes first. Only posts with both an embedding
// and an external id participate.
func (s *Store) RankedBySimilarity(ctx context.Context, vec []float32, p RankParams) ([]string, error) {
	q := fmt.Sprintf(`
		SELECT p.external_id
		FROM   posts p
		%s
		WHERE  p.embedding IS NOT NULL
		  AND  p.external_id IS NOT NULL
		ORDER  BY (p.embedding <=> $1)
		       + LEAST($4::float8, GREATEST(0, EXTRACT(EPOCH FROM (now() - p.created_at)) / 3600.0 * $3::float8))
		       - $2::float8 * LN(1 + COALESCE(l.likes, 0))
		LIMIT  $5 OFFSET $6`, likesJoin)

	rows, err := s.pool.Query(ctx, q,
		pgvector.NewVector(vec), p.PopularityAlpha, p.FreshnessRate, p.FreshnessCap,
		p.Limit, p.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres store: ranked by similarity: %w", err)
	}
	return collectIDs(rows)
}

// PopularRecent returns external ids ordered by like count descending, then
// creation time descending. Used for the cold-start path and ranked top-up.
// Eligibility matches [Store.RankedBySimilarity]: only posts with both an
// embedding and an external id appear, so items whose embedding job failed
// stay out of every feed path.
func (s *Store) PopularRecent(ctx context.Context, limit, offset int) ([]string, error) {
	q := fmt.Sprintf(`
		SELECT p.external_id
		FROM   posts p
		%s
		WHERE  p.embedding IS NOT NULL
		  AND  p.external_id IS NOT NULL
		ORDER  BY COALESCE(l.likes, 0) DESC, p.created_at DESC
		LIMIT  $1 OFFSET $2`, likesJoin)

	rows, err := s.pool.Query(ctx, q, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("postgres store: popular recent: %w", err)
	}
	return collectIDs(rows)
}

// PopularPool returns the n most-liked external ids. Callers shuffle and
// sample from the result, so ordering beyond the like count does not matter.
func (s *Store) PopularPool(ctx context.Context, n int) ([]string, error) {
	return s.PopularRecent(ctx, n, 0)
}

// collectIDs drains rows into a non-nil string slice.
func collectIDs(rows pgx.Rows) ([]string, error) {
	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (string, error) {
		var id string
		err := row.Scan(&id)
		return id, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan ids: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}
