// Package postgres provides the PostgreSQL-backed durable store for
// Locustfeed: posts with pgvector embeddings, append-only user interaction
// events, and per-user preference vectors.
//
// All tables share a single [pgxpool.Pool]. The pgvector extension must be
// available in the target database; [Migrate] installs it automatically via
// CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer store.Close()
//
//	id, _ := store.UpsertPost(ctx, post)
//	_ = store.SetPostEmbedding(ctx, id, vec, "embed-v4.0", 1)
//	ids, _ := store.RankedBySimilarity(ctx, userVec, params)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlUsers creates the users and user_events tables. Events are append-only:
// nothing in this package updates or deletes a row once written.
const ddlUsers = `
CREATE TABLE IF NOT EXISTS users (
    uid         TEXT         PRIMARY KEY,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS user_events (
    id          BIGSERIAL    PRIMARY KEY,
    uid         TEXT         NOT NULL REFERENCES users (uid),
    post_id     BIGINT       NOT NULL,
    etype       TEXT         NOT NULL,
    weight      DOUBLE PRECISION NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_user_events_uid_created
    ON user_events (uid, created_at DESC, id DESC);

CREATE INDEX IF NOT EXISTS idx_user_events_post_etype
    ON user_events (post_id, etype);
`

// ddlPosts returns the posts and user_embeddings DDL with the embedding
// dimension substituted. The vector dimension is baked into the column type
// at schema creation time.
func ddlPosts(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS posts (
    id                 BIGSERIAL    PRIMARY KEY,
    external_id        TEXT         UNIQUE,
    title              TEXT         NOT NULL DEFAULT '',
    body               TEXT         NOT NULL DEFAULT '',
    embedding          vector(%[1]d),
    embedding_model    TEXT         NOT NULL DEFAULT '',
    embedding_version  INT          NOT NULL DEFAULT 0,
    created_at         TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_posts_created_at
    ON posts (created_at DESC);

CREATE INDEX IF NOT EXISTS idx_posts_embedding
    ON posts USING hnsw (embedding vector_cosine_ops);

CREATE TABLE IF NOT EXISTS user_embeddings (
    uid             TEXT         PRIMARY KEY REFERENCES users (uid),
    embedding       vector(%[1]d) NOT NULL,
    examples_count  INT          NOT NULL DEFAULT 0,
    model           TEXT         NOT NULL DEFAULT '',
    updated_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`, embeddingDimensions)
}

// Migrate creates or ensures all required tables, indexes, and extensions
// exist. It is idempotent and safe to call on every application start.
//
// embeddingDimensions must match the output dimension of the configured
// embedding model. Changing it after the first migration requires a manual
// schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlUsers,
		ddlPosts(embeddingDimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
