// Package postgres provides a PostgreSQL-backed [memory.DurableStore] and a
// pgvector-backed [memory.NoteIndex].
//
// Scenes are stored as JSONB documents keyed by (player, room); the session
// state is one JSONB row per player; audit events go to an append-only
// table. Enrichment notes are embedded and indexed with an HNSW cosine
// index for similarity recall.
//
// The pgvector extension must be available in the target database; [Migrate]
// installs it automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 768)
//	if err != nil { … }
//
//	_ = store.SaveScene(ctx, "alice", scene)
//	cp, found, _ := store.Load(ctx, "alice")
//
//	matches, _ := store.Notes().SearchNotes(ctx, "alice", queryVec, 5)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL — scene memory
// ─────────────────────────────────────────────────────────────────────────────

const ddlScenes = `
CREATE TABLE IF NOT EXISTS memory_scenes (
    player      TEXT         NOT NULL,
    room        TEXT         NOT NULL,
    data        JSONB        NOT NULL,
    last_turn   INTEGER      NOT NULL DEFAULT 0,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (player, room)
);

CREATE TABLE IF NOT EXISTS memory_state (
    player      TEXT         PRIMARY KEY,
    data        JSONB        NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlEvents = `
CREATE TABLE IF NOT EXISTS memory_events (
    id          BIGSERIAL    PRIMARY KEY,
    player      TEXT         NOT NULL,
    seq         BIGINT       NOT NULL,
    type        TEXT         NOT NULL,
    turn        INTEGER      NOT NULL,
    payload     JSONB        NOT NULL DEFAULT '{}',
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_memory_events_player_seq
    ON memory_events (player, seq);

CREATE INDEX IF NOT EXISTS idx_memory_events_type
    ON memory_events (type);
`

// ddlNotes returns the note index DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlNotes(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS scene_notes (
    id          BIGSERIAL    PRIMARY KEY,
    player      TEXT         NOT NULL,
    room        TEXT         NOT NULL,
    turn        INTEGER      NOT NULL,
    text        TEXT         NOT NULL,
    embedding   vector(%d),
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_scene_notes_player
    ON scene_notes (player);

CREATE INDEX IF NOT EXISTS idx_scene_notes_embedding
    ON scene_notes USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required database tables and extensions exist.
// It is idempotent and safe to call on every application start.
//
// embeddingDimensions must match the embedding model configured for note
// recall (e.g. 768 for nomic-embed-text). Changing it after the first
// migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlScenes,
		ddlEvents,
		ddlNotes(embeddingDimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
