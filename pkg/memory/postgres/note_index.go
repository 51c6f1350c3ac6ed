package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/lorekeeper/pkg/memory"
)

// NoteIndexImpl is the scene note index backed by the scene_notes table with
// a pgvector HNSW index for approximate nearest-neighbour search.
//
// Obtain one via [Store.Notes] rather than constructing directly.
// All methods are safe for concurrent use.
type NoteIndexImpl struct {
	pool *pgxpool.Pool
}

// IndexNote implements [memory.NoteIndex].
func (n *NoteIndexImpl) IndexNote(ctx context.Context, player, room string, note memory.Note, embedding []float32) error {
	const q = `
		INSERT INTO scene_notes (player, room, turn, text, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := n.pool.Exec(ctx, q,
		player,
		room,
		note.Turn,
		note.Text,
		pgvector.NewVector(embedding),
		note.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("note index: index note: %w", err)
	}
	return nil
}

// SearchNotes implements [memory.NoteIndex]. Results are ordered by ascending
// cosine distance (most similar first).
func (n *NoteIndexImpl) SearchNotes(ctx context.Context, player string, embedding []float32, topK int) ([]memory.NoteMatch, error) {
	const q = `
		SELECT room, turn, text, created_at, embedding <=> $1 AS distance
		FROM   scene_notes
		WHERE  player = $2
		ORDER  BY distance
		LIMIT  $3`

	rows, err := n.pool.Query(ctx, q, pgvector.NewVector(embedding), player, topK)
	if err != nil {
		return nil, fmt.Errorf("note index: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.NoteMatch, error) {
		var m memory.NoteMatch
		if err := row.Scan(&m.Room, &m.Note.Turn, &m.Note.Text, &m.Note.CreatedAt, &m.Distance); err != nil {
			return memory.NoteMatch{}, err
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("note index: scan rows: %w", err)
	}
	if results == nil {
		results = []memory.NoteMatch{}
	}
	return results, nil
}

// ResetNotes implements [memory.NoteIndex].
func (n *NoteIndexImpl) ResetNotes(ctx context.Context, player string) error {
	if _, err := n.pool.Exec(ctx, `DELETE FROM scene_notes WHERE player = $1`, player); err != nil {
		return fmt.Errorf("note index: reset: %w", err)
	}
	return nil
}
