package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/lorekeeper/pkg/memory"
	"github.com/MrWong99/lorekeeper/pkg/provider/embeddings"
)

// DefaultRecallLimit is the number of matches Recall returns when topK is
// not positive.
const DefaultRecallLimit = 5

// NoteRecall embeds enrichment notes as they are written and searches them
// by similarity. Notes stay advisory: recall results are never written back
// into scenes.
type NoteRecall struct {
	index    memory.NoteIndex
	embedder embeddings.Provider
}

// NewNoteRecall creates a [NoteRecall] storing vectors from embedder in
// index.
func NewNoteRecall(index memory.NoteIndex, embedder embeddings.Provider) *NoteRecall {
	return &NoteRecall{index: index, embedder: embedder}
}

// Embed returns the document vector of a note about room. The room name is
// part of the embedded text so that questions naming the place match.
func (r *NoteRecall) Embed(ctx context.Context, room, text string) ([]float32, error) {
	vecs, err := r.embedder.EmbedDocuments(ctx, []string{room + ": " + text})
	if err != nil {
		return nil, fmt.Errorf("recall: embed note: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("recall: embed note: got %d vectors, want 1", len(vecs))
	}
	return vecs[0], nil
}

// Index stores a note vector produced by [NoteRecall.Embed].
func (r *NoteRecall) Index(ctx context.Context, player, room string, note memory.Note, vec []float32) error {
	if err := r.index.IndexNote(ctx, player, room, note, vec); err != nil {
		return fmt.Errorf("recall: index note: %w", err)
	}
	return nil
}

// Recall returns up to topK notes of player most similar to query.
func (r *NoteRecall) Recall(ctx context.Context, player, query string, topK int) ([]memory.NoteMatch, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("recall: empty query")
	}
	if topK <= 0 {
		topK = DefaultRecallLimit
	}
	vec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("recall: embed query: %w", err)
	}
	matches, err := r.index.SearchNotes(ctx, player, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("recall: search: %w", err)
	}
	return matches, nil
}
