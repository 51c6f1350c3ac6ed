// Package embeddings defines the Provider interface for the vector models
// that back scene-note recall.
//
// Retrieval is asymmetric: enrichment notes are embedded once as documents
// when they are written, and player or tool questions are embedded as queries
// at recall time. Some models (nomic-embed-text, mxbai-embed-large) expect a
// different task prefix for each side; providers apply it internally so
// callers never format prompts for a specific model.
//
// Implementations must be safe for concurrent use.
package embeddings

import (
	"context"
	"fmt"
)

// Provider turns text into dense vectors of a fixed length.
type Provider interface {
	// EmbedDocuments embeds texts that will be stored and searched later. The
	// result has one vector per input, in input order. An empty input returns
	// (nil, nil) without a network call.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery embeds a search query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimensions is the vector length. It must match the note index column.
	Dimensions() int

	// ModelID identifies the model for logs and metrics.
	ModelID() string
}

// CheckDimensions returns an error when p produces vectors of a different
// length than the storage column expects.
func CheckDimensions(p Provider, want int) error {
	if got := p.Dimensions(); got != want {
		return fmt.Errorf("embeddings: model %q produces %d dimensions, note index expects %d", p.ModelID(), got, want)
	}
	return nil
}
