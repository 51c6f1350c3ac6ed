// Package mock provides a test double for the embeddings.Provider interface.
//
// When no canned result is set, the mock derives a deterministic vector from
// each input so that equal texts embed equally and different texts usually
// differ.
package mock

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/MrWong99/lorekeeper/pkg/provider/embeddings"
)

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// DocumentsResult, if non-nil, is returned by EmbedDocuments.
	DocumentsResult [][]float32

	// DocumentsErr, if non-nil, is returned by EmbedDocuments.
	DocumentsErr error

	// QueryResult, if non-nil, is returned by EmbedQuery.
	QueryResult []float32

	// QueryErr, if non-nil, is returned by EmbedQuery.
	QueryErr error

	// DimensionsValue is returned by Dimensions. Default: 8.
	DimensionsValue int

	// ModelIDValue is returned by ModelID. Default: "mock-embed".
	ModelIDValue string

	// Documents records every text passed to EmbedDocuments.
	Documents []string

	// Queries records every text passed to EmbedQuery.
	Queries []string
}

// EmbedDocuments implements embeddings.Provider.
func (p *Provider) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Documents = append(p.Documents, texts...)
	if p.DocumentsErr != nil {
		return nil, p.DocumentsErr
	}
	if p.DocumentsResult != nil {
		return p.DocumentsResult, nil
	}
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vector(t)
	}
	return out, nil
}

// EmbedQuery implements embeddings.Provider.
func (p *Provider) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Queries = append(p.Queries, text)
	if p.QueryErr != nil {
		return nil, p.QueryErr
	}
	if p.QueryResult != nil {
		return p.QueryResult, nil
	}
	return p.vector(text), nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dims()
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ModelIDValue == "" {
		return "mock-embed"
	}
	return p.ModelIDValue
}

// Reset clears recorded inputs.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Documents = nil
	p.Queries = nil
}

func (p *Provider) dims() int {
	if p.DimensionsValue == 0 {
		return 8
	}
	return p.DimensionsValue
}

// vector must be called with p.mu held.
func (p *Provider) vector(text string) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()
	v := make([]float32, p.dims())
	for i := range v {
		seed = seed*6364136223846793005 + 1442695040888963407
		v[i] = float32(seed>>40) / float32(1<<24)
	}
	return v
}

var _ embeddings.Provider = (*Provider)(nil)
