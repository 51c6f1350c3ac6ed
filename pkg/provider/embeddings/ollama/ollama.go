// Package ollama provides an embeddings provider backed by a local Ollama
// server's /api/embed endpoint.
//
// Known retrieval models get their task prefixes applied automatically
// ("search_document: " / "search_query: " for nomic-embed-text). Override
// them with [WithPrefixes].
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/lorekeeper/pkg/provider/embeddings"
)

// DefaultBaseURL is the default address of a local Ollama instance.
const DefaultBaseURL = "http://localhost:11434"

var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider using Ollama.
//
// Dimensions come from [WithDimensions], then the known-model table, then a
// single probe request issued on first use.
type Provider struct {
	baseURL    string
	model      string
	httpClient *http.Client

	docPrefix   string
	queryPrefix string

	mu         sync.Mutex
	dimensions int
}

type config struct {
	timeout     time.Duration
	dimensions  int
	prefixesSet bool
	docPrefix   string
	queryPrefix string
}

// Option is a functional option for Provider.
type Option func(*config)

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithDimensions pre-sets the vector length and skips the probe request.
func WithDimensions(n int) Option {
	return func(c *config) { c.dimensions = n }
}

// WithPrefixes sets the task prefixes prepended to documents and queries.
// Empty strings disable prefixing.
func WithPrefixes(document, query string) Option {
	return func(c *config) {
		c.prefixesSet = true
		c.docPrefix, c.queryPrefix = document, query
	}
}

// New constructs an Ollama Provider. An empty baseURL selects
// [DefaultBaseURL].
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("ollama embeddings: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	known := lookup(model)
	p := &Provider{
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       model,
		httpClient:  &http.Client{Timeout: cfg.timeout},
		dimensions:  cfg.dimensions,
		docPrefix:   known.docPrefix,
		queryPrefix: known.queryPrefix,
	}
	if p.dimensions == 0 {
		p.dimensions = known.dimensions
	}
	if cfg.prefixesSet {
		p.docPrefix, p.queryPrefix = cfg.docPrefix, cfg.queryPrefix
	}
	return p, nil
}

// EmbedDocuments implements embeddings.Provider.
func (p *Provider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	input := make([]string, len(texts))
	for i, t := range texts {
		input[i] = p.docPrefix + t
	}
	vecs, err := p.embed(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed documents: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("ollama embeddings: expected %d embeddings, got %d", len(texts), len(vecs))
	}
	return vecs, nil
}

// EmbedQuery implements embeddings.Provider.
func (p *Provider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.embed(ctx, []string{p.queryPrefix + text})
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed query: %w", err)
	}
	return vecs[0], nil
}

// Dimensions implements embeddings.Provider. For unknown models the first
// call issues a probe; a failed probe reports 0 and is retried next time.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dimensions != 0 {
		return p.dimensions
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if vecs, err := p.embed(ctx, []string{"probe"}); err == nil {
		p.dimensions = len(vecs[0])
	}
	return p.dimensions
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return p.model }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (p *Provider) embed(ctx context.Context, input []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: p.model, Input: input})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Embeddings) == 0 {
		return nil, errors.New("empty embeddings in response")
	}
	return out.Embeddings, nil
}

type modelInfo struct {
	dimensions  int
	docPrefix   string
	queryPrefix string
}

func lookup(model string) modelInfo {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "nomic-embed-text"):
		return modelInfo{768, "search_document: ", "search_query: "}
	case strings.Contains(lower, "mxbai-embed-large"):
		return modelInfo{1024, "", "Represent this sentence for searching relevant passages: "}
	case strings.Contains(lower, "all-minilm"):
		return modelInfo{dimensions: 384}
	}
	return modelInfo{}
}
