// Package mock provides a test double for the image.Provider interface.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/lorekeeper/pkg/provider/image"
)

// Provider is a mock implementation of image.Provider. By default it returns
// a small fixed PNG payload echoing the request.
type Provider struct {
	mu sync.Mutex

	// PNG is the payload returned on success. Default: a PNG signature.
	PNG []byte

	// Err, if non-nil, is returned by Generate.
	Err error

	// GenerateFunc, if set, replaces the default behaviour. It runs without
	// the mock's lock held.
	GenerateFunc func(ctx context.Context, req image.Request) (*image.Result, error)

	// Requests records every request in order.
	Requests []image.Request
}

var _ image.Provider = (*Provider)(nil)

// Generate implements image.Provider.
func (p *Provider) Generate(ctx context.Context, req image.Request) (*image.Result, error) {
	p.mu.Lock()
	p.Requests = append(p.Requests, req)
	fn, err := p.GenerateFunc, p.Err
	png := p.PNG
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if png == nil {
		png = []byte("\x89PNG\r\n\x1a\n")
	}
	return &image.Result{
		PNG:     png,
		Prompt:  req.Prompt,
		Size:    req.Size,
		Steps:   req.Steps,
		Created: time.Now().UTC(),
	}, nil
}

// Name implements image.Provider.
func (p *Provider) Name() string { return "mock" }

// Calls returns a copy of the recorded requests.
func (p *Provider) Calls() []image.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]image.Request, len(p.Requests))
	copy(out, p.Requests)
	return out
}
