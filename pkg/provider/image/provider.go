// Package image defines the Provider interface for text-to-image backends
// that illustrate scenes.
package image

import (
	"context"
	"time"
)

// Request describes one image to generate.
type Request struct {
	// Prompt is the diffusion prompt, without backend-specific markup.
	Prompt string

	// Size is "<width>x<height>", e.g. "512x512".
	Size string

	// Steps is the sampler step count. Zero uses the backend default.
	Steps int
}

// Result is a generated image.
type Result struct {
	// PNG holds the encoded image.
	PNG []byte

	// Prompt is the clean prompt that produced the image.
	Prompt string

	Size    string
	Steps   int
	Created time.Time
}

// Provider generates images. Implementations must be safe for concurrent use
// and honour ctx cancellation: image generation is the slowest AI job and is
// the most likely to be cut short by a room change or identity reset.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Result, error)

	// Name identifies the backend for logs and metrics.
	Name() string
}
