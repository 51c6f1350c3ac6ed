// Package llm defines the Provider interface for the language models that
// write narration, scene notes and image prompts.
//
// Every AI job in lorekeeper is a single non-streaming completion whose text
// is committed to memory in one piece, so the interface is deliberately small.
// Implementations must be safe for concurrent use and must return promptly
// when ctx is cancelled: the scheduler relies on that to enforce per-kind
// timeouts and identity resets.
package llm

import "context"

// Usage holds token accounting reported by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries one prompt. Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is sent ahead of Messages with the system role.
	SystemPrompt string

	Messages []Message

	// Temperature in [0, 2]. Zero uses the provider default.
	Temperature float64

	// MaxTokens caps the completion. Zero uses the provider default.
	MaxTokens int
}

// CompletionResponse is the model's full reply.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over an LLM backend.
type Provider interface {
	// Complete sends req and waits for the full reply.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Model returns the model identifier used for logs and metrics.
	Model() string
}
