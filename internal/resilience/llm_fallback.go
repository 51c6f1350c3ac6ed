package resilience

import (
	"context"
	"time"

	"github.com/MrWong99/lorekeeper/internal/observe"
	"github.com/MrWong99/lorekeeper/pkg/provider/llm"
)

// LLMFallback is an [llm.Provider] that fails over across several backends.
// Every attempt is counted in the provider metrics under kind "llm".
type LLMFallback struct {
	group   *FallbackGroup[llm.Provider]
	metrics *observe.Metrics
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback returns a fallback chain starting at primary. A nil metrics
// uses [observe.DefaultMetrics].
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig, metrics *observe.Metrics) *LLMFallback {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg), metrics: metrics}
}

// AddFallback registers another backend.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) {
	f.group.AddFallback(name, p)
}

// Complete sends req to the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(name string, p llm.Provider) (*llm.CompletionResponse, error) {
		start := time.Now()
		resp, err := p.Complete(ctx, req)
		f.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			f.metrics.RecordProviderRequest(ctx, name, "llm", "error")
			if !isCancellation(err) {
				f.metrics.RecordProviderError(ctx, name, "llm")
			}
			return nil, err
		}
		f.metrics.RecordProviderRequest(ctx, name, "llm", "ok")
		return resp, nil
	})
}

// Model reports the primary backend's model.
func (f *LLMFallback) Model() string {
	return f.group.entries[0].value.Model()
}

// States exposes the breaker state of every backend for status reporting.
func (f *LLMFallback) States() map[string]State { return f.group.States() }
