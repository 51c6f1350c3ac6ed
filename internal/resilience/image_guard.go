package resilience

import (
	"context"
	"time"

	"github.com/MrWong99/lorekeeper/internal/observe"
	"github.com/MrWong99/lorekeeper/pkg/provider/image"
)

// ImageGuard wraps a single [image.Provider] in a [CircuitBreaker]. An image
// server that is down should cost one failed job per ResetTimeout, not one
// per room entered.
type ImageGuard struct {
	inner   image.Provider
	breaker *CircuitBreaker
	metrics *observe.Metrics
}

var _ image.Provider = (*ImageGuard)(nil)

// NewImageGuard wraps p. A nil metrics uses [observe.DefaultMetrics].
func NewImageGuard(p image.Provider, cfg CircuitBreakerConfig, metrics *observe.Metrics) *ImageGuard {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if cfg.Name == "" {
		cfg.Name = p.Name()
	}
	return &ImageGuard{inner: p, breaker: NewCircuitBreaker(cfg), metrics: metrics}
}

// Generate implements [image.Provider].
func (g *ImageGuard) Generate(ctx context.Context, req image.Request) (*image.Result, error) {
	var res *image.Result
	err := g.breaker.Execute(func() error {
		start := time.Now()
		var err error
		res, err = g.inner.Generate(ctx, req)
		g.metrics.ImageDuration.Record(ctx, time.Since(start).Seconds())
		return err
	})
	name := g.inner.Name()
	switch {
	case err == nil:
		g.metrics.RecordProviderRequest(ctx, name, "image", "ok")
	case isCancellation(err):
		g.metrics.RecordProviderRequest(ctx, name, "image", "cancelled")
	default:
		g.metrics.RecordProviderRequest(ctx, name, "image", "error")
		g.metrics.RecordProviderError(ctx, name, "image")
	}
	return res, err
}

// Name implements [image.Provider].
func (g *ImageGuard) Name() string { return g.inner.Name() }

// State reports the breaker state.
func (g *ImageGuard) State() State { return g.breaker.State() }
