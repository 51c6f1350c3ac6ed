package session

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/lorekeeper/internal/scheduler"
)

// DefaultIdleAfter is how long the player must be inactive before the
// ambient narrator speaks.
const DefaultIdleAfter = 90 * time.Second

// Ambient requests a droppable narration once per idle period. After it has
// spoken it stays quiet until the player plays another turn.
type Ambient struct {
	session   *Session
	idleAfter atomic.Int64
	now       func() time.Time

	// spokeAt is the activity timestamp that was last answered.
	spokeAt time.Time
}

// NewAmbient creates an ambient narrator for s. idleAfter <= 0 selects
// [DefaultIdleAfter].
func NewAmbient(s *Session, idleAfter time.Duration) *Ambient {
	if idleAfter <= 0 {
		idleAfter = DefaultIdleAfter
	}
	a := &Ambient{session: s, now: time.Now}
	a.idleAfter.Store(int64(idleAfter))
	return a
}

// IdleAfter returns the current inactivity threshold.
func (a *Ambient) IdleAfter() time.Duration { return time.Duration(a.idleAfter.Load()) }

// SetIdleAfter changes the inactivity threshold. d <= 0 selects
// [DefaultIdleAfter]. The polling interval chosen by Run is kept.
func (a *Ambient) SetIdleAfter(d time.Duration) {
	if d <= 0 {
		d = DefaultIdleAfter
	}
	a.idleAfter.Store(int64(d))
}

// Run checks for inactivity until ctx is cancelled.
func (a *Ambient) Run(ctx context.Context) error {
	interval := max(a.IdleAfter()/4, 250*time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// Tick requests ambient narration when the player has been idle long enough
// and nothing was requested for the current idle period. It reports whether
// a narration was queued.
func (a *Ambient) Tick(ctx context.Context) bool {
	last := a.session.LastActivity()
	if last.IsZero() || last.Equal(a.spokeAt) || a.now().Sub(last) < a.IdleAfter() {
		return false
	}
	if a.session.Scheduler().Statuses().Of(scheduler.KindNarration) == scheduler.StatusWorking {
		return false
	}
	a.spokeAt = last
	if err := a.session.RequestAmbientNarration(ctx); err != nil {
		if !errors.Is(err, scheduler.ErrQueueFull) {
			slog.Warn("ambient narration not queued", "err", err)
		}
		return false
	}
	slog.Debug("ambient narration queued", "idle", a.now().Sub(last).Round(time.Second))
	return true
}
