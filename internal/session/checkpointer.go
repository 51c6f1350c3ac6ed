package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/lorekeeper/internal/audit"
	"github.com/MrWong99/lorekeeper/pkg/memory"
)

// defaultCheckpointInterval is the default period between checkpoint ticks.
const defaultCheckpointInterval = 10 * time.Second

// finalFlushTimeout bounds the flush performed when the checkpointer stops.
const finalFlushTimeout = 10 * time.Second

// Checkpointer periodically flushes dirty scenes, the player state and
// buffered audit events to the durable store, so a crash loses at most one
// interval of play.
//
// It also owns identity transitions on the durable side: the flush lock is
// held across [Checkpointer.ResetIdentity], so a checkpoint of the old
// identity can never land after the new identity's record was reset.
//
// All methods are safe for concurrent use.
type Checkpointer struct {
	store    *memory.Store
	durable  memory.DurableStore
	events   *audit.DurableSink
	notes    memory.NoteIndex
	interval time.Duration

	mu       sync.Mutex
	lastSave time.Time
	done     chan struct{}
	stopOnce sync.Once
}

// CheckpointerConfig configures a [Checkpointer].
type CheckpointerConfig struct {
	// Store is the in-memory store whose changes are persisted.
	Store *memory.Store

	// Durable receives scenes, state and events. Wrap it in a [StoreGuard] to
	// keep failures away from play.
	Durable memory.DurableStore

	// Events, when set, is flushed together with the scenes.
	Events *audit.DurableSink

	// Notes, when set, is reset together with the durable record.
	Notes memory.NoteIndex

	// Interval is how often to checkpoint. Defaults to 10 seconds if zero.
	Interval time.Duration
}

// NewCheckpointer creates a new [Checkpointer] with the given configuration.
func NewCheckpointer(cfg CheckpointerConfig) *Checkpointer {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultCheckpointInterval
	}
	return &Checkpointer{
		store:    cfg.Store,
		durable:  cfg.Durable,
		events:   cfg.Events,
		notes:    cfg.Notes,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Resume loads the saved checkpoint of the store's player into the store.
// It reports whether anything was restored.
func (c *Checkpointer) Resume(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	player := c.store.Player()
	cp, found, err := c.durable.Load(ctx, player)
	if err != nil {
		return false, fmt.Errorf("checkpoint: load %q: %w", player, err)
	}
	if !found {
		return false, nil
	}
	c.store.Restore(cp)
	slog.Info("memory restored", "player", player, "turn", cp.State.Turn, "scenes", len(cp.Scenes))
	return true, nil
}

// Run checkpoints every interval until ctx is cancelled or Stop is called,
// then performs a final flush.
func (c *Checkpointer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return c.finalFlush(ctx)
		case <-c.done:
			return c.finalFlush(ctx)
		case <-ticker.C:
			if err := c.FlushNow(ctx); err != nil {
				slog.Warn("periodic checkpoint failed", "player", c.store.Player(), "err", err)
			}
		}
	}
}

// Stop halts the checkpoint loop. Safe to call multiple times.
func (c *Checkpointer) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}

func (c *Checkpointer) finalFlush(ctx context.Context) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
	defer cancel()
	return c.FlushNow(fctx)
}

// FlushNow writes every change since the previous flush.
func (c *Checkpointer) FlushNow(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flush(ctx)
}

// LastSave returns when the last successful flush finished.
func (c *Checkpointer) LastSave() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSave
}

// flush must be called with c.mu held.
func (c *Checkpointer) flush(ctx context.Context) error {
	ch := c.store.TakeDirty()

	var errs []error
	for _, sc := range ch.Scenes {
		if err := c.durable.SaveScene(ctx, ch.Player, sc); err != nil {
			// Keep going: a partial checkpoint is better than none.
			errs = append(errs, fmt.Errorf("checkpoint: scene %q: %w", sc.Room, err))
		}
	}
	if ch.State != nil {
		if err := c.durable.SavePlayerState(ctx, ch.Player, *ch.State); err != nil {
			errs = append(errs, fmt.Errorf("checkpoint: player state: %w", err))
		}
	}
	if c.events != nil {
		if err := c.events.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	if err == nil {
		c.lastSave = time.Now()
		if !ch.Empty() {
			slog.Debug("checkpoint written", "player", ch.Player, "scenes", len(ch.Scenes), "state", ch.State != nil)
		}
	}
	return err
}

// ResetIdentity runs reset (which clears the in-memory store) and wipes the
// durable record of newPlayer. When the identity changes, the old identity is
// flushed first so its record stays complete.
func (c *Checkpointer) ResetIdentity(ctx context.Context, oldPlayer, newPlayer string, reset func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if !memory.SamePlayer(oldPlayer, newPlayer) {
		if err := c.flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("checkpoint: flush %q before reset: %w", oldPlayer, err))
		}
	}

	reset()

	if c.events != nil {
		c.events.Discard(newPlayer)
	}
	if err := c.durable.Reset(ctx, newPlayer); err != nil {
		errs = append(errs, fmt.Errorf("checkpoint: reset %q: %w", newPlayer, err))
	}
	if c.notes != nil {
		if err := c.notes.ResetNotes(ctx, newPlayer); err != nil {
			errs = append(errs, fmt.Errorf("checkpoint: reset notes %q: %w", newPlayer, err))
		}
	}
	return errors.Join(errs...)
}
