// Package scheduler runs background AI work one task at a time.
//
// A [Scheduler] owns a bounded FIFO queue and a single worker goroutine
// ([Scheduler.Run]). At most one task executes at any instant; the worker
// finishes a task, commits its result and updates its status line before it
// dequeues the next one. [Scheduler.Submit] never blocks the caller.
//
// Tasks can become obsolete while they wait. Turn-keyed kinds are skipped
// when a newer turn has been recorded, image generation is skipped when the
// player has left the room, and every task is discarded when the memory
// identity is reset ([Scheduler.Reset]) between submission and commit.
//
// Lock order: Scheduler.mu before any lock taken by [Progress].
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/lorekeeper/internal/observe"
	"github.com/MrWong99/lorekeeper/pkg/memory"
)

var (
	// ErrQueueFull is returned by Submit when the queue is at capacity and
	// no pending droppable task could make room.
	ErrQueueFull = errors.New("scheduler: queue full")

	// ErrClosed is returned by Submit after the worker has stopped.
	ErrClosed = errors.New("scheduler: closed")

	// ErrTaskPanicked wraps the value recovered from a panicking task.
	ErrTaskPanicked = errors.New("scheduler: task panicked")

	// ErrAlreadyRunning is returned by a second concurrent call to Run.
	ErrAlreadyRunning = errors.New("scheduler: already running")
)

// DefaultCapacity is the queue bound used when Config.Capacity is zero.
const DefaultCapacity = 16

// Progress is the scheduler's read-only view of the memory store. It decides
// staleness and identity. [*memory.Store] implements it.
type Progress interface {
	Player() string
	LatestTurn() int
	CurrentRoom() string
	Generation() uint64
}

// Config configures a [Scheduler].
type Config struct {
	// Capacity bounds the pending queue. Default: [DefaultCapacity].
	Capacity int

	// Timeouts overrides [DefaultTimeout] per kind.
	Timeouts map[Kind]time.Duration

	// Sink receives job_* events. Default: [memory.Discard].
	Sink memory.EventSink

	// Metrics records queue depth and task outcomes. Default:
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Scheduler is a single-flight background task queue.
type Scheduler struct {
	progress Progress
	capacity int
	timeouts map[Kind]time.Duration
	sink     memory.EventSink
	metrics  *observe.Metrics

	status  atomic.Uint32
	running atomic.Bool

	mu       sync.Mutex
	queue    []*Task
	inflight *Task
	cancel   context.CancelFunc
	nextID   uint64
	closed   bool
	idle     chan struct{} // closed while nothing is queued or running

	notify chan struct{}

	subMu   sync.Mutex
	subs    map[int]chan Statuses
	nextSub int
}

// New returns a Scheduler reading progress from p. Call [Scheduler.Run] to
// start the worker.
func New(p Progress, cfg Config) *Scheduler {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Sink == nil {
		cfg.Sink = memory.Discard
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	timeouts := make(map[Kind]time.Duration, numKinds)
	for _, k := range Kinds() {
		timeouts[k] = DefaultTimeout(k)
	}
	for k, d := range cfg.Timeouts {
		if d > 0 {
			timeouts[k] = d
		}
	}
	idle := make(chan struct{})
	close(idle)
	return &Scheduler{
		progress: p,
		capacity: cfg.Capacity,
		timeouts: timeouts,
		sink:     cfg.Sink,
		metrics:  cfg.Metrics,
		idle:     idle,
		notify:   make(chan struct{}, 1),
		subs:     make(map[int]chan Statuses),
	}
}

// Capacity returns the queue bound.
func (s *Scheduler) Capacity() int { return s.capacity }

// Timeouts returns the effective per-kind execution budgets.
func (s *Scheduler) Timeouts() map[Kind]time.Duration { return maps.Clone(s.timeouts) }

// ─────────────────────────────────────────────────────────────────────────────
// Submission
// ─────────────────────────────────────────────────────────────────────────────

// Submit enqueues t and returns immediately. The task is stamped with the
// current identity generation.
//
// When the queue is full, already-stale tasks are purged first. If that does
// not free a slot, a droppable t is discarded; a non-droppable t evicts the
// oldest pending droppable task, or is discarded when there is none. Every
// discard emits job_dropped, and a discarded t yields [ErrQueueFull].
func (s *Scheduler) Submit(ctx context.Context, t Task) error {
	if t.Run == nil {
		return errors.New("scheduler: task has no Run function")
	}
	if t.Kind >= numKinds {
		return fmt.Errorf("scheduler: unknown task kind %d", t.Kind)
	}

	var events []memory.Event
	err := func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return ErrClosed
		}

		s.nextID++
		task := &t
		task.id = s.nextID
		task.generation = s.progress.Generation()
		task.queuedAt = time.Now()

		if st := s.Statuses().Of(t.Kind); st == StatusReady || st == StatusError {
			s.setStatus(t.Kind, StatusIdle)
		}

		if len(s.queue) >= s.capacity {
			events = append(events, s.purgeStaleLocked(ctx)...)
		}
		if len(s.queue) >= s.capacity {
			if !task.Droppable {
				if i := s.oldestDroppableLocked(); i >= 0 {
					victim := s.removeLocked(ctx, i)
					s.metrics.RecordTask(ctx, victim.Kind.String(), "dropped", 0)
					events = append(events, s.event(victim, EventJobDropped, "evicted", nil))
				}
			}
			if len(s.queue) >= s.capacity {
				s.metrics.RecordTask(ctx, task.Kind.String(), "dropped", 0)
				events = append(events, s.event(task, EventJobDropped, "queue_full", nil))
				return ErrQueueFull
			}
		}

		s.queue = append(s.queue, task)
		s.metrics.QueueDepth.Add(ctx, 1)
		s.markBusyLocked()
		return nil
	}()

	s.emit(ctx, events)
	if err == nil {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
	return err
}

// purgeStaleLocked removes every stale pending task. Must hold s.mu.
func (s *Scheduler) purgeStaleLocked(ctx context.Context) []memory.Event {
	var events []memory.Event
	kept := s.queue[:0]
	for _, t := range s.queue {
		if reason := s.staleReason(t); reason != "" {
			s.metrics.QueueDepth.Add(ctx, -1)
			s.metrics.RecordTask(ctx, t.Kind.String(), "stale", 0)
			events = append(events, s.event(t, EventJobStale, reason, nil))
			continue
		}
		kept = append(kept, t)
	}
	clear(s.queue[len(kept):])
	s.queue = kept
	return events
}

func (s *Scheduler) oldestDroppableLocked() int {
	for i, t := range s.queue {
		if t.Droppable {
			return i
		}
	}
	return -1
}

func (s *Scheduler) removeLocked(ctx context.Context, i int) *Task {
	t := s.queue[i]
	copy(s.queue[i:], s.queue[i+1:])
	s.queue[len(s.queue)-1] = nil
	s.queue = s.queue[:len(s.queue)-1]
	s.metrics.QueueDepth.Add(ctx, -1)
	return t
}

// staleReason returns why t may no longer run, or "" when it may.
func (s *Scheduler) staleReason(t *Task) string {
	if t.generation != s.progress.Generation() {
		return "identity_changed"
	}
	if t.Kind.roomKeyed() {
		if t.Room != s.progress.CurrentRoom() {
			return "room_changed"
		}
		return ""
	}
	if t.Turn != s.progress.LatestTurn() {
		return "superseded_turn"
	}
	return ""
}

// ─────────────────────────────────────────────────────────────────────────────
// Worker
// ─────────────────────────────────────────────────────────────────────────────

// Run is the worker loop. It blocks until ctx is cancelled, executing tasks
// one at a time, and then cancels whatever is still pending. Only one Run may
// be active.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)
	slog.Info("scheduler started", "capacity", s.capacity)

	for {
		t, taskCtx, ok := s.next(ctx)
		if ok {
			s.execute(taskCtx, t)
			continue
		}
		select {
		case <-ctx.Done():
			s.shutdown()
			slog.Info("scheduler stopped")
			return nil
		case <-s.notify:
		}
	}
}

// next pops the first runnable task, skipping stale ones. The returned
// context carries the task's timeout and is cancelled by Reset.
func (s *Scheduler) next(ctx context.Context) (*Task, context.Context, bool) {
	var events []memory.Event
	defer func() { s.emit(ctx, events) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return nil, nil, false
	}
	for len(s.queue) > 0 {
		t := s.removeLocked(ctx, 0)
		if reason := s.staleReason(t); reason != "" {
			s.metrics.RecordTask(ctx, t.Kind.String(), "stale", 0)
			events = append(events, s.event(t, EventJobStale, reason, nil))
			slog.Debug("skipping stale task", "kind", t.Kind, "turn", t.Turn, "room", t.Room, "reason", reason)
			continue
		}
		taskCtx, cancel := context.WithTimeout(ctx, s.timeouts[t.Kind])
		s.inflight = t
		s.cancel = cancel
		s.setStatus(t.Kind, StatusWorking)
		return t, taskCtx, true
	}
	s.markIdleLocked()
	return nil, nil, false
}

// execute runs t, commits its result and records the outcome. It is only
// called from the worker goroutine.
func (s *Scheduler) execute(ctx context.Context, t *Task) {
	start := time.Now()
	commit, err := runTask(ctx, t)
	if err == nil && commit != nil {
		if s.progress.Generation() != t.generation {
			err = fmt.Errorf("%w before commit", memory.ErrGenerationChanged)
		} else {
			err = runCommit(ctx, commit)
		}
	}
	elapsed := time.Since(start)

	var events []memory.Event
	s.mu.Lock()
	cancelled := t.cancelled
	s.cancel()
	s.inflight, s.cancel = nil, nil
	if !cancelled {
		switch {
		case err == nil:
			s.setStatus(t.Kind, StatusReady)
			s.metrics.RecordTask(ctx, t.Kind.String(), "ready", elapsed)
		case errors.Is(err, memory.ErrGenerationChanged):
			s.setStatus(t.Kind, StatusIdle)
			s.metrics.RecordTask(ctx, t.Kind.String(), "cancelled", elapsed)
			events = append(events, s.event(t, EventJobCancelled, "identity_changed", nil))
		case errors.Is(err, context.Canceled):
			// Only Run's context going away cancels a task without Reset.
			s.setStatus(t.Kind, StatusIdle)
			s.metrics.RecordTask(ctx, t.Kind.String(), "cancelled", elapsed)
			events = append(events, s.event(t, EventJobCancelled, "shutdown", nil))
		default:
			outcome, reason := "error", "error"
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				outcome, reason = "timeout", "timeout"
			case errors.Is(err, ErrTaskPanicked):
				outcome, reason = "panic", "panic"
			}
			s.setStatus(t.Kind, StatusError)
			s.metrics.RecordTask(ctx, t.Kind.String(), outcome, elapsed)
			events = append(events, s.event(t, EventJobFailed, reason, err))
		}
	}
	s.mu.Unlock()

	// ctx is done by now; events are audit records and must still go out.
	s.emit(context.WithoutCancel(ctx), events)
	switch {
	case cancelled:
		slog.Debug("task cancelled", "kind", t.Kind, "turn", t.Turn, "elapsed", elapsed)
	case err != nil:
		slog.Warn("task failed", "kind", t.Kind, "turn", t.Turn, "room", t.Room, "elapsed", elapsed, "err", err)
	default:
		slog.Debug("task done", "kind", t.Kind, "turn", t.Turn, "elapsed", elapsed)
	}
}

func runTask(ctx context.Context, t *Task) (commit Commit, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("task panicked", "kind", t.Kind, "panic", r, "stack", string(debug.Stack()))
			commit, err = nil, fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return t.Run(ctx)
}

func runCommit(ctx context.Context, c Commit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w in commit: %v", ErrTaskPanicked, r)
		}
	}()
	return c(ctx)
}

// shutdown cancels everything still pending once the worker stops.
func (s *Scheduler) shutdown() {
	ctx := context.Background()
	var events []memory.Event
	s.mu.Lock()
	s.closed = true
	for len(s.queue) > 0 {
		t := s.removeLocked(ctx, 0)
		s.metrics.RecordTask(ctx, t.Kind.String(), "cancelled", 0)
		events = append(events, s.event(t, EventJobCancelled, "shutdown", nil))
	}
	s.markIdleLocked()
	s.mu.Unlock()
	s.emit(ctx, events)
}

// ─────────────────────────────────────────────────────────────────────────────
// Reset
// ─────────────────────────────────────────────────────────────────────────────

// Reset discards all background work for an identity transition. While
// holding the queue lock it cancels the running task, emits job_cancelled for
// it and every pending task, runs fn (which is expected to reset the memory
// store and so bump its generation) and returns every status line to idle.
//
// fn runs under the scheduler lock and must not call back into the
// scheduler.
func (s *Scheduler) Reset(ctx context.Context, fn func()) {
	var events []memory.Event
	s.mu.Lock()
	if t := s.inflight; t != nil && !t.cancelled {
		t.cancelled = true
		s.cancel()
		s.metrics.RecordTask(ctx, t.Kind.String(), "cancelled", 0)
		events = append(events, s.event(t, EventJobCancelled, "reset", nil))
	}
	for len(s.queue) > 0 {
		t := s.removeLocked(ctx, 0)
		s.metrics.RecordTask(ctx, t.Kind.String(), "cancelled", 0)
		events = append(events, s.event(t, EventJobCancelled, "reset", nil))
	}
	if fn != nil {
		fn()
	}
	s.status.Store(0)
	if s.inflight == nil {
		s.markIdleLocked()
	}
	s.mu.Unlock()

	s.publish()
	s.emit(ctx, events)
	slog.Info("scheduler reset", "cancelled", len(events))
}

// ─────────────────────────────────────────────────────────────────────────────
// Status board
// ─────────────────────────────────────────────────────────────────────────────

// Statuses returns every kind's status. It never blocks.
func (s *Scheduler) Statuses() Statuses {
	w := s.status.Load()
	var out Statuses
	for k := range out {
		out[k] = Status(w >> (uint(k) * 8))
	}
	return out
}

func (s *Scheduler) setStatus(k Kind, st Status) {
	shift := uint(k) * 8
	for {
		old := s.status.Load()
		next := old&^(0xff<<shift) | uint32(st)<<shift
		if old == next || s.status.CompareAndSwap(old, next) {
			break
		}
	}
	s.publish()
}

// Subscribe returns a channel that receives the status board after every
// change. Slow readers only ever see the latest board. Call the returned
// function to unsubscribe.
func (s *Scheduler) Subscribe() (<-chan Statuses, func()) {
	ch := make(chan Statuses, 1)
	ch <- s.Statuses()
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()
	return ch, func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Scheduler) publish() {
	st := s.Statuses()
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}

// Report is a point-in-time view of the scheduler for status surfaces.
type Report struct {
	Statuses map[string]string `json:"statuses"`
	Running  *TaskInfo         `json:"running,omitempty"`
	Pending  []TaskInfo        `json:"pending"`
	Capacity int               `json:"capacity"`
}

// Report returns the status board plus the running and pending tasks.
func (s *Scheduler) Report() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := Report{
		Statuses: s.Statuses().Map(),
		Pending:  make([]TaskInfo, len(s.queue)),
		Capacity: s.capacity,
	}
	for i, t := range s.queue {
		r.Pending[i] = t.info()
	}
	if s.inflight != nil {
		info := s.inflight.info()
		r.Running = &info
	}
	return r
}

// WaitIdle blocks until nothing is queued or running, or ctx is done.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		idle := s.idle
		s.mu.Unlock()
		select {
		case <-idle:
			s.mu.Lock()
			done := len(s.queue) == 0 && s.inflight == nil
			s.mu.Unlock()
			if done {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Scheduler) markBusyLocked() {
	select {
	case <-s.idle:
		s.idle = make(chan struct{})
	default:
	}
}

func (s *Scheduler) markIdleLocked() {
	select {
	case <-s.idle:
	default:
		close(s.idle)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Events
// ─────────────────────────────────────────────────────────────────────────────

func (s *Scheduler) event(t *Task, typ memory.EventType, reason string, err error) memory.Event {
	payload := map[string]any{
		"task_id":    t.id,
		"kind":       t.Kind.String(),
		"task_turn":  t.Turn,
		"reason":     reason,
		"droppable":  t.Droppable,
		"generation": t.generation,
	}
	if t.Room != "" {
		payload["room"] = t.Room
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	return memory.Event{
		Type:    typ,
		Player:  s.progress.Player(),
		Turn:    t.Turn,
		Payload: payload,
	}
}

func (s *Scheduler) emit(ctx context.Context, events []memory.Event) {
	for _, ev := range events {
		if err := s.sink.Emit(ctx, ev); err != nil {
			slog.Warn("scheduler: emit event", "type", ev.Type, "err", err)
		}
	}
}
