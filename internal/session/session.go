// Package session drives the turn lifecycle of one player.
//
// Every turn, including the session-opening turn 0, goes through the same
// phases: Parse → Record → Context → Completion → Append. Parse normalizes
// the engine facts, Record applies them through the [recorder.Recorder],
// Context takes a snapshot through the [hotctx.Exporter], and Completion
// submits background AI tasks to the [scheduler.Scheduler] carrying that
// snapshot. Append happens later, on the scheduler's worker, inside the
// task's commit.
//
// Identity transitions ([Session.Rename], [Session.Restart]) drain the
// scheduler and reset the memory store as one step, so no task from before
// the reset can write into the new identity.
//
// The package also provides the [Checkpointer] (periodic durable flush), the
// [StoreGuard] (degraded-mode durable store), the [Ambient] narrator and
// [NoteRecall] (similarity search over enrichment notes).
//
// All exported types are safe for concurrent use.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/lorekeeper/internal/hotctx"
	"github.com/MrWong99/lorekeeper/internal/imagecache"
	"github.com/MrWong99/lorekeeper/internal/observe"
	"github.com/MrWong99/lorekeeper/internal/recorder"
	"github.com/MrWong99/lorekeeper/internal/scheduler"
	"github.com/MrWong99/lorekeeper/pkg/memory"
	"github.com/MrWong99/lorekeeper/pkg/provider/llm"
)

var (
	// ErrNotOpen is returned by operations that need a recorded turn.
	ErrNotOpen = errors.New("session: no turn recorded yet")

	// ErrAlreadyOpen is returned by Open after the opening turn.
	ErrAlreadyOpen = errors.New("session: already open")

	// ErrEmptyPlayer is returned by Rename for a blank name.
	ErrEmptyPlayer = errors.New("session: empty player name")

	// ErrImagesDisabled is returned by RequestSceneImage without an image
	// service.
	ErrImagesDisabled = errors.New("session: scene images disabled")

	// ErrNoLLM is returned when a request needs the LLM and none is set.
	ErrNoLLM = errors.New("session: no LLM provider configured")
)

// Narration triggers.
const (
	TriggerOpening = "opening"
	TriggerTurn    = "turn"
	TriggerAmbient = "ambient"
)

// Config wires a [Session]. Store and Scheduler are required.
type Config struct {
	Store     *memory.Store
	Scheduler *scheduler.Scheduler

	// Sink receives audit events. Default: [memory.Discard].
	Sink memory.EventSink

	// LLM backs narration, enrichment and image prompts. When nil, those
	// tasks are not submitted.
	LLM llm.Provider

	// Builder renders prompts. Default: hotctx.NewBuilder(hotctx.Config{}).
	Builder *hotctx.Builder

	// Exporter reads snapshots. Default: hotctx.NewExporter(Store).
	Exporter *hotctx.Exporter

	// RecorderOptions configure the turn recorder.
	RecorderOptions []recorder.Option

	// Images enables scene images when set.
	Images *imagecache.Service

	// Checkpointer, when set, persists memory and takes part in identity
	// resets.
	Checkpointer *Checkpointer

	// Notes, when set, indexes enrichment notes for recall.
	Notes *NoteRecall

	NarrationEnabled  bool
	EnrichmentEnabled bool

	// Now is the clock used for activity tracking. Default: time.Now.
	Now func() time.Time
}

// Session is the turn loop of one player identity.
type Session struct {
	store        *memory.Store
	sched        *scheduler.Scheduler
	sink         memory.EventSink
	llm          llm.Provider
	builder      atomic.Pointer[hotctx.Builder]
	exporter     *hotctx.Exporter
	recorder     *recorder.Recorder
	appender     *recorder.Appender
	images       *imagecache.Service
	checkpointer *Checkpointer
	notes        *NoteRecall
	narration    bool
	enrichment   bool
	now          func() time.Time

	// mu serialises turns and identity transitions.
	mu           sync.Mutex
	lastActivity atomic.Int64
}

// TurnResult is what one call to [Session.PlayTurn] did.
type TurnResult struct {
	recorder.RecordResult

	Player string

	// Submitted lists the task kinds accepted by the scheduler.
	Submitted []string

	// Rejected lists the task kinds the scheduler refused (queue full).
	Rejected []string
}

// New creates a Session from cfg.
func New(cfg Config) (*Session, error) {
	if cfg.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if cfg.Scheduler == nil {
		return nil, errors.New("session: scheduler is required")
	}
	if cfg.Sink == nil {
		cfg.Sink = memory.Discard
	}
	if cfg.Builder == nil {
		cfg.Builder = hotctx.NewBuilder(hotctx.Config{})
	}
	if cfg.Exporter == nil {
		cfg.Exporter = hotctx.NewExporter(cfg.Store)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.LLM == nil && (cfg.NarrationEnabled || cfg.EnrichmentEnabled) {
		slog.Warn("session: no LLM provider, narration and enrichment disabled")
	}
	s := &Session{
		store:        cfg.Store,
		sched:        cfg.Scheduler,
		sink:         cfg.Sink,
		llm:          cfg.LLM,
		exporter:     cfg.Exporter,
		recorder:     recorder.New(cfg.Store, cfg.Sink, cfg.RecorderOptions...),
		appender:     recorder.NewAppender(cfg.Store, cfg.Sink),
		images:       cfg.Images,
		checkpointer: cfg.Checkpointer,
		notes:        cfg.Notes,
		narration:    cfg.NarrationEnabled && cfg.LLM != nil,
		enrichment:   cfg.EnrichmentEnabled && cfg.LLM != nil,
		now:          cfg.Now,
	}
	s.builder.Store(cfg.Builder)
	return s, nil
}

// Player returns the current player identity.
func (s *Session) Player() string { return s.store.Player() }

// Opened reports whether the opening turn has been recorded.
func (s *Session) Opened() bool { return s.store.LatestTurn() >= 0 }

// Snapshot returns the prompt context as it is right now.
func (s *Session) Snapshot() memory.Snapshot { return s.exporter.GetContextForPrompt() }

// SetBuilder replaces the prompt builder. Tasks already submitted keep the
// builder they were created with.
func (s *Session) SetBuilder(b *hotctx.Builder) {
	if b != nil {
		s.builder.Store(b)
	}
}

// Exporter returns the read-only context exporter.
func (s *Session) Exporter() *hotctx.Exporter { return s.exporter }

// Scheduler returns the background task scheduler.
func (s *Session) Scheduler() *scheduler.Scheduler { return s.sched }

// Images returns the scene image service, or nil when images are disabled.
func (s *Session) Images() *imagecache.Service { return s.images }

// Notes returns the note recall, or nil when it is not configured.
func (s *Session) Notes() *NoteRecall { return s.notes }

// LastActivity returns when the player last played a turn. It is the zero
// time before the first turn and after a reset.
func (s *Session) LastActivity() time.Time {
	n := s.lastActivity.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// ─────────────────────────────────────────────────────────────────────────────
// Turn lifecycle
// ─────────────────────────────────────────────────────────────────────────────

// Open runs the session-opening turn 0. It fails with [ErrAlreadyOpen] once
// a turn has been recorded.
func (s *Session) Open(ctx context.Context, facts memory.EngineFacts) (TurnResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store.LatestTurn() >= 0 {
		return TurnResult{}, ErrAlreadyOpen
	}
	return s.playTurn(ctx, facts, true)
}

// PlayTurn runs one turn. The first turn of a fresh identity is the opening
// turn. It returns once the turn is recorded and its tasks are submitted;
// AI output arrives later through the scheduler.
func (s *Session) PlayTurn(ctx context.Context, facts memory.EngineFacts) (TurnResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playTurn(ctx, facts, s.store.LatestTurn() < 0)
}

// playTurn must be called with s.mu held.
func (s *Session) playTurn(ctx context.Context, facts memory.EngineFacts, opening bool) (TurnResult, error) {
	player := s.store.Player()
	turn := s.store.LatestTurn() + 1
	s.lastActivity.Store(s.now().UnixNano())

	// Parse.
	_, span := observe.StartPhase(ctx, "parse", player, turn)
	norm := memory.NormalizeFacts(facts)
	previousRoom := s.store.CurrentRoom()
	span.End()

	// Record.
	rctx, span := observe.StartPhase(ctx, "record", player, turn)
	rec, err := s.recorder.RecordTurn(rctx, norm, "", previousRoom)
	span.End()
	if err != nil {
		return TurnResult{}, fmt.Errorf("session: record turn: %w", err)
	}
	res := TurnResult{RecordResult: rec, Player: player}
	if rec.Skipped || rec.Duplicate {
		observe.Logger(ctx).Debug("turn produced no new memory",
			"player", player, "turn", rec.Turn, "skipped", rec.Skipped, "duplicate", rec.Duplicate)
		return res, nil
	}

	// Context.
	_, span = observe.StartPhase(ctx, "context", player, rec.Turn)
	snap := s.exporter.GetContextForPrompt()
	span.End()

	// Completion.
	cctx, span := observe.StartPhase(ctx, "completion", player, rec.Turn)
	defer span.End()

	trigger := TriggerTurn
	if opening {
		trigger = TriggerOpening
	}
	if s.narration {
		if t, ok := s.narrationTask(snap, trigger, norm.ResultText, false); ok {
			s.submit(cctx, t, &res)
		}
	}
	if s.enrichment && rec.FirstVisit {
		if t, ok := s.enrichmentTask(snap); ok {
			s.submit(cctx, t, &res)
		}
	}
	if s.images != nil && s.llm != nil && (rec.RoomChanged || rec.FirstVisit) && s.images.NeedsImage(rec.Room) {
		if t, ok := s.imagePromptTask(snap, s.images.DefaultQuality(), false); ok {
			s.submit(cctx, t, &res)
		}
	}

	observe.Logger(ctx).Debug("turn played",
		"player", player, "turn", rec.Turn, "room", rec.Room,
		"submitted", res.Submitted, "rejected", res.Rejected)
	return res, nil
}

func (s *Session) submit(ctx context.Context, t scheduler.Task, res *TurnResult) {
	if err := s.sched.Submit(ctx, t); err != nil {
		slog.Warn("session: task not queued", "kind", t.Kind, "turn", t.Turn, "err", err)
		if res != nil {
			res.Rejected = append(res.Rejected, t.Kind.String())
		}
		return
	}
	if res != nil {
		res.Submitted = append(res.Submitted, t.Kind.String())
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// On-demand work
// ─────────────────────────────────────────────────────────────────────────────

// RequestAmbientNarration queues a droppable narration for the current
// scene without a new turn. It goes stale as soon as the player acts.
func (s *Session) RequestAmbientNarration(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.llm == nil {
		return ErrNoLLM
	}
	snap := s.exporter.GetContextForPrompt()
	t, ok := s.narrationTask(snap, TriggerAmbient, "", true)
	if !ok {
		return ErrNotOpen
	}
	return s.sched.Submit(ctx, t)
}

// ImageRequest describes the outcome of [Session.RequestSceneImage].
type ImageRequest struct {
	Room    string `json:"room"`
	Quality string `json:"quality"`

	// Cached is set when the image already existed and nothing was queued.
	Cached bool   `json:"cached"`
	Path   string `json:"path,omitempty"`

	// Queued names the task kind that was submitted.
	Queued string `json:"queued,omitempty"`
}

// RequestSceneImage asks for an image of the current room at quality. An
// empty quality selects the default quality, or the regeneration quality
// when force is set. A cached image is reused unless force is set. When
// another quality of the room is cached, its prompt is reused and no LLM
// call is needed.
func (s *Session) RequestSceneImage(ctx context.Context, quality string, force bool) (ImageRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.images == nil {
		return ImageRequest{}, ErrImagesDisabled
	}
	room := s.store.CurrentRoom()
	if room == "" {
		return ImageRequest{}, ErrNotOpen
	}
	if quality == "" {
		quality = s.images.DefaultQuality()
		if force {
			quality = s.images.RegenQuality()
		}
	}
	if !slices.Contains(s.images.QualityNames(), quality) {
		return ImageRequest{}, fmt.Errorf("%w: %q (available: %s)",
			imagecache.ErrUnknownQuality, quality, strings.Join(s.images.QualityNames(), ", "))
	}
	req := ImageRequest{Room: room, Quality: quality}

	if !force {
		if res, err := s.images.Cached(room, quality); err == nil {
			req.Cached, req.Path = true, res.Path
			return req, nil
		}
	}

	var t scheduler.Task
	if prompt, ok := s.images.CachedPrompt(room); ok {
		t = s.imageGenerationTask(s.store.LatestTurn(), room, prompt, quality, true)
	} else {
		if s.llm == nil {
			return ImageRequest{}, ErrNoLLM
		}
		var ok bool
		if t, ok = s.imagePromptTask(s.exporter.GetContextForPrompt(), quality, force); !ok {
			return ImageRequest{}, ErrNotOpen
		}
	}
	if err := s.sched.Submit(ctx, t); err != nil {
		return ImageRequest{}, err
	}
	req.Queued = t.Kind.String()
	return req, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Identity transitions
// ─────────────────────────────────────────────────────────────────────────────

// Rename switches to a new player identity. All queued and running tasks are
// cancelled, memory is reset and the new identity's durable record is wiped.
// Renaming to the current name, in any letter case, does nothing.
func (s *Session) Rename(ctx context.Context, player string) error {
	player = strings.TrimSpace(player)
	if player == "" {
		return ErrEmptyPlayer
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if current := s.store.Player(); memory.SamePlayer(player, current) {
		if player != current {
			slog.Debug("session: rename only changes letter case, keeping identity",
				"player", current, "requested", player)
		}
		return nil
	}
	return s.resetIdentity(ctx, player, "rename")
}

// Restart resets the current identity as if the game started over.
func (s *Session) Restart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetIdentity(ctx, s.store.Player(), "restart")
}

// resetIdentity must be called with s.mu held.
func (s *Session) resetIdentity(ctx context.Context, player, reason string) error {
	old := s.store.Player()
	var gen uint64
	reset := func() {
		s.sched.Reset(ctx, func() { gen = s.store.Reset(player) })
	}

	var err error
	if s.checkpointer != nil {
		err = s.checkpointer.ResetIdentity(ctx, old, player, reset)
	} else {
		reset()
	}
	s.lastActivity.Store(0)

	ev := memory.Event{
		Type:   memory.EventMemoryReset,
		Player: player,
		Turn:   -1,
		Payload: map[string]any{
			"previous_player": old,
			"reason":          reason,
			"generation":      gen,
		},
	}
	if emitErr := s.sink.Emit(ctx, ev); emitErr != nil {
		slog.Warn("session: emit memory_reset", "err", emitErr)
	}
	slog.Info("memory reset", "player", player, "previous_player", old, "reason", reason, "generation", gen)
	if err != nil {
		return fmt.Errorf("session: %s: %w", reason, err)
	}
	return nil
}
