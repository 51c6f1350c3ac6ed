package session

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/lorekeeper/internal/imagecache"
	"github.com/MrWong99/lorekeeper/internal/scheduler"
	"github.com/MrWong99/lorekeeper/pkg/memory"
	memorymock "github.com/MrWong99/lorekeeper/pkg/memory/mock"
	embeddingsmock "github.com/MrWong99/lorekeeper/pkg/provider/embeddings/mock"
	imagemock "github.com/MrWong99/lorekeeper/pkg/provider/image/mock"
	"github.com/MrWong99/lorekeeper/pkg/provider/llm"
	llmmock "github.com/MrWong99/lorekeeper/pkg/provider/llm/mock"
)

// ─────────────────────────────────────────────────────────────────────────────
// helpers
// ─────────────────────────────────────────────────────────────────────────────

var (
	westOfHouse = memory.EngineFacts{
		Command:               "look",
		ResultText:            "West of House\nYou are standing in an open field west of a white house.",
		Room:                  "West of House",
		DescriptionParagraphs: []string{"You are standing in an open field west of a white house."},
		VisibleItems:          []string{"mailbox", "mat"},
	}
	takeMat = memory.EngineFacts{
		Command:    "take mat",
		ResultText: "Taken.",
		Room:       "West of House",
		Moves:      1,
	}
	goNorth = memory.EngineFacts{
		Command:               "north",
		ResultText:            "North of House\nYou are facing the north side of a white house.",
		Room:                  "North of House",
		DescriptionParagraphs: []string{"You are facing the north side of a white house."},
		Moves:                 2,
	}
)

type testEnv struct {
	session *Session
	store   *memory.Store
	sched   *scheduler.Scheduler
	sink    *memorymock.EventSink
	llm     *llmmock.Provider
	durable *memorymock.DurableStore
	images  *imagecache.Service
	image   *imagemock.Provider
}

type envOption func(*Config, *testEnv)

func withImages(t *testing.T) envOption {
	return func(cfg *Config, env *testEnv) {
		cache, err := imagecache.New(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		env.image = &imagemock.Provider{}
		env.images = imagecache.NewService(cache, env.image, imagecache.Config{})
		cfg.Images = env.images
	}
}

func withEnrichment(notes *NoteRecall) envOption {
	return func(cfg *Config, _ *testEnv) {
		cfg.EnrichmentEnabled = true
		cfg.Notes = notes
	}
}

func withSink(sink memory.EventSink) envOption {
	return func(cfg *Config, _ *testEnv) { cfg.Sink = sink }
}

func withCheckpointer() envOption {
	return func(cfg *Config, env *testEnv) {
		cfg.Checkpointer = NewCheckpointer(CheckpointerConfig{Store: env.store, Durable: env.durable})
	}
}

// newEnv builds a session for player "alice" with narration enabled. The
// scheduler worker is not started; call run.
func newEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   memory.NewStore("alice"),
		sink:    &memorymock.EventSink{},
		durable: &memorymock.DurableStore{},
		llm: &llmmock.Provider{CompleteFunc: func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return &llm.CompletionResponse{Content: "reply to " + firstLine(req.Messages[0].Content)}, nil
		}},
	}
	env.sched = scheduler.New(env.store, scheduler.Config{Sink: env.sink})
	cfg := Config{
		Store:            env.store,
		Scheduler:        env.sched,
		Sink:             env.sink,
		LLM:              env.llm,
		NarrationEnabled: true,
	}
	for _, o := range opts {
		o(&cfg, env)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	env.session = s
	return env
}

func (e *testEnv) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.sched.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (e *testEnv) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.sched.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
}

func (e *testEnv) play(t *testing.T, facts memory.EngineFacts) TurnResult {
	t.Helper()
	res, err := e.session.PlayTurn(context.Background(), facts)
	if err != nil {
		t.Fatalf("PlayTurn(%q): %v", facts.Command, err)
	}
	return res
}

func (e *testEnv) narrations() []memory.Narration {
	var out []memory.Narration
	e.store.View(func(v memory.View) { out = v.Narrations(0) })
	return out
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

// ─────────────────────────────────────────────────────────────────────────────
// Turn lifecycle
// ─────────────────────────────────────────────────────────────────────────────

func TestPlayTurn_CompletionSeesRecordedTurn(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	env.run(t)

	env.play(t, westOfHouse)
	env.waitIdle(t)
	res := env.play(t, takeMat)
	if res.Turn != 1 || !slices.Equal(res.Submitted, []string{"narration"}) {
		t.Fatalf("result = %+v", res)
	}

	// The snapshot right after the turn reflects it.
	snap := env.session.Snapshot()
	if snap.PlayerState.Moves != 1 || !slices.Equal(snap.PlayerState.Inventory, []string{"mat"}) {
		t.Errorf("snapshot state = %+v", snap.PlayerState)
	}
	if got := snap.CurrentScene.CurrentItems; !slices.Equal(got, []string{"mailbox"}) {
		t.Errorf("CurrentItems = %v, want [mailbox]", got)
	}
	env.waitIdle(t)

	calls := env.llm.Calls()
	if len(calls) != 2 {
		t.Fatalf("LLM calls = %d, want 2", len(calls))
	}
	prompt := calls[1].Req.Messages[0].Content
	for _, want := range []string{"Latest engine response:\nTaken.", "Visible items: mailbox", "Inventory highlights: mat"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("turn 1 prompt missing %q:\n%s", want, prompt)
		}
	}

	narr := env.narrations()
	if len(narr) != 2 {
		t.Fatalf("narrations = %+v", narr)
	}
	if narr[0].Turn != 0 || narr[0].Trigger != TriggerOpening || narr[1].Turn != 1 || narr[1].Trigger != TriggerTurn {
		t.Errorf("narrations = %+v", narr)
	}
	if got := env.sched.Statuses().Of(scheduler.KindNarration); got != scheduler.StatusReady {
		t.Errorf("narration status = %v", got)
	}
}

func TestPlayTurn_SubmittedTasks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup []memory.EngineFacts
		facts memory.EngineFacts
		want  []string
	}{
		{
			name:  "opening turn",
			facts: westOfHouse,
			want:  []string{"narration", "memory_enrichment", "scene_image_prompt"},
		},
		{
			name:  "same room",
			setup: []memory.EngineFacts{westOfHouse},
			facts: takeMat,
			want:  []string{"narration"},
		},
		{
			name:  "new room",
			setup: []memory.EngineFacts{westOfHouse},
			facts: goNorth,
			want:  []string{"narration", "memory_enrichment", "scene_image_prompt"},
		},
		{
			name:  "engine failure",
			setup: []memory.EngineFacts{westOfHouse},
			facts: memory.EngineFacts{Command: "xyzzy", GameException: true, ExceptionMessage: "parser died"},
		},
		{
			name:  "duplicate delivery",
			setup: []memory.EngineFacts{westOfHouse, takeMat},
			facts: takeMat,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newEnv(t, withImages(t), withEnrichment(nil))
			for _, f := range tt.setup {
				env.play(t, f)
			}
			before := env.sched.Report().Pending

			res := env.play(t, tt.facts)
			if !slices.Equal(res.Submitted, tt.want) {
				t.Errorf("Submitted = %v, want %v", res.Submitted, tt.want)
			}
			if got := len(env.sched.Report().Pending) - len(before); got != len(tt.want) {
				t.Errorf("queued %d tasks, want %d", got, len(tt.want))
			}
		})
	}
}

func TestPlayTurn_NarrationDisabledWithoutLLM(t *testing.T) {
	t.Parallel()

	store := memory.NewStore("alice")
	sched := scheduler.New(store, scheduler.Config{})
	s, err := New(Config{Store: store, Scheduler: sched, NarrationEnabled: true, EnrichmentEnabled: true})
	if err != nil {
		t.Fatal(err)
	}
	res, err := s.PlayTurn(context.Background(), westOfHouse)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Submitted) != 0 {
		t.Errorf("Submitted = %v without an LLM", res.Submitted)
	}
	if err := s.RequestAmbientNarration(context.Background()); !errors.Is(err, ErrNoLLM) {
		t.Errorf("RequestAmbientNarration = %v, want ErrNoLLM", err)
	}
}

func TestOpen(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	if env.session.Opened() {
		t.Fatal("Opened before the first turn")
	}
	if _, err := env.session.Open(context.Background(), westOfHouse); err != nil {
		t.Fatal(err)
	}
	if !env.session.Opened() {
		t.Error("not Opened after Open")
	}
	if _, err := env.session.Open(context.Background(), westOfHouse); !errors.Is(err, ErrAlreadyOpen) {
		t.Errorf("second Open = %v, want ErrAlreadyOpen", err)
	}
}

func TestNarration_StaleTurnsSkipped(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	env.play(t, westOfHouse)
	env.play(t, takeMat)
	env.play(t, goNorth)

	// The worker starts after three turns: only the newest narration runs.
	env.run(t)
	env.waitIdle(t)

	narr := env.narrations()
	if len(narr) != 1 || narr[0].Turn != 2 || narr[0].Room != "North of House" {
		t.Errorf("narrations = %+v, want only turn 2", narr)
	}
	stale := env.sink.OfType(scheduler.EventJobStale)
	if len(stale) != 2 {
		t.Fatalf("job_stale = %d, want 2", len(stale))
	}
	for _, ev := range stale {
		if ev.Payload["reason"] != "superseded_turn" {
			t.Errorf("stale reason = %v", ev.Payload["reason"])
		}
	}
	if n := len(env.llm.Calls()); n != 1 {
		t.Errorf("LLM calls = %d, want 1", n)
	}
}

func TestNarration_EmptyReplyUsesFallback(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	env.llm.CompleteFunc = nil
	env.llm.CompleteResponse = &llm.CompletionResponse{Content: "   "}
	env.run(t)
	env.play(t, westOfHouse)
	env.waitIdle(t)

	narr := env.narrations()
	if len(narr) != 1 || narr[0].Text != "The game continues..." {
		t.Errorf("narrations = %+v", narr)
	}
}

func TestNarration_FailureIsolated(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	env.llm.CompleteFunc = nil
	env.llm.CompleteErr = errors.New("model overloaded")
	env.run(t)

	env.play(t, westOfHouse)
	env.waitIdle(t)
	if got := env.sched.Statuses().Of(scheduler.KindNarration); got != scheduler.StatusError {
		t.Errorf("status = %v, want error", got)
	}
	// Play continues.
	if res := env.play(t, takeMat); res.Turn != 1 {
		t.Errorf("turn = %d", res.Turn)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Enrichment
// ─────────────────────────────────────────────────────────────────────────────

func TestEnrichment_AppendsAndIndexesNote(t *testing.T) {
	t.Parallel()

	index := &memorymock.NoteIndex{}
	embedder := &embeddingsmock.Provider{}
	env := newEnv(t, withEnrichment(NewNoteRecall(index, embedder)))
	env.llm.CompleteFunc = func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if strings.HasPrefix(req.Messages[0].Content, "Location:") {
			return &llm.CompletionResponse{Content: "The mailbox may hold something."}, nil
		}
		return &llm.CompletionResponse{Content: "A breeze stirs."}, nil
	}
	env.run(t)
	env.play(t, westOfHouse)
	env.waitIdle(t)

	var sc *memory.Scene
	env.store.View(func(v memory.View) { sc = v.Scene("West of House") })
	if len(sc.Notes) != 1 || sc.Notes[0].Text != "The mailbox may hold something." {
		t.Fatalf("Notes = %+v", sc.Notes)
	}
	if got := index.CallCount("IndexNote"); got != 1 {
		t.Errorf("IndexNote calls = %d, want 1", got)
	}
	if len(embedder.Documents) != 1 || !strings.HasPrefix(embedder.Documents[0], "West of House: ") {
		t.Errorf("embedded documents = %v", embedder.Documents)
	}
	if n := len(env.sink.OfType(memory.EventSceneNoteAdded)); n != 1 {
		t.Errorf("scene_note_added = %d", n)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Scene images
// ─────────────────────────────────────────────────────────────────────────────

func TestSceneImage_ChainOnEntry(t *testing.T) {
	t.Parallel()

	env := newEnv(t, withImages(t))
	env.run(t)
	env.play(t, westOfHouse)
	env.waitIdle(t)

	if env.images.NeedsImage("West of House") {
		t.Fatal("no image cached after entering the room")
	}
	reqs := env.image.Calls()
	if len(reqs) != 1 {
		t.Fatalf("image requests = %d, want 1", len(reqs))
	}
	if !strings.HasPrefix(reqs[0].Prompt, "reply to ") || reqs[0].Size != "512x512" {
		t.Errorf("image request = %+v", reqs[0])
	}
	for _, k := range []scheduler.Kind{scheduler.KindImagePrompt, scheduler.KindImageGeneration} {
		if got := env.sched.Statuses().Of(k); got != scheduler.StatusReady {
			t.Errorf("%s = %v, want ready", k, got)
		}
	}

	// Re-entering a room with a cached image queues nothing.
	env.play(t, goNorth)
	env.waitIdle(t)
	res := env.play(t, memory.EngineFacts{Command: "south", Room: "West of House", Moves: 3})
	if slices.Contains(res.Submitted, "scene_image_prompt") {
		t.Errorf("image prompt resubmitted for cached room: %v", res.Submitted)
	}
}

func TestRequestSceneImage(t *testing.T) {
	t.Parallel()

	env := newEnv(t, withImages(t))
	ctx := context.Background()

	if _, err := env.session.RequestSceneImage(ctx, "", false); !errors.Is(err, ErrNotOpen) {
		t.Errorf("before opening: %v, want ErrNotOpen", err)
	}

	env.run(t)
	env.play(t, westOfHouse)
	env.waitIdle(t)

	got, err := env.session.RequestSceneImage(ctx, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Cached || got.Quality != "medium" || got.Queued != "" {
		t.Errorf("cached request = %+v", got)
	}

	// Forcing reuses the cached prompt at the regeneration quality.
	llmCalls := len(env.llm.Calls())
	got, err = env.session.RequestSceneImage(ctx, "", true)
	if err != nil {
		t.Fatal(err)
	}
	if got.Cached || got.Quality != "high" || got.Queued != "scene_image_generation" {
		t.Errorf("forced request = %+v", got)
	}
	env.waitIdle(t)
	if len(env.llm.Calls()) != llmCalls {
		t.Error("forced regeneration called the LLM despite a cached prompt")
	}
	if _, err := env.images.Cached("West of House", "high"); err != nil {
		t.Errorf("high quality not cached: %v", err)
	}

	if _, err := env.session.RequestSceneImage(ctx, "ultra", false); !errors.Is(err, imagecache.ErrUnknownQuality) {
		t.Errorf("unknown quality: %v", err)
	}

	plain := newEnv(t)
	plain.play(t, westOfHouse)
	if _, err := plain.session.RequestSceneImage(ctx, "", false); !errors.Is(err, ErrImagesDisabled) {
		t.Errorf("without images: %v, want ErrImagesDisabled", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Identity transitions
// ─────────────────────────────────────────────────────────────────────────────

// blockingLLM blocks the first Complete call until release is closed.
type blockingLLM struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingLLM() *blockingLLM {
	return &blockingLLM{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingLLM) complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.started)
		select {
		case <-b.release:
		case <-ctx.Done():
			// Keep going: a cancelled task may still try to commit.
			<-b.release
		}
	}
	return &llm.CompletionResponse{Content: "narrated: " + firstLine(req.Messages[0].Content)}, nil
}

func TestRename_MidQueue(t *testing.T) {
	t.Parallel()

	env := newEnv(t, withCheckpointer())
	block := newBlockingLLM()
	env.llm.CompleteFunc = block.complete
	env.run(t)
	ctx := context.Background()

	env.play(t, westOfHouse) // narration turn 0 runs and blocks
	select {
	case <-block.started:
	case <-time.After(5 * time.Second):
		t.Fatal("narration never started")
	}
	env.play(t, takeMat) // narration turn 1 pending
	if err := env.session.RequestAmbientNarration(ctx); err != nil {
		t.Fatal(err) // ambient narration pending
	}
	if n := len(env.sched.Report().Pending); n != 2 {
		t.Fatalf("pending = %d, want 2", n)
	}

	if err := env.session.Rename(ctx, "bob"); err != nil {
		t.Fatal(err)
	}

	// Reset is complete as soon as Rename returns.
	if env.store.Player() != "bob" || env.store.LatestTurn() != -1 || env.store.CurrentRoom() != "" {
		t.Errorf("store not reset: player %q turn %d room %q", env.store.Player(), env.store.LatestTurn(), env.store.CurrentRoom())
	}
	if len(env.sched.Report().Pending) != 0 {
		t.Error("queue not drained")
	}
	cancelled := env.sink.OfType(scheduler.EventJobCancelled)
	if len(cancelled) != 3 {
		t.Fatalf("job_cancelled = %d, want 3 (running + 2 pending)", len(cancelled))
	}
	for _, ev := range cancelled {
		if ev.Player != "alice" {
			t.Errorf("cancellation attributed to %q", ev.Player)
		}
	}
	reset := env.sink.OfType(memory.EventMemoryReset)
	if len(reset) != 1 || reset[0].Player != "bob" || reset[0].Payload["previous_player"] != "alice" || reset[0].Payload["reason"] != "rename" {
		t.Errorf("memory_reset = %+v", reset)
	}
	if env.durable.CallCount("Reset") != 1 {
		t.Errorf("durable Reset calls = %d", env.durable.CallCount("Reset"))
	}
	if _, ok := env.durable.Scene("alice", "West of House"); !ok {
		t.Error("old identity not flushed before reset")
	}

	// The in-flight task finishes after the reset and must not write.
	close(block.release)
	env.waitIdle(t)
	if narr := env.narrations(); len(narr) != 0 {
		t.Errorf("old narration leaked into new identity: %+v", narr)
	}
	if n := len(env.sink.OfType(memory.EventNarrationAppended)); n != 0 {
		t.Errorf("narration_appended = %d, want 0", n)
	}

	// The new identity plays from scratch.
	res := env.play(t, goNorth)
	if res.Turn != 0 || res.Player != "bob" {
		t.Errorf("first bob turn = %+v", res)
	}
	env.waitIdle(t)
	narr := env.narrations()
	if len(narr) != 1 || narr[0].Room != "North of House" || narr[0].Trigger != TriggerOpening {
		t.Errorf("bob narrations = %+v", narr)
	}
	var rooms []string
	env.store.View(func(v memory.View) { rooms = v.VisitOrder() })
	if !slices.Equal(rooms, []string{"North of House"}) {
		t.Errorf("bob scenes = %v", rooms)
	}
}

func TestRename_Validation(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	env.play(t, westOfHouse)
	ctx := context.Background()
	if err := env.session.Rename(ctx, "   "); !errors.Is(err, ErrEmptyPlayer) {
		t.Errorf("blank name: %v", err)
	}
	if err := env.session.Rename(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if env.store.LatestTurn() != 0 {
		t.Error("renaming to the same name reset memory")
	}
	if err := env.session.Rename(ctx, " ALICE "); err != nil {
		t.Fatal(err)
	}
	if env.store.LatestTurn() != 0 || env.store.Player() != "alice" {
		t.Errorf("case-only rename changed identity: player %q turn %d", env.store.Player(), env.store.LatestTurn())
	}
	if n := len(env.sink.OfType(memory.EventMemoryReset)); n != 0 {
		t.Errorf("memory_reset events = %d, want 0", n)
	}
}

func TestRestart(t *testing.T) {
	t.Parallel()

	env := newEnv(t, withCheckpointer())
	env.play(t, westOfHouse)
	gen := env.store.Generation()

	if err := env.session.Restart(context.Background()); err != nil {
		t.Fatal(err)
	}
	if env.store.Player() != "alice" || env.store.LatestTurn() != -1 || env.store.Generation() != gen+1 {
		t.Errorf("after restart: player %q turn %d gen %d", env.store.Player(), env.store.LatestTurn(), env.store.Generation())
	}
	if !env.session.LastActivity().IsZero() {
		t.Error("activity not cleared")
	}
	reset := env.sink.OfType(memory.EventMemoryReset)
	if len(reset) != 1 || reset[0].Payload["reason"] != "restart" || reset[0].Payload["generation"] != gen+1 {
		t.Errorf("memory_reset = %+v", reset)
	}
	// Restart does not flush the identity it is about to wipe.
	if env.durable.CallCount("SaveScene") != 0 {
		t.Errorf("SaveScene calls = %d, want 0", env.durable.CallCount("SaveScene"))
	}
}
