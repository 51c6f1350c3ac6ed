package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/lorekeeper/internal/api"
	"github.com/MrWong99/lorekeeper/internal/audit"
	"github.com/MrWong99/lorekeeper/internal/imagecache"
	"github.com/MrWong99/lorekeeper/internal/scheduler"
	"github.com/MrWong99/lorekeeper/internal/session"
	"github.com/MrWong99/lorekeeper/pkg/memory"
	imagemock "github.com/MrWong99/lorekeeper/pkg/provider/image/mock"
	"github.com/MrWong99/lorekeeper/pkg/provider/llm"
	llmmock "github.com/MrWong99/lorekeeper/pkg/provider/llm/mock"
)

// ─────────────────────────────────────────────────────────────────────────────
// helpers
// ─────────────────────────────────────────────────────────────────────────────

var westOfHouse = memory.EngineFacts{
	Command:               "look",
	ResultText:            "West of House\nYou are standing in an open field west of a white house.",
	Room:                  "West of House",
	DescriptionParagraphs: []string{"You are standing in an open field west of a white house."},
	VisibleItems:          []string{"mailbox"},
}

type testServer struct {
	srv     *httptest.Server
	session *session.Session
	sched   *scheduler.Scheduler
	hub     *audit.Hub
}

func newServer(t *testing.T, withImages bool) *testServer {
	t.Helper()
	store := memory.NewStore("alice")
	hub := audit.NewHub(0, nil)
	disp := audit.NewDispatcher()
	disp.AddSink("hub", hub)

	sched := scheduler.New(store, scheduler.Config{Sink: disp})
	cfg := session.Config{
		Store:     store,
		Scheduler: sched,
		Sink:      disp,
		LLM: &llmmock.Provider{CompleteFunc: func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return &llm.CompletionResponse{Content: "A wind stirs."}, nil
		}},
		NarrationEnabled: true,
	}
	if withImages {
		cache, err := imagecache.New(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		cfg.Images = imagecache.NewService(cache, &imagemock.Provider{}, imagecache.Config{})
	}
	sess, err := session.New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	s, err := api.NewServer(api.Config{Session: sess, Hub: hub})
	if err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	s.Register(mux)
	srv := httptest.NewServer(mux)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sched.Run(ctx)
	}()
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
		cancel()
		<-done
	})
	return &testServer{srv: srv, session: sess, sched: sched, hub: hub}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := ts.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *testServer) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ts.sched.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

// ─────────────────────────────────────────────────────────────────────────────
// Turns and views
// ─────────────────────────────────────────────────────────────────────────────

func TestTurns(t *testing.T) {
	t.Parallel()
	ts := newServer(t, false)

	resp := ts.do(t, "POST", "/api/turns", westOfHouse)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := decode[api.TurnResponse](t, resp)
	if got.Turn != 0 || got.Room != "West of House" || !got.FirstVisit || got.Player != "alice" {
		t.Errorf("opening turn = %+v", got)
	}
	if !slices.Contains(got.Submitted, "narration") {
		t.Errorf("submitted = %v", got.Submitted)
	}
	ts.waitIdle(t)

	snap := decode[memory.Snapshot](t, ts.do(t, "GET", "/api/snapshot", nil))
	if snap.CurrentRoom != "West of House" || len(snap.RecentNarrations) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.RecentNarrations[0].Text != "A wind stirs." {
		t.Errorf("narration = %q", snap.RecentNarrations[0].Text)
	}
}

func TestTurns_BadBody(t *testing.T) {
	t.Parallel()
	ts := newServer(t, false)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"room": `},
		{"unknown field", `{"rooom": "x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := ts.srv.Client().Post(ts.srv.URL+"/api/turns", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	ts := newServer(t, false)

	got := decode[api.StatusResponse](t, ts.do(t, "GET", "/api/status", nil))
	if got.Player != "alice" || got.Opened {
		t.Errorf("status = %+v", got)
	}
	if len(got.Statuses) != len(scheduler.Kinds()) {
		t.Errorf("statuses = %v", got.Statuses)
	}
	if got.Capacity != scheduler.DefaultCapacity {
		t.Errorf("capacity = %d", got.Capacity)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Identity and on-demand work
// ─────────────────────────────────────────────────────────────────────────────

func TestRenameAndRestart(t *testing.T) {
	t.Parallel()
	ts := newServer(t, false)
	ts.do(t, "POST", "/api/turns", westOfHouse)
	ts.waitIdle(t)

	if resp := ts.do(t, "POST", "/api/rename", map[string]string{"player": " "}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("blank rename status = %d", resp.StatusCode)
	}

	resp := ts.do(t, "POST", "/api/rename", map[string]string{"player": "bob"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rename status = %d", resp.StatusCode)
	}
	if got := decode[map[string]string](t, resp); got["player"] != "bob" {
		t.Errorf("rename = %v", got)
	}
	if ts.session.Opened() {
		t.Error("session still open after rename")
	}

	ts.do(t, "POST", "/api/turns", westOfHouse)
	ts.waitIdle(t)
	if resp := ts.do(t, "POST", "/api/restart", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("restart status = %d", resp.StatusCode)
	}
	if ts.session.Player() != "bob" || ts.session.Opened() {
		t.Errorf("after restart: player %q opened %v", ts.session.Player(), ts.session.Opened())
	}
}

func TestAmbient(t *testing.T) {
	t.Parallel()
	ts := newServer(t, false)

	if resp := ts.do(t, "POST", "/api/ambient", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("before opening: status = %d, want 404", resp.StatusCode)
	}
	ts.do(t, "POST", "/api/turns", westOfHouse)
	ts.waitIdle(t)
	if resp := ts.do(t, "POST", "/api/ambient", nil); resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
}

func TestSceneImage(t *testing.T) {
	t.Parallel()

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		ts := newServer(t, false)
		ts.do(t, "POST", "/api/turns", westOfHouse)
		if resp := ts.do(t, "POST", "/api/scene-image", map[string]any{}); resp.StatusCode != http.StatusNotImplemented {
			t.Errorf("status = %d, want 501", resp.StatusCode)
		}
	})

	t.Run("generated on entry then served", func(t *testing.T) {
		t.Parallel()
		ts := newServer(t, true)
		ts.do(t, "POST", "/api/turns", westOfHouse)
		ts.waitIdle(t)

		resp := ts.do(t, "GET", "/api/scene-image", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
			t.Errorf("Content-Type = %q", ct)
		}

		resp = ts.do(t, "POST", "/api/scene-image", map[string]any{})
		got := decode[session.ImageRequest](t, resp)
		if resp.StatusCode != http.StatusOK || !got.Cached {
			t.Errorf("cached request: status %d body %+v", resp.StatusCode, got)
		}

		resp = ts.do(t, "POST", "/api/scene-image", map[string]any{"force": true})
		got = decode[session.ImageRequest](t, resp)
		if resp.StatusCode != http.StatusAccepted || got.Queued != scheduler.KindImageGeneration.String() {
			t.Errorf("forced request: status %d body %+v", resp.StatusCode, got)
		}
	})

	t.Run("unknown quality", func(t *testing.T) {
		t.Parallel()
		ts := newServer(t, true)
		ts.do(t, "POST", "/api/turns", westOfHouse)
		if resp := ts.do(t, "POST", "/api/scene-image", map[string]any{"quality": "ultra"}); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("not cached", func(t *testing.T) {
		t.Parallel()
		ts := newServer(t, true)
		ts.do(t, "POST", "/api/turns", westOfHouse)
		ts.waitIdle(t)
		if resp := ts.do(t, "GET", "/api/scene-image?room=Attic", nil); resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Event feed
// ─────────────────────────────────────────────────────────────────────────────

func dialEvents(t *testing.T, ts *testServer, query string) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/api/events" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })
	return conn, ctx
}

func TestEvents_StatusThenEvents(t *testing.T) {
	t.Parallel()
	ts := newServer(t, false)
	conn, ctx := dialEvents(t, ts, "")

	var first api.FeedMessage
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatal(err)
	}
	if first.Type != api.MessageStatus || first.Statuses["narration"] != "idle" {
		t.Fatalf("first message = %+v", first)
	}

	ts.do(t, "POST", "/api/turns", westOfHouse)

	for {
		var msg api.FeedMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type == api.MessageEvent && msg.Event.Type == memory.EventTurnRecorded {
			if msg.Event.Player != "alice" || msg.Event.Seq == 0 {
				t.Errorf("event = %+v", msg.Event)
			}
			return
		}
	}
}

func TestEvents_ReplaysBacklogAfterSeq(t *testing.T) {
	t.Parallel()
	ts := newServer(t, false)
	ts.do(t, "POST", "/api/turns", westOfHouse)
	ts.waitIdle(t)

	recent := ts.hub.Recent(0)
	if len(recent) < 2 {
		t.Fatalf("backlog = %d events", len(recent))
	}
	after := recent[0].Seq
	conn, ctx := dialEvents(t, ts, "?after="+strconv.FormatUint(after, 10))

	var seqs []uint64
	for len(seqs) < len(recent)-1 {
		var msg api.FeedMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type == api.MessageEvent {
			seqs = append(seqs, msg.Event.Seq)
		}
	}
	for _, s := range seqs {
		if s <= after {
			t.Errorf("replayed seq %d, want > %d", s, after)
		}
	}
}

func TestEvents_BadAfter(t *testing.T) {
	t.Parallel()
	ts := newServer(t, false)
	if resp := ts.do(t, "GET", "/api/events?after=x", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
