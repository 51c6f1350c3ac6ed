package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/lorekeeper/internal/scheduler"
	"github.com/MrWong99/lorekeeper/internal/session"
	"github.com/MrWong99/lorekeeper/pkg/memory"
	memorymock "github.com/MrWong99/lorekeeper/pkg/memory/mock"
	embeddingsmock "github.com/MrWong99/lorekeeper/pkg/provider/embeddings/mock"
)

// ─────────────────────────────────────────────────────────────────────────────
// helpers
// ─────────────────────────────────────────────────────────────────────────────

func newSession(t *testing.T, notes *session.NoteRecall) *session.Session {
	t.Helper()
	store := memory.NewStore("alice")
	s, err := session.New(session.Config{
		Store:     store,
		Scheduler: scheduler.New(store, scheduler.Config{}),
		Notes:     notes,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func play(t *testing.T, s *session.Session, facts ...memory.EngineFacts) {
	t.Helper()
	for _, f := range facts {
		if _, err := s.PlayTurn(context.Background(), f); err != nil {
			t.Fatalf("PlayTurn(%q): %v", f.Command, err)
		}
	}
}

var (
	westOfHouse = memory.EngineFacts{
		Command: "look", ResultText: "West of House", Room: "West of House",
		DescriptionParagraphs: []string{"An open field west of a white house."},
		VisibleItems:          []string{"mailbox"},
	}
	northOfHouse = memory.EngineFacts{
		Command: "north", ResultText: "North of House", Room: "North of House",
		DescriptionParagraphs: []string{"The north side of a white house."},
		Moves:                 1,
	}
)

// connect starts srv on an in-memory transport and returns a client session.
func connect(t *testing.T, srv *Server) *mcpsdk.ClientSession {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	serverTransport, clientTransport := mcpsdk.NewInMemoryTransports()
	ss, err := srv.server.Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { ss.Close() })

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { cs.Close() })
	return cs
}

func call(t *testing.T, cs *mcpsdk.ClientSession, name string, args map[string]any) (string, bool) {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if len(res.Content) != 1 {
		t.Fatalf("CallTool(%s): %d content blocks", name, len(res.Content))
	}
	text, ok := res.Content[0].(*mcpsdk.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): content is %T", name, res.Content[0])
	}
	return text.Text, res.IsError
}

func toolNames(t *testing.T, cs *mcpsdk.ClientSession) []string {
	t.Helper()
	res, err := cs.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	slices.Sort(names)
	return names
}

// ─────────────────────────────────────────────────────────────────────────────
// Tests
// ─────────────────────────────────────────────────────────────────────────────

func TestNewServer_RequiresSession(t *testing.T) {
	t.Parallel()
	if _, err := NewServer(nil); err == nil {
		t.Fatal("expected error for nil session")
	}
}

func TestTools_RecallOnlyWithNotes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		notes *session.NoteRecall
		want  []string
	}{
		{
			name: "without notes",
			want: []string{ToolListScenes, ToolSceneContext, ToolSchedulerStatus},
		},
		{
			name:  "with notes",
			notes: session.NewNoteRecall(&memorymock.NoteIndex{}, &embeddingsmock.Provider{}),
			want:  []string{ToolListScenes, ToolRecallScenes, ToolSceneContext, ToolSchedulerStatus},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv, err := NewServer(newSession(t, tt.notes))
			if err != nil {
				t.Fatal(err)
			}
			if got := toolNames(t, connect(t, srv)); !slices.Equal(got, tt.want) {
				t.Errorf("tools = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSceneContext(t *testing.T) {
	t.Parallel()
	s := newSession(t, nil)
	play(t, s, westOfHouse, northOfHouse)
	srv, err := NewServer(s)
	if err != nil {
		t.Fatal(err)
	}
	cs := connect(t, srv)

	text, isErr := call(t, cs, ToolSceneContext, nil)
	if isErr {
		t.Fatalf("error result: %s", text)
	}
	var snap memory.Snapshot
	if err := json.Unmarshal([]byte(text), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.CurrentRoom != "North of House" || snap.Turn != 1 || len(snap.RecentScenes) != 1 {
		t.Errorf("snapshot = %+v", snap)
	}

	text, isErr = call(t, cs, ToolSceneContext, map[string]any{"room": "West of House"})
	if isErr || !strings.Contains(text, `"room":"West of House"`) {
		t.Errorf("scene by room = %s (error %v)", text, isErr)
	}

	text, isErr = call(t, cs, ToolSceneContext, map[string]any{"room": "Attic"})
	if !isErr || !strings.Contains(text, "Attic") {
		t.Errorf("unknown room = %s (error %v)", text, isErr)
	}
}

func TestSchedulerStatus(t *testing.T) {
	t.Parallel()
	srv, err := NewServer(newSession(t, nil))
	if err != nil {
		t.Fatal(err)
	}

	text, _ := call(t, connect(t, srv), ToolSchedulerStatus, nil)
	var report scheduler.Report
	if err := json.Unmarshal([]byte(text), &report); err != nil {
		t.Fatal(err)
	}
	if report.Statuses["narration"] != "idle" || report.Capacity != scheduler.DefaultCapacity {
		t.Errorf("report = %+v", report)
	}
}

func TestListScenes(t *testing.T) {
	t.Parallel()
	s := newSession(t, nil)
	play(t, s, westOfHouse, northOfHouse)
	srv, err := NewServer(s)
	if err != nil {
		t.Fatal(err)
	}

	text, _ := call(t, connect(t, srv), ToolListScenes, nil)
	var out ListScenesOutput
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		t.Fatal(err)
	}
	if out.Player != "alice" || out.CurrentRoom != "North of House" {
		t.Errorf("out = %+v", out)
	}
	if len(out.Scenes) != 2 || out.Scenes[0].Room != "North of House" || out.Scenes[1].FirstVisitTurn != 0 {
		t.Errorf("scenes = %+v", out.Scenes)
	}
}

func TestRecallScenes(t *testing.T) {
	t.Parallel()

	t.Run("matches", func(t *testing.T) {
		t.Parallel()
		index := &memorymock.NoteIndex{SearchResult: []memory.NoteMatch{
			{Room: "West of House", Note: memory.Note{Turn: 0, Text: "A mailbox stands here."}, Distance: 0.1},
		}}
		embedder := &embeddingsmock.Provider{}
		srv, err := NewServer(newSession(t, session.NewNoteRecall(index, embedder)))
		if err != nil {
			t.Fatal(err)
		}

		text, isErr := call(t, connect(t, srv), ToolRecallScenes, map[string]any{"query": "the mailbox", "top_k": 3})
		if isErr {
			t.Fatalf("error result: %s", text)
		}
		var out struct {
			Matches []memory.NoteMatch `json:"matches"`
		}
		if err := json.Unmarshal([]byte(text), &out); err != nil {
			t.Fatal(err)
		}
		if len(out.Matches) != 1 || out.Matches[0].Room != "West of House" {
			t.Errorf("matches = %+v", out.Matches)
		}
		if !slices.Equal(embedder.Queries, []string{"the mailbox"}) {
			t.Errorf("queries = %v", embedder.Queries)
		}
	})

	t.Run("empty query", func(t *testing.T) {
		t.Parallel()
		srv, err := NewServer(newSession(t, session.NewNoteRecall(&memorymock.NoteIndex{}, &embeddingsmock.Provider{})))
		if err != nil {
			t.Fatal(err)
		}
		if text, isErr := call(t, connect(t, srv), ToolRecallScenes, map[string]any{"query": "  "}); !isErr {
			t.Errorf("expected error result, got %s", text)
		}
	})

	t.Run("search failure", func(t *testing.T) {
		t.Parallel()
		index := &memorymock.NoteIndex{SearchErr: errors.New("db down")}
		srv, err := NewServer(newSession(t, session.NewNoteRecall(index, &embeddingsmock.Provider{})))
		if err != nil {
			t.Fatal(err)
		}
		text, isErr := call(t, connect(t, srv), ToolRecallScenes, map[string]any{"query": "lamp"})
		if !isErr || !strings.Contains(text, "db down") {
			t.Errorf("result = %s (error %v)", text, isErr)
		}
	})
}

func TestHandler_ServesHTTP(t *testing.T) {
	t.Parallel()
	srv, err := NewServer(newSession(t, nil))
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "http-client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, &mcpsdk.StreamableClientTransport{Endpoint: ts.URL}, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer cs.Close()

	if got := toolNames(t, cs); len(got) != 3 {
		t.Errorf("tools = %v", got)
	}
}
