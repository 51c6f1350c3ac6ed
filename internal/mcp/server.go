// Package mcp exposes the game memory as Model Context Protocol tools, so
// that external agents can read the same context the narrator sees.
//
// Tools:
//
//	scene_context     the current prompt snapshot, or one scene by room
//	scheduler_status  status board plus running and pending tasks
//	list_scenes       every visited room, most recent first
//	recall_scenes     similarity search over enrichment notes
//
// recall_scenes is only registered when the session has a note recall.
// The server is served over streamable HTTP, see [Server.Handler].
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/lorekeeper/internal/session"
)

// Tool names.
const (
	ToolSceneContext    = "scene_context"
	ToolSchedulerStatus = "scheduler_status"
	ToolListScenes      = "list_scenes"
	ToolRecallScenes    = "recall_scenes"
)

// Version is reported to MCP clients during initialisation.
var Version = "dev"

// Server is an MCP tool server backed by a [session.Session].
type Server struct {
	session *session.Session
	server  *mcpsdk.Server
	handler *mcpsdk.StreamableHTTPHandler
}

// NewServer builds the tool server for s.
func NewServer(s *session.Session) (*Server, error) {
	if s == nil {
		return nil, errors.New("mcp: session is required")
	}
	srv := &Server{session: s}
	srv.server = mcpsdk.NewServer(&mcpsdk.Implementation{Name: "lorekeeper", Version: Version}, nil)

	mcpsdk.AddTool(srv.server, &mcpsdk.Tool{
		Name:        ToolSceneContext,
		Description: "Return the narrator's current context: player state, current scene, recent scenes and recent narrations. With a room argument, return that scene only.",
	}, srv.handleSceneContext)
	mcpsdk.AddTool(srv.server, &mcpsdk.Tool{
		Name:        ToolSchedulerStatus,
		Description: "Return the status of each background AI task kind and the tasks running or queued.",
	}, srv.handleSchedulerStatus)
	mcpsdk.AddTool(srv.server, &mcpsdk.Tool{
		Name:        ToolListScenes,
		Description: "List every room the player has visited, most recently visited first, with visit counts.",
	}, srv.handleListScenes)
	if s.Notes() != nil {
		mcpsdk.AddTool(srv.server, &mcpsdk.Tool{
			Name:        ToolRecallScenes,
			Description: "Find the scene notes most similar to a free-text query, such as a half-remembered place or object.",
		}, srv.handleRecallScenes)
	}

	srv.handler = mcpsdk.NewStreamableHTTPHandler(
		func(*http.Request) *mcpsdk.Server { return srv.server },
		&mcpsdk.StreamableHTTPOptions{Stateless: true},
	)
	return srv, nil
}

// Handler returns the streamable HTTP handler, usually mounted at /mcp.
func (s *Server) Handler() http.Handler { return s.handler }

// ─────────────────────────────────────────────────────────────────────────────
// scene_context
// ─────────────────────────────────────────────────────────────────────────────

// SceneContextInput is the input of scene_context.
type SceneContextInput struct {
	Room string `json:"room,omitempty" jsonschema:"optional room name; when empty the full current context is returned"`
}

func (s *Server) handleSceneContext(_ context.Context, _ *mcpsdk.CallToolRequest, in SceneContextInput) (*mcpsdk.CallToolResult, any, error) {
	room := strings.TrimSpace(in.Room)
	if room == "" {
		return jsonResult(s.session.Snapshot())
	}
	sc, ok := s.session.Exporter().Scene(room)
	if !ok {
		return errorResult(fmt.Sprintf("no scene recorded for room %q", room))
	}
	return jsonResult(sc)
}

// ─────────────────────────────────────────────────────────────────────────────
// scheduler_status
// ─────────────────────────────────────────────────────────────────────────────

func (s *Server) handleSchedulerStatus(_ context.Context, _ *mcpsdk.CallToolRequest, _ struct{}) (*mcpsdk.CallToolResult, any, error) {
	return jsonResult(s.session.Scheduler().Report())
}

// ─────────────────────────────────────────────────────────────────────────────
// list_scenes
// ─────────────────────────────────────────────────────────────────────────────

// SceneSummary is one entry of list_scenes.
type SceneSummary struct {
	Room           string `json:"room"`
	VisitCount     int    `json:"visit_count"`
	FirstVisitTurn int    `json:"first_visit_turn"`
	LastVisitTurn  int    `json:"last_visit_turn"`
	Notes          int    `json:"notes"`
}

// ListScenesOutput is the result of list_scenes.
type ListScenesOutput struct {
	Player      string         `json:"player"`
	CurrentRoom string         `json:"current_room"`
	Scenes      []SceneSummary `json:"scenes"`
}

func (s *Server) handleListScenes(_ context.Context, _ *mcpsdk.CallToolRequest, _ struct{}) (*mcpsdk.CallToolResult, any, error) {
	scenes := s.session.Exporter().Scenes()
	out := ListScenesOutput{
		Player:      s.session.Player(),
		CurrentRoom: s.session.Snapshot().CurrentRoom,
		Scenes:      make([]SceneSummary, 0, len(scenes)),
	}
	for _, sc := range scenes {
		out.Scenes = append(out.Scenes, SceneSummary{
			Room:           sc.Room,
			VisitCount:     sc.VisitCount,
			FirstVisitTurn: sc.FirstVisitTurn,
			LastVisitTurn:  sc.LastVisitTurn,
			Notes:          len(sc.Notes),
		})
	}
	return jsonResult(out)
}

// ─────────────────────────────────────────────────────────────────────────────
// recall_scenes
// ─────────────────────────────────────────────────────────────────────────────

// RecallScenesInput is the input of recall_scenes.
type RecallScenesInput struct {
	Query string `json:"query" jsonschema:"free-text description of what to look for"`
	TopK  int    `json:"top_k,omitempty" jsonschema:"maximum number of matches, default 5"`
}

func (s *Server) handleRecallScenes(ctx context.Context, _ *mcpsdk.CallToolRequest, in RecallScenesInput) (*mcpsdk.CallToolResult, any, error) {
	if strings.TrimSpace(in.Query) == "" {
		return errorResult("query is required")
	}
	matches, err := s.session.Notes().Recall(ctx, s.session.Player(), in.Query, in.TopK)
	if err != nil {
		return errorResult(fmt.Sprintf("recall failed: %v", err))
	}
	if matches == nil {
		return jsonResult(map[string]any{"matches": []any{}})
	}
	return jsonResult(map[string]any{"matches": matches})
}

// ─────────────────────────────────────────────────────────────────────────────
// Results
// ─────────────────────────────────────────────────────────────────────────────

func jsonResult(v any) (*mcpsdk.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to serialize result: %v", err))
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
	}, nil, nil
}

func errorResult(msg string) (*mcpsdk.CallToolResult, any, error) {
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: msg}},
	}, nil, nil
}
