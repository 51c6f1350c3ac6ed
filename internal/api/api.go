// Package api exposes the game session over HTTP.
//
// Routes:
//
//	POST /api/turns            record one turn of engine facts
//	GET  /api/status           scheduler statuses, running and pending tasks
//	GET  /api/snapshot         the current prompt context
//	POST /api/rename           switch player identity
//	POST /api/restart          start the current identity over
//	POST /api/ambient          queue an ambient narration
//	POST /api/scene-image      request a scene image
//	GET  /api/scene-image      serve the cached image of the current room
//	GET  /api/events           websocket feed of audit events and statuses
//
// Request and response bodies are JSON. Errors are returned as
// {"error": "..."} with a status code derived from the session error.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/MrWong99/lorekeeper/internal/audit"
	"github.com/MrWong99/lorekeeper/internal/imagecache"
	"github.com/MrWong99/lorekeeper/internal/observe"
	"github.com/MrWong99/lorekeeper/internal/scheduler"
	"github.com/MrWong99/lorekeeper/internal/session"
	"github.com/MrWong99/lorekeeper/pkg/memory"
)

// maxBodyBytes bounds request bodies. Engine facts carry room descriptions
// and result text but never more than a few kilobytes.
const maxBodyBytes = 1 << 20

// Server serves the HTTP API for one [session.Session].
type Server struct {
	session *session.Session
	hub     *audit.Hub
	metrics *observe.Metrics
}

// Config wires a [Server]. Session is required.
type Config struct {
	Session *session.Session

	// Hub feeds /api/events. When nil, the feed only carries statuses.
	Hub *audit.Hub

	// Metrics instruments the routes. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// NewServer returns a Server for cfg.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Session == nil {
		return nil, errors.New("api: session is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Server{session: cfg.Session, hub: cfg.Hub, metrics: cfg.Metrics}, nil
}

// Register adds the API routes to mux, wrapped in [observe.Middleware].
func (s *Server) Register(mux *http.ServeMux) {
	mw := observe.Middleware(s.metrics)
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, mw(h))
	}
	handle("POST /api/turns", s.handleTurn)
	handle("GET /api/status", s.handleStatus)
	handle("GET /api/snapshot", s.handleSnapshot)
	handle("POST /api/rename", s.handleRename)
	handle("POST /api/restart", s.handleRestart)
	handle("POST /api/ambient", s.handleAmbient)
	handle("POST /api/scene-image", s.handleRequestImage)
	handle("GET /api/scene-image", s.handleServeImage)
	handle("GET /api/events", s.handleEvents)
}

// ─────────────────────────────────────────────────────────────────────────────
// Turns
// ─────────────────────────────────────────────────────────────────────────────

// TurnResponse is the body returned by POST /api/turns.
type TurnResponse struct {
	Player      string                `json:"player"`
	Turn        int                   `json:"turn"`
	Room        string                `json:"room"`
	Generation  uint64                `json:"generation"`
	Category    memory.ActionCategory `json:"category"`
	RoomChanged bool                  `json:"room_changed"`
	FirstVisit  bool                  `json:"first_visit"`
	Skipped     bool                  `json:"skipped"`
	Duplicate   bool                  `json:"duplicate"`
	Submitted   []string              `json:"submitted"`
	Rejected    []string              `json:"rejected,omitempty"`
}

func newTurnResponse(res session.TurnResult) TurnResponse {
	submitted := res.Submitted
	if submitted == nil {
		submitted = []string{}
	}
	return TurnResponse{
		Player:      res.Player,
		Turn:        res.Turn,
		Room:        res.Room,
		Generation:  res.Generation,
		Category:    res.Category,
		RoomChanged: res.RoomChanged,
		FirstVisit:  res.FirstVisit,
		Skipped:     res.Skipped,
		Duplicate:   res.Duplicate,
		Submitted:   submitted,
		Rejected:    res.Rejected,
	}
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var facts memory.EngineFacts
	if !decodeBody(w, r, &facts) {
		return
	}
	res, err := s.session.PlayTurn(r.Context(), facts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTurnResponse(res))
}

// ─────────────────────────────────────────────────────────────────────────────
// Read-only views
// ─────────────────────────────────────────────────────────────────────────────

// StatusResponse is the body returned by GET /api/status.
type StatusResponse struct {
	Player string `json:"player"`
	Opened bool   `json:"opened"`
	scheduler.Report
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Player: s.session.Player(),
		Opened: s.session.Opened(),
		Report: s.session.Scheduler().Report(),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

// ─────────────────────────────────────────────────────────────────────────────
// Identity
// ─────────────────────────────────────────────────────────────────────────────

type renameRequest struct {
	Player string `json:"player"`
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.session.Rename(r.Context(), req.Player); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"player": s.session.Player()})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Restart(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"player": s.session.Player()})
}

// ─────────────────────────────────────────────────────────────────────────────
// On-demand work
// ─────────────────────────────────────────────────────────────────────────────

func (s *Server) handleAmbient(w http.ResponseWriter, r *http.Request) {
	if err := s.session.RequestAmbientNarration(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"queued": scheduler.KindNarration.String()})
}

type imageRequest struct {
	Quality string `json:"quality"`
	Force   bool   `json:"force"`
}

func (s *Server) handleRequestImage(w http.ResponseWriter, r *http.Request) {
	var req imageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.session.RequestSceneImage(r.Context(), req.Quality, req.Force)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusAccepted
	if res.Cached {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// handleServeImage writes the cached PNG of the current room. The room can
// be overridden with ?room= and the quality with ?quality=.
func (s *Server) handleServeImage(w http.ResponseWriter, r *http.Request) {
	images := s.session.Images()
	if images == nil {
		writeError(w, session.ErrImagesDisabled)
		return
	}
	room := r.URL.Query().Get("room")
	if room == "" {
		room = s.session.Snapshot().CurrentRoom
	}
	if room == "" {
		writeError(w, session.ErrNotOpen)
		return
	}
	res, err := images.Cached(room, r.URL.Query().Get("quality"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(res.PNG)))
	w.Header().Set("X-Scene-Quality", res.Quality)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.PNG); err != nil {
		slog.Debug("api: write image", "room", room, "err", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// decodeBody decodes a JSON request body into v. An empty body leaves v
// untouched. On failure it writes a 400 and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("invalid request body: %v", err)})
		return false
	}
	return true
}

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps session and scheduler errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrEmptyPlayer),
		errors.Is(err, imagecache.ErrUnknownQuality):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotOpen),
		errors.Is(err, imagecache.ErrNotCached):
		return http.StatusNotFound
	case errors.Is(err, session.ErrAlreadyOpen):
		return http.StatusConflict
	case errors.Is(err, session.ErrImagesDisabled),
		errors.Is(err, session.ErrNoLLM):
		return http.StatusNotImplemented
	case errors.Is(err, scheduler.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, scheduler.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("api: request failed", "err", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api: encode response", "err", err)
	}
}
