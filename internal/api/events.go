package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/lorekeeper/internal/audit"
	"github.com/MrWong99/lorekeeper/pkg/memory"
)

// writeTimeout bounds a single websocket write so a stalled client cannot
// hold its subscription forever.
const writeTimeout = 5 * time.Second

// Feed message types.
const (
	MessageStatus = "status"
	MessageEvent  = "event"
)

// FeedMessage is one websocket message on /api/events. Exactly one of
// Statuses and Event is set, matching Type.
type FeedMessage struct {
	Type     string            `json:"type"`
	Statuses map[string]string `json:"statuses,omitempty"`
	Event    *memory.Event     `json:"event,omitempty"`
}

// handleEvents upgrades to a websocket and streams the status board and the
// audit events. The first message is always the current status board.
// ?after=N replays backlog events with a sequence number above N.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "after must be a sequence number"})
			return
		}
		after = n
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("api: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// Clients only listen; CloseRead handles their close frames and cancels
	// ctx when they go away.
	ctx := conn.CloseRead(r.Context())

	if err := s.stream(ctx, conn, after); err != nil && !isClosed(err) {
		slog.Debug("api: event feed ended", "err", err)
		conn.Close(websocket.StatusInternalError, "feed error")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) stream(ctx context.Context, conn *websocket.Conn, after uint64) error {
	statuses, unsubscribe := s.session.Scheduler().Subscribe()
	defer unsubscribe()

	var events <-chan memory.Event
	if s.hub != nil {
		sub := s.hub.Subscribe(ctx, after)
		defer sub.Close()
		events = sub.C()
	}

	for {
		var msg FeedMessage
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st := <-statuses:
			msg = FeedMessage{Type: MessageStatus, Statuses: st.Map()}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			msg = FeedMessage{Type: MessageEvent, Event: &ev}
		}
		if err := write(ctx, conn, msg); err != nil {
			return err
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, msg FeedMessage) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

func isClosed(err error) bool {
	return errors.Is(err, context.Canceled) ||
		websocket.CloseStatus(err) != -1
}

// Compile-time check that the hub can back the feed.
var _ memory.EventSink = (*audit.Hub)(nil)
