package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/MrWong99/lorekeeper/internal/session"
	"github.com/MrWong99/lorekeeper/pkg/memory"
)

// errReplayDone ends Run after a replay has been fed through the session.
var errReplayDone = errors.New("app: replay finished")

// Replay feeds a recorded game, one JSON engine-facts object per line,
// through a session. Each turn waits for the scheduler to drain before the
// next is played, so narrations land on the turn that triggered them.
type Replay struct {
	r io.Reader

	// KeepRunning leaves the app running after the last turn.
	KeepRunning bool
}

// NewReplay returns a replay reading JSON lines from r.
func NewReplay(r io.Reader) *Replay {
	return &Replay{r: r}
}

// Run plays every turn in the input. Engine failures are recorded like any
// other turn; malformed lines abort the replay.
func (rp *Replay) Run(ctx context.Context, s *session.Session) error {
	dec := json.NewDecoder(rp.r)
	for n := 1; ; n++ {
		var facts memory.EngineFacts
		if err := dec.Decode(&facts); err != nil {
			if errors.Is(err, io.EOF) {
				slog.Info("replay finished", "turns", n-1, "player", s.Player())
				break
			}
			return fmt.Errorf("app: replay line %d: %w", n, err)
		}
		res, err := s.PlayTurn(ctx, facts)
		if err != nil {
			return fmt.Errorf("app: replay turn %d: %w", n, err)
		}
		slog.Debug("replayed turn", "turn", res.Turn, "room", res.Room, "submitted", len(res.Submitted))
		if err := s.Scheduler().WaitIdle(ctx); err != nil {
			return err
		}
	}
	if rp.KeepRunning {
		<-ctx.Done()
		return nil
	}
	return errReplayDone
}
