package memory

import (
	"context"
	"time"
)

// StateRecord is the persisted form of the session-wide state.
type StateRecord struct {
	Turn        int         `json:"turn"`
	CurrentRoom string      `json:"current_room"`
	VisitOrder  []string    `json:"visit_order"`
	PlayerState PlayerState `json:"player_state"`
}

// Checkpoint is everything needed to rebuild a [Store] for one player.
type Checkpoint struct {
	Player  string      `json:"player"`
	State   StateRecord `json:"state"`
	Scenes  []Scene     `json:"scenes"`
	SavedAt time.Time   `json:"saved_at"`
}

// DurableStore persists memory for a player identity across process
// restarts. Implementations must be safe for concurrent use.
//
// Writes are upserts: saving a scene replaces the stored copy for that
// (player, room) pair. AppendEvents is append-only and preserves the order
// of events.
type DurableStore interface {
	SaveScene(ctx context.Context, player string, scene Scene) error
	SavePlayerState(ctx context.Context, player string, st StateRecord) error
	AppendEvents(ctx context.Context, player string, events []Event) error

	// Load returns the saved checkpoint for player. found is false when
	// nothing has been stored yet; that is not an error.
	Load(ctx context.Context, player string) (cp Checkpoint, found bool, err error)

	// Reset deletes every scene, state and event stored for player.
	Reset(ctx context.Context, player string) error

	Close() error
}

// NoteMatch is one result of a [NoteIndex] search.
type NoteMatch struct {
	Room     string  `json:"room"`
	Note     Note    `json:"note"`
	Distance float64 `json:"distance"`
}

// NoteIndex stores embeddings of scene enrichment notes for similarity
// recall. Lower Distance means more similar.
type NoteIndex interface {
	IndexNote(ctx context.Context, player, room string, note Note, embedding []float32) error
	SearchNotes(ctx context.Context, player string, embedding []float32, topK int) ([]NoteMatch, error)
	ResetNotes(ctx context.Context, player string) error
}
