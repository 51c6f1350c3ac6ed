package postgres_test

import (
	"context"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/lorekeeper/pkg/memory"
	"github.com/MrWong99/lorekeeper/pkg/memory/postgres"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if LOREKEEPER_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("LOREKEEPER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LOREKEEPER_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool := mustPool(t, ctx, dsn)
	t.Cleanup(cleanPool.Close)
	dropSchema(t, ctx, cleanPool)

	store, err := postgres.NewStore(ctx, dsn, testEmbeddingDim)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustPool(t *testing.T, ctx context.Context, dsn string) *pgxpool.Pool {
	t.Helper()
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		// pgvector may not be installed yet on a fresh DB
		_ = pgxvec.RegisterTypes(ctx, conn)
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	return pool
}

func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS scene_notes CASCADE",
		"DROP TABLE IF EXISTS memory_events CASCADE",
		"DROP TABLE IF EXISTS memory_state CASCADE",
		"DROP TABLE IF EXISTS memory_scenes CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("dropSchema %q: %v", stmt, err)
		}
	}
}

func testScene(room string, turn int) memory.Scene {
	sc := memory.NewScene(room, turn)
	sc.AddParagraphs([]string{"You are in the " + room + "."})
	sc.ObserveItems([]string{"lamp"})
	sc.AddAction(memory.ActionRecord{Turn: turn, Command: "look", Category: memory.CategoryGeneric})
	sc.Visit(turn, true)
	return *sc
}

// ─────────────────────────────────────────────────────────────────────────────
// DurableStore
// ─────────────────────────────────────────────────────────────────────────────

func TestStore_SaveAndLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, found, err := store.Load(ctx, "alice"); err != nil || found {
		t.Fatalf("Load(empty) = found %v, err %v", found, err)
	}

	for i, room := range []string{"Cellar", "Attic"} {
		if err := store.SaveScene(ctx, "alice", testScene(room, i)); err != nil {
			t.Fatalf("SaveScene: %v", err)
		}
	}
	// Upsert replaces.
	updated := testScene("Cellar", 2)
	updated.AddParagraphs([]string{"A draft blows."})
	if err := store.SaveScene(ctx, "alice", updated); err != nil {
		t.Fatalf("SaveScene(update): %v", err)
	}

	st := memory.StateRecord{
		Turn:        2,
		CurrentRoom: "Cellar",
		VisitOrder:  []string{"Attic", "Cellar"},
		PlayerState: memory.PlayerState{Inventory: []string{"sword"}, Score: 5, Moves: 3},
	}
	if err := store.SavePlayerState(ctx, "alice", st); err != nil {
		t.Fatalf("SavePlayerState: %v", err)
	}

	cp, found, err := store.Load(ctx, "alice")
	if err != nil || !found {
		t.Fatalf("Load = found %v, err %v", found, err)
	}
	if cp.State.Turn != 2 || cp.State.CurrentRoom != "Cellar" || cp.State.PlayerState.Score != 5 {
		t.Errorf("state = %+v", cp.State)
	}
	if len(cp.Scenes) != 2 {
		t.Fatalf("len(Scenes) = %d, want 2", len(cp.Scenes))
	}
	// Ordered by last_turn: Attic (1), Cellar (2).
	if cp.Scenes[1].Room != "Cellar" || len(cp.Scenes[1].Description) != 2 {
		t.Errorf("Cellar scene = %+v", cp.Scenes[1])
	}
}

func TestStore_AppendEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	events := []memory.Event{
		{Seq: 1, Timestamp: time.Now(), Type: memory.EventSceneActionAdded, Turn: 0, Payload: map[string]any{"room": "Cellar"}},
		{Seq: 2, Timestamp: time.Now(), Type: memory.EventTurnRecorded, Turn: 0},
	}
	if err := store.AppendEvents(ctx, "alice", events); err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}
	if err := store.AppendEvents(ctx, "alice", nil); err != nil {
		t.Fatalf("AppendEvents(nil): %v", err)
	}

	got, err := store.Events(ctx, "alice")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	var types []memory.EventType
	for _, ev := range got {
		types = append(types, ev.Type)
	}
	if want := []memory.EventType{memory.EventSceneActionAdded, memory.EventTurnRecorded}; !slices.Equal(types, want) {
		t.Errorf("types = %v, want %v", types, want)
	}
	if got[0].Payload["room"] != "Cellar" {
		t.Errorf("payload = %v", got[0].Payload)
	}
}

func TestStore_Reset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_ = store.SaveScene(ctx, "alice", testScene("Cellar", 0))
	_ = store.SavePlayerState(ctx, "alice", memory.StateRecord{CurrentRoom: "Cellar"})
	_ = store.SaveScene(ctx, "bob", testScene("Attic", 0))
	_ = store.SavePlayerState(ctx, "bob", memory.StateRecord{CurrentRoom: "Attic"})

	if err := store.Reset(ctx, "alice"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, found, _ := store.Load(ctx, "alice"); found {
		t.Error("alice still has a checkpoint after Reset")
	}
	if _, found, _ := store.Load(ctx, "bob"); !found {
		t.Error("Reset(alice) removed bob's checkpoint")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// NoteIndex
// ─────────────────────────────────────────────────────────────────────────────

func TestNoteIndex_Search(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	idx := store.Notes()

	notes := []struct {
		room string
		text string
		vec  []float32
	}{
		{"Cellar", "damp and dark", []float32{1, 0, 0, 0}},
		{"Attic", "dusty rafters", []float32{0, 1, 0, 0}},
		{"Kitchen", "smells of garlic", []float32{0, 0, 1, 0}},
	}
	for i, n := range notes {
		err := idx.IndexNote(ctx, "alice", n.room, memory.Note{Turn: i, Text: n.text, CreatedAt: time.Now()}, n.vec)
		if err != nil {
			t.Fatalf("IndexNote: %v", err)
		}
	}
	_ = idx.IndexNote(ctx, "bob", "Cellar", memory.Note{Text: "bob's note"}, []float32{1, 0, 0, 0})

	got, err := idx.SearchNotes(ctx, "alice", []float32{0.9, 0.1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("SearchNotes: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Room != "Cellar" || got[0].Note.Text != "damp and dark" {
		t.Errorf("top match = %+v", got[0])
	}
	if got[0].Distance > got[1].Distance {
		t.Errorf("results not ordered by distance: %v > %v", got[0].Distance, got[1].Distance)
	}

	if err := idx.ResetNotes(ctx, "alice"); err != nil {
		t.Fatalf("ResetNotes: %v", err)
	}
	got, _ = idx.SearchNotes(ctx, "alice", []float32{1, 0, 0, 0}, 5)
	if len(got) != 0 {
		t.Errorf("after reset: %d notes, want 0", len(got))
	}
}
