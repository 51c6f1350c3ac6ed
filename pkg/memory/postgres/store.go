package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/lorekeeper/pkg/memory"
)

// Compile-time interface checks.
var (
	_ memory.DurableStore = (*Store)(nil)
	_ memory.NoteIndex    = (*NoteIndexImpl)(nil)
)

// Store is the PostgreSQL-backed durable memory store. It holds a single
// [pgxpool.Pool] shared with the note index returned by [Store.Notes].
//
// All operations are safe for concurrent use.
type Store struct {
	pool  *pgxpool.Pool
	notes *NoteIndexImpl
}

// NewStore creates a new Store, establishes a connection pool to the PostgreSQL
// database at dsn, registers pgvector types on every connection, and runs
// [Migrate] to ensure all required tables and extensions exist.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{
		pool:  pool,
		notes: &NoteIndexImpl{pool: pool},
	}, nil
}

// Notes returns the note index sharing this store's pool.
func (s *Store) Notes() *NoteIndexImpl { return s.notes }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// SaveScene implements [memory.DurableStore]. The scene document replaces any
// previously stored copy for (player, room).
func (s *Store) SaveScene(ctx context.Context, player string, scene memory.Scene) error {
	const q = `
		INSERT INTO memory_scenes (player, room, data, last_turn, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (player, room) DO UPDATE SET
		    data       = EXCLUDED.data,
		    last_turn  = EXCLUDED.last_turn,
		    updated_at = EXCLUDED.updated_at`

	data, err := json.Marshal(scene)
	if err != nil {
		return fmt.Errorf("postgres store: marshal scene: %w", err)
	}
	if _, err := s.pool.Exec(ctx, q, player, scene.Room, data, scene.LastVisitTurn); err != nil {
		return fmt.Errorf("postgres store: save scene: %w", err)
	}
	return nil
}

// SavePlayerState implements [memory.DurableStore].
func (s *Store) SavePlayerState(ctx context.Context, player string, st memory.StateRecord) error {
	const q = `
		INSERT INTO memory_state (player, data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (player) DO UPDATE SET
		    data       = EXCLUDED.data,
		    updated_at = EXCLUDED.updated_at`

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("postgres store: marshal state: %w", err)
	}
	if _, err := s.pool.Exec(ctx, q, player, data); err != nil {
		return fmt.Errorf("postgres store: save state: %w", err)
	}
	return nil
}

// AppendEvents implements [memory.DurableStore]. All events are written in a
// single batch, in order.
func (s *Store) AppendEvents(ctx context.Context, player string, events []memory.Event) error {
	if len(events) == 0 {
		return nil
	}
	const q = `
		INSERT INTO memory_events (player, seq, type, turn, payload, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)`

	batch := &pgx.Batch{}
	for _, ev := range events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("postgres store: marshal event payload: %w", err)
		}
		ts := ev.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		batch.Queue(q, player, int64(ev.Seq), string(ev.Type), ev.Turn, payload, ts)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres store: append events: %w", err)
	}
	return nil
}

// Load implements [memory.DurableStore].
func (s *Store) Load(ctx context.Context, player string) (memory.Checkpoint, bool, error) {
	cp := memory.Checkpoint{Player: player}

	var (
		stateData []byte
		updatedAt time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT data, updated_at FROM memory_state WHERE player = $1`, player,
	).Scan(&stateData, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return memory.Checkpoint{}, false, nil
	}
	if err != nil {
		return memory.Checkpoint{}, false, fmt.Errorf("postgres store: load state: %w", err)
	}
	if err := json.Unmarshal(stateData, &cp.State); err != nil {
		return memory.Checkpoint{}, false, fmt.Errorf("postgres store: decode state: %w", err)
	}
	cp.SavedAt = updatedAt

	rows, err := s.pool.Query(ctx,
		`SELECT data FROM memory_scenes WHERE player = $1 ORDER BY last_turn, room`, player)
	if err != nil {
		return memory.Checkpoint{}, false, fmt.Errorf("postgres store: load scenes: %w", err)
	}
	scenes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Scene, error) {
		var (
			data []byte
			sc   memory.Scene
		)
		if err := row.Scan(&data); err != nil {
			return memory.Scene{}, err
		}
		if err := json.Unmarshal(data, &sc); err != nil {
			return memory.Scene{}, err
		}
		return sc, nil
	})
	if err != nil {
		return memory.Checkpoint{}, false, fmt.Errorf("postgres store: scan scenes: %w", err)
	}
	cp.Scenes = scenes
	return cp, true, nil
}

// Reset implements [memory.DurableStore]. Scenes, state, events and notes for
// player are removed in one transaction.
func (s *Store) Reset(ctx context.Context, player string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: reset: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, q := range []string{
		`DELETE FROM memory_scenes WHERE player = $1`,
		`DELETE FROM memory_state  WHERE player = $1`,
		`DELETE FROM memory_events WHERE player = $1`,
		`DELETE FROM scene_notes   WHERE player = $1`,
	} {
		if _, err := tx.Exec(ctx, q, player); err != nil {
			return fmt.Errorf("postgres store: reset: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: reset: commit: %w", err)
	}
	return nil
}

// Events returns every stored event for player in append order.
func (s *Store) Events(ctx context.Context, player string) ([]memory.Event, error) {
	const q = `
		SELECT seq, type, turn, payload, timestamp
		FROM   memory_events
		WHERE  player = $1
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q, player)
	if err != nil {
		return nil, fmt.Errorf("postgres store: events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Event, error) {
		var (
			ev      memory.Event
			seq     int64
			typ     string
			payload []byte
		)
		if err := row.Scan(&seq, &typ, &ev.Turn, &payload, &ev.Timestamp); err != nil {
			return memory.Event{}, err
		}
		ev.Seq = uint64(seq)
		ev.Type = memory.EventType(typ)
		ev.Player = player
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return memory.Event{}, err
			}
		}
		return ev, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan events: %w", err)
	}
	return events, nil
}
