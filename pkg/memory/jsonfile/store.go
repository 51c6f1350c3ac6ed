// Package jsonfile provides a [memory.DurableStore] that keeps one JSON
// document per player plus an append-only JSON-lines event log next to it.
//
// It suits single-player local installs where running PostgreSQL would be
// overkill. Documents are rewritten atomically (temp file + rename) on every
// save.
package jsonfile

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/lorekeeper/pkg/memory"
)

// DefaultPathTemplate is used when [New] receives an empty template.
const DefaultPathTemplate = "data/db/{player}_memory.json"

var _ memory.DurableStore = (*Store)(nil)

// document is the on-disk layout of a player's memory file.
type document struct {
	Player  string                  `json:"player"`
	State   memory.StateRecord      `json:"state"`
	Scenes  map[string]memory.Scene `json:"scenes"`
	SavedAt time.Time               `json:"saved_at"`
	HasData bool                    `json:"has_state"`
}

// Store is a file-backed durable store. Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	template string
	docs     map[string]*document // keyed by safeName
}

// New returns a Store writing to paths derived from template, where
// "{player}" is replaced by a filesystem-safe form of the player name.
func New(template string) *Store {
	if template == "" {
		template = DefaultPathTemplate
	}
	return &Store{template: template, docs: make(map[string]*document)}
}

// MemoryPath returns the memory document path for player.
func (s *Store) MemoryPath(player string) string {
	return strings.ReplaceAll(s.template, "{player}", safeName(player))
}

// EventsPath returns the event log path for player. It lives next to the
// memory document.
func (s *Store) EventsPath(player string) string {
	return filepath.Join(filepath.Dir(s.MemoryPath(player)), safeName(player)+"_events.jsonl")
}

// SaveScene implements [memory.DurableStore].
func (s *Store) SaveScene(_ context.Context, player string, scene memory.Scene) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load(player)
	if err != nil {
		return err
	}
	doc.Scenes[scene.Room] = *scene.Clone()
	return s.write(player, doc)
}

// SavePlayerState implements [memory.DurableStore].
func (s *Store) SavePlayerState(_ context.Context, player string, st memory.StateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load(player)
	if err != nil {
		return err
	}
	doc.State = st
	doc.HasData = true
	return s.write(player, doc)
}

// AppendEvents implements [memory.DurableStore].
func (s *Store) AppendEvents(_ context.Context, player string, events []memory.Event) error {
	if len(events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf []byte
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("jsonfile: marshal event: %w", err)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}

	path := s.EventsPath(player)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("jsonfile: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("jsonfile: open events: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("jsonfile: write events: %w", err)
	}
	return nil
}

// Load implements [memory.DurableStore].
func (s *Store) Load(_ context.Context, player string) (memory.Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load(player)
	if err != nil {
		return memory.Checkpoint{}, false, err
	}
	if !doc.HasData {
		return memory.Checkpoint{}, false, nil
	}
	cp := memory.Checkpoint{Player: player, State: doc.State, SavedAt: doc.SavedAt}
	for _, sc := range doc.Scenes {
		cp.Scenes = append(cp.Scenes, *sc.Clone())
	}
	slices.SortFunc(cp.Scenes, func(a, b memory.Scene) int {
		if a.LastVisitTurn != b.LastVisitTurn {
			return a.LastVisitTurn - b.LastVisitTurn
		}
		return strings.Compare(a.Room, b.Room)
	})
	return cp, true, nil
}

// Reset implements [memory.DurableStore]. Both files for player are removed.
func (s *Store) Reset(_ context.Context, player string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, safeName(player))
	var errs []error
	for _, p := range []string{s.MemoryPath(player), s.EventsPath(player)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("jsonfile: reset: %w", err)
	}
	return nil
}

// Close implements [memory.DurableStore].
func (s *Store) Close() error { return nil }

// Events reads back every event logged for player.
func (s *Store) Events(player string) ([]memory.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.EventsPath(player))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jsonfile: open events: %w", err)
	}
	defer f.Close()

	var events []memory.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(strings.TrimSpace(sc.Text())) == 0 {
			continue
		}
		var ev memory.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("jsonfile: decode event: %w", err)
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("jsonfile: read events: %w", err)
	}
	return events, nil
}

// load returns the cached document for player, reading it from disk on first
// use. Callers must hold s.mu.
func (s *Store) load(player string) (*document, error) {
	key := safeName(player)
	if doc, ok := s.docs[key]; ok {
		return doc, nil
	}
	doc := &document{Player: player, Scenes: make(map[string]memory.Scene)}
	data, err := os.ReadFile(s.MemoryPath(player))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("jsonfile: read: %w", err)
	default:
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, fmt.Errorf("jsonfile: decode %s: %w", s.MemoryPath(player), err)
		}
		if doc.Scenes == nil {
			doc.Scenes = make(map[string]memory.Scene)
		}
	}
	s.docs[key] = doc
	return doc, nil
}

// write persists doc atomically. Callers must hold s.mu.
func (s *Store) write(player string, doc *document) error {
	doc.SavedAt = time.Now().UTC()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("jsonfile: marshal: %w", err)
	}
	path := s.MemoryPath(player)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("jsonfile: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("jsonfile: create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("jsonfile: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("jsonfile: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("jsonfile: rename: %w", err)
	}
	return nil
}

// safeName lowercases player and replaces anything outside [a-z0-9_-] with
// an underscore.
func safeName(player string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(player)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "player"
	}
	return b.String()
}
