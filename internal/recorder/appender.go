package recorder

import (
	"context"
	"strings"
	"time"

	"github.com/MrWong99/lorekeeper/pkg/memory"
)

// FallbackNarration replaces an empty narrator line.
const FallbackNarration = "The game continues..."

// Appender writes AI-generated text into a [memory.Store]. Every write is
// guarded by the identity generation captured when the work was scheduled.
type Appender struct {
	store *memory.Store
	sink  memory.EventSink
	now   func() time.Time
}

// AppenderOption configures an [Appender].
type AppenderOption func(*Appender)

// WithClock sets the time source for CreatedAt stamps.
func WithClock(now func() time.Time) AppenderOption {
	return func(a *Appender) { a.now = now }
}

// NewAppender returns an Appender for store. A nil sink discards events.
func NewAppender(store *memory.Store, sink memory.EventSink, opts ...AppenderOption) *Appender {
	if sink == nil {
		sink = memory.Discard
	}
	a := &Appender{store: store, sink: sink, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// AppendNarration stores a narrator line for room at turn. An empty text is
// replaced by [FallbackNarration]. The write is refused with
// [memory.ErrGenerationChanged] when gen is outdated, and with
// [memory.ErrUnknownScene] when room was never recorded.
func (a *Appender) AppendNarration(ctx context.Context, gen uint64, turn int, room, text, trigger string) (memory.Narration, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		text = FallbackNarration
	}
	n := memory.Narration{
		Turn:      turn,
		Room:      room,
		Text:      text,
		Trigger:   trigger,
		CreatedAt: a.now(),
	}
	var player string
	err := a.store.UpdateAt(gen, func(tx *memory.Tx) error {
		player = tx.Player()
		return tx.AppendNarration(n)
	})
	if err != nil {
		return memory.Narration{}, err
	}
	emitAll(ctx, a.sink, player, turn, []memory.Event{newEvent(memory.EventNarrationAppended, map[string]any{
		"room":    room,
		"trigger": trigger,
		"text":    text,
		"length":  len(text),
	})})
	return n, nil
}

// AppendNote attaches an enrichment note to room under the same generation
// guard as [Appender.AppendNarration]. Empty notes are ignored and return
// ok=false.
func (a *Appender) AppendNote(ctx context.Context, gen uint64, turn int, room, text string) (note memory.Note, ok bool, err error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return memory.Note{}, false, nil
	}
	note = memory.Note{Turn: turn, Text: text, CreatedAt: a.now()}
	var player string
	err = a.store.UpdateAt(gen, func(tx *memory.Tx) error {
		player = tx.Player()
		return tx.AppendNote(room, note)
	})
	if err != nil {
		return memory.Note{}, false, err
	}
	emitAll(ctx, a.sink, player, turn, []memory.Event{newEvent(memory.EventSceneNoteAdded, map[string]any{
		"room": room,
		"text": text,
	})})
	return note, true, nil
}
