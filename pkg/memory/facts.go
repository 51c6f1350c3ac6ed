package memory

import (
	"slices"
	"strings"
)

// EngineFacts is the typed output of the transcript parser for one turn. The
// parser is an external collaborator; this package only consumes its output.
type EngineFacts struct {
	Command    string `json:"command"`
	ResultText string `json:"result_text"`
	Room       string `json:"room"`

	// DescriptionParagraphs holds room description text. Entries may contain
	// several paragraphs separated by blank lines and hard-wrapped lines.
	DescriptionParagraphs []string `json:"description_paragraphs"`

	VisibleItems []string `json:"visible_items"`

	// Inventory is nil when the engine did not report the inventory this
	// turn. An empty non-nil slice means the player carries nothing.
	Inventory []string `json:"inventory"`

	Score int `json:"score"`
	Moves int `json:"moves"`

	GameException    bool   `json:"game_exception"`
	ExceptionMessage string `json:"exception_message,omitempty"`
}

// EngineFailure reports whether f describes a turn the engine could not
// complete. Such turns must not mutate memory.
func (f EngineFacts) EngineFailure() bool {
	return f.GameException || strings.TrimSpace(f.Room) == ""
}

// Equal reports whether f and o carry the same facts. A nil and an empty
// Inventory are different: one is "not reported", the other "empty".
func (f EngineFacts) Equal(o EngineFacts) bool {
	return f.Command == o.Command &&
		f.ResultText == o.ResultText &&
		f.Room == o.Room &&
		slices.Equal(f.DescriptionParagraphs, o.DescriptionParagraphs) &&
		slices.Equal(f.VisibleItems, o.VisibleItems) &&
		(f.Inventory == nil) == (o.Inventory == nil) &&
		slices.Equal(f.Inventory, o.Inventory) &&
		f.Score == o.Score &&
		f.Moves == o.Moves &&
		f.GameException == o.GameException &&
		f.ExceptionMessage == o.ExceptionMessage
}

// NormalizeFacts returns a cleaned copy of f:
//
//   - string fields are trimmed;
//   - description entries are split into paragraphs with [SplitParagraphs];
//   - a leading paragraph (or leading line) that only repeats the room name
//     is removed;
//   - empty list entries are dropped and item lists lose duplicates
//     (case-insensitive, first spelling wins).
//
// A nil Inventory stays nil.
func NormalizeFacts(f EngineFacts) EngineFacts {
	out := EngineFacts{
		Command:          strings.TrimSpace(f.Command),
		ResultText:       strings.TrimSpace(f.ResultText),
		Room:             strings.TrimSpace(f.Room),
		Score:            f.Score,
		Moves:            f.Moves,
		GameException:    f.GameException,
		ExceptionMessage: strings.TrimSpace(f.ExceptionMessage),
	}

	var paras []string
	for i, raw := range f.DescriptionParagraphs {
		if i == 0 {
			raw = stripRoomLine(raw, out.Room)
		}
		paras = append(paras, SplitParagraphs(raw)...)
	}
	if len(paras) > 0 && out.Room != "" && strings.EqualFold(paras[0], out.Room) {
		paras = paras[1:]
	}
	out.DescriptionParagraphs = paras

	out.VisibleItems = uniqueFold(f.VisibleItems)
	if f.Inventory != nil {
		out.Inventory = uniqueFold(f.Inventory)
		if out.Inventory == nil {
			out.Inventory = []string{}
		}
	}
	return out
}

// SplitParagraphs splits text on blank lines and joins hard-wrapped lines of
// each paragraph with a single space. Runs of whitespace are collapsed.
func SplitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var (
		paras   []string
		current []string
	)
	flush := func() {
		if len(current) > 0 {
			paras = append(paras, strings.Join(current, " "))
			current = current[:0]
		}
	}
	for line := range strings.SplitSeq(text, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			flush()
			continue
		}
		current = append(current, line)
	}
	flush()
	return paras
}

// stripRoomLine removes the first non-blank line of text when it repeats the
// room name. Engines print the room title on its own line above the prose.
func stripRoomLine(text, room string) string {
	if room == "" {
		return text
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	trimmed := strings.TrimLeft(text, " \t\n")
	line, rest, _ := strings.Cut(trimmed, "\n")
	if strings.EqualFold(strings.TrimSpace(line), room) {
		return rest
	}
	return text
}

// uniqueFold trims entries, drops empty ones and removes case-insensitive
// duplicates while keeping the first spelling.
func uniqueFold(in []string) []string {
	var out []string
	for _, s := range in {
		s = strings.Join(strings.Fields(s), " ")
		if s == "" || containsFold(out, s) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func containsFold(list []string, s string) bool {
	return indexFold(list, s) >= 0
}

func indexFold(list []string, s string) int {
	for i, v := range list {
		if strings.EqualFold(v, s) {
			return i
		}
	}
	return -1
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func equalStrings(a, b []string) bool {
	return slices.Equal(a, b)
}
