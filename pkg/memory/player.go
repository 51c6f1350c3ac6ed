package memory

import "strings"

// SamePlayer reports whether a and b name the same player identity. Names
// are compared without surrounding space and case, the way durable stores
// key their records.
func SamePlayer(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// PlayerState is the session-wide player snapshot. It is replaced wholesale
// on every recorded turn.
type PlayerState struct {
	Inventory []string `json:"inventory"`
	Score     int      `json:"score"`
	Moves     int      `json:"moves"`
}

// Clone returns a deep copy of s.
func (s PlayerState) Clone() PlayerState {
	s.Inventory = cloneStrings(s.Inventory)
	return s
}

// FieldChange describes one changed [PlayerState] field.
type FieldChange struct {
	Field string `json:"field"`
	Old   any    `json:"old"`
	New   any    `json:"new"`
}

// Diff returns the fields that differ between prev and next, in a stable
// order (inventory, score, moves). Inventory is compared as an ordered list.
func Diff(prev, next PlayerState) []FieldChange {
	var changes []FieldChange
	if !equalStrings(prev.Inventory, next.Inventory) {
		changes = append(changes, FieldChange{
			Field: "inventory",
			Old:   cloneStrings(prev.Inventory),
			New:   cloneStrings(next.Inventory),
		})
	}
	if prev.Score != next.Score {
		changes = append(changes, FieldChange{Field: "score", Old: prev.Score, New: next.Score})
	}
	if prev.Moves != next.Moves {
		changes = append(changes, FieldChange{Field: "moves", Old: prev.Moves, New: next.Moves})
	}
	return changes
}
