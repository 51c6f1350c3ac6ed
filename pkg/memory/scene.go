package memory

import "strings"

// Scene is the memory of one room. It is keyed by the exact room name as
// reported by the engine.
//
// Scenes are owned by a [Store] and are only mutated inside
// [Store.Update]. Callers outside a transaction always see clones.
type Scene struct {
	Room string `json:"room"`

	// Description holds deduplicated paragraphs in first-seen order.
	Description []string `json:"description"`

	// EverSeenItems is a superset of CurrentItems: every item ever observed
	// here. Comparisons are case-insensitive and keep the first spelling.
	EverSeenItems []string `json:"ever_seen_items"`
	CurrentItems  []string `json:"current_items"`

	Actions    []ActionRecord `json:"actions"`
	Narrations []Narration    `json:"narrations"`
	Intro      *IntroEntry    `json:"intro,omitempty"`
	Notes      []Note         `json:"notes"`

	FirstVisitTurn int `json:"first_visit_turn"`
	LastVisitTurn  int `json:"last_visit_turn"`
	VisitCount     int `json:"visit_count"`
}

// NewScene creates an empty scene for room first entered on turn.
func NewScene(room string, turn int) *Scene {
	return &Scene{
		Room:           room,
		FirstVisitTurn: turn,
		LastVisitTurn:  turn,
	}
}

// AddParagraphs appends every paragraph not already present and returns how
// many were added. Matching ignores surrounding whitespace and case.
func (s *Scene) AddParagraphs(paras []string) int {
	added := 0
	for _, p := range paras {
		p = strings.TrimSpace(p)
		if p == "" || containsFold(s.Description, p) {
			continue
		}
		s.Description = append(s.Description, p)
		added++
	}
	return added
}

// ObserveItems replaces the current item set with items and merges them into
// the ever-seen set.
func (s *Scene) ObserveItems(items []string) {
	s.CurrentItems = uniqueFold(items)
	for _, it := range s.CurrentItems {
		if !containsFold(s.EverSeenItems, it) {
			s.EverSeenItems = append(s.EverSeenItems, it)
		}
	}
}

// AddItem puts item into both the current and ever-seen sets.
func (s *Scene) AddItem(item string) {
	item = strings.TrimSpace(item)
	if item == "" {
		return
	}
	if !containsFold(s.CurrentItems, item) {
		s.CurrentItems = append(s.CurrentItems, item)
	}
	if !containsFold(s.EverSeenItems, item) {
		s.EverSeenItems = append(s.EverSeenItems, item)
	}
}

// RemoveCurrentItem drops item from the current set. The ever-seen set is
// left untouched. It reports whether anything was removed.
func (s *Scene) RemoveCurrentItem(item string) bool {
	i := indexFold(s.CurrentItems, strings.TrimSpace(item))
	if i < 0 {
		return false
	}
	s.CurrentItems = append(s.CurrentItems[:i:i], s.CurrentItems[i+1:]...)
	return true
}

// AddAction appends rec to the action log.
func (s *Scene) AddAction(rec ActionRecord) {
	s.Actions = append(s.Actions, rec)
}

// SetIntro replaces the intro entry.
func (s *Scene) SetIntro(intro IntroEntry) {
	s.Intro = &intro
}

// AddNarration appends n to the scene's narrator lines.
func (s *Scene) AddNarration(n Narration) {
	s.Narrations = append(s.Narrations, n)
}

// AddNote appends an enrichment note.
func (s *Scene) AddNote(n Note) {
	s.Notes = append(s.Notes, n)
}

// Visit updates the visit bookkeeping for turn. entered is true when the
// player arrived in the room this turn (as opposed to staying).
func (s *Scene) Visit(turn int, entered bool) {
	if entered {
		s.VisitCount++
	}
	s.LastVisitTurn = turn
}

// LastAction returns the most recent action, if any.
func (s *Scene) LastAction() (ActionRecord, bool) {
	if len(s.Actions) == 0 {
		return ActionRecord{}, false
	}
	return s.Actions[len(s.Actions)-1], true
}

// Clone returns a deep copy of s. A nil scene clones to nil.
func (s *Scene) Clone() *Scene {
	if s == nil {
		return nil
	}
	c := *s
	c.Description = cloneStrings(s.Description)
	c.EverSeenItems = cloneStrings(s.EverSeenItems)
	c.CurrentItems = cloneStrings(s.CurrentItems)
	if s.Actions != nil {
		c.Actions = append([]ActionRecord(nil), s.Actions...)
	}
	if s.Narrations != nil {
		c.Narrations = append([]Narration(nil), s.Narrations...)
	}
	if s.Notes != nil {
		c.Notes = append([]Note(nil), s.Notes...)
	}
	if s.Intro != nil {
		intro := *s.Intro
		c.Intro = &intro
	}
	return &c
}
