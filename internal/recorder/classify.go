package recorder

import (
	"regexp"
	"slices"
	"strings"

	"github.com/MrWong99/lorekeeper/internal/recorder/itemmatch"
	"github.com/MrWong99/lorekeeper/pkg/memory"
)

// Vocabulary is the verb configuration used by [Classify].
type Vocabulary struct {
	// ItemVerbs mark commands that act on portable items.
	ItemVerbs []string

	// WorldObjectVerbs mark commands that act on fixed scenery.
	WorldObjectVerbs []string

	// LookVerbs mark commands whose output is a fresh room description.
	LookVerbs []string

	// TakeVerbs move the target from the room into the inventory.
	TakeVerbs []string

	// DropVerbs move the target from the inventory into the room.
	DropVerbs []string
}

// DefaultVocabulary returns the built-in verb lists.
func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		ItemVerbs: []string{
			"take", "get", "grab", "pick", "drop", "put", "place", "insert",
			"open", "close", "read", "eat", "drink", "wear", "remove", "light",
			"extinguish", "give", "throw", "examine", "x", "inspect", "wave",
			"fill", "empty", "unlock", "lock", "ring", "wind",
		},
		WorldObjectVerbs: []string{
			"open", "close", "push", "pull", "move", "climb", "enter", "search",
			"examine", "x", "inspect", "unlock", "lock", "knock", "break",
			"turn", "touch", "kick", "tie", "untie", "dig", "look",
		},
		LookVerbs: []string{"look", "l"},
		TakeVerbs: []string{"take", "get", "grab", "pick"},
		DropVerbs: []string{"drop", "put", "place", "insert"},
	}
}

// withDefaults fills empty lists from [DefaultVocabulary] and lowercases
// every entry.
func (v Vocabulary) withDefaults() Vocabulary {
	d := DefaultVocabulary()
	fill := func(have, def []string) []string {
		if len(have) == 0 {
			return def
		}
		out := make([]string, 0, len(have))
		for _, s := range have {
			if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return Vocabulary{
		ItemVerbs:        fill(v.ItemVerbs, d.ItemVerbs),
		WorldObjectVerbs: fill(v.WorldObjectVerbs, d.WorldObjectVerbs),
		LookVerbs:        fill(v.LookVerbs, d.LookVerbs),
		TakeVerbs:        fill(v.TakeVerbs, d.TakeVerbs),
		DropVerbs:        fill(v.DropVerbs, d.DropVerbs),
	}
}

// IsLook reports whether verb re-prints the room description.
func (v Vocabulary) IsLook(verb string) bool { return slices.Contains(v.LookVerbs, verb) }

// IsTake reports whether verb picks an item up.
func (v Vocabulary) IsTake(verb string) bool { return slices.Contains(v.TakeVerbs, verb) }

// IsDrop reports whether verb puts an item down.
func (v Vocabulary) IsDrop(verb string) bool { return slices.Contains(v.DropVerbs, verb) }

var (
	// takeConfirmations match the game's report of a successful take:
	// "Taken.", "leaflet: Taken." or "You take the lamp."
	takeConfirmations = []*regexp.Regexp{
		regexp.MustCompile(`(?im)(?:^|:)\s*taken\b`),
		regexp.MustCompile(`(?i)\byou (?:take|pick up|now have)\b`),
	}

	dropConfirmations = []*regexp.Regexp{
		regexp.MustCompile(`(?im)(?:^|:)\s*(?:dropped|done)\b`),
		regexp.MustCompile(`(?i)\byou (?:drop|put down|put|place)\b`),
	}
)

// ConfirmsTake reports whether result says an item was picked up.
func ConfirmsTake(result string) bool { return matchesAny(takeConfirmations, result) }

// ConfirmsDrop reports whether result says an item was put down.
func ConfirmsDrop(result string) bool { return matchesAny(dropConfirmations, result) }

func matchesAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// Command is a player command split into verb and target.
type Command struct {
	Raw    string
	Verb   string
	Target string
}

var (
	articles = []string{"the", "a", "an"}

	// leadingPreps are skipped right after the verb ("look at mailbox").
	leadingPreps = []string{"at", "in", "into", "on", "under", "behind", "through", "to"}

	// cutPreps end the direct object ("put leaflet in mailbox").
	cutPreps = []string{"in", "into", "on", "onto", "under", "behind", "through", "with", "to", "from", "at"}

	// particles follow some verbs without changing the object ("pick up").
	particles = []string{"up", "down"}
)

// ParseCommand lowercases cmd and splits it into verb and direct object.
// Articles are removed, a preposition right after the verb is skipped and
// the object ends at the next preposition.
func ParseCommand(cmd string) Command {
	c := Command{Raw: strings.TrimSpace(cmd)}
	var tokens []string
	for _, tok := range strings.Fields(strings.ToLower(c.Raw)) {
		tok = strings.Trim(tok, ".,!?;:\"'")
		if tok == "" || slices.Contains(articles, tok) {
			continue
		}
		tokens = append(tokens, tok)
	}
	if len(tokens) == 0 {
		return c
	}
	c.Verb, tokens = tokens[0], tokens[1:]

	if len(tokens) > 0 && slices.Contains(particles, tokens[0]) {
		tokens = tokens[1:]
	}
	if len(tokens) > 0 && slices.Contains(leadingPreps, tokens[0]) {
		tokens = tokens[1:]
	}
	for i, tok := range tokens {
		if slices.Contains(cutPreps, tok) {
			tokens = tokens[:i]
			break
		}
	}
	c.Target = strings.Join(tokens, " ")
	return c
}

// ClassifyInput is everything [Classify] needs to know about the turn.
type ClassifyInput struct {
	Command      Command
	PreviousRoom string
	Room         string

	// KnownItems are item names already known or newly seen: the scene's
	// ever-seen items, this turn's visible items and both inventories.
	KnownItems []string

	// Description is the scene description plus any new paragraphs.
	Description []string
}

// Classification is the result of [Classify].
type Classification struct {
	Category memory.ActionCategory

	// Item is the resolved item name for item interactions. It keeps the
	// spelling used in KnownItems.
	Item string
}

// Classify assigns exactly one [memory.ActionCategory] to a turn. Rules are
// applied in order and the first match wins:
//
//  1. movement: the room differs from a non-empty previous room;
//  2. item_interaction: an item verb whose target resolves to a known item;
//  3. world_object_interaction: a target named in the description, or a
//     world-object verb with a target;
//  4. generic_interaction: everything else.
func Classify(in ClassifyInput, vocab Vocabulary, resolver *itemmatch.Resolver) Classification {
	if in.PreviousRoom != "" && in.Room != in.PreviousRoom {
		return Classification{Category: memory.CategoryMovement}
	}

	cmd := in.Command
	if cmd.Target == "" {
		return Classification{Category: memory.CategoryGeneric}
	}

	if slices.Contains(vocab.ItemVerbs, cmd.Verb) && resolver != nil {
		if item, _, ok := resolver.Resolve(cmd.Target, in.KnownItems); ok {
			return Classification{Category: memory.CategoryItemInteraction, Item: item}
		}
	}

	if mentions(in.Description, cmd.Target) || slices.Contains(vocab.WorldObjectVerbs, cmd.Verb) {
		return Classification{Category: memory.CategoryWorldObject}
	}
	return Classification{Category: memory.CategoryGeneric}
}

// mentions reports whether target appears as a whole-word phrase in any of
// paras, or its last word does ("white house" → "house").
func mentions(paras []string, target string) bool {
	targetTokens := strings.Fields(target)
	if len(targetTokens) == 0 {
		return false
	}
	last := targetTokens[len(targetTokens)-1:]
	for _, p := range paras {
		words := strings.FieldsFunc(strings.ToLower(p), func(r rune) bool {
			return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '\'')
		})
		if containsRun(words, targetTokens) || containsRun(words, last) {
			return true
		}
	}
	return false
}

func containsRun(words, run []string) bool {
	if len(run) == 0 || len(run) > len(words) {
		return false
	}
outer:
	for i := 0; i+len(run) <= len(words); i++ {
		for j, r := range run {
			if words[i+j] != r {
				continue outer
			}
		}
		return true
	}
	return false
}
