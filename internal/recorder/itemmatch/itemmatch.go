// Package itemmatch resolves the target of a player command ("lantern",
// "lanturn", "the mailbox") to one of the item names the scene already knows
// ("brass lantern", "small mailbox").
//
// Resolution runs in stages and stops at the first hit:
//
//  1. Exact: case-insensitive equality.
//  2. Word: the target is a whole-word suffix or sub-phrase of the item, or
//     the item is a whole-word sub-phrase of the target.
//  3. Phonetic: Double Metaphone codes of target and item overlap, ranked by
//     Jaro-Winkler similarity above the phonetic threshold.
//  4. Fuzzy: pure Jaro-Winkler similarity above the (stricter) fuzzy
//     threshold.
//
// Stages 3 and 4 catch typos that engines accept through their own
// abbreviation rules.
package itemmatch

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.80
	defaultFuzzyThreshold    = 0.90
)

// Kind reports which stage produced a match.
type Kind int

const (
	None Kind = iota
	Exact
	Word
	Phonetic
	Fuzzy
)

func (k Kind) String() string {
	switch k {
	case Exact:
		return "exact"
	case Word:
		return "word"
	case Phonetic:
		return "phonetic"
	case Fuzzy:
		return "fuzzy"
	}
	return "none"
}

// Option is a functional option for configuring a [Resolver].
type Option func(*Resolver)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a
// phonetically-matched item. Default: 0.80.
func WithPhoneticThreshold(threshold float64) Option {
	return func(r *Resolver) { r.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score when there is no
// phonetic overlap. Default: 0.90.
func WithFuzzyThreshold(threshold float64) Option {
	return func(r *Resolver) { r.fuzzyThreshold = threshold }
}

// Resolver matches command targets to item names. It is read-only after
// construction and safe for concurrent use.
type Resolver struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Resolver] configured with opts.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns the item in items that target refers to. The returned
// item keeps the spelling it has in items. When nothing matches, ok is
// false and kind is [None].
func (r *Resolver) Resolve(target string, items []string) (item string, kind Kind, ok bool) {
	target = strings.ToLower(strings.Join(strings.Fields(target), " "))
	if target == "" || len(items) == 0 {
		return "", None, false
	}

	for _, it := range items {
		if strings.EqualFold(strings.TrimSpace(it), target) {
			return it, Exact, true
		}
	}

	targetTokens := strings.Fields(target)

	// Prefer suffix matches ("lantern" → "brass lantern") over sub-phrase
	// matches, and shorter items over longer ones among equals.
	best, bestRank := "", 0
	for _, it := range items {
		itemTokens := strings.Fields(strings.ToLower(it))
		rank := 0
		switch {
		case hasSuffixTokens(itemTokens, targetTokens):
			rank = 3
		case containsTokens(itemTokens, targetTokens):
			rank = 2
		case containsTokens(targetTokens, itemTokens):
			rank = 1
		}
		if rank > bestRank || (rank == bestRank && rank > 0 && len(it) < len(best)) {
			best, bestRank = it, rank
		}
	}
	if bestRank > 0 {
		return best, Word, true
	}

	return r.fuzzy(target, targetTokens, items)
}

func (r *Resolver) fuzzy(target string, targetTokens, items []string) (string, Kind, bool) {
	type candidate struct {
		item     string
		score    float64
		phonetic bool
	}
	var best candidate

	inputCodes := codesForTokens(targetTokens)
	for _, it := range items {
		itemLower := strings.ToLower(strings.TrimSpace(it))
		if itemLower == "" {
			continue
		}
		itemTokens := strings.Fields(itemLower)
		phonetic := codesOverlap(inputCodes, codesForTokens(itemTokens))
		score := bestJWScore(targetTokens, itemTokens, target, itemLower)

		if phonetic {
			if score >= r.phoneticThreshold && (!best.phonetic || score > best.score) {
				best = candidate{item: it, score: score, phonetic: true}
			}
		} else if !best.phonetic && score >= r.fuzzyThreshold && score > best.score {
			best = candidate{item: it, score: score}
		}
	}

	switch {
	case best.item == "":
		return "", None, false
	case best.phonetic:
		return best.item, Phonetic, true
	default:
		return best.item, Fuzzy, true
	}
}

func hasSuffixTokens(tokens, suffix []string) bool {
	if len(suffix) == 0 || len(suffix) > len(tokens) {
		return false
	}
	off := len(tokens) - len(suffix)
	for i, s := range suffix {
		if tokens[off+i] != s {
			return false
		}
	}
	return true
}

// containsTokens reports whether sub appears as a contiguous run in tokens.
func containsTokens(tokens, sub []string) bool {
	if len(sub) == 0 || len(sub) > len(tokens) {
		return false
	}
outer:
	for i := 0; i+len(sub) <= len(tokens); i++ {
		for j, s := range sub {
			if tokens[i+j] != s {
				continue outer
			}
		}
		return true
	}
	return false
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens, without empty codes.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore is the highest Jaro-Winkler similarity over the full strings,
// the space-stripped strings and every token pair.
func bestJWScore(inputTokens, itemTokens []string, inputFull, itemFull string) float64 {
	score := matchr.JaroWinkler(inputFull, itemFull, false)

	if len(inputTokens) > 1 || len(itemTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(inputTokens, ""), strings.Join(itemTokens, ""), false); s > score {
			score = s
		}
	}

	for _, it := range inputTokens {
		for _, et := range itemTokens {
			if s := matchr.JaroWinkler(it, et, false); s > score {
				score = s
			}
		}
	}
	return score
}
