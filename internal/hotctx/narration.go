package hotctx

import (
	"fmt"
	"strings"

	"github.com/MrWong99/lorekeeper/pkg/memory"
	"github.com/MrWong99/lorekeeper/pkg/provider/llm"
)

// DefaultNarrationSystemPrompt is used when no narration system prompt is
// configured.
const DefaultNarrationSystemPrompt = `You are the narrator of a classic interactive-fiction game.
Add one or two atmospheric sentences that colour what just happened.
Never invent exits, items, or outcomes the game did not report, and never speak for the player.`

// NarrationConfig tunes [Builder.NarrationJob].
type NarrationConfig struct {
	SystemPrompt string

	// UserTemplate is the user message; "{game_log}" is replaced by the
	// rendered sections. Default: "{game_log}".
	UserTemplate string

	MaxSceneLines    int // description paragraphs per scene, newest kept. Default 4.
	RecentNarrations int // prior narrator lines. Default 3.
	RecentScenes     int // previously visited rooms. Default 2.
	RecentActions    int // actions of the current room. Default 3.
	Inventory        int // inventory and item list cap. Default 6.

	Temperature float64
	MaxTokens   int
}

func (c NarrationConfig) withDefaults() NarrationConfig {
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultNarrationSystemPrompt
	}
	if c.UserTemplate == "" {
		c.UserTemplate = "{game_log}"
	}
	if c.MaxSceneLines <= 0 {
		c.MaxSceneLines = 4
	}
	if c.RecentNarrations <= 0 {
		c.RecentNarrations = 3
	}
	if c.RecentScenes <= 0 {
		c.RecentScenes = 2
	}
	if c.RecentActions <= 0 {
		c.RecentActions = 3
	}
	if c.Inventory <= 0 {
		c.Inventory = 6
	}
	return c
}

// NarrationJob is a ready-to-send narration request plus the identity it was
// built for.
type NarrationJob struct {
	Request llm.CompletionRequest
	Trigger string
	Turn    int
	Room    string

	// GameLog is the rendered context, as substituted into the user template.
	GameLog string
}

// NarrationJob renders snap into a narration request. latestTranscript is the
// raw engine output of the triggering turn and may be empty (ambient
// narration).
//
// Sections, each omitted when empty: latest engine response, current scene,
// recent locations, inventory highlights, prior narrator lines.
func (b *Builder) NarrationJob(snap memory.Snapshot, trigger, latestTranscript string) NarrationJob {
	c := b.cfg.Narration
	var sections []string
	add := func(s string) {
		if s != "" {
			sections = append(sections, s)
		}
	}

	if t := strings.TrimSpace(latestTranscript); t != "" {
		add("Latest engine response:\n" + t)
	}
	add(c.currentScene(snap.CurrentScene))
	add(c.recentLocations(snap.RecentScenes))
	if inv := head(snap.PlayerState.Inventory, c.Inventory); len(inv) > 0 {
		add("Inventory highlights: " + strings.Join(inv, ", "))
	}
	if lines := tail(snap.RecentNarrations, c.RecentNarrations); len(lines) > 0 {
		texts := make([]string, len(lines))
		for i, n := range lines {
			texts[i] = n.Text
		}
		add("Prior narrator lines:\n" + strings.Join(texts, "\n"))
	}

	gameLog := strings.Join(sections, "\n\n")
	return NarrationJob{
		Request: llm.CompletionRequest{
			SystemPrompt: c.SystemPrompt,
			Messages:     []llm.Message{llm.UserMessage(strings.ReplaceAll(c.UserTemplate, "{game_log}", gameLog))},
			Temperature:  c.Temperature,
			MaxTokens:    c.MaxTokens,
		},
		Trigger: trigger,
		Turn:    snap.Turn,
		Room:    snap.CurrentRoom,
		GameLog: gameLog,
	}
}

func (c NarrationConfig) currentScene(sc *memory.Scene) string {
	if sc == nil || sc.Room == "" {
		return ""
	}
	parts := []string{"Current scene: " + sc.Room}
	if desc := joinLines(tail(sc.Description, c.MaxSceneLines)); desc != "" {
		parts = append(parts, desc)
	}
	if items := head(sc.CurrentItems, c.Inventory); len(items) > 0 {
		parts = append(parts, "Visible items: "+strings.Join(items, ", "))
	}
	if gone := head(absent(sc.EverSeenItems, sc.CurrentItems), c.Inventory); len(gone) > 0 {
		parts = append(parts, "Previously seen here: "+strings.Join(gone, ", "))
	}
	if acts := tail(sc.Actions, c.RecentActions); len(acts) > 0 {
		lines := make([]string, 0, len(acts))
		for _, a := range acts {
			if a.Command == "" {
				continue
			}
			if r := strings.Join(strings.Fields(a.Result), " "); r != "" {
				lines = append(lines, fmt.Sprintf("- %s: %s", a.Command, r))
			} else {
				lines = append(lines, "- "+a.Command)
			}
		}
		if len(lines) > 0 {
			parts = append(parts, "Recent actions:\n"+strings.Join(lines, "\n"))
		}
	}
	return strings.Join(parts, "\n")
}

func (c NarrationConfig) recentLocations(scenes []memory.Scene) string {
	scenes = head(scenes, c.RecentScenes)
	if len(scenes) == 0 {
		return ""
	}
	entries := make([]string, len(scenes))
	for i, sc := range scenes {
		entry := fmt.Sprintf("Scene %s (visits: %d)", sc.Room, sc.VisitCount)
		if desc := joinLines(tail(sc.Description, c.MaxSceneLines)); desc != "" {
			entry += "\n" + desc
		}
		entries[i] = entry
	}
	return "Recent locations:\n" + strings.Join(entries, "\n\n")
}

// ─── helpers ────────────────────────────────────────────────────────────────

func head[T any](s []T, n int) []T {
	if n >= 0 && len(s) > n {
		return s[:n]
	}
	return s
}

func tail[T any](s []T, n int) []T {
	if n >= 0 && len(s) > n {
		return s[len(s)-n:]
	}
	return s
}

func joinLines(lines []string) string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

// absent returns the entries of all that are not in present, ignoring case.
func absent(all, present []string) []string {
	var out []string
	for _, a := range all {
		found := false
		for _, p := range present {
			if strings.EqualFold(a, p) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, a)
		}
	}
	return out
}
