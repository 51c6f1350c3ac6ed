package hotctx

import (
	"fmt"
	"strings"

	"github.com/MrWong99/lorekeeper/pkg/memory"
	"github.com/MrWong99/lorekeeper/pkg/provider/llm"
)

// DefaultEnrichmentSystemPrompt is used when no enrichment prompt is
// configured.
const DefaultEnrichmentSystemPrompt = `You keep notes for a player of a text adventure.
Given what is known about one location, write a single short note (at most two sentences)
about what seems important here: puzzles, exits, useful items, dangers.
Only use facts from the input.`

// EnrichmentConfig tunes [Builder.EnrichmentJob].
type EnrichmentConfig struct {
	SystemPrompt string

	// MaxSceneLines caps description paragraphs. Default 6.
	MaxSceneLines int

	// RecentActions caps the action list. Default 5.
	RecentActions int

	// MaxNoteLength caps the stored note in characters. Default 400.
	MaxNoteLength int
}

func (c EnrichmentConfig) withDefaults() EnrichmentConfig {
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultEnrichmentSystemPrompt
	}
	if c.MaxSceneLines <= 0 {
		c.MaxSceneLines = 6
	}
	if c.RecentActions <= 0 {
		c.RecentActions = 5
	}
	if c.MaxNoteLength <= 0 {
		c.MaxNoteLength = 400
	}
	return c
}

// EnrichmentJob builds the request that summarises sc into an advisory note.
// Existing notes are included so the model does not repeat itself.
func (b *Builder) EnrichmentJob(sc memory.Scene) llm.CompletionRequest {
	c := b.cfg.Enrichment
	var sb strings.Builder
	fmt.Fprintf(&sb, "Location: %s (visits: %d)\n", sc.Room, sc.VisitCount)
	if desc := joinLines(head(sc.Description, c.MaxSceneLines)); desc != "" {
		fmt.Fprintf(&sb, "Description:\n%s\n", desc)
	}
	if len(sc.EverSeenItems) > 0 {
		fmt.Fprintf(&sb, "Items seen here: %s\n", strings.Join(sc.EverSeenItems, ", "))
	}
	if len(sc.CurrentItems) > 0 {
		fmt.Fprintf(&sb, "Items here now: %s\n", strings.Join(sc.CurrentItems, ", "))
	}
	if acts := tail(sc.Actions, c.RecentActions); len(acts) > 0 {
		sb.WriteString("Actions taken:\n")
		for _, a := range acts {
			fmt.Fprintf(&sb, "- %s -> %s\n", a.Command, strings.Join(strings.Fields(a.Result), " "))
		}
	}
	if len(sc.Notes) > 0 {
		sb.WriteString("Earlier notes:\n")
		for _, n := range sc.Notes {
			fmt.Fprintf(&sb, "- %s\n", n.Text)
		}
	}
	return llm.CompletionRequest{
		SystemPrompt: c.SystemPrompt,
		Messages:     []llm.Message{llm.UserMessage(strings.TrimRight(sb.String(), "\n"))},
		Temperature:  0.3,
		MaxTokens:    160,
	}
}

// EnrichmentNote trims an LLM reply to the configured note length.
func (b *Builder) EnrichmentNote(reply string) string {
	return truncateRunes(strings.Join(strings.Fields(reply), " "), b.cfg.Enrichment.MaxNoteLength)
}
