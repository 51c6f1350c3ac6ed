package hotctx

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/lorekeeper/pkg/memory"
	"github.com/MrWong99/lorekeeper/pkg/provider/llm"
)

// Image meta-prompt defaults.
const (
	DefaultStylePrefix     = "detailed pencil art illustration of"
	DefaultMaxPromptLength = 120

	DefaultImageSystemPrompt = `You write prompts for a text-to-image diffusion model.
Reply with the prompt only: no quotes, no explanations, no line breaks.`

	// DefaultImageTemplate placeholders: {room_name}, {description}, {items},
	// {style_prefix}, {max_prompt_length}.
	DefaultImageTemplate = `Write one image prompt for this location from a text adventure.
Begin with "{style_prefix}" and stay under {max_prompt_length} characters.
Describe the place and its mood, not the player.

Location: {room_name}
Description: {description}
Notable items: {items}`
)

// ImagePromptConfig tunes [Builder.ImageMetaPrompt].
type ImagePromptConfig struct {
	SystemPrompt    string
	Template        string
	StylePrefix     string
	MaxPromptLength int

	// DescriptionLength caps the {description} placeholder. Default 200.
	DescriptionLength int

	// MaxItems caps the {items} placeholder. Default 3.
	MaxItems int
}

func (c ImagePromptConfig) withDefaults() ImagePromptConfig {
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultImageSystemPrompt
	}
	if c.Template == "" {
		c.Template = DefaultImageTemplate
	}
	if c.StylePrefix == "" {
		c.StylePrefix = DefaultStylePrefix
	}
	if c.MaxPromptLength <= 0 {
		c.MaxPromptLength = DefaultMaxPromptLength
	}
	if c.DescriptionLength <= 0 {
		c.DescriptionLength = 200
	}
	if c.MaxItems <= 0 {
		c.MaxItems = 3
	}
	return c
}

// ImageMetaPrompt builds the request that asks the LLM for a diffusion prompt
// of the current scene. ok is false before any scene has been recorded.
func (b *Builder) ImageMetaPrompt(snap memory.Snapshot) (req llm.CompletionRequest, ok bool) {
	sc := snap.CurrentScene
	if sc == nil {
		return llm.CompletionRequest{}, false
	}
	c := b.cfg.Image

	items := sc.CurrentItems
	if len(items) == 0 {
		items = sc.EverSeenItems
	}
	itemText := strings.Join(head(items, c.MaxItems), ", ")
	if itemText == "" {
		itemText = "none"
	}

	prompt := strings.NewReplacer(
		"{room_name}", sc.Room,
		"{description}", truncateRunes(strings.Join(strings.Fields(strings.Join(sc.Description, " ")), " "), c.DescriptionLength),
		"{items}", itemText,
		"{style_prefix}", c.StylePrefix,
		"{max_prompt_length}", strconv.Itoa(c.MaxPromptLength),
	).Replace(c.Template)

	return llm.CompletionRequest{
		SystemPrompt: c.SystemPrompt,
		Messages:     []llm.Message{llm.UserMessage(prompt)},
		Temperature:  0.7,
		MaxTokens:    96,
	}, true
}

// DiffusionPrompt cleans an LLM reply into a diffusion prompt for room: it
// strips wrapping quotes, collapses whitespace and truncates to the
// configured maximum. An empty reply falls back to the style prefix followed
// by the room name.
func (b *Builder) DiffusionPrompt(room, reply string) string {
	c := b.cfg.Image
	p := strings.Join(strings.Fields(reply), " ")
	p = strings.Trim(p, "\"'` ")
	if p == "" {
		p = c.StylePrefix + " " + room
	}
	return truncateRunes(p, c.MaxPromptLength)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n]))
}
