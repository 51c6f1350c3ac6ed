package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PlayerChanged is set when player.name changed. Applying it renames the
	// session, which resets memory.
	PlayerChanged bool
	OldPlayer     string
	NewPlayer     string

	// PromptsChanged is set when any narration, enrichment or image prompt
	// setting changed.
	PromptsChanged bool

	AmbientChanged bool
}

// Empty reports whether nothing hot-reloadable changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.PlayerChanged && !d.PromptsChanged && !d.AmbientChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Player.Name != new.Player.Name {
		d.PlayerChanged = true
		d.OldPlayer = old.Player.Name
		d.NewPlayer = new.Player.Name
	}

	if old.Narration != new.Narration ||
		old.Enrichment != new.Enrichment ||
		!sameImagePrompt(old.SceneImages, new.SceneImages) {
		d.PromptsChanged = true
	}

	d.AmbientChanged = old.Ambient != new.Ambient
	return d
}

// sameImagePrompt compares the prompt-related image settings.
func sameImagePrompt(a, b SceneImagesConfig) bool {
	return a.StylePrefix == b.StylePrefix &&
		a.MaxPromptLength == b.MaxPromptLength &&
		a.SystemPrompt == b.SystemPrompt
}
