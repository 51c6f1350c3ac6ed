package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/lorekeeper/internal/imagecache"
	"github.com/MrWong99/lorekeeper/internal/scheduler"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
	"image":      {"sdserver"},
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr     = ":8080"
	DefaultPlayerName     = "player"
	DefaultDBPathTemplate = "data/db/{player}_memory.json"
	DefaultImageCacheDir  = "data/images"
)

var sizePattern = regexp.MustCompile(`^[1-9][0-9]*x[1-9][0-9]*$`)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults and validates
// the result. Unknown keys are rejected. An empty document yields the
// defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field that has a documented default.
// Prompt texts and window sizes are left empty; their consumers default
// them.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Player.Name == "" {
		cfg.Player.Name = DefaultPlayerName
	}
	if cfg.Memory.Backend == "" {
		cfg.Memory.Backend = BackendJSONFile
	}
	if cfg.Memory.DBPathTemplate == "" {
		cfg.Memory.DBPathTemplate = DefaultDBPathTemplate
	}
	if cfg.Memory.CheckpointInterval == 0 {
		cfg.Memory.CheckpointInterval = Duration(10 * time.Second)
	}
	if cfg.Scheduler.QueueCapacity == 0 {
		cfg.Scheduler.QueueCapacity = scheduler.DefaultCapacity
	}
	if cfg.SceneImages.CacheDirectory == "" {
		cfg.SceneImages.CacheDirectory = DefaultImageCacheDir
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found. Issues
// that only degrade functionality are logged as warnings.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Providers
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("image", cfg.Providers.Image.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}
	if len(cfg.Providers.LLMFallbacks) > 0 && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm_fallbacks requires providers.llm"))
	}
	if cfg.Providers.LLM.Name == "" && (cfg.Narration.Enabled || cfg.Enrichment.Enabled || cfg.SceneImages.Enabled) {
		slog.Warn("no LLM provider configured; narration, enrichment and scene images will not run")
	}

	// Memory
	switch {
	case !cfg.Memory.Backend.IsValid():
		errs = append(errs, fmt.Errorf("memory.backend %q is invalid; valid values: jsonfile, postgres, none", cfg.Memory.Backend))
	case cfg.Memory.Backend == BackendPostgres && cfg.Memory.PostgresDSN == "":
		errs = append(errs, errors.New("memory.postgres_dsn is required when memory.backend is postgres"))
	}
	if cfg.Memory.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("memory.embedding_dimensions %d must not be negative", cfg.Memory.EmbeddingDimensions))
	}
	if cfg.Memory.CheckpointInterval < 0 {
		errs = append(errs, fmt.Errorf("memory.checkpoint_interval %s must not be negative", cfg.Memory.CheckpointInterval.Std()))
	}
	if cfg.Memory.RecentScenes < 0 || cfg.Memory.RecentNarrations < 0 {
		errs = append(errs, errors.New("memory.recent_scenes and memory.recent_narrations must not be negative"))
	}
	if cfg.Providers.Embeddings.Name != "" {
		switch {
		case cfg.Memory.Backend != BackendPostgres:
			slog.Warn("providers.embeddings is configured but only the postgres backend indexes notes; recall is disabled",
				"backend", cfg.Memory.Backend)
		case cfg.Memory.EmbeddingDimensions == 0:
			errs = append(errs, errors.New("memory.embedding_dimensions is required when providers.embeddings is used with postgres"))
		}
	}

	// Scheduler
	if cfg.Scheduler.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("scheduler.queue_capacity %d must not be negative", cfg.Scheduler.QueueCapacity))
	}
	for _, name := range sortedKeys(cfg.Scheduler.Timeouts) {
		if _, ok := scheduler.ParseKind(name); !ok {
			errs = append(errs, fmt.Errorf("scheduler.timeouts: unknown task kind %q", name))
			continue
		}
		if d := cfg.Scheduler.Timeouts[name]; d <= 0 {
			errs = append(errs, fmt.Errorf("scheduler.timeouts.%s %s must be positive", name, d.Std()))
		}
	}

	// Narration
	if t := cfg.Narration.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("narration.temperature %.2f is out of range [0, 2]", t))
	}
	if cfg.Narration.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("narration.max_tokens %d must not be negative", cfg.Narration.MaxTokens))
	}

	// Scene images
	errs = append(errs, validateSceneImages(cfg)...)

	// Ambient
	if cfg.Ambient.IdleAfter < 0 {
		errs = append(errs, fmt.Errorf("ambient.idle_after %s must not be negative", cfg.Ambient.IdleAfter.Std()))
	}
	if cfg.Ambient.Enabled && !cfg.Narration.Enabled {
		slog.Warn("ambient.enabled has no effect while narration is disabled")
	}

	return errors.Join(errs...)
}

func validateSceneImages(cfg *Config) []error {
	si := cfg.SceneImages
	var errs []error
	qualities := si.Qualities
	if len(qualities) == 0 {
		qualities = imagecache.DefaultQualities()
	}
	for _, name := range sortedKeys(si.Qualities) {
		q := si.Qualities[name]
		if !sizePattern.MatchString(q.Size) {
			errs = append(errs, fmt.Errorf("scene_images.qualities.%s.size %q must look like 512x512", name, q.Size))
		}
		if q.Steps <= 0 {
			errs = append(errs, fmt.Errorf("scene_images.qualities.%s.steps %d must be positive", name, q.Steps))
		}
	}
	for field, name := range map[string]string{"default_quality": si.DefaultQuality, "regen_quality": si.RegenQuality} {
		if _, ok := qualities[name]; name != "" && !ok {
			errs = append(errs, fmt.Errorf("scene_images.%s %q is not a configured quality", field, name))
		}
	}
	if si.MaxPromptLength < 0 {
		errs = append(errs, fmt.Errorf("scene_images.max_prompt_length %d must not be negative", si.MaxPromptLength))
	}
	if si.Enabled && cfg.Providers.Image.Name == "" {
		errs = append(errs, errors.New("scene_images.enabled requires providers.image"))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// parse decodes data without touching the filesystem. The watcher uses it on
// bytes it has already hashed.
func parse(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}
