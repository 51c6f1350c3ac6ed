package imagecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/MrWong99/lorekeeper/pkg/provider/image"
)

// ErrUnknownQuality is returned when a quality name has no preset.
var ErrUnknownQuality = errors.New("imagecache: unknown quality")

// Quality is a generation preset.
type Quality struct {
	Size  string `yaml:"size" json:"size"`
	Steps int    `yaml:"steps" json:"steps"`
}

// DefaultQualities returns the built-in presets.
func DefaultQualities() map[string]Quality {
	return map[string]Quality{
		"low":    {Size: "512x512", Steps: 10},
		"medium": {Size: "512x512", Steps: 20},
		"high":   {Size: "768x768", Steps: 30},
	}
}

// Config selects the presets a [Service] uses.
type Config struct {
	// DefaultQuality is used for automatic generation. Default: "medium".
	DefaultQuality string

	// RegenQuality is used for manual regeneration. Default: "high".
	RegenQuality string

	// Qualities maps names to presets. Default: [DefaultQualities].
	Qualities map[string]Quality
}

func (c Config) withDefaults() Config {
	if c.DefaultQuality == "" {
		c.DefaultQuality = "medium"
	}
	if c.RegenQuality == "" {
		c.RegenQuality = "high"
	}
	if len(c.Qualities) == 0 {
		c.Qualities = DefaultQualities()
	}
	return c
}

// Result describes an image served by a [Service].
type Result struct {
	Room     string `json:"room"`
	Quality  string `json:"quality"`
	Path     string `json:"path"`
	Prompt   string `json:"prompt"`
	CacheHit bool   `json:"cache_hit"`
	PNG      []byte `json:"-"`
}

// Service serves scene images cache-first and generates misses through an
// [image.Provider].
type Service struct {
	cache    *Cache
	provider image.Provider
	cfg      Config
}

// NewService returns a Service. provider may be nil, in which case only
// cached images can be served.
func NewService(cache *Cache, provider image.Provider, cfg Config) *Service {
	return &Service{cache: cache, provider: provider, cfg: cfg.withDefaults()}
}

// DefaultQuality returns the quality used for automatic generation.
func (s *Service) DefaultQuality() string { return s.cfg.DefaultQuality }

// RegenQuality returns the quality used for manual regeneration.
func (s *Service) RegenQuality() string { return s.cfg.RegenQuality }

// QualityNames returns every configured preset name, sorted.
func (s *Service) QualityNames() []string {
	return slices.Sorted(maps.Keys(s.cfg.Qualities))
}

// NeedsImage reports whether room has no image at the default quality yet.
func (s *Service) NeedsImage(room string) bool {
	return !s.cache.IsCached(room, s.cfg.DefaultQuality)
}

// Cached returns the cached image for room at quality ("" means default).
func (s *Service) Cached(room, quality string) (*Result, error) {
	if quality == "" {
		quality = s.cfg.DefaultQuality
	}
	data, entry, err := s.cache.Load(room, quality)
	if err != nil {
		return nil, err
	}
	return &Result{
		Room: room, Quality: quality, Path: s.cache.Path(room, quality),
		Prompt: entry.Prompt, CacheHit: true, PNG: data,
	}, nil
}

// Generate returns the image for room at quality ("" means default). A cached
// image is returned as-is unless force is set; otherwise prompt is rendered
// with the quality's preset and stored.
func (s *Service) Generate(ctx context.Context, room, prompt, quality string, force bool) (*Result, error) {
	if quality == "" {
		quality = s.cfg.DefaultQuality
	}
	preset, ok := s.cfg.Qualities[quality]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnknownQuality, quality, strings.Join(s.QualityNames(), ", "))
	}
	if !force {
		if res, err := s.Cached(room, quality); err == nil {
			slog.Debug("scene image cache hit", "room", room, "quality", quality)
			return res, nil
		} else if !errors.Is(err, ErrNotCached) {
			slog.Warn("scene image cache unreadable, regenerating", "room", room, "quality", quality, "err", err)
		}
	}
	if s.provider == nil {
		return nil, errors.New("imagecache: no image provider configured")
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, errors.New("imagecache: empty prompt")
	}

	res, err := s.provider.Generate(ctx, image.Request{Prompt: prompt, Size: preset.Size, Steps: preset.Steps})
	if err != nil {
		return nil, fmt.Errorf("imagecache: generate %q: %w", room, err)
	}
	path, err := s.cache.Store(room, quality, res)
	if err != nil {
		return nil, err
	}
	slog.Info("scene image generated", "room", room, "quality", quality, "path", path)
	return &Result{Room: room, Quality: quality, Path: path, Prompt: res.Prompt, PNG: res.PNG}, nil
}

// CachedPrompt returns the prompt of an existing image of room, preferring
// the default quality and otherwise any cached quality.
func (s *Service) CachedPrompt(room string) (string, bool) {
	qualities := s.cache.Qualities(room)
	if len(qualities) == 0 {
		return "", false
	}
	source := qualities[0]
	if slices.Contains(qualities, s.cfg.DefaultQuality) {
		source = s.cfg.DefaultQuality
	}
	_, entry, err := s.cache.Load(room, source)
	if err != nil || entry.Prompt == "" {
		return "", false
	}
	return entry.Prompt, true
}

// RegenerateFromCachedPrompt re-renders room at quality ("" means the regen
// quality) reusing the prompt of an already cached image, so no LLM call is
// needed.
func (s *Service) RegenerateFromCachedPrompt(ctx context.Context, room, quality string) (*Result, error) {
	if quality == "" {
		quality = s.cfg.RegenQuality
	}
	prompt, ok := s.CachedPrompt(room)
	if !ok {
		return nil, fmt.Errorf("%w: no cached prompt for %s", ErrNotCached, room)
	}
	return s.Generate(ctx, room, prompt, quality, true)
}
