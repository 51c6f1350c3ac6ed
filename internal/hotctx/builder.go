package hotctx

// Config groups the prompt settings of every job kind.
type Config struct {
	Narration  NarrationConfig
	Image      ImagePromptConfig
	Enrichment EnrichmentConfig
}

// Builder renders snapshots into LLM requests. It holds no state beyond its
// configuration and is safe for concurrent use.
type Builder struct {
	cfg Config
}

// NewBuilder returns a Builder. Zero fields of cfg take their defaults.
func NewBuilder(cfg Config) *Builder {
	cfg.Narration = cfg.Narration.withDefaults()
	cfg.Image = cfg.Image.withDefaults()
	cfg.Enrichment = cfg.Enrichment.withDefaults()
	return &Builder{cfg: cfg}
}

// Config returns the effective configuration, defaults applied.
func (b *Builder) Config() Config { return b.cfg }
