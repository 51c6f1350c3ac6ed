// Package app wires all Lorekeeper subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the background loops and the HTTP server, and
// Shutdown tears everything down in order.
//
// For testing, inject test doubles via functional options (WithDurableStore,
// WithNoteIndex, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/lorekeeper/internal/api"
	"github.com/MrWong99/lorekeeper/internal/audit"
	"github.com/MrWong99/lorekeeper/internal/config"
	"github.com/MrWong99/lorekeeper/internal/health"
	"github.com/MrWong99/lorekeeper/internal/hotctx"
	"github.com/MrWong99/lorekeeper/internal/imagecache"
	"github.com/MrWong99/lorekeeper/internal/mcp"
	"github.com/MrWong99/lorekeeper/internal/observe"
	"github.com/MrWong99/lorekeeper/internal/recorder"
	"github.com/MrWong99/lorekeeper/internal/recorder/itemmatch"
	"github.com/MrWong99/lorekeeper/internal/resilience"
	"github.com/MrWong99/lorekeeper/internal/scheduler"
	"github.com/MrWong99/lorekeeper/internal/session"
	"github.com/MrWong99/lorekeeper/pkg/memory"
	"github.com/MrWong99/lorekeeper/pkg/memory/jsonfile"
	"github.com/MrWong99/lorekeeper/pkg/memory/postgres"
	"github.com/MrWong99/lorekeeper/pkg/provider/embeddings"
	"github.com/MrWong99/lorekeeper/pkg/provider/image"
	"github.com/MrWong99/lorekeeper/pkg/provider/llm"
)

// shutdownTimeout bounds the HTTP server drain when Run stops.
const shutdownTimeout = 10 * time.Second

// NamedLLM is a fallback LLM with the name used in logs and metrics.
type NamedLLM struct {
	Name     string
	Provider llm.Provider
}

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM          llm.Provider
	LLMFallbacks []NamedLLM
	Embeddings   embeddings.Provider
	Image        image.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	scrape    http.Handler
	levelVar  *slog.LevelVar
	watchPath string
	watchOpts []config.WatcherOption
	watcher   *config.Watcher
	listener  net.Listener

	// Subsystems, initialised in New and torn down in Shutdown.
	store        *memory.Store
	dispatcher   *audit.Dispatcher
	hub          *audit.Hub
	durable      memory.DurableStore
	guard        *session.StoreGuard
	notes        memory.NoteIndex
	events       *audit.DurableSink
	checkpointer *session.Checkpointer
	sched        *scheduler.Scheduler
	images       *imagecache.Service
	session      *session.Session
	ambient      *session.Ambient
	handler      http.Handler

	schedRunning atomic.Bool

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDurableStore injects a durable store instead of creating one from
// config. It is still wrapped in a [session.StoreGuard].
func WithDurableStore(s memory.DurableStore) Option {
	return func(a *App) { a.durable = s }
}

// WithNoteIndex injects the note index used for recall.
func WithNoteIndex(idx memory.NoteIndex) Option {
	return func(a *App) { a.notes = idx }
}

// WithMetrics sets the metrics instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h at /metrics. Default: the Prometheus default
// registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithLevelVar lets config reloads change the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithConfigWatch polls the config file at path while Run is active and
// applies hot-reloadable changes via [App.ApplyConfig].
func WithConfigWatch(path string, opts ...config.WatcherOption) Option {
	return func(a *App) {
		a.watchPath = path
		a.watchOpts = opts
	}
}

// WithListener serves HTTP on l instead of cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: durable store connection,
// audit sinks, checkpoint restore, scheduler, session and HTTP surfaces.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if strings.TrimSpace(cfg.Player.Name) == "" {
		return nil, fmt.Errorf("app: %w", session.ErrEmptyPlayer)
	}
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.store = memory.NewStore(cfg.Player.Name)

	// ── 1. Durable store ─────────────────────────────────────────────────
	if err := a.initDurable(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init durable store: %w", err)
	}

	// ── 2. Audit fan-out ─────────────────────────────────────────────────
	if err := a.initAudit(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init audit: %w", err)
	}

	// ── 3. Restore or start fresh ────────────────────────────────────────
	if err := a.initCheckpoint(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init checkpoint: %w", err)
	}

	// ── 4. Scheduler + session ───────────────────────────────────────────
	if err := a.initSession(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init session: %w", err)
	}

	// ── 5. HTTP surfaces ─────────────────────────────────────────────────
	if err := a.initHTTP(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init http: %w", err)
	}

	// ── 6. Config watcher ────────────────────────────────────────────────
	if a.watchPath != "" {
		w, err := config.NewWatcher(a.watchPath, func(old, updated *config.Config) {
			a.ApplyConfig(context.Background(), old, updated)
		}, a.watchOpts...)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: init config watcher: %w", err)
		}
		a.watcher = w
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initDurable(ctx context.Context) error {
	if a.durable == nil {
		switch a.cfg.Memory.Backend {
		case config.BackendNone:
			slog.Warn("durable memory disabled, progress is lost on exit")
			return nil
		case config.BackendPostgres:
			store, err := postgres.NewStore(ctx, a.cfg.Memory.PostgresDSN, a.cfg.Memory.EmbeddingDimensions)
			if err != nil {
				return err
			}
			a.durable = store
			if a.notes == nil && a.providers.Embeddings != nil {
				a.notes = store.Notes()
			}
		default:
			a.durable = jsonfile.New(a.cfg.Memory.DBPathTemplate)
		}
	}
	a.guard = session.NewStoreGuard(a.durable)
	a.closers = append(a.closers, a.guard.Close)
	slog.Info("durable memory ready", "backend", a.cfg.Memory.Backend)
	return nil
}

func (a *App) initAudit(ctx context.Context) error {
	var opts []audit.Option
	if a.cfg.Player.Resume && a.durable != nil {
		if seq := lastSeq(ctx, a.durable, a.cfg.Player.Name); seq > 0 {
			opts = append(opts, audit.WithStartSeq(seq))
		}
	}
	a.dispatcher = audit.NewDispatcher(opts...)
	a.dispatcher.AddSink("slog", audit.NewSlogSink(slog.Default()))

	a.hub = audit.NewHub(0, a.metrics)
	a.dispatcher.AddSink("hub", a.hub)
	a.closers = append(a.closers, func() error {
		a.hub.Close()
		return nil
	})

	if path := a.cfg.Audit.JSONLPath; path != "" {
		a.dispatcher.AddSink("jsonl", audit.NewFileSink(path))
	}
	if a.guard != nil {
		a.events = audit.NewDurableSink(a.guard, 0)
		a.dispatcher.AddSink("durable", a.events)
	}
	return nil
}

// lastSeq returns the highest audit sequence number stored for player, so a
// resumed session keeps numbering upwards.
func lastSeq(ctx context.Context, durable memory.DurableStore, player string) uint64 {
	var (
		events []memory.Event
		err    error
	)
	switch s := durable.(type) {
	case *jsonfile.Store:
		events, err = s.Events(player)
	case *postgres.Store:
		events, err = s.Events(ctx, player)
	default:
		return 0
	}
	if err != nil {
		slog.Warn("could not read audit log, numbering restarts", "player", player, "err", err)
		return 0
	}
	var seq uint64
	for _, ev := range events {
		seq = max(seq, ev.Seq)
	}
	return seq
}

func (a *App) initCheckpoint(ctx context.Context) error {
	if a.guard == nil {
		return nil
	}
	a.checkpointer = session.NewCheckpointer(session.CheckpointerConfig{
		Store:    a.store,
		Durable:  a.guard,
		Events:   a.events,
		Notes:    a.notes,
		Interval: a.cfg.Memory.CheckpointInterval.Std(),
	})

	player := a.store.Player()
	if a.cfg.Player.Resume {
		restored, err := a.checkpointer.Resume(ctx)
		if err != nil {
			return err
		}
		if !restored {
			slog.Info("no saved memory, starting fresh", "player", player)
		}
		return nil
	}
	// A new game for the same name replaces the old record.
	if err := a.checkpointer.ResetIdentity(ctx, player, player, func() {}); err != nil {
		slog.Warn("could not clear previous memory", "player", player, "err", err)
	}
	return nil
}

func (a *App) initSession() error {
	timeouts := make(map[scheduler.Kind]time.Duration, len(a.cfg.Scheduler.Timeouts))
	for name, d := range a.cfg.Scheduler.Timeouts {
		k, ok := scheduler.ParseKind(name)
		if !ok {
			return fmt.Errorf("unknown task kind %q", name)
		}
		timeouts[k] = d.Std()
	}
	a.sched = scheduler.New(a.store, scheduler.Config{
		Capacity: a.cfg.Scheduler.QueueCapacity,
		Timeouts: timeouts,
		Sink:     a.dispatcher,
		Metrics:  a.metrics,
	})

	lm := a.buildLLM()

	if a.cfg.SceneImages.Enabled && a.providers.Image != nil {
		cache, err := imagecache.New(a.cfg.SceneImages.CacheDirectory)
		if err != nil {
			return err
		}
		guarded := resilience.NewImageGuard(a.providers.Image,
			resilience.CircuitBreakerConfig{Name: a.providers.Image.Name()}, a.metrics)
		a.images = imagecache.NewService(cache, guarded, imagecache.Config{
			DefaultQuality: a.cfg.SceneImages.DefaultQuality,
			RegenQuality:   a.cfg.SceneImages.RegenQuality,
			Qualities:      a.cfg.SceneImages.Qualities,
		})
	}

	var recall *session.NoteRecall
	if a.notes != nil && a.providers.Embeddings != nil {
		recall = session.NewNoteRecall(a.notes, a.providers.Embeddings)
	}

	rc := a.cfg.Recorder
	s, err := session.New(session.Config{
		Store:     a.store,
		Scheduler: a.sched,
		Sink:      a.dispatcher,
		LLM:       lm,
		Builder:   BuildPromptBuilder(a.cfg),
		Exporter:  hotctx.NewExporter(a.store, hotctx.WithWindow(a.cfg.Memory.RecentScenes, a.cfg.Memory.RecentNarrations)),
		RecorderOptions: []recorder.Option{
			recorder.WithVocabulary(recorder.Vocabulary{
				ItemVerbs:        rc.ItemVerbs,
				WorldObjectVerbs: rc.WorldObjectVerbs,
				LookVerbs:        rc.LookVerbs,
			}),
			recorder.WithResolver(itemmatch.New()),
			recorder.WithMetrics(a.metrics),
		},
		Images:            a.images,
		Checkpointer:      a.checkpointer,
		Notes:             recall,
		NarrationEnabled:  a.cfg.Narration.Enabled,
		EnrichmentEnabled: a.cfg.Enrichment.Enabled,
	})
	if err != nil {
		return err
	}
	a.session = s

	if a.cfg.Ambient.Enabled {
		a.ambient = session.NewAmbient(s, a.cfg.Ambient.IdleAfter.Std())
	}
	return nil
}

// buildLLM wraps the configured LLM and its fallbacks in a circuit-breaking
// fallback chain. It returns nil when no LLM is configured.
func (a *App) buildLLM() llm.Provider {
	if a.providers.LLM == nil {
		return nil
	}
	primary := a.cfg.Providers.LLM.Name
	if primary == "" {
		primary = "primary"
	}
	fb := resilience.NewLLMFallback(a.providers.LLM, primary, resilience.FallbackConfig{}, a.metrics)
	for _, f := range a.providers.LLMFallbacks {
		fb.AddFallback(f.Name, f.Provider)
	}
	return fb
}

// BuildPromptBuilder maps the prompt sections of cfg onto a [hotctx.Builder].
func BuildPromptBuilder(cfg *config.Config) *hotctx.Builder {
	n := cfg.Narration
	return hotctx.NewBuilder(hotctx.Config{
		Narration: hotctx.NarrationConfig{
			SystemPrompt:     n.SystemPrompt,
			UserTemplate:     n.UserPromptTemplate,
			MaxSceneLines:    n.MaxSceneLines,
			RecentNarrations: n.RecentNarrations,
			RecentScenes:     n.RecentScenes,
			RecentActions:    n.RecentActions,
			Inventory:        n.Inventory,
			Temperature:      n.Temperature,
			MaxTokens:        n.MaxTokens,
		},
		Image: hotctx.ImagePromptConfig{
			SystemPrompt:    cfg.SceneImages.SystemPrompt,
			StylePrefix:     cfg.SceneImages.StylePrefix,
			MaxPromptLength: cfg.SceneImages.MaxPromptLength,
		},
		Enrichment: hotctx.EnrichmentConfig{
			SystemPrompt: cfg.Enrichment.SystemPrompt,
		},
	})
}

func (a *App) initHTTP() error {
	mux := http.NewServeMux()

	apiServer, err := api.NewServer(api.Config{Session: a.session, Hub: a.hub, Metrics: a.metrics})
	if err != nil {
		return err
	}
	apiServer.Register(mux)

	mcpServer, err := mcp.NewServer(a.session)
	if err != nil {
		return err
	}
	mux.Handle("/mcp", mcpServer.Handler())
	if a.scrape == nil {
		a.scrape = promhttp.Handler()
	}
	mux.Handle("GET /metrics", a.scrape)

	checkers := []health.Checker{{
		Name: "scheduler",
		Check: func(context.Context) error {
			if !a.schedRunning.Load() {
				return errors.New("worker not running")
			}
			return nil
		},
	}}
	if a.guard != nil {
		checkers = append(checkers, health.Flag("durable_store", a.guard.IsDegraded, "durable writes failing"))
	}
	health.New(checkers...).Register(mux)

	a.handler = mux
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Session returns the game session.
func (a *App) Session() *session.Session { return a.session }

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the scheduler worker, the checkpointer, the ambient narrator,
// the config watcher and the HTTP server, and blocks until ctx is cancelled
// or one of them fails. When replay is non-nil it is fed through the session
// and Run returns once it is done.
func (a *App) Run(ctx context.Context, replay *Replay) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.schedRunning.Store(true)
		defer a.schedRunning.Store(false)
		return a.sched.Run(gctx)
	})
	if a.checkpointer != nil {
		g.Go(func() error { return a.checkpointer.Run(gctx) })
	}
	if a.ambient != nil {
		g.Go(func() error { return a.ambient.Run(gctx) })
	}
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	srv := &http.Server{Handler: a.handler, ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		ln := a.listener
		if ln == nil {
			var err error
			if ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr); err != nil {
				return fmt.Errorf("app: listen: %w", err)
			}
		}
		slog.Info("http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if replay != nil {
		g.Go(func() error { return replay.Run(gctx, a.session) })
	}

	slog.Info("app running", "player", a.session.Player())
	err := g.Wait()
	if errors.Is(err, errReplayDone) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a changed config: the log
// level, the player name, prompts and the ambient idle threshold. Everything
// else needs a restart.
func (a *App) ApplyConfig(ctx context.Context, old, updated *config.Config) {
	d := config.Diff(old, updated)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(ParseLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PromptsChanged {
		a.session.SetBuilder(BuildPromptBuilder(updated))
		slog.Info("prompt settings reloaded")
	}
	if d.AmbientChanged && a.ambient != nil {
		a.ambient.SetIdleAfter(updated.Ambient.IdleAfter.Std())
	}
	if d.PlayerChanged {
		if err := a.session.Rename(ctx, d.NewPlayer); err != nil {
			slog.Error("rename from config failed", "from", d.OldPlayer, "to", d.NewPlayer, "err", err)
			return
		}
		slog.Info("player renamed from config", "from", d.OldPlayer, "to", d.NewPlayer)
	}
}

// ParseLevel maps a config log level to a [slog.Level].
func ParseLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases everything New acquired. Run must have returned; its
// final checkpoint has then already been written. Safe to call more than
// once.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		if a.watcher != nil {
			a.watcher.Stop()
		}
		if a.checkpointer != nil {
			if ferr := a.checkpointer.FlushNow(ctx); ferr != nil {
				slog.Warn("final checkpoint failed", "err", ferr)
			}
		}
		err = a.closeAll()
	})
	return err
}

func (a *App) closeAll() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
