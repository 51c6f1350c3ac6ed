// Command lorekeeper is the main entry point for the Lorekeeper narrator
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/lorekeeper/internal/app"
	"github.com/MrWong99/lorekeeper/internal/config"
	"github.com/MrWong99/lorekeeper/internal/mcp"
	"github.com/MrWong99/lorekeeper/internal/observe"
	"github.com/MrWong99/lorekeeper/pkg/provider/embeddings"
	ollamaembed "github.com/MrWong99/lorekeeper/pkg/provider/embeddings/ollama"
	oaembed "github.com/MrWong99/lorekeeper/pkg/provider/embeddings/openai"
	"github.com/MrWong99/lorekeeper/pkg/provider/image"
	"github.com/MrWong99/lorekeeper/pkg/provider/image/sdserver"
	"github.com/MrWong99/lorekeeper/pkg/provider/llm"
	"github.com/MrWong99/lorekeeper/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/lorekeeper/pkg/provider/llm/openai"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	replayPath := flag.String("replay", "", "replay a JSON-lines file of engine facts, then exit")
	keepRunning := flag.Bool("serve-after-replay", false, "keep serving HTTP after the replay finishes")
	watch := flag.Bool("watch", true, "reload log level, player name, prompts and ambient settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "lorekeeper: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "lorekeeper: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.ParseLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("lorekeeper starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "lorekeeper",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	mcp.Version = version

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Replay input (optional) ───────────────────────────────────────────────
	var replay *app.Replay
	if *replayPath != "" {
		f, err := os.Open(*replayPath)
		if err != nil {
			slog.Error("failed to open replay file", "path", *replayPath, "err", err)
			return 1
		}
		defer f.Close()
		replay = app.NewReplay(f)
		replay.KeepRunning = *keepRunning
	}

	printStartupSummary(cfg)

	opts := []app.Option{
		app.WithLevelVar(level),
		app.WithMetrics(tel.Metrics),
		app.WithMetricsHandler(tel.Handler()),
	}
	if *watch {
		opts = append(opts, app.WithConfigWatch(*configPath))
	}
	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx, replay); err != nil {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation package.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if org := entry.OptString("organization"); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		if secs := entry.OptInt("timeout_seconds"); secs > 0 {
			opts = append(opts, oallm.WithTimeout(time.Duration(secs)*time.Second))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	// The rest go through any-llm: optional APIKey and optional BaseURL.
	for _, name := range config.ValidProviderNames["llm"] {
		if name == "openai" || !anyllm.Supports(name) {
			continue
		}
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	// ── Embeddings ────────────────────────────────────────────────────────────
	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if dims := entry.OptInt("dimensions"); dims > 0 {
			opts = append(opts, oaembed.WithDimensions(dims))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []ollamaembed.Option
		if dims := entry.OptInt("dimensions"); dims > 0 {
			opts = append(opts, ollamaembed.WithDimensions(dims))
		}
		doc, query := entry.OptString("document_prefix"), entry.OptString("query_prefix")
		if doc != "" || query != "" {
			opts = append(opts, ollamaembed.WithPrefixes(doc, query))
		}
		return ollamaembed.New(entry.BaseURL, entry.Model, opts...)
	})

	// ── Image ─────────────────────────────────────────────────────────────────
	reg.RegisterImage("sdserver", func(entry config.ProviderEntry) (image.Provider, error) {
		var opts []sdserver.Option
		if entry.APIKey != "" {
			opts = append(opts, sdserver.WithAPIKey(entry.APIKey))
		}
		if entry.Model != "" {
			opts = append(opts, sdserver.WithModel(entry.Model))
		}
		if secs := entry.OptInt("timeout_seconds"); secs > 0 {
			opts = append(opts, sdserver.WithTimeout(time.Duration(secs)*time.Second))
		}
		return sdserver.New(entry.BaseURL, opts...)
	})

	for kind, names := range reg.Names() {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := create("llm", cfg.Providers.LLM, reg.CreateLLM)
		if err != nil {
			return nil, err
		}
		ps.LLM = p
	}

	for _, entry := range cfg.Providers.LLMFallbacks {
		p, err := create("llm fallback", entry, reg.CreateLLM)
		if err != nil {
			return nil, err
		}
		if p != nil {
			ps.LLMFallbacks = append(ps.LLMFallbacks, app.NamedLLM{Name: entry.Name, Provider: p})
		}
	}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := create("embeddings", cfg.Providers.Embeddings, reg.CreateEmbeddings)
		if err != nil {
			return nil, err
		}
		ps.Embeddings = p
	}

	if name := cfg.Providers.Image.Name; name != "" {
		p, err := create("image", cfg.Providers.Image, reg.CreateImage)
		if err != nil {
			return nil, err
		}
		ps.Image = p
	}

	return ps, nil
}

// create builds one provider. Unregistered names are skipped with a debug
// log and yield the zero value.
func create[P any](kind string, entry config.ProviderEntry, factory func(config.ProviderEntry) (P, error)) (P, error) {
	var zero P
	p, err := factory(entry)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		slog.Debug("provider not implemented, skipping", "kind", kind, "name", entry.Name)
		return zero, nil
	}
	if err != nil {
		return zero, fmt.Errorf("create %s provider %q: %w", kind, entry.Name, err)
	}
	slog.Info("provider created", "kind", kind, "name", entry.Name)
	return p, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       Lorekeeper startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Player", cfg.Player.Name)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printRow("Fallbacks", fmt.Sprint(len(cfg.Providers.LLMFallbacks)))
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	printProvider("Image", cfg.Providers.Image.Name, cfg.Providers.Image.Model)
	printRow("Memory", string(cfg.Memory.Backend))
	printRow("Narration", onOff(cfg.Narration.Enabled))
	printRow("Enrichment", onOff(cfg.Enrichment.Enabled))
	printRow("Scene images", onOff(cfg.SceneImages.Enabled))
	printRow("Ambient", onOff(cfg.Ambient.Enabled))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printRow(kind, value)
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "(disabled)"
}
