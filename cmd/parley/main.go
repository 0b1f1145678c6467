// Command parley is the main entry point for the Parley conversation practice
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

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/blob"
	"github.com/MrWong99/parley/pkg/blob/memblob"
	"github.com/MrWong99/parley/pkg/blob/s3"
	"github.com/MrWong99/parley/pkg/provider/genai"
	oagenai "github.com/MrWong99/parley/pkg/provider/genai/openai"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/parley/pkg/provider/llm/openai"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/tts/polly"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload log level and scenarios when the config file changes")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level is held in a LevelVar so config reloads can change it.
	var level slog.LevelVar

	// ── Load configuration ────────────────────────────────────────────────────
	var application *app.App
	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if len(d.ScenarioChanges) > 0 && application != nil {
			if err := application.ApplyConfig(context.Background(), next, d); err != nil {
				slog.Error("failed to apply scenario changes", "err", err)
			}
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()

	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(cfg.Server.LogFormat, &level))

	slog.Info("parley starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "parley",
		ServiceVersion: version,
		SampleRatio:    cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Practice.Language)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	blobs, err := reg.CreateBlob(cfg.Blob)
	if err != nil {
		slog.Error("failed to create blob store", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err = app.New(ctx, cfg, providers, app.WithBlobStore(blobs))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *watch {
		go watcher.Run(ctx)
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// language is the default transcription hint for generators that do not set
// their own.
func registerBuiltinProviders(reg *config.Registry, language string) {
	// ── Generator ─────────────────────────────────────────────────────────────

	reg.RegisterGenerator("openai", func(entry config.ProviderEntry) (genai.Provider, error) {
		var opts []oagenai.Option
		if entry.Model != "" {
			opts = append(opts, oagenai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oagenai.WithBaseURL(entry.BaseURL))
		}
		if m := optString(entry.Options, "transcribe_model"); m != "" {
			opts = append(opts, oagenai.WithTranscribeModel(m))
		}
		lang := optString(entry.Options, "language")
		if lang == "" {
			lang = language
		}
		if lang != "" {
			opts = append(opts, oagenai.WithLanguage(lang))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oagenai.WithTimeout(d))
		}
		return oagenai.New(entry.APIKey, opts...)
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oallm.WithTimeout(d))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	// The remaining backends share the same pattern: optional APIKey +
	// optional BaseURL.
	for _, providerName := range anyllm.Backends {
		if providerName == "openai" {
			continue
		}
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("polly", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []polly.Option
		if region := optString(entry.Options, "region"); region != "" {
			opts = append(opts, polly.WithRegion(region))
		}
		if entry.Model != "" {
			opts = append(opts, polly.WithEngine(entry.Model))
		}
		if voice := optString(entry.Options, "voice"); voice != "" {
			opts = append(opts, polly.WithDefaultVoice(voice))
		}
		return polly.New(opts...), nil
	})

	// ── Blob ──────────────────────────────────────────────────────────────────

	reg.RegisterBlob("memory", func(config.BlobConfig) (blob.Store, error) {
		return memblob.New(app.AudioPrefix), nil
	})

	reg.RegisterBlob("s3", func(bc config.BlobConfig) (blob.Store, error) {
		var opts []s3.Option
		if bc.Region != "" {
			opts = append(opts, s3.WithRegion(bc.Region))
		}
		if bc.Endpoint != "" {
			opts = append(opts, s3.WithEndpoint(bc.Endpoint))
		}
		if bc.PublicBaseURL != "" {
			opts = append(opts, s3.WithPublicBaseURL(bc.PublicBaseURL))
		}
		if bc.PresignTTL > 0 {
			opts = append(opts, s3.WithPresignTTL(bc.PresignTTL))
		}
		return s3.New(bc.Bucket, opts...)
	})

	for _, kind := range []string{"generator", "llm", "tts", "blob"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
// The generator is wrapped with circuit breakers and its configured fallbacks.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	primary, err := reg.CreateGenerator(cfg.Providers.Generator)
	if err != nil {
		return nil, fmt.Errorf("create generator %q: %w", cfg.Providers.Generator.Name, err)
	}
	gen := resilience.NewGenerator(primary, cfg.Providers.Generator.Name, resilience.FallbackConfig{})
	for i, entry := range cfg.Providers.GeneratorFallbacks {
		fb, err := reg.CreateGenerator(entry)
		if err != nil {
			return nil, fmt.Errorf("create generator fallback %d (%q): %w", i, entry.Name, err)
		}
		gen.AddFallback(fmt.Sprintf("%s#%d", entry.Name, i+1), fb)
	}
	ps.Generator = gen
	slog.Info("provider created", "kind", "generator", "name", cfg.Providers.Generator.Name,
		"fallbacks", len(cfg.Providers.GeneratorFallbacks))

	llms := []struct {
		role  string
		entry config.ProviderEntry
		dst   *llm.Provider
	}{
		{"judge", cfg.Providers.Judge, &ps.Judge},
		{"evaluator", cfg.Providers.Evaluator, &ps.Evaluator},
		{"opening", cfg.Providers.Opening, &ps.Opening},
	}
	for _, l := range llms {
		if !l.entry.Configured() {
			continue
		}
		p, err := reg.CreateLLM(l.entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("provider not available, skipping", "kind", "llm", "role", l.role, "name", l.entry.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create %s provider %q: %w", l.role, l.entry.Name, err)
		}
		*l.dst = resilience.NewCompleter(p, l.entry.Name, resilience.FallbackConfig{})
		slog.Info("provider created", "kind", "llm", "role", l.role, "name", l.entry.Name, "model", l.entry.Model)
	}

	if entry := cfg.Providers.Synthesizer; entry.Configured() {
		p, err := reg.CreateTTS(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("provider not available, skipping", "kind", "tts", "name", entry.Name)
		} else if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", entry.Name, err)
		} else {
			ps.Synthesizer = p
			slog.Info("provider created", "kind", "tts", "name", entry.Name)
		}
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Parley: startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Generator", cfg.Providers.Generator.Name, cfg.Providers.Generator.Model)
	printProvider("Judge", cfg.Providers.Judge.Name, cfg.Providers.Judge.Model)
	printProvider("Evaluator", cfg.Providers.Evaluator.Name, cfg.Providers.Evaluator.Model)
	printProvider("Opening", cfg.Providers.Opening.Name, cfg.Providers.Opening.Model)
	printProvider("TTS", cfg.Providers.Synthesizer.Name, cfg.Providers.Synthesizer.Model)
	printProvider("Blob", cfg.Blob.Name, cfg.Blob.Bucket)
	if cfg.Storage.PostgresDSN != "" {
		fmt.Printf("║  Storage         : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Storage         : %-19s ║\n", "(in-memory)")
	}
	fmt.Printf("║  Scenarios       : %-19d ║\n", len(cfg.Scenarios))
	fmt.Printf("║  Max active      : %-19d ║\n", cfg.Practice.MaxActiveSessions)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
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

func newLogger(format config.LogFormat, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}

// optDuration parses a duration string such as "30s" from a provider Options
// map. Returns 0 when the key is absent or not a valid duration.
func optDuration(opts map[string]any, key string) time.Duration {
	d, err := time.ParseDuration(optString(opts, key))
	if err != nil {
		return 0
	}
	return d
}
