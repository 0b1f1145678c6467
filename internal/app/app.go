// Package app wires all Parley subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and runs the session watchdog, and Shutdown
// drains in-flight work and tears everything down in order.
//
// For testing, inject test doubles via functional options (WithStore,
// WithBlobStore, WithTranscoder). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/api"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/evaluation"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/hub"
	"github.com/MrWong99/parley/internal/lifecycle"
	"github.com/MrWong99/parley/internal/objective"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/opening"
	"github.com/MrWong99/parley/internal/practice"
	"github.com/MrWong99/parley/internal/store"
	"github.com/MrWong99/parley/internal/store/memstore"
	"github.com/MrWong99/parley/internal/store/postgres"
	"github.com/MrWong99/parley/internal/tasks"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/blob"
	"github.com/MrWong99/parley/pkg/blob/memblob"
	"github.com/MrWong99/parley/pkg/provider/genai"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// AudioPrefix is the URL prefix under which the in-memory blob store serves
// uploaded audio.
const AudioPrefix = "/audio"

// wsPingInterval keeps websocket listeners alive through idle proxies.
const wsPingInterval = 30 * time.Second

// errNoEvaluator is recorded on evaluations when no evaluator is configured.
var errNoEvaluator = errors.New("no evaluator provider configured")

// Providers holds one interface value per provider role. Generator is
// required; nil optional roles disable the feature that uses them. Populated
// by main.go via the config registry.
type Providers struct {
	Generator   genai.Provider
	Judge       llm.Provider
	Evaluator   llm.Provider
	Opening     llm.Provider
	Synthesizer tts.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics    *observe.Metrics
	store      store.Store
	blobs      blob.Store
	transcoder audio.Transcoder

	hub         *hub.Hub
	tasks       *tasks.Supervisor
	lifecycle   *lifecycle.Manager
	evaluations *evaluation.Runner
	pipeline    *turn.Pipeline
	gate        *turn.Gate
	health      *health.Handler
	handler     http.Handler

	server *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a record store instead of creating one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithBlobStore injects the audio file store. Without it audio is kept in
// memory and served under [AudioPrefix].
func WithBlobStore(b blob.Store) Option {
	return func(a *App) { a.blobs = b }
}

// WithTranscoder injects an audio transcoder instead of ffmpeg.
func WithTranscoder(t audio.Transcoder) Option {
	return func(a *App) { a.transcoder = t }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Generator == nil {
		return nil, errors.New("app: a generator provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Record store ──────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.SeedScenarios(ctx, cfg.Scenarios); err != nil {
		return nil, fmt.Errorf("app: seed scenarios: %w", err)
	}

	// ── 2. Media ─────────────────────────────────────────────────────────
	if a.blobs == nil {
		a.blobs = memblob.New(AudioPrefix)
	}
	if a.transcoder == nil {
		a.transcoder = audio.NewFFmpeg(audio.WithBinary(cfg.Practice.FFmpegPath))
	}

	// ── 3. Realtime + background tasks ───────────────────────────────────
	a.hub = hub.New(hub.WithMetrics(a.metrics))
	a.tasks = tasks.New(tasks.WithMetrics(a.metrics))

	// ── 4. Evaluation ────────────────────────────────────────────────────
	if err := a.initEvaluation(); err != nil {
		return nil, fmt.Errorf("app: init evaluation: %w", err)
	}

	// ── 5. Lifecycle + turn pipeline ─────────────────────────────────────
	a.lifecycle = lifecycle.New(a.store, a.hub, a.tasks, a.evaluations,
		lifecycle.WithConfig(lifecycle.Config{
			MaxActive:        cfg.Practice.MaxActiveSessions,
			MaxPending:       cfg.Practice.MaxPendingSessions,
			DriftTolerance:   cfg.Practice.DriftTolerance,
			WatchdogInterval: cfg.Practice.WatchdogInterval,
		}),
		lifecycle.WithMetrics(a.metrics),
	)
	a.pipeline = turn.NewPipeline(a.store, providers.Generator, a.transcoder, a.blobs, a.hub, a.lifecycle, a.pipelineOptions()...)
	a.lifecycle.SetOpener(a.pipeline)
	a.gate = turn.NewGate(a.store, a.pipeline, a.tasks,
		turn.WithLimits(cfg.Practice.MaxAudioBytes, cfg.Practice.MaxAudioBase64Chars),
		turn.WithGateMetrics(a.metrics),
	)

	// ── 6. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects to PostgreSQL when a DSN is configured and falls back to
// the in-memory store otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		slog.Warn("storage.postgres_dsn is empty; sessions are kept in memory and lost on restart")
		a.store = memstore.New()
		return nil
	}

	st, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = st
	a.closers = append(a.closers, func() error {
		st.Close()
		return nil
	})
	return nil
}

func (a *App) initEvaluation() error {
	var scorer evaluation.Scorer = unconfiguredScorer{}
	if a.providers.Evaluator != nil {
		s, err := evaluation.NewLLMScorer(a.providers.Evaluator)
		if err != nil {
			return err
		}
		scorer = s
	}
	a.evaluations = evaluation.NewRunner(a.store, scorer, a.hub, a.tasks,
		evaluation.WithMetrics(a.metrics),
		evaluation.WithEvaluatorModel(a.cfg.Evaluation.EvaluatorModel),
		evaluation.WithBackoff(a.cfg.Evaluation.Schedule()),
	)
	return nil
}

func (a *App) pipelineOptions() []turn.Option {
	opts := []turn.Option{
		turn.WithMetrics(a.metrics),
		turn.WithVoice(&genai.Voice{Name: a.cfg.Practice.Voice, Format: "mp3"}),
	}
	if a.providers.Judge != nil {
		opts = append(opts, turn.WithObjectiveChecker(objective.New(a.providers.Judge,
			objective.WithTimeout(a.cfg.Objective.Timeout),
			objective.WithRetries(a.cfg.Objective.Retries),
			objective.WithMetrics(a.metrics),
		)))
	}
	if a.providers.Opening != nil {
		opts = append(opts, turn.WithOpeningDesigner(opening.New(a.providers.Opening)))
	}
	if a.providers.Synthesizer != nil {
		opts = append(opts, turn.WithSynthesizer(a.providers.Synthesizer, tts.Voice{Language: a.cfg.Practice.Language}))
	}
	return opts
}

func (a *App) initHTTP() {
	checkers := []health.Checker{health.Ping("store", a.store)}
	if ff, ok := a.transcoder.(*audio.FFmpeg); ok {
		checkers = append(checkers, health.Checker{
			Name:  "ffmpeg",
			Check: func(context.Context) error { return ff.Available() },
		})
	}
	a.health = health.New(checkers...)

	apiOpts := []api.Option{
		api.WithStubUser(a.cfg.Practice.StubUserID),
		api.WithWebsocket(hub.ServeOptions{
			OriginPatterns: a.cfg.Server.AllowedOrigins,
			PingInterval:   wsPingInterval,
		}),
	}
	if r, ok := a.blobs.(blob.Reader); ok {
		apiOpts = append(apiOpts, api.WithAudio(r))
	}
	srv := api.New(a.store, a.lifecycle, a.gate, a.evaluations, a.hub, apiOpts...)

	mux := http.NewServeMux()
	srv.Register(mux)
	a.health.Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())

	a.handler = observe.Middleware(a.metrics)(mux)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the fully wired HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Store returns the record store.
func (a *App) Store() store.Store { return a.store }

// Tasks returns the background task supervisor.
func (a *App) Tasks() *tasks.Supervisor { return a.tasks }

// ─── Scenarios ───────────────────────────────────────────────────────────────

// SeedScenarios writes scenario definitions into the store. A seed without a
// status is published.
func (a *App) SeedScenarios(ctx context.Context, scenarios []practice.Scenario) error {
	for i := range scenarios {
		sc := scenarios[i]
		if sc.Status == "" {
			sc.Status = practice.ScenarioPublished
		}
		if err := a.store.PutScenario(ctx, &sc); err != nil {
			return fmt.Errorf("scenario %q: %w", sc.ID, err)
		}
	}
	if len(scenarios) > 0 {
		slog.Info("seeded scenarios", "count", len(scenarios))
	}
	return nil
}

// ApplyConfig applies the hot-reloadable part of a config change: added or
// modified scenarios are re-seeded and removed ones are archived so new
// sessions can no longer start on them.
func (a *App) ApplyConfig(ctx context.Context, next *config.Config, d config.ConfigDiff) error {
	byID := make(map[string]practice.Scenario, len(next.Scenarios))
	for _, sc := range next.Scenarios {
		byID[sc.ID] = sc
	}

	var errs []error
	for _, ch := range d.ScenarioChanges {
		if ch.Removed {
			if err := a.archiveScenario(ctx, ch.ID); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err := a.SeedScenarios(ctx, []practice.Scenario{byID[ch.ID]}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) archiveScenario(ctx context.Context, id string) error {
	sc, err := a.store.GetScenario(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scenario %q: %w", id, err)
	}
	sc.Status = practice.ScenarioArchived
	if err := a.store.PutScenario(ctx, sc); err != nil {
		return fmt.Errorf("archive scenario %q: %w", id, err)
	}
	slog.Info("archived scenario removed from config", "scenario_id", id)
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the session watchdog and serves HTTP on cfg.Server.ListenAddr
// until ctx is cancelled. It returns ctx's error on a clean stop.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is like Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	a.server = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	a.lifecycle.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		errCh <- err
	}()

	slog.Info("app running", "addr", ln.Addr().String())
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting work and waits, within ctx, for in-flight turns,
// openings and evaluations to finish before closing the store.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "running_tasks", a.tasks.Running())

		a.health.SetDraining(true)
		if a.server != nil {
			// Shutdown does not wait for hijacked websocket connections.
			if err := a.server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http shutdown: %w", err))
			}
		}
		a.lifecycle.Stop()

		if err := a.tasks.Drain(ctx); err != nil {
			slog.Warn("background tasks cut off", "err", err)
			errs = append(errs, err)
		}

		for i, closer := range a.closers {
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete", "task_failures", a.tasks.Failures())
	})
	return errors.Join(errs...)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// unconfiguredScorer fails every attempt so evaluations end as failed with a
// readable reason and can be requeued once an evaluator is configured.
type unconfiguredScorer struct{}

func (unconfiguredScorer) Score(context.Context, evaluation.Input) (*evaluation.Result, error) {
	return nil, errNoEvaluator
}
