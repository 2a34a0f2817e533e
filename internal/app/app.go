// Package app wires all koko subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the phonemizer,
// tokenizer, voice registry, model, encoder, session manager and pipeline,
// plus the optional session log and NATS adapter; Run serves HTTP (and NATS)
// until its context ends; Shutdown tears everything down in reverse order.
//
// For testing, inject the model or voice registry via functional options
// (WithModel, WithVoices). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/koko/internal/busserve"
	"github.com/MrWong99/koko/internal/config"
	"github.com/MrWong99/koko/internal/health"
	"github.com/MrWong99/koko/internal/observe"
	"github.com/MrWong99/koko/internal/pipeline"
	"github.com/MrWong99/koko/internal/server"
	"github.com/MrWong99/koko/internal/session"
	"github.com/MrWong99/koko/internal/sessionlog"
	"github.com/MrWong99/koko/pkg/audio"
	"github.com/MrWong99/koko/pkg/inference"
	"github.com/MrWong99/koko/pkg/phonemize"
	"github.com/MrWong99/koko/pkg/tokenize"
	"github.com/MrWong99/koko/pkg/voice"
	"github.com/MrWong99/koko/pkg/voice/postgres"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	registry *config.Registry
	metrics  *observe.Metrics
	scrape   http.Handler
	log      *slog.Logger

	// Subsystems: initialised in New, torn down in Shutdown.
	model      inference.Model
	voices     *voice.Registry
	sessions   *session.Manager
	pipeline   *pipeline.Pipeline
	sessionLog *sessionlog.Store
	embedded   *busserve.Embedded
	natsConn   *nats.Conn
	bus        *busserve.Service

	warm atomic.Bool

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry sets the model backend registry used when no model is
// injected.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithModel injects a speech model instead of creating one from config. The
// app does not close an injected model.
func WithModel(m inference.Model) Option {
	return func(a *App) { a.model = m }
}

// WithVoices injects a voice registry instead of loading one from config.
func WithVoices(r *voice.Registry) Option {
	return func(a *App) { a.voices = r }
}

// WithMetrics sets the metrics instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the /metrics handler, typically
// [observe.Telemetry.Handler]. Without it the server uses the default
// Prometheus registry, or 404 when telemetry.metrics is off.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. A failure part way
// through releases what was already built.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.init(ctx); err != nil {
		a.closeAll()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	// ── 1. Text front end ────────────────────────────────────────────────
	phon, err := NewPhonemizer(a.cfg.Phonemizer)
	if err != nil {
		return fmt.Errorf("app: init phonemizer: %w", err)
	}
	tok, err := NewTokenizer(a.cfg.Tokenizer)
	if err != nil {
		return fmt.Errorf("app: init tokenizer: %w", err)
	}

	// ── 2. Voice styles ──────────────────────────────────────────────────
	if err := a.initVoices(ctx); err != nil {
		return fmt.Errorf("app: init voices: %w", err)
	}

	// ── 3. Model + engine ────────────────────────────────────────────────
	if err := a.initModel(); err != nil {
		return fmt.Errorf("app: init model: %w", err)
	}
	engine := inference.NewEngine(a.model,
		inference.WithMaxTokens(a.cfg.Model.MaxTokens),
		inference.WithVocab(tok.Vocab()),
		inference.WithPrefetch(a.cfg.Model.Prefetch),
		inference.WithLogger(a.log),
	)

	// ── 4. Encoder ───────────────────────────────────────────────────────
	encoder := audio.NewEncoder(
		audio.WithSampleRate(a.model.SampleRate()),
		audio.WithOutputRate(a.cfg.Audio.OutputRate),
		audio.WithMP3Quality(a.cfg.Audio.MP3Quality),
		audio.WithOpusBitrate(a.cfg.Audio.OpusBitrate),
		audio.WithLockObserver(a.metrics.RecordLockWait),
	)

	// ── 5. Session log + session manager ─────────────────────────────────
	if err := a.initSessionLog(ctx); err != nil {
		return fmt.Errorf("app: init session log: %w", err)
	}
	mgrOpts := []session.Option{
		session.WithLogger(a.log),
		session.WithObserver(a.metrics.SessionObserver()),
	}
	if a.sessionLog != nil {
		mgrOpts = append(mgrOpts, session.WithObserver(a.sessionLog))
	}
	a.sessions = session.NewManager(mgrOpts...)

	// ── 6. Pipeline ──────────────────────────────────────────────────────
	a.pipeline, err = pipeline.New(pipeline.Config{
		Phonemizer: phon,
		Tokenizer:  tok,
		Voices:     a.voices,
		Engine:     engine,
		Encoder:    encoder,
		Sessions:   a.sessions,
	},
		pipeline.WithMaxInput(a.cfg.Server.MaxInputRunes),
		pipeline.WithMetrics(a.metrics),
		pipeline.WithLogger(a.log),
	)
	if err != nil {
		return fmt.Errorf("app: init pipeline: %w", err)
	}
	// Registered after the session log so that sessions end before it
	// flushes.
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.sessions.Shutdown(ctx)
	})

	// ── 7. NATS adapter ──────────────────────────────────────────────────
	if err := a.initNATS(ctx); err != nil {
		return fmt.Errorf("app: init nats: %w", err)
	}
	return nil
}

// NewPhonemizer builds the phonemizer described by cfg.
func NewPhonemizer(cfg config.PhonemizerConfig) (*phonemize.Phonemizer, error) {
	opts := []phonemize.Option{
		phonemize.WithVariantThreshold(cfg.VariantThreshold),
	}
	if lang := cfg.DefaultLanguage; lang != "" {
		l, ok := phonemize.ParseLang(lang)
		if !ok {
			return nil, fmt.Errorf("unsupported default language %q", lang)
		}
		opts = append(opts, phonemize.WithDefaultLang(l))
	}
	if len(cfg.Lexicon) > 0 {
		opts = append(opts, phonemize.WithLexicon(cfg.Lexicon))
	}
	return phonemize.New(opts...), nil
}

// NewTokenizer builds the tokenizer described by cfg.
func NewTokenizer(cfg config.TokenizerConfig) (*tokenize.Tokenizer, error) {
	vocab := tokenize.DefaultVocab()
	if path := cfg.VocabPath; path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open vocabulary: %w", err)
		}
		defer f.Close()
		if vocab, err = tokenize.LoadVocab(f); err != nil {
			return nil, err
		}
	}
	return tokenize.New(vocab, tokenize.WithFallbackID(cfg.FallbackID))
}

// LoadVoices reads the voice registry from Postgres when a DSN is set and
// from the voice file otherwise.
func LoadVoices(ctx context.Context, cfg config.VoicesConfig) (*voice.Registry, error) {
	if cfg.PostgresDSN != "" {
		return postgres.LoadRegistry(ctx, cfg.PostgresDSN, cfg.Dim)
	}
	styles, err := voice.LoadFile(cfg.Path)
	if err != nil {
		return nil, err
	}
	return voice.NewRegistry(styles)
}

func (a *App) initVoices(ctx context.Context) error {
	if a.voices != nil {
		return nil
	}
	reg, err := LoadVoices(ctx, a.cfg.Voices)
	if err != nil {
		return err
	}
	a.voices = reg
	a.log.Info("voice styles loaded", "voices", reg.Len(), "dim", reg.Dim())
	return nil
}

func (a *App) initModel() error {
	if a.model != nil {
		return nil
	}
	if a.registry == nil {
		return errors.New("no model injected and no backend registry configured")
	}
	m, err := a.registry.CreateModel(a.cfg.Model)
	if err != nil {
		return err
	}
	a.model = m
	a.closers = append(a.closers, m.Close)
	a.log.Info("speech model loaded", "backend", a.cfg.Model.Backend, "sample_rate", m.SampleRate())
	return nil
}

func (a *App) initSessionLog(ctx context.Context) error {
	sl := a.cfg.SessionLog
	if !sl.Enabled {
		return nil
	}
	st, err := sessionlog.Open(ctx, sessionlog.Config{
		Path:          sl.Path,
		RetentionDays: sl.RetentionDays,
		MaxEntries:    sl.MaxEntries,
	}, a.log.With("component", "sessionlog"))
	if err != nil {
		return err
	}
	a.sessionLog = st
	a.closers = append(a.closers, st.Close)
	return nil
}

func (a *App) initNATS(ctx context.Context) error {
	nc := a.cfg.NATS
	if !nc.Enabled {
		return nil
	}
	servers := nc.Servers
	if nc.Embedded {
		emb, err := busserve.StartEmbedded(ctx, nc.Host, nc.Port, a.log)
		if err != nil {
			return err
		}
		a.embedded = emb
		a.closers = append(a.closers, func() error { emb.Shutdown(); return nil })
		servers = []string{emb.URL()}
	}
	conn, err := busserve.Connect(busserve.ConnConfig{
		Servers:        servers,
		Name:           nc.Name,
		ConnectTimeout: nc.ConnectTimeout,
		Token:          nc.Token,
		Username:       nc.Username,
		Password:       nc.Password,
	}, a.log)
	if err != nil {
		return err
	}
	a.natsConn = conn
	a.closers = append(a.closers, func() error { conn.Close(); return nil })

	a.bus, err = busserve.New(context.WithoutCancel(ctx), busserve.Config{
		Conn:           conn,
		Pipeline:       a.pipeline,
		RequestSubject: nc.RequestSubject,
		AudioSubject:   nc.AudioSubject,
		DoneSubject:    nc.DoneSubject,
		QueueGroup:     nc.QueueGroup,
		Timeout:        nc.Timeout,
		Metrics:        a.metrics,
		Logger:         a.log,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error { a.bus.Close(); return nil })
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Pipeline returns the synthesis pipeline.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipeline }

// Sessions returns the session manager.
func (a *App) Sessions() *session.Manager { return a.sessions }

// SessionLog returns the session log, or nil when it is disabled.
func (a *App) SessionLog() *sessionlog.Store { return a.sessionLog }

// NATSURL returns the URL of the embedded NATS server, or "" when none runs.
func (a *App) NATSURL() string {
	if a.embedded == nil {
		return ""
	}
	return a.embedded.URL()
}

// Warmup runs one forward pass so the first request does not pay for lazy
// model initialisation. Readiness reports not-ready until it succeeds.
func (a *App) Warmup(ctx context.Context) error {
	if err := a.pipeline.Warmup(ctx); err != nil {
		return err
	}
	a.warm.Store(true)
	return nil
}

// Health returns the readiness checkers of the configured subsystems.
func (a *App) Health() *health.Handler {
	checks := []health.Checker{
		{Name: "voices", Check: func(context.Context) error {
			if a.voices.Len() == 0 {
				return errors.New("no voices loaded")
			}
			return nil
		}},
		health.Flag("model", &a.warm),
	}
	if a.bus != nil {
		checks = append(checks, health.Checker{Name: "nats", Check: a.bus.Check})
	}
	if a.sessionLog != nil {
		checks = append(checks, health.Checker{Name: "session_log", Check: a.sessionLog.Check})
	}
	return health.New(checks...)
}

// Server builds the HTTP server from the config.
func (a *App) Server() (*server.Server, error) {
	metricsHandler := a.scrape
	if !a.cfg.Telemetry.Metrics {
		metricsHandler = http.NotFoundHandler()
	}
	return server.New(server.Config{
		Pipeline:       a.pipeline,
		Health:         a.Health(),
		Metrics:        a.metrics,
		MetricsHandler: metricsHandler,
	},
		server.WithMaxConcurrent(a.cfg.Server.MaxConcurrent),
		server.WithOutputDir(a.cfg.Server.OutputDir),
		server.WithModelID(a.cfg.Server.ModelID),
		server.WithMaxBodyBytes(a.cfg.Server.MaxBodyBytes),
		server.WithShutdownTimeout(a.cfg.Server.ShutdownTimeout),
		server.WithLogger(a.log),
	)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address and, when enabled, NATS
// requests. It warms the model up in the background and prunes the session
// log periodically. Run blocks until ctx is cancelled and returns nil after a
// clean shutdown of the listeners.
func (a *App) Run(ctx context.Context) error {
	srv, err := a.Server()
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if a.bus != nil {
		if err := a.bus.Start(); err != nil {
			return fmt.Errorf("app: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.Warmup(ctx); err != nil && ctx.Err() == nil {
			a.log.Error("model warm-up failed", "err", err)
		}
		return nil
	})
	if a.sessionLog != nil {
		g.Go(func() error {
			a.sessionLog.RunPruner(ctx, a.cfg.SessionLog.PruneInterval)
			return nil
		})
	}
	g.Go(func() error {
		return srv.ListenAndServe(ctx, a.cfg.Server.ListenAddr)
	})

	a.log.Info("app running",
		"listen_addr", a.cfg.Server.ListenAddr,
		"voices", a.voices.Len(),
		"nats", a.bus != nil,
	)
	return g.Wait()
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases partially built subsystems after a failed New.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
