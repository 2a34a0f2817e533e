package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/MrWong99/koko/internal/app"
	"github.com/MrWong99/koko/internal/config"
	"github.com/MrWong99/koko/internal/mcpserve"
	"github.com/MrWong99/koko/internal/observe"
	"github.com/MrWong99/koko/internal/pipeline"
	"github.com/MrWong99/koko/pkg/audio"
	"github.com/MrWong99/koko/pkg/phonemize"
	"github.com/MrWong99/koko/pkg/remote"
	"github.com/MrWong99/koko/pkg/voice"
)

// errUsage reports bad flags or arguments. The flag package has already
// printed the details.
var errUsage = errors.New("usage error")

func parseFlags(fs *flag.FlagSet, args []string) error {
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	return nil
}

func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", "", "path to the YAML configuration file (empty: defaults plus KOKO_* environment)")
}

// loadConfig loads path, or koko.yaml from the working directory when path
// is empty and that file exists.
func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		if _, err := os.Stat("koko.yaml"); err == nil {
			path = "koko.yaml"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", fmt.Errorf("config file %q not found: %w", path, err)
		}
		return nil, "", err
	}
	return cfg, path, nil
}

// newApp builds the application with the built-in model backends.
func newApp(ctx context.Context, cfg *config.Config, opts ...app.Option) (*app.App, error) {
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)
	return app.New(ctx, cfg, append([]app.Option{app.WithRegistry(reg)}, opts...)...)
}

func shutdownApp(a *app.App, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		slog.Warn("shutdown finished with errors", "err", err)
	}
}

// ── serve ──────────────────────────────────────────────────────────────────────

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := configFlag(fs)
	addr := fs.String("addr", "", "listen address, overrides server.listen_addr")
	watch := fs.Bool("watch", true, "apply log level changes when the config file is edited")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.ListenAddr = *addr
	}
	setupLogger(cfg.Server.LogLevel)

	slog.Info("koko starting",
		"version", version,
		"config", path,
		"listen_addr", cfg.Server.ListenAddr,
		"backend", cfg.Model.Backend,
		"nats", cfg.NATS.Enabled,
		"session_log", cfg.SessionLog.Enabled,
	)

	tel, err := observe.Setup(ctx, observe.TelemetryConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Metrics:        cfg.Telemetry.Metrics,
		Global:         true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	a, err := newApp(ctx, cfg, app.WithMetrics(tel.Metrics), app.WithMetricsHandler(tel.Handler))
	if err != nil {
		return err
	}
	defer shutdownApp(a, cfg.Server.ShutdownTimeout)

	if path != "" && *watch {
		w, err := config.NewWatcher(path, onConfigChange, config.WithWatcherLogger(slog.Default()))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	if err := a.Run(ctx); err != nil {
		return err
	}
	slog.Info("shutting down")
	return nil
}

func onConfigChange(r config.Reload) {
	d := r.Diff
	if d.LogLevelChanged {
		logLevel.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config sections changed; restart to apply", "sections", d.RestartRequired)
	}
}

// ── text / file ────────────────────────────────────────────────────────────────

type synthFlags struct {
	config string
	voice  string
	speed  float64
	format string
	lang   string
	output string
	stream bool
}

// addSynthFlags registers the synthesis flags, each with a one-letter alias.
func addSynthFlags(fs *flag.FlagSet) *synthFlags {
	sf := &synthFlags{}
	fs.StringVar(&sf.config, "config", "", "path to the YAML configuration file (empty: defaults plus KOKO_* environment)")
	for _, name := range []string{"voice", "v"} {
		fs.StringVar(&sf.voice, name, "af_sky", "voice name or mix such as af_sky.4+af_nicole.6")
	}
	for _, name := range []string{"speed", "s"} {
		fs.Float64Var(&sf.speed, name, 1.0, "speaking rate")
	}
	for _, name := range []string{"format", "f"} {
		fs.StringVar(&sf.format, name, "wav", "output format: mp3, wav, opus or pcm")
	}
	for _, name := range []string{"lang", "l"} {
		fs.StringVar(&sf.lang, name, "", "language code; empty derives it from the voice")
	}
	fs.StringVar(&sf.output, "o", "", "output path, - for stdout (default tmp/output.<ext>)")
	fs.BoolVar(&sf.stream, "stream", false, "encode and write audio chunk by chunk")
	return sf
}

func runText(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("text", flag.ContinueOnError)
	sf := addSynthFlags(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	text := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(text) == "" {
		fmt.Fprintln(os.Stderr, "koko text: no input text")
		return errUsage
	}
	return synthesizeLocal(ctx, sf, text)
}

func runFile(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("file", flag.ContinueOnError)
	sf := addSynthFlags(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "koko file: exactly one input file (or -) is required")
		return errUsage
	}
	text, err := readInput(fs.Arg(0))
	if err != nil {
		return err
	}
	return synthesizeLocal(ctx, sf, text)
}

func readInput(path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return string(data), nil
}

func synthesizeLocal(ctx context.Context, sf *synthFlags, text string) error {
	cfg, _, err := loadConfig(sf.config)
	if err != nil {
		return err
	}
	// One-shot runs never start the bus or write session history.
	cfg.NATS.Enabled = false
	cfg.SessionLog.Enabled = false
	setupLogger(cfg.Server.LogLevel)

	req, err := pipeline.NewRequest(pipeline.Params{
		Input:    text,
		Voice:    sf.voice,
		Speed:    sf.speed,
		Format:   sf.format,
		Stream:   sf.stream,
		Language: sf.lang,
	})
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdownApp(a, cfg.Server.ShutdownTimeout)

	out, path, err := openOutput(sf.output, req.Format())
	if err != nil {
		return err
	}
	defer out.Close()

	start := time.Now()
	if req.Streaming() {
		sess, err := a.Pipeline().Stream(ctx, req, out)
		if err != nil {
			return err
		}
		slog.Info("synthesis streamed",
			"output", path,
			"session_id", sess.ID(),
			"elapsed", time.Since(start),
		)
		return out.Close()
	}

	res, err := a.Pipeline().Synthesize(ctx, req)
	if err != nil {
		return err
	}
	if _, err := out.Write(res.Audio); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	slog.Info("synthesis complete",
		"output", path,
		"session_id", res.SessionID,
		"audio", res.Duration(),
		"bytes", len(res.Audio),
		"elapsed", time.Since(start),
	)
	return out.Close()
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// openOutput opens path for writing. "-" is stdout and an empty path is
// tmp/output.<ext>.
func openOutput(path string, f audio.Format) (io.WriteCloser, string, error) {
	if path == "-" {
		return nopCloser{os.Stdout}, "stdout", nil
	}
	if path == "" {
		path = filepath.Join("tmp", "output."+f.Extension())
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", fmt.Errorf("create output dir: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, "", fmt.Errorf("create output: %w", err)
	}
	return &onceCloser{File: file}, path, nil
}

// onceCloser lets the success path report the close error while a deferred
// Close stays harmless.
type onceCloser struct {
	*os.File
	closed bool
}

func (c *onceCloser) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.File.Close()
}

// ── remote ─────────────────────────────────────────────────────────────────────

func runRemote(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("remote", flag.ContinueOnError)
	baseURL := fs.String("url", envOr("KOKO_REMOTE_URL", "http://localhost:3000/v1"), "base URL of the OpenAI-compatible API; a comma-separated list fails over in order")
	apiKey := fs.String("api-key", os.Getenv("KOKO_REMOTE_API_KEY"), "bearer token sent to the server")
	model := fs.String("model", remote.DefaultModel, "model name sent with the request")
	voiceName := fs.String("voice", "af_sky", "voice name or mix")
	speed := fs.Float64("speed", 1.0, "speaking rate")
	format := fs.String("format", "mp3", "output format: mp3, wav, opus or pcm")
	output := fs.String("o", "", "output path, - for stdout (default tmp/output.<ext>)")
	timeout := fs.Duration("timeout", 2*time.Minute, "request timeout")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	text := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(text) == "" {
		fmt.Fprintln(os.Stderr, "koko remote: no input text")
		return errUsage
	}
	setupLogger(config.LogInfo)

	f, err := audio.ParseFormat(*format, audio.FormatMP3)
	if err != nil {
		return err
	}
	urls := strings.Split(*baseURL, ",")
	for i := range urls {
		urls[i] = strings.TrimSpace(urls[i])
	}
	opts := []remote.Option{
		remote.WithModel(*model),
		remote.WithTimeout(*timeout),
		remote.WithFallbackURLs(urls[1:]...),
	}
	if *apiKey != "" {
		opts = append(opts, remote.WithAPIKey(*apiKey))
	}
	client, err := remote.New(urls[0], opts...)
	if err != nil {
		return err
	}

	out, path, err := openOutput(*output, f)
	if err != nil {
		return err
	}
	defer out.Close()

	start := time.Now()
	n, err := client.SpeechTo(ctx, remote.Request{
		Input:  text,
		Voice:  *voiceName,
		Speed:  *speed,
		Format: string(f),
	}, out)
	if err != nil {
		return err
	}
	slog.Info("remote synthesis complete", "output", path, "bytes", n, "elapsed", time.Since(start))
	return out.Close()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// ── voices ─────────────────────────────────────────────────────────────────────

func runVoices(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("voices", flag.ContinueOnError)
	configPath := configFlag(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	setupLogger(cfg.Server.LogLevel)

	reg, err := app.LoadVoices(ctx, cfg.Voices)
	if err != nil {
		return err
	}
	return writeVoices(os.Stdout, reg)
}

func writeVoices(w io.Writer, reg *voice.Registry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VOICE\tLANGUAGE")
	for _, name := range reg.Names() {
		lang := voice.LanguageOf(name)
		if st, ok := reg.Lookup(name); ok && st.Language != "" {
			lang = st.Language
		}
		fmt.Fprintf(tw, "%s\t%s\n", name, lang)
	}
	return tw.Flush()
}

// ── mcp ────────────────────────────────────────────────────────────────────────

func runMCP(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ContinueOnError)
	configPath := configFlag(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	// stdout carries the MCP protocol; logs go to stderr only.
	cfg.NATS.Enabled = false
	setupLogger(cfg.Server.LogLevel)

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdownApp(a, cfg.Server.ShutdownTimeout)

	srv, err := mcpserve.New(mcpserve.Config{
		Pipeline:  a.Pipeline(),
		OutputDir: cfg.Server.OutputDir,
		Name:      "koko",
		Version:   version,
		Logger:    slog.Default(),
	})
	if err != nil {
		return err
	}
	slog.Info("mcp server ready", "transport", "stdio", "output_dir", cfg.Server.OutputDir)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ── phonemes ───────────────────────────────────────────────────────────────────

func runPhonemes(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("phonemes", flag.ContinueOnError)
	configPath := configFlag(fs)
	lang := fs.String("lang", "", "language code; empty detects it from the text")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	text := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(text) == "" {
		fmt.Fprintln(os.Stderr, "koko phonemes: no input text")
		return errUsage
	}
	var hint phonemize.Lang
	if *lang != "" {
		l, ok := phonemize.ParseLang(*lang)
		if !ok {
			fmt.Fprintf(os.Stderr, "koko phonemes: unsupported language %q\n", *lang)
			return errUsage
		}
		hint = l
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	setupLogger(cfg.Server.LogLevel)

	phon, err := app.NewPhonemizer(cfg.Phonemizer)
	if err != nil {
		return err
	}
	tok, err := app.NewTokenizer(cfg.Tokenizer)
	if err != nil {
		return err
	}
	seq := phon.Phonemize(text, hint)
	return writePhonemes(os.Stdout, seq.String(), tok.Tokenize(seq))
}

func writePhonemes(w io.Writer, phonemes string, ids []int) error {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = fmt.Sprint(id)
	}
	_, err := fmt.Fprintf(w, "phonemes: %s\ntokens:   [%s]\n", phonemes, strings.Join(strs, " "))
	return err
}
