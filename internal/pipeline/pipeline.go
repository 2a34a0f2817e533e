// Package pipeline turns a validated synthesis request into audio.
//
// A request flows through the components in a fixed order: the voice mix is
// resolved first (so an unknown voice is rejected before any model work),
// then the input is phonemized, tokenized, run through the inference engine
// inside a [session.Session], and finally encoded. [Pipeline.Synthesize]
// returns the complete encoding; [Pipeline.Stream] writes encoded chunks as
// soon as each is produced.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/MrWong99/koko/internal/observe"
	"github.com/MrWong99/koko/internal/session"
	"github.com/MrWong99/koko/pkg/audio"
	"github.com/MrWong99/koko/pkg/inference"
	"github.com/MrWong99/koko/pkg/phonemize"
	"github.com/MrWong99/koko/pkg/tokenize"
	"github.com/MrWong99/koko/pkg/voice"
)

// Config holds the components a [Pipeline] drives. Every field is required
// except Sessions, which defaults to a fresh manager.
type Config struct {
	Phonemizer *phonemize.Phonemizer
	Tokenizer  *tokenize.Tokenizer
	Voices     *voice.Registry
	Engine     *inference.Engine
	Encoder    *audio.Encoder
	Sessions   *session.Manager
}

// Option is a functional option for [New].
type Option func(*Pipeline)

// WithMaxInput caps the input length in runes. Zero means unlimited.
func WithMaxInput(n int) Option {
	return func(p *Pipeline) { p.maxInput = n }
}

// WithMetrics records synthesis and encode timings.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// Pipeline is safe for concurrent use; every call owns its own session,
// stream, and encoder state.
type Pipeline struct {
	phonemizer *phonemize.Phonemizer
	tokenizer  *tokenize.Tokenizer
	voices     *voice.Registry
	engine     *inference.Engine
	encoder    *audio.Encoder
	sessions   *session.Manager

	maxInput int
	metrics  *observe.Metrics
	log      *slog.Logger
}

// New validates cfg and returns a pipeline.
func New(cfg Config, opts ...Option) (*Pipeline, error) {
	var errs []error
	if cfg.Phonemizer == nil {
		errs = append(errs, errors.New("phonemizer is required"))
	}
	if cfg.Tokenizer == nil {
		errs = append(errs, errors.New("tokenizer is required"))
	}
	if cfg.Voices == nil {
		errs = append(errs, errors.New("voice registry is required"))
	}
	if cfg.Engine == nil {
		errs = append(errs, errors.New("inference engine is required"))
	}
	if cfg.Encoder == nil {
		errs = append(errs, errors.New("audio encoder is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	p := &Pipeline{
		phonemizer: cfg.Phonemizer,
		tokenizer:  cfg.Tokenizer,
		voices:     cfg.Voices,
		engine:     cfg.Engine,
		encoder:    cfg.Encoder,
		sessions:   cfg.Sessions,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.sessions == nil {
		p.sessions = session.NewManager(session.WithLogger(p.log))
	}
	return p, nil
}

// Voices returns the voice registry.
func (p *Pipeline) Voices() *voice.Registry { return p.voices }

// Sessions returns the session manager.
func (p *Pipeline) Sessions() *session.Manager { return p.sessions }

// SampleRate returns the rate of the encoded output.
func (p *Pipeline) SampleRate() int { return p.encoder.SampleRate() }

// Result is a completed synthesis.
type Result struct {
	Audio      []byte
	Format     audio.Format
	MIME       string
	Samples    int
	SampleRate int
	SessionID  string
}

// Duration returns the length of the synthesized audio.
func (r *Result) Duration() time.Duration { return audio.Duration(r.Samples, r.SampleRate) }

// Save writes the audio to dir as output_<unix>.<ext>, creating dir when
// needed. A second result saved within the same second gets the session ID
// appended to the name.
func (r *Result) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("pipeline: save: %w", err)
	}
	now := time.Now().Unix()
	path := filepath.Join(dir, fmt.Sprintf("output_%d.%s", now, r.Format.Extension()))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		path = filepath.Join(dir, fmt.Sprintf("output_%d_%s.%s", now, r.SessionID, r.Format.Extension()))
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	}
	if err != nil {
		return "", fmt.Errorf("pipeline: save: %w", err)
	}
	if _, err := f.Write(r.Audio); err != nil {
		f.Close()
		return "", fmt.Errorf("pipeline: save: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("pipeline: save: %w", err)
	}
	return path, nil
}

// Synthesize runs req to completion and encodes the whole output at once.
func (p *Pipeline) Synthesize(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	stream, err := p.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	var samples []float32
	sink := session.SinkFunc(func(_ context.Context, c inference.Chunk) error {
		samples = append(samples, c.Samples...)
		return nil
	})
	sess, err := p.sessions.Run(ctx, stream, sink, p.startOptions(req)...)
	if err != nil {
		p.metrics.RecordSynthesis(ctx, string(req.Format()), "error", time.Since(start))
		return nil, err
	}

	encStart := time.Now()
	data, err := p.encoder.Encode(samples, req.Format())
	p.metrics.RecordEncode(ctx, string(req.Format()), time.Since(encStart), err)
	if err != nil {
		p.metrics.RecordSynthesis(ctx, string(req.Format()), "error", time.Since(start))
		return nil, err
	}
	p.metrics.RecordSynthesis(ctx, string(req.Format()), "ok", time.Since(start))
	return &Result{
		Audio:      data,
		Format:     req.Format(),
		MIME:       req.Format().MIME(),
		Samples:    len(samples),
		SampleRate: p.engine.SampleRate(),
		SessionID:  sess.ID(),
	}, nil
}

// Stream runs req and writes the encoded output to w chunk by chunk. Each
// Write carries the encoding of exactly one model chunk (the first one
// prefixed by the container header); a final Write carries the codec's
// trailing bytes when there are any. Stream returns the finished session
// even on error, unless the request never started.
func (p *Pipeline) Stream(ctx context.Context, req Request, w io.Writer) (*session.Session, error) {
	start := time.Now()
	stream, err := p.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	enc, err := p.encoder.NewStream(req.Format())
	if err != nil {
		stream.Close()
		return nil, err
	}
	defer enc.Close()

	format := string(req.Format())
	sink := session.SinkFunc(func(ctx context.Context, c inference.Chunk) error {
		encStart := time.Now()
		data, err := enc.EncodeChunk(c.Samples)
		if err == nil && c.Final {
			var tail []byte
			tail, err = enc.Finish()
			data = append(data, tail...)
		}
		p.metrics.RecordEncode(ctx, format, time.Since(encStart), err)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return nil
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("pipeline: write chunk %d: %w", c.Index, err)
		}
		return nil
	})
	sess, err := p.sessions.Run(ctx, stream, sink, p.startOptions(req)...)
	status := "ok"
	switch {
	case sess == nil && err != nil:
		status = "error"
	case err != nil:
		status = sess.Phase().String()
	}
	p.metrics.RecordSynthesis(ctx, format, status, time.Since(start))
	return sess, err
}

// Phonemes returns the phoneme and token sequences the pipeline would feed
// the model for text.
func (p *Pipeline) Phonemes(text string, lang phonemize.Lang) (phonemize.Sequence, tokenize.Sequence) {
	seq := p.phonemizer.Phonemize(text, lang)
	return seq, p.tokenizer.Tokenize(seq)
}

// Warmup runs one short forward pass with the first registered voice.
func (p *Pipeline) Warmup(ctx context.Context) error {
	names := p.voices.Names()
	style, _ := p.voices.Lookup(names[0])
	if err := p.engine.Warmup(ctx, style.Embedding); err != nil {
		return fmt.Errorf("pipeline: warmup: %w", err)
	}
	return nil
}

// prepare resolves the voice and converts the input into an inference
// stream. The engine may begin prefetching segments before it returns; the
// caller owns closing the stream.
func (p *Pipeline) prepare(ctx context.Context, req Request) (*inference.Stream, error) {
	if !req.valid() {
		return nil, &ValidationError{Field: "request", Reason: "not built with NewRequest"}
	}
	if p.maxInput > 0 {
		if n := len([]rune(req.Input())); n > p.maxInput {
			return nil, &ValidationError{Field: "input", Reason: fmt.Sprintf("%d characters exceeds limit of %d", n, p.maxInput)}
		}
	}
	emb, err := p.voices.Resolve(req.Mix())
	if err != nil {
		return nil, err
	}

	lang := req.Language()
	if lang == "" {
		lang = phonemize.Lang(p.voices.Language(req.Mix()))
	}
	phonemes := p.phonemizer.Phonemize(req.Input(), lang)
	ids := p.tokenizer.Tokenize(phonemes)
	p.log.Debug("synthesis prepared",
		"voice", req.Voice(),
		"lang", string(lang),
		"phonemes", len(phonemes),
		"tokens", len(ids),
	)

	stream, err := p.engine.Infer(ctx, ids, emb, inference.Options{Speed: req.Speed()})
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	return stream, nil
}

func (p *Pipeline) startOptions(req Request) []session.StartOption {
	return []session.StartOption{
		session.WithVoice(req.Voice()),
		session.WithFormat(string(req.Format())),
	}
}
