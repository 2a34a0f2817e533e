package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/MrWong99/koko/pkg/audio"
	"github.com/MrWong99/koko/pkg/tokenize"
)

// ErrStreamClosed is returned by [Stream.Next] after [Stream.Close].
var ErrStreamClosed = errors.New("inference: stream closed")

// Options tunes a single inference.
type Options struct {
	// Speed scales the speaking rate; 1 is normal, 2 twice as fast. Zero
	// means 1.
	Speed float64
}

// EngineOption is a functional option for [NewEngine].
type EngineOption func(*Engine)

// WithMaxTokens caps the unpadded segment length. Default: [MaxTokens].
func WithMaxTokens(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxTokens = n
		}
	}
}

// WithVocab sets the vocabulary used to find segment boundaries. Default:
// [tokenize.DefaultVocab].
func WithVocab(v *tokenize.Vocab) EngineOption {
	return func(e *Engine) {
		if v != nil {
			e.vocab = v
		}
	}
}

// WithPrefetch lets a stream compute up to n segments ahead of the consumer
// in a background goroutine. Zero (the default) computes each segment inside
// [Stream.Next].
func WithPrefetch(n int) EngineOption {
	return func(e *Engine) {
		if n >= 0 {
			e.prefetch = n
		}
	}
}

// WithLogger sets the engine's logger. Default: slog.Default().
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// Engine drives a [Model] over token sequences. It is safe for concurrent
// use; all per-request state lives in the returned [Stream].
type Engine struct {
	model     Model
	vocab     *tokenize.Vocab
	maxTokens int
	prefetch  int
	log       *slog.Logger

	split splitter
}

// NewEngine returns an Engine backed by m.
func NewEngine(m Model, opts ...EngineOption) *Engine {
	e := &Engine{
		model:     m,
		vocab:     tokenize.DefaultVocab(),
		maxTokens: MaxTokens,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	e.split = newSplitter(e.vocab, e.maxTokens)
	return e
}

// SampleRate returns the rate of every chunk the engine produces.
func (e *Engine) SampleRate() int { return e.model.SampleRate() }

// Model returns the backing model.
func (e *Engine) Model() Model { return e.model }

// Segments returns how ids would be divided into forward passes.
func (e *Engine) Segments(ids []int) [][]int { return e.split.split(ids) }

// Infer prepares a stream over ids. Without prefetch no model work happens
// until the first [Stream.Next]; with prefetch a producer starts here and
// runs ahead of the consumer. The caller must Close the stream or cancel ctx
// to release that producer. An empty (or whitespace-only) token sequence
// yields a stream with one empty final chunk.
func (e *Engine) Infer(ctx context.Context, ids []int, style []float32, opts Options) (*Stream, error) {
	speed := opts.Speed
	if speed == 0 {
		speed = 1
	}
	if speed < 0 || math.IsNaN(speed) || math.IsInf(speed, 0) {
		return nil, fmt.Errorf("inference: invalid speed %v", opts.Speed)
	}
	if len(style) == 0 {
		return nil, errors.New("inference: empty style vector")
	}
	s := &Stream{
		engine:   e,
		segments: e.split.split(ids),
		style:    style,
		speed:    speed,
	}
	if e.prefetch > 0 && len(s.segments) > 0 {
		pctx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.results = make(chan result, e.prefetch)
		go s.produce(pctx)
	}
	return s, nil
}

// Warmup runs one tiny forward pass so that lazy backend initialisation
// happens before the first request.
func (e *Engine) Warmup(ctx context.Context, style []float32) error {
	start := time.Now()
	if _, err := e.forward(ctx, 0, e.vocab.IDs("h", "ə", "l", "ˈ", "O"), style, 1); err != nil {
		return err
	}
	e.log.Debug("inference: warm-up complete", "elapsed", time.Since(start))
	return nil
}

// forward runs one segment through the model and post-processes it.
func (e *Engine) forward(ctx context.Context, index int, seg []int, style []float32, speed float64) ([]float32, error) {
	modelSpeed := float32(1)
	if e.model.SupportsSpeed() {
		modelSpeed = float32(speed)
	}
	start := time.Now()
	samples, err := e.model.Forward(ctx, tokenize.Pad(seg), style, modelSpeed)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &ModelError{Segment: index, Err: err}
	}
	for i, v := range samples {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, &ModelError{Segment: index, Err: fmt.Errorf("non-finite sample at offset %d", i)}
		}
	}
	if !e.model.SupportsSpeed() && speed != 1 {
		samples = audio.TimeStretch(samples, e.model.SampleRate(), speed)
	}
	e.log.Debug("inference: segment done",
		"segment", index,
		"tokens", len(seg),
		"samples", len(samples),
		"elapsed", time.Since(start),
	)
	return samples, nil
}

type result struct {
	samples []float32
	err     error
}

// Stream is a finite, non-restartable sequence of chunks for one request.
// It is owned by a single consumer goroutine.
type Stream struct {
	engine   *Engine
	segments [][]int
	style    []float32
	speed    float64

	next   int
	done   bool
	closed bool
	err    error

	results chan result
	cancel  context.CancelFunc
}

// Segments returns the number of chunks a complete stream yields.
func (s *Stream) Segments() int { return max(len(s.segments), 1) }

// Next returns the next chunk. After the chunk with Final set it returns
// io.EOF. A model failure or cancellation is returned and then repeated on
// every later call.
func (s *Stream) Next(ctx context.Context) (Chunk, error) {
	switch {
	case s.closed:
		return Chunk{}, ErrStreamClosed
	case s.err != nil:
		return Chunk{}, s.err
	case s.done:
		return Chunk{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		s.err = err
		return Chunk{}, err
	}
	rate := s.engine.SampleRate()
	if len(s.segments) == 0 {
		s.done = true
		return Chunk{Index: 0, Samples: []float32{}, SampleRate: rate, Final: true}, nil
	}

	var (
		samples []float32
		err     error
	)
	if s.results != nil {
		samples, err = s.receive(ctx)
	} else {
		samples, err = s.engine.forward(ctx, s.next, s.segments[s.next], s.style, s.speed)
	}
	if err != nil {
		s.err = err
		return Chunk{}, err
	}

	c := Chunk{
		Index:      s.next,
		Samples:    samples,
		SampleRate: rate,
		Final:      s.next == len(s.segments)-1,
	}
	s.next++
	s.done = c.Final
	return c, nil
}

func (s *Stream) receive(ctx context.Context) ([]float32, error) {
	select {
	case r, ok := <-s.results:
		if !ok {
			return nil, context.Canceled
		}
		return r.samples, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// produce computes segments ahead of the consumer. The buffered results
// channel bounds how far ahead it runs.
func (s *Stream) produce(ctx context.Context) {
	defer close(s.results)
	for i, seg := range s.segments {
		samples, err := s.engine.forward(ctx, i, seg, s.style, s.speed)
		select {
		case s.results <- result{samples: samples, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// Close stops background work and releases the stream. Chunks computed but
// not yet returned are discarded. Close is idempotent.
func (s *Stream) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
}

// Collect drains s and returns the concatenated samples. s is closed on
// return.
func Collect(ctx context.Context, s *Stream) ([]float32, error) {
	defer s.Close()
	var out []float32
	for {
		c, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c.Samples...)
	}
}
