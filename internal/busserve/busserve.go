// Package busserve serves synthesis requests arriving on a NATS bus.
//
// A client publishes a [Request] on tts.request. With a reply subject and
// stream=false the whole encoding comes back as a single [Reply]. Otherwise
// the service publishes one [AudioChunk] per encoded chunk on tts.audio, in
// order, followed by one [Status] on tts.done; a request that carried a reply
// subject also receives that status as its reply.
package busserve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/koko/internal/observe"
	"github.com/MrWong99/koko/internal/pipeline"
	"github.com/MrWong99/koko/internal/session"
)

// Default subjects.
const (
	SubjectRequest = "tts.request"
	SubjectAudio   = "tts.audio"
	SubjectDone    = "tts.done"
)

// Request is the payload published on the request subject.
type Request struct {
	RequestID string  `json:"request_id"`
	Text      string  `json:"text"`
	Voice     string  `json:"voice,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
	Format    string  `json:"format,omitempty"`
	Language  string  `json:"language,omitempty"`
	Stream    bool    `json:"stream,omitempty"`
}

// AudioChunk is one encoded chunk of a streamed request.
type AudioChunk struct {
	RequestID string `json:"request_id"`
	Sequence  int    `json:"sequence"`
	Format    string `json:"format"`
	Data      []byte `json:"data"`
}

// Status terminates a streamed request.
type Status struct {
	RequestID string    `json:"request_id"`
	SessionID string    `json:"session_id,omitempty"`
	Status    string    `json:"status"`
	Chunks    int       `json:"chunks"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Reply answers a non-streamed request.
type Reply struct {
	RequestID  string  `json:"request_id"`
	SessionID  string  `json:"session_id,omitempty"`
	Status     string  `json:"status"`
	Error      string  `json:"error,omitempty"`
	Format     string  `json:"format,omitempty"`
	MIME       string  `json:"mime,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`
	Duration   float64 `json:"duration_seconds,omitempty"`
	Audio      []byte  `json:"audio,omitempty"`
}

// Config configures a [Service]. Conn and Pipeline are required.
type Config struct {
	Conn     *nats.Conn
	Pipeline *pipeline.Pipeline

	// Subjects; empty fields use the package defaults.
	RequestSubject string
	AudioSubject   string
	DoneSubject    string

	// QueueGroup load-balances requests across koko instances when set.
	QueueGroup string

	// Timeout bounds one synthesis. Default: 60s.
	Timeout time.Duration

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Service subscribes to the request subject and answers requests
// concurrently, one goroutine per request.
type Service struct {
	cfg Config
	log *slog.Logger

	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New validates cfg and returns an unstarted service.
func New(parent context.Context, cfg Config) (*Service, error) {
	var errs []error
	if cfg.Conn == nil {
		errs = append(errs, errors.New("nats connection is required"))
	}
	if cfg.Pipeline == nil {
		errs = append(errs, errors.New("pipeline is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("busserve: %w", err)
	}
	if cfg.RequestSubject == "" {
		cfg.RequestSubject = SubjectRequest
	}
	if cfg.AudioSubject == "" {
		cfg.AudioSubject = SubjectAudio
	}
	if cfg.DoneSubject == "" {
		cfg.DoneSubject = SubjectDone
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		log:    cfg.Logger.With("component", "busserve"),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start subscribes to the request subject.
func (s *Service) Start() error {
	var (
		sub *nats.Subscription
		err error
	)
	if s.cfg.QueueGroup != "" {
		sub, err = s.cfg.Conn.QueueSubscribe(s.cfg.RequestSubject, s.cfg.QueueGroup, s.handle)
	} else {
		sub, err = s.cfg.Conn.Subscribe(s.cfg.RequestSubject, s.handle)
	}
	if err != nil {
		return fmt.Errorf("busserve: subscribe %s: %w", s.cfg.RequestSubject, err)
	}
	// The subscription must be registered before publishers rely on it.
	if err := s.cfg.Conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("busserve: flush: %w", err)
	}
	s.sub = sub
	s.log.Info("listening for synthesis requests", "subject", s.cfg.RequestSubject)
	return nil
}

// Close stops accepting requests, cancels running ones, and waits for them
// to publish their final status. Requests delivered after Close are
// answered with a cancelled status. Close is idempotent.
func (s *Service) Close() {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if already {
		s.wg.Wait()
		return
	}
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.cancel()
	s.wg.Wait()
}

// admit registers one request with the wait group unless the service is
// closed.
func (s *Service) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

// Check reports whether the bus connection is usable. It has the signature
// of a readiness check.
func (s *Service) Check(context.Context) error {
	if st := s.cfg.Conn.Status(); st != nats.CONNECTED {
		return fmt.Errorf("nats %s", st)
	}
	return nil
}

func (s *Service) handle(msg *nats.Msg) {
	var req Request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn("undecodable synthesis request", "err", err)
		s.cfg.Metrics.RecordRequest(s.ctx, "nats", "invalid")
		s.respond(msg, Reply{Status: session.PhaseFailed.String(), Error: "invalid request: " + err.Error()})
		return
	}
	if !s.admit() {
		s.log.Debug("request after close rejected", "request_id", req.RequestID)
		s.respond(msg, Reply{RequestID: req.RequestID, Status: session.PhaseCancelled.String(), Error: "service closed"})
		return
	}
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout)
		defer cancel()
		if msg.Reply != "" && !req.Stream {
			s.reply(ctx, msg, req)
			return
		}
		s.stream(ctx, msg, req)
	}()
}

// reply answers with the whole encoding in one message.
func (s *Service) reply(ctx context.Context, msg *nats.Msg, in Request) {
	preq, err := s.request(in)
	if err != nil {
		s.cfg.Metrics.RecordRequest(ctx, "nats", "invalid")
		s.respond(msg, Reply{RequestID: in.RequestID, Status: session.PhaseFailed.String(), Error: err.Error()})
		return
	}
	ctx, span := observe.StartSynthesisSpan(ctx, "nats", preq.Voice(), string(preq.Format()))
	res, err := s.cfg.Pipeline.Synthesize(ctx, preq)
	observe.EndSpan(span, err)
	if err != nil {
		s.log.Warn("synthesis failed", "request_id", in.RequestID, "err", err)
		s.cfg.Metrics.RecordRequest(ctx, "nats", "error")
		s.respond(msg, Reply{RequestID: in.RequestID, Status: phaseOf(err), Error: err.Error()})
		return
	}
	s.cfg.Metrics.RecordRequest(ctx, "nats", "ok")
	s.respond(msg, Reply{
		RequestID:  in.RequestID,
		SessionID:  res.SessionID,
		Status:     session.PhaseCompleted.String(),
		Format:     string(res.Format),
		MIME:       res.MIME,
		SampleRate: res.SampleRate,
		Duration:   res.Duration().Seconds(),
		Audio:      res.Audio,
	})
}

// stream publishes chunks as they are encoded, then the final status.
func (s *Service) stream(ctx context.Context, msg *nats.Msg, in Request) {
	st := Status{RequestID: in.RequestID}
	defer func() {
		st.Timestamp = time.Now().UTC()
		s.publish(s.cfg.DoneSubject, st)
		if msg.Reply != "" {
			s.respond(msg, st)
		}
	}()

	preq, err := s.request(in)
	if err != nil {
		s.cfg.Metrics.RecordRequest(ctx, "nats", "invalid")
		st.Status, st.Error = session.PhaseFailed.String(), err.Error()
		return
	}
	ctx, span := observe.StartSynthesisSpan(ctx, "nats", preq.Voice(), string(preq.Format()))
	pw := &chunkPublisher{s: s, requestID: in.RequestID, format: string(preq.Format())}
	sess, err := s.cfg.Pipeline.Stream(ctx, preq, pw)
	observe.EndSpan(span, err)

	st.Chunks = pw.seq
	st.Status = session.PhaseCompleted.String()
	if sess != nil {
		st.SessionID = sess.ID()
		st.Status = sess.Phase().String()
	}
	if err != nil {
		if sess == nil {
			st.Status = phaseOf(err)
		}
		st.Error = err.Error()
		s.log.Warn("streamed synthesis ended early", "request_id", in.RequestID, "status", st.Status, "err", err)
		s.cfg.Metrics.RecordRequest(ctx, "nats", "error")
		return
	}
	s.cfg.Metrics.RecordRequest(ctx, "nats", "ok")
}

func (s *Service) request(in Request) (pipeline.Request, error) {
	return pipeline.NewRequest(pipeline.Params{
		Input:    in.Text,
		Voice:    in.Voice,
		Speed:    in.Speed,
		Format:   in.Format,
		Language: in.Language,
		Stream:   in.Stream,
	})
}

func (s *Service) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("busserve: marshal: %w", err)
	}
	if err := s.cfg.Conn.Publish(subject, data); err != nil {
		s.log.Warn("publish failed", "subject", subject, "err", err)
		return fmt.Errorf("busserve: publish %s: %w", subject, err)
	}
	return nil
}

func (s *Service) respond(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	if err := s.publish(msg.Reply, v); err != nil {
		s.log.Warn("reply failed", "err", err)
	}
}

// chunkPublisher turns each pipeline write into one AudioChunk message.
type chunkPublisher struct {
	s         *Service
	requestID string
	format    string
	seq       int
}

func (p *chunkPublisher) Write(b []byte) (int, error) {
	err := p.s.publish(p.s.cfg.AudioSubject, AudioChunk{
		RequestID: p.requestID,
		Sequence:  p.seq,
		Format:    p.format,
		Data:      b,
	})
	if err != nil {
		return 0, err
	}
	p.seq++
	return len(b), nil
}

// phaseOf names the outcome of a request that failed before or outside a
// session.
func phaseOf(err error) string {
	if errors.Is(err, context.Canceled) {
		return session.PhaseCancelled.String()
	}
	return session.PhaseFailed.String()
}
