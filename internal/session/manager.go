package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/koko/pkg/inference"
)

// ErrClosed is returned by [Manager.Start] after [Manager.Shutdown].
var ErrClosed = errors.New("session: manager closed")

// ErrOutOfOrder fails a session whose source skips or repeats a chunk index.
var ErrOutOfOrder = errors.New("session: chunk out of order")

// ErrTruncated fails a session whose source ends without a final chunk.
var ErrTruncated = errors.New("session: stream ended before final chunk")

// Observer is notified of session lifecycle events. Calls for one session are
// made sequentially from the goroutine driving it; implementations must not
// block.
type Observer interface {
	SessionStarted(info Info)
	ChunkDelivered(info Info, c inference.Chunk)
	SessionEnded(info Info)
}

// Observers fans every event out to each element in order.
type Observers []Observer

var _ Observer = Observers(nil)

func (o Observers) SessionStarted(info Info) {
	for _, ob := range o {
		ob.SessionStarted(info)
	}
}

func (o Observers) ChunkDelivered(info Info, c inference.Chunk) {
	for _, ob := range o {
		ob.ChunkDelivered(info, c)
	}
}

func (o Observers) SessionEnded(info Info) {
	for _, ob := range o {
		ob.SessionEnded(info)
	}
}

// Option is a functional option for [NewManager].
type Option func(*Manager)

// WithObserver registers an observer. Repeated calls add more observers.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observers = append(m.observers, o)
		}
	}
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithIDGenerator replaces the random UUID session ids.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// StartOption annotates a single session.
type StartOption func(*Session)

// WithVoice records the voice expression the session synthesizes.
func WithVoice(v string) StartOption {
	return func(s *Session) { s.voice = v }
}

// WithFormat records the output format of the session.
func WithFormat(f string) StartOption {
	return func(s *Session) { s.format = f }
}

// Manager owns the set of live sessions. All methods are safe for concurrent
// use.
type Manager struct {
	log       *slog.Logger
	observers Observers
	newID     func() string

	mu     sync.Mutex
	live   map[string]*Session
	closed bool
	wg     sync.WaitGroup
}

// NewManager returns an empty manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		log:   slog.Default(),
		newID: uuid.NewString,
		live:  make(map[string]*Session),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start creates a session, moves it to Generating, and drives src into sink
// on a new goroutine. The returned session is already registered in
// [Manager.Active]. Start takes ownership of src: it is closed when the
// session ends, and also when Start itself fails.
func (m *Manager) Start(ctx context.Context, src Source, sink Sink, opts ...StartOption) (*Session, error) {
	s, ctx, err := m.open(ctx, src, opts)
	if err != nil {
		return nil, err
	}
	go m.drive(ctx, s, src, sink)
	return s, nil
}

// Run is Start followed by waiting for the terminal phase on the calling
// goroutine. The returned error equals [Session.Err].
func (m *Manager) Run(ctx context.Context, src Source, sink Sink, opts ...StartOption) (*Session, error) {
	s, ctx, err := m.open(ctx, src, opts)
	if err != nil {
		return nil, err
	}
	m.drive(ctx, s, src, sink)
	return s, s.Err()
}

func (m *Manager) open(ctx context.Context, src Source, opts []StartOption) (*Session, context.Context, error) {
	if src == nil {
		return nil, nil, errors.New("session: nil source")
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:      m.newID(),
		started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
		phase:   PhaseCreated,
	}
	for _, o := range opts {
		o(s)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		src.Close()
		return nil, nil, ErrClosed
	}
	m.live[s.id] = s
	m.wg.Add(1)
	m.mu.Unlock()

	info, _ := s.transition(PhaseGenerating, nil)
	m.observers.SessionStarted(info)
	m.log.Debug("session started", "session_id", s.id, "voice", s.voice, "format", s.format)
	return s, ctx, nil
}

// drive pulls chunks until the final one, an error, or cancellation.
func (m *Manager) drive(ctx context.Context, s *Session, src Source, sink Sink) {
	defer m.wg.Done()
	phase, err := m.pump(ctx, s, src, sink)
	m.finish(s, src, phase, err)
}

func (m *Manager) pump(ctx context.Context, s *Session, src Source, sink Sink) (Phase, error) {
	next := 0
	for {
		if err := ctx.Err(); err != nil {
			return PhaseCancelled, fmt.Errorf("session: %w", err)
		}
		c, err := src.Next(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return PhaseCancelled, fmt.Errorf("session: %w", ctx.Err())
		case errors.Is(err, io.EOF):
			return PhaseFailed, ErrTruncated
		default:
			return PhaseFailed, err
		}

		// A chunk that arrives after cancellation is dropped.
		if err := ctx.Err(); err != nil {
			return PhaseCancelled, fmt.Errorf("session: %w", err)
		}
		if c.Index != next {
			return PhaseFailed, fmt.Errorf("%w: got index %d, want %d", ErrOutOfOrder, c.Index, next)
		}
		if err := sink.Deliver(ctx, c); err != nil {
			if ctx.Err() != nil {
				return PhaseCancelled, fmt.Errorf("session: %w", ctx.Err())
			}
			return PhaseFailed, err
		}
		next++
		m.observers.ChunkDelivered(s.markDelivered(), c)
		if c.Final {
			return PhaseCompleted, nil
		}
	}
}

// finish releases the source, moves s to its terminal phase, and drops it
// from the live set.
func (m *Manager) finish(s *Session, src Source, phase Phase, err error) {
	src.Close()
	info, ok := s.transition(phase, err)
	s.cancel()

	m.mu.Lock()
	delete(m.live, s.id)
	m.mu.Unlock()

	if !ok {
		return
	}
	m.observers.SessionEnded(info)
	close(s.done)

	attrs := []any{
		"session_id", info.ID,
		"phase", info.Phase.String(),
		"chunks", info.Delivered,
		"duration", info.Duration(),
	}
	switch info.Phase {
	case PhaseFailed:
		m.log.Warn("session failed", append(attrs, "err", err)...)
	case PhaseCancelled:
		m.log.Info("session cancelled", attrs...)
	default:
		m.log.Debug("session completed", attrs...)
	}
}

// Active returns snapshots of all live sessions, oldest first.
func (m *Manager) Active() []Info {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.live))
	for _, s := range m.live {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	slices.SortFunc(out, func(a, b Info) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Get returns the live session with the given id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.live[id]
	return s, ok
}

// Cancel cancels the live session with the given id. It reports whether such
// a session existed.
func (m *Manager) Cancel(id string) bool {
	s, ok := m.Get(id)
	if ok {
		s.Cancel()
	}
	return ok
}

// Shutdown refuses new sessions, cancels every live one, and waits for them
// to reach a terminal phase or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, s := range m.live {
		s.Cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session: shutdown: %w", ctx.Err())
	}
}
