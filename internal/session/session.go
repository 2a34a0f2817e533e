// Package session drives one synthesis request from the first model chunk to
// a terminal outcome.
//
// A [Session] moves through a small state machine:
//
//	Created → Generating → Completed
//	                     → Cancelled
//	                     → Failed
//
// The [Manager] pulls chunks from a [Source] (normally an
// [*inference.Stream]) and hands each one to a [Sink] in index order.
// Cancellation is checked between chunk productions: once observed, no
// further chunk reaches the sink and chunks already produced are dropped.
// Terminal phases are final and release the source.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/koko/pkg/inference"
)

// Phase is the lifecycle state of a [Session].
type Phase int

const (
	PhaseCreated Phase = iota
	PhaseGenerating
	PhaseCompleted
	PhaseCancelled
	PhaseFailed
)

// String returns the lower-case name of p.
func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "created"
	case PhaseGenerating:
		return "generating"
	case PhaseCompleted:
		return "completed"
	case PhaseCancelled:
		return "cancelled"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether p is one of the final phases.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled || p == PhaseFailed
}

// Source yields chunks in index order. [*inference.Stream] satisfies it.
type Source interface {
	Next(ctx context.Context) (inference.Chunk, error)
	Close()
}

var _ Source = (*inference.Stream)(nil)

// Sink receives delivered chunks. A non-nil error fails the session.
type Sink interface {
	Deliver(ctx context.Context, c inference.Chunk) error
}

// SinkFunc adapts a plain function to [Sink].
type SinkFunc func(ctx context.Context, c inference.Chunk) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, c inference.Chunk) error { return f(ctx, c) }

// Info is a point-in-time snapshot of a session.
type Info struct {
	ID        string
	Voice     string
	Format    string
	Phase     Phase
	Delivered int
	StartedAt time.Time
	// EndedAt is zero until the session reaches a terminal phase.
	EndedAt time.Time
	Err     error
}

// Duration returns the wall time between start and end, or until now for a
// live session.
func (i Info) Duration() time.Duration {
	if i.EndedAt.IsZero() {
		return time.Since(i.StartedAt)
	}
	return i.EndedAt.Sub(i.StartedAt)
}

// Session is one running or finished synthesis. All methods are safe for
// concurrent use.
type Session struct {
	id      string
	voice   string
	format  string
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	phase     Phase
	delivered int
	ended     time.Time
	err       error
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Delivered returns how many chunks reached the sink.
func (s *Session) Delivered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

// Err returns the error that ended the session. It is nil while the session
// runs and after a successful completion.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel requests cancellation. The session stops before the next chunk is
// delivered. Calling Cancel on a finished session has no effect.
func (s *Session) Cancel() { s.cancel() }

// Done is closed once the session reaches a terminal phase.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session ends or ctx is done and returns the session
// error.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

// transition moves the session to next. Moves out of a terminal phase are
// refused.
func (s *Session) transition(next Phase, err error) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase.Terminal() {
		return Info{}, false
	}
	s.phase = next
	if next.Terminal() {
		s.err = err
		s.ended = time.Now()
	}
	return s.infoLocked(), true
}

func (s *Session) markDelivered() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered++
	return s.infoLocked()
}

func (s *Session) infoLocked() Info {
	return Info{
		ID:        s.id,
		Voice:     s.voice,
		Format:    s.format,
		Phase:     s.phase,
		Delivered: s.delivered,
		StartedAt: s.started,
		EndedAt:   s.ended,
		Err:       s.err,
	}
}
