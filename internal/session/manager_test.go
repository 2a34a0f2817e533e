package session_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/koko/internal/session"
	"github.com/MrWong99/koko/pkg/inference"
)

// fakeSource yields n chunks. failAt >= 0 makes Next return err at that
// index. onNext runs before each chunk is returned.
type fakeSource struct {
	n      int
	failAt int
	err    error
	onNext func(i int)

	next   int
	closed atomic.Bool
}

func newSource(n int) *fakeSource { return &fakeSource{n: n, failAt: -1} }

func (f *fakeSource) Next(ctx context.Context) (inference.Chunk, error) {
	if f.next >= f.n {
		return inference.Chunk{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return inference.Chunk{}, err
	}
	i := f.next
	if i == f.failAt {
		return inference.Chunk{}, f.err
	}
	if f.onNext != nil {
		f.onNext(i)
	}
	f.next++
	return inference.Chunk{
		Index:      i,
		Samples:    []float32{float32(i)},
		SampleRate: 24000,
		Final:      i == f.n-1,
	}, nil
}

func (f *fakeSource) Close() { f.closed.Store(true) }

// recorder is a sink that keeps every delivered chunk.
type recorder struct {
	mu     sync.Mutex
	chunks []inference.Chunk
}

func (r *recorder) Deliver(_ context.Context, c inference.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, c)
	return nil
}

func (r *recorder) got() []inference.Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]inference.Chunk(nil), r.chunks...)
}

// eventLog records observer callbacks.
type eventLog struct {
	mu     sync.Mutex
	events []string
	ended  []session.Info
}

func (e *eventLog) SessionStarted(info session.Info) {
	e.add("start:" + info.Phase.String())
}

func (e *eventLog) ChunkDelivered(info session.Info, _ inference.Chunk) {
	e.add("chunk")
}

func (e *eventLog) SessionEnded(info session.Info) {
	e.mu.Lock()
	e.ended = append(e.ended, info)
	e.mu.Unlock()
	e.add("end:" + info.Phase.String())
}

func (e *eventLog) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, s)
}

func TestRun_DeliversInOrder(t *testing.T) {
	t.Parallel()
	obs := &eventLog{}
	m := session.NewManager(session.WithObserver(obs))
	src := newSource(5)
	sink := &recorder{}

	s, err := m.Run(context.Background(), src, sink, session.WithVoice("af_sky"), session.WithFormat("wav"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Phase() != session.PhaseCompleted {
		t.Errorf("phase = %v, want completed", s.Phase())
	}
	got := sink.got()
	if len(got) != 5 {
		t.Fatalf("delivered %d chunks, want 5", len(got))
	}
	for i, c := range got {
		if c.Index != i {
			t.Errorf("chunk %d has index %d", i, c.Index)
		}
		if c.Final != (i == 4) {
			t.Errorf("chunk %d Final = %v", i, c.Final)
		}
	}
	if s.Delivered() != 5 {
		t.Errorf("Delivered() = %d, want 5", s.Delivered())
	}
	if !src.closed.Load() {
		t.Error("source not closed after completion")
	}
	if n := len(m.Active()); n != 0 {
		t.Errorf("Active() has %d sessions after completion", n)
	}

	want := []string{"start:generating", "chunk", "chunk", "chunk", "chunk", "chunk", "end:completed"}
	if len(obs.events) != len(want) {
		t.Fatalf("events = %v, want %v", obs.events, want)
	}
	for i := range want {
		if obs.events[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, obs.events[i], want[i])
		}
	}
	info := obs.ended[0]
	if info.Voice != "af_sky" || info.Format != "wav" || info.EndedAt.IsZero() {
		t.Errorf("ended info = %+v", info)
	}
}

func TestRun_SingleEmptyChunk(t *testing.T) {
	t.Parallel()
	m := session.NewManager()
	sink := &recorder{}
	s, err := m.Run(context.Background(), newSource(1), sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Phase() != session.PhaseCompleted || len(sink.got()) != 1 {
		t.Errorf("phase %v with %d chunks, want completed with 1", s.Phase(), len(sink.got()))
	}
}

func TestRun_ModelFailure(t *testing.T) {
	t.Parallel()
	m := session.NewManager()
	src := newSource(4)
	src.failAt = 2
	src.err = &inference.ModelError{Segment: 2, Err: errors.New("boom")}
	sink := &recorder{}

	s, err := m.Run(context.Background(), src, sink)
	if !errors.Is(err, inference.ErrModelFailure) {
		t.Fatalf("Run error = %v, want model failure", err)
	}
	if s.Phase() != session.PhaseFailed {
		t.Errorf("phase = %v, want failed", s.Phase())
	}
	if len(sink.got()) != 2 {
		t.Errorf("delivered %d chunks before failure, want 2", len(sink.got()))
	}
	if !src.closed.Load() {
		t.Error("source not closed after failure")
	}
}

func TestRun_SinkFailure(t *testing.T) {
	t.Parallel()
	m := session.NewManager()
	writeErr := errors.New("broken pipe")
	sink := session.SinkFunc(func(_ context.Context, c inference.Chunk) error {
		if c.Index == 1 {
			return writeErr
		}
		return nil
	})
	s, err := m.Run(context.Background(), newSource(3), sink)
	if !errors.Is(err, writeErr) {
		t.Fatalf("Run error = %v, want %v", err, writeErr)
	}
	if s.Phase() != session.PhaseFailed || s.Delivered() != 1 {
		t.Errorf("phase %v delivered %d, want failed after 1", s.Phase(), s.Delivered())
	}
}

func TestRun_TruncatedStream(t *testing.T) {
	t.Parallel()
	src := &truncated{}
	_, err := session.NewManager().Run(context.Background(), src, &recorder{})
	if !errors.Is(err, session.ErrTruncated) {
		t.Fatalf("Run error = %v, want ErrTruncated", err)
	}
}

// truncated yields one non-final chunk and then io.EOF.
type truncated struct{ sent bool }

func (s *truncated) Next(context.Context) (inference.Chunk, error) {
	if s.sent {
		return inference.Chunk{}, io.EOF
	}
	s.sent = true
	return inference.Chunk{Index: 0}, nil
}

func (s *truncated) Close() {}

func TestRun_OutOfOrder(t *testing.T) {
	t.Parallel()
	src := &skipping{}
	s, err := session.NewManager().Run(context.Background(), src, &recorder{})
	if !errors.Is(err, session.ErrOutOfOrder) {
		t.Fatalf("Run error = %v, want ErrOutOfOrder", err)
	}
	if s.Delivered() != 1 {
		t.Errorf("Delivered() = %d, want 1", s.Delivered())
	}
}

// skipping yields index 0 then index 2.
type skipping struct{ i int }

func (s *skipping) Next(context.Context) (inference.Chunk, error) {
	c := inference.Chunk{Index: s.i}
	s.i += 2
	return c, nil
}

func (s *skipping) Close() {}

func TestCancel_NoChunkAfterCancellation(t *testing.T) {
	t.Parallel()
	for _, cancelAt := range []int{0, 1, 3} {
		m := session.NewManager()
		src := newSource(6)
		sink := &recorder{}

		var sess atomic.Pointer[session.Session]
		ready := make(chan struct{})
		// Cancellation lands while chunk cancelAt is being produced, so that
		// chunk must be discarded.
		src.onNext = func(i int) {
			if i == cancelAt {
				<-ready
				sess.Load().Cancel()
			}
		}
		s, err := m.Start(context.Background(), src, sink)
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		sess.Store(s)
		close(ready)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = s.Wait(ctx)
		cancel()
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("cancelAt=%d: Wait error = %v, want context.Canceled", cancelAt, err)
		}
		if s.Phase() != session.PhaseCancelled {
			t.Errorf("cancelAt=%d: phase = %v, want cancelled", cancelAt, s.Phase())
		}
		if got := len(sink.got()); got != cancelAt {
			t.Errorf("cancelAt=%d: delivered %d chunks, want %d", cancelAt, got, cancelAt)
		}
		if !src.closed.Load() {
			t.Errorf("cancelAt=%d: source not closed", cancelAt)
		}
	}
}

func TestCancel_ContextCancellation(t *testing.T) {
	t.Parallel()
	m := session.NewManager()
	ctx, cancel := context.WithCancel(context.Background())
	src := newSource(10)
	src.onNext = func(i int) {
		if i == 2 {
			cancel()
		}
	}
	sink := &recorder{}
	s, err := m.Run(ctx, src, sink)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if s.Phase() != session.PhaseCancelled || len(sink.got()) != 2 {
		t.Errorf("phase %v with %d chunks, want cancelled with 2", s.Phase(), len(sink.got()))
	}
}

func TestCancel_AfterCompletionIsNoop(t *testing.T) {
	t.Parallel()
	m := session.NewManager()
	s, err := m.Run(context.Background(), newSource(2), &recorder{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	s.Cancel()
	if s.Phase() != session.PhaseCompleted || s.Err() != nil {
		t.Errorf("phase %v err %v after late cancel, want completed", s.Phase(), s.Err())
	}
	if m.Cancel(s.ID()) {
		t.Error("Manager.Cancel found a finished session")
	}
}

func TestManager_ActiveAndShutdown(t *testing.T) {
	t.Parallel()
	ids := []string{"b", "a"}
	var n atomic.Int32
	m := session.NewManager(session.WithIDGenerator(func() string {
		return ids[n.Add(1)-1]
	}))

	block := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	blocking := func() session.Sink {
		var once sync.Once
		return session.SinkFunc(func(ctx context.Context, _ inference.Chunk) error {
			once.Do(started.Done)
			select {
			case <-block:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}

	s1, err := m.Start(context.Background(), newSource(3), blocking(), session.WithVoice("af_sky"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	s2, err := m.Start(context.Background(), newSource(3), blocking())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	started.Wait()

	active := m.Active()
	if len(active) != 2 {
		t.Fatalf("Active() = %d sessions, want 2", len(active))
	}
	for _, info := range active {
		if info.Phase != session.PhaseGenerating {
			t.Errorf("session %s phase = %v, want generating", info.ID, info.Phase)
		}
	}
	if got, ok := m.Get("b"); !ok || got != s1 {
		t.Error("Get(b) did not return the first session")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, s := range []*session.Session{s1, s2} {
		if s.Phase() != session.PhaseCancelled {
			t.Errorf("session %s phase = %v after shutdown, want cancelled", s.ID(), s.Phase())
		}
	}
	if len(m.Active()) != 0 {
		t.Error("sessions still active after shutdown")
	}

	src := newSource(1)
	if _, err := m.Start(context.Background(), src, &recorder{}); !errors.Is(err, session.ErrClosed) {
		t.Errorf("Start after shutdown error = %v, want ErrClosed", err)
	}
	if !src.closed.Load() {
		t.Error("rejected source not closed")
	}
	close(block)
}

func TestRun_WithEngineStream(t *testing.T) {
	t.Parallel()
	eng := inference.NewEngine(constModel{})
	stream, err := eng.Infer(context.Background(), []int{50, 83, 4, 16, 50, 83, 4}, []float32{1}, inference.Options{Speed: 1})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	sink := &recorder{}
	s, err := session.NewManager().Run(context.Background(), stream, sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := sink.got()
	if len(got) != stream.Segments() || !got[len(got)-1].Final {
		t.Errorf("delivered %d chunks for %d segments", len(got), stream.Segments())
	}
	if s.Phase() != session.PhaseCompleted {
		t.Errorf("phase = %v", s.Phase())
	}
}

// constModel returns one sample per token.
type constModel struct{}

func (constModel) Forward(_ context.Context, ids []int, _ []float32, _ float32) ([]float32, error) {
	return make([]float32, len(ids)), nil
}
func (constModel) SampleRate() int     { return 24000 }
func (constModel) SupportsSpeed() bool { return true }
func (constModel) Close() error        { return nil }

func TestPhase_String(t *testing.T) {
	t.Parallel()
	for p, want := range map[session.Phase]string{
		session.PhaseCreated:    "created",
		session.PhaseGenerating: "generating",
		session.PhaseCompleted:  "completed",
		session.PhaseCancelled:  "cancelled",
		session.PhaseFailed:     "failed",
	} {
		if p.String() != want {
			t.Errorf("%d.String() = %q, want %q", p, p.String(), want)
		}
		if p.Terminal() != (p >= session.PhaseCompleted) {
			t.Errorf("%v.Terminal() = %v", p, p.Terminal())
		}
	}
}
