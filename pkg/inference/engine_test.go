package inference_test

import (
	"context"
	"errors"
	"io"
	"math"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/koko/pkg/inference"
	"github.com/MrWong99/koko/pkg/inference/formant"
	"github.com/MrWong99/koko/pkg/phonemize"
	"github.com/MrWong99/koko/pkg/tokenize"
)

// fakeModel returns one sample per unpadded token, valued by call order.
type fakeModel struct {
	calls     atomic.Int32
	failAt    int32
	nan       bool
	speed     bool
	lastSpeed atomic.Value
}

func (f *fakeModel) Forward(ctx context.Context, ids []int, style []float32, speed float32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := f.calls.Add(1)
	f.lastSpeed.Store(speed)
	if f.failAt > 0 && n == f.failAt {
		return nil, errors.New("out of memory")
	}
	if ids[0] != tokenize.PadID || ids[len(ids)-1] != tokenize.PadID {
		return nil, errors.New("ids not padded")
	}
	out := make([]float32, (len(ids)-2)*100)
	for i := range out {
		out[i] = float32(math.Sin(float64(i) / 3))
	}
	if f.nan {
		out[len(out)/2] = float32(math.NaN())
	}
	return out, nil
}

func (f *fakeModel) SampleRate() int     { return 24000 }
func (f *fakeModel) SupportsSpeed() bool { return f.speed }
func (f *fakeModel) Close() error        { return nil }

var style = []float32{0.1, 0.2, 0.3}

func ids(t *testing.T, text string) tokenize.Sequence {
	t.Helper()
	tok, err := tokenize.New(tokenize.DefaultVocab())
	if err != nil {
		t.Fatal(err)
	}
	return tok.Tokenize(phonemize.New().Phonemize(text, phonemize.LangEnUS))
}

func drain(t *testing.T, s *inference.Stream) []inference.Chunk {
	t.Helper()
	var out []inference.Chunk
	for {
		c, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, c)
	}
}

func TestInfer_ChunkOrdering(t *testing.T) {
	t.Parallel()
	for _, prefetch := range []int{0, 2} {
		eng := inference.NewEngine(&fakeModel{speed: true}, inference.WithPrefetch(prefetch))
		s, err := eng.Infer(context.Background(), ids(t, "One. Two! Three? Four, five."), style, inference.Options{})
		if err != nil {
			t.Fatalf("Infer: %v", err)
		}
		chunks := drain(t, s)
		if len(chunks) != 4 || s.Segments() != 4 {
			t.Fatalf("prefetch %d: got %d chunks (%d segments), want 4", prefetch, len(chunks), s.Segments())
		}
		for i, c := range chunks {
			if c.Index != i {
				t.Errorf("chunk %d has index %d", i, c.Index)
			}
			if c.Final != (i == len(chunks)-1) {
				t.Errorf("chunk %d final = %v", i, c.Final)
			}
			if c.SampleRate != 24000 || len(c.Samples) == 0 {
				t.Errorf("chunk %d: rate %d, %d samples", i, c.SampleRate, len(c.Samples))
			}
		}
		if _, err := s.Next(context.Background()); !errors.Is(err, io.EOF) {
			t.Errorf("Next after final = %v, want io.EOF", err)
		}
	}
}

func TestInfer_EmptyInput(t *testing.T) {
	t.Parallel()
	m := &fakeModel{}
	eng := inference.NewEngine(m)
	for _, in := range []tokenize.Sequence{nil, {16, 16}} {
		s, err := eng.Infer(context.Background(), in, style, inference.Options{})
		if err != nil {
			t.Fatalf("Infer: %v", err)
		}
		chunks := drain(t, s)
		if len(chunks) != 1 || !chunks[0].Final || len(chunks[0].Samples) != 0 || chunks[0].Index != 0 {
			t.Errorf("empty input: chunks = %+v, want one empty final chunk", chunks)
		}
	}
	if m.calls.Load() != 0 {
		t.Errorf("model called %d times for empty input", m.calls.Load())
	}
}

func TestInfer_ModelFailure(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		model *fakeModel
	}{
		{"error", &fakeModel{failAt: 2}},
		{"nan", &fakeModel{nan: true}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			eng := inference.NewEngine(tc.model)
			s, err := eng.Infer(context.Background(), ids(t, "First. Second. Third."), style, inference.Options{})
			if err != nil {
				t.Fatalf("Infer: %v", err)
			}
			defer s.Close()
			var failure error
			for failure == nil {
				_, failure = s.Next(context.Background())
			}
			if !errors.Is(failure, inference.ErrModelFailure) {
				t.Fatalf("err = %v, want ErrModelFailure", failure)
			}
			var me *inference.ModelError
			if !errors.As(failure, &me) {
				t.Fatalf("err = %v, want *ModelError", failure)
			}
			// The failure is sticky and never retried.
			calls := tc.model.calls.Load()
			if _, err := s.Next(context.Background()); !errors.Is(err, inference.ErrModelFailure) {
				t.Errorf("second Next = %v, want the same failure", err)
			}
			if tc.model.calls.Load() != calls {
				t.Error("model called again after failure")
			}
		})
	}
}

func TestInfer_Cancellation(t *testing.T) {
	t.Parallel()
	m := &fakeModel{}
	eng := inference.NewEngine(m)
	s, err := eng.Infer(context.Background(), ids(t, "One. Two. Three. Four."), style, inference.Options{})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := s.Next(ctx); err != nil {
		t.Fatalf("Next: %v", err)
	}
	cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Next after cancel = %v, want context.Canceled", err)
	}
	if m.calls.Load() != 1 {
		t.Errorf("model called %d times, want 1", m.calls.Load())
	}
	s.Close()
	if _, err := s.Next(context.Background()); !errors.Is(err, inference.ErrStreamClosed) {
		t.Errorf("Next after Close = %v, want ErrStreamClosed", err)
	}
}

func TestInfer_PrefetchRunsAheadUntilClosed(t *testing.T) {
	t.Parallel()
	text := "One. Two. Three. Four."

	lazy := &fakeModel{}
	s, err := inference.NewEngine(lazy).Infer(context.Background(), ids(t, text), style, inference.Options{})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := lazy.calls.Load(); n != 0 {
		t.Errorf("without prefetch model called %d times before Next, want 0", n)
	}
	s.Close()

	eager := &fakeModel{}
	s, err = inference.NewEngine(eager, inference.WithPrefetch(1)).Infer(context.Background(), ids(t, text), style, inference.Options{})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for eager.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("prefetch did not start before Next")
		}
		time.Sleep(time.Millisecond)
	}
	s.Close()
	time.Sleep(20 * time.Millisecond)
	settled := eager.calls.Load()
	time.Sleep(20 * time.Millisecond)
	if n := eager.calls.Load(); n != settled || n >= 4 {
		t.Errorf("producer kept running after Close: %d then %d calls", settled, n)
	}
}

func TestInfer_Speed(t *testing.T) {
	t.Parallel()
	in := ids(t, "A reasonably long sentence for stretching.")

	native := &fakeModel{speed: true}
	s, _ := inference.NewEngine(native).Infer(context.Background(), in, style, inference.Options{Speed: 1.5})
	nativeOut, err := inference.Collect(context.Background(), s)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := native.lastSpeed.Load().(float32); got != 1.5 {
		t.Errorf("model saw speed %v, want 1.5", got)
	}

	stretched := &fakeModel{}
	s, _ = inference.NewEngine(stretched).Infer(context.Background(), in, style, inference.Options{Speed: 2})
	out, err := inference.Collect(context.Background(), s)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := stretched.lastSpeed.Load().(float32); got != 1 {
		t.Errorf("model without speed support saw speed %v, want 1", got)
	}
	if want := len(nativeOut) / 2; len(out) < want-1 || len(out) > want+1 {
		t.Errorf("stretched output = %d samples, want about %d", len(out), want)
	}

	if _, err := inference.NewEngine(native).Infer(context.Background(), in, style, inference.Options{Speed: -1}); err == nil {
		t.Error("expected error for negative speed")
	}
}

func TestSegments_RespectMaxTokens(t *testing.T) {
	t.Parallel()
	eng := inference.NewEngine(&fakeModel{}, inference.WithMaxTokens(20))
	long := ids(t, "this sentence keeps going and going without any full stop at all, so it must be cut somewhere sensible")
	segs := eng.Segments(long)
	if len(segs) < 2 {
		t.Fatalf("got %d segments, want several", len(segs))
	}
	total := 0
	for i, seg := range segs {
		if len(seg) == 0 || len(seg) > 20 {
			t.Errorf("segment %d has %d tokens", i, len(seg))
		}
		if seg[0] == 16 || seg[len(seg)-1] == 16 {
			t.Errorf("segment %d not trimmed: %v", i, seg)
		}
		total += len(seg)
	}
	if total > len(long) {
		t.Errorf("segments hold %d tokens, input had %d", total, len(long))
	}
}

func TestSegments_KeepsTerminatorRuns(t *testing.T) {
	t.Parallel()
	eng := inference.NewEngine(&fakeModel{})
	v := tokenize.DefaultVocab()
	q, _ := v.ID("?")
	ex, _ := v.ID("!")
	a, _ := v.ID("a")
	segs := eng.Segments([]int{a, q, ex, 16, a})
	want := [][]int{{a, q, ex}, {a}}
	if len(segs) != len(want) {
		t.Fatalf("segments = %v, want %v", segs, want)
	}
	for i := range want {
		if !slices.Equal(segs[i], want[i]) {
			t.Errorf("segment %d = %v, want %v", i, segs[i], want[i])
		}
	}
}

func TestEngine_FormantEndToEnd(t *testing.T) {
	t.Parallel()
	eng := inference.NewEngine(formant.New(), inference.WithPrefetch(1))
	if err := eng.Warmup(context.Background(), style); err != nil {
		t.Fatalf("Warmup: %v", err)
	}
	s, err := eng.Infer(context.Background(), ids(t, "Hello. How are you?"), style, inference.Options{Speed: 1})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	out, err := inference.Collect(context.Background(), s)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(out) < 2400 {
		t.Errorf("got %d samples, want at least 0.1 s of audio", len(out))
	}
}
