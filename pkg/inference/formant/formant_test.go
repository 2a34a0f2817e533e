package formant_test

import (
	"context"
	"slices"
	"testing"

	"github.com/MrWong99/koko/pkg/inference/formant"
	"github.com/MrWong99/koko/pkg/phonemize"
	"github.com/MrWong99/koko/pkg/tokenize"
)

func tokens(t *testing.T, text string) []int {
	t.Helper()
	tok, err := tokenize.New(tokenize.DefaultVocab())
	if err != nil {
		t.Fatal(err)
	}
	return tokenize.Pad(tok.Tokenize(phonemize.New().Phonemize(text, phonemize.LangEnUS)))
}

func TestForward_Deterministic(t *testing.T) {
	t.Parallel()
	m := formant.New()
	ids := tokens(t, "Hello world, this is a test.")
	style := []float32{0.1, -0.2, 0.3, 0.05}

	a, err := m.Forward(context.Background(), ids, style, 1)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	b, err := m.Forward(context.Background(), ids, style, 1)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if len(a) == 0 || !slices.Equal(a, b) {
		t.Errorf("output not deterministic or empty (len %d)", len(a))
	}
	for i, v := range a {
		if v > 0.5001 || v < -0.5001 {
			t.Fatalf("sample %d = %v exceeds peak", i, v)
		}
	}
}

func TestForward_SpeedScalesDuration(t *testing.T) {
	t.Parallel()
	m := formant.New()
	ids := tokens(t, "The quick brown fox.")
	style := []float32{0.2, 0.2}

	normal, err := m.Forward(context.Background(), ids, style, 1)
	if err != nil {
		t.Fatal(err)
	}
	fast, err := m.Forward(context.Background(), ids, style, 2)
	if err != nil {
		t.Fatal(err)
	}
	ratio := float64(len(fast)) / float64(len(normal))
	if ratio < 0.45 || ratio > 0.55 {
		t.Errorf("speed 2 length ratio = %.2f, want about 0.5", ratio)
	}
	if _, err := m.Forward(context.Background(), ids, style, 0); err == nil {
		t.Error("expected error for zero speed")
	}
}

func TestForward_StyleChangesVoice(t *testing.T) {
	t.Parallel()
	m := formant.New()
	ids := tokens(t, "hello")
	a, _ := m.Forward(context.Background(), ids, []float32{0.5, 0.5}, 1)
	b, _ := m.Forward(context.Background(), ids, []float32{-0.5, -0.5}, 1)
	if slices.Equal(a, b) {
		t.Error("different styles produced identical audio")
	}
}

func TestForward_Cancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := formant.New().Forward(ctx, []int{0, 50, 0}, []float32{1}, 1); err == nil {
		t.Error("expected context error")
	}
}

func TestOptions(t *testing.T) {
	t.Parallel()
	m := formant.New(formant.WithSampleRate(16000), formant.WithoutSpeed())
	if m.SampleRate() != 16000 || m.SupportsSpeed() {
		t.Errorf("SampleRate=%d SupportsSpeed=%v", m.SampleRate(), m.SupportsSpeed())
	}
}
