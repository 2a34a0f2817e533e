package pipeline_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/koko/internal/pipeline"
	"github.com/MrWong99/koko/internal/session"
	"github.com/MrWong99/koko/pkg/audio"
	"github.com/MrWong99/koko/pkg/inference"
	"github.com/MrWong99/koko/pkg/inference/formant"
	"github.com/MrWong99/koko/pkg/phonemize"
	"github.com/MrWong99/koko/pkg/tokenize"
	"github.com/MrWong99/koko/pkg/voice"
)

var styles = []voice.Style{
	{Name: "af_sky", Embedding: []float32{0.2, 0.4, 0.1, 0.3}},
	{Name: "af_nicole", Embedding: []float32{0.6, 0.1, 0.5, 0.2}},
	{Name: "bf_emma", Embedding: []float32{0.3, 0.3, 0.3, 0.3}},
	{Name: "ef_dora", Embedding: []float32{0.1, 0.7, 0.2, 0.4}},
}

// recordingModel wraps the formant model and remembers every call.
type recordingModel struct {
	inner inference.Model
	fail  error

	mu     sync.Mutex
	calls  int
	styles [][]float32
}

func (r *recordingModel) Forward(ctx context.Context, ids []int, style []float32, speed float32) ([]float32, error) {
	r.mu.Lock()
	r.calls++
	r.styles = append(r.styles, append([]float32(nil), style...))
	r.mu.Unlock()
	if r.fail != nil {
		return nil, r.fail
	}
	return r.inner.Forward(ctx, ids, style, speed)
}

func (r *recordingModel) SampleRate() int     { return r.inner.SampleRate() }
func (r *recordingModel) SupportsSpeed() bool { return r.inner.SupportsSpeed() }
func (r *recordingModel) Close() error        { return r.inner.Close() }

func (r *recordingModel) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func newPipeline(t *testing.T, opts ...pipeline.Option) (*pipeline.Pipeline, *recordingModel) {
	t.Helper()
	reg, err := voice.NewRegistry(styles)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	tok, err := tokenize.New(tokenize.DefaultVocab())
	if err != nil {
		t.Fatalf("tokenize.New: %v", err)
	}
	model := &recordingModel{inner: formant.New()}
	p, err := pipeline.New(pipeline.Config{
		Phonemizer: phonemize.New(),
		Tokenizer:  tok,
		Voices:     reg,
		Engine:     inference.NewEngine(model),
		Encoder:    audio.NewEncoder(),
	}, opts...)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	return p, model
}

func request(t *testing.T, p pipeline.Params) pipeline.Request {
	t.Helper()
	req, err := pipeline.NewRequest(p)
	if err != nil {
		t.Fatalf("NewRequest(%+v): %v", p, err)
	}
	return req
}

func TestNewRequest_Defaults(t *testing.T) {
	t.Parallel()
	req := request(t, pipeline.Params{Input: "hi"})
	if req.Voice() != "af_sky" {
		t.Errorf("voice = %q, want af_sky", req.Voice())
	}
	if req.Format() != audio.FormatMP3 {
		t.Errorf("format = %q, want mp3", req.Format())
	}
	if req.Speed() != 1 {
		t.Errorf("speed = %v, want 1", req.Speed())
	}
	if req.Language() != "" || req.Streaming() {
		t.Errorf("language %q streaming %v, want empty/false", req.Language(), req.Streaming())
	}
}

func TestNewRequest_Validation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		params  pipeline.Params
		field   string
		wantMix bool
	}{
		{"malformed mix", pipeline.Params{Voice: "af_sky..4"}, "voice", true},
		{"multi digit weight", pipeline.Params{Voice: "af_sky.45"}, "voice", true},
		{"speed too high", pipeline.Params{Speed: 10}, "speed", false},
		{"speed negative", pipeline.Params{Speed: -1}, "speed", false},
		{"speed NaN", pipeline.Params{Speed: math.NaN()}, "speed", false},
		{"unknown format", pipeline.Params{Format: "flac"}, "response_format", false},
		{"unknown language", pipeline.Params{Language: "klingon"}, "language", false},
		{"invalid utf8", pipeline.Params{Input: "\xff\xfe"}, "input", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := pipeline.NewRequest(tc.params)
			if !errors.Is(err, pipeline.ErrInvalidRequest) {
				t.Fatalf("error = %v, want ErrInvalidRequest", err)
			}
			var ve *pipeline.ValidationError
			if !errors.As(err, &ve) || ve.Field != tc.field {
				t.Errorf("error = %v, want field %q", err, tc.field)
			}
			if got := errors.Is(err, voice.ErrInvalidMix); got != tc.wantMix {
				t.Errorf("errors.Is(ErrInvalidMix) = %v, want %v", got, tc.wantMix)
			}
		})
	}
}

func TestNew_RequiresComponents(t *testing.T) {
	t.Parallel()
	if _, err := pipeline.New(pipeline.Config{}); err == nil {
		t.Fatal("New with empty config succeeded")
	}
}

// wavHeader holds the fields of a canonical 44-byte PCM WAV header.
type wavHeader struct {
	riff       string
	wave       string
	fmtID      string
	format     uint16
	channels   uint16
	sampleRate uint32
	byteRate   uint32
	blockAlign uint16
	bitDepth   uint16
	dataID     string
	dataSize   uint32
}

func parseWAV(t *testing.T, b []byte) wavHeader {
	t.Helper()
	if len(b) < 44 {
		t.Fatalf("WAV output is %d bytes, shorter than a header", len(b))
	}
	le := binary.LittleEndian
	return wavHeader{
		riff:       string(b[0:4]),
		wave:       string(b[8:12]),
		fmtID:      string(b[12:16]),
		format:     le.Uint16(b[20:]),
		channels:   le.Uint16(b[22:]),
		sampleRate: le.Uint32(b[24:]),
		byteRate:   le.Uint32(b[28:]),
		blockAlign: le.Uint16(b[32:]),
		bitDepth:   le.Uint16(b[34:]),
		dataID:     string(b[36:40]),
		dataSize:   le.Uint32(b[40:]),
	}
}

func TestSynthesize_HelloWAV(t *testing.T) {
	t.Parallel()
	p, model := newPipeline(t)
	req := request(t, pipeline.Params{Input: "Hello", Voice: "af_sky", Format: "wav"})

	res, err := p.Synthesize(context.Background(), req)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if res.MIME != "audio/wav" || res.Format != audio.FormatWAV {
		t.Errorf("MIME %q format %q", res.MIME, res.Format)
	}
	if res.Samples == 0 || res.Duration() <= 0 {
		t.Fatalf("no audio produced: %d samples", res.Samples)
	}
	h := parseWAV(t, res.Audio)
	want := wavHeader{
		riff: "RIFF", wave: "WAVE", fmtID: "fmt ",
		format: 1, channels: 1, sampleRate: 24000, byteRate: 48000,
		blockAlign: 2, bitDepth: 16, dataID: "data",
		dataSize: uint32(2 * res.Samples),
	}
	if h != want {
		t.Errorf("header = %+v, want %+v", h, want)
	}
	if len(res.Audio) != 44+2*res.Samples {
		t.Errorf("file is %d bytes, want %d", len(res.Audio), 44+2*res.Samples)
	}
	if model.callCount() != 1 {
		t.Errorf("model called %d times, want 1", model.callCount())
	}
	if res.SessionID == "" {
		t.Error("result has no session id")
	}
}

func TestSynthesize_VoiceMix(t *testing.T) {
	t.Parallel()
	p, model := newPipeline(t)
	req := request(t, pipeline.Params{Input: "Hello there", Voice: "af_sky.4+af_nicole.5", Format: "pcm"})
	res, err := p.Synthesize(context.Background(), req)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(res.Audio) != 2*res.Samples {
		t.Errorf("pcm output %d bytes for %d samples", len(res.Audio), res.Samples)
	}

	model.mu.Lock()
	got := model.styles[0]
	model.mu.Unlock()
	for i := range got {
		want := 0.4*styles[0].Embedding[i] + 0.5*styles[1].Embedding[i]
		if math.Abs(float64(got[i]-want)) > 1e-6 {
			t.Errorf("style[%d] = %v, want %v (weights are not renormalised)", i, got[i], want)
		}
	}
}

func TestSynthesize_UnknownVoiceRejectedBeforeInference(t *testing.T) {
	t.Parallel()
	p, model := newPipeline(t)
	for _, expr := range []string{"af_unknown", "af_sky.5+af_unknown.5"} {
		req := request(t, pipeline.Params{Input: "Hello", Voice: expr, Format: "wav"})
		_, err := p.Synthesize(context.Background(), req)
		if !errors.Is(err, voice.ErrUnknownVoice) {
			t.Errorf("%s: error = %v, want ErrUnknownVoice", expr, err)
		}
		var buf bytes.Buffer
		if _, err := p.Stream(context.Background(), req, &buf); !errors.Is(err, voice.ErrUnknownVoice) {
			t.Errorf("%s: stream error = %v, want ErrUnknownVoice", expr, err)
		}
		if buf.Len() != 0 {
			t.Errorf("%s: stream wrote %d bytes", expr, buf.Len())
		}
	}
	if n := model.callCount(); n != 0 {
		t.Errorf("model called %d times for unknown voices", n)
	}
	if n := len(p.Sessions().Active()); n != 0 {
		t.Errorf("%d sessions left active", n)
	}
}

func TestSynthesize_EmptyInput(t *testing.T) {
	t.Parallel()
	p, model := newPipeline(t)
	req := request(t, pipeline.Params{Input: "", Format: "wav"})

	res, err := p.Synthesize(context.Background(), req)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if res.Samples != 0 || len(res.Audio) != 44 {
		t.Errorf("empty input: %d samples, %d bytes; want 0 and a bare header", res.Samples, len(res.Audio))
	}

	w := &writeRecorder{}
	sess, err := p.Stream(context.Background(), req, w)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if sess.Delivered() != 1 || sess.Phase() != session.PhaseCompleted {
		t.Errorf("session delivered %d in phase %v, want one terminal chunk", sess.Delivered(), sess.Phase())
	}
	if len(w.writes) != 1 || len(w.writes[0]) != 44 {
		t.Errorf("writes = %d (first %d bytes), want a single 44-byte header", len(w.writes), firstLen(w.writes))
	}
	if model.callCount() != 0 {
		t.Errorf("model called %d times for empty input", model.callCount())
	}
}

// writeRecorder keeps each Write separately.
type writeRecorder struct{ writes [][]byte }

func (w *writeRecorder) Write(p []byte) (int, error) {
	w.writes = append(w.writes, append([]byte(nil), p...))
	return len(p), nil
}

func firstLen(writes [][]byte) int {
	if len(writes) == 0 {
		return 0
	}
	return len(writes[0])
}

func TestStream_OneWritePerChunk(t *testing.T) {
	t.Parallel()
	p, _ := newPipeline(t)
	req := request(t, pipeline.Params{
		Input:  "Hello world. How are you today? I am fine.",
		Format: "wav",
		Stream: true,
	})
	w := &writeRecorder{}
	sess, err := p.Stream(context.Background(), req, w)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if sess.Delivered() < 2 {
		t.Fatalf("delivered %d chunks, want several sentences", sess.Delivered())
	}
	if len(w.writes) != sess.Delivered() {
		t.Errorf("%d writes for %d chunks", len(w.writes), sess.Delivered())
	}
	body := bytes.Join(w.writes, nil)
	h := parseWAV(t, body)
	if h.riff != "RIFF" || h.sampleRate != 24000 || h.dataSize != 0xFFFFFFFF {
		t.Errorf("streaming header = %+v", h)
	}
	if (len(body)-44)%2 != 0 {
		t.Errorf("body has a partial sample: %d bytes", len(body))
	}
}

func TestStream_MP3(t *testing.T) {
	t.Parallel()
	p, _ := newPipeline(t)
	req := request(t, pipeline.Params{Input: "One. Two. Three.", Format: "mp3"})
	var buf bytes.Buffer
	sess, err := p.Stream(context.Background(), req, &buf)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if sess.Phase() != session.PhaseCompleted || buf.Len() == 0 {
		t.Errorf("phase %v with %d bytes", sess.Phase(), buf.Len())
	}
}

func TestSynthesize_ModelFailure(t *testing.T) {
	t.Parallel()
	p, model := newPipeline(t)
	model.fail = errors.New("onnx: bad graph")
	req := request(t, pipeline.Params{Input: "Hello", Format: "wav"})
	_, err := p.Synthesize(context.Background(), req)
	if !errors.Is(err, inference.ErrModelFailure) {
		t.Fatalf("error = %v, want ErrModelFailure", err)
	}
	if model.callCount() != 1 {
		t.Errorf("model called %d times, want exactly 1 (no retry)", model.callCount())
	}
}

func TestStream_Cancelled(t *testing.T) {
	t.Parallel()
	p, _ := newPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := request(t, pipeline.Params{Input: "Hello world.", Format: "wav"})
	w := &writeRecorder{}
	sess, err := p.Stream(ctx, req, w)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if sess.Phase() != session.PhaseCancelled || len(w.writes) != 0 {
		t.Errorf("phase %v with %d writes, want cancelled with none", sess.Phase(), len(w.writes))
	}
}

func TestStream_WriterFailure(t *testing.T) {
	t.Parallel()
	p, _ := newPipeline(t)
	req := request(t, pipeline.Params{Input: "Hello world.", Format: "wav"})
	sess, err := p.Stream(context.Background(), req, failingWriter{})
	if err == nil || sess.Phase() != session.PhaseFailed {
		t.Fatalf("err %v phase %v, want a failed session", err, sess.Phase())
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestSynthesize_MaxInput(t *testing.T) {
	t.Parallel()
	p, model := newPipeline(t, pipeline.WithMaxInput(5))
	req := request(t, pipeline.Params{Input: "far too long", Format: "wav"})
	if _, err := p.Synthesize(context.Background(), req); !errors.Is(err, pipeline.ErrInvalidRequest) {
		t.Errorf("error = %v, want ErrInvalidRequest", err)
	}
	if model.callCount() != 0 {
		t.Error("model called for rejected input")
	}
}

func TestSynthesize_ZeroRequest(t *testing.T) {
	t.Parallel()
	p, _ := newPipeline(t)
	if _, err := p.Synthesize(context.Background(), pipeline.Request{}); !errors.Is(err, pipeline.ErrInvalidRequest) {
		t.Errorf("error = %v, want ErrInvalidRequest", err)
	}
}

func TestPhonemes(t *testing.T) {
	t.Parallel()
	p, _ := newPipeline(t)
	seq, ids := p.Phonemes("Hello world.", phonemize.LangEnUS)
	if seq.String() != "həlˈO wˈɜɹld." {
		t.Errorf("phonemes = %q", seq.String())
	}
	if len(ids) != len(seq) {
		t.Errorf("%d tokens for %d phonemes", len(ids), len(seq))
	}
}

func TestWarmup(t *testing.T) {
	t.Parallel()
	p, model := newPipeline(t)
	if err := p.Warmup(context.Background()); err != nil {
		t.Fatalf("Warmup: %v", err)
	}
	if model.callCount() != 1 {
		t.Errorf("warmup made %d model calls, want 1", model.callCount())
	}
}

func TestResult_Save(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "out")
	res := &pipeline.Result{Audio: []byte("RIFFdata"), Format: audio.FormatOpus, SessionID: "sess-1"}

	first, err := res.Save(dir)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(first), "output_") || filepath.Ext(first) != ".ogg" {
		t.Errorf("path = %s, want output_<unix>.ogg", first)
	}
	got, err := os.ReadFile(first)
	if err != nil || string(got) != "RIFFdata" {
		t.Fatalf("ReadFile = %q, %v", got, err)
	}

	// A second save never overwrites the first file.
	second, err := res.Save(dir)
	if err != nil {
		t.Fatalf("second Save: %v", err)
	}
	if second == first {
		t.Errorf("second save reused %s", first)
	}
	if _, err := os.Stat(first); err != nil {
		t.Errorf("first file gone: %v", err)
	}
}
