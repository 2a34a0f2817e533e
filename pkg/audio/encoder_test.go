package audio_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"testing"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/koko/pkg/audio"
)

func TestEncode_WAVHeader(t *testing.T) {
	t.Parallel()
	enc := audio.NewEncoder()
	samples := sine(440, 24000, 2400, 0.5)

	out, err := enc.Encode(samples, audio.FormatWAV)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	dec := wav.NewDecoder(bytes.NewReader(out))
	if !dec.IsValidFile() {
		t.Fatal("decoder rejected the WAV output")
	}
	if dec.SampleRate != 24000 || dec.NumChans != 1 || dec.BitDepth != 16 || dec.WavAudioFormat != 1 {
		t.Errorf("header: rate=%d chans=%d depth=%d format=%d, want 24000/1/16/1",
			dec.SampleRate, dec.NumChans, dec.BitDepth, dec.WavAudioFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("FullPCMBuffer: %v", err)
	}
	if len(buf.Data) != len(samples) {
		t.Errorf("decoded %d samples, want %d", len(buf.Data), len(samples))
	}
	if got, want := buf.Data[100], int(audio.FloatToInt16(samples[100:101])[0]); got != want {
		t.Errorf("sample 100 = %d, want %d", got, want)
	}
}

func TestEncode_WAVEmpty(t *testing.T) {
	t.Parallel()
	out, err := audio.NewEncoder().Encode(nil, audio.FormatWAV)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(out) != 44 {
		t.Errorf("empty WAV is %d bytes, want 44", len(out))
	}
	if dataSize := binary.LittleEndian.Uint32(out[40:]); dataSize != 0 {
		t.Errorf("data chunk size = %d, want 0", dataSize)
	}
}

func TestEncode_OutputRate(t *testing.T) {
	t.Parallel()
	enc := audio.NewEncoder(audio.WithOutputRate(48000))
	out, err := enc.Encode(make([]float32, 240), audio.FormatPCM)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(out) != 480*2 {
		t.Errorf("PCM output = %d bytes, want %d", len(out), 480*2)
	}
	if enc.SampleRate() != 48000 {
		t.Errorf("SampleRate = %d, want 48000", enc.SampleRate())
	}
}

func TestEncode_UnsupportedFormat(t *testing.T) {
	t.Parallel()
	_, err := audio.NewEncoder().Encode(nil, audio.Format("flac"))
	if !errors.Is(err, audio.ErrEncodeFailure) {
		t.Fatalf("err = %v, want ErrEncodeFailure", err)
	}
	var ee *audio.EncodeError
	if !errors.As(err, &ee) || ee.Format != "flac" {
		t.Errorf("err = %v, want *EncodeError for flac", err)
	}
}

func TestStream_WAV(t *testing.T) {
	t.Parallel()
	s, err := audio.NewEncoder().NewStream(audio.FormatWAV)
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	first, err := s.EncodeChunk(make([]float32, 10))
	if err != nil {
		t.Fatalf("EncodeChunk: %v", err)
	}
	if len(first) != 44+20 || string(first[:4]) != "RIFF" {
		t.Fatalf("first chunk = %d bytes, want header plus 20 PCM bytes", len(first))
	}
	second, err := s.EncodeChunk(make([]float32, 5))
	if err != nil {
		t.Fatalf("EncodeChunk: %v", err)
	}
	if len(second) != 10 {
		t.Errorf("second chunk = %d bytes, want 10", len(second))
	}
	if tail, err := s.Finish(); err != nil || len(tail) != 0 {
		t.Errorf("Finish = (%d bytes, %v), want empty", len(tail), err)
	}
	if _, err := s.EncodeChunk(nil); !errors.Is(err, audio.ErrEncodeFailure) {
		t.Errorf("EncodeChunk after Finish err = %v, want ErrEncodeFailure", err)
	}
}

// TestEncode_MP3Concurrent encodes a distinct tone per goroutine and checks
// that every MP3 decodes back to its own tone.
func TestEncode_MP3Concurrent(t *testing.T) {
	t.Parallel()
	const (
		rate     = 48000
		sessions = 8
	)
	enc := audio.NewEncoder(audio.WithSampleRate(rate))

	var g errgroup.Group
	for i := range sessions {
		freq := 200 + 100*float64(i)
		g.Go(func() error {
			in := sine(freq, rate, rate, 0.5)
			var out []byte
			if i%2 == 0 {
				b, err := enc.Encode(in, audio.FormatMP3)
				if err != nil {
					return err
				}
				out = b
			} else {
				s, err := enc.NewStream(audio.FormatMP3)
				if err != nil {
					return err
				}
				for off := 0; off < len(in); off += 4800 {
					b, err := s.EncodeChunk(in[off:min(off+4800, len(in))])
					if err != nil {
						return err
					}
					out = append(out, b...)
				}
				tail, err := s.Finish()
				if err != nil {
					return err
				}
				out = append(out, tail...)
			}
			return checkMP3Tone(out, rate, len(in), freq)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

// TestStream_MP3ChunksNotHeldBack streams short chunks and checks that each
// chunk's frames come back from its own EncodeChunk call rather than
// surfacing a chunk later.
func TestStream_MP3ChunksNotHeldBack(t *testing.T) {
	t.Parallel()
	const (
		rate  = audio.DefaultSampleRate
		chunk = rate / 10
	)
	enc := audio.NewEncoder()
	in := sine(300, rate, 2*rate, 0.5)

	s, err := enc.NewStream(audio.FormatMP3)
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	var out []byte
	for i, off := 0, 0; off < len(in); i, off = i+1, off+chunk {
		b, err := s.EncodeChunk(in[off:min(off+chunk, len(in))])
		if err != nil {
			t.Fatalf("EncodeChunk %d: %v", i, err)
		}
		// LAME's own look-ahead may keep the first chunk back, nothing more.
		if i >= 2 && len(b) == 0 {
			t.Fatalf("chunk %d produced no bytes; frames are being held back", i)
		}
		out = append(out, b...)
	}
	tail, err := s.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if len(tail) >= 2048 {
		t.Errorf("Finish returned %d bytes, want only LAME's final frames", len(tail))
	}
	if err := checkMP3Tone(append(out, tail...), rate, len(in), 300); err != nil {
		t.Error(err)
	}
}

func checkMP3Tone(data []byte, rate, n int, freq float64) error {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%.0f Hz: decode: %w", freq, err)
	}
	if dec.SampleRate() != rate {
		return fmt.Errorf("%.0f Hz: decoded rate %d, want %d", freq, dec.SampleRate(), rate)
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return fmt.Errorf("%.0f Hz: read: %w", freq, err)
	}
	// go-mp3 always yields interleaved stereo int16.
	left := make([]float32, len(raw)/4)
	for i := range left {
		left[i] = float32(int16(binary.LittleEndian.Uint16(raw[i*4:]))) / 32767
	}
	if len(left) < n*9/10 {
		return fmt.Errorf("%.0f Hz: decoded %d samples, want at least %d", freq, len(left), n*9/10)
	}
	got := dominantFreq(left, rate, rate/10)
	if math.Abs(got-freq) > freq*0.05 {
		return fmt.Errorf("decoded tone %.1f Hz, want %.0f Hz", got, freq)
	}
	return nil
}
