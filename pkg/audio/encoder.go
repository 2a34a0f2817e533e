// Package audio turns synthesized float samples into playable containers.
//
// Uncompressed formats (WAV, raw PCM) are produced by pure Go code and may
// be encoded concurrently without limit. Compressed formats (MP3 via LAME,
// Ogg Opus via libopus) call into native codecs that are not reentrant:
// every call into them, from every [Encoder] and [Stream] in the process,
// is serialised through one package-level mutex. The mutex is held for a
// single encode call only, so concurrent streaming sessions interleave at
// chunk granularity.
package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrEncodeFailure is the sentinel wrapped by every [*EncodeError].
var ErrEncodeFailure = errors.New("audio: encode failure")

// EncodeError reports a codec failure for one format.
type EncodeError struct {
	Format Format
	Err    error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("audio: encode %s: %v", e.Format, e.Err)
}

// Unwrap returns both [ErrEncodeFailure] and the underlying cause.
func (e *EncodeError) Unwrap() []error { return []error{ErrEncodeFailure, e.Err} }

var errStreamClosed = errors.New("stream already finished")

// nativeMu serialises every call into a native codec.
var nativeMu sync.Mutex

// DefaultSampleRate is the rate of the speech model's output.
const DefaultSampleRate = 24000

// LockObserver receives how long a caller waited for the native codec lock
// and how long it then held it.
type LockObserver func(wait, hold time.Duration)

// codec is one native or pure-Go encoder instance for a single output
// stream. Methods are called in order header, encode*, flush, close.
type codec interface {
	header() []byte
	encode(pcm []int16) ([]byte, error)
	flush() ([]byte, error)
	close()
}

// Option is a functional option for [NewEncoder].
type Option func(*Encoder)

// WithSampleRate sets the rate of the samples handed to the encoder.
// Default: [DefaultSampleRate].
func WithSampleRate(rate int) Option {
	return func(e *Encoder) {
		if rate > 0 {
			e.inRate = rate
		}
	}
}

// WithOutputRate resamples before encoding. Zero keeps the input rate.
func WithOutputRate(rate int) Option {
	return func(e *Encoder) {
		if rate > 0 {
			e.outRate = rate
		}
	}
}

// WithMP3Quality sets the LAME algorithm quality, 0 (best) to 9 (fastest).
// Default: 3.
func WithMP3Quality(q int) Option {
	return func(e *Encoder) {
		if q >= 0 && q <= 9 {
			e.mp3Quality = q
		}
	}
}

// WithOpusBitrate sets the Opus target bitrate in bits per second. Zero
// leaves the libopus default.
func WithOpusBitrate(bps int) Option {
	return func(e *Encoder) {
		e.opusBitrate = bps
	}
}

// WithLockObserver registers a callback for native lock contention.
func WithLockObserver(fn LockObserver) Option {
	return func(e *Encoder) {
		e.observeLock = fn
	}
}

// Encoder encodes sample buffers into containers. It holds only
// configuration and is safe for concurrent use.
type Encoder struct {
	inRate      int
	outRate     int
	mp3Quality  int
	opusBitrate int
	observeLock LockObserver

	newCodec func(Format) (codec, error)
}

// NewEncoder returns an Encoder for mono input at the configured rate.
func NewEncoder(opts ...Option) *Encoder {
	e := &Encoder{
		inRate:     DefaultSampleRate,
		mp3Quality: 3,
	}
	for _, o := range opts {
		o(e)
	}
	if e.outRate == 0 {
		e.outRate = e.inRate
	}
	e.newCodec = e.defaultCodec
	return e
}

// SampleRate returns the rate of the encoded output.
func (e *Encoder) SampleRate() int { return e.outRate }

func (e *Encoder) defaultCodec(f Format) (codec, error) {
	switch f {
	case FormatWAV:
		return &plainCodec{wavHeader: wavStreamHeader(e.outRate)}, nil
	case FormatPCM:
		return &plainCodec{}, nil
	case FormatMP3:
		c, err := newMP3Codec(e.outRate, e.mp3Quality)
		if err != nil {
			return nil, err
		}
		return c, nil
	case FormatOpus:
		c, err := newOpusCodec(e.outRate, e.opusBitrate)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("unsupported format %q", f)
}

func (e *Encoder) resample(samples []float32) []float32 {
	return Resample(samples, e.inRate, e.outRate)
}

// guard runs fn under the native codec lock when f is compressed. The lock
// is released on every return path, including panics inside fn.
func (e *Encoder) guard(f Format, fn func() error) error {
	if !f.Compressed() {
		return fn()
	}
	start := time.Now()
	nativeMu.Lock()
	acquired := time.Now()
	defer func() {
		nativeMu.Unlock()
		if e.observeLock != nil {
			e.observeLock(acquired.Sub(start), time.Since(acquired))
		}
	}()
	return fn()
}

// Encode converts samples into a complete file in format f. For compressed
// formats the whole call, codec setup through flush, is one critical
// section.
func (e *Encoder) Encode(samples []float32, f Format) ([]byte, error) {
	if !f.IsValid() {
		return nil, &EncodeError{Format: f, Err: fmt.Errorf("unsupported format %q", f)}
	}
	samples = e.resample(samples)
	switch f {
	case FormatWAV:
		out, err := encodeWAV(samples, e.outRate)
		if err != nil {
			return nil, &EncodeError{Format: f, Err: err}
		}
		return out, nil
	case FormatPCM:
		return FloatToPCM16(samples), nil
	}

	pcm := FloatToInt16(samples)
	var out []byte
	err := e.guard(f, func() error {
		c, err := e.newCodec(f)
		if err != nil {
			return err
		}
		defer c.close()
		out = append(out, c.header()...)
		body, err := c.encode(pcm)
		if err != nil {
			return err
		}
		out = append(out, body...)
		tail, err := c.flush()
		if err != nil {
			return err
		}
		out = append(out, tail...)
		return nil
	})
	if err != nil {
		return nil, &EncodeError{Format: f, Err: err}
	}
	return out, nil
}

// NewStream starts an incremental encoding in format f. The returned
// Stream is owned by one goroutine.
func (e *Encoder) NewStream(f Format) (*Stream, error) {
	if !f.IsValid() {
		return nil, &EncodeError{Format: f, Err: fmt.Errorf("unsupported format %q", f)}
	}
	return &Stream{enc: e, format: f}, nil
}

// Stream encodes consecutive chunks of one output. Concatenating every
// slice returned by EncodeChunk followed by Finish yields a valid file (for
// WAV, one with unknown-length sizes in the header).
type Stream struct {
	enc    *Encoder
	format Format
	codec  codec
	done   bool
}

// Format returns the stream's output format.
func (s *Stream) Format() Format { return s.format }

// EncodeChunk encodes the next chunk. The first call also returns the
// container header. On error the stream is closed.
func (s *Stream) EncodeChunk(samples []float32) ([]byte, error) {
	if s.done {
		return nil, &EncodeError{Format: s.format, Err: errStreamClosed}
	}
	pcm := FloatToInt16(s.enc.resample(samples))
	var out []byte
	err := s.enc.guard(s.format, func() error {
		if err := s.open(&out); err != nil {
			return err
		}
		body, err := s.codec.encode(pcm)
		if err != nil {
			return err
		}
		out = append(out, body...)
		return nil
	})
	if err != nil {
		s.Close()
		return nil, &EncodeError{Format: s.format, Err: err}
	}
	return out, nil
}

// Finish flushes buffered codec state and returns the trailing bytes. A
// stream that never saw a chunk still yields a valid empty container.
func (s *Stream) Finish() ([]byte, error) {
	if s.done {
		return nil, &EncodeError{Format: s.format, Err: errStreamClosed}
	}
	var out []byte
	err := s.enc.guard(s.format, func() error {
		if err := s.open(&out); err != nil {
			return err
		}
		tail, err := s.codec.flush()
		s.codec.close()
		s.codec = nil
		if err != nil {
			return err
		}
		out = append(out, tail...)
		return nil
	})
	s.done = true
	if err != nil {
		return nil, &EncodeError{Format: s.format, Err: err}
	}
	return out, nil
}

// Close releases codec resources without flushing. It is safe to call
// more than once and after Finish.
func (s *Stream) Close() {
	s.done = true
	if s.codec == nil {
		return
	}
	c := s.codec
	s.codec = nil
	_ = s.enc.guard(s.format, func() error {
		c.close()
		return nil
	})
}

// open creates the codec on first use and appends its header to out. It
// runs inside guard.
func (s *Stream) open(out *[]byte) error {
	if s.codec != nil {
		return nil
	}
	c, err := s.enc.newCodec(s.format)
	if err != nil {
		return err
	}
	s.codec = c
	*out = append(*out, c.header()...)
	return nil
}

// plainCodec emits little-endian PCM, optionally behind a WAV header.
type plainCodec struct {
	wavHeader []byte
}

func (c *plainCodec) header() []byte { return c.wavHeader }

func (c *plainCodec) encode(pcm []int16) ([]byte, error) {
	out := make([]byte, len(pcm)*2)
	for i, v := range pcm {
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out, nil
}

func (c *plainCodec) flush() ([]byte, error) { return nil, nil }
func (c *plainCodec) close()                 {}
