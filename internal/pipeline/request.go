package pipeline

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/koko/pkg/audio"
	"github.com/MrWong99/koko/pkg/phonemize"
	"github.com/MrWong99/koko/pkg/voice"
)

// ErrInvalidRequest is matched by every request validation failure.
var ErrInvalidRequest = errors.New("pipeline: invalid request")

// ValidationError describes one rejected request field.
type ValidationError struct {
	Field  string
	Reason string
	// Err is the underlying parse error, if any.
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("pipeline: invalid %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match both [ErrInvalidRequest] and the cause.
func (e *ValidationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInvalidRequest}
	}
	return []error{ErrInvalidRequest, e.Err}
}

const (
	// DefaultVoice is used when a request names no voice.
	DefaultVoice = "af_sky"
	// DefaultFormat is used when a request names no format.
	DefaultFormat = audio.FormatMP3

	MinSpeed = 0.25
	MaxSpeed = 4.0
)

// Params are the raw, unvalidated request fields as they arrive from a
// client.
type Params struct {
	Input    string
	Voice    string
	Speed    float64
	Format   string
	Stream   bool
	Language string
}

// Request is a validated synthesis request. It is immutable; build it with
// [NewRequest].
type Request struct {
	input    string
	mix      voice.Mix
	speed    float64
	format   audio.Format
	stream   bool
	language phonemize.Lang
}

// NewRequest validates p and applies defaults. Errors match
// [ErrInvalidRequest]; a malformed voice expression additionally matches
// [voice.ErrInvalidMix]. Voice names are not checked against a registry
// here.
func NewRequest(p Params) (Request, error) {
	if !utf8.ValidString(p.Input) {
		return Request{}, &ValidationError{Field: "input", Reason: "not valid UTF-8"}
	}

	expr := strings.TrimSpace(p.Voice)
	if expr == "" {
		expr = DefaultVoice
	}
	mix, err := voice.ParseMix(expr)
	if err != nil {
		return Request{}, &ValidationError{Field: "voice", Reason: err.Error(), Err: err}
	}

	speed := p.Speed
	if speed == 0 {
		speed = 1
	}
	if math.IsNaN(speed) || speed < MinSpeed || speed > MaxSpeed {
		return Request{}, &ValidationError{
			Field:  "speed",
			Reason: fmt.Sprintf("%v outside [%v, %v]", p.Speed, MinSpeed, MaxSpeed),
		}
	}

	format, err := audio.ParseFormat(p.Format, DefaultFormat)
	if err != nil {
		return Request{}, &ValidationError{Field: "response_format", Reason: fmt.Sprintf("unsupported format %q", p.Format), Err: err}
	}

	var lang phonemize.Lang
	if s := strings.TrimSpace(p.Language); s != "" {
		l, ok := phonemize.ParseLang(s)
		if !ok {
			return Request{}, &ValidationError{Field: "language", Reason: fmt.Sprintf("unsupported language %q", s)}
		}
		lang = l
	}

	return Request{
		input:    p.Input,
		mix:      mix,
		speed:    speed,
		format:   format,
		stream:   p.Stream,
		language: lang,
	}, nil
}

// Input returns the text to synthesize.
func (r Request) Input() string { return r.input }

// Mix returns the parsed voice expression.
func (r Request) Mix() voice.Mix { return r.mix }

// Voice returns the canonical voice expression.
func (r Request) Voice() string { return r.mix.String() }

// Speed returns the speaking rate multiplier.
func (r Request) Speed() float64 { return r.speed }

// Format returns the output format.
func (r Request) Format() audio.Format { return r.format }

// Streaming reports whether the client asked for incremental delivery.
func (r Request) Streaming() bool { return r.stream }

// Language returns the explicit language hint, or "" when the voice decides.
func (r Request) Language() phonemize.Lang { return r.language }

// valid reports whether r came from [NewRequest].
func (r Request) valid() bool { return len(r.mix) > 0 && r.format != "" }
