// Package formant is a small deterministic formant synthesizer that
// satisfies [inference.Model] without any native runtime.
//
// It renders each token as a fixed-length phone: vowels as a sum of three
// formant partials modulated at a fundamental derived from the style
// vector, fricatives as seeded noise, stops as short bursts, and
// punctuation as silence. The output is intelligible only in the loosest
// sense. It exists so the service runs end-to-end (tests, CI, dry runs)
// where the neural model is unavailable.
package formant

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/MrWong99/koko/pkg/inference"
	"github.com/MrWong99/koko/pkg/phonemize"
	"github.com/MrWong99/koko/pkg/tokenize"
)

var _ inference.Model = (*Model)(nil)

// Phone lengths at speed 1, in milliseconds.
const (
	vowelMs     = 90
	stressedMs  = 130
	consonantMs = 60
	gapMs       = 40
	clauseMs    = 120
	sentenceMs  = 220
	peak        = 0.5
)

type class uint8

const (
	classSilent class = iota
	classVowel
	classFricative
	classStop
	classSonorant
	classGap
	classClause
	classSentence
	classStress
	classLong
)

var (
	fricatives = "f s ʃ θ h x ʧ"
	stops      = "p t k b d ɡ ʔ ʤ"
	sonorants  = "m n ŋ l ɹ r ɾ w j v z ʒ ð β ɣ ʝ ɲ ʎ"
)

// formants holds F1-F3 in Hz for the vowel symbols. Diphthong letters use
// their onset vowel.
var formants = map[string][3]float64{
	"i": {270, 2290, 3010}, "ɪ": {390, 1990, 2550}, "ɛ": {530, 1840, 2480},
	"æ": {660, 1720, 2410}, "ɑ": {730, 1090, 2440}, "ɔ": {570, 840, 2410},
	"ʊ": {440, 1020, 2240}, "u": {300, 870, 2240}, "ʌ": {640, 1190, 2390},
	"ə": {500, 1500, 2500}, "ɜ": {490, 1350, 1690}, "a": {750, 1300, 2500},
	"e": {400, 2000, 2600}, "o": {450, 800, 2500}, "ɒ": {700, 900, 2500},
	"A": {400, 2000, 2600}, "I": {750, 1300, 2500}, "O": {450, 800, 2500},
	"W": {750, 1300, 2500}, "Y": {570, 840, 2410}, "Q": {500, 1500, 2500},
}

var neutral = [3]float64{500, 1500, 2500}

// Option is a functional option for [New].
type Option func(*Model)

// WithSampleRate sets the output rate. Default: 24000.
func WithSampleRate(rate int) Option {
	return func(m *Model) {
		if rate > 0 {
			m.rate = rate
		}
	}
}

// WithVocab sets the vocabulary used to interpret token ids. Default:
// [tokenize.DefaultVocab].
func WithVocab(v *tokenize.Vocab) Option {
	return func(m *Model) {
		if v != nil {
			m.vocab = v
		}
	}
}

// WithoutSpeed makes the model report no native speed control, so the
// engine time-stretches its output instead.
func WithoutSpeed() Option {
	return func(m *Model) {
		m.nativeSpeed = false
	}
}

// Model is the formant synthesizer. It is stateless after construction and
// safe for concurrent use.
type Model struct {
	vocab       *tokenize.Vocab
	rate        int
	nativeSpeed bool
	classes     map[int]class
}

// New returns a formant model.
func New(opts ...Option) *Model {
	m := &Model{
		vocab:       tokenize.DefaultVocab(),
		rate:        24000,
		nativeSpeed: true,
	}
	for _, o := range opts {
		o(m)
	}
	m.classes = make(map[int]class)
	for id := range m.vocab.Size() {
		sym, ok := m.vocab.Symbol(id)
		if !ok {
			continue
		}
		m.classes[id] = classify(sym)
	}
	return m
}

func classify(sym string) class {
	switch {
	case sym == phonemize.SymbolSpace:
		return classGap
	case sym == phonemize.SymbolPrimary || sym == phonemize.SymbolSecondary:
		return classStress
	case sym == phonemize.SymbolLong:
		return classLong
	case strings.Contains(".!?…", sym):
		return classSentence
	case strings.Contains(",;:—", sym):
		return classClause
	case phonemize.IsVowel(sym):
		return classVowel
	case strings.Contains(fricatives, sym):
		return classFricative
	case strings.Contains(stops, sym):
		return classStop
	case strings.Contains(sonorants, sym):
		return classSonorant
	}
	return classSilent
}

// SampleRate implements [inference.Model].
func (m *Model) SampleRate() int { return m.rate }

// SupportsSpeed implements [inference.Model].
func (m *Model) SupportsSpeed() bool { return m.nativeSpeed }

// Close implements [inference.Model].
func (m *Model) Close() error { return nil }

// Forward implements [inference.Model].
func (m *Model) Forward(ctx context.Context, ids []int, style []float32, speed float32) ([]float32, error) {
	if speed <= 0 {
		return nil, fmt.Errorf("formant: invalid speed %v", speed)
	}
	if len(style) == 0 {
		return nil, fmt.Errorf("formant: empty style vector")
	}
	f0, tilt := voiceParams(style)
	r := renderer{rate: m.rate, speed: float64(speed), f0: f0, tilt: tilt}

	stressed := false
	for i, id := range ids {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		sym, _ := m.vocab.Symbol(id)
		switch m.classes[id] {
		case classStress:
			stressed = true
		case classLong:
			r.extend()
		case classVowel:
			f, ok := formants[sym]
			if !ok {
				f = neutral
			}
			ms, pitch := vowelMs, 1.0
			if stressed {
				ms, pitch = stressedMs, 1.15
			}
			r.vowel(f, ms, pitch)
			stressed = false
		case classFricative:
			r.noise(consonantMs, uint32(id)*2654435761+1, 0.35)
		case classStop:
			r.silence(consonantMs / 2)
			r.noise(consonantMs/2, uint32(id)*2246822519+1, 0.6)
		case classSonorant:
			r.vowel([3]float64{300, 1200, 2400}, consonantMs, 1)
		case classGap:
			r.silence(gapMs)
		case classClause:
			r.silence(clauseMs)
		case classSentence:
			r.silence(sentenceMs)
		}
	}
	return r.normalised(), nil
}

// voiceParams maps a style vector onto a fundamental frequency and a
// spectral tilt. Different voices get different, stable values.
func voiceParams(style []float32) (f0, tilt float64) {
	var sum, sq float64
	for _, v := range style {
		sum += float64(v)
		sq += float64(v) * float64(v)
	}
	n := float64(len(style))
	mean := sum / n
	rms := math.Sqrt(sq / n)
	return 150 + 60*math.Tanh(4*mean), 0.4 + 0.4*math.Tanh(rms)
}

type renderer struct {
	rate  int
	speed float64
	f0    float64
	tilt  float64

	out       []float32
	phase     float64
	lastVowel [3]float64
	lastPitch float64
}

func (r *renderer) length(ms int) int {
	return int(float64(r.rate) * float64(ms) / 1000 / r.speed)
}

func (r *renderer) silence(ms int) {
	r.out = append(r.out, make([]float32, r.length(ms))...)
}

func (r *renderer) vowel(f [3]float64, ms int, pitch float64) {
	r.lastVowel, r.lastPitch = f, pitch
	n := r.length(ms)
	amps := [3]float64{1, r.tilt, r.tilt * r.tilt}
	for i := range n {
		t := float64(i) / float64(r.rate)
		env := math.Sin(math.Pi * float64(i) / float64(n))
		r.phase += 2 * math.Pi * r.f0 * pitch / float64(r.rate)
		glottal := 0.5 + 0.5*math.Sin(r.phase)
		var v float64
		for k := range 3 {
			v += amps[k] * math.Sin(2*math.Pi*f[k]*t)
		}
		r.out = append(r.out, float32(env*glottal*v))
	}
}

// extend lengthens the previous vowel.
func (r *renderer) extend() {
	if r.lastPitch == 0 {
		return
	}
	r.vowel(r.lastVowel, vowelMs/2, r.lastPitch)
}

// noise appends deterministic white noise from an xorshift generator.
func (r *renderer) noise(ms int, seed uint32, amp float64) {
	n := r.length(ms)
	x := seed
	for i := range n {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		env := math.Sin(math.Pi * float64(i) / float64(n))
		r.out = append(r.out, float32(amp*env*(float64(x)/math.MaxUint32*2-1)))
	}
}

func (r *renderer) normalised() []float32 {
	var maxAbs float32
	for _, v := range r.out {
		maxAbs = max(maxAbs, float32(math.Abs(float64(v))))
	}
	if maxAbs == 0 {
		return r.out
	}
	scale := peak / maxAbs
	for i := range r.out {
		r.out[i] *= scale
	}
	return r.out
}
