// Package phonemize converts free-form text into sequences of phonetic
// symbols suitable for a neural speech model.
//
// The conversion runs in three stages:
//
//  1. Normalisation: Unicode composition, case folding, whitespace collapsing,
//     and expansion of numerals and abbreviations into spoken words.
//  2. Segmentation: the text is split into runs by script. Latin runs take
//     the language hint, or a language picked by a small detector when no
//     hint is given. Greek and Cyrillic runs are transliterated; other
//     scripts collapse into a single pause marker.
//  3. Grapheme-to-phoneme conversion: an embedded lexicon is consulted first,
//     then spelling variants of lexicon words, then letter-to-sound rules.
//
// Phonemize never fails. Characters that no rule set covers degrade to the
// neutral pause symbol, so every input yields a sequence (empty only when the
// text itself normalises to nothing).
package phonemize

import (
	"slices"
	"strings"
)

// Lang is a language tag understood by the phonemizer (e.g. "en-us").
type Lang string

const (
	LangEnUS    Lang = "en-us"
	LangEnGB    Lang = "en-gb"
	LangSpanish Lang = "es"
)

// Supported reports whether l has a rule set.
func (l Lang) Supported() bool {
	switch l {
	case LangEnUS, LangEnGB, LangSpanish:
		return true
	}
	return false
}

// english reports whether l uses the English rule set.
func (l Lang) english() bool {
	return l == LangEnUS || l == LangEnGB
}

// ParseLang maps common spellings ("en", "en_US", "EN-GB", "spanish") onto a
// supported [Lang]. ok is false when no rule set matches.
func ParseLang(s string) (l Lang, ok bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", "-")
	switch s {
	case "en", "en-us", "english", "a", "american":
		return LangEnUS, true
	case "en-gb", "en-uk", "b", "british":
		return LangEnGB, true
	case "es", "es-es", "es-mx", "e", "spanish":
		return LangSpanish, true
	}
	return "", false
}

// Stress is the lexical stress level of a vowel phoneme.
type Stress uint8

const (
	StressNone Stress = iota
	StressSecondary
	StressPrimary
)

// String returns a short label for s.
func (s Stress) String() string {
	switch s {
	case StressPrimary:
		return "primary"
	case StressSecondary:
		return "secondary"
	}
	return "none"
}

// Phoneme is a single phonetic unit. Symbol is always one entry of the
// alphabet returned by [Alphabet] for Lang.
type Phoneme struct {
	Symbol string
	Lang   Lang
	Stress Stress
}

// Sequence is an ordered list of phonemes.
type Sequence []Phoneme

// String renders the sequence as a plain symbol string.
func (s Sequence) String() string {
	var b strings.Builder
	for _, p := range s {
		b.WriteString(p.Symbol)
	}
	return b.String()
}

// Symbols returns the symbol of every phoneme in order.
func (s Sequence) Symbols() []string {
	out := make([]string, len(s))
	for i, p := range s {
		out[i] = p.Symbol
	}
	return out
}

// Option is a functional option for [New].
type Option func(*Phonemizer)

// WithDefaultLang sets the language used for Latin text that carries no
// stronger language cue. Default: [LangEnUS].
func WithDefaultLang(l Lang) Option {
	return func(p *Phonemizer) {
		if l.Supported() {
			p.defaultLang = l
		}
	}
}

// WithLexicon adds pronunciation entries on top of the embedded English
// lexicon. Keys are lower-case words, values are symbol strings in which
// "ˈ" and "ˌ" precede the stressed vowel.
func WithLexicon(entries map[string]string) Option {
	return func(p *Phonemizer) {
		p.extra = entries
	}
}

// WithVariantThreshold sets the minimum Jaro-Winkler similarity for an
// out-of-vocabulary word to borrow the pronunciation of a phonetically
// identical lexicon word. Default: 0.9.
func WithVariantThreshold(threshold float64) Option {
	return func(p *Phonemizer) {
		p.variantThreshold = threshold
	}
}

// Phonemizer converts text to phoneme sequences. It is read-only after
// construction and safe for concurrent use.
type Phonemizer struct {
	defaultLang      Lang
	extra            map[string]string
	variantThreshold float64

	lexicon  *lexicon
	variants *variantIndex
}

// New returns a Phonemizer backed by the embedded lexicon.
func New(opts ...Option) *Phonemizer {
	p := &Phonemizer{
		defaultLang:      LangEnUS,
		variantThreshold: 0.9,
	}
	for _, o := range opts {
		o(p)
	}
	p.lexicon = defaultLexicon().with(p.extra)
	p.variants = newVariantIndex(p.lexicon, p.variantThreshold)
	return p
}

// DefaultLang returns the language used when nothing in the text suggests
// another one.
func (p *Phonemizer) DefaultLang() Lang { return p.defaultLang }

// Phonemize converts text into a phoneme sequence. When hint is empty the
// language of every Latin run is detected; otherwise Latin runs use hint
// (unsupported hints fall back to the default language). Greek and Cyrillic
// are transliterated either way. Identical inputs always produce identical
// output.
func (p *Phonemizer) Phonemize(text string, hint Lang) Sequence {
	if hint != "" && !hint.Supported() {
		if parsed, ok := ParseLang(string(hint)); ok {
			hint = parsed
		} else {
			hint = p.defaultLang
		}
	}

	var runs []run
	if hint != "" {
		runs = segment(text, hint, false)
	} else {
		runs = segment(text, p.defaultLang, true)
	}

	var out Sequence
	for _, r := range runs {
		if r.pause {
			out = appendPause(out, p.defaultLang)
			continue
		}
		seq := p.convert(normalize(r.text, r.lang), r.lang)
		if len(seq) > 0 && len(out) > 0 && out[len(out)-1].Symbol != SymbolSpace && !isPunctuation(seq[0].Symbol) {
			out = append(out, Phoneme{Symbol: SymbolSpace, Lang: r.lang})
		}
		out = append(out, seq...)
	}
	return tidy(out)
}

// convert tokenises normalised text into words and punctuation and
// phonemizes each word with the rule set for lang.
func (p *Phonemizer) convert(text string, lang Lang) Sequence {
	var out Sequence
	for _, tok := range tokenizeWords(text) {
		switch tok.kind {
		case tokenWord:
			if len(out) > 0 && out[len(out)-1].Symbol != SymbolSpace {
				out = append(out, Phoneme{Symbol: SymbolSpace, Lang: lang})
			}
			w := p.word(tok.text, lang)
			if len(w) == 0 {
				out = appendPause(out, lang)
				continue
			}
			if lang == LangEnGB {
				w = britishize(w)
			}
			out = append(out, w...)
		case tokenPunct:
			out = trimTrailingSpace(out)
			out = append(out, Phoneme{Symbol: tok.text, Lang: lang})
			out = append(out, Phoneme{Symbol: SymbolSpace, Lang: lang})
		case tokenUnknown:
			out = appendPause(out, lang)
		}
	}
	return out
}

// word phonemizes a single normalised word.
func (p *Phonemizer) word(w string, lang Lang) Sequence {
	switch {
	case lang == LangSpanish:
		return spanishWord(w)
	case lang.english():
		if ipa, ok := p.lexicon.lookup(w); ok {
			return parseSymbols(ipa, lang)
		}
		if ipa, ok := p.variants.lookup(w); ok {
			return parseSymbols(ipa, lang)
		}
		if seq, ok := p.compound(w, lang); ok {
			return seq
		}
		return englishRules(w, lang)
	}
	return englishRules(w, LangEnUS)
}

// compound splits hyphenated or possessive words into known parts.
func (p *Phonemizer) compound(w string, lang Lang) (Sequence, bool) {
	if base, ok := strings.CutSuffix(w, "'s"); ok {
		seq := p.word(base, lang)
		last := ""
		if len(seq) > 0 {
			last = seq[len(seq)-1].Symbol
		}
		switch last {
		case "s", "z", "ʃ", "ʒ", "ʧ", "ʤ":
			seq = append(seq, Phoneme{Symbol: "ᵻ", Lang: lang}, Phoneme{Symbol: "z", Lang: lang})
		case "p", "t", "k", "f", "θ":
			seq = append(seq, Phoneme{Symbol: "s", Lang: lang})
		default:
			seq = append(seq, Phoneme{Symbol: "z", Lang: lang})
		}
		return seq, true
	}
	parts := strings.FieldsFunc(w, func(r rune) bool { return r == '-' || r == '\'' })
	if len(parts) < 2 {
		return nil, false
	}
	var out Sequence
	for i, part := range parts {
		if i > 0 {
			out = append(out, Phoneme{Symbol: SymbolSpace, Lang: lang})
		}
		out = append(out, p.word(part, lang)...)
	}
	return out, true
}

// appendPause adds a pause marker unless the sequence already ends in one.
func appendPause(out Sequence, lang Lang) Sequence {
	out = trimTrailingSpace(out)
	if len(out) > 0 && out[len(out)-1].Symbol == SymbolPause {
		return out
	}
	out = append(out, Phoneme{Symbol: SymbolPause, Lang: lang})
	return append(out, Phoneme{Symbol: SymbolSpace, Lang: lang})
}

func trimTrailingSpace(out Sequence) Sequence {
	for len(out) > 0 && out[len(out)-1].Symbol == SymbolSpace {
		out = out[:len(out)-1]
	}
	return out
}

// tidy strips leading and trailing spaces and collapses doubled spaces.
func tidy(seq Sequence) Sequence {
	out := seq[:0:0]
	for _, ph := range seq {
		if ph.Symbol == SymbolSpace && (len(out) == 0 || out[len(out)-1].Symbol == SymbolSpace) {
			continue
		}
		out = append(out, ph)
	}
	return slices.Clip(trimTrailingSpace(out))
}
