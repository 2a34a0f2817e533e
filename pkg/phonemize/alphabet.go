package phonemize

import (
	"slices"
	"strings"
)

// Symbols shared by every alphabet.
const (
	SymbolSpace     = " "
	SymbolPause     = "…"
	SymbolPrimary   = "ˈ"
	SymbolSecondary = "ˌ"
	SymbolLong      = "ː"
)

// punctuation lists the prosodic symbols that pass through unchanged.
var punctuation = []string{",", ".", "!", "?", ";", ":", "—", SymbolPause}

var (
	englishConsonants = strings.Fields("b d f h j k l m n p s t v w z ɡ ŋ ɹ ʃ ʒ ð θ ʧ ʤ ɾ ʔ")
	englishVowels     = strings.Fields("i u ɑ ɔ ɛ ɜ ɪ ʊ ʌ æ ə A I W Y O Q a ɒ ᵊ ᵻ ɐ")

	spanishConsonants = strings.Fields("b d f ɡ k l m n ɲ p ɾ r s t ʧ ʝ x β ð ɣ θ w j ʎ")
	spanishVowels     = strings.Fields("a e i o u")
)

var vowelSet = func() map[string]bool {
	m := make(map[string]bool)
	for _, v := range englishVowels {
		m[v] = true
	}
	for _, v := range spanishVowels {
		m[v] = true
	}
	return m
}()

// IsVowel reports whether symbol is a vowel in any supported alphabet.
func IsVowel(symbol string) bool { return vowelSet[symbol] }

var alphabets = map[Lang][]string{
	LangEnUS:    buildAlphabet(LangEnUS),
	LangEnGB:    buildAlphabet(LangEnGB),
	LangSpanish: buildAlphabet(LangSpanish),
}

// Alphabet returns the sorted set of symbols the phonemizer can emit for
// lang. The result is a fresh slice owned by the caller.
func Alphabet(lang Lang) []string {
	if a, ok := alphabets[lang]; ok {
		return slices.Clone(a)
	}
	return slices.Clone(alphabets[LangEnUS])
}

func buildAlphabet(lang Lang) []string {
	var out []string
	out = append(out, SymbolSpace, SymbolPrimary, SymbolSecondary, SymbolLong)
	out = append(out, punctuation...)
	switch lang {
	case LangSpanish:
		out = append(out, spanishConsonants...)
		out = append(out, spanishVowels...)
	default:
		out = append(out, englishConsonants...)
		out = append(out, englishVowels...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// isPunctuation reports whether s is one of the prosodic punctuation symbols.
func isPunctuation(s string) bool {
	return slices.Contains(punctuation, s)
}

// parseSymbols converts a lexicon string into phonemes. Stress marks are
// emitted as their own symbols and also tag the vowel that follows them.
// Runes outside the alphabet are dropped.
func parseSymbols(ipa string, lang Lang) Sequence {
	alphabet, ok := alphabets[lang]
	if !ok {
		alphabet = alphabets[LangEnUS]
	}
	out := make(Sequence, 0, len(ipa))
	pending := StressNone
	for _, r := range ipa {
		sym := string(r)
		switch sym {
		case SymbolPrimary:
			pending = StressPrimary
		case SymbolSecondary:
			pending = StressSecondary
		}
		if _, ok := slices.BinarySearch(alphabet, sym); !ok {
			continue
		}
		ph := Phoneme{Symbol: sym, Lang: lang}
		if IsVowel(sym) {
			ph.Stress = pending
			pending = StressNone
		}
		out = append(out, ph)
	}
	return out
}
