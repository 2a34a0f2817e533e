package phonemize

import (
	"strings"
	"unicode"
)

// segm is one phone of a Spanish word during conversion.
type segm struct {
	sym     string
	nucleus bool
	accent  bool
	weak    bool
}

// unstressedES are clitics and function words that carry no lexical stress.
var unstressedES = map[string]bool{
	"el": true, "la": true, "los": true, "las": true, "lo": true, "le": true, "les": true,
	"de": true, "del": true, "y": true, "e": true, "o": true, "u": true, "a": true, "al": true,
	"en": true, "que": true, "un": true, "se": true, "me": true, "te": true, "nos": true,
	"por": true, "con": true, "mi": true, "tu": true, "su": true, "mis": true, "tus": true, "sus": true,
}

var accentedVowel = map[rune]rune{'á': 'a', 'é': 'e', 'í': 'i', 'ó': 'o', 'ú': 'u'}

// foldSpanish keeps Spanish letters and strips other diacritics.
func foldSpanish(w string) []rune {
	var out []rune
	for _, r := range strings.ToLower(w) {
		switch {
		case strings.ContainsRune("abcdefghijklmnopqrstuvwxyzáéíóúüñ", r):
			out = append(out, r)
		case unicode.IsLetter(r):
			for _, f := range asciiWord(string(r)) {
				out = append(out, f)
			}
		}
	}
	return out
}

// spanishWord converts a word with Spanish orthographic rules, which are
// close to one letter per phone.
func spanishWord(word string) Sequence {
	rs := foldSpanish(word)
	if len(rs) == 0 {
		return nil
	}
	n := len(rs)
	at := func(i int) rune {
		if i < 0 || i >= n {
			return 0
		}
		return rs[i]
	}
	isV := func(r rune) bool { return strings.ContainsRune("aeiouáéíóúü", r) }
	frontV := func(r rune) bool { return strings.ContainsRune("eiéí", r) }

	var segs []segm
	add := func(sym string) { segs = append(segs, segm{sym: sym}) }

	for i := 0; i < n; i++ {
		r := rs[i]
		prev := at(i - 1)
		postVowel := isV(prev)
		switch {
		case isV(r):
			s := segm{nucleus: true}
			if base, ok := accentedVowel[r]; ok {
				s.sym, s.accent = string(base), true
			} else if r == 'ü' {
				s.sym = "u"
			} else {
				s.sym = string(r)
			}
			s.weak = !s.accent && (s.sym == "i" || s.sym == "u")
			segs = append(segs, s)
		case r == 'c' && at(i+1) == 'h':
			add("ʧ")
			i++
		case r == 'l' && at(i+1) == 'l':
			add("ʝ")
			i++
		case r == 'r' && at(i+1) == 'r':
			add("r")
			i++
		case r == 'q' && at(i+1) == 'u':
			add("k")
			i++
		case r == 'g' && at(i+1) == 'u' && frontV(at(i+2)):
			if postVowel {
				add("ɣ")
			} else {
				add("ɡ")
			}
			i++
		case r == 'c' && frontV(at(i+1)), r == 'z', r == 's':
			add("s")
		case r == 'c', r == 'k', r == 'q':
			add("k")
		case r == 'g' && frontV(at(i+1)), r == 'j':
			add("x")
		case r == 'g':
			if postVowel {
				add("ɣ")
			} else {
				add("ɡ")
			}
		case r == 'b', r == 'v':
			if postVowel {
				add("β")
			} else {
				add("b")
			}
		case r == 'd':
			if postVowel {
				add("ð")
			} else {
				add("d")
			}
		case r == 'h':
		case r == 'ñ':
			add("ɲ")
		case r == 'y':
			if i == n-1 {
				segs = append(segs, segm{sym: "i", nucleus: true, weak: true})
			} else {
				add("ʝ")
			}
		case r == 'x':
			add("k")
			add("s")
		case r == 'r':
			if i == 0 || prev == 'n' || prev == 'l' || prev == 's' {
				add("r")
			} else {
				add("ɾ")
			}
		case r == 'w':
			add("w")
		default:
			add(string(r))
		}
	}

	// Unaccented i and u next to another vowel become glides.
	for i := range segs {
		if !segs[i].nucleus || !segs[i].weak {
			continue
		}
		left := i > 0 && segs[i-1].nucleus
		right := i+1 < len(segs) && segs[i+1].nucleus
		if !left && !right {
			continue
		}
		segs[i].nucleus = false
		if segs[i].sym == "i" {
			segs[i].sym = "j"
		} else {
			segs[i].sym = "w"
		}
	}

	var nuclei []int
	stressed := -1
	for i, s := range segs {
		if !s.nucleus {
			continue
		}
		nuclei = append(nuclei, i)
		if s.accent {
			stressed = i
		}
	}
	w := string(rs)
	if stressed < 0 && len(nuclei) > 0 && !unstressedES[w] {
		last := rs[n-1]
		if len(nuclei) > 1 && (isV(last) || last == 'n' || last == 's') {
			stressed = nuclei[len(nuclei)-2]
		} else {
			stressed = nuclei[len(nuclei)-1]
		}
	}

	var b strings.Builder
	for i, s := range segs {
		if i == stressed {
			b.WriteString(SymbolPrimary)
		}
		b.WriteString(s.sym)
	}
	return parseSymbols(b.String(), LangSpanish)
}
