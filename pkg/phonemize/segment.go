package phonemize

import (
	"strings"
	"unicode"
)

// run is a stretch of input assigned to one language. Pause runs stand in
// for text in scripts without a rule set.
type run struct {
	lang  Lang
	text  string
	pause bool
}

type script int

const (
	scriptCommon script = iota
	scriptLatin
	scriptGreek
	scriptCyrillic
	scriptOther
)

func classify(r rune) script {
	switch {
	case unicode.Is(unicode.Latin, r):
		return scriptLatin
	case unicode.Is(unicode.Greek, r):
		return scriptGreek
	case unicode.Is(unicode.Cyrillic, r):
		return scriptCyrillic
	case unicode.IsLetter(r):
		return scriptOther
	}
	return scriptCommon
}

// segment splits text into language runs. Digits, spaces, and punctuation
// stay with the run they appear in. Latin runs are assigned lang when
// detect is false and a detected language (falling back to lang) otherwise.
func segment(text string, lang Lang, detect bool) []run {
	type span struct {
		script script
		b      strings.Builder
	}
	var spans []*span
	var cur *span
	var prefix strings.Builder

	for _, r := range text {
		sc := classify(r)
		if sc == scriptCommon {
			if cur == nil {
				prefix.WriteRune(r)
			} else {
				cur.b.WriteRune(r)
			}
			continue
		}
		if cur == nil || cur.script != sc {
			cur = &span{script: sc}
			if len(spans) == 0 {
				cur.b.WriteString(prefix.String())
			}
			spans = append(spans, cur)
		}
		cur.b.WriteRune(r)
	}
	if len(spans) == 0 {
		if strings.TrimSpace(prefix.String()) == "" {
			return nil
		}
		return []run{{lang: lang, text: prefix.String()}}
	}

	out := make([]run, 0, len(spans))
	for _, s := range spans {
		txt := s.b.String()
		switch s.script {
		case scriptLatin:
			l := lang
			if detect {
				l = detectLatin(txt, lang)
			}
			out = append(out, run{lang: l, text: txt})
		case scriptGreek:
			out = append(out, run{lang: LangSpanish, text: transliterate(txt, greekLatin)})
		case scriptCyrillic:
			out = append(out, run{lang: LangSpanish, text: transliterate(txt, cyrillicLatin)})
		default:
			out = append(out, run{pause: true})
		}
	}
	return out
}

var (
	spanishCues = []string{"el", "la", "los", "las", "de", "del", "que", "y", "en", "es", "por", "para", "una", "con", "muy", "pero", "hola", "gracias", "está", "qué"}
	englishCues = []string{"the", "and", "is", "of", "to", "in", "it", "you", "that", "with", "this", "are", "was", "hello", "for", "not"}
)

// detectLatin picks the language of a Latin-script run.
func detectLatin(text string, fallback Lang) Lang {
	lower := strings.ToLower(text)
	if strings.ContainsAny(lower, "ñ¿¡") {
		return LangSpanish
	}
	es, en := 0, 0
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool { return !unicode.IsLetter(r) }) {
		for _, c := range spanishCues {
			if w == c {
				es++
			}
		}
		for _, c := range englishCues {
			if w == c {
				en++
			}
		}
	}
	switch {
	case es > en:
		return LangSpanish
	case en == 0 && strings.ContainsAny(lower, "áéíóú"):
		return LangSpanish
	}
	return fallback
}

func transliterate(text string, table map[rune]string) string {
	text = stripDiacritics(strings.ToLower(text))
	var b strings.Builder
	for _, r := range text {
		if s, ok := table[r]; ok {
			b.WriteString(s)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Transliterations target Spanish orthography, whose letter-to-sound rules
// are close to one-to-one.
var greekLatin = map[rune]string{
	'α': "a", 'β': "b", 'γ': "g", 'δ': "d", 'ε': "e", 'ζ': "s", 'η': "i",
	'θ': "z", 'ι': "i", 'κ': "k", 'λ': "l", 'μ': "m", 'ν': "n", 'ξ': "x",
	'ο': "o", 'π': "p", 'ρ': "r", 'σ': "s", 'ς': "s", 'τ': "t", 'υ': "i",
	'φ': "f", 'χ': "j", 'ψ': "ps", 'ω': "o",
}

var cyrillicLatin = map[rune]string{
	'а': "a", 'б': "b", 'в': "v", 'г': "g", 'д': "d", 'е': "ie", 'ё': "io",
	'ж': "y", 'з': "s", 'и': "i", 'й': "i", 'к': "k", 'л': "l", 'м': "m",
	'н': "n", 'о': "o", 'п': "p", 'р': "r", 'с': "s", 'т': "t", 'у': "u",
	'ф': "f", 'х': "j", 'ц': "ts", 'ч': "ch", 'ш': "sh", 'щ': "sch", 'ъ': "",
	'ы': "i", 'ь': "", 'э': "e", 'ю': "iu", 'я': "ia",
	'і': "i", 'ї': "ii", 'є': "ie", 'ґ': "g",
}
