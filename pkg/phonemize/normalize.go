package phonemize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	reCurrency = regexp.MustCompile(`([$€£])\s?(\d[\d,]*)(?:\.(\d{1,2}))?`)
	rePercent  = regexp.MustCompile(`(\d[\d,]*(?:\.\d+)?)\s?%`)
	reOrdinalE = regexp.MustCompile(`\b(\d+)(st|nd|rd|th)\b`)
	reOrdinalS = regexp.MustCompile(`\b(\d+)(?:(º|ª)|([oa])\b)`)
	reDecimal  = regexp.MustCompile(`\b(\d+)\.(\d+)\b`)
	reYear     = regexp.MustCompile(`\b(1[1-9]\d\d|20[1-9]\d)\b`)
	reInteger  = regexp.MustCompile(`\d{1,3}(?:,\d{3})+|\d+`)
	reSpace    = regexp.MustCompile(`\s+`)
)

// abbreviation maps a lower-case abbreviation (with trailing period) to its
// spoken form.
type abbreviation struct {
	re     *regexp.Regexp
	spoken string
}

func abbreviations(pairs ...string) []abbreviation {
	out := make([]abbreviation, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, abbreviation{
			re:     regexp.MustCompile(`(^|\s)` + regexp.QuoteMeta(pairs[i]) + `(\s|$)`),
			spoken: pairs[i+1],
		})
	}
	return out
}

var (
	englishAbbreviations = abbreviations(
		"mr.", "mister",
		"mrs.", "missus",
		"ms.", "miz",
		"dr.", "doctor",
		"st.", "saint",
		"prof.", "professor",
		"jr.", "junior",
		"sr.", "senior",
		"vs.", "versus",
		"etc.", "et cetera",
		"e.g.", "for example",
		"i.e.", "that is",
		"approx.", "approximately",
	)
	spanishAbbreviations = abbreviations(
		"sr.", "señor",
		"sra.", "señora",
		"srta.", "señorita",
		"dr.", "doctor",
		"dra.", "doctora",
		"ud.", "usted",
		"uds.", "ustedes",
		"etc.", "etcétera",
		"p.ej.", "por ejemplo",
	)
)

// typographic folds visually equivalent characters onto the forms the
// tokeniser recognises.
var typographic = strings.NewReplacer(
	"’", "'", "‘", "'", "ʼ", "'",
	"“", `"`, "”", `"`, "«", `"`, "»", `"`,
	"–", "—", "―", "—", " - ", " — ", "--", "—",
	"...", "…",
	"&", " and ",
)

// normalize prepares text for grapheme-to-phoneme conversion in lang.
func normalize(text string, lang Lang) string {
	text = norm.NFC.String(text)
	text = typographic.Replace(text)
	text = cases.Fold().String(text)
	if lang == LangSpanish {
		text = strings.ReplaceAll(text, " and ", " y ")
	}
	text = reSpace.ReplaceAllString(text, " ")

	abbrs := englishAbbreviations
	if lang == LangSpanish {
		abbrs = spanishAbbreviations
	}
	for _, a := range abbrs {
		text = a.re.ReplaceAllString(text, "${1}"+a.spoken+"${2}")
	}

	text = expandNumbers(text, lang)
	text = reSpace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// expandNumbers rewrites numerals into words.
func expandNumbers(text string, lang Lang) string {
	text = reCurrency.ReplaceAllStringFunc(text, func(m string) string {
		sub := reCurrency.FindStringSubmatch(m)
		return " " + currencyWords(sub[1], stripCommas(sub[2]), sub[3], lang) + " "
	})
	text = rePercent.ReplaceAllStringFunc(text, func(m string) string {
		sub := rePercent.FindStringSubmatch(m)
		word := "percent"
		if lang == LangSpanish {
			word = "por ciento"
		}
		return " " + numberWords(stripCommas(sub[1]), lang) + " " + word + " "
	})
	if lang == LangSpanish {
		text = reOrdinalS.ReplaceAllStringFunc(text, func(m string) string {
			sub := reOrdinalS.FindStringSubmatch(m)
			feminine := sub[2] == "ª" || sub[3] == "a"
			return " " + spanishOrdinal(sub[1], feminine) + " "
		})
	} else {
		text = reOrdinalE.ReplaceAllStringFunc(text, func(m string) string {
			sub := reOrdinalE.FindStringSubmatch(m)
			return " " + englishOrdinalDigits(sub[1]) + " "
		})
		text = reYear.ReplaceAllStringFunc(text, func(m string) string {
			return englishYear(atoi(m))
		})
	}
	text = reDecimal.ReplaceAllStringFunc(text, func(m string) string {
		return numberWords(m, lang)
	})
	text = reInteger.ReplaceAllStringFunc(text, func(m string) string {
		return " " + numberWords(stripCommas(m), lang) + " "
	})
	return text
}

func stripCommas(s string) string { return strings.ReplaceAll(s, ",", "") }

// ---- tokenisation ----

type tokenKind int

const (
	tokenWord tokenKind = iota
	tokenPunct
	tokenUnknown
)

type token struct {
	kind tokenKind
	text string
}

// punctMap folds input punctuation onto prosodic symbols. An empty value
// drops the rune.
var punctMap = map[rune]string{
	',': ",", '.': ".", '!': "!", '?': "?", ';': ";", ':': ":",
	'—': "—", '…': SymbolPause,
	'(': ",", ')': ",", '[': ",", ']': ",",
	'"': "", '¿': "", '¡': "", '\'': "", '*': "", '_': "",
}

// tokenizeWords splits normalised text into words, punctuation, and runs of
// unknown characters.
func tokenizeWords(text string) []token {
	var out []token
	rs := []rune(text)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case isWordRune(r):
			j := i
			for j < len(rs) && (isWordRune(rs[j]) || isJoiner(rs, j)) {
				j++
			}
			out = append(out, token{kind: tokenWord, text: string(rs[i:j])})
			i = j
		default:
			if sym, ok := punctMap[r]; ok {
				if sym != "" && (len(out) == 0 || out[len(out)-1].text != sym) {
					out = append(out, token{kind: tokenPunct, text: sym})
				}
			} else if r == '-' {
				// Stray hyphens read as a pause.
				out = append(out, token{kind: tokenPunct, text: ","})
			} else if len(out) == 0 || out[len(out)-1].kind != tokenUnknown {
				out = append(out, token{kind: tokenUnknown, text: string(r)})
			}
			i++
		}
	}
	return out
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.Is(unicode.Mn, r)
}

// isJoiner reports whether rs[i] is an apostrophe or hyphen between letters.
func isJoiner(rs []rune, i int) bool {
	if rs[i] != '\'' && rs[i] != '-' {
		return false
	}
	return i > 0 && i+1 < len(rs) && isWordRune(rs[i-1]) && isWordRune(rs[i+1])
}

// stripDiacritics removes combining marks after canonical decomposition
// ("ç" -> "c", "ø" stays).
func stripDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
