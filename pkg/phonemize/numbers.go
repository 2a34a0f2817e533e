package phonemize

import (
	"strconv"
	"strings"
)

var (
	enOnes = []string{"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine",
		"ten", "eleven", "twelve", "thirteen", "fourteen", "fifteen", "sixteen", "seventeen", "eighteen", "nineteen"}
	enTens   = []string{"", "", "twenty", "thirty", "forty", "fifty", "sixty", "seventy", "eighty", "ninety"}
	enScales = []string{"", "thousand", "million", "billion", "trillion"}

	esOnes = []string{"cero", "uno", "dos", "tres", "cuatro", "cinco", "seis", "siete", "ocho", "nueve",
		"diez", "once", "doce", "trece", "catorce", "quince", "dieciséis", "diecisiete", "dieciocho", "diecinueve",
		"veinte", "veintiuno", "veintidós", "veintitrés", "veinticuatro", "veinticinco", "veintiséis", "veintisiete", "veintiocho", "veintinueve"}
	esTens     = []string{"", "", "", "treinta", "cuarenta", "cincuenta", "sesenta", "setenta", "ochenta", "noventa"}
	esHundreds = []string{"", "ciento", "doscientos", "trescientos", "cuatrocientos", "quinientos", "seiscientos", "setecientos", "ochocientos", "novecientos"}
)

// maxSpelled is the largest integer read as a whole number; longer digit
// strings are read digit by digit.
const maxSpelled = 999_999_999_999_999

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// numberWords spells a non-negative integer or decimal numeral in lang.
func numberWords(s string, lang Lang) string {
	intPart, frac, hasFrac := strings.Cut(s, ".")
	words := integerWords(intPart, lang)
	if !hasFrac || frac == "" {
		return words
	}
	point := "point"
	if lang == LangSpanish {
		point = "coma"
	}
	return words + " " + point + " " + digitWords(frac, lang)
}

func integerWords(s string, lang Lang) string {
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return cardinal(0, lang)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n > maxSpelled {
		return digitWords(s, lang)
	}
	return cardinal(int(n), lang)
}

func digitWords(s string, lang Lang) string {
	words := make([]string, 0, len(s))
	for _, r := range s {
		if r < '0' || r > '9' {
			continue
		}
		words = append(words, cardinal(int(r-'0'), lang))
	}
	return strings.Join(words, " ")
}

func cardinal(n int, lang Lang) string {
	if lang == LangSpanish {
		return spanishCardinal(n)
	}
	return englishCardinal(n)
}

// ---- English ----

func englishCardinal(n int) string {
	if n == 0 {
		return enOnes[0]
	}
	if n < 0 || n > maxSpelled {
		return digitWords(strconv.Itoa(n), LangEnUS)
	}
	var groups []string
	for scale := 0; n > 0; scale++ {
		g := n % 1000
		n /= 1000
		if g == 0 {
			continue
		}
		w := englishHundreds(g)
		if enScales[scale] != "" {
			w += " " + enScales[scale]
		}
		groups = append([]string{w}, groups...)
	}
	return strings.Join(groups, " ")
}

func englishHundreds(n int) string {
	var parts []string
	if n >= 100 {
		parts = append(parts, enOnes[n/100], "hundred")
		n %= 100
	}
	switch {
	case n == 0:
	case n < 20:
		parts = append(parts, enOnes[n])
	default:
		w := enTens[n/10]
		if n%10 != 0 {
			w += "-" + enOnes[n%10]
		}
		parts = append(parts, w)
	}
	return strings.Join(parts, " ")
}

var enOrdinalIrregular = map[string]string{
	"one": "first", "two": "second", "three": "third", "five": "fifth",
	"eight": "eighth", "nine": "ninth", "twelve": "twelfth",
}

func englishOrdinal(n int) string {
	return ordinalize(englishCardinal(n))
}

// englishOrdinalDigits reads a digit string as an ordinal. Numbers too large
// to spell are read digit by digit with the last digit made ordinal.
func englishOrdinalDigits(s string) string {
	return ordinalize(integerWords(s, LangEnUS))
}

// ordinalize turns the last word of a spelled cardinal into its ordinal form.
func ordinalize(words string) string {
	cut := strings.LastIndexAny(words, " -")
	head, last := "", words
	if cut >= 0 {
		head, last = words[:cut+1], words[cut+1:]
	}
	switch {
	case enOrdinalIrregular[last] != "":
		last = enOrdinalIrregular[last]
	case strings.HasSuffix(last, "y"):
		last = strings.TrimSuffix(last, "y") + "ieth"
	default:
		last += "th"
	}
	return head + last
}

// englishYear reads four-digit years in pairs ("nineteen eighty-four").
func englishYear(n int) string {
	hi, lo := n/100, n%100
	switch {
	case n >= 2000 && n < 2010:
		return englishCardinal(n)
	case lo == 0:
		return englishCardinal(hi) + " hundred"
	case lo < 10:
		return englishCardinal(hi) + " oh " + englishCardinal(lo)
	}
	return englishCardinal(hi) + " " + englishCardinal(lo)
}

// ---- Spanish ----

func spanishCardinal(n int) string {
	switch {
	case n < 30:
		return esOnes[n]
	case n < 100:
		w := esTens[n/10]
		if n%10 != 0 {
			w += " y " + esOnes[n%10]
		}
		return w
	case n == 100:
		return "cien"
	case n < 1000:
		w := esHundreds[n/100]
		if n%100 != 0 {
			w += " " + spanishCardinal(n%100)
		}
		return w
	case n < 1_000_000:
		th := n / 1000
		w := "mil"
		if th > 1 {
			w = spanishApocope(spanishCardinal(th)) + " mil"
		}
		if n%1000 != 0 {
			w += " " + spanishCardinal(n%1000)
		}
		return w
	case n < 1_000_000_000_000:
		m := n / 1_000_000
		w := "un millón"
		if m > 1 {
			w = spanishApocope(spanishCardinal(m)) + " millones"
		}
		if n%1_000_000 != 0 {
			w += " " + spanishCardinal(n%1_000_000)
		}
		return w
	}
	b := n / 1_000_000_000_000
	w := "un billón"
	if b > 1 {
		w = spanishApocope(spanishCardinal(b)) + " billones"
	}
	if n%1_000_000_000_000 != 0 {
		w += " " + spanishCardinal(n%1_000_000_000_000)
	}
	return w
}

// spanishApocope shortens a trailing "uno" before a masculine noun.
func spanishApocope(w string) string {
	switch {
	case strings.HasSuffix(w, "veintiuno"):
		return strings.TrimSuffix(w, "veintiuno") + "veintiún"
	case strings.HasSuffix(w, "uno"):
		return strings.TrimSuffix(w, "uno") + "un"
	}
	return w
}

var esOrdinals = []string{"", "primer", "segund", "tercer", "cuart", "quint", "sext", "séptim", "octav", "noven", "décim"}

func spanishOrdinal(digits string, feminine bool) string {
	n, err := strconv.Atoi(strings.TrimLeft(digits, "0"))
	if err != nil || n <= 0 || n >= len(esOrdinals) {
		return integerWords(digits, LangSpanish)
	}
	if feminine {
		return esOrdinals[n] + "a"
	}
	return esOrdinals[n] + "o"
}

func currencyWords(symbol, whole, cents string, lang Lang) string {
	var unit, units, sub, subs string
	switch symbol {
	case "€":
		unit, units, sub, subs = "euro", "euros", "cent", "cents"
		if lang == LangSpanish {
			sub, subs = "céntimo", "céntimos"
		}
	case "£":
		unit, units, sub, subs = "pound", "pounds", "penny", "pence"
		if lang == LangSpanish {
			unit, units, sub, subs = "libra", "libras", "penique", "peniques"
		}
	default:
		unit, units, sub, subs = "dollar", "dollars", "cent", "cents"
		if lang == LangSpanish {
			unit, units, sub, subs = "dólar", "dólares", "centavo", "centavos"
		}
	}
	n := atoi(whole)
	out := integerWords(whole, lang) + " " + plural(n, unit, units)
	if cents != "" {
		if len(cents) == 1 {
			cents += "0"
		}
		c := atoi(cents)
		if c > 0 {
			and := " and "
			if lang == LangSpanish {
				and = " con "
			}
			out += and + cardinal(c, lang) + " " + plural(c, sub, subs)
		}
	}
	return out
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
