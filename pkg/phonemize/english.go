package phonemize

import "strings"

// unit is one grapheme group's contribution to a word: either a vowel
// nucleus or a run of consonant symbols.
type unit struct {
	syms    []string
	nucleus bool
	// reducible marks short vowels that weaken to schwa when unstressed.
	reducible bool
	// suffix marks nuclei that belong to an inflectional or derivational
	// suffix and never carry primary stress.
	suffix bool
}

func cons(syms ...string) unit { return unit{syms: syms} }

func vowel(syms ...string) unit { return unit{syms: syms, nucleus: true} }

func short(sym string) unit { return unit{syms: []string{sym}, nucleus: true, reducible: true} }

// letterFold maps Latin letters without an English reading onto ASCII.
var letterFold = strings.NewReplacer(
	"ø", "o", "æ", "ae", "œ", "oe", "ł", "l", "ß", "ss",
	"þ", "th", "ð", "th", "đ", "d", "ı", "i",
)

// letterNames spells single letters and vowel-less acronyms.
var letterNames = map[byte]string{
	'a': "ˈA", 'b': "bˈi", 'c': "sˈi", 'd': "dˈi", 'e': "ˈi", 'f': "ˈɛf",
	'g': "ʤˈi", 'h': "ˈAʧ", 'i': "ˈI", 'j': "ʤˈA", 'k': "kˈA", 'l': "ˈɛl",
	'm': "ˈɛm", 'n': "ˈɛn", 'o': "ˈO", 'p': "pˈi", 'q': "kjˈu", 'r': "ˈɑɹ",
	's': "ˈɛs", 't': "tˈi", 'u': "jˈu", 'v': "vˈi", 'w': "dˈʌbəljˌu",
	'x': "ˈɛks", 'y': "wˈI", 'z': "zˈi",
}

// unstressedPrefixes shift primary stress to the following syllable.
var unstressedPrefixes = []string{"a", "be", "de", "re", "pre", "pro", "con", "com", "ex", "dis", "mis", "for"}

// asciiWord reduces w to lower-case a–z.
func asciiWord(w string) string {
	w = letterFold.Replace(stripDiacritics(strings.ToLower(w)))
	var b strings.Builder
	for i := 0; i < len(w); i++ {
		if c := w[i]; c >= 'a' && c <= 'z' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// englishRules converts an out-of-lexicon word by letter-to-sound rules.
func englishRules(word string, lang Lang) Sequence {
	w := asciiWord(word)
	if w == "" {
		return nil
	}
	if len(w) == 1 && w != "a" && w != "i" || !strings.ContainsAny(w, "aeiouy") {
		return spell(w, lang)
	}

	stem, suffix := splitSuffix(w)
	units := scanEnglish(stem)
	units = append(units, suffix(lastSymbol(units))...)
	assignStress(units, stem)
	return render(units, lang)
}

func spell(w string, lang Lang) Sequence {
	var out Sequence
	for i := 0; i < len(w); i++ {
		if i > 0 {
			out = append(out, Phoneme{Symbol: SymbolSpace, Lang: lang})
		}
		out = append(out, parseSymbols(letterNames[w[i]], lang)...)
	}
	return out
}

func lastSymbol(units []unit) string {
	for i := len(units) - 1; i >= 0; i-- {
		if n := len(units[i].syms); n > 0 {
			return units[i].syms[n-1]
		}
	}
	return ""
}

func isVowelByte(c byte) bool {
	switch c {
	case 'a', 'e', 'i', 'o', 'u':
		return true
	}
	return false
}

func voiceless(sym string) bool {
	switch sym {
	case "p", "t", "k", "f", "θ", "s", "ʃ", "ʧ":
		return true
	}
	return false
}

// splitSuffix peels off a productive suffix. The returned function renders
// the suffix given the last symbol of the stem.
func splitSuffix(w string) (string, func(prev string) []unit) {
	none := func(string) []unit { return nil }
	n := len(w)
	switch {
	case n > 5 && strings.HasSuffix(w, "ing"):
		return w[:n-3], func(string) []unit {
			return []unit{{syms: []string{"ɪ"}, nucleus: true, suffix: true}, cons("ŋ")}
		}
	case n > 4 && strings.HasSuffix(w, "ed") && !isVowelByte(w[n-3]):
		return w[:n-2], func(prev string) []unit {
			switch {
			case prev == "t" || prev == "d":
				return []unit{{syms: []string{"ᵻ"}, nucleus: true, suffix: true}, cons("d")}
			case voiceless(prev):
				return []unit{cons("t")}
			}
			return []unit{cons("d")}
		}
	case n > 4 && strings.HasSuffix(w, "ly"):
		return w[:n-2], func(string) []unit {
			return []unit{cons("l"), {syms: []string{"i"}, nucleus: true, suffix: true}}
		}
	case n > 5 && strings.HasSuffix(w, "ness"):
		return w[:n-4], func(string) []unit {
			return []unit{cons("n"), {syms: []string{"ə"}, nucleus: true, suffix: true}, cons("s")}
		}
	case n > 5 && strings.HasSuffix(w, "ment"):
		return w[:n-4], func(string) []unit {
			return []unit{cons("m"), {syms: []string{"ə"}, nucleus: true, suffix: true}, cons("n", "t")}
		}
	case n > 4 && strings.HasSuffix(w, "ful"):
		return w[:n-3], func(string) []unit {
			return []unit{cons("f"), {syms: []string{"ə"}, nucleus: true, suffix: true}, cons("l")}
		}
	case n > 5 && strings.HasSuffix(w, "able"):
		return w[:n-4], func(string) []unit {
			return []unit{{syms: []string{"ə"}, nucleus: true, suffix: true}, cons("b"), {syms: []string{"ə"}, nucleus: true, suffix: true}, cons("l")}
		}
	case n > 4 && (strings.HasSuffix(w, "ches") || strings.HasSuffix(w, "shes") || strings.HasSuffix(w, "sses") || strings.HasSuffix(w, "xes") || strings.HasSuffix(w, "zes")):
		return w[:n-2], func(string) []unit {
			return []unit{{syms: []string{"ᵻ"}, nucleus: true, suffix: true}, cons("z")}
		}
	case n > 3 && w[n-1] == 's' && w[n-2] != 's' && w[n-2] != 'u' && w[n-2] != 'i':
		return w[:n-1], func(prev string) []unit {
			if voiceless(prev) {
				return []unit{cons("s")}
			}
			return []unit{cons("z")}
		}
	}
	return w, none
}

// scanEnglish applies grapheme rules left to right.
func scanEnglish(w string) []unit {
	var out []unit
	n := len(w)
	at := func(i int) byte {
		if i < 0 || i >= n {
			return 0
		}
		return w[i]
	}
	has := func(i int, s string) bool { return strings.HasPrefix(w[i:], s) }
	end := func(i int) bool { return i >= n }
	// clusterEnd reports whether a consonant cluster must stop at j so that
	// an ending rule can claim the letters from there.
	clusterEnd := func(j int) bool {
		if isVowelByte(w[j]) || w[j] == 'y' {
			return true
		}
		if has(j, "tion") || has(j, "sion") || has(j, "cian") || has(j, "ture") && end(j+4) {
			return true
		}
		return w[j] == 'l' && has(j, "le") && end(j+2)
	}
	nuclei := strings.Count(w, "a") + strings.Count(w, "e") + strings.Count(w, "i") + strings.Count(w, "o") + strings.Count(w, "u")

	for i := 0; i < n; {
		c := w[i]

		// Doubled consonants read once.
		if i > 0 && c == w[i-1] && !isVowelByte(c) && c != 'y' {
			i++
			continue
		}

		switch {
		case c == 'q' && at(i+1) == 'u':
			out, i = append(out, cons("k", "w")), i+2

		// ---- vowel groups ----
		case has(i, "eigh"):
			out, i = append(out, vowel("A")), i+4
		case has(i, "igh"):
			out, i = append(out, vowel("I")), i+3
		case has(i, "ough"):
			switch {
			case at(i+4) == 't':
				out = append(out, vowel("ɔ"))
			case end(i + 4):
				out = append(out, vowel("O"))
			default:
				out = append(out, short("ʌ"), cons("f"))
			}
			i += 4
		case has(i, "augh"):
			out, i = append(out, vowel("ɔ")), i+4
		case has(i, "eau"):
			out, i = append(out, vowel("O")), i+3
		case has(i, "air") || has(i, "are") && end(i+3):
			out, i = append(out, vowel("ɛ", "ɹ")), i+3
		case has(i, "ear") || has(i, "eer"):
			out, i = append(out, vowel("ɪ", "ɹ")), i+3
		case has(i, "ire") && end(i+3):
			out, i = append(out, vowel("I", "ɹ")), i+3
		case has(i, "ore") && end(i+3):
			out, i = append(out, vowel("ɔ", "ɹ")), i+3
		case has(i, "ure") && end(i+3) && i > 0 && w[i-1] == 't':
			out[len(out)-1] = cons("ʧ")
			out, i = append(out, unit{syms: []string{"ə", "ɹ"}, nucleus: true, suffix: true}), i+3
		case has(i, "ure") && end(i+3):
			out, i = append(out, vowel("j", "ʊ", "ɹ")), i+3
		case has(i, "ai") || has(i, "ay"):
			out, i = append(out, vowel("A")), i+2
		case has(i, "ey") && end(i+2):
			out, i = append(out, vowel("i")), i+2
		case has(i, "ei") || has(i, "ey"):
			out, i = append(out, vowel("A")), i+2
		case has(i, "ee") || has(i, "ea"):
			out, i = append(out, vowel("i")), i+2
		case has(i, "ie") && end(i+2):
			if n <= 3 {
				out = append(out, vowel("I"))
			} else {
				out = append(out, vowel("i"))
			}
			i += 2
		case has(i, "ie"):
			out, i = append(out, vowel("i")), i+2
		case has(i, "oa"):
			out, i = append(out, vowel("O")), i+2
		case has(i, "oe") && end(i+2):
			out, i = append(out, vowel("O")), i+2
		case has(i, "ook"):
			out, i = append(out, vowel("ʊ")), i+2
		case has(i, "oo"):
			out, i = append(out, vowel("u")), i+2
		case has(i, "ou"):
			out, i = append(out, vowel("W")), i+2
		case has(i, "ow") && end(i+2):
			out, i = append(out, vowel("O")), i+2
		case has(i, "ow"):
			out, i = append(out, vowel("W")), i+2
		case has(i, "oi") || has(i, "oy"):
			out, i = append(out, vowel("Y")), i+2
		case has(i, "au") || has(i, "aw"):
			out, i = append(out, vowel("ɔ")), i+2
		case has(i, "ew"):
			out, i = append(out, vowel("u")), i+2
		case has(i, "ue") && end(i+2), has(i, "ui"):
			out, i = append(out, vowel("u")), i+2

		// ---- r-coloured vowels ----
		case isVowelByte(c) && at(i+1) == 'r' && !isVowelByte(at(i+2)) && at(i+2) != 'r' && at(i+2) != 'y':
			switch c {
			case 'a':
				out = append(out, vowel("ɑ", "ɹ"))
			case 'o':
				out = append(out, vowel("ɔ", "ɹ"))
			default:
				out = append(out, unit{syms: []string{"ɜ", "ɹ"}, nucleus: true, reducible: true})
			}
			i += 2

		// ---- endings ----
		case has(i, "tion") || has(i, "cian"):
			out, i = append(out, cons("ʃ"), unit{syms: []string{"ə"}, nucleus: true, suffix: true}, cons("n")), i+4
		case has(i, "sion"):
			if isVowelByte(at(i - 1)) {
				out = append(out, cons("ʒ"))
			} else {
				out = append(out, cons("ʃ"))
			}
			out, i = append(out, unit{syms: []string{"ə"}, nucleus: true, suffix: true}, cons("n")), i+4
		case c == 'l' && at(i+1) == 'e' && end(i+2) && i > 0 && !isVowelByte(w[i-1]):
			out, i = append(out, unit{syms: []string{"ə"}, nucleus: true, suffix: true}, cons("l")), i+2

		// ---- single vowels ----
		case isVowelByte(c):
			out = append(out, singleVowel(w, i, nuclei))
			i++
			if magicE(w, i-1) {
				// Read the consonants, then drop the silent e.
				j := i
				for j < n && !isVowelByte(w[j]) {
					j++
				}
				out = append(out, scanConsonants(w[i:j], w, i)...)
				i = j + 1
			}
		case c == 'y':
			switch {
			case i == 0 || isVowelByte(at(i+1)):
				out = append(out, cons("j"))
			case end(i + 1):
				if nuclei == 0 {
					out = append(out, vowel("I"))
				} else {
					out = append(out, unit{syms: []string{"i"}, nucleus: true, suffix: true})
				}
			default:
				out = append(out, short("ɪ"))
			}
			i++

		// ---- consonants ----
		default:
			j := i + 1
			for j < n && !clusterEnd(j) {
				j++
			}
			out = append(out, scanConsonants(w[i:j], w, i)...)
			i = j
		}
	}
	return out
}

// magicE reports whether the vowel at i is lengthened by a silent final e
// ("make", "time", "hope").
func magicE(w string, i int) bool {
	n := len(w)
	if n < 3 || i+2 >= n || w[n-1] != 'e' {
		return false
	}
	cluster := w[i+1 : n-1]
	if cluster == "" || len(cluster) > 2 || strings.ContainsAny(cluster, "aeiouwxy") {
		return false
	}
	if len(cluster) == 2 && cluster != "th" && cluster != "ch" && cluster != "st" {
		return false
	}
	return true
}

// singleVowel reads a lone vowel letter at i.
func singleVowel(w string, i, nuclei int) unit {
	c := w[i]
	n := len(w)
	final := i == n-1

	if magicE(w, i) {
		switch c {
		case 'a':
			return vowel("A")
		case 'e':
			return vowel("i")
		case 'i':
			return vowel("I")
		case 'o':
			return vowel("O")
		case 'u':
			return longU(w, i)
		}
	}
	if final {
		switch c {
		case 'e':
			if nuclei <= 1 {
				return vowel("i")
			}
			return unit{}
		case 'o':
			return vowel("O")
		case 'a':
			return unit{syms: []string{"ə"}, nucleus: true, suffix: true}
		case 'i':
			return vowel("i")
		case 'u':
			return vowel("u")
		}
	}
	// Open first syllable: single consonant then vowel ("paper", "robot").
	if i == firstVowel(w) && nuclei > 1 && i+2 < n && !isVowelByte(w[i+1]) && isVowelByte(w[i+2]) && w[i+1] != 'x' {
		switch c {
		case 'a':
			return vowel("A")
		case 'o':
			return vowel("O")
		case 'u':
			return longU(w, i)
		}
	}
	switch c {
	case 'a':
		return short("æ")
	case 'e':
		return short("ɛ")
	case 'i':
		return unit{syms: []string{"ɪ"}, nucleus: true}
	case 'o':
		return short("ɑ")
	}
	return short("ʌ")
}

func longU(w string, i int) unit {
	if i > 0 {
		switch w[i-1] {
		case 'r', 'l', 'j', 's', 'h', 'd', 't', 'z':
			return vowel("u")
		}
	}
	return vowel("j", "u")
}

func firstVowel(w string) int {
	return strings.IndexAny(w, "aeiou")
}

// scanConsonants converts a consonant cluster. w and off locate the cluster
// in its word so that context rules can look around it.
func scanConsonants(cluster, w string, off int) []unit {
	var out []unit
	n := len(cluster)
	next := func(i int) byte {
		if off+i < len(w) {
			return w[off+i]
		}
		return 0
	}
	for i := 0; i < n; {
		rest := cluster[i:]
		atStart := off+i == 0
		switch {
		case i > 0 && cluster[i] == cluster[i-1]:
			i++
		case strings.HasPrefix(rest, "tch"):
			out, i = append(out, cons("ʧ")), i+3
		case strings.HasPrefix(rest, "sch"):
			out, i = append(out, cons("s", "k")), i+3
		case strings.HasPrefix(rest, "dg") && next(i+2) == 'e':
			out, i = append(out, cons("ʤ")), i+2
		case strings.HasPrefix(rest, "ch"):
			out, i = append(out, cons("ʧ")), i+2
		case strings.HasPrefix(rest, "sh"):
			out, i = append(out, cons("ʃ")), i+2
		case strings.HasPrefix(rest, "th"):
			if !atStart && next(i+2) == 'e' && next(i+3) == 'r' {
				out = append(out, cons("ð"))
			} else {
				out = append(out, cons("θ"))
			}
			i += 2
		case strings.HasPrefix(rest, "ph"):
			out, i = append(out, cons("f")), i+2
		case strings.HasPrefix(rest, "wh"):
			out, i = append(out, cons("w")), i+2
		case strings.HasPrefix(rest, "ck"):
			out, i = append(out, cons("k")), i+2
		case strings.HasPrefix(rest, "ng"):
			if c := next(i + 2); c == 'e' || c == 'i' || c == 'y' {
				out, i = append(out, cons("n")), i+1
			} else {
				out, i = append(out, cons("ŋ")), i+2
			}
		case strings.HasPrefix(rest, "nk"):
			out, i = append(out, cons("ŋ", "k")), i+2
		case atStart && strings.HasPrefix(rest, "kn"):
			out, i = append(out, cons("n")), i+2
		case atStart && strings.HasPrefix(rest, "wr"):
			out, i = append(out, cons("ɹ")), i+2
		case atStart && strings.HasPrefix(rest, "gn"), strings.HasPrefix(rest, "gn") && off+i+2 == len(w):
			out, i = append(out, cons("n")), i+2
		case strings.HasPrefix(rest, "mb") && off+i+2 == len(w):
			out, i = append(out, cons("m")), i+2
		case strings.HasPrefix(rest, "gh"):
			if atStart {
				out = append(out, cons("ɡ"))
			}
			i += 2
		default:
			out = append(out, consonant(cluster[i], next(i+1), atStart, off+i, w))
			i++
		}
	}
	return out
}

func consonant(c, following byte, atStart bool, pos int, w string) unit {
	front := following == 'e' || following == 'i' || following == 'y'
	switch c {
	case 'c':
		if front {
			return cons("s")
		}
		return cons("k")
	case 'g':
		if front {
			return cons("ʤ")
		}
		return cons("ɡ")
	case 'x':
		if atStart {
			return cons("z")
		}
		return cons("k", "s")
	case 's':
		if pos > 0 && isVowelByte(w[pos-1]) && isVowelByte(following) {
			return cons("z")
		}
		return cons("s")
	case 'j':
		return cons("ʤ")
	case 'r':
		return cons("ɹ")
	case 'q':
		return cons("k")
	}
	return cons(string(c))
}

// assignStress marks the primary-stressed nucleus and weakens the rest.
func assignStress(units []unit, stem string) {
	var nuclei []int
	for i, u := range units {
		if u.nucleus && len(u.syms) > 0 && !u.suffix {
			nuclei = append(nuclei, i)
		}
	}
	if len(nuclei) == 0 {
		for i, u := range units {
			if u.nucleus && len(u.syms) > 0 {
				nuclei = append(nuclei, i)
				break
			}
		}
	}
	if len(nuclei) == 0 {
		return
	}

	stressed := nuclei[0]
	if len(nuclei) > 1 {
		for _, p := range unstressedPrefixes {
			if strings.HasPrefix(stem, p) && len(stem) > len(p)+2 {
				stressed = nuclei[1]
				break
			}
		}
		if strings.HasSuffix(stem, "ic") || strings.HasSuffix(stem, "tion") || strings.HasSuffix(stem, "sion") {
			stressed = nuclei[len(nuclei)-1]
		}
	}

	for i := range units {
		u := &units[i]
		if !u.nucleus || len(u.syms) == 0 {
			continue
		}
		if i == stressed {
			u.syms = append([]string{SymbolPrimary}, u.syms...)
			continue
		}
		if u.reducible && len(nuclei) > 1 {
			switch u.syms[0] {
			case "æ", "ɑ", "ʌ", "ɛ":
				u.syms[0] = "ə"
			case "ɜ":
				u.syms[0] = "ə"
			}
		}
	}
}

func render(units []unit, lang Lang) Sequence {
	var b strings.Builder
	for _, u := range units {
		for _, s := range u.syms {
			b.WriteString(s)
		}
	}
	return parseSymbols(b.String(), lang)
}

// britishize maps General American output onto the British rule set:
// non-rhotic r, the GOAT diphthong as Q, and a for the TRAP vowel.
func britishize(seq Sequence) Sequence {
	out := make(Sequence, 0, len(seq))
	for i, ph := range seq {
		switch ph.Symbol {
		case "O":
			ph.Symbol = "Q"
		case "æ":
			ph.Symbol = "a"
		case "ɹ":
			if !followedByVowel(seq, i) {
				if len(out) > 0 {
					switch out[len(out)-1].Symbol {
					case "ɑ", "ɔ", "ɜ":
						out = append(out, Phoneme{Symbol: SymbolLong, Lang: LangEnGB})
					}
				}
				continue
			}
		}
		ph.Lang = LangEnGB
		out = append(out, ph)
	}
	return out
}

func followedByVowel(seq Sequence, i int) bool {
	for j := i + 1; j < len(seq); j++ {
		switch seq[j].Symbol {
		case SymbolPrimary, SymbolSecondary:
			continue
		}
		return IsVowel(seq[j].Symbol)
	}
	return false
}
