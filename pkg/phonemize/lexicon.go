package phonemize

import (
	"bufio"
	_ "embed"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
)

//go:embed data/en_us.tsv
var englishLexiconData string

// lexicon is an immutable word → pronunciation table.
type lexicon struct {
	entries map[string]string
}

var (
	defaultLex     *lexicon
	defaultLexOnce sync.Once
)

// defaultLexicon parses the embedded English lexicon once.
func defaultLexicon() *lexicon {
	defaultLexOnce.Do(func() {
		defaultLex = parseLexicon(englishLexiconData)
	})
	return defaultLex
}

// asciiFold maps the ASCII stand-ins used in lexicon files to IPA.
var asciiFold = strings.NewReplacer("g", "ɡ", "r", "ɹ")

func parseLexicon(data string) *lexicon {
	lex := &lexicon{entries: make(map[string]string)}
	sc := bufio.NewScanner(strings.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		word, pron, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		lex.entries[strings.ToLower(strings.TrimSpace(word))] = asciiFold.Replace(strings.TrimSpace(pron))
	}
	return lex
}

// with returns a copy of l extended by extra. l itself is not modified.
func (l *lexicon) with(extra map[string]string) *lexicon {
	if len(extra) == 0 {
		return l
	}
	out := &lexicon{entries: maps.Clone(l.entries)}
	for w, p := range extra {
		out.entries[strings.ToLower(w)] = asciiFold.Replace(p)
	}
	return out
}

func (l *lexicon) lookup(word string) (string, bool) {
	p, ok := l.entries[word]
	return p, ok
}

// words returns the lexicon's headwords in sorted order.
func (l *lexicon) words() []string {
	return slices.Sorted(maps.Keys(l.entries))
}

// ---- spelling variants ----

// minVariantLen is the shortest word considered for variant lookup; short
// words collide phonetically too often.
const minVariantLen = 5

// variantIndex finds lexicon words that are likely alternative spellings of
// an unknown word ("colour" → "color"). Candidates share a Double Metaphone
// code and are ranked by Jaro-Winkler similarity.
type variantIndex struct {
	lex       *lexicon
	byCode    map[string][]string
	threshold float64
}

func newVariantIndex(lex *lexicon, threshold float64) *variantIndex {
	idx := &variantIndex{
		lex:       lex,
		byCode:    make(map[string][]string),
		threshold: threshold,
	}
	for _, w := range lex.words() {
		if len([]rune(w)) < minVariantLen-1 {
			continue
		}
		primary, secondary := matchr.DoubleMetaphone(w)
		idx.byCode[primary] = append(idx.byCode[primary], w)
		if secondary != "" && secondary != primary {
			idx.byCode[secondary] = append(idx.byCode[secondary], w)
		}
	}
	return idx
}

// lookup returns the pronunciation of the closest variant of word, if any
// candidate clears the similarity threshold.
func (v *variantIndex) lookup(word string) (string, bool) {
	if len([]rune(word)) < minVariantLen || strings.ContainsAny(word, "-'") {
		return "", false
	}
	primary, secondary := matchr.DoubleMetaphone(word)
	best, bestScore := "", 0.0
	for _, code := range []string{primary, secondary} {
		if code == "" {
			continue
		}
		for _, cand := range v.byCode[code] {
			if cand[0] != word[0] {
				continue
			}
			score := matchr.JaroWinkler(word, cand, false)
			if score > bestScore || (score == bestScore && cand < best) {
				best, bestScore = cand, score
			}
		}
	}
	if best == "" || bestScore < v.threshold {
		return "", false
	}
	return v.lex.lookup(best)
}
