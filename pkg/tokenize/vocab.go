package tokenize

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
)

const (
	// PadID frames every token sequence at the model boundary.
	PadID = 0

	// DefaultFallbackID is the id of the word separator. Symbols that have no
	// entry in the vocabulary are read as a short gap rather than rejected.
	DefaultFallbackID = 16
)

// kokoroSymbols is the symbol table the Kokoro-82M checkpoints were trained
// with. Gaps in the id range are unused slots.
var kokoroSymbols = map[string]int{
	";": 1, ":": 2, ",": 3, ".": 4, "!": 5, "?": 6, "—": 9, "…": 10,
	"\"": 11, "(": 12, ")": 13, "“": 14, "”": 15, " ": 16,
	"̃": 17, "ʣ": 18, "ʥ": 19, "ʦ": 20, "ʨ": 21, "ᵝ": 22, "ꭧ": 23,
	"A": 24, "I": 25, "O": 31, "Q": 33, "S": 35, "T": 36, "W": 39, "Y": 41, "ᵊ": 42,
	"a": 43, "b": 44, "c": 45, "d": 46, "e": 47, "f": 48, "h": 50, "i": 51,
	"j": 52, "k": 53, "l": 54, "m": 55, "n": 56, "o": 57, "p": 58, "q": 59,
	"r": 60, "s": 61, "t": 62, "u": 63, "v": 64, "w": 65, "x": 66, "y": 67, "z": 68,
	"ɑ": 69, "ɐ": 70, "ɒ": 71, "æ": 72, "β": 75, "ɔ": 76, "ɕ": 77, "ç": 78,
	"ɖ": 80, "ð": 81, "ʤ": 82, "ə": 83, "ɚ": 85, "ɛ": 86, "ɜ": 87, "ɟ": 90,
	"ɡ": 92, "ɥ": 99, "ɨ": 101, "ɪ": 102, "ʝ": 103, "ɯ": 110, "ɰ": 111,
	"ŋ": 112, "ɳ": 113, "ɲ": 114, "ɴ": 115, "ø": 116, "ɸ": 118, "θ": 119,
	"œ": 120, "ɹ": 123, "ɾ": 125, "ɻ": 126, "ʁ": 128, "ɽ": 129, "ʂ": 130,
	"ʃ": 131, "ʈ": 132, "ʧ": 133, "ʊ": 135, "ʋ": 136, "ʌ": 138, "ɣ": 139,
	"ɤ": 140, "χ": 142, "ʎ": 143, "ʒ": 147, "ʔ": 148, "ˈ": 156, "ˌ": 157,
	"ː": 158, "ʰ": 162, "ʲ": 164, "↓": 169, "→": 171, "↗": 172, "↘": 173, "ᵻ": 177,
}

// Vocab is an immutable symbol → id table. The zero value is not usable;
// build one with [DefaultVocab] or [LoadVocab].
type Vocab struct {
	ids     map[string]int
	symbols map[int]string
	size    int
}

// NewVocab builds a vocabulary from a symbol table. Ids must be positive
// (0 is reserved for padding) and unique.
func NewVocab(symbols map[string]int) (*Vocab, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("tokenize: empty vocabulary")
	}
	seen := make(map[int]string, len(symbols))
	size := PadID + 1
	for _, sym := range slices.Sorted(maps.Keys(symbols)) {
		id := symbols[sym]
		if sym == "" {
			return nil, fmt.Errorf("tokenize: empty symbol mapped to id %d", id)
		}
		if id <= PadID {
			return nil, fmt.Errorf("tokenize: symbol %q has reserved id %d", sym, id)
		}
		if other, dup := seen[id]; dup {
			return nil, fmt.Errorf("tokenize: symbols %q and %q share id %d", other, sym, id)
		}
		seen[id] = sym
		size = max(size, id+1)
	}
	return &Vocab{ids: maps.Clone(symbols), symbols: seen, size: size}, nil
}

// DefaultVocab returns the built-in Kokoro vocabulary.
func DefaultVocab() *Vocab {
	v, err := NewVocab(kokoroSymbols)
	if err != nil {
		panic(err)
	}
	return v
}

// LoadVocab reads a JSON object of symbol → id pairs, the layout of the
// "vocab" block in a Kokoro config.json. A whole config file is accepted too.
func LoadVocab(r io.Reader) (*Vocab, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("tokenize: read vocabulary: %w", err)
	}
	var wrapped struct {
		Vocab map[string]int `json:"vocab"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Vocab) > 0 {
		return NewVocab(wrapped.Vocab)
	}
	var symbols map[string]int
	if err := json.Unmarshal(raw, &symbols); err != nil {
		return nil, fmt.Errorf("tokenize: decode vocabulary: %w", err)
	}
	return NewVocab(symbols)
}

// Size returns one past the largest id, i.e. every id produced by this
// vocabulary lies in [0, Size()).
func (v *Vocab) Size() int { return v.size }

// Len returns the number of symbols in the table.
func (v *Vocab) Len() int { return len(v.ids) }

// ID returns the id for sym.
func (v *Vocab) ID(sym string) (int, bool) {
	id, ok := v.ids[sym]
	return id, ok
}

// Symbol returns the symbol for id.
func (v *Vocab) Symbol(id int) (string, bool) {
	s, ok := v.symbols[id]
	return s, ok
}

// IDs returns the ids of the given symbols that exist in the vocabulary.
func (v *Vocab) IDs(symbols ...string) []int {
	var out []int
	for _, s := range symbols {
		if id, ok := v.ids[s]; ok {
			out = append(out, id)
		}
	}
	return out
}
