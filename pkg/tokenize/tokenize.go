// Package tokenize maps phoneme sequences onto the integer ids consumed by
// the speech model.
//
// Tokenization is total: every phoneme yields exactly one id, and symbols
// missing from the vocabulary map to a configurable fallback id instead of
// failing.
package tokenize

import (
	"fmt"

	"github.com/MrWong99/koko/pkg/phonemize"
)

// Sequence is an ordered list of token ids.
type Sequence []int

// Option is a functional option for [New].
type Option func(*Tokenizer)

// WithFallbackID sets the id used for symbols absent from the vocabulary.
// Default: [DefaultFallbackID].
func WithFallbackID(id int) Option {
	return func(t *Tokenizer) {
		t.fallback = id
	}
}

// Tokenizer converts phoneme sequences to token sequences. It is read-only
// after construction and safe for concurrent use.
type Tokenizer struct {
	vocab    *Vocab
	fallback int
}

// New returns a Tokenizer over vocab. It fails when the fallback id lies
// outside the vocabulary range.
func New(vocab *Vocab, opts ...Option) (*Tokenizer, error) {
	if vocab == nil {
		return nil, fmt.Errorf("tokenize: nil vocabulary")
	}
	t := &Tokenizer{vocab: vocab, fallback: DefaultFallbackID}
	for _, o := range opts {
		o(t)
	}
	if t.fallback < 0 || t.fallback >= vocab.Size() {
		return nil, fmt.Errorf("tokenize: fallback id %d outside [0, %d)", t.fallback, vocab.Size())
	}
	return t, nil
}

// Vocab returns the vocabulary the tokenizer reads from.
func (t *Tokenizer) Vocab() *Vocab { return t.vocab }

// Fallback returns the id used for unknown symbols.
func (t *Tokenizer) Fallback() int { return t.fallback }

// Tokenize returns one id per phoneme, in order.
func (t *Tokenizer) Tokenize(seq phonemize.Sequence) Sequence {
	out := make(Sequence, len(seq))
	for i, ph := range seq {
		out[i] = t.id(ph.Symbol)
	}
	return out
}

// TokenizeString tokenizes a raw symbol string one rune at a time.
func (t *Tokenizer) TokenizeString(symbols string) Sequence {
	out := make(Sequence, 0, len(symbols))
	for _, r := range symbols {
		out = append(out, t.id(string(r)))
	}
	return out
}

func (t *Tokenizer) id(sym string) int {
	if id, ok := t.vocab.ID(sym); ok {
		return id
	}
	return t.fallback
}

// Pad frames ids with the pad id on both sides, the layout the model
// expects at its input.
func Pad(ids Sequence) Sequence {
	out := make(Sequence, 0, len(ids)+2)
	out = append(out, PadID)
	out = append(out, ids...)
	return append(out, PadID)
}
