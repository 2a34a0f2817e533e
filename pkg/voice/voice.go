// Package voice holds the voice style registry and resolves mix expressions
// into style embeddings.
//
// A [Registry] is built once at startup from a set of [Style] values and is
// immutable afterwards, so any number of goroutines may resolve against it
// without locking.
//
// Resolving a [Mix] computes the weighted sum of its components' embeddings.
// The weights are applied exactly as written. They are not normalised, so
// "af_sky.4+af_nicole.5" yields 0.4·af_sky + 0.5·af_nicole, a vector whose
// weights sum to 0.9. Callers that want a unit-sum blend must write one.
package voice

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/antzucaro/matchr"
)

// ErrUnknownVoice is the sentinel wrapped by every [*UnknownVoiceError].
var ErrUnknownVoice = errors.New("voice: unknown voice")

// UnknownVoiceError reports a mix component whose name is not registered.
type UnknownVoiceError struct {
	Name string

	// Suggestion is the closest registered name, or empty.
	Suggestion string
}

func (e *UnknownVoiceError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("voice: unknown voice %q (did you mean %q?)", e.Name, e.Suggestion)
	}
	return fmt.Sprintf("voice: unknown voice %q", e.Name)
}

// Unwrap returns [ErrUnknownVoice].
func (e *UnknownVoiceError) Unwrap() error { return ErrUnknownVoice }

// Style is one named voice identity.
type Style struct {
	Name string

	// Language is the phonemizer language tag the voice was trained on. When
	// empty, [NewRegistry] derives it from the name prefix.
	Language string

	Embedding []float32
}

// Embedding is a resolved style vector owned by one request.
type Embedding []float32

// LanguageOf derives a language tag from the conventional Kokoro voice name
// prefix: "a" American English, "b" British English, "e" Spanish. Unknown
// prefixes default to American English.
func LanguageOf(name string) string {
	if name == "" {
		return "en-us"
	}
	switch name[0] {
	case 'b':
		return "en-gb"
	case 'e':
		return "es"
	}
	return "en-us"
}

// Registry is an immutable set of voice styles sharing one embedding
// dimension.
type Registry struct {
	styles map[string]Style
	names  []string
	dim    int
}

// NewRegistry validates styles and builds a registry. Names must be unique
// and valid mix names, and all embeddings must have the same non-zero
// length. The embeddings are copied.
func NewRegistry(styles []Style) (*Registry, error) {
	if len(styles) == 0 {
		return nil, errors.New("voice: empty registry")
	}
	r := &Registry{styles: make(map[string]Style, len(styles))}
	var errs []error
	for _, s := range styles {
		if !validName(s.Name) {
			errs = append(errs, fmt.Errorf("voice: invalid voice name %q", s.Name))
			continue
		}
		if _, dup := r.styles[s.Name]; dup {
			errs = append(errs, fmt.Errorf("voice: duplicate voice %q", s.Name))
			continue
		}
		if len(s.Embedding) == 0 {
			errs = append(errs, fmt.Errorf("voice: %q has an empty embedding", s.Name))
			continue
		}
		if r.dim == 0 {
			r.dim = len(s.Embedding)
		}
		if len(s.Embedding) != r.dim {
			errs = append(errs, fmt.Errorf("voice: %q has dimension %d, want %d", s.Name, len(s.Embedding), r.dim))
			continue
		}
		if s.Language == "" {
			s.Language = LanguageOf(s.Name)
		}
		s.Embedding = slices.Clone(s.Embedding)
		r.styles[s.Name] = s
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	r.names = slices.Sorted(maps.Keys(r.styles))
	return r, nil
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i := range len(name) {
		if !isNameByte(name[i]) {
			return false
		}
	}
	return true
}

// Dim returns the embedding length shared by every style.
func (r *Registry) Dim() int { return r.dim }

// Len returns the number of registered voices.
func (r *Registry) Len() int { return len(r.names) }

// Names returns the registered voice names in sorted order.
func (r *Registry) Names() []string { return slices.Clone(r.names) }

// Lookup returns the named style. The returned embedding is shared and must
// not be modified.
func (r *Registry) Lookup(name string) (Style, bool) {
	s, ok := r.styles[name]
	return s, ok
}

// Resolve computes Σ wᵢ·embedding(nameᵢ) over the mix. It fails with an
// [*UnknownVoiceError] naming the first unregistered component; no partial
// result is returned.
func (r *Registry) Resolve(mix Mix) (Embedding, error) {
	if len(mix) == 0 {
		return nil, &ValidationError{Reason: "empty mix"}
	}
	for _, c := range mix {
		if _, ok := r.styles[c.Name]; !ok {
			return nil, &UnknownVoiceError{Name: c.Name, Suggestion: r.suggest(c.Name)}
		}
	}
	out := make(Embedding, r.dim)
	for _, c := range mix {
		w := float32(c.Weight)
		for i, v := range r.styles[c.Name].Embedding {
			out[i] += w * v
		}
	}
	return out, nil
}

// ResolveExpr parses expr and resolves it.
func (r *Registry) ResolveExpr(expr string) (Embedding, Mix, error) {
	mix, err := ParseMix(expr)
	if err != nil {
		return nil, nil, err
	}
	emb, err := r.Resolve(mix)
	if err != nil {
		return nil, nil, err
	}
	return emb, mix, nil
}

// Language returns the language of the mix's first component, which
// decides the phonemizer rule set for the request.
func (r *Registry) Language(mix Mix) string {
	if len(mix) == 0 {
		return ""
	}
	if s, ok := r.styles[mix[0].Name]; ok {
		return s.Language
	}
	return LanguageOf(mix[0].Name)
}

// minSuggestScore is the Jaro-Winkler similarity below which no suggestion
// is offered.
const minSuggestScore = 0.8

func (r *Registry) suggest(name string) string {
	best, bestScore := "", 0.0
	lower := strings.ToLower(name)
	for _, cand := range r.names {
		if score := matchr.JaroWinkler(lower, cand, false); score > bestScore {
			best, bestScore = cand, score
		}
	}
	if bestScore < minSuggestScore {
		return ""
	}
	return best
}
