package voice

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidMix is the sentinel wrapped by every [*ValidationError].
var ErrInvalidMix = errors.New("voice: invalid mix expression")

// ValidationError reports a malformed mix expression. Pos is the byte offset
// in Expr where parsing stopped.
type ValidationError struct {
	Expr   string
	Pos    int
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("voice: invalid mix %q at offset %d: %s", e.Expr, e.Pos, e.Reason)
}

// Unwrap returns [ErrInvalidMix].
func (e *ValidationError) Unwrap() error { return ErrInvalidMix }

// Component is one weighted voice reference of a [Mix].
type Component struct {
	Name string

	// Weight lies in (0, 1]. A bare name has weight 1.
	Weight float64
}

// Mix is an ordered, non-empty list of weighted voice references.
type Mix []Component

// String renders m in the grammar accepted by [ParseMix].
func (m Mix) String() string {
	var b strings.Builder
	for i, c := range m {
		if i > 0 {
			b.WriteByte('+')
		}
		b.WriteString(c.Name)
		if c.Weight < 1 {
			fmt.Fprintf(&b, ".%d", int(c.Weight*10+0.5))
		}
	}
	return b.String()
}

// Names returns the referenced voice names in order.
func (m Mix) Names() []string {
	out := make([]string, len(m))
	for i, c := range m {
		out[i] = c.Name
	}
	return out
}

// ParseMix parses a voice mix expression:
//
//	mix       = component { "+" component }
//	component = name [ "." digit ]
//	name      = ( "a"…"z" | "0"…"9" | "_" ) { … }
//	digit     = "1"…"9"
//
// The digit is a decile weight: "af_sky.4" means 0.4 of af_sky. A name
// without a suffix has weight 1. Whitespace around "+" is ignored. Weights
// are returned as written; they are not normalised to sum to 1.
func ParseMix(expr string) (Mix, error) {
	p := mixParser{expr: expr}
	return p.parse()
}

type mixParser struct {
	expr string
	pos  int
}

func (p *mixParser) fail(reason string) error {
	return &ValidationError{Expr: p.expr, Pos: p.pos, Reason: reason}
}

func (p *mixParser) skipSpace() {
	for p.pos < len(p.expr) && (p.expr[p.pos] == ' ' || p.expr[p.pos] == '\t') {
		p.pos++
	}
}

func (p *mixParser) parse() (Mix, error) {
	var mix Mix
	p.skipSpace()
	if p.pos == len(p.expr) {
		return nil, p.fail("empty expression")
	}
	for {
		c, err := p.component()
		if err != nil {
			return nil, err
		}
		mix = append(mix, c)
		p.skipSpace()
		if p.pos == len(p.expr) {
			return mix, nil
		}
		if p.expr[p.pos] != '+' {
			return nil, p.fail(fmt.Sprintf("unexpected %q, want '+'", p.expr[p.pos]))
		}
		p.pos++
		p.skipSpace()
	}
}

func (p *mixParser) component() (Component, error) {
	start := p.pos
	for p.pos < len(p.expr) && isNameByte(p.expr[p.pos]) {
		p.pos++
	}
	if p.pos == start {
		if p.pos == len(p.expr) {
			return Component{}, p.fail("missing voice name")
		}
		return Component{}, p.fail(fmt.Sprintf("unexpected %q, want voice name", p.expr[p.pos]))
	}
	c := Component{Name: p.expr[start:p.pos], Weight: 1}
	if p.pos == len(p.expr) || p.expr[p.pos] != '.' {
		return c, nil
	}
	p.pos++
	if p.pos == len(p.expr) {
		return Component{}, p.fail("missing weight digit after '.'")
	}
	d := p.expr[p.pos]
	if d < '1' || d > '9' {
		return Component{}, p.fail(fmt.Sprintf("weight digit %q outside 1-9", d))
	}
	p.pos++
	if p.pos < len(p.expr) && p.expr[p.pos] >= '0' && p.expr[p.pos] <= '9' {
		return Component{}, p.fail("weight takes a single decile digit")
	}
	c.Weight = float64(d-'0') / 10
	return c, nil
}

func isNameByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9') || b == '_'
}
