package resilience

import (
	"context"
	"errors"
	"fmt"
)

// ErrAllFailed is returned by [Do] when no endpoint in the group produced a
// result.
var ErrAllFailed = errors.New("resilience: all endpoints failed")

type member[T any] struct {
	value   T
	breaker *Breaker
}

// Group holds endpoints in priority order, each behind its own [Breaker].
// Members are added before the group is shared.
type Group[T any] struct {
	cfg     Config
	members []member[T]
}

// NewGroup returns an empty group whose breakers use cfg. The Name field is
// replaced per member.
func NewGroup[T any](cfg Config) *Group[T] {
	return &Group[T]{cfg: cfg}
}

// Add appends an endpoint after the existing ones.
func (g *Group[T]) Add(name string, v T) {
	cfg := g.cfg
	cfg.Name = name
	g.members = append(g.members, member[T]{value: v, breaker: NewBreaker(cfg)})
}

// Len returns the number of endpoints.
func (g *Group[T]) Len() int { return len(g.members) }

// States returns each endpoint's breaker state keyed by name.
func (g *Group[T]) States() map[string]State {
	out := make(map[string]State, len(g.members))
	for _, m := range g.members {
		out[m.breaker.Name()] = m.breaker.State()
	}
	return out
}

// Do calls fn against each endpoint in order until one succeeds. Endpoints
// with an open breaker are skipped. An error the breaker does not count as
// a failure (a rejected request rather than a broken endpoint) is returned
// at once without trying the rest. Otherwise the last error is returned
// wrapped in [ErrAllFailed].
func Do[T, R any](ctx context.Context, g *Group[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error = ErrCircuitOpen
	)
	for _, m := range g.members {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		var res R
		err := m.breaker.Do(func() error {
			var err error
			res, err = fn(ctx, m.value)
			return err
		})
		switch {
		case err == nil:
			return res, nil
		case ctx.Err() != nil:
			return zero, err
		case errors.Is(err, ErrCircuitOpen):
			m.breaker.cfg.Logger.Debug("skipping endpoint, circuit open", "endpoint", m.breaker.Name())
			continue
		case !m.breaker.Failure(err):
			return zero, err
		}
		lastErr = err
		m.breaker.cfg.Logger.Warn("endpoint failed, trying next", "endpoint", m.breaker.Name(), "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
