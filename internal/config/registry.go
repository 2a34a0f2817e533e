package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/koko/pkg/inference"
)

// ErrBackendNotRegistered is returned by [Registry.CreateModel] when no
// factory has been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: model backend not registered")

// ModelFactory builds a speech model from its configuration section.
type ModelFactory func(ModelConfig) (inference.Model, error)

// Registry maps backend names to model constructors. It is safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex
	models map[Backend]ModelFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{models: make(map[Backend]ModelFactory)}
}

// RegisterModel registers a model factory under backend.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterModel(backend Backend, factory ModelFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[backend] = factory
}

// Backends returns the registered backend names in sorted order.
func (r *Registry) Backends() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Backend, 0, len(r.models))
	for b := range r.models {
		out = append(out, b)
	}
	slices.Sort(out)
	return out
}

// CreateModel instantiates the model for cfg.Backend.
// Returns [ErrBackendNotRegistered] if no factory has been registered for it.
func (r *Registry) CreateModel(cfg ModelConfig) (inference.Model, error) {
	r.mu.RLock()
	factory, ok := r.models[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, cfg.Backend)
	}
	m, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create %s model: %w", cfg.Backend, err)
	}
	return m, nil
}
