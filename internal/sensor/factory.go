package sensor

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// A Factory builds sensors from their InitConfig.
// It must fail with ErrIncompatibleConfig when the config does not belong to its kind.
type Factory interface {
	Create(env Environment, config InitConfig) (Sensor, error)
}

// FactoryFunc is an adapter to allow the use of ordinary functions as Factory.
type FactoryFunc func(env Environment, config InitConfig) (Sensor, error)

// Create calls f(env, config).
func (f FactoryFunc) Create(env Environment, config InitConfig) (Sensor, error) {
	return f(env, config)
}

// A Registry maps kinds to their factory.
type Registry struct {
	mu        sync.RWMutex
	factories map[Kind]Factory
}

// Registry errors.
var (
	ErrAlreadyRegistered = errors.New("factory already registered")
	ErrNotRegistered     = errors.New("no factory registered")
)

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: map[Kind]Factory{},
	}
}

// Register adds the factory for the kind.
func (r *Registry) Register(kind Kind, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[kind]; ok {
		return errors.Wrapf(ErrAlreadyRegistered, "sensor %s", kind)
	}
	r.factories[kind] = f
	return nil
}

// Unregister removes the factory of the kind.
func (r *Registry) Unregister(kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.factories, kind)
}

// Lookup returns the factory of the kind.
func (r *Registry) Lookup(kind Kind) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[kind]
	if !ok {
		return nil, errors.Wrapf(ErrNotRegistered, "sensor %s", kind)
	}
	return f, nil
}

// Kinds returns the registered kinds.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Kind, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool {
		return kinds[i] < kinds[j]
	})
	return kinds
}
