package service

import (
	"maps"
	"sync"

	"github.com/keelframework/keel/errors"
)

// Registry manages service constructor registration. Binaries register the
// constructors they ship at init time; the manager then instantiates only
// the services the configuration names.
type Registry struct {
	constructors map[string]Constructor
	mu           sync.RWMutex
}

// NewRegistry creates a new service registry.
func NewRegistry() *Registry {
	return &Registry{
		constructors: make(map[string]Constructor),
	}
}

// Register registers a service constructor.
func (r *Registry) Register(name string, constructor Constructor) error {
	if name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "service name cannot be empty")
	}
	if constructor == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "constructor cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.constructors[name]; exists {
		return errors.WrapInvalid(errors.ErrAlreadyRegistered, "Registry", "Register", name)
	}

	r.constructors[name] = constructor
	return nil
}

// Constructor returns the constructor for the given service name.
func (r *Registry) Constructor(name string) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	constructor, exists := r.constructors[name]
	return constructor, exists
}

// Services returns all registered service names.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	return names
}

// Constructors returns a copy of all constructors.
func (r *Registry) Constructors() map[string]Constructor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c := make(map[string]Constructor, len(r.constructors))
	maps.Copy(c, r.constructors)
	return c
}
