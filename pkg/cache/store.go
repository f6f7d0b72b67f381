package cache

import (
	"context"
	"sync"
)

// Store owns a set of named cache namespaces sharing one configuration.
// Namespaces are created lazily on first use; components address their own
// namespace without coordinating cache construction with each other.
type Store[V any] struct {
	ctx     context.Context
	config  Config
	options []Option[V]

	mu         sync.RWMutex
	namespaces map[string]Cache[V]
	closed     bool
}

// NewStore creates a namespace store. Every namespace is built from config
// and the given options; a disabled config yields noop namespaces.
func NewStore[V any](ctx context.Context, config Config, options ...Option[V]) (*Store[V], error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Store[V]{
		ctx:        ctx,
		config:     config,
		options:    options,
		namespaces: make(map[string]Cache[V]),
	}, nil
}

// Namespace returns the cache for name, creating it on first use. Concurrent
// first use yields a single shared cache. A closed store hands out noop
// caches so late callers degrade to misses instead of panics.
func (s *Store[V]) Namespace(name string) (Cache[V], error) {
	s.mu.RLock()
	c, exists := s.namespaces[name]
	closed := s.closed
	s.mu.RUnlock()
	if exists {
		return c, nil
	}
	if closed {
		return NewNoop[V](), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, exists := s.namespaces[name]; exists {
		return c, nil
	}
	if s.closed {
		return NewNoop[V](), nil
	}

	c, err := NewFromConfig(s.ctx, s.config, s.options...)
	if err != nil {
		return nil, err
	}
	s.namespaces[name] = c
	return c, nil
}

// Names returns the namespaces created so far.
func (s *Store[V]) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.namespaces))
	for name := range s.namespaces {
		names = append(names, name)
	}
	return names
}

// Close closes every namespace. The first error is returned; remaining
// namespaces are still closed.
func (s *Store[V]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	namespaces := s.namespaces
	s.namespaces = make(map[string]Cache[V])
	s.mu.Unlock()

	var firstErr error
	for _, c := range namespaces {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
