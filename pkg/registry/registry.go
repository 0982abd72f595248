// Package registry provides process-wide, name-keyed discovery of shared
// runtime components: the first caller of a name creates the instance,
// subsequent callers attach to it.
//
// The registry is an explicit handle passed to the components that need
// lookup, not ambient global state. Its lifecycle spans process startup to
// shutdown; Close tears entries down in reverse creation order.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/allenwang28/monarch-rl-examples/pkg/rl"
)

// ErrClosed is returned when creating or attaching after Close.
var ErrClosed = errors.New("registry is closed")

// Registry is a name-keyed component store. Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[string]any
	order   []string
	closed  bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]any),
	}
}

// GetOrCreate returns the entry under name, invoking create to build it if
// this is the first caller. The factory runs under the registry lock, so
// exactly one caller creates regardless of races; a factory error leaves
// the name unbound for the next attempt.
func (r *Registry) GetOrCreate(name string, create func() (any, error)) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if existing, ok := r.entries[name]; ok {
		return existing, nil
	}
	instance, err := create()
	if err != nil {
		return nil, fmt.Errorf("failed to create registry entry %q: %w", name, err)
	}
	r.entries[name] = instance
	r.order = append(r.order, name)
	return instance, nil
}

// Get returns the entry under name, if present.
func (r *Registry) Get(name string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[name]
	return entry, ok
}

// Remove detaches the entry under name without closing it. It reports
// whether an entry was present.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return false
	}
	delete(r.entries, name)
	for i, existing := range r.order {
		if existing == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

type contextCloser interface {
	Close(ctx context.Context) error
}

// Close tears down entries in reverse creation order, calling Close on any
// entry that has one. The registry rejects further creation afterwards.
// Errors are joined rather than short-circuiting so every entry gets its
// shutdown chance.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := make([]any, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		entries = append(entries, r.entries[r.order[i]])
	}
	r.entries = map[string]any{}
	r.order = nil
	r.mu.Unlock()

	var errs []error
	for _, entry := range entries {
		switch c := entry.(type) {
		case contextCloser:
			if err := c.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		case io.Closer:
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Attach returns the entry under name with its concrete type, creating it
// via create on first call. Attaching with a type that disagrees with what
// the first caller created fails with a type-mismatch error.
func Attach[T any](r *Registry, name string, create func() (T, error)) (T, error) {
	var zero T
	instance, err := r.GetOrCreate(name, func() (any, error) {
		return create()
	})
	if err != nil {
		return zero, err
	}
	typed, ok := instance.(T)
	if !ok {
		return zero, rl.ErrRegistryTypeMismatch(name, fmt.Sprintf("%T", zero), fmt.Sprintf("%T", instance))
	}
	return typed, nil
}

// Lookup returns an existing entry with its concrete type. Unlike Attach it
// never creates; absence is reported via the boolean.
func Lookup[T any](r *Registry, name string) (T, bool, error) {
	var zero T
	instance, ok := r.Get(name)
	if !ok {
		return zero, false, nil
	}
	typed, ok := instance.(T)
	if !ok {
		return zero, true, rl.ErrRegistryTypeMismatch(name, fmt.Sprintf("%T", zero), fmt.Sprintf("%T", instance))
	}
	return typed, true, nil
}
