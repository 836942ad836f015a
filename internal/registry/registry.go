package registry

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrDuplicateKey is returned by Insert when the key is already registered.
	ErrDuplicateKey = errors.New("registry: duplicate key")
	// ErrMissingKey is returned by Remove when the key is not registered.
	ErrMissingKey = errors.New("registry: missing key")
)

type entry[K comparable, V any] struct {
	key   K
	value V
}

// Registry is a keyed store of entity handles. Iteration follows insertion
// order so that effects derived from it are deterministic.
type Registry[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]*list.Element
	order   *list.List
}

// New constructs an empty registry.
func New[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{
		entries: make(map[K]*list.Element),
		order:   list.New(),
	}
}

// Get returns the value stored under key.
func (r *Registry[K, V]) Get(key K) (V, bool) {
	var zero V
	if r == nil {
		return zero, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	elem, ok := r.entries[key]
	if !ok {
		return zero, false
	}
	return elem.Value.(*entry[K, V]).value, true
}

// Contains reports whether key is registered.
func (r *Registry[K, V]) Contains(key K) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	_, ok := r.entries[key]
	r.mu.RUnlock()
	return ok
}

// Insert registers value under key. Callers must check for presence first;
// inserting an existing key is an invariant failure reported as ErrDuplicateKey.
func (r *Registry[K, V]) Insert(key K, value V) error {
	if r == nil {
		return errors.New("registry: nil registry")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("%w: %v", ErrDuplicateKey, key)
	}
	r.entries[key] = r.order.PushBack(&entry[K, V]{key: key, value: value})
	return nil
}

// InsertBefore registers value under key ahead of mark in iteration order.
// When mark is not registered the value is appended like Insert.
func (r *Registry[K, V]) InsertBefore(key K, value V, mark K) error {
	if r == nil {
		return errors.New("registry: nil registry")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("%w: %v", ErrDuplicateKey, key)
	}
	e := &entry[K, V]{key: key, value: value}
	if at, ok := r.entries[mark]; ok {
		r.entries[key] = r.order.InsertBefore(e, at)
		return nil
	}
	r.entries[key] = r.order.PushBack(e)
	return nil
}

// Remove unregisters key and returns the value it held.
func (r *Registry[K, V]) Remove(key K) (V, error) {
	var zero V
	if r == nil {
		return zero, errors.New("registry: nil registry")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	elem, ok := r.entries[key]
	if !ok {
		return zero, fmt.Errorf("%w: %v", ErrMissingKey, key)
	}
	delete(r.entries, key)
	r.order.Remove(elem)
	return elem.Value.(*entry[K, V]).value, nil
}

// Keys returns a snapshot of the registered keys in insertion order.
func (r *Registry[K, V]) Keys() []K {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]K, 0, len(r.entries))
	for elem := r.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*entry[K, V]).key)
	}
	return keys
}

// Range calls fn for each entry in insertion order until fn returns false.
// fn must not mutate the registry.
func (r *Registry[K, V]) Range(fn func(key K, value V) bool) {
	if r == nil || fn == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for elem := r.order.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*entry[K, V])
		if !fn(e.key, e.value) {
			return
		}
	}
}

// Len returns the number of registered keys.
func (r *Registry[K, V]) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
