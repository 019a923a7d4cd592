// Package cache provides a concurrent map with per-key exclusive
// mutation: an outer lock guards the key directory, every key gets its
// own slot lock. Mutations to one key are strictly serialized while
// unrelated keys proceed fully in parallel.
package cache

import (
	"sync"

	"github.com/oscoin/radicle/internal/domain"
)

type slot[V any] struct {
	mu    sync.Mutex
	value V
}

type Cache[K comparable, V any] struct {
	mu    sync.RWMutex
	slots map[K]*slot[V]
}

func New[K comparable, V any]() *Cache[K, V] {
	return &Cache[K, V]{slots: make(map[K]*slot[V])}
}

// InsertIfAbsent claims the key atomically with respect to the key
// space. Exactly one of N concurrent inserts for the same new key
// succeeds; the rest get domain.ErrAlreadyCached.
func (c *Cache[K, V]) InsertIfAbsent(key K, value V) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.slots[key]; ok {
		return domain.ErrAlreadyCached
	}
	c.slots[key] = &slot[V]{value: value}
	return nil
}

// Lookup reads a snapshot of one key's value.
func (c *Cache[K, V]) Lookup(key K) (V, bool) {
	c.mu.RLock()
	s, ok := c.slots[key]
	c.mu.RUnlock()

	if !ok {
		var zero V
		return zero, false
	}

	s.mu.Lock()
	v := s.value
	s.mu.Unlock()
	return v, true
}

// Modify runs fn with exclusive access to the key's slot for fn's full
// duration; this is the one place a lock may span collaborator I/O, so
// that entries for one machine apply in total order. fn returns the
// replacement value; on error the slot keeps its prior value untouched.
// Returns domain.ErrNotCached when the key is absent. Callers capture
// fn's results through its closure.
func (c *Cache[K, V]) Modify(key K, fn func(V) (V, error)) error {
	c.mu.RLock()
	s, ok := c.slots[key]
	c.mu.RUnlock()

	if !ok {
		return domain.ErrNotCached
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := fn(s.value)
	if err != nil {
		return err
	}
	s.value = next
	return nil
}

// Snapshot returns a weakly consistent view: the key set is a single
// point-in-time copy, but each value may be read at a slightly
// different instant. Callers must tolerate the skew.
func (c *Cache[K, V]) Snapshot() map[K]V {
	c.mu.RLock()
	refs := make(map[K]*slot[V], len(c.slots))
	for k, s := range c.slots {
		refs[k] = s
	}
	c.mu.RUnlock()

	out := make(map[K]V, len(refs))
	for k, s := range refs {
		s.mu.Lock()
		out[k] = s.value
		s.mu.Unlock()
	}
	return out
}

// Len reports the number of cached keys.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.slots)
}
