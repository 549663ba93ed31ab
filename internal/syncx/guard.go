// Package syncx provides extended synchronization primitives
package syncx

import "sync"

// RWGuard couples a value with an RWMutex so every access point goes
// through the lock. Used for the master-call slot: many concurrent readers
// (scorers), exclusive replacement on load.
type RWGuard[T any] struct {
	mu    sync.RWMutex
	value T
}

// NewGuard creates a guarded value.
func NewGuard[T any](initial T) *RWGuard[T] {
	return &RWGuard[T]{value: initial}
}

// Get returns the value under the read lock (T should be a value type or
// treated as immutable).
func (g *RWGuard[T]) Get() T {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value
}

// Set replaces the value under the write lock; readers observe either the
// old or the new value, never a partial one.
func (g *RWGuard[T]) Set(v T) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value = v
}
