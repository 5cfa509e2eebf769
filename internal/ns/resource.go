// Package ns implements the per-process resource namespace: resources such
// as the descriptor table and working directory that a clone either shares
// with its parent or receives as an independent copy.
package ns

import (
	"sync"
	"sync/atomic"
)

// Shared is a reference-counted value that several namespaces may hold.
type Shared[T any] struct {
	mu   sync.RWMutex
	val  T
	refs atomic.Int32
}

// Load returns the current value.
func (s *Shared[T]) Load() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.val
}

// Store replaces the value.
func (s *Shared[T]) Store(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.val = v
}

// Refs returns the number of namespaces holding s.
func (s *Shared[T]) Refs() int { return int(s.refs.Load()) }

// Resource is one namespace slot. It is initialized exactly once per
// namespace, either to share another namespace's value or to a fresh one.
type Resource[T any] struct {
	mu      sync.Mutex
	cur     *Shared[T]
	copier  func(T) T
	release func(T)
}

func newResource[T any](copier func(T) T, release func(T)) Resource[T] {
	return Resource[T]{copier: copier, release: release}
}

// InitShared makes the slot refer to s. A nil s, taken from an
// uninitialized slot, gives the slot a fresh zero value.
func (r *Resource[T]) InitShared(s *Shared[T]) {
	if s == nil {
		s = &Shared[T]{}
	}
	s.refs.Add(1)
	r.mu.Lock()
	old := r.cur
	r.cur = s
	r.mu.Unlock()
	r.drop(old)
}

// InitNew makes the slot hold v exclusively.
func (r *Resource[T]) InitNew(v T) {
	s := &Shared[T]{val: v}
	r.InitShared(s)
}

// Share returns the slot's value for another namespace to InitShared.
func (r *Resource[T]) Share() *Shared[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur
}

// CopyInner returns an independent copy of the slot's value.
func (r *Resource[T]) CopyInner() T {
	v := r.Load()
	if r.copier != nil {
		return r.copier(v)
	}
	return v
}

// Load returns the slot's value, or the zero value if uninitialized.
func (r *Resource[T]) Load() T {
	r.mu.Lock()
	cur := r.cur
	r.mu.Unlock()
	if cur == nil {
		var zero T
		return zero
	}
	return cur.Load()
}

// Store replaces the slot's value. Namespaces sharing the slot observe it.
func (r *Resource[T]) Store(v T) {
	r.mu.Lock()
	cur := r.cur
	r.mu.Unlock()
	if cur == nil {
		r.InitNew(v)
		return
	}
	cur.Store(v)
}

// Clear detaches the slot. The value is released once no namespace holds it.
func (r *Resource[T]) Clear() {
	r.mu.Lock()
	old := r.cur
	r.cur = nil
	r.mu.Unlock()
	r.drop(old)
}

func (r *Resource[T]) drop(s *Shared[T]) {
	if s == nil {
		return
	}
	if s.refs.Add(-1) == 0 && r.release != nil {
		r.release(s.Load())
	}
}
