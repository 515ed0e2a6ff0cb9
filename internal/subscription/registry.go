// Package subscription is a small listener registry shared by the kernel's
// observable components.
package subscription

import (
	"sort"
	"sync"
)

// Cancel removes a listener. Safe to call more than once.
type Cancel func()

// Registry holds listeners for values of type T. Publish calls listeners
// synchronously in subscription order, outside the registry lock, so a
// listener may subscribe or cancel from inside its callback.
type Registry[T any] struct {
	mu        sync.Mutex
	next      uint64
	listeners map[uint64]func(T)
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{listeners: make(map[uint64]func(T))}
}

// Subscribe adds fn and returns its cancel handle.
func (r *Registry[T]) Subscribe(fn func(T)) Cancel {
	r.mu.Lock()
	r.next++
	id := r.next
	r.listeners[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.listeners, id)
			r.mu.Unlock()
		})
	}
}

// Publish delivers v to every current listener.
func (r *Registry[T]) Publish(v T) {
	for _, fn := range r.snapshot() {
		fn(v)
	}
}

// Len reports the number of listeners.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

func (r *Registry[T]) snapshot() []func(T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]uint64, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	fns := make([]func(T), len(ids))
	for i, id := range ids {
		fns[i] = r.listeners[id]
	}
	return fns
}
