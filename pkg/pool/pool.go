// ABOUTME: Generic object pool with exclusive checkout and reset on reuse
// ABOUTME: Free list backed; objects are reset before they are handed out again
package pool

import (
	"errors"
	"sync"
)

// ErrForeign is returned when Put is given an object that is not checked out.
var ErrForeign = errors.New("pool: object not checked out from this pool")

// Pool hands out objects of type T. An object is owned by exactly one caller
// between Get and Put.
type Pool[T comparable] struct {
	newFn   func() (T, error)
	resetFn func(T)
	maxFree int

	mu   sync.Mutex
	free []T
	out  map[T]struct{}
}

// New creates a pool. reset runs on every object handed out by Get that
// was used before. maxFree bounds the free list; 0 means unbounded.
func New[T comparable](newFn func() (T, error), reset func(T), maxFree int) *Pool[T] {
	return &Pool[T]{
		newFn:   newFn,
		resetFn: reset,
		maxFree: maxFree,
		out:     make(map[T]struct{}),
	}
}

// Get checks out a reset object, allocating when the free list is empty.
func (p *Pool[T]) Get() (T, error) {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		obj := p.free[n-1]
		var zero T
		p.free[n-1] = zero
		p.free = p.free[:n-1]
		p.out[obj] = struct{}{}
		p.mu.Unlock()

		if p.resetFn != nil {
			p.resetFn(obj)
		}
		return obj, nil
	}
	p.mu.Unlock()

	obj, err := p.newFn()
	if err != nil {
		var zero T
		return zero, err
	}
	p.mu.Lock()
	p.out[obj] = struct{}{}
	p.mu.Unlock()
	return obj, nil
}

// Put returns obj. It reports dropped=true when the free list is full and
// the object was released instead of kept.
func (p *Pool[T]) Put(obj T) (dropped bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.out[obj]; !ok {
		return false, ErrForeign
	}
	delete(p.out, obj)
	if p.maxFree > 0 && len(p.free) >= p.maxFree {
		return true, nil
	}
	p.free = append(p.free, obj)
	return false, nil
}

// Stats reports free and checked-out counts.
func (p *Pool[T]) Stats() (free, out int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free), len(p.out)
}
