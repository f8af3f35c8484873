// Package cache provides the lazily populated, invalidate-on-write response
// slots that vendor clients keep per device.
package cache

import (
	"context"
	"sync"
)

// Cell holds at most one decoded response. Concurrent Get calls on an empty
// cell share a single fetch; the others wait for it and reuse its result.
type Cell[T any] struct {
	lock chan struct{} // held for the duration of a fetch

	mu    sync.Mutex
	value T
	ok    bool
	gen   uint64
}

// New returns an empty cell.
func New[T any]() *Cell[T] {
	return &Cell[T]{lock: make(chan struct{}, 1)}
}

// Get returns the cached value, calling fetch to populate the cell when it is
// empty. A failed fetch leaves the cell empty.
func (c *Cell[T]) Get(ctx context.Context, fetch func(context.Context) (T, error)) (T, error) {
	if v, ok := c.peek(); ok {
		return v, nil
	}

	select {
	case c.lock <- struct{}{}:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
	defer func() { <-c.lock }()

	c.mu.Lock()
	if c.ok {
		v := c.value
		c.mu.Unlock()
		return v, nil
	}
	gen := c.gen
	c.mu.Unlock()

	v, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}

	c.mu.Lock()
	// An Invalidate during the fetch means v may predate a mutation.
	if c.gen == gen {
		c.value, c.ok = v, true
	}
	c.mu.Unlock()
	return v, nil
}

// Invalidate empties the cell. It never waits for an in-flight fetch.
func (c *Cell[T]) Invalidate() {
	c.mu.Lock()
	var zero T
	c.value, c.ok = zero, false
	c.gen++
	c.mu.Unlock()
}

// Populated reports whether the cell currently holds a value.
func (c *Cell[T]) Populated() bool {
	_, ok := c.peek()
	return ok
}

func (c *Cell[T]) peek() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.ok
}

// Invalidator is anything that can be emptied.
type Invalidator interface {
	Invalidate()
}

// Invalidate empties every given cell.
func Invalidate(cells ...Invalidator) {
	for _, c := range cells {
		c.Invalidate()
	}
}
