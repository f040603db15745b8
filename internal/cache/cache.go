// Package cache implements the second-level statement cache: a perpetual
// map cache wrapped by eviction, scheduled flush, copy-on-read, logging,
// synchronization and blocking decorators, the cache key, and the
// transactional staging layer that promotes entries only on commit.
package cache

import "sync"

// Cache is a shared statement cache. Implementations other than
// Synchronized are not safe for concurrent use on their own.
type Cache interface {
	ID() string
	Get(key Key) (any, bool)
	Put(key Key, value any) error
	Remove(key Key)
	Clear()
	Size() int
}

// Atomic is implemented by caches that can run several mutations as one
// region no reader observes half-done.
type Atomic interface {
	Atomically(fn func(c Cache) error) error
}

// Releaser is implemented by caches that hand out per-key locks on a miss.
// Release is a no-op for a key that is not locked.
type Releaser interface {
	Release(key Key)
}

// Perpetual is the base map cache. It never evicts on its own.
type Perpetual struct {
	id      string
	entries map[string]any
}

// NewPerpetual returns an empty cache with the given id.
func NewPerpetual(id string) *Perpetual {
	return &Perpetual{id: id, entries: map[string]any{}}
}

func (c *Perpetual) ID() string { return c.id }

func (c *Perpetual) Get(key Key) (any, bool) {
	v, ok := c.entries[key.String()]
	return v, ok
}

func (c *Perpetual) Put(key Key, value any) error {
	c.entries[key.String()] = value
	return nil
}

func (c *Perpetual) Remove(key Key) {
	delete(c.entries, key.String())
}

func (c *Perpetual) Clear() {
	clear(c.entries)
}

func (c *Perpetual) Size() int {
	return len(c.entries)
}

// Synchronized serializes mutations of its delegate and lets reads run
// concurrently. Every decorator below it must tolerate concurrent Get and
// Size calls.
type Synchronized struct {
	mu       sync.RWMutex
	delegate Cache
}

// NewSynchronized wraps delegate.
func NewSynchronized(delegate Cache) *Synchronized {
	return &Synchronized{delegate: delegate}
}

func (c *Synchronized) ID() string { return c.delegate.ID() }

func (c *Synchronized) Get(key Key) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.delegate.Get(key)
}

func (c *Synchronized) Put(key Key, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delegate.Put(key, value)
}

func (c *Synchronized) Remove(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delegate.Remove(key)
}

func (c *Synchronized) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delegate.Clear()
}

func (c *Synchronized) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.delegate.Size()
}

// Atomically runs fn with the write lock held.
func (c *Synchronized) Atomically(fn func(Cache) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(c.delegate)
}
