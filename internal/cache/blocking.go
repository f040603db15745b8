package cache

import "sync"

// Blocking makes concurrent readers of a missing key wait while the first
// one loads it. A Get that misses leaves the key locked until the same
// caller Puts a value or Releases the key.
type Blocking struct {
	delegate Cache

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewBlocking wraps delegate.
func NewBlocking(delegate Cache) *Blocking {
	return &Blocking{delegate: delegate, locks: map[string]chan struct{}{}}
}

func (c *Blocking) ID() string { return c.delegate.ID() }

func (c *Blocking) acquire(key string) {
	for {
		c.mu.Lock()
		ch, held := c.locks[key]
		if !held {
			c.locks[key] = make(chan struct{})
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		<-ch
	}
}

// Release unlocks key if it is locked.
func (c *Blocking) Release(key Key) {
	s := key.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.locks[s]; ok {
		delete(c.locks, s)
		close(ch)
	}
}

func (c *Blocking) Get(key Key) (any, bool) {
	c.acquire(key.String())
	v, ok := c.delegate.Get(key)
	if ok {
		c.Release(key)
	}
	return v, ok
}

func (c *Blocking) Put(key Key, value any) error {
	defer c.Release(key)
	return c.delegate.Put(key, value)
}

// Remove only releases the key lock; entries leave the cache through
// eviction or Clear.
func (c *Blocking) Remove(key Key) {
	c.Release(key)
}

func (c *Blocking) Clear() { c.delegate.Clear() }

func (c *Blocking) Size() int { return c.delegate.Size() }

// Atomically forwards to the delegate when it supports atomic regions.
func (c *Blocking) Atomically(fn func(Cache) error) error {
	if a, ok := c.delegate.(Atomic); ok {
		return a.Atomically(fn)
	}
	return fn(c.delegate)
}
