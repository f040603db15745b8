package cache

import (
	"container/list"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRU evicts the least recently used entry once more than size keys are
// held. Recency is tracked by a golang-lru key list whose eviction
// callback removes the entry from the delegate.
type LRU struct {
	delegate Cache
	keys     *lru.Cache[string, Key]
}

// NewLRU wraps delegate with a size-bounded LRU policy.
func NewLRU(delegate Cache, size int) (*LRU, error) {
	keys, err := lru.NewWithEvict(size, func(_ string, k Key) {
		delegate.Remove(k)
	})
	if err != nil {
		return nil, fmt.Errorf("cache %s: %w", delegate.ID(), err)
	}
	return &LRU{delegate: delegate, keys: keys}, nil
}

func (c *LRU) ID() string { return c.delegate.ID() }

func (c *LRU) Get(key Key) (any, bool) {
	c.keys.Get(key.String())
	return c.delegate.Get(key)
}

func (c *LRU) Put(key Key, value any) error {
	if err := c.delegate.Put(key, value); err != nil {
		return err
	}
	c.keys.Add(key.String(), key)
	return nil
}

func (c *LRU) Remove(key Key) {
	c.keys.Remove(key.String())
	c.delegate.Remove(key)
}

func (c *LRU) Clear() {
	c.keys.Purge()
	c.delegate.Clear()
}

func (c *LRU) Size() int { return c.delegate.Size() }

// FIFO evicts the oldest inserted entry once more than size keys are held.
type FIFO struct {
	delegate Cache
	size     int
	order    *list.List
	elems    map[string]*list.Element
}

// NewFIFO wraps delegate with a size-bounded first-in first-out policy.
func NewFIFO(delegate Cache, size int) (*FIFO, error) {
	if size <= 0 {
		return nil, fmt.Errorf("cache %s: size must be positive, got %d", delegate.ID(), size)
	}
	return &FIFO{delegate: delegate, size: size, order: list.New(), elems: map[string]*list.Element{}}, nil
}

func (c *FIFO) ID() string { return c.delegate.ID() }

func (c *FIFO) Get(key Key) (any, bool) { return c.delegate.Get(key) }

func (c *FIFO) Put(key Key, value any) error {
	if err := c.delegate.Put(key, value); err != nil {
		return err
	}
	s := key.String()
	if _, ok := c.elems[s]; ok {
		return nil
	}
	c.elems[s] = c.order.PushBack(key)
	for c.order.Len() > c.size {
		oldest := c.order.Remove(c.order.Front()).(Key)
		delete(c.elems, oldest.String())
		c.delegate.Remove(oldest)
	}
	return nil
}

func (c *FIFO) Remove(key Key) {
	s := key.String()
	if e, ok := c.elems[s]; ok {
		c.order.Remove(e)
		delete(c.elems, s)
	}
	c.delegate.Remove(key)
}

func (c *FIFO) Clear() {
	c.order.Init()
	clear(c.elems)
	c.delegate.Clear()
}

func (c *FIFO) Size() int { return c.delegate.Size() }
