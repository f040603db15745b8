package cache

import "time"

// Scheduled empties its delegate when flushInterval has passed since the
// last clear. Reads of a stale cache report a miss without mutating it; the
// next write performs the clear.
type Scheduled struct {
	delegate  Cache
	interval  time.Duration
	now       func() time.Time
	lastClear time.Time
}

// NewScheduled wraps delegate. now may be nil to use time.Now.
func NewScheduled(delegate Cache, interval time.Duration, now func() time.Time) *Scheduled {
	if now == nil {
		now = time.Now
	}
	return &Scheduled{delegate: delegate, interval: interval, now: now, lastClear: now()}
}

func (c *Scheduled) ID() string { return c.delegate.ID() }

func (c *Scheduled) stale() bool {
	return c.now().Sub(c.lastClear) >= c.interval
}

func (c *Scheduled) flushIfStale() {
	if c.stale() {
		c.Clear()
	}
}

func (c *Scheduled) Get(key Key) (any, bool) {
	if c.stale() {
		return nil, false
	}
	return c.delegate.Get(key)
}

func (c *Scheduled) Put(key Key, value any) error {
	c.flushIfStale()
	return c.delegate.Put(key, value)
}

func (c *Scheduled) Remove(key Key) {
	c.flushIfStale()
	c.delegate.Remove(key)
}

func (c *Scheduled) Clear() {
	c.lastClear = c.now()
	c.delegate.Clear()
}

func (c *Scheduled) Size() int {
	if c.stale() {
		return 0
	}
	return c.delegate.Size()
}
