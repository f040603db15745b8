package cache

import (
	"log/slog"
	"sync/atomic"
)

// Logging counts requests and hits and logs the running hit ratio at Debug.
type Logging struct {
	delegate Cache
	logger   *slog.Logger
	requests atomic.Int64
	hits     atomic.Int64
}

// NewLogging wraps delegate. A nil logger uses slog.Default().
func NewLogging(delegate Cache, logger *slog.Logger) *Logging {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logging{delegate: delegate, logger: logger}
}

func (c *Logging) ID() string { return c.delegate.ID() }

func (c *Logging) Get(key Key) (any, bool) {
	requests := c.requests.Add(1)
	v, ok := c.delegate.Get(key)
	hits := c.hits.Load()
	if ok {
		hits = c.hits.Add(1)
	}
	c.logger.Debug("cache hit ratio",
		"cache", c.ID(),
		"hits", hits,
		"requests", requests,
		"ratio", float64(hits)/float64(requests),
	)
	return v, ok
}

// HitRatio returns hits/requests, or 0 before the first request.
func (c *Logging) HitRatio() float64 {
	r := c.requests.Load()
	if r == 0 {
		return 0
	}
	return float64(c.hits.Load()) / float64(r)
}

func (c *Logging) Put(key Key, value any) error { return c.delegate.Put(key, value) }

func (c *Logging) Remove(key Key) { c.delegate.Remove(key) }

func (c *Logging) Clear() { c.delegate.Clear() }

func (c *Logging) Size() int { return c.delegate.Size() }
