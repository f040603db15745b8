package cache

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DefaultSize is the eviction size when a declaration omits one.
const DefaultSize = 1024

// Eviction policies.
const (
	EvictionLRU  = "LRU"
	EvictionFIFO = "FIFO"
)

// Builder assembles the decorator stack for one namespace cache.
type Builder struct {
	ID            string
	Eviction      string // LRU (default) or FIFO
	Size          int
	FlushInterval time.Duration
	ReadOnly      bool
	Blocking      bool
	Logger        *slog.Logger
	// Now is the clock used by the scheduled flush; nil means time.Now.
	Now func() time.Time
}

// Build returns the cache: perpetual base, eviction, scheduled flush,
// serialized copies unless read-only, logging, synchronization, and
// blocking when requested.
func (b Builder) Build() (Cache, error) {
	if b.ID == "" {
		return nil, fmt.Errorf("cache id is required")
	}
	size := b.Size
	if size <= 0 {
		size = DefaultSize
	}

	var (
		c   Cache = NewPerpetual(b.ID)
		err error
	)
	switch strings.ToUpper(b.Eviction) {
	case "", EvictionLRU:
		c, err = NewLRU(c, size)
	case EvictionFIFO:
		c, err = NewFIFO(c, size)
	case "SOFT", "WEAK":
		return nil, fmt.Errorf("cache %s: eviction policy %s is not supported; use LRU or FIFO", b.ID, strings.ToUpper(b.Eviction))
	default:
		return nil, fmt.Errorf("cache %s: unknown eviction policy %q", b.ID, b.Eviction)
	}
	if err != nil {
		return nil, err
	}

	if b.FlushInterval > 0 {
		c = NewScheduled(c, b.FlushInterval, b.Now)
	}
	if !b.ReadOnly {
		c = NewSerialized(c)
	}
	c = NewLogging(c, b.Logger)
	c = NewSynchronized(c)
	if b.Blocking {
		c = NewBlocking(c)
	}
	return c, nil
}
