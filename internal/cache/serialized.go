package cache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"
)

func init() {
	gob.Register(map[string]any{})
	gob.Register([]map[string]any{})
	gob.Register([]any{})
	gob.Register(time.Time{})
}

// Register makes a concrete result type storable in read-write caches.
func Register(value any) {
	gob.Register(value)
}

// Serialized stores gob-encoded copies so every Get returns a value the
// caller may modify freely. Values must be gob-encodable; result struct
// types are registered with Register.
type Serialized struct {
	delegate Cache
}

// NewSerialized wraps delegate.
func NewSerialized(delegate Cache) *Serialized {
	return &Serialized{delegate: delegate}
}

type envelope struct {
	Value any
}

func (c *Serialized) ID() string { return c.delegate.ID() }

func (c *Serialized) Get(key Key) (any, bool) {
	raw, ok := c.delegate.Get(key)
	if !ok {
		return nil, false
	}
	data, ok := raw.([]byte)
	if !ok {
		return nil, false
	}
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return nil, false
	}
	return env.Value, true
}

func (c *Serialized) Put(key Key, value any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(envelope{Value: value}); err != nil {
		return fmt.Errorf("cache %s: value of type %T cannot be copied: %w", c.ID(), value, err)
	}
	return c.delegate.Put(key, buf.Bytes())
}

func (c *Serialized) Remove(key Key) { c.delegate.Remove(key) }

func (c *Serialized) Clear() { c.delegate.Clear() }

func (c *Serialized) Size() int { return c.delegate.Size() }
