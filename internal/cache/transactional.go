package cache

import (
	"errors"

	"github.com/google/uuid"
)

// Transactional stages the writes of one unit of work against a shared
// cache. Staged entries are visible to the owning unit of work only and are
// promoted on Commit; the shared cache is never mutated before then.
// A Transactional is owned by one goroutine.
type Transactional struct {
	delegate      Cache
	clearOnCommit bool
	staged        map[string]any
	order         []Key
	missed        map[string]Key
}

// NewTransactional stages writes for delegate.
func NewTransactional(delegate Cache) *Transactional {
	return &Transactional{
		delegate: delegate,
		staged:   map[string]any{},
		missed:   map[string]Key{},
	}
}

// Get returns a staged value first. After a staged Clear the shared cache
// is not consulted.
func (t *Transactional) Get(key Key) (any, bool) {
	if v, ok := t.staged[key.String()]; ok {
		return v, true
	}
	if t.clearOnCommit {
		return nil, false
	}
	v, ok := t.delegate.Get(key)
	if !ok {
		t.missed[key.String()] = key
	}
	return v, ok
}

// Put stages a value.
func (t *Transactional) Put(key Key, value any) {
	s := key.String()
	if _, ok := t.staged[s]; !ok {
		t.order = append(t.order, key)
	}
	t.staged[s] = value
}

// Clear stages a clear of the shared cache and drops staged values.
func (t *Transactional) Clear() {
	t.clearOnCommit = true
	clear(t.staged)
	t.order = t.order[:0]
}

// Commit applies the staged clear, then promotes staged values in the
// order they were first put, as one atomic region when the shared cache
// supports it. A failed Put does not stop the others; the failures are
// joined. Key locks are released afterwards.
func (t *Transactional) Commit() error {
	defer t.reset()
	promote := func(c Cache) error {
		if t.clearOnCommit {
			c.Clear()
		}
		var errs []error
		for _, k := range t.order {
			if err := c.Put(k, t.staged[k.String()]); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	var err error
	if a, ok := t.delegate.(Atomic); ok {
		err = a.Atomically(promote)
	} else {
		err = promote(t.delegate)
	}
	t.release()
	return err
}

// Rollback discards everything staged and releases key locks.
func (t *Transactional) Rollback() {
	t.release()
	t.reset()
}

func (t *Transactional) release() {
	r, ok := t.delegate.(Releaser)
	if !ok {
		return
	}
	for _, k := range t.order {
		r.Release(k)
	}
	for _, k := range t.missed {
		r.Release(k)
	}
}

func (t *Transactional) reset() {
	t.clearOnCommit = false
	clear(t.staged)
	t.order = t.order[:0]
	clear(t.missed)
}

// Manager holds the Transactional of every cache a unit of work touched.
type Manager struct {
	id     uuid.UUID
	caches map[Cache]*Transactional
	order  []Cache
}

// NewManager starts a unit of work.
func NewManager() *Manager {
	return &Manager{id: newUnitID(), caches: map[Cache]*Transactional{}}
}

func newUnitID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// UnitID identifies the current unit of work. It changes after every
// Commit or Rollback.
func (m *Manager) UnitID() uuid.UUID { return m.id }

func (m *Manager) tx(c Cache) *Transactional {
	t, ok := m.caches[c]
	if !ok {
		t = NewTransactional(c)
		m.caches[c] = t
		m.order = append(m.order, c)
	}
	return t
}

// Get reads key through the unit of work's view of c.
func (m *Manager) Get(c Cache, key Key) (any, bool) { return m.tx(c).Get(key) }

// Put stages a value for c.
func (m *Manager) Put(c Cache, key Key, value any) { m.tx(c).Put(key, value) }

// Clear stages a clear of c.
func (m *Manager) Clear(c Cache) { m.tx(c).Clear() }

// Commit commits every touched cache in first-touch order. All caches are
// committed even when one fails; the failures are joined.
func (m *Manager) Commit() error {
	var errs []error
	for _, c := range m.order {
		if err := m.caches[c].Commit(); err != nil {
			errs = append(errs, err)
		}
	}
	m.id = newUnitID()
	return errors.Join(errs...)
}

// Rollback rolls back every touched cache.
func (m *Manager) Rollback() {
	for _, c := range m.order {
		m.caches[c].Rollback()
	}
	m.id = newUnitID()
}
