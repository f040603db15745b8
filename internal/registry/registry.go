// Package registry is the mapping registry: the table of result maps,
// caches, statements and SQL fragments loaded from definition files, plus
// the deferred resolver that retries definitions whose references were not
// registered yet when they were first read.
//
// Loading is single-writer. Once loading finishes the registry is read
// concurrently without further mutation.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/roach88/sqlmap/internal/cache"
	"github.com/roach88/sqlmap/internal/errs"
	"github.com/roach88/sqlmap/internal/node"
)

// Registry holds every named entity of a configuration.
type Registry struct {
	logger *slog.Logger

	mu         sync.RWMutex
	resultMaps *strictMap[*ResultMap]
	caches     *strictMap[cache.Cache]
	statements *strictMap[*MappedStatement]
	fragments  *strictMap[*node.Node]
	cacheRefs  map[string]string
	loaded     map[string]bool

	pendingMu sync.Mutex
	pending   [numQueues][]*Deferred
	rounds    int
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for checkpoint reports.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		logger:     slog.Default(),
		resultMaps: newStrictMap[*ResultMap](KindResultMap),
		caches:     newStrictMap[cache.Cache](KindCache),
		statements: newStrictMap[*MappedStatement](KindStatement),
		fragments:  newStrictMap[*node.Node](KindFragment),
		cacheRefs:  map[string]string{},
		loaded:     map[string]bool{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddResultMap registers a result map. A discriminator case pointing back
// at a result map that nests others marks it as nested too.
func (r *Registry) AddResultMap(rm *ResultMap) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.resultMaps.put(rm.ID, rm); err != nil {
		return err
	}
	r.checkDiscriminatedNesting(rm)
	return nil
}

// checkDiscriminatedNesting propagates HasNestedResultMaps through
// discriminator cases in both directions. Caller holds mu.
func (r *Registry) checkDiscriminatedNesting(rm *ResultMap) {
	if rm.HasNestedResultMaps {
		for _, other := range r.resultMaps.entries {
			if other.Discriminator == nil {
				continue
			}
			for _, target := range other.Discriminator.Cases {
				if target == rm.ID {
					other.HasNestedResultMaps = true
				}
			}
		}
	}
	if rm.Discriminator != nil {
		for _, target := range rm.Discriminator.Cases {
			if t, ok := r.resultMaps.entries[target]; ok && t.HasNestedResultMaps {
				rm.HasNestedResultMaps = true
				break
			}
		}
	}
}

// AddCache registers a namespace cache under its id.
func (r *Registry) AddCache(c cache.Cache) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.caches.put(c.ID(), c)
}

// AddCacheRef records that namespace shares the cache of referenced.
func (r *Registry) AddCacheRef(namespace, referenced string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cacheRefs[namespace] = referenced
}

// CacheRef returns the namespace whose cache namespace shares.
func (r *Registry) CacheRef(namespace string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.cacheRefs[namespace]
	return ref, ok
}

// AddStatement registers a mapped statement.
func (r *Registry) AddStatement(s *MappedStatement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statements.put(s.ID, s)
}

// AddFragment registers a reusable <sql> fragment.
func (r *Registry) AddFragment(id string, n *node.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fragments.put(id, n)
}

// Register adds any Entry.
func (r *Registry) Register(e Entry) error {
	switch v := e.(type) {
	case *ResultMap:
		return r.AddResultMap(v)
	case *MappedStatement:
		return r.AddStatement(v)
	case *Fragment:
		return r.AddFragment(v.ID, v.Node)
	case NamedCache:
		return r.AddCache(v.Cache)
	}
	return fmt.Errorf("cannot register %T", e)
}

// Get looks up an entry by kind and (qualified or unambiguous short) name.
// A name whose definition is still pending fails with an
// UnresolvedReferenceError naming what it waits for; a name never seen
// fails with a NotFoundError.
func (r *Registry) Get(kind Kind, name string) (Entry, error) {
	switch kind {
	case KindResultMap:
		return r.ResultMap(name)
	case KindStatement:
		return r.Statement(name)
	case KindCache:
		c, err := r.Cache(name)
		if err != nil {
			return nil, err
		}
		return NamedCache{c}, nil
	case KindFragment:
		r.mu.RLock()
		n, err := r.fragments.get(name)
		r.mu.RUnlock()
		if err != nil {
			return nil, err
		}
		return &Fragment{ID: name, Node: n}, nil
	}
	return nil, &errs.NotFoundError{Kind: string(kind), Name: name}
}

// ResultMap returns a registered result map.
func (r *Registry) ResultMap(id string) (*ResultMap, error) {
	r.mu.RLock()
	rm, err := r.resultMaps.get(id)
	r.mu.RUnlock()
	if err != nil {
		return nil, r.pendingOr(KindResultMap, id, err)
	}
	return rm, nil
}

// HasResultMap reports whether id is registered.
func (r *Registry) HasResultMap(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resultMaps.has(id)
}

// Cache returns the cache registered for a namespace.
func (r *Registry) Cache(namespace string) (cache.Cache, error) {
	r.mu.RLock()
	c, err := r.caches.get(namespace)
	r.mu.RUnlock()
	if err != nil {
		return nil, r.pendingOr(KindCache, namespace, err)
	}
	return c, nil
}

// HasCache reports whether a cache is registered for namespace.
func (r *Registry) HasCache(namespace string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.caches.has(namespace)
}

// Caches returns every registered cache ordered by id.
func (r *Registry) Caches() []cache.Cache {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]cache.Cache, 0, len(r.caches.entries))
	for _, id := range r.caches.ids() {
		out = append(out, r.caches.entries[id])
	}
	return out
}

// Statement returns a registered statement.
func (r *Registry) Statement(id string) (*MappedStatement, error) {
	r.mu.RLock()
	s, err := r.statements.get(id)
	r.mu.RUnlock()
	if err != nil {
		return nil, r.pendingOr(KindStatement, id, err)
	}
	return s, nil
}

// HasStatement reports whether id is registered.
func (r *Registry) HasStatement(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statements.has(id)
}

// Statements returns every registered statement ordered by id.
func (r *Registry) Statements() []*MappedStatement {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*MappedStatement, 0, len(r.statements.entries))
	for _, id := range r.statements.ids() {
		out = append(out, r.statements.entries[id])
	}
	return out
}

// Fragment implements include.Fragments.
func (r *Registry) Fragment(id string) (*node.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.fragments.entries[id]
	return n, ok
}

// HasFragment reports whether a fragment is registered under id.
func (r *Registry) HasFragment(id string) bool {
	_, ok := r.Fragment(id)
	return ok
}

// MarkLoaded records that a definition source has been read.
func (r *Registry) MarkLoaded(resource string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded[resource] = true
}

// IsLoaded reports whether a definition source has been read.
func (r *Registry) IsLoaded(resource string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded[resource]
}

// pendingOr converts a not-found error into an UnresolvedReferenceError
// when the name belongs to a pending definition.
func (r *Registry) pendingOr(kind Kind, name string, err error) error {
	if !errs.IsNotFound(err) {
		return err
	}
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	for _, q := range r.pending {
		for _, d := range q {
			if d.Kind == kind && (d.ID == name || shortName(d.ID) == name) {
				return d.unresolved()
			}
		}
	}
	return err
}

// Deferred is a definition whose construction failed only because a name
// it references was not registered yet. Build is retried at checkpoints.
type Deferred struct {
	Kind     Kind
	ID       string
	Resource string
	// Build constructs and registers the entry. Returning an
	// UnresolvedReferenceError keeps the entry pending; any other error is
	// fatal.
	Build func() error

	lastErr  error
	attempts int
}

// Attempts returns how many times Build has run.
func (d *Deferred) Attempts() int { return d.attempts }

// Err returns the error of the last attempt.
func (d *Deferred) Err() error { return d.lastErr }

func (d *Deferred) unresolved() error {
	var ue *errs.UnresolvedReferenceError
	if errors.As(d.lastErr, &ue) {
		out := *ue
		out.Kind = string(d.Kind)
		out.Name = d.ID
		return &out
	}
	return &errs.UnresolvedReferenceError{Kind: string(d.Kind), Name: d.ID, Message: "definition is incomplete"}
}

type queue int

// Pending definitions are retried in this order.
const (
	queueResultMaps queue = iota
	queueCacheRefs
	queueStatements
	numQueues
)

func queueFor(k Kind) queue {
	switch k {
	case KindResultMap:
		return queueResultMaps
	case KindCache:
		return queueCacheRefs
	}
	return queueStatements
}

// Defer queues d after a first attempt failed with err.
func (r *Registry) Defer(d *Deferred, err error) {
	d.lastErr = err
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	q := queueFor(d.Kind)
	r.pending[q] = append(r.pending[q], d)
}

// Attempt runs build once and defers it when it fails on an unresolved
// reference. Other errors are returned.
func (r *Registry) Attempt(d *Deferred) error {
	d.attempts++
	err := d.Build()
	if err == nil {
		return nil
	}
	if errs.IsUnresolved(err) {
		r.Defer(d, err)
		return nil
	}
	return err
}

// CheckpointStats summarizes one retry round.
type CheckpointStats struct {
	Attempted int
	Resolved  int
	Pending   int
}

// Checkpoint attempts every pending definition exactly once, result maps
// first, then cache references, then statements, each in FIFO order.
// Failures stay queued ahead of definitions deferred during the round.
// The first fatal error stops the round and is returned; the remaining
// definitions stay queued.
func (r *Registry) Checkpoint() (CheckpointStats, error) {
	var stats CheckpointStats
	for q := queue(0); q < numQueues; q++ {
		r.pendingMu.Lock()
		batch := r.pending[q]
		r.pending[q] = nil
		r.pendingMu.Unlock()

		var (
			failed []*Deferred
			fatal  error
		)
		for i := 0; i < len(batch); i++ {
			d := batch[i]
			if fatal != nil {
				failed = append(failed, d)
				continue
			}
			stats.Attempted++
			d.attempts++
			err := d.Build()
			switch {
			case err == nil:
				stats.Resolved++
			case errs.IsUnresolved(err):
				d.lastErr = err
				failed = append(failed, d)
			default:
				d.lastErr = err
				fatal = err
			}
		}

		r.pendingMu.Lock()
		r.pending[q] = append(failed, r.pending[q]...)
		r.pendingMu.Unlock()
		if fatal != nil {
			stats.Pending = r.pendingCount()
			return stats, fatal
		}
	}
	r.rounds++
	stats.Pending = r.pendingCount()
	r.logger.Debug("checkpoint",
		"checkpoint", r.rounds,
		"attempted", stats.Attempted,
		"resolved", stats.Resolved,
		"pending", stats.Pending,
	)
	return stats, nil
}

// Finish repeats checkpoints until one resolves nothing. Definitions still
// pending afterwards stay pending and surface when looked up; Unresolved
// lists them.
func (r *Registry) Finish() error {
	for r.pendingCount() > 0 {
		stats, err := r.Checkpoint()
		if err != nil {
			return err
		}
		if stats.Resolved == 0 {
			break
		}
	}
	return nil
}

func (r *Registry) pendingCount() int {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	n := 0
	for _, q := range r.pending {
		n += len(q)
	}
	return n
}

// Pending returns the definitions still waiting, in retry order.
func (r *Registry) Pending() []*Deferred {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	var out []*Deferred
	for _, q := range r.pending {
		out = append(out, q...)
	}
	return out
}

// Unresolved returns one UnresolvedReferenceError per pending definition,
// joined, or nil when nothing is pending.
func (r *Registry) Unresolved() error {
	var list []error
	for _, d := range r.Pending() {
		list = append(list, d.unresolved())
	}
	return errors.Join(list...)
}

// Describe lists the registered names per kind, for diagnostics.
func (r *Registry) Describe() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var b strings.Builder
	fmt.Fprintf(&b, "result maps: %s\n", strings.Join(r.resultMaps.ids(), ", "))
	fmt.Fprintf(&b, "caches: %s\n", strings.Join(r.caches.ids(), ", "))
	fmt.Fprintf(&b, "statements: %s\n", strings.Join(r.statements.ids(), ", "))
	fmt.Fprintf(&b, "fragments: %s\n", strings.Join(r.fragments.ids(), ", "))
	return b.String()
}
