// Package executor runs mapped statements against a database: the simple
// executor with its session-local cache, the row-to-value mapping, and the
// caching decorator that routes reads through the shared namespace caches
// of a unit of work.
package executor

import (
	"context"
	"errors"

	"github.com/roach88/sqlmap/internal/cache"
	"github.com/roach88/sqlmap/internal/registry"
	"github.com/roach88/sqlmap/internal/sqlparam"
)

// ErrClosed is returned by every operation on a closed executor.
var ErrClosed = errors.New("executor was closed")

// RowBounds restricts the rows a query reads. Offset rows are skipped; a
// Limit of zero reads everything after them.
type RowBounds struct {
	Offset int
	Limit  int
}

// NoRowBounds reads every row.
var NoRowBounds = RowBounds{}

// ResultHandler receives each mapped row instead of the returned list.
// Queries with a handler never use a cache.
type ResultHandler func(row any) error

// Executor runs mapped statements for one session.
type Executor interface {
	// Query binds param, builds the cache key and runs QueryBound.
	Query(ctx context.Context, ms *registry.MappedStatement, param any, bounds RowBounds, handler ResultHandler) ([]any, error)
	// QueryBound runs an already bound statement.
	QueryBound(ctx context.Context, ms *registry.MappedStatement, param any, bounds RowBounds, handler ResultHandler, key cache.Key, bound *sqlparam.Bound) ([]any, error)
	// QueryCursor streams rows. Cursors never use a cache.
	QueryCursor(ctx context.Context, ms *registry.MappedStatement, param any, bounds RowBounds) (*Cursor, error)
	// Update runs an insert, update or delete and returns the affected row count.
	Update(ctx context.Context, ms *registry.MappedStatement, param any) (int64, error)

	Commit(required bool) error
	Rollback(required bool) error
	Close(forceRollback bool) error
	IsClosed() bool

	CreateCacheKey(ms *registry.MappedStatement, param any, bounds RowBounds, bound *sqlparam.Bound) (cache.Key, error)
	IsCached(ms *registry.MappedStatement, key cache.Key) bool
	ClearLocalCache()
}
