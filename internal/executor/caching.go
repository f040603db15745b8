package executor

import (
	"context"
	"fmt"

	"github.com/roach88/sqlmap/internal/cache"
	"github.com/roach88/sqlmap/internal/errs"
	"github.com/roach88/sqlmap/internal/registry"
	"github.com/roach88/sqlmap/internal/sqlparam"
)

// Caching routes reads of statements with a namespace cache through the
// unit of work's transactional view of that cache. Staged results and
// clears reach the shared caches only on Commit.
type Caching struct {
	delegate Executor
	tcm      *cache.Manager
}

// NewCaching wraps delegate.
func NewCaching(delegate Executor) *Caching {
	return &Caching{delegate: delegate, tcm: cache.NewManager()}
}

// Delegate returns the wrapped executor.
func (e *Caching) Delegate() Executor { return e.delegate }

// Manager returns the unit of work's cache staging.
func (e *Caching) Manager() *cache.Manager { return e.tcm }

func (e *Caching) Query(ctx context.Context, ms *registry.MappedStatement, param any, bounds RowBounds, handler ResultHandler) ([]any, error) {
	bound, err := ms.Bind(param)
	if err != nil {
		return nil, err
	}
	key, err := e.CreateCacheKey(ms, param, bounds, bound)
	if err != nil {
		return nil, err
	}
	return e.QueryBound(ctx, ms, param, bounds, handler, key, bound)
}

func (e *Caching) QueryBound(ctx context.Context, ms *registry.MappedStatement, param any, bounds RowBounds, handler ResultHandler, key cache.Key, bound *sqlparam.Bound) ([]any, error) {
	c := ms.Cache
	if c == nil {
		return e.delegate.QueryBound(ctx, ms, param, bounds, handler, key, bound)
	}
	e.flushIfRequired(ms)
	if !ms.UseCache || handler != nil {
		return e.delegate.QueryBound(ctx, ms, param, bounds, handler, key, bound)
	}
	if err := ensureNoOutParams(ms, bound); err != nil {
		return nil, err
	}
	if v, ok := e.tcm.Get(c, key); ok {
		list, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("cache %s holds %T for statement %s, expected a result list", c.ID(), v, ms.ID)
		}
		return list, nil
	}
	list, err := e.delegate.QueryBound(ctx, ms, param, bounds, handler, key, bound)
	if err != nil {
		return nil, err
	}
	e.tcm.Put(c, key, list)
	return list, nil
}

func (e *Caching) QueryCursor(ctx context.Context, ms *registry.MappedStatement, param any, bounds RowBounds) (*Cursor, error) {
	e.flushIfRequired(ms)
	return e.delegate.QueryCursor(ctx, ms, param, bounds)
}

func (e *Caching) Update(ctx context.Context, ms *registry.MappedStatement, param any) (int64, error) {
	e.flushIfRequired(ms)
	return e.delegate.Update(ctx, ms, param)
}

// Commit commits the delegate, then promotes every staged cache change.
func (e *Caching) Commit(required bool) error {
	if err := e.delegate.Commit(required); err != nil {
		return err
	}
	return e.tcm.Commit()
}

// Rollback rolls back the delegate and, when required, discards the
// staged cache changes.
func (e *Caching) Rollback(required bool) error {
	err := e.delegate.Rollback(required)
	if required {
		e.tcm.Rollback()
	}
	return err
}

// Close commits the staged cache changes unless forceRollback, then
// closes the delegate.
func (e *Caching) Close(forceRollback bool) error {
	var cacheErr error
	if forceRollback {
		e.tcm.Rollback()
	} else {
		cacheErr = e.tcm.Commit()
	}
	if err := e.delegate.Close(forceRollback); err != nil {
		return err
	}
	return cacheErr
}

func (e *Caching) IsClosed() bool { return e.delegate.IsClosed() }

func (e *Caching) CreateCacheKey(ms *registry.MappedStatement, param any, bounds RowBounds, bound *sqlparam.Bound) (cache.Key, error) {
	return e.delegate.CreateCacheKey(ms, param, bounds, bound)
}

func (e *Caching) IsCached(ms *registry.MappedStatement, key cache.Key) bool {
	return e.delegate.IsCached(ms, key)
}

func (e *Caching) ClearLocalCache() { e.delegate.ClearLocalCache() }

func (e *Caching) flushIfRequired(ms *registry.MappedStatement) {
	if ms.Cache != nil && ms.FlushCache {
		e.tcm.Clear(ms.Cache)
	}
}

func ensureNoOutParams(ms *registry.MappedStatement, bound *sqlparam.Bound) error {
	if ms.StatementType != registry.StatementCallable {
		return nil
	}
	for _, m := range bound.Mappings {
		if m.Mode != sqlparam.ModeIn && m.Mode != "" {
			return &errs.CacheProtocolError{
				Statement: ms.ID,
				Message:   fmt.Sprintf("Caching stored procedures with OUT params is not supported. Please configure useCache=false in %s statement.", ms.ID),
			}
		}
	}
	return nil
}
