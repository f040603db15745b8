package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/roach88/sqlmap/internal/builder"
	"github.com/roach88/sqlmap/internal/cache"
	"github.com/roach88/sqlmap/internal/errs"
	"github.com/roach88/sqlmap/internal/reflectx"
	"github.com/roach88/sqlmap/internal/registry"
	"github.com/roach88/sqlmap/internal/sqlparam"
)

// executionPlaceholder marks a local cache entry whose query is still
// running. A nested select that finds it is part of a cycle and maps to
// nil.
type executionPlaceholder struct{}

// Simple executes every statement directly on the session connection and
// keeps query results in a session-local cache until the next update,
// commit or rollback.
type Simple struct {
	cfg    *builder.Configuration
	tx     Transaction
	local  *cache.Perpetual
	logger *slog.Logger

	queryStack int
	closed     bool
}

// Option configures a Simple executor.
type Option func(*Simple)

// WithLogger sets the statement logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Simple) {
		e.logger = l
	}
}

// NewSimple returns an executor running on tx.
func NewSimple(cfg *builder.Configuration, tx Transaction, opts ...Option) *Simple {
	e := &Simple{
		cfg:    cfg,
		tx:     tx,
		local:  cache.NewPerpetual("LocalCache"),
		logger: cfg.Logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

func (e *Simple) Query(ctx context.Context, ms *registry.MappedStatement, param any, bounds RowBounds, handler ResultHandler) ([]any, error) {
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

func (e *Simple) QueryBound(ctx context.Context, ms *registry.MappedStatement, param any, bounds RowBounds, handler ResultHandler, key cache.Key, bound *sqlparam.Bound) ([]any, error) {
	if e.closed {
		return nil, ErrClosed
	}
	if e.queryStack == 0 && ms.FlushCache {
		e.ClearLocalCache()
	}

	e.queryStack++
	list, err := e.queryLocal(ctx, ms, param, bounds, handler, key, bound)
	e.queryStack--
	if err != nil {
		return nil, err
	}

	if e.queryStack == 0 && e.cfg.Config.Settings.LocalCacheScope == builder.LocalCacheStatement {
		e.ClearLocalCache()
	}
	return list, nil
}

func (e *Simple) queryLocal(ctx context.Context, ms *registry.MappedStatement, param any, bounds RowBounds, handler ResultHandler, key cache.Key, bound *sqlparam.Bound) ([]any, error) {
	if handler == nil {
		if v, ok := e.local.Get(key); ok {
			if _, running := v.(executionPlaceholder); running {
				return nil, nil
			}
			return v.([]any), nil
		}
	}

	e.local.Put(key, executionPlaceholder{})
	list, err := e.doQuery(ctx, ms, param, bounds, handler, bound)
	e.local.Remove(key)
	if err != nil {
		return nil, err
	}
	if handler == nil {
		e.local.Put(key, list)
	}
	return list, nil
}

func (e *Simple) doQuery(ctx context.Context, ms *registry.MappedStatement, param any, bounds RowBounds, handler ResultHandler, bound *sqlparam.Bound) ([]any, error) {
	rm, err := primaryResultMap(ms)
	if err != nil {
		return nil, err
	}
	conn, err := e.tx.Conn(ctx)
	if err != nil {
		return nil, &errs.ExecutionError{Statement: ms.ID, Err: err}
	}
	args, outs, err := e.args(ms, bound)
	if err != nil {
		return nil, &errs.ExecutionError{Statement: ms.ID, Err: err}
	}

	qctx, cancel := statementContext(ctx, ms)
	defer cancel()

	e.logger.Debug("executing statement", "statement", ms.ID, "sql", bound.SQL, "params", args)
	rows, err := conn.QueryContext(qctx, bound.SQL, args...)
	if err != nil {
		return nil, &errs.ExecutionError{Statement: ms.ID, Err: err}
	}
	limit := bounds.Limit
	if ms.HasNestedResultMaps() {
		// the limit counts grouped results, not rows
		limit = 0
	}
	rs, err := readRows(rows, bounds.Offset, limit)
	if err != nil {
		return nil, &errs.ExecutionError{Statement: ms.ID, Err: err}
	}
	if err := writeOutParams(bound, outs); err != nil {
		return nil, &errs.ExecutionError{Statement: ms.ID, Err: err}
	}

	m := e.mapper(ms)
	list, err := m.mapRows(ctx, rm, rs, bounds.Limit, handler)
	if err != nil {
		return nil, &errs.ExecutionError{Statement: ms.ID, Err: err}
	}
	e.logger.Debug("statement done", "statement", ms.ID, "rows", len(rs.rows))
	return list, nil
}

func (e *Simple) QueryCursor(ctx context.Context, ms *registry.MappedStatement, param any, bounds RowBounds) (*Cursor, error) {
	if e.closed {
		return nil, ErrClosed
	}
	rm, err := primaryResultMap(ms)
	if err != nil {
		return nil, err
	}
	if rm.HasNestedResultMaps || rm.HasNestedQueries {
		return nil, &errs.ExecutionError{Statement: ms.ID, Err: fmt.Errorf("cursors do not support nested result maps or nested selects")}
	}
	bound, err := ms.Bind(param)
	if err != nil {
		return nil, err
	}
	conn, err := e.tx.Conn(ctx)
	if err != nil {
		return nil, &errs.ExecutionError{Statement: ms.ID, Err: err}
	}
	args, _, err := e.args(ms, bound)
	if err != nil {
		return nil, &errs.ExecutionError{Statement: ms.ID, Err: err}
	}

	qctx, cancel := statementContext(ctx, ms)
	e.logger.Debug("opening cursor", "statement", ms.ID, "sql", bound.SQL, "params", args)
	rows, err := conn.QueryContext(qctx, bound.SQL, args...)
	if err != nil {
		cancel()
		return nil, &errs.ExecutionError{Statement: ms.ID, Err: err}
	}
	return newCursor(qctx, cancel, e.mapper(ms), rm, rows, bounds)
}

func (e *Simple) Update(ctx context.Context, ms *registry.MappedStatement, param any) (int64, error) {
	if e.closed {
		return 0, ErrClosed
	}
	e.ClearLocalCache()

	if err := e.selectKey(ctx, ms, param, true); err != nil {
		return 0, err
	}
	bound, err := ms.Bind(param)
	if err != nil {
		return 0, err
	}
	conn, err := e.tx.Conn(ctx)
	if err != nil {
		return 0, &errs.ExecutionError{Statement: ms.ID, Err: err}
	}
	args, outs, err := e.args(ms, bound)
	if err != nil {
		return 0, &errs.ExecutionError{Statement: ms.ID, Err: err}
	}

	qctx, cancel := statementContext(ctx, ms)
	defer cancel()

	e.logger.Debug("executing statement", "statement", ms.ID, "sql", bound.SQL, "params", args)
	res, err := conn.ExecContext(qctx, bound.SQL, args...)
	if err != nil {
		return 0, &errs.ExecutionError{Statement: ms.ID, Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, &errs.ExecutionError{Statement: ms.ID, Err: err}
	}
	if ms.UseGeneratedKeys && len(ms.KeyProperties) > 0 {
		if err := assignGeneratedKey(res, param, ms.KeyProperties[0]); err != nil {
			return 0, &errs.ExecutionError{Statement: ms.ID, Err: err}
		}
	}
	if err := writeOutParams(bound, outs); err != nil {
		return 0, &errs.ExecutionError{Statement: ms.ID, Err: err}
	}
	if err := e.selectKey(ctx, ms, param, false); err != nil {
		return 0, err
	}
	e.logger.Debug("statement done", "statement", ms.ID, "affected", affected)
	return affected, nil
}

// selectKey runs the key query of ms when it is ordered at this point
// (before or after the statement) and writes the key into param.
func (e *Simple) selectKey(ctx context.Context, ms *registry.MappedStatement, param any, before bool) error {
	sk := ms.SelectKey
	if sk == nil || sk.Before != before {
		return nil
	}
	km := sk.Statement
	bound, err := km.Bind(param)
	if err != nil {
		return err
	}
	list, err := e.doQuery(ctx, km, param, NoRowBounds, nil, bound)
	if err != nil {
		return err
	}
	switch len(list) {
	case 0:
		return &errs.ExecutionError{Statement: km.ID, Err: errors.New("selectKey returned no data")}
	case 1:
	default:
		return &errs.ExecutionError{Statement: km.ID, Err: fmt.Errorf("selectKey returned %d rows, expected one", len(list))}
	}
	if err := assignSelectedKeys(param, km, list[0]); err != nil {
		return &errs.ExecutionError{Statement: km.ID, Err: err}
	}
	return nil
}

// assignSelectedKeys copies the key row into param. Property i reads
// column i of KeyColumns, or the column named like the property. A single
// property takes a scalar row as is, or the only column of a one-column
// row.
func assignSelectedKeys(param any, km *registry.MappedStatement, row any) error {
	props := km.KeyProperties
	for i, prop := range props {
		column := prop
		if i < len(km.KeyColumns) {
			column = km.KeyColumns[i]
		}
		v, err := keyValue(row, column, len(props) == 1 && len(km.KeyColumns) == 0)
		if err != nil {
			return err
		}
		if err := setProperty(param, prop, v); err != nil {
			return err
		}
	}
	return nil
}

func keyValue(row any, column string, single bool) (any, error) {
	m, isMap := row.(map[string]any)
	if !isMap {
		if single {
			return row, nil
		}
		if row == nil {
			return nil, fmt.Errorf("selectKey row has no column %q", column)
		}
		return reflectx.Value(row, column)
	}
	for k, v := range m {
		if strings.EqualFold(k, column) {
			return v, nil
		}
	}
	if single && len(m) == 1 {
		for _, v := range m {
			return v, nil
		}
	}
	return nil, fmt.Errorf("selectKey row has no column %q", column)
}

func (e *Simple) Commit(required bool) error {
	if e.closed {
		return fmt.Errorf("cannot commit, transaction is already closed")
	}
	e.ClearLocalCache()
	if required {
		return e.tx.Commit()
	}
	return nil
}

func (e *Simple) Rollback(required bool) error {
	if e.closed {
		return nil
	}
	e.ClearLocalCache()
	if required {
		return e.tx.Rollback()
	}
	return nil
}

func (e *Simple) Close(forceRollback bool) error {
	if e.closed {
		return nil
	}
	rbErr := e.Rollback(forceRollback)
	closeErr := e.tx.Close()
	e.closed = true
	if rbErr != nil {
		return rbErr
	}
	return closeErr
}

func (e *Simple) IsClosed() bool { return e.closed }

// CreateCacheKey builds the key of one query: statement id, row bounds,
// SQL, every non-output bind value, and the environment id.
func (e *Simple) CreateCacheKey(ms *registry.MappedStatement, param any, bounds RowBounds, bound *sqlparam.Bound) (cache.Key, error) {
	if e.closed {
		return cache.Key{}, ErrClosed
	}
	key := cache.NewKey(ms.ID, bounds.Offset, bounds.Limit, bound.SQL)
	for _, m := range bound.Mappings {
		if m.Mode == sqlparam.ModeOut {
			continue
		}
		v, err := bound.Value(m, e.cfg.Types)
		if err != nil {
			return cache.Key{}, err
		}
		key.Update(v)
	}
	if e.cfg.EnvironmentID != "" {
		key.Update(e.cfg.EnvironmentID)
	}
	return key, nil
}

func (e *Simple) IsCached(_ *registry.MappedStatement, key cache.Key) bool {
	_, ok := e.local.Get(key)
	return ok
}

func (e *Simple) ClearLocalCache() {
	if !e.closed {
		e.local.Clear()
	}
}

func (e *Simple) mapper(ms *registry.MappedStatement) *resultMapper {
	return &resultMapper{
		exec:     e,
		ms:       ms,
		reg:      e.cfg.Registry,
		types:    e.cfg.Types,
		settings: e.cfg.Config.Settings,
	}
}

// outParam is the destination of one OUT or INOUT parameter.
type outParam struct {
	mapping sqlparam.Mapping
	dest    *any
}

// args converts the bind values. Output parameters of callable statements
// are passed as sql.Out.
func (e *Simple) args(ms *registry.MappedStatement, bound *sqlparam.Bound) ([]any, []outParam, error) {
	args, err := bound.Args(e.cfg.Types)
	if err != nil {
		return nil, nil, err
	}
	if ms.StatementType != registry.StatementCallable {
		return args, nil, nil
	}
	var outs []outParam
	for i, m := range bound.Mappings {
		if !m.IsOutput() {
			continue
		}
		dest := new(any)
		*dest = args[i]
		args[i] = sql.Out{Dest: dest, In: m.Mode == sqlparam.ModeInOut}
		outs = append(outs, outParam{mapping: m, dest: dest})
	}
	return args, outs, nil
}

func writeOutParams(bound *sqlparam.Bound, outs []outParam) error {
	for _, o := range outs {
		v := *o.dest
		if h := o.mapping.Handler; h != nil {
			conv, err := h.FromDriver(v)
			if err != nil {
				return fmt.Errorf("reading output parameter %q: %w", o.mapping.Property, err)
			}
			v = conv
		}
		if err := setProperty(bound.Parameter, o.mapping.Property, v); err != nil {
			return err
		}
	}
	return nil
}

func assignGeneratedKey(res sql.Result, param any, property string) error {
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading generated key: %w", err)
	}
	return setProperty(param, property, id)
}

// setProperty writes back into the parameter object: a map entry or a
// field of a struct passed by pointer.
func setProperty(param any, property string, value any) error {
	switch p := param.(type) {
	case nil:
		return fmt.Errorf("cannot set property %q on a nil parameter", property)
	case map[string]any:
		p[property] = value
		return nil
	}
	rv := reflect.ValueOf(param)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("cannot set property %q on %T: pass a pointer", property, param)
	}
	return reflectx.SetField(rv, property, value)
}

func primaryResultMap(ms *registry.MappedStatement) (*registry.ResultMap, error) {
	if len(ms.ResultMaps) == 0 {
		return nil, &errs.ExecutionError{Statement: ms.ID, Err: fmt.Errorf("a query was run and no result maps were found for statement %s; add resultType or resultMap", ms.ID)}
	}
	return ms.ResultMaps[0], nil
}

func statementContext(ctx context.Context, ms *registry.MappedStatement) (context.Context, context.CancelFunc) {
	if ms.Timeout > 0 {
		return context.WithTimeout(ctx, ms.Timeout)
	}
	return context.WithCancel(ctx)
}
