// Package session is the unit-of-work facade over the executors: a
// session looks statements up by id, runs them, and commits or rolls back
// both the database transaction and the staged cache changes together.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/sqlmap/internal/builder"
	"github.com/roach88/sqlmap/internal/executor"
	"github.com/roach88/sqlmap/internal/reflectx"
	"github.com/roach88/sqlmap/internal/registry"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session is closed")

// TooManyResultsError is returned by SelectOne when a query returns more
// than one row.
type TooManyResultsError struct {
	Statement string
	Count     int
}

func (e *TooManyResultsError) Error() string {
	return fmt.Sprintf("expected one result (or none) from %s, but found %d", e.Statement, e.Count)
}

// Factory opens sessions over one database handle.
type Factory struct {
	cfg    *builder.Configuration
	db     *sql.DB
	logger *slog.Logger
	ids    IDGenerator
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithLogger sets the logger of every session.
func WithLogger(l *slog.Logger) FactoryOption {
	return func(f *Factory) {
		f.logger = l
	}
}

// WithIDGenerator replaces the UUIDv7 session ids.
func WithIDGenerator(g IDGenerator) FactoryOption {
	return func(f *Factory) {
		f.ids = g
	}
}

// NewFactory returns a factory for cfg's statements over db.
func NewFactory(cfg *builder.Configuration, db *sql.DB, opts ...FactoryOption) *Factory {
	f := &Factory{cfg: cfg, db: db, logger: cfg.Logger, ids: UUIDv7Generator{}}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f
}

// Configuration returns the configuration sessions run against.
func (f *Factory) Configuration() *builder.Configuration { return f.cfg }

type openOptions struct {
	autoCommit bool
	txOptions  *sql.TxOptions
}

// OpenOption configures one session.
type OpenOption func(*openOptions)

// AutoCommit runs every statement in its own database transaction.
func AutoCommit() OpenOption {
	return func(o *openOptions) {
		o.autoCommit = true
	}
}

// WithTxOptions sets the isolation level and read-only flag of the
// session transaction.
func WithTxOptions(opts *sql.TxOptions) OpenOption {
	return func(o *openOptions) {
		o.txOptions = opts
	}
}

// Open starts a session. The caching decorator is installed unless the
// cache_enabled setting is off.
func (f *Factory) Open(opts ...OpenOption) *Session {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}
	id := f.ids.Generate()
	logger := f.logger.With("session", id)

	tx := executor.NewDBTransaction(f.db, o.autoCommit, o.txOptions)
	var exec executor.Executor = executor.NewSimple(f.cfg, tx, executor.WithLogger(logger))
	if f.cfg.Config.Settings.CacheEnabled {
		exec = executor.NewCaching(exec)
	}
	logger.Debug("session opened", "auto_commit", o.autoCommit)
	return &Session{id: id, cfg: f.cfg, exec: exec, autoCommit: o.autoCommit, logger: logger}
}

// Session is one unit of work. It is not safe for concurrent use.
type Session struct {
	id         string
	cfg        *builder.Configuration
	exec       executor.Executor
	autoCommit bool
	logger     *slog.Logger

	dirty   bool
	closed  bool
	cursors []*executor.Cursor
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Executor returns the executor the session runs on.
func (s *Session) Executor() executor.Executor { return s.exec }

func (s *Session) statement(id string) (*registry.MappedStatement, error) {
	if s.closed {
		return nil, ErrClosed
	}
	return s.cfg.Registry.Statement(id)
}

// SelectOne returns the single row of a query, or nil when there is none.
func (s *Session) SelectOne(ctx context.Context, id string, param any) (any, error) {
	list, err := s.SelectList(ctx, id, param)
	if err != nil {
		return nil, err
	}
	switch len(list) {
	case 0:
		return nil, nil
	case 1:
		return list[0], nil
	}
	return nil, &TooManyResultsError{Statement: id, Count: len(list)}
}

// SelectList returns every row of a query, restricted by bounds when given.
func (s *Session) SelectList(ctx context.Context, id string, param any, bounds ...executor.RowBounds) ([]any, error) {
	ms, err := s.statement(id)
	if err != nil {
		return nil, err
	}
	return s.exec.Query(ctx, ms, param, rowBounds(bounds), nil)
}

// SelectMap returns the rows of a query keyed by one of their properties.
func (s *Session) SelectMap(ctx context.Context, id string, param any, keyProperty string) (map[any]any, error) {
	list, err := s.SelectList(ctx, id, param)
	if err != nil {
		return nil, err
	}
	out := make(map[any]any, len(list))
	for _, row := range list {
		k, err := reflectx.Value(row, keyProperty)
		if err != nil {
			return nil, err
		}
		out[k] = row
	}
	return out, nil
}

// Select streams every row of a query to handler. It never uses a cache.
func (s *Session) Select(ctx context.Context, id string, param any, handler executor.ResultHandler, bounds ...executor.RowBounds) error {
	ms, err := s.statement(id)
	if err != nil {
		return err
	}
	_, err = s.exec.Query(ctx, ms, param, rowBounds(bounds), handler)
	return err
}

// SelectCursor opens a cursor over a query. The session closes cursors
// left open when it closes.
func (s *Session) SelectCursor(ctx context.Context, id string, param any, bounds ...executor.RowBounds) (*executor.Cursor, error) {
	ms, err := s.statement(id)
	if err != nil {
		return nil, err
	}
	cur, err := s.exec.QueryCursor(ctx, ms, param, rowBounds(bounds))
	if err != nil {
		return nil, err
	}
	s.cursors = append(s.cursors, cur)
	return cur, nil
}

// Insert runs an insert statement.
func (s *Session) Insert(ctx context.Context, id string, param any) (int64, error) {
	return s.Update(ctx, id, param)
}

// Update runs an update statement and marks the session dirty.
func (s *Session) Update(ctx context.Context, id string, param any) (int64, error) {
	ms, err := s.statement(id)
	if err != nil {
		return 0, err
	}
	s.dirty = true
	return s.exec.Update(ctx, ms, param)
}

// Delete runs a delete statement.
func (s *Session) Delete(ctx context.Context, id string, param any) (int64, error) {
	return s.Update(ctx, id, param)
}

// Commit commits the database transaction when the session wrote
// anything, and always promotes the staged cache changes.
func (s *Session) Commit() error {
	return s.commit(false)
}

// ForceCommit commits the database transaction even if nothing was
// written.
func (s *Session) ForceCommit() error {
	return s.commit(true)
}

func (s *Session) commit(force bool) error {
	if s.closed {
		return ErrClosed
	}
	if err := s.exec.Commit(s.commitOrRollbackRequired(force)); err != nil {
		return err
	}
	s.dirty = false
	s.logger.Debug("session committed")
	return nil
}

// Rollback rolls back the database transaction and the staged cache
// changes when the session wrote anything.
func (s *Session) Rollback() error {
	return s.rollback(false)
}

// ForceRollback rolls back even if nothing was written.
func (s *Session) ForceRollback() error {
	return s.rollback(true)
}

func (s *Session) rollback(force bool) error {
	if s.closed {
		return ErrClosed
	}
	if err := s.exec.Rollback(s.commitOrRollbackRequired(force)); err != nil {
		return err
	}
	s.dirty = false
	s.logger.Debug("session rolled back")
	return nil
}

// ClearCache empties the session-local cache.
func (s *Session) ClearCache() {
	s.exec.ClearLocalCache()
}

// Close closes open cursors and the executor. Uncommitted writes are
// rolled back. Closing twice is a no-op.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	var errList []error
	for _, cur := range s.cursors {
		errList = append(errList, cur.Close())
	}
	s.cursors = nil
	errList = append(errList, s.exec.Close(s.commitOrRollbackRequired(false)))
	s.closed = true
	s.dirty = false
	s.logger.Debug("session closed")
	return errors.Join(errList...)
}

func (s *Session) commitOrRollbackRequired(force bool) bool {
	return (!s.autoCommit && s.dirty) || force
}

func rowBounds(bounds []executor.RowBounds) executor.RowBounds {
	if len(bounds) > 0 {
		return bounds[0]
	}
	return executor.NoRowBounds
}
