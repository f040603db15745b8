package executor

import (
	"context"
	"database/sql"
)

// Conn is what statements run on: a *sql.DB in auto-commit mode, else a
// *sql.Tx.
type Conn interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Transaction hands out the connection of a session.
type Transaction interface {
	Conn(ctx context.Context) (Conn, error)
	Commit() error
	Rollback() error
	Close() error
}

// DBTransaction begins a database transaction on first use unless it runs
// in auto-commit mode.
type DBTransaction struct {
	db         *sql.DB
	autoCommit bool
	opts       *sql.TxOptions
	tx         *sql.Tx
}

// NewDBTransaction returns a transaction over db.
func NewDBTransaction(db *sql.DB, autoCommit bool, opts *sql.TxOptions) *DBTransaction {
	return &DBTransaction{db: db, autoCommit: autoCommit, opts: opts}
}

func (t *DBTransaction) Conn(ctx context.Context) (Conn, error) {
	if t.autoCommit {
		return t.db, nil
	}
	if t.tx == nil {
		// The transaction outlives the statement that opens it, and with it
		// any statement timeout.
		tx, err := t.db.BeginTx(context.WithoutCancel(ctx), t.opts)
		if err != nil {
			return nil, err
		}
		t.tx = tx
	}
	return t.tx, nil
}

// Commit commits the open transaction, if any.
func (t *DBTransaction) Commit() error {
	if t.tx == nil {
		return nil
	}
	err := t.tx.Commit()
	t.tx = nil
	return err
}

// Rollback rolls back the open transaction, if any.
func (t *DBTransaction) Rollback() error {
	if t.tx == nil {
		return nil
	}
	err := t.tx.Rollback()
	t.tx = nil
	return err
}

// Close rolls back a transaction left open. The database handle is not
// closed; it belongs to the store.
func (t *DBTransaction) Close() error {
	return t.Rollback()
}

// Active reports whether a transaction is open.
func (t *DBTransaction) Active() bool { return t.tx != nil }
