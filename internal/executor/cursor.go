package executor

import (
	"context"
	"database/sql"
	"errors"

	"github.com/roach88/sqlmap/internal/errs"
	"github.com/roach88/sqlmap/internal/registry"
)

// Cursor streams the mapped rows of a query. It holds the connection until
// it is closed or exhausted.
//
//	cur, err := exec.QueryCursor(ctx, ms, param, NoRowBounds)
//	defer cur.Close()
//	for cur.Next() {
//		use(cur.Value())
//	}
//	return cur.Err()
type Cursor struct {
	ctx    context.Context
	cancel context.CancelFunc
	mapper *resultMapper
	rm     *registry.ResultMap
	rows   *sql.Rows
	rs     *rowSet
	limit  int

	count   int
	current any
	err     error
	closed  bool
}

func newCursor(ctx context.Context, cancel context.CancelFunc, m *resultMapper, rm *registry.ResultMap, rows *sql.Rows, bounds RowBounds) (*Cursor, error) {
	rs, err := newRowSet(rows)
	if err != nil {
		rows.Close()
		cancel()
		return nil, &errs.ExecutionError{Statement: m.ms.ID, Err: err}
	}
	c := &Cursor{
		ctx:    ctx,
		cancel: cancel,
		mapper: m,
		rm:     rm,
		rows:   rows,
		rs:     rs,
		limit:  bounds.Limit,
	}
	for skipped := 0; skipped < bounds.Offset; skipped++ {
		if !rows.Next() {
			break
		}
	}
	return c, nil
}

// Next advances to the next row. It returns false at the end of the rows,
// after the limit, or on error; the cursor is closed then.
func (c *Cursor) Next() bool {
	if c.closed {
		return false
	}
	if c.limit > 0 && c.count >= c.limit {
		c.Close()
		return false
	}
	if !c.rows.Next() {
		c.fail(c.rows.Err())
		c.Close()
		return false
	}
	vals, err := c.rs.scan(c.rows)
	if err != nil {
		c.fail(err)
		c.Close()
		return false
	}
	v, err := c.mapper.mapRow(c.ctx, c.rm, row{rs: c.rs, vals: vals})
	if err != nil {
		c.fail(err)
		c.Close()
		return false
	}
	c.current = v
	c.count++
	return true
}

// Value returns the current mapped row.
func (c *Cursor) Value() any { return c.current }

// Count returns the number of rows returned so far.
func (c *Cursor) Count() int { return c.count }

// Err returns the error that stopped iteration, if any.
func (c *Cursor) Err() error { return c.err }

// IsOpen reports whether the cursor can still return rows.
func (c *Cursor) IsOpen() bool { return !c.closed }

// Close releases the rows. It is safe to call more than once.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.rows.Close()
	c.cancel()
	return err
}

// All reads the remaining rows and closes the cursor.
func (c *Cursor) All() ([]any, error) {
	defer c.Close()
	var out []any
	for c.Next() {
		out = append(out, c.Value())
	}
	return out, c.Err()
}

func (c *Cursor) fail(err error) {
	if err == nil || c.err != nil {
		return
	}
	var ee *errs.ExecutionError
	if errors.As(err, &ee) {
		c.err = err
		return
	}
	c.err = &errs.ExecutionError{Statement: c.mapper.ms.ID, Err: err}
}
