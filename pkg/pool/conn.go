package pool

import (
	"context"
	"sync"
	"time"

	"github.com/migadu/dbrouter/consts"
)

// Row is a single-row query result.
type Row interface {
	Scan(dest ...any) error
}

// Rows is a multi-row query result. Close must be called.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// DriverConn is a connection checked out from a driver pool.
type DriverConn interface {
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	QueryRow(ctx context.Context, sql string, args ...any) Row
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	Release()
}

// Connector is the driver pool behind one alias.
type Connector interface {
	Acquire(ctx context.Context) (DriverConn, error)
	Close()
}

// Conn is a pooled connection handle. It counts against the alias pool size
// until Release is called; Release is idempotent.
type Conn struct {
	alias    string
	driver   DriverConn
	pool     *aliasPool
	acquired time.Time

	once   sync.Once
	mu     sync.Mutex
	failed bool
	closed bool
}

// Alias returns the alias the connection belongs to.
func (c *Conn) Alias() string {
	return c.alias
}

func (c *Conn) usable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return consts.ErrConnReleased
	}
	return nil
}

func (c *Conn) observe(err error) error {
	if err != nil {
		c.mu.Lock()
		c.failed = true
		c.mu.Unlock()
	}
	return err
}

// Exec runs a statement and returns the number of affected rows.
func (c *Conn) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	if err := c.usable(); err != nil {
		return 0, err
	}
	n, err := c.driver.Exec(ctx, sql, args...)
	return n, c.observe(err)
}

// QueryRow runs a query expected to return at most one row.
func (c *Conn) QueryRow(ctx context.Context, sql string, args ...any) Row {
	if err := c.usable(); err != nil {
		return errRow{err}
	}
	return &observedRow{row: c.driver.QueryRow(ctx, sql, args...), conn: c}
}

// Query runs a query returning rows. The rows must be closed before Release.
func (c *Conn) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	rows, err := c.driver.Query(ctx, sql, args...)
	return rows, c.observe(err)
}

// Release returns the connection to its pool.
func (c *Conn) Release() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		failed := c.failed
		c.mu.Unlock()

		c.driver.Release()
		c.pool.release(c.acquired, failed)
	})
}

type observedRow struct {
	row  Row
	conn *Conn
}

func (r *observedRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if err != nil && !IsNoRows(err) {
		r.conn.observe(err)
	}
	return err
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }
