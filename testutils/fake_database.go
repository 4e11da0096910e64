package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/dbrouter/pkg/correlation"
	"github.com/migadu/dbrouter/pkg/pool"
)

// FakeDatabase is an in-memory stand-in for one database alias. It
// implements pool.Connector and health.Target. Statement failures are
// scripted with FailNext and consumed one per statement.
type FakeDatabase struct {
	mu       sync.Mutex
	failures []error
	pingErr  error
	lag      time.Duration
	lagErr   error
	always   error
	row      []any
	lastCorr string

	Statements atomic.Int64
	Acquired   atomic.Int64
	Released   atomic.Int64
	Pings      atomic.Int64
	closed     atomic.Bool
}

func NewFakeDatabase() *FakeDatabase {
	return &FakeDatabase{}
}

// FailNext makes the next len(errs) statements fail with errs in order. A
// nil entry lets that statement succeed.
func (f *FakeDatabase) FailNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errs...)
}

// FailAlways makes every statement fail with err until Heal is called.
func (f *FakeDatabase) FailAlways(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = nil
	f.always = err
	f.pingErr = err
}

// Heal clears scripted failures and ping errors.
func (f *FakeDatabase) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = nil
	f.always = nil
	f.pingErr = nil
}

// SetPingError sets the error returned by Ping.
func (f *FakeDatabase) SetPingError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

// SetLag sets the replication lag reported to the prober.
func (f *FakeDatabase) SetLag(lag time.Duration, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lag, f.lagErr = lag, err
}

// SetRow sets the values QueryRow scans. Without a row QueryRow returns
// sql.ErrNoRows.
func (f *FakeDatabase) SetRow(values ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.row = values
}

// LastCorrelationID returns the correlation id of the last statement.
func (f *FakeDatabase) LastCorrelationID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCorr
}

// Closed reports whether Close was called.
func (f *FakeDatabase) Closed() bool {
	return f.closed.Load()
}

func (f *FakeDatabase) statement(ctx context.Context) error {
	f.Statements.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCorr = correlation.IDOrEmpty(ctx)
	if f.always != nil {
		return f.always
	}
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return err
	}
	return ctx.Err()
}

func (f *FakeDatabase) Acquire(ctx context.Context) (pool.DriverConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.Acquired.Add(1)
	return &fakeConn{db: f}, nil
}

func (f *FakeDatabase) Close() {
	f.closed.Store(true)
}

func (f *FakeDatabase) Ping(ctx context.Context) error {
	f.Pings.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pingErr != nil {
		return f.pingErr
	}
	return ctx.Err()
}

func (f *FakeDatabase) ReplicationLag(context.Context) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lag, f.lagErr
}

type fakeConn struct {
	db *FakeDatabase
}

func (c *fakeConn) Exec(ctx context.Context, _ string, _ ...any) (int64, error) {
	if err := c.db.statement(ctx); err != nil {
		return 0, err
	}
	return 1, nil
}

func (c *fakeConn) QueryRow(ctx context.Context, _ string, _ ...any) pool.Row {
	if err := c.db.statement(ctx); err != nil {
		return fakeRow{err: err}
	}
	c.db.mu.Lock()
	values := append([]any(nil), c.db.row...)
	c.db.mu.Unlock()
	if len(values) == 0 {
		return fakeRow{err: sql.ErrNoRows}
	}
	return fakeRow{values: values}
}

func (c *fakeConn) Query(ctx context.Context, _ string, _ ...any) (pool.Rows, error) {
	if err := c.db.statement(ctx); err != nil {
		return nil, err
	}
	c.db.mu.Lock()
	values := append([]any(nil), c.db.row...)
	c.db.mu.Unlock()
	return &fakeRows{values: values}, nil
}

func (c *fakeConn) Release() {
	c.db.Released.Add(1)
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(r.values, dest)
}

// fakeRows yields each configured value as a single-column row.
type fakeRows struct {
	values []any
	pos    int
}

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.values) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	return assign(r.values[r.pos-1:r.pos], dest)
}

func (r *fakeRows) Err() error { return nil }

func (r *fakeRows) Close() {}

func assign(values, dest []any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("scan: %d values into %d destinations", len(values), len(dest))
	}
	for i, d := range dest {
		dv := reflect.ValueOf(d)
		if dv.Kind() != reflect.Pointer || dv.IsNil() {
			return fmt.Errorf("scan: destination %d is not a pointer", i)
		}
		v := reflect.ValueOf(values[i])
		if !v.Type().AssignableTo(dv.Elem().Type()) {
			return fmt.Errorf("scan: cannot assign %T to %s", values[i], dv.Elem().Type())
		}
		dv.Elem().Set(v)
	}
	return nil
}
