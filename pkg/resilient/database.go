// Package resilient runs database operations through the routing, pooling
// and retry layers.
//
// # Architecture
//
// Every call is routed once and then attempted until the retry policy gives
// up:
//
//	┌──────────────────────┐
//	│ resilient.Database   │
//	├──────────────────────┤
//	│ 1. router.SelectAlias│──▶ health prober + degradation tracker
//	│ 2. retry.Policy.Do   │──▶ classify, back off, record outcome
//	│ 3. pool.Acquire      │──▶ bounded per-alias pool
//	└──────────┬───────────┘
//	           │
//	    ┌──────┴──────┐
//	    │             │
//	┌───▼─────┐  ┌────▼────┐
//	│ primary │  │ replica │
//	│ (RW)    │  │ (RO)    │
//	└─────────┘  └─────────┘
//
// # Usage
//
//	rdb, err := resilient.NewDatabase(rtr, pools, policy, cfg.Database)
//	if err != nil {
//		return err
//	}
//
//	var total int64
//	err = rdb.ReadWithRetry(ctx, router.Hints{Entity: "orders"}, func(ctx context.Context, conn *pool.Conn) error {
//		return conn.QueryRow(ctx, "SELECT count(*) FROM orders").Scan(&total)
//	})
//
// # Timeouts
//
// Each attempt runs under database.query_timeout for reads and
// database.write_timeout for writes. An attempt that runs out of time is a
// transient failure and may be retried; a cancelled caller context stops
// the call immediately.
//
// # Correlation
//
// The caller's correlation id is attached to every attempt, log line and
// returned error. A context without one gets a fresh id.
package resilient

import (
	"context"
	"fmt"
	"time"

	"github.com/migadu/dbrouter/config"
	"github.com/migadu/dbrouter/logger"
	"github.com/migadu/dbrouter/pkg/correlation"
	"github.com/migadu/dbrouter/pkg/pool"
	"github.com/migadu/dbrouter/pkg/router"
)

// Router selects the alias for an operation.
type Router interface {
	SelectAlias(ctx context.Context, op router.Operation, hints router.Hints) (router.Route, error)
}

// Pools hands out pooled connections.
type Pools interface {
	Acquire(ctx context.Context, alias string) (*pool.Conn, error)
}

// Executor runs an operation with retries against one alias.
type Executor interface {
	Do(ctx context.Context, alias string, fn func(ctx context.Context) error) error
}

// Func is a database operation run on a pooled connection. It may be called
// more than once when attempts are retried.
type Func func(ctx context.Context, conn *pool.Conn) error

// Database is the entry point application code uses for database access.
type Database struct {
	router       Router
	pools        Pools
	policy       Executor
	queryTimeout time.Duration
	writeTimeout time.Duration
}

// NewDatabase wires a router, a pool manager and a retry policy together.
func NewDatabase(r Router, pools Pools, policy Executor, cfg config.DatabaseConfig) (*Database, error) {
	queryTimeout, err := cfg.GetQueryTimeout()
	if err != nil {
		return nil, fmt.Errorf("database.query_timeout: %w", err)
	}
	writeTimeout, err := cfg.GetWriteTimeout()
	if err != nil {
		return nil, fmt.Errorf("database.write_timeout: %w", err)
	}
	return &Database{
		router:       r,
		pools:        pools,
		policy:       policy,
		queryTimeout: queryTimeout,
		writeTimeout: writeTimeout,
	}, nil
}

// ReadWithRetry routes a read using hints and runs fn on a connection to
// the chosen alias. Reads fall back to the primary when no replica is
// eligible, so routing itself never fails a read.
func (d *Database) ReadWithRetry(ctx context.Context, hints router.Hints, fn Func) error {
	ctx = correlation.Ensure(ctx)
	route, err := d.router.SelectAlias(ctx, router.OpRead, hints)
	if err != nil {
		return err
	}
	return d.run(ctx, route, d.queryTimeout, fn)
}

// WriteWithRetry runs fn on a connection to the primary. While the primary
// is degraded it returns *dberrors.PrimaryDegradedError without attempting
// the write.
func (d *Database) WriteWithRetry(ctx context.Context, fn Func) error {
	ctx = correlation.Ensure(ctx)
	route, err := d.router.SelectAlias(ctx, router.OpWrite, router.Hints{})
	if err != nil {
		return err
	}
	return d.run(ctx, route, d.writeTimeout, fn)
}

// run attempts fn on route.Alias. An empty result is returned to the caller
// but counts as a successful attempt.
func (d *Database) run(ctx context.Context, route router.Route, timeout time.Duration, fn Func) error {
	var noRows error
	err := d.policy.Do(ctx, route.Alias, func(ctx context.Context) error {
		noRows = nil
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		conn, err := d.pools.Acquire(attemptCtx, route.Alias)
		if err != nil {
			return err
		}
		defer conn.Release()

		err = fn(attemptCtx, conn)
		if pool.IsNoRows(err) {
			noRows = err
			return nil
		}
		return err
	})
	if err != nil {
		logger.DebugContext(ctx, "Database operation failed", "component", "RESILIENT",
			"alias", route.Alias, "reason", route.Reason, "error", err)
		return err
	}
	return noRows
}
