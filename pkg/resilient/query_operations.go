package resilient

import (
	"context"

	"github.com/migadu/dbrouter/pkg/pool"
	"github.com/migadu/dbrouter/pkg/router"
)

// resilientRow defers the query until Scan so that the retry logic covers
// both the query and the scan.
type resilientRow struct {
	ctx   context.Context
	rd    *Database
	hints router.Hints
	sql   string
	args  []any
}

func (r *resilientRow) Scan(dest ...any) error {
	return r.rd.ReadWithRetry(r.ctx, r.hints, func(ctx context.Context, conn *pool.Conn) error {
		return conn.QueryRow(ctx, r.sql, r.args...).Scan(dest...)
	})
}

// QueryRowWithRetry reads a single row. The query runs when Scan is called;
// an empty result is returned as the driver's no-rows error and is not
// retried.
func (d *Database) QueryRowWithRetry(ctx context.Context, hints router.Hints, sql string, args ...any) pool.Row {
	return &resilientRow{ctx: ctx, rd: d, hints: hints, sql: sql, args: args}
}

// QueryWithRetry runs a read query and hands the rows to scan. The rows are
// closed when scan returns. scan runs again from the first row when the
// attempt is retried.
func (d *Database) QueryWithRetry(ctx context.Context, hints router.Hints, scan func(pool.Rows) error, sql string, args ...any) error {
	return d.ReadWithRetry(ctx, hints, func(ctx context.Context, conn *pool.Conn) error {
		rows, err := conn.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		if err := scan(rows); err != nil {
			return err
		}
		return rows.Err()
	})
}

// ExecWithRetry runs a statement on the primary and returns the number of
// affected rows.
func (d *Database) ExecWithRetry(ctx context.Context, sql string, args ...any) (int64, error) {
	var affected int64
	err := d.WriteWithRetry(ctx, func(ctx context.Context, conn *pool.Conn) error {
		n, err := conn.Exec(ctx, sql, args...)
		affected = n
		return err
	})
	return affected, err
}
