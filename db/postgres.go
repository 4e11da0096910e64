package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/migadu/dbrouter/helpers"
	"github.com/migadu/dbrouter/logger"
	"github.com/migadu/dbrouter/pkg/health"
	"github.com/migadu/dbrouter/pkg/pool"
)

const pgReplicationLagQuery = `
	SELECT pg_is_in_recovery(),
	       EXTRACT(EPOCH FROM (now() - pg_last_xact_replay_timestamp()))::float8`

type postgresEngine struct {
	pool *pgxpool.Pool
}

func dialPostgres(ctx context.Context, opts engineOptions) (Engine, error) {
	cfg, err := pgxpool.ParseConfig(opts.alias.DSN)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	cfg.ConnConfig.Tracer = &queryTracer{
		alias:      opts.alias.Name,
		role:       string(opts.alias.Role),
		logQueries: opts.logQueries,
	}
	cfg.MaxConns = int32(opts.maxConns)
	cfg.MinConns = int32(opts.minConns)
	cfg.MaxConnLifetime = opts.maxConnLifetime
	cfg.MaxConnIdleTime = opts.maxConnIdleTime

	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, err
	}

	logger.Info("PostgreSQL pool created", "component", "DB", "alias", opts.alias.Name,
		"role", opts.alias.Role, "dsn", helpers.MaskDSN(opts.alias.DSN),
		"max_conns", cfg.MaxConns, "min_conns", cfg.MinConns,
		"max_lifetime", cfg.MaxConnLifetime, "max_idle", cfg.MaxConnIdleTime)

	return &postgresEngine{pool: p}, nil
}

func (e *postgresEngine) Acquire(ctx context.Context) (pool.DriverConn, error) {
	c, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return pgConn{c}, nil
}

func (e *postgresEngine) Close() {
	e.pool.Close()
}

func (e *postgresEngine) Ping(ctx context.Context) error {
	var one int
	return e.pool.QueryRow(ctx, "SELECT 1").Scan(&one)
}

// ReplicationLag returns the replay delay of a standby. A server that is not
// in recovery has no lag; a standby that has not replayed anything yet
// cannot report one.
func (e *postgresEngine) ReplicationLag(ctx context.Context) (time.Duration, error) {
	var inRecovery bool
	var seconds *float64
	if err := e.pool.QueryRow(ctx, pgReplicationLagQuery).Scan(&inRecovery, &seconds); err != nil {
		return 0, err
	}
	if !inRecovery {
		return 0, nil
	}
	if seconds == nil {
		return 0, health.ErrLagUnsupported
	}
	return secondsToDuration(*seconds), nil
}

// pgConn adapts a pooled pgx connection to pool.DriverConn.
type pgConn struct {
	conn *pgxpool.Conn
}

func (c pgConn) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := c.conn.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c pgConn) QueryRow(ctx context.Context, sql string, args ...any) pool.Row {
	return c.conn.QueryRow(ctx, sql, args...)
}

func (c pgConn) Query(ctx context.Context, sql string, args ...any) (pool.Rows, error) {
	rows, err := c.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (c pgConn) Release() {
	c.conn.Release()
}

func secondsToDuration(s float64) time.Duration {
	if s < 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
