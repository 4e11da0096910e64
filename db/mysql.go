package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/migadu/dbrouter/helpers"
	"github.com/migadu/dbrouter/logger"
	"github.com/migadu/dbrouter/pkg/health"
	"github.com/migadu/dbrouter/pkg/pool"
)

// errReplicationStopped is returned when the replica reports no lag because
// its SQL thread is not running.
var errReplicationStopped = errors.New("replication is not running")

type mysqlEngine struct {
	db         *sql.DB
	alias      string
	role       string
	logQueries bool
}

func dialMySQL(ctx context.Context, opts engineOptions) (Engine, error) {
	cfg, err := mysql.ParseDSN(opts.alias.DSN)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	cfg.ParseTime = true

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(opts.maxConns)
	db.SetMaxIdleConns(opts.alias.MaxPoolSize)
	db.SetConnMaxLifetime(opts.maxConnLifetime)
	db.SetConnMaxIdleTime(opts.maxConnIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("MySQL pool created", "component", "DB", "alias", opts.alias.Name,
		"role", opts.alias.Role, "dsn", helpers.MaskDSN(opts.alias.DSN), "max_conns", opts.maxConns)

	return &mysqlEngine{
		db:         db,
		alias:      opts.alias.Name,
		role:       string(opts.alias.Role),
		logQueries: opts.logQueries,
	}, nil
}

func (e *mysqlEngine) Acquire(ctx context.Context) (pool.DriverConn, error) {
	c, err := e.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &sqlConn{conn: c, engine: e}, nil
}

func (e *mysqlEngine) Close() {
	if err := e.db.Close(); err != nil {
		logger.Warn("Error closing MySQL pool", "component", "DB", "alias", e.alias, "error", err)
	}
}

func (e *mysqlEngine) Ping(ctx context.Context) error {
	var one int
	return e.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

// ReplicationLag reads Seconds_Behind_Source from SHOW REPLICA STATUS,
// falling back to SHOW SLAVE STATUS on servers older than 8.0.22.
func (e *mysqlEngine) ReplicationLag(ctx context.Context) (time.Duration, error) {
	lag, err := e.replicaStatus(ctx, "SHOW REPLICA STATUS")
	if err != nil && isSyntaxError(err) {
		lag, err = e.replicaStatus(ctx, "SHOW SLAVE STATUS")
	}
	return lag, err
}

func (e *mysqlEngine) replicaStatus(ctx context.Context, query string) (time.Duration, error) {
	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return 0, err
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return 0, err
		}
		// Not configured as a replica.
		return 0, health.ErrLagUnsupported
	}

	vals := make([]sql.NullString, len(cols))
	dest := make([]any, len(cols))
	for i := range vals {
		dest[i] = &vals[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return 0, err
	}
	return parseReplicaStatus(cols, vals)
}

func parseReplicaStatus(cols []string, vals []sql.NullString) (time.Duration, error) {
	for i, col := range cols {
		if col != "Seconds_Behind_Source" && col != "Seconds_Behind_Master" {
			continue
		}
		if !vals[i].Valid {
			return 0, errReplicationStopped
		}
		secs, err := strconv.ParseFloat(strings.TrimSpace(vals[i].String), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s value %q: %w", col, vals[i].String, err)
		}
		return secondsToDuration(secs), nil
	}
	return 0, health.ErrLagUnsupported
}

func isSyntaxError(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1064
}

// sqlConn adapts a database/sql connection to pool.DriverConn. database/sql
// has no tracer hook, so queries are observed here.
type sqlConn struct {
	conn   *sql.Conn
	engine *mysqlEngine
}

func (c *sqlConn) observe(ctx context.Context, query string, start time.Time, err error) {
	observeQuery(ctx, c.engine.alias, c.engine.role, query, time.Since(start), err, c.engine.logQueries)
}

func (c *sqlConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	start := time.Now()
	res, err := c.conn.ExecContext(ctx, query, args...)
	c.observe(ctx, query, start, err)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *sqlConn) QueryRow(ctx context.Context, query string, args ...any) pool.Row {
	start := time.Now()
	row := c.conn.QueryRowContext(ctx, query, args...)
	c.observe(ctx, query, start, row.Err())
	return row
}

func (c *sqlConn) Query(ctx context.Context, query string, args ...any) (pool.Rows, error) {
	start := time.Now()
	rows, err := c.conn.QueryContext(ctx, query, args...)
	c.observe(ctx, query, start, err)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

func (c *sqlConn) Release() {
	if err := c.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		logger.Debug("Error returning MySQL connection", "component", "DB", "alias", c.engine.alias, "error", err)
	}
}

// sqlRows drops the error returned by (*sql.Rows).Close; Err reports it.
type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() {
	_ = r.Rows.Close()
}
