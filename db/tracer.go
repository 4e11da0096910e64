package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/dbrouter/logger"
	"github.com/migadu/dbrouter/pkg/metrics"
)

const maxLoggedQuery = 256

// queryTracer records query metrics for a PostgreSQL alias and, when
// logQueries is set, logs every query with the caller's correlation id.
type queryTracer struct {
	alias      string
	role       string
	logQueries bool
}

type traceKey struct{}

type traceData struct {
	start time.Time
	sql   string
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceKey{}, traceData{start: time.Now(), sql: data.SQL})
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	td, ok := ctx.Value(traceKey{}).(traceData)
	if !ok {
		return
	}
	observeQuery(ctx, t.alias, t.role, td.sql, time.Since(td.start), data.Err, t.logQueries)
}

func observeQuery(ctx context.Context, alias, role, query string, elapsed time.Duration, err error, logQuery bool) {
	op := operationOf(query)
	status := "success"
	if err != nil && !errors.Is(err, pgx.ErrNoRows) && !errors.Is(err, sql.ErrNoRows) {
		status = "failure"
	}
	metrics.DBQueriesTotal.WithLabelValues(op, status, role).Inc()
	metrics.DBQueryDuration.WithLabelValues(op, role).Observe(elapsed.Seconds())

	if !logQuery {
		return
	}
	args := []any{"component", "DB", "alias", alias, "operation", op,
		"duration", elapsed, "sql", truncateQuery(query)}
	if status == "failure" {
		args = append(args, "error", err)
	}
	logger.DebugContext(ctx, "Query", args...)
}

// operationOf returns the lower-cased leading keyword of a statement.
func operationOf(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return "other"
	}
	switch op := strings.ToLower(fields[0]); op {
	case "select", "insert", "update", "delete", "with", "begin", "commit", "rollback", "show", "set":
		return op
	default:
		return "other"
	}
}

func truncateQuery(query string) string {
	query = strings.Join(strings.Fields(query), " ")
	if len(query) > maxLoggedQuery {
		return query[:maxLoggedQuery] + "..."
	}
	return query
}
