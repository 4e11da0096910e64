package dberrors

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// MySQL server error numbers.
// See: https://dev.mysql.com/doc/mysql-errors/8.0/en/server-error-reference.html
const (
	mysqlDBAccessDenied     = 1044
	mysqlAccessDenied       = 1045
	mysqlTooManyConnections = 1040
	mysqlServerShutdown     = 1053
	mysqlLockWaitTimeout    = 1205
	mysqlDeadlock           = 1213
	mysqlDuplicateEntry     = 1062
	mysqlBadNull            = 1048
	mysqlNoReferencedRow    = 1216
	mysqlRowIsReferenced    = 1217
	mysqlRowIsReferenced2   = 1451
	mysqlNoReferencedRow2   = 1452
	mysqlNoDefaultForField  = 1364
	mysqlDataTooLong        = 1406
	mysqlCheckViolated      = 3819
	mysqlTableAccessDenied  = 1142
	mysqlAccessDeniedNoPass = 1698
	mysqlServerGone         = 2006
	mysqlServerLost         = 2013
	mysqlLockNoWait         = 3572
)

// Classify maps a raw driver error to a Kind. Structured driver errors win
// over network errors, which win over message heuristics. Context
// cancellation is reported as unknown; a deadline is a timeout and therefore
// transient.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, ErrPoolExhausted) {
		return KindTransientConnection
	}
	if errors.Is(err, context.Canceled) {
		return KindUnknown
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyPostgres(pgErr.Code)
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return classifyMySQL(myErr.Number)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientConnection
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return KindTransientConnection
	}

	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return KindTransientConnection
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransientConnection
	}

	return classifyMessage(err.Error())
}

func classifyPostgres(code string) Kind {
	switch code {
	case pgerrcode.DeadlockDetected:
		return KindDeadlock
	case pgerrcode.LockNotAvailable, pgerrcode.SerializationFailure:
		return KindLockTimeout
	case pgerrcode.InsufficientPrivilege:
		return KindAuthFailure
	case pgerrcode.TooManyConnections,
		pgerrcode.AdminShutdown,
		pgerrcode.CrashShutdown,
		pgerrcode.CannotConnectNow,
		pgerrcode.ReadOnlySQLTransaction:
		return KindTransientConnection
	}

	switch {
	case pgerrcode.IsConnectionException(code), pgerrcode.IsInsufficientResources(code):
		return KindTransientConnection
	case pgerrcode.IsIntegrityConstraintViolation(code), pgerrcode.IsDataException(code):
		return KindConstraintViolation
	case pgerrcode.IsInvalidAuthorizationSpecification(code):
		return KindAuthFailure
	}
	return KindUnknown
}

func classifyMySQL(number uint16) Kind {
	switch number {
	case mysqlDeadlock:
		return KindDeadlock
	case mysqlLockWaitTimeout, mysqlLockNoWait:
		return KindLockTimeout
	case mysqlDuplicateEntry, mysqlBadNull, mysqlNoReferencedRow, mysqlRowIsReferenced,
		mysqlRowIsReferenced2, mysqlNoReferencedRow2, mysqlNoDefaultForField,
		mysqlDataTooLong, mysqlCheckViolated:
		return KindConstraintViolation
	case mysqlAccessDenied, mysqlDBAccessDenied, mysqlTableAccessDenied, mysqlAccessDeniedNoPass:
		return KindAuthFailure
	case mysqlTooManyConnections, mysqlServerShutdown, mysqlServerGone, mysqlServerLost:
		return KindTransientConnection
	}
	return KindUnknown
}

var messageRules = []struct {
	kind    Kind
	needles []string
}{
	{KindDeadlock, []string{"deadlock"}},
	{KindLockTimeout, []string{"lock wait timeout", "lock timeout", "could not obtain lock", "database is locked"}},
	{KindConstraintViolation, []string{"duplicate key", "duplicate entry", "unique constraint", "foreign key", "violates", "integrity constraint", "not-null constraint"}},
	{KindAuthFailure, []string{"authentication failed", "access denied", "password authentication", "permission denied"}},
	{KindTransientConnection, []string{"connection refused", "connection reset", "broken pipe", "server closed", "too many connections", "i/o timeout", "timeout", "no such host", "bad connection", "eof"}},
}

func classifyMessage(msg string) Kind {
	lower := strings.ToLower(msg)
	for _, rule := range messageRules {
		for _, needle := range rule.needles {
			if strings.Contains(lower, needle) {
				return rule.kind
			}
		}
	}
	return KindUnknown
}
