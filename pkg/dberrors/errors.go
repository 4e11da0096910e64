// Package dberrors defines the database error taxonomy and classifies raw
// driver errors into it.
package dberrors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind is the classification of a database failure.
type Kind string

const (
	KindTransientConnection Kind = "transient_connection"
	KindDeadlock            Kind = "deadlock"
	KindLockTimeout         Kind = "lock_timeout"
	KindConstraintViolation Kind = "constraint_violation"
	KindAuthFailure         Kind = "auth_failure"
	KindUnknown             Kind = "unknown"
)

// Kinds lists every kind, in a stable order for metrics initialization.
var Kinds = []Kind{
	KindTransientConnection,
	KindDeadlock,
	KindLockTimeout,
	KindConstraintViolation,
	KindAuthFailure,
	KindUnknown,
}

// Retryable reports whether failures of this kind are retried with backoff.
// Unknown errors are retried once by the retry policy and are not included here.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransientConnection, KindDeadlock, KindLockTimeout:
		return true
	}
	return false
}

func (k Kind) String() string { return string(k) }

// Sentinels for errors.Is checks.
var (
	ErrTransientConnection = errors.New("transient connection error")
	ErrDeadlock            = errors.New("deadlock detected")
	ErrLockTimeout         = errors.New("lock timeout")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrAuthFailure         = errors.New("authentication failure")
	ErrUnknown             = errors.New("unclassified database error")

	ErrAllReplicasDegraded = errors.New("all replicas degraded")
	ErrPoolExhausted       = errors.New("connection pool exhausted")
	ErrPrimaryDegraded     = errors.New("primary database degraded")
)

func (k Kind) sentinel() error {
	switch k {
	case KindTransientConnection:
		return ErrTransientConnection
	case KindDeadlock:
		return ErrDeadlock
	case KindLockTimeout:
		return ErrLockTimeout
	case KindConstraintViolation:
		return ErrConstraintViolation
	case KindAuthFailure:
		return ErrAuthFailure
	}
	return ErrUnknown
}

// ClassifiedError is a driver error tagged with its Kind, the alias it came
// from and the correlation id of the operation. The concrete taxonomy types
// (TransientConnectionError, DeadlockError, ...) are aliases of it
// distinguished by Kind.
type ClassifiedError struct {
	Kind          Kind
	Alias         string
	CorrelationID string
	Attempts      int
	Err           error
}

type (
	TransientConnectionError = ClassifiedError
	DeadlockError            = ClassifiedError
	LockTimeoutError         = ClassifiedError
	ConstraintViolationError = ClassifiedError
	AuthFailureError         = ClassifiedError
	UnknownError             = ClassifiedError
)

func (e *ClassifiedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s on %s", e.Kind, e.Alias)
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	if e.CorrelationID != "" {
		fmt.Fprintf(&b, " [correlation_id=%s]", e.CorrelationID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind sentinel and the underlying driver error.
func (e *ClassifiedError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

// Wrap classifies err and returns it as a *ClassifiedError. An error that is
// already classified keeps its kind and gains any missing alias or id.
func Wrap(err error, alias, correlationID string) *ClassifiedError {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		out := *ce
		if out.Alias == "" {
			out.Alias = alias
		}
		if out.CorrelationID == "" {
			out.CorrelationID = correlationID
		}
		return &out
	}
	return &ClassifiedError{
		Kind:          Classify(err),
		Alias:         alias,
		CorrelationID: correlationID,
		Err:           err,
	}
}

// KindOf returns the kind of an error, classifying it when needed.
func KindOf(err error) Kind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Classify(err)
}

// PoolExhaustedError reports that a connection could not be acquired before
// the acquire timeout. It classifies as a transient connection failure.
type PoolExhaustedError struct {
	Alias         string
	CorrelationID string
	MaxSize       int
	Waited        time.Duration
}

func (e *PoolExhaustedError) Error() string {
	msg := fmt.Sprintf("connection pool for %s exhausted: %d connections in use, waited %s", e.Alias, e.MaxSize, e.Waited)
	if e.CorrelationID != "" {
		msg += " [correlation_id=" + e.CorrelationID + "]"
	}
	return msg
}

func (e *PoolExhaustedError) Is(target error) bool {
	return target == ErrPoolExhausted || target == ErrTransientConnection
}

// PrimaryDegradedError is returned for writes while the primary is degraded.
// It is fatal and never retried.
type PrimaryDegradedError struct {
	Alias         string
	CorrelationID string
	Since         time.Time
}

func (e *PrimaryDegradedError) Error() string {
	msg := fmt.Sprintf("primary %s is degraded", e.Alias)
	if !e.Since.IsZero() {
		msg += " since " + e.Since.UTC().Format(time.RFC3339)
	}
	msg += "; write rejected"
	if e.CorrelationID != "" {
		msg += " [correlation_id=" + e.CorrelationID + "]"
	}
	return msg
}

func (e *PrimaryDegradedError) Is(target error) bool {
	return target == ErrPrimaryDegraded
}

// AllReplicasDegradedError records that a read fell back to the primary
// because no replica was eligible. It is logged, never returned to callers.
type AllReplicasDegradedError struct {
	Primary       string
	CorrelationID string
	// Excluded maps replica alias to the reason it was skipped.
	Excluded map[string]string
}

func (e *AllReplicasDegradedError) Error() string {
	reasons := make([]string, 0, len(e.Excluded))
	for alias, reason := range e.Excluded {
		reasons = append(reasons, alias+"="+reason)
	}
	sort.Strings(reasons)
	msg := fmt.Sprintf("no eligible replica, reading from primary %s", e.Primary)
	if len(reasons) > 0 {
		msg += " (" + strings.Join(reasons, ", ") + ")"
	}
	if e.CorrelationID != "" {
		msg += " [correlation_id=" + e.CorrelationID + "]"
	}
	return msg
}

func (e *AllReplicasDegradedError) Is(target error) bool {
	return target == ErrAllReplicasDegraded
}

// IsFatal reports errors that must surface to the caller without retry.
func IsFatal(err error) bool {
	return errors.Is(err, ErrPrimaryDegraded)
}
