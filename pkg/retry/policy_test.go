package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/migadu/dbrouter/config"
	"github.com/migadu/dbrouter/pkg/correlation"
	"github.com/migadu/dbrouter/pkg/dberrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type outcome struct {
	alias   string
	success bool
}

type recorder struct {
	mu       sync.Mutex
	outcomes []outcome
}

func (r *recorder) RecordOutcome(alias string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome{alias, success})
}

type deadlockSink struct {
	reports []error
}

func (d *deadlockSink) Report(_ context.Context, _ string, err error) {
	d.reports = append(d.reports, err)
}

func newTestPolicy(t *testing.T, rec OutcomeRecorder, opts ...Option) (*Policy, *[]time.Duration) {
	t.Helper()
	var delays []time.Duration
	opts = append(opts, WithSleep(func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}))
	cfg := config.NewDefaultConfig().Retry
	p, err := NewPolicy(cfg, rec, opts...)
	require.NoError(t, err)
	return p, &delays
}

func TestPolicyRetriesDeadlockThenSucceeds(t *testing.T) {
	rec := &recorder{}
	sink := &deadlockSink{}
	p, delays := newTestPolicy(t, rec, WithDeadlockReporter(sink))

	calls := 0
	err := p.Do(context.Background(), "default", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Len(t, *delays, 1)
	assert.Len(t, sink.reports, 1)
	assert.Equal(t, []outcome{{"default", false}, {"default", true}}, rec.outcomes)
}

func TestPolicyConstraintViolationIsNotRetried(t *testing.T) {
	rec := &recorder{}
	p, delays := newTestPolicy(t, rec)

	calls := 0
	err := p.Do(context.Background(), "default", func(ctx context.Context) error {
		calls++
		return &pgconn.PgError{Code: "23505", Message: "duplicate key value"}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *delays)
	assert.True(t, errors.Is(err, dberrors.ErrConstraintViolation))

	var ce *dberrors.ClassifiedError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, dberrors.KindConstraintViolation, ce.Kind)
	assert.Equal(t, []outcome{{"default", false}}, rec.outcomes)
}

func TestPolicyAuthFailureIsNotRetried(t *testing.T) {
	p, _ := newTestPolicy(t, nil)

	calls := 0
	err := p.Do(context.Background(), "replica_1", func(ctx context.Context) error {
		calls++
		return &mysql.MySQLError{Number: 1045, Message: "Access denied"}
	})
	assert.Equal(t, 1, calls)
	assert.True(t, errors.Is(err, dberrors.ErrAuthFailure))
}

func TestPolicyTransientExhaustsAttempts(t *testing.T) {
	rec := &recorder{}
	p, delays := newTestPolicy(t, rec)

	calls := 0
	err := p.Do(context.Background(), "default", func(ctx context.Context) error {
		calls++
		return &pgconn.PgError{Code: "08006"}
	})

	assert.Equal(t, 3, calls)
	assert.Len(t, *delays, 2)
	var ce *dberrors.ClassifiedError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 3, ce.Attempts)
	assert.Equal(t, dberrors.KindTransientConnection, ce.Kind)
	assert.Len(t, rec.outcomes, 3)
}

func TestPolicyUnknownRetriedOnce(t *testing.T) {
	p, _ := newTestPolicy(t, nil)

	calls := 0
	err := p.Do(context.Background(), "default", func(ctx context.Context) error {
		calls++
		return errors.New("something odd")
	})
	assert.Equal(t, 2, calls)
	assert.True(t, errors.Is(err, dberrors.ErrUnknown))
}

func TestPolicyStopErrorEndsRetries(t *testing.T) {
	p, _ := newTestPolicy(t, nil)

	calls := 0
	err := p.Do(context.Background(), "default", func(ctx context.Context) error {
		calls++
		return Stop(&pgconn.PgError{Code: "40P01"})
	})
	assert.Equal(t, 1, calls)
	assert.True(t, errors.Is(err, dberrors.ErrDeadlock))
}

func TestPolicyFatalErrorPassesThrough(t *testing.T) {
	rec := &recorder{}
	p, _ := newTestPolicy(t, rec)

	fatal := &dberrors.PrimaryDegradedError{Alias: "default"}
	err := p.Do(context.Background(), "default", func(ctx context.Context) error {
		return fatal
	})
	assert.Same(t, fatal, err)
	assert.Empty(t, rec.outcomes)
}

func TestPolicyPoolExhaustionNotRecorded(t *testing.T) {
	rec := &recorder{}
	p, _ := newTestPolicy(t, rec)

	calls := 0
	err := p.Do(context.Background(), "default", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &dberrors.PoolExhaustedError{Alias: "default"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []outcome{{"default", true}}, rec.outcomes)
}

func TestPolicyContextCancellation(t *testing.T) {
	rec := &recorder{}
	p, _ := newTestPolicy(t, rec)

	ctx, cancel := context.WithCancel(context.Background())
	err := p.Do(ctx, "default", func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, rec.outcomes, "cancellation is not classified")
}

func TestPolicyCarriesCorrelationID(t *testing.T) {
	p, _ := newTestPolicy(t, nil)
	ctx := correlation.WithID(context.Background(), "checkout-00042")

	err := p.Do(ctx, "default", func(ctx context.Context) error {
		return &pgconn.PgError{Code: "23503"}
	})
	var ce *dberrors.ClassifiedError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "checkout-00042", ce.CorrelationID)
}

func TestMaxAttempts(t *testing.T) {
	p, _ := newTestPolicy(t, nil)
	assert.Equal(t, 3, p.MaxAttempts(dberrors.KindDeadlock))
	assert.Equal(t, 3, p.MaxAttempts(dberrors.KindLockTimeout))
	assert.Equal(t, 2, p.MaxAttempts(dberrors.KindUnknown))
	assert.Equal(t, 1, p.MaxAttempts(dberrors.KindConstraintViolation))
	assert.Equal(t, 1, p.MaxAttempts(dberrors.KindAuthFailure))
}
