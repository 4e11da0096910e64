package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/migadu/dbrouter/config"
	"github.com/migadu/dbrouter/logger"
	"github.com/migadu/dbrouter/pkg/correlation"
	"github.com/migadu/dbrouter/pkg/dberrors"
	"github.com/migadu/dbrouter/pkg/metrics"
)

// OutcomeRecorder receives the result of every attempt against an alias.
// The degradation tracker implements it.
type OutcomeRecorder interface {
	RecordOutcome(alias string, success bool)
}

// DeadlockReporter receives deadlock failures for pattern analysis. Report
// must not block.
type DeadlockReporter interface {
	Report(ctx context.Context, alias string, err error)
}

// Policy applies the classified retry rules to database operations:
// transient connection errors, deadlocks and lock timeouts are retried with
// backoff up to MaxAttempts; constraint violations and auth failures are
// returned immediately; unknown errors get one extra attempt.
type Policy struct {
	maxAttempts int
	backoff     func(int) time.Duration
	recorder    OutcomeRecorder
	deadlocks   DeadlockReporter
	sleep       func(context.Context, time.Duration) error
}

// Option configures a Policy.
type Option func(*Policy)

// WithDeadlockReporter sends deadlock failures to r.
func WithDeadlockReporter(r DeadlockReporter) Option {
	return func(p *Policy) { p.deadlocks = r }
}

// WithSleep replaces the backoff sleep. Tests use it to avoid real delays.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(p *Policy) { p.sleep = sleep }
}

// NewPolicy builds a policy from configuration. recorder may be nil.
func NewPolicy(cfg config.RetryConfig, recorder OutcomeRecorder, opts ...Option) (*Policy, error) {
	initial, err := cfg.GetInitialInterval()
	if err != nil {
		return nil, fmt.Errorf("retry.initial_interval: %w", err)
	}
	maxInterval, err := cfg.GetMaxInterval()
	if err != nil {
		return nil, fmt.Errorf("retry.max_interval: %w", err)
	}

	p := &Policy{
		maxAttempts: cfg.GetMaxAttempts(),
		backoff: ExponentialBackoff(BackoffConfig{
			InitialInterval: initial,
			MaxInterval:     maxInterval,
			Multiplier:      cfg.GetMultiplier(),
			Jitter:          cfg.GetJitter(),
		}),
		recorder: recorder,
		sleep:    Sleep,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// MaxAttempts returns the total number of attempts allowed for a kind.
func (p *Policy) MaxAttempts(kind dberrors.Kind) int {
	switch {
	case kind.Retryable():
		return p.maxAttempts
	case kind == dberrors.KindUnknown:
		return min(2, p.maxAttempts)
	default:
		return 1
	}
}

// Do runs fn against alias until it succeeds or the policy gives up. Every
// attempt outcome is reported to the recorder, except for pool exhaustion,
// which reflects local saturation rather than the health of the alias.
// Errors returned are *dberrors.ClassifiedError unless ctx was cancelled or
// the error is fatal.
func (p *Policy) Do(ctx context.Context, alias string, fn func(ctx context.Context) error) error {
	corrID := correlation.IDOrEmpty(ctx)

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			p.record(alias, true)
			if attempt > 1 {
				logger.InfoContext(ctx, "Operation succeeded after retry", "component", "RETRY",
					"alias", alias, "attempt", attempt)
			}
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("operation on %s aborted: %w", alias, errors.Join(ctxErr, err))
		}
		if dberrors.IsFatal(err) {
			return err
		}

		stopped := IsStopError(err)
		if stopped {
			var stopErr StopError
			errors.As(err, &stopErr)
			err = stopErr.Err
		}

		ce := dberrors.Wrap(err, alias, corrID)
		ce.Attempts = attempt
		metrics.ErrorsClassified.WithLabelValues(alias, string(ce.Kind)).Inc()

		if !errors.Is(err, dberrors.ErrPoolExhausted) {
			p.record(alias, false)
		}
		if ce.Kind == dberrors.KindDeadlock && p.deadlocks != nil {
			p.deadlocks.Report(ctx, alias, err)
		}

		if stopped || attempt >= p.MaxAttempts(ce.Kind) {
			p.logFinal(ctx, ce)
			return ce
		}

		delay := p.backoff(attempt)
		metrics.RetryAttempts.WithLabelValues(string(ce.Kind)).Inc()
		logger.WarnContext(ctx, "Retrying database operation", "component", "RETRY",
			"alias", alias, "kind", ce.Kind, "attempt", attempt, "delay", delay, "error", err)

		if sleepErr := p.sleep(ctx, delay); sleepErr != nil {
			return fmt.Errorf("retry on %s cancelled: %w", alias, errors.Join(sleepErr, ce))
		}
	}
}

func (p *Policy) record(alias string, success bool) {
	if p.recorder != nil {
		p.recorder.RecordOutcome(alias, success)
	}
}

func (p *Policy) logFinal(ctx context.Context, ce *dberrors.ClassifiedError) {
	if ce.Kind.Retryable() || ce.Kind == dberrors.KindUnknown {
		metrics.RetryExhausted.WithLabelValues(string(ce.Kind)).Inc()
	}
	switch ce.Kind {
	case dberrors.KindAuthFailure:
		logger.ErrorContext(ctx, "Database authentication failure", "component", "RETRY",
			"alias", ce.Alias, "alert", true, "error", ce.Err)
	case dberrors.KindConstraintViolation:
		logger.DebugContext(ctx, "Constraint violation", "component", "RETRY",
			"alias", ce.Alias, "error", ce.Err)
	default:
		logger.ErrorContext(ctx, "Database operation failed", "component", "RETRY",
			"alias", ce.Alias, "kind", ce.Kind, "attempts", ce.Attempts, "error", ce.Err)
	}
}
