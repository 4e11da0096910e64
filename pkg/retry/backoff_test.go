package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExponentialBackoff(t *testing.T) {
	backoff := ExponentialBackoff(BackoffConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     1 * time.Second,
		Multiplier:      2.0,
	})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{5, 1 * time.Second},
	}
	for _, tt := range tests {
		if got := backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponentialBackoffJitterBounds(t *testing.T) {
	backoff := ExponentialBackoff(BackoffConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     1 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	})
	for i := 0; i < 100; i++ {
		d := backoff(2)
		if d < 100*time.Millisecond || d >= 200*time.Millisecond {
			t.Fatalf("jittered delay %v outside [100ms, 200ms)", d)
		}
	}
}

func TestWithRetryAdvanced(t *testing.T) {
	cfg := BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, MaxRetries: 2}

	calls := 0
	err := WithRetryAdvanced(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	}, cfg)
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third call, got err=%v calls=%d", err, calls)
	}

	calls = 0
	stopErr := errors.New("fatal")
	err = WithRetryAdvanced(context.Background(), func() error {
		calls++
		return Stop(stopErr)
	}, cfg)
	if !errors.Is(err, stopErr) || calls != 1 {
		t.Fatalf("expected immediate stop, got err=%v calls=%d", err, calls)
	}

	calls = 0
	err = WithRetryAdvanced(context.Background(), func() error {
		calls++
		return errors.New("always")
	}, cfg)
	if err == nil || calls != 3 {
		t.Fatalf("expected failure after 3 attempts, got err=%v calls=%d", err, calls)
	}
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
