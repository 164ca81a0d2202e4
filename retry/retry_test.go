package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

var errTransient = errors.New("transient")

func fastConfig(maxRetries int) Config {
	return Config{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
	}
}

func TestDo(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fastConfig(3), func(context.Context) error {
			calls++
			if calls < 3 {
				return errTransient
			}
			return nil
		})
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
		if calls != 3 {
			t.Errorf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fastConfig(2), func(context.Context) error {
			calls++
			return errTransient
		})
		if !errors.Is(err, ErrMaxRetries) {
			t.Errorf("expected ErrMaxRetries, got %v", err)
		}
		if !errors.Is(err, errTransient) {
			t.Errorf("expected cause to be preserved, got %v", err)
		}
		if calls != 3 {
			t.Errorf("expected 3 calls, got %d", calls)
		}
		var re *RetryError
		if !errors.As(err, &re) || re.Attempts != 3 {
			t.Errorf("expected RetryError with 3 attempts, got %v", err)
		}
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fastConfig(5), func(context.Context) error {
			calls++
			return MarkNotRetryable(errTransient)
		})
		if !errors.Is(err, ErrNotRetryable) {
			t.Errorf("expected ErrNotRetryable, got %v", err)
		}
		if calls != 1 {
			t.Errorf("expected 1 call, got %d", calls)
		}
	})

	t.Run("cancellation during backoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cfg := Config{MaxRetries: 5, InitialBackoff: time.Hour}
		cfg.OnRetry = func(int, error, time.Duration) { cancel() }
		err := Do(ctx, cfg, func(context.Context) error { return errTransient })
		if !errors.Is(err, ErrContextCanceled) {
			t.Errorf("expected ErrContextCanceled, got %v", err)
		}
	})

	t.Run("cancelled before first attempt", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		called := false
		err := Do(ctx, fastConfig(1), func(context.Context) error {
			called = true
			return nil
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		if called {
			t.Error("function should not run with a cancelled context")
		}
	})
}

func TestOnRetry(t *testing.T) {
	var attempts []int
	var waits []time.Duration
	cfg := fastConfig(3)
	cfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
		if !errors.Is(err, errTransient) {
			t.Errorf("unexpected error in hook: %v", err)
		}
		attempts = append(attempts, attempt)
		waits = append(waits, backoff)
	}
	_ = Do(context.Background(), cfg, func(context.Context) error { return errTransient })

	if len(attempts) != 3 {
		t.Fatalf("expected hook for 3 retries, got %v", attempts)
	}
	for i, a := range attempts {
		if a != i+1 {
			t.Errorf("attempt %d reported as %d", i+1, a)
		}
	}
	if waits[0] != time.Millisecond || waits[1] != 2*time.Millisecond {
		t.Errorf("unexpected waits without jitter: %v", waits)
	}
}

func TestBackoff(t *testing.T) {
	cfg := Config{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}

	if got := Backoff(cfg, 0); got != 100*time.Millisecond {
		t.Errorf("attempt 0: got %v", got)
	}
	if got := Backoff(cfg, 2); got != 400*time.Millisecond {
		t.Errorf("attempt 2: got %v", got)
	}
	if got := Backoff(cfg, 10); got != time.Second {
		t.Errorf("expected cap at 1s, got %v", got)
	}

	cfg.Jitter = 0.5
	for range 50 {
		got := Backoff(cfg, 0)
		if got < 50*time.Millisecond || got > 150*time.Millisecond {
			t.Fatalf("jittered backoff out of range: %v", got)
		}
	}
}

func TestDefaultIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errTransient, true},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"marked not retryable", MarkNotRetryable(errTransient), false},
		{"wrapped marked", fmt.Errorf("dial: %w", MarkNotRetryable(errTransient)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultIsRetryable(tt.err); got != tt.want {
				t.Errorf("DefaultIsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestMarkNotRetryable(t *testing.T) {
	if MarkNotRetryable(nil) != nil {
		t.Error("nil should stay nil")
	}
	err := MarkNotRetryable(errTransient)
	if !errors.Is(err, errTransient) {
		t.Error("marked error should still match its cause")
	}
	if err.Error() != errTransient.Error() {
		t.Errorf("unexpected message %q", err.Error())
	}
}
