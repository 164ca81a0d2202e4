// Package retry runs an operation again after transient failures, waiting an
// exponentially growing, jittered interval between attempts. The inbox uses
// it to re-establish a dropped push connection.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config controls how often and how patiently Do retries.
type Config struct {
	// MaxRetries is the number of attempts after the first one. Zero runs
	// the operation once.
	MaxRetries int
	// InitialBackoff is the wait before the first retry (default 100ms).
	InitialBackoff time.Duration
	// MaxBackoff caps any single wait (default 30s).
	MaxBackoff time.Duration
	// Multiplier grows the wait after each retry (default 2).
	Multiplier float64
	// Jitter spreads each wait by up to +/- this fraction, between 0 and 1.
	Jitter float64
	// IsRetryable decides whether a failure is worth another attempt.
	// Nil means DefaultIsRetryable.
	IsRetryable func(error) bool
	// OnRetry is called after each failure that will be retried, with the
	// 1-based attempt number and the wait before the next attempt.
	OnRetry func(attempt int, err error, backoff time.Duration)
}

var (
	// ErrNotRetryable marks a failure IsRetryable rejected.
	ErrNotRetryable = errors.New("retry: error is not retryable")
	// ErrMaxRetries marks a run that used up every attempt.
	ErrMaxRetries = errors.New("retry: max retries exceeded")
	// ErrContextCanceled marks a run stopped by its context.
	ErrContextCanceled = errors.New("retry: context canceled")
)

// RetryError describes a run that did not succeed.
type RetryError struct {
	// Cause is the error of the last attempt.
	Cause error
	// Attempts counts the attempts made.
	Attempts int
	// Err is ErrMaxRetries, ErrNotRetryable or ErrContextCanceled.
	Err error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed after %d attempts (%s): %s", e.Attempts, e.Err, e.Cause)
}

func (e *RetryError) Unwrap() error { return e.Cause }

// Is matches both the stop reason and the last cause.
func (e *RetryError) Is(target error) bool {
	return errors.Is(e.Err, target) || errors.Is(e.Cause, target)
}

// Do calls fn until it succeeds, fails with an error cfg.IsRetryable
// rejects, runs out of attempts, or ctx ends. A context that is already done
// returns ctx.Err() without calling fn.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	cfg = normalize(cfg)
	if err := ctx.Err(); err != nil {
		return err
	}

	attempts := 0
	for {
		err := fn(ctx)
		attempts++
		if err == nil {
			return nil
		}
		if !cfg.IsRetryable(err) {
			return &RetryError{Cause: err, Attempts: attempts, Err: ErrNotRetryable}
		}
		if attempts > cfg.MaxRetries {
			return &RetryError{Cause: err, Attempts: attempts, Err: ErrMaxRetries}
		}

		wait := Backoff(cfg, attempts-1)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempts, err, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &RetryError{Cause: err, Attempts: attempts, Err: ErrContextCanceled}
		case <-timer.C:
		}
	}
}

// Backoff returns the jittered wait after the zero-based attempt.
func Backoff(cfg Config, attempt int) time.Duration {
	cfg = normalize(cfg)
	d := math.Min(
		float64(cfg.InitialBackoff)*math.Pow(cfg.Multiplier, float64(attempt)),
		float64(cfg.MaxBackoff),
	)
	if cfg.Jitter > 0 {
		d += d * cfg.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(d)
}

func normalize(cfg Config) Config {
	cfg.MaxRetries = max(cfg.MaxRetries, 0)
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2
	}
	cfg.Jitter = min(max(cfg.Jitter, 0), 1)
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = DefaultIsRetryable
	}
	return cfg
}

// DefaultIsRetryable retries every failure except nil, a cancelled context,
// and errors wrapped with MarkNotRetryable.
func DefaultIsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var marked *permanentError
	return !errors.As(err, &marked)
}

// MarkNotRetryable wraps err so DefaultIsRetryable stops at it. The wrapped
// error still matches err with errors.Is.
func MarkNotRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
