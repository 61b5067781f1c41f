// Package retry provides bounded retry logic with linear or exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Backoff selects how the wait grows between attempts.
type Backoff int

const (
	Linear Backoff = iota
	Exponential
)

// Config holds retry configuration.
type Config struct {
	Retries     int           // Retries after the first attempt
	InitialWait time.Duration // Wait before the first retry; the linear step
	MaxWait     time.Duration // Upper bound for a single wait (0 = none)
	Backoff     Backoff
	Multiplier  float64 // Exponential only
	Jitter      float64 // Jitter factor (0-1)
}

// DefaultConfig returns two retries with a 200ms linear step.
func DefaultConfig() Config {
	return Config{
		Retries:     2,
		InitialWait: 200 * time.Millisecond,
		MaxWait:     5 * time.Second,
		Backoff:     Linear,
		Multiplier:  2.0,
	}
}

// RetryableError wraps an error that should be retried.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string {
	return e.Err.Error()
}

func (e RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error should be retried.
func IsRetryable(err error) bool {
	var retryable RetryableError
	return errors.As(err, &retryable)
}

// Retryable wraps an error to mark it as retryable.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err}
}

// ErrExhausted is joined with the last error when every retry failed.
var ErrExhausted = errors.New("retries exhausted")

// Wait returns the delay before retry number n (1-based).
func (cfg Config) Wait(n int) time.Duration {
	var wait float64
	switch cfg.Backoff {
	case Exponential:
		wait = float64(cfg.InitialWait) * math.Pow(cfg.Multiplier, float64(n-1))
	default:
		wait = float64(cfg.InitialWait) * float64(n)
	}
	if cfg.MaxWait > 0 && wait > float64(cfg.MaxWait) {
		wait = float64(cfg.MaxWait)
	}
	if cfg.Jitter > 0 {
		wait += wait * cfg.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(wait)
}

// Do executes fn with retries. Non-retryable errors are returned as-is.
// When every attempt fails with a retryable error the result wraps both
// ErrExhausted and the last error.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	_, err := DoWithResult(ctx, cfg, func(attempt int) (struct{}, error) {
		return struct{}{}, fn(attempt)
	})
	return err
}

// DoWithResult executes fn with retries and returns a result.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func(attempt int) (T, error)) (T, error) {
	var result T

	for attempt := 0; ; attempt++ {
		r, err := fn(attempt)
		if err == nil {
			return r, nil
		}

		if !IsRetryable(err) {
			return result, err
		}
		if attempt >= cfg.Retries {
			return result, errors.Join(ErrExhausted, err)
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(cfg.Wait(attempt + 1)):
		}
	}
}
