// Logwarden - Security Log Ingestion and Broadcast Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logwarden

// Package retry provides a small, policy-driven retry helper. Rotation
// recovery, analyzer calls, and notification delivery all share it so
// backoff behavior is configured in one shape and testable in isolation.
package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

// Policy describes a bounded exponential backoff.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int

	// BaseDelay is the wait before the second attempt.
	BaseDelay time.Duration

	// Multiplier grows the delay after each failed attempt. Values below 1
	// are treated as 1 (constant delay).
	Multiplier float64

	// MaxDelay caps the per-attempt delay. Zero means uncapped.
	MaxDelay time.Duration
}

// DefaultPolicy matches the pipeline-wide default of three attempts with
// 100ms base delay doubling per attempt, capped at 5s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    5 * time.Second,
	}
}

// Delay returns the wait before attempt n (1-based; attempt 1 has no wait).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 || p.BaseDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(attempt-2)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// ErrPermanent wraps an error that must not be retried.
var ErrPermanent = errors.New("permanent error")

// Permanent marks err as non-retryable for Do.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }
func (e permanentError) Is(target error) bool {
	return target == ErrPermanent || errors.Is(e.err, target)
}

// Do runs op until it succeeds, the policy is exhausted, the error is
// permanent, or the context is canceled. The last error is returned; each
// retry honors the policy delay. onRetry, if non-nil, is invoked before
// every retry with the upcoming attempt number and the previous error.
func Do(ctx context.Context, p Policy, op func(context.Context) error, onRetry func(attempt int, err error)) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if delay := p.Delay(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrPermanent) {
			var pe permanentError
			if errors.As(lastErr, &pe) {
				return pe.err
			}
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if attempt < attempts && onRetry != nil {
			onRetry(attempt+1, lastErr)
		}
	}
	return lastErr
}
