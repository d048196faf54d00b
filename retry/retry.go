// Package retry runs operations with capped exponential backoff.
//
// It is used where a transient failure is worth another attempt: dialing
// the storage worker and submitting owner notices to the SMTP relay.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Sentinel reasons carried by *Error.
var (
	// ErrPermanent is the reason when an attempt failed with a permanent error.
	ErrPermanent = errors.New("retry: permanent failure")

	// ErrExhausted is the reason when every attempt failed.
	ErrExhausted = errors.New("retry: attempts exhausted")

	// ErrCanceled is the reason when the context ended between attempts.
	ErrCanceled = errors.New("retry: canceled")
)

// Policy describes how often and how patiently to retry.
type Policy struct {
	// Attempts is the total number of calls, including the first.
	// Values below 1 mean a single call.
	Attempts int

	// Base is the wait before the second attempt.
	Base time.Duration

	// Max caps a single wait.
	Max time.Duration

	// Factor multiplies the wait after each attempt.
	Factor float64

	// Jitter spreads each wait by up to +/- Jitter of its value (0 to 1).
	Jitter float64

	// Retryable classifies errors. Nil uses IsTemporary.
	Retryable func(error) bool

	// OnRetry is called before waiting for the next attempt.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultPolicy returns 4 attempts starting at 100ms, doubling, capped at 5s.
func DefaultPolicy() Policy {
	return Policy{
		Attempts: 4,
		Base:     100 * time.Millisecond,
		Max:      5 * time.Second,
		Factor:   2,
		Jitter:   0.1,
	}
}

func (p Policy) normalized() Policy {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.Base <= 0 {
		p.Base = 100 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 5 * time.Second
	}
	if p.Factor < 1 {
		p.Factor = 2
	}
	p.Jitter = min(max(p.Jitter, 0), 1)
	if p.Retryable == nil {
		p.Retryable = IsTemporary
	}
	return p
}

// Backoff returns the wait after the given zero-based attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	d := float64(p.Base) * math.Pow(p.Factor, float64(attempt))
	d = math.Min(d, float64(p.Max))
	if p.Jitter > 0 {
		spread := d * p.Jitter
		d += spread * (2*rand.Float64() - 1)
	}
	return time.Duration(d)
}

// Do calls fn until it succeeds, fails permanently, the attempts run out
// or ctx ends. Failures are returned as *Error.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p = p.normalized()

	var last error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last == nil {
				return err
			}
			return &Error{Last: last, Attempts: attempt, Reason: ErrCanceled}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = err

		if !p.Retryable(err) {
			return &Error{Last: err, Attempts: attempt + 1, Reason: ErrPermanent}
		}
		if attempt == p.Attempts-1 {
			break
		}

		wait := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &Error{Last: last, Attempts: attempt + 1, Reason: ErrCanceled}
		case <-timer.C:
		}
	}
	return &Error{Last: last, Attempts: p.Attempts, Reason: ErrExhausted}
}

// Value is Do for functions that produce a result.
func Value[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

// Error describes a call that did not succeed.
type Error struct {
	// Last is the error of the final attempt.
	Last error
	// Attempts is the number of calls made.
	Attempts int
	// Reason is ErrPermanent, ErrExhausted or ErrCanceled.
	Reason error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", e.Reason, e.Attempts, e.Last)
}

func (e *Error) Unwrap() []error {
	return []error{e.Reason, e.Last}
}

// Permanent marks err so that it is never retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, temporary: false}
}

// Temporary marks err as retryable.
func Temporary(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, temporary: true}
}

type classified struct {
	err       error
	temporary bool
}

func (c *classified) Error() string   { return c.err.Error() }
func (c *classified) Unwrap() error   { return c.err }
func (c *classified) Temporary() bool { return c.temporary }

// IsTemporary reports whether err is worth retrying. Errors marked with
// Permanent and context errors are not; errors exposing Temporary() bool
// decide for themselves; anything else is retried.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	var c *classified
	if errors.As(err, &c) {
		return c.temporary
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var t interface{ Temporary() bool }
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return true
}
