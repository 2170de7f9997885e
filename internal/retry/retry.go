// Package retry provides an explicit retry policy: a maximum number of
// retries, a backoff schedule and a predicate deciding which errors are worth
// repeating.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default backoff parameters.
const (
	DefaultBaseDelay  = 500 * time.Millisecond
	DefaultMultiplier = 2.0
	DefaultJitter     = 0.2
	DefaultMaxDelay   = 30 * time.Second
	DefaultMaxRetries = 3
)

// Policy describes how an operation is retried.
//
// Thread Safety: a Policy is immutable once built and may be shared; every
// call to Do builds its own backoff state.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int

	// NewBackOff returns a fresh backoff schedule for one operation
	NewBackOff func() backoff.BackOff

	// Retryable reports whether err may succeed if repeated
	Retryable func(err error) bool
}

// Exponential returns a schedule starting at base, multiplied by multiplier
// after each attempt, randomized by ±jitter and capped at DefaultMaxDelay.
func Exponential(base time.Duration, multiplier, jitter float64) func() backoff.BackOff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = base
		b.Multiplier = multiplier
		b.RandomizationFactor = jitter
		b.MaxInterval = DefaultMaxDelay
		b.MaxElapsedTime = 0
		return b
	}
}

// NewPolicy returns a policy with exponential backoff from base (×2, ±20%).
func NewPolicy(maxRetries int, base time.Duration, retryable func(error) bool) Policy {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	return Policy{
		MaxRetries: maxRetries,
		NewBackOff: Exponential(base, DefaultMultiplier, DefaultJitter),
		Retryable:  retryable,
	}
}

// Notify is called before each retry with the failed attempt's error, the
// attempt number (1-based) and the delay before the next attempt.
type Notify func(err error, attempt int, delay time.Duration)

// Do runs op until it succeeds, returns a non-retryable error, exhausts the
// retry budget or ctx is done. The last operation error is returned; when ctx
// ends during a wait, ctx.Err() is returned.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error, notify Notify) error {
	newBackOff := p.NewBackOff
	if newBackOff == nil {
		newBackOff = Exponential(DefaultBaseDelay, DefaultMultiplier, DefaultJitter)
	}
	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	b := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), uint64(maxRetries)), ctx)

	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var onRetry backoff.Notify
	if notify != nil {
		onRetry = func(err error, delay time.Duration) {
			notify(err, attempt, delay)
		}
	}

	return backoff.RetryNotify(operation, b, onRetry)
}
