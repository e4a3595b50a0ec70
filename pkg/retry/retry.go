package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds a retried call. Delays grow as BaseDelay * 2^(attempt-1), capped at
// MaxDelay, plus a uniform jitter of up to half the delay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
	}
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("max attempts must be >= 1")
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return errors.New("delays must not be negative")
	}
	if p.MaxDelay < p.BaseDelay {
		return errors.New("max delay must be >= base delay")
	}
	return nil
}

// Do calls fn until it succeeds, returns an error that retryable rejects, or the policy's
// attempts are exhausted. The last error is returned unchanged.
func Do[T any](ctx context.Context, p Policy, retryable func(error) bool, fn func(context.Context) (T, error), opts ...Option) (T, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	attempt := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		if retryable == nil || !retryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(newJitteredBackOff(p)),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			if o.notify != nil {
				o.notify(attempt, err, next)
			}
		}),
	)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return res, permanent.Unwrap()
	}
	return res, err
}

type options struct {
	notify func(attempt int, err error, next time.Duration)
}

type Option func(*options)

// WithNotify registers a callback invoked before each retry sleep.
func WithNotify(fn func(attempt int, err error, next time.Duration)) Option {
	return func(o *options) {
		o.notify = fn
	}
}

type jitteredBackOff struct {
	policy  Policy
	attempt int
}

func newJitteredBackOff(p Policy) *jitteredBackOff {
	return &jitteredBackOff{policy: p}
}

func (b *jitteredBackOff) NextBackOff() time.Duration {
	b.attempt++
	return Delay(b.policy, b.attempt, rand.Float64())
}

func (b *jitteredBackOff) Reset() {
	b.attempt = 0
}

// Delay returns the sleep before retry number attempt (1-based) for a jitter sample u in [0, 1).
func Delay(p Policy, attempt int, u float64) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d + time.Duration(u*float64(d)/2)
}
