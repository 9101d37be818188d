// Package retrier provides retry loops with backoff and an optimistic
// read-compute-swap combinator.
package retrier

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"
)

const (
	defaultInitialInterval = 1 * time.Second
	defaultMaxInterval     = 30 * time.Second
	defaultMultiplier      = 2.0
	defaultMaxRetries      = 5
	defaultJitter          = 0.1
)

// ErrExhausted is returned by CompareAndSwap when every attempt lost the race.
var ErrExhausted = errors.New("compare-and-swap attempts exhausted")

// Retrier implements exponential backoff with jitter.
type Retrier struct {
	initialInterval time.Duration
	maxInterval     time.Duration
	multiplier      float64
	maxRetries      int
	jitter          float64
}

// Option defines a function to configure the Retrier.
type Option func(*Retrier)

// WithInitialInterval sets the initial retry interval.
func WithInitialInterval(d time.Duration) Option {
	return func(r *Retrier) {
		r.initialInterval = d
	}
}

// WithMaxInterval sets the maximum retry interval.
func WithMaxInterval(d time.Duration) Option {
	return func(r *Retrier) {
		r.maxInterval = d
	}
}

// WithMultiplier sets the backoff multiplier.
func WithMultiplier(m float64) Option {
	return func(r *Retrier) {
		r.multiplier = m
	}
}

// WithMaxRetries sets the maximum number of retries after the first attempt.
func WithMaxRetries(n int) Option {
	return func(r *Retrier) {
		r.maxRetries = n
	}
}

// WithJitter sets the jitter factor (0.0 to 1.0).
func WithJitter(j float64) Option {
	return func(r *Retrier) {
		r.jitter = j
	}
}

// New creates a new Retrier with default values and optional overrides.
func New(opts ...Option) *Retrier {
	r := &Retrier{
		initialInterval: defaultInitialInterval,
		maxInterval:     defaultMaxInterval,
		multiplier:      defaultMultiplier,
		maxRetries:      defaultMaxRetries,
		jitter:          defaultJitter,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Attempts returns the total number of calls Do may make.
func (r *Retrier) Attempts() int {
	return r.maxRetries + 1
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as non-retryable. Do returns the wrapped error immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// backoff returns the wait before retry number attempt (1-based):
// initialInterval*multiplier^(attempt-1), capped at maxInterval, plus jitter.
func (r *Retrier) backoff(attempt int) time.Duration {
	base := float64(r.initialInterval) * math.Pow(r.multiplier, float64(attempt-1))
	if base > float64(r.maxInterval) {
		base = float64(r.maxInterval)
	}

	jitter := (rand.Float64()*2 - 1) * r.jitter * base
	d := time.Duration(base + jitter)
	if d < 0 {
		return 0
	}
	return d
}

// Do executes the given function with retries.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.backoff(attempt)):
			}
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
	}

	return err
}

// DoWithData executes the given function with retries and returns a value.
func DoWithData[T any](r *Retrier, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Do(ctx, func(ctx context.Context) error {
		var e error
		result, e = fn(ctx)
		return e
	})
	return result, err
}

// CompareAndSwap reads the current state, lets swap attempt a conditional
// write against it and retries with backoff while swap reports a lost race.
// Errors from read or swap abort the loop. ErrExhausted is returned when every
// attempt lost.
func CompareAndSwap[S any](
	r *Retrier,
	ctx context.Context,
	read func(ctx context.Context) (S, error),
	swap func(ctx context.Context, current S) (bool, error),
) (S, error) {
	var last S
	err := r.Do(ctx, func(ctx context.Context) error {
		cur, err := read(ctx)
		if err != nil {
			return Permanent(err)
		}
		last = cur

		ok, err := swap(ctx, cur)
		if err != nil {
			return Permanent(err)
		}
		if !ok {
			return ErrExhausted
		}
		return nil
	})
	return last, err
}
