// Package retry applies bounded exponential backoff to operations that may
// fail transiently, such as SQLite reads while a writer holds the lock.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	platformerrors "github.com/louisbranch/projectiond/internal/platform/errors"
)

const (
	defaultMaxAttempts     = 3
	defaultInitialInterval = 100 * time.Millisecond
	defaultMaxInterval     = 2 * time.Second
)

// Policy controls how many times an operation is attempted and how long to
// wait between attempts.
type Policy struct {
	// MaxAttempts bounds total tries including the first one.
	MaxAttempts int
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration
	// MaxInterval caps exponential growth of the delay.
	MaxInterval time.Duration
	// Retryable classifies errors; nil retries only transient coded errors.
	Retryable func(error) bool
	// Notify observes each failed attempt before sleeping.
	Notify func(err error, next time.Duration)
}

// DefaultPolicy returns the policy used when a component is not configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     defaultMaxAttempts,
		InitialInterval: defaultInitialInterval,
		MaxInterval:     defaultMaxInterval,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = defaultInitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = defaultMaxInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Retryable == nil {
		p.Retryable = platformerrors.IsTransient
	}
	return p
}

// Do runs op until it succeeds, returns a non-retryable error, or the policy
// is exhausted. The last error from op is returned unchanged.
func Do[T any](ctx context.Context, policy Policy, op func(context.Context) (T, error)) (T, error) {
	policy = policy.normalized()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = policy.InitialInterval
	exp.MaxInterval = policy.MaxInterval

	opts := []backoff.RetryOption{
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
	}
	if policy.Notify != nil {
		opts = append(opts, backoff.WithNotify(backoff.Notify(policy.Notify)))
	}

	return backoff.Retry(ctx, func() (T, error) {
		value, err := op(ctx)
		if err == nil {
			return value, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return value, backoff.Permanent(err)
		}
		if !policy.Retryable(err) {
			return value, backoff.Permanent(err)
		}
		return value, err
	}, opts...)
}

// Run is Do for operations without a result.
func Run(ctx context.Context, policy Policy, op func(context.Context) error) error {
	_, err := Do(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
