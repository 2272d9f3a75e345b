package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds a single store call: how long one attempt may take and how
// often a transient failure is retried.
type Policy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	OpTimeout       time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     4,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
		OpTimeout:       3 * time.Second,
	}
}

// Do runs op under p. See Get.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Get(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Get runs op with a per-attempt timeout and retries it with exponential
// backoff while it fails with ErrUnavailable. A per-attempt timeout counts as
// unavailable; any other error is returned immediately.
func Get[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 1
	}
	if p.OpTimeout <= 0 {
		p.OpTimeout = DefaultPolicy().OpTimeout
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}

	attempt := func() (T, error) {
		opCtx, cancel := context.WithTimeout(ctx, p.OpTimeout)
		defer cancel()

		v, err := op(opCtx)
		switch {
		case err == nil:
			return v, nil
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return v, fmt.Errorf("%w: %v", ErrUnavailable, err)
		case IsRetryable(err):
			return v, err
		default:
			return v, backoff.Permanent(err)
		}
	}

	v, err := backoff.Retry(ctx, attempt, backoff.WithBackOff(b), backoff.WithMaxTries(p.MaxAttempts))
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return v, err
}
