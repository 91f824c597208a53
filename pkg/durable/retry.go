package durable

import (
	"context"
	"fmt"
	"time"

	"github.com/aretw0/termstore/pkg/domain"
)

// retry runs fn up to p.attempts times with a fixed delay between attempts.
// Domain errors are returned at once; anything else that survives every
// attempt is reported as domain.ErrStorageUnavailable.
func retry[T any](ctx context.Context, p *Provider, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var err error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		var v T
		v, err = fn(ctx)
		if err == nil || !domain.IsRetryable(err) {
			return v, err
		}
		if attempt == p.attempts {
			break
		}
		p.logger.Warn("Durable operation failed, retrying",
			"op", op,
			"attempt", attempt,
			"err", err,
		)
		timer := time.NewTimer(p.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, &domain.StorageError{Kind: domain.ErrStorageUnavailable, Op: op, Err: ctx.Err()}
		case <-timer.C:
		}
	}
	return zero, &domain.StorageError{
		Kind:   domain.ErrStorageUnavailable,
		Op:     op,
		Detail: fmt.Sprintf("gave up after %d attempts", p.attempts),
		Err:    err,
	}
}

// exec is retry for operations without a result.
func exec(ctx context.Context, p *Provider, op string, fn func(context.Context) error) error {
	_, err := retry(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
