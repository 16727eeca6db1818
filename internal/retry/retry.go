package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Policy bounds a retry loop. Attempt n (1-based) that fails with a retryable
// error is followed by a sleep of n*Step before attempt n+1.
type Policy struct {
	MaxAttempts int
	Step        time.Duration
}

// linearBackOff implements backoff.BackOff with a delay growing by step per attempt.
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }

// Do calls op until it succeeds, fails with an error for which retryable
// returns false, or the attempt ceiling is reached. On exhaustion the returned
// error wraps both ErrAttemptsExhausted and the last attempt's error.
func Do(ctx context.Context, p Policy, retryable func(error) bool, op func(ctx context.Context, attempt int) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var b backoff.BackOff = &linearBackOff{step: p.Step}
	b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := op(ctx, attempt)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	if retryable(err) {
		return fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, attempt, err)
	}
	return err
}
