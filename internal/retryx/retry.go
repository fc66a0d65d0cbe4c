// Package retryx runs an operation in a bounded retry loop that only retries
// one designated conflict error. Every attempt re-invokes the operation from
// scratch, so callers must re-read any state they depend on inside fn.
package retryx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/syncstore/internal/common"
	"github.com/sethvargo/go-retry"
)

// DefaultAttempts is the attempt bound used by the engine and the HTTP layer.
const DefaultAttempts = 10

// Backoff between attempts: exponential from BaseDelay, capped at MaxDelay.
var (
	BaseDelay = 2 * time.Millisecond
	MaxDelay  = 50 * time.Millisecond
)

// Do calls fn until it succeeds, returns an error other than retryOn, or
// attempts calls have been made. When the bound is hit the last conflict is
// returned wrapped in common.ErrTooManyConflicts.
func Do(ctx context.Context, attempts int, retryOn error, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	b := retry.NewExponential(BaseDelay)
	b = retry.WithCappedDuration(MaxDelay, b)
	b = retry.WithMaxRetries(uint64(attempts-1), b)

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && errors.Is(err, retryOn) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil && errors.Is(err, retryOn) {
		return fmt.Errorf("%w after %d attempts: %w", common.ErrTooManyConflicts, attempts, err)
	}
	return err
}
