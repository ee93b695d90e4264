package apiclient

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryContext describes one upcoming retry. It is handed to the OnRetry
// observer just before the executor sleeps, then discarded.
type RetryContext struct {
	// Attempt is the number of attempts made so far (1 after the first failure).
	Attempt int

	// TotalAttempts is the attempt budget for the call, MaxRetries+1.
	TotalAttempts int

	// LastError is the failure that triggered this retry.
	LastError error

	// NextDelay is the backoff delay about to be slept.
	NextDelay time.Duration
}

// OnRetryFunc observes retries for logging and metrics. It runs synchronously
// on the calling goroutine and must not block; it cannot affect the outcome.
type OnRetryFunc func(RetryContext)

// Retry runs op up to policy.MaxRetries+1 times. On each failure before the
// final attempt the classifier decides whether another attempt is warranted;
// a non-retryable error propagates immediately without spending the remaining
// budget. When the budget is exhausted, the last error is returned unchanged.
//
// The operation is an opaque thunk: Retry knows nothing about HTTP, which
// makes it reusable for any retryable unit of work. A nil classifier falls
// back to the policy's own decision.
func Retry[T any](
	ctx context.Context,
	policy RetryPolicy,
	classifier ErrorClassifier,
	onRetry OnRetryFunc,
	op func(ctx context.Context) (T, error),
) (T, error) {
	var zero T

	if classifier == nil {
		classifier = policyClassifier{policy: policy}
	}

	// Bail out before the first attempt if the caller is already gone.
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
	}

	var (
		result  T
		lastErr error
	)

	backoff := policyBackoff(policy, func(attempt int, delay time.Duration) {
		if onRetry == nil {
			return
		}
		onRetry(RetryContext{
			Attempt:       attempt,
			TotalAttempts: policy.MaxRetries + 1,
			LastError:     lastErr,
			NextDelay:     delay,
		})
	})

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		v, err := op(ctx)
		if err == nil {
			result = v
			return nil
		}

		lastErr = err
		if !classifier.IsRetryable(err) {
			return err
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		// retry.Do strips its retryable marker on exhaustion, so this is the
		// operation's error exactly as it produced it.
		return zero, err
	}

	return result, nil
}
