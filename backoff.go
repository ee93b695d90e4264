package apiclient

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/sethvargo/go-retry"
)

// Delay returns the backoff delay before retry attempt n (1-indexed):
// BaseDelay * Multiplier^(n-1), capped at MaxDelay. With Jitter enabled the
// result is scaled by a uniform factor in [0.5, 1.0] so concurrent callers
// do not retry in lockstep.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	delay := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= multiplier
		if delay >= float64(p.MaxDelay) || delay > math.MaxInt64 {
			delay = float64(p.MaxDelay)
			break
		}
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	d := time.Duration(delay)
	if p.Jitter {
		d = applyJitter(d)
	}
	return d
}

// applyJitter scales d by a uniform random factor in [0.5, 1.0], drawn from
// crypto/rand. Falls back to the unjittered delay if the source fails.
func applyJitter(d time.Duration) time.Duration {
	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(half+1))
	if err != nil {
		return d
	}
	return time.Duration(half + n.Int64())
}

// policyBackoff adapts a RetryPolicy to a retry.Backoff. The observe hook is
// invoked with the attempt number just completed and the upcoming delay,
// before the executor sleeps. retry.WithMaxRetries stops the loop without
// consulting the inner backoff once the budget is spent, so the hook never
// fires for the final, exhausted attempt.
func policyBackoff(p RetryPolicy, observe func(attempt int, delay time.Duration)) retry.Backoff {
	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	attempt := 0
	b := retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		delay := p.Delay(attempt)
		if observe != nil {
			observe(attempt, delay)
		}
		return delay, false
	})

	return retry.WithMaxRetries(uint64(maxRetries), b) // #nosec G115 - bounds checked above
}
