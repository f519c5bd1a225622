package backoff

import (
	"context"
	"time"

	cbackoff "github.com/cenkalti/backoff/v5"
)

// Operation is one attempt. attempt starts at 1.
type Operation func(attempt int) error

// Notify is called after a failed attempt that will be retried.
type Notify func(err error, attempt int, next time.Duration)

// Retry runs op until it succeeds, returns an error that retryable rejects,
// the policy is exhausted or ctx ends. It returns the number of attempts made
// and the last error.
func Retry(ctx context.Context, policy Policy, retryable func(error) bool, op Operation, notify Notify) (int, error) {
	policy = policy.WithDefaults()
	attempt := 0

	_, err := cbackoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := op(attempt)
		if err != nil && retryable != nil && !retryable(err) {
			return struct{}{}, cbackoff.Permanent(err)
		}
		return struct{}{}, err
	},
		cbackoff.WithBackOff(policy.BackOff()),
		cbackoff.WithMaxTries(uint(policy.MaxAttempts)),
		cbackoff.WithMaxElapsedTime(0),
		cbackoff.WithNotify(func(err error, next time.Duration) {
			if notify != nil {
				notify(err, attempt, next)
			}
		}),
	)
	return attempt, err
}
