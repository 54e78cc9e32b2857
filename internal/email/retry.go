package email

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"Mailer/internal/apperrors"
)

// RetryPolicy decides how often and how far apart a delivery is attempted.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	Multiplier      float64
	// Retryable reports whether a failed attempt may be repeated.
	Retryable func(error) bool
}

// DefaultRetryPolicy makes up to 3 attempts, waiting 0.5s then 1s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		Multiplier:      2,
		Retryable:       apperrors.IsRetryable,
	}
}

// Do runs op until it succeeds, returns a non-retryable error, or the
// attempts are used up. The last error is returned as op produced it.
// notify, if set, is called before each wait.
func (p RetryPolicy) Do(
	ctx context.Context,
	op func(attempt int) error,
	notify func(err error, wait time.Duration),
) error {

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}

	retryable := p.Retryable
	if retryable == nil {
		retryable = apperrors.IsRetryable
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := op(attempt)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)

	if notify == nil {
		return backoff.Retry(operation, policy)
	}
	return backoff.RetryNotify(operation, policy, notify)
}
