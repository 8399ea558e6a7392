package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/vetting-api/internal/observability"
)

// RetryPolicy bounds the exponential backoff applied to external collaborators.
type RetryPolicy struct {
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy mirrors the configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 8 * time.Second}
}

// callExternal runs op with bounded exponential backoff. Errors for which retryable
// returns false are returned immediately. Exhausted retries wrap ErrExternalGraderUnavailable.
func callExternal[T any](ctx context.Context, policy RetryPolicy, collaborator string, logger zerolog.Logger, retryable func(error) bool, op func(context.Context) (T, error)) (T, error) {
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = 1
	}

	expo := backoff.NewExponentialBackOff()
	if policy.InitialBackoff > 0 {
		expo.InitialInterval = policy.InitialBackoff
	}
	if policy.MaxBackoff > 0 {
		expo.MaxInterval = policy.MaxBackoff
	}

	permanent := false
	operation := func() (T, error) {
		value, err := op(ctx)
		if err != nil && retryable != nil && !retryable(err) {
			permanent = true
			return value, backoff.Permanent(err)
		}
		return value, err
	}

	notify := func(err error, wait time.Duration) {
		observability.ExternalRetries().WithLabelValues(collaborator).Inc()
		logger.Warn().Err(err).Str("collaborator", collaborator).Dur("backoff", wait).Msg("external call failed, retrying")
	}

	value, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(policy.MaxAttempts),
		backoff.WithNotify(notify),
	)
	if err == nil {
		return value, nil
	}

	var zero T
	if permanent {
		return zero, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return zero, err
	}
	return zero, fmt.Errorf("%w: %s: %v", ErrExternalGraderUnavailable, collaborator, err)
}
