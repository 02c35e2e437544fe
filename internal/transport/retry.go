package transport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry tuning, grounded on the teacher's internal/session/loop.go
// newRetryBackoff constants.
const (
	retryMaxAttempts     = 3
	retryInitialInterval = time.Second
	retryMaxInterval     = 10 * time.Second
)

// newConnectBackoff builds an exponential backoff with jitter for
// establishing a provider stream, bounded by ctx and a small attempt
// count — a transient connection failure should not stall a turn for
// long.
func newConnectBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, retryMaxAttempts), ctx)
}
