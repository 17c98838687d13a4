// internal/runner/retry.go
package runner

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func newRetryBackoff(initial, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.InitialInterval = initial
	b.MaxInterval = max
	b.MaxElapsedTime = 0 // don't stop
	b.Reset()
	return b
}

// retryDelay returns how long a task waits after its attempt-th attempt failed
func retryDelay(b *backoff.ExponentialBackOff, attempt int) time.Duration {
	max := float64(b.MaxInterval)
	interval := b.InitialInterval
	for i := 1; i < attempt; i++ {
		interval = time.Duration(math.Min(float64(interval)*b.Multiplier, max))
	}
	return interval
}
