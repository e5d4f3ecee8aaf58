package timeutil

import (
	"time"

	"github.com/cenkalti/backoff"
)

// Stop is returned by a Backoff when no further attempts should be made.
const Stop = backoff.Stop

// Backoff yields successive retry delays. It is satisfied by every strategy
// in github.com/cenkalti/backoff.
type Backoff = backoff.BackOff

// FixedBackoff waits the same delay before every attempt.
func FixedBackoff(d time.Duration) Backoff {
	return backoff.NewConstantBackOff(d)
}

// ExponentialBackoff doubles the delay from initial up to max and never gives
// up. Elapsed time is measured on clock so a MockClock keeps tests
// deterministic; jitter is disabled for the same reason.
func ExponentialBackoff(clock Clock, initial, max time.Duration) Backoff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	if clock != nil {
		b.Clock = clock
	}
	b.Reset()
	return b
}

// NewBackoff picks FixedBackoff when max is not above initial and
// ExponentialBackoff otherwise.
func NewBackoff(clock Clock, initial, max time.Duration) Backoff {
	if max <= initial {
		return FixedBackoff(initial)
	}
	return ExponentialBackoff(clock, initial, max)
}
