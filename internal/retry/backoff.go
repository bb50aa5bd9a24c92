package retry

import (
	"math"
	"time"
)

// Backoff computes when a failed Message becomes due again.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns min(Initial * 2^attempts, Max). attempts is the number of
// retries already dispatched, so the first failure waits Initial.
func (b Backoff) Delay(attempts int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	if attempts < 0 {
		attempts = 0
	}
	d := b.Initial
	for i := 0; i < attempts; i++ {
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// NextAttemptAt returns the time a Message that failed at failedAt with
// attempts retries behind it may be retried.
func (b Backoff) NextAttemptAt(failedAt time.Time, attempts int) time.Time {
	return failedAt.UTC().Add(b.Delay(attempts))
}
