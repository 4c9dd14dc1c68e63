package transport

import (
	"math/rand"
	"time"
)

// maxWait caps a growing backoff that has no MaxDelay.
const maxWait = time.Minute

// Backoff spaces the retries of a busy write. Growth at or below 1 keeps
// the delay flat.
type Backoff struct {
	Delay    time.Duration
	Growth   float64
	MaxDelay time.Duration
	// Jitter spreads each wait uniformly over +/- that fraction of it.
	Jitter float64
}

// RetryPolicy bounds how long a busy transport is retried before a message
// is dropped.
type RetryPolicy struct {
	Attempts int
	Backoff  Backoff
}

// DefaultRetryPolicy retries a congested write every 10ms, 255 times.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 255, Backoff: Backoff{Delay: 10 * time.Millisecond}}
}

// Wait returns the pause before retry n (1-based).
func (b Backoff) Wait(n int, rng *rand.Rand) time.Duration {
	d := b.Delay
	if d <= 0 {
		return 0
	}
	if b.Growth > 1 {
		ceiling := b.MaxDelay
		if ceiling <= 0 {
			ceiling = maxWait
		}
		for i := 1; i < n && d < ceiling; i++ {
			d = time.Duration(float64(d) * b.Growth)
		}
		d = min(d, ceiling)
	} else if b.MaxDelay > 0 {
		d = min(d, b.MaxDelay)
	}
	if b.Jitter > 0 && rng != nil {
		d += time.Duration((2*rng.Float64() - 1) * b.Jitter * float64(d))
	}
	return d
}
