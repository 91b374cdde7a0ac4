package realtime

import (
	"math/rand"
	"time"
)

// Default reconnect tuning.
const (
	DefaultBackoffBase = 1 * time.Second
	DefaultBackoffMax  = 30 * time.Second
	DefaultMaxAttempts = 5
)

// backoffDelay computes the wait before reconnect attempt n (0-based).
// The exponential term doubles per attempt and is capped at max; the
// returned delay is jittered into [exp/2, exp) so a fleet of clients does
// not reconnect in lockstep.
func backoffDelay(attempt int, base, max time.Duration, rnd *rand.Rand) time.Duration {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if max <= 0 {
		max = DefaultBackoffMax
	}

	exp := base
	for i := 0; i < attempt; i++ {
		exp *= 2
		if exp >= max {
			exp = max
			break
		}
	}

	half := exp / 2
	if rnd == nil || half <= 0 {
		return exp
	}
	return half + time.Duration(rnd.Int63n(int64(half)))
}
