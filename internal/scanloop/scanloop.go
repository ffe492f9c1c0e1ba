// Package scanloop runs periodic background sweeps with jittered
// intervals so concurrent loops do not synchronize.
package scanloop

import (
	"math/rand/v2"
	"time"
)

// Run calls fn repeatedly until stopCh is closed. Each wait lasts
// base plus a random duration in [0, jitter). Run never calls fn
// before the first wait elapses; callers wanting an immediate first
// pass invoke fn themselves before Run.
func Run(stopCh <-chan struct{}, base, jitter time.Duration, fn func()) {
	if base <= 0 {
		base = time.Second
	}
	if jitter < 0 {
		jitter = 0
	}

	timer := time.NewTimer(nextWait(base, jitter))
	defer timer.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-timer.C:
		}
		fn()
		timer.Reset(nextWait(base, jitter))
	}
}

func nextWait(base, jitter time.Duration) time.Duration {
	if jitter == 0 {
		return base
	}
	return base + time.Duration(rand.Int64N(int64(jitter)))
}
