package retry

import (
	"math"
	"time"

	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"
)

// DefaultBackoff is the default strategy used to compute the delay before a
// retry.
var DefaultBackoff = Exponential(
	100*time.Millisecond,
	2,
	30*time.Second,
)

// Exponential returns a backoff strategy that computes the delay before the
// n'th retry as initial * multiplier^(n-1), capped at max.
//
// n is the number of the attempt that failed, starting at 1.
func Exponential(initial time.Duration, multiplier float64, max time.Duration) backoff.Strategy {
	if initial <= 0 {
		panic("initial delay must be positive")
	}

	if multiplier < 1 {
		panic("multiplier must be at least 1")
	}

	if max < initial {
		panic("maximum delay must not be less than the initial delay")
	}

	return backoff.WithTransforms(
		func(_ error, n uint) time.Duration {
			if n == 0 {
				n = 1
			}

			d := float64(initial) * math.Pow(multiplier, float64(n-1))
			if d >= math.MaxInt64 {
				return time.Duration(math.MaxInt64)
			}

			return time.Duration(d)
		},
		linger.Limiter(initial, max),
	)
}
