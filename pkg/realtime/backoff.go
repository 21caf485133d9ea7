package realtime

import (
	"math"
	"time"
)

// Backoff returns the delay before the reconnect that follows attempt
// connection attempts: min(base * multiplier^(attempt-1), max).
// The result never decreases as attempt grows and never exceeds max.
func Backoff(base, max time.Duration, multiplier float64, attempt int) time.Duration {
	d := float64(base) * math.Pow(multiplier, float64(attempt-1))
	if math.IsNaN(d) || d >= float64(max) {
		return max
	}
	return time.Duration(d)
}
