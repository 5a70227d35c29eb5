package timerqueue

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy computes the next due-time for a transient failure, per
// §4.4: next-due = now + base*growth^attempt with full jitter up to
// jitterMax, clamped by a per-recipient expiry and by the ready queue's
// max_age for the domain.
type RetryPolicy struct {
	Base      time.Duration
	Growth    float64
	JitterMax time.Duration
}

// NextDue returns the next due time for the given attempt count (0-based),
// clamped so it never exceeds expires (if set) or the domain's max_age
// horizon from now (if maxAge > 0).
func (p RetryPolicy) NextDue(now time.Time, attempt int, expires *time.Time, maxAge time.Duration) time.Time {
	delaySecs := float64(p.Base) * math.Pow(p.Growth, float64(attempt)) / float64(time.Second)
	jitterSecs := 0.0
	if p.JitterMax > 0 {
		jitterSecs = rand.Float64() * (float64(p.JitterMax) / float64(time.Second))
	}
	delay := time.Duration((delaySecs + jitterSecs) * float64(time.Second))
	due := now.Add(delay)

	if expires != nil && due.After(*expires) {
		due = *expires
	}
	if maxAge > 0 {
		horizon := now.Add(maxAge)
		if due.After(horizon) {
			due = horizon
		}
	}
	return due
}
