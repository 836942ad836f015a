package httpapi

import (
	"time"

	"golang.org/x/time/rate"
)

// WindowLimiter allows up to burst events per window, refilling evenly.
type WindowLimiter struct {
	limiter *rate.Limiter
	now     func() time.Time
}

// NewWindowLimiter constructs a limiter. A non-positive window or burst
// disables limiting.
func NewWindowLimiter(window time.Duration, burst int, timeSource func() time.Time) *WindowLimiter {
	if window <= 0 || burst <= 0 {
		return &WindowLimiter{}
	}
	if timeSource == nil {
		timeSource = time.Now
	}
	return &WindowLimiter{
		limiter: rate.NewLimiter(rate.Every(window/time.Duration(burst)), burst),
		now:     timeSource,
	}
}

// Allow reports whether the caller may proceed now.
func (l *WindowLimiter) Allow() bool {
	if l == nil || l.limiter == nil {
		return true
	}
	return l.limiter.AllowN(l.now(), 1)
}
