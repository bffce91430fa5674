package classifier

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Throttle spaces calls to the text-generation provider at a minimum
// interval, allowing up to burst calls back to back.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle creates a throttle. A non-positive interval disables it.
func NewThrottle(interval time.Duration, burst int) *Throttle {
	if interval <= 0 {
		return &Throttle{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Every(interval), burst)}
}

// Wait blocks until the next call is allowed or ctx is done.
func (t *Throttle) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

// ReserveAt takes the next slot as if the call happened at now and returns
// how long that call would have to wait.
func (t *Throttle) ReserveAt(now time.Time) time.Duration {
	r := t.limiter.ReserveN(now, 1)
	if !r.OK() {
		return rate.InfDuration
	}
	return r.DelayFrom(now)
}
