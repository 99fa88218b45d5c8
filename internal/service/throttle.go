package service

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Throttle holds the settings every worker shares and that may change while
// the worker runs: the global spacing between sends and the default hourly
// limit per sender.
type Throttle struct {
	pacer  *rate.Limiter
	hourly atomic.Int64
}

func NewThrottle(minDelay time.Duration, hourlyLimit int) *Throttle {
	t := &Throttle{pacer: rate.NewLimiter(pace(minDelay), 1)}
	t.hourly.Store(int64(hourlyLimit))
	return t
}

func pace(minDelay time.Duration) rate.Limit {
	if minDelay <= 0 {
		return rate.Inf
	}
	return rate.Every(minDelay)
}

// Wait blocks until the next send may start.
func (t *Throttle) Wait(ctx context.Context) error {
	return t.pacer.Wait(ctx)
}

func (t *Throttle) HourlyLimit() int {
	return int(t.hourly.Load())
}

// Apply swaps in new settings without stopping the pool.
func (t *Throttle) Apply(minDelay time.Duration, hourlyLimit int) {
	t.pacer.SetLimit(pace(minDelay))
	t.hourly.Store(int64(hourlyLimit))
}
