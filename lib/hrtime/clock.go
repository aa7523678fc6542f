package hrtime

import (
	"time"
)

// Clock measures durations only, the wall clock is never read.
type Clock interface {
	// MonotonicElapsed is the time since the process started.
	MonotonicElapsed() time.Duration
	// Since returns the time elapsed from a MonotonicElapsed reading.
	Since(begin time.Duration) time.Duration
}

var (
	appStartTime           = time.Now()
	GoMonotonicClock Clock = &goMonotonicClock{}
)

// Backed by the monotonic reading carried in time.Time.
type goMonotonicClock struct{}

func (c *goMonotonicClock) MonotonicElapsed() time.Duration {
	return time.Since(appStartTime)
}

func (c *goMonotonicClock) Since(begin time.Duration) time.Duration {
	return c.MonotonicElapsed() - begin
}
