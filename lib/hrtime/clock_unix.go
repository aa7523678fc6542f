//go:build !windows
// +build !windows

package hrtime

import (
	"time"

	"github.com/samber/lo"
	"golang.org/x/sys/unix"
)

var (
	// SysMonotonicClock reads CLOCK_MONOTONIC directly.
	SysMonotonicClock    Clock = &unixMonotonicClock{}
	unixMonotonicStartTs int64
)

func init() {
	ts := unix.Timespec{}
	lo.Must0(unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts))
	unixMonotonicStartTs = ts.Nano()
}

type unixMonotonicClock struct{}

func (c *unixMonotonicClock) MonotonicElapsed() time.Duration {
	ts := unix.Timespec{}
	lo.Must0(unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts))
	return time.Duration(ts.Nano() - unixMonotonicStartTs)
}

func (c *unixMonotonicClock) Since(begin time.Duration) time.Duration {
	return c.MonotonicElapsed() - begin
}
