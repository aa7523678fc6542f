//go:build windows
// +build windows

package hrtime

// The Go runtime already reads QueryPerformanceCounter for the monotonic
// time on Windows.
var SysMonotonicClock = GoMonotonicClock
