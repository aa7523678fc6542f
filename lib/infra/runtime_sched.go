package infra

import (
	_ "unsafe"
)

//go:linkname procYield runtime.procyield
func procYield(cycles uint32)

// ProcYield executes the PAUSE-like instruction for cycles times,
// it never leaves the current processor.
func ProcYield(cycles uint32) {
	procYield(cycles)
}
