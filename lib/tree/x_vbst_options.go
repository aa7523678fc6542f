package tree

import (
	"runtime"
	"strings"

	"github.com/benz9527/xordmap/lib/hrtime"
	"github.com/benz9527/xordmap/lib/infra"
	"github.com/benz9527/xordmap/lib/xlog"
)

const (
	defaultVbstMaxParticipants = 128
	maxVbstParticipants        = phaseReaderMask // Every reader holds a slot.
	XVbstStatsName             = "xordmap/x-vbst"
)

// VbstReaderTracking decides how the last aggregate query of a slow
// epoch is detected.
type VbstReaderTracking uint8

const (
	// VbstReaderCounter packs the reader count into the phase word.
	// Entering and exiting are single CAS loops on the shared word.
	VbstReaderCounter VbstReaderTracking = iota
	// VbstReaderLease keeps one lease per participant. Exiting scans
	// all the leases instead of decrementing a shared counter.
	VbstReaderLease
	_vbstReaderTrackingMax
)

func (t VbstReaderTracking) String() string {
	switch t {
	case VbstReaderCounter:
		return "counter"
	case VbstReaderLease:
		return "lease"
	default:
	}
	return "unknown"
}

// VbstBackoff is invoked by every spin wait with the number of failed
// attempts so far.
type VbstBackoff func(attempt int)

// Spin a little then yield the processor.
func defaultVbstBackoff(attempt int) {
	if attempt < 6 {
		for i := 0; i < 1<<attempt; i++ {
			infra.ProcYield(20)
		}
		return
	}
	runtime.Gosched()
}

type xVbstOptions struct {
	logger          xlog.XLogger
	clock           hrtime.Clock
	backoff         VbstBackoff
	meterName       string
	maxParticipants int32
	readerTracking  VbstReaderTracking
	enableStats     bool
}

func (opts *xVbstOptions) applyDefaults() {
	if opts.maxParticipants <= 0 {
		opts.maxParticipants = defaultVbstMaxParticipants
	}
	if opts.backoff == nil {
		opts.backoff = defaultVbstBackoff
	}
	if opts.logger == nil {
		opts.logger = xlog.NewNopXLogger()
	}
	if opts.clock == nil {
		opts.clock = hrtime.SysMonotonicClock
	}
	if opts.enableStats && len(strings.TrimSpace(opts.meterName)) == 0 {
		opts.meterName = XVbstStatsName
	}
}

type XVbstOption func(opts *xVbstOptions) error

// WithVbstMaxParticipants bounds the registry. Register fails once all
// the slots are in use.
func WithVbstMaxParticipants(n int32) XVbstOption {
	return func(opts *xVbstOptions) error {
		if n <= 0 || n > maxVbstParticipants {
			return infra.WrapErrorStackWithMessage(ErrVbstInvalidOption, "max participants out of range")
		}
		opts.maxParticipants = n
		return nil
	}
}

func WithVbstReaderTracking(tracking VbstReaderTracking) XVbstOption {
	return func(opts *xVbstOptions) error {
		if tracking >= _vbstReaderTrackingMax {
			return infra.WrapErrorStackWithMessage(ErrVbstInvalidOption, "unknown reader tracking")
		}
		opts.readerTracking = tracking
		return nil
	}
}

func WithVbstBackoff(backoff VbstBackoff) XVbstOption {
	return func(opts *xVbstOptions) error {
		if backoff == nil {
			return infra.WrapErrorStackWithMessage(ErrVbstInvalidOption, "nil backoff")
		}
		opts.backoff = backoff
		return nil
	}
}

// WithVbstClock replaces the clock timing the handshakes.
func WithVbstClock(clock hrtime.Clock) XVbstOption {
	return func(opts *xVbstOptions) error {
		if clock == nil {
			return infra.WrapErrorStackWithMessage(ErrVbstInvalidOption, "nil clock")
		}
		opts.clock = clock
		return nil
	}
}

func WithVbstLogger(logger xlog.XLogger) XVbstOption {
	return func(opts *xVbstOptions) error {
		if logger == nil {
			return infra.WrapErrorStackWithMessage(ErrVbstInvalidOption, "nil logger")
		}
		opts.logger = logger.Named("x-vbst")
		return nil
	}
}

// WithVbstStats enables the OpenTelemetry instruments. The meter name
// defaults to XVbstStatsName.
func WithVbstStats(meterName ...string) XVbstOption {
	return func(opts *xVbstOptions) error {
		opts.enableStats = true
		if len(meterName) > 0 {
			opts.meterName = meterName[0]
		}
		return nil
	}
}
