package tree

import (
	"go.uber.org/zap"
)

// The phase word packs the phase counter P and the number of active
// aggregate queries.
//
//	63                      20 19          0
//	+-------------------------+-------------+
//	|        phase P          |   readers   |
//	+-------------------------+-------------+
//
// P mod 4 is the mode:
//
//	0 fast              point updates maintain the fast metadata
//	1 draining fast     updates are slow, waiting for the fast ones
//	2 draining transit  updates are slow, waiting for the stale observers
//	3 slow              the snapshot is exact, queries are admitted
const (
	phaseReaderBits = 20
	phaseReaderMask = 1<<phaseReaderBits - 1
	phaseModulus    = 4

	phaseFast          = 0
	phaseDrainingFast  = 1
	phaseDrainingTrans = 2
	phaseSlow          = 3
)

func packPhase(ph, readers uint64) uint64 {
	return ph<<phaseReaderBits | readers&phaseReaderMask
}

func unpackPhase(w uint64) (ph, readers uint64) {
	return w >> phaseReaderBits, w & phaseReaderMask
}

func isFastPhase(ph uint64) bool {
	return ph%phaseModulus == phaseFast
}

func isSlowPhase(ph uint64) bool {
	return ph%phaseModulus == phaseSlow
}

func (m *xVbst[K, V]) loadPhase() uint64 {
	return m.phase.Load() >> phaseReaderBits
}

// advancePhase moves the counter and keeps the reader bits. Only the
// handshake leader moves the phase out of a draining mode.
func (m *xVbst[K, V]) advancePhase(from, to uint64) {
	for {
		w := m.phase.Load()
		ph, readers := unpackPhase(w)
		if ph != from {
			panic("[x-vbst] phase moved under the handshake leader")
		}
		if m.phase.CompareAndSwap(w, packPhase(to, readers)) {
			return
		}
	}
}

// handshake waits until every participant has published the target
// phase (or later) or is idle. The idle value is greater than any phase.
func (m *xVbst[K, V]) handshake(target uint64) {
	hwm := m.registry.highWaterMark()
	for i := int32(0); i < hwm; i++ {
		slot := m.registry.slot(i)
		for attempt := 0; slot.phase.Load() < target; attempt++ {
			m.backoff(attempt)
		}
	}
}

// transition is run by the reader that moved the phase from the fast
// phase to draining fast. It returns the slow phase.
//
// After the first handshake no fast update is in flight. The fast
// counters and the forwarding links are final until the next fast phase.
// After the second one no update of the first draining phase is left.
func (m *xVbst[K, V]) transition(fast uint64) uint64 {
	start := m.clock.MonotonicElapsed()
	m.handshake(fast + phaseDrainingFast)
	m.advancePhase(fast+phaseDrainingFast, fast+phaseDrainingTrans)
	m.handshake(fast + phaseDrainingTrans)
	m.advancePhase(fast+phaseDrainingTrans, fast+phaseSlow)
	elapsed := m.clock.Since(start)

	m.handshakes.Add(1)
	m.handshakeNanos.Add(elapsed.Nanoseconds())
	m.stats.recordHandshake(elapsed)
	m.logger.Debug("handshake done",
		zap.Uint64("epoch", fast+phaseSlow),
		zap.Duration("latency", elapsed),
		zap.Int32("participants", m.registry.highWaterMark()),
	)
	return fast + phaseSlow
}

// enterSlow returns once the map is in a slow phase and the caller is
// counted as one of its readers.
func (m *xVbst[K, V]) enterSlow(h *xVbstHandle[K, V]) uint64 {
	if m.readerTracking == VbstReaderLease {
		return m.enterSlowLease(h)
	}
	for attempt := 0; ; attempt++ {
		w := m.phase.Load()
		ph, readers := unpackPhase(w)
		switch ph % phaseModulus {
		case phaseSlow:
			if m.phase.CompareAndSwap(w, packPhase(ph, readers+1)) {
				return ph
			}
			continue
		case phaseFast:
			if m.phase.CompareAndSwap(w, packPhase(ph+phaseDrainingFast, 1)) {
				return m.transition(ph)
			}
			continue
		default:
		}
		m.backoff(attempt)
	}
}

// The last reader switches the map back to the fast mode.
func (m *xVbst[K, V]) exitSlow(h *xVbstHandle[K, V]) {
	if m.readerTracking == VbstReaderLease {
		m.exitSlowLease(h)
		return
	}
	for {
		w := m.phase.Load()
		ph, readers := unpackPhase(w)
		next := packPhase(ph, readers-1)
		if readers <= 1 {
			next = packPhase(ph+1, 0)
		}
		if m.phase.CompareAndSwap(w, next) {
			return
		}
	}
}

// A reader joining a slow phase bumps it to the next slow epoch. An
// exiting reader that scanned the leases before the join then fails its
// CAS instead of switching the joiner's epoch to fast.
func (m *xVbst[K, V]) enterSlowLease(h *xVbstHandle[K, V]) uint64 {
	h.slot.lease.Store(1)
	for attempt := 0; ; attempt++ {
		w := m.phase.Load()
		ph, _ := unpackPhase(w)
		switch ph % phaseModulus {
		case phaseSlow:
			if m.phase.CompareAndSwap(w, packPhase(ph+phaseModulus, 0)) {
				return ph + phaseModulus
			}
			continue
		case phaseFast:
			if m.phase.CompareAndSwap(w, packPhase(ph+phaseDrainingFast, 0)) {
				return m.transition(ph)
			}
			continue
		default:
		}
		m.backoff(attempt)
	}
}

func (m *xVbst[K, V]) exitSlowLease(h *xVbstHandle[K, V]) {
	h.slot.lease.Store(0)
	w := m.phase.Load()
	ph, _ := unpackPhase(w)
	if !isSlowPhase(ph) || m.registry.anyLease() {
		return
	}
	m.phase.CompareAndSwap(w, packPhase(ph+1, 0))
}
