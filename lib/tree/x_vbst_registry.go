package tree

import (
	"math"
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/benz9527/xordmap/lib/infra"
)

const (
	slotFastMarker uint64 = 0
	slotIdle       uint64 = math.MaxUint64
)

// xVbstSlot is the per participant state.
type xVbstSlot[K infra.OrderedKey, V any] struct {
	_        cpu.CacheLinePad
	phase    atomic.Uint64 // Published phase, fast marker or idle.
	forwards atomic.Int64  // Fast splices of the owners, kept across handles.
	lease    atomic.Uint32
	inUse    atomic.Uint32
	gen      atomic.Uint32
	_        cpu.CacheLinePad
}

type xVbstRegistry[K infra.OrderedKey, V any] struct {
	slots []xVbstSlot[K, V]
	hwm   atomic.Int32 // Slots at or above are never used.
}

func newXVbstRegistry[K infra.OrderedKey, V any](capacity int32) *xVbstRegistry[K, V] {
	r := &xVbstRegistry[K, V]{
		slots: make([]xVbstSlot[K, V], capacity),
	}
	for i := range r.slots {
		r.slots[i].phase.Store(slotIdle)
	}
	return r
}

func (r *xVbstRegistry[K, V]) capacity() int32 {
	return int32(len(r.slots))
}

func (r *xVbstRegistry[K, V]) highWaterMark() int32 {
	return r.hwm.Load()
}

func (r *xVbstRegistry[K, V]) slot(id int32) *xVbstSlot[K, V] {
	return &r.slots[id]
}

// acquire claims the lowest free slot.
func (r *xVbstRegistry[K, V]) acquire() (int32, *xVbstSlot[K, V], bool) {
	for i := range r.slots {
		slot := &r.slots[i]
		if slot.inUse.Load() != 0 || !slot.inUse.CompareAndSwap(0, 1) {
			continue
		}
		id := int32(i)
		for {
			hwm := r.hwm.Load()
			if hwm > id || r.hwm.CompareAndSwap(hwm, id+1) {
				break
			}
		}
		return id, slot, true
	}
	return -1, nil, false
}

func (r *xVbstRegistry[K, V]) sumForwards() int64 {
	sum := int64(0)
	hwm := r.highWaterMark()
	for i := int32(0); i < hwm; i++ {
		sum += r.slots[i].forwards.Load()
	}
	return sum
}

func (r *xVbstRegistry[K, V]) anyLease() bool {
	hwm := r.highWaterMark()
	for i := int32(0); i < hwm; i++ {
		if r.slots[i].lease.Load() != 0 {
			return true
		}
	}
	return false
}

var _ OrderStatMapHandle[uint8, struct{}] = (*xVbstHandle[uint8, struct{}])(nil)

type xVbstHandle[K infra.OrderedKey, V any] struct {
	m    *xVbst[K, V]
	slot *xVbstSlot[K, V]
	id   int32
	gen  uint32 // The slot generation at registration.
}

func (h *xVbstHandle[K, V]) check() error {
	if h.slot.gen.Load() != h.gen {
		return infra.WrapErrorStackWithMessage(ErrVbstHandleReleased, "participant slot has been reused or closed")
	}
	return nil
}

// begin publishes the fast marker before the phase is read by observe.
func (h *xVbstHandle[K, V]) begin() {
	h.slot.phase.Store(slotFastMarker)
}

// observe reports whether the current attempt runs in fast mode. In
// slow mode the read phase is published, a handshake leader waits for
// it before it moves on.
func (h *xVbstHandle[K, V]) observe() bool {
	ph := h.m.loadPhase()
	if isFastPhase(ph) {
		if h.slot.phase.Load() == slotFastMarker {
			return true
		}
		h.slot.phase.Store(slotFastMarker)
		ph = h.m.loadPhase()
		if isFastPhase(ph) {
			return true
		}
	}
	if h.slot.phase.Load() != ph {
		h.slot.phase.Store(ph)
	}
	return false
}

func (h *xVbstHandle[K, V]) end() {
	h.slot.phase.Store(slotIdle)
}

func (h *xVbstHandle[K, V]) ID() int32 {
	return h.id
}

func (h *xVbstHandle[K, V]) Put(key K, val V) (V, bool, error) {
	if err := h.check(); err != nil {
		var zero V
		return zero, false, err
	}
	if err := h.m.checkKeyVal(key, val); err != nil {
		var zero V
		return zero, false, err
	}
	h.begin()
	defer h.end()
	prev, replaced := h.m.insert(h, key, val, true)
	return prev, replaced, nil
}

func (h *xVbstHandle[K, V]) PutIfAbsent(key K, val V) (V, bool, error) {
	if err := h.check(); err != nil {
		var zero V
		return zero, false, err
	}
	if err := h.m.checkKeyVal(key, val); err != nil {
		var zero V
		return zero, false, err
	}
	h.begin()
	defer h.end()
	existing, present := h.m.insert(h, key, val, false)
	return existing, present, nil
}

func (h *xVbstHandle[K, V]) Remove(key K) (V, bool, error) {
	if err := h.check(); err != nil {
		var zero V
		return zero, false, err
	}
	if err := h.m.checkKey(key); err != nil {
		var zero V
		return zero, false, err
	}
	h.begin()
	defer h.end()
	removed, ok := h.m.delete(h, key)
	return removed, ok, nil
}

func (h *xVbstHandle[K, V]) Size() (int64, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	return h.m.size(h), nil
}

func (h *xVbstHandle[K, V]) Rank(key K) (int64, error) {
	if err := h.check(); err != nil {
		return RankNotFound, err
	}
	if err := h.m.checkKey(key); err != nil {
		return RankNotFound, err
	}
	return h.m.rank(h, key), nil
}

func (h *xVbstHandle[K, V]) Select(k int64) (K, bool, error) {
	if err := h.check(); err != nil {
		var zero K
		return zero, false, err
	}
	key, ok := h.m.selectKth(h, k)
	return key, ok, nil
}

func (h *xVbstHandle[K, V]) ContainsSnapshot(key K) (bool, error) {
	if err := h.check(); err != nil {
		return false, err
	}
	if err := h.m.checkKey(key); err != nil {
		return false, err
	}
	return h.m.containsSnapshot(h, key), nil
}

// Close bumps the slot generation, so every copy of the handle is
// released at once.
func (h *xVbstHandle[K, V]) Close() error {
	if !h.slot.gen.CompareAndSwap(h.gen, h.gen+1) {
		return infra.WrapErrorStackWithMessage(ErrVbstHandleReleased, "close participant")
	}
	h.slot.phase.Store(slotIdle)
	h.slot.lease.Store(0)
	h.slot.inUse.Store(0)
	return nil
}
