package tree

// The aggregate queries read the root version once, in a slow phase. The
// version tree below it is immutable and the fast counters do not change
// until the phase goes fast again. A version of a node unlinked in fast
// mode is read through its forwarding link, at every step.

import (
	"github.com/benz9527/xordmap/lib/infra"
)

// xVbstWalk is the state of one query over a snapshot.
type xVbstWalk[K infra.OrderedKey, V any] struct {
	v    *xVbstVersion[K, V]
	hops int64
}

// step resolves the current version and reports whether it is internal.
func (w *xVbstWalk[K, V]) step() bool {
	var hops int64
	w.v, hops = w.v.resolve()
	w.hops += hops
	return !w.v.isLeaf()
}

func (w *xVbstWalk[K, V]) weigh(v *xVbstVersion[K, V]) int64 {
	n, hops := v.weigh()
	w.hops += hops
	return n
}

func (m *xVbst[K, V]) snapshot(h *xVbstHandle[K, V]) (*xVbstWalk[K, V], func()) {
	m.enterSlow(h)
	m.queries.Add(1)
	m.stats.recordQuery()
	w := &xVbstWalk[K, V]{v: m.root.version.Load()}
	return w, func() {
		m.exitSlow(h)
		if w.hops > 0 {
			m.forwardHops.Add(w.hops)
			m.stats.recordForwardHops(w.hops)
		}
	}
}

func (m *xVbst[K, V]) size(h *xVbstHandle[K, V]) int64 {
	w, exit := m.snapshot(h)
	defer exit()
	return w.weigh(w.v)
}

func (m *xVbst[K, V]) rank(h *xVbstHandle[K, V], key K) int64 {
	w, exit := m.snapshot(h)
	defer exit()

	rank := int64(0)
	for w.step() {
		if w.v.node.goLeft(key) {
			w.v = w.v.left
			continue
		}
		rank += w.weigh(w.v.left)
		w.v = w.v.right
	}
	if !w.v.node.holds(key) {
		return RankNotFound
	}
	return rank + 1
}

func (m *xVbst[K, V]) selectKth(h *xVbstHandle[K, V], k int64) (K, bool) {
	w, exit := m.snapshot(h)
	defer exit()

	var zero K
	if k <= 0 || k > w.weigh(w.v) {
		return zero, false
	}
	for w.step() {
		if n := w.weigh(w.v.left); k > n {
			k -= n
			w.v = w.v.right
			continue
		}
		w.v = w.v.left
	}
	if k != 1 || w.v.node.isSentinel() {
		return zero, false
	}
	return w.v.node.key, true
}

func (m *xVbst[K, V]) containsSnapshot(h *xVbstHandle[K, V], key K) bool {
	w, exit := m.snapshot(h)
	defer exit()

	for w.step() {
		if w.v.node.goLeft(key) {
			w.v = w.v.left
		} else {
			w.v = w.v.right
		}
	}
	return w.v.node.holds(key)
}
