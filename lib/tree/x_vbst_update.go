package tree

// The flag-help-clean protocol.
//
// Every internal node owns a descriptor. A structural change is announced
// by CAS-ing a descriptor onto the node whose child pointer will be swung,
// anyone who meets a non-clean descriptor helps to finish it first.
//
//	insert: p   Clean -> IFlag -> Clean
//	delete: gp  Clean -> DFlag -> Clean
//	        p   Clean -> Mark (p is unlinked afterwards)
//
// The mode of a change is fixed by its owner in the descriptor. Helpers
// splice, forward the unlinked node of a fast change and clean. Only the
// owner maintains the counts afterwards (propagation in slow mode, the
// fast counters of the ancestors in fast mode).

import (
	"github.com/benz9527/xordmap/lib/infra"
)

// xVbstSearchResult is the path suffix recorded by search.
type xVbstSearchResult[K infra.OrderedKey, V any] struct {
	gp, p, l      *xVbstNode[K, V]
	gpinfo, pinfo *xVbstInfo[K, V]
}

// search descends to the leaf that holds the key or where it would be
// inserted. The descriptor of a node is read before its child, so a
// later successful CAS on the descriptor proves the child is unchanged.
func (m *xVbst[K, V]) search(key K) xVbstSearchResult[K, V] {
	res := xVbstSearchResult[K, V]{}
	res.l = m.root
	for !res.l.isLeaf() {
		res.gp, res.gpinfo = res.p, res.pinfo
		res.p = res.l
		res.pinfo = res.p.info.Load()
		res.l = res.p.loadChild(res.p.goLeft(key))
	}
	return res
}

// lookup serves the handle-free reads. A reader that may overlap a slow
// epoch pushes the observed path into the snapshot before it returns,
// so no aggregate query linearized later can miss what it saw.
func (m *xVbst[K, V]) lookup(key K) (*xVbstNode[K, V], *xVbstNode[K, V]) {
	ph := m.loadPhase()
	res := m.search(key)
	if !isFastPhase(ph) || m.loadPhase() != ph {
		m.propagate(res.p)
	}
	return res.p, res.l
}

func (m *xVbst[K, V]) help(info *xVbstInfo[K, V]) {
	if info == nil {
		return
	}
	switch info.kind {
	case infoInsertFlag:
		m.helpInsert(info)
	case infoDeleteFlag:
		m.helpDelete(info)
	case infoMarked:
		m.helpMarked(info.dinfo)
	default:
	}
}

// helpInsert swings the leaf to its replacement. The child cannot change
// otherwise while p is flagged, so the splice is done once any helper
// returns from casChild.
func (m *xVbst[K, V]) helpInsert(op *xVbstInfo[K, V]) {
	op.p.casChild(op.l, op.replacement)
	if op.fast {
		m.forward(op.l, op.replacement)
	}
	op.p.info.CompareAndSwap(op, newCleanInfo[K, V](op.debt))
}

// helpDelete reports whether the parent was marked for op. Otherwise the
// grandparent flag is backed out and the owner has to retry.
func (m *xVbst[K, V]) helpDelete(op *xVbstInfo[K, V]) bool {
	mark := &xVbstInfo[K, V]{
		kind:  infoMarked,
		dinfo: op,
		debt:  op.pinfo.loadDebt(),
	}
	if op.p.info.CompareAndSwap(op.pinfo, mark) {
		m.helpMarked(op)
		return true
	}
	cur := op.p.info.Load()
	if cur != nil && cur.kind == infoMarked && cur.dinfo == op {
		m.helpMarked(op)
		return true
	}
	m.help(cur)
	op.gp.info.CompareAndSwap(op, newCleanInfo[K, V](op.debt))
	return false
}

// helpMarked splices the marked parent out. The sibling of the deleted
// leaf takes the place of the parent under the grandparent.
func (m *xVbst[K, V]) helpMarked(op *xVbstInfo[K, V]) {
	other := op.p.right.Load()
	if other == op.l {
		other = op.p.left.Load()
	}
	if op.gp.casChild(op.p, other) {
		// A stale store still names a former ancestor, so the chain
		// walked by propagate keeps reaching every live ancestor.
		other.parent.Store(op.gp)
	}
	if op.fast {
		m.forward(op.p, other)
	}
	op.gp.info.CompareAndSwap(op, newCleanInfo[K, V](op.nextDebt))
}

// forward links the version of the unlinked node to the version of the
// node which took its place. A stale version tree that still refers to
// the unlinked node is read through the link.
//
// The target is taken at the end of the chain that starts at the
// replacement. If another unlinked node forwards into the unlinked one,
// it is relinked to the target and skips the middle link.
//
//	pred -> orphan -> target    becomes    pred -> target
//	                                       orphan -> target
//
// Every step is idempotent, any helper of the change may run it.
func (m *xVbst[K, V]) forward(orphan, replacement *xVbstNode[K, V]) {
	target, _ := replacement.version.Load().resolve()
	orphan.fwd.CompareAndSwap(nil, target)

	head := orphan
	if pred := orphan.rev.Load(); pred != nil {
		if f := pred.fwd.Load(); f != nil && f.node == orphan {
			pred.fwd.CompareAndSwap(f, target)
		}
		head = pred
	}
	target.node.rev.Store(head)
}

// addFast walks the parent chain from start and adds delta to every fast
// counter on it.
func (m *xVbst[K, V]) addFast(start *xVbstNode[K, V], delta int64) {
	for node := start; node != nil; node = node.parent.Load() {
		node.fast.Add(delta)
	}
}

// insert returns the previous value if the key was present. The existing
// leaf is replaced only if overwrite is true.
func (m *xVbst[K, V]) insert(h *xVbstHandle[K, V], key K, val V, overwrite bool) (V, bool) {
	for {
		fast := h.observe()
		res := m.search(key)
		present := res.l.holds(key)
		if present && !overwrite {
			if !fast {
				m.propagate(res.p)
			}
			return res.l.val, true
		}
		if !res.pinfo.isClean() {
			m.help(res.pinfo)
			continue
		}

		var replacement *xVbstNode[K, V]
		if present {
			// Same key, the cardinality of the leaf is taken over.
			replacement = copyXVbstLeaf[K, V](res.l, val, res.p)
		} else {
			leaf := newXVbstLeaf[K, V](key, val, false, !fast, nil)
			sibling := copyXVbstLeaf[K, V](res.l, res.l.val, nil)
			if res.l.goLeft(key) {
				replacement = newXVbstInternal[K, V](res.l.key, res.l.isSentinel(), leaf, sibling, res.p)
			} else {
				replacement = newXVbstInternal[K, V](key, false, sibling, leaf, res.p)
			}
		}
		op := &xVbstInfo[K, V]{
			kind:        infoInsertFlag,
			fast:        fast,
			p:           res.p,
			l:           res.l,
			replacement: replacement,
			debt:        res.pinfo.loadDebt(),
		}
		if !res.p.info.CompareAndSwap(res.pinfo, op) {
			m.help(res.p.info.Load())
			continue
		}
		m.helpInsert(op)

		if !fast {
			m.propagate(res.p)
		} else {
			if !present {
				m.addFast(res.p, 1)
			}
			h.slot.forwards.Add(1)
		}
		if present {
			return res.l.val, true
		}
		var zero V
		return zero, false
	}
}

func (m *xVbst[K, V]) delete(h *xVbstHandle[K, V], key K) (V, bool) {
	for {
		fast := h.observe()
		res := m.search(key)
		if !res.l.holds(key) {
			if !fast {
				m.propagate(res.p)
			}
			var zero V
			return zero, false
		}
		// A real leaf is at least two levels below the root, the root and
		// its left spine are sentinels.
		if !res.gpinfo.isClean() {
			m.help(res.gpinfo)
			continue
		}
		if !res.pinfo.isClean() {
			m.help(res.pinfo)
			continue
		}

		// The slow part of the parent moves into the grandparent. A fast
		// delete leaves the slow part of the leaf there as well, its
		// weight is taken from the fast counters instead. A slow delete
		// takes the fast part of the leaf out of the slow part.
		nextDebt := res.gpinfo.loadDebt() + res.pinfo.loadDebt()
		if fast {
			nextDebt += res.l.version.Load().count
		} else {
			nextDebt -= res.l.fast.Load()
		}
		op := &xVbstInfo[K, V]{
			kind:     infoDeleteFlag,
			fast:     fast,
			gp:       res.gp,
			p:        res.p,
			l:        res.l,
			pinfo:    res.pinfo,
			debt:     res.gpinfo.loadDebt(),
			nextDebt: nextDebt,
		}
		if !res.gp.info.CompareAndSwap(res.gpinfo, op) {
			m.help(res.gp.info.Load())
			continue
		}
		if !m.helpDelete(op) {
			continue
		}

		if fast {
			m.addFast(res.gp, -res.l.weight())
			h.slot.forwards.Add(1)
		} else {
			m.propagate(res.gp)
		}
		return res.l.val, true
	}
}
