package tree

import (
	"github.com/benz9527/xordmap/lib/infra"
)

// refresh installs a new version built from the current versions of the
// children. A failed CAS means someone else installed one concurrently.
//
// The children and the debt are read under the same descriptor. Every
// splice below the node flags it, so they belong to one state of the
// node. The fast counters are never read, a refresh may overlap the
// fast mode updates.
func (m *xVbst[K, V]) refresh(node *xVbstNode[K, V]) bool {
	for {
		old := node.version.Load()
		info := node.info.Load()
		left, vl := readChildVersion[K, V](node, true)
		right, vr := readChildVersion[K, V](node, false)
		if node.info.Load() != info {
			continue
		}
		if !node.version.CompareAndSwap(old, &xVbstVersion[K, V]{
			node:  node,
			left:  vl,
			right: vr,
			count: vl.count + vr.count + info.debtOf(left, right),
		}) {
			return false
		}
		// The stale versions which forward into the children are not
		// reachable from the new version.
		dropRev[K, V](left)
		dropRev[K, V](right)
		return true
	}
}

func dropRev[K infra.OrderedKey, V any](node *xVbstNode[K, V]) {
	if node.rev.Load() != nil {
		node.rev.Store(nil)
	}
}

// The version is returned only if its node is still the child after the
// version was read.
func readChildVersion[K infra.OrderedKey, V any](node *xVbstNode[K, V], left bool) (*xVbstNode[K, V], *xVbstVersion[K, V]) {
	for {
		child := node.loadChild(left)
		v := child.version.Load()
		if node.loadChild(left) == child {
			return child, v
		}
	}
}

// propagate refreshes every node on the parent chain up to the root.
// The second refresh of a level covers a concurrent refresh that read
// the children before our change was visible.
func (m *xVbst[K, V]) propagate(start *xVbstNode[K, V]) {
	for node := start; node != nil; node = node.parent.Load() {
		if node.isLeaf() {
			continue
		}
		if !m.refresh(node) {
			m.refresh(node)
		}
	}
}
