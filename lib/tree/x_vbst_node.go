package tree

import (
	"sync/atomic"

	"github.com/benz9527/xordmap/lib/infra"
)

const (
	nodeIsLeaf     = 0x0001
	nodeIsSentinel = 0x0002 // Boundary leaf (and its internal copies), greater than any key.
)

// Store the concurrent state.
type flagBits struct {
	bits uint32
}

func (f *flagBits) atomicIsSet(bit uint32) bool {
	return (atomic.LoadUint32(&f.bits) & bit) != 0
}

// set is only used before the node is published.
func (f *flagBits) set(bits uint32) {
	f.bits = f.bits | bits
}

// Leaves and internal nodes share the same layout, the kind is recorded
// in flags and never changes.
//
// The cardinality of a subtree is split in two parts. The slow part is
// the count of the node version, it is only changed by propagation. The
// fast part is the fast counter, it is only changed by the fast mode
// updates. A leaf keeps both parts from its creation.
type xVbstNode[K infra.OrderedKey, V any] struct {
	key     K
	val     V // Leaf only.
	parent  atomic.Pointer[xVbstNode[K, V]]
	left    atomic.Pointer[xVbstNode[K, V]] // Internal only.
	right   atomic.Pointer[xVbstNode[K, V]] // Internal only.
	info    atomic.Pointer[xVbstInfo[K, V]] // Internal only, nil is clean.
	version atomic.Pointer[xVbstVersion[K, V]]
	// The version of the node which replaced this one in a fast
	// splice. Set once, the node is unlinked already.
	fwd atomic.Pointer[xVbstVersion[K, V]]
	// The unlinked node whose forwarding ends at this node. Only a
	// hint to shorten the chain, it may be stale or nil.
	rev   atomic.Pointer[xVbstNode[K, V]]
	fast  atomic.Int64
	flags flagBits
}

func (node *xVbstNode[K, V]) isLeaf() bool {
	return node.flags.atomicIsSet(nodeIsLeaf)
}

func (node *xVbstNode[K, V]) isSentinel() bool {
	return node.flags.atomicIsSet(nodeIsSentinel)
}

// goLeft reports whether the search of key turns to the left child.
// The sentinel key is greater than every key.
func (node *xVbstNode[K, V]) goLeft(key K) bool {
	return node.isSentinel() || key < node.key
}

// holds reports whether the leaf stores the key.
func (node *xVbstNode[K, V]) holds(key K) bool {
	return !node.isSentinel() && node.key == key
}

// weight is the cardinality of a leaf.
func (node *xVbstNode[K, V]) weight() int64 {
	if node.isSentinel() {
		return 0
	}
	return 1
}

// combined is the cardinality of the subtree as of the current version.
func (node *xVbstNode[K, V]) combined() int64 {
	return node.version.Load().count + node.fast.Load()
}

func (node *xVbstNode[K, V]) loadChild(left bool) *xVbstNode[K, V] {
	if left {
		return node.left.Load()
	}
	return node.right.Load()
}

// casChild swings the child which currently is old.
func (node *xVbstNode[K, V]) casChild(old, new *xVbstNode[K, V]) bool {
	if node.left.Load() == old {
		return node.left.CompareAndSwap(old, new)
	}
	return node.right.CompareAndSwap(old, new)
}

// newXVbstLeaf builds a leaf whose weight is counted by the slow part
// if slow is true, by the fast part otherwise.
func newXVbstLeaf[K infra.OrderedKey, V any](
	key K,
	val V,
	sentinel bool,
	slow bool,
	parent *xVbstNode[K, V],
) *xVbstNode[K, V] {
	leaf := &xVbstNode[K, V]{
		key: key,
		val: val,
	}
	leaf.flags.set(nodeIsLeaf)
	if sentinel {
		leaf.flags.set(nodeIsSentinel)
	}
	count := int64(0)
	if slow {
		count = leaf.weight()
	} else {
		leaf.fast.Store(leaf.weight())
	}
	leaf.parent.Store(parent)
	leaf.version.Store(&xVbstVersion[K, V]{
		node:  leaf,
		count: count,
	})
	return leaf
}

// copyXVbstLeaf takes over both parts of the cardinality of l.
func copyXVbstLeaf[K infra.OrderedKey, V any](l *xVbstNode[K, V], val V, parent *xVbstNode[K, V]) *xVbstNode[K, V] {
	leaf := &xVbstNode[K, V]{
		key: l.key,
		val: val,
	}
	leaf.flags.set(nodeIsLeaf)
	if l.isSentinel() {
		leaf.flags.set(nodeIsSentinel)
	}
	leaf.fast.Store(l.fast.Load())
	leaf.parent.Store(parent)
	leaf.version.Store(&xVbstVersion[K, V]{
		node:  leaf,
		count: l.version.Load().count,
	})
	return leaf
}

// newXVbstInternal builds the node with its first version. The children
// are not published yet, so both parts are the sums of the children.
func newXVbstInternal[K infra.OrderedKey, V any](
	key K,
	sentinel bool,
	left, right *xVbstNode[K, V],
	parent *xVbstNode[K, V],
) *xVbstNode[K, V] {
	node := &xVbstNode[K, V]{
		key: key,
	}
	if sentinel {
		node.flags.set(nodeIsSentinel)
	}
	node.left.Store(left)
	node.right.Store(right)
	node.parent.Store(parent)
	left.parent.Store(node)
	right.parent.Store(node)
	node.fast.Store(left.fast.Load() + right.fast.Load())
	vl, vr := left.version.Load(), right.version.Load()
	node.version.Store(&xVbstVersion[K, V]{
		node:  node,
		left:  vl,
		right: vr,
		count: vl.count + vr.count,
	})
	return node
}

type infoKind uint8

const (
	infoClean infoKind = iota
	infoInsertFlag
	infoDeleteFlag
	infoMarked
)

func (kind infoKind) String() string {
	switch kind {
	case infoClean:
		return "clean"
	case infoInsertFlag:
		return "iflag"
	case infoDeleteFlag:
		return "dflag"
	case infoMarked:
		return "mark"
	default:
	}
	return "unknown"
}

// xVbstInfo is the descriptor of a pending structural change.
//
//	InsertFlag: p, l, replacement
//	DeleteFlag: gp, p, l, pinfo
//	Marked:     dinfo
//
// The descriptors are compared by address, so every unflag installs
// a new clean one.
//
// A delete unlinks the slow part of a leaf from the children sums of
// the grandparent. The debt keeps it in the slow part of the node:
//
//	version.count = left.count + right.count + debt
//	fast          = left.fast + right.fast - debt
//
// The debt of a node is the one of its clean descriptor. The flags
// carry it to the next clean descriptor, nextDebt is the debt of the
// grandparent once the parent is spliced out.
type xVbstInfo[K infra.OrderedKey, V any] struct {
	kind        infoKind
	fast        bool // The change is done in fast mode.
	gp          *xVbstNode[K, V]
	p           *xVbstNode[K, V]
	l           *xVbstNode[K, V]
	replacement *xVbstNode[K, V]
	pinfo       *xVbstInfo[K, V]
	dinfo       *xVbstInfo[K, V]
	debt        int64
	nextDebt    int64
}

func (info *xVbstInfo[K, V]) isClean() bool {
	return info == nil || info.kind == infoClean
}

func (info *xVbstInfo[K, V]) loadDebt() int64 {
	if info == nil {
		return 0
	}
	return info.debt
}

// debtOf returns the debt of the node holding info, whose children were
// read as left and right while info was installed.
func (info *xVbstInfo[K, V]) debtOf(left, right *xVbstNode[K, V]) int64 {
	if info == nil {
		return 0
	}
	if info.kind == infoDeleteFlag && left != info.p && right != info.p {
		return info.nextDebt
	}
	return info.debt
}

func newCleanInfo[K infra.OrderedKey, V any](debt int64) *xVbstInfo[K, V] {
	return &xVbstInfo[K, V]{kind: infoClean, debt: debt}
}

// xVbstVersion is an immutable snapshot of a subtree cardinality.
type xVbstVersion[K infra.OrderedKey, V any] struct {
	node  *xVbstNode[K, V] // Immutable key and kind are read through it.
	left  *xVbstVersion[K, V]
	right *xVbstVersion[K, V]
	count int64
}

func (v *xVbstVersion[K, V]) isLeaf() bool {
	return v.left == nil
}

// resolve follows the forwarding chain to a version whose node has not
// been replaced in fast mode. It returns the number of hops as well.
func (v *xVbstVersion[K, V]) resolve() (*xVbstVersion[K, V], int64) {
	hops := int64(0)
	for {
		f := v.node.fwd.Load()
		if f == nil {
			return v, hops
		}
		v = f
		hops++
	}
}

// weigh combines the immutable count of the resolved version with the
// fast counter of its node.
func (v *xVbstVersion[K, V]) weigh() (int64, int64) {
	target, hops := v.resolve()
	return target.count + target.node.fast.Load(), hops
}
