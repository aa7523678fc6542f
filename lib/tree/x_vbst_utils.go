package tree

import (
	"fmt"

	"github.com/benz9527/xordmap/lib/infra"
)

// Validate must not run concurrently with updates or queries.
func (m *xVbst[K, V]) Validate() error {
	var (
		err    error
		leaves int64
	)
	err = infra.AppendErrorStack(err, m.validateLiveTree(&leaves))
	err = infra.AppendErrorStack(err, m.validateSnapshot())
	if n := m.root.combined(); n != leaves {
		err = infra.AppendErrorStack(err, infra.WrapErrorStackWithMessage(errVbstCountViolation,
			fmt.Sprintf("root cardinality %d, live leaves %d", n, leaves)))
	}
	return err
}

type xVbstBound[K infra.OrderedKey] struct {
	key K
	set bool
}

type xVbstValidateFrame[K infra.OrderedKey, V any] struct {
	node   *xVbstNode[K, V]
	lo, hi xVbstBound[K] // lo <= key < hi
}

// validateLiveTree checks that every internal node routes its subtrees
// correctly, holds no pending descriptor and splits its cardinality
// consistently with its children. The real leaves are counted in key
// order.
func (m *xVbst[K, V]) validateLiveTree(leaves *int64) error {
	var (
		err   error
		prev  xVbstBound[K]
		cmp   = infra.OrderedKeyComparator[K](infra.KeyComparator[K])
		stack = []xVbstValidateFrame[K, V]{{node: m.root}}
	)
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node := f.node

		if node.isLeaf() {
			if n := node.combined(); n != node.weight() {
				err = infra.AppendErrorStack(err, infra.WrapErrorStackWithMessage(errVbstCountViolation,
					fmt.Sprintf("leaf %v with cardinality %d", node.key, n)))
			}
			if node.isSentinel() {
				continue
			}
			if (f.lo.set && cmp(node.key, f.lo.key) < 0) || (f.hi.set && cmp(node.key, f.hi.key) >= 0) {
				err = infra.AppendErrorStack(err, infra.WrapErrorStackWithMessage(errVbstOrderViolation,
					fmt.Sprintf("leaf %v out of its routing range", node.key)))
			}
			if prev.set && cmp(node.key, prev.key) <= 0 {
				err = infra.AppendErrorStack(err, infra.WrapErrorStackWithMessage(errVbstOrderViolation,
					fmt.Sprintf("leaf %v after %v", node.key, prev.key)))
			}
			prev = xVbstBound[K]{key: node.key, set: true}
			*leaves++
			continue
		}

		info := node.info.Load()
		if !info.isClean() {
			err = infra.AppendErrorStack(err, infra.WrapErrorStackWithMessage(errVbstDescriptorLeft,
				fmt.Sprintf("node %v holds a %s descriptor", node.key, info.kind)))
		}
		left, right := node.left.Load(), node.right.Load()
		debt := info.loadDebt()
		if count, sum := node.version.Load().count, left.version.Load().count+right.version.Load().count; count != sum+debt {
			err = infra.AppendErrorStack(err, infra.WrapErrorStackWithMessage(errVbstCountViolation,
				fmt.Sprintf("node %v count %d != %d + debt %d", node.key, count, sum, debt)))
		}
		if fast, sum := node.fast.Load(), left.fast.Load()+right.fast.Load(); fast != sum-debt {
			err = infra.AppendErrorStack(err, infra.WrapErrorStackWithMessage(errVbstCountViolation,
				fmt.Sprintf("node %v fast %d != %d - debt %d", node.key, fast, sum, debt)))
		}
		if node.isSentinel() {
			if !right.isSentinel() {
				err = infra.AppendErrorStack(err, infra.WrapErrorStackWithMessage(errVbstOrderViolation,
					"sentinel node with a real right subtree"))
			}
			// Right pushed first, the left subtree is visited first.
			stack = append(stack, xVbstValidateFrame[K, V]{node: right, lo: f.lo, hi: f.hi})
			stack = append(stack, xVbstValidateFrame[K, V]{node: left, lo: f.lo, hi: f.hi})
			continue
		}
		bound := xVbstBound[K]{key: node.key, set: true}
		stack = append(stack, xVbstValidateFrame[K, V]{node: right, lo: bound, hi: f.hi})
		stack = append(stack, xVbstValidateFrame[K, V]{node: left, lo: f.lo, hi: bound})
	}
	return err
}

// validateSnapshot checks the cardinalities an aggregate query reads,
// through the forwarding links, from the root version.
func (m *xVbst[K, V]) validateSnapshot() error {
	var err error
	stack := []*xVbstVersion[K, V]{m.root.version.Load()}
	for len(stack) > 0 {
		v, _ := stack[len(stack)-1].resolve()
		stack = stack[:len(stack)-1]
		if v.isLeaf() {
			continue
		}
		n, _ := v.weigh()
		nl, _ := v.left.weigh()
		nr, _ := v.right.weigh()
		if n != nl+nr {
			err = infra.AppendErrorStack(err, infra.WrapErrorStackWithMessage(errVbstCountViolation,
				fmt.Sprintf("version %v weighs %d != %d + %d", v.node.key, n, nl, nr)))
		}
		stack = append(stack, v.left, v.right)
	}
	return err
}
