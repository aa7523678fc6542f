package tree

import (
	"sync"

	"github.com/benz9527/xordmap/lib/infra"
)

const xVbstStackInitCap = 64

type xVbstPool[K infra.OrderedKey, V any] struct {
	stackPool *sync.Pool
}

func newXVbstPool[K infra.OrderedKey, V any]() *xVbstPool[K, V] {
	p := &xVbstPool[K, V]{
		stackPool: &sync.Pool{
			New: func() any {
				return make([]*xVbstNode[K, V], 0, xVbstStackInitCap)
			},
		},
	}
	return p
}

func (p *xVbstPool[K, V]) loadStack() []*xVbstNode[K, V] {
	return p.stackPool.Get().([]*xVbstNode[K, V])[:0]
}

func (p *xVbstPool[K, V]) releaseStack(stack []*xVbstNode[K, V]) {
	// Unlinked nodes must not be retained by the pool.
	stack = stack[:cap(stack)]
	clear(stack)
	p.stackPool.Put(stack[:0])
}
