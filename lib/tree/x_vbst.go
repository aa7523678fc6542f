package tree

// References:
// Ellen, Fatourou, Ruppert, van Breugel. Non-blocking Binary Search Trees. PODC 2010.
// Brown, Ellen, Ruppert. A General Technique for Non-blocking Trees. PPoPP 2014.
//
// The live tree is leaf oriented. Every internal node routes the search,
// the key/value pairs are stored in the leaves only.
//
//	             root(∞)
//	            /       \
//	         n(∞)        ∞ (sentinel leaf, never replaced)
//	        /    \
//	     n(7)     ∞
//	    /    \
//	   3      7
//
// Every node also points to an immutable version. The version tree
// mirrors the live tree at some past instant and carries the subtree
// cardinalities, the aggregate queries navigate it only.

import (
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/benz9527/xordmap/lib/hrtime"
	"github.com/benz9527/xordmap/lib/infra"
	"github.com/benz9527/xordmap/lib/xlog"
)

var (
	ErrVbstInvalidArgument  = errors.New("[x-vbst] invalid argument")
	ErrVbstCapacityExceeded = errors.New("[x-vbst] participant capacity exceeded")
	ErrVbstHandleReleased   = errors.New("[x-vbst] handle has been released")
	ErrVbstInvalidOption    = errors.New("[x-vbst] invalid option")
	errVbstOrderViolation   = errors.New("[x-vbst] live tree order violation")
	errVbstCountViolation   = errors.New("[x-vbst] version count violation")
	errVbstDescriptorLeft   = errors.New("[x-vbst] descriptor left behind")
)

var _ OrderStatMap[uint8, struct{}] = (*xVbst[uint8, struct{}])(nil)

type xVbst[K infra.OrderedKey, V any] struct {
	root     *xVbstNode[K, V]
	registry *xVbstRegistry[K, V]
	pool     *xVbstPool[K, V]
	logger   xlog.XLogger
	clock    hrtime.Clock
	stats    *xVbstStats // nil if the instruments are disabled.
	backoff  VbstBackoff
	// The phase counter in the high bits and the active readers
	// count in the low bits.
	phase          atomic.Uint64
	handshakes     atomic.Int64
	handshakeNanos atomic.Int64
	queries        atomic.Int64
	forwardHops    atomic.Int64
	readerTracking VbstReaderTracking
	nillableVal    bool
}

func NewXVbst[K infra.OrderedKey, V any](opts ...XVbstOption) (OrderStatMap[K, V], error) {
	return newXVbst[K, V](opts...)
}

func newXVbst[K infra.OrderedKey, V any](opts ...XVbstOption) (*xVbst[K, V], error) {
	cfg := &xVbstOptions{}
	for _, o := range opts {
		if o == nil {
			continue
		}
		if err := o(cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()

	var (
		zeroK K
		zeroV V
	)
	root := newXVbstInternal[K, V](
		zeroK,
		true,
		newXVbstLeaf[K, V](zeroK, zeroV, true, true, nil),
		newXVbstLeaf[K, V](zeroK, zeroV, true, true, nil),
		nil,
	)
	m := &xVbst[K, V]{
		root:           root,
		registry:       newXVbstRegistry[K, V](cfg.maxParticipants),
		pool:           newXVbstPool[K, V](),
		logger:         cfg.logger,
		clock:          cfg.clock,
		backoff:        cfg.backoff,
		readerTracking: cfg.readerTracking,
		nillableVal:    isNillableType[V](),
	}
	if cfg.enableStats {
		m.stats = newXVbstStats(cfg.meterName, m.ApproxLen)
	}
	return m, nil
}

func isNillableType[V any]() bool {
	switch reflect.TypeOf((*V)(nil)).Elem().Kind() {
	case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice,
		reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return true
	default:
	}
	return false
}

func isNilValue(rv reflect.Value) bool {
	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return true
		}
		return isNilValue(rv.Elem())
	case reflect.Pointer, reflect.Map, reflect.Slice,
		reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return rv.IsNil()
	default:
	}
	return false
}

func (m *xVbst[K, V]) checkKey(key K) error {
	if infra.IsUnorderedKey[K](key) {
		return infra.WrapErrorStackWithMessage(ErrVbstInvalidArgument, "key is NaN")
	}
	return nil
}

func (m *xVbst[K, V]) checkKeyVal(key K, val V) error {
	if err := m.checkKey(key); err != nil {
		return err
	}
	if m.nillableVal && isNilValue(reflect.ValueOf(&val).Elem()) {
		return infra.WrapErrorStackWithMessage(ErrVbstInvalidArgument, "value is nil")
	}
	return nil
}

func (m *xVbst[K, V]) Register() (OrderStatMapHandle[K, V], error) {
	id, slot, ok := m.registry.acquire()
	if !ok {
		m.logger.Warn("participant registry is full",
			zap.Int32("capacity", m.registry.capacity()),
		)
		return nil, infra.WrapErrorStackWithMessage(ErrVbstCapacityExceeded, "register participant")
	}
	return &xVbstHandle[K, V]{
		m:    m,
		slot: slot,
		id:   id,
		gen:  slot.gen.Load(),
	}, nil
}

func (m *xVbst[K, V]) Get(key K) (V, bool) {
	if m.checkKey(key) != nil {
		var zero V
		return zero, false
	}
	_, l := m.lookup(key)
	if !l.holds(key) {
		var zero V
		return zero, false
	}
	return l.val, true
}

// Lookup is Get with the NaN key reported as an error.
func (m *xVbst[K, V]) Lookup(key K) (V, bool, error) {
	var zero V
	if err := m.checkKey(key); err != nil {
		return zero, false, err
	}
	_, l := m.lookup(key)
	if !l.holds(key) {
		return zero, false, nil
	}
	return l.val, true, nil
}

func (m *xVbst[K, V]) ContainsKey(key K) bool {
	if m.checkKey(key) != nil {
		return false
	}
	_, l := m.lookup(key)
	return l.holds(key)
}

func (m *xVbst[K, V]) ApproxLen() int64 {
	return m.root.combined()
}

func (m *xVbst[K, V]) StructuralLen() int64 {
	stack := m.pool.loadStack()
	defer func() {
		m.pool.releaseStack(stack)
	}()

	n := int64(0)
	stack = append(stack, m.root)
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node.isLeaf() {
			n += node.weight()
			continue
		}
		stack = append(stack, node.left.Load(), node.right.Load())
	}
	return n
}

func (m *xVbst[K, V]) Stats() OrderStatMapStats {
	return OrderStatMapStats{
		HandshakeCount:   m.handshakes.Load(),
		HandshakeLatency: time.Duration(m.handshakeNanos.Load()),
		QueryCount:       m.queries.Load(),
		ForwardedNodes:   m.registry.sumForwards(),
		ForwardHops:      m.forwardHops.Load(),
		Participants:     m.registry.highWaterMark(),
	}
}

func (m *xVbst[K, V]) ProfilingStats() string {
	stats := m.Stats()
	avgHandshakeUs, handshakesPerQuery := 0.0, 0.0
	if stats.HandshakeCount > 0 {
		avgHandshakeUs = float64(stats.HandshakeLatency.Nanoseconds()) / float64(stats.HandshakeCount) / 1e3
	}
	if stats.QueryCount > 0 {
		handshakesPerQuery = float64(stats.HandshakeCount) / float64(stats.QueryCount)
	}
	return fmt.Sprintf("profiling: %d queries, %d handshakes (%.2f per query), avg handshake time: %.2f us, %d forwarded nodes, %d forward hops",
		stats.QueryCount, stats.HandshakeCount, handshakesPerQuery, avgHandshakeUs, stats.ForwardedNodes, stats.ForwardHops)
}
