package tree

import (
	"time"

	"github.com/benz9527/xordmap/lib/infra"
)

// RankNotFound is returned by Rank if the key is absent.
const RankNotFound int64 = -1

// OrderStatMap is a concurrent ordered map that supports linearizable
// aggregate queries (size, rank and select) besides the point operations.
// Lookups need no participant handle. Updates and aggregate queries are
// issued through a handle acquired by Register.
type OrderStatMap[K infra.OrderedKey, V any] interface {
	// Register acquires a participant slot.
	// It fails with ErrVbstCapacityExceeded if all slots are in use.
	Register() (OrderStatMapHandle[K, V], error)
	// Get and ContainsKey report a NaN key as absent, it is never
	// stored. Lookup tells the two cases apart.
	Get(key K) (V, bool)
	ContainsKey(key K) bool
	// Lookup fails with ErrVbstInvalidArgument if the key is NaN.
	Lookup(key K) (V, bool, error)
	// ApproxLen reads the cardinality of the live root. It is exact
	// only if no update is in flight, and not linearizable.
	ApproxLen() int64
	// StructuralLen walks the live tree. It is exact only if there is
	// no concurrent update.
	StructuralLen() int64
	Stats() OrderStatMapStats
	ProfilingStats() string
	// Validate checks the ordering and the snapshot counts of a
	// quiescent map. All violations are returned together.
	Validate() error
}

// OrderStatMapHandle is the capability of a registered participant.
// A handle must not be used by multiple goroutines at the same time.
type OrderStatMapHandle[K infra.OrderedKey, V any] interface {
	ID() int32
	// Put returns the replaced value if the key was present.
	Put(key K, val V) (V, bool, error)
	// PutIfAbsent never overwrites. It returns the existing value if
	// the key was present.
	PutIfAbsent(key K, val V) (V, bool, error)
	Remove(key K) (V, bool, error)
	Size() (int64, error)
	// Rank is 1-based, RankNotFound if the key is absent.
	Rank(key K) (int64, error)
	// Select is 1-based, false if k is out of range.
	Select(k int64) (K, bool, error)
	ContainsSnapshot(key K) (bool, error)
	// Close releases the slot, the handle is unusable afterwards.
	Close() error
}

type OrderStatMapStats struct {
	HandshakeCount   int64
	HandshakeLatency time.Duration // Cumulative.
	QueryCount       int64
	ForwardedNodes   int64 // Nodes unlinked by fast updates.
	ForwardHops      int64 // Forwarding links followed by queries.
	Participants     int32 // High-water mark of the registry.
}
