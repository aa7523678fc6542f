package tree

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/panjf2000/ants/v2"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/benz9527/xordmap/lib/xlog"
)

func xVbstDisjointInsertRunCore(t *testing.T, tracking VbstReaderTracking) {
	_, _ = maxprocs.Set(maxprocs.Min(4), maxprocs.Logger(t.Logf))

	const (
		workers = 8
		perKeys = 500
	)
	m, err := NewXVbst[int, int](
		WithVbstReaderTracking(tracking),
		WithVbstMaxParticipants(workers+1),
	)
	require.NoError(t, err)

	pool, err := ants.NewPool(workers, ants.WithLogger(xlog.NewAntsXLogger(xlog.NewNopXLogger())))
	require.NoError(t, err)
	defer pool.Release()

	var (
		wg     sync.WaitGroup
		failed atomic.Int64
	)
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		base := w * perKeys
		err = pool.Submit(func() {
			defer wg.Done()
			h, err := m.Register()
			if err != nil {
				failed.Add(1)
				return
			}
			defer func() {
				_ = h.Close()
			}()
			for _, key := range lo.Shuffle(lo.Range(perKeys)) {
				if _, replaced, err := h.Put(base+key, base+key); err != nil || replaced {
					failed.Add(1)
				}
				if key%50 == 0 {
					if _, err := h.Size(); err != nil {
						failed.Add(1)
					}
				}
			}
		})
		require.NoError(t, err)
	}
	wg.Wait()
	require.Equal(t, int64(0), failed.Load())

	h, err := m.Register()
	require.NoError(t, err)
	defer func() {
		_ = h.Close()
	}()
	size, err := h.Size()
	require.NoError(t, err)
	require.Equal(t, int64(workers*perKeys), size)
	require.Equal(t, size, m.StructuralLen())

	for key := 0; key < workers*perKeys; key++ {
		v, ok := m.Get(key)
		require.True(t, ok)
		require.Equal(t, key, v)
	}
	for _, k := range []int64{1, 2, 777, int64(workers * perKeys)} {
		key, ok, err := h.Select(k)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, int(k-1), key)
		rank, err := h.Rank(key)
		require.NoError(t, err)
		require.Equal(t, k, rank)
	}
	require.NoError(t, m.Validate())
	t.Log(m.ProfilingStats())
}

func TestXVbst_ConcurrentDisjointInsert(t *testing.T) {
	for _, tracking := range xVbstReaderTrackings {
		t.Run(tracking.String(), func(tt *testing.T) {
			xVbstDisjointInsertRunCore(tt, tracking)
		})
	}
}

// Inserters and removers work on disjoint key ranges while the readers
// keep switching the map into the slow mode.
func xVbstMixedModeRunCore(t *testing.T, tracking VbstReaderTracking) {
	const (
		updaters = 4
		readers  = 3
		perKeys  = 400
	)
	m, err := NewXVbst[int, int](WithVbstReaderTracking(tracking))
	require.NoError(t, err)

	var (
		attempted atomic.Int64
		net       atomic.Int64
		done      atomic.Bool
	)
	g, _ := errgroup.WithContext(context.Background())
	for u := 0; u < updaters; u++ {
		base := u * perKeys
		g.Go(func() error {
			h, err := m.Register()
			if err != nil {
				return err
			}
			defer func() {
				_ = h.Close()
			}()
			for i := 0; i < perKeys; i++ {
				attempted.Add(1)
				_, replaced, err := h.Put(base+i, i)
				if err != nil {
					return err
				}
				if !replaced {
					net.Add(1)
				}
				if i%3 == 0 {
					_, ok, err := h.Remove(base + i)
					if err != nil {
						return err
					}
					if ok {
						net.Add(-1)
					}
				}
			}
			return nil
		})
	}

	var rg errgroup.Group
	for r := 0; r < readers; r++ {
		rg.Go(func() error {
			h, err := m.Register()
			if err != nil {
				return err
			}
			defer func() {
				_ = h.Close()
			}()
			for !done.Load() {
				size, err := h.Size()
				if err != nil {
					return err
				}
				if size < 0 || size > attempted.Load() {
					t.Errorf("size %d out of [0, %d]", size, attempted.Load())
				}
				if size > 0 {
					key, ok, err := h.Select(size)
					if err != nil {
						return err
					}
					// The map may have changed since the size query.
					if ok && (key < 0 || key >= updaters*perKeys) {
						t.Errorf("select %d returned %d", size, key)
					}
				}
			}
			return nil
		})
	}

	require.NoError(t, g.Wait())
	done.Store(true)
	require.NoError(t, rg.Wait())

	h, err := m.Register()
	require.NoError(t, err)
	defer func() {
		_ = h.Close()
	}()
	size, err := h.Size()
	require.NoError(t, err)
	require.Equal(t, net.Load(), size)
	require.Equal(t, size, m.StructuralLen())
	require.Equal(t, size, m.ApproxLen())
	require.NoError(t, m.Validate())
	t.Log(m.ProfilingStats())
}

func TestXVbst_MixedMode(t *testing.T) {
	for _, tracking := range xVbstReaderTrackings {
		t.Run(tracking.String(), func(tt *testing.T) {
			xVbstMixedModeRunCore(tt, tracking)
		})
	}
}

// Every size reading must lie between the inserts completed before the
// query started and the inserts started before it returned.
func xVbstTransitionWindowRunCore(t *testing.T, tracking VbstReaderTracking) {
	const (
		updaters = 4
		bursts   = 20
		burst    = 25
	)
	m, err := NewXVbst[int, struct{}](WithVbstReaderTracking(tracking))
	require.NoError(t, err)

	var (
		started   atomic.Int64
		completed atomic.Int64
		wg        sync.WaitGroup
	)
	wg.Add(updaters + 1)
	for u := 0; u < updaters; u++ {
		base := u * bursts * burst
		go func() {
			defer wg.Done()
			h, err := m.Register()
			if err != nil {
				t.Error(err)
				return
			}
			defer func() {
				_ = h.Close()
			}()
			for i := 0; i < bursts*burst; i++ {
				started.Add(1)
				if _, _, err := h.Put(base+i, struct{}{}); err != nil {
					t.Error(err)
					return
				}
				completed.Add(1)
			}
		}()
	}
	go func() {
		defer wg.Done()
		h, err := m.Register()
		if err != nil {
			t.Error(err)
			return
		}
		defer func() {
			_ = h.Close()
		}()
		for i := 0; i < bursts*burst; i++ {
			low := completed.Load()
			size, err := h.Size()
			high := started.Load()
			if err != nil {
				t.Error(err)
				return
			}
			if size < low || size > high {
				t.Errorf("size %d out of window [%d, %d]", size, low, high)
			}
		}
	}()
	wg.Wait()

	h, err := m.Register()
	require.NoError(t, err)
	defer func() {
		_ = h.Close()
	}()
	size, err := h.Size()
	require.NoError(t, err)
	require.Equal(t, int64(updaters*bursts*burst), size)
	require.NoError(t, m.Validate())
}

func TestXVbst_TransitionWindow(t *testing.T) {
	for _, tracking := range xVbstReaderTrackings {
		t.Run(tracking.String(), func(tt *testing.T) {
			xVbstTransitionWindowRunCore(tt, tracking)
		})
	}
}

// Many readers overlapping each other share the handshakes.
func TestXVbst_OverlappingQueries(t *testing.T) {
	for _, tracking := range xVbstReaderTrackings {
		t.Run(tracking.String(), func(tt *testing.T) {
			m, h := newTestXVbst[int, int](tt, WithVbstReaderTracking(tracking))
			for i := 0; i < 100; i++ {
				_, _, err := h.Put(i, i)
				require.NoError(tt, err)
			}

			const readers = 8
			var g errgroup.Group
			for r := 0; r < readers; r++ {
				g.Go(func() error {
					rh, err := m.Register()
					if err != nil {
						return err
					}
					defer func() {
						_ = rh.Close()
					}()
					for i := 0; i < 200; i++ {
						size, err := rh.Size()
						if err != nil {
							return err
						}
						if size != 100 {
							tt.Errorf("size %d", size)
						}
					}
					return nil
				})
			}
			require.NoError(tt, g.Wait())
			stats := m.Stats()
			require.Equal(tt, int64(readers*200), stats.QueryCount)
			require.LessOrEqual(tt, stats.HandshakeCount, stats.QueryCount)
			require.Equal(tt, uint64(phaseFast), m.loadPhase()%phaseModulus)
		})
	}
}

// A key observed by a lookup, or inserted by a completed update, must be
// visible to every aggregate query that starts afterwards. The churn
// writers keep unlinking nodes in fast mode next to the observed keys.
func xVbstLookupThenRankRunCore(t *testing.T, tracking VbstReaderTracking) {
	const (
		churners = 3
		readers  = 3
		seqKeys  = 2000
		churnOff = 1 << 20
	)
	m, err := NewXVbst[int, int](WithVbstReaderTracking(tracking))
	require.NoError(t, err)

	var (
		completed atomic.Int64
		done      atomic.Bool
		wg        sync.WaitGroup
	)
	g, _ := errgroup.WithContext(context.Background())
	g.Go(func() error {
		h, err := m.Register()
		if err != nil {
			return err
		}
		defer func() {
			_ = h.Close()
		}()
		for key := 0; key < seqKeys; key++ {
			if _, _, err := h.Put(key, key); err != nil {
				return err
			}
			completed.Store(int64(key + 1))
		}
		return nil
	})
	for c := 0; c < churners; c++ {
		base := churnOff * (c + 1)
		g.Go(func() error {
			h, err := m.Register()
			if err != nil {
				return err
			}
			defer func() {
				_ = h.Close()
			}()
			for i := 0; i < seqKeys; i++ {
				key := base + i%64
				if _, _, err := h.Put(key, i); err != nil {
					return err
				}
				if _, _, err := h.Remove(base + (i+32)%64); err != nil {
					return err
				}
			}
			return nil
		})
	}

	wg.Add(readers)
	for r := 0; r < readers; r++ {
		go func() {
			defer wg.Done()
			h, err := m.Register()
			if err != nil {
				t.Error(err)
				return
			}
			defer func() {
				_ = h.Close()
			}()
			for !done.Load() {
				c := completed.Load()
				if c > 0 {
					ok, err := h.ContainsSnapshot(int(c - 1))
					if err != nil {
						t.Error(err)
						return
					}
					if !ok {
						t.Errorf("completed key %d missing from the snapshot", c-1)
					}
				}
				key := rand.Intn(seqKeys)
				if _, ok := m.Get(key); !ok {
					continue
				}
				rank, err := h.Rank(key)
				if err != nil {
					t.Error(err)
					return
				}
				if rank == RankNotFound {
					t.Errorf("key %d seen by get but not ranked", key)
				}
			}
		}()
	}

	require.NoError(t, g.Wait())
	done.Store(true)
	wg.Wait()

	h, err := m.Register()
	require.NoError(t, err)
	defer func() {
		_ = h.Close()
	}()
	for key := 0; key < seqKeys; key += 97 {
		rank, err := h.Rank(key)
		require.NoError(t, err)
		require.Equal(t, int64(key+1), rank)
	}
	size, err := h.Size()
	require.NoError(t, err)
	require.Equal(t, size, m.StructuralLen())
	require.Equal(t, size, m.ApproxLen())
	require.NoError(t, m.Validate())
	t.Log(m.ProfilingStats())
}

func TestXVbst_LookupThenRank(t *testing.T) {
	for _, tracking := range xVbstReaderTrackings {
		t.Run(tracking.String(), func(tt *testing.T) {
			xVbstLookupThenRankRunCore(tt, tracking)
		})
	}
}
