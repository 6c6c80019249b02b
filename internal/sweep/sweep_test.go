package sweep

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cssl-unist/hushvac/internal/arenamgr"
	"github.com/cssl-unist/hushvac/internal/layout"
	"github.com/cssl-unist/hushvac/internal/pagepool"
	"github.com/cssl-unist/hushvac/internal/tcache"
	"github.com/cssl-unist/hushvac/internal/vmm"
)

func TestReclaimArenaReclaimsUnmarkedPendingPool(t *testing.T) {
	a := arenamgr.New(0)
	arenamgr.Register(a)
	defer arenamgr.Unregister(a)

	p, err := a.CurrentSmallPool()
	require.NoError(t, err)
	a.EnqueuePendingFree(p)

	s := New(Config{}, nil)
	s.mark.Reset(vmm.LowAddr(), vmm.HighWater())

	s.reclaimArena(a)

	require.Empty(t, a.PendingFree())
	require.Empty(t, a.AllSmallPools())
	require.EqualValues(t, 1, a.Stats.PoolsReclaimed)
}

func TestReclaimArenaSkipsMarkedPool(t *testing.T) {
	a := arenamgr.New(0)
	arenamgr.Register(a)
	defer arenamgr.Unregister(a)

	p, err := a.CurrentSmallPool()
	require.NoError(t, err)
	a.EnqueuePendingFree(p)

	s := New(Config{}, nil)
	s.mark.Reset(vmm.LowAddr(), vmm.HighWater())
	s.mark.Mark(p.Start)

	s.reclaimArena(a)

	require.Len(t, a.PendingFree(), 1, "a pool with a surviving reference must not be reclaimed")
	require.EqualValues(t, 0, a.Stats.PoolsReclaimed)
}

func TestCertifyPageMarksProfitableFreeSlotReusable(t *testing.T) {
	a := arenamgr.New(0)
	var pm pagepool.PageMap
	pm.InitBitmap(4)
	pm.SetAllocSize(32)
	pm.NumEpochSinceLastFree = 1

	s := New(Config{}, nil)
	s.mark.Reset(0, 1<<20)

	s.certifyPage(a, &pm)

	require.True(t, pm.SafeTest(0), "an unreferenced free slot with a low profitability score must be certified")
	classIdx, ok := tcache.ClassFor(pm.AllocSize())
	require.True(t, ok)
	require.Same(t, &pm, a.PopReusePage(classIdx))
}

func TestCertifyPageSkipsLiveSlots(t *testing.T) {
	a := arenamgr.New(0)
	var pm pagepool.PageMap
	pm.InitBitmap(4)
	pm.SetAllocSize(32)
	pm.SetBit(0) // live allocation

	s := New(Config{}, nil)
	s.mark.Reset(0, 1<<20)

	s.certifyPage(a, &pm)

	require.False(t, pm.SafeTest(0), "a live slot must never be certified reusable")
}

func TestSweeperMaxScannerDefaultsFromLayout(t *testing.T) {
	s := New(Config{}, nil)
	require.Equal(t, layout.MaxScanner, s.maxScanner())

	s2 := New(Config{MaxScanner: 7}, nil)
	require.Equal(t, 7, s2.maxScanner())
}
