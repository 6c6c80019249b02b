package arenamgr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cssl-unist/hushvac/internal/layout"
	"github.com/cssl-unist/hushvac/internal/pagepool"
)

func TestNewArenaRegistryRoundTrip(t *testing.T) {
	a := New(99)
	Register(a)
	defer Unregister(a)

	found := false
	for _, b := range All() {
		if b == a {
			found = true
		}
	}
	require.True(t, found)

	Unregister(a)
	for _, b := range All() {
		require.NotEqual(t, a, b)
	}
}

func TestCurrentSmallPoolCreatesOnFirstUse(t *testing.T) {
	a := New(0)
	p1, err := a.CurrentSmallPool()
	require.NoError(t, err)
	require.NotNil(t, p1)

	p2, err := a.CurrentSmallPool()
	require.NoError(t, err)
	require.Same(t, p1, p2, "repeated calls must return the same pool until retired")
	require.Len(t, a.AllSmallPools(), 1)
}

func TestRetireSmallPoolReplacesOnlyIfStillCurrent(t *testing.T) {
	a := New(0)
	p1, err := a.CurrentSmallPool()
	require.NoError(t, err)

	p2, err := a.RetireSmallPool(p1)
	require.NoError(t, err)
	require.NotSame(t, p1, p2)
	require.Len(t, a.AllSmallPools(), 2, "the retired pool must still be tracked for the sweeper")

	// Racing retire against an already-stale handle returns the current
	// pool instead of minting a third one.
	p3, err := a.RetireSmallPool(p1)
	require.NoError(t, err)
	require.Same(t, p2, p3)
	require.Len(t, a.AllSmallPools(), 2)
}

func TestRemoveSmallPoolDropsExactlyThatPool(t *testing.T) {
	a := New(0)
	p1, err := a.CurrentSmallPool()
	require.NoError(t, err)
	p2, err := a.RetireSmallPool(p1)
	require.NoError(t, err)

	a.RemoveSmallPool(p1)
	pools := a.AllSmallPools()
	require.Len(t, pools, 1)
	require.Same(t, p2, pools[0])
}

func TestReusePageQueueIsLIFOPerClass(t *testing.T) {
	a := New(0)
	var pm1, pm2 pagepool.PageMap
	a.PushReusePage(0, &pm1)
	a.PushReusePage(0, &pm2)

	require.Same(t, &pm2, a.PopReusePage(0))
	require.Same(t, &pm1, a.PopReusePage(0))
	require.Nil(t, a.PopReusePage(0))
}

func TestPickLargeListCyclesThroughAllLists(t *testing.T) {
	a := New(0)
	n := a.NumLargeLists()
	seen := make(map[int]bool)
	for i := 0; i < n; i++ {
		seen[a.PickLargeList()] = true
	}
	require.Len(t, seen, n, "round-robin must eventually visit every list")
}

func TestLargeListAppendDemotesOverflow(t *testing.T) {
	a := New(0)
	l := a.LargeList(0)

	var demotedCount int
	for i := 0; i < 100; i++ {
		p := &pagepool.Pool{}
		l.Lock()
		if d := l.Append(p); d != nil {
			demotedCount++
		}
		l.Unlock()
	}
	require.Greater(t, demotedCount, 0, "exceeding MaxPoolsPerList must demote the oldest pool")
}

func TestPendingFreeQueueTracksAndRemoves(t *testing.T) {
	a := New(0)
	p := &pagepool.Pool{}
	a.EnqueuePendingFree(p)
	require.Len(t, a.PendingFree(), 1)

	a.RemovePendingFree(p)
	require.Empty(t, a.PendingFree())
}

func TestAllLargePoolsIncludesDemoted(t *testing.T) {
	a := New(0)
	l := a.LargeList(0)

	var demoted *pagepool.Pool
	for i := 0; i < layout.MaxPoolsPerList+1; i++ {
		p := &pagepool.Pool{}
		l.Lock()
		if d := l.Append(p); d != nil {
			demoted = d
		}
		l.Unlock()
	}
	require.NotNil(t, demoted, "test setup must actually trigger a demotion")

	all := a.AllLargePools()
	found := false
	for _, p := range all {
		if p == demoted {
			found = true
		}
	}
	require.True(t, found, "a demoted pool can still hold live allocations and must stay visible to root enumeration")

	active := a.AllActiveLargePools()
	for _, p := range active {
		require.NotEqual(t, demoted, p, "a demoted pool must not still be reported as active")
	}
}

func TestRemoveLargePoolDropsFromInactiveList(t *testing.T) {
	a := New(0)
	l := a.LargeList(0)

	var demoted *pagepool.Pool
	for i := 0; i < layout.MaxPoolsPerList+1; i++ {
		p := &pagepool.Pool{}
		l.Lock()
		if d := l.Append(p); d != nil {
			demoted = d
		}
		l.Unlock()
	}
	require.NotNil(t, demoted)

	a.RemoveLargePool(demoted)
	for _, p := range a.AllLargePools() {
		require.NotEqual(t, demoted, p)
	}
}

func TestJumboPoolsAppendAndRemove(t *testing.T) {
	a := New(0)
	p := &pagepool.Pool{}
	a.AppendJumbo(p)
	require.Len(t, a.JumboPools(), 1)
	require.EqualValues(t, 1, a.Stats.JumboPools)

	a.RemoveJumbo(p)
	require.Empty(t, a.JumboPools())
	require.EqualValues(t, 0, a.Stats.JumboPools)
}

func TestCheckOutCheckInThreadCacheReusesInstance(t *testing.T) {
	a := New(0)
	tc := a.CheckOutThreadCache()
	require.NotNil(t, tc)
	a.CheckInThreadCache(tc)

	tc2 := a.CheckOutThreadCache()
	require.Same(t, tc, tc2, "sync.Pool should hand back the same checked-in instance under no contention")
}
