package largealloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cssl-unist/hushvac/internal/arenamgr"
	"github.com/cssl-unist/hushvac/internal/layout"
)

func TestIsLargeAndIsJumboPartitionSizeSpace(t *testing.T) {
	require.False(t, IsLarge(layout.HalfPage))
	require.True(t, IsLarge(layout.HalfPage+1))
	require.False(t, IsJumbo(layout.PoolSize-layout.HalfPage-1))
	require.True(t, IsJumbo(layout.PoolSize-layout.HalfPage))
}

func TestAllocLargeServesFromSamePoolUntilExhausted(t *testing.T) {
	a := arenamgr.New(0)
	size := uintptr(layout.HalfPage + 16)

	// PickLargeList rotates through the lists, so the first pass creates
	// one pool per list and the next allocation lands in an existing one.
	n := a.NumLargeLists()
	seen := make(map[uintptr]bool)
	for i := 0; i < n+1; i++ {
		ptr, err := AllocLarge(a, size)
		require.NoError(t, err)
		require.NotZero(t, ptr)
		require.False(t, seen[ptr])
		seen[ptr] = true
	}

	pools := a.AllActiveLargePools()
	require.Len(t, pools, n, "the allocation after a full pass over the lists should fit a pool already created")
}

func TestAllocLargeGrowsListWhenPoolFull(t *testing.T) {
	a := arenamgr.New(0)
	// Each allocation consumes most of a pool, forcing a second pool.
	big := uintptr(layout.PoolSize - layout.HalfPage - 1)

	_, err := AllocLarge(a, big)
	require.NoError(t, err)
	_, err = AllocLarge(a, big)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(a.AllActiveLargePools()), 2)
}

func TestAllocJumboRegistersOnJumboList(t *testing.T) {
	a := arenamgr.New(0)
	n := layout.PoolSize - layout.HalfPage

	ptr, err := AllocJumbo(a, n)
	require.NoError(t, err)
	require.NotZero(t, ptr)
	require.Len(t, a.JumboPools(), 1)
}

func TestReallocJumboFitsWithoutGrowing(t *testing.T) {
	a := arenamgr.New(0)
	n := layout.PoolSize - layout.HalfPage
	_, err := AllocJumbo(a, n)
	require.NoError(t, err)
	pool := a.JumboPools()[0]

	ptr, fits := ReallocJumbo(pool, n-16)
	require.True(t, fits)
	require.Equal(t, pool.Start, ptr)

	_, fits = ReallocJumbo(pool, n+layout.PoolSize)
	require.False(t, fits)
}

func TestReallocLargeGrowsTailAllocationInPlace(t *testing.T) {
	a := arenamgr.New(0)
	size := uintptr(layout.HalfPage + 16)
	_, err := AllocLarge(a, size)
	require.NoError(t, err)

	pool := a.AllActiveLargePools()[0]
	tailIdx := len(pool.Tracking()) - 2

	ptr, grew := ReallocLarge(pool, tailIdx, size+64)
	require.True(t, grew)
	require.Equal(t, pool.Start, ptr)
}

func TestAllocLargeAlignedHonoursStrongerAlignment(t *testing.T) {
	a := arenamgr.New(0)
	size := uintptr(layout.HalfPage + 16)
	const alignment = 256

	ptr, err := AllocLargeAligned(a, size, alignment)
	require.NoError(t, err)
	require.Zero(t, ptr%alignment)

	// A second aligned allocation must also be aligned and must not
	// overlap the first.
	ptr2, err := AllocLargeAligned(a, size, alignment)
	require.NoError(t, err)
	require.Zero(t, ptr2%alignment)
	require.GreaterOrEqual(t, ptr2, ptr+size)
}
