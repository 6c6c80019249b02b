package pagepool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cssl-unist/hushvac/internal/layout"
	"github.com/cssl-unist/hushvac/internal/vmm"
)

func TestSmallPoolBumpAdvancesAndBounds(t *testing.T) {
	p, err := NewSmall(nil)
	require.NoError(t, err)
	defer vmmRelease(t, p)

	base1, ok := p.Bump(1)
	require.True(t, ok)
	require.Equal(t, p.Start, base1)

	base2, ok := p.Bump(1)
	require.True(t, ok)
	require.Equal(t, base1+layout.PageSize, base2)

	totalPages := layout.PoolSize / layout.PageSize
	for i := 0; i < totalPages-2; i++ {
		_, ok := p.Bump(1)
		require.True(t, ok)
	}
	_, ok = p.Bump(1)
	require.False(t, ok, "bump must fail once the pool is exhausted")
}

func TestPageMapBitmapInlineRoundTrip(t *testing.T) {
	var pm PageMap
	pm.InitBitmap(32)
	require.False(t, pm.TestBit(5))
	pm.SetBit(5)
	require.True(t, pm.TestBit(5))
	empty := pm.ClearBit(5)
	require.True(t, empty)
	require.False(t, pm.TestBit(5))
}

func TestPageMapBitmapOverflowWords(t *testing.T) {
	var pm PageMap
	pm.InitBitmap(128)
	pm.SetBit(70)
	require.True(t, pm.TestBit(70))
	require.False(t, pm.TestBit(10))
	empty := pm.ClearBit(70)
	require.True(t, empty)
}

func TestPageMapStatusBits(t *testing.T) {
	var pm PageMap
	pm.SetAllocSize(256)
	require.Equal(t, uintptr(256), pm.AllocSize())
	pm.MarkFullyAllocated()
	require.True(t, pm.FullyAllocated())
	require.Equal(t, uintptr(256), pm.AllocSize(), "status bits must not corrupt allocSize")
	pm.MarkReadyToRelease()
	require.True(t, pm.ReadyToRelease())
	require.True(t, pm.FullyAllocated())
}

func TestLargePoolAllocateAppendsTrackingEntry(t *testing.T) {
	p, err := NewLarge(nil)
	require.NoError(t, err)
	defer vmmRelease(t, p)

	ptr1, ok := p.AllocateLarge(4096, 16)
	require.True(t, ok)
	require.Equal(t, p.Start, ptr1)

	ptr2, ok := p.AllocateLarge(8192, 16)
	require.True(t, ok)
	require.Equal(t, ptr1+4096, ptr2)

	require.Len(t, p.Tracking(), 3) // two allocations + trailing sentinel
}

func TestLargePoolSearchTracking(t *testing.T) {
	p, err := NewLarge(nil)
	require.NoError(t, err)
	defer vmmRelease(t, p)

	ptr1, ok := p.AllocateLarge(4096, 16)
	require.True(t, ok)
	end1 := ptr1 + 4096

	idx, found := p.SearchTracking(ptr1)
	require.True(t, found)
	require.Equal(t, end1, p.Tracking()[idx].End())
}

func TestLargePoolTrimRecordsTailAsFree(t *testing.T) {
	p, err := NewLarge(nil)
	require.NoError(t, err)
	defer vmmRelease(t, p)

	_, ok := p.AllocateLarge(4096, 16)
	require.True(t, ok)

	start, end, hasFreed := p.Trim()
	require.True(t, hasFreed)
	require.Equal(t, p.Start+4096, start)
	require.Equal(t, p.End, end)

	last := p.Tracking()[len(p.Tracking())-1]
	require.True(t, last.EndSentinel())
	require.True(t, last.Free())
}

func TestJumboPoolSizedToPage(t *testing.T) {
	p, err := NewJumbo(layout.PageSize + 1)
	require.NoError(t, err)
	defer vmmRelease(t, p)
	require.Equal(t, 2*uintptr(layout.PageSize), p.End-p.Start)
}

func vmmRelease(t *testing.T, p *Pool) {
	t.Helper()
	// best-effort cleanup; pools in these tests are never inserted into
	// the radix tree so a direct release is safe.
	_ = vmm.Release(p.Start, p.End-p.Start)
}
