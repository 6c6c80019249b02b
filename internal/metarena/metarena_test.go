package metarena

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestAllocGeneralRoundsToBin(t *testing.T) {
	a := New()
	p, err := a.Alloc(10)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NotZero(t, uintptr(p))
}

func TestFreeThenAllocReusesBlock(t *testing.T) {
	a := New()
	p1, err := a.Alloc(48)
	require.NoError(t, err)
	a.Free(48, p1)

	p2, err := a.Alloc(48)
	require.NoError(t, err)
	require.Equal(t, p1, p2, "freed block should be reused before bumping further")
}

func TestAllocIsZeroed(t *testing.T) {
	a := New()
	p1, err := a.Alloc(32)
	require.NoError(t, err)
	b1 := unsafe.Slice((*byte)(p1), 32)
	for i := range b1 {
		b1[i] = 0xAB
	}
	a.Free(32, p1)

	p2, err := a.Alloc(32)
	require.NoError(t, err)
	require.Equal(t, p1, p2)
	b2 := unsafe.Slice((*byte)(p2), 32)
	for _, v := range b2 {
		require.Zero(t, v)
	}
}

func TestFixedClassEnforcesConsistentSize(t *testing.T) {
	a := New()
	_, err := a.AllocFixedSized(SmallPageMapClass, 256)
	require.NoError(t, err)

	_, err = a.AllocFixedSized(SmallPageMapClass, 512)
	require.Error(t, err)
}

func TestFixedClassFreelistReuse(t *testing.T) {
	a := New()
	p1, err := a.AllocFixedSized(LargeTrackingClass, 128)
	require.NoError(t, err)
	a.FreeFixed(LargeTrackingClass, p1)

	p2, err := a.AllocFixedSized(LargeTrackingClass, 128)
	require.NoError(t, err)
	require.Equal(t, p1, p2)
}

func TestAllocGrowsAcrossChunks(t *testing.T) {
	a := New()
	// Request enough 4KiB-class allocations to cross a PoolSize chunk
	// boundary and force a second vmm.Reserve.
	const n = 600
	seen := make(map[uintptr]bool, n)
	for i := 0; i < n; i++ {
		p, err := a.Alloc(4096)
		require.NoError(t, err)
		addr := uintptr(p)
		require.False(t, seen[addr], "bump allocator handed out the same address twice")
		seen[addr] = true
	}
}

func TestOversizeBypassesBins(t *testing.T) {
	a := New()
	p, err := a.Alloc(1 << 20)
	require.NoError(t, err)
	require.NotNil(t, p)
}
