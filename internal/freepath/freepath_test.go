package freepath

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cssl-unist/hushvac/internal/arenamgr"
	"github.com/cssl-unist/hushvac/internal/largealloc"
	"github.com/cssl-unist/hushvac/internal/tcache"
)

func TestFreeRejectsUnknownPointer(t *testing.T) {
	a := arenamgr.New(0)
	err := Free(a, 0xdeadbeef, nil)
	require.ErrorIs(t, err, ErrBadPointer)
}

func TestFreeSmallRoundTripAndIdempotentFreeAborts(t *testing.T) {
	a := arenamgr.New(0)
	arenamgr.Register(a)
	defer arenamgr.Unregister(a)

	tc := a.CheckOutThreadCache()
	classIdx, ok := tcache.ClassFor(32)
	require.True(t, ok)
	ptr, err := tc.Alloc(a, classIdx, false, nil)
	require.NoError(t, err)
	a.CheckInThreadCache(tc)

	require.NoError(t, Free(a, ptr, nil))
	err = Free(a, ptr, nil)
	require.ErrorIs(t, err, ErrBadPointer, "freeing the same pointer twice must abort, never succeed silently")
}

func TestFreeLargeMarksEntryFreeAndRejectsDoubleFree(t *testing.T) {
	a := arenamgr.New(0)
	size := uintptr(4096)
	ptr, err := largealloc.AllocLarge(a, size)
	require.NoError(t, err)

	require.NoError(t, Free(a, ptr, nil))
	err = Free(a, ptr, nil)
	require.ErrorIs(t, err, ErrBadPointer)
}

func TestFreeJumboRemovesPoolFromArena(t *testing.T) {
	a := arenamgr.New(0)
	n := uintptr(1 << 22) // comfortably within the jumbo range
	ptr, err := largealloc.AllocJumbo(a, n)
	require.NoError(t, err)
	require.Len(t, a.JumboPools(), 1)

	require.NoError(t, Free(a, ptr, nil))
	require.Empty(t, a.JumboPools())

	_, err = Lookup(ptr)
	require.ErrorIs(t, err, ErrBadPointer, "a freed jumbo pointer must no longer resolve")
}
