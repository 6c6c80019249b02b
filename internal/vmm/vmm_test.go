package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReserveDisjointAddresses(t *testing.T) {
	const size = 1 << 16
	a, err := Reserve(size)
	require.NoError(t, err)
	b, err := Reserve(size)
	require.NoError(t, err)

	// Two live reservations must never overlap.
	require.False(t, a == b, "Reserve returned the same address twice while the first is still live")
	require.NoError(t, Release(a, size))
	require.NoError(t, Release(b, size))
}

func TestHighWaterMonotonic(t *testing.T) {
	before := HighWater()
	const size = 1 << 16
	addr, err := Reserve(size)
	require.NoError(t, err)
	defer Release(addr, size)

	after := HighWater()
	require.GreaterOrEqual(t, after, before+size, "high-water mark must advance by at least the reservation size")
}

func TestReserveAtReusesExactAddress(t *testing.T) {
	const size = 1 << 16
	addr, err := Reserve(size)
	require.NoError(t, err)
	require.NoError(t, Release(addr, size))

	// Only after Release may the exact same address be asked for again,
	// and only through ReserveAt.
	require.NoError(t, ReserveAt(addr, size))
	require.NoError(t, Release(addr, size))
}

func TestDecommitKeepsRangeReserved(t *testing.T) {
	const size = 1 << 16
	addr, err := Reserve(size)
	require.NoError(t, err)
	defer Release(addr, size)

	require.NoError(t, Decommit(addr, size))
	// A second Reserve of the same size must not land inside the
	// decommitted-but-still-reserved range.
	other, err := Reserve(size)
	require.NoError(t, err)
	defer Release(other, size)
	overlap := other >= addr && other < addr+size || addr >= other && addr < other+size
	require.False(t, overlap, "decommitted range was handed out again before Release")
}
