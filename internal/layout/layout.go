// Package layout centralizes the size and tuning constants shared by every
// hushvac component. Grouping them here mirrors the way the runtime keeps
// pageShift/pageSize/heapArenaBytes next to each other near the top of
// malloc.go and mheap.go instead of scattering magic numbers per file.
package layout

const (
	// PageShift/PageSize match the minimum physical page size the sweeper's
	// present/soft-dirty bits are reported at (see mheap.go minPhysPageSize).
	PageShift = 12
	PageSize  = 1 << PageShift // 4 KiB

	// PoolSizeBits/PoolSize is spec.md §3's POOL_SIZE: the fixed length of
	// every small and large pool's virtual-address reservation.
	PoolSizeBits = 21
	PoolSize     = 1 << PoolSizeBits // 2 MiB

	// HalfPage is the large/jumbo split point from spec.md §4.F.
	HalfPage = PageSize / 2

	// MinAlignment is the alignment every returned pointer satisfies.
	MinAlignment = 16

	// BinInflection is the largest per-page slot count a small bin may
	// pack (spec.md §3 Bin: "1..BIN_INFLECTION slots").
	BinInflection = 64

	// PagesPerRefill is how many page-maps a thread cache bump-claims from
	// the arena's current small pool at once (spec.md §3 Thread cache).
	PagesPerRefill = 128

	// MinPagesToFree is the minimum contiguous run of freed large-pool
	// pages that triggers an eager decommit (spec.md §4.G).
	MinPagesToFree = 1

	// MaxArenas bounds the arena table (spec.md §6).
	MaxArenas = 256

	// MaxLargeLists is the per-arena cap on per-CPU large-pool lists.
	MaxLargeLists = 8

	// MaxPoolsPerList demotes the list head once exceeded (spec.md §4.F).
	MaxPoolsPerList = 16

	// GuardGapSize is appended past every high-water reservation so two
	// independently-reserved regions never become adjacent by accident
	// (spec.md §4.A).
	GuardGapSize = 64 << 10

	// FreeAddressStoreCapacity bounds the ring buffer of sweeper-certified
	// reusable small-pool addresses (spec.md §9, Open Question (a)).
	FreeAddressStoreCapacity = 131072

	// SubpageProfitabilityThreshold is the magic constant from spec.md
	// §4.I's reclaim phase: (maxAlloc/liveCount) * epochsSinceFree < 100.
	// Inherited unchanged; its derivation is not recorded (spec.md §9,
	// Open Question (b)).
	SubpageProfitabilityThreshold = 100

	// MaxScanner is the number of parallel sweeper scan workers.
	MaxScanner = 4

	// SweepSampleWindow is the trigger heuristic's moving-average sample
	// count (spec.md §6).
	SweepSampleWindow = 10
)

// AlignUp rounds n up to the nearest multiple of align, which must be a
// power of two. Ground truth: runtime's alignUp (malloc.go).
func AlignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// AlignDown rounds n down to the nearest multiple of align.
func AlignDown(n, align uintptr) uintptr {
	return n &^ (align - 1)
}

// DivRoundUp divides n by a rounding a up, ground truth: runtime's
// divRoundUp (malloc.go), used throughout size-class math.
func DivRoundUp(n, a uintptr) uintptr {
	return (n + a - 1) / a
}
