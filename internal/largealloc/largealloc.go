// Package largealloc is hushvac's component F: large and jumbo
// allocation. Sizes in [HalfPage+1, PoolSize-HalfPage) are served from a
// per-CPU (here, round-robin) list of large pools; sizes at or above
// PoolSize-HalfPage get a dedicated jumbo pool sized to what was
// requested, rounded up to a page.
//
// Grounded on mcentral's cacheSpan/uncacheSpan/grow cycle (mcentral.go):
// walk a list optimistically without the pool lock, re-check under
// lock, and fall back to growing the list with a freshly reserved pool
// when nothing fits.
package largealloc

import (
	"fmt"
	"unsafe"

	"github.com/cssl-unist/hushvac/internal/arenamgr"
	"github.com/cssl-unist/hushvac/internal/layout"
	"github.com/cssl-unist/hushvac/internal/pagepool"
)

// IsLarge reports whether a size belongs to the large-pool range
// (spec.md §4.F: "[HALF_PAGE+1, POOL_SIZE-HALF_PAGE)").
func IsLarge(n uintptr) bool {
	return n > layout.HalfPage && n < layout.PoolSize-layout.HalfPage
}

// IsJumbo reports whether a size belongs to the jumbo range
// ("sizes >= POOL_SIZE - HALF_PAGE").
func IsJumbo(n uintptr) bool {
	return n >= layout.PoolSize-layout.HalfPage
}

// AllocLarge serves a large allocation from arena's per-CPU list,
// growing the list with a fresh pool when no existing one has room.
func AllocLarge(a *arenamgr.Arena, size uintptr) (uintptr, error) {
	return AllocLargeAligned(a, size, layout.MinAlignment)
}

// AllocLargeAligned is AllocLarge generalized to a caller-supplied
// power-of-two alignment stronger than MinAlignment, wiring
// AlignedAlloc/PosixMemalign's over-MinAlignment case to spec.md §4.D's
// allocate(size, alignment) rather than over-allocating and shifting
// the returned pointer, which would break Free's "offset divides
// allocSize exactly" validation on a small-bin slot.
func AllocLargeAligned(a *arenamgr.Arena, size, alignment uintptr) (uintptr, error) {
	size = layout.AlignUp(size, layout.MinAlignment)
	listIdx := a.PickLargeList()
	list := a.LargeList(listIdx)

	if ptr, ok := tryFillFromList(list, size, alignment); ok {
		return ptr, nil
	}

	list.Lock()
	defer list.Unlock()
	// Re-check under the list lock: another goroutine may have grown
	// the list, or the tail pool may have gained room, while we were
	// walking lock-free above.
	if ptr, ok := tryFillLocked(list, size, alignment); ok {
		return ptr, nil
	}

	pool, err := pagepool.NewLarge(arenamgr.Meta)
	if err != nil {
		return 0, fmt.Errorf("largealloc: create large pool: %w", err)
	}
	arenamgr.Tree.Insert(pool.Start, pool.End, uintptr(unsafe.Pointer(pool)))
	demoted := list.Append(pool)
	if demoted != nil {
		demotePool(a, demoted)
	}

	pool.Lock()
	ptr, ok := pool.AllocateLarge(size, alignment)
	pool.Unlock()
	if !ok {
		return 0, fmt.Errorf("largealloc: freshly created pool cannot serve %d bytes at alignment %d", size, alignment)
	}
	return ptr, nil
}

// tryFillFromList is the lock-free pre-check pass: peek at every active
// pool's tail without taking its lock, per spec.md §4.F.
func tryFillFromList(list *arenamgr.LargeList, size, alignment uintptr) (uintptr, bool) {
	for _, pool := range list.Pools() {
		if fits(pool, size, alignment) {
			pool.Lock()
			ptr, ok := pool.AllocateLarge(size, alignment)
			pool.Unlock()
			if ok {
				return ptr, true
			}
		}
	}
	return 0, false
}

// tryFillLocked re-checks the list's tail pool while already holding the
// list lock, for the double-check before growing it; the other pools are
// not walked again.
func tryFillLocked(list *arenamgr.LargeList, size, alignment uintptr) (uintptr, bool) {
	if pool := list.Tail(); pool != nil {
		pool.Lock()
		ptr, ok := pool.AllocateLarge(size, alignment)
		pool.Unlock()
		if ok {
			return ptr, true
		}
	}
	return 0, false
}

func fits(pool *pagepool.Pool, size, alignment uintptr) bool {
	aligned := layout.AlignUp(pool.PeekEnd(), alignment)
	return aligned+size <= pool.End
}

// demotePool trims a pool's unallocated tail into a single free
// allocation. If the pool was already fully free (every real
// allocation had been freed before it reached the head of the active
// list and got evicted), the Trim reveals that and it is enqueued on
// the arena's pending-free queue the same way freeLarge does, so
// reclaimArena actually visits it instead of leaving it stranded on
// the inactive list forever.
func demotePool(a *arenamgr.Arena, pool *pagepool.Pool) {
	pool.Trim()
	if pool.Destroyed() {
		a.EnqueuePendingFree(pool)
	}
}

// AllocJumbo reserves a dedicated pool sized to exactly n bytes (rounded
// up to a page) and registers it on the arena's jumbo list.
func AllocJumbo(a *arenamgr.Arena, n uintptr) (uintptr, error) {
	pool, err := pagepool.NewJumbo(n)
	if err != nil {
		return 0, fmt.Errorf("largealloc: create jumbo pool: %w", err)
	}
	arenamgr.Tree.Insert(pool.Start, pool.End, uintptr(unsafe.Pointer(pool)))
	a.AppendJumbo(pool)
	return pool.Start, nil
}

// ReallocLarge implements spec.md §4.F's realloc contract for pointers
// owned by a large pool: grow in place when p is the tail allocation and
// the pool has room, otherwise the caller must allocate fresh, copy, and
// free the old pointer.
func ReallocLarge(pool *pagepool.Pool, idx int, newSize uintptr) (ptr uintptr, grewInPlace bool) {
	pool.Lock()
	defer pool.Unlock()

	tracking := pool.Tracking()
	if idx != len(tracking)-2 {
		return 0, false // not the tail allocation (last real entry, before the sentinel)
	}
	entry := tracking[idx]
	var start uintptr
	if idx == 0 {
		start = pool.Start
	} else {
		start = tracking[idx-1].End()
	}
	newEnd := start + newSize
	// The sentinel entry's End() is the pool's bump cursor, which moves
	// with the tail allocation; growth is bounded by the pool's End. A
	// trimmed pool's sentinel is marked free and its tail is not reused.
	sentinel := tracking[len(tracking)-1]
	if sentinel.Free() || newEnd > pool.End {
		return 0, false
	}
	pool.SetTrackingEntry(idx, pagepool.MakeLargeEntry(newEnd, entry.Free(), entry.Unmapped(), false))
	pool.SetTrackingEntry(len(tracking)-1, pagepool.MakeLargeEntry(newEnd, false, false, true))
	if newEnd > pool.EndInUse {
		pool.EndInUse = newEnd
	}
	return start, true
}

// ReallocJumbo implements spec.md §4.F's jumbo realloc contract: if the
// existing pool is already large enough, return its start unchanged;
// otherwise the caller must allocate fresh, copy, and free.
func ReallocJumbo(pool *pagepool.Pool, newSize uintptr) (ptr uintptr, fits bool) {
	if pool.End-pool.Start >= newSize {
		return pool.Start, true
	}
	return 0, false
}
