// Package freepath is hushvac's component G: the free path and page
// release. Free looks an address up in the radix tree and dispatches on
// the owning pool's kind, validating the pointer against the pool's
// liveness metadata before ever touching it — a pointer that fails
// validation is a BadPointer (spec.md §7) and the caller must abort
// rather than silently ignore it, or the address-non-reuse invariant
// this whole module exists for would be unenforceable.
//
// Grounded on mspan.sweep's free-bit bookkeeping and mheap.freeSpan's
// page-release reasoning (mgcsweep.go, mheap.go): clear the liveness
// bit, and once a whole page/pool is provably empty, give its physical
// pages back to the OS.
package freepath

import (
	"fmt"
	"unsafe"

	"github.com/cssl-unist/hushvac/internal/arenamgr"
	"github.com/cssl-unist/hushvac/internal/layout"
	"github.com/cssl-unist/hushvac/internal/pagepool"
	"github.com/cssl-unist/hushvac/internal/radix"
	"github.com/cssl-unist/hushvac/internal/stw"
	"github.com/cssl-unist/hushvac/internal/vmm"
)

// ErrBadPointer is hushvac's BadPointer error kind (spec.md §7):
// "pointer passed to free/realloc not found in radix tree or not
// aligned to a valid allocation." Policy is abort, never a silent
// return, since that would violate address non-reuse.
var ErrBadPointer = fmt.Errorf("freepath: bad pointer")

// Lookup resolves ptr to its owning pool via the radix tree shared by
// every arena, or returns ErrBadPointer.
func Lookup(ptr uintptr) (*pagepool.Pool, error) {
	e, ok := arenamgr.Tree.Lookup(ptr)
	if !ok {
		return nil, ErrBadPointer
	}
	pool := (*pagepool.Pool)(poolFromEntry(e))
	if pool == nil {
		return nil, ErrBadPointer
	}
	return pool, nil
}

// Free validates and releases ptr, which must have been returned by a
// prior allocation from arena and not freed since. coord may be nil
// (no sweeper running); otherwise this is the free path's mandatory
// safepoint poll, matching tcache.Alloc's, so a sweeper STW phase
// never races a concurrent bit clear/tracking-entry mutation.
func Free(a *arenamgr.Arena, ptr uintptr, coord *stw.Coordinator) error {
	if coord != nil {
		coord.CheckSafepoint()
	}
	pool, err := Lookup(ptr)
	if err != nil {
		return err
	}
	switch pool.Kind {
	case pagepool.Small:
		return freeSmall(a, pool, ptr)
	case pagepool.Large:
		return freeLarge(a, pool, ptr)
	case pagepool.Jumbo:
		return freeJumbo(a, pool)
	default:
		return ErrBadPointer
	}
}

func freeSmall(a *arenamgr.Arena, pool *pagepool.Pool, ptr uintptr) error {
	if ptr < pool.Start || ptr >= pool.End {
		return ErrBadPointer
	}
	pageIdx := pool.PageIndex(ptr)
	pm := pool.PageMapByIndex(pageIdx)
	allocSize := pm.AllocSize()
	if allocSize == 0 {
		return ErrBadPointer
	}
	offset := ptr - pm.Start
	if offset%allocSize != 0 {
		return ErrBadPointer
	}
	slot := uint32(offset / allocSize)
	if slot >= pm.MaxAlloc || !pm.TestBit(slot) {
		return ErrBadPointer // double free or pointer into an unallocated slot
	}

	empty := pm.ClearBit(slot)
	if pm.FullyAllocated() && empty {
		pm.MarkReadyToRelease()
		releasePage(a, pool, pm)
	}
	return nil
}

// releasePage decommits a fully-freed page's physical backing and
// updates the owning pool's in-use range. If the pool's entire span is
// now freed, it is handed to the arena's pending-free queue for the
// sweeper to certify before its address range may ever be reused
// (spec.md §4.G "Destroy-pool").
func releasePage(a *arenamgr.Arena, pool *pagepool.Pool, pm *pagepool.PageMap) {
	if pm.ReturnedToOS() {
		return
	}
	if err := vmm.Decommit(pm.Start, layout.PageSize); err != nil {
		return // spec.md §7: decommit failures are skip-and-retry, never fatal to the mutator
	}
	pm.MarkReturnedToOS()

	pool.Lock()
	if pm.Start+layout.PageSize >= pool.EndInUse {
		pool.EndInUse = pm.Start
	}
	if pm.Start <= pool.StartInUse {
		pool.StartInUse = pm.Start + layout.PageSize
	}
	destroyed := pool.StartInUse >= pool.EndInUse
	pool.Unlock()

	if destroyed {
		a.EnqueuePendingFree(pool)
	}
}

// freeLarge marks a large-pool tracking entry free, decommits any
// contiguous free run that is now safe to release, and — mirroring
// releasePage's small-pool EnqueuePendingFree — hands the pool to the
// arena's pending-free queue once the whole pool (StartInUse >=
// EndInUse) is free, so reclaimArena actually gets a chance to return
// it to the OS instead of leaving it permanently live.
func freeLarge(a *arenamgr.Arena, pool *pagepool.Pool, ptr uintptr) error {
	idx, ok := pool.SearchTracking(ptr)
	if !ok {
		return ErrBadPointer
	}

	pool.Lock()

	tracking := pool.Tracking()
	entry := tracking[idx]
	if entry.Free() {
		pool.Unlock()
		return ErrBadPointer // idempotent free (spec.md §8): must abort, never succeed silently
	}
	tracking[idx] = pagepool.MakeLargeEntry(entry.End(), true, entry.Unmapped(), entry.EndSentinel())
	pool.SetTrackingEntry(idx, tracking[idx])

	first, last := contiguousFreeRun(tracking, idx)
	lo, hi, ok := unmapRange(tracking, first, last, pool)
	if ok {
		if err := vmm.Decommit(lo, hi-lo); err == nil {
			markUnmapped(pool, tracking, first, last)
		}
	}
	updateStartInUse(pool, tracking)
	destroyed := pool.StartInUse >= pool.EndInUse
	pool.Unlock()

	if destroyed {
		a.EnqueuePendingFree(pool)
	}
	return nil
}

// contiguousFreeRun walks outward from idx over neighbouring entries
// that are also marked free, returning the inclusive index range.
func contiguousFreeRun(tracking []pagepool.LargeEntry, idx int) (first, last int) {
	first, last = idx, idx
	for first > 0 && tracking[first-1].Free() {
		first--
	}
	for last < len(tracking)-1 && tracking[last+1].Free() && !tracking[last+1].EndSentinel() {
		last++
	}
	return first, last
}

// unmapRange computes the page-aligned sub-range of [first,last] that is
// safe to decommit: the run is shrunk inward to page boundaries and is
// not extended into neighbouring entries, even ones that are already
// unmapped. It reports ok=false if the resulting range is smaller
// than layout.MinPagesToFree pages and not an "island" between two
// already-released regions.
func unmapRange(tracking []pagepool.LargeEntry, first, last int, pool *pagepool.Pool) (lo, hi uintptr, ok bool) {
	var runStart uintptr
	if first == 0 {
		runStart = pool.Start
	} else {
		runStart = tracking[first-1].End()
	}
	runEnd := tracking[last].End()

	lo = layout.AlignUp(runStart, layout.PageSize)
	hi = layout.AlignDown(runEnd, layout.PageSize)
	if hi <= lo {
		return 0, 0, false
	}

	leftIsland := first > 0 && tracking[first-1].Unmapped()
	rightIsland := last < len(tracking)-1 && tracking[last+1].Unmapped()
	island := leftIsland && rightIsland

	pages := (hi - lo) / layout.PageSize
	if pages < layout.MinPagesToFree && !island {
		return 0, 0, false
	}
	return lo, hi, true
}

func markUnmapped(pool *pagepool.Pool, tracking []pagepool.LargeEntry, first, last int) {
	for i := first; i <= last; i++ {
		e := tracking[i]
		tracking[i] = pagepool.MakeLargeEntry(e.End(), e.Free(), true, e.EndSentinel())
		pool.SetTrackingEntry(i, tracking[i])
	}
}

func updateStartInUse(pool *pagepool.Pool, tracking []pagepool.LargeEntry) {
	start := pool.Start
	for i := 0; i < len(tracking); i++ {
		if tracking[i].Free() {
			start = tracking[i].End()
			continue
		}
		break
	}
	pool.StartInUse = start
}

func freeJumbo(a *arenamgr.Arena, pool *pagepool.Pool) error {
	arenamgr.Tree.Remove(pool.Start, pool.End)
	a.RemoveJumbo(pool)
	return vmm.Release(pool.Start, pool.End-pool.Start)
}

// poolFromEntry converts a radix.Entry's opaque handle back into a pool
// pointer. Defined here (rather than in package radix, which must stay
// free of a pagepool import to avoid a dependency cycle: pagepool's own
// tests do not need radix, but radix.Entry is generic by design) via an
// unsafe pointer round-trip identical to the one every creation site
// used to install it.
func poolFromEntry(e radix.Entry) unsafe.Pointer {
	return unsafe.Pointer(e.Pool)
}
