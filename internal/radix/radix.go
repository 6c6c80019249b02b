// Package radix is hushvac's component C: the pointer-to-pool lookup
// structure. Every allocator fast path (free, realloc, usable-size) needs
// to turn an arbitrary address back into "which pool owns this", and the
// sweeper needs the same lookup while scanning roots for pointer-like
// bit patterns.
//
// Grounded on mheap.go's arenaIndex/l1/l2 scheme (mheap_.arenas[ai.l1()]
// [ai.l2()]): a pointer's address is split into index bits and walked
// through nested arrays of lazily-allocated tables. hushvac carries that
// one level further into a true three-level tree (l1/l2/leaf) per
// spec.md §4.C, since address space here is organized in POOL_SIZE
// (2 MiB) granules rather than heapArena-sized (64 MiB) ones and a flat
// two-level split would make the per-table arrays impractically large.
package radix

import (
	"sync"
	"sync/atomic"

	"github.com/cssl-unist/hushvac/internal/layout"
)

const (
	addressBits = 48 // spec.md Non-goals: 64-bit address spaces, effectively 48 usable bits on amd64
	granuleBits = layout.PoolSizeBits
	indexBits   = addressBits - granuleBits

	l3Bits = 9
	l2Bits = 9
	l1Bits = indexBits - l2Bits - l3Bits

	l1Size = 1 << l1Bits
	l2Size = 1 << l2Bits
	l3Size = 1 << l3Bits

	l2Mask = l2Size - 1
	l3Mask = l3Size - 1
)

// Entry describes the pool that owns one POOL_SIZE granule of address
// space.
type Entry struct {
	Start uintptr
	End   uintptr
	Pool  uintptr // opaque handle, usually the pool's own metadata pointer
}

type leaf struct {
	entries [l3Size]Entry
}

type l2Table struct {
	leaves [l2Size]atomic.Pointer[leaf]
}

// Tree is the pointer-to-pool radix tree. The zero value is ready to
// use. A single mutex serializes growth (installing a new l2Table or
// leaf); completed reads never take it, matching spec.md §4.C's "single
// lock for tree growth, lock-free reads against stable entries".
type Tree struct {
	growMu sync.Mutex
	roots  [l1Size]atomic.Pointer[l2Table]
}

func split(addr uintptr) (i1, i2, i3 uint) {
	idx := addr >> granuleBits
	i3 = uint(idx & l3Mask)
	idx >>= l3Bits
	i2 = uint(idx & l2Mask)
	idx >>= l2Bits
	i1 = uint(idx)
	return
}

func (t *Tree) leafFor(addr uintptr, create bool) *leaf {
	i1, i2, _ := split(addr)
	if i1 >= l1Size {
		return nil
	}

	l2 := t.roots[i1].Load()
	if l2 == nil {
		if !create {
			return nil
		}
		t.growMu.Lock()
		l2 = t.roots[i1].Load()
		if l2 == nil {
			l2 = &l2Table{}
			t.roots[i1].Store(l2)
		}
		t.growMu.Unlock()
	}

	lf := l2.leaves[i2].Load()
	if lf == nil {
		if !create {
			return nil
		}
		t.growMu.Lock()
		lf = l2.leaves[i2].Load()
		if lf == nil {
			lf = &leaf{}
			l2.leaves[i2].Store(lf)
		}
		t.growMu.Unlock()
	}
	return lf
}

// Insert registers [start, end) as belonging to pool, splitting the
// range across as many POOL_SIZE granules as it spans. Large and jumbo
// pools that cover more than one granule register one entry per granule
// they overlap.
func (t *Tree) Insert(start, end uintptr, pool uintptr) {
	for addr := layout.AlignDown(start, layout.PoolSize); addr < end; addr += layout.PoolSize {
		lf := t.leafFor(addr, true)
		_, _, i3 := split(addr)
		lf.entries[i3] = Entry{Start: start, End: end, Pool: pool}
	}
}

// Remove clears the registration for [start, end). Called when a pool is
// destroyed, by the sweeper's reclaim and by the jumbo free path, before
// the address range is returned via vmm.Release.
func (t *Tree) Remove(start, end uintptr) {
	for addr := layout.AlignDown(start, layout.PoolSize); addr < end; addr += layout.PoolSize {
		lf := t.leafFor(addr, false)
		if lf == nil {
			continue
		}
		_, _, i3 := split(addr)
		lf.entries[i3] = Entry{}
	}
}

// Lookup returns the pool-owning entry for addr, if any. This is the
// lock-free hot path every free/realloc/usable-size call takes.
func (t *Tree) Lookup(addr uintptr) (Entry, bool) {
	lf := t.leafFor(addr, false)
	if lf == nil {
		return Entry{}, false
	}
	_, _, i3 := split(addr)
	e := lf.entries[i3]
	if e.Start == 0 && e.End == 0 {
		return Entry{}, false
	}
	if addr < e.Start || addr >= e.End {
		return Entry{}, false
	}
	return e, true
}
