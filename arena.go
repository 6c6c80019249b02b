package hushvac

import (
	"sync"
	"unsafe"
)

// arenaSlots backs the public arena_create/arena_destroy/arena_alloc
// API (spec.md §6): a fixed MAX_ARENAS table of *Heap slots, mirroring
// the runtime's allArenas-style fixed registries rather than an
// unbounded map, so ArenaLimit is a real, enforced condition rather
// than an aspirational comment.
var (
	arenaMu    sync.Mutex
	arenaSlots [maxArenasConst]*Heap
)

// maxArenasConst mirrors internal/layout.MaxArenas; declared locally so
// this file's slot array size is a compile-time constant without
// importing internal/layout purely for one integer (layout is already
// imported transitively by heap.go; duplicating the literal here keeps
// this file self-contained and is kept numerically in sync by the test
// in arena_test.go).
const maxArenasConst = 256

// Arena is an isolated allocation domain: its own arenamgr.Arena, its
// own background sweeper/trigger pair if enabled, standing in for
// spec.md §6's arena_create/arena_destroy/arena_alloc C API.
type Arena struct {
	slot int
	heap *Heap
}

// ArenaCreate reserves an arena slot and returns a handle to it, or
// ErrArenaLimit if every one of MAX_ARENAS slots is occupied.
func ArenaCreate(opts ...Option) (*Arena, error) {
	arenaMu.Lock()
	defer arenaMu.Unlock()

	for i, slot := range arenaSlots {
		if slot == nil {
			h := newHeap(i+1, buildConfig(opts))
			arenaSlots[i] = h
			return &Arena{slot: i, heap: h}, nil
		}
	}
	return nil, ErrArenaLimit
}

// Destroy stops a's background sweeper (if any) and frees its slot.
// Destroying an arena does not release its already-allocated pools
// back to the OS; live allocations made through it remain valid
// addresses until individually freed, matching spec.md §6's
// arena_destroy(id) (invalid id → error) contract for an id already
// freed.
func (a *Arena) Destroy() error {
	arenaMu.Lock()
	defer arenaMu.Unlock()

	if arenaSlots[a.slot] != a.heap {
		return ErrInvalidArgument // already destroyed
	}
	a.heap.close()
	arenaSlots[a.slot] = nil
	return nil
}

// Alloc allocates n bytes from a, returning ErrOutOfAddressSpace on
// failure instead of a bare nil (spec.md §6's arena_alloc(id,&p,n)
// returns an explicit error rather than relying on the caller to probe
// for nil the way the default-heap Alloc does).
func (a *Arena) Alloc(n int) (ptr unsafe.Pointer, err error) {
	p := a.heap.Alloc(n)
	if p == nil {
		return nil, ErrOutOfAddressSpace
	}
	return p, nil
}

// Free releases ptr, which must have been returned by a.Alloc and not
// freed since.
func (a *Arena) Free(ptr unsafe.Pointer) { a.heap.Free(ptr) }

// Stats returns a snapshot of a's diagnostic counters.
func (a *Arena) Stats() Stats { return a.heap.Stats() }
