// Package arenamgr is hushvac's component H: arena lifecycle. An Arena
// owns one small-pool slot, one large-pool list per (simulated) CPU, a
// jumbo-pool list, and the per-arena pending-free queue and sub-page
// reuse lists the sweeper (component I) populates and the thread cache
// (component E) drains.
//
// Grounded on mheap's pool-list ownership (h.free, h.allspans,
// h.central[...].mcentral) and each P's exclusive mcache (mheap.go,
// mcache.go): one mheap-equivalent structure per arena, generalizing the
// runtime's single implicit arena into spec.md §6's explicit
// arena_create/arena_destroy/arena_alloc API.
package arenamgr

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cssl-unist/hushvac/internal/layout"
	"github.com/cssl-unist/hushvac/internal/metarena"
	"github.com/cssl-unist/hushvac/internal/pagepool"
	"github.com/cssl-unist/hushvac/internal/radix"
	"github.com/cssl-unist/hushvac/internal/tcache"
)

// Tree and Meta are process-wide singletons shared by every arena,
// mirroring mheap_'s single radix-style arena map and single fixalloc
// instances (spec.md §9 "Global state": "the radix tree, the metadata
// arena ... all live at process scope").
var (
	Tree = &radix.Tree{}
	Meta = metarena.New()
)

// Stats is the diagnostic snapshot spec.md calls out-of-scope as an
// external profiling *service* but which the allocator and sweeper need
// to track internally regardless (SPEC_FULL.md §3 EXPANDED).
type Stats struct {
	SmallPools     int64
	LargePools     int64
	JumboPools     int64
	BytesReserved  int64
	SweepCycles    int64
	PoolsReclaimed int64
	PagesReclaimed int64
}

// LargeList is one per-(simulated)CPU list of active large pools, plus
// the inactive list pools are demoted to once MaxPoolsPerList is
// exceeded (spec.md §4.F).
type LargeList struct {
	mu       sync.Mutex
	pools    []*pagepool.Pool
	inactive []*pagepool.Pool
}

// Pools returns a snapshot of the active pool list. Callers needing to
// mutate must go through the exported list-lock methods below.
func (l *LargeList) Pools() []*pagepool.Pool {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*pagepool.Pool, len(l.pools))
	copy(out, l.pools)
	return out
}

func (l *LargeList) Lock()   { l.mu.Lock() }
func (l *LargeList) Unlock() { l.mu.Unlock() }

// Inactive returns a snapshot of the demoted pool list: still-live
// large pools that fell off the round-robin active list once
// MaxPoolsPerList was exceeded, but that may still hold allocations
// the scanner and reclaimer both need to see.
func (l *LargeList) Inactive() []*pagepool.Pool {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*pagepool.Pool, len(l.inactive))
	copy(out, l.inactive)
	return out
}

// remove drops p from either the active or inactive list, whichever
// holds it, reporting whether it was found at all.
func (l *LargeList) remove(p *pagepool.Pool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, q := range l.pools {
		if q == p {
			l.pools = append(l.pools[:i], l.pools[i+1:]...)
			return true
		}
	}
	for i, q := range l.inactive {
		if q == p {
			l.inactive = append(l.inactive[:i], l.inactive[i+1:]...)
			return true
		}
	}
	return false
}

// Tail returns the current last pool on the active list without
// locking; callers must already hold the list lock or accept a racy
// read for a pre-check (spec.md §4.F "without holding the pool lock").
func (l *LargeList) Tail() *pagepool.Pool {
	if len(l.pools) == 0 {
		return nil
	}
	return l.pools[len(l.pools)-1]
}

// Append adds a newly created pool to the tail of the active list,
// demoting the head to the inactive list if MaxPoolsPerList is now
// exceeded. Caller must hold the list lock. Returns the demoted pool,
// if any, so the caller can Trim() and free its tail outside the lock.
func (l *LargeList) Append(p *pagepool.Pool) (demoted *pagepool.Pool) {
	l.pools = append(l.pools, p)
	if len(l.pools) > layout.MaxPoolsPerList {
		demoted, l.pools = l.pools[0], l.pools[1:]
		l.inactive = append(l.inactive, demoted)
	}
	return demoted
}

// reuseBucket is one arena's queue of sub-page-reuse candidates for a
// single size class, populated by the sweeper's reclaim phase and
// drained by the thread cache (spec.md §4.I reclaim phase / §4.E reuse
// path).
type reuseBucket struct {
	mu   sync.Mutex
	list []*pagepool.PageMap
}

// Arena is one logical allocation domain: the default process-wide
// arena, or one created via ArenaCreate (spec.md §6).
type Arena struct {
	id int

	smallMu      sync.Mutex
	currentSmall *pagepool.Pool
	smallPools   []*pagepool.Pool // every small pool ever created, including retired ones still holding live objects

	largeLists   [layout.MaxLargeLists]LargeList
	largeCounter uint64 // round-robin stand-in for "current CPU" (see note below)

	jumboMu    sync.Mutex
	jumboPools []*pagepool.Pool

	pendingMu   sync.Mutex
	pendingFree []*pagepool.Pool // small or large pools fully freed by the mutator, awaiting sweeper certification

	reuse []reuseBucket

	tcPool sync.Pool // *tcache.ThreadCache

	Stats Stats
}

// New constructs an arena with id (the slot index in the arena table).
func New(id int) *Arena {
	a := &Arena{id: id, reuse: make([]reuseBucket, tcache.NumClasses())}
	a.tcPool.New = func() any { return tcache.New() }
	return a
}

// registry tracks every live arena so the sweeper can enumerate roots
// and reclaim candidates across all of them, mirroring how a single
// mheap_ implicitly covers the whole process in the teacher; hushvac
// generalizes that into an explicit arena table (spec.md §6) but the
// sweeper still needs to see every arena at once.
var registry struct {
	mu     sync.Mutex
	arenas []*Arena
}

// Register adds a to the process-wide registry the sweeper walks.
func Register(a *Arena) {
	registry.mu.Lock()
	registry.arenas = append(registry.arenas, a)
	registry.mu.Unlock()
}

// Unregister removes a from the registry (spec.md §6 arena_destroy).
func Unregister(a *Arena) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	for i, b := range registry.arenas {
		if b == a {
			registry.arenas = append(registry.arenas[:i], registry.arenas[i+1:]...)
			return
		}
	}
}

// All returns a snapshot of every registered arena.
func All() []*Arena {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	out := make([]*Arena, len(registry.arenas))
	copy(out, registry.arenas)
	return out
}

// ID returns the arena's slot index.
func (a *Arena) ID() int { return a.id }

// CheckOutThreadCache retrieves a ThreadCache for the duration of one
// allocation or free call, substituting for the TLS key spec.md §3
// describes (see the package doc and internal/tcache's doc for why:
// Go exposes no user-installable per-OS-thread storage).
func (a *Arena) CheckOutThreadCache() *tcache.ThreadCache {
	return a.tcPool.Get().(*tcache.ThreadCache)
}

// CheckInThreadCache returns a ThreadCache obtained from CheckOutThreadCache.
func (a *Arena) CheckInThreadCache(tc *tcache.ThreadCache) {
	a.tcPool.Put(tc)
}

// CurrentSmallPool returns the arena's active small pool, creating one
// on first use (tcache.PoolSource).
func (a *Arena) CurrentSmallPool() (*pagepool.Pool, error) {
	a.smallMu.Lock()
	defer a.smallMu.Unlock()
	if a.currentSmall != nil {
		return a.currentSmall, nil
	}
	p, err := a.newSmallLocked()
	return p, err
}

// RetireSmallPool replaces old with a freshly created small pool, unless
// another caller already raced ahead and retired it (tcache.PoolSource).
func (a *Arena) RetireSmallPool(old *pagepool.Pool) (*pagepool.Pool, error) {
	a.smallMu.Lock()
	defer a.smallMu.Unlock()
	if a.currentSmall != old {
		return a.currentSmall, nil
	}
	return a.newSmallLocked()
}

func (a *Arena) newSmallLocked() (*pagepool.Pool, error) {
	p, err := pagepool.NewSmall(Meta)
	if err != nil {
		return nil, fmt.Errorf("arenamgr: create small pool: %w", err)
	}
	Tree.Insert(p.Start, p.End, uintptr(unsafe.Pointer(p)))
	a.currentSmall = p
	a.smallPools = append(a.smallPools, p)
	atomic.AddInt64(&a.Stats.SmallPools, 1)
	atomic.AddInt64(&a.Stats.BytesReserved, int64(layout.PoolSize))
	return p, nil
}

// AllSmallPools returns a snapshot of every small pool the arena has
// ever created that has not yet been reclaimed, for the sweeper's root
// enumeration and sub-page reclaim scan.
func (a *Arena) AllSmallPools() []*pagepool.Pool {
	a.smallMu.Lock()
	defer a.smallMu.Unlock()
	out := make([]*pagepool.Pool, len(a.smallPools))
	copy(out, a.smallPools)
	return out
}

// RemoveSmallPool drops p from the arena's small-pool list once the
// sweeper has fully reclaimed it (radix.Remove + vmm.Release already
// done by the caller).
func (a *Arena) RemoveSmallPool(p *pagepool.Pool) {
	a.smallMu.Lock()
	defer a.smallMu.Unlock()
	for i, q := range a.smallPools {
		if q == p {
			a.smallPools = append(a.smallPools[:i], a.smallPools[i+1:]...)
			atomic.AddInt64(&a.Stats.SmallPools, -1)
			return
		}
	}
}

// PopReusePage dequeues one sub-page-reuse candidate for classIdx, or
// nil if the arena's reuse bucket is empty (tcache.PoolSource).
func (a *Arena) PopReusePage(classIdx int) *pagepool.PageMap {
	b := &a.reuse[classIdx]
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.list)
	if n == 0 {
		return nil
	}
	pm := b.list[n-1]
	b.list = b.list[:n-1]
	return pm
}

// PushReusePage enqueues pm as a sub-page-reuse candidate for classIdx.
// Called by the sweeper's reclaim phase, and by the thread cache when a
// popped page still has unconsumed reusable slots (tcache.PoolSource).
func (a *Arena) PushReusePage(classIdx int, pm *pagepool.PageMap) {
	b := &a.reuse[classIdx]
	b.mu.Lock()
	b.list = append(b.list, pm)
	b.mu.Unlock()
}

// LargeList returns the per-CPU large-pool list at idx.
func (a *Arena) LargeList(idx int) *LargeList { return &a.largeLists[idx] }

// NumLargeLists is the number of large-pool lists this arena carries,
// capped at layout.MaxLargeLists (spec.md §6 MAX_LARGE_LISTS).
func (a *Arena) NumLargeLists() int { return len(a.largeLists) }

// PickLargeList selects a list by round-robin, standing in for "current
// CPU" (spec.md §4.F: "choose a large-pool list by current CPU modulo
// the list count"). Go gives ordinary goroutines no portable, race-free
// way to read the executing CPU or even the current P without runtime
// linkname tricks; an atomically incremented counter gives the same
// load-spreading property the spec is after (avoid every thread
// contending on one list) without depending on unexported runtime
// internals. Documented as a deviation in DESIGN.md.
func (a *Arena) PickLargeList() int {
	n := uint64(len(a.largeLists))
	return int(atomic.AddUint64(&a.largeCounter, 1) % n)
}

// JumboPools exposes the jumbo-pool list under its own lock.
func (a *Arena) JumboLock() *sync.Mutex { return &a.jumboMu }
func (a *Arena) JumboPools() []*pagepool.Pool {
	a.jumboMu.Lock()
	defer a.jumboMu.Unlock()
	out := make([]*pagepool.Pool, len(a.jumboPools))
	copy(out, a.jumboPools)
	return out
}
func (a *Arena) AppendJumbo(p *pagepool.Pool) {
	a.jumboMu.Lock()
	a.jumboPools = append(a.jumboPools, p)
	atomic.AddInt64(&a.Stats.JumboPools, 1)
	a.jumboMu.Unlock()
}
func (a *Arena) RemoveJumbo(p *pagepool.Pool) {
	a.jumboMu.Lock()
	defer a.jumboMu.Unlock()
	for i, q := range a.jumboPools {
		if q == p {
			a.jumboPools = append(a.jumboPools[:i], a.jumboPools[i+1:]...)
			atomic.AddInt64(&a.Stats.JumboPools, -1)
			return
		}
	}
}

// EnqueuePendingFree registers a fully-freed pool (StartInUse >=
// EndInUse), small or large, as awaiting sweeper certification before
// its address range may be reused (spec.md §4.G "Destroy-pool").
func (a *Arena) EnqueuePendingFree(p *pagepool.Pool) {
	a.pendingMu.Lock()
	a.pendingFree = append(a.pendingFree, p)
	a.pendingMu.Unlock()
}

// PendingFree returns a snapshot of pools awaiting sweeper reclamation.
func (a *Arena) PendingFree() []*pagepool.Pool {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	out := make([]*pagepool.Pool, len(a.pendingFree))
	copy(out, a.pendingFree)
	return out
}

// RemovePendingFree drops p from the pending-free queue once the
// sweeper has reclaimed it.
func (a *Arena) RemovePendingFree(p *pagepool.Pool) {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	for i, q := range a.pendingFree {
		if q == p {
			a.pendingFree = append(a.pendingFree[:i], a.pendingFree[i+1:]...)
			return
		}
	}
}

// AllActiveLargePools returns every active large pool across every
// per-CPU list. Used where "active" specifically means "still eligible
// to serve new allocations" (the large-allocation fast/slow path).
func (a *Arena) AllActiveLargePools() []*pagepool.Pool {
	var out []*pagepool.Pool
	for i := range a.largeLists {
		out = append(out, a.largeLists[i].Pools()...)
	}
	return out
}

// AllLargePools returns every large pool the arena still owns, active
// or demoted-to-inactive, for the sweeper's root enumeration: a
// demoted pool is no longer served new allocations but can still hold
// live ones until its own last allocation is freed, so it must stay
// visible to the scanner (and, once fully freed, to reclaimArena) or
// it becomes invisible to both.
func (a *Arena) AllLargePools() []*pagepool.Pool {
	var out []*pagepool.Pool
	for i := range a.largeLists {
		out = append(out, a.largeLists[i].Pools()...)
		out = append(out, a.largeLists[i].Inactive()...)
	}
	return out
}

// RemoveLargePool drops p from whichever per-CPU list (active or
// inactive) still references it, once the sweeper has fully reclaimed
// it (radix.Remove + vmm.Release already done by the caller), mirroring
// RemoveSmallPool.
func (a *Arena) RemoveLargePool(p *pagepool.Pool) {
	for i := range a.largeLists {
		if a.largeLists[i].remove(p) {
			return
		}
	}
}
