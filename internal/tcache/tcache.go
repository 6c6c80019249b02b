// Package tcache is hushvac's component E: the per-thread cache and
// small-bin allocator. A ThreadCache holds one Bin per size class, each
// pointing at the page currently being filled, plus a pre-claimed run of
// page-maps bump-reserved from the arena's current small pool in chunks
// of layout.PagesPerRefill (spec.md §3 "Thread cache").
//
// Grounded on mcache's per-size-class span cache (mcache.go: alloc
// [numSpanClasses]*mspan) and mcentral.grow's refill-from-arena pattern
// (mcentral.go), restated over hushvac's page-map-per-4KiB-page model
// instead of mspan's class-sized spans.
//
// Go has no user-installable thread-local storage, so "per-thread" here
// is "per checked-out cache": callers obtain one via a pool kept by
// internal/arenamgr (a sync.Pool-backed substitute for the TLS key
// spec.md §3 describes), use it for one allocation, and return it. This
// mirrors the runtime's own mcache-is-per-P model more closely than a
// true per-OS-thread cache would: like a P, a checked-out ThreadCache is
// never touched by two goroutines concurrently, even though which
// goroutine holds it can change over time.
package tcache

import (
	"fmt"

	"github.com/cssl-unist/hushvac/internal/layout"
	"github.com/cssl-unist/hushvac/internal/pagepool"
	"github.com/cssl-unist/hushvac/internal/stw"
)

// smallThreshold is the boundary below which size classes step by
// MinAlignment (spec.md §3 Bin, rule (a)); at and above it, classes are
// chosen so PageSize/class divides evenly (rule (b), "1..BIN_INFLECTION
// slots").
const smallThreshold = 256

// SizeClass describes one small-bin size class.
type SizeClass struct {
	Size     uintptr
	MaxAlloc uint32
}

var classes []SizeClass

// MaxSmallSize is the largest size servable by a small bin; spec.md
// §4.F routes anything above this to the large/jumbo paths. Set at the
// end of init, once classes is fully populated.
var MaxSmallSize uintptr

func init() {
	for sz := uintptr(layout.MinAlignment); sz < smallThreshold; sz += layout.MinAlignment {
		classes = append(classes, SizeClass{Size: sz, MaxAlloc: uint32(layout.PageSize / sz)})
	}
	// Rule (b): walk slot counts from BinInflection down to 1; each one
	// that divides PageSize evenly yields a class of size PageSize/k.
	// Size grows monotonically as k shrinks, so this emits in ascending
	// order and appends cleanly after rule (a)'s classes.
	for k := uint32(layout.BinInflection); k >= 1; k-- {
		if layout.PageSize%int(k) != 0 {
			continue
		}
		sz := uintptr(layout.PageSize / int(k))
		if sz < smallThreshold || sz > layout.HalfPage {
			continue // spec.md §4.F routes anything above HalfPage to large/jumbo
		}
		classes = append(classes, SizeClass{Size: sz, MaxAlloc: k})
	}
	MaxSmallSize = classes[len(classes)-1].Size
}

// NumClasses returns the number of small-bin size classes.
func NumClasses() int { return len(classes) }

// ClassFor returns the size-class index that services a request of n
// bytes (already rounded to MinAlignment by the caller), or false if n
// exceeds MaxSmallSize.
func ClassFor(n uintptr) (idx int, ok bool) {
	for i, c := range classes {
		if n <= c.Size {
			return i, true
		}
	}
	return 0, false
}

// Class returns the size class at idx.
func Class(idx int) SizeClass { return classes[idx] }

// Bin is a per-thread, per-size-class head pointing at the page
// currently being filled (spec.md §3 "Bin").
type Bin struct {
	page       *pagepool.PageMap
	nextAlloc  uint32
	allocCount uint32
}

// PoolSource is the subset of arena behavior a ThreadCache needs to
// refill itself: pulling pages from the current small pool, retiring an
// exhausted one, and (when the sweeper is enabled) consuming
// sub-page-reuse candidates. internal/arenamgr.Arena implements this;
// defining the interface here (rather than importing arenamgr) is what
// keeps tcache free of a dependency cycle back to the package that
// checks ThreadCache instances out of its pool.
type PoolSource interface {
	CurrentSmallPool() (*pagepool.Pool, error)
	RetireSmallPool(old *pagepool.Pool) (*pagepool.Pool, error)
	PopReusePage(classIdx int) *pagepool.PageMap
	PushReusePage(classIdx int, pm *pagepool.PageMap)
}

// ThreadCache is one checked-out allocation cache.
type ThreadCache struct {
	bins []Bin

	pool          *pagepool.Pool
	nextUnusedIdx int
	endUnusedIdx  int
}

// New returns a ready-to-use, empty ThreadCache.
func New() *ThreadCache {
	return &ThreadCache{bins: make([]Bin, len(classes))}
}

// Alloc services a small allocation of n bytes (already validated <=
// MaxSmallSize by the caller) from the size class at classIdx. coord
// may be nil (no sweeper running); otherwise this is the small-bin
// fast path's mandatory safepoint poll (spec.md §9's cooperative
// safepoint substitute for signal-directed STW), checked before
// touching any page-map bit so a sweeper STW phase never races a
// concurrent bin refill/bit-set.
func (tc *ThreadCache) Alloc(src PoolSource, classIdx int, subpageReuse bool, coord *stw.Coordinator) (uintptr, error) {
	if coord != nil {
		coord.CheckSafepoint()
	}
	b := &tc.bins[classIdx]
	cls := classes[classIdx]

	if b.page == nil || b.allocCount >= cls.MaxAlloc {
		if subpageReuse {
			if ptr, ok := tc.tryReuse(src, classIdx); ok {
				return ptr, nil
			}
		}
		pm, err := tc.refillBin(src, classIdx)
		if err != nil {
			return 0, err
		}
		b.page = pm
		b.nextAlloc = 0
		b.allocCount = 0
	}

	slot := b.nextAlloc
	b.page.SetBit(slot)
	b.nextAlloc++
	b.allocCount++
	if b.allocCount == cls.MaxAlloc {
		b.page.MarkFullyAllocated()
	}
	return b.page.Start + uintptr(slot)*cls.Size, nil
}

// tryReuse consults the arena's sub-page reuse list for classIdx before
// falling back to the bump path, per spec.md §4.E's optional sweeper
// integration.
func (tc *ThreadCache) tryReuse(src PoolSource, classIdx int) (uintptr, bool) {
	for attempts := 0; attempts < 8; attempts++ {
		pm := src.PopReusePage(classIdx)
		if pm == nil {
			return 0, false
		}
		slot, ok := pm.TakeReusableSlot()
		if !ok {
			continue // page had no eligible slot left; discard per spec.md §4.E
		}
		if pm.HasReusableSlot() {
			src.PushReusePage(classIdx, pm)
		}
		return pm.Start + uintptr(slot)*pm.AllocSize(), true
	}
	return 0, false
}

// refillBin pulls one page-map from the thread cache's pre-claimed
// [nextUnusedIdx, endUnusedIdx) run, refilling that run from the arena's
// current small pool (possibly creating a new one) when exhausted.
func (tc *ThreadCache) refillBin(src PoolSource, classIdx int) (*pagepool.PageMap, error) {
	if tc.nextUnusedIdx >= tc.endUnusedIdx {
		if err := tc.refillPageRun(src); err != nil {
			return nil, err
		}
	}
	pm := tc.pool.PageMapByIndex(tc.nextUnusedIdx)
	tc.nextUnusedIdx++

	cls := classes[classIdx]
	pm.InitBitmap(cls.MaxAlloc)
	pm.SetAllocSize(cls.Size)
	return pm, nil
}

func (tc *ThreadCache) refillPageRun(src PoolSource) error {
	pool, err := src.CurrentSmallPool()
	if err != nil {
		return fmt.Errorf("tcache: acquire current small pool: %w", err)
	}
	base, ok := pool.Bump(layout.PagesPerRefill)
	if !ok {
		pool, err = src.RetireSmallPool(pool)
		if err != nil {
			return fmt.Errorf("tcache: retire small pool: %w", err)
		}
		base, ok = pool.Bump(layout.PagesPerRefill)
		if !ok {
			return fmt.Errorf("tcache: freshly created small pool cannot serve a %d-page refill", layout.PagesPerRefill)
		}
	}
	tc.pool = pool
	tc.nextUnusedIdx = pool.PageIndex(base)
	tc.endUnusedIdx = tc.nextUnusedIdx + layout.PagesPerRefill
	if tc.endUnusedIdx > pool.NumPages() {
		tc.endUnusedIdx = pool.NumPages()
	}
	return nil
}
