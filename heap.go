// Package hushvac is a drop-in heap core with an address non-reuse
// guarantee: once an address has been handed to a caller and freed, no
// later allocation returns that address except through
// sweeper-certified reclamation (internal/sweep) or sub-page reuse.
//
// The public surface below operates on a process-wide default Heap,
// plus an explicit Heap/Arena type for callers who want an isolated
// allocation domain, standing in for the C-ABI symbol interposition a
// drop-in malloc replacement would normally need (out of scope here;
// an external collaborator per spec.md §1).
package hushvac

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	"github.com/cssl-unist/hushvac/internal/arenamgr"
	"github.com/cssl-unist/hushvac/internal/freepath"
	"github.com/cssl-unist/hushvac/internal/largealloc"
	"github.com/cssl-unist/hushvac/internal/layout"
	"github.com/cssl-unist/hushvac/internal/pagepool"
	"github.com/cssl-unist/hushvac/internal/stw"
	"github.com/cssl-unist/hushvac/internal/sweep"
	"github.com/cssl-unist/hushvac/internal/tcache"
	"github.com/cssl-unist/hushvac/internal/trigger"
)

// minOf avoids importing a generics-math helper package for one
// three-line helper; none of the pack's retrieved libraries export a
// uintptr min.
func minOf(a, b uintptr) uintptr {
	if a < b {
		return a
	}
	return b
}

// Heap is one allocation domain: a single arenamgr.Arena plus its own
// background sweeper/trigger pair. The process-wide default Heap and
// every Arena created via ArenaCreate are each backed by one of these.
type Heap struct {
	cfg    Config
	logger *zap.Logger
	arena  *arenamgr.Arena

	sweeper *sweep.Sweeper
	cancel  context.CancelFunc

	smallAllocs int64 // sampled and reset by the trigger heuristic each tick
}

var (
	defaultHeapOnce sync.Once
	defaultHeap     *Heap
)

// defaultHeapInstance lazily constructs the process-wide default Heap
// the package-level Alloc/Free/... functions operate on.
func defaultHeapInstance() *Heap {
	defaultHeapOnce.Do(func() {
		defaultHeap = newHeap(0, buildConfig(nil))
	})
	return defaultHeap
}

func newHeap(id int, cfg Config) *Heap {
	h := &Heap{cfg: cfg, logger: cfg.Logger, arena: arenamgr.New(id)}
	arenamgr.Register(h.arena)

	if cfg.EnableSweeper {
		maxScanner := cfg.MaxScanner
		h.sweeper = sweep.New(sweep.Config{MaxScanner: maxScanner, SubPageReuse: cfg.EnableSubpageReuse}, h.logger)

		ctx, cancel := context.WithCancel(context.Background())
		h.cancel = cancel
		clock := trigger.NewTickerClock(cfg.STWPeriod)
		go func() {
			defer clock.Stop()
			trigger.Run(ctx, clock, h.sampleAndReset, func(ctx context.Context) {
				h.sweeper.RunCycle(ctx)
			})
		}()
	}
	return h
}

func (h *Heap) sampleAndReset() int {
	return int(atomic.SwapInt64(&h.smallAllocs, 0))
}

// coordinator returns h's stop-the-world coordinator, or nil if this
// Heap was built with WithSweeper(false) — in which case no STW cycle
// ever runs and there is nothing to poll for.
func (h *Heap) coordinator() *stw.Coordinator {
	if h.sweeper == nil {
		return nil
	}
	return h.sweeper.Coordinator()
}

// Stats is the diagnostic snapshot SPEC_FULL.md §3 adds on top of
// spec.md's own out-of-scope "profiling counters": the raw counts a
// cooperative allocator/sweeper already tracks internally, surfaced
// read-only for a caller (e.g. cmd/hushvacbench stats).
type Stats struct {
	SmallPools     int64
	LargePools     int64
	JumboPools     int64
	BytesReserved  int64
	SweepCycles    int64
	PoolsReclaimed int64
	PagesReclaimed int64
}

// Stats returns a snapshot of h's current counters.
func (h *Heap) Stats() Stats {
	s := h.arena.Stats
	return Stats{
		SmallPools:     atomic.LoadInt64(&s.SmallPools),
		LargePools:     atomic.LoadInt64(&s.LargePools),
		JumboPools:     atomic.LoadInt64(&s.JumboPools),
		BytesReserved:  atomic.LoadInt64(&s.BytesReserved),
		SweepCycles:    atomic.LoadInt64(&s.SweepCycles),
		PoolsReclaimed: atomic.LoadInt64(&s.PoolsReclaimed),
		PagesReclaimed: atomic.LoadInt64(&s.PagesReclaimed),
	}
}

// close stops the heap's background sweeper, if running. The default
// process-wide heap is never closed; this exists for Arena.Destroy.
func (h *Heap) close() {
	if h.cancel != nil {
		h.cancel()
	}
	arenamgr.Unregister(h.arena)
}

// Alloc allocates n bytes, returning a pointer aligned to at least
// layout.MinAlignment. n=0 is treated as n=8 (spec.md §6); an
// out-of-address-space condition surfaces as a nil pointer, never a
// panic, matching the public C-style contract.
func (h *Heap) Alloc(n int) unsafe.Pointer {
	if coord := h.coordinator(); coord != nil {
		coord.CheckSafepoint()
	}
	if n < 0 {
		return nil
	}
	if n == 0 {
		n = 8
	}
	ptr, err := h.alloc(uintptr(n))
	if err != nil {
		return nil
	}
	return unsafe.Pointer(ptr)
}

func (h *Heap) alloc(size uintptr) (uintptr, error) {
	size = layout.AlignUp(size, layout.MinAlignment)

	switch {
	case size <= tcache.MaxSmallSize:
		classIdx, ok := tcache.ClassFor(size)
		if !ok {
			return 0, ErrInvalidArgument
		}
		tc := h.arena.CheckOutThreadCache()
		defer h.arena.CheckInThreadCache(tc)
		ptr, err := tc.Alloc(h.arena, classIdx, h.cfg.EnableSubpageReuse, h.coordinator())
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrOutOfAddressSpace, err)
		}
		atomic.AddInt64(&h.smallAllocs, 1)
		return ptr, nil

	case largealloc.IsLarge(size):
		ptr, err := largealloc.AllocLarge(h.arena, size)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrOutOfAddressSpace, err)
		}
		return ptr, nil

	default:
		ptr, err := largealloc.AllocJumbo(h.arena, size)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrOutOfAddressSpace, err)
		}
		return ptr, nil
	}
}

// Calloc allocates m*n zeroed bytes, returning nil if m*n overflows
// (spec.md §6). Every path here already returns zeroed memory (fresh
// pages are zero-filled by the kernel; reused sub-page slots are
// explicitly zeroed by pagepool.PageMap.TakeReusableSlot), so Calloc is
// Alloc plus the overflow check.
func (h *Heap) Calloc(m, n int) unsafe.Pointer {
	if coord := h.coordinator(); coord != nil {
		coord.CheckSafepoint()
	}
	if m < 0 || n < 0 {
		return nil
	}
	total := uint64(m) * uint64(n)
	if n != 0 && total/uint64(n) != uint64(m) {
		return nil // overflow
	}
	if total > math.MaxInt {
		return nil
	}
	return h.Alloc(int(total))
}

// Free releases ptr, which must have been returned by a prior
// Alloc/Calloc/Realloc call and not freed since. A bogus pointer is a
// BadPointer fatal abort (spec.md §7); p == nil is a no-op.
func (h *Heap) Free(ptr unsafe.Pointer) {
	if coord := h.coordinator(); coord != nil {
		coord.CheckSafepoint()
	}
	if ptr == nil {
		return
	}
	if err := freepath.Free(h.arena, uintptr(ptr), h.coordinator()); err != nil {
		h.fatal(BadPointer, fmt.Sprintf("free(%p): %v", ptr, err))
	}
}

// UsableSize reports the actual usable size of the slot or allocation
// owning ptr (spec.md §6). It returns 0 for nil and for an address no
// registered pool owns; it does not check liveness, so a freed small or
// large allocation whose pool is still registered reports its size.
func (h *Heap) UsableSize(ptr unsafe.Pointer) int {
	if ptr == nil {
		return 0
	}
	pool, err := freepath.Lookup(uintptr(ptr))
	if err != nil {
		return 0
	}
	switch pool.Kind {
	case pagepool.Small:
		pm := pool.PageMapByIndex(pool.PageIndex(uintptr(ptr)))
		return int(pm.AllocSize())
	case pagepool.Large:
		idx, ok := pool.SearchTracking(uintptr(ptr))
		if !ok {
			return 0
		}
		tracking := pool.Tracking()
		var start uintptr
		if idx == 0 {
			start = pool.Start
		} else {
			start = tracking[idx-1].End()
		}
		return int(tracking[idx].End() - start)
	case pagepool.Jumbo:
		return int(pool.End - pool.Start)
	default:
		return 0
	}
}

// Realloc resizes the allocation at ptr to n bytes, preserving the
// first min(oldSize,n) bytes (spec.md §6). ptr may be nil (behaves as
// Alloc(n)); a bogus non-nil ptr is a BadPointer fatal abort, matching
// Free's policy.
func (h *Heap) Realloc(ptr unsafe.Pointer, n int) unsafe.Pointer {
	if coord := h.coordinator(); coord != nil {
		coord.CheckSafepoint()
	}
	if ptr == nil {
		return h.Alloc(n)
	}
	if n < 0 {
		return nil
	}
	if n == 0 {
		h.Free(ptr)
		return nil
	}

	pool, err := freepath.Lookup(uintptr(ptr))
	if err != nil {
		h.fatal(BadPointer, fmt.Sprintf("realloc(%p): %v", ptr, err))
	}

	newSize := uintptr(n)
	oldSize := uintptr(h.UsableSize(ptr))
	if newSize <= oldSize {
		return ptr
	}

	switch pool.Kind {
	case pagepool.Large:
		idx, ok := pool.SearchTracking(uintptr(ptr))
		if ok {
			if grown, inPlace := largealloc.ReallocLarge(pool, idx, layout.AlignUp(newSize, layout.MinAlignment)); inPlace {
				return unsafe.Pointer(grown)
			}
		}
	case pagepool.Jumbo:
		if start, fits := largealloc.ReallocJumbo(pool, newSize); fits {
			return unsafe.Pointer(start)
		}
	}

	newPtr := h.Alloc(n)
	if newPtr == nil {
		return nil
	}
	copyBytes(newPtr, ptr, minOf(oldSize, newSize))
	h.Free(ptr)
	return newPtr
}

func copyBytes(dst, src unsafe.Pointer, n uintptr) {
	if n == 0 {
		return
	}
	d := unsafe.Slice((*byte)(dst), n)
	s := unsafe.Slice((*byte)(src), n)
	copy(d, s)
}

// AlignedAlloc returns a pointer aligned to align (a power of two ≥ 8)
// sized for at least n bytes, where n must be a multiple of align
// (spec.md §6). Invalid arguments return nil.
//
// Alignments above MinAlignment are never served by shifting a pointer
// inside a small-bin slot: Free validates that a freed offset divides
// the slot's allocSize exactly, so a shifted pointer would be rejected
// as BadPointer. Instead such requests go straight to the large-pool
// path's allocate(size, alignment) (spec.md §4.D), or to a dedicated
// jumbo pool whose start address vmm.Reserve always returns page-
// aligned; both return the true slot/pool start, so Free sees an
// ordinary, validatable pointer.
func (h *Heap) AlignedAlloc(align, n int) unsafe.Pointer {
	if coord := h.coordinator(); coord != nil {
		coord.CheckSafepoint()
	}
	if align < 8 || align&(align-1) != 0 || n < 0 || n%align != 0 {
		return nil
	}
	alignment := uintptr(align)
	if alignment <= layout.MinAlignment {
		return h.Alloc(n)
	}
	if alignment > layout.PageSize {
		return nil // no reservation primitive aligns beyond a page
	}

	size := uintptr(n)
	if size == 0 {
		size = 8
	}

	if largealloc.IsLarge(size) {
		ptr, err := largealloc.AllocLargeAligned(h.arena, size, alignment)
		if err != nil {
			return nil
		}
		return unsafe.Pointer(ptr)
	}
	// Small sizes and anything at/above the jumbo threshold are routed
	// to a fresh jumbo pool: it holds exactly one allocation starting at
	// the pool's (page-aligned) base, which trivially satisfies any
	// alignment up to PageSize. Wasteful for a small request, but
	// spec.md §1's Non-goals explicitly disclaim space efficiency.
	ptr, err := largealloc.AllocJumbo(h.arena, size)
	if err != nil {
		return nil
	}
	return unsafe.Pointer(ptr)
}

// PosixMemalign implements the posix_memalign(3) contract: on success
// *pp is set to a pointer aligned to align and 0 is returned; invalid
// arguments return ErrInvalidArgument (EINVAL), allocation failure
// ErrOutOfAddressSpace (ENOMEM).
func (h *Heap) PosixMemalign(pp *unsafe.Pointer, align, n int) error {
	if coord := h.coordinator(); coord != nil {
		coord.CheckSafepoint()
	}
	if align < 8 || align&(align-1) != 0 || align%int(unsafe.Sizeof(uintptr(0))) != 0 {
		return ErrInvalidArgument
	}
	ptr := h.AlignedAlloc(align, n)
	if ptr == nil {
		if n == 0 {
			*pp = nil
			return nil
		}
		return ErrOutOfAddressSpace
	}
	*pp = ptr
	return nil
}
