// Package metarena is hushvac's component B: the internal metadata
// allocator. It serves the two fixed-size pool metadata arrays (the
// small-pool page-map array and the large-pool tracking array) plus a
// general bin-per-size freelist in 16-byte increments up to 4 KiB. The
// other packages do not draw on it: pagepool allocates its page-map and
// tracking arrays, radix its leaves and tcache its bins from the Go heap,
// and pagepool only keeps a reference to the Arena it is given.
//
// Grounded on fixalloc's bump-then-freelist discipline, referenced
// throughout mheap.go (h.spanalloc, h.cachealloc, ...): frees push to the
// head of a freelist, allocations pop from the head or bump from the
// as-yet-untouched region. Unlike fixalloc (one lock per class), each
// general size bin gets its own lock, per spec.md §4.B ("Thread safety is
// per-bin").
package metarena

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/cssl-unist/hushvac/internal/layout"
	"github.com/cssl-unist/hushvac/internal/vmm"
)

// FixedClass names the two non-general metadata shapes pools need.
type FixedClass int

const (
	SmallPageMapClass FixedClass = iota // one per small pool: array of page-maps
	LargeTrackingClass                  // one per large pool: sorted end-pointer array
	numFixedClasses
)

const (
	generalStep    = 16
	generalMax     = 4096
	numGeneralBins = generalMax / generalStep
)

// bin is one freelist-over-bump size class. Its own mutex gives it
// independent thread safety, per spec.md §4.B.
type bin struct {
	mu       sync.Mutex
	elemSize uintptr
	free     unsafe.Pointer // head of an intrusive freelist; *ptr holds the next link
}

func (b *bin) pop() unsafe.Pointer {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.free == nil {
		return nil
	}
	p := b.free
	b.free = *(*unsafe.Pointer)(p)
	return p
}

func (b *bin) push(p unsafe.Pointer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	*(*unsafe.Pointer)(p) = b.free
	b.free = p
}

// Arena is hushvac's metadata allocator. The zero value is not usable;
// call New.
type Arena struct {
	fixed   [numFixedClasses]bin
	general [numGeneralBins]bin

	bumpMu  sync.Mutex
	chunks  []uintptr // base addresses of committed metadata chunks
	cur     uintptr   // next free byte in the most recent chunk
	curEnd  uintptr
}

// New creates a metadata arena. Chunks of layout.PoolSize are reserved
// from vmm on demand — spec.md §4.B describes "a single contiguous
// virtual range reserved up front and committed POOL_SIZE at a time"; on
// Linux, vmm.Reserve's anonymous mapping is already physically backed
// lazily by the kernel (overcommit), so reserving PoolSize-sized chunks
// incrementally here has the same effect as the spec's single up-front
// reservation, without betting on a single multi-gigabyte mapping
// succeeding in constrained test environments.
func New() *Arena {
	a := &Arena{}
	a.fixed[SmallPageMapClass].elemSize = 0 // set by caller via AllocFixedSized
	a.fixed[LargeTrackingClass].elemSize = 0
	for i := range a.general {
		a.general[i].elemSize = uintptr((i + 1) * generalStep)
	}
	return a
}

// ErrExhausted is hushvac's MetadataExhaustion error kind (spec.md §7):
// the internal metadata arena could not grow. Callers are expected to
// treat this as fatal, matching the runtime's own throw() on OOM for
// internal bookkeeping.
var ErrExhausted = fmt.Errorf("metarena: metadata arena exhausted")

func (a *Arena) bump(size uintptr) (unsafe.Pointer, error) {
	size = layout.AlignUp(size, 16)
	a.bumpMu.Lock()
	defer a.bumpMu.Unlock()
	if a.cur+size > a.curEnd {
		chunkSize := layout.PoolSize
		if uintptr(chunkSize) < size {
			chunkSize = int(layout.AlignUp(size, layout.PageSize))
		}
		base, err := vmm.Reserve(uintptr(chunkSize))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrExhausted, err)
		}
		a.chunks = append(a.chunks, base)
		a.cur = base
		a.curEnd = base + uintptr(chunkSize)
	}
	p := unsafe.Pointer(a.cur)
	a.cur += size
	return p, nil
}

// AllocFixedSized allocates a size-bytes block from one of the two fixed
// metadata classes, whose actual element size is determined the first
// time it is used (small pools and large pools always ask for their own
// fixed shape, so this self-describes on first call and is constant
// thereafter).
func (a *Arena) AllocFixedSized(class FixedClass, size uintptr) (unsafe.Pointer, error) {
	b := &a.fixed[class]
	b.mu.Lock()
	if b.elemSize == 0 {
		b.elemSize = size
	} else if b.elemSize != size {
		b.mu.Unlock()
		return nil, fmt.Errorf("metarena: fixed class %d used with inconsistent size %d != %d", class, size, b.elemSize)
	}
	b.mu.Unlock()

	if p := b.pop(); p != nil {
		clear(p, size)
		return p, nil
	}
	return a.bump(size)
}

// FreeFixed returns a fixed-class block to its freelist head.
func (a *Arena) FreeFixed(class FixedClass, p unsafe.Pointer) {
	a.fixed[class].push(p)
}

// Alloc serves a general metadata allocation of size bytes (<= 4 KiB) from
// its 16-byte-stepped bin. Larger requests bump directly without a
// freelist, since they are rare enough that the per-bin fast path isn't
// worth it.
func (a *Arena) Alloc(size uintptr) (unsafe.Pointer, error) {
	if size == 0 {
		size = 1
	}
	if size > generalMax {
		return a.bump(size)
	}
	idx := (size - 1) / generalStep
	b := &a.general[idx]
	if p := b.pop(); p != nil {
		clear(p, size)
		return p, nil
	}
	return a.bump(b.elemSize)
}

// Free returns a general allocation of the given size to its bin.
func (a *Arena) Free(size uintptr, p unsafe.Pointer) {
	if size == 0 || size > generalMax {
		return // bumped directly; metarena never reclaims raw bump regions
	}
	idx := (size - 1) / generalStep
	a.general[idx].push(p)
}

func clear(p unsafe.Pointer, size uintptr) {
	b := unsafe.Slice((*byte)(p), size)
	for i := range b {
		b[i] = 0
	}
}
