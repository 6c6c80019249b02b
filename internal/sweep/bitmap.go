package sweep

import (
	"sync"
	"sync/atomic"

	"github.com/cssl-unist/hushvac/internal/layout"
)

// Bitmap is hushvac's global address-mark bitmap: a sparse record of
// "a word with this value was observed in scanned memory", covering
// [base, base+len(words)*64*MinAlignment) — i.e. [poolLowAddr,
// poolHighWater) at the time of the last Reset (spec.md §3).
//
// Grounded on mheap.pageMarks' per-page-range mark bits (mgcsweep.go),
// generalized from page granularity to MinAlignment granularity since
// hushvac must answer "is this exact address referenced", not merely
// "is this page referenced".
type Bitmap struct {
	mu    sync.Mutex
	base  uintptr
	words []uint64
}

func unitIndex(base, addr uintptr) (uintptr, bool) {
	if addr < base {
		return 0, false
	}
	return (addr - base) / layout.MinAlignment, true
}

// Reset (re)materializes the bitmap to cover [low, high), zeroing it.
// Called at the start of every sweep cycle with the current
// [vmm.LowAddr(), vmm.HighWater()) span, per spec.md §4.I ("cleared ...
// at the end of each cycle").
func (b *Bitmap) Reset(low, high uintptr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.base = low
	if high <= low {
		b.words = b.words[:0]
		return
	}
	units := (high - low + layout.MinAlignment - 1) / layout.MinAlignment
	nwords := int((units + 63) / 64)
	if cap(b.words) >= nwords {
		b.words = b.words[:nwords]
		for i := range b.words {
			b.words[i] = 0
		}
		return
	}
	b.words = make([]uint64, nwords)
}

// Mark records that addr was observed as a candidate pointer value.
func (b *Bitmap) Mark(addr uintptr) {
	b.mu.Lock()
	base := b.base
	words := b.words
	b.mu.Unlock()

	unit, ok := unitIndex(base, addr)
	if !ok {
		return
	}
	idx := unit / 64
	if int(idx) >= len(words) {
		return
	}
	bit := uint64(1) << (unit % 64)
	slot := &words[idx]
	for {
		old := atomic.LoadUint64(slot)
		if old&bit != 0 {
			return
		}
		if atomic.CompareAndSwapUint64(slot, old, old|bit) {
			return
		}
	}
}

// RangeMarked reports whether any address in [lo, hi) has been marked —
// the SIMD-friendly OR fold of spec.md §4.I's reclaim phase, here a
// plain word-at-a-time OR since Go gives no portable SIMD intrinsics.
func (b *Bitmap) RangeMarked(lo, hi uintptr) bool {
	b.mu.Lock()
	base := b.base
	words := b.words
	b.mu.Unlock()

	if lo < base {
		lo = base
	}
	startUnit, ok := unitIndex(base, lo)
	if !ok {
		return false
	}
	endUnit, ok := unitIndex(base, hi)
	if !ok || endUnit > uintptr(len(words))*64 {
		endUnit = uintptr(len(words)) * 64
	}
	for u := startUnit; u < endUnit; u++ {
		idx := u / 64
		if int(idx) >= len(words) {
			break
		}
		if atomic.LoadUint64(&words[idx])&(1<<(u%64)) != 0 {
			return true
		}
	}
	return false
}
