package sweep

import (
	"context"
	"unsafe"

	"github.com/cssl-unist/hushvac/internal/layout"
	"github.com/cssl-unist/hushvac/internal/osquery"
	"github.com/cssl-unist/hushvac/internal/pagepool"
	"github.com/cssl-unist/hushvac/internal/vmm"
)

// scanPage reads every 8-byte-aligned word of the page at addr and marks
// each value that falls in [low, high).
func scanPage(addr uintptr, mark *Bitmap, low, high uintptr) {
	words := (*[layout.PageSize / 8]uintptr)(unsafe.Pointer(addr))
	for _, v := range words {
		if v >= low && v < high {
			mark.Mark(v)
		}
	}
}

// eligiblePage reports whether addr's containing page should be
// scanned: always require present; additionally require soft-dirty
// when the phase is concurrent (spec.md §4.I "Page filtering"). Pagemap
// read failures are treated as skip-this-page, never fatal, per
// spec.md §7.
func eligiblePage(addr uintptr, concurrent bool) bool {
	present, dirty, err := osquery.PageStatus(addr)
	if err != nil || !present {
		return false
	}
	if concurrent && !dirty {
		return false
	}
	return true
}

// scanRange scans a plain memory-map range page by page.
func scanRange(r Range, mark *Bitmap, low, high uintptr, concurrent bool) {
	for addr := layout.AlignDown(r.Start, layout.PageSize); addr < r.End; addr += layout.PageSize {
		if !eligiblePage(addr, concurrent) {
			continue
		}
		scanPage(addr, mark, low, high)
	}
}

// scanHeapRange scans one live pool's in-use span, consulting page-map
// (small) or the tracking array (large) to skip dead sub-ranges, per
// spec.md §4.I.
func scanHeapRange(r Range, mark *Bitmap, low, high uintptr, concurrent bool) {
	pool := r.Pool
	if pool == nil {
		scanRange(r, mark, low, high, concurrent)
		return
	}
	switch pool.Kind {
	case pagepool.Small:
		scanSmallPool(pool, mark, low, high, concurrent)
	case pagepool.Large:
		scanLargePool(pool, mark, low, high, concurrent)
	case pagepool.Jumbo:
		scanRange(Range{Start: pool.Start, End: pool.End}, mark, low, high, concurrent)
	}
}

func scanSmallPool(pool *pagepool.Pool, mark *Bitmap, low, high uintptr, concurrent bool) {
	for i := 0; i < pool.NumPages(); i++ {
		pm := pool.PageMapByIndex(i)
		if pm.ReturnedToOS() || pm.AllocSize() == 0 {
			continue // fully freed or never allocated: nothing live to scan
		}
		if !eligiblePage(pm.Start, concurrent) {
			continue
		}
		scanPage(pm.Start, mark, low, high)
	}
}

func scanLargePool(pool *pagepool.Pool, mark *Bitmap, low, high uintptr, concurrent bool) {
	tracking := pool.Tracking()
	start := pool.Start
	for i := 0; i < len(tracking); i++ {
		end := tracking[i].End()
		if !tracking[i].Free() && !tracking[i].EndSentinel() {
			for addr := layout.AlignDown(start, layout.PageSize); addr < end; addr += layout.PageSize {
				if !eligiblePage(addr, concurrent) {
					continue
				}
				scanPage(addr, mark, low, high)
			}
		}
		start = end
	}
}

// heapAddressSpan returns the current [poolLowAddr, poolHighWater)
// range the mark bitmap and scan filtering operate over.
func heapAddressSpan() (uintptr, uintptr) {
	return vmm.LowAddr(), vmm.HighWater()
}

// scanAll dispatches mapRanges and poolRanges across w.maxScanner
// parallel workers via an errgroup, each guarded by acquiring its slot
// in a weighted semaphore — the "binary semaphore held by the
// coordinator except during scan phases" of spec.md §5. Each worker
// pops work from both producer queues until both are empty.
func (s *Sweeper) scanAll(ctx context.Context, mapRanges, poolRanges []Range, concurrent bool) error {
	low, high := heapAddressSpan()

	workc := make(chan Range, len(mapRanges)+len(poolRanges))
	for _, r := range mapRanges {
		workc <- r
	}
	for _, r := range poolRanges {
		workc <- r
	}
	close(workc)

	return s.runWorkers(ctx, func(workerID int) error {
		for r := range workc {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if r.Pool != nil {
				scanHeapRange(r, s.mark, low, high, concurrent)
			} else {
				scanRange(r, s.mark, low, high, concurrent)
			}
		}
		return nil
	})
}
