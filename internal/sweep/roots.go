package sweep

import (
	"github.com/cssl-unist/hushvac/internal/arenamgr"
	"github.com/cssl-unist/hushvac/internal/osquery"
	"github.com/cssl-unist/hushvac/internal/pagepool"
	"github.com/cssl-unist/hushvac/internal/vmm"
)

// Range is one scannable address span, either a non-heap memory-map
// region or a live heap-pool allocation.
type Range struct {
	Start, End uintptr
	// Pool is non-nil for heap-pool ranges, letting the scanner consult
	// page-map/tracking metadata to skip dead sub-ranges (spec.md §4.I
	// "Scan": "For heap pages, the scan consults the page-map to skip
	// pages that are fully freed or not currently allocated").
	Pool *pagepool.Pool
}

// mapRoots returns memory-map regions spec.md §4.I names as roots:
// writable, non-executable, copy-on-write/private, anonymous or private
// mappings that aren't hushvac's own metadata region, heap pools, or the
// mark bitmap itself (the mark bitmap is plain Go-heap-backed memory,
// which is already excluded by definition since it never falls inside
// [poolLowAddr, poolHighWater) — hushvac's own pools are explicitly
// excluded below so they are scanned once, as heap ranges, with page-map
// filtering rather than twice as opaque memory-map ranges).
func mapRoots() ([]Range, error) {
	regions, err := osquery.MemoryMap()
	if err != nil {
		return nil, err
	}

	low, high := vmm.LowAddr(), vmm.HighWater()
	var out []Range
	for _, r := range regions {
		if !r.Writable || r.Executable {
			continue
		}
		if !r.Private {
			continue // spec.md §4.I: copy-on-write/private mappings only
		}
		if r.Start >= low && r.End <= high {
			continue // falls inside the heap region; scanned as pool ranges instead
		}
		out = append(out, Range{Start: r.Start, End: r.End})
	}
	return out, nil
}

// poolRoots returns every allocated region of every live pool across
// every arena, so heap pointers transitively reach other heap objects
// (spec.md §4.I: "Explicitly include every allocated region of every
// live pool ... as roots").
func poolRoots() []Range {
	var out []Range
	for _, a := range arenamgr.All() {
		for _, p := range a.AllSmallPools() {
			out = append(out, Range{Start: p.StartInUse, End: p.EndInUse, Pool: p})
		}
		for _, p := range a.AllLargePools() {
			out = append(out, Range{Start: p.StartInUse, End: p.EndInUse, Pool: p})
		}
		for _, p := range a.JumboPools() {
			out = append(out, Range{Start: p.Start, End: p.End, Pool: p})
		}
	}
	return out
}
