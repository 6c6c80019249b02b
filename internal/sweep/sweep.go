// Package sweep is hushvac's component I: the conservative mark-sweep
// reclaimer. It enumerates roots (the process memory map plus every
// live pool's in-use ranges), marks candidate pointer values into a
// global address-mark bitmap across a concurrent phase followed by a
// precise stop-the-world phase, then reclaims whole pools (and,
// optionally, individual sub-page slots) that the frozen bitmap proves
// unreferenced.
//
// Grounded on mgcsweep.go's bgsweep/sweepone/reclaim/reclaimChunk cycle
// and mheap.pageMarks, generalized from span-granularity reclaim to
// pool-and-slot-granularity reclaim per spec.md §4.I.
package sweep

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/cssl-unist/hushvac/internal/arenamgr"
	"github.com/cssl-unist/hushvac/internal/freeaddr"
	"github.com/cssl-unist/hushvac/internal/layout"
	"github.com/cssl-unist/hushvac/internal/osquery"
	"github.com/cssl-unist/hushvac/internal/pagepool"
	"github.com/cssl-unist/hushvac/internal/radix"
	"github.com/cssl-unist/hushvac/internal/stw"
	"github.com/cssl-unist/hushvac/internal/tcache"
	"github.com/cssl-unist/hushvac/internal/vmm"
)

// Config holds the sweeper's tunables (spec.md §6).
type Config struct {
	MaxScanner      int
	SubPageReuse    bool
}

// State names the four phases of spec.md §4.I's state machine.
type State int

const (
	Idle State = iota
	ScanningConcurrent
	ScanningSTW
	Reclaim
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ScanningConcurrent:
		return "scanning(concurrent)"
	case ScanningSTW:
		return "scanning(stw)"
	case Reclaim:
		return "reclaim"
	default:
		return "unknown"
	}
}

// Sweeper drives one full sweep cycle at a time. It is not re-entrant:
// the trigger heuristic (component J) must serialize calls to RunCycle.
type Sweeper struct {
	mark   *Bitmap
	stwc   *stw.Coordinator
	cfg    Config
	logger *zap.Logger
	state  State
	cycles int64
}

// New constructs a Sweeper. logger may be zap.NewNop() to disable
// logging entirely, matching the runtime's silent-unless-something-is-
// wrong posture (SPEC_FULL.md AMBIENT STACK).
func New(cfg Config, logger *zap.Logger) *Sweeper {
	if cfg.MaxScanner <= 0 {
		cfg.MaxScanner = layout.MaxScanner
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{mark: &Bitmap{}, stwc: stw.NewCoordinator(), cfg: cfg, logger: logger}
}

func (s *Sweeper) maxScanner() int { return s.cfg.MaxScanner }

// Coordinator exposes the stop-the-world coordinator so the root
// package's allocation fast paths can call CheckSafepoint.
func (s *Sweeper) Coordinator() *stw.Coordinator { return s.stwc }

// State reports the sweeper's current phase, for diagnostics.
func (s *Sweeper) State() State { return s.state }

// Cycles reports how many full RunCycle invocations have reached at
// least the reclaim phase (SPEC_FULL.md §3's Stats snapshot).
func (s *Sweeper) Cycles() int64 { return atomic.LoadInt64(&s.cycles) }

// RunCycle executes one full Idle -> Scanning(concurrent) ->
// Scanning(STW) -> Reclaim -> Idle cycle (spec.md §4.I "State machine").
// Scan/pagemap/decommit failures are logged and treated as "skip this
// cycle", per spec.md §7: the sweeper never surfaces errors to the
// mutator.
func (s *Sweeper) RunCycle(ctx context.Context) {
	s.state = ScanningConcurrent
	if err := osquery.ClearSoftDirty(); err != nil {
		s.logger.Warn("sweep: clear soft-dirty failed, skipping cycle", zap.Error(err))
		s.state = Idle
		return
	}

	mapRanges, err := mapRoots()
	if err != nil {
		s.logger.Warn("sweep: enumerate memory-map roots failed, skipping cycle", zap.Error(err))
		s.state = Idle
		return
	}
	poolRanges := poolRoots()

	low, high := heapAddressSpan()
	s.mark.Reset(low, high)

	if err := s.scanAll(ctx, mapRanges, poolRanges, true); err != nil {
		s.logger.Warn("sweep: concurrent scan failed, skipping cycle", zap.Error(err))
		s.state = Idle
		return
	}

	s.state = ScanningSTW
	s.stwc.RequestStop()
	if err := s.scanAll(ctx, mapRanges, poolRoots(), false); err != nil {
		s.stwc.Resume()
		s.logger.Warn("sweep: STW scan failed, skipping cycle", zap.Error(err))
		s.state = Idle
		return
	}

	s.state = Reclaim
	s.logger.Info("sweep: cycle reached reclaim phase", zap.Int("arenas", len(arenamgr.All())))
	for _, a := range arenamgr.All() {
		s.reclaimArena(a)
	}
	if s.cfg.SubPageReuse {
		for _, a := range arenamgr.All() {
			s.subpageReclaimArena(a)
		}
	}

	s.mark.Reset(0, 0)
	s.stwc.Resume()
	s.state = Idle
	atomic.AddInt64(&s.cycles, 1)
	for _, a := range arenamgr.All() {
		atomic.AddInt64(&a.Stats.SweepCycles, 1)
	}
}

// reclaimArena walks a's pending-free pools — small pools from
// releasePage and large pools from freeLarge/demotePool — and reclaims
// whichever ones the frozen bitmap proves unreferenced.
func (s *Sweeper) reclaimArena(a *arenamgr.Arena) {
	for _, pool := range a.PendingFree() {
		if s.mark.RangeMarked(pool.Start, pool.End) {
			continue // still referenced somewhere; try again next cycle
		}

		var err error
		switch pool.Kind {
		case pagepool.Small:
			err = s.reclaimSmallPool(a, pool)
		case pagepool.Large:
			err = s.reclaimLargePool(a, pool)
		default:
			continue
		}
		if err != nil {
			s.logger.Warn("sweep: reclaim pool failed", zap.Uintptr("start", pool.Start), zap.Error(err))
			continue
		}

		a.RemovePendingFree(pool)
		if pool.Kind == pagepool.Small {
			a.RemoveSmallPool(pool)
		} else {
			a.RemoveLargePool(pool)
		}
		a.Stats.PoolsReclaimed++
		a.Stats.PagesReclaimed += int64(layout.PoolSize / layout.PageSize)
	}
}

// reclaimSmallPool unmaps a fully-dead small pool and pushes its
// address range onto the free-address store for future reuse via
// vmm.ReserveAt, per spec.md §4.G/§4.I. Ring overflow simply unmaps
// (spec.md §9 Open Question (a)).
func (s *Sweeper) reclaimSmallPool(a *arenamgr.Arena, pool *pagepool.Pool) error {
	arenamgr.Tree.Remove(pool.Start, pool.End)
	size := pool.End - pool.Start
	if err := vmm.Release(pool.Start, size); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	freeaddr.Store.Push(pool.Start, size)
	return nil
}

// reclaimLargePool unmaps a fully-dead large pool outright. Unlike a
// small pool, a large pool that reaches here has every tracking entry
// free, so there is no partial-page bookkeeping left to do; the whole
// range is released at once, mirroring freeJumbo's immediate release
// and, like large/jumbo reservation in general, without pushing the
// address onto the free-address store (only small pools take the
// certified-reuse path, per pagepool.reserveSmallBase).
func (s *Sweeper) reclaimLargePool(a *arenamgr.Arena, pool *pagepool.Pool) error {
	arenamgr.Tree.Remove(pool.Start, pool.End)
	if err := vmm.Release(pool.Start, pool.End-pool.Start); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

// subpageReclaimArena certifies individual free slots within the
// arena's still-active small pools as reusable, per spec.md §4.I's
// sub-page reclaim phase.
func (s *Sweeper) subpageReclaimArena(a *arenamgr.Arena) {
	for _, pool := range a.AllSmallPools() {
		for i := 0; i < pool.NumPages(); i++ {
			pm := pool.PageMapByIndex(i)
			s.certifyPage(a, pm)
		}
	}
}

func (s *Sweeper) certifyPage(a *arenamgr.Arena, pm *pagepool.PageMap) {
	if pm.ReturnedToOS() || pm.MaxAlloc == 0 {
		return
	}
	classIdx, ok := tcache.ClassFor(pm.AllocSize())
	if !ok {
		return
	}

	// First pass: the page's total live-slot count, fixed before any
	// candidate is certified, so every slot's profitability score below
	// is computed against the same denominator rather than a partial
	// running sum that grows as the loop progresses.
	liveCount := uint32(0)
	for slot := uint32(0); slot < pm.MaxAlloc; slot++ {
		if pm.TestBit(slot) {
			liveCount++
		}
	}
	denom := liveCount
	if denom == 0 {
		denom = 1
	}

	certified := false
	for slot := uint32(0); slot < pm.MaxAlloc; slot++ {
		if pm.TestBit(slot) {
			continue
		}
		if pm.SafeTest(slot) {
			continue // already certified in an earlier cycle
		}
		addr := pm.Start + uintptr(slot)*pm.AllocSize()
		if s.mark.RangeMarked(addr, addr+pm.AllocSize()) {
			continue
		}
		// Profitability factor, spec.md §4.I / SPEC_FULL.md §9(b):
		// (maxAlloc/liveCount) * epochsSinceFree < threshold.
		score := (pm.MaxAlloc / denom) * pm.NumEpochSinceLastFree
		if score >= layout.SubpageProfitabilityThreshold {
			continue
		}
		pm.SafeSet(slot)
		certified = true
	}
	if certified {
		a.PushReusePage(classIdx, pm)
	}
}

var _ = radix.Entry{} // the only use of the radix import in this package
