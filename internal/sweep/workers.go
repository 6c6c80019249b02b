package sweep

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// runWorkers fans fn out across s.maxScanner concurrent invocations and
// joins them, per spec.md §4.I "Parallelism" / §5's worker-pool model.
//
// spec.md §5 describes MAX_SCANNER long-lived worker tasks, each gated
// by its own per-worker binary semaphore the coordinator holds except
// during scan phases ("parked" vs. "working"). That model fits a
// reference implementation with a fixed OS-thread pool reused across
// sweep cycles. Go's goroutines are cheap enough that spinning up fresh
// ones per cycle and joining via errgroup is the idiomatic equivalent
// (the pack's dominant pattern for bounded fan-out — see
// SPEC_FULL.md's DOMAIN STACK table); the "parked/working" binary
// semaphore is preserved as a single semaphore.Weighted sized to
// maxScanner, which the coordinator acquires per task and releases on
// completion, giving the same bounded-concurrency and
// wait-for-quiescence properties without a persistent worker-thread
// pool that Go's runtime would make us hand-roll for no benefit.
func (s *Sweeper) runWorkers(ctx context.Context, fn func(workerID int) error) error {
	sem := semaphore.NewWeighted(int64(s.maxScanner()))
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.maxScanner(); i++ {
		id := i
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			return fn(id)
		})
	}
	return g.Wait()
}
