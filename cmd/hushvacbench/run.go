package main

import (
	"fmt"
	"math/rand"
	"time"
	"unsafe"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cssl-unist/hushvac"
)

func newRunCmd() *cobra.Command {
	var (
		ops        int
		maxLive    int
		smallRatio float64
		largeRatio float64
		duration   time.Duration
		seed       int64
		sweeper    bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an allocate/free workload against the default heap",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := loggerFrom(cmd.Context())
			return runWorkload(logger, workloadConfig{
				ops:        ops,
				maxLive:    maxLive,
				smallRatio: smallRatio,
				largeRatio: largeRatio,
				duration:   duration,
				seed:       seed,
				sweeper:    sweeper,
			})
		},
	}

	cmd.Flags().IntVar(&ops, "ops", 200_000, "number of allocate/free operations to perform")
	cmd.Flags().IntVar(&maxLive, "max-live", 4096, "maximum number of simultaneously live allocations")
	cmd.Flags().Float64Var(&smallRatio, "small-ratio", 0.90, "fraction of allocations routed to the small-bin path")
	cmd.Flags().Float64Var(&largeRatio, "large-ratio", 0.09, "fraction of allocations routed to the large-pool path (remainder is jumbo)")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long even if ops has not been reached (0 disables)")
	cmd.Flags().Int64Var(&seed, "seed", 1, "PRNG seed, for reproducible workloads")
	cmd.Flags().BoolVar(&sweeper, "sweeper", true, "enable the background conservative sweeper for this run")

	return cmd
}

type workloadConfig struct {
	ops        int
	maxLive    int
	smallRatio float64
	largeRatio float64
	duration   time.Duration
	seed       int64
	sweeper    bool
}

// runWorkload allocates and frees a mix of small/large/jumbo blocks
// against a dedicated hushvac.Arena, keeping up to maxLive pointers
// live at once in a slice (a random one is freed and swap-removed) so the
// allocator sees a realistic steady-state
// mix of fresh allocation and reuse pressure for the sweeper/trigger to
// act on.
func runWorkload(logger *zap.Logger, cfg workloadConfig) error {
	arena, err := hushvac.ArenaCreate(hushvac.WithLogger(logger), hushvac.WithSweeper(cfg.sweeper))
	if err != nil {
		return fmt.Errorf("hushvacbench: create arena: %w", err)
	}
	defer arena.Destroy()

	rng := rand.New(rand.NewSource(cfg.seed))
	live := make([]unsafe.Pointer, 0, cfg.maxLive)

	deadline := time.Time{}
	if cfg.duration > 0 {
		deadline = time.Now().Add(cfg.duration)
	}

	start := time.Now()
	for i := 0; i < cfg.ops; i++ {
		if !deadline.IsZero() && time.Now().After(deadline) {
			break
		}

		if len(live) >= cfg.maxLive || (len(live) > 0 && rng.Float64() < 0.5) {
			idx := rng.Intn(len(live))
			arena.Free(live[idx])
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]
			continue
		}

		size := sizeFor(rng, cfg)
		ptr, err := arena.Alloc(size)
		if err != nil {
			logger.Warn("hushvacbench: allocation failed", zap.Int("size", size), zap.Error(err))
			continue
		}
		live = append(live, ptr)
	}

	for _, p := range live {
		arena.Free(p)
	}

	elapsed := time.Since(start)
	stats := arena.Stats()
	logger.Info("workload complete",
		zap.Int("ops", cfg.ops),
		zap.Duration("elapsed", elapsed),
		zap.Float64("ops_per_sec", float64(cfg.ops)/elapsed.Seconds()),
		zap.Int64("sweep_cycles", stats.SweepCycles),
		zap.Int64("pools_reclaimed", stats.PoolsReclaimed),
	)
	return nil
}

func sizeFor(rng *rand.Rand, cfg workloadConfig) int {
	r := rng.Float64()
	switch {
	case r < cfg.smallRatio:
		return 8 + rng.Intn(256)
	case r < cfg.smallRatio+cfg.largeRatio:
		return 4096 + rng.Intn(1<<16)
	default:
		return 1 << 21 // forces the jumbo tier
	}
}
