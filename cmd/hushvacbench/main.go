// Command hushvacbench drives the hushvac allocator under a synthetic
// workload and reports its diagnostic counters, standing in for the
// runtime's own internal benchmark suite (test/bench/go1) as the
// supplemental demo command SPEC_FULL.md §4.L calls for.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
