package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRootCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "hushvacbench",
		Short: "Drive and inspect the hushvac address non-reuse allocator",
		Long: "hushvacbench generates an allocate/free workload against hushvac's\n" +
			"public heap API to exercise the small/large/jumbo paths and the\n" +
			"background sweeper under load, and dumps its diagnostic counters.",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger(verbose)
		if err != nil {
			return err
		}
		cmd.SetContext(withLogger(cmd.Context(), logger))
		return nil
	}

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newStatsCmd())
	return cmd
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
