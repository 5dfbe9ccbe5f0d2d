package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/trackflow/trackflow/pkg/compaction"
	"github.com/trackflow/trackflow/pkg/tui"
)

var compactParallelism int

var compactCmd = &cobra.Command{
	Use:   "compact <experiment>",
	Short: "Merge finished runs' metric part files into single files",
	Long: `Compact every terminal run of an experiment: each run's metric part
files are merged into one metrics.parquet with the union schema.
Running runs are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runCompact,
}

func init() {
	compactCmd.Flags().IntVar(&compactParallelism, "parallelism", runtime.NumCPU(), "Runs compacted concurrently")
	rootCmd.AddCommand(compactCmd)
}

func runCompact(cmd *cobra.Command, args []string) error {
	experiment := args[0]
	n, err := compaction.CompactExperiment(cmd.Context(), baseDir, experiment, compactParallelism)
	if err != nil {
		return fmt.Errorf("compact %s: %w", experiment, err)
	}
	fmt.Printf("  %s %d runs of %s\n", tui.Title("compacted"), n, experiment)
	return nil
}
