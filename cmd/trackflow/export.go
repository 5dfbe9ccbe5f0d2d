package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/trackflow/trackflow/pkg/export"
	"github.com/trackflow/trackflow/pkg/query"
	"github.com/trackflow/trackflow/pkg/storage"
	"github.com/trackflow/trackflow/pkg/tui"
)

var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export <experiment> <run>",
	Short: "Export a run's metric history to an xlsx file",
	Long: `Export the full metric history of one run to a spreadsheet.

Examples:
  trackflow export my-experiment 20260825_143000
  trackflow export my-experiment 20260825_143000 -o results.xlsx`,
	Args: cobra.ExactArgs(2),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output xlsx path (default <run>.xlsx)")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	experiment, run := args[0], args[1]
	runPath := storage.RunPath(baseDir, experiment, run)

	out := exportOutput
	if out == "" {
		out = run + ".xlsx"
	}

	eng, err := query.New()
	if err != nil {
		return fmt.Errorf("init query engine: %w", err)
	}
	defer eng.Close()

	// Total is unknown until the query runs; the bar is spinner-style.
	bar := tui.ShowProgress(-1, "exporting "+experiment+"/"+run)
	start := time.Now()

	count, err := export.RunMetricsToXLSX(cmd.Context(), eng, runPath, out, func(rows int) {
		bar.Add(rows)
	})
	bar.Finish()
	if err != nil {
		return fmt.Errorf("export run: %w", err)
	}

	fmt.Printf("  %s %d rows to %s %s\n",
		tui.Title("exported"), count, out,
		tui.Muted("("+tui.FormatDuration(time.Since(start))+")"))
	return nil
}
