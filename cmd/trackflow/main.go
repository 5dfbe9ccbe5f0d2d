// TrackFlow - experiment tracking engine.
// Logs metrics, params and artifacts for experiment runs and serves
// them over a local HTTP API.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/trackflow/trackflow/internal/model"
	"github.com/trackflow/trackflow/pkg/config"
	"github.com/trackflow/trackflow/pkg/storage"
	"github.com/trackflow/trackflow/pkg/tui"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// CLI flags
var (
	baseDir string
	verbose bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "trackflow",
	Short: "TrackFlow - experiment tracking engine",
	Long: `TrackFlow records experiment runs: metrics batched into Parquet,
params and metadata as YAML, logs and artifacts alongside.

Examples:
  trackflow list
  trackflow list my-experiment
  trackflow serve --port 8080
  trackflow export my-experiment 20260825_143000 -o run.xlsx`,
	Version: fmt.Sprintf("%s (%s)", version, commit),
}

var listCmd = &cobra.Command{
	Use:   "list [experiment]",
	Short: "List experiments, or the runs of one experiment",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runList,
}

func init() {
	cfg := config.Global().Get()

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&baseDir, "base-dir", cfg.Storage.BaseDir, "Experiments base directory")

	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		return listRuns(args[0])
	}
	return listExperiments()
}

func listExperiments() error {
	names, err := storage.ListExperiments(baseDir)
	if err != nil {
		return fmt.Errorf("list experiments: %w", err)
	}
	if len(names) == 0 {
		fmt.Println(tui.Muted("  No experiments in " + baseDir))
		return nil
	}

	fmt.Println()
	fmt.Println(tui.Title("  EXPERIMENTS") + tui.Muted("  ("+baseDir+")"))
	fmt.Println(tui.Rule())
	for _, name := range names {
		line := fmt.Sprintf("  %-32s", name)
		if runs, err := storage.ListRuns(baseDir, name); err == nil {
			line += tui.Muted(fmt.Sprintf("%d runs", len(runs)))
		}
		if meta, err := storage.LoadExperimentMetadata(baseDir, name); err == nil && meta.DisplayName != "" {
			line += "  " + tui.Muted(meta.DisplayName)
		}
		fmt.Println(line)
	}
	fmt.Println()
	return nil
}

func listRuns(experiment string) error {
	runs, err := storage.ListRuns(baseDir, experiment)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println(tui.Muted("  No runs for experiment " + experiment))
		return nil
	}

	fmt.Println()
	fmt.Println(tui.Title("  "+experiment) + tui.Muted(fmt.Sprintf("  %d runs", len(runs))))
	fmt.Println(tui.Rule())
	fmt.Printf("  %-22s %-10s %-22s %s\n",
		tui.Muted("RUN"), tui.Muted("STATUS"), tui.Muted("STARTED"), tui.Muted("DURATION"))
	for _, run := range runs {
		meta, err := storage.LoadRunMetadata(storage.RunPath(baseDir, experiment, run))
		if err != nil {
			fmt.Printf("  %-22s %s\n", run, tui.Muted("(unreadable: "+err.Error()+")"))
			continue
		}
		dur := tui.Muted("-")
		if meta.DurationSecs != nil {
			dur = tui.FormatDuration(time.Duration(*meta.DurationSecs * float64(time.Second)))
		} else if meta.Status == model.StatusRunning {
			dur = tui.Accent(tui.FormatDuration(time.Since(meta.StartedAt)))
		}
		fmt.Printf("  %-22s %-10s %-22s %s\n",
			run, tui.Status(meta.Status),
			meta.StartedAt.Local().Format("2006-01-02 15:04:05"), dur)
	}
	fmt.Println()
	return nil
}
