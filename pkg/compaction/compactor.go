// Package compaction merges a run's metric part files into a single
// parquet file. Parts are the live append units; once a run is
// terminal nothing appends anymore, so the parts can be folded into
// one file with the union schema for cheaper reads.
package compaction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/trackflow/trackflow/pkg/storage"
)

// CompactRun folds the run's part files (plus any previously compacted
// file) into metrics.parquet, preserving row order, then removes the
// parts. Safe to call on a run with no metrics, and idempotent.
func CompactRun(runPath string) error {
	parts, err := storage.PartFiles(runPath)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return nil
	}

	stored, err := storage.ReadMetrics(runPath)
	if err != nil {
		return fmt.Errorf("compact %s: %w", runPath, err)
	}
	if len(stored) == 0 {
		return nil
	}

	if err := storage.WriteMetricsFile(storage.CompactedPath(runPath), storage.ToMetricRows(stored)); err != nil {
		return fmt.Errorf("compact %s: %w", runPath, err)
	}

	for _, part := range parts {
		if err := os.Remove(part); err != nil {
			return fmt.Errorf("remove %s: %w", filepath.Base(part), err)
		}
	}
	return nil
}

// CompactExperiment compacts every terminal run of an experiment.
// Active runs (status Running) are left alone; their actor owns the
// directory.
func CompactExperiment(ctx context.Context, baseDir, experiment string, parallelism int) (int, error) {
	runs, err := storage.ListRuns(baseDir, experiment)
	if err != nil {
		return 0, err
	}

	if parallelism <= 0 {
		parallelism = 4
	}
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	compacted := 0
	results := make(chan string, len(runs))
	for _, run := range runs {
		runPath := filepath.Join(baseDir, experiment, run)
		meta, err := storage.LoadRunMetadata(runPath)
		if err != nil || !meta.Status.Terminal() {
			continue
		}
		g.Go(func() error {
			if err := CompactRun(runPath); err != nil {
				return err
			}
			results <- runPath
			return nil
		})
	}
	err = g.Wait()
	close(results)
	for range results {
		compacted++
	}
	return compacted, err
}
