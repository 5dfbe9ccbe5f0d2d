package compaction

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/trackflow/trackflow/internal/model"
	"github.com/trackflow/trackflow/pkg/storage"
)

func writeRun(t *testing.T, base, experiment, name string, status model.RunStatus, batches [][]model.MetricRow) string {
	t.Helper()
	dir, err := storage.Open(base, experiment, name)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dir.Close()

	for _, rows := range batches {
		if err := dir.AppendMetrics(rows); err != nil {
			t.Fatalf("AppendMetrics: %v", err)
		}
	}
	if err := dir.WriteRunMetadata(model.RunMetadata{
		Name:       name,
		Experiment: experiment,
		Status:     status,
		StartedAt:  time.Now().UTC(),
	}); err != nil {
		t.Fatalf("WriteRunMetadata: %v", err)
	}
	return dir.Path()
}

func batch(start int64, names ...string) []model.MetricRow {
	var rows []model.MetricRow
	for i := 0; i < 2; i++ {
		step := start + int64(i)
		values := map[string]model.Value{}
		for _, n := range names {
			values[n] = model.Float(float64(step))
		}
		rows = append(rows, model.MetricRow{Step: &step, Timestamp: time.Now().UTC(), Values: values})
	}
	return rows
}

func TestCompactRun_MergesPartsInOrder(t *testing.T) {
	base := t.TempDir()
	runPath := writeRun(t, base, "exp", "run1", model.StatusFinished, [][]model.MetricRow{
		batch(0, "loss"),
		batch(2, "loss", "val_loss"),
	})

	if err := CompactRun(runPath); err != nil {
		t.Fatalf("CompactRun: %v", err)
	}

	parts, _ := storage.PartFiles(runPath)
	if len(parts) != 0 {
		t.Errorf("%d parts remain after compaction", len(parts))
	}
	if _, err := os.Stat(storage.CompactedPath(runPath)); err != nil {
		t.Fatalf("compacted file missing: %v", err)
	}

	stored, err := storage.ReadMetrics(runPath)
	if err != nil {
		t.Fatalf("ReadMetrics: %v", err)
	}
	if len(stored) != 4 {
		t.Fatalf("rows = %d, want 4", len(stored))
	}
	for i, r := range stored {
		if *r.Step != int64(i) {
			t.Errorf("row %d step = %d, order lost in compaction", i, *r.Step)
		}
	}
	// Union schema: early rows never gain the late column.
	if _, present := stored[0].Values["val_loss"]; present {
		t.Error("compaction filled an absent value with data")
	}
}

func TestCompactRun_Idempotent(t *testing.T) {
	base := t.TempDir()
	runPath := writeRun(t, base, "exp", "run1", model.StatusFinished, [][]model.MetricRow{batch(0, "x")})

	if err := CompactRun(runPath); err != nil {
		t.Fatalf("first CompactRun: %v", err)
	}
	if err := CompactRun(runPath); err != nil {
		t.Fatalf("second CompactRun: %v", err)
	}

	stored, err := storage.ReadMetrics(runPath)
	if err != nil {
		t.Fatalf("ReadMetrics: %v", err)
	}
	if len(stored) != 2 {
		t.Errorf("rows = %d after double compaction, want 2", len(stored))
	}
}

func TestCompactRun_NoMetrics(t *testing.T) {
	base := t.TempDir()
	runPath := writeRun(t, base, "exp", "run1", model.StatusFinished, nil)

	if err := CompactRun(runPath); err != nil {
		t.Fatalf("CompactRun on empty run: %v", err)
	}
	if _, err := os.Stat(storage.CompactedPath(runPath)); !os.IsNotExist(err) {
		t.Error("empty run should not gain a compacted file")
	}
}

func TestCompactExperiment_SkipsRunningRuns(t *testing.T) {
	base := t.TempDir()
	writeRun(t, base, "exp", "done", model.StatusFinished, [][]model.MetricRow{batch(0, "x")})
	activePath := writeRun(t, base, "exp", "active", model.StatusRunning, [][]model.MetricRow{batch(0, "x")})

	n, err := CompactExperiment(context.Background(), base, "exp", 2)
	if err != nil {
		t.Fatalf("CompactExperiment: %v", err)
	}
	if n != 1 {
		t.Errorf("compacted %d runs, want 1", n)
	}

	parts, _ := storage.PartFiles(activePath)
	if len(parts) != 1 {
		t.Errorf("running run's parts were touched: %d remain", len(parts))
	}
}
