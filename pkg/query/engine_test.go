package query

import (
	"context"
	"testing"
	"time"

	"github.com/trackflow/trackflow/internal/model"
	"github.com/trackflow/trackflow/pkg/storage"
)

func seedRun(t *testing.T, base string, batches [][]model.MetricRow) string {
	t.Helper()
	dir, err := storage.Open(base, "exp", "run1")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer dir.Close()
	for _, rows := range batches {
		if err := dir.AppendMetrics(rows); err != nil {
			t.Fatalf("AppendMetrics: %v", err)
		}
	}
	return dir.Path()
}

func rowsWithStep(start int64, values map[string]model.Value) []model.MetricRow {
	s := start
	return []model.MetricRow{{Step: &s, Timestamp: time.Now().UTC(), Values: values}}
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func TestEngine_RunMetricsOrderAcrossParts(t *testing.T) {
	base := t.TempDir()
	runPath := seedRun(t, base, [][]model.MetricRow{
		rowsWithStep(0, map[string]model.Value{"loss": model.Float(1.0)}),
		rowsWithStep(1, map[string]model.Value{"loss": model.Float(0.5)}),
		rowsWithStep(2, map[string]model.Value{"loss": model.Float(0.25), "acc": model.Float(0.9)}),
	})
	eng := newEngine(t)

	rows, err := eng.RunMetrics(context.Background(), runPath)
	if err != nil {
		t.Fatalf("RunMetrics: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	for i, r := range rows {
		step, ok := r["step"].(int64)
		if !ok || step != int64(i) {
			t.Errorf("row %d step = %v, order lost across parts", i, r["step"])
		}
	}
}

func TestEngine_RunMetricsEmptyRun(t *testing.T) {
	base := t.TempDir()
	runPath := seedRun(t, base, nil)
	eng := newEngine(t)

	rows, err := eng.RunMetrics(context.Background(), runPath)
	if err != nil {
		t.Fatalf("RunMetrics: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("rows = %d, want none", len(rows))
	}
}

func TestEngine_RegisterRunViewUnionSchema(t *testing.T) {
	base := t.TempDir()
	runPath := seedRun(t, base, [][]model.MetricRow{
		rowsWithStep(0, map[string]model.Value{"loss": model.Float(1.0)}),
		rowsWithStep(1, map[string]model.Value{"loss": model.Float(0.5), "acc": model.Float(0.8)}),
	})
	eng := newEngine(t)
	ctx := context.Background()

	if err := eng.RegisterRunView(ctx, "run_view", runPath); err != nil {
		t.Fatalf("RegisterRunView: %v", err)
	}
	defer eng.DropView(ctx, "run_view")

	result, err := eng.Query(ctx, `SELECT count(*) AS n, count(acc) AS with_acc FROM "run_view"`)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	rows, err := result.ToMaps()
	if err != nil {
		t.Fatalf("ToMaps: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d", len(rows))
	}
	if n := rows[0]["n"].(int64); n != 2 {
		t.Errorf("n = %d, want union view over both parts", n)
	}
	// The early part has no acc column; the union schema null-fills it.
	if withAcc := rows[0]["with_acc"].(int64); withAcc != 1 {
		t.Errorf("with_acc = %d, want 1", withAcc)
	}
}

func TestEngine_RegisterRunViewNoMetrics(t *testing.T) {
	base := t.TempDir()
	runPath := seedRun(t, base, nil)
	eng := newEngine(t)

	if err := eng.RegisterRunView(context.Background(), "empty_view", runPath); err == nil {
		t.Error("expected error registering a view over a run with no metrics")
	}
}
