package watch

import (
	"context"
	"testing"
	"time"

	"github.com/trackflow/trackflow/internal/model"
	"github.com/trackflow/trackflow/pkg/storage"
)

func TestParseLogLine(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantLevel string
		wantText  string
		wantTS    bool
	}{
		{
			name:      "well formed",
			line:      "[2026-08-25T14:30:00.123Z] [ERROR] cuda out of memory",
			wantLevel: "ERROR",
			wantText:  "cuda out of memory",
			wantTS:    true,
		},
		{
			name:      "text containing brackets",
			line:      "[2026-08-25T14:30:00.123Z] [INFO] shape [32, 64]",
			wantLevel: "INFO",
			wantText:  "shape [32, 64]",
			wantTS:    true,
		},
		{
			name:      "free-form line passes through at INFO",
			line:      "panic: runtime error",
			wantLevel: "INFO",
			wantText:  "panic: runtime error",
		},
		{
			name:      "bad timestamp passes through",
			line:      "[yesterday] [WARN] something",
			wantLevel: "INFO",
			wantText:  "[yesterday] [WARN] something",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, text, ts := parseLogLine(tt.line)
			if level != tt.wantLevel {
				t.Errorf("level = %q, want %q", level, tt.wantLevel)
			}
			if text != tt.wantText {
				t.Errorf("text = %q, want %q", text, tt.wantText)
			}
			if tt.wantTS {
				want := time.Date(2026, 8, 25, 14, 30, 0, 123e6, time.UTC)
				if !ts.Equal(want) {
					t.Errorf("ts = %v, want %v", ts, want)
				}
			}
		})
	}
}

func appendRow(t *testing.T, dir *storage.RunDir, name string, v float64, step int64) {
	t.Helper()
	if err := dir.AppendMetrics([]model.MetricRow{{
		Step:      &step,
		Timestamp: time.Now().UTC(),
		Values:    map[string]model.Value{name: model.Float(v)},
	}}); err != nil {
		t.Fatalf("AppendMetrics: %v", err)
	}
}

func awaitEvent(t *testing.T, ch <-chan model.LiveEvent, kind model.EventKind) model.LiveEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed before %s arrived", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestHub_SynthesizesEventsFromDiskWrites(t *testing.T) {
	base := t.TempDir()
	dir, err := storage.Open(base, "exp", "run1")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer dir.Close()

	meta := model.RunMetadata{
		Name:       "run1",
		Experiment: "exp",
		Status:     model.StatusRunning,
		StartedAt:  time.Now().UTC(),
	}
	if err := dir.WriteRunMetadata(meta); err != nil {
		t.Fatal(err)
	}
	// History from before attachment must never replay.
	appendRow(t, dir, "loss", 0.9, 0)
	if err := dir.AppendLog(model.LevelInfo, "starting", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	hub, err := NewHub(base)
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	events, stop, err := hub.Subscribe("exp", "run1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	appendRow(t, dir, "loss", 0.5, 1)
	ev := awaitEvent(t, events, model.EventMetricsUpdated)
	if len(ev.Metrics.Rows) != 1 {
		t.Fatalf("metrics event carried %d rows, want only the new part's row", len(ev.Metrics.Rows))
	}
	if v := ev.Metrics.Rows[0].Values["loss"]; v != 0.5 {
		t.Errorf("metrics event loss = %v, want the post-attachment value 0.5", v)
	}

	if err := dir.AppendLog(model.LevelWarn, "gpu hot", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	logEv := awaitEvent(t, events, model.EventLogMessage)
	if logEv.Log.Level != "WARN" || logEv.Log.Text != "gpu hot" {
		t.Errorf("log event = %+v, want only the appended line", logEv.Log)
	}

	meta.Status = model.StatusFinished
	if err := dir.WriteRunMetadata(meta); err != nil {
		t.Fatal(err)
	}
	statusEv := awaitEvent(t, events, model.EventStatusChanged)
	if statusEv.Status.Status != model.StatusFinished {
		t.Errorf("status event = %v, want Finished", statusEv.Status.Status)
	}
}

func TestHub_LastUnsubscribeRemovesWatches(t *testing.T) {
	base := t.TempDir()
	dir, err := storage.Open(base, "exp", "run1")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer dir.Close()

	hub, err := NewHub(base)
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	defer hub.watcher.Close()

	_, stop1, err := hub.Subscribe("exp", "run1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	_, stop2, err := hub.Subscribe("exp", "run1")
	if err != nil {
		t.Fatalf("second Subscribe: %v", err)
	}
	if len(hub.watcher.WatchList()) == 0 {
		t.Fatal("no watches registered after subscribe")
	}

	stop1()
	if len(hub.watcher.WatchList()) == 0 {
		t.Fatal("watches removed while a subscriber remains")
	}

	stop2()
	if wl := hub.watcher.WatchList(); len(wl) != 0 {
		t.Errorf("watches remain after the last unsubscribe: %v", wl)
	}
}
