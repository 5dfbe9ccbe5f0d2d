package engine

import (
	"testing"
	"time"

	"github.com/trackflow/trackflow/internal/model"
)

func row(name string, v float64) model.MetricRow {
	return model.MetricRow{
		Timestamp: time.Now().UTC(),
		Values:    map[string]model.Value{name: model.Float(v)},
	}
}

func TestFlushBuffer_CountTrigger(t *testing.T) {
	buf := NewFlushBuffer(3, time.Hour)
	now := time.Now()

	buf.Push(row("a", 1), now)
	buf.Push(row("a", 2), now)
	if buf.ShouldFlush(now) {
		t.Error("should not flush below the row threshold")
	}
	buf.Push(row("a", 3), now)
	if !buf.ShouldFlush(now) {
		t.Error("should flush at the row threshold")
	}
}

func TestFlushBuffer_AgeTrigger(t *testing.T) {
	buf := NewFlushBuffer(1000, 500*time.Millisecond)
	start := time.Now()

	buf.Push(row("a", 1), start)
	if buf.ShouldFlush(start.Add(499 * time.Millisecond)) {
		t.Error("should not flush before maxAge")
	}
	if !buf.ShouldFlush(start.Add(500 * time.Millisecond)) {
		t.Error("should flush at maxAge")
	}
}

func TestFlushBuffer_AgeFromOldestRow(t *testing.T) {
	buf := NewFlushBuffer(1000, 500*time.Millisecond)
	start := time.Now()

	buf.Push(row("a", 1), start)
	// A later push must not reset the age origin.
	buf.Push(row("a", 2), start.Add(400*time.Millisecond))
	if !buf.ShouldFlush(start.Add(500 * time.Millisecond)) {
		t.Error("age trigger should run from the oldest buffered row")
	}
}

func TestFlushBuffer_EmptyNeverFlushes(t *testing.T) {
	buf := NewFlushBuffer(1, time.Nanosecond)
	if buf.ShouldFlush(time.Now().Add(time.Hour)) {
		t.Error("empty buffer should never want flushing")
	}
	if _, ok := buf.Deadline(); ok {
		t.Error("empty buffer should have no deadline")
	}
}

func TestFlushBuffer_Deadline(t *testing.T) {
	buf := NewFlushBuffer(1000, 500*time.Millisecond)
	start := time.Now()
	buf.Push(row("a", 1), start)

	deadline, ok := buf.Deadline()
	if !ok {
		t.Fatal("expected a deadline")
	}
	if want := start.Add(500 * time.Millisecond); !deadline.Equal(want) {
		t.Errorf("deadline = %v, want %v", deadline, want)
	}
}

func TestFlushBuffer_DrainPreservesOrder(t *testing.T) {
	buf := NewFlushBuffer(1000, time.Hour)
	now := time.Now()
	for i := 0; i < 5; i++ {
		buf.Push(row("x", float64(i)), now)
	}

	rows := buf.Drain()
	if len(rows) != 5 {
		t.Fatalf("drained %d rows, want 5", len(rows))
	}
	for i, r := range rows {
		f, _ := r.Values["x"].AsFloat()
		if f != float64(i) {
			t.Errorf("row %d = %v, want %d", i, f, i)
		}
	}
	if buf.Len() != 0 {
		t.Errorf("Len after drain = %d", buf.Len())
	}
}

func TestFlushBuffer_RequeuePrepends(t *testing.T) {
	buf := NewFlushBuffer(1000, 500*time.Millisecond)
	start := time.Now()

	buf.Push(row("x", 0), start)
	buf.Push(row("x", 1), start)
	failed := buf.Drain()

	// New rows arrive while the failed batch is in flight.
	buf.Push(row("x", 2), start)
	buf.Requeue(failed, start.Add(100*time.Millisecond))

	rows := buf.Drain()
	want := []float64{0, 1, 2}
	if len(rows) != len(want) {
		t.Fatalf("drained %d rows, want %d", len(rows), len(want))
	}
	for i, r := range rows {
		f, _ := r.Values["x"].AsFloat()
		if f != want[i] {
			t.Errorf("row %d = %v, want %v", i, f, want[i])
		}
	}
}

func TestFlushBuffer_RequeueRestartsAge(t *testing.T) {
	buf := NewFlushBuffer(1000, 500*time.Millisecond)
	start := time.Now()

	buf.Push(row("x", 0), start)
	failed := buf.Drain()
	requeueAt := start.Add(600 * time.Millisecond)
	buf.Requeue(failed, requeueAt)

	// The retry waits a full interval from the requeue, so a stale
	// batch does not spin the flush loop.
	if buf.ShouldFlush(requeueAt.Add(499 * time.Millisecond)) {
		t.Error("requeued rows should not flush before a fresh interval")
	}
	if !buf.ShouldFlush(requeueAt.Add(500 * time.Millisecond)) {
		t.Error("requeued rows should flush after a fresh interval")
	}
}
