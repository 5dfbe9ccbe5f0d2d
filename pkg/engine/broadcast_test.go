package engine

import (
	"testing"
	"time"

	"github.com/trackflow/trackflow/internal/model"
)

func collect(ch <-chan model.LiveEvent, n int, timeout time.Duration) []model.LiveEvent {
	var out []model.LiveEvent
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestBroadcaster_DeliversInOrder(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(model.NewLogEvent(model.LevelInfo, "first", time.Now()))
	b.Publish(model.NewLogEvent(model.LevelInfo, "second", time.Now()))
	b.Publish(model.NewStatusEvent(model.StatusFinished))

	events := collect(ch, 3, time.Second)
	if len(events) != 3 {
		t.Fatalf("received %d events, want 3", len(events))
	}
	if events[0].Log.Text != "first" || events[1].Log.Text != "second" {
		t.Errorf("log events out of order: %v, %v", events[0].Log, events[1].Log)
	}
	if events[2].Kind != model.EventStatusChanged {
		t.Errorf("last event = %v, want status change", events[2].Kind)
	}
}

func TestBroadcaster_CloseDrainsThenCloses(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe()
	defer cancel()

	for i := 0; i < 5; i++ {
		b.Publish(model.NewLogEvent(model.LevelInfo, "msg", time.Now()))
	}
	b.Close()

	count := 0
	for range ch {
		count++
	}
	if count != 5 {
		t.Errorf("received %d events before close, want 5", count)
	}
}

func TestBroadcaster_SubscribeAfterClose(t *testing.T) {
	b := NewBroadcaster()
	b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()
	if _, ok := <-ch; ok {
		t.Error("channel from post-close Subscribe should be closed")
	}
}

func TestBroadcaster_CancelStopsDelivery(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe()
	cancel()
	cancel() // idempotent

	b.Publish(model.NewLogEvent(model.LevelInfo, "late", time.Now()))

	// The channel must close; a cancelled subscriber never hangs a
	// ranging consumer.
	select {
	case _, ok := <-ch:
		if ok {
			// A buffered event may still arrive; drain to the close.
			for range ch {
			}
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled subscriber channel never closed")
	}
}

func TestBroadcaster_SlowSubscriberCoalescesMetrics(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe()
	defer cancel()

	// Publish far more metric updates than a non-reading subscriber's
	// backlog allows. Nothing may block, and the row total must
	// survive coalescing.
	const updates = 500
	for i := 0; i < updates; i++ {
		b.Publish(model.NewMetricsEvent([]model.MetricRow{row("loss", float64(i))}))
	}
	b.Close()

	total := 0
	for ev := range ch {
		if ev.Kind != model.EventMetricsUpdated {
			t.Fatalf("unexpected event kind %v", ev.Kind)
		}
		total += len(ev.Metrics.Rows)
	}
	if total != updates {
		t.Errorf("received %d rows across coalesced updates, want %d", total, updates)
	}
}

func TestBroadcaster_StatusNeverDropped(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe()
	defer cancel()

	// Saturate the pending list well past the log shedding threshold.
	for i := 0; i < maxPendingLogs*2; i++ {
		b.Publish(model.NewLogEvent(model.LevelInfo, "flood", time.Now()))
	}
	b.Publish(model.NewStatusEvent(model.StatusFailed))
	b.Close()

	sawStatus := false
	for ev := range ch {
		if ev.Kind == model.EventStatusChanged {
			sawStatus = true
		}
	}
	if !sawStatus {
		t.Error("status change was dropped under log flood")
	}
}

func TestBroadcaster_PublishNeverBlocks(t *testing.T) {
	b := NewBroadcaster()
	_, cancel := b.Subscribe() // subscriber that never reads
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			b.Publish(model.NewMetricsEvent([]model.MetricRow{row("x", 1)}))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a non-reading subscriber")
	}
}

func TestBroadcaster_CoalesceKeepsSubscribersIndependent(t *testing.T) {
	b := NewBroadcaster()
	chA, cancelA := b.Subscribe()
	defer cancelA()
	chB, cancelB := b.Subscribe()
	defer cancelB()

	// Neither subscriber reads during publication, so both backlogs
	// cross the coalescing threshold while sharing published events.
	const n = 200
	for i := 0; i < n; i++ {
		b.Publish(model.NewMetricsEvent([]model.MetricRow{row("loss", float64(i))}))
	}
	b.Close()

	for name, ch := range map[string]<-chan model.LiveEvent{"a": chA, "b": chB} {
		total := 0
		next := 0.0
		for ev := range ch {
			if ev.Kind != model.EventMetricsUpdated {
				continue
			}
			total += len(ev.Metrics.Rows)
			for _, r := range ev.Metrics.Rows {
				if v := r.Values["loss"].(float64); v != next {
					t.Fatalf("subscriber %s saw loss %v, want %v; coalescing leaked rows between subscribers", name, v, next)
				}
				next++
			}
		}
		if total != n {
			t.Errorf("subscriber %s received %d rows, want exactly %d", name, total, n)
		}
	}
}
