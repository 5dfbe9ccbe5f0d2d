package engine

import (
	"sync"

	"github.com/trackflow/trackflow/internal/model"
)

const (
	// subscriberBuffer is the channel depth handed to each consumer.
	subscriberBuffer = 16
	// coalesceBacklog is the pending backlog beyond which adjacent
	// metric updates are merged for a slow subscriber.
	coalesceBacklog = 32
	// maxPendingLogs is the pending backlog beyond which log-line
	// events are shed. Status changes are never shed.
	maxPendingLogs = 1024
)

// Broadcaster fans LiveEvents out from the run actor to any number of
// subscribers. Publication never blocks the actor: each subscriber has
// a pending list guarded by its own mutex and a pump goroutine that
// feeds the subscriber's channel. Slow subscribers get their metric
// updates coalesced into larger batches; StatusChanged events are
// always preserved.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*subscriber]struct{})}
}

type subscriber struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []model.LiveEvent
	// lastOwned marks the pending tail as this subscriber's private
	// coalesced copy, safe to keep appending into.
	lastOwned bool
	done      bool

	ch   chan model.LiveEvent
	quit chan struct{}
}

// Subscribe registers a new subscriber. It receives events published
// after this call; there is no history replay. The returned cancel
// func detaches the subscriber and is safe to call more than once
// alongside a closing broadcaster.
func (b *Broadcaster) Subscribe() (<-chan model.LiveEvent, func()) {
	s := &subscriber{
		ch:   make(chan model.LiveEvent, subscriberBuffer),
		quit: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.pump()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.quit)
			s.finish()
		})
	}
	return s.ch, cancel
}

// Publish delivers an event to every current subscriber. It only ever
// holds short registration mutexes, never the subscribers' channels.
func (b *Broadcaster) Publish(ev model.LiveEvent) {
	b.mu.Lock()
	targets := make([]*subscriber, 0, len(b.subs))
	for s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.enqueue(ev)
	}
}

// Close marks the end of the event stream. Subscribers receive all
// already-published events, then their channels close.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*subscriber]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		s.finish()
	}
}

func (s *subscriber) enqueue(ev model.LiveEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	if len(s.pending) >= coalesceBacklog && ev.Kind == model.EventMetricsUpdated {
		if last := len(s.pending) - 1; s.pending[last].Kind == model.EventMetricsUpdated {
			// Published events are shared between all subscribers, so
			// the merge target must be this subscriber's own copy.
			if !s.lastOwned {
				prev := s.pending[last].Metrics.Rows
				rows := make([]model.MetricRowView, len(prev), len(prev)+len(ev.Metrics.Rows))
				copy(rows, prev)
				s.pending[last] = model.LiveEvent{
					Kind:    model.EventMetricsUpdated,
					Metrics: &model.MetricsUpdate{Rows: rows},
				}
				s.lastOwned = true
			}
			merged := s.pending[last].Metrics
			merged.Rows = append(merged.Rows, ev.Metrics.Rows...)
			return
		}
	}
	if len(s.pending) >= maxPendingLogs && ev.Kind == model.EventLogMessage {
		return
	}
	s.pending = append(s.pending, ev)
	s.lastOwned = false
	s.cond.Signal()
}

func (s *subscriber) finish() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *subscriber) pump() {
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.done {
			s.cond.Wait()
		}
		batch := s.pending
		s.pending = nil
		s.lastOwned = false
		done := s.done
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.ch <- ev:
			case <-s.quit:
				close(s.ch)
				return
			}
		}
		if done {
			close(s.ch)
			return
		}
	}
}
