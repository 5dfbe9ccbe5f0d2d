package engine

import (
	"time"

	"github.com/trackflow/trackflow/internal/model"
)

// FlushBuffer accumulates metric rows between flushes. It is a pure
// accumulator with a count/time dual trigger and performs no I/O; the
// owning actor passes the clock in, which keeps the trigger logic
// deterministic under test.
type FlushBuffer struct {
	rows    []model.MetricRow
	oldest  time.Time
	maxRows int
	maxAge  time.Duration
}

// NewFlushBuffer creates a buffer that wants flushing at maxRows rows
// or maxAge after the oldest buffered row, whichever comes first.
func NewFlushBuffer(maxRows int, maxAge time.Duration) *FlushBuffer {
	return &FlushBuffer{maxRows: maxRows, maxAge: maxAge}
}

// Push appends a row, recording now as the buffer age origin if the
// buffer was empty.
func (b *FlushBuffer) Push(row model.MetricRow, now time.Time) {
	if len(b.rows) == 0 {
		b.oldest = now
	}
	b.rows = append(b.rows, row)
}

// Len returns the buffered row count.
func (b *FlushBuffer) Len() int { return len(b.rows) }

// ShouldFlush reports whether either trigger has fired.
func (b *FlushBuffer) ShouldFlush(now time.Time) bool {
	if len(b.rows) == 0 {
		return false
	}
	return len(b.rows) >= b.maxRows || now.Sub(b.oldest) >= b.maxAge
}

// Deadline returns the time at which the age trigger fires. ok is
// false while the buffer is empty.
func (b *FlushBuffer) Deadline() (time.Time, bool) {
	if len(b.rows) == 0 {
		return time.Time{}, false
	}
	return b.oldest.Add(b.maxAge), true
}

// Drain clears the buffer and returns the rows in insertion order.
func (b *FlushBuffer) Drain() []model.MetricRow {
	rows := b.rows
	b.rows = nil
	return rows
}

// Requeue puts rows that failed to persist back at the front, ahead of
// anything pushed since, and restarts the age trigger from now so the
// retry waits for the next trigger instead of spinning.
func (b *FlushBuffer) Requeue(rows []model.MetricRow, now time.Time) {
	if len(rows) == 0 {
		return
	}
	b.rows = append(rows, b.rows...)
	b.oldest = now
}
