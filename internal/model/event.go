package model

import "time"

// LogLevel classifies run log lines.
type LogLevel uint8

const (
	LevelInfo LogLevel = iota
	LevelWarn
	LevelError
)

// String returns the level tag used in run.log and SSE payloads.
func (l LogLevel) String() string {
	switch l {
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// EventKind tags a LiveEvent variant.
type EventKind string

const (
	EventLogMessage     EventKind = "log_message"
	EventMetricsUpdated EventKind = "metrics_updated"
	EventStatusChanged  EventKind = "status_changed"
)

// LiveEvent is a notification about a change to a run, delivered to
// active subscribers only. Exactly one of the variant fields is set,
// matching Kind.
type LiveEvent struct {
	Kind    EventKind      `json:"kind"`
	Log     *LogPayload    `json:"log,omitempty"`
	Metrics *MetricsUpdate `json:"metrics,omitempty"`
	Status  *StatusChange  `json:"status,omitempty"`
}

// LogPayload is a single run log line.
type LogPayload struct {
	Level     string    `json:"level"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// MetricsUpdate carries the rows logged since the previous event.
// A broadcaster may coalesce several updates into one larger batch
// for a slow subscriber.
type MetricsUpdate struct {
	Rows []MetricRowView `json:"rows"`
}

// MetricRowView is the JSON shape of a metric row.
type MetricRowView struct {
	Step      *int64         `json:"step,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Values    map[string]any `json:"values"`
}

// StatusChange announces a run status transition. Broadcasters must
// never drop this variant.
type StatusChange struct {
	Status RunStatus `json:"status"`
}

// NewLogEvent builds a log_message event.
func NewLogEvent(level LogLevel, text string, ts time.Time) LiveEvent {
	return LiveEvent{
		Kind: EventLogMessage,
		Log:  &LogPayload{Level: level.String(), Text: text, Timestamp: ts},
	}
}

// NewMetricsEvent builds a metrics_updated event from raw rows.
func NewMetricsEvent(rows []MetricRow) LiveEvent {
	views := make([]MetricRowView, len(rows))
	for i, r := range rows {
		values := make(map[string]any, len(r.Values))
		for k, v := range r.Values {
			values[k] = v.Interface()
		}
		views[i] = MetricRowView{Step: r.Step, Timestamp: r.Timestamp, Values: values}
	}
	return LiveEvent{Kind: EventMetricsUpdated, Metrics: &MetricsUpdate{Rows: views}}
}

// NewStatusEvent builds a status_changed event.
func NewStatusEvent(status RunStatus) LiveEvent {
	return LiveEvent{Kind: EventStatusChanged, Status: &StatusChange{Status: status}}
}
