package rest

import (
	"time"

	"github.com/trackflow/trackflow/internal/model"
)

// ExperimentSummary describes one experiment in a listing.
type ExperimentSummary struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	RunCount    int      `json:"run_count"`
}

// RunSummary describes one run in a listing.
type RunSummary struct {
	Name         string          `json:"name"`
	Status       model.RunStatus `json:"status,omitempty"`
	StartedAt    time.Time       `json:"started_at,omitzero"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	DurationSecs *float64        `json:"duration_secs,omitempty"`
}

// RunDetail is the full view of one run.
type RunDetail struct {
	Metadata model.RunMetadata `json:"metadata"`
	Params   map[string]any    `json:"params"`
}

// MetricsResponse carries a run's metric history.
type MetricsResponse struct {
	Rows     []map[string]any `json:"rows"`
	RowCount int64            `json:"row_count"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
