package engine

import (
	"time"

	"github.com/trackflow/trackflow/internal/model"
)

// commands travel over the ingestion channel from caller goroutines to
// the run actor. One struct with a kind tag keeps the channel element
// a single allocation-free value.
type cmdKind uint8

const (
	cmdMetrics cmdKind = iota
	cmdParams
	cmdLog
	cmdArtifact
	cmdClose
)

type command struct {
	kind cmdKind

	row      model.MetricRow
	params   model.ParamSet
	level    model.LogLevel
	text     string
	ts       time.Time
	artifact model.ArtifactRef

	status model.RunStatus
	done   chan CloseResult
}

// CloseResult is what the blocking Close call learns: the terminal
// status the run reached and, for Failed runs, the error that caused
// it. The error is informational; Close never panics over storage
// problems.
type CloseResult struct {
	Status model.RunStatus
	Err    error
}
