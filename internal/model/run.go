package model

import (
	"fmt"
	"time"
)

// MetricRow is one logged row of metrics: a timestamp, an optional
// caller-supplied step, and named values. Names are unique within the
// row; the engine does not validate step monotonicity.
type MetricRow struct {
	Step      *int64
	Timestamp time.Time
	Values    map[string]Value
}

// NewMetricRow stamps a row with the current time.
func NewMetricRow(values map[string]Value, step *int64) MetricRow {
	return MetricRow{
		Step:      step,
		Timestamp: time.Now().UTC(),
		Values:    values,
	}
}

// ParamSet maps parameter names to values. Later logs overwrite
// earlier keys; the merged set is persisted to config.yaml.
type ParamSet map[string]Value

// RunStatus is the lifecycle state of a run. Running is the only
// non-terminal state; transitions never reverse.
type RunStatus string

const (
	StatusRunning  RunStatus = "RUNNING"
	StatusFinished RunStatus = "FINISHED"
	StatusFailed   RunStatus = "FAILED"
)

// Terminal reports whether the status ends the run.
func (s RunStatus) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// ParseRunStatus parses the on-disk status string.
func ParseRunStatus(s string) (RunStatus, error) {
	switch RunStatus(s) {
	case StatusRunning, StatusFinished, StatusFailed:
		return RunStatus(s), nil
	}
	return "", fmt.Errorf("model: unknown run status %q", s)
}

// RunEnv captures the environment a run was started from.
type RunEnv struct {
	Executable string `yaml:"executable,omitempty" json:"executable,omitempty"`
	WorkingDir string `yaml:"working_dir,omitempty" json:"working_dir,omitempty"`
	Hostname   string `yaml:"hostname,omitempty" json:"hostname,omitempty"`
}

// RunMetadata is the run.yaml payload. It is created when the run
// opens and finalized exactly once when the run reaches a terminal
// status.
type RunMetadata struct {
	Name         string     `yaml:"name" json:"name"`
	Experiment   string     `yaml:"experiment" json:"experiment"`
	Status       RunStatus  `yaml:"status" json:"status"`
	StartedAt    time.Time  `yaml:"started_at" json:"started_at"`
	FinishedAt   *time.Time `yaml:"finished_at,omitempty" json:"finished_at,omitempty"`
	DurationSecs *float64   `yaml:"duration_secs,omitempty" json:"duration_secs,omitempty"`
	Description  string     `yaml:"description,omitempty" json:"description,omitempty"`
	Env          RunEnv     `yaml:"env,omitempty" json:"env,omitempty"`
}

// ExperimentMetadata is the experiment.yaml payload, shared by all
// runs of one experiment.
type ExperimentMetadata struct {
	DisplayName string   `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Tags        []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// ArtifactRef names a source file and its destination name inside the
// run's artifact area. The copy happens on the actor, never on the
// caller's goroutine.
type ArtifactRef struct {
	SourcePath string
	DestName   string
}
