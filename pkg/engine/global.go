package engine

import (
	"sync"

	"github.com/trackflow/trackflow/internal/model"
)

// The process-global handle mirrors the convenience API of singleton
// tracker wrappers, with an explicit lifecycle: Init creates it, a
// second Init closes the prior run (Finished) and replaces it, and
// Shutdown tears it down. State lives in one guarded variable, not in
// ambient globals scattered across packages.

var (
	globalMu  sync.Mutex
	globalRun *Run
)

// Init opens a run and installs it as the process-global handle. An
// already-installed run is closed with StatusFinished first.
func Init(opts Options) (*Run, error) {
	run, err := Open(opts)
	if err != nil {
		return nil, err
	}
	globalMu.Lock()
	prior := globalRun
	globalRun = run
	globalMu.Unlock()
	if prior != nil {
		prior.Close(model.StatusFinished)
	}
	return run, nil
}

// Active returns the current global run, or nil.
func Active() *Run {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalRun
}

// Shutdown closes and uninstalls the global run. ok is false when no
// run was installed.
func Shutdown(status model.RunStatus) (CloseResult, bool) {
	globalMu.Lock()
	run := globalRun
	globalRun = nil
	globalMu.Unlock()
	if run == nil {
		return CloseResult{}, false
	}
	return run.Close(status), true
}

// LogMetrics logs a metric row on the global run.
func LogMetrics(values map[string]any, step ...int64) error {
	run := Active()
	if run == nil {
		return ErrNotInitialized
	}
	return run.LogMetrics(values, step...)
}

// LogParams logs parameters on the global run.
func LogParams(params map[string]any) error {
	run := Active()
	if run == nil {
		return ErrNotInitialized
	}
	return run.LogParams(params)
}

// LogMessage appends a log line on the global run.
func LogMessage(level model.LogLevel, text string) error {
	run := Active()
	if run == nil {
		return ErrNotInitialized
	}
	return run.LogMessage(level, text)
}

// SaveArtifact copies an artifact on the global run.
func SaveArtifact(src string, destName ...string) error {
	run := Active()
	if run == nil {
		return ErrNotInitialized
	}
	return run.SaveArtifact(src, destName...)
}
