// Package engine is the non-blocking logging engine at the core of
// TrackFlow. A Run handle owns the sender side of a per-run ingestion
// channel; a background actor consumes it, batches metric rows, writes
// the run directory and fans live events out to subscribers.
//
// Every logging call is a single channel enqueue: no I/O, no locks
// beyond the channel's own synchronization, bounded time regardless of
// disk state. Close is the one call that blocks, and the one place the
// caller learns whether the run ended Finished or Failed.
//
// Callers must pair Open with Close on every exit path; the idiomatic
// shape is
//
//	run, err := engine.Open(opts)
//	if err != nil { ... }
//	defer run.Close(model.StatusFinished)
//
// Close is idempotent, so a deferred Finished close composes with an
// explicit Close(model.StatusFailed) on the error path.
package engine

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trackflow/trackflow/internal/model"
	"github.com/trackflow/trackflow/pkg/storage"
)

const (
	// DefaultFlushRows is the buffered-row count that triggers a flush.
	DefaultFlushRows = 50
	// DefaultFlushInterval is the maximum age of a buffered row before
	// the timer path flushes it.
	DefaultFlushInterval = 500 * time.Millisecond
	// DefaultQueueCapacity bounds the ingestion channel. Enqueue never
	// blocks: commands beyond this backlog are dropped and counted.
	DefaultQueueCapacity = 65536
	// DefaultMaxWriteFailures is how many consecutive flush failures
	// are treated as irrecoverable.
	DefaultMaxWriteFailures = 5
)

// Heartbeat receives a liveness record after every successful flush
// and at run finalization. Implementations must be non-blocking from
// the actor's point of view or cheap enough not to matter.
type Heartbeat interface {
	RecordFlush(experiment, run string, status model.RunStatus, lastStep *int64)
}

// Options configures Open.
type Options struct {
	Experiment string
	BaseDir    string

	// RunName pins the run id. Empty selects a timestamp-derived id;
	// an existing explicit name fails with ErrNameCollision.
	RunName string

	// Description is written to experiment.yaml on first creation.
	Description string

	FlushRows        int
	FlushInterval    time.Duration
	QueueCapacity    int
	MaxWriteFailures int

	// Heartbeat, when set, receives per-flush liveness records.
	Heartbeat Heartbeat

	// CompactOnClose folds the run's metric part files into a single
	// metrics.parquet after the terminal metadata is written.
	CompactOnClose bool
}

func (o *Options) applyDefaults() error {
	if o.Experiment == "" {
		return fmt.Errorf("engine: experiment name is required")
	}
	if o.BaseDir == "" {
		return fmt.Errorf("engine: base directory is required")
	}
	if o.FlushRows <= 0 {
		o.FlushRows = DefaultFlushRows
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = DefaultQueueCapacity
	}
	if o.MaxWriteFailures <= 0 {
		o.MaxWriteFailures = DefaultMaxWriteFailures
	}
	return nil
}

// Stats are counters exposed by a Run handle.
type Stats struct {
	// Dropped counts commands shed because the ingestion channel was
	// full. Non-zero means the consumer fell behind the producers.
	Dropped uint64
}

// Run is the per-run logging handle. All methods are safe for
// concurrent use from multiple goroutines; commands from a single
// goroutine are observed by the actor in program order.
type Run struct {
	experiment string
	name       string
	path       string

	cmds    chan command
	bcast   *Broadcaster
	closed  atomic.Bool
	dropped atomic.Uint64

	closeOnce sync.Once
	result    CloseResult

	// exited is closed by an actor that exited terminal-drain mode
	// without ever seeing a Close; terminal then holds its result.
	exited   chan struct{}
	terminal CloseResult
}

// Open creates or locates the experiment, allocates the run directory,
// writes the initial Running metadata and spawns the run actor.
func Open(opts Options) (*Run, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}

	if err := storage.EnsureExperiment(opts.BaseDir, opts.Experiment, model.ExperimentMetadata{
		DisplayName: opts.Experiment,
		Description: opts.Description,
	}); err != nil {
		return nil, fmt.Errorf("ensure experiment: %w", err)
	}

	dir, err := storage.Open(opts.BaseDir, opts.Experiment, opts.RunName)
	if err != nil {
		return nil, err
	}

	meta := model.RunMetadata{
		Name:       dir.Name(),
		Experiment: opts.Experiment,
		Status:     model.StatusRunning,
		StartedAt:  time.Now().UTC(),
		Env:        captureEnv(),
	}
	if err := dir.WriteRunMetadata(meta); err != nil {
		dir.Close()
		return nil, fmt.Errorf("write initial metadata: %w", err)
	}

	r := &Run{
		experiment: opts.Experiment,
		name:       dir.Name(),
		path:       dir.Path(),
		cmds:       make(chan command, opts.QueueCapacity),
		bcast:      NewBroadcaster(),
		exited:     make(chan struct{}),
	}

	a := &actor{
		dir:         dir,
		buf:         NewFlushBuffer(opts.FlushRows, opts.FlushInterval),
		bcast:       r.bcast,
		meta:        meta,
		heartbeat:   opts.Heartbeat,
		maxFailures: opts.MaxWriteFailures,
		compact:     opts.CompactOnClose,
		terminal:    &r.terminal,
		exited:      r.exited,
	}
	go a.run(r.cmds)

	return r, nil
}

func captureEnv() model.RunEnv {
	env := model.RunEnv{}
	if exe, err := os.Executable(); err == nil {
		env.Executable = exe
	}
	if wd, err := os.Getwd(); err == nil {
		env.WorkingDir = wd
	}
	if host, err := os.Hostname(); err == nil {
		env.Hostname = host
	}
	return env
}

// Name returns the allocated run id.
func (r *Run) Name() string { return r.name }

// Experiment returns the owning experiment name.
func (r *Run) Experiment() string { return r.experiment }

// Path returns the run directory.
func (r *Run) Path() string { return r.path }

// LogMetrics logs one row of metrics, optionally tagged with a step.
// Values pass through the total conversion boundary: floats, ints,
// bools and strings keep their type, anything else is stringified.
func (r *Run) LogMetrics(values map[string]any, step ...int64) error {
	converted := make(map[string]model.Value, len(values))
	for k, v := range values {
		converted[k] = model.ValueOf(v)
	}
	var s *int64
	if len(step) > 0 {
		s = &step[0]
	}
	return r.enqueue(command{kind: cmdMetrics, row: model.NewMetricRow(converted, s)})
}

// LogParams merges parameters into the run's config snapshot.
func (r *Run) LogParams(params map[string]any) error {
	converted := make(model.ParamSet, len(params))
	for k, v := range params {
		converted[k] = model.ValueOf(v)
	}
	return r.enqueue(command{kind: cmdParams, params: converted})
}

// LogMessage appends a line to the run log.
func (r *Run) LogMessage(level model.LogLevel, text string) error {
	return r.enqueue(command{kind: cmdLog, level: level, text: text, ts: time.Now().UTC()})
}

// SaveArtifact schedules a copy of src into the run's artifact area.
// The copy happens on the actor; the caller never touches the disk.
func (r *Run) SaveArtifact(src string, destName ...string) error {
	ref := model.ArtifactRef{SourcePath: src}
	if len(destName) > 0 {
		ref.DestName = destName[0]
	}
	return r.enqueue(command{kind: cmdArtifact, artifact: ref})
}

// Subscribe attaches a live event subscriber. See Broadcaster.Subscribe.
func (r *Run) Subscribe() (<-chan model.LiveEvent, func()) {
	return r.bcast.Subscribe()
}

// Stats returns the handle's counters.
func (r *Run) Stats() Stats {
	return Stats{Dropped: r.dropped.Load()}
}

// Close flushes all buffered data, finalizes run.yaml with the given
// terminal status and waits for the actor to acknowledge. It is
// idempotent: later calls return the first result. A storage failure
// surfaces as a Failed result, never as a panic.
func (r *Run) Close(status model.RunStatus) CloseResult {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		if !status.Terminal() {
			status = model.StatusFinished
		}
		done := make(chan CloseResult, 1)
		// The one permitted blocking send: close must not be droppable.
		// An actor that already gave up on an abandoned failed run has
		// left its result behind instead of reading the channel.
		select {
		case r.cmds <- command{kind: cmdClose, status: status, done: done}:
			select {
			case r.result = <-done:
			case <-r.exited:
				r.result = r.terminal
			}
		case <-r.exited:
			r.result = r.terminal
		}
		if dropped := r.dropped.Load(); dropped > 0 {
			r.result.Err = joinErr(r.result.Err,
				fmt.Errorf("engine: %d commands dropped on ingestion overflow", dropped))
		}
	})
	return r.result
}

func joinErr(a, b error) error {
	if a == nil {
		return b
	}
	return fmt.Errorf("%w; %w", a, b)
}

// enqueue performs the non-blocking send. Overflow drops the command
// and counts it rather than ever blocking the caller.
func (r *Run) enqueue(cmd command) error {
	if r.closed.Load() {
		return ErrChannelClosed
	}
	select {
	case r.cmds <- cmd:
		return nil
	default:
		r.dropped.Add(1)
		return nil
	}
}
