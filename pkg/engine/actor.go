package engine

import (
	"fmt"
	"time"

	"github.com/trackflow/trackflow/internal/model"
	"github.com/trackflow/trackflow/pkg/compaction"
	"github.com/trackflow/trackflow/pkg/storage"
)

// terminalIdleTimeout bounds how long a failed actor keeps draining an
// abandoned ingestion channel before its goroutine exits.
var terminalIdleTimeout = time.Minute

// actor is the single-threaded consumer that owns one run: the only
// goroutine that touches the run's FlushBuffer, storage writer and
// metadata. It is woken by the ingestion channel and by the flush
// timer, never by both at once.
type actor struct {
	dir   *storage.RunDir
	buf   *FlushBuffer
	bcast *Broadcaster
	meta  model.RunMetadata
	cmds  <-chan command

	heartbeat   Heartbeat
	maxFailures int
	compact     bool

	// terminal and exited let the Run handle collect the Failed result
	// after the actor gives up waiting for a Close. terminal is written
	// before exited is closed.
	terminal *CloseResult
	exited   chan struct{}

	failures int
	failErr  error
	failed   bool
	lastStep *int64
}

func (a *actor) run(cmds <-chan command) {
	a.cmds = cmds
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	timerArmed := false

	for {
		a.rearm(timer, &timerArmed)

		select {
		case cmd := <-cmds:
			if a.apply(cmd) {
				a.drainTimer(timer, &timerArmed)
				return
			}
		case <-timer.C:
			timerArmed = false
			a.flush(time.Now())
		}

		if a.failed {
			a.drainTimer(timer, &timerArmed)
			a.terminalDrain(cmds)
			return
		}
	}
}

// rearm points the timer at the buffer's age deadline, or parks it
// while the buffer is empty.
func (a *actor) rearm(timer *time.Timer, armed *bool) {
	a.drainTimer(timer, armed)
	if deadline, ok := a.buf.Deadline(); ok {
		timer.Reset(time.Until(deadline))
		*armed = true
	}
}

func (a *actor) drainTimer(timer *time.Timer, armed *bool) {
	if *armed && !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*armed = false
}

// apply handles one command. Returns true when the actor should exit.
func (a *actor) apply(cmd command) bool {
	now := time.Now()
	switch cmd.kind {
	case cmdMetrics:
		a.buf.Push(cmd.row, now)
		if a.buf.ShouldFlush(now) {
			a.flush(now)
		}

	case cmdParams:
		if err := a.dir.WriteParams(cmd.params); err != nil {
			a.logError(fmt.Sprintf("write params: %v", err))
		}

	case cmdLog:
		if err := a.dir.AppendLog(cmd.level, cmd.text, cmd.ts); err != nil {
			a.logError(fmt.Sprintf("append log: %v", err))
		}
		a.bcast.Publish(model.NewLogEvent(cmd.level, cmd.text, cmd.ts))

	case cmdArtifact:
		// Copy failures are reported but never affect metric or param
		// durability.
		if err := a.dir.CopyArtifact(cmd.artifact); err != nil {
			a.logError(fmt.Sprintf("copy artifact %s: %v", cmd.artifact.SourcePath, err))
		}

	case cmdClose:
		a.shutdown(cmd)
		return true
	}
	return false
}

// flush drains the buffer into the columnar store. A transient write
// failure keeps the rows and retries on the next trigger; hitting the
// consecutive-failure limit marks the run Failed.
func (a *actor) flush(now time.Time) {
	rows := a.buf.Drain()
	if len(rows) == 0 {
		return
	}
	if err := a.dir.AppendMetrics(rows); err != nil {
		a.failures++
		a.logError(fmt.Sprintf("flush metrics (%d rows, attempt %d): %v", len(rows), a.failures, err))
		if a.failures >= a.maxFailures {
			a.failErr = err
			a.fail()
			return
		}
		a.buf.Requeue(rows, now)
		return
	}
	a.failures = 0
	if last := rows[len(rows)-1].Step; last != nil {
		a.lastStep = last
	}
	a.bcast.Publish(model.NewMetricsEvent(rows))
	if a.heartbeat != nil {
		a.heartbeat.RecordFlush(a.meta.Experiment, a.meta.Name, a.meta.Status, a.lastStep)
	}
}

// shutdown drains whatever is still queued, forces a final flush,
// finalizes run.yaml and publishes the terminal status.
func (a *actor) shutdown(cmd command) {
	for drained := false; !drained; {
		select {
		case extra := <-a.cmds:
			if extra.kind != cmdClose {
				a.apply(extra)
			}
		default:
			drained = true
		}
	}

	// Force the final flush regardless of buffer size; a transient
	// failure here is retried until the failure limit trips.
	for a.buf.Len() > 0 && !a.failed {
		a.flush(time.Now())
	}

	status := cmd.status
	err := a.finalize(status)
	if err != nil && a.failErr == nil {
		a.failErr = err
	}
	if a.failed || a.failErr != nil {
		status = model.StatusFailed
	}

	a.bcast.Publish(model.NewStatusEvent(status))
	a.bcast.Close()

	if a.compact {
		if err := compaction.CompactRun(a.dir.Path()); err != nil {
			a.logError(fmt.Sprintf("compact metrics: %v", err))
		}
	}

	a.dir.Close()
	cmd.done <- CloseResult{Status: status, Err: a.failErr}
}

// fail transitions the run to Failed after an irrecoverable storage
// condition and leaves the actor in terminal-drain mode so that a
// later Close still gets its acknowledgement.
func (a *actor) fail() {
	a.failed = true
	a.finalize(model.StatusFailed)
	a.bcast.Publish(model.NewStatusEvent(model.StatusFailed))
	a.bcast.Close()
}

// terminalDrain keeps servicing the channel after a failure exit so
// producers drain cheaply and Close is acknowledged with the Failed
// result instead of hanging. A run abandoned without a Close would pin
// this goroutine forever, so after an idle window the actor stores the
// result for the handle and exits.
func (a *actor) terminalDrain(cmds <-chan command) {
	idle := time.NewTimer(terminalIdleTimeout)
	defer idle.Stop()
	for {
		select {
		case cmd := <-cmds:
			if cmd.kind == cmdClose {
				a.dir.Close()
				cmd.done <- CloseResult{Status: model.StatusFailed, Err: a.failErr}
				return
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(terminalIdleTimeout)
		case <-idle.C:
			a.dir.Close()
			*a.terminal = CloseResult{Status: model.StatusFailed, Err: a.failErr}
			close(a.exited)
			return
		}
	}
}

// finalize writes the terminal run.yaml exactly once per status
// transition. Status never reverses: a Failed run stays Failed.
func (a *actor) finalize(status model.RunStatus) error {
	if a.meta.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	dur := now.Sub(a.meta.StartedAt).Seconds()
	a.meta.Status = status
	a.meta.FinishedAt = &now
	a.meta.DurationSecs = &dur
	if err := a.dir.WriteRunMetadata(a.meta); err != nil {
		a.logError(fmt.Sprintf("finalize run metadata: %v", err))
		return err
	}
	if a.heartbeat != nil {
		a.heartbeat.RecordFlush(a.meta.Experiment, a.meta.Name, status, a.lastStep)
	}
	return nil
}

// logError records an operational problem into the run's own log so it
// is discoverable without interrupting the caller.
func (a *actor) logError(msg string) {
	_ = a.dir.AppendLog(model.LevelError, msg, time.Now())
	a.bcast.Publish(model.NewLogEvent(model.LevelError, msg, time.Now()))
}
