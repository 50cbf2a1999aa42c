// Package pipeline serializes the snapshot and sync stages for one
// watched tree behind a single-flight state machine shared by every
// trigger path.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/snapsyncd/snapsyncd/internal/remote"
	"github.com/snapsyncd/snapsyncd/internal/snapshot"
	"github.com/snapsyncd/snapsyncd/internal/watch"
)

// Trigger identifies which path requested a pipeline run.
type Trigger string

const (
	// TriggerChange is the debounced change-detection path.
	TriggerChange Trigger = "change-detected"
	// TriggerScheduled is the periodic fallback timer.
	TriggerScheduled Trigger = "scheduled"
	// TriggerManual is an operator-requested run.
	TriggerManual Trigger = "manual"
)

// Phase is the pipeline's position in its run cycle.
type Phase uint8

const (
	// PhaseIdle means no run is in flight.
	PhaseIdle Phase = iota
	// PhaseSnapshotting means the working-tree diff is being recorded.
	PhaseSnapshotting
	// PhaseSyncing means local history is being propagated.
	PhaseSyncing
)

// String returns the lower-case phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSnapshotting:
		return "snapshotting"
	case PhaseSyncing:
		return "syncing"
	default:
		return "unknown"
	}
}

// Report summarizes one completed pipeline run.
type Report struct {
	RunID       string
	Trigger     Trigger
	Start       time.Time
	End         time.Time
	Revision    *snapshot.Revision
	Sync        remote.Result
	SnapshotErr error
}

// Outcome collapses the report into one word for logs and exit codes.
func (r *Report) Outcome() string {
	switch {
	case r.SnapshotErr != nil:
		return "snapshot-failed"
	case r.Sync.Outcome == remote.Failed:
		return "sync-failed"
	case r.Sync.Outcome == remote.Deferred:
		return "deferred"
	case r.Revision == nil:
		return "no-changes"
	default:
		return "success"
	}
}

// Status is a point-in-time view of a pipeline for external reporting.
type Status struct {
	Target          string    `json:"target"`
	Root            string    `json:"root"`
	Phase           string    `json:"phase"`
	Pending         bool      `json:"pending"`
	SyncedRevision  string    `json:"synced_revision,omitempty"`
	RemoteReachable bool      `json:"remote_reachable"`
	LastRun         time.Time `json:"last_run"`
	LastTrigger     string    `json:"last_trigger,omitempty"`
	LastOutcome     string    `json:"last_outcome,omitempty"`
	LastRevision    string    `json:"last_revision,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	LastSuccess     time.Time `json:"last_success"`
}

// Snapshotter records settled working-tree changes as revisions.
// Implemented by snapshot.Engine.
type Snapshotter interface {
	Snapshot(ctx context.Context) (*snapshot.Revision, error)
}

// Syncer propagates local history to the remote. Implemented by
// remote.Syncer.
type Syncer interface {
	Sync(ctx context.Context, cursor string, lastReachable bool) remote.Result
}

// Pipeline runs snapshot + sync for one watched tree. All access to the
// tree is serialized through it: at most one run is in flight, and a
// trigger arriving mid-run collapses into exactly one follow-up run.
type Pipeline struct {
	name      string
	root      string
	statePath string
	interval  time.Duration

	engine Snapshotter
	syncer Syncer
	logger *slog.Logger

	mu          sync.Mutex
	phase       Phase
	running     bool
	pending     bool
	pendingFrom Trigger
	state       RunState
}

// New assembles a pipeline. The initial state is loaded from statePath;
// a missing or corrupt state file degrades to a fresh sync cursor, which
// the first sync attempt recovers from the remote.
func New(name, root, statePath string, interval time.Duration, engine Snapshotter, syncer Syncer, logger *slog.Logger) *Pipeline {
	p := &Pipeline{
		name:      name,
		root:      root,
		statePath: statePath,
		interval:  interval,
		engine:    engine,
		syncer:    syncer,
		logger:    logger.With("target", name),
	}

	st, err := LoadState(statePath)
	if err != nil {
		p.logger.Warn("failed to load pipeline state (treating as fresh)", "path", statePath, "error", err)
		st = &RunState{}
	}
	p.state = *st

	return p
}

// Trigger requests a run. If the pipeline is idle the run (and any runs
// collapsed into it) executes on the calling goroutine and the last
// report is returned. If a run is already in flight the trigger is
// recorded as pending, collapses with any other pending trigger, and nil
// is returned.
func (p *Pipeline) Trigger(ctx context.Context, trigger Trigger) *Report {
	p.mu.Lock()
	if p.running {
		p.pending = true
		p.pendingFrom = trigger
		p.mu.Unlock()
		p.logger.Debug("run in flight, collapsing trigger", "trigger", trigger)
		return nil
	}
	p.running = true
	p.mu.Unlock()

	var last *Report
	for {
		last = p.run(ctx, trigger)

		p.mu.Lock()
		if !p.pending || ctx.Err() != nil {
			p.running = false
			p.pending = false
			p.mu.Unlock()
			return last
		}
		p.pending = false
		trigger = p.pendingFrom
		p.mu.Unlock()

		p.logger.Debug("servicing pending trigger", "trigger", trigger)
	}
}

// run executes one Snapshotting -> Syncing -> Idle cycle. The snapshot
// stage runs detached from cancellation so an in-progress revision is
// recorded atomically even during shutdown; the sync stage stays
// cancellable because the transfer protocol is resumable.
func (p *Pipeline) run(ctx context.Context, trigger Trigger) *Report {
	rep := &Report{
		RunID:   uuid.NewString()[:8],
		Trigger: trigger,
		Start:   time.Now(),
	}

	p.setPhase(PhaseSnapshotting)
	rev, err := p.engine.Snapshot(context.WithoutCancel(ctx))
	if err != nil {
		rep.SnapshotErr = err
		rep.End = time.Now()
		p.finish(rep)
		return rep
	}
	rep.Revision = rev

	p.setPhase(PhaseSyncing)
	p.mu.Lock()
	cursor, reachable := p.state.SyncedRevision, p.state.RemoteReachable
	p.mu.Unlock()

	rep.Sync = p.syncer.Sync(ctx, cursor, reachable)
	rep.End = time.Now()
	p.finish(rep)
	return rep
}

// finish folds the report into persisted state, returns to Idle and
// emits the per-run log line.
func (p *Pipeline) finish(rep *Report) {
	outcome := rep.Outcome()

	p.mu.Lock()
	p.state.LastRun = rep.End
	p.state.LastTrigger = string(rep.Trigger)
	p.state.LastOutcome = outcome
	switch {
	case rep.SnapshotErr != nil:
		p.state.LastError = rep.SnapshotErr.Error()
	case rep.Sync.Reason != "":
		p.state.LastError = rep.Sync.Reason
	default:
		p.state.LastError = ""
	}
	if rep.SnapshotErr == nil {
		p.state.SyncedRevision = rep.Sync.Cursor
		p.state.RemoteReachable = rep.Sync.Reachable
		if rep.Sync.Outcome == remote.Success {
			p.state.LastSuccess = rep.End
		}
	}
	if rep.Revision != nil {
		p.state.LastRevision = rep.Revision.ID
	}
	st := p.state
	p.mu.Unlock()

	if err := SaveState(p.statePath, &st); err != nil {
		p.logger.Warn("failed to persist pipeline state", "error", err)
	}

	p.setPhase(PhaseIdle)

	attrs := []any{
		"run", rep.RunID,
		"trigger", rep.Trigger,
		"outcome", outcome,
		"duration", rep.End.Sub(rep.Start).Round(time.Millisecond),
	}
	if rep.Revision != nil {
		attrs = append(attrs, "revision", rep.Revision.ShortID())
	}

	switch {
	case rep.SnapshotErr != nil:
		attrs = append(attrs, "error", rep.SnapshotErr)
		p.logger.Error("pipeline run failed to record snapshot", attrs...)
	case rep.Sync.Outcome == remote.Failed:
		attrs = append(attrs, "reason", rep.Sync.Reason)
		p.logger.Error("pipeline run failed to sync, local history preserved", attrs...)
	case rep.Sync.Outcome == remote.Deferred:
		attrs = append(attrs, "reason", rep.Sync.Reason)
		p.logger.Info("pipeline run deferred sync", attrs...)
	default:
		p.logger.Info("pipeline run complete", attrs...)
	}
}

func (p *Pipeline) setPhase(ph Phase) {
	p.mu.Lock()
	p.phase = ph
	p.mu.Unlock()
}

// Status reports the pipeline's current state.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Target:          p.name,
		Root:            p.root,
		Phase:           p.phase.String(),
		Pending:         p.pending,
		SyncedRevision:  p.state.SyncedRevision,
		RemoteReachable: p.state.RemoteReachable,
		LastRun:         p.state.LastRun,
		LastTrigger:     p.state.LastTrigger,
		LastOutcome:     p.state.LastOutcome,
		LastRevision:    p.state.LastRevision,
		LastError:       p.state.LastError,
		LastSuccess:     p.state.LastSuccess,
	}
}

// Name returns the pipeline's target identifier.
func (p *Pipeline) Name() string {
	return p.name
}

// Watch drives the pipeline until ctx is cancelled: debounced change
// events and the periodic fallback timer both funnel into Trigger. src
// may be nil (scheduler-only mode when the change source is unavailable).
func (p *Pipeline) Watch(ctx context.Context, src watch.Source, debouncer *watch.Debouncer) {
	var settles <-chan watch.SettleSignal
	var watchErrs <-chan error
	if src != nil {
		settles = debouncer.Run(ctx, src.Events())
		watchErrs = src.Errors()
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Runs are spawned off the intake loop so a long sync never delays
	// the debouncer; the WaitGroup lets shutdown wait for an in-flight
	// snapshot to finish atomically.
	var wg sync.WaitGroup
	spawn := func(trigger Trigger) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Trigger(ctx, trigger)
		}()
	}
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return

		case _, ok := <-settles:
			if !ok {
				settles = nil
				continue
			}
			spawn(TriggerChange)

		case <-ticker.C:
			spawn(TriggerScheduled)

		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			p.logger.Warn("change source error", "error", err)
		}
	}
}
