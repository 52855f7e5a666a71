package controller

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/FairForge/standby/internal/classify"
	"github.com/FairForge/standby/internal/metrics"
	"github.com/FairForge/standby/internal/probe"
	"github.com/FairForge/standby/internal/rebuild"
	"github.com/FairForge/standby/internal/registry"
)

type cmdKind int

const (
	cmdRebuild cmdKind = iota
	cmdReset
)

type command struct {
	kind cmdKind
}

// replicaRun is the per-replica runtime. All fields below mu are
// written only by the replica's own loop goroutine; readers go
// through the mutex.
type replicaRun struct {
	ctrl   *Controller
	cancel context.CancelFunc
	cmds   chan command

	mu          sync.RWMutex
	rec         registry.Record
	state       State
	gen         uint64
	pending     bool // a manual rebuild is enqueued but not yet running
	window      *classify.Window
	healthy     int // consecutive healthy classifications
	lastMode    classify.Mode
	failureMode string // mode that drove the last degradation
	lastSnap    *probe.Snapshot
	lastJob     *rebuild.Job
}

func (r *replicaRun) stop() { r.cancel() }

func (r *replicaRun) currentState() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// send hands a command to the loop without blocking callers. A full
// channel (for example while a rebuild occupies the loop) surfaces as
// ErrBusy instead of a hung API request.
func (r *replicaRun) send(cmd command) error {
	select {
	case r.cmds <- cmd:
		return nil
	default:
		return ErrBusy
	}
}

// enqueueRebuild hands a manual rebuild to the loop. The pending flag
// spans enqueue to execution, so a second request issued while the
// first is still queued is rejected rather than run back to back.
func (r *replicaRun) enqueueRebuild() error {
	r.mu.Lock()
	if r.pending {
		r.mu.Unlock()
		return ErrRebuildInProgress
	}
	r.pending = true
	r.mu.Unlock()

	if err := r.send(command{kind: cmdRebuild}); err != nil {
		r.mu.Lock()
		r.pending = false
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *replicaRun) status() ReplicaStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := ReplicaStatus{
		ID:          r.rec.ID,
		Endpoint:    r.rec.Endpoint,
		State:       r.state.String(),
		Generation:  r.gen,
		FailureMode: r.failureMode,
	}
	if r.lastMode != classify.Indeterminate || r.lastSnap != nil {
		st.LastMode = r.lastMode.String()
	}
	if r.lastSnap != nil {
		snap := *r.lastSnap
		st.Snapshot = &snap
	}
	primary := r.ctrl.latestPrimary()
	if primary.NodeID != "" {
		st.Primary = &primary
	}
	if job, ok := r.ctrl.orch.ActiveJob(r.rec.ID); ok {
		st.ActiveJob = &job
	}
	if r.lastJob != nil {
		job := *r.lastJob
		st.LastJob = &job
	}
	return st
}

// loop is the single writer for this replica's state. It probes on
// the shared interval, applies classifications in probe order, and
// services operator commands between cycles.
func (r *replicaRun) loop(ctx context.Context) {
	defer r.ctrl.wg.Done()
	ticker := r.ctrl.clock.Ticker(r.ctrl.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-r.cmds:
			r.handleCommand(ctx, cmd)
		case <-ticker.C:
			r.cycle(ctx)
		}
	}
}

func (r *replicaRun) handleCommand(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdRebuild:
		r.mu.Lock()
		r.pending = false
		st := r.state
		r.mu.Unlock()
		if st == StateRebuilding || st == StateRoleViolation {
			return
		}
		r.runRebuild(ctx, "manual")
	case cmdReset:
		r.mu.RLock()
		st := r.state
		r.mu.RUnlock()
		if !st.Terminal() {
			return
		}
		r.mu.Lock()
		r.window.Reset()
		r.healthy = 0
		r.failureMode = ""
		r.mu.Unlock()
		r.transition(ctx, StateUninitialized, classify.Indeterminate, "operator reset")
	}
}

// cycle runs one probe-classify-transition step.
func (r *replicaRun) cycle(ctx context.Context) {
	c := r.ctrl

	r.mu.RLock()
	node := probe.Node{ID: r.rec.ID, Endpoint: r.rec.Endpoint}
	r.mu.RUnlock()

	start := c.clock.Now()
	snap := c.prober.ProbeReplica(ctx, node)
	metrics.RecordProbe(node.ID, snap.Reachable, c.clock.Now().Sub(start))
	if snap.Lag != nil {
		metrics.SetReplicaLag(node.ID, *snap.Lag)
	}
	// Narrow the shared primary snapshot to this replica's slot so
	// slot errors classify against the right replica.
	primary := c.latestPrimary().WithSlot(c.slotName(node.ID))

	r.mu.Lock()
	r.lastSnap = &snap
	r.window.Push(classify.Observation{Primary: primary, Replica: snap})
	window := r.window
	r.mu.Unlock()

	mode := classify.Classify(node.ID, primary, snap, window, classify.Thresholds{
		LagThreshold:     c.cfg.LagThreshold,
		DisconnectProbes: c.cfg.DisconnectProbes,
	})
	metrics.RecordClassification(node.ID, mode.String())

	r.mu.Lock()
	r.lastMode = mode
	r.mu.Unlock()

	r.applyMode(ctx, mode)
}

// applyMode drives the state machine. Transitions are strictly
// sequential per replica: this runs on the owning loop, in probe
// order, and nothing else mutates state.
func (r *replicaRun) applyMode(ctx context.Context, mode classify.Mode) {
	r.mu.RLock()
	st := r.state
	r.mu.RUnlock()

	// Terminal states hold until an explicit reset, even if later
	// snapshots look healthy again. No silent self-healing.
	if st.Terminal() {
		return
	}

	// A role violation takes precedence over everything and is never
	// remediated automatically: the node may be serving writes.
	if mode == classify.RoleViolation {
		r.setFailure(mode)
		r.transition(ctx, StateRoleViolation, mode, "replica is not in recovery")
		return
	}

	switch mode {
	case classify.Indeterminate:
		// Absorb; a broken streak restarts hysteresis.
		r.mu.Lock()
		r.healthy = 0
		r.mu.Unlock()

	case classify.WALLost:
		switch st {
		case StateStreaming, StateLagging, StateDisconnected:
			r.setFailure(mode)
			r.transition(ctx, StateWALLost, mode, "required WAL is gone")
			// The one fully automated recovery path: WAL loss has
			// exactly one correct fix.
			r.runRebuild(ctx, mode.String())
		}

	case classify.NotConnected:
		switch st {
		case StateStreaming, StateLagging:
			r.setFailure(mode)
			r.transition(ctx, StateDisconnected, mode, "replica absent from primary")
		}
		r.mu.Lock()
		r.healthy = 0
		r.mu.Unlock()

	case classify.Lagging, classify.ReplayStalled:
		// Replay stalls degrade the same way lag does; the mode is
		// kept for diagnosis.
		switch st {
		case StateStreaming, StateDisconnected:
			r.setFailure(mode)
			r.transition(ctx, StateLagging, mode, "replay behind threshold")
		}
		r.mu.Lock()
		r.healthy = 0
		r.mu.Unlock()

	case classify.Healthy:
		switch st {
		case StateUninitialized:
			r.transition(ctx, StateStreaming, mode, "first healthy probe")
		case StateLagging, StateDisconnected:
			// Hysteresis: M consecutive healthy probes before the
			// replica counts as recovered, so a single good sample
			// cannot flap the state back.
			r.mu.Lock()
			r.healthy++
			recovered := r.healthy >= r.ctrl.cfg.HealthyProbes
			if recovered {
				r.failureMode = ""
			}
			r.mu.Unlock()
			if recovered {
				r.transition(ctx, StateStreaming, mode, "sustained healthy probes")
			}
		case StateStreaming:
			r.mu.Lock()
			r.healthy++
			r.mu.Unlock()
		}
	}
}

// setFailure records the mode that drove the current degradation, for
// status output.
func (r *replicaRun) setFailure(mode classify.Mode) {
	r.mu.Lock()
	r.failureMode = mode.String()
	r.mu.Unlock()
}

// transition commits a state change: mutate, persist, publish.
func (r *replicaRun) transition(ctx context.Context, to State, mode classify.Mode, msg string) {
	r.mu.Lock()
	from := r.state
	if from == to {
		r.mu.Unlock()
		return
	}
	r.state = to
	if to == StateStreaming || to == StateUninitialized {
		r.healthy = 0
	}
	gen := r.gen
	id := r.rec.ID
	r.mu.Unlock()

	if err := r.ctrl.store.UpdateState(ctx, id, to.String(), gen); err != nil {
		r.ctrl.logger.Error("persist state failed",
			zap.String("replica", id),
			zap.String("state", to.String()),
			zap.Error(err))
	}

	metrics.RecordTransition(id, from.String(), to.String())
	metrics.SetReplicaState(id, to.String(), StateNames)
	r.ctrl.logger.Info("replica state changed",
		zap.String("replica", id),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("mode", mode.String()),
		zap.String("reason", msg))
	r.ctrl.emitEvent(Event{
		ReplicaID: id,
		From:      from,
		To:        to,
		Mode:      mode,
		Timestamp: r.ctrl.clock.Now(),
		Message:   msg,
	})
}

// runRebuild executes a rebuild job inline on the owning loop. That
// blocks this replica's probe cycle for the duration, which is the
// point: the data store is exclusively owned by the job, and probing
// a store mid-wipe would race the rebuild.
func (r *replicaRun) runRebuild(ctx context.Context, trigger string) {
	r.mu.Lock()
	r.gen++
	gen := r.gen
	target := rebuild.Target{
		Node:      probe.Node{ID: r.rec.ID, Endpoint: r.rec.Endpoint},
		DataDir:   r.rec.DataDir,
		ServiceID: r.rec.ServiceID,
	}
	prior := r.state
	r.mu.Unlock()

	r.transition(ctx, StateRebuilding, classify.WALLost, "rebuild "+trigger)

	job := r.ctrl.orch.Rebuild(ctx, target, r.ctrl.slotName(target.Node.ID), gen, trigger)

	r.mu.Lock()
	// Stale outcomes from a superseded generation are discarded; the
	// inline call makes this a no-op in practice, but the fence is
	// what guarantees two attempts can never interleave.
	if job.Generation != r.gen {
		r.mu.Unlock()
		return
	}
	r.lastJob = &job
	r.window.Reset()
	r.healthy = 0
	r.mu.Unlock()

	switch job.Status {
	case rebuild.JobSucceeded:
		r.mu.Lock()
		r.failureMode = ""
		r.mu.Unlock()
		r.transition(ctx, StateStreaming, classify.Healthy, "rebuild succeeded")
	case rebuild.JobAborted:
		// Nothing was deleted; the job is simply discarded.
		r.transition(ctx, prior, classify.Indeterminate, "rebuild aborted before wipe")
	default:
		r.setFailureString(job.Error)
		r.transition(ctx, StateFailed, classify.Indeterminate, "rebuild failed")
	}
}

func (r *replicaRun) setFailureString(msg string) {
	r.mu.Lock()
	if msg != "" {
		r.failureMode = "rebuild_error: " + msg
	}
	r.mu.Unlock()
}
