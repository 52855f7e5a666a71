// Package rebuild executes the destructive recovery sequence for a
// replica: stop, full wipe, slot check, base backup, start, wait for
// recovery mode. The sequence is abortable only before the wipe; once
// deletion begins it runs to completion or leaves the replica
// explicitly failed, never half-initialized.
package rebuild

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/standby/internal/metrics"
	"github.com/FairForge/standby/internal/probe"
)

// Config configures the orchestrator.
type Config struct {
	PrimaryEndpoint string
	// ReadyTimeout bounds the wait for a rebuilt replica to report
	// in-recovery after restart.
	ReadyTimeout time.Duration
	// ReadyInterval is the poll interval during that wait.
	ReadyInterval time.Duration
}

// Orchestrator drives rebuild jobs. One job owns its replica's data
// store exclusively for the duration of the sequence.
type Orchestrator struct {
	cfg    Config
	slots  SlotEnsurer
	backup BaseBackup
	runner ServiceRunner
	prober ReadinessProber
	clock  clock.Clock
	logger *zap.Logger

	mu   sync.RWMutex
	jobs map[string]*Job // by job ID
}

// NewOrchestrator wires the rebuild sequence to its collaborators.
func NewOrchestrator(cfg Config, slots SlotEnsurer, backup BaseBackup, runner ServiceRunner, prober ReadinessProber, logger *zap.Logger) *Orchestrator {
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = 5 * time.Minute
	}
	if cfg.ReadyInterval == 0 {
		cfg.ReadyInterval = 2 * time.Second
	}
	return &Orchestrator{
		cfg:    cfg,
		slots:  slots,
		backup: backup,
		runner: runner,
		prober: prober,
		clock:  clock.New(),
		logger: logger,
		jobs:   make(map[string]*Job),
	}
}

// SetClock swaps the wall clock for a mock. Test use only.
func (o *Orchestrator) SetClock(c clock.Clock) { o.clock = c }

// Job returns a copy of the job with the given ID.
func (o *Orchestrator) Job(id string) (Job, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if j, ok := o.jobs[id]; ok {
		return *j, true
	}
	return Job{}, false
}

// ActiveJob returns a copy of the running job for a replica, if any.
func (o *Orchestrator) ActiveJob(replicaID string) (Job, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, j := range o.jobs {
		if j.ReplicaID == replicaID && j.Status == JobRunning {
			return *j, true
		}
	}
	return Job{}, false
}

// Rebuild runs the full sequence synchronously and returns the
// terminal job. The caller owns serialization: it must never start
// two jobs for the same replica concurrently.
func (o *Orchestrator) Rebuild(ctx context.Context, target Target, slotName string, generation uint64, trigger string) Job {
	job := &Job{
		ID:         uuid.NewString(),
		ReplicaID:  target.Node.ID,
		Trigger:    trigger,
		Generation: generation,
		Status:     JobRunning,
		StartedAt:  o.clock.Now(),
	}
	o.mu.Lock()
	o.jobs[job.ID] = job
	o.mu.Unlock()

	o.logger.Info("rebuild started",
		zap.String("job", job.ID),
		zap.String("replica", target.Node.ID),
		zap.String("trigger", trigger),
		zap.Uint64("generation", generation))

	err := o.run(ctx, job, target, slotName)

	o.mu.Lock()
	done := o.clock.Now()
	job.CompletedAt = &done
	switch {
	case err == nil:
		job.Status = JobSucceeded
	case ctx.Err() != nil && job.Step == StepStop:
		// Cancelled before any deletion; the replica is untouched.
		job.Status = JobAborted
		job.Error = err.Error()
	default:
		job.Status = JobFailed
		job.Error = err.Error()
	}
	result := *job
	o.mu.Unlock()

	metrics.RecordRebuild(target.Node.ID, string(result.Status), done.Sub(result.StartedAt))
	o.logger.Info("rebuild finished",
		zap.String("job", result.ID),
		zap.String("replica", target.Node.ID),
		zap.String("status", string(result.Status)),
		zap.String("error", result.Error))
	return result
}

func (o *Orchestrator) run(ctx context.Context, job *Job, target Target, slotName string) error {
	step := func(s Step) {
		o.mu.Lock()
		job.Step = s
		o.mu.Unlock()
		o.logger.Info("rebuild step", zap.String("job", job.ID), zap.String("step", string(s)))
	}

	step(StepStop)
	if err := ctx.Err(); err != nil {
		return &StepError{Step: StepStop, Err: err}
	}
	if err := o.runner.Stop(ctx, target.ServiceID); err != nil {
		return &StepError{Step: StepStop, Err: err}
	}

	// Last abort point. From here on the data store is owned by this
	// job and the sequence must run to a terminal outcome, so the
	// remaining steps deliberately ignore caller cancellation.
	if err := ctx.Err(); err != nil {
		return &StepError{Step: StepStop, Err: err}
	}
	detached := context.Background()

	step(StepWipe)
	if err := wipeDataDir(target.DataDir); err != nil {
		return &StepError{Step: StepWipe, Err: err}
	}

	step(StepEnsureSlot)
	if _, err := o.slots.EnsureSlot(detached, slotName); err != nil {
		return &StepError{Step: StepEnsureSlot, Err: err}
	}

	step(StepBaseBackup)
	if err := o.backup.TakeBaseBackup(detached, o.cfg.PrimaryEndpoint, slotName, target.DataDir); err != nil {
		return &StepError{Step: StepBaseBackup, Err: err}
	}

	step(StepStart)
	if err := o.runner.Start(detached, target.ServiceID); err != nil {
		return &StepError{Step: StepStart, Err: err}
	}

	step(StepAwaitRecovery)
	if err := o.awaitRecovery(detached, target.Node); err != nil {
		return &StepError{Step: StepAwaitRecovery, Err: err}
	}
	return nil
}

// awaitRecovery polls the replica until it reports in-recovery or the
// bounded timeout elapses.
func (o *Orchestrator) awaitRecovery(ctx context.Context, node probe.Node) error {
	deadline := o.clock.Now().Add(o.cfg.ReadyTimeout)
	for {
		snap := o.prober.ProbeReplica(ctx, node)
		if snap.Reachable && snap.InRecovery {
			return nil
		}
		if snap.Reachable && !snap.InRecovery {
			return fmt.Errorf("replica %s restarted outside recovery mode", node.ID)
		}
		if !o.clock.Now().Add(o.cfg.ReadyInterval).Before(deadline) {
			return fmt.Errorf("replica %s did not enter recovery within %s", node.ID, o.cfg.ReadyTimeout)
		}
		o.clock.Sleep(o.cfg.ReadyInterval)
	}
}

// wipeDataDir removes the entire data store and recreates an empty
// directory for the base backup. A partial wipe is never acceptable:
// reuse of stale files is the documented root cause of replica data
// inconsistency.
func wipeDataDir(dir string) error {
	if dir == "" || dir == "/" || dir == filepath.Clean(string(filepath.Separator)) {
		return fmt.Errorf("refusing to wipe data dir %q", dir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove data dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("recreate data dir: %w", err)
	}
	return nil
}
