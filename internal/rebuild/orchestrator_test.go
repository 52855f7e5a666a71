package rebuild

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FairForge/standby/internal/probe"
	"github.com/FairForge/standby/internal/slot"
)

// callRecorder notes the order collaborators are invoked in, so the
// ensure-slot-before-backup invariant can be asserted directly.
type callRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (c *callRecorder) record(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name)
}

func (c *callRecorder) order() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type fakeSlots struct {
	rec *callRecorder
	err error
}

func (f *fakeSlots) EnsureSlot(_ context.Context, name string) (slot.Handle, error) {
	f.rec.record("ensure_slot")
	if f.err != nil {
		return slot.Handle{}, f.err
	}
	return slot.Handle{Name: name}, nil
}

type fakeBackup struct {
	rec *callRecorder
	err error
}

func (f *fakeBackup) TakeBaseBackup(_ context.Context, _, _, _ string) error {
	f.rec.record("base_backup")
	return f.err
}

type fakeRunner struct {
	rec      *callRecorder
	stopErr  error
	startErr error
}

func (f *fakeRunner) Stop(_ context.Context, _ string) error {
	f.rec.record("stop")
	return f.stopErr
}

func (f *fakeRunner) Start(_ context.Context, _ string) error {
	f.rec.record("start")
	return f.startErr
}

type fakeProber struct {
	rec   *callRecorder
	snaps []probe.Snapshot
	i     int
}

func (f *fakeProber) ProbeReplica(_ context.Context, node probe.Node) probe.Snapshot {
	f.rec.record("probe")
	if f.i < len(f.snaps) {
		s := f.snaps[f.i]
		f.i++
		s.NodeID = node.ID
		return s
	}
	return probe.Snapshot{NodeID: node.ID, Reachable: true, InRecovery: true}
}

type fixture struct {
	rec    *callRecorder
	slots  *fakeSlots
	backup *fakeBackup
	runner *fakeRunner
	prober *fakeProber
	orch   *Orchestrator
	target Target
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rec := &callRecorder{}
	f := &fixture{
		rec:    rec,
		slots:  &fakeSlots{rec: rec},
		backup: &fakeBackup{rec: rec},
		runner: &fakeRunner{rec: rec},
		prober: &fakeProber{rec: rec},
	}
	dataDir := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.MkdirAll(dataDir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "stale.conf"), []byte("old"), 0600))

	f.target = Target{
		Node:      probe.Node{ID: "replica-1", Endpoint: "host=replica-1"},
		DataDir:   dataDir,
		ServiceID: "postgresql",
	}
	f.orch = NewOrchestrator(Config{PrimaryEndpoint: "host=primary"},
		f.slots, f.backup, f.runner, f.prober, zap.NewNop())
	return f
}

func TestOrchestrator_SuccessfulSequence(t *testing.T) {
	f := newFixture(t)

	job := f.orch.Rebuild(context.Background(), f.target, "standby_replica_1", 1, "wal_lost")

	assert.Equal(t, JobSucceeded, job.Status)
	assert.Equal(t, uint64(1), job.Generation)
	assert.Equal(t, "wal_lost", job.Trigger)
	require.NotNil(t, job.CompletedAt)

	assert.Equal(t, []string{"stop", "ensure_slot", "base_backup", "start", "probe"}, f.rec.order())
}

func TestOrchestrator_SlotBeforeBackup(t *testing.T) {
	f := newFixture(t)

	f.orch.Rebuild(context.Background(), f.target, "standby_replica_1", 1, "manual")

	order := f.rec.order()
	slotIdx, backupIdx := -1, -1
	for i, call := range order {
		switch call {
		case "ensure_slot":
			slotIdx = i
		case "base_backup":
			backupIdx = i
		}
	}
	require.NotEqual(t, -1, slotIdx)
	require.NotEqual(t, -1, backupIdx)
	assert.Less(t, slotIdx, backupIdx, "base backup must never start before the slot is confirmed")
}

func TestOrchestrator_NoBackupWhenSlotFails(t *testing.T) {
	f := newFixture(t)
	f.slots.err = slot.ErrSlotConflict

	job := f.orch.Rebuild(context.Background(), f.target, "standby_replica_1", 1, "manual")

	assert.Equal(t, JobFailed, job.Status)
	assert.Equal(t, StepEnsureSlot, job.Step)
	assert.NotContains(t, f.rec.order(), "base_backup")
	assert.Contains(t, job.Error, "conflicting lineage")
}

func TestOrchestrator_WipeIsComplete(t *testing.T) {
	f := newFixture(t)
	stale := filepath.Join(f.target.DataDir, "stale.conf")

	f.backup.err = errors.New("backup refused") // stop after the wipe
	job := f.orch.Rebuild(context.Background(), f.target, "standby_replica_1", 1, "manual")

	assert.Equal(t, JobFailed, job.Status)
	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale files must not survive the wipe")

	// The directory itself is recreated empty, ready for the backup.
	entries, err := os.ReadDir(f.target.DataDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOrchestrator_RefusesUnsafeWipe(t *testing.T) {
	f := newFixture(t)
	f.target.DataDir = ""

	job := f.orch.Rebuild(context.Background(), f.target, "standby_replica_1", 1, "manual")
	assert.Equal(t, JobFailed, job.Status)
	assert.Equal(t, StepWipe, job.Step)
}

func TestOrchestrator_AbortBeforeWipe(t *testing.T) {
	f := newFixture(t)
	stale := filepath.Join(f.target.DataDir, "stale.conf")

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancelled before the sequence starts

	job := f.orch.Rebuild(ctx, f.target, "standby_replica_1", 1, "manual")

	assert.Equal(t, JobAborted, job.Status)
	_, err := os.Stat(stale)
	assert.NoError(t, err, "an aborted job must leave the data store untouched")
}

func TestOrchestrator_FailureMarksStep(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*fixture)
		step Step
	}{
		{"stop fails", func(f *fixture) { f.runner.stopErr = errors.New("stop refused") }, StepStop},
		{"backup fails", func(f *fixture) { f.backup.err = errors.New("network gone") }, StepBaseBackup},
		{"start fails", func(f *fixture) { f.runner.startErr = errors.New("unit missing") }, StepStart},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			tc.mut(f)

			job := f.orch.Rebuild(context.Background(), f.target, "standby_replica_1", 1, "manual")
			assert.Equal(t, JobFailed, job.Status)
			assert.Equal(t, tc.step, job.Step)
			assert.NotEmpty(t, job.Error)
		})
	}
}

func TestOrchestrator_RoleViolationAfterRestart(t *testing.T) {
	f := newFixture(t)
	// The rebuilt node comes back answering queries but outside
	// recovery mode: the backup did not produce a standby.
	f.prober.snaps = []probe.Snapshot{{Reachable: true, InRecovery: false}}

	job := f.orch.Rebuild(context.Background(), f.target, "standby_replica_1", 1, "manual")
	assert.Equal(t, JobFailed, job.Status)
	assert.Equal(t, StepAwaitRecovery, job.Step)
}

func TestOrchestrator_ActiveJob(t *testing.T) {
	f := newFixture(t)

	_, ok := f.orch.ActiveJob("replica-1")
	assert.False(t, ok)

	job := f.orch.Rebuild(context.Background(), f.target, "standby_replica_1", 3, "manual")

	// Terminal jobs are not active, but remain queryable by ID.
	_, ok = f.orch.ActiveJob("replica-1")
	assert.False(t, ok)

	got, ok := f.orch.Job(job.ID)
	require.True(t, ok)
	assert.Equal(t, JobSucceeded, got.Status)
	assert.Equal(t, uint64(3), got.Generation)
}
