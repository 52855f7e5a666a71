package rebuild

import (
	"context"
	"fmt"
	"time"

	"github.com/FairForge/standby/internal/probe"
	"github.com/FairForge/standby/internal/slot"
)

// JobStatus represents rebuild job state.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobAborted   JobStatus = "aborted"
	JobFailed    JobStatus = "failed"
)

// Step names the stages of the rebuild sequence, in execution order.
type Step string

const (
	StepStop          Step = "stop"
	StepWipe          Step = "wipe"
	StepEnsureSlot    Step = "ensure_slot"
	StepBaseBackup    Step = "base_backup"
	StepStart         Step = "start"
	StepAwaitRecovery Step = "await_recovery"
)

// StepError wraps a failure at a specific rebuild step.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("rebuild step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Job records one rebuild attempt. Jobs are terminal: a failed job is
// never resumed, a retry is always a fresh job with a new generation.
type Job struct {
	ID          string     `json:"id"`
	ReplicaID   string     `json:"replica_id"`
	Trigger     string     `json:"trigger"`
	Generation  uint64     `json:"generation"`
	Status      JobStatus  `json:"status"`
	Step        Step       `json:"step"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Target identifies the replica being rebuilt along with the local
// resources the sequence must own exclusively.
type Target struct {
	Node      probe.Node `json:"node"`
	DataDir   string     `json:"data_dir"`
	ServiceID string     `json:"service_id"`
}

// BaseBackup is the external base-backup collaborator. It copies the
// primary's data store into targetDataDir through the named slot and
// is expected to configure the result for standby mode.
type BaseBackup interface {
	TakeBaseBackup(ctx context.Context, primaryEndpoint, slotName, targetDataDir string) error
}

// ServiceRunner is the external process/service collaborator.
type ServiceRunner interface {
	Stop(ctx context.Context, serviceID string) error
	Start(ctx context.Context, serviceID string) error
}

// SlotEnsurer guarantees slot presence before a base backup runs.
type SlotEnsurer interface {
	EnsureSlot(ctx context.Context, name string) (slot.Handle, error)
}

// ReadinessProber checks whether a freshly started replica has come
// up in recovery mode.
type ReadinessProber interface {
	ProbeReplica(ctx context.Context, node probe.Node) probe.Snapshot
}
