package classify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/FairForge/standby/internal/probe"
)

const replicaID = "replica-1"

func defaultThresholds() Thresholds {
	return Thresholds{
		LagThreshold:     30 * time.Second,
		DisconnectProbes: 5,
	}
}

func healthyPair() (probe.Snapshot, probe.Snapshot) {
	return connectedPrimary(replicaID), recoveringReplica(time.Second)
}

func TestClassify_Healthy(t *testing.T) {
	primary, replica := healthyPair()
	w := NewWindow(5)
	w.Push(obs(primary, replica))

	mode := Classify(replicaID, primary, replica, w, defaultThresholds())
	assert.Equal(t, Healthy, mode)
}

func TestClassify_RoleViolationPrecedence(t *testing.T) {
	// A replica out of recovery classifies as role violation no
	// matter what the rest of the snapshot says.
	cases := []struct {
		name    string
		primary probe.Snapshot
		replica probe.Snapshot
	}{
		{
			name:    "otherwise healthy",
			primary: connectedPrimary(replicaID),
			replica: probe.Snapshot{NodeID: replicaID, Reachable: true, InRecovery: false},
		},
		{
			name:    "with wal loss on the primary",
			primary: probe.Snapshot{NodeID: "primary", Reachable: true, ErrCode: probe.ErrorWALSegmentMissing},
			replica: probe.Snapshot{NodeID: replicaID, Reachable: true, InRecovery: false},
		},
		{
			name:    "with huge lag",
			primary: connectedPrimary(replicaID),
			replica: func() probe.Snapshot {
				lag := time.Hour
				return probe.Snapshot{NodeID: replicaID, Reachable: true, InRecovery: false, Lag: &lag}
			}(),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := NewWindow(5)
			w.Push(obs(tc.primary, tc.replica))
			mode := Classify(replicaID, tc.primary, tc.replica, w, defaultThresholds())
			assert.Equal(t, RoleViolation, mode)
		})
	}
}

func TestClassify_WALLost_ReplicaReports(t *testing.T) {
	primary := connectedPrimary()
	replica := probe.Snapshot{
		NodeID:     replicaID,
		Reachable:  true,
		InRecovery: true,
		ErrCode:    probe.ErrorWALSegmentMissing,
	}
	w := NewWindow(5)
	w.Push(obs(primary, replica))

	mode := Classify(replicaID, primary, replica, w, defaultThresholds())
	assert.Equal(t, WALLost, mode)
}

func TestClassify_WALLost_SlotErrorAfterDisconnect(t *testing.T) {
	// Connected, then gone immediately after a slot error on the
	// primary.
	w := NewWindow(5)
	w.Push(obs(connectedPrimary(replicaID), recoveringReplica(time.Second)))

	primary := connectedPrimary()
	primary.ErrCode = probe.ErrorWALSegmentMissing
	replica := recoveringReplica(time.Second)
	w.Push(obs(primary, replica))

	mode := Classify(replicaID, primary, replica, w, defaultThresholds())
	assert.Equal(t, WALLost, mode)
}

func TestClassify_SlotErrorWithoutPriorConnection(t *testing.T) {
	// Slot error but the replica was never attached: not WAL loss.
	primary := connectedPrimary()
	primary.ErrCode = probe.ErrorSlotMissing
	replica := recoveringReplica(time.Second)

	w := NewWindow(5)
	w.Push(obs(primary, replica))

	mode := Classify(replicaID, primary, replica, w, defaultThresholds())
	assert.NotEqual(t, WALLost, mode)
}

func TestClassify_NotConnected(t *testing.T) {
	th := defaultThresholds()
	w := NewWindow(10)
	replica := recoveringReplica(time.Second)

	// Absent for one probe short of the threshold: absorbed.
	var mode Mode
	for i := 0; i < th.DisconnectProbes-1; i++ {
		w.Push(obs(connectedPrimary(), replica))
		mode = Classify(replicaID, connectedPrimary(), replica, w, th)
	}
	assert.Equal(t, Indeterminate, mode)

	// The Nth consecutive absence tips it over.
	w.Push(obs(connectedPrimary(), replica))
	mode = Classify(replicaID, connectedPrimary(), replica, w, th)
	assert.Equal(t, NotConnected, mode)
}

func TestClassify_ConsecutiveProbeTimeouts(t *testing.T) {
	// N consecutive connection failures are treated as not connected.
	th := defaultThresholds()
	w := NewWindow(10)
	down := probe.Snapshot{NodeID: replicaID, ErrCode: probe.ErrorConnectionFailed}

	var mode Mode
	for i := 0; i < th.DisconnectProbes; i++ {
		w.Push(obs(connectedPrimary(), down))
		mode = Classify(replicaID, connectedPrimary(), down, w, th)
	}
	assert.Equal(t, NotConnected, mode)
}

func TestClassify_Lagging(t *testing.T) {
	th := defaultThresholds()

	t.Run("over threshold and not shrinking", func(t *testing.T) {
		w := NewWindow(3)
		for _, lag := range []time.Duration{40 * time.Second, 50 * time.Second, 60 * time.Second} {
			w.Push(obs(connectedPrimary(replicaID), recoveringReplica(lag)))
		}
		mode := Classify(replicaID, connectedPrimary(replicaID), recoveringReplica(60*time.Second), w, th)
		assert.Equal(t, Lagging, mode)
	})

	t.Run("over threshold but catching up", func(t *testing.T) {
		w := NewWindow(3)
		for _, lag := range []time.Duration{90 * time.Second, 70 * time.Second, 50 * time.Second} {
			w.Push(obs(connectedPrimary(replicaID), recoveringReplica(lag)))
		}
		mode := Classify(replicaID, connectedPrimary(replicaID), recoveringReplica(50*time.Second), w, th)
		assert.Equal(t, Indeterminate, mode)
	})

	t.Run("under threshold", func(t *testing.T) {
		w := NewWindow(3)
		w.Push(obs(connectedPrimary(replicaID), recoveringReplica(time.Second)))
		mode := Classify(replicaID, connectedPrimary(replicaID), recoveringReplica(time.Second), w, th)
		assert.Equal(t, Healthy, mode)
	})
}

func TestClassify_ReplayStalled(t *testing.T) {
	th := defaultThresholds()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	replica := recoveringReplica(time.Second)
	replica.LastReplay = &base

	walPositions := []string{"0/1000", "0/2000", "0/3000"}

	w := NewWindow(3)
	for _, pos := range walPositions {
		primary := connectedPrimary(replicaID)
		primary.CurrentWAL = pos
		w.Push(obs(primary, replica))
	}

	primary := connectedPrimary(replicaID)
	primary.CurrentWAL = "0/3000"
	mode := Classify(replicaID, primary, replica, w, th)
	assert.Equal(t, ReplayStalled, mode)
}

func TestClassify_ReplayFrozenWithoutWrites(t *testing.T) {
	// A quiet primary produces no replay progress; that is not a
	// stall.
	th := defaultThresholds()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	replica := recoveringReplica(time.Second)
	replica.LastReplay = &base

	primary := connectedPrimary(replicaID)
	primary.CurrentWAL = "0/1000"

	w := NewWindow(3)
	for i := 0; i < 3; i++ {
		w.Push(obs(primary, replica))
	}

	mode := Classify(replicaID, primary, replica, w, th)
	assert.Equal(t, Healthy, mode)
}

func TestClassify_SingleNegativeSignalIsNotHealthy(t *testing.T) {
	th := defaultThresholds()

	t.Run("missing lag reading", func(t *testing.T) {
		replica := probe.Snapshot{NodeID: replicaID, Reachable: true, InRecovery: true}
		w := NewWindow(5)
		w.Push(obs(connectedPrimary(replicaID), replica))
		mode := Classify(replicaID, connectedPrimary(replicaID), replica, w, th)
		assert.NotEqual(t, Healthy, mode)
	})

	t.Run("absent from primary", func(t *testing.T) {
		replica := recoveringReplica(time.Second)
		w := NewWindow(5)
		w.Push(obs(connectedPrimary(), replica))
		mode := Classify(replicaID, connectedPrimary(), replica, w, th)
		assert.NotEqual(t, Healthy, mode)
	})

	t.Run("unreachable primary", func(t *testing.T) {
		primary := probe.Snapshot{NodeID: "primary", ErrCode: probe.ErrorConnectionFailed}
		replica := recoveringReplica(time.Second)
		w := NewWindow(5)
		w.Push(obs(primary, replica))
		mode := Classify(replicaID, primary, replica, w, th)
		assert.NotEqual(t, Healthy, mode)
	})
}
