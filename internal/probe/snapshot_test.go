package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithSlot_ProjectsNamedSlot(t *testing.T) {
	s := Snapshot{
		Reachable: true,
		Slots: map[string]SlotInfo{
			"standby_replica_1": {Active: true},
			"standby_replica_2": {Active: false},
		},
	}

	one := s.WithSlot("standby_replica_1")
	assert.True(t, one.SlotPresent)
	assert.True(t, one.SlotActive)
	assert.Equal(t, ErrorNone, one.ErrCode)

	two := s.WithSlot("standby_replica_2")
	assert.True(t, two.SlotPresent)
	assert.False(t, two.SlotActive)
	assert.Equal(t, ErrorNone, two.ErrCode)
}

func TestWithSlot_MissingSlot(t *testing.T) {
	s := Snapshot{Reachable: true, Slots: map[string]SlotInfo{}}

	got := s.WithSlot("standby_replica_1")
	assert.False(t, got.SlotPresent)
	assert.Equal(t, ErrorSlotMissing, got.ErrCode)
}

func TestWithSlot_WALLost(t *testing.T) {
	s := Snapshot{
		Reachable: true,
		Slots:     map[string]SlotInfo{"standby_replica_1": {Active: false, WALLost: true}},
	}

	got := s.WithSlot("standby_replica_1")
	assert.True(t, got.SlotPresent)
	assert.Equal(t, ErrorWALSegmentMissing, got.ErrCode)
}

func TestWithSlot_UnreachablePrimaryStaysQuiet(t *testing.T) {
	// No slot verdict can be drawn from a failed probe.
	s := Snapshot{Reachable: false, ErrCode: ErrorConnectionFailed}

	got := s.WithSlot("standby_replica_1")
	assert.False(t, got.SlotPresent)
	assert.Equal(t, ErrorConnectionFailed, got.ErrCode)
}

func TestWithSlot_KeepsExistingErrorCode(t *testing.T) {
	s := Snapshot{Reachable: true, ErrCode: ErrorWALSegmentMissing}

	got := s.WithSlot("standby_replica_1")
	assert.Equal(t, ErrorWALSegmentMissing, got.ErrCode)
}

func TestWithSlot_DoesNotMutateReceiver(t *testing.T) {
	s := Snapshot{
		Reachable: true,
		Slots:     map[string]SlotInfo{"a": {WALLost: true}},
	}
	_ = s.WithSlot("a")
	assert.Equal(t, ErrorNone, s.ErrCode)
	assert.False(t, s.SlotPresent)
}

func TestHasStandby_MatchesByName(t *testing.T) {
	s := Snapshot{
		Reachable:         true,
		ReplicationRows:   2,
		ConnectedStandbys: []string{"replica-1", "replica-2"},
	}

	assert.True(t, s.HasStandby("replica-1"))
	assert.False(t, s.HasStandby("replica-3"))
}

func TestHasStandby_FallsBackToRowCount(t *testing.T) {
	// Standbys that never set application_name leave only the count.
	s := Snapshot{Reachable: true, ReplicationRows: 1}
	assert.True(t, s.HasStandby("replica-1"))

	s.ReplicationRows = 0
	assert.False(t, s.HasStandby("replica-1"))
}

func TestConnected(t *testing.T) {
	assert.False(t, Snapshot{}.Connected())
	assert.False(t, Snapshot{Reachable: true}.Connected())
	assert.False(t, Snapshot{ReplicationRows: 1}.Connected())
	assert.True(t, Snapshot{Reachable: true, ReplicationRows: 1}.Connected())
}
