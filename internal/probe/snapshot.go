package probe

import (
	"time"
)

// ErrorCode marks a snapshot with a probe-level failure condition.
type ErrorCode string

const (
	ErrorNone              ErrorCode = ""
	ErrorConnectionFailed  ErrorCode = "connection_failed"
	ErrorWALSegmentMissing ErrorCode = "wal_segment_missing"
	ErrorSlotMissing       ErrorCode = "slot_missing"
)

// Node identifies one supervised database endpoint.
type Node struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"` // lib/pq conninfo string
}

// Snapshot is one immutable health observation of a single node.
// A failed probe still yields a snapshot: the optional fields stay
// nil and ErrCode records why. Absence of data is classifier input,
// not an exceptional condition.
type Snapshot struct {
	NodeID  string    `json:"node_id"`
	TakenAt time.Time `json:"taken_at"`

	// InRecovery is only meaningful when Reachable is true.
	Reachable  bool `json:"reachable"`
	InRecovery bool `json:"in_recovery"`

	// ReplicationRows counts connected standbys; primary-side only.
	ReplicationRows int `json:"replication_rows"`

	// ConnectedStandbys lists the application_name of each attached
	// standby, so a replica can be matched by identity rather than
	// by count alone.
	ConnectedStandbys []string `json:"connected_standbys,omitempty"`

	// CurrentWAL is the primary's current write position. Consumers
	// only ever compare it for change, never for magnitude.
	CurrentWAL string `json:"current_wal,omitempty"`

	// WALReceiverUp reports an active walreceiver; replica-side only.
	WALReceiverUp bool `json:"wal_receiver_up"`

	Lag        *time.Duration `json:"lag,omitempty"`
	LastReplay *time.Time     `json:"last_replay,omitempty"`

	// SlotPresent/SlotActive describe one replication slot as seen
	// from the primary. ProbePrimary fills Slots with every slot on
	// the node; WithSlot projects a single slot into these fields for
	// the classifier.
	SlotPresent bool                `json:"slot_present"`
	SlotActive  bool                `json:"slot_active"`
	Slots       map[string]SlotInfo `json:"slots,omitempty"`

	ErrCode ErrorCode `json:"error_code,omitempty"`
}

// SlotInfo is the primary-side view of one replication slot.
type SlotInfo struct {
	Active bool `json:"active"`
	// WALLost means the slot's reserved WAL has been recycled; a
	// replica streaming through it can never catch up again.
	WALLost bool `json:"wal_lost"`
}

// WithSlot returns a copy of a primary snapshot narrowed to the named
// slot. A missing slot or one whose WAL is gone surfaces as the
// corresponding error code.
func (s Snapshot) WithSlot(name string) Snapshot {
	out := s
	out.SlotPresent = false
	out.SlotActive = false
	if !s.Reachable {
		return out
	}
	info, ok := s.Slots[name]
	switch {
	case !ok:
		if out.ErrCode == ErrorNone {
			out.ErrCode = ErrorSlotMissing
		}
	case info.WALLost:
		out.SlotPresent = true
		out.SlotActive = info.Active
		out.ErrCode = ErrorWALSegmentMissing
	default:
		out.SlotPresent = true
		out.SlotActive = info.Active
	}
	return out
}

// Connected reports whether this primary-side snapshot shows at least
// one standby attached.
func (s Snapshot) Connected() bool {
	return s.Reachable && s.ReplicationRows > 0
}

// HasStandby reports whether the named standby appears among the
// primary's connected standbys. Snapshots that carry only a row count
// (no names) fall back to the count.
func (s Snapshot) HasStandby(id string) bool {
	if len(s.ConnectedStandbys) == 0 {
		return s.Connected()
	}
	for _, name := range s.ConnectedStandbys {
		if name == id {
			return true
		}
	}
	return false
}
