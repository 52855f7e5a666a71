package controller

// State is the authoritative lifecycle status of one replica. Only
// the controller goroutine that owns a replica may change it.
type State int

const (
	StateUninitialized State = iota
	StateStreaming
	StateLagging
	StateDisconnected
	StateWALLost
	StateRebuilding
	StateRoleViolation
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStreaming:
		return "streaming"
	case StateLagging:
		return "lagging"
	case StateDisconnected:
		return "disconnected"
	case StateWALLost:
		return "wal_lost"
	case StateRebuilding:
		return "rebuilding"
	case StateRoleViolation:
		return "role_violation"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state requires an explicit reset
// before the replica re-enters supervision.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateRoleViolation
}

// ParseState restores a state from its persisted string form. A
// replica persisted as rebuilding means the controller died mid-job;
// its data store cannot be trusted, so it restores as failed rather
// than silently half-initialized.
func ParseState(s string) State {
	switch s {
	case "rebuilding":
		return StateFailed
	case "streaming":
		return StateStreaming
	case "lagging":
		return StateLagging
	case "disconnected":
		return StateDisconnected
	case "wal_lost":
		return StateWALLost
	case "role_violation":
		return StateRoleViolation
	case "failed":
		return StateFailed
	default:
		return StateUninitialized
	}
}

// StateNames lists every state string, for metrics gauges.
var StateNames = []string{
	"uninitialized", "streaming", "lagging", "disconnected",
	"wal_lost", "rebuilding", "role_violation", "failed",
}
