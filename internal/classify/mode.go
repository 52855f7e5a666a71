package classify

// Mode is the classifier's verdict for one replica at one probe cycle.
type Mode int

const (
	// Indeterminate means the probe data is too thin to judge (for
	// example a single failed probe below the disconnect threshold).
	// The controller keeps the replica's current state.
	Indeterminate Mode = iota
	Healthy
	NotConnected
	Lagging
	WALLost
	RoleViolation
	ReplayStalled
)

func (m Mode) String() string {
	switch m {
	case Healthy:
		return "healthy"
	case NotConnected:
		return "not_connected"
	case Lagging:
		return "lagging"
	case WALLost:
		return "wal_lost"
	case RoleViolation:
		return "role_violation"
	case ReplayStalled:
		return "replay_stalled"
	default:
		return "indeterminate"
	}
}
