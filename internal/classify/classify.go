// Package classify maps probe snapshots onto a fixed set of disjoint
// failure modes. Classification is a pure function of its inputs: no
// I/O, no clock reads, no mutation of the window.
package classify

import (
	"time"

	"github.com/FairForge/standby/internal/probe"
)

// Thresholds carries the deployment-specific tunables. Acceptable lag
// is never hardcoded; every value here comes from configuration.
type Thresholds struct {
	// LagThreshold is the replay lag above which a replica is
	// considered lagging.
	LagThreshold time.Duration

	// DisconnectProbes is the number of consecutive absent probes
	// before a replica is declared not connected.
	DisconnectProbes int
}

// Classify maps the latest primary/replica snapshot pair, plus the
// recent history window, onto a failure mode.
//
// Precedence is deliberate: a role violation is the most severe and
// self-evident fault and is checked first, then WAL loss, then
// connectivity, then lag and staleness. A worse fault must never be
// masked by a milder diagnosis derived from the same cycle. Healthy
// requires every positive condition simultaneously.
func Classify(replicaID string, primary, replica probe.Snapshot, hist *Window, th Thresholds) Mode {
	// A reachable replica that is not in recovery is acting as a
	// primary. Everything else about the snapshot is irrelevant.
	if replica.Reachable && !replica.InRecovery {
		return RoleViolation
	}

	if walLost(replicaID, primary, replica, hist) {
		return WALLost
	}

	if hist.ConsecutiveDisconnects(replicaID) >= th.DisconnectProbes {
		return NotConnected
	}

	if !replica.Reachable || !primary.Reachable {
		// Below the disconnect threshold; absorb and wait for the
		// next cycle.
		return Indeterminate
	}

	connected := primary.HasStandby(replicaID)
	if !connected {
		return Indeterminate
	}

	// Staleness before lag: a stalled replay usually drags lag up
	// with it, and the stall is the more specific diagnosis.
	if hist.Full() && !hist.ReplayAdvanced() && hist.PrimaryWroteDuring() {
		return ReplayStalled
	}

	if replica.Lag == nil {
		return Indeterminate
	}
	if *replica.Lag > th.LagThreshold {
		if hist.LagShrinking() {
			// Over threshold but recovering on its own.
			return Indeterminate
		}
		return Lagging
	}

	return Healthy
}

// walLost covers the two WAL-loss signals: the replica itself
// reporting a missing segment, and the connected-then-gone pattern
// immediately after a slot error on the primary.
func walLost(replicaID string, primary, replica probe.Snapshot, hist *Window) bool {
	if replica.ErrCode == probe.ErrorWALSegmentMissing {
		return true
	}
	slotError := primary.ErrCode == probe.ErrorWALSegmentMissing ||
		primary.ErrCode == probe.ErrorSlotMissing
	if !slotError {
		return false
	}
	return !primary.HasStandby(replicaID) && hist.WasConnected(replicaID)
}
