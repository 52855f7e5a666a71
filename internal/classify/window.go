package classify

import (
	"github.com/FairForge/standby/internal/probe"
)

// Observation pairs the primary and replica snapshots taken in one
// probe cycle.
type Observation struct {
	Primary probe.Snapshot
	Replica probe.Snapshot
}

// Window holds the most recent observations for one replica, oldest
// first. It is bounded: pushing beyond capacity drops the oldest
// entry.
type Window struct {
	size int
	obs  []Observation
}

// NewWindow creates a window holding at most size observations.
func NewWindow(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{size: size, obs: make([]Observation, 0, size)}
}

// Push appends an observation, evicting the oldest when full.
func (w *Window) Push(o Observation) {
	if len(w.obs) == w.size {
		copy(w.obs, w.obs[1:])
		w.obs[len(w.obs)-1] = o
		return
	}
	w.obs = append(w.obs, o)
}

// Len returns the number of held observations.
func (w *Window) Len() int { return len(w.obs) }

// Full reports whether the window has reached capacity.
func (w *Window) Full() bool { return len(w.obs) == w.size }

// Reset discards all observations. Used when a replica re-enters
// supervision after a rebuild or reset, so stale history cannot
// influence fresh classifications.
func (w *Window) Reset() { w.obs = w.obs[:0] }

// ConsecutiveDisconnects counts the trailing observations in which
// the named replica was either unreachable or absent from the
// primary's connected standbys.
func (w *Window) ConsecutiveDisconnects(replicaID string) int {
	n := 0
	for i := len(w.obs) - 1; i >= 0; i-- {
		o := w.obs[i]
		disconnected := !o.Replica.Reachable || (o.Primary.Reachable && !o.Primary.HasStandby(replicaID))
		if !disconnected {
			break
		}
		n++
	}
	return n
}

// WasConnected reports whether any held observation shows the replica
// attached to the primary.
func (w *Window) WasConnected(replicaID string) bool {
	for _, o := range w.obs {
		if o.Primary.Reachable && o.Primary.HasStandby(replicaID) {
			return true
		}
	}
	return false
}

// LagShrinking reports whether replica lag decreased monotonically
// across the held observations. Observations without a lag reading
// break the trend.
func (w *Window) LagShrinking() bool {
	var prev *Observation
	shrank := false
	for i := range w.obs {
		o := w.obs[i]
		if o.Replica.Lag == nil {
			return false
		}
		if prev != nil {
			if *o.Replica.Lag > *prev.Replica.Lag {
				return false
			}
			if *o.Replica.Lag < *prev.Replica.Lag {
				shrank = true
			}
		}
		prev = &w.obs[i]
	}
	return shrank
}

// ReplayAdvanced reports whether the replica's last replay timestamp
// moved forward at any point across the window.
func (w *Window) ReplayAdvanced() bool {
	var prev *Observation
	for i := range w.obs {
		o := w.obs[i]
		if o.Replica.LastReplay == nil {
			prev = nil
			continue
		}
		if prev != nil && prev.Replica.LastReplay != nil &&
			o.Replica.LastReplay.After(*prev.Replica.LastReplay) {
			return true
		}
		prev = &w.obs[i]
	}
	return false
}

// PrimaryWroteDuring reports whether the primary's write position
// changed across the window, i.e. there was new write activity a
// healthy replica would have had to replay.
func (w *Window) PrimaryWroteDuring() bool {
	var last string
	for _, o := range w.obs {
		if o.Primary.CurrentWAL == "" {
			continue
		}
		if last != "" && o.Primary.CurrentWAL != last {
			return true
		}
		last = o.Primary.CurrentWAL
	}
	return false
}
