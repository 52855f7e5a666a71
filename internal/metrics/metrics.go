// internal/metrics/metrics.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	probesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "standby_probes_total",
			Help: "Total number of health probes issued",
		},
		[]string{"node", "outcome"},
	)

	probeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "standby_probe_duration_seconds",
			Help:    "Probe round-trip duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"node"},
	)

	classificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "standby_classifications_total",
			Help: "Classifier verdicts by failure mode",
		},
		[]string{"replica", "mode"},
	)

	stateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "standby_state_transitions_total",
			Help: "Replica lifecycle state transitions",
		},
		[]string{"replica", "from", "to"},
	)

	replicaState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "standby_replica_state",
			Help: "Current replica lifecycle state (1 for the active state, 0 otherwise)",
		},
		[]string{"replica", "state"},
	)

	replicaLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "standby_replica_lag_seconds",
			Help: "Last observed replay lag per replica",
		},
		[]string{"replica"},
	)

	rebuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "standby_rebuilds_total",
			Help: "Rebuild jobs by outcome",
		},
		[]string{"replica", "outcome"},
	)

	rebuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "standby_rebuild_duration_seconds",
			Help:    "Rebuild job duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"replica"},
	)
)

// RecordProbe tracks one probe attempt against a node.
func RecordProbe(node string, ok bool, elapsed time.Duration) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	probesTotal.WithLabelValues(node, outcome).Inc()
	probeDuration.WithLabelValues(node).Observe(elapsed.Seconds())
}

// RecordClassification tracks one classifier verdict.
func RecordClassification(replica, mode string) {
	classificationsTotal.WithLabelValues(replica, mode).Inc()
}

// RecordTransition tracks a lifecycle state change.
func RecordTransition(replica, from, to string) {
	stateTransitionsTotal.WithLabelValues(replica, from, to).Inc()
}

// SetReplicaState points the per-replica state gauge at the current
// state.
func SetReplicaState(replica, state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1.0
		}
		replicaState.WithLabelValues(replica, s).Set(v)
	}
}

// SetReplicaLag records the last observed replay lag.
func SetReplicaLag(replica string, lag time.Duration) {
	replicaLag.WithLabelValues(replica).Set(lag.Seconds())
}

// RecordRebuild tracks a finished rebuild job.
func RecordRebuild(replica, outcome string, elapsed time.Duration) {
	rebuildsTotal.WithLabelValues(replica, outcome).Inc()
	rebuildDuration.WithLabelValues(replica).Observe(elapsed.Seconds())
}
