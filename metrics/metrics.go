package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors for replicator counters. Each except LocalRollbacksTotal backs
// one status variable of the node's status snapshot; local rollbacks are
// counted but have no snapshot variable.
var (
	ReplicatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "repliset_replicated_total",
		Help: "Cumulative number of write-sets replicated by this node.",
	})
	ReplicatedBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "repliset_replicated_bytes_total",
		Help: "Cumulative bytes of write-sets replicated by this node.",
	})
	ReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "repliset_received_total",
		Help: "Cumulative number of write-sets received from the group.",
	})
	ReceivedBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "repliset_received_bytes_total",
		Help: "Cumulative bytes of write-sets received from the group.",
	})
	LocalCommitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "repliset_local_commits_total",
		Help: "Cumulative number of local transactions committed.",
	})
	LocalRollbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "repliset_local_rollbacks_total",
		Help: "Cumulative number of local transactions rolled back.",
	})
	LocalCertFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "repliset_local_cert_failures_total",
		Help: "Cumulative number of local certification failures.",
	})
	LocalBFAbortsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "repliset_local_bf_aborts_total",
		Help: "Cumulative number of brute-force aborts of local transactions.",
	})
	LocalReplaysTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "repliset_local_replays_total",
		Help: "Cumulative number of local transaction replays.",
	})
	FlowControlWaitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "repliset_flow_control_waits_total",
		Help: "Cumulative number of flow control pauses.",
	})
)

// MustRegister registers all collectors with the default registerer.
func MustRegister() {
	prometheus.MustRegister(
		ReplicatedTotal,
		ReplicatedBytesTotal,
		ReceivedTotal,
		ReceivedBytesTotal,
		LocalCommitsTotal,
		LocalRollbacksTotal,
		LocalCertFailuresTotal,
		LocalBFAbortsTotal,
		LocalReplaysTotal,
		FlowControlWaitsTotal,
	)
}
