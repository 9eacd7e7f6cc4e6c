package replicator

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"go.repliset.dev/core/metrics"
)

// counter is an atomic counter mirrored into a prometheus collector.
type counter struct {
	v int64
	c prometheus.Counter
}

func (c *counter) inc() { c.add(1) }

func (c *counter) add(delta int64) {
	atomic.AddInt64(&c.v, delta)
	if c.c != nil {
		c.c.Add(float64(delta))
	}
}

func (c *counter) get() int64 { return atomic.LoadInt64(&c.v) }

// counters aggregates the node's replication counters.
type counters struct {
	replicated        counter
	replicatedBytes   counter
	received          counter
	receivedBytes     counter
	localCommits      counter
	localRollbacks    counter
	localCertFailures counter
	localBFAborts     counter
	localReplays      counter
	fcWaits           counter
}

func (c *counters) init() {
	c.replicated.c = metrics.ReplicatedTotal
	c.replicatedBytes.c = metrics.ReplicatedBytesTotal
	c.received.c = metrics.ReceivedTotal
	c.receivedBytes.c = metrics.ReceivedBytesTotal
	c.localCommits.c = metrics.LocalCommitsTotal
	c.localRollbacks.c = metrics.LocalRollbacksTotal
	c.localCertFailures.c = metrics.LocalCertFailuresTotal
	c.localBFAborts.c = metrics.LocalBFAbortsTotal
	c.localReplays.c = metrics.LocalReplaysTotal
	c.fcWaits.c = metrics.FlowControlWaitsTotal
}

// MemberStatus is the coarse membership status reported to hosts.
type MemberStatus int

const (
	MemberStatusEmpty MemberStatus = iota
	MemberStatusJoiner
	MemberStatusJoined
	MemberStatusSynced
	MemberStatusDonor
)

// Status is a point-in-time snapshot of the node's replication state. It is
// rebuilt from atomic counters on every call and never aliases internal
// storage.
type Status struct {
	LocalStateUUID     string
	LastCommitted      int64
	Replicated         int64
	ReplicatedBytes    int64
	Received           int64
	ReceivedBytes      int64
	LocalCommits       int64
	LocalCertFailures  int64
	LocalBFAborts      int64
	LocalReplays       int64
	LocalSlaveQueue    int64
	FlowControlWaits   int64
	CertDepsDistance   float64
	ApplyOOOE          float64
	ApplyOOOL          float64
	ApplyWindow        float64
	LocalStatus        MemberStatus
	LocalStatusComment string
}

// Status returns a snapshot of the node's status variables.
func (r *Replicator) Status() Status {
	r.mu.Lock()
	var state, sstState, stateUUID = r.state, r.sstState, r.stateUUID
	r.mu.Unlock()

	var oooe, oool, window = r.applyMon.Stats()

	return Status{
		LocalStateUUID:     stateUUID.String(),
		LastCommitted:      r.applyMon.LastLeft(),
		Replicated:         r.counters.replicated.get(),
		ReplicatedBytes:    r.counters.replicatedBytes.get(),
		Received:           r.counters.received.get(),
		ReceivedBytes:      r.counters.receivedBytes.get(),
		LocalCommits:       r.counters.localCommits.get(),
		LocalCertFailures:  r.counters.localCertFailures.get(),
		LocalBFAborts:      r.counters.localBFAborts.get(),
		LocalReplays:       r.counters.localReplays.get(),
		LocalSlaveQueue:    r.conn.QueueLen(),
		FlowControlWaits:   r.counters.fcWaits.get(),
		CertDepsDistance:   r.cert.AvgDepsDistance(),
		ApplyOOOE:          oooe,
		ApplyOOOL:          oool,
		ApplyWindow:        window,
		LocalStatus:        memberStatus(state),
		LocalStatusComment: statusComment(state, sstState),
	}
}

func memberStatus(state State) MemberStatus {
	switch state {
	case StateClosed, StateClosing:
		return MemberStatusEmpty
	case StateJoining:
		return MemberStatusJoiner
	case StateJoined:
		return MemberStatusJoined
	case StateSynced:
		return MemberStatusSynced
	case StateDonor:
		return MemberStatusDonor
	}
	panic("invalid state")
}

// Status comment strings, by progress stage.
var statusComments = []string{
	"Initialized (0)",
	"Joining (1)",
	"Prepare for SST (2)",
	"SST request sent (3)",
	"Waiting for SST (4)",
	"Joined (5)",
	"Synced (6)",
	"Donor (+)",
	"SST request failed (-)",
	"SST failed (-)",
}

func statusComment(state State, sstState SstState) string {
	switch state {
	case StateClosed, StateClosing:
		if sstState == SstReqFailed {
			return statusComments[8]
		} else if sstState == SstFailed {
			return statusComments[9]
		}
		return statusComments[0]
	case StateJoining:
		if sstState == SstWait {
			return statusComments[4]
		}
		return statusComments[1]
	case StateJoined:
		return statusComments[5]
	case StateSynced:
		return statusComments[6]
	case StateDonor:
		return statusComments[7]
	}
	panic("invalid state")
}
