// Package gcs defines the contract of the group communication service: a
// black box providing totally-ordered broadcast, schedule/interrupt
// primitives, state transfer negotiation, and configuration-change events.
// Implementations deliver every action with a per-node local seqno, and
// totally-ordered actions additionally with a global seqno.
package gcs

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// SeqnoUndefined is the undefined sequence number.
const SeqnoUndefined int64 = -1

// ErrAgain indicates a transient failure; the caller may retry.
var ErrAgain = errors.New("try again")

// ErrInterrupted indicates the blocked operation was interrupted.
var ErrInterrupted = errors.New("interrupted")

// ErrClosed indicates the connection is closed.
var ErrClosed = errors.New("connection closed")

// ActType enumerates the kinds of delivered actions.
type ActType int

const (
	// ActTordered is a totally-ordered broadcast write-set.
	ActTordered ActType = iota
	// ActCommitCut declares all transactions at or below a seqno committed
	// everywhere, allowing certification index purge.
	ActCommitCut
	// ActConf is a group configuration change.
	ActConf
	// ActStateReq asks this node to donate a state transfer.
	ActStateReq
	// ActJoin reports this node joined the group.
	ActJoin
	// ActSync reports this node is synced with the group.
	ActSync
)

var actTypeNames = map[ActType]string{
	ActTordered:  "TORDERED",
	ActCommitCut: "COMMIT_CUT",
	ActConf:      "CONF",
	ActStateReq:  "STATE_REQ",
	ActJoin:      "JOIN",
	ActSync:      "SYNC",
}

// String returns the action type's name.
func (t ActType) String() string {
	if n, ok := actTypeNames[t]; ok {
		return n
	}
	return "INVALID"
}

// MemberState is a node's membership state as reported by the group.
type MemberState int

const (
	// MemberNonPrim: member of a non-primary component.
	MemberNonPrim MemberState = iota
	// MemberPrim: member of the primary component, state transfer undecided.
	MemberPrim
	// MemberJoiner: receiving a state transfer.
	MemberJoiner
	// MemberDonor: donating a state transfer.
	MemberDonor
	// MemberJoined: complete state, catching up.
	MemberJoined
	// MemberSynced: complete state, in sync with the group.
	MemberSynced
)

// Member describes one node of a configuration.
type Member struct {
	ID       uuid.UUID
	Name     string
	Incoming string // Host address for client connections.
}

// ConfView describes a group configuration.
type ConfView struct {
	// ConfID is the monotone configuration number; negative for a
	// non-primary component.
	ConfID    int64
	GroupUUID uuid.UUID
	// Seqno is the global seqno at which this configuration begins.
	Seqno int64
	// MyIdx is this node's index within Members, or -1 if expelled.
	MyIdx   int
	MyState MemberState
	Members []Member
}

// Primary returns whether the view is of a primary component.
func (v *ConfView) Primary() bool { return v.ConfID >= 0 }

// Action is a delivered group event.
type Action struct {
	Type ActType
	// Payload of the action: a write-set collection for ActTordered, an
	// encoded seqno for ActCommitCut, a transfer request for ActStateReq.
	Payload []byte
	// LocalSeqno orders this action among all actions observed by the node.
	LocalSeqno int64
	// GlobalSeqno orders ActTordered actions across the group;
	// SeqnoUndefined otherwise.
	GlobalSeqno int64
	// Conf is set iff Type == ActConf.
	Conf *ConfView
}

// Connection is a connection to the group communication service. Recv, Repl
// and RequestStateTransfer may block; Repl is interruptible via Interrupt of
// its scheduled handle.
type Connection interface {
	// Connect joins the named cluster.
	Connect(clusterName, clusterURL string) error
	// Close leaves the cluster. Blocked and future Recv calls drain queued
	// actions and then fail with ErrClosed.
	Close() error
	// Recv blocks for the next delivered Action.
	Recv() (Action, error)
	// Schedule reserves a broadcast slot, returning its handle.
	Schedule() (int64, error)
	// Repl broadcasts a totally-ordered payload under a scheduled handle,
	// returning the assigned local and global seqnos.
	Repl(payload []byte, handle int64) (localSeqno, globalSeqno int64, err error)
	// Interrupt forces a concurrent Repl of the handle to return
	// ErrInterrupted.
	Interrupt(handle int64) error
	// RequestStateTransfer asks the group for a donor. The returned local
	// seqno is the slot the request occupies in the node's local order.
	RequestStateTransfer(req []byte, donor string) (localSeqno int64, err error)
	// Join reports this node's transfer outcome to the group. A negative
	// seqno reports failure.
	Join(seqno int64) error
	// SetLastApplied reports the node's last applied seqno, from which the
	// group computes commit cuts.
	SetLastApplied(seqno int64)
	// QueueLen returns the number of delivered but unprocessed actions.
	QueueLen() int64
}
