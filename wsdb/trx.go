// Package wsdb tracks transaction handles: their write-set buffers, ordering
// seqnos, and lifecycle state machine. A DB registry owns handles of local
// transactions and isolated connections; hosts hold opaque references which
// resolve through the registry.
package wsdb

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"go.repliset.dev/core/writeset"
)

// SeqnoUndefined is the undefined sequence number.
const SeqnoUndefined int64 = -1

// State is a transaction lifecycle state.
type State int32

const (
	StateExecuting State = iota
	StateMustAbort
	StateAborting
	StateReplicating
	StateReplicated
	StateCertifying
	StateCertified
	StateApplying
	StateCommitted
	StateMustCertAndReplay
	StateMustReplay
	StateReplaying
	StateReplayed
	StateRolledBack
)

var stateNames = map[State]string{
	StateExecuting:         "EXECUTING",
	StateMustAbort:         "MUST_ABORT",
	StateAborting:          "ABORTING",
	StateReplicating:       "REPLICATING",
	StateReplicated:        "REPLICATED",
	StateCertifying:        "CERTIFYING",
	StateCertified:         "CERTIFIED",
	StateApplying:          "APPLYING",
	StateCommitted:         "COMMITTED",
	StateMustCertAndReplay: "MUST_CERT_AND_REPLAY",
	StateMustReplay:        "MUST_REPLAY",
	StateReplaying:         "REPLAYING",
	StateReplayed:          "REPLAYED",
	StateRolledBack:        "ROLLED_BACK",
}

// String returns the state's name.
func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// transitions enumerates the legal state transitions. Any other attempted
// transition is an invariant violation and panics.
var transitions = map[State][]State{
	StateExecuting:         {StateReplicating, StateMustAbort, StateAborting, StateRolledBack},
	StateMustAbort:         {StateAborting, StateMustReplay, StateMustCertAndReplay, StateApplying},
	StateAborting:          {StateRolledBack},
	StateReplicating:       {StateReplicated, StateMustAbort, StateAborting},
	StateReplicated:        {StateCertifying, StateMustAbort},
	StateCertifying:        {StateCertified, StateAborting, StateMustAbort},
	StateCertified:         {StateApplying, StateExecuting, StateMustAbort, StateReplaying},
	StateApplying:          {StateCommitted, StateAborting},
	StateCommitted:         {},
	StateMustCertAndReplay: {StateCertifying, StateAborting},
	StateMustReplay:        {StateReplaying},
	StateReplaying:         {StateReplayed, StateAborting},
	StateReplayed:          {StateCommitted},
	StateRolledBack:        {},
}

// TrxHandle is the per-transaction replication state: identity, write-set
// buffer, ordering seqnos, and lifecycle state.
//
// A TrxHandle has an associated lock which its owner holds across every
// replicator call. The lock must be released before any monitor operation
// which may block, and reacquired after, so that an aborter thread can take
// it to deliver an interrupt.
type TrxHandle struct {
	mu sync.Mutex

	source uuid.UUID
	trxID  uint64
	connID uint64
	local  bool

	state      State
	localSeqno int64
	gSeqno     int64
	lastSeen   int64
	depends    int64
	gcsHandle  int64

	collection writeset.Collection
	flushed    []byte // Marshalled collection, invalidated by appends.

	refc int32
	db   *DB
}

func newTrxHandle(source uuid.UUID, trxID, connID uint64, local bool) *TrxHandle {
	var trx = &TrxHandle{
		source:     source,
		trxID:      trxID,
		connID:     connID,
		local:      local,
		state:      StateExecuting,
		localSeqno: SeqnoUndefined,
		gSeqno:     SeqnoUndefined,
		lastSeen:   SeqnoUndefined,
		depends:    SeqnoUndefined,
		gcsHandle:  -1,
		refc:       1,
	}
	trx.collection.Header = writeset.Header{
		Version: writeset.Version,
		Source:  source,
		ConnID:  connID,
		TrxID:   trxID,
	}
	return trx
}

// NewRemote materializes a TrxHandle of a remote transaction from its decoded
// Collection and assigned seqnos.
func NewRemote(c writeset.Collection, localSeqno, gSeqno int64) *TrxHandle {
	var trx = newTrxHandle(c.Source, c.TrxID, c.ConnID, false)
	trx.collection = c
	trx.lastSeen = c.LastSeen
	trx.localSeqno, trx.gSeqno = localSeqno, gSeqno
	trx.state = StateReplicated
	return trx
}

// Lock acquires the handle's lock.
func (t *TrxHandle) Lock() { t.mu.Lock() }

// Unlock releases the handle's lock.
func (t *TrxHandle) Unlock() { t.mu.Unlock() }

// Source returns the originating node UUID.
func (t *TrxHandle) Source() uuid.UUID { return t.source }

// TrxID returns the host transaction ID, or writeset.ConnTrxID for an
// isolated connection write-set.
func (t *TrxHandle) TrxID() uint64 { return t.trxID }

// ConnID returns the host connection ID.
func (t *TrxHandle) ConnID() uint64 { return t.connID }

// IsLocal returns whether the transaction originated on this node.
func (t *TrxHandle) IsLocal() bool { return t.local }

// IsConn returns whether the handle is an isolated connection write-set.
func (t *TrxHandle) IsConn() bool { return t.trxID == writeset.ConnTrxID }

// State returns the current lifecycle state.
func (t *TrxHandle) State() State { return t.state }

// SetState transitions to |to|, and panics on an illegal transition.
func (t *TrxHandle) SetState(to State) {
	for _, s := range transitions[t.state] {
		if s == to {
			t.state = to
			return
		}
	}
	panic(fmt.Sprintf("illegal transition %s -> %s of %s", t.state, to, t))
}

// LocalSeqno returns the GCS-assigned local seqno.
func (t *TrxHandle) LocalSeqno() int64 { return t.localSeqno }

// GlobalSeqno returns the GCS-assigned global seqno.
func (t *TrxHandle) GlobalSeqno() int64 { return t.gSeqno }

// SetSeqnos records the seqnos assigned by the GCS on broadcast.
func (t *TrxHandle) SetSeqnos(localSeqno, gSeqno int64) {
	t.localSeqno, t.gSeqno = localSeqno, gSeqno
}

// LastSeen returns the highest seqno committed locally when the transaction
// began replicating.
func (t *TrxHandle) LastSeen() int64 { return t.lastSeen }

// SetLastSeen records the last-seen seqno into the write-set header.
func (t *TrxHandle) SetLastSeen(seqno int64) {
	t.lastSeen = seqno
	t.collection.LastSeen = seqno
	t.flushed = nil
}

// Depends returns the latest predecessor which must commit before apply.
func (t *TrxHandle) Depends() int64 { return t.depends }

// SetDepends records the last-depends seqno computed by certification.
func (t *TrxHandle) SetDepends(seqno int64) { t.depends = seqno }

// GCSHandle returns the scheduled broadcast slot, or -1.
func (t *TrxHandle) GCSHandle() int64 { return t.gcsHandle }

// SetGCSHandle records the scheduled broadcast slot.
func (t *TrxHandle) SetGCSHandle(h int64) { t.gcsHandle = h }

// Flags returns the collection header flags.
func (t *TrxHandle) Flags() uint32 { return t.collection.Flags }

// AddFlags sets the given collection header flags.
func (t *TrxHandle) AddFlags(flags uint32) {
	t.collection.Flags |= flags
	t.flushed = nil
}

// Collection returns the transaction's write-set collection.
func (t *TrxHandle) Collection() *writeset.Collection { return &t.collection }

// AppendQuery buffers a statement-level write-set entry. A zero |timestamp|
// is stamped with the current time.
func (t *TrxHandle) AppendQuery(stmt []byte, timestamp int64, randSeed uint32) {
	if timestamp == 0 {
		timestamp = time.Now().Unix()
	}
	var ws = t.statementSet()
	ws.Queries = append(ws.Queries, writeset.Query{
		Statement: stmt,
		Timestamp: timestamp,
		RandSeed:  randSeed,
	})
	t.flushed = nil
}

// AppendKey buffers a modified key into the current statement write-set.
func (t *TrxHandle) AppendKey(key writeset.Key) {
	var ws = t.statementSet()
	ws.Keys = append(ws.Keys, key)
	t.flushed = nil
}

// AppendData buffers an opaque row-image write-set with its modified keys.
func (t *TrxHandle) AppendData(data []byte, keys []writeset.Key) {
	t.collection.Sets = append(t.collection.Sets, writeset.WriteSet{
		Level: writeset.LevelData,
		Keys:  keys,
		Data:  data,
	})
	t.flushed = nil
}

// statementSet returns the trailing statement-level write-set, adding one if
// the collection is empty or ends with a data-level set.
func (t *TrxHandle) statementSet() *writeset.WriteSet {
	if n := len(t.collection.Sets); n != 0 &&
		t.collection.Sets[n-1].Level == writeset.LevelStatement {
		return &t.collection.Sets[n-1]
	}
	t.collection.Sets = append(t.collection.Sets,
		writeset.WriteSet{Level: writeset.LevelStatement})
	return &t.collection.Sets[len(t.collection.Sets)-1]
}

// Flush marshals the buffered collection, returning the wire payload.
// The payload is cached until a subsequent append invalidates it.
func (t *TrxHandle) Flush() []byte {
	if t.flushed == nil {
		t.flushed = t.collection.Marshal(nil)
	}
	return t.flushed
}

// Ref takes an additional reference of the handle.
func (t *TrxHandle) Ref() *TrxHandle {
	atomic.AddInt32(&t.refc, 1)
	return t
}

// Unref releases a reference of the handle.
func (t *TrxHandle) Unref() {
	if atomic.AddInt32(&t.refc, -1) == 0 && t.db != nil {
		t.db.forget(t)
	}
}

// String returns a debug description of the handle.
func (t *TrxHandle) String() string {
	return fmt.Sprintf("trx<%s:%d local=%t state=%s l=%d g=%d seen=%d deps=%d>",
		t.source, t.trxID, t.local, t.state,
		t.localSeqno, t.gSeqno, t.lastSeen, t.depends)
}
