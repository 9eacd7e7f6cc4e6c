// Package replicator implements the synchronous multi-master replication
// core: the transaction lifecycle of the local path, certification and
// ordered apply of remote write-sets, and the cluster membership / state
// transfer control loop which gates when the node may replicate.
package replicator

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"go.repliset.dev/core/certification"
	"go.repliset.dev/core/gcs"
	"go.repliset.dev/core/monitor"
	"go.repliset.dev/core/wsdb"
)

// SeqnoUndefined is the undefined sequence number.
const SeqnoUndefined int64 = -1

// State is the node lifecycle state.
type State int32

const (
	StateClosed State = iota
	StateClosing
	StateJoining
	StateJoined
	StateSynced
	StateDonor
)

var stateNames = map[State]string{
	StateClosed:  "CLOSED",
	StateClosing: "CLOSING",
	StateJoining: "JOINING",
	StateJoined:  "JOINED",
	StateSynced:  "SYNCED",
	StateDonor:   "DONOR",
}

// String returns the state's name.
func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// transitions enumerates the legal node state transitions.
var transitions = map[State][]State{
	StateClosed:  {StateJoining},
	StateClosing: {StateClosed},
	StateJoining: {StateClosing, StateJoined, StateSynced},
	StateJoined:  {StateClosing, StateSynced},
	StateSynced:  {StateClosing, StateJoining, StateDonor},
	StateDonor:   {StateJoining, StateJoined, StateSynced, StateClosing},
}

// SstState tracks the progress of an inbound state transfer.
type SstState int32

const (
	SstNone SstState = iota
	SstWait
	SstReqFailed
	SstFailed
)

// ApplyData is one unit of work delivered to the host's apply callback:
// either a statement with its deterministic re-execution metadata, or an
// opaque row-image buffer.
type ApplyData struct {
	Statement []byte // nil for the row-image path.
	Timestamp int64
	RandSeed  uint32
	Buffer    []byte // nil for the statement path.
}

// Callbacks are the host-provided hooks, configured once at initialization.
type Callbacks struct {
	// Apply replays one unit of a certified write-set against the local
	// database.
	Apply func(recvCtx interface{}, data ApplyData, globalSeqno int64) error
	// View is invoked on every configuration change, and returns the
	// node's state transfer request blob when one is required.
	View func(recvCtx interface{}, view *gcs.ConfView, stRequired bool) ([]byte, error)
	// SstDonate performs a state transfer as donor.
	SstDonate func(recvCtx interface{}, req []byte, stateUUID uuid.UUID, seqno int64, bypass bool) error
	// Synced is notified when the node reaches SYNCED.
	Synced func()
}

// Replicator is the replication state machine of one node.
type Replicator struct {
	cfg  Config
	cbs  Callbacks
	conn gcs.Connection

	db       *wsdb.DB
	cert     *certification.Index
	localMon *monitor.Monitor
	applyMon *monitor.Monitor
	fs       afero.Fs

	// recentWS caches recently received write-set payloads by global seqno.
	recentWS *lru.Cache

	mu           sync.Mutex // Guards state, sst fields, and identity.
	state        State
	sstState     SstState
	nodeUUID     uuid.UUID
	stateUUID    uuid.UUID
	sstUUID      uuid.UUID
	sstSeqno     int64
	sstDelivered bool
	sstCond      *sync.Cond // Signalled by SstReceived.
	sstDonor     string

	receivers     int32
	reportCounter int64

	counters counters
}

// New returns a Replicator over the given group connection and host
// callbacks.
func New(cfg Config, cbs Callbacks, conn gcs.Connection) (*Replicator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var cache, err = lru.New(cfg.WriteSetCacheSize)
	if err != nil {
		return nil, err
	}
	var r = &Replicator{
		cfg:      cfg,
		cbs:      cbs,
		conn:     conn,
		db:       wsdb.NewDB(),
		cert:     certification.NewIndex(),
		localMon: monitor.New(),
		applyMon: monitor.New(),
		fs:       afero.NewOsFs(),
		recentWS: cache,
		state:    StateClosed,
		sstSeqno: SeqnoUndefined,
	}
	r.sstCond = sync.NewCond(&r.mu)
	r.counters.init()
	r.localMon.SetInitialPosition(0)
	return r, nil
}

// State returns the node lifecycle state.
func (r *Replicator) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// shiftTo transitions the node state, and panics on an illegal transition.
func (r *Replicator) shiftTo(to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shiftToLocked(to)
}

func (r *Replicator) shiftToLocked(to State) {
	for _, s := range transitions[r.state] {
		if s == to {
			log.WithFields(log.Fields{"from": r.state, "to": to}).
				Info("node state shift")
			r.state = to
			return
		}
	}
	panic(fmt.Sprintf("illegal node state shift %s -> %s", r.state, to))
}

// replicationEnabled returns whether local transactions may replicate.
func (r *Replicator) replicationEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateJoined || r.state == StateSynced || r.state == StateDonor
}

// Connect joins the named cluster. State restored from a previous run seats
// the apply monitor and certification index.
func (r *Replicator) Connect(clusterName, clusterURL, stateDonor string) error {
	r.shiftTo(StateJoining)
	r.restoreState()

	r.mu.Lock()
	r.sstDonor = stateDonor
	r.mu.Unlock()

	if err := r.conn.Connect(clusterName, clusterURL); err != nil {
		return errors.WithMessage(ErrConnFail, err.Error())
	}
	return nil
}

// Close leaves the cluster. The receive loop drains and shifts the node to
// CLOSED.
func (r *Replicator) Close() error {
	if r.State() == StateClosed {
		panic("close of closed replicator")
	}
	return r.conn.Close()
}

// AsyncRecv drains the group connection, dispatching delivered actions until
// the node closes or fails. One or more receive threads call it; the last to
// exit completes the shift to CLOSED.
func (r *Replicator) AsyncRecv(recvCtx interface{}) error {
	switch r.State() {
	case StateClosed, StateClosing:
		return fatalf(nil, "async recv cannot start in state %s", r.State())
	}
	atomic.AddInt32(&r.receivers, 1)

	var retval error
	for r.State() != StateClosing {
		var act, err = r.conn.Recv()
		if err != nil {
			retval = ErrConnFail
			break
		}
		err = r.dispatch(recvCtx, act)
		if IsFatal(err) || errors.Is(err, ErrNodeFail) {
			retval = err
			break
		}
	}

	if atomic.AddInt32(&r.receivers, -1) == 0 {
		r.mu.Lock()
		if r.state != StateClosing {
			r.shiftToLocked(StateClosing)
		}
		r.shiftToLocked(StateClosed)
		r.mu.Unlock()
	}
	return retval
}

// dispatch routes one delivered action.
func (r *Replicator) dispatch(recvCtx interface{}, act gcs.Action) error {
	switch act.Type {
	case gcs.ActTordered:
		r.counters.received.inc()
		r.counters.receivedBytes.add(int64(len(act.Payload)))
		return r.processGlobalAction(recvCtx, act)

	case gcs.ActCommitCut:
		var lo = monitor.NewLocalOrder(act.LocalSeqno)
		if err := r.localMon.Enter(lo); err != nil {
			return fatalf(err, "commit cut interrupted")
		}
		var cut, err = decodeSeqno(act.Payload)
		if err == nil {
			r.cert.PurgeUpTo(cut)
		}
		r.localMon.Leave(lo)
		return err

	default:
		if act.LocalSeqno < 0 {
			log.WithField("type", act.Type).Error("got error action")
			return nil
		}
		return r.processToAction(recvCtx, act)
	}
}

func decodeSeqno(b []byte) (int64, error) {
	if len(b) != 8 {
		return SeqnoUndefined, errors.Errorf("invalid seqno payload length %d", len(b))
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

// LocalTrx returns the handle of local transaction |trxID|, creating it if
// |create|. The caller must Unref the returned handle.
func (r *Replicator) LocalTrx(trxID uint64, create bool) *wsdb.TrxHandle {
	r.mu.Lock()
	var source = r.nodeUUID
	r.mu.Unlock()
	return r.db.GetTrx(source, trxID, create)
}

// LocalConnTrx returns the isolated write-set handle of connection |connID|,
// creating it if |create|. The caller must Unref the returned handle.
func (r *Replicator) LocalConnTrx(connID uint64, create bool) *wsdb.TrxHandle {
	r.mu.Lock()
	var source = r.nodeUUID
	r.mu.Unlock()
	return r.db.GetConnTrx(source, connID, create)
}

// UnrefLocalTrx releases a handle reference.
func (r *Replicator) UnrefLocalTrx(trx *wsdb.TrxHandle) { trx.Unref() }

// DiscardLocalTrx drops the registry entry of local transaction |trxID|.
func (r *Replicator) DiscardLocalTrx(trxID uint64) {
	r.mu.Lock()
	var source = r.nodeUUID
	r.mu.Unlock()
	r.db.DiscardTrx(source, trxID)
}

// SetDefaultContext records the default execution context of a connection.
func (r *Replicator) SetDefaultContext(connID uint64, ctx []byte) {
	r.db.SetConnDatabase(connID, ctx)
}

// DiscardLocalConn drops all state of connection |connID|.
func (r *Replicator) DiscardLocalConn(connID uint64) { r.db.DiscardConn(connID) }

// CausalRead is not implemented: it returns SeqnoUndefined and
// ErrNotImplemented at once, without waiting for any apply.
func (r *Replicator) CausalRead() (int64, error) {
	return SeqnoUndefined, ErrNotImplemented
}

// CachedWriteSet returns the payload of a recently received write-set.
func (r *Replicator) CachedWriteSet(globalSeqno int64) ([]byte, bool) {
	if v, ok := r.recentWS.Get(globalSeqno); ok {
		return v.([]byte), true
	}
	return nil, false
}

// reportLastCommitted reports the last committed seqno to the group on every
// Nth call.
func (r *Replicator) reportLastCommitted() {
	var n = atomic.AddInt64(&r.reportCounter, 1)
	if (n-1)%int64(r.cfg.ReportInterval) == 0 {
		r.conn.SetLastApplied(r.applyMon.LastLeft())
	}
}
