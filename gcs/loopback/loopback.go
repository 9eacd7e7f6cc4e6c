// Package loopback provides an in-process, single-node group communication
// service. Broadcasts are assigned seqnos which Repl returns directly; they
// are not delivered to the node's receive queue, and their payloads are kept
// snappy-compressed in the broadcast history. Test and
// embedding code injects group events (commit cuts, configuration changes,
// state transfer requests) directly.
package loopback

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.repliset.dev/core/gcs"
)

// queueDepth bounds delivered but unprocessed actions.
const queueDepth = 1024

// Loopback is a single-node gcs.Connection.
type Loopback struct {
	mu sync.Mutex

	groupUUID  uuid.UUID
	nodeName   string
	nextLocal  int64
	nextGlobal int64
	nextHandle int64

	interrupted map[int64]struct{} // Scheduled handles with pending interrupts.
	history     map[int64][]byte   // Snappy-compressed broadcasts by global seqno.
	recvCh      chan gcs.Action
	closeCh     chan struct{}
	closeOnce   sync.Once
	connected   bool

	lastApplied int64

	// Failure injection for retry-path tests.
	replErrs []error
	stErrs   []error
	joinErrs []error

	joined chan int64 // Seqnos reported via Join.
	stReqs chan []byte
}

// New returns a Loopback of a fresh group.
func New(nodeName string) *Loopback {
	return &Loopback{
		groupUUID:   uuid.New(),
		nodeName:    nodeName,
		nextLocal:   1,
		nextGlobal:  1,
		nextHandle:  1,
		interrupted: make(map[int64]struct{}),
		history:     make(map[int64][]byte),
		recvCh:      make(chan gcs.Action, queueDepth),
		closeCh:     make(chan struct{}),
		lastApplied: gcs.SeqnoUndefined,
		joined:      make(chan int64, 8),
		stReqs:      make(chan []byte, 8),
	}
}

// GroupUUID returns the group's state UUID.
func (l *Loopback) GroupUUID() uuid.UUID { return l.groupUUID }

// Connect implements gcs.Connection. It delivers the bootstrap primary
// configuration: this node alone, with complete (empty) history.
func (l *Loopback) Connect(clusterName, clusterURL string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.connected {
		return errors.New("already connected")
	}
	l.connected = true

	log.WithFields(log.Fields{
		"cluster": clusterName,
		"url":     clusterURL,
		"group":   l.groupUUID,
	}).Info("loopback group bootstrapped")

	l.deliverLocked(gcs.Action{
		Type:        gcs.ActConf,
		LocalSeqno:  l.assignLocal(),
		GlobalSeqno: gcs.SeqnoUndefined,
		Conf: &gcs.ConfView{
			ConfID:    1,
			GroupUUID: l.groupUUID,
			Seqno:     0,
			MyIdx:     0,
			MyState:   gcs.MemberSynced,
			Members: []gcs.Member{
				{ID: uuid.New(), Name: l.nodeName},
			},
		},
	})
	return nil
}

// Close implements gcs.Connection.
func (l *Loopback) Close() error {
	l.closeOnce.Do(func() { close(l.closeCh) })
	return nil
}

// Recv implements gcs.Connection. Queued actions drain before closure is
// reported.
func (l *Loopback) Recv() (gcs.Action, error) {
	select {
	case act := <-l.recvCh:
		return act, nil
	default:
	}
	select {
	case act := <-l.recvCh:
		return act, nil
	case <-l.closeCh:
		return gcs.Action{}, gcs.ErrClosed
	}
}

// Schedule implements gcs.Connection.
func (l *Loopback) Schedule() (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var h = l.nextHandle
	l.nextHandle++
	return h, nil
}

// Repl implements gcs.Connection. The write-set is retained
// snappy-compressed in the broadcast history; a single-node group delivers
// its own totally-ordered actions through the Repl return rather than the
// receive queue.
func (l *Loopback) Repl(payload []byte, handle int64) (int64, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.interrupted[handle]; ok {
		delete(l.interrupted, handle)
		return gcs.SeqnoUndefined, gcs.SeqnoUndefined, gcs.ErrInterrupted
	}
	if n := len(l.replErrs); n != 0 {
		var err = l.replErrs[0]
		l.replErrs = l.replErrs[1:]
		return gcs.SeqnoUndefined, gcs.SeqnoUndefined, err
	}
	if !l.connected {
		return gcs.SeqnoUndefined, gcs.SeqnoUndefined, gcs.ErrClosed
	}

	var localSeqno, globalSeqno = l.assignLocal(), l.assignGlobal()
	l.history[globalSeqno] = snappy.Encode(nil, payload)
	return localSeqno, globalSeqno, nil
}

// Interrupt implements gcs.Connection.
func (l *Loopback) Interrupt(handle int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.interrupted[handle] = struct{}{}
	return nil
}

// RequestStateTransfer implements gcs.Connection.
func (l *Loopback) RequestStateTransfer(req []byte, donor string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := len(l.stErrs); n != 0 {
		var err = l.stErrs[0]
		l.stErrs = l.stErrs[1:]
		return gcs.SeqnoUndefined, err
	}
	l.stReqs <- append([]byte(nil), req...)
	return l.assignLocal(), nil
}

// Join implements gcs.Connection.
func (l *Loopback) Join(seqno int64) error {
	l.mu.Lock()
	if n := len(l.joinErrs); n != 0 {
		var err = l.joinErrs[0]
		l.joinErrs = l.joinErrs[1:]
		l.mu.Unlock()
		return err
	}
	l.mu.Unlock()

	l.joined <- seqno
	if seqno >= 0 {
		l.InjectJoin()
	}
	return nil
}

// SetLastApplied implements gcs.Connection.
func (l *Loopback) SetLastApplied(seqno int64) {
	atomic.StoreInt64(&l.lastApplied, seqno)
}

// LastApplied returns the most recently reported applied seqno.
func (l *Loopback) LastApplied() int64 {
	return atomic.LoadInt64(&l.lastApplied)
}

// QueueLen implements gcs.Connection.
func (l *Loopback) QueueLen() int64 { return int64(len(l.recvCh)) }

// InjectTordered delivers a totally-ordered payload as if broadcast by a
// remote node, returning its assigned seqnos.
func (l *Loopback) InjectTordered(payload []byte) (localSeqno, globalSeqno int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	localSeqno, globalSeqno = l.assignLocal(), l.assignGlobal()
	l.history[globalSeqno] = snappy.Encode(nil, payload)
	l.deliverLocked(gcs.Action{
		Type:        gcs.ActTordered,
		Payload:     snappy.Encode(nil, payload),
		LocalSeqno:  localSeqno,
		GlobalSeqno: globalSeqno,
	})
	return
}

// HistoryPayload returns the broadcast payload of |globalSeqno|, if still
// retained.
func (l *Loopback) HistoryPayload(globalSeqno int64) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var compressed, ok = l.history[globalSeqno]
	if !ok {
		return nil, false
	}
	var payload, err = snappy.Decode(nil, compressed)
	if err != nil {
		panic(err) // Loopback encoded it; cannot fail.
	}
	return payload, true
}

// InjectCommitCut delivers a commit cut of |seqno|.
func (l *Loopback) InjectCommitCut(seqno int64) (localSeqno int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var payload = make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, uint64(seqno))

	localSeqno = l.assignLocal()
	l.deliverLocked(gcs.Action{
		Type:        gcs.ActCommitCut,
		Payload:     payload,
		LocalSeqno:  localSeqno,
		GlobalSeqno: gcs.SeqnoUndefined,
	})
	return
}

// InjectConf delivers a configuration change, advancing the group position
// to the view's seqno.
func (l *Loopback) InjectConf(view *gcs.ConfView) (localSeqno int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if view.Primary() && view.Seqno >= l.nextGlobal {
		l.nextGlobal = view.Seqno + 1
	}
	localSeqno = l.assignLocal()
	l.deliverLocked(gcs.Action{
		Type:        gcs.ActConf,
		LocalSeqno:  localSeqno,
		GlobalSeqno: gcs.SeqnoUndefined,
		Conf:        view,
	})
	return
}

// InjectStateReq delivers a state transfer request of a joining node.
func (l *Loopback) InjectStateReq(req []byte) (localSeqno int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	localSeqno = l.assignLocal()
	l.deliverLocked(gcs.Action{
		Type:        gcs.ActStateReq,
		Payload:     append([]byte(nil), req...),
		LocalSeqno:  localSeqno,
		GlobalSeqno: gcs.SeqnoUndefined,
	})
	return
}

// InjectJoin delivers a JOIN membership event.
func (l *Loopback) InjectJoin() (localSeqno int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	localSeqno = l.assignLocal()
	l.deliverLocked(gcs.Action{
		Type:        gcs.ActJoin,
		LocalSeqno:  localSeqno,
		GlobalSeqno: gcs.SeqnoUndefined,
	})
	return
}

// InjectSync delivers a SYNC membership event.
func (l *Loopback) InjectSync() (localSeqno int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	localSeqno = l.assignLocal()
	l.deliverLocked(gcs.Action{
		Type:        gcs.ActSync,
		LocalSeqno:  localSeqno,
		GlobalSeqno: gcs.SeqnoUndefined,
	})
	return
}

// FailNextRepls queues errors returned by upcoming Repl calls.
func (l *Loopback) FailNextRepls(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.replErrs = append(l.replErrs, errs...)
}

// FailNextStateTransfers queues errors returned by upcoming
// RequestStateTransfer calls.
func (l *Loopback) FailNextStateTransfers(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stErrs = append(l.stErrs, errs...)
}

// FailNextJoins queues errors returned by upcoming Join calls.
func (l *Loopback) FailNextJoins(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.joinErrs = append(l.joinErrs, errs...)
}

// StateTransferRequests returns the channel of observed transfer requests.
func (l *Loopback) StateTransferRequests() <-chan []byte { return l.stReqs }

// Joined returns the channel of seqnos reported via Join.
func (l *Loopback) Joined() <-chan int64 { return l.joined }

func (l *Loopback) assignLocal() int64 {
	var s = l.nextLocal
	l.nextLocal++
	return s
}

func (l *Loopback) assignGlobal() int64 {
	var s = l.nextGlobal
	l.nextGlobal++
	return s
}

// deliverLocked enqueues |act|, decoding snappy payloads of totally-ordered
// actions at the delivery boundary.
func (l *Loopback) deliverLocked(act gcs.Action) {
	if act.Type == gcs.ActTordered {
		var decoded, err = snappy.Decode(nil, act.Payload)
		if err != nil {
			panic(err) // Loopback encoded it; cannot fail.
		}
		act.Payload = decoded
	}
	l.recvCh <- act
}

var _ gcs.Connection = (*Loopback)(nil)
