package replicator

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"go.repliset.dev/core/gcs"
	"go.repliset.dev/core/gcs/loopback"
	"go.repliset.dev/core/writeset"
	"go.repliset.dev/core/wsdb"
)

// testApplier records host apply callbacks, and can gate or fail the apply
// of chosen seqnos.
type testApplier struct {
	mu       sync.Mutex
	applied  []appliedCall
	gates    map[int64]chan struct{}
	started  map[int64]chan struct{}
	failures map[int64]int
}

type appliedCall struct {
	seqno     int64
	statement []byte
	buffer    []byte
}

func newTestApplier() *testApplier {
	return &testApplier{
		gates:    make(map[int64]chan struct{}),
		started:  make(map[int64]chan struct{}),
		failures: make(map[int64]int),
	}
}

func (a *testApplier) Apply(_ interface{}, data ApplyData, seqno int64) error {
	var isControl = bytes.Equal(data.Statement, commitStatement) ||
		bytes.Equal(data.Statement, rollbackStatement)

	a.mu.Lock()
	a.applied = append(a.applied, appliedCall{
		seqno:     seqno,
		statement: data.Statement,
		buffer:    data.Buffer,
	})

	if !isControl {
		if ch, ok := a.started[seqno]; ok {
			delete(a.started, seqno)
			close(ch)
		}
		if a.failures[seqno] > 0 {
			a.failures[seqno]--
			a.mu.Unlock()
			return errors.New("injected apply failure")
		}
		if gate, ok := a.gates[seqno]; ok {
			delete(a.gates, seqno)
			a.mu.Unlock()
			<-gate
			return nil
		}
	}
	a.mu.Unlock()
	return nil
}

// gate arranges for the next write-set apply of |seqno| to block until the
// returned channel is closed; the second returned channel closes when the
// apply begins.
func (a *testApplier) gate(seqno int64) (release chan struct{}, started chan struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()

	release, started = make(chan struct{}), make(chan struct{})
	a.gates[seqno] = release
	a.started[seqno] = started
	return
}

func (a *testApplier) failNext(seqno int64, times int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[seqno] = times
}

// calls returns a copy of recorded applies of |seqno| (all, if seqno < 0).
func (a *testApplier) calls(seqno int64) []appliedCall {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []appliedCall
	for _, c := range a.applied {
		if seqno < 0 || c.seqno == seqno {
			out = append(out, c)
		}
	}
	return out
}

type testNode struct {
	r       *Replicator
	conn    *loopback.Loopback
	app     *testApplier
	synced  chan struct{}
	donated chan []byte
}

func newTestNode(t *testing.T) *testNode {
	var cfg = DefaultConfig()
	cfg.NodeName = "test-node"
	cfg.ReportInterval = 1
	cfg.ReplRetryPause = time.Millisecond
	cfg.SstRetryPause = time.Millisecond
	cfg.JoinRetryPause = time.Millisecond

	var n = &testNode{
		conn:    loopback.New(cfg.NodeName),
		app:     newTestApplier(),
		synced:  make(chan struct{}, 8),
		donated: make(chan []byte, 8),
	}

	var err error
	n.r, err = New(cfg, Callbacks{
		Apply: n.app.Apply,
		View: func(_ interface{}, _ *gcs.ConfView, stReq bool) ([]byte, error) {
			if stReq {
				return []byte("sst-request"), nil
			}
			return nil, nil
		},
		SstDonate: func(_ interface{}, req []byte, _ uuid.UUID, _ int64, _ bool) error {
			n.donated <- append([]byte(nil), req...)
			return nil
		},
		Synced: func() { n.synced <- struct{}{} },
	}, n.conn)
	require.NoError(t, err)
	n.r.fs = afero.NewMemMapFs()
	return n
}

// pump dispatches the next delivered action.
func (n *testNode) pump(t *testing.T) error {
	t.Helper()

	var ch = make(chan gcs.Action, 1)
	go func() {
		var act, err = n.conn.Recv()
		if err != nil {
			panic(err)
		}
		ch <- act
	}()
	select {
	case act := <-ch:
		return n.r.dispatch(nil, act)
	case <-time.After(5 * time.Second):
		t.Fatal("no action to pump")
		return nil
	}
}

// bootstrap connects the node and processes the founding configuration.
func (n *testNode) bootstrap(t *testing.T) {
	t.Helper()

	require.NoError(t, n.r.Connect("test-cluster", "loopback://", ""))
	require.NoError(t, n.pump(t))
	require.Equal(t, StateSynced, n.r.State())
	<-n.synced
}

// remotePayload builds the wire payload of a remote transaction.
func remotePayload(keys []string, lastSeen int64, conn bool) []byte {
	var trxID = uint64(77)
	if conn {
		trxID = writeset.ConnTrxID
	}
	var c = writeset.Collection{
		Header: writeset.Header{
			Version:  writeset.Version,
			Flags:    writeset.FlagCommit,
			Source:   uuid.MustParse("11111111-2222-3333-4444-555555555555"),
			TrxID:    trxID,
			LastSeen: lastSeen,
		},
		Sets: []writeset.WriteSet{{Level: writeset.LevelData, Data: []byte("row-image")}},
	}
	for _, k := range keys {
		c.Sets[0].Keys = append(c.Sets[0].Keys, writeset.Key(k))
	}
	return c.Marshal(nil)
}

// localTrx begins a local transaction holding its lock.
func (n *testNode) localTrx(trxID uint64, keys ...string) *wsdb.TrxHandle {
	var trx = n.r.LocalTrx(trxID, true)
	trx.Lock()
	for _, k := range keys {
		trx.AppendKey(writeset.Key(k))
	}
	trx.AppendQuery([]byte("UPDATE t SET v = v + 1"), 1288514121, 42)
	trx.AddFlags(writeset.FlagCommit)
	return trx
}

func finishLocalTrx(n *testNode, trx *wsdb.TrxHandle) {
	trx.Unlock()
	trx.Unref()
}

// TestSoloReplicateCommit covers the complete local path on a single node:
// replicate, certify, apply, commit.
func TestSoloReplicateCommit(t *testing.T) {
	var n = newTestNode(t)
	n.bootstrap(t)

	var trx = n.localTrx(1, "k1")
	defer finishLocalTrx(n, trx)

	require.NoError(t, n.r.Replicate(trx))
	require.Equal(t, wsdb.StateReplicated, trx.State())
	require.Equal(t, int64(0), trx.LastSeen())
	require.Equal(t, int64(1), trx.GlobalSeqno())

	require.NoError(t, n.r.PreCommit(trx))
	require.Equal(t, wsdb.StateApplying, trx.State())
	require.Equal(t, int64(0), trx.Depends())

	require.NoError(t, n.r.PostCommit(trx))
	require.Equal(t, wsdb.StateCommitted, trx.State())

	var s = n.r.Status()
	require.Equal(t, int64(1), s.Replicated)
	require.Equal(t, int64(1), s.LocalCommits)
	require.Equal(t, int64(1), s.LastCommitted)
	require.True(t, s.ReplicatedBytes > 0)
	require.Equal(t, "Synced (6)", s.LocalStatusComment)

	// The commit was reported to the group.
	require.Equal(t, int64(1), n.conn.LastApplied())
}

// advanceTo applies non-conflicting remote filler transactions until the
// node's position reaches |seqno|.
func (n *testNode) advanceTo(t *testing.T, seqno int64) {
	t.Helper()

	for n.r.applyMon.LastLeft() < seqno {
		var g = n.r.applyMon.LastLeft() + 1
		n.conn.InjectTordered(remotePayload(
			[]string{"filler/" + uuid.NewString()}, g-1, false))
		require.NoError(t, n.pump(t))
		require.Equal(t, g, n.r.applyMon.LastLeft())
	}
}

// TestParallelApplyOfNonConflicting drives two remote transactions with
// disjoint key-sets through apply concurrently.
func TestParallelApplyOfNonConflicting(t *testing.T) {
	var n = newTestNode(t)
	n.bootstrap(t)
	n.advanceTo(t, 4)
	require.Equal(t, int64(4), n.r.cert.Position())

	var release5, started5 = n.app.gate(5)
	var release6, started6 = n.app.gate(6)

	n.conn.InjectTordered(remotePayload([]string{"a"}, 4, false))
	n.conn.InjectTordered(remotePayload([]string{"b"}, 4, false))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, n.pump(t))
		}()
	}

	// Both transactions are inside the apply monitor at once.
	<-started5
	<-started6
	close(release5)
	close(release6)
	wg.Wait()

	var s = n.r.Status()
	require.True(t, s.ApplyOOOE > 0)
	require.Equal(t, int64(6), s.LastCommitted)
	require.Equal(t, int64(6), s.Received)
	require.True(t, s.ReceivedBytes > 0)
}

// TestRemoteCertificationFailure drives a remote transaction which conflicts
// within its certification window: it is dropped without apply, but the
// apply position still advances past it.
func TestRemoteCertificationFailure(t *testing.T) {
	var n = newTestNode(t)
	n.bootstrap(t)
	n.advanceTo(t, 4)

	// Seqno 5 writes "k" and applies.
	n.conn.InjectTordered(remotePayload([]string{"k"}, 4, false))
	require.NoError(t, n.pump(t))
	require.Equal(t, int64(5), n.r.applyMon.LastLeft())

	// Seqno 6 also writes "k", but began at seqno 3: it fails certification.
	n.conn.InjectTordered(remotePayload([]string{"k"}, 3, false))
	require.Error(t, n.pump(t))

	// Not applied, yet the apply position advances past it.
	require.Empty(t, n.app.calls(6))
	require.Equal(t, int64(6), n.r.applyMon.LastLeft())

	// Remote certification failures are not local ones.
	require.Equal(t, int64(0), n.r.Status().LocalCertFailures)
}

// TestPurgeCut drives a commit cut: entries at or below the cut are removed,
// later entries retained, and the local monitor advances through the cut.
func TestPurgeCut(t *testing.T) {
	var n = newTestNode(t)
	n.bootstrap(t)

	n.conn.InjectTordered(remotePayload([]string{"a"}, 0, false))
	require.NoError(t, n.pump(t))
	n.conn.InjectTordered(remotePayload([]string{"b"}, 1, false))
	require.NoError(t, n.pump(t))
	require.Equal(t, 2, n.r.cert.Size())

	var cutLocal = n.conn.InjectCommitCut(1)
	require.NoError(t, n.pump(t))

	// "a" (seqno 1) purged; "b" (seqno 2) retained.
	require.Equal(t, 1, n.r.cert.Size())
	require.Equal(t, cutLocal, n.r.localMon.LastLeft())
}

// TestReplicateRetriesTransientRefusal covers the broadcast retry loop.
func TestReplicateRetriesTransientRefusal(t *testing.T) {
	var n = newTestNode(t)
	n.bootstrap(t)
	n.conn.FailNextRepls(gcs.ErrAgain, gcs.ErrAgain)

	var trx = n.localTrx(1, "k")
	defer finishLocalTrx(n, trx)

	require.NoError(t, n.r.Replicate(trx))
	require.Equal(t, wsdb.StateReplicated, trx.State())
	require.Equal(t, int64(1), n.r.Status().Replicated)
}

// TestReplicateInterrupted covers a broadcast abort delivered as EINTR.
func TestReplicateInterrupted(t *testing.T) {
	var n = newTestNode(t)
	n.bootstrap(t)
	n.conn.FailNextRepls(gcs.ErrInterrupted)

	var trx = n.localTrx(1, "k")
	defer finishLocalTrx(n, trx)

	require.ErrorIs(t, n.r.Replicate(trx), ErrTrxFail)
	require.Equal(t, wsdb.StateAborting, trx.State())
	require.NoError(t, n.r.PostRollback(trx))
	require.Equal(t, wsdb.StateRolledBack, trx.State())
}

// TestReplicateFailsUnlessJoined: replication is refused below JOINED.
func TestReplicateFailsUnlessJoined(t *testing.T) {
	var n = newTestNode(t)

	var trx = n.localTrx(1, "k")
	defer finishLocalTrx(n, trx)

	require.ErrorIs(t, n.r.Replicate(trx), ErrTrxFail)
	require.Equal(t, wsdb.StateAborting, trx.State())
}

// TestLocalCertificationFailure: a local transaction which conflicts with an
// earlier-ordered remote write rolls back with a local failure counted.
func TestLocalCertificationFailure(t *testing.T) {
	var n = newTestNode(t)
	n.bootstrap(t)

	// A remote write of "k" is ordered ahead of the local broadcast.
	n.conn.InjectTordered(remotePayload([]string{"k"}, 0, false)) // l=2, g=1.

	var trx = n.localTrx(1, "k")
	defer finishLocalTrx(n, trx)
	require.NoError(t, n.r.Replicate(trx)) // l=3, g=2, lastSeen=0.

	// The remote transaction certifies and applies first.
	require.NoError(t, n.pump(t))
	require.Equal(t, int64(1), n.r.applyMon.LastLeft())

	// "k" was written at seqno 1, after our last-seen 0: certification
	// fails, the apply slot is self-cancelled, and the position advances.
	require.ErrorIs(t, n.r.PreCommit(trx), ErrTrxFail)
	require.Equal(t, wsdb.StateAborting, trx.State())
	require.Equal(t, int64(2), n.r.applyMon.LastLeft())

	require.NoError(t, n.r.PostRollback(trx))
	require.Equal(t, wsdb.StateRolledBack, trx.State())
	require.Equal(t, int64(1), n.r.Status().LocalCertFailures)
}

// TestApplyRetry: a failed apply rolls the host back and retries.
func TestApplyRetry(t *testing.T) {
	var n = newTestNode(t)
	n.bootstrap(t)

	n.app.failNext(1, 1)
	n.conn.InjectTordered(remotePayload([]string{"k"}, 0, false))
	require.NoError(t, n.pump(t))

	var calls = n.app.calls(1)
	// Attempt, rollback, attempt, commit.
	require.Len(t, calls, 4)
	require.Equal(t, []byte("row-image"), calls[0].buffer)
	require.Equal(t, rollbackStatement, calls[1].statement)
	require.Equal(t, []byte("row-image"), calls[2].buffer)
	require.Equal(t, commitStatement, calls[3].statement)
}

// TestApplyExhaustionIsFatal: persistent apply failure means divergence.
func TestApplyExhaustionIsFatal(t *testing.T) {
	var n = newTestNode(t)
	n.bootstrap(t)

	n.app.failNext(1, n.r.cfg.MaxApplyAttempts)
	n.conn.InjectTordered(remotePayload([]string{"k"}, 0, false))

	var err = n.pump(t)
	require.Error(t, err)
	require.True(t, IsFatal(err))
}

// TestRemoteIsolatedWriteSet: an isolated connection write-set applies under
// a full barrier, without the transactional commit protocol.
func TestRemoteIsolatedWriteSet(t *testing.T) {
	var n = newTestNode(t)
	n.bootstrap(t)

	n.conn.InjectTordered(remotePayload([]string{"schema"}, 0, true))
	require.NoError(t, n.pump(t))

	var calls = n.app.calls(1)
	require.Len(t, calls, 1) // No commit statement.
	require.Equal(t, []byte("row-image"), calls[0].buffer)
	require.Equal(t, int64(1), n.r.applyMon.LastLeft())
	require.Equal(t, int64(2), n.r.localMon.LastLeft())
}

// TestNodeStateTransitions: only the enumerated lifecycle transitions are
// accepted.
func TestNodeStateTransitions(t *testing.T) {
	var n = newTestNode(t)
	require.Equal(t, StateClosed, n.r.State())
	require.Panics(t, func() { n.r.shiftTo(StateSynced) })
	require.Panics(t, func() { n.r.shiftTo(StateDonor) })

	n.r.shiftTo(StateJoining)
	require.Panics(t, func() { n.r.shiftTo(StateDonor) })
	n.r.shiftTo(StateJoined)
	n.r.shiftTo(StateSynced)
	require.Panics(t, func() { n.r.shiftTo(StateJoined) })
	n.r.shiftTo(StateDonor)
	n.r.shiftTo(StateSynced)
	n.r.shiftTo(StateClosing)
	n.r.shiftTo(StateClosed)
}

// TestCausalReadUnimplemented documents the current contract.
func TestCausalReadUnimplemented(t *testing.T) {
	var n = newTestNode(t)
	var _, err = n.r.CausalRead()
	require.ErrorIs(t, err, ErrNotImplemented)
}

// TestWriteSetCache: received write-sets are retained for inspection.
func TestWriteSetCache(t *testing.T) {
	var n = newTestNode(t)
	n.bootstrap(t)

	var payload = remotePayload([]string{"k"}, 0, false)
	n.conn.InjectTordered(payload)
	require.NoError(t, n.pump(t))

	var cached, ok = n.r.CachedWriteSet(1)
	require.True(t, ok)
	require.Equal(t, payload, cached)
}
