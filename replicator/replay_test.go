package replicator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.repliset.dev/core/wsdb"
)

// waitForState polls until the locked state of |trx| reaches |s|.
func waitForState(t *testing.T, trx *wsdb.TrxHandle, s wsdb.State) {
	t.Helper()

	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); {
		trx.Lock()
		var cur = trx.State()
		trx.Unlock()
		if cur == s {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("trx never reached %s", s)
}

// TestBFAbortReplay: a local transaction aborted by a higher-priority
// incoming write-set while waiting to certify still passes re-certification,
// and the host replays it to commit.
func TestBFAbortReplay(t *testing.T) {
	var n = newTestNode(t)
	n.bootstrap(t)

	// An isolated remote write-set holds the local monitor across its gated
	// apply, so that the local transaction blocks waiting to certify.
	var release, started = n.app.gate(1)
	n.conn.InjectTordered(remotePayload([]string{"y"}, 0, true)) // l=2, g=1.

	var pumpDone = make(chan error, 1)
	go func() { pumpDone <- n.pump(t) }()
	<-started

	var trx = n.localTrx(1, "x")
	require.NoError(t, n.r.Replicate(trx)) // l=3, g=2.
	trx.Unlock()

	var preCommitDone = make(chan error, 1)
	go func() {
		trx.Lock()
		var err = n.r.PreCommit(trx)
		trx.Unlock()
		preCommitDone <- err
	}()
	waitForState(t, trx, wsdb.StateCertifying)
	time.Sleep(5 * time.Millisecond) // Let the certification wait block.

	// The aborter thread flags the transaction and interrupts its wait.
	trx.Lock()
	require.NoError(t, n.r.Abort(trx))
	trx.Unlock()

	// "x" is untouched within the certification window: the host is told
	// to replay, not to roll back.
	require.ErrorIs(t, <-preCommitDone, ErrBFAbort)
	trx.Lock()
	require.Equal(t, wsdb.StateMustCertAndReplay, trx.State())
	trx.Unlock()

	// The isolated write-set completes and releases the local monitor.
	close(release)
	require.NoError(t, <-pumpDone)

	trx.Lock()
	require.NoError(t, n.r.Replay(trx, nil))
	require.Equal(t, wsdb.StateReplayed, trx.State())
	require.NoError(t, n.r.PostCommit(trx))
	require.Equal(t, wsdb.StateCommitted, trx.State())
	trx.Unlock()
	trx.Unref()

	var s = n.r.Status()
	require.True(t, s.LocalReplays >= 1)
	require.True(t, s.LocalBFAborts >= 1)
	require.Equal(t, int64(1), s.LocalCommits)
	require.Equal(t, int64(2), s.LastCommitted)

	// The replayed transaction's statement was applied exactly once.
	var calls = n.app.calls(2)
	require.Len(t, calls, 2) // Statement, then commit.
	require.Equal(t, []byte("UPDATE t SET v = v + 1"), calls[0].statement)
	require.Equal(t, commitStatement, calls[1].statement)
}

// TestReplayAfterCertifiedAbort covers the replay of a transaction aborted
// after it had already certified: no re-certification is needed, and replay
// serializes behind every predecessor.
func TestReplayAfterCertifiedAbort(t *testing.T) {
	var n = newTestNode(t)
	n.bootstrap(t)

	var trx = n.localTrx(1, "x")
	defer finishLocalTrx(n, trx)

	require.NoError(t, n.r.Replicate(trx))
	require.NoError(t, n.r.certify(trx))
	require.Equal(t, wsdb.StateCertified, trx.State())

	// An aborter flags the certified transaction; its re-test passes, so it
	// must replay rather than roll back.
	trx.SetState(wsdb.StateMustAbort)
	require.ErrorIs(t, n.r.certForAborted(trx, true), ErrBFAbort)
	require.Equal(t, wsdb.StateMustReplay, trx.State())

	require.NoError(t, n.r.Replay(trx, nil))
	require.Equal(t, wsdb.StateReplayed, trx.State())
	require.Equal(t, trx.GlobalSeqno()-1, trx.Depends())

	require.NoError(t, n.r.PostCommit(trx))
	require.Equal(t, int64(1), n.r.Status().LocalReplays)
}

// TestAbortOfExecutingTrx: an abort before replication fails the transaction
// at its next replicate attempt.
func TestAbortOfExecutingTrx(t *testing.T) {
	var n = newTestNode(t)
	n.bootstrap(t)

	var trx = n.localTrx(1, "x")
	defer finishLocalTrx(n, trx)

	require.NoError(t, n.r.Abort(trx))
	require.Equal(t, wsdb.StateMustAbort, trx.State())

	require.ErrorIs(t, n.r.Replicate(trx), ErrTrxFail)
	require.Equal(t, wsdb.StateAborting, trx.State())
	require.NoError(t, n.r.PostRollback(trx))

	require.Equal(t, int64(1), n.r.Status().LocalBFAborts)
}

// TestAbortIsIdempotent: repeated aborts of the same transaction are no-ops.
func TestAbortIsIdempotent(t *testing.T) {
	var n = newTestNode(t)
	n.bootstrap(t)

	var trx = n.localTrx(1, "x")
	defer finishLocalTrx(n, trx)

	require.NoError(t, n.r.Abort(trx))
	require.NoError(t, n.r.Abort(trx))
	require.Equal(t, wsdb.StateMustAbort, trx.State())
}

// TestToIsolation covers the local total-order isolation path.
func TestToIsolation(t *testing.T) {
	var n = newTestNode(t)
	n.bootstrap(t)

	n.r.SetDefaultContext(9, []byte("USE shop"))
	var trx = n.r.LocalConnTrx(9, true)
	trx.Lock()
	trx.AppendQuery([]byte("ALTER TABLE orders ADD COLUMN note TEXT"), 1, 0)
	trx.AppendKey([]byte("orders"))

	require.NoError(t, n.r.Replicate(trx))
	require.NoError(t, n.r.ToIsolationBegin(trx))
	require.Equal(t, wsdb.StateApplying, trx.State())

	// The host executes the isolated action, then ends isolation.
	require.NoError(t, n.r.ToIsolationEnd(trx))
	require.Equal(t, wsdb.StateCommitted, trx.State())
	trx.Unlock()
	trx.Unref()

	// Both monitors advanced through the isolated slot.
	require.Equal(t, trx.LocalSeqno(), n.r.localMon.LastLeft())
	require.Equal(t, trx.GlobalSeqno(), n.r.applyMon.LastLeft())

	// A later local transaction proceeds normally.
	var trx2 = n.localTrx(2, "k")
	defer finishLocalTrx(n, trx2)
	require.NoError(t, n.r.Replicate(trx2))
	require.NoError(t, n.r.PreCommit(trx2))
	require.NoError(t, n.r.PostCommit(trx2))
}
