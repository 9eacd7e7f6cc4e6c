package replicator

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.repliset.dev/core/certification"
	"go.repliset.dev/core/gcs"
	"go.repliset.dev/core/monitor"
	"go.repliset.dev/core/writeset"
	"go.repliset.dev/core/wsdb"
)

// The caller of every local-path operation holds the transaction's lock.
// Operations release it across any monitor or broadcast wait and reacquire
// it after, so that Abort may be delivered from another thread.

// Replicate broadcasts the transaction's write-set collection to the group,
// assigning its local and global seqnos. On success the transaction is
// REPLICATED; a concurrent Abort fails it with ErrTrxFail or, if it already
// certifies, ErrBFAbort.
func (r *Replicator) Replicate(trx *wsdb.TrxHandle) error {
	if !r.replicationEnabled() {
		if trx.State() == wsdb.StateExecuting {
			trx.SetState(wsdb.StateMustAbort)
		}
		trx.SetState(wsdb.StateAborting)
		return ErrTrxFail
	}

	switch trx.State() {
	case wsdb.StateMustAbort:
		trx.SetState(wsdb.StateAborting)
		return ErrTrxFail
	case wsdb.StateExecuting:
		// Pass.
	default:
		panic(fmt.Sprintf("replicate of %s", trx))
	}
	trx.SetState(wsdb.StateReplicating)

	var localSeqno, globalSeqno int64
	var err error
	for {
		var handle int64
		if handle, err = r.conn.Schedule(); err != nil {
			log.WithField("err", err).Debug("gcs schedule failed")
			trx.SetState(wsdb.StateAborting)
			return ErrTrxFail
		}
		trx.SetGCSHandle(handle)
		trx.SetLastSeen(r.applyMon.LastLeft())
		var payload = trx.Flush()

		trx.Unlock()
		localSeqno, globalSeqno, err = r.conn.Repl(payload, handle)
		trx.Lock()

		if errors.Is(err, gcs.ErrAgain) && trx.State() != wsdb.StateMustAbort {
			time.Sleep(r.cfg.ReplRetryPause)
			continue
		}
		break
	}

	if err != nil {
		if !errors.Is(err, gcs.ErrInterrupted) {
			log.WithFields(log.Fields{"err": err, "trx": trx}).
				Debug("gcs broadcast failed")
		}
		trx.SetState(wsdb.StateAborting)
		trx.SetGCSHandle(-1)
		return ErrTrxFail
	}

	trx.SetGCSHandle(-1)
	trx.SetSeqnos(localSeqno, globalSeqno)

	if trx.State() == wsdb.StateMustAbort {
		// An abort raced the broadcast and lost: seqnos are assigned and
		// the group will certify this write-set everywhere. Decide locally
		// whether to replay or roll back.
		var retval = r.certForAborted(trx, false)
		if !errors.Is(retval, ErrBFAbort) {
			r.localMon.SelfCancel(monitor.NewLocalOrder(localSeqno))
			r.applyMon.SelfCancel(monitor.NewApplyOrder(globalSeqno, globalSeqno-1))
		}
		return retval
	}

	trx.SetState(wsdb.StateReplicated)
	r.counters.replicated.inc()
	r.counters.replicatedBytes.add(int64(len(trx.Flush())))
	return nil
}

// PreCommit certifies the REPLICATED transaction against the global order
// and admits it into the apply monitor. On success the host may proceed to
// commit. ErrBFAbort directs the host to call Replay; ErrTrxFail directs it
// to roll back.
func (r *Replicator) PreCommit(trx *wsdb.TrxHandle) error {
	if !r.replicationEnabled() {
		// The write-set occupies ordering slots which must not leak.
		r.localMon.SelfCancel(monitor.NewLocalOrder(trx.LocalSeqno()))
		r.applyMon.SelfCancel(monitor.NewApplyOrder(trx.GlobalSeqno(), trx.GlobalSeqno()-1))
		trx.SetState(wsdb.StateMustAbort)
		trx.SetState(wsdb.StateAborting)
		return ErrTrxFail
	}
	if trx.State() != wsdb.StateReplicated {
		panic(fmt.Sprintf("pre-commit of %s", trx))
	}

	if err := r.certify(trx); err != nil {
		return err
	}

	var ao = monitor.NewApplyOrder(trx.GlobalSeqno(), trx.Depends())
	trx.Unlock()
	var err = r.applyMon.Enter(ao)
	trx.Lock()

	if err != nil {
		// A higher-priority earlier-ordered transaction interrupted the
		// wait. The transaction is certified: re-test against what has
		// committed since, and replay if it still passes.
		var retval = r.certForAborted(trx, true)
		if errors.Is(retval, ErrBFAbort) {
			return retval // Apply slot is re-entered by Replay.
		}
		r.applyMon.SelfCancel(ao)
		return retval
	}

	if trx.State() == wsdb.StateMustAbort {
		// The abort arrived after admission; it lost the race.
		log.WithField("trx", trx).Debug("abort raced pre-commit and lost")
		trx.SetState(wsdb.StateApplying)
	} else if trx.Flags()&writeset.FlagCommit != 0 {
		trx.SetState(wsdb.StateApplying)
	} else {
		trx.SetState(wsdb.StateExecuting)
	}
	return nil
}

// certify enters the local monitor and appends the transaction to the
// certification index. On success the transaction is CERTIFIED, or directed
// to replay if an abort raced certification and it still passed.
func (r *Replicator) certify(trx *wsdb.TrxHandle) error {
	switch trx.State() {
	case wsdb.StateReplicated, wsdb.StateMustCertAndReplay:
		// Pass.
	default:
		panic(fmt.Sprintf("cert of %s", trx))
	}
	trx.SetState(wsdb.StateCertifying)

	var lo = monitor.NewLocalOrder(trx.LocalSeqno())
	var ao = monitor.NewApplyOrder(trx.GlobalSeqno(), trx.GlobalSeqno()-1)

	trx.Unlock()
	var err = r.localMon.Enter(lo)
	trx.Lock()

	if err != nil {
		var retval = r.certForAborted(trx, false)
		if !errors.Is(retval, ErrBFAbort) {
			r.localMon.SelfCancel(lo)
			r.applyMon.SelfCancel(ao)
		}
		return retval
	}

	var retval error
	switch r.cert.Append(trx) {
	case certification.TestOK:
		if trx.State() == wsdb.StateMustAbort {
			// Aborted while waiting to certify, but admitted anyway: the
			// write-set is now in the index and every node will apply it.
			trx.SetState(wsdb.StateMustReplay)
			retval = ErrBFAbort
		} else {
			trx.SetState(wsdb.StateCertified)
		}
	case certification.TestFailed:
		r.applyMon.SelfCancel(monitor.NewApplyOrder(trx.GlobalSeqno(), trx.Depends()))
		trx.SetState(wsdb.StateAborting)
		r.counters.localCertFailures.inc()
		r.cert.SetCommitted(trx)
		retval = ErrTrxFail
	}
	r.localMon.Leave(lo)

	log.WithFields(log.Fields{"trx": trx, "err": retval}).Debug("certified")
	return retval
}

// certForAborted re-tests certification of a transaction which was flagged
// MUST_ABORT after its write-set had already been ordered. |certified| is
// whether the transaction already passed certification.
func (r *Replicator) certForAborted(trx *wsdb.TrxHandle, certified bool) error {
	switch r.cert.Test(trx, trx.LastSeen(), trx.GlobalSeqno()-1) {
	case certification.TestOK:
		if certified {
			trx.SetState(wsdb.StateMustReplay)
		} else {
			trx.SetState(wsdb.StateMustCertAndReplay)
		}
		return ErrBFAbort
	default:
		trx.SetState(wsdb.StateAborting)
		return ErrTrxFail
	}
}

// Replay re-applies a brute-force aborted transaction under its established
// global order. Replay is serialized after every predecessor.
func (r *Replicator) Replay(trx *wsdb.TrxHandle, trxCtx interface{}) error {
	switch trx.State() {
	case wsdb.StateMustCertAndReplay:
		if err := r.certify(trx); err != nil {
			// cert released or cancelled all ordering slots.
			return err
		}
	case wsdb.StateMustReplay:
		// Pass.
	default:
		panic(fmt.Sprintf("replay of %s", trx))
	}

	// Serialize after every predecessor before re-applying.
	trx.SetDepends(trx.GlobalSeqno() - 1)
	trx.SetState(wsdb.StateReplaying)

	var ao = monitor.NewApplyOrder(trx.GlobalSeqno(), trx.Depends())
	trx.Unlock()
	var err = r.applyMon.Enter(ao)
	trx.Lock()
	if err != nil {
		panic(fmt.Sprintf("replay interrupted for %s", trx))
	}

	err = r.applyTrxWS(trxCtx, trx)
	r.counters.localReplays.inc()

	if err != nil {
		log.WithFields(log.Fields{"trx": trx, "err": err}).Debug("replay failed")
		r.applyMon.Leave(ao)
		trx.SetState(wsdb.StateAborting)
		return ErrTrxFail
	}
	trx.SetState(wsdb.StateReplayed)
	// The apply monitor is released by PostCommit.
	return nil
}

// PostCommit completes a committed transaction: it releases the apply
// monitor, records the commit in the certification index, and reports
// last-committed to the group.
func (r *Replicator) PostCommit(trx *wsdb.TrxHandle) error {
	switch trx.State() {
	case wsdb.StateApplying, wsdb.StateReplayed:
		// Pass.
	default:
		panic(fmt.Sprintf("post-commit of %s", trx))
	}

	r.applyMon.Leave(monitor.NewApplyOrder(trx.GlobalSeqno(), trx.Depends()))
	trx.SetState(wsdb.StateCommitted)
	r.cert.SetCommitted(trx)
	r.reportLastCommitted()
	r.counters.localCommits.inc()
	return nil
}

// PostRollback completes a rolled-back transaction.
func (r *Replicator) PostRollback(trx *wsdb.TrxHandle) error {
	switch trx.State() {
	case wsdb.StateAborting, wsdb.StateExecuting:
		// Pass.
	default:
		panic(fmt.Sprintf("post-rollback of %s", trx))
	}

	trx.SetState(wsdb.StateRolledBack)
	r.reportLastCommitted()
	r.counters.localRollbacks.inc()
	return nil
}

// Abort flags a local transaction MUST_ABORT on behalf of a higher-priority
// incoming transaction, interrupting whichever wait it is blocked in. It is
// called from a thread other than the transaction's owner, with the
// transaction's lock held.
func (r *Replicator) Abort(trx *wsdb.TrxHandle) error {
	if !trx.IsLocal() {
		panic(fmt.Sprintf("abort of remote %s", trx))
	}
	log.WithField("trx", trx).Debug("aborting")

	switch trx.State() {
	case wsdb.StateMustAbort, wsdb.StateAborting:
		// Nothing to do.
	case wsdb.StateExecuting:
		trx.SetState(wsdb.StateMustAbort)
	case wsdb.StateReplicating:
		trx.SetState(wsdb.StateMustAbort)
		if h := trx.GCSHandle(); h > 0 {
			if err := r.conn.Interrupt(h); err != nil {
				log.WithFields(log.Fields{"handle": h, "trx": trx, "err": err}).
					Debug("gcs interrupt failed")
			}
		}
	case wsdb.StateCertifying:
		trx.SetState(wsdb.StateMustAbort)
		var lo = monitor.NewLocalOrder(trx.LocalSeqno())
		trx.Unlock()
		r.localMon.Interrupt(lo)
		trx.Lock()
	case wsdb.StateCertified:
		trx.SetState(wsdb.StateMustAbort)
		var ao = monitor.NewApplyOrder(trx.GlobalSeqno(), trx.Depends())
		trx.Unlock()
		r.applyMon.Interrupt(ao)
		trx.Lock()
	default:
		panic(fmt.Sprintf("abort of %s", trx))
	}

	r.counters.localBFAborts.inc()
	return nil
}

// ToIsolationBegin orders an isolated connection write-set: it certifies
// under the local monitor, then drains the apply monitor so that every
// predecessor commits before the isolated action begins. The local monitor
// is held until ToIsolationEnd.
func (r *Replicator) ToIsolationBegin(trx *wsdb.TrxHandle) error {
	if trx.State() != wsdb.StateReplicated || !trx.IsConn() {
		panic(fmt.Sprintf("isolation begin of %s", trx))
	}
	trx.SetState(wsdb.StateCertifying)

	var lo = monitor.NewLocalOrder(trx.LocalSeqno())
	var ao = monitor.NewApplyOrder(trx.GlobalSeqno(), trx.GlobalSeqno()-1)

	trx.Unlock()
	var err = r.localMon.Enter(lo)
	trx.Lock()

	if err != nil {
		r.localMon.SelfCancel(lo)
		r.applyMon.SelfCancel(ao)
		trx.SetState(wsdb.StateAborting)
		return ErrTrxFail
	}

	switch r.cert.Append(trx) {
	case certification.TestOK:
		trx.SetState(wsdb.StateCertified)
		r.applyMon.Drain(trx.GlobalSeqno() - 1)
		trx.SetState(wsdb.StateApplying)
		return nil

	default:
		trx.SetState(wsdb.StateAborting)
		r.localMon.Leave(lo)
		r.applyMon.SelfCancel(monitor.NewApplyOrder(trx.GlobalSeqno(), trx.Depends()))
		r.cert.SetCommitted(trx)
		return ErrTrxFail
	}
}

// ToIsolationEnd completes an isolated connection write-set, releasing the
// total-order barrier.
func (r *Replicator) ToIsolationEnd(trx *wsdb.TrxHandle) error {
	if trx.State() != wsdb.StateApplying {
		panic(fmt.Sprintf("isolation end of %s", trx))
	}

	r.localMon.Leave(monitor.NewLocalOrder(trx.LocalSeqno()))
	r.applyMon.SelfCancel(monitor.NewApplyOrder(trx.GlobalSeqno(), trx.Depends()))
	trx.SetState(wsdb.StateCommitted)
	r.cert.SetCommitted(trx)
	r.db.DiscardConnQuery(trx.ConnID())
	r.reportLastCommitted()
	return nil
}
