package replicator

import (
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.repliset.dev/core/certification"
	"go.repliset.dev/core/gcs"
	"go.repliset.dev/core/monitor"
	"go.repliset.dev/core/writeset"
	"go.repliset.dev/core/wsdb"
)

// Fixed statements delivered to the host around write-set apply. Preserved
// verbatim from the wire protocol, terminating NUL included.
var (
	commitStatement   = []byte("commit\x00")
	rollbackStatement = []byte("rollback\x00")
)

// processGlobalAction materializes a received write-set and routes it to the
// ordinary or isolated apply path.
func (r *Replicator) processGlobalAction(recvCtx interface{}, act gcs.Action) error {
	if act.LocalSeqno <= 0 || act.GlobalSeqno <= 0 {
		return fatalf(nil, "totally-ordered action without seqnos")
	}

	if act.GlobalSeqno <= r.cert.Position() {
		// Already contained in the certification index (eg replayed after a
		// state transfer). The local slot must still be consumed.
		log.WithField("seqno", act.GlobalSeqno).Debug("skipping trx below cert position")
		r.localMon.SelfCancel(monitor.NewLocalOrder(act.LocalSeqno))
		return nil
	}

	var trx, err = r.cert.CreateTrx(act.Payload, act.LocalSeqno, act.GlobalSeqno)
	if err != nil {
		return fatalf(err, "could not read trx %d", act.GlobalSeqno)
	}
	r.recentWS.Add(act.GlobalSeqno, append([]byte(nil), act.Payload...))

	trx.Lock()
	defer trx.Unlock()
	defer trx.Unref()

	if !trx.IsConn() {
		return r.processTrxWS(recvCtx, trx)
	}
	return r.processConnWS(recvCtx, trx)
}

// processTrxWS certifies and applies an ordinary remote transaction.
// Non-conflicting transactions apply in parallel: entry into the apply
// monitor is gated only on the last dependent predecessor.
func (r *Replicator) processTrxWS(recvCtx interface{}, trx *wsdb.TrxHandle) error {
	var lo = monitor.NewLocalOrder(trx.LocalSeqno())

	trx.SetState(wsdb.StateCertifying)
	if err := r.localMon.Enter(lo); err != nil {
		return fatalf(err, "remote certification interrupted")
	}
	var certRet = r.cert.Append(trx)
	r.localMon.Leave(lo)

	var retval error
	if trx.GlobalSeqno() > r.applyMon.LastLeft() {
		switch certRet {
		case certification.TestOK:
			trx.SetState(wsdb.StateCertified)
			var ao = monitor.NewApplyOrder(trx.GlobalSeqno(), trx.Depends())
			if err := r.applyMon.Enter(ao); err != nil {
				return fatalf(err, "remote apply interrupted")
			}
			trx.SetState(wsdb.StateApplying)
			retval = r.applyTrxWS(recvCtx, trx)
			r.applyMon.Leave(ao)

			if retval != nil {
				log.WithFields(log.Fields{"trx": trx, "err": retval}).
					Warn("failed to apply trx")
				trx.SetState(wsdb.StateAborting)
				trx.SetState(wsdb.StateRolledBack)
			} else {
				trx.SetState(wsdb.StateCommitted)
			}

		case certification.TestFailed:
			// Deterministic: every node fails this write-set identically.
			r.applyMon.SelfCancel(monitor.NewApplyOrder(trx.GlobalSeqno(), trx.Depends()))
			trx.SetState(wsdb.StateAborting)
			trx.SetState(wsdb.StateRolledBack)
			retval = ErrTrxFail
		}
	} else {
		// Already contained in the state transfer. The write-set still ran
		// certification to seed the index.
		log.WithField("trx", trx).Debug("skipping apply of trx")
	}

	r.cert.SetCommitted(trx)
	r.reportLastCommitted()
	return retval
}

// processConnWS certifies and applies an isolated remote write-set under a
// total-order barrier: every predecessor commits before it begins, and the
// local monitor is held throughout.
func (r *Replicator) processConnWS(recvCtx interface{}, trx *wsdb.TrxHandle) error {
	var lo = monitor.NewLocalOrder(trx.LocalSeqno())

	trx.SetState(wsdb.StateCertifying)
	if err := r.localMon.Enter(lo); err != nil {
		return fatalf(err, "remote isolation interrupted")
	}
	var certRet = r.cert.Append(trx)

	var retval error
	if trx.GlobalSeqno() > r.applyMon.LastLeft() {
		switch certRet {
		case certification.TestOK:
			trx.SetState(wsdb.StateCertified)
			r.applyMon.Drain(trx.GlobalSeqno() - 1)
			trx.SetState(wsdb.StateApplying)
			retval = r.applyWSColl(recvCtx, trx)

			if retval != nil {
				log.WithFields(log.Fields{"trx": trx, "err": retval}).
					Warn("failed to apply isolated trx")
				trx.SetState(wsdb.StateAborting)
				trx.SetState(wsdb.StateRolledBack)
			} else {
				trx.SetState(wsdb.StateCommitted)
			}

		case certification.TestFailed:
			trx.SetState(wsdb.StateAborting)
			trx.SetState(wsdb.StateRolledBack)
			retval = ErrTrxFail
		}
		r.applyMon.SelfCancel(monitor.NewApplyOrder(trx.GlobalSeqno(), trx.Depends()))
	} else {
		log.WithField("trx", trx).Debug("skipping apply of isolated trx")
	}

	r.cert.SetCommitted(trx)
	r.localMon.Leave(lo)
	return retval
}

// applyTrxWS applies a transactional write-set collection with bounded
// retries. Each failed attempt rolls the host transaction back before the
// next try; success concludes with a commit. Exhaustion means the node can
// no longer converge with the group.
func (r *Replicator) applyTrxWS(recvCtx interface{}, trx *wsdb.TrxHandle) error {
	var attempts int
	for {
		var err = r.applyWSColl(recvCtx, trx)
		if err == nil {
			break
		}
		if rbErr := r.applyStatement(recvCtx, rollbackStatement, trx.GlobalSeqno()); rbErr != nil {
			return fatalf(rbErr, "rollback failed applying trx %d", trx.GlobalSeqno())
		}
		if attempts++; attempts == r.cfg.MaxApplyAttempts {
			return fatalf(err, "apply attempts exhausted for trx %d", trx.GlobalSeqno())
		}
		log.WithFields(log.Fields{"trx": trx, "attempt": attempts, "err": err}).
			Warn("retrying apply")
	}

	if err := r.applyStatement(recvCtx, commitStatement, trx.GlobalSeqno()); err != nil {
		return fatalf(err, "commit failed applying trx %d", trx.GlobalSeqno())
	}
	return nil
}

// applyWSColl applies each write-set of the collection in order.
func (r *Replicator) applyWSColl(recvCtx interface{}, trx *wsdb.TrxHandle) error {
	var c = trx.Collection()
	for i := range c.Sets {
		if err := r.applyWS(recvCtx, &c.Sets[i], trx.GlobalSeqno()); err != nil {
			return err
		}
	}
	return nil
}

// applyWS applies one write-set by its level.
func (r *Replicator) applyWS(recvCtx interface{}, ws *writeset.WriteSet, globalSeqno int64) error {
	switch ws.Level {
	case writeset.LevelData:
		return r.cbs.Apply(recvCtx, ApplyData{Buffer: ws.Data}, globalSeqno)

	case writeset.LevelStatement:
		for i := range ws.Queries {
			var q = &ws.Queries[i]
			var err = r.cbs.Apply(recvCtx, ApplyData{
				Statement: q.Statement,
				Timestamp: q.Timestamp,
				RandSeed:  q.RandSeed,
			}, globalSeqno)

			if errors.Is(err, ErrNotImplemented) {
				log.WithField("seqno", globalSeqno).
					Warn("applier returned not implemented for statement")
			} else if err != nil {
				log.WithFields(log.Fields{"seqno": globalSeqno, "err": err}).
					Error("apply failed for statement")
				return err
			}
		}
		return nil

	default:
		log.WithField("level", ws.Level).Warn("data replication level not supported")
		return errors.WithMessage(ErrTrxFail, fmt.Sprintf("level %d", ws.Level))
	}
}

// applyStatement delivers a single fixed statement to the host.
func (r *Replicator) applyStatement(recvCtx interface{}, stmt []byte, globalSeqno int64) error {
	return r.cbs.Apply(recvCtx, ApplyData{Statement: stmt}, globalSeqno)
}
