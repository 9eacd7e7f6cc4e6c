package replicator

import (
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.repliset.dev/core/gcs"
	"go.repliset.dev/core/monitor"
)

// processToAction executes a totally-ordered membership action: the local
// monitor is entered at the action's slot and the apply monitor drained to
// the certification position, so the transition observes a quiesced node.
func (r *Replicator) processToAction(recvCtx interface{}, act gcs.Action) error {
	var lo = monitor.NewLocalOrder(act.LocalSeqno)
	if err := r.localMon.Enter(lo); err != nil {
		return fatalf(err, "membership action interrupted")
	}
	r.applyMon.Drain(r.cert.Position())

	var retval error
	switch act.Type {
	case gcs.ActConf:
		retval = r.processConf(recvCtx, act.Conf)

	case gcs.ActStateReq:
		r.shiftTo(StateDonor)
		r.mu.Lock()
		var stateUUID = r.stateUUID
		r.mu.Unlock()

		if err := r.cbs.SstDonate(recvCtx, act.Payload, stateUUID,
			r.cert.Position(), false); err != nil {
			log.WithField("err", err).Error("state transfer donation failed")
		}

	case gcs.ActJoin:
		r.shiftTo(StateJoined)

	case gcs.ActSync:
		r.shiftTo(StateSynced)
		if r.cbs.Synced != nil {
			r.cbs.Synced()
		}

	default:
		r.localMon.Leave(lo)
		return fatalf(nil, "invalid membership action type %s", act.Type)
	}

	r.localMon.Leave(lo)
	return retval
}

// processConf applies a configuration change: it decides whether a state
// transfer is required, reseeds the certification index of a primary
// component, and shifts membership state.
func (r *Replicator) processConf(recvCtx interface{}, conf *gcs.ConfView) error {
	var stReq = r.stRequired(conf)

	if conf.MyIdx >= 0 && conf.MyIdx < len(conf.Members) {
		r.mu.Lock()
		r.nodeUUID = conf.Members[conf.MyIdx].ID
		r.mu.Unlock()
	}

	var sstReqPayload []byte
	if r.cbs.View != nil {
		var err error
		if sstReqPayload, err = r.cbs.View(recvCtx, conf, stReq); err != nil {
			return fatalf(err, "view handler failed")
		}
	}

	if !conf.Primary() {
		// Non-primary component: save state and either rejoin or close.
		r.mu.Lock()
		var known = r.stateUUID != uuid.Nil
		r.mu.Unlock()
		if known {
			r.storeState()
		}
		if conf.MyIdx >= 0 {
			r.shiftTo(StateJoining)
		} else {
			r.shiftTo(StateClosing)
		}
		return nil
	}

	// The state transfer does not carry the certification index; reseed it
	// at the configuration seqno.
	r.cert.AssignInitialPosition(conf.Seqno)

	if stReq {
		return r.requestSST(conf.GroupUUID, conf.Seqno, sstReqPayload)
	}

	if conf.ConfID == 1 {
		// Founding configuration: adopt the group identity outright.
		r.mu.Lock()
		r.stateUUID = conf.GroupUUID
		r.mu.Unlock()
		r.applyMon.SetInitialPosition(conf.Seqno)
	}

	switch r.State() {
	case StateJoining, StateDonor:
		switch conf.MyState {
		case gcs.MemberJoined:
			r.shiftTo(StateJoined)
		case gcs.MemberSynced:
			r.shiftTo(StateSynced)
			if r.cbs.Synced != nil {
				r.cbs.Synced()
			}
		default:
			log.WithField("state", conf.MyState).Debug("member state unchanged")
		}
	}
	r.storeState()
	return nil
}

// stRequired decides whether a primary configuration obliges a state
// transfer.
func (r *Replicator) stRequired(conf *gcs.ConfView) bool {
	if !conf.Primary() || conf.MyState != gcs.MemberPrim {
		return false
	}

	r.mu.Lock()
	var stateUUID, state = r.stateUUID, r.state
	r.mu.Unlock()

	if stateUUID != conf.GroupUUID || stateUUID == uuid.Nil {
		// No common history.
		return true
	}
	if state == StateJoined || state == StateSynced || state == StateDonor {
		// A transfer already taken may exceed the configuration seqno.
		return r.applyMon.LastLeft() < conf.Seqno
	}
	// Before JOINED the history must be continuous.
	return r.applyMon.LastLeft() != conf.Seqno
}

// requestSST asks the group for a state transfer donor and blocks until the
// transfer lands via SstReceived. It runs on the receive thread, which holds
// the local monitor slot of the configuration action; the request's own slot
// is self-cancelled.
func (r *Replicator) requestSST(groupUUID uuid.UUID, groupSeqno int64, req []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	log.WithFields(log.Fields{
		"groupUUID":  groupUUID,
		"groupSeqno": groupSeqno,
		"localUUID":  r.stateUUID,
		"localSeqno": r.applyMon.LastLeft(),
		"reqSize":    humanize.IBytes(uint64(len(req))),
	}).Info("state transfer required")

	for {
		r.invalidateState()

		var localSeqno, err = r.conn.RequestStateTransfer(req, r.sstDonor)
		if localSeqno != SeqnoUndefined {
			// The request occupies a slot in our local order, but this
			// thread already holds the local monitor.
			r.localMon.SelfCancel(monitor.NewLocalOrder(localSeqno))
		}

		if errors.Is(err, gcs.ErrAgain) {
			log.WithFields(log.Fields{"err": err, "retryIn": r.cfg.SstRetryPause}).
				Info("state transfer request failed; retrying")
			r.mu.Unlock()
			time.Sleep(r.cfg.SstRetryPause)
			r.mu.Lock()
			continue
		} else if err != nil {
			r.writeStateFile(r.stateUUID, r.applyMon.LastLeft())
			log.WithField("err", err).Error("state transfer request failed")
			r.sstState = SstReqFailed
			return fatalf(err, "requesting state transfer")
		}
		break
	}

	r.sstState = SstWait
	for !r.sstDelivered {
		r.sstCond.Wait()
	}
	r.sstDelivered = false

	if r.sstUUID != groupUUID || r.sstSeqno < groupSeqno {
		log.WithFields(log.Fields{
			"receivedUUID":  r.sstUUID,
			"receivedSeqno": r.sstSeqno,
			"requiredUUID":  groupUUID,
			"requiredSeqno": groupSeqno,
		}).Error("received wrong state")
		r.sstState = SstFailed
		return fatalf(nil, "state transfer failed")
	}

	r.stateUUID = r.sstUUID
	r.applyMon.SetInitialPosition(r.sstSeqno)
	log.WithFields(log.Fields{"uuid": r.stateUUID, "seqno": r.sstSeqno}).
		Info("state transfer complete")
	r.sstState = SstNone

	var seqno = r.sstSeqno
	r.sstUUID, r.sstSeqno = uuid.Nil, SeqnoUndefined

	r.mu.Unlock()
	var err = r.joinWithRetry(seqno)
	r.mu.Lock()
	return err
}

// SstReceived is called by the host when an inbound state transfer has been
// installed, unblocking the receive thread waiting in requestSST.
func (r *Replicator) SstReceived(stateUUID uuid.UUID, seqno int64) error {
	if r.State() != StateJoining {
		log.WithField("state", r.State()).
			Error("sst received called when not joining")
		return ErrConnFail
	}

	r.mu.Lock()
	r.sstUUID, r.sstSeqno = stateUUID, seqno
	r.sstDelivered = true
	r.sstCond.Signal()
	r.mu.Unlock()
	return nil
}

// SstSent is called by the host when an outbound donation completes,
// reporting the donated position to the group.
func (r *Replicator) SstSent(stateUUID uuid.UUID, seqno int64) error {
	if r.State() != StateDonor {
		log.WithField("state", r.State()).
			Error("sst sent called when not donor")
		return ErrConnFail
	}

	r.mu.Lock()
	if stateUUID != r.stateUUID && seqno >= 0 {
		// The donated state no longer corresponds to the group state.
		seqno = SeqnoUndefined
	}
	r.mu.Unlock()

	if err := r.joinWithRetry(seqno); err != nil {
		log.WithField("err", err).Error("failed to recover from donor state")
		return ErrConnFail
	}
	return nil
}

// joinWithRetry reports the node's transfer outcome, retrying transient
// refusals.
func (r *Replicator) joinWithRetry(seqno int64) error {
	for {
		var err = r.conn.Join(seqno)
		if errors.Is(err, gcs.ErrAgain) {
			time.Sleep(r.cfg.JoinRetryPause)
			continue
		}
		return err
	}
}
