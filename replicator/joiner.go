package replicator

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/mtereshkin/galago/group"
	"github.com/mtereshkin/galago/gtid"
	"github.com/mtereshkin/galago/ist"
	"github.com/mtereshkin/galago/metrics"
	"github.com/mtereshkin/galago/streq"
	"github.com/mtereshkin/galago/writeset"
)

// StateTransferRequired reports whether the delivered view leaves the local
// node behind the group: either a seqno gap within a common history, or a
// diverged history altogether. The group is queried for the most advanced
// position it has committed for the view's history, since that may already
// be ahead of the seqno captured in the view itself.
func (r *Replicator) StateTransferRequired(view *group.View) bool {
	if !view.StateGap {
		return false
	}

	if r.StateUUID() != view.UUID {
		return true
	}

	groupSeqno := view.Seqno
	if seqno, ok := r.group.StateForUUID(view.UUID); ok && seqno > groupSeqno {
		groupSeqno = seqno
	}

	return r.applyMon.LastLeft() < groupSeqno
}

// SSTReceived is invoked by the host when snapshot delivery finishes on the
// joiner side. A negative rcode carries the negated errno of the failure;
// -ECANCELED cancels the pending request.
func (r *Replicator) SSTReceived(stateID gtid.GTID, rcode int64) error {
	if rcode == group.Errno(group.ErrCanceled) {
		level.Info(r.logger).Log("msg", "sst request was cancelled")
	} else {
		level.Info(r.logger).Log("msg", "sst received", "state_id", stateID)
	}

	r.sstMu.Lock()

	if rcode == group.Errno(group.ErrCanceled) {
		r.sstSt = sstCanceled
	}

	r.sstUUID = stateID.UUID

	if rcode != 0 {
		r.sstSeqno = gtid.SeqnoUndefined
	} else {
		r.sstSeqno = stateID.Seqno
	}

	r.sstSignaled = true
	r.sstCond.Signal()
	r.sstMu.Unlock()

	// The handshake must be signalled before the state check: otherwise a
	// late ack would leave the request waiting on a condition nobody
	// signals anymore.

	// StatePrimary is also valid here: the ack may arrive right after the
	// request was sent, before the shift to joiner.
	if st := r.State(); st != StateJoiner && st != StatePrimary {
		level.Error(r.logger).Log("msg", "sst received in unexpected node state", "state", st)
		return group.ErrNotConn
	}

	return nil
}

// prepareForIST binds the incremental transfer receiver and returns the
// descriptor to embed in the request. Fails when the local history diverged
// from the group or the local position is undefined.
func (r *Replicator) prepareForIST(groupUUID uuid.UUID, groupSeqno int64) (string, error) {
	r.sstMu.Lock()
	localUUID := r.stateUUID
	r.sstMu.Unlock()

	if localUUID != groupUUID {
		return "", fmt.Errorf("local state history %s does not match group %s: %w",
			localUUID, groupUUID, group.ErrPerm)
	}

	localSeqno := r.applyMon.LastLeft()
	if localSeqno < 0 {
		return "", fmt.Errorf("local state seqno is undefined: %w", group.ErrPerm)
	}

	recv := ist.NewReceiver(r.conf.ISTReceiver)

	addr, err := recv.Prepare(localSeqno+1, groupSeqno)
	if err != nil {
		return "", err
	}

	r.sstMu.Lock()
	r.istReceiver = recv
	r.istPrepared = true
	r.sstMu.Unlock()

	desc := streq.Desc{
		Peer:        addr,
		UUID:        localUUID,
		LastApplied: localSeqno,
		GroupSeqno:  groupSeqno,
	}

	return desc.String(), nil
}

// prepareStateRequest builds the versioned request, preparing the
// incremental receiver when the protocol allows one. Preparation failure is
// not fatal: the request degrades to snapshot-only.
func (r *Replicator) prepareStateRequest(sstReq []byte, groupUUID uuid.UUID, groupSeqno int64) streq.Request {
	switch r.conf.STRVersion {
	case 0:
		return streq.NewV0(sstReq)

	case 1, 2:
		var istPart []byte

		desc, err := r.prepareForIST(groupUUID, groupSeqno)
		if err != nil {
			level.Info(r.logger).Log(
				"msg", "state gap cannot be serviced incrementally, falling back to snapshot",
				"err", err,
			)
		} else {
			istPart = []byte(desc)
		}

		req, err := streq.NewV1(sstReq, istPart)
		if err != nil {
			level.Error(r.logger).Log("msg", "state request preparation failed, aborting", "err", err)
			r.abort()

			return nil
		}

		return req

	default:
		level.Error(r.logger).Log("msg", "unsupported state request protocol version, aborting",
			"version", r.conf.STRVersion)
		r.abort()

		return nil
	}
}

// sendStateRequest submits the request to the group, retrying transient
// failures indefinitely at the configured interval.
func (r *Replicator) sendStateRequest(ctx context.Context, req streq.Request, unsafe bool) (int, error) {
	var istUUID uuid.UUID

	istSeqno := gtid.SeqnoUndefined

	if len(req.IST()) > 0 {
		if desc, err := streq.ParseDesc(string(req.IST())); err == nil {
			istUUID = desc.UUID
			istSeqno = desc.LastApplied
		}
	}

	var donor int

	tries := 0

	op := func() error {
		tries++

		d, seqnoL, err := r.group.RequestStateTransfer(
			ctx, r.conf.STRVersion, req.Bytes(), r.conf.DonorHint, istUUID, istSeqno)

		// Whatever the outcome, the slot assigned to the request in the
		// local order must not hold up the appliers behind it.
		if seqnoL > 0 {
			if r.localMon.WouldBlock(seqnoL) {
				level.Error(r.logger).Log(
					"msg", "slave queue grew too long while requesting state transfer, "+
						"make sure at least one fully synced member is in the group",
					"tries", tries,
				)

				return backoff.Permanent(fmt.Errorf("local monitor overflow: %w", group.ErrDeadlock))
			}

			_ = r.localMon.SelfCancel(seqnoL)
		}

		if err != nil {
			if group.Transient(err) {
				if tries == 1 {
					level.Info(r.logger).Log(
						"msg", "requesting state transfer failed, will keep retrying",
						"interval", r.conf.SSTRetryInterval,
						"err", err,
					)
				}

				return err
			}

			return backoff.Permanent(err)
		}

		donor = d

		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(
		backoff.NewConstantBackOff(r.conf.SSTRetryInterval), ctx))

	if err == nil {
		level.Info(r.logger).Log("msg", "requesting state transfer: success", "donor", donor, "tries", tries)
		return donor, nil
	}

	if errors.Is(err, group.ErrNoData) {
		// The donor moved past the requested incremental range and the
		// request carried no snapshot fallback. The current position is
		// still intact, so keep it for the next joining attempt.
		if unsafe {
			_ = r.st.MarkSafe()
		}

		level.Error(r.logger).Log(
			"msg", "state transfer request failed unrecoverably: donor seqno moved forward "+
				"during ist and no sst request was prepared, restart required",
		)
		r.abort()

		return 0, err
	}

	r.sstMu.Lock()
	r.sstSt = sstReqFailed
	closed := r.closed
	su, stb := r.stateUUID, r.safeToBootstrap
	r.sstMu.Unlock()

	_ = r.st.Set(su, r.applyMon.LastLeft(), stb)

	if !closed {
		if !unsafe {
			_ = r.st.MarkUnsafe()
		}

		level.Error(r.logger).Log(
			"msg", "state transfer request failed unrecoverably, restart required",
			"err", err,
		)
		r.abort()
	} else if unsafe {
		// Send failure is expected while closing; the marked state was
		// never put at risk.
		_ = r.st.MarkSafe()
	}

	return 0, err
}

// RequestStateTransfer runs the joiner side of a state transfer: build and
// submit the request, wait out the snapshot handshake, install the received
// position, replay the incremental range, and persist the safety marker at
// every point the on-disk state changes trust level.
func (r *Replicator) RequestStateTransfer(ctx context.Context, groupUUID uuid.UUID, groupSeqno int64, sstReq []byte) error {
	req := r.prepareStateRequest(sstReq, groupUUID, groupSeqno)
	if req == nil {
		return group.ErrCanceled
	}

	trivial := streq.IsTrivial(sstReq)
	unsafe := len(sstReq) != 0 && !trivial

	// The state must be marked unsafe before the request goes out: the
	// snapshot may start mutating local data at any point afterwards, and a
	// crash in between must demand a fresh snapshot on restart. When only
	// an incremental transfer is expected the current position stays
	// valid, so it is kept.
	if unsafe {
		if err := r.st.MarkUnsafe(); err != nil {
			r.closeISTReceiver()
			return err
		}
	}

	r.sstMu.Lock()
	r.sstSt = sstWait
	r.sstSignaled = false
	r.sstMu.Unlock()

	if _, err := r.sendStateRequest(ctx, req, unsafe); err != nil {
		r.closeISTReceiver()
		return err
	}

	r.shiftTo(StateJoiner)

	// Waiting for the transfer is a good point to rebind the cache, since
	// it may involve some IO too.
	r.cache.SeqnoReset(groupUUID, groupSeqno)

	if len(sstReq) != 0 {
		if err := r.waitSST(groupUUID, groupSeqno, trivial, unsafe); err != nil {
			return err
		}
	}

	r.sstMu.Lock()
	su, stb := r.stateUUID, r.safeToBootstrap
	r.sstMu.Unlock()

	// Clear the seqno so a crash during the incremental phase cannot
	// recover to a stale position.
	if err := r.st.Set(su, gtid.SeqnoUndefined, stb); err != nil {
		return err
	}

	if unsafe {
		// Either the snapshot is fully installed, or only the incremental
		// phase remains; both are safe points. If applying a replayed
		// write-set fails, the receive loop marks the store corrupt.
		_ = r.st.MarkSafe()
	}

	if len(req.IST()) > 0 {
		if err := r.receiveIST(ctx, groupSeqno); err != nil {
			return err
		}
	}

	// Normalize the stored marker to the undefined position: a cleanly
	// joined node always re-earns its seqno through a membership round.
	if m, err := r.st.Get(); err == nil && m.Seqno != gtid.SeqnoUndefined {
		_ = r.st.Set(m.UUID, gtid.SeqnoUndefined, m.SafeToBootstrap)
	}

	r.shiftTo(StateJoined)

	return nil
}

// waitSST blocks on the snapshot handshake and installs the received
// position. Trivial snapshots synthesize their outcome without waiting.
func (r *Replicator) waitSST(groupUUID uuid.UUID, groupSeqno int64, trivial, unsafe bool) error {
	r.sstMu.Lock()

	if trivial {
		r.sstUUID = groupUUID
		r.sstSeqno = groupSeqno
		r.sstSignaled = true
	} else {
		for !r.sstSignaled {
			r.sstCond.Wait()
		}
	}

	if r.sstSt == sstCanceled {
		r.sstMu.Unlock()

		// A cancelled snapshot leaves the local data in an unknown shape:
		// a restart must not trust it.
		if !unsafe {
			_ = r.st.MarkUnsafe()
		}

		metrics.StateTransfers.WithLabelValues(TransferSST.String(), "canceled").Inc()

		_ = r.Close(false)

		return group.ErrCanceled
	}

	if r.sstUUID != groupUUID {
		su, ss := r.sstUUID, r.sstSeqno
		r.sstSt = sstFailed
		stb := r.safeToBootstrap
		r.sstMu.Unlock()

		level.Error(r.logger).Log(
			"msg", "application received wrong state, unrecoverable, restart required",
			"received", su,
			"required", groupUUID,
		)

		_ = r.st.Set(su, ss, stb)

		if unsafe {
			_ = r.st.MarkSafe()
		}

		r.abort()

		return group.ErrPerm
	}

	r.stateUUID = r.sstUUID
	sstSeqno := r.sstSeqno
	r.lastTransfer = TransferSST
	r.sstMu.Unlock()

	r.applyMon.SetInitialPosition(sstSeqno)

	if !r.conf.CommitOrderBypass {
		r.commitMon.SetInitialPosition(sstSeqno)
	}

	metrics.StateTransfers.WithLabelValues(TransferSST.String(), "ok").Inc()

	level.Debug(r.logger).Log("msg", "installed new state", "uuid", groupUUID, "seqno", sstSeqno)

	return nil
}

// receiveIST runs the incremental phase if the snapshot handshake left the
// node eligible for it, then drains the apply monitor so the group stream
// cannot race the replayed range.
func (r *Replicator) receiveIST(ctx context.Context, groupSeqno int64) error {
	r.sstMu.Lock()
	eligible := r.sstSt < sstReqFailed
	recv := r.istReceiver
	r.sstMu.Unlock()

	if !eligible || r.State() != StateJoiner || r.applyMon.LastLeft() >= groupSeqno || recv == nil {
		r.closeISTReceiver()
		return nil
	}

	level.Info(r.logger).Log(
		"msg", "receiving incremental state transfer",
		"writesets", groupSeqno-r.applyMon.LastLeft(),
		"first", r.applyMon.LastLeft()+1,
		"last", groupSeqno,
	)

	recv.Ready()

	if err := r.recvIST(ctx, recv); err != nil {
		return err
	}

	istSeqno := r.closeISTReceiver()

	r.sstMu.Lock()
	r.sstSeqno = istSeqno
	r.lastTransfer = TransferIST
	su := r.stateUUID
	r.sstMu.Unlock()

	// The apply monitor must be drained before returning to the group
	// stream: the group may redeliver actions the replay already applied.
	if err := r.applyMon.Drain(ctx, istSeqno); err != nil {
		return err
	}

	metrics.StateTransfers.WithLabelValues(TransferIST.String(), "ok").Inc()

	level.Info(r.logger).Log("msg", "incremental state transfer received", "uuid", su, "seqno", istSeqno)

	return nil
}

// recvIST is the receive loop: pull write-sets in order, verify, and apply.
// Any failure here is unrecoverable; the node is terminated after marking
// what can no longer be trusted.
func (r *Replicator) recvIST(ctx context.Context, recv *ist.Receiver) error {
	first := true

	for {
		ws, err := recv.Recv()
		if err == io.EOF {
			return nil
		}

		if err != nil {
			level.Error(r.logger).Log("msg", "receiving ist failed, node restart required", "err", err)
			r.abort()

			return err
		}

		// Before the first replayed write-set mutates anything, a stored
		// concrete position must be invalidated: the data will no longer
		// correspond to it.
		if first {
			first = false

			if m, merr := r.st.Get(); merr == nil && m.Seqno != gtid.SeqnoUndefined {
				_ = r.st.Set(m.UUID, gtid.SeqnoUndefined, m.SafeToBootstrap)
			}
		}

		if err := ws.VerifyChecksum(); err != nil {
			level.Error(r.logger).Log("msg", "ist writeset checksum failed, node restart required", "err", err)
			r.abort()

			return err
		}

		if ws.DependsSeqno == gtid.SeqnoUndefined {
			// Certified to a no-op on the donor; the slots are held but
			// nothing executes in them.
			_ = r.applyMon.SelfCancel(ws.SeqnoG)

			if !r.conf.CommitOrderBypass {
				_ = r.commitMon.SelfCancel(ws.SeqnoG)
			}

			continue
		}

		// Replication and certification already happened on the donor.
		ws.SetState(writeset.StateCertifying)

		if err := r.applyWriteSet(ctx, ws); err != nil {
			_ = r.st.MarkCorrupt()

			level.Error(r.logger).Log("msg", "ist apply failed, node restart required",
				"seqno_g", ws.SeqnoG, "err", err)
			r.abort()

			return err
		}
	}
}
