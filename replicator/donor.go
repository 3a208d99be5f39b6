package replicator

import (
	"context"
	"errors"

	"github.com/go-kit/log/level"

	"github.com/mtereshkin/galago/cache"
	"github.com/mtereshkin/galago/group"
	"github.com/mtereshkin/galago/gtid"
	"github.com/mtereshkin/galago/internal/generic"
	"github.com/mtereshkin/galago/metrics"
	"github.com/mtereshkin/galago/streq"
)

// ProcessStateRequest runs the donor side of a state transfer for a request
// delivered at local seqno act.SeqnoL, with donorSeq the last globally
// ordered seqno preceding it. By the time any transfer starts, everything up
// to donorSeq is applied and visible.
func (r *Replicator) ProcessStateRequest(ctx context.Context, act group.Action, donorSeq int64) {
	if err := r.localMon.Enter(ctx, act.SeqnoL); err != nil {
		level.Error(r.logger).Log("msg", "state request passed over", "seqno_l", act.SeqnoL, "err", err)
		return
	}

	defer r.localMon.Leave(act.SeqnoL)

	if err := r.applyMon.Drain(ctx, donorSeq); err != nil {
		return
	}

	if !r.conf.CommitOrderBypass {
		if err := r.commitMon.Drain(ctx, donorSeq); err != nil {
			return
		}
	}

	// A joining node has nothing consistent to donate yet.
	if st := r.State(); st == StateJoiner || st == StateNonPrimary {
		level.Warn(r.logger).Log("msg", "refusing state request in current state",
			"state", st, "source", act.Source)
		return
	}

	r.shiftTo(StateDonor)

	req, err := streq.Parse(act.Buf)
	if err != nil {
		// A request nobody can decode is treated as an empty one.
		level.Error(r.logger).Log("msg", "malformed state transfer request", "source", act.Source, "err", err)
		r.join(group.Errno(group.ErrCanceled), donorSeq)

		return
	}

	if streq.SkipsTransfer(req.SST()) {
		r.join(0, donorSeq)
		return
	}

	rcode, joinNow := r.transferState(ctx, req, donorSeq)

	if joinNow || rcode < 0 {
		r.join(rcode, donorSeq)
	}
}

// transferState decides between the incremental path, the full snapshot, and
// refusal, then drives the chosen one.
func (r *Replicator) transferState(ctx context.Context, req streq.Request, donorSeq int64) (rcode int64, joinNow bool) {
	if len(req.IST()) > 0 {
		desc, err := streq.ParseDesc(string(req.IST()))

		switch {
		case err != nil:
			level.Error(r.logger).Log("msg", "malformed ist descriptor, treating as absent", "err", err)

		case desc.UUID != r.StateUUID():
			level.Info(r.logger).Log(
				"msg", "ist descriptor names a different history, full snapshot required",
				"requested", desc.UUID,
				"local", r.StateUUID(),
			)

		default:
			level.Info(r.logger).Log("msg", "incremental transfer request", "desc", desc.String())

			rcode, joinNow, handled := r.tryIST(ctx, req, desc)
			if handled {
				return rcode, joinNow
			}
		}
	}

	// Full snapshot.
	if len(req.SST()) == 0 {
		level.Warn(r.logger).Log("msg", "snapshot request is empty, transfer cancelled")
		return group.Errno(group.ErrCanceled), true
	}

	stateID := gtid.New(r.StateUUID(), donorSeq)

	return r.donateSST(ctx, req, stateID, false), false
}

// tryIST attempts the incremental path. handled is false when the cache has
// moved past the requested range and the request carries a snapshot
// fallback: the caller then degrades to a full snapshot.
func (r *Replicator) tryIST(ctx context.Context, req streq.Request, desc streq.Desc) (rcode int64, joinNow, handled bool) {
	joinNow = true

	guard, err := r.cache.SeqnoLock(desc.LastApplied + 1)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			return group.Errno(err), true, true
		}

		level.Info(r.logger).Log(
			"msg", "ist first seqno not found in cache, falling back to snapshot",
			"first", desc.LastApplied+1,
		)

		if len(req.SST()) == 0 {
			// The joiner cannot take a snapshot: tell it to come back
			// prepared for one.
			level.Info(r.logger).Log(
				"msg", "ist cancelled: donor seqno moved forward and the joiner prepared no snapshot request",
			)

			return group.Errno(group.ErrNoData), true, true
		}

		return 0, true, false
	}

	if len(req.SST()) > 0 {
		// The joiner blocks on a snapshot handshake; acknowledge it in
		// bypass mode so it learns the position without any bytes moving.
		stateID := gtid.New(desc.UUID, desc.LastApplied)

		rcode = r.donateSST(ctx, req, stateID, true)
		joinNow = false
	}

	if rcode < 0 {
		guard.Unlock()
		level.Error(r.logger).Log("msg", "failed to bypass snapshot transfer", "rcode", rcode)

		return rcode, joinNow, true
	}

	// The replay range ends at the later of the latest configuration change
	// and the seqno in the descriptor; the former may be ahead if views
	// changed between the joiner sending the request and the group
	// delivering it.
	r.sstMu.Lock()
	last := generic.Max(r.lastCC, desc.GroupSeqno)
	r.sstMu.Unlock()

	// Range lock ownership moves to the sender.
	r.istSenders.Run(desc.Peer, desc.LastApplied+1, last, guard, func(err error) {
		result := "ok"
		if err != nil {
			result = "failed"
		}

		metrics.StateTransfers.WithLabelValues(TransferIST.String(), result).Inc()
	})

	return rcode, joinNow, true
}

// donateSST invokes the host snapshot callback. Any failure surfaces to the
// joiner as a cancelled transfer.
func (r *Replicator) donateSST(ctx context.Context, req streq.Request, stateID gtid.GTID, bypass bool) int64 {
	if r.conf.SSTDonate == nil {
		level.Error(r.logger).Log("msg", "no snapshot donor callback configured")
		return group.Errno(group.ErrCanceled)
	}

	if err := r.conf.SSTDonate(ctx, req.SST(), stateID, bypass); err != nil {
		level.Error(r.logger).Log("msg", "snapshot donation failed", "bypass", bypass, "err", err)
		return group.Errno(group.ErrCanceled)
	}

	return stateID.Seqno
}

// SSTSent is invoked by the host when a snapshot donation finishes on the
// donor side. It completes the deferred join.
func (r *Replicator) SSTSent(stateID gtid.GTID, rcode int64) {
	if rcode < 0 {
		level.Error(r.logger).Log("msg", "sst donation failed", "rcode", rcode)
		metrics.StateTransfers.WithLabelValues(TransferSST.String(), "failed").Inc()
		r.join(rcode, stateID.Seqno)

		return
	}

	level.Info(r.logger).Log("msg", "sst sent", "state_id", stateID)
	metrics.StateTransfers.WithLabelValues(TransferSST.String(), "ok").Inc()
	r.join(0, stateID.Seqno)
}

// join reports the transfer outcome to the group and returns the node to the
// joined state.
func (r *Replicator) join(rcode, seqno int64) {
	status := seqno
	if rcode < 0 {
		status = rcode
	}

	if err := r.group.Join(status); err != nil {
		level.Error(r.logger).Log("msg", "join failed", "status", status, "err", err)
		return
	}

	r.shiftTo(StateJoined)
}
