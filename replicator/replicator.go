// Package replicator drives the node membership state machine and the state
// transfer protocol on both sides: the joiner preparing, requesting and
// installing state, and the donor deciding between incremental replay, a
// full snapshot, or nothing at all.
package replicator

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/mtereshkin/galago/cache"
	"github.com/mtereshkin/galago/group"
	"github.com/mtereshkin/galago/gtid"
	"github.com/mtereshkin/galago/internal/binario"
	"github.com/mtereshkin/galago/ist"
	"github.com/mtereshkin/galago/metrics"
	"github.com/mtereshkin/galago/monitor"
	"github.com/mtereshkin/galago/safestate"
	"github.com/mtereshkin/galago/streq"
	"github.com/mtereshkin/galago/writeset"
)

// TransferKind records what kind of state transfer last completed.
type TransferKind int

const (
	TransferNone TransferKind = iota
	TransferSST
	TransferIST
)

func (k TransferKind) String() string {
	switch k {
	case TransferSST:
		return "sst"
	case TransferIST:
		return "ist"
	default:
		return "none"
	}
}

// DonateFunc is the host-supplied snapshot donor callback. In bypass mode no
// bytes are transferred: the callback only tells the joiner which state it
// already has.
type DonateFunc func(ctx context.Context, req []byte, stateID gtid.GTID, bypass bool) error

// ApplyFunc applies one write-set to the host storage.
type ApplyFunc func(ctx context.Context, ws *writeset.WriteSet) error

type Config struct {
	// Logger defaults to a no-op logger.
	Logger kitlog.Logger

	// STRVersion is the state transfer request protocol version (0..2).
	STRVersion int

	// ISTVersion is the write-set stream protocol version.
	ISTVersion uint8

	// DonorHint names the preferred donor, empty for automatic selection.
	DonorHint string

	// SSTRetryInterval is the pause between retries of a transiently failed
	// state transfer request.
	SSTRetryInterval time.Duration

	// CommitOrderBypass disables commit ordering: the commit monitor is
	// neither drained by the donor nor positioned by the joiner.
	CommitOrderBypass bool

	// MonitorDepth is the queue-depth budget for the ordering monitors.
	MonitorDepth int64

	// ISTReceiver configures the incremental transfer listener.
	ISTReceiver ist.ReceiverConfig

	// SSTDonate is called on the donor to ship a snapshot.
	SSTDonate DonateFunc

	// SSTRequest supplies the snapshot request payload to submit with a
	// state transfer request (method name, receive address, auth). Nil
	// means the trivial payload: the node wants no snapshot data.
	SSTRequest func() []byte

	// Apply is called for every admitted write-set.
	Apply ApplyFunc

	// CacheWindow is how many recent write-sets stay cached for incremental
	// donations. Older entries are evicted as apply progresses.
	CacheWindow int64
}

func DefaultConfig() Config {
	return Config{
		Logger:           kitlog.NewNopLogger(),
		STRVersion:       1,
		ISTVersion:       1,
		SSTRetryInterval: time.Second,
		MonitorDepth:     monitor.DefaultDepth,
		CacheWindow:      65536,
		ISTReceiver:      ist.DefaultReceiverConfig(),
	}
}

// wireOrder is the byte order of every fixed-endian encoding in the
// protocol.
var wireOrder = binary.BigEndian

// sstState tracks the snapshot handshake. Order matters: states at or above
// sstReqFailed suppress the incremental phase.
type sstState int

const (
	sstNone sstState = iota
	sstWait
	sstReqFailed
	sstFailed
	sstCanceled
)

type Replicator struct {
	logger kitlog.Logger
	conf   Config

	group group.Group
	st    *safestate.Store
	cache *cache.Cache

	localMon  *monitor.Monitor
	applyMon  *monitor.Monitor
	commitMon *monitor.Monitor

	fsmMu     sync.Mutex
	nodeState NodeState

	// sstMu guards all protocol state below; sstCond signals the snapshot
	// handshake.
	sstMu           sync.Mutex
	sstCond         *sync.Cond
	stateUUID       uuid.UUID
	sstSt           sstState
	sstUUID         uuid.UUID
	sstSeqno        int64
	sstSignaled     bool
	safeToBootstrap bool
	lastTransfer    TransferKind
	istReceiver     *ist.Receiver
	istPrepared     bool
	lastCC          int64
	stActive        bool
	closed          bool

	istSenders *ist.SenderPool

	// abort terminates the process on unrecoverable conditions. Tests
	// substitute it to observe the path instead of dying.
	abort func()
}

// New creates a replicator positioned at the stored safety marker.
func New(conf Config, g group.Group, st *safestate.Store, c *cache.Cache) (*Replicator, error) {
	if conf.Logger == nil {
		conf.Logger = kitlog.NewNopLogger()
	}

	if conf.SSTRetryInterval <= 0 {
		conf.SSTRetryInterval = time.Second
	}

	marker, err := st.Get()
	if err != nil {
		return nil, fmt.Errorf("read safety marker: %w", err)
	}

	// An undefined stored position still needs working monitors: they will
	// be repositioned once a transfer installs a real one.
	start := marker.Seqno
	if start < 0 {
		start = 0
	}

	r := &Replicator{
		logger:          conf.Logger,
		conf:            conf,
		group:           g,
		st:              st,
		cache:           c,
		localMon:        monitor.New(0, conf.MonitorDepth),
		applyMon:        monitor.New(start, conf.MonitorDepth),
		commitMon:       monitor.New(start, conf.MonitorDepth),
		nodeState:       StateNonPrimary,
		stateUUID:       marker.UUID,
		sstSeqno:        gtid.SeqnoUndefined,
		safeToBootstrap: marker.SafeToBootstrap,
		istSenders:      ist.NewSenderPool(conf.Logger, c, conf.ISTVersion),
		abort: func() {
			os.Exit(1)
		},
	}

	r.sstCond = sync.NewCond(&r.sstMu)

	return r, nil
}

// StateUUID returns the history the local state belongs to.
func (r *Replicator) StateUUID() uuid.UUID {
	r.sstMu.Lock()
	defer r.sstMu.Unlock()

	return r.stateUUID
}

// LastApplied returns the local state position: every write-set at or below
// it has been applied.
func (r *Replicator) LastApplied() int64 {
	return r.applyMon.LastLeft()
}

// LastTransfer reports the kind of the last completed state transfer.
func (r *Replicator) LastTransfer() TransferKind {
	r.sstMu.Lock()
	defer r.sstMu.Unlock()

	return r.lastTransfer
}

// Run pulls totally-ordered actions from the group until the context is
// cancelled or the channel closes.
func (r *Replicator) Run(ctx context.Context) error {
	for {
		act, err := r.group.Recv(ctx)
		if err != nil {
			return err
		}

		r.processAction(ctx, act)
	}
}

func (r *Replicator) processAction(ctx context.Context, act group.Action) {
	switch act.Type {
	case group.ActionWriteSet:
		r.processWriteSet(ctx, act)

	case group.ActionStateRequest:
		// Everything ordered before the request is exactly the state the
		// donor must make visible before transferring.
		r.ProcessStateRequest(ctx, act, act.SeqnoG-1)

	case group.ActionConfChange:
		r.processView(ctx, act)

	case group.ActionJoin:
		level.Debug(r.logger).Log("msg", "join delivered", "source", act.Source, "status", act.Status)

	case group.ActionSync:
		if r.State() == StateJoined {
			r.shiftTo(StateSynced)
		}

	default:
		level.Warn(r.logger).Log("msg", "unknown action type", "type", int(act.Type))
	}
}

func (r *Replicator) processWriteSet(ctx context.Context, act group.Action) {
	ws, err := writeset.Unmarshal(binario.NewReader(bytes.NewReader(act.Buf), wireOrder))
	if err != nil {
		level.Error(r.logger).Log("msg", "dropping undecodable writeset", "seqno_g", act.SeqnoG, "err", err)
		return
	}

	r.cache.Put(ws)

	ws.SetState(writeset.StateCertifying)

	if err := r.applyWriteSet(ctx, ws); err != nil {
		level.Error(r.logger).Log("msg", "writeset apply failed", "seqno_g", ws.SeqnoG, "err", err)
		return
	}

	// Trim the donation window as apply progresses; ranges pinned by an
	// active transfer survive the cut.
	if applied := r.applyMon.LastLeft(); r.conf.CacheWindow > 0 && applied > r.conf.CacheWindow {
		r.cache.Evict(applied - r.conf.CacheWindow)
	}
}

func (r *Replicator) processView(ctx context.Context, act group.Action) {
	v := act.View
	if v == nil {
		return
	}

	r.sstMu.Lock()
	r.lastCC = v.Seqno
	r.sstMu.Unlock()

	if !v.Primary {
		r.shiftTo(StateNonPrimary)
		return
	}

	if r.State() == StateNonPrimary {
		r.shiftTo(StatePrimary)
	}

	level.Info(r.logger).Log(
		"msg", "new primary view",
		"uuid", v.UUID,
		"seqno", v.Seqno,
		"members", len(v.Members),
		"state_gap", v.StateGap,
	)

	if !r.StateTransferRequired(v) {
		return
	}

	// Only a node that has not started joining yet may react to the gap;
	// an active joiner or donor finishes what it is doing first. The
	// request runs on its own goroutine so the action stream keeps
	// draining, which the donor-side monitors depend on.
	if st := r.State(); st != StatePrimary && st != StateSynced {
		level.Debug(r.logger).Log("msg", "state gap ignored in current state", "state", st)
		return
	}

	r.sstMu.Lock()
	if r.stActive {
		r.sstMu.Unlock()
		return
	}
	r.stActive = true
	r.sstMu.Unlock()

	go r.initStateTransfer(ctx, v)
}

// initStateTransfer drives the joiner side for a gap announced by a view,
// with the host-supplied snapshot request payload.
func (r *Replicator) initStateTransfer(ctx context.Context, v *group.View) {
	defer func() {
		r.sstMu.Lock()
		r.stActive = false
		r.sstMu.Unlock()
	}()

	sstReq := append([]byte(streq.TrivialSST), 0)
	if r.conf.SSTRequest != nil {
		sstReq = r.conf.SSTRequest()
	}

	level.Info(r.logger).Log("msg", "state transfer required", "group", v.UUID, "seqno", v.Seqno)

	if err := r.RequestStateTransfer(ctx, v.UUID, v.Seqno, sstReq); err != nil {
		level.Error(r.logger).Log("msg", "state transfer failed", "err", err)
	}
}

// applyWriteSet runs one certified write-set through the apply and commit
// gates. The write-set must be in the certifying state.
func (r *Replicator) applyWriteSet(ctx context.Context, ws *writeset.WriteSet) error {
	if err := r.applyMon.Enter(ctx, ws.SeqnoG); err != nil {
		return err
	}

	metrics.MonitorDepth.WithLabelValues("apply").Set(float64(ws.SeqnoG - r.applyMon.LastLeft()))

	ws.SetState(writeset.StateApplying)

	if r.conf.Apply != nil {
		if err := r.conf.Apply(ctx, ws); err != nil {
			r.applyMon.Leave(ws.SeqnoG)
			return err
		}
	}

	if !r.conf.CommitOrderBypass {
		if err := r.commitMon.Enter(ctx, ws.SeqnoG); err != nil {
			r.applyMon.Leave(ws.SeqnoG)
			return err
		}

		ws.SetState(writeset.StateCommitted)
		r.commitMon.Leave(ws.SeqnoG)
	} else {
		ws.SetState(writeset.StateCommitted)
	}

	r.applyMon.Leave(ws.SeqnoG)

	applied := r.applyMon.LastLeft()
	r.group.SetLastApplied(applied)
	metrics.LastApplied.Set(float64(applied))

	return nil
}

// Close tears the replicator down. A second close is a no-op.
func (r *Replicator) Close(explicit bool) error {
	r.sstMu.Lock()

	if r.closed {
		r.sstMu.Unlock()
		level.Debug(r.logger).Log("msg", "already closed")

		return nil
	}

	r.closed = true
	r.sstMu.Unlock()

	r.closeISTReceiver()

	return r.group.Close(explicit)
}

// closeISTReceiver finishes a prepared receiver, reporting the last received
// seqno, or -1 when none was prepared.
func (r *Replicator) closeISTReceiver() int64 {
	r.sstMu.Lock()
	recv, prepared := r.istReceiver, r.istPrepared
	r.istPrepared = false
	r.sstMu.Unlock()

	if !prepared || recv == nil {
		return gtid.SeqnoUndefined
	}

	return recv.Finished()
}
