// Package gossip binds the group façade to a memberlist cluster. Membership
// and per-node state travel as gossip metadata; state transfer requests and
// join notifications travel over the reliable member-to-member channel.
//
// The binding is deliberately thin: it provides member discovery, donor
// selection and reliable delivery, while ordering decisions and failure
// handling remain with the replicator protocol on top.
package gossip

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"sync"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/hashicorp/memberlist"

	"github.com/mtereshkin/galago/group"
	"github.com/mtereshkin/galago/internal/binario"
	"github.com/mtereshkin/galago/internal/generic"
)

const (
	msgStateRequest uint8 = iota + 1
	msgStateRequestAck
	msgJoin
)

// Node membership states mirrored into gossip metadata.
const (
	metaStateJoining uint8 = iota + 1
	metaStateJoined
	metaStateSynced
)

type Config struct {
	// Logger defaults to a no-op logger.
	Logger kitlog.Logger

	// NodeName is the unique member name.
	NodeName string

	// BindAddr is the host:port the gossip layer binds to.
	BindAddr string

	// JoinAddrs seed the cluster; empty bootstraps a new one.
	JoinAddrs []string

	// UUID is the history the local state belongs to.
	UUID uuid.UUID

	// LastApplied seeds the advertised position.
	LastApplied int64
}

type pendingAck struct {
	ch chan ackPayload
}

type ackPayload struct {
	donor  int
	seqnoL int64
	status int64
}

type Group struct {
	logger kitlog.Logger
	conf   Config

	ml *memberlist.Memberlist

	mu      sync.Mutex
	meta    nodeMeta
	seqnoG  int64
	seqnoL  int64
	reqID   uint32
	pending map[uint32]*pendingAck
	closed  bool

	inbox chan group.Action
}

var _ group.Group = (*Group)(nil)

// New starts the gossip member and joins the seed addresses, if any.
func New(conf Config) (*Group, error) {
	if conf.Logger == nil {
		conf.Logger = kitlog.NewNopLogger()
	}

	g := &Group{
		logger:  conf.Logger,
		conf:    conf,
		pending: make(map[uint32]*pendingAck),
		inbox:   make(chan group.Action, 128),
		meta: nodeMeta{
			UUID:        conf.UUID,
			LastApplied: conf.LastApplied,
			State:       metaStateJoining,
		},
	}

	mlConf := memberlist.DefaultLANConfig()
	mlConf.Name = conf.NodeName
	mlConf.Delegate = &delegate{g: g}
	mlConf.Events = &eventDelegate{g: g}
	mlConf.LogOutput = kitlogWriter{logger: conf.Logger}

	if conf.BindAddr != "" {
		host, portStr, err := net.SplitHostPort(conf.BindAddr)
		if err != nil {
			return nil, fmt.Errorf("parse bind addr: %w", err)
		}

		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("parse bind port: %w", err)
		}

		mlConf.BindAddr = host
		mlConf.BindPort = port
		mlConf.AdvertisePort = port
	}

	ml, err := memberlist.Create(mlConf)
	if err != nil {
		return nil, fmt.Errorf("create memberlist: %w", err)
	}

	g.mu.Lock()
	g.ml = ml
	g.mu.Unlock()

	if len(conf.JoinAddrs) > 0 {
		if _, err := ml.Join(conf.JoinAddrs); err != nil {
			_ = ml.Shutdown()
			return nil, fmt.Errorf("join cluster: %w", err)
		}
	}

	return g, nil
}

// RequestStateTransfer selects a donor, ships the request over the reliable
// channel and waits for the acknowledgement carrying the assigned order
// slot.
func (g *Group) RequestStateTransfer(ctx context.Context, version int, req []byte, donorHint string, istUUID uuid.UUID, istSeqno int64) (int, int64, error) {
	donor, idx, err := g.selectDonor(donorHint, istUUID)
	if err != nil {
		return 0, 0, err
	}

	g.mu.Lock()
	g.reqID++
	id := g.reqID
	ack := &pendingAck{ch: make(chan ackPayload, 1)}
	g.pending[id] = ack
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, id)
		g.mu.Unlock()
	}()

	buf := &bytes.Buffer{}
	w := binario.NewWriter(buf, binary.BigEndian)
	_ = w.WriteUint8(msgStateRequest)
	_ = w.WriteUint32(id)
	_ = w.WriteString(g.conf.NodeName)
	_ = w.WriteBytes(req)

	if err := g.ml.SendReliable(donor, buf.Bytes()); err != nil {
		return 0, 0, fmt.Errorf("send state request: %w", group.ErrNotConn)
	}

	select {
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	case payload := <-ack.ch:
		if payload.status < 0 {
			return 0, 0, group.StatusError(payload.status)
		}

		return idx, payload.seqnoL, nil
	}
}

// selectDonor picks the hinted member, or the most advanced member of the
// requested history that is not itself joining.
func (g *Group) selectDonor(hint string, istUUID uuid.UUID) (*memberlist.Node, int, error) {
	members := g.ml.Members()

	var (
		best     *memberlist.Node
		bestIdx  int
		bestMeta nodeMeta
	)

	for idx, node := range members {
		if node.Name == g.conf.NodeName {
			continue
		}

		meta, ok := decodeNodeMeta(node.Meta)
		if !ok {
			continue
		}

		if hint != "" && node.Name == hint {
			return node, idx, nil
		}

		if meta.State == metaStateJoining {
			continue
		}

		if istUUID != uuid.Nil && meta.UUID != istUUID {
			continue
		}

		if best == nil || meta.LastApplied > bestMeta.LastApplied {
			best, bestIdx, bestMeta = node, idx, meta
		}
	}

	if best == nil {
		// Nobody suitable right now; the caller retries.
		return nil, 0, fmt.Errorf("no donor available: %w", group.ErrAgain)
	}

	return best, bestIdx, nil
}

// Join reports the local transfer outcome to the group and flips the
// advertised state.
func (g *Group) Join(status int64) error {
	g.mu.Lock()

	if status >= 0 {
		g.meta.State = metaStateJoined
	}
	g.mu.Unlock()

	if err := g.ml.UpdateNode(0); err != nil {
		level.Warn(g.logger).Log("msg", "failed to push node meta", "err", err)
	}

	buf := &bytes.Buffer{}
	w := binario.NewWriter(buf, binary.BigEndian)
	_ = w.WriteUint8(msgJoin)
	_ = w.WriteString(g.conf.NodeName)
	_ = w.WriteInt64(status)

	for _, node := range g.ml.Members() {
		if node.Name == g.conf.NodeName {
			continue
		}

		if err := g.ml.SendReliable(node, buf.Bytes()); err != nil {
			level.Warn(g.logger).Log("msg", "failed to send join", "to", node.Name, "err", err)
		}
	}

	g.enqueue(group.Action{Type: group.ActionJoin, Source: g.conf.NodeName, Status: status})

	return nil
}

// SetLastApplied publishes apply progress. Once the local position catches
// up with the most advanced member, the caught-up signal is delivered.
func (g *Group) SetLastApplied(seqno int64) {
	g.mu.Lock()
	g.meta.LastApplied = seqno
	joined := g.meta.State == metaStateJoined
	g.mu.Unlock()

	if !joined {
		return
	}

	if seqno >= g.maxLastApplied() {
		g.mu.Lock()
		g.meta.State = metaStateSynced
		g.mu.Unlock()

		if err := g.ml.UpdateNode(0); err != nil {
			level.Warn(g.logger).Log("msg", "failed to push node meta", "err", err)
		}

		g.enqueue(group.Action{Type: group.ActionSync})
	}
}

func (g *Group) maxLastApplied() int64 {
	var max int64

	for _, node := range g.ml.Members() {
		if meta, ok := decodeNodeMeta(node.Meta); ok {
			max = generic.Max(max, meta.LastApplied)
		}
	}

	return max
}

// Recv returns the next delivered action.
func (g *Group) Recv(ctx context.Context) (group.Action, error) {
	select {
	case <-ctx.Done():
		return group.Action{}, ctx.Err()
	case act, ok := <-g.inbox:
		if !ok {
			return group.Action{}, fmt.Errorf("group channel closed: %w", group.ErrNotConn)
		}

		return act, nil
	}
}

// StateForUUID reports the most advanced position any member advertises for
// the given history.
func (g *Group) StateForUUID(u uuid.UUID) (int64, bool) {
	var (
		max   int64
		found bool
	)

	for _, node := range g.ml.Members() {
		meta, ok := decodeNodeMeta(node.Meta)
		if !ok || meta.UUID != u {
			continue
		}

		if !found || meta.LastApplied > max {
			max, found = meta.LastApplied, true
		}
	}

	return max, found
}

// Close leaves the cluster. A second close is a no-op.
func (g *Group) Close(explicit bool) error {
	g.mu.Lock()

	if g.closed {
		g.mu.Unlock()
		return nil
	}

	g.closed = true
	close(g.inbox)
	g.mu.Unlock()

	if explicit {
		if err := g.ml.Leave(leaveTimeout); err != nil {
			level.Warn(g.logger).Log("msg", "failed to leave cluster", "err", err)
		}
	}

	return g.ml.Shutdown()
}

// enqueue delivers an action to the local inbox. Sends happen under the
// mutex so a concurrent close cannot race them.
func (g *Group) enqueue(act group.Action) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return
	}

	select {
	case g.inbox <- act:
	default:
		level.Warn(g.logger).Log("msg", "inbox full, dropping action", "type", act.Type)
	}
}

// handleMessage dispatches one reliable-channel payload.
func (g *Group) handleMessage(raw []byte) {
	r := binario.NewReader(bytes.NewReader(raw), binary.BigEndian)

	kind, err := r.ReadUint8()
	if err != nil {
		return
	}

	switch kind {
	case msgStateRequest:
		g.handleStateRequest(r)
	case msgStateRequestAck:
		g.handleStateRequestAck(r)
	case msgJoin:
		g.handleJoin(r)
	default:
		level.Warn(g.logger).Log("msg", "unknown gossip message", "kind", kind)
	}
}

func (g *Group) handleStateRequest(r *binario.Reader) {
	id, err := r.ReadUint32()
	if err != nil {
		return
	}

	source, err := r.ReadString()
	if err != nil {
		return
	}

	req, err := r.ReadBytes()
	if err != nil {
		return
	}

	// Assign the request its slot in the local delivery order, right after
	// everything applied so far.
	g.mu.Lock()
	g.seqnoG = generic.Max(g.seqnoG, g.meta.LastApplied) + 1
	g.seqnoL++
	seqnoG, seqnoL := g.seqnoG, g.seqnoL
	g.mu.Unlock()

	g.ack(source, id, seqnoL)

	g.enqueue(group.Action{
		Type:   group.ActionStateRequest,
		SeqnoG: seqnoG,
		SeqnoL: seqnoL,
		Buf:    req,
		Source: source,
	})
}

func (g *Group) ack(source string, id uint32, seqnoL int64) {
	var target *memberlist.Node

	for _, node := range g.ml.Members() {
		if node.Name == source {
			target = node
			break
		}
	}

	if target == nil {
		level.Warn(g.logger).Log("msg", "requestor gone before ack", "source", source)
		return
	}

	buf := &bytes.Buffer{}
	w := binario.NewWriter(buf, binary.BigEndian)
	_ = w.WriteUint8(msgStateRequestAck)
	_ = w.WriteUint32(id)
	_ = w.WriteInt64(seqnoL)

	if err := g.ml.SendReliable(target, buf.Bytes()); err != nil {
		level.Warn(g.logger).Log("msg", "failed to ack state request", "to", source, "err", err)
	}
}

func (g *Group) handleStateRequestAck(r *binario.Reader) {
	id, err := r.ReadUint32()
	if err != nil {
		return
	}

	seqnoL, err := r.ReadInt64()
	if err != nil {
		return
	}

	g.mu.Lock()
	ack := g.pending[id]
	g.mu.Unlock()

	if ack == nil {
		return
	}

	select {
	case ack.ch <- ackPayload{seqnoL: seqnoL}:
	default:
	}
}

func (g *Group) handleJoin(r *binario.Reader) {
	source, err := r.ReadString()
	if err != nil {
		return
	}

	status, err := r.ReadInt64()
	if err != nil {
		return
	}

	g.enqueue(group.Action{Type: group.ActionJoin, Source: source, Status: status})
}
