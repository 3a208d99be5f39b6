package gossip

import (
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/memberlist"

	"github.com/mtereshkin/galago/group"
)

const leaveTimeout = 5 * time.Second

// delegate feeds local metadata into gossip and receives reliable-channel
// payloads.
type delegate struct {
	g *Group
}

func (d *delegate) NodeMeta(limit int) []byte {
	d.g.mu.Lock()
	defer d.g.mu.Unlock()

	meta := d.g.meta.encode()
	if len(meta) > limit {
		return nil
	}

	return meta
}

func (d *delegate) NotifyMsg(raw []byte) {
	// The buffer is reused by memberlist after return.
	msg := make([]byte, len(raw))
	copy(msg, raw)

	d.g.handleMessage(msg)
}

func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *delegate) LocalState(join bool) []byte                { return nil }
func (d *delegate) MergeRemoteState(buf []byte, join bool)     {}

// eventDelegate turns membership events into delivered views.
type eventDelegate struct {
	g *Group
}

func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	d.g.deliverViewAsync()
}

func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	d.g.deliverViewAsync()
}

func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {}

// deliverViewAsync builds the view on its own goroutine: membership events
// fire while memberlist holds the node lock that Members needs as well.
func (g *Group) deliverViewAsync() {
	g.mu.Lock()
	ready := g.ml != nil
	g.mu.Unlock()

	if ready {
		go g.deliverView()
	}
}

// deliverView emits a conf-change action describing the current membership.
// The gossip layer has no partition detection of its own, so every view with
// members is primary; the state gap is derived from the advertised
// positions.
func (g *Group) deliverView() {
	g.mu.Lock()
	ml := g.ml
	g.mu.Unlock()

	// The event for the local member fires while the list is still being
	// created; the first real view follows with the first peer.
	if ml == nil {
		return
	}

	members := ml.Members()

	names := make([]string, 0, len(members))
	myIdx := -1

	var (
		maxApplied int64
		viewUUID   = g.conf.UUID
	)

	for idx, node := range members {
		names = append(names, node.Name)

		if node.Name == g.conf.NodeName {
			myIdx = idx
			continue
		}

		if meta, ok := decodeNodeMeta(node.Meta); ok {
			if meta.LastApplied > maxApplied {
				maxApplied = meta.LastApplied
				viewUUID = meta.UUID
			}
		}
	}

	g.mu.Lock()
	local := g.meta
	g.mu.Unlock()

	gap := viewUUID != local.UUID || local.LastApplied < maxApplied

	g.enqueue(group.Action{
		Type: group.ActionConfChange,
		View: &group.View{
			UUID:     viewUUID,
			Seqno:    maxApplied,
			Members:  names,
			MyIdx:    myIdx,
			Primary:  true,
			StateGap: gap,
		},
	})
}

// kitlogWriter adapts the memberlist standard-library logger to kitlog.
type kitlogWriter struct {
	logger kitlog.Logger
}

func (w kitlogWriter) Write(p []byte) (int, error) {
	level.Debug(w.logger).Log("msg", "memberlist", "out", string(p))
	return len(p), nil
}
