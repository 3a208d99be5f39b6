package gossip

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mtereshkin/galago/group"
)

func newTestGroup(t *testing.T, name string, u uuid.UUID, lastApplied int64, joinAddrs []string) *Group {
	t.Helper()

	g, err := New(Config{
		NodeName:    name,
		BindAddr:    "127.0.0.1:0",
		JoinAddrs:   joinAddrs,
		UUID:        u,
		LastApplied: lastApplied,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = g.Close(false)
	})

	return g
}

func gossipAddr(g *Group) string {
	node := g.ml.LocalNode()
	return fmt.Sprintf("%s:%d", node.Addr, node.Port)
}

func waitMembers(t *testing.T, g *Group, n int) {
	t.Helper()

	require.Eventually(t, func() bool {
		return g.ml.NumMembers() == n
	}, 10*time.Second, 50*time.Millisecond)
}

func drainUntil(t *testing.T, ctx context.Context, g *Group, typ group.ActionType) group.Action {
	t.Helper()

	deadline := time.After(10 * time.Second)

	for {
		recvCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		act, err := g.Recv(recvCtx)
		cancel()

		require.NoError(t, err)

		if act.Type == typ {
			return act
		}

		select {
		case <-deadline:
			t.Fatalf("no %s action delivered", typ)
		default:
		}
	}
}

func TestGroup_StateRequestDelivery(t *testing.T) {
	historyUUID := uuid.New()
	ctx := context.Background()

	donor := newTestGroup(t, "donor", historyUUID, 150, nil)

	donor.mu.Lock()
	donor.meta.State = metaStateSynced
	donor.mu.Unlock()

	joiner := newTestGroup(t, "joiner", historyUUID, 100, []string{gossipAddr(donor)})

	waitMembers(t, donor, 2)
	waitMembers(t, joiner, 2)

	type rstResult struct {
		seqnoL int64
		err    error
	}

	resc := make(chan rstResult, 1)

	go func() {
		_, seqnoL, err := joiner.RequestStateTransfer(ctx, 1, []byte("str payload"), "", historyUUID, 100)
		resc <- rstResult{seqnoL: seqnoL, err: err}
	}()

	act := drainUntil(t, ctx, donor, group.ActionStateRequest)
	require.Equal(t, []byte("str payload"), act.Buf)
	require.Equal(t, "joiner", act.Source)
	require.Positive(t, act.SeqnoL)
	require.Greater(t, act.SeqnoG, int64(150))

	select {
	case res := <-resc:
		require.NoError(t, res.err)
		require.Equal(t, act.SeqnoL, res.seqnoL)
	case <-time.After(10 * time.Second):
		t.Fatal("request was not acknowledged")
	}
}

func TestGroup_DonorSelectionSkipsJoining(t *testing.T) {
	historyUUID := uuid.New()

	a := newTestGroup(t, "a", historyUUID, 100, nil)
	b := newTestGroup(t, "b", historyUUID, 100, []string{gossipAddr(a)})

	waitMembers(t, a, 2)
	waitMembers(t, b, 2)

	// Both members are still joining: no donor available, retryable.
	_, _, err := b.RequestStateTransfer(context.Background(), 1, []byte("x"), "", historyUUID, 100)
	require.ErrorIs(t, err, group.ErrAgain)
}

func TestGroup_ViewCarriesStateGap(t *testing.T) {
	historyUUID := uuid.New()
	ctx := context.Background()

	ahead := newTestGroup(t, "ahead", historyUUID, 150, nil)

	ahead.mu.Lock()
	ahead.meta.State = metaStateSynced
	ahead.mu.Unlock()

	behind := newTestGroup(t, "behind", historyUUID, 100, []string{gossipAddr(ahead)})

	waitMembers(t, behind, 2)

	act := drainUntil(t, ctx, behind, group.ActionConfChange)
	require.NotNil(t, act.View)
	require.True(t, act.View.Primary)
	require.Len(t, act.View.Members, 2)
	require.True(t, act.View.StateGap)
}

func TestGroup_CloseIdempotent(t *testing.T) {
	g := newTestGroup(t, "solo", uuid.New(), 0, nil)

	require.NoError(t, g.Close(false))
	require.NoError(t, g.Close(false))
}
