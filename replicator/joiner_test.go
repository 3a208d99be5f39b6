package replicator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mtereshkin/galago/group"
	"github.com/mtereshkin/galago/gtid"
	"github.com/mtereshkin/galago/streq"
)

var trivialSST = []byte("trivial\x00")

func TestJoiner_TrivialSST(t *testing.T) {
	groupUUID := uuid.New()
	n := newTestNode(t, DefaultConfig(), uuid.Nil, gtid.SeqnoUndefined)
	ctx := context.Background()

	n.rep.shiftTo(StatePrimary)

	err := n.rep.RequestStateTransfer(ctx, groupUUID, 150, trivialSST)
	require.NoError(t, err)

	require.Equal(t, StateJoined, n.rep.State())
	require.Equal(t, groupUUID, n.rep.StateUUID())
	require.Equal(t, int64(150), n.rep.LastApplied())
	require.Equal(t, TransferSST, n.rep.LastTransfer())

	// The trivial payload never puts local data at risk.
	m := n.marker(t)
	require.True(t, m.Safe)
	require.Equal(t, groupUUID, m.UUID)
	require.Equal(t, gtid.SeqnoUndefined, m.Seqno)

	n.rep.processAction(ctx, group.Action{Type: group.ActionSync})
	require.Equal(t, StateSynced, n.rep.State())
}

func TestJoiner_ISTOnly(t *testing.T) {
	groupUUID := uuid.New()

	joiner := newTestNode(t, DefaultConfig(), groupUUID, 100)
	joiner.rep.shiftTo(StatePrimary)

	donor := newTestNode(t, DefaultConfig(), groupUUID, 150)
	donor.rep.shiftTo(StatePrimary)
	donor.rep.shiftTo(StateJoined)
	donor.rep.shiftTo(StateSynced)

	for seqno := int64(101); seqno <= 150; seqno++ {
		donor.cache.Put(newCachedWriteSet(seqno))
	}

	ctx := context.Background()
	requested := make(chan []byte, 1)

	joiner.grp.rst = func(_ int, req []byte, _ string, istUUID uuid.UUID, istSeqno int64) (int, int64, error) {
		require.Equal(t, groupUUID, istUUID)
		require.Equal(t, int64(100), istSeqno)
		requested <- req

		return 0, 1, nil
	}

	joinerDone := make(chan error, 1)

	go func() {
		joinerDone <- joiner.rep.RequestStateTransfer(ctx, groupUUID, 150, nil)
	}()

	var req []byte
	select {
	case req = <-requested:
	case <-time.After(5 * time.Second):
		t.Fatal("state transfer request was not submitted")
	}

	// The request carries the incremental descriptor and no snapshot part.
	parsed, err := streq.Parse(req)
	require.NoError(t, err)
	require.Empty(t, parsed.SST())

	desc, err := streq.ParseDesc(string(parsed.IST()))
	require.NoError(t, err)
	require.Equal(t, groupUUID, desc.UUID)
	require.Equal(t, int64(100), desc.LastApplied)
	require.Equal(t, int64(150), desc.GroupSeqno)

	donor.rep.ProcessStateRequest(ctx, group.Action{
		Type:   group.ActionStateRequest,
		Buf:    req,
		SeqnoG: 151,
		SeqnoL: 1,
		Source: "joiner",
	}, 150)

	select {
	case err := <-joinerDone:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("joiner did not finish")
	}

	// The donor joined back with its position right after launching the
	// sender; the range lock was handed off and released on completion.
	require.Equal(t, []int64{150}, donor.grp.joined())
	require.Equal(t, StateJoined, donor.rep.State())
	require.NoError(t, donor.rep.istSenders.Wait())

	require.Equal(t, StateJoined, joiner.rep.State())
	require.Equal(t, int64(150), joiner.rep.LastApplied())
	require.Equal(t, TransferIST, joiner.rep.LastTransfer())
	require.Len(t, joiner.appliedSeqnos(), 50)

	m := joiner.marker(t)
	require.True(t, m.Safe)
	require.Equal(t, groupUUID, m.UUID)
	require.Equal(t, gtid.SeqnoUndefined, m.Seqno)
}

func TestJoiner_ISTWithBypassedSST(t *testing.T) {
	// The joiner prepares both parts; the donor still has the range cached,
	// so the snapshot is acknowledged in bypass mode and the actual data
	// moves incrementally.
	groupUUID := uuid.New()

	joiner := newTestNode(t, DefaultConfig(), groupUUID, 100)
	joiner.rep.shiftTo(StatePrimary)

	donorConf := DefaultConfig()
	donorConf.SSTDonate = func(_ context.Context, _ []byte, stateID gtid.GTID, bypass bool) error {
		require.True(t, bypass)
		require.Equal(t, gtid.New(groupUUID, 100), stateID)

		// The host application relays the handshake to the joiner.
		go func() {
			_ = joiner.rep.SSTReceived(stateID, 0)
		}()

		return nil
	}

	donor := newTestNode(t, donorConf, groupUUID, 150)
	donor.rep.shiftTo(StatePrimary)
	donor.rep.shiftTo(StateJoined)
	donor.rep.shiftTo(StateSynced)

	for seqno := int64(101); seqno <= 150; seqno++ {
		donor.cache.Put(newCachedWriteSet(seqno))
	}

	ctx := context.Background()
	requested := make(chan []byte, 1)

	joiner.grp.rst = func(_ int, req []byte, _ string, _ uuid.UUID, _ int64) (int, int64, error) {
		requested <- req
		return 0, 1, nil
	}

	joinerDone := make(chan error, 1)

	go func() {
		joinerDone <- joiner.rep.RequestStateTransfer(ctx, groupUUID, 150, []byte("rsync\x00"))
	}()

	var req []byte
	select {
	case req = <-requested:
	case <-time.After(5 * time.Second):
		t.Fatal("state transfer request was not submitted")
	}

	donor.rep.ProcessStateRequest(ctx, group.Action{
		Type:   group.ActionStateRequest,
		Buf:    req,
		SeqnoG: 151,
		SeqnoL: 1,
		Source: "joiner",
	}, 150)

	select {
	case err := <-joinerDone:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("joiner did not finish")
	}

	require.NoError(t, donor.rep.istSenders.Wait())

	// Join was deferred to the donation completion path.
	require.Empty(t, donor.grp.joined())
	donor.rep.SSTSent(gtid.New(groupUUID, 100), 0)
	require.Equal(t, []int64{100}, donor.grp.joined())

	require.Equal(t, int64(150), joiner.rep.LastApplied())
	require.Equal(t, TransferIST, joiner.rep.LastTransfer())
	require.Len(t, joiner.appliedSeqnos(), 50)
	require.True(t, joiner.marker(t).Safe)
}

func TestJoiner_SSTAfterDivergence(t *testing.T) {
	// Histories diverged: no incremental descriptor is prepared, the
	// snapshot outcome dictates the new position.
	localUUID := uuid.New()
	groupUUID := uuid.New()

	n := newTestNode(t, DefaultConfig(), localUUID, 50)
	n.rep.shiftTo(StatePrimary)

	ctx := context.Background()
	requested := make(chan []byte, 1)

	n.grp.rst = func(_ int, req []byte, _ string, _ uuid.UUID, _ int64) (int, int64, error) {
		requested <- req
		return 0, 1, nil
	}

	done := make(chan error, 1)

	go func() {
		done <- n.rep.RequestStateTransfer(ctx, groupUUID, 200, []byte("xtrabackup\x00"))
	}()

	var req []byte
	select {
	case req = <-requested:
	case <-time.After(5 * time.Second):
		t.Fatal("state transfer request was not submitted")
	}

	parsed, err := streq.Parse(req)
	require.NoError(t, err)
	require.Equal(t, []byte("xtrabackup\x00"), parsed.SST())
	require.Empty(t, parsed.IST())

	// Unsafe must be durably recorded while the snapshot is pending.
	m := n.marker(t)
	require.False(t, m.Safe)

	require.NoError(t, n.rep.SSTReceived(gtid.New(groupUUID, 180), 0))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("joiner did not finish")
	}

	require.Equal(t, groupUUID, n.rep.StateUUID())
	require.Equal(t, int64(180), n.rep.LastApplied())
	require.Equal(t, TransferSST, n.rep.LastTransfer())
	require.Equal(t, StateJoined, n.rep.State())

	m = n.marker(t)
	require.True(t, m.Safe)
	require.Equal(t, groupUUID, m.UUID)
	require.Equal(t, gtid.SeqnoUndefined, m.Seqno)
}

func TestJoiner_WrongUUIDAfterSST(t *testing.T) {
	localUUID := uuid.New()
	groupUUID := uuid.New()
	strayUUID := uuid.New()

	n := newTestNode(t, DefaultConfig(), localUUID, 50)
	n.rep.shiftTo(StatePrimary)

	ctx := context.Background()
	done := make(chan error, 1)

	go func() {
		done <- n.rep.RequestStateTransfer(ctx, groupUUID, 200, []byte("rsync\x00"))
	}()

	require.Eventually(t, func() bool {
		return n.grp.lastRequest() != nil
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, n.rep.SSTReceived(gtid.New(strayUUID, 170), 0))

	select {
	case err := <-done:
		require.ErrorIs(t, err, group.ErrPerm)
	case <-time.After(5 * time.Second):
		t.Fatal("joiner did not finish")
	}

	require.True(t, n.abortCalled())

	// The received position is persisted for post-mortem inspection.
	m := n.marker(t)
	require.Equal(t, strayUUID, m.UUID)
	require.Equal(t, int64(170), m.Seqno)
	require.True(t, m.Safe)
}

func TestJoiner_DonorRangeAdvanced(t *testing.T) {
	// The donor's cache no longer holds the requested range and we offered
	// no snapshot fallback: unrecoverable, but the stored position must
	// survive for the next attempt.
	groupUUID := uuid.New()

	n := newTestNode(t, DefaultConfig(), groupUUID, 100)
	n.rep.shiftTo(StatePrimary)

	n.grp.rst = func(int, []byte, string, uuid.UUID, int64) (int, int64, error) {
		return 0, 0, group.ErrNoData
	}

	err := n.rep.RequestStateTransfer(context.Background(), groupUUID, 150, nil)
	require.ErrorIs(t, err, group.ErrNoData)
	require.True(t, n.abortCalled())

	m := n.marker(t)
	require.True(t, m.Safe)
	require.Equal(t, int64(100), m.Seqno)
}

func TestJoiner_Cancellation(t *testing.T) {
	groupUUID := uuid.New()

	n := newTestNode(t, DefaultConfig(), uuid.Nil, gtid.SeqnoUndefined)
	n.rep.shiftTo(StatePrimary)

	ctx := context.Background()
	done := make(chan error, 1)

	go func() {
		done <- n.rep.RequestStateTransfer(ctx, groupUUID, 150, []byte("rsync\x00"))
	}()

	require.Eventually(t, func() bool {
		return n.grp.lastRequest() != nil
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, n.rep.SSTReceived(gtid.New(uuid.Nil, gtid.SeqnoUndefined), group.Errno(group.ErrCanceled)))

	select {
	case err := <-done:
		require.ErrorIs(t, err, group.ErrCanceled)
	case <-time.After(5 * time.Second):
		t.Fatal("joiner did not finish")
	}

	require.False(t, n.abortCalled())
	require.Equal(t, 1, n.grp.closeCount())
	require.False(t, n.marker(t).Safe)
}

func TestJoiner_RetriesTransientSendErrors(t *testing.T) {
	groupUUID := uuid.New()

	conf := DefaultConfig()
	conf.SSTRetryInterval = 10 * time.Millisecond

	n := newTestNode(t, conf, uuid.Nil, gtid.SeqnoUndefined)
	n.rep.shiftTo(StatePrimary)

	attempts := 0
	n.grp.rst = func(int, []byte, string, uuid.UUID, int64) (int, int64, error) {
		attempts++
		if attempts < 3 {
			return 0, 0, group.ErrAgain
		}

		return 0, int64(attempts), nil
	}

	err := n.rep.RequestStateTransfer(context.Background(), groupUUID, 150, trivialSST)
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
	require.Equal(t, StateJoined, n.rep.State())
}

func TestJoiner_LocalMonitorOverflow(t *testing.T) {
	groupUUID := uuid.New()

	conf := DefaultConfig()
	conf.MonitorDepth = 8

	n := newTestNode(t, conf, uuid.Nil, gtid.SeqnoUndefined)
	n.rep.shiftTo(StatePrimary)

	n.grp.rst = func(int, []byte, string, uuid.UUID, int64) (int, int64, error) {
		return 0, 100, nil // way past the depth budget
	}

	err := n.rep.RequestStateTransfer(context.Background(), groupUUID, 150, trivialSST)
	require.ErrorIs(t, err, group.ErrDeadlock)
	require.True(t, n.abortCalled())
	require.False(t, n.marker(t).Safe)
}
