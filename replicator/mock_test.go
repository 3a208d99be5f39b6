package replicator

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mtereshkin/galago/group"
	"github.com/mtereshkin/galago/internal/binario"
	"github.com/mtereshkin/galago/writeset"
)

func newCachedWriteSet(seqno int64) *writeset.WriteSet {
	return writeset.New(seqno, seqno, seqno-1, []byte("txn payload"))
}

func marshalWriteSet(t *testing.T, seqno int64) []byte {
	t.Helper()

	buf := &bytes.Buffer{}
	require.NoError(t, newCachedWriteSet(seqno).Marshal(binario.NewWriter(buf, binary.BigEndian)))

	return buf.Bytes()
}

// mockGroup is a scriptable stand-in for the group channel.
type mockGroup struct {
	mu sync.Mutex

	// rst is called by RequestStateTransfer; when nil, the call succeeds
	// with donor 0 and the next local seqno.
	rst func(version int, req []byte, donorHint string, istUUID uuid.UUID, istSeqno int64) (int, int64, error)

	// stateFor scripts StateForUUID; when nil, nothing is known.
	stateFor func(u uuid.UUID) (int64, bool)

	requests    [][]byte
	joins       []int64
	lastApplied int64
	nextSeqnoL  int64
	closes      int

	actions chan group.Action
}

func newMockGroup() *mockGroup {
	return &mockGroup{
		actions: make(chan group.Action, 16),
	}
}

func (g *mockGroup) RequestStateTransfer(_ context.Context, version int, req []byte, donorHint string, istUUID uuid.UUID, istSeqno int64) (int, int64, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.nextSeqnoL++
	seqnoL := g.nextSeqnoL
	rst := g.rst
	g.mu.Unlock()

	if rst != nil {
		return rst(version, req, donorHint, istUUID, istSeqno)
	}

	return 0, seqnoL, nil
}

func (g *mockGroup) Join(status int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.joins = append(g.joins, status)

	return nil
}

func (g *mockGroup) SetLastApplied(seqno int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lastApplied = seqno
}

func (g *mockGroup) Recv(ctx context.Context) (group.Action, error) {
	select {
	case <-ctx.Done():
		return group.Action{}, ctx.Err()
	case act := <-g.actions:
		return act, nil
	}
}

func (g *mockGroup) StateForUUID(u uuid.UUID) (int64, bool) {
	g.mu.Lock()
	stateFor := g.stateFor
	g.mu.Unlock()

	if stateFor != nil {
		return stateFor(u)
	}

	return 0, false
}

func (g *mockGroup) Close(bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.closes++

	return nil
}

func (g *mockGroup) joined() []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	return append([]int64{}, g.joins...)
}

func (g *mockGroup) lastRequest() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.requests) == 0 {
		return nil
	}

	return g.requests[len(g.requests)-1]
}

func (g *mockGroup) closeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.closes
}
