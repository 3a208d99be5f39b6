// Package monitor provides the ordered admission gate that serializes
// apply and commit processing across worker threads. Slots are keyed by a
// strictly increasing local seqno; a slot is admitted only once every lower
// slot has been admitted or cancelled.
package monitor

import (
	"context"
	"errors"
	"sync"
)

// DefaultDepth is the default queue-depth budget used by WouldBlock.
const DefaultDepth = 16384

var (
	// ErrOutdated is returned when a slot at or below the admission point is
	// entered or cancelled a second time.
	ErrOutdated = errors.New("monitor slot already admitted")
)

type Monitor struct {
	mu sync.Mutex

	// changed is closed and replaced whenever the admission or drain point
	// moves, waking every waiter to re-check its condition.
	changed chan struct{}

	// lastEntered is the highest key such that every key at or below it has
	// entered or been cancelled.
	lastEntered int64

	// lastLeft is the highest key such that every key at or below it has
	// left or been cancelled.
	lastLeft int64

	// pendingCancel holds cancelled keys above the admission point.
	pendingCancel map[int64]struct{}

	// left holds keys that have left out of order, above lastLeft.
	left map[int64]struct{}

	depth int64
}

// New creates a monitor positioned at start: the first admitted slot will be
// start+1. A depth of 0 selects DefaultDepth.
func New(start, depth int64) *Monitor {
	if depth <= 0 {
		depth = DefaultDepth
	}

	return &Monitor{
		changed:       make(chan struct{}),
		lastEntered:   start,
		lastLeft:      start,
		pendingCancel: make(map[int64]struct{}),
		left:          make(map[int64]struct{}),
		depth:         depth,
	}
}

// Enter blocks until every slot below seq has entered or been cancelled,
// then admits seq. Returns ErrOutdated if seq has already been admitted.
func (m *Monitor) Enter(ctx context.Context, seq int64) error {
	m.mu.Lock()

	for {
		if seq <= m.lastEntered {
			m.mu.Unlock()
			return ErrOutdated
		}

		if seq == m.lastEntered+1 {
			m.lastEntered = seq
			m.advance()
			m.mu.Unlock()

			return nil
		}

		ch := m.changed
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}

		m.mu.Lock()
	}
}

// Leave releases an admitted slot. Drains up to seq or beyond observe it as
// complete.
func (m *Monitor) Leave(seq int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if seq <= m.lastLeft {
		return
	}

	m.left[seq] = struct{}{}
	m.advance()
}

// SelfCancel marks an assigned slot as never going to execute. Unlike Enter
// it does not block: a cancel above the admission point is remembered and
// consumed once the point reaches it.
func (m *Monitor) SelfCancel(seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if seq <= m.lastEntered {
		return ErrOutdated
	}

	m.pendingCancel[seq] = struct{}{}
	m.advance()

	return nil
}

// Drain blocks until every slot with key at or below upto has left or been
// cancelled.
func (m *Monitor) Drain(ctx context.Context, upto int64) error {
	m.mu.Lock()

	for m.lastLeft < upto {
		ch := m.changed
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}

		m.mu.Lock()
	}

	m.mu.Unlock()

	return nil
}

// WouldBlock reports whether admitting seq would exceed the queue-depth
// budget. Used as a backpressure signal before committing to a slot.
func (m *Monitor) WouldBlock(seq int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return seq-m.lastLeft > m.depth
}

// SetInitialPosition repositions the monitor so that the next admitted slot
// is seq+1. Pending state is discarded; concurrent waiters are woken.
func (m *Monitor) SetInitialPosition(seq int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastEntered = seq
	m.lastLeft = seq
	m.pendingCancel = make(map[int64]struct{})
	m.left = make(map[int64]struct{})

	m.wake()
}

// LastLeft returns the current drain point: every slot at or below it has
// completed.
func (m *Monitor) LastLeft() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lastLeft
}

// advance consumes pending cancels at the admission point and out-of-order
// leaves at the drain point, then wakes waiters if either point moved.
// Callers must hold mu.
func (m *Monitor) advance() {
	moved := false

	for {
		if _, ok := m.pendingCancel[m.lastEntered+1]; !ok {
			break
		}

		delete(m.pendingCancel, m.lastEntered+1)
		m.lastEntered++
		m.left[m.lastEntered] = struct{}{}
		moved = true
	}

	for {
		// A key counts as left only once it is also below the admission
		// point, so an out-of-order Leave cannot outrun admission.
		if _, ok := m.left[m.lastLeft+1]; !ok || m.lastLeft+1 > m.lastEntered {
			break
		}

		delete(m.left, m.lastLeft+1)
		m.lastLeft++
		moved = true
	}

	if moved || m.lastEntered > m.lastLeft {
		m.wake()
	}
}

func (m *Monitor) wake() {
	close(m.changed)
	m.changed = make(chan struct{})
}
