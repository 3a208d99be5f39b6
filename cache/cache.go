// Package cache keeps the recent window of replicated write-sets indexed by
// global seqno. Donors read contiguous ranges out of it to feed incremental
// transfers; a range lock pins the tail of the window for the duration of a
// transfer.
package cache

import (
	"errors"
	"sync"

	"github.com/google/btree"
	"github.com/google/uuid"

	"github.com/mtereshkin/galago/internal/generic"
	"github.com/mtereshkin/galago/writeset"
)

var (
	// ErrNotFound is returned when a requested seqno is not present in the
	// cached window, typically because it has been evicted already.
	ErrNotFound = errors.New("seqno not found in cache")
)

type item struct {
	ws *writeset.WriteSet
}

func (it *item) Less(other btree.Item) bool {
	return it.ws.SeqnoG < other.(*item).ws.SeqnoG
}

type Cache struct {
	mu    sync.Mutex
	uuid  uuid.UUID
	index *btree.BTree
	locks map[*SeqnoGuard]int64
}

func New() *Cache {
	return &Cache{
		index: btree.New(32),
		locks: make(map[*SeqnoGuard]int64),
	}
}

// UUID returns the history the cached window belongs to.
func (c *Cache) UUID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.uuid
}

// Put stores a write-set in the window.
func (c *Cache) Put(ws *writeset.WriteSet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.index.ReplaceOrInsert(&item{ws: ws})
}

// Get returns the write-set with the given global seqno, if cached.
func (c *Cache) Get(seqno int64) (*writeset.WriteSet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	found := c.index.Get(&item{ws: &writeset.WriteSet{SeqnoG: seqno}})
	if found == nil {
		return nil, false
	}

	return found.(*item).ws, true
}

// AscendRange visits cached write-sets with seqnos in [first, last] in
// ascending order, stopping early when fn returns false.
func (c *Cache) AscendRange(first, last int64, fn func(ws *writeset.WriteSet) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.index.AscendRange(
		&item{ws: &writeset.WriteSet{SeqnoG: first}},
		&item{ws: &writeset.WriteSet{SeqnoG: last + 1}},
		func(it btree.Item) bool {
			return fn(it.(*item).ws)
		},
	)
}

// MinSeqno returns the lowest cached seqno, or false when empty.
func (c *Cache) MinSeqno() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.minSeqnoLocked()
}

func (c *Cache) minSeqnoLocked() (int64, bool) {
	it := c.index.Min()
	if it == nil {
		return 0, false
	}

	return it.(*item).ws.SeqnoG, true
}

// SeqnoLock pins the window from start onwards. It fails with ErrNotFound
// when start is not present, which happens when the window has moved past it
// or the node has not seen it yet. The returned guard must be released
// exactly once; ownership may be handed to another goroutine.
func (c *Cache) SeqnoLock(start int64) (*SeqnoGuard, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.index.Get(&item{ws: &writeset.WriteSet{SeqnoG: start}}) == nil {
		return nil, ErrNotFound
	}

	g := &SeqnoGuard{cache: c}
	c.locks[g] = start

	return g, nil
}

// SeqnoReset drops the cached window and rebinds the cache to history u.
// The seqno is not recorded. Called on the joiner once the group position is
// known.
func (c *Cache) SeqnoReset(u uuid.UUID, seqno int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.uuid = u
	c.index.Clear(false)
}

// Evict removes write-sets with seqnos at or below upto, except those pinned
// by an active range lock.
func (c *Cache) Evict(upto int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, start := range c.locks {
		upto = generic.Min(upto, start-1)
	}

	for {
		min, ok := c.minSeqnoLocked()
		if !ok || min > upto {
			return
		}

		c.index.DeleteMin()
	}
}

// SeqnoGuard pins a locked range until released.
type SeqnoGuard struct {
	cache *Cache
	once  sync.Once
}

// Unlock releases the range. Safe to call more than once.
func (g *SeqnoGuard) Unlock() {
	g.once.Do(func() {
		g.cache.mu.Lock()
		delete(g.cache.locks, g)
		g.cache.mu.Unlock()
	})
}
