// Package counter implements the hot counter cache: per-link click deltas
// kept in process memory and drained by the reconciliation job.
//
// Counters are sharded maps of atomic integers, so the hot path takes one
// short read-lock plus one atomic add and never touches a global mutex or
// the network. Deltas are not persisted: a process restart loses at most one
// reconciliation interval of increments, which is the documented loss window.
package counter

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

const defaultShardCount = 64

// Cache holds per-link deltas accumulated since the last reconciliation.
type Cache struct {
	shards []*shard
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// entry accumulates one link's delta. Entries are created on first increment
// and kept for the process lifetime; only the delta is reset.
type entry struct {
	delta         int64
	lastResetNano int64
}

// New creates a Cache with the given shard count (0 uses the default).
func New(shardCount int) *Cache {
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return &Cache{shards: shards}
}

func (c *Cache) shardFor(linkID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(linkID))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

func (s *shard) get(linkID string) (*entry, bool) {
	s.mu.RLock()
	e, ok := s.entries[linkID]
	s.mu.RUnlock()
	return e, ok
}

func (s *shard) getOrCreate(linkID string) *entry {
	if e, ok := s.get(linkID); ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[linkID]; ok {
		return e
	}
	e := &entry{}
	s.entries[linkID] = e
	return e
}

// Increment adds one click to the link's delta and returns the new delta.
func (c *Cache) Increment(linkID string) int64 {
	e := c.shardFor(linkID).getOrCreate(linkID)
	return atomic.AddInt64(&e.delta, 1)
}

// Pending returns the link's current un-reconciled delta without resetting it.
func (c *Cache) Pending(linkID string) int64 {
	e, ok := c.shardFor(linkID).get(linkID)
	if !ok {
		return 0
	}
	return atomic.LoadInt64(&e.delta)
}

// ReadAndReset atomically returns the link's delta and zeroes it. Increments
// racing with the swap land either in the returned delta or in the fresh one,
// never in both and never nowhere.
func (c *Cache) ReadAndReset(linkID string) int64 {
	e, ok := c.shardFor(linkID).get(linkID)
	if !ok {
		return 0
	}
	delta := atomic.SwapInt64(&e.delta, 0)
	if delta != 0 {
		atomic.StoreInt64(&e.lastResetNano, time.Now().UnixNano())
	}
	return delta
}

// Restore adds a delta back after a failed reconciliation so the clicks are
// retried on the next cycle instead of lost.
func (c *Cache) Restore(linkID string, delta int64) {
	if delta <= 0 {
		return
	}
	e := c.shardFor(linkID).getOrCreate(linkID)
	atomic.AddInt64(&e.delta, delta)
}

// DrainNonZero atomically reads-and-resets every nonzero delta and returns
// them keyed by link id. Links incremented for the first time mid-drain are
// picked up on the next cycle.
func (c *Cache) DrainNonZero() map[string]int64 {
	now := time.Now().UnixNano()
	drained := make(map[string]int64)

	for _, s := range c.shards {
		s.mu.RLock()
		for linkID, e := range s.entries {
			delta := atomic.SwapInt64(&e.delta, 0)
			if delta != 0 {
				atomic.StoreInt64(&e.lastResetNano, now)
				drained[linkID] = delta
			}
		}
		s.mu.RUnlock()
	}

	return drained
}

// LastReconciled returns when the link's delta was last drained.
// The zero time means the link has never been reconciled.
func (c *Cache) LastReconciled(linkID string) time.Time {
	e, ok := c.shardFor(linkID).get(linkID)
	if !ok {
		return time.Time{}
	}
	nano := atomic.LoadInt64(&e.lastResetNano)
	if nano == 0 {
		return time.Time{}
	}
	return time.Unix(0, nano)
}

// TotalPending sums all un-reconciled deltas. Used by the depth gauge and the
// live-count summary.
func (c *Cache) TotalPending() int64 {
	var total int64
	for _, s := range c.shards {
		s.mu.RLock()
		for _, e := range s.entries {
			total += atomic.LoadInt64(&e.delta)
		}
		s.mu.RUnlock()
	}
	return total
}

// Len returns the number of tracked links.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}
