package aggregate

import (
	"hash/fnv"
	"sync"
)

const storeStripeCount = 16

// MemStore holds the bucket deltas accumulated since the last persist cycle,
// striped by link so concurrent flush workers rarely contend. The persister
// drains it; a failed persist restores the drained deltas, which merge
// cleanly with whatever accumulated in the meantime.
type MemStore struct {
	stripes []*storeStripe
}

type storeStripe struct {
	mu      sync.Mutex
	buckets map[Key]*Bucket
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	stripes := make([]*storeStripe, storeStripeCount)
	for i := range stripes {
		stripes[i] = &storeStripe{buckets: make(map[Key]*Bucket)}
	}
	return &MemStore{stripes: stripes}
}

func (m *MemStore) stripeFor(key Key) *storeStripe {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.LinkID))
	_, _ = h.Write([]byte(key.Granularity))
	return m.stripes[h.Sum32()%storeStripeCount]
}

// Apply merges a delta into the store. The store takes ownership of delta;
// callers must not reuse it afterwards.
func (m *MemStore) Apply(key Key, delta *Bucket) {
	s := m.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.buckets[key]; ok {
		existing.Merge(delta)
		return
	}
	s.buckets[key] = delta
}

// Get returns a deep copy of the pending delta for a key.
func (m *MemStore) Get(key Key) (*Bucket, bool) {
	s := m.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		return nil, false
	}
	return b.Clone(), true
}

// DrainAll atomically removes and returns every pending delta.
func (m *MemStore) DrainAll() map[Key]*Bucket {
	out := make(map[Key]*Bucket)
	for _, s := range m.stripes {
		s.mu.Lock()
		for key, b := range s.buckets {
			out[key] = b
		}
		s.buckets = make(map[Key]*Bucket)
		s.mu.Unlock()
	}
	return out
}

// RestoreAll merges previously drained deltas back, combining with anything
// accumulated since the drain. Used when a persist cycle fails.
func (m *MemStore) RestoreAll(pending map[Key]*Bucket) {
	for key, b := range pending {
		m.Apply(key, b)
	}
}

// Len returns the number of pending buckets.
func (m *MemStore) Len() int {
	n := 0
	for _, s := range m.stripes {
		s.mu.Lock()
		n += len(s.buckets)
		s.mu.Unlock()
	}
	return n
}
