package aggregate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linkpulse/linkpulse/internal/metrics"
)

type captureSink struct {
	mu       sync.Mutex
	failures int
	applied  []map[Key]*Bucket
}

func (s *captureSink) ApplyBucketDeltas(ctx context.Context, deltas map[Key]*Bucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("database unavailable")
	}
	s.applied = append(s.applied, deltas)
	return nil
}

func (s *captureSink) batches() []map[Key]*Bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[Key]*Bucket, len(s.applied))
	copy(out, s.applied)
	return out
}

func TestPersistOnceWritesAndClears(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	sink := &captureSink{}
	rec := metrics.NewInMemory()
	p := NewPersister(store, sink, time.Hour, time.Second, testLogger(), rec)

	at := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	key := Key{LinkID: "abc123", Granularity: GranularityMinute, Start: at}
	store.Apply(key, mkDelta(3, 1, 0, 36, 3, at, at, "v:a"))

	p.persistOnce(context.Background())

	batches := sink.batches()
	if len(batches) != 1 {
		t.Fatalf("sink received %d batches, want 1", len(batches))
	}
	if got := batches[0][key]; got == nil || got.ClickCount != 3 {
		t.Errorf("persisted bucket = %+v, want ClickCount 3", got)
	}
	if store.Len() != 0 {
		t.Errorf("store Len after persist = %d, want 0", store.Len())
	}

	snap := rec.Snapshot()
	if snap.PersistSuccess != 1 || snap.PersistBatchTotal != 1 {
		t.Errorf("persist metrics = %d success / %d buckets, want 1/1",
			snap.PersistSuccess, snap.PersistBatchTotal)
	}
}

func TestPersistSkipsWhenEmpty(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	sink := &captureSink{}
	rec := metrics.NewInMemory()
	p := NewPersister(store, sink, time.Hour, time.Second, testLogger(), rec)

	p.persistOnce(context.Background())

	if len(sink.batches()) != 0 {
		t.Error("sink called with empty store")
	}
	if got := rec.Snapshot().PersistSuccess; got != 0 {
		t.Errorf("PersistSuccess = %d, want 0", got)
	}
}

func TestFailedPersistRestoresAndRetries(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	sink := &captureSink{failures: 1}
	rec := metrics.NewInMemory()
	p := NewPersister(store, sink, time.Hour, time.Second, testLogger(), rec)

	at := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	key := Key{LinkID: "abc123", Granularity: GranularityHour, Start: at}
	store.Apply(key, mkDelta(5, 0, 0, 0, 0, at, at))

	p.persistOnce(context.Background())

	if got := rec.Snapshot().PersistFailure; got != 1 {
		t.Fatalf("PersistFailure = %d, want 1", got)
	}
	restored, ok := store.Get(key)
	if !ok || restored.ClickCount != 5 {
		t.Fatalf("deltas not restored after failure: %+v", restored)
	}

	// Traffic that landed during the outage merges with the restored deltas.
	store.Apply(key, mkDelta(2, 0, 0, 0, 0, at.Add(time.Minute), at.Add(time.Minute)))
	p.persistOnce(context.Background())

	batches := sink.batches()
	if len(batches) != 1 {
		t.Fatalf("sink received %d batches, want 1", len(batches))
	}
	if got := batches[0][key].ClickCount; got != 7 {
		t.Errorf("retried bucket ClickCount = %d, want 7", got)
	}
	if store.Len() != 0 {
		t.Errorf("store Len after retry = %d, want 0", store.Len())
	}
}

func TestShutdownFlushesPending(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	sink := &captureSink{}
	p := NewPersister(store, sink, time.Hour, time.Second, testLogger(), nil)

	at := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	key := Key{LinkID: "abc123", Granularity: GranularityTotal}
	store.Apply(key, mkDelta(0, 1, 0, 9, 1, at, at))

	go p.Run(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	batches := sink.batches()
	if len(batches) != 1 {
		t.Fatalf("final persist wrote %d batches, want 1", len(batches))
	}
	if got := batches[0][key]; got == nil || got.AuthenticatedCount != 1 {
		t.Errorf("final batch bucket = %+v, want AuthenticatedCount 1", got)
	}
}
