package buffer

import (
	"context"
	"sync"
	"time"

	"github.com/linkpulse/linkpulse/internal/model"
)

const (
	flushPollFloor = 5 * time.Millisecond
	flushPollCeil  = 100 * time.Millisecond
)

// shard holds one slice of the buffer. Events append under the shard lock;
// the shard's worker performs all flushing, so batches leave each shard in
// arrival order.
type shard struct {
	mgr  *Manager
	id   int
	kick chan struct{}

	mu     sync.Mutex
	buf    []model.EventRecord
	bytes  int
	oldest time.Time // arrival time of the oldest buffered event
}

func newShard(m *Manager, id int) *shard {
	return &shard{
		mgr:  m,
		id:   id,
		kick: make(chan struct{}, 1),
	}
}

// append adds an event and reports whether a flush threshold is now met.
func (s *shard) append(ev model.EventRecord, maxRows int, maxAge time.Duration) bool {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buf) == 0 {
		s.oldest = now
	}
	s.buf = append(s.buf, ev)
	s.bytes += ev.ApproxSize()
	return s.shouldFlushLocked(now, maxRows, maxAge)
}

// shouldFlushLocked applies the trigger rules: any maximum crossed, or all
// minimums met.
func (s *shard) shouldFlushLocked(now time.Time, maxRows int, maxAge time.Duration) bool {
	rows := len(s.buf)
	if rows == 0 {
		return false
	}
	cfg := &s.mgr.cfg
	age := now.Sub(s.oldest)

	if rows >= maxRows || s.bytes >= cfg.MaxBytes || age >= maxAge {
		return true
	}
	return rows >= cfg.MinRows && s.bytes >= cfg.MinBytes && age >= cfg.MinAge
}

// swapLocked takes the current batch and resets the shard.
func (s *shard) swapLocked() []model.EventRecord {
	batch := s.buf
	s.buf = nil
	s.bytes = 0
	s.oldest = time.Time{}
	return batch
}

// take swaps out whatever is buffered, threshold or not.
func (s *shard) take() []model.EventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swapLocked()
}

// maybeFlush swaps and flushes if a trigger condition holds.
func (s *shard) maybeFlush() {
	maxRows, maxAge := s.mgr.effectiveLimits()

	s.mu.Lock()
	if !s.shouldFlushLocked(time.Now(), maxRows, maxAge) {
		s.mu.Unlock()
		return
	}
	batch := s.swapLocked()
	s.mu.Unlock()

	s.mgr.flushBatch(batch)
}

// run is the shard's worker loop. Age-based triggers are detected by the
// poll ticker; size-based triggers arrive via the kick channel.
func (s *shard) run(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case <-s.mgr.stopCh:
			s.drain()
			return
		case <-s.kick:
			s.maybeFlush()
		case <-ticker.C:
			s.maybeFlush()
		}
	}
}

// drain flushes until the shard is empty. Runs after the worker loop exits,
// so late submissions racing shutdown are still written out.
func (s *shard) drain() {
	for {
		batch := s.take()
		if len(batch) == 0 {
			return
		}
		s.mgr.flushBatch(batch)
	}
}

func (s *shard) pollInterval() time.Duration {
	p := s.mgr.cfg.MinAge / 2
	if p < flushPollFloor {
		p = flushPollFloor
	}
	if p > flushPollCeil {
		p = flushPollCeil
	}
	return p
}
