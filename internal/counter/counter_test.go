package counter

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func TestIncrementAndPending(t *testing.T) {
	t.Parallel()

	c := New(4)

	if got := c.Increment("l1"); got != 1 {
		t.Errorf("first increment = %d, want 1", got)
	}
	if got := c.Increment("l1"); got != 2 {
		t.Errorf("second increment = %d, want 2", got)
	}
	if got := c.Pending("l1"); got != 2 {
		t.Errorf("Pending = %d, want 2", got)
	}
	if got := c.Pending("unknown"); got != 0 {
		t.Errorf("Pending(unknown) = %d, want 0", got)
	}
}

func TestReadAndReset(t *testing.T) {
	t.Parallel()

	c := New(4)
	for i := 0; i < 5; i++ {
		c.Increment("l1")
	}

	if got := c.ReadAndReset("l1"); got != 5 {
		t.Errorf("ReadAndReset = %d, want 5", got)
	}
	if got := c.ReadAndReset("l1"); got != 0 {
		t.Errorf("second ReadAndReset = %d, want 0", got)
	}
	if got := c.Pending("l1"); got != 0 {
		t.Errorf("Pending after reset = %d, want 0", got)
	}
	if c.LastReconciled("l1").IsZero() {
		t.Error("LastReconciled should be set after a nonzero reset")
	}
}

// Concurrent resets against a fixed number of increments must hand out each
// click exactly once: the reset deltas sum to the increment count.
func TestConcurrentReadAndResetExactness(t *testing.T) {
	t.Parallel()

	const (
		increments = 10000
		readers    = 8
	)

	c := New(8)
	for i := 0; i < increments; i++ {
		c.Increment("l1")
	}

	var total int64
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			atomic.AddInt64(&total, c.ReadAndReset("l1"))
		}()
	}
	wg.Wait()

	if total != increments {
		t.Errorf("sum of concurrent resets = %d, want %d", total, increments)
	}
	if got := c.Pending("l1"); got != 0 {
		t.Errorf("Pending after drain = %d, want 0", got)
	}
}

// Increments racing a drain must land in exactly one cycle.
func TestIncrementsDuringDrainNotLost(t *testing.T) {
	t.Parallel()

	const (
		writers       = 8
		perWriter     = 5000
		totalExpected = writers * perWriter
	)

	c := New(8)

	var drained int64
	stop := make(chan struct{})

	// Drain continuously while writers are active.
	var drainWG sync.WaitGroup
	drainWG.Add(1)
	go func() {
		defer drainWG.Done()
		for {
			for _, d := range c.DrainNonZero() {
				atomic.AddInt64(&drained, d)
			}
			select {
			case <-stop:
				return
			default:
			}
		}
	}()

	var writerWG sync.WaitGroup
	for w := 0; w < writers; w++ {
		writerWG.Add(1)
		go func(w int) {
			defer writerWG.Done()
			link := fmt.Sprintf("link-%d", w%4)
			for i := 0; i < perWriter; i++ {
				c.Increment(link)
			}
		}(w)
	}

	writerWG.Wait()
	close(stop)
	drainWG.Wait()

	// Final sweep for anything still pending when the drainer exited.
	for _, d := range c.DrainNonZero() {
		atomic.AddInt64(&drained, d)
	}

	if got := atomic.LoadInt64(&drained); got != totalExpected {
		t.Errorf("drained total = %d, want %d", got, totalExpected)
	}
}

func TestRestore(t *testing.T) {
	t.Parallel()

	c := New(4)
	c.Increment("l1")
	c.Increment("l1")

	delta := c.ReadAndReset("l1")
	if delta != 2 {
		t.Fatalf("ReadAndReset = %d, want 2", delta)
	}

	// Simulate a failed reconcile: the delta goes back.
	c.Restore("l1", delta)
	if got := c.Pending("l1"); got != 2 {
		t.Errorf("Pending after restore = %d, want 2", got)
	}

	// Restores of non-positive deltas are ignored.
	c.Restore("l1", 0)
	c.Restore("l1", -5)
	if got := c.Pending("l1"); got != 2 {
		t.Errorf("Pending after no-op restores = %d, want 2", got)
	}
}

func TestDrainNonZero(t *testing.T) {
	t.Parallel()

	c := New(4)
	c.Increment("a")
	c.Increment("a")
	c.Increment("b")
	c.ReadAndReset("b") // b back to zero

	drained := c.DrainNonZero()
	if len(drained) != 1 {
		t.Fatalf("drained %d links, want 1: %v", len(drained), drained)
	}
	if drained["a"] != 2 {
		t.Errorf("drained[a] = %d, want 2", drained["a"])
	}
	if got := c.TotalPending(); got != 0 {
		t.Errorf("TotalPending after drain = %d, want 0", got)
	}
	if got := c.Len(); got != 2 {
		t.Errorf("Len = %d, want 2 (entries are kept)", got)
	}
}
