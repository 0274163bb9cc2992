//go:build integration

package repository

import (
	"errors"
	"testing"
	"time"

	"github.com/linkpulse/linkpulse/internal/aggregate"
	"github.com/linkpulse/linkpulse/internal/testutil"
)

func sketchOf(keys ...string) *aggregate.Sketch {
	s := aggregate.NewSketch()
	for _, k := range keys {
		s.Insert(k)
	}
	return s
}

func testDelta(clicks, auth, bot int64, first, last time.Time, visitors *aggregate.Sketch) *aggregate.Bucket {
	return &aggregate.Bucket{
		ClickCount:         clicks,
		AuthenticatedCount: auth,
		BotCount:           bot,
		ResponseTimeSumMs:  clicks * 10,
		ResponseTimeCount:  clicks,
		FirstSeen:          first,
		LastSeen:           last,
		Visitors:           visitors,
	}
}

// ============================================================================
// Bucket Store Integration Tests
// ============================================================================

func TestIntegrationApplyBucketDeltasIsAdditive(t *testing.T) {
	ctx, repo := newRepositoryTestEnv(t)
	buckets := NewBucketRepository(repo)

	linkID := testutil.UniqueID("L")
	start := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	key := aggregate.Key{LinkID: linkID, Granularity: aggregate.GranularityMinute, Start: start}

	t1 := start.Add(5 * time.Second)
	t2 := start.Add(40 * time.Second)

	// First cycle: 5 clicks from visitors a, b, c.
	err := buckets.ApplyBucketDeltas(ctx, map[aggregate.Key]*aggregate.Bucket{
		key: testDelta(5, 2, 1, t1, t2, sketchOf("a", "b", "c")),
	})
	if err != nil {
		t.Fatalf("ApplyBucketDeltas: %v", err)
	}

	// Second cycle: 3 more clicks, overlapping visitors b, c plus new d,
	// with a wider observation window on both ends.
	t0 := start.Add(1 * time.Second)
	t3 := start.Add(55 * time.Second)
	err = buckets.ApplyBucketDeltas(ctx, map[aggregate.Key]*aggregate.Bucket{
		key: testDelta(3, 1, 0, t0, t3, sketchOf("b", "c", "d")),
	})
	if err != nil {
		t.Fatalf("ApplyBucketDeltas second cycle: %v", err)
	}

	rows, err := buckets.ListBuckets(ctx, linkID, aggregate.GranularityMinute,
		start.Add(-time.Minute), start.Add(time.Minute))
	if err != nil {
		t.Fatalf("ListBuckets: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d buckets, want 1", len(rows))
	}

	got := rows[0]
	if got.ClickCount != 8 {
		t.Errorf("ClickCount = %d, want 8", got.ClickCount)
	}
	if got.AuthenticatedCount != 3 {
		t.Errorf("AuthenticatedCount = %d, want 3", got.AuthenticatedCount)
	}
	if got.BotCount != 1 {
		t.Errorf("BotCount = %d, want 1", got.BotCount)
	}
	if got.AvgResponseTimeMs != 10 {
		t.Errorf("AvgResponseTimeMs = %v, want 10", got.AvgResponseTimeMs)
	}
	// The union {a, b, c, d} has four members; overlapping visitors must
	// not inflate the estimate across cycles.
	if got.UniqueVisitors != 4 {
		t.Errorf("UniqueVisitors = %d, want 4", got.UniqueVisitors)
	}
	if got.FirstSeen == nil || !got.FirstSeen.Equal(t0) {
		t.Errorf("FirstSeen = %v, want %v", got.FirstSeen, t0)
	}
	if got.LastSeen == nil || !got.LastSeen.Equal(t3) {
		t.Errorf("LastSeen = %v, want %v", got.LastSeen, t3)
	}
}

func TestIntegrationListBucketsRange(t *testing.T) {
	ctx, repo := newRepositoryTestEnv(t)
	buckets := NewBucketRepository(repo)

	linkID := testutil.UniqueID("L")
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	deltas := make(map[aggregate.Key]*aggregate.Bucket)
	for i := 0; i < 3; i++ {
		start := base.Add(time.Duration(i) * time.Minute)
		key := aggregate.Key{LinkID: linkID, Granularity: aggregate.GranularityMinute, Start: start}
		deltas[key] = testDelta(int64(i+1), 0, 0, start, start.Add(30*time.Second), nil)
	}
	if err := buckets.ApplyBucketDeltas(ctx, deltas); err != nil {
		t.Fatalf("ApplyBucketDeltas: %v", err)
	}

	// Half-open range [base, base+2m) covers the first two buckets only.
	rows, err := buckets.ListBuckets(ctx, linkID, aggregate.GranularityMinute, base, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("ListBuckets: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d buckets, want 2", len(rows))
	}
	if !rows[0].BucketStart.Equal(base) || rows[0].ClickCount != 1 {
		t.Errorf("first bucket = %v/%d, want %v/1", rows[0].BucketStart, rows[0].ClickCount, base)
	}
	if !rows[1].BucketStart.Equal(base.Add(time.Minute)) || rows[1].ClickCount != 2 {
		t.Errorf("second bucket = %v/%d, want %v/2", rows[1].BucketStart, rows[1].ClickCount, base.Add(time.Minute))
	}
}

func TestIntegrationGetTotalNotFound(t *testing.T) {
	ctx, repo := newRepositoryTestEnv(t)
	buckets := NewBucketRepository(repo)

	_, err := buckets.GetTotal(ctx, testutil.UniqueID("absent"))
	if !errors.Is(err, ErrBucketNotFound) {
		t.Errorf("GetTotal on missing link: err = %v, want ErrBucketNotFound", err)
	}
}

func TestIntegrationTopLinksRanksBySummedClicks(t *testing.T) {
	ctx, repo := newRepositoryTestEnv(t)
	buckets := NewBucketRepository(repo)

	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	linkA := testutil.UniqueID("A")
	linkB := testutil.UniqueID("B")
	linkC := testutil.UniqueID("C")

	deltas := make(map[aggregate.Key]*aggregate.Bucket)
	seed := func(linkID string, hour int, clicks int64) {
		key := aggregate.Key{
			LinkID:      linkID,
			Granularity: aggregate.GranularityHour,
			Start:       base.Add(time.Duration(hour) * time.Hour),
		}
		deltas[key] = testDelta(clicks, 0, 0, key.Start, key.Start.Add(time.Minute), nil)
	}
	// linkB leads with 12 clicks across two hours, linkA has 9, linkC 2.
	seed(linkA, 0, 9)
	seed(linkB, 0, 7)
	seed(linkB, 1, 5)
	seed(linkC, 1, 2)
	if err := buckets.ApplyBucketDeltas(ctx, deltas); err != nil {
		t.Fatalf("ApplyBucketDeltas: %v", err)
	}

	top, err := buckets.TopLinks(ctx, aggregate.GranularityHour, base, base.Add(3*time.Hour), 2)
	if err != nil {
		t.Fatalf("TopLinks: %v", err)
	}
	if len(top) != 2 {
		t.Fatalf("got %d links, want 2", len(top))
	}
	if top[0].LinkID != linkB || top[0].Clicks != 12 {
		t.Errorf("top link = %+v, want %s with 12 clicks", top[0], linkB)
	}
	if top[1].LinkID != linkA || top[1].Clicks != 9 {
		t.Errorf("second link = %+v, want %s with 9 clicks", top[1], linkA)
	}
}

// ============================================================================
// Counter Sink Integration Tests
// ============================================================================

func TestIntegrationApplyCounterDeltasUpdatesLinkAndTotal(t *testing.T) {
	ctx, repo := newRepositoryTestEnv(t)
	buckets := NewBucketRepository(repo)

	linkA := testutil.UniqueID("A")
	linkB := testutil.UniqueID("B")
	for _, id := range []string{linkA, linkB} {
		if err := testutil.InsertTestLink(ctx, repo.Pool(), id); err != nil {
			t.Fatalf("insert link %s: %v", id, err)
		}
	}

	err := repo.ApplyCounterDeltas(ctx, map[string]int64{linkA: 7, linkB: 3})
	if err != nil {
		t.Fatalf("ApplyCounterDeltas: %v", err)
	}

	// Both the durable link counter and the total bucket move together.
	count, err := repo.LinkClickCount(ctx, linkA)
	if err != nil {
		t.Fatalf("LinkClickCount: %v", err)
	}
	if count != 7 {
		t.Errorf("links.click_count = %d, want 7", count)
	}
	total, err := buckets.GetTotal(ctx, linkA)
	if err != nil {
		t.Fatalf("GetTotal: %v", err)
	}
	if total.ClickCount != 7 {
		t.Errorf("total bucket click_count = %d, want 7", total.ClickCount)
	}

	// A second application accumulates rather than overwrites.
	if err := repo.ApplyCounterDeltas(ctx, map[string]int64{linkA: 5}); err != nil {
		t.Fatalf("ApplyCounterDeltas second: %v", err)
	}
	count, err = repo.LinkClickCount(ctx, linkA)
	if err != nil {
		t.Fatalf("LinkClickCount: %v", err)
	}
	if count != 12 {
		t.Errorf("links.click_count after second apply = %d, want 12", count)
	}
	total, err = buckets.GetTotal(ctx, linkA)
	if err != nil {
		t.Fatalf("GetTotal: %v", err)
	}
	if total.ClickCount != 12 {
		t.Errorf("total bucket click_count after second apply = %d, want 12", total.ClickCount)
	}

	totals, err := buckets.TotalsForLinks(ctx, []string{linkA, linkB})
	if err != nil {
		t.Fatalf("TotalsForLinks: %v", err)
	}
	if len(totals) != 2 {
		t.Fatalf("TotalsForLinks returned %d rows, want 2", len(totals))
	}
	if totals[linkA].ClickCount != 12 || totals[linkB].ClickCount != 3 {
		t.Errorf("totals = %d/%d, want 12/3", totals[linkA].ClickCount, totals[linkB].ClickCount)
	}
}

func TestIntegrationApplyCounterDeltasUnknownLink(t *testing.T) {
	ctx, repo := newRepositoryTestEnv(t)
	buckets := NewBucketRepository(repo)

	// Deltas for a link that was deleted mid-flight must not fail the
	// whole batch; the total bucket still records the clicks.
	ghost := testutil.UniqueID("ghost")
	if err := repo.ApplyCounterDeltas(ctx, map[string]int64{ghost: 4}); err != nil {
		t.Fatalf("ApplyCounterDeltas: %v", err)
	}

	total, err := buckets.GetTotal(ctx, ghost)
	if err != nil {
		t.Fatalf("GetTotal: %v", err)
	}
	if total.ClickCount != 4 {
		t.Errorf("total bucket click_count = %d, want 4", total.ClickCount)
	}
	if _, err := repo.LinkClickCount(ctx, ghost); !errors.Is(err, ErrLinkNotFound) {
		t.Errorf("LinkClickCount on ghost link: err = %v, want ErrLinkNotFound", err)
	}
}

func TestIntegrationLinkExists(t *testing.T) {
	ctx, repo := newRepositoryTestEnv(t)

	linkID := testutil.UniqueID("L")
	if err := testutil.InsertTestLink(ctx, repo.Pool(), linkID); err != nil {
		t.Fatalf("insert link: %v", err)
	}

	ok, err := repo.LinkExists(ctx, linkID)
	if err != nil {
		t.Fatalf("LinkExists: %v", err)
	}
	if !ok {
		t.Error("LinkExists = false for seeded link")
	}

	ok, err = repo.LinkExists(ctx, testutil.UniqueID("absent"))
	if err != nil {
		t.Fatalf("LinkExists: %v", err)
	}
	if ok {
		t.Error("LinkExists = true for unknown link")
	}
}
