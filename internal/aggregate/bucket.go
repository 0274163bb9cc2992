// Package aggregate maintains per-link aggregate buckets at total, minute,
// and hour granularity. Buckets are mergeable accumulators: every update is a
// delta combined via a commutative, associative merge, so concurrent workers
// and replays never need ordering.
package aggregate

import (
	"time"
)

// Granularity selects the time resolution of a bucket.
type Granularity string

const (
	GranularityTotal  Granularity = "total"
	GranularityMinute Granularity = "minute"
	GranularityHour   Granularity = "hour"
)

// BucketStart truncates a timestamp to the bucket boundary for a granularity.
// Total buckets use the zero time. Always UTC.
func BucketStart(t time.Time, g Granularity) time.Time {
	switch g {
	case GranularityMinute:
		return t.UTC().Truncate(time.Minute)
	case GranularityHour:
		return t.UTC().Truncate(time.Hour)
	default:
		return time.Time{}
	}
}

// Key identifies one bucket: (link, granularity, bucket start).
type Key struct {
	LinkID      string
	Granularity Granularity
	Start       time.Time // zero for total buckets
}

// Bucket is a mergeable accumulator. The zero value is an empty bucket.
//
// ClickCount on total buckets is special: it is fed exclusively by the
// reconciliation job from the hot counters, so the engine's total deltas
// always carry zero there. Minute and hour deltas carry the event-path count
// (scaled when sampling).
type Bucket struct {
	ClickCount         int64
	AuthenticatedCount int64
	BotCount           int64
	ResponseTimeSumMs  int64
	ResponseTimeCount  int64
	FirstSeen          time.Time
	LastSeen           time.Time
	Visitors           *Sketch // nil means no visitors recorded yet
}

// Merge folds delta into b. Commutative and associative: sums add, first/last
// seen take min/max, visitor sketches union. delta remains usable afterwards.
func (b *Bucket) Merge(delta *Bucket) {
	if delta == nil {
		return
	}

	b.ClickCount += delta.ClickCount
	b.AuthenticatedCount += delta.AuthenticatedCount
	b.BotCount += delta.BotCount
	b.ResponseTimeSumMs += delta.ResponseTimeSumMs
	b.ResponseTimeCount += delta.ResponseTimeCount

	if !delta.FirstSeen.IsZero() && (b.FirstSeen.IsZero() || delta.FirstSeen.Before(b.FirstSeen)) {
		b.FirstSeen = delta.FirstSeen
	}
	if delta.LastSeen.After(b.LastSeen) {
		b.LastSeen = delta.LastSeen
	}

	if delta.Visitors != nil {
		if b.Visitors == nil {
			b.Visitors = delta.Visitors.Clone()
		} else {
			b.Visitors.Merge(delta.Visitors)
		}
	}
}

// Clone returns a deep copy, including the visitor sketch.
func (b *Bucket) Clone() *Bucket {
	out := *b
	if b.Visitors != nil {
		out.Visitors = b.Visitors.Clone()
	}
	return &out
}

// UniqueVisitors returns the approximate distinct-visitor count.
func (b *Bucket) UniqueVisitors() int64 {
	if b.Visitors == nil {
		return 0
	}
	return b.Visitors.Estimate()
}

// AvgResponseTimeMs returns the running mean response time, or 0 when no
// samples were recorded.
func (b *Bucket) AvgResponseTimeMs() float64 {
	if b.ResponseTimeCount == 0 {
		return 0
	}
	return float64(b.ResponseTimeSumMs) / float64(b.ResponseTimeCount)
}

// IsZero reports whether the bucket carries no data.
func (b *Bucket) IsZero() bool {
	return b.ClickCount == 0 && b.AuthenticatedCount == 0 && b.BotCount == 0 &&
		b.ResponseTimeSumMs == 0 && b.ResponseTimeCount == 0 &&
		b.FirstSeen.IsZero() && b.LastSeen.IsZero() && b.Visitors == nil
}
