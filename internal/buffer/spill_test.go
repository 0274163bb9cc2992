package buffer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/linkpulse/linkpulse/internal/model"
)

func TestSpillPayloadRoundTrip(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 14, 10, 2, 3, 456789000, time.UTC)
	ev := model.EventRecord{
		EventID:        "01HV3BXJ5T9W2N8KQZRD4FGMAC",
		LinkID:         "abc123",
		UserID:         "u-42",
		ClientIP:       "203.0.113.7",
		UserAgent:      "Mozilla/5.0",
		Referrer:       "https://news.ycombinator.com/item",
		HTTPMethod:     "GET",
		StatusCode:     302,
		ResponseTimeMs: 14,
		IsBot:          false,
		VisitorHash:    "a1b2c3d4e5f60718",
		CountryCode:    "DE",
		UTMSource:      "newsletter",
		UTMMedium:      "email",
		UTMCampaign:    "launch",
		OccurredAt:     at,
	}

	data, err := json.Marshal(NewSpillPayload(ev))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var p SpillPayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	got := p.Event()
	if !got.OccurredAt.Equal(at.Truncate(time.Millisecond)) {
		t.Errorf("OccurredAt = %v, want %v (stream carries ms precision)",
			got.OccurredAt, at.Truncate(time.Millisecond))
	}

	want := ev
	got.OccurredAt = time.Time{}
	want.OccurredAt = time.Time{}
	if got != want {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestSpillPayloadOmitsEmptyFields(t *testing.T) {
	t.Parallel()

	ev := model.EventRecord{
		EventID:    "01HV3BXJ5T9W2N8KQZRD4FGMAC",
		LinkID:     "abc123",
		OccurredAt: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(NewSpillPayload(ev))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	// eid, lid, t always present; everything else omitted when empty.
	if len(raw) != 3 {
		t.Errorf("payload carries %d keys (%v), want 3", len(raw), raw)
	}
}
