package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linkpulse/linkpulse/internal/burst"
	"github.com/linkpulse/linkpulse/internal/metrics"
)

type receivedAlert struct {
	body    []byte
	headers http.Header
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastRetries shrinks the backoff ladder so failure paths finish in
// milliseconds. Tests using it must not run in parallel.
func fastRetries(t *testing.T) {
	t.Helper()
	saved := retryDelays
	retryDelays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	t.Cleanup(func() { retryDelays = saved })
}

func startNotifier(t *testing.T, cfg Config, source <-chan burst.Transition, rec metrics.Recorder) *Notifier {
	t.Helper()
	n := New(cfg, source, discardLogger(), rec)
	go n.Run(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := n.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return n
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func burstEntry(scope string, rate float64) burst.Transition {
	return burst.Transition{
		Scope: scope,
		From:  burst.StateElevated,
		To:    burst.StateBurst,
		Rate:  rate,
		At:    time.Now(),
	}
}

func TestNotifier_DeliversBurstEntryAndExit(t *testing.T) {
	received := make(chan receivedAlert, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- receivedAlert{body: body, headers: r.Header.Clone()}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	source := make(chan burst.Transition, 4)
	rec := metrics.NewInMemory()
	startNotifier(t, Config{URL: srv.URL, Secret: "s3cret", Timeout: 2 * time.Second}, source, rec)

	source <- burstEntry("global", 250.5)

	var got receivedAlert
	select {
	case got = <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for alert delivery")
	}

	var alert Alert
	if err := json.Unmarshal(got.body, &alert); err != nil {
		t.Fatalf("unmarshal alert: %v", err)
	}
	if alert.Event != "load.burst_started" {
		t.Errorf("Event = %q, want %q", alert.Event, "load.burst_started")
	}
	if alert.Scope != "global" {
		t.Errorf("Scope = %q, want %q", alert.Scope, "global")
	}
	if alert.FromState != "elevated" || alert.ToState != "burst" {
		t.Errorf("states = %s -> %s, want elevated -> burst", alert.FromState, alert.ToState)
	}
	if alert.Rate != 250.5 {
		t.Errorf("Rate = %v, want 250.5", alert.Rate)
	}

	// Signed exactly as a receiver would verify it.
	sig := got.headers.Get(HeaderSignature)
	ts, err := strconv.ParseInt(got.headers.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		t.Fatalf("parse timestamp header: %v", err)
	}
	if err := ValidateSignature("s3cret", sig, ts, got.body, DefaultReplayWindow); err != nil {
		t.Errorf("signature did not verify: %v", err)
	}
	if got.headers.Get(HeaderDeliveryID) == "" {
		t.Error("missing delivery id header")
	}
	if ct := got.headers.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	// Leaving BURST produces the companion event.
	source <- burst.Transition{Scope: "global", From: burst.StateBurst, To: burst.StateNormal, Rate: 40, At: time.Now()}

	select {
	case got = <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit alert")
	}
	if err := json.Unmarshal(got.body, &alert); err != nil {
		t.Fatalf("unmarshal exit alert: %v", err)
	}
	if alert.Event != "load.burst_ended" {
		t.Errorf("Event = %q, want %q", alert.Event, "load.burst_ended")
	}

	waitFor(t, func() bool { return rec.Snapshot().AlertSuccess == 2 }, "success counter")
}

func TestNotifier_SkipsNonBurstTransitions(t *testing.T) {
	var hits int64
	received := make(chan receivedAlert, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		body, _ := io.ReadAll(r.Body)
		received <- receivedAlert{body: body}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	source := make(chan burst.Transition, 4)
	startNotifier(t, Config{URL: srv.URL, Secret: "s", Timeout: 2 * time.Second}, source, nil)

	// Normal/elevated churn never reaches the wire.
	source <- burst.Transition{Scope: "global", From: burst.StateNormal, To: burst.StateElevated, Rate: 60, At: time.Now()}
	source <- burst.Transition{Scope: "abc123", From: burst.StateElevated, To: burst.StateNormal, Rate: 10, At: time.Now()}
	source <- burstEntry("abc123", 90)

	var got receivedAlert
	select {
	case got = <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for burst alert")
	}

	var alert Alert
	if err := json.Unmarshal(got.body, &alert); err != nil {
		t.Fatalf("unmarshal alert: %v", err)
	}
	if alert.Event != "load.burst_started" || alert.Scope != "abc123" {
		t.Errorf("got %s for %s, want load.burst_started for abc123", alert.Event, alert.Scope)
	}
	if n := atomic.LoadInt64(&hits); n != 1 {
		t.Errorf("server hits = %d, want 1", n)
	}
}

func TestNotifier_RetriesThenSucceeds(t *testing.T) {
	fastRetries(t)

	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	source := make(chan burst.Transition, 1)
	rec := metrics.NewInMemory()
	startNotifier(t, Config{URL: srv.URL, Secret: "s", Timeout: 2 * time.Second}, source, rec)

	source <- burstEntry("global", 300)

	waitFor(t, func() bool { return rec.Snapshot().AlertSuccess == 1 }, "delivery after retries")

	if n := atomic.LoadInt64(&calls); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
	snap := rec.Snapshot()
	if snap.AlertFailure != 2 {
		t.Errorf("AlertFailure = %d, want 2", snap.AlertFailure)
	}
	if snap.AlertDropped != 0 {
		t.Errorf("AlertDropped = %d, want 0", snap.AlertDropped)
	}
}

func TestNotifier_DropsAfterExhaustion(t *testing.T) {
	fastRetries(t)

	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	source := make(chan burst.Transition, 1)
	rec := metrics.NewInMemory()
	startNotifier(t, Config{URL: srv.URL, Secret: "s", Timeout: 2 * time.Second, MaxAttempts: 2}, source, rec)

	source <- burstEntry("global", 500)

	waitFor(t, func() bool { return rec.Snapshot().AlertDropped == 1 }, "alert drop")

	if n := atomic.LoadInt64(&calls); n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}
	snap := rec.Snapshot()
	if snap.AlertFailure != 2 {
		t.Errorf("AlertFailure = %d, want 2", snap.AlertFailure)
	}
	if snap.AlertSuccess != 0 {
		t.Errorf("AlertSuccess = %d, want 0", snap.AlertSuccess)
	}
}

func TestNotifier_StopsWhenSourceCloses(t *testing.T) {
	source := make(chan burst.Transition)
	n := New(Config{URL: "https://example.com/alerts", Secret: "s"}, source, discardLogger(), nil)

	done := make(chan struct{})
	go func() {
		n.Run(context.Background())
		close(done)
	}()

	close(source)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after source closed")
	}

	// Shutdown resolves immediately once the loop has exited.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := n.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
