// Package notify delivers burst alert webhooks. When the load controller
// reports a BURST entry or exit, a signed JSON alert is POSTed to an
// operator-configured URL so paging and autoscaling can react without
// polling /metrics. Delivery is best-effort: alerts retry on a short
// ladder and are dropped once it is exhausted.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/linkpulse/linkpulse/internal/burst"
	"github.com/linkpulse/linkpulse/internal/metrics"
)

// Alert is the JSON body delivered to the configured webhook URL.
type Alert struct {
	// Event is "load.burst_started" or "load.burst_ended".
	Event string `json:"event"`
	// Scope is "global" or a link id.
	Scope     string `json:"scope"`
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	// Rate is the EWMA events/sec observed at transition time.
	Rate       float64   `json:"rate"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Config holds notifier settings. URL and Secret come from configuration;
// the URL must pass ValidateTargetURL before reaching New in production.
type Config struct {
	URL    string
	Secret string
	// Timeout bounds a single delivery attempt.
	Timeout time.Duration
	// MaxAttempts caps delivery attempts per alert. Zero means
	// DefaultMaxAttempts.
	MaxAttempts int
}

// Notifier consumes load transitions and delivers burst alerts one at a
// time, in order. A single deliverer keeps receivers from seeing an exit
// before its entry.
type Notifier struct {
	cfg     Config
	client  *http.Client
	source  <-chan burst.Transition
	logger  *slog.Logger
	metrics metrics.Recorder

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a notifier reading from source, typically a controller
// subscription. If recorder is nil, metrics are discarded.
func New(cfg Config, source <-chan burst.Transition, logger *slog.Logger, recorder metrics.Recorder) *Notifier {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = ClientTimeout
	}
	return &Notifier{
		cfg:     cfg,
		client:  NewHTTPClient(),
		source:  source,
		logger:  logger.With("component", "notify"),
		metrics: recorder,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Run consumes transitions until the context is cancelled, Shutdown is
// called, or the source channel closes.
func (n *Notifier) Run(ctx context.Context) {
	defer close(n.doneCh)

	n.logger.Info("alert notifier started", "target_host", ExtractHost(n.cfg.URL))
	for {
		select {
		case <-ctx.Done():
			n.logger.Info("alert notifier stopped")
			return
		case <-n.stopCh:
			n.logger.Info("alert notifier stopped")
			return
		case tr, ok := <-n.source:
			if !ok {
				n.logger.Info("alert notifier stopped", "reason", "source closed")
				return
			}
			if !concernsBurst(tr) {
				continue
			}
			n.deliver(ctx, tr)
		}
	}
}

// Shutdown stops the loop. An in-flight delivery finishes its current
// attempt; queued retries are abandoned.
func (n *Notifier) Shutdown(ctx context.Context) error {
	select {
	case <-n.stopCh:
	default:
		close(n.stopCh)
	}
	select {
	case <-n.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// concernsBurst reports whether a transition enters or leaves BURST.
// Normal/elevated churn is visible in metrics and not worth a page.
func concernsBurst(tr burst.Transition) bool {
	return tr.To == burst.StateBurst || tr.From == burst.StateBurst
}

func newAlert(tr burst.Transition) Alert {
	event := "load.burst_ended"
	if tr.To == burst.StateBurst {
		event = "load.burst_started"
	}
	return Alert{
		Event:      event,
		Scope:      tr.Scope,
		FromState:  tr.From.String(),
		ToState:    tr.To.String(),
		Rate:       tr.Rate,
		OccurredAt: tr.At.UTC(),
	}
}

// deliver posts one alert, walking the retry ladder on failure. Later
// transitions wait in the subscription buffer meanwhile.
func (n *Notifier) deliver(ctx context.Context, tr burst.Transition) {
	payload, err := json.Marshal(newAlert(tr))
	if err != nil {
		n.logger.Error("alert marshal failed", "error", err)
		return
	}
	deliveryID := uuid.New().String()

	for attempt := 1; ; attempt++ {
		err := n.post(ctx, deliveryID, payload)
		if err == nil {
			n.metrics.IncAlertDelivery("success")
			n.logger.Info("burst alert delivered",
				"delivery_id", deliveryID,
				"scope", tr.Scope,
				"to_state", tr.To.String(),
				"attempt", attempt,
			)
			return
		}

		n.metrics.IncAlertDelivery("failure")

		if IsExhausted(attempt, n.cfg.MaxAttempts) {
			n.metrics.IncAlertDelivery("dropped")
			n.logger.Warn("burst alert dropped",
				"delivery_id", deliveryID,
				"scope", tr.Scope,
				"attempts", attempt,
				"error", err,
			)
			return
		}

		delay := NextRetryDelay(attempt - 1)
		n.logger.Warn("burst alert attempt failed",
			"delivery_id", deliveryID,
			"attempt", attempt,
			"retry_in", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return
		case <-n.stopCh:
			return
		case <-time.After(delay):
		}
	}
}

// post performs a single signed delivery attempt.
func (n *Notifier) post(ctx context.Context, deliveryID string, payload []byte) error {
	timestamp := time.Now().Unix()
	signature := GenerateSignature(n.cfg.Secret, timestamp, payload)

	actx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodPost, n.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	SetAlertHeaders(req, AlertHeaders{
		Signature:  signature,
		Timestamp:  strconv.FormatInt(timestamp, 10),
		DeliveryID: deliveryID,
	})

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Drain body to allow connection reuse
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("HTTP %d", resp.StatusCode)
}
