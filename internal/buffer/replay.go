package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linkpulse/linkpulse/internal/metrics"
	"github.com/linkpulse/linkpulse/internal/model"
)

const (
	// DefaultReplayGroup is the Redis consumer group for spill replay.
	DefaultReplayGroup = "spill-replayers"

	// DefaultReplayBatchSize is the max messages per read.
	DefaultReplayBatchSize = 100

	// DefaultReplayBlock is how long to block waiting for messages.
	DefaultReplayBlock = 5 * time.Second

	// DefaultReplayMaxRetries is the max insert retries per batch.
	DefaultReplayMaxRetries = 3

	// DefaultReplayClaimInterval is how often to scan pending messages.
	DefaultReplayClaimInterval = 30 * time.Second

	// DefaultReplayClaimIdle is the idle time before reclaiming pending
	// messages from a dead consumer.
	DefaultReplayClaimIdle = 60 * time.Second

	// DefaultReplayMetricsInterval is how often to refresh backlog metrics.
	DefaultReplayMetricsInterval = 5 * time.Second
)

// ReplayWorker drains the overflow stream back into durable storage once the
// database recovers. Messages whose redelivery budget is spent move to the
// dead-letter stream so one poison batch cannot wedge the replay.
type ReplayWorker struct {
	redis           *redis.Client
	writer          EventWriter
	consumer        Consumer
	logger          *slog.Logger
	metrics         metrics.Recorder
	consumerID      string
	stream          string
	dlqStream       string
	group           string
	batchSize       int
	blockTimeout    time.Duration
	maxRetries      int
	claimInterval   time.Duration
	claimIdle       time.Duration
	metricsInterval time.Duration
	claimStartID    string
	lastClaim       time.Time
	lastMetrics     time.Time

	started  bool
	draining bool
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
}

// NewReplayWorker creates a replay worker. consumer may be nil when replayed
// events need no in-memory aggregation.
func NewReplayWorker(client *redis.Client, writer EventWriter, consumer Consumer, consumerID string, logger *slog.Logger, recorder metrics.Recorder) *ReplayWorker {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &ReplayWorker{
		redis:           client,
		writer:          writer,
		consumer:        consumer,
		logger:          logger.With("component", "buffer.replay", "consumer_id", consumerID),
		metrics:         recorder,
		consumerID:      consumerID,
		stream:          DefaultSpillStream,
		dlqStream:       DefaultDLQStream,
		group:           DefaultReplayGroup,
		batchSize:       DefaultReplayBatchSize,
		blockTimeout:    DefaultReplayBlock,
		maxRetries:      DefaultReplayMaxRetries,
		claimInterval:   DefaultReplayClaimInterval,
		claimIdle:       DefaultReplayClaimIdle,
		metricsInterval: DefaultReplayMetricsInterval,
		claimStartID:    "0-0",
	}
}

// NewConsumerID creates a stable-ish consumer ID for Redis consumer groups.
func NewConsumerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "replayer"
	}
	return fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
}

// Run starts the worker loop. Blocks until context is cancelled.
func (w *ReplayWorker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return errors.New("replay worker already started")
	}
	w.started = true
	w.done = make(chan struct{})
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	defer close(w.done)

	if err := w.ensureConsumerGroup(ctx); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}

	w.logger.Info("spill replay worker started", "stream", w.stream, "group", w.group)

	for {
		w.mu.Lock()
		draining := w.draining
		w.mu.Unlock()

		if draining {
			w.logger.Info("replay worker draining, stopping")
			return nil
		}

		select {
		case <-ctx.Done():
			w.logger.Info("replay worker stopping")
			return ctx.Err()
		default:
			if err := w.processOnce(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				w.logger.Error("replay process error", "error", err)
				time.Sleep(1 * time.Second)
			}
		}
	}
}

// Shutdown gracefully stops the worker, completing any in-flight batch.
func (w *ReplayWorker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	w.draining = true
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	w.logger.Info("replay worker shutdown initiated")

	if cancel != nil {
		cancel()
	}

	if done != nil {
		select {
		case <-done:
			w.logger.Info("replay worker shutdown complete")
			return nil
		case <-ctx.Done():
			w.logger.Warn("replay worker shutdown timed out")
			return ctx.Err()
		}
	}
	return nil
}

// ensureConsumerGroup creates the consumer group if it doesn't exist.
func (w *ReplayWorker) ensureConsumerGroup(ctx context.Context) error {
	err := w.redis.XGroupCreateMkStream(ctx, w.stream, w.group, "0").Err()
	if err != nil && !isConsumerGroupExistsError(err) {
		return err
	}
	return nil
}

// processOnce reads and replays a single batch.
func (w *ReplayWorker) processOnce(ctx context.Context) error {
	w.maybeUpdateQueueDepth(ctx)

	claimed, retries, err := w.maybeClaimPending(ctx)
	if err != nil {
		w.logger.Warn("failed to claim pending messages", "error", err)
	}

	messages := w.deadLetterExhausted(ctx, claimed, retries)
	if len(messages) == 0 {
		messages, err = w.readBatch(ctx)
		if err != nil {
			return err
		}
	}
	if len(messages) == 0 {
		return nil
	}

	events, messageIDs := w.parseMessages(ctx, messages)
	if len(events) == 0 {
		// All messages were malformed; ACK them anyway to not block.
		return w.ackMessages(ctx, messageIDs)
	}

	if err := w.replayBatchWithRetry(ctx, events); err != nil {
		w.logger.Error("replay batch failed after retries",
			"batch_size", len(events),
			"error", err,
		)
		// Do not ACK so the messages can be retried later.
		return err
	}

	return w.ackMessages(ctx, messageIDs)
}

// maybeClaimPending checks for stuck pending messages and reclaims them,
// returning the claimed messages plus their delivery counts. The counts are
// read before claiming because XAUTOCLAIM resets idle time.
func (w *ReplayWorker) maybeClaimPending(ctx context.Context) ([]redis.XMessage, map[string]int64, error) {
	if w.claimInterval <= 0 || w.claimIdle <= 0 {
		return nil, nil, nil
	}
	if !w.lastClaim.IsZero() && time.Since(w.lastClaim) < w.claimInterval {
		return nil, nil, nil
	}
	w.lastClaim = time.Now()

	pending, err := w.redis.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: w.stream,
		Group:  w.group,
		Idle:   w.claimIdle,
		Start:  "-",
		End:    "+",
		Count:  int64(w.batchSize),
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, nil, fmt.Errorf("xpending: %w", err)
	}
	retries := make(map[string]int64, len(pending))
	for _, p := range pending {
		retries[p.ID] = p.RetryCount
	}

	messages, start, err := w.redis.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   w.stream,
		Group:    w.group,
		Consumer: w.consumerID,
		MinIdle:  w.claimIdle,
		Start:    w.claimStartID,
		Count:    int64(w.batchSize),
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, nil, fmt.Errorf("xautoclaim: %w", err)
	}
	if start != "" {
		w.claimStartID = start
	}
	return messages, retries, nil
}

// deadLetterExhausted filters out claimed messages whose delivery count has
// passed the retry budget, moving them to the DLQ and acknowledging them.
func (w *ReplayWorker) deadLetterExhausted(ctx context.Context, claimed []redis.XMessage, retries map[string]int64) []redis.XMessage {
	if len(claimed) == 0 {
		return nil
	}

	kept := make([]redis.XMessage, 0, len(claimed))
	var poisonIDs []string
	for _, msg := range claimed {
		if retries[msg.ID] > int64(w.maxRetries) {
			w.deadLetterMessage(ctx, msg, "redelivery_exhausted",
				fmt.Sprintf("delivery count %d", retries[msg.ID]))
			poisonIDs = append(poisonIDs, msg.ID)
			continue
		}
		kept = append(kept, msg)
	}

	if len(poisonIDs) > 0 {
		if err := w.ackMessages(ctx, poisonIDs); err != nil {
			w.logger.Warn("failed to ack dead-lettered messages", "error", err)
		}
	}
	return kept
}

func (w *ReplayWorker) maybeUpdateQueueDepth(ctx context.Context) {
	if w.metricsInterval <= 0 {
		return
	}
	if !w.lastMetrics.IsZero() && time.Since(w.lastMetrics) < w.metricsInterval {
		return
	}
	w.lastMetrics = time.Now()

	groups, err := w.redis.XInfoGroups(ctx, w.stream).Result()
	if err != nil && err != redis.Nil {
		w.logger.Warn("failed to read stream group info", "error", err)
		return
	}
	for _, group := range groups {
		if group.Name == w.group {
			w.metrics.SetSpillQueueDepth(group.Pending + group.Lag)
			return
		}
	}
}

// readBatch reads messages from the stream using XREADGROUP.
func (w *ReplayWorker) readBatch(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := w.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    w.group,
		Consumer: w.consumerID,
		Streams:  []string{w.stream, ">"},
		Count:    int64(w.batchSize),
		Block:    w.blockTimeout,
	}).Result()

	if err == redis.Nil || len(streams) == 0 {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	return streams[0].Messages, nil
}

// parseMessages converts Redis messages back to event records. Malformed
// messages are moved to the dead-letter queue.
func (w *ReplayWorker) parseMessages(ctx context.Context, messages []redis.XMessage) ([]model.EventRecord, []string) {
	events := make([]model.EventRecord, 0, len(messages))
	messageIDs := make([]string, 0, len(messages))

	for _, msg := range messages {
		messageIDs = append(messageIDs, msg.ID)

		payload, ok := msg.Values["payload"].(string)
		if !ok {
			w.deadLetterMessage(ctx, msg, "invalid_format", "payload field missing or not a string")
			continue
		}

		var p SpillPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			w.deadLetterMessage(ctx, msg, "unmarshal_error", err.Error())
			continue
		}
		if p.EventID == "" || p.LinkID == "" {
			w.deadLetterMessage(ctx, msg, "missing_fields", "event_id or link_id empty")
			continue
		}

		events = append(events, p.Event())
	}

	return events, messageIDs
}

// deadLetterMessage moves a poison message to the dead-letter queue.
func (w *ReplayWorker) deadLetterMessage(ctx context.Context, msg redis.XMessage, reason, detail string) {
	w.logger.Warn("dead-lettering poison message",
		"message_id", msg.ID,
		"reason", reason,
		"detail", detail,
	)

	_, err := w.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: w.dlqStream,
		MaxLen: 10000, // keep last 10k poison messages
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"original_id":      msg.ID,
			"original_stream":  w.stream,
			"reason":           reason,
			"detail":           detail,
			"payload":          msg.Values["payload"],
			"dead_lettered_at": time.Now().UTC().Format(time.RFC3339),
		},
	}).Result()

	if err != nil {
		w.logger.Error("failed to write to dead-letter queue",
			"message_id", msg.ID,
			"error", err,
		)
	}

	w.metrics.IncEventDropped("dead_letter")
}

// replayBatchWithRetry attempts to replay a batch with exponential backoff.
func (w *ReplayWorker) replayBatchWithRetry(ctx context.Context, events []model.EventRecord) error {
	var lastErr error

	for attempt := 1; attempt <= w.maxRetries; attempt++ {
		if err := w.replayBatch(ctx, events); err != nil {
			lastErr = err
			backoff := time.Duration(1<<attempt) * time.Second
			w.logger.Warn("replay batch failed, retrying",
				"attempt", attempt,
				"backoff_seconds", backoff.Seconds(),
				"error", err,
			)
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}
		return nil
	}

	for range events {
		w.metrics.IncEventsReplayed("failed")
	}
	return lastErr
}

// replayBatch inserts events and hands newly written rows to the consumer.
func (w *ReplayWorker) replayBatch(ctx context.Context, events []model.EventRecord) error {
	start := time.Now()

	inserted, err := w.writer.BulkInsert(ctx, events)
	if err != nil {
		return fmt.Errorf("bulk insert: %w", err)
	}
	if w.consumer != nil && len(inserted) > 0 {
		w.consumer.Consume(inserted)
	}

	for range events {
		w.metrics.IncEventsReplayed("success")
	}
	w.logger.Info("spill batch replayed",
		"events", len(events),
		"inserted", len(inserted),
		"duration_ms", float64(time.Since(start).Microseconds())/1000,
	)
	return nil
}

// ackMessages acknowledges processed messages.
func (w *ReplayWorker) ackMessages(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	if _, err := w.redis.XAck(ctx, w.stream, w.group, messageIDs...).Result(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

// isConsumerGroupExistsError checks if the error is "BUSYGROUP" (group exists).
func isConsumerGroupExistsError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// SetStreams overrides the spill and dead-letter stream names.
func (w *ReplayWorker) SetStreams(stream, dlqStream string) {
	if stream != "" {
		w.stream = stream
	}
	if dlqStream != "" {
		w.dlqStream = dlqStream
	}
}

// SetGroup overrides the consumer group name.
func (w *ReplayWorker) SetGroup(group string) {
	if group != "" {
		w.group = group
	}
}

// SetBatchSize overrides the default batch size.
func (w *ReplayWorker) SetBatchSize(size int) {
	if size > 0 {
		w.batchSize = size
	}
}

// SetBlockTimeout overrides the default blocking timeout.
func (w *ReplayWorker) SetBlockTimeout(timeout time.Duration) {
	if timeout > 0 {
		w.blockTimeout = timeout
	}
}

// SetMaxRetries overrides the default retry budget.
func (w *ReplayWorker) SetMaxRetries(retries int) {
	if retries > 0 {
		w.maxRetries = retries
	}
}

// SetClaimInterval overrides the default pending-claim interval.
func (w *ReplayWorker) SetClaimInterval(interval time.Duration) {
	if interval > 0 {
		w.claimInterval = interval
	}
}

// SetClaimIdle overrides the default pending idle threshold.
func (w *ReplayWorker) SetClaimIdle(idle time.Duration) {
	if idle > 0 {
		w.claimIdle = idle
	}
}

// SetMetricsInterval overrides the default metrics refresh interval.
func (w *ReplayWorker) SetMetricsInterval(interval time.Duration) {
	if interval > 0 {
		w.metricsInterval = interval
	}
}
