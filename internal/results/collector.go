package results

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/notifyrelay/internal/broker"
	"github.com/shohag/notifyrelay/internal/metrics"
	"github.com/shohag/notifyrelay/internal/models"
	"github.com/shohag/notifyrelay/internal/retry"
	"github.com/shohag/notifyrelay/internal/storage"
)

// Collector reconciles delivery results into the canonical Message. It never
// touches attempts; that counter belongs to the retry scheduler.
type Collector struct {
	store       storage.Storage
	backoff     retry.Backoff
	maxAttempts int
	metrics     *metrics.Metrics
	log         zerolog.Logger
	now         func() time.Time
}

func NewCollector(store storage.Storage, backoff retry.Backoff, maxAttempts int, m *metrics.Metrics, log zerolog.Logger) *Collector {
	return &Collector{
		store:       store,
		backoff:     backoff,
		maxAttempts: maxAttempts,
		metrics:     m,
		log:         log.With().Str("component", "results").Logger(),
		now:         time.Now,
	}
}

func (c *Collector) Start(ctx context.Context, b broker.Broker) error {
	if err := b.Consume(ctx, broker.ResultsQueue, c.Handle); err != nil {
		return fmt.Errorf("start results collector: %w", err)
	}
	c.log.Info().Str("queue", broker.ResultsQueue).Msg("Results collector started")
	return nil
}

// Handle applies one result. Results for unknown messages, superseded trace
// ids or messages that already left pending are acked and ignored.
func (c *Collector) Handle(ctx context.Context, body []byte) error {
	var r models.DeliveryResult
	if err := json.Unmarshal(body, &r); err != nil {
		c.log.Error().Err(err).Msg("Discarding malformed delivery result")
		return fmt.Errorf("decode delivery result: %w", err)
	}
	log := c.log.With().
		Str("message_id", r.MessageID).
		Str("trace_id", r.TraceID).
		Str("delivery_id", r.DeliveryID).
		Str("status", string(r.Status)).
		Logger()

	if r.Status != models.StatusDelivered && r.Status != models.StatusFailed {
		log.Error().Msg("Discarding delivery result with invalid status")
		return fmt.Errorf("delivery result %s: invalid status %q", r.MessageID, r.Status)
	}

	msg, err := c.store.GetMessage(ctx, r.MessageID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load message for result")
		return err
	}
	if msg == nil {
		log.Warn().Msg("Result for unknown message ignored")
		c.metrics.ResultApplied("unknown")
		return nil
	}

	now := c.now().UTC()
	update := storage.ResultUpdate{
		MessageID: r.MessageID,
		TraceID:   r.TraceID,
		Status:    r.Status,
		Error:     r.Error,
		At:        now,
	}
	exhausted := r.Status == models.StatusFailed && msg.Attempts >= c.maxAttempts
	if r.Status == models.StatusFailed && !exhausted {
		next := c.backoff.NextAttemptAt(now, msg.Attempts)
		update.NextAttemptAt = &next
	}

	applied, err := c.store.ApplyResult(ctx, update)
	if err != nil {
		log.Error().Err(err).Msg("Failed to apply delivery result")
		return err
	}
	if !applied {
		log.Info().Str("current_trace_id", msg.TraceID).Str("current_status", string(msg.Status)).
			Msg("Stale delivery result ignored")
		c.metrics.ResultApplied("stale")
		return nil
	}
	c.metrics.ResultApplied(string(r.Status))

	switch {
	case r.Status == models.StatusDelivered:
		log.Info().Int("attempts", msg.Attempts).Msg("Message delivered")
	case exhausted:
		log.Warn().Int("attempts", msg.Attempts).Str("error", r.Error).Msg("Message permanently failed")
	default:
		log.Info().Int("attempts", msg.Attempts).Time("next_attempt_at", *update.NextAttemptAt).
			Str("error", r.Error).Msg("Message failed, retry scheduled")
	}
	return nil
}
