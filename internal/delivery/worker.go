package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/notifyrelay/internal/broker"
	"github.com/shohag/notifyrelay/internal/dispatch"
	"github.com/shohag/notifyrelay/internal/metrics"
	"github.com/shohag/notifyrelay/internal/models"
	"github.com/shohag/notifyrelay/internal/storage"
)

// Worker performs delivery attempts for one channel. Handle is registered
// as the broker consumer for the channel's queue.
type Worker struct {
	channel models.Channel
	store   storage.Storage
	sender  Sender
	pub     broker.Publisher
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

func NewWorker(channel models.Channel, store storage.Storage, sender Sender, pub broker.Publisher, m *metrics.Metrics, log zerolog.Logger) *Worker {
	return &Worker{
		channel: channel,
		store:   store,
		sender:  sender,
		pub:     pub,
		metrics: m,
		log:     log.With().Str("component", "delivery").Str("channel", string(channel)).Logger(),
		now:     time.Now,
	}
}

// Handle processes one queued message. It returns nil only after the
// Delivery is durably delivered and the result is published; any other
// outcome returns an error so the broker rejects the message.
func (w *Worker) Handle(ctx context.Context, body []byte) error {
	var qm models.QueuedMessage
	if err := json.Unmarshal(body, &qm); err != nil {
		w.log.Error().Err(err).Msg("Discarding malformed queued message")
		return fmt.Errorf("decode queued message: %w", err)
	}

	deliveryID := models.NewID("dlv")
	log := w.log.With().
		Str("message_id", qm.ID).
		Str("trace_id", qm.TraceID).
		Str("delivery_id", deliveryID).
		Int("retry_count", qm.RetryCount).
		Logger()
	log.Info().Msgf("Processing %s message", w.channel)

	now := w.now().UTC()
	d := &models.Delivery{
		MessageID:  qm.ID,
		DeliveryID: deliveryID,
		TraceID:    qm.TraceID,
		Channel:    w.channel,
		Content:    qm.Content,
		Status:     models.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := w.store.UpsertDelivery(ctx, d); err != nil {
		log.Error().Err(err).Msg("Failed to record pending delivery")
		return err
	}

	res := w.sender.Send(ctx, w.channel, qm.Content)

	done := w.now().UTC()
	d.UpdatedAt = done
	if res.OK() {
		d.Status = models.StatusDelivered
		d.DeliveredAt = &done
	} else {
		d.Status = models.StatusFailed
		d.Error = res.Error
	}
	w.metrics.Delivery(string(w.channel), string(d.Status))

	if err := w.store.UpsertDelivery(ctx, d); err != nil {
		log.Error().Err(err).Str("status", string(d.Status)).Msg("Failed to record delivery outcome")
		return err
	}
	w.recordAttempt(ctx, log, d, res, done)

	result := models.DeliveryResult{
		MessageID:  qm.ID,
		TraceID:    qm.TraceID,
		Status:     d.Status,
		DeliveryID: deliveryID,
		Error:      d.Error,
		Timestamp:  models.Timestamp(done),
	}
	if err := dispatch.PublishResult(ctx, w.pub, result); err != nil {
		log.Error().Err(err).Msg("Failed to publish delivery result")
		return err
	}
	w.metrics.Published(broker.ResultsQueue)

	if !res.OK() {
		log.Warn().Int64("latency_ms", res.LatencyMs).Str("error", res.Error).Msgf("Failed to deliver %s message", w.channel)
		return fmt.Errorf("%w: %s", ErrTransientDelivery, res.Error)
	}
	log.Info().Int64("latency_ms", res.LatencyMs).Msgf("Successfully delivered %s message", w.channel)
	return nil
}

func (w *Worker) recordAttempt(ctx context.Context, log zerolog.Logger, d *models.Delivery, res *SendResult, at time.Time) {
	attempt := &models.Attempt{
		ID:        d.DeliveryID,
		MessageID: d.MessageID,
		TraceID:   d.TraceID,
		Channel:   d.Channel,
		Status:    d.Status,
		Error:     d.Error,
		LatencyMs: res.LatencyMs,
		CreatedAt: at,
	}
	if err := w.store.CreateAttempt(ctx, attempt); err != nil {
		log.Error().Err(err).Msg("Failed to record attempt")
	}
}
