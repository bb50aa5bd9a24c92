package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/notifyrelay/internal/broker"
	"github.com/shohag/notifyrelay/internal/metrics"
	"github.com/shohag/notifyrelay/internal/models"
	"github.com/shohag/notifyrelay/internal/storage"
)

// Dispatcher publishes a pending Message to its channel queue and records
// that it is in flight. Intake, retries and the recovery sweep share it.
type Dispatcher struct {
	pub     broker.Publisher
	store   storage.Storage
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

func New(pub broker.Publisher, store storage.Storage, m *metrics.Metrics, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		pub:     pub,
		store:   store,
		metrics: m,
		log:     log.With().Str("component", "dispatch").Logger(),
		now:     time.Now,
	}
}

// Dispatch publishes msg keyed by its channel. The queued mark is only set
// after the broker confirms the publish. A failed mark is logged, not
// returned: the message is already on its way and the recovery sweep may
// publish it again.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *models.Message) error {
	at := d.now().UTC()
	body, err := json.Marshal(models.NewQueuedMessage(msg, at))
	if err != nil {
		return fmt.Errorf("marshal queued message: %w", err)
	}

	if err := d.pub.Publish(ctx, broker.MessageExchange, string(msg.Channel), body); err != nil {
		return err
	}
	d.metrics.Published(broker.MessageExchange)

	if err := d.store.MarkQueued(ctx, msg.ID, msg.TraceID, at); err != nil {
		d.log.Warn().Err(err).
			Str("message_id", msg.ID).
			Str("trace_id", msg.TraceID).
			Msg("Published but failed to mark queued")
		return nil
	}
	msg.QueuedAt = &at
	return nil
}

// PublishResult sends a delivery result to the results queue.
func PublishResult(ctx context.Context, pub broker.Publisher, r models.DeliveryResult) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal delivery result: %w", err)
	}
	return pub.Publish(ctx, broker.DefaultExchange, broker.ResultsQueue, body)
}
