package intake

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/notifyrelay/internal/broker"
	"github.com/shohag/notifyrelay/internal/cache"
	"github.com/shohag/notifyrelay/internal/metrics"
	"github.com/shohag/notifyrelay/internal/models"
	"github.com/shohag/notifyrelay/internal/storage"
)

// Dispatcher publishes a persisted Message to its channel queue.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *models.Message) error
}

// Result is what intake hands back to the caller. Duplicate is set when the
// request collapsed onto an existing Message.
type Result struct {
	MessageID string        `json:"messageId"`
	Status    models.Status `json:"status"`
	Duplicate bool          `json:"-"`
}

type Service struct {
	store      storage.Storage
	dispatcher Dispatcher
	dedup      cache.Dedup
	window     time.Duration
	metrics    *metrics.Metrics
	log        zerolog.Logger
	now        func() time.Time
}

type Option func(*Service)

func WithDedupCache(d cache.Dedup) Option {
	return func(s *Service) { s.dedup = d }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store storage.Storage, dispatcher Dispatcher, window time.Duration, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:      store,
		dispatcher: dispatcher,
		dedup:      cache.Nop{},
		window:     window,
		log:        log.With().Str("component", "intake").Logger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit persists sub as a pending Message and publishes it, unless an
// identical (channel, recipient, body) Message was accepted within the
// dedup window, in which case that Message is returned unchanged.
func (s *Service) Submit(ctx context.Context, sub Submission) (*Result, error) {
	now := s.now().UTC()
	traceID := models.NewTraceID()
	content := sub.Content()
	channel := sub.Channel()

	log := s.log.With().Str("trace_id", traceID).Str("channel", string(channel)).Logger()

	if s.window > 0 {
		existing, err := s.store.FindRecentDuplicate(ctx, channel, content.Recipient, content.Body, now.Add(-s.window))
		if err != nil {
			s.metrics.Intake("error")
			return nil, fmt.Errorf("dedup lookup: %w", err)
		}
		if existing != nil {
			return s.duplicate(log, existing.ID, existing.Status), nil
		}
	}

	msg := &models.Message{
		ID:        models.NewID("msg"),
		TraceID:   traceID,
		Channel:   channel,
		Content:   content,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	key := cache.Key(channel, content.Recipient, content.Body)
	if s.window > 0 {
		claimed, holder, err := s.dedup.Claim(ctx, key, msg.ID, s.window)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("Dedup cache unavailable, relying on store lookup")
		case !claimed && holder != "":
			held, err := s.store.GetMessage(ctx, holder)
			if err != nil {
				s.metrics.Intake("error")
				return nil, fmt.Errorf("load dedup holder: %w", err)
			}
			if held == nil {
				// Holder is still being persisted by a concurrent intake.
				return s.duplicate(log, holder, models.StatusPending), nil
			}
			if held.CreatedAt.After(now.Add(-s.window)) {
				return s.duplicate(log, held.ID, held.Status), nil
			}
		}
	}

	if err := s.store.CreateMessage(ctx, msg); err != nil {
		if s.window > 0 {
			if rerr := s.dedup.Release(ctx, key, msg.ID); rerr != nil {
				log.Warn().Err(rerr).Msg("Failed to release dedup claim")
			}
		}
		s.metrics.Intake("error")
		return nil, fmt.Errorf("persist message: %w", err)
	}
	log = log.With().Str("message_id", msg.ID).Logger()
	log.Info().Msg("Message saved")

	if err := s.dispatcher.Dispatch(ctx, msg); err != nil {
		s.metrics.Intake("error")
		log.Error().Err(err).Msg("Failed to publish message, left pending for recovery")
		return nil, fmt.Errorf("publish message %s: %w", msg.ID, err)
	}

	s.metrics.Intake("accepted")
	log.Info().Str("queue", broker.QueueFor(channel)).Msg("Message published")
	return &Result{MessageID: msg.ID, Status: msg.Status}, nil
}

func (s *Service) duplicate(log zerolog.Logger, id string, status models.Status) *Result {
	s.metrics.Intake("duplicate")
	log.Info().Str("message_id", id).Msg("Duplicate message detected")
	return &Result{MessageID: id, Status: status, Duplicate: true}
}
