package retry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/shohag/notifyrelay/internal/metrics"
	"github.com/shohag/notifyrelay/internal/models"
	"github.com/shohag/notifyrelay/internal/storage"
)

// OutcomeUnknown is recorded on messages the recovery sweep gives up on.
const OutcomeUnknown = "delivery outcome unknown"

type Dispatcher interface {
	Dispatch(ctx context.Context, msg *models.Message) error
}

type Config struct {
	MaxAttempts int
	Interval    time.Duration
	BatchSize   int
	Backoff     Backoff
	// OutboxGrace is how long a pending message may sit unpublished before
	// the sweep republishes it. Zero disables republishing.
	OutboxGrace time.Duration
	// StaleAfter is how long a published message may stay pending before it
	// is failed with OutcomeUnknown. Zero disables it.
	StaleAfter time.Duration
}

// Report summarises one tick.
type Report struct {
	Due         int
	Retried     int
	Skipped     int
	Republished int
	Stale       int
	Reconciled  int
	Errors      int
}

// Scheduler retries failed messages and sweeps pending ones that lost their
// way. Only one tick runs at a time per process; across processes the
// compare-and-set claim keeps a message from being retried twice.
type Scheduler struct {
	store      storage.Storage
	dispatcher Dispatcher
	cfg        Config
	metrics    *metrics.Metrics
	log        zerolog.Logger
	now        func() time.Time

	running atomic.Bool

	mu   sync.Mutex
	cron *cron.Cron
}

func NewScheduler(store storage.Storage, dispatcher Dispatcher, cfg Config, m *metrics.Metrics, log zerolog.Logger) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		cfg:        cfg,
		metrics:    m,
		log:        log.With().Str("component", "retry").Logger(),
		now:        time.Now,
	}
}

// Start runs Tick every Interval until Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return
	}

	logger := cronLogger{log: s.log}
	s.cron = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	s.cron.Schedule(cron.Every(s.cfg.Interval), cron.FuncJob(func() {
		s.Tick(ctx)
	}))
	s.cron.Start()

	s.log.Info().
		Dur("interval", s.cfg.Interval).
		Int("max_attempts", s.cfg.MaxAttempts).
		Msg("Retry scheduler started")
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
		s.log.Info().Msg("Retry scheduler stopped")
	}
}

// Tick runs one retry pass and one recovery sweep. ran is false when another
// tick was already in progress.
func (s *Scheduler) Tick(ctx context.Context) (r Report, ran bool) {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Warn().Msg("Previous tick still running, skipping")
		return r, false
	}
	defer s.running.Store(false)

	now := s.now().UTC()
	s.retryFailed(ctx, now, &r)
	s.republishUnqueued(ctx, now, &r)
	s.failStalePending(ctx, now, &r)

	if r != (Report{}) {
		s.log.Info().
			Int("due", r.Due).
			Int("retried", r.Retried).
			Int("skipped", r.Skipped).
			Int("republished", r.Republished).
			Int("stale", r.Stale).
			Int("errors", r.Errors).
			Msg("Retry tick finished")
	}
	return r, true
}

func (s *Scheduler) retryFailed(ctx context.Context, now time.Time, r *Report) {
	due, err := s.store.DueForRetry(ctx, now, s.cfg.MaxAttempts, s.cfg.BatchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load messages due for retry")
		r.Errors++
		return
	}
	r.Due = len(due)

	for i := range due {
		msg := &due[i]
		traceID := models.NewTraceID()
		claimed, err := s.store.ClaimRetry(ctx, storage.RetryClaim{
			MessageID:    msg.ID,
			SeenAttempts: msg.Attempts,
			MaxAttempts:  s.cfg.MaxAttempts,
			TraceID:      traceID,
			At:           now,
		})
		if err != nil {
			s.log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to claim retry")
			r.Errors++
			continue
		}
		if !claimed {
			r.Skipped++
			continue
		}

		msg.Attempts++
		msg.Status = models.StatusPending
		msg.TraceID = traceID
		msg.LastAttempt = &now
		msg.NextAttemptAt = nil
		msg.QueuedAt = nil

		log := s.log.With().
			Str("message_id", msg.ID).
			Str("trace_id", traceID).
			Str("channel", string(msg.Channel)).
			Int("attempt", msg.Attempts).
			Logger()

		if err := s.dispatcher.Dispatch(ctx, msg); err != nil {
			log.Error().Err(err).Msg("Failed to republish retry, left pending for recovery")
			r.Errors++
			continue
		}
		r.Retried++
		s.metrics.Retry()
		log.Info().Msg("Message republished for retry")
	}
}

func (s *Scheduler) republishUnqueued(ctx context.Context, now time.Time, r *Report) {
	if s.cfg.OutboxGrace <= 0 {
		return
	}
	msgs, err := s.store.ListUnqueued(ctx, now.Add(-s.cfg.OutboxGrace), s.cfg.BatchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load unqueued messages")
		r.Errors++
		return
	}
	for i := range msgs {
		msg := &msgs[i]
		if err := s.dispatcher.Dispatch(ctx, msg); err != nil {
			s.log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to republish unqueued message")
			r.Errors++
			continue
		}
		r.Republished++
		s.metrics.Recovered("republished")
		s.log.Info().Str("message_id", msg.ID).Str("trace_id", msg.TraceID).Msg("Republished message that was never queued")
	}
}

func (s *Scheduler) failStalePending(ctx context.Context, now time.Time, r *Report) {
	if s.cfg.StaleAfter <= 0 {
		return
	}
	msgs, err := s.store.ListStalePending(ctx, now.Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load stale pending messages")
		r.Errors++
		return
	}
	for _, msg := range msgs {
		update := storage.ResultUpdate{
			MessageID: msg.ID,
			TraceID:   msg.TraceID,
			Status:    models.StatusFailed,
			Error:     OutcomeUnknown,
			At:        now,
		}
		recorded, err := s.recordedOutcome(ctx, &msg)
		if err != nil {
			s.log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to load delivery for stale message")
			r.Errors++
			continue
		}
		if recorded != nil {
			update.Status = recorded.Status
			update.Error = recorded.Error
		}
		if update.Status == models.StatusFailed && msg.Attempts < s.cfg.MaxAttempts {
			next := s.cfg.Backoff.NextAttemptAt(now, msg.Attempts)
			update.NextAttemptAt = &next
		}
		applied, err := s.store.ApplyResult(ctx, update)
		if err != nil {
			s.log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to fail stale message")
			r.Errors++
			continue
		}
		if !applied {
			continue
		}
		if recorded != nil {
			r.Reconciled++
			s.metrics.Recovered("reconciled")
			s.log.Info().
				Str("message_id", msg.ID).
				Str("trace_id", msg.TraceID).
				Str("status", string(recorded.Status)).
				Msg("Pending message settled from its delivery record")
			continue
		}
		r.Stale++
		s.metrics.Recovered("stale")
		s.log.Warn().
			Str("message_id", msg.ID).
			Str("trace_id", msg.TraceID).
			Int("attempts", msg.Attempts).
			Msg("Pending message timed out, marked failed")
	}
}

// recordedOutcome returns the worker's delivery record for the message's
// current trace when the worker finished but its result never landed.
func (s *Scheduler) recordedOutcome(ctx context.Context, msg *models.Message) (*models.Delivery, error) {
	d, err := s.store.GetDelivery(ctx, msg.ID)
	if err != nil || d == nil {
		return nil, err
	}
	if d.TraceID != msg.TraceID {
		return nil, nil
	}
	if d.Status != models.StatusDelivered && d.Status != models.StatusFailed {
		return nil, nil
	}
	return d, nil
}

// cronLogger routes cron's own logging into zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
