package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/shohag/notifyrelay/internal/broker"
	"github.com/shohag/notifyrelay/internal/metrics"
	"github.com/shohag/notifyrelay/internal/models"
)

const publishTimeout = 5 * time.Second

type Config struct {
	Service    string
	BufferSize int
	RatePerSec int
}

type event struct {
	level zerolog.Level
	body  []byte
}

// Sink is a zerolog.LevelWriter that exports log events to the logs exchange.
// Writes never block: when the buffer is full the event is dropped and
// counted. Export failures go to stderr, never back into the logger.
type Sink struct {
	pub     broker.Publisher
	service string
	limiter *rate.Limiter
	metrics *metrics.Metrics
	stderr  io.Writer

	events chan event
	done   chan struct{}
	once   sync.Once
	wg     conc.WaitGroup
	closed atomic.Bool

	dropped  atomic.Int64
	failures atomic.Int64
	exported atomic.Int64
}

func NewSink(pub broker.Publisher, cfg Config, m *metrics.Metrics) *Sink {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.Service == "" {
		cfg.Service = "notifyrelay"
	}
	s := &Sink{
		pub:     pub,
		service: cfg.Service,
		metrics: m,
		stderr:  os.Stderr,
		events:  make(chan event, cfg.BufferSize),
		done:    make(chan struct{}),
	}
	if cfg.RatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return s
}

func (s *Sink) Write(p []byte) (int, error) {
	return s.WriteLevel(zerolog.NoLevel, p)
}

// WriteLevel always reports success so a failing sink never breaks the
// other writers of a zerolog.MultiLevelWriter.
func (s *Sink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if s.closed.Load() {
		return len(p), nil
	}
	// zerolog reuses p once the call returns
	body := make([]byte, len(p))
	copy(body, p)

	select {
	case s.events <- event{level: level, body: body}:
	default:
		s.dropped.Add(1)
		s.metrics.TelemetryDropped()
	}
	return len(p), nil
}

// Start runs the exporter until ctx is done or Close is called.
func (s *Sink) Start(ctx context.Context) {
	s.wg.Go(func() { s.export(ctx) })
}

// Close stops the exporter after it flushes what is already buffered.
func (s *Sink) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})
	s.wg.Wait()
}

func (s *Sink) Dropped() int64  { return s.dropped.Load() }
func (s *Sink) Failures() int64 { return s.failures.Load() }
func (s *Sink) Exported() int64 { return s.exported.Load() }

func (s *Sink) export(ctx context.Context) {
	for {
		select {
		case ev := <-s.events:
			if s.limiter != nil {
				if err := s.limiter.Wait(ctx); err != nil {
					return
				}
			}
			s.publish(ctx, ev)
		case <-ctx.Done():
			return
		case <-s.done:
			s.flush()
			return
		}
	}
}

func (s *Sink) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	for {
		select {
		case ev := <-s.events:
			s.publish(ctx, ev)
		default:
			return
		}
	}
}

func (s *Sink) publish(ctx context.Context, ev event) {
	level, body, err := s.reshape(ev)
	if err == nil {
		pctx, cancel := context.WithTimeout(ctx, publishTimeout)
		err = s.pub.Publish(pctx, broker.LogsExchange, broker.LogRoutingKey(level), body)
		cancel()
	}
	if err != nil {
		s.failures.Add(1)
		s.metrics.TelemetryExportError()
		fmt.Fprintf(s.stderr, "telemetry: export log event: %v\n", err)
		return
	}
	s.exported.Add(1)
}

// reshape turns a zerolog JSON line into
// {service, level, message, traceId?, ...fields, timestamp}.
func (s *Sink) reshape(ev event) (string, []byte, error) {
	fields := map[string]any{}
	if err := json.Unmarshal(ev.body, &fields); err != nil {
		return "", nil, fmt.Errorf("decode log event: %w", err)
	}

	level := ev.level.String()
	if l, ok := fields[zerolog.LevelFieldName].(string); ok && l != "" {
		level = l
	}
	if level == "" {
		level = "info"
	}
	delete(fields, zerolog.LevelFieldName)

	ts := time.Now()
	if raw, ok := fields[zerolog.TimestampFieldName].(string); ok {
		if parsed, err := time.Parse(zerolog.TimeFieldFormat, raw); err == nil {
			ts = parsed
		}
	}
	delete(fields, zerolog.TimestampFieldName)

	if trace, ok := fields["trace_id"]; ok {
		fields["traceId"] = trace
		delete(fields, "trace_id")
	}
	msg, _ := fields[zerolog.MessageFieldName].(string)
	delete(fields, zerolog.MessageFieldName)

	fields["service"] = s.service
	fields["level"] = level
	fields["message"] = msg
	fields["timestamp"] = models.Timestamp(ts)

	body, err := json.Marshal(fields)
	if err != nil {
		return "", nil, fmt.Errorf("encode log event: %w", err)
	}
	return level, body, nil
}
