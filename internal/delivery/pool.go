package delivery

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/shohag/notifyrelay/internal/broker"
	"github.com/shohag/notifyrelay/internal/config"
	"github.com/shohag/notifyrelay/internal/metrics"
	"github.com/shohag/notifyrelay/internal/models"
	"github.com/shohag/notifyrelay/internal/storage"
)

// Pool runs one Worker per configured channel. Each worker consumes its own
// queue one message at a time; channels proceed independently.
type Pool struct {
	broker  broker.Broker
	workers map[models.Channel]*Worker
	order   []models.Channel
	log     zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewPool(cfg config.DeliveryConfig, b broker.Broker, store storage.Storage, m *metrics.Metrics, log zerolog.Logger) (*Pool, error) {
	channels, err := cfg.ChannelList()
	if err != nil {
		return nil, err
	}
	sender := NewSimulatedSender(cfg.SuccessRate, cfg.MinLatency, cfg.MaxLatency)
	return NewPoolWithSender(channels, sender, b, store, m, log), nil
}

func NewPoolWithSender(channels []models.Channel, sender Sender, b broker.Broker, store storage.Storage, m *metrics.Metrics, log zerolog.Logger) *Pool {
	p := &Pool{
		broker:  b,
		workers: make(map[models.Channel]*Worker, len(channels)),
		log:     log.With().Str("component", "delivery").Logger(),
	}
	for _, ch := range channels {
		if _, ok := p.workers[ch]; ok {
			continue
		}
		p.workers[ch] = NewWorker(ch, store, sender, b, m, log)
		p.order = append(p.order, ch)
	}
	return p
}

func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.log.Info().Int("workers", len(p.order)).Msg("Starting delivery workers")
	for _, ch := range p.order {
		queue := broker.QueueFor(ch)
		if err := p.broker.Consume(ctx, queue, p.workers[ch].Handle); err != nil {
			cancel()
			return fmt.Errorf("start %s worker: %w", ch, err)
		}
	}
	return nil
}

func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.log.Info().Msg("Delivery workers stopped")
}
