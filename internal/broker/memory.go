package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

// Memory is an in-process broker with the same routing and ack/reject
// semantics as the AMQP gateway. It only connects components inside one
// process.
type Memory struct {
	topology Topology
	log      zerolog.Logger

	mu        sync.Mutex
	queues    map[string]*memQueue
	available bool
	closed    bool
	done      chan struct{}

	acks    atomic.Int64
	rejects atomic.Int64
	wg      conc.WaitGroup
}

type memQueue struct {
	mu     sync.Mutex
	items  [][]byte
	signal chan struct{}
}

func newMemQueue() *memQueue {
	return &memQueue{signal: make(chan struct{}, 1)}
}

func (q *memQueue) push(body []byte) {
	q.mu.Lock()
	q.items = append(q.items, body)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *memQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	body := q.items[0]
	q.items = q.items[1:]
	if len(q.items) > 0 {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return body, true
}

func (q *memQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func NewMemory(topology Topology, log zerolog.Logger) *Memory {
	m := &Memory{
		topology:  topology,
		log:       log.With().Str("component", "broker").Str("driver", "memory").Logger(),
		queues:    make(map[string]*memQueue, len(topology.Queues)),
		available: true,
		done:      make(chan struct{}),
	}
	for _, q := range topology.Queues {
		m.queues[q] = newMemQueue()
	}
	return m
}

// SetAvailable toggles whether Publish succeeds, simulating a broker outage.
func (m *Memory) SetAvailable(ok bool) {
	m.mu.Lock()
	m.available = ok
	m.mu.Unlock()
}

func (m *Memory) Publish(_ context.Context, exchange, routingKey string, body []byte) error {
	m.mu.Lock()
	closed, available := m.closed, m.available
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !available {
		return fmt.Errorf("publish %s/%s: %w", exchange, routingKey, ErrUnavailable)
	}

	queues, err := m.topology.Route(exchange, routingKey)
	if err != nil {
		return fmt.Errorf("publish %s/%s: %w", exchange, routingKey, err)
	}
	for _, name := range queues {
		cp := make([]byte, len(body))
		copy(cp, body)
		m.queues[name].push(cp)
	}
	return nil
}

func (m *Memory) Consume(ctx context.Context, queue string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	q, ok := m.queues[queue]
	if !ok {
		return fmt.Errorf("consume: unknown queue %q", queue)
	}

	m.wg.Go(func() {
		for {
			body, ok := q.pop()
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-m.done:
					return
				case <-q.signal:
					continue
				}
			}
			if err := h(ctx, body); err != nil {
				m.rejects.Add(1)
				m.log.Debug().Err(err).Str("queue", queue).Msg("Message rejected")
				continue
			}
			m.acks.Add(1)
		}
	})
	return nil
}

// Depth returns the number of messages waiting in queue.
func (m *Memory) Depth(queue string) int {
	q, ok := m.queues[queue]
	if !ok {
		return 0
	}
	return q.len()
}

func (m *Memory) Acks() int64    { return m.acks.Load() }
func (m *Memory) Rejects() int64 { return m.rejects.Load() }

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}
