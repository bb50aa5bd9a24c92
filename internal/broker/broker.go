package broker

import (
	"context"
	"errors"

	"github.com/shohag/notifyrelay/internal/models"
)

const (
	// DefaultExchange routes by queue name.
	DefaultExchange = ""
	MessageExchange = "message_exchange"
	LogsExchange    = "logs_exchange"

	ResultsQueue = "delivery_results"
	LogsQueue    = "logs_queue"
)

var (
	ErrUnavailable = errors.New("broker unavailable")
	ErrClosed      = errors.New("broker closed")
)

// QueueFor returns the durable queue a channel's messages are routed to.
func QueueFor(ch models.Channel) string {
	return string(ch) + "_queue"
}

func LogRoutingKey(level string) string {
	return "logs." + level
}

// Handler processes one consumed message. A nil return acks it; any error
// rejects it without requeue.
type Handler func(ctx context.Context, body []byte) error

type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}

// Broker is implemented by the AMQP Gateway and the in-process Memory broker.
// Consume registers a consumer that runs until ctx is done or the broker is
// closed; each consumer handles one message at a time.
type Broker interface {
	Publisher
	Consume(ctx context.Context, queue string, h Handler) error
	Close() error
}

type ExchangeKind string

const (
	Direct ExchangeKind = "direct"
	Topic  ExchangeKind = "topic"
)

type Exchange struct {
	Name string
	Kind ExchangeKind
}

type Binding struct {
	Queue    string
	Exchange string
	Key      string
}

type Topology struct {
	Exchanges []Exchange
	Queues    []string
	Bindings  []Binding
}

// DefaultTopology declares one direct exchange keyed by channel name, one
// topic exchange for log events, a queue per channel, the results queue and
// the logs queue.
func DefaultTopology() Topology {
	t := Topology{
		Exchanges: []Exchange{
			{Name: MessageExchange, Kind: Direct},
			{Name: LogsExchange, Kind: Topic},
		},
	}
	for _, ch := range models.Channels {
		t.Queues = append(t.Queues, QueueFor(ch))
		t.Bindings = append(t.Bindings, Binding{Queue: QueueFor(ch), Exchange: MessageExchange, Key: string(ch)})
	}
	t.Queues = append(t.Queues, ResultsQueue, LogsQueue)
	t.Bindings = append(t.Bindings, Binding{Queue: LogsQueue, Exchange: LogsExchange, Key: "logs.#"})
	return t
}

func (t Topology) exchange(name string) (Exchange, bool) {
	for _, ex := range t.Exchanges {
		if ex.Name == name {
			return ex, true
		}
	}
	return Exchange{}, false
}

func (t Topology) hasQueue(name string) bool {
	for _, q := range t.Queues {
		if q == name {
			return true
		}
	}
	return false
}

// Route returns the queues a message published to exchange with routingKey
// lands in.
func (t Topology) Route(exchange, routingKey string) ([]string, error) {
	if exchange == DefaultExchange {
		if t.hasQueue(routingKey) {
			return []string{routingKey}, nil
		}
		return nil, nil
	}
	ex, ok := t.exchange(exchange)
	if !ok {
		return nil, errors.New("unknown exchange: " + exchange)
	}

	var queues []string
	for _, b := range t.Bindings {
		if b.Exchange != exchange {
			continue
		}
		matched := b.Key == routingKey
		if ex.Kind == Topic {
			matched = topicMatch(b.Key, routingKey)
		}
		if matched {
			queues = append(queues, b.Queue)
		}
	}
	return queues, nil
}
