package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

// Declarer declares exchanges, queues and bindings. *amqp.Channel satisfies it.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// channel is the part of *amqp.Channel the gateway drives.
type channel interface {
	Declarer
	Confirm(noWait bool) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// connection is the part of *amqp.Connection the gateway drives.
type connection interface {
	channel() (channel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) channel() (channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Gateway owns one AMQP connection and one channel. It is constructed once
// and shared. Dialing happens outside the lock, so Publish and Consume never
// wait on a broker that is down: they fail with ErrUnavailable right away.
// After a drop a supervisor goroutine redials every reconnect delay and
// re-registers every consumer that is still wanted.
type Gateway struct {
	url            string
	reconnectDelay time.Duration
	dialTimeout    time.Duration
	topology       Topology
	log            zerolog.Logger
	dial           func(url string) (connection, error)

	mu         sync.Mutex
	conn       connection
	ch         channel
	connecting bool
	consumers  []*consumer
	closed     bool

	life context.Context
	stop context.CancelFunc
	wg   conc.WaitGroup
}

type consumer struct {
	ctx     context.Context
	queue   string
	handler Handler
}

type GatewayOption func(*Gateway)

// WithDialTimeout bounds the TCP dial and the AMQP handshake.
func WithDialTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.dialTimeout = d
		}
	}
}

func NewGateway(url string, reconnectDelay time.Duration, topology Topology, log zerolog.Logger, opts ...GatewayOption) *Gateway {
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	life, stop := context.WithCancel(context.Background())
	g := &Gateway{
		url:            url,
		reconnectDelay: reconnectDelay,
		dialTimeout:    5 * time.Second,
		topology:       topology,
		log:            log.With().Str("component", "broker").Str("driver", "amqp").Logger(),
		life:           life,
		stop:           stop,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.dial = g.dialAMQP
	return g
}

func (g *Gateway) dialAMQP(url string) (connection, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Dial:   amqp.DefaultDial(g.dialTimeout),
		Locale: "en_US",
	})
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// Connect dials the broker and declares the topology. Calling it while
// connected is a no-op; calling it while another dial is in flight fails
// with ErrUnavailable.
func (g *Gateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	switch {
	case g.closed:
		g.mu.Unlock()
		return ErrClosed
	case g.liveLocked():
		g.mu.Unlock()
		return nil
	case g.connecting:
		g.mu.Unlock()
		return fmt.Errorf("connect: %w: connection attempt in progress", ErrUnavailable)
	}
	g.connecting = true
	g.mu.Unlock()

	if err := g.establish(ctx); err != nil {
		g.mu.Lock()
		g.connecting = false
		g.mu.Unlock()
		if errors.Is(err, ErrClosed) {
			return err
		}
		return fmt.Errorf("connect: %w: %w", ErrUnavailable, err)
	}
	return nil
}

// Reconnect keeps dialing in the background every reconnect delay until a
// connection is up. It does nothing while connected or while a dial is
// already in flight.
func (g *Gateway) Reconnect() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || g.connecting || g.liveLocked() {
		return
	}
	g.connecting = true
	g.wg.Go(g.redial)
}

// Connected reports whether the channel is up.
func (g *Gateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.liveLocked()
}

func (g *Gateway) liveLocked() bool {
	return g.ch != nil && !g.ch.IsClosed()
}

// establish dials and declares without holding the lock, then swaps the new
// connection in and restarts the registered consumers on it.
func (g *Gateway) establish(ctx context.Context) error {
	conn, err := g.dialContext(ctx)
	if err != nil {
		return err
	}
	ch, err := openChannel(conn, g.topology)
	if err != nil {
		conn.Close()
		return err
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	g.conn, g.ch = conn, ch
	g.connecting = false
	resume := g.liveConsumersLocked()
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	g.wg.Go(func() { g.supervise(conn, connClosed, chClosed) })
	g.mu.Unlock()

	g.log.Info().Str("url", redactURL(g.url)).Msg("Connected to broker")

	for _, c := range resume {
		if err := g.start(ch, c); err != nil {
			g.log.Error().Err(err).Str("queue", c.queue).Msg("Failed to resume consumer")
		}
	}
	if len(resume) > 0 {
		g.log.Info().Int("consumers", len(resume)).Msg("Broker consumers resumed")
	}
	return nil
}

// dialContext gives up on a dial when ctx ends; a connection that completes
// afterwards is closed.
func (g *Gateway) dialContext(ctx context.Context) (connection, error) {
	type dialed struct {
		conn connection
		err  error
	}
	out := make(chan dialed, 1)
	go func() {
		conn, err := g.dial(g.url)
		out <- dialed{conn, err}
	}()

	select {
	case d := <-out:
		return d.conn, d.err
	case <-ctx.Done():
		go func() {
			if d := <-out; d.conn != nil {
				d.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func openChannel(conn connection, t Topology) (channel, error) {
	ch, err := conn.channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		return nil, err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return nil, err
	}
	if err := DeclareTopology(ch, t); err != nil {
		return nil, err
	}
	return ch, nil
}

// DeclareTopology creates durable exchanges and queues and binds them.
func DeclareTopology(d Declarer, t Topology) error {
	for _, ex := range t.Exchanges {
		if err := d.ExchangeDeclare(ex.Name, string(ex.Kind), true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.Name, err)
		}
	}
	for _, q := range t.Queues {
		if _, err := d.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
	}
	for _, b := range t.Bindings {
		if err := d.QueueBind(b.Queue, b.Key, b.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s/%s: %w", b.Queue, b.Exchange, b.Key, err)
		}
	}
	return nil
}

func (g *Gateway) supervise(conn connection, connClosed, chClosed chan *amqp.Error) {
	select {
	case <-g.life.Done():
		return
	case err := <-connClosed:
		g.log.Warn().Err(amqpErr(err)).Msg("Broker connection lost")
	case err := <-chClosed:
		g.log.Warn().Err(amqpErr(err)).Msg("Broker channel closed")
		conn.Close()
	}

	g.mu.Lock()
	if g.closed || g.connecting {
		g.mu.Unlock()
		return
	}
	g.connecting = true
	g.mu.Unlock()
	g.redial()
}

func (g *Gateway) redial() {
	for {
		select {
		case <-g.life.Done():
			return
		case <-time.After(g.reconnectDelay):
		}

		err := g.establish(g.life)
		if err == nil || errors.Is(err, ErrClosed) || g.life.Err() != nil {
			return
		}
		g.log.Error().Err(err).Dur("retry_in", g.reconnectDelay).Msg("Broker reconnect failed")
	}
}

// liveConsumersLocked drops registrations whose context has ended and returns
// the rest.
func (g *Gateway) liveConsumersLocked() []*consumer {
	live := g.consumers[:0]
	for _, c := range g.consumers {
		if c.ctx.Err() == nil {
			live = append(live, c)
		}
	}
	g.consumers = live
	return append([]*consumer(nil), live...)
}

// Publish sends a persistent message and waits for the broker's confirm.
// It never logs: the telemetry exporter publishes through it.
func (g *Gateway) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	g.mu.Lock()
	ch, closed, live := g.ch, g.closed, g.liveLocked()
	g.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if !live {
		return fmt.Errorf("publish %s/%s: %w", exchange, routingKey, ErrUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish %s/%s: %w: %w", exchange, routingKey, ErrUnavailable, err)
	}

	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s/%s: %w: %w", exchange, routingKey, ErrUnavailable, err)
	}
	if conf == nil {
		return nil
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("publish %s/%s: %w: %w", exchange, routingKey, ErrUnavailable, err)
	}
	if !acked {
		return fmt.Errorf("publish %s/%s: %w: nacked by broker", exchange, routingKey, ErrUnavailable)
	}
	return nil
}

// Consume registers h on queue. The registration survives reconnects until
// ctx is done. While the broker is down it is only recorded and starts on
// the next connection.
func (g *Gateway) Consume(ctx context.Context, queue string, h Handler) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	c := &consumer{ctx: ctx, queue: queue, handler: h}
	g.consumers = append(g.consumers, c)
	ch, live := g.ch, g.liveLocked()
	g.mu.Unlock()

	if !live {
		g.log.Warn().Str("queue", queue).Msg("Broker not connected, consumer will start after reconnect")
		return nil
	}
	if err := g.start(ch, c); err != nil {
		if ch.IsClosed() {
			g.log.Warn().Err(err).Str("queue", queue).Msg("Channel dropped while consuming, consumer will start after reconnect")
			return nil
		}
		return err
	}
	return nil
}

func (g *Gateway) start(ch channel, c *consumer) error {
	deliveries, err := ch.ConsumeWithContext(c.ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w: %w", c.queue, ErrUnavailable, err)
	}

	g.wg.Go(func() {
		for d := range deliveries {
			if err := c.handler(c.ctx, d.Body); err != nil {
				if rerr := d.Reject(false); rerr != nil {
					g.log.Warn().Err(rerr).Str("queue", c.queue).Msg("Reject failed, outcome left to recovery")
				}
				continue
			}
			if aerr := d.Ack(false); aerr != nil {
				g.log.Warn().Err(aerr).Str("queue", c.queue).Msg("Ack failed, outcome left to recovery")
			}
		}
	})
	g.log.Info().Str("queue", c.queue).Msg("Consumer started")
	return nil
}

func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.stop()
	conn := g.conn
	g.mu.Unlock()

	var err error
	if conn != nil && !conn.IsClosed() {
		err = conn.Close()
	}
	g.wg.Wait()
	return err
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	return u.Redacted()
}

func amqpErr(err *amqp.Error) error {
	if err == nil {
		return errors.New("closed")
	}
	return err
}
