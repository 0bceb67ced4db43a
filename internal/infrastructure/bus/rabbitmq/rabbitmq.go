// Package rabbitmq implements bus.Bus over AMQP 0-9-1.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"gozon-saga/internal/infrastructure/bus"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

var ErrNotConfirmed = errors.New("rabbitmq: broker nacked publish")

// Topology names the durable objects behind the logical routes.
type Topology struct {
	RequestQueue       string
	StatusExchange     string
	StatusQueue        string
	DeadLetterExchange string
}

func DefaultTopology() Topology {
	return Topology{
		RequestQueue:       "order_payment_queue",
		StatusExchange:     "payment_status_exchange",
		StatusQueue:        "payment_status_queue",
		DeadLetterExchange: "gozon.dead_letter",
	}
}

type Config struct {
	URL      string
	Prefetch int
	// Confirms makes Publish wait for the broker to confirm the message.
	Confirms bool
	Topology Topology
}

type Bus struct {
	conn *amqp.Connection
	cfg  Config

	// pubMu serializes use of pub, which amqp does not allow concurrently.
	pubMu sync.Mutex
	pub   *amqp.Channel

	lost     chan struct{}
	lostOnce sync.Once
}

// Dialer returns a bus.Dialer for bus.Connect. Every attempt dials a fresh
// connection and declares the topology.
func Dialer(cfg Config) bus.Dialer {
	return func(ctx context.Context) (bus.Bus, error) {
		return Open(ctx, cfg)
	}
}

func Open(ctx context.Context, cfg Config) (*Bus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if err := declare(ch, cfg.Topology); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if cfg.Confirms {
		if err := ch.Confirm(false); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
		}
	}
	b := &Bus{conn: conn, cfg: cfg, pub: ch, lost: make(chan struct{})}
	go b.watch(conn.NotifyClose(make(chan *amqp.Error, 1)), ch.NotifyClose(make(chan *amqp.Error, 1)))
	return b, nil
}

// watch marks the bus lost once the connection or the publish channel goes
// away. Both notifications close their channel on any shutdown.
func (b *Bus) watch(conn, pub <-chan *amqp.Error) {
	select {
	case <-conn:
	case <-pub:
	}
	b.lostOnce.Do(func() { close(b.lost) })
}

// Closed is closed once the bus can no longer publish or deliver, after
// Close or after the broker dropped the connection.
func (b *Bus) Closed() <-chan struct{} {
	return b.lost
}

// declare is idempotent: redeclaring an object with the same arguments is a
// no-op on the broker.
func declare(ch *amqp.Channel, t Topology) error {
	if err := ch.ExchangeDeclare(t.DeadLetterExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", t.DeadLetterExchange, err)
	}
	if err := ch.ExchangeDeclare(t.StatusExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", t.StatusExchange, err)
	}

	for _, queue := range []string{t.RequestQueue, t.StatusQueue} {
		dead := deadQueue(queue)
		if _, err := ch.QueueDeclare(dead, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", dead, err)
		}
		if err := ch.QueueBind(dead, dead, t.DeadLetterExchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", dead, err)
		}
		args := amqp.Table{
			"x-dead-letter-exchange":    t.DeadLetterExchange,
			"x-dead-letter-routing-key": dead,
		}
		if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", queue, err)
		}
	}
	if err := ch.QueueBind(t.StatusQueue, "", t.StatusExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", t.StatusQueue, err)
	}
	return nil
}

func deadQueue(queue string) string {
	return queue + ".dead"
}

// target maps a route to the exchange and routing key it publishes to.
func (b *Bus) target(route bus.Route) (exchange, key string, err error) {
	switch route {
	case bus.RoutePaymentRequests:
		return "", b.cfg.Topology.RequestQueue, nil
	case bus.RoutePaymentStatuses:
		return b.cfg.Topology.StatusExchange, "", nil
	}
	return "", "", fmt.Errorf("%w: %s", bus.ErrUnknownRoute, route)
}

func (b *Bus) queue(route bus.Route) (string, error) {
	switch route {
	case bus.RoutePaymentRequests:
		return b.cfg.Topology.RequestQueue, nil
	case bus.RoutePaymentStatuses:
		return b.cfg.Topology.StatusQueue, nil
	}
	return "", fmt.Errorf("%w: %s", bus.ErrUnknownRoute, route)
}

func (b *Bus) Publish(ctx context.Context, route bus.Route, msg bus.Message) error {
	exchange, key, err := b.target(route)
	if err != nil {
		return err
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	confirm, err := b.pub.PublishWithDeferredConfirmWithContext(ctx,
		exchange,
		key,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			MessageId:    msg.ID,
			Type:         msg.Type,
			ContentType:  "application/json",
			Body:         msg.Payload,
			DeliveryMode: amqp.Persistent,
		})
	if err != nil {
		return fmt.Errorf("failed to publish message %s: %w", msg.ID, err)
	}
	// confirm is nil when the channel is not in confirm mode.
	if confirm == nil {
		return nil
	}
	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to confirm message %s: %w", msg.ID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConfirmed, msg.ID)
	}
	return nil
}

// Subscribe opens a dedicated channel for route. When ctx is done the
// consumer is cancelled but the channel stays open until the deliveries
// already handed out are settled or the bus closes.
func (b *Bus) Subscribe(ctx context.Context, route bus.Route) (<-chan bus.Delivery, error) {
	queue, err := b.queue(route)
	if err != nil {
		return nil, err
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if b.cfg.Prefetch > 0 {
		if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("failed to set qos: %w", err)
		}
	}

	tag := "gozon-" + queue
	msgs, err := ch.Consume(
		queue,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to register a consumer: %w", err)
	}

	out := make(chan bus.Delivery)
	go func() {
		defer close(out)
		stop := context.AfterFunc(ctx, func() { _ = ch.Cancel(tag, false) })
		defer stop()
		for d := range msgs {
			select {
			case out <- toDelivery(d):
			case <-ctx.Done():
				_ = d.Nack(false, true)
			}
		}
	}()
	return out, nil
}

func toDelivery(d amqp.Delivery) bus.Delivery {
	return bus.NewDelivery(
		bus.Message{ID: d.MessageId, Type: d.Type, Payload: d.Body},
		func(context.Context) error { return d.Ack(false) },
		func(_ context.Context, requeue bool) error { return d.Nack(false, requeue) },
	)
}

// Close closes the connection and every channel on it. Unsettled deliveries
// are requeued by the broker.
func (b *Bus) Close() error {
	defer b.lostOnce.Do(func() { close(b.lost) })
	if err := b.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}
