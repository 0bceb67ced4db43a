// Package kafka implements bus.Bus over Kafka topics.
//
// Kafka has no per-message nack, so Nack re-produces the record (to its own
// topic when requeued, to the dead-letter topic otherwise) and then commits
// the original offset.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"gozon-saga/internal/infrastructure/bus"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	headerMessageID   = "message-id"
	headerMessageType = "message-type"
)

type Topics struct {
	Requests string
	Statuses string
}

func DefaultTopics() Topics {
	return Topics{
		Requests: "order_payment_requests",
		Statuses: "payment_status_events",
	}
}

type Config struct {
	Brokers []string
	GroupID string
	Topics  Topics
}

type Bus struct {
	cfg    Config
	writer *kafka.Writer

	mu      sync.Mutex
	readers []*kafka.Reader
	closed  chan struct{}
	once    sync.Once
}

func Dialer(cfg Config) bus.Dialer {
	return func(ctx context.Context) (bus.Bus, error) {
		return Open(ctx, cfg)
	}
}

// Open checks the brokers are reachable and creates the topics that are
// missing.
func Open(ctx context.Context, cfg Config) (*Bus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka bus requires at least one broker")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka bus requires group id")
	}
	if err := createTopics(ctx, cfg.Brokers[0], cfg.Topics); err != nil {
		return nil, err
	}
	return &Bus{
		cfg: cfg,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		closed: make(chan struct{}),
	}, nil
}

func createTopics(ctx context.Context, broker string, topics Topics) error {
	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		return fmt.Errorf("dial kafka %s: %w", broker, err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("find kafka controller: %w", err)
	}
	var dialer kafka.Dialer
	ctrl, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial kafka controller: %w", err)
	}
	defer ctrl.Close()

	var configs []kafka.TopicConfig
	for _, name := range []string{topics.Requests, topics.Statuses} {
		for _, topic := range []string{name, deadTopic(name)} {
			configs = append(configs, kafka.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1})
		}
	}
	if err := ctrl.CreateTopics(configs...); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("create kafka topics: %w", err)
	}
	return nil
}

func deadTopic(topic string) string {
	return topic + ".dead"
}

func (b *Bus) topic(route bus.Route) (string, error) {
	switch route {
	case bus.RoutePaymentRequests:
		return b.cfg.Topics.Requests, nil
	case bus.RoutePaymentStatuses:
		return b.cfg.Topics.Statuses, nil
	}
	return "", fmt.Errorf("%w: %s", bus.ErrUnknownRoute, route)
}

func (b *Bus) Publish(ctx context.Context, route bus.Route, msg bus.Message) error {
	topic, err := b.topic(route)
	if err != nil {
		return err
	}
	return b.write(ctx, topic, msg)
}

func (b *Bus) write(ctx context.Context, topic string, msg bus.Message) error {
	err := b.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(msg.ID),
		Value: msg.Payload,
		Headers: []kafka.Header{
			{Key: headerMessageID, Value: []byte(msg.ID)},
			{Key: headerMessageType, Value: []byte(msg.Type)},
		},
		Time: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("write %s to %s: %w", msg.ID, topic, err)
	}
	return nil
}

// Subscribe reads route's topic in the configured consumer group. The next
// record is fetched only after the previous delivery is settled, so offsets
// are committed in order.
func (b *Bus) Subscribe(ctx context.Context, route bus.Route) (<-chan bus.Delivery, error) {
	topic, err := b.topic(route)
	if err != nil {
		return nil, err
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.cfg.Brokers,
		GroupID:  b.cfg.GroupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	b.mu.Lock()
	b.readers = append(b.readers, reader)
	b.mu.Unlock()

	out := make(chan bus.Delivery)
	go func() {
		defer close(out)
		for {
			record, err := reader.FetchMessage(ctx)
			if err != nil {
				return
			}
			settled := make(chan bool, 1)
			d := b.delivery(reader, topic, record, settled)
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
			// A record that could not be settled ends the subscription, so
			// the group redelivers it from the last committed offset.
			select {
			case ok := <-settled:
				if !ok {
					return
				}
			case <-b.closed:
				return
			}
		}
	}()
	return out, nil
}

func (b *Bus) delivery(reader *kafka.Reader, topic string, record kafka.Message, settled chan<- bool) bus.Delivery {
	msg := bus.Message{Payload: record.Value}
	for _, h := range record.Headers {
		switch h.Key {
		case headerMessageID:
			msg.ID = string(h.Value)
		case headerMessageType:
			msg.Type = string(h.Value)
		}
	}

	var once sync.Once
	settle := func(ok bool) {
		once.Do(func() { settled <- ok })
	}
	commit := func(ctx context.Context) error {
		err := reader.CommitMessages(ctx, record)
		settle(err == nil)
		return err
	}
	return bus.NewDelivery(msg,
		commit,
		func(ctx context.Context, requeue bool) error {
			target := topic
			if !requeue {
				target = deadTopic(topic)
			}
			if err := b.write(ctx, target, msg); err != nil {
				settle(false)
				return err
			}
			return commit(ctx)
		},
	)
}

func (b *Bus) Close() error {
	b.once.Do(func() { close(b.closed) })
	b.mu.Lock()
	readers := b.readers
	b.readers = nil
	b.mu.Unlock()

	var errs []error
	for _, r := range readers {
		errs = append(errs, r.Close())
	}
	errs = append(errs, b.writer.Close())
	return errors.Join(errs...)
}
