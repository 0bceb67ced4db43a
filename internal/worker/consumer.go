package worker

import (
	"context"
	"errors"
	"fmt"
	"gozon-saga/internal/infrastructure/bus"
	"log/slog"
	"time"
)

var ErrSubscriptionClosed = errors.New("subscription closed by the bus")

type Handler interface {
	Handle(ctx context.Context, msg bus.Message) error
}

type HandlerFunc func(ctx context.Context, msg bus.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg bus.Message) error {
	return f(ctx, msg)
}

// Consumer feeds every delivery of one route to a handler and settles it
// by the class of the handler's error: nil acks, poison dead-letters,
// anything else requeues.
type Consumer struct {
	sub     bus.Subscriber
	route   bus.Route
	handler Handler
	logger  *slog.Logger

	// RetryDelay is waited before a retryable failure is requeued.
	RetryDelay time.Duration
}

func NewConsumer(sub bus.Subscriber, route bus.Route, handler Handler, logger *slog.Logger) *Consumer {
	return &Consumer{
		sub:        sub,
		route:      route,
		handler:    handler,
		logger:     logger.With("module", "consumer", "route", string(route)),
		RetryDelay: time.Second,
	}
}

// Run returns nil once ctx is done and the in-flight message is settled.
// A subscription the bus ends is reopened after RetryDelay. Run fails with
// ErrSubscriptionClosed only once the bus is closed or cannot reconnect.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		deliveries, err := c.sub.Subscribe(ctx, c.route)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			c.logger.InfoContext(ctx, "consumer stopped")
			return nil
		case errors.Is(err, bus.ErrClosed), Classify(err) == Fatal:
			return fmt.Errorf("%s: %w: %w", c.route, ErrSubscriptionClosed, err)
		case errors.Is(err, bus.ErrUnknownRoute):
			return fmt.Errorf("subscribe %s: %w", c.route, err)
		default:
			c.logger.WarnContext(ctx, "subscribe failed, retrying",
				"operation", "subscribe",
				"retry_in", c.RetryDelay.String(),
				"error", err,
			)
			if !wait(ctx, c.RetryDelay) {
				c.logger.InfoContext(ctx, "consumer stopped")
				return nil
			}
			continue
		}

		c.logger.InfoContext(ctx, "consumer started")
		for d := range deliveries {
			c.handle(ctx, d)
		}
		if ctx.Err() != nil {
			c.logger.InfoContext(ctx, "consumer stopped")
			return nil
		}

		c.logger.WarnContext(ctx, "subscription ended by the bus, resubscribing", "operation", "subscribe")
		if !wait(ctx, c.RetryDelay) {
			c.logger.InfoContext(ctx, "consumer stopped")
			return nil
		}
	}
}

// handle settles d even when ctx is cancelled meanwhile: a message that was
// handed to us is finished during shutdown. Only the requeue delay is cut
// short.
func (c *Consumer) handle(ctx context.Context, d bus.Delivery) {
	log := c.logger.With("message_id", d.ID, "message_type", d.Type)
	work := context.WithoutCancel(ctx)

	err := c.handler.Handle(work, d.Message)
	if err == nil {
		if ackErr := d.Ack(work); ackErr != nil {
			log.ErrorContext(work, "ack failed", "operation", "ack", "error", ackErr)
		}
		return
	}

	class := Classify(err)
	requeue := class != Poison
	log.ErrorContext(work, "message handling failed",
		"operation", "handle",
		"outcome", class.String(),
		"requeue", requeue,
		"error", err,
	)
	if requeue {
		wait(ctx, c.RetryDelay)
	}
	if nackErr := d.Nack(work, requeue); nackErr != nil {
		log.ErrorContext(work, "nack failed", "operation", "nack", "error", nackErr)
	}
}

// wait sleeps for d and reports false if ctx ended first.
func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
