// Package bus is the boundary between the sagas and the message broker.
//
// Delivery is at least once: a Delivery that is neither acked nor nacked is
// redelivered after the subscription goes away, so consumers deduplicate by
// Message.ID.
package bus

import (
	"context"
	"errors"
)

// Route names a logical channel. Adapters map routes to their own topology.
type Route string

const (
	// RoutePaymentRequests carries OrderPaymentRequest from orders to payments.
	RoutePaymentRequests Route = "payment.requests"
	// RoutePaymentStatuses fans PaymentStatusEvent out to the order side.
	RoutePaymentStatuses Route = "payment.statuses"
)

var (
	ErrClosed       = errors.New("bus: closed")
	ErrUnknownRoute = errors.New("bus: unknown route")
)

type Message struct {
	ID      string
	Type    string
	Payload []byte
}

type Delivery struct {
	Message

	ack  func(ctx context.Context) error
	nack func(ctx context.Context, requeue bool) error
}

func NewDelivery(msg Message, ack func(ctx context.Context) error, nack func(ctx context.Context, requeue bool) error) Delivery {
	return Delivery{Message: msg, ack: ack, nack: nack}
}

// Ack confirms the message was fully processed.
func (d Delivery) Ack(ctx context.Context) error {
	return d.ack(ctx)
}

// Nack rejects the message. With requeue it is delivered again; without it
// the broker dead-letters it.
func (d Delivery) Nack(ctx context.Context, requeue bool) error {
	return d.nack(ctx, requeue)
}

type Publisher interface {
	Publish(ctx context.Context, route Route, msg Message) error
}

type Subscriber interface {
	// Subscribe streams deliveries until ctx is done or the connection
	// drops, then closes the channel.
	Subscribe(ctx context.Context, route Route) (<-chan Delivery, error)
}

type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// Watchable is implemented by buses that can tell when their connection is
// gone for good. The channel is closed once nothing more can be published or
// delivered.
type Watchable interface {
	Closed() <-chan struct{}
}
