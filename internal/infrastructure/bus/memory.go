package bus

import (
	"context"
	"slices"
	"sync"
)

// Memory is a process-local Bus. Every route is one durable queue shared by
// its subscribers, each of which holds at most one unsettled delivery,
// like a broker channel with prefetch 1. A delivery that is still unsettled
// when the bus closes goes back to the head of its queue.
type Memory struct {
	mu         sync.Mutex
	queues     map[Route][]Message
	signal     chan struct{}
	inFlight   int
	published  []Published
	dead       []Published
	publishErr []error
	closed     chan struct{}
	closeOnce  sync.Once
}

// Published is a message together with the route it went to.
type Published struct {
	Route   Route
	Message Message
}

func NewMemory() *Memory {
	return &Memory{
		queues: make(map[Route][]Message),
		signal: make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// FailPublish makes the next len(errs) publishes fail, in order.
func (b *Memory) FailPublish(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = append(b.publishErr, errs...)
}

func (b *Memory) Publish(ctx context.Context, route Route, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}
	if len(b.publishErr) > 0 {
		err := b.publishErr[0]
		b.publishErr = b.publishErr[1:]
		return err
	}
	msg.Payload = slices.Clone(msg.Payload)
	b.published = append(b.published, Published{Route: route, Message: msg})
	b.queues[route] = append(b.queues[route], msg)
	b.wakeLocked()
	return nil
}

// wakeLocked releases every goroutine waiting for a message.
func (b *Memory) wakeLocked() {
	close(b.signal)
	b.signal = make(chan struct{})
}

func (b *Memory) Subscribe(ctx context.Context, route Route) (<-chan Delivery, error) {
	select {
	case <-b.closed:
		return nil, ErrClosed
	default:
	}
	out := make(chan Delivery)
	go b.pump(ctx, route, out)
	return out, nil
}

func (b *Memory) pump(ctx context.Context, route Route, out chan<- Delivery) {
	defer close(out)
	for {
		msg, ok := b.take(ctx, route)
		if !ok {
			return
		}

		settled := make(chan struct{})
		var once sync.Once
		settle := func(fn func()) {
			once.Do(func() {
				b.mu.Lock()
				fn()
				b.inFlight--
				b.wakeLocked()
				b.mu.Unlock()
				close(settled)
			})
		}
		d := NewDelivery(msg,
			func(context.Context) error {
				settle(func() {})
				return nil
			},
			func(_ context.Context, requeue bool) error {
				settle(func() {
					if requeue {
						b.queues[route] = append(b.queues[route], msg)
						return
					}
					b.dead = append(b.dead, Published{Route: route, Message: msg})
				})
				return nil
			},
		)

		select {
		case out <- d:
		case <-ctx.Done():
			settle(func() { b.queues[route] = append([]Message{msg}, b.queues[route]...) })
			return
		case <-b.closed:
			settle(func() { b.queues[route] = append([]Message{msg}, b.queues[route]...) })
			return
		}

		select {
		case <-settled:
		case <-b.closed:
			settle(func() { b.queues[route] = append([]Message{msg}, b.queues[route]...) })
			return
		}
	}
}

// take pops the head of route's queue, waiting until one is available.
func (b *Memory) take(ctx context.Context, route Route) (Message, bool) {
	for {
		b.mu.Lock()
		if q := b.queues[route]; len(q) > 0 {
			msg := q[0]
			b.queues[route] = q[1:]
			b.inFlight++
			b.mu.Unlock()
			return msg, true
		}
		signal := b.signal
		b.mu.Unlock()

		select {
		case <-signal:
		case <-ctx.Done():
			return Message{}, false
		case <-b.closed:
			return Message{}, false
		}
	}
}

// Idle reports whether every queue is empty and no delivery is unsettled.
func (b *Memory) Idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inFlight > 0 {
		return false
	}
	for _, q := range b.queues {
		if len(q) > 0 {
			return false
		}
	}
	return true
}

// Published returns every successful publish in order.
func (b *Memory) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.published)
}

// DeadLetters returns the messages nacked without requeue.
func (b *Memory) DeadLetters() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.dead)
}

// Closed is closed by Close.
func (b *Memory) Closed() <-chan struct{} {
	return b.closed
}

func (b *Memory) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}
