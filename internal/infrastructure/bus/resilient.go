package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// minResubscribeDelay bounds how fast a dropped subscription is reopened.
const minResubscribeDelay = 10 * time.Millisecond

// Resilient is a Bus that outlives its connection. When the current bus
// reports itself lost it is replaced by a new one from Connect, dialed with
// the same policy, and every subscription moves over. Only a reconnect that
// runs out of attempts fails it: publishes then return the connect error and
// subscriptions close.
//
// Buses that are not Watchable are used as they are.
type Resilient struct {
	logger *slog.Logger
	dial   Dialer
	policy RetryPolicy

	// ctx outlives the dial context and is cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	current Bus
	changed chan struct{} // closed and replaced on every swap
	err     error

	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects like Connect and keeps the connection alive afterwards.
// Failing to connect here is still fatal for the caller.
func Dial(ctx context.Context, logger *slog.Logger, dial Dialer, policy RetryPolicy) (*Resilient, error) {
	b, err := Connect(ctx, logger, dial, policy)
	if err != nil {
		return nil, err
	}
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &Resilient{
		logger:  logger,
		dial:    dial,
		policy:  policy,
		ctx:     rctx,
		cancel:  cancel,
		current: b,
		changed: make(chan struct{}),
		closed:  make(chan struct{}),
	}
	go r.watch(b)
	return r, nil
}

func (r *Resilient) state() (Bus, <-chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, r.changed, r.err
}

func (r *Resilient) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

func (r *Resilient) watch(b Bus) {
	for {
		w, ok := b.(Watchable)
		if !ok {
			return
		}
		select {
		case <-w.Closed():
		case <-r.closed:
			return
		}
		if r.isClosed() {
			return
		}
		_ = b.Close()

		r.logger.WarnContext(r.ctx, "bus connection lost, reconnecting", "module", "bus", "operation", "reconnect")
		next, err := Connect(r.ctx, r.logger, r.dial, r.policy)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			r.logger.ErrorContext(r.ctx, "bus reconnect gave up", "module", "bus", "operation", "reconnect", "error", err)
			r.mu.Lock()
			r.err = err
			close(r.changed)
			r.mu.Unlock()
			return
		}

		r.mu.Lock()
		if r.isClosed() {
			r.mu.Unlock()
			_ = next.Close()
			return
		}
		r.current = next
		close(r.changed)
		r.changed = make(chan struct{})
		r.mu.Unlock()
		b = next
	}
}

// Publish goes to the current bus. While a reconnect is in progress it fails
// the way the lost bus fails, so the caller retries later.
func (r *Resilient) Publish(ctx context.Context, route Route, msg Message) error {
	if r.isClosed() {
		return ErrClosed
	}
	b, _, err := r.state()
	if err != nil {
		return err
	}
	return b.Publish(ctx, route, msg)
}

// Subscribe streams deliveries across reconnects. The channel closes when
// ctx is done, when r is closed or when reconnecting gave up.
func (r *Resilient) Subscribe(ctx context.Context, route Route) (<-chan Delivery, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}
	b, changed, err := r.state()
	if err != nil {
		return nil, err
	}
	in, err := b.Subscribe(ctx, route)
	switch {
	case errors.Is(err, ErrClosed):
		// lost already; the watcher brings a new bus
		in = nil
	case err != nil:
		return nil, err
	}

	out := make(chan Delivery)
	go r.forward(ctx, route, in, changed, out)
	return out, nil
}

func (r *Resilient) forward(ctx context.Context, route Route, in <-chan Delivery, changed <-chan struct{}, out chan<- Delivery) {
	defer close(out)
	for {
		if in != nil && !pipe(ctx, in, out) {
			return
		}
		if !r.pause(ctx, changed) {
			return
		}

		b, next, err := r.state()
		if err != nil {
			return
		}
		changed = next
		in, err = b.Subscribe(ctx, route)
		if err != nil {
			in = nil
			if !errors.Is(err, ErrClosed) {
				r.logger.WarnContext(ctx, "resubscribe failed", "module", "bus", "operation", "subscribe", "route", string(route), "error", err)
			}
		}
	}
}

// pipe forwards until in closes and reports whether ctx is still alive.
func pipe(ctx context.Context, in <-chan Delivery, out chan<- Delivery) bool {
	for d := range in {
		select {
		case out <- d:
		case <-ctx.Done():
			_ = d.Nack(context.WithoutCancel(ctx), true)
			return false
		}
	}
	return ctx.Err() == nil
}

// pause waits for the next swap or the resubscribe delay, whichever comes
// first, and reports whether the subscription should go on.
func (r *Resilient) pause(ctx context.Context, changed <-chan struct{}) bool {
	t := time.NewTimer(max(r.policy.InitialDelay, minResubscribeDelay))
	defer t.Stop()
	select {
	case <-changed:
	case <-t.C:
	case <-ctx.Done():
		return false
	case <-r.closed:
		return false
	}
	return true
}

// Close stops reconnecting and closes the current bus.
func (r *Resilient) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		close(r.closed)
		b := r.current
		r.mu.Unlock()
		r.cancel()
		err = b.Close()
	})
	return err
}
