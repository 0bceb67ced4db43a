package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var ErrConnectExhausted = errors.New("bus: connect attempts exhausted")

// Dialer makes one connection attempt and declares the topology.
type Dialer func(ctx context.Context) (Bus, error)

type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Step         time.Duration
	MaxDelay     time.Duration

	// Timer drives the waits between attempts; nil means real time.
	Timer backoff.Timer
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  30,
		InitialDelay: 3 * time.Second,
		Step:         time.Second,
		MaxDelay:     10 * time.Second,
	}
}

// linearBackOff waits InitialDelay, then Step longer after every failure,
// never more than MaxDelay.
type linearBackOff struct {
	initial, step, max time.Duration
	next               time.Duration
}

func (b *linearBackOff) Reset() {
	b.next = b.initial
}

func (b *linearBackOff) NextBackOff() time.Duration {
	d := b.next
	b.next = min(b.next+b.step, b.max)
	return d
}

// Connect dials until it succeeds or the policy runs out of attempts.
// Exhaustion is fatal for the caller: the service must not start without a bus.
func Connect(ctx context.Context, logger *slog.Logger, dial Dialer, policy RetryPolicy) (Bus, error) {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	var b backoff.BackOff = &linearBackOff{
		initial: policy.InitialDelay,
		step:    policy.Step,
		max:     policy.MaxDelay,
	}
	b = backoff.WithContext(backoff.WithMaxRetries(b, uint64(policy.MaxAttempts-1)), ctx)

	attempt := 0
	var conn Bus
	op := func() error {
		attempt++
		c, err := dial(ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.WarnContext(ctx, "bus connect failed, retrying",
			"module", "bus",
			"operation", "connect",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"retry_in", wait.String(),
			"error", err,
		)
	}

	if err := backoff.RetryNotifyWithTimer(op, b, notify, policy.Timer); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("bus connect: %w", ctxErr)
		}
		return nil, fmt.Errorf("%w after %d attempts: %v", ErrConnectExhausted, attempt, err)
	}
	logger.InfoContext(ctx, "bus connected", "module", "bus", "operation", "connect", "attempts", attempt)
	return conn, nil
}
