package worker

import (
	"context"
	"database/sql"
	"fmt"
	"gozon-saga/internal/database"
	"gozon-saga/internal/domain"
	"gozon-saga/internal/infrastructure/bus"
	"gozon-saga/internal/repo"
	"log/slog"
	"time"
)

type RelayConfig struct {
	Interval  time.Duration
	BatchSize int
	// Lease is how long a claimed row stays invisible to other relays.
	Lease time.Duration
	// PublishTimeout bounds one publish, broker confirm included. Ticks
	// outlive cancellation, so this is what bounds shutdown.
	PublishTimeout time.Duration
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Interval:       5 * time.Second,
		BatchSize:      100,
		Lease:          30 * time.Second,
		PublishTimeout: 10 * time.Second,
	}
}

// OutboxRelay publishes unsent outbox rows, oldest first, and marks them
// sent. Delivery is at least once: a row whose publish succeeded but whose
// mark failed is published again with the same message id.
type OutboxRelay struct {
	uow       database.TxRunner
	outbox    repo.OutboxRepo
	publisher bus.Publisher
	routes    map[string]bus.Route
	cfg       RelayConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewOutboxRelay publishes each message type to routes[type]. Rows of any
// other type are recorded as failed.
func NewOutboxRelay(
	uow database.TxRunner,
	outbox repo.OutboxRepo,
	publisher bus.Publisher,
	routes map[string]bus.Route,
	cfg RelayConfig,
	logger *slog.Logger,
) *OutboxRelay {
	return &OutboxRelay{
		uow:       uow,
		outbox:    outbox,
		publisher: publisher,
		routes:    routes,
		cfg:       cfg,
		logger:    logger.With("module", "outbox_relay"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run ticks until ctx is done. A tick already running when ctx is cancelled
// is finished first.
func (rw *OutboxRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(rw.cfg.Interval)
	defer ticker.Stop()

	rw.logger.InfoContext(ctx, "outbox relay started", "interval", rw.cfg.Interval.String())

	for {
		select {
		case <-ctx.Done():
			rw.logger.InfoContext(ctx, "outbox relay stopped")
			return nil
		case <-ticker.C:
			if _, _, err := rw.ProcessOnce(context.WithoutCancel(ctx)); err != nil {
				rw.logger.ErrorContext(ctx, "outbox tick failed", "operation", "claim", "error", err)
			}
		}
	}
}

// ProcessOnce runs one tick. err is only set when no rows could be claimed;
// per-row failures are counted in failed.
func (rw *OutboxRelay) ProcessOnce(ctx context.Context) (published, failed int, err error) {
	msgs, err := rw.outbox.ClaimUnsent(ctx, rw.cfg.BatchSize, rw.cfg.Lease, rw.now())
	if err != nil {
		return 0, 0, fmt.Errorf("claim outbox rows: %w", err)
	}
	if len(msgs) == 0 {
		return 0, 0, nil
	}

	for _, msg := range msgs {
		if err := rw.relay(ctx, msg); err != nil {
			failed++
			rw.logger.ErrorContext(ctx, "outbox publish failed",
				"operation", "publish",
				"outcome", "failure",
				"outbox_id", msg.ID.String(),
				"message_type", msg.MessageType,
				"attempt", msg.Attempts+1,
				"error", err,
			)
			if markErr := rw.outbox.MarkFailed(ctx, msg.ID, err.Error(), rw.now()); markErr != nil {
				rw.logger.ErrorContext(ctx, "outbox mark failed", "outbox_id", msg.ID.String(), "error", markErr)
			}
			continue
		}
		published++
	}

	rw.logger.InfoContext(ctx, "outbox tick done", "operation", "relay", "published", published, "failed", failed)
	return published, failed, nil
}

func (rw *OutboxRelay) relay(ctx context.Context, msg domain.OutboxMessage) error {
	route, ok := rw.routes[msg.MessageType]
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownMessageType, msg.MessageType)
	}

	pubCtx, cancel := ctx, context.CancelFunc(func() {})
	if rw.cfg.PublishTimeout > 0 {
		pubCtx, cancel = context.WithTimeout(ctx, rw.cfg.PublishTimeout)
	}
	err := rw.publisher.Publish(pubCtx, route, bus.Message{
		ID:      msg.ID.String(),
		Type:    msg.MessageType,
		Payload: msg.Payload,
	})
	cancel()
	if err != nil {
		return err
	}

	return rw.uow.WithTx(ctx, func(tx *sql.Tx) error {
		if err := rw.outbox.MarkSent(ctx, tx, msg.ID, rw.now()); err != nil {
			return fmt.Errorf("mark sent: %w", err)
		}
		return nil
	})
}
