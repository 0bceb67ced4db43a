package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"gozon-saga/internal/database"
	"gozon-saga/internal/domain"
	"gozon-saga/internal/repo"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// StatusNotifier pushes a settled order status to its watchers.
type StatusNotifier interface {
	Notify(ctx context.Context, orderID uuid.UUID, status domain.OrderStatus) error
}

const notifyTimeout = 5 * time.Second

type OrderService interface {
	CreateOrder(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, description string) (*domain.Order, error)
	GetOrders(ctx context.Context, userID uuid.UUID) ([]domain.Order, error)
	// GetOrder returns ErrOrderNotFound when the order belongs to someone else.
	GetOrder(ctx context.Context, orderID, userID uuid.UUID) (*domain.Order, error)
	// ProcessPaymentStatus settles the order named by one PaymentStatusEvent
	// delivery.
	ProcessPaymentStatus(ctx context.Context, messageID, messageType string, payload []byte) error
}

type orderService struct {
	uow      database.TxRunner
	repos    repo.OrderRepositories
	inbox    *InboxDeduplicator
	notifier StatusNotifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewOrderService(uow database.TxRunner, repos repo.OrderRepositories, notifier StatusNotifier, logger *slog.Logger) OrderService {
	return &orderService{
		uow:      uow,
		repos:    repos,
		inbox:    NewInboxDeduplicator(repos.Inbox),
		notifier: notifier,
		logger:   logger.With("module", "order"),
		now:      utcNow,
	}
}

func (s *orderService) CreateOrder(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, description string) (*domain.Order, error) {
	if err := domain.ValidateAmount(amount); err != nil {
		return nil, err
	}
	now := s.now()
	order := &domain.Order{
		ID:          uuid.New(),
		UserID:      userID,
		Amount:      amount,
		Description: description,
		Status:      domain.OrderNew,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	msg, err := domain.NewOutboxMessage(domain.MessageTypeOrderPaymentRequest, domain.OrderPaymentRequest{
		OrderID: order.ID,
		UserID:  order.UserID,
		Amount:  order.Amount,
	}, now)
	if err != nil {
		return nil, err
	}

	// the order and its payment request commit together or not at all
	err = s.uow.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.repos.Orders.CreateOrder(ctx, tx, order); err != nil {
			return fmt.Errorf("save order: %w", err)
		}
		if err := s.repos.Outbox.Enqueue(ctx, tx, msg); err != nil {
			return fmt.Errorf("enqueue payment request: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	s.logger.InfoContext(ctx, "order created",
		"operation", "create_order",
		"order_id", order.ID.String(),
		"user_id", userID.String(),
		"amount", amount.String(),
		"outbox_id", msg.ID.String(),
	)
	return order, nil
}

func (s *orderService) GetOrders(ctx context.Context, userID uuid.UUID) ([]domain.Order, error) {
	orders, err := s.repos.Orders.FindByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get orders: %w", err)
	}
	return orders, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID, userID uuid.UUID) (*domain.Order, error) {
	order, err := s.repos.Orders.FindById(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if order == nil || order.UserID != userID {
		return nil, domain.ErrOrderNotFound
	}
	return order, nil
}

func (s *orderService) ProcessPaymentStatus(ctx context.Context, messageID, messageType string, payload []byte) error {
	if messageType != "" && messageType != domain.MessageTypePaymentStatusEvent {
		return fmt.Errorf("%w: %q", domain.ErrUnknownMessageType, messageType)
	}
	log := s.logger.With("operation", "process_payment_status", "message_id", messageID)

	var (
		poison  error
		settled *domain.Order
	)
	err := s.uow.WithTx(ctx, func(tx *sql.Tx) error {
		admission, rec, err := s.inbox.Admit(ctx, tx, messageID, messageType, payload)
		if err != nil {
			return err
		}
		if admission == AlreadyProcessed {
			log.InfoContext(ctx, "payment status already processed", "outcome", "duplicate")
			return nil
		}

		event, err := domain.DecodePaymentStatusEvent(rec.Payload)
		if err != nil {
			poison = err
			return nil
		}

		order, err := s.repos.Orders.FindByIdForUpdate(ctx, tx, event.OrderID)
		if err != nil {
			return fmt.Errorf("lock order: %w", err)
		}
		if order == nil {
			log.WarnContext(ctx, "payment status for unknown order dropped",
				"outcome", "dropped",
				"order_id", event.OrderID.String(),
			)
			return s.inbox.MarkProcessed(ctx, tx, rec)
		}

		changed, err := order.Settle(event.Status, s.now())
		switch {
		case errors.Is(err, domain.ErrConflictingTransition):
			log.WarnContext(ctx, "conflicting payment status ignored",
				"outcome", "conflict",
				"order_id", order.ID.String(),
				"current_status", string(order.Status),
				"event_status", string(event.Status),
			)
			return s.inbox.MarkProcessed(ctx, tx, rec)
		case err != nil:
			return err
		}

		if changed {
			if err := s.repos.Orders.UpdateOrderStatus(ctx, tx, order); err != nil {
				return fmt.Errorf("update order status: %w", err)
			}
			settled = order
		}
		return s.inbox.MarkProcessed(ctx, tx, rec)
	})
	if err != nil {
		log.ErrorContext(ctx, "payment status failed", "outcome", "failure", "error", err)
		return err
	}
	if poison != nil {
		log.ErrorContext(ctx, "payment status undecodable", "outcome", "poison", "error", poison)
		return poison
	}

	if settled != nil {
		log.InfoContext(ctx, "order settled",
			"outcome", "settled",
			"order_id", settled.ID.String(),
			"status", string(settled.Status),
		)
		s.notify(ctx, settled)
	}
	return nil
}

// notify runs after commit. A failed push is logged and never undoes the
// settlement.
func (s *orderService) notify(ctx context.Context, order *domain.Order) {
	if s.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := s.notifier.Notify(ctx, order.ID, order.Status); err != nil {
		s.logger.WarnContext(ctx, "order status notification failed",
			"operation", "notify",
			"order_id", order.ID.String(),
			"error", err,
		)
	}
}
