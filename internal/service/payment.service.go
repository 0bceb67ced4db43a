package service

import (
	"context"
	"database/sql"
	"fmt"
	"gozon-saga/internal/database"
	"gozon-saga/internal/domain"
	"gozon-saga/internal/repo"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentService interface {
	CreateAccount(ctx context.Context, userID uuid.UUID) (*domain.Account, error)
	TopUp(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error
	GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
	// ProcessOrderPayment runs one OrderPaymentRequest delivery through the
	// inbox and, the first time, debits the account and records the outcome
	// in the outbox.
	ProcessOrderPayment(ctx context.Context, messageID, messageType string, payload []byte) error
}

type paymentService struct {
	uow    database.TxRunner
	repos  repo.PaymentRepositories
	inbox  *InboxDeduplicator
	logger *slog.Logger
	now    func() time.Time
}

func NewPaymentService(uow database.TxRunner, repos repo.PaymentRepositories, logger *slog.Logger) PaymentService {
	return &paymentService{
		uow:    uow,
		repos:  repos,
		inbox:  NewInboxDeduplicator(repos.Inbox),
		logger: logger.With("module", "payment"),
		now:    utcNow,
	}
}

func (s *paymentService) CreateAccount(ctx context.Context, userID uuid.UUID) (*domain.Account, error) {
	account := domain.NewAccount(userID, s.now())
	err := s.uow.WithTx(ctx, func(tx *sql.Tx) error {
		return s.repos.Accounts.CreateAccount(ctx, tx, account)
	})
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	s.logger.InfoContext(ctx, "account created", "operation", "create_account", "user_id", userID.String())
	return account, nil
}

func (s *paymentService) TopUp(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error {
	if err := domain.ValidateAmount(amount); err != nil {
		return err
	}
	err := s.uow.WithTx(ctx, func(tx *sql.Tx) error {
		ok, err := s.repos.Accounts.Credit(ctx, tx, userID, amount, s.now())
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrAccountNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("top up: %w", err)
	}
	s.logger.InfoContext(ctx, "account topped up", "operation", "top_up", "user_id", userID.String(), "amount", amount.String())
	return nil
}

func (s *paymentService) GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	account, err := s.repos.Accounts.FindByUserId(ctx, userID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance: %w", err)
	}
	if account == nil {
		return decimal.Zero, domain.ErrAccountNotFound
	}
	return account.Balance, nil
}

func (s *paymentService) ProcessOrderPayment(ctx context.Context, messageID, messageType string, payload []byte) error {
	if messageType != "" && messageType != domain.MessageTypeOrderPaymentRequest {
		return fmt.Errorf("%w: %q", domain.ErrUnknownMessageType, messageType)
	}
	log := s.logger.With("operation", "process_order_payment", "message_id", messageID)

	// poison is set when the admission row must be committed even though
	// the message cannot be processed.
	var (
		poison    error
		admission Admission
		outcome   domain.PaymentOutcome
	)
	err := s.uow.WithTx(ctx, func(tx *sql.Tx) error {
		var (
			rec *domain.InboxMessage
			err error
		)
		admission, rec, err = s.inbox.Admit(ctx, tx, messageID, messageType, payload)
		if err != nil {
			return err
		}
		if admission == AlreadyProcessed {
			return nil
		}

		req, err := domain.DecodeOrderPaymentRequest(rec.Payload)
		if err != nil {
			poison = err
			return nil
		}

		existing, err := s.repos.Payments.FindByOrderAndUser(ctx, tx, req.OrderID, req.UserID)
		if err != nil {
			return fmt.Errorf("find payment transaction: %w", err)
		}
		if existing != nil {
			return s.inbox.MarkProcessed(ctx, tx, rec)
		}

		outcome, err = s.settle(ctx, tx, req)
		if err != nil {
			return err
		}

		msg, err := domain.NewOutboxMessage(domain.MessageTypePaymentStatusEvent,
			domain.PaymentStatusEvent{OrderID: req.OrderID, Status: outcome}, s.now())
		if err != nil {
			return err
		}
		if err := s.repos.Outbox.Enqueue(ctx, tx, msg); err != nil {
			return fmt.Errorf("enqueue payment status: %w", err)
		}
		return s.inbox.MarkProcessed(ctx, tx, rec)
	})
	if err != nil {
		log.ErrorContext(ctx, "order payment failed", "outcome", "failure", "error", err)
		return err
	}
	if poison != nil {
		log.ErrorContext(ctx, "order payment request undecodable", "outcome", "poison", "error", poison)
		return poison
	}

	if outcome == "" {
		log.InfoContext(ctx, "order payment already applied", "outcome", "duplicate", "admission", admission.String())
		return nil
	}
	log.InfoContext(ctx, "order payment processed", "outcome", string(outcome), "admission", admission.String())
	return nil
}

// settle debits the account for req, or decides the payment fails. A
// missing account or a short balance is an outcome, not an error.
func (s *paymentService) settle(ctx context.Context, tx *sql.Tx, req domain.OrderPaymentRequest) (domain.PaymentOutcome, error) {
	account, err := s.repos.Accounts.FindByUserIdForUpdate(ctx, tx, req.UserID)
	if err != nil {
		return "", fmt.Errorf("lock account: %w", err)
	}
	if account == nil || !account.CanDebit(req.Amount) {
		return domain.PaymentFail, nil
	}

	now := s.now()
	ok, err := s.repos.Accounts.Debit(ctx, tx, account.ID, req.Amount, now)
	if err != nil {
		return "", fmt.Errorf("debit account: %w", err)
	}
	if !ok {
		return domain.PaymentFail, nil
	}

	err = s.repos.Payments.CreateTransaction(ctx, tx, &domain.PaymentTransaction{
		ID:        uuid.New(),
		OrderID:   req.OrderID,
		UserID:    req.UserID,
		Amount:    req.Amount,
		CreatedAt: now,
	})
	if err != nil {
		return "", fmt.Errorf("create payment transaction: %w", err)
	}
	return domain.PaymentSuccess, nil
}
