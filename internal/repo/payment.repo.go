package repo

import (
	"context"
	"database/sql"
	"errors"
	"gozon-saga/internal/domain"

	"github.com/google/uuid"
)

type PaymentRepo interface {
	CreateTransaction(ctx context.Context, tx DBTX, payment *domain.PaymentTransaction) error
	FindByOrderAndUser(ctx context.Context, tx DBTX, orderID, userID uuid.UUID) (*domain.PaymentTransaction, error)
}

type paymentRepo struct {
	db *sql.DB
}

func NewPaymentRepo(db *sql.DB) PaymentRepo {
	return &paymentRepo{db: db}
}

func (r *paymentRepo) CreateTransaction(ctx context.Context, tx DBTX, payment *domain.PaymentTransaction) error {
	query := `INSERT INTO payment_transactions (id, order_id, user_id, amount, created_at) VALUES ($1, $2, $3, $4, $5)`

	_, err := tx.ExecContext(
		ctx, query, payment.ID, payment.OrderID, payment.UserID, payment.Amount, payment.CreatedAt,
	)
	return err
}

func (r *paymentRepo) FindByOrderAndUser(ctx context.Context, tx DBTX, orderID, userID uuid.UUID) (*domain.PaymentTransaction, error) {
	query := `SELECT id, order_id, user_id, amount, created_at FROM payment_transactions WHERE order_id = $1 AND user_id = $2`
	var p domain.PaymentTransaction
	err := tx.QueryRowContext(ctx, query, orderID, userID).Scan(
		&p.ID,
		&p.OrderID,
		&p.UserID,
		&p.Amount,
		&p.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
