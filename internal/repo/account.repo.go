package repo

import (
	"context"
	"database/sql"
	"errors"
	"gozon-saga/internal/domain"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AccountRepo interface {
	// CreateAccount returns domain.ErrAccountExists when the user already has one.
	CreateAccount(ctx context.Context, tx DBTX, account *domain.Account) error
	FindByUserId(ctx context.Context, userID uuid.UUID) (*domain.Account, error)
	// FindByUserIdForUpdate locks the row so the balance check and the debit
	// cannot be interleaved with another debit.
	FindByUserIdForUpdate(ctx context.Context, tx DBTX, userID uuid.UUID) (*domain.Account, error)
	Credit(ctx context.Context, tx DBTX, userID uuid.UUID, amount decimal.Decimal, at time.Time) (bool, error)
	// Debit subtracts amount only while the balance covers it and reports
	// whether a row changed.
	Debit(ctx context.Context, tx DBTX, accountID uuid.UUID, amount decimal.Decimal, at time.Time) (bool, error)
}

type accountRepo struct {
	db *sql.DB
}

func NewAccountRepo(db *sql.DB) AccountRepo {
	return &accountRepo{db: db}
}

const accountColumns = `id, user_id, balance, created_at, updated_at`

func (r *accountRepo) CreateAccount(ctx context.Context, tx DBTX, account *domain.Account) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		account.ID, account.UserID, account.Balance, account.CreatedAt, account.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrAccountExists
	}
	return err
}

func (r *accountRepo) FindByUserId(ctx context.Context, userID uuid.UUID) (*domain.Account, error) {
	return findAccount(ctx, r.db, `SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, userID)
}

func (r *accountRepo) FindByUserIdForUpdate(ctx context.Context, tx DBTX, userID uuid.UUID) (*domain.Account, error) {
	return findAccount(ctx, tx, `SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 FOR UPDATE`, userID)
}

func (r *accountRepo) Credit(ctx context.Context, tx DBTX, userID uuid.UUID, amount decimal.Decimal, at time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = balance + $1, updated_at = $2 WHERE user_id = $3`,
		amount, at, userID,
	)
	return affected(res, err)
}

func (r *accountRepo) Debit(ctx context.Context, tx DBTX, accountID uuid.UUID, amount decimal.Decimal, at time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = balance - $1, updated_at = $2 WHERE id = $3 AND balance >= $1`,
		amount, at, accountID,
	)
	return affected(res, err)
}

func findAccount(ctx context.Context, q DBTX, query string, userID uuid.UUID) (*domain.Account, error) {
	var a domain.Account
	err := q.QueryRowContext(ctx, query, userID).Scan(
		&a.ID,
		&a.UserID,
		&a.Balance,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
