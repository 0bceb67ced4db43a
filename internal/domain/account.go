package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Account struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Balance   decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewAccount(userID uuid.UUID, at time.Time) *Account {
	return &Account{
		ID:        uuid.New(),
		UserID:    userID,
		Balance:   decimal.Zero,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

// AmountScale is the number of decimal places money is stored with.
const AmountScale = 2

// maxAmount is the smallest value a NUMERIC(18, 2) column cannot hold.
var maxAmount = decimal.New(1, 16)

// ValidateAmount accepts positive amounts that the database stores exactly.
// Anything finer than a cent would be rounded by the column and drift from
// the value carried in messages.
func ValidateAmount(amount decimal.Decimal) error {
	switch {
	case !amount.IsPositive():
		return fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	case !amount.Equal(amount.Truncate(AmountScale)):
		return fmt.Errorf("%w: at most %d decimal places", ErrInvalidAmount, AmountScale)
	case amount.GreaterThanOrEqual(maxAmount):
		return fmt.Errorf("%w: too large", ErrInvalidAmount)
	}
	return nil
}

func (a *Account) CanDebit(amount decimal.Decimal) bool {
	return amount.IsPositive() && a.Balance.GreaterThanOrEqual(amount)
}

// PaymentTransaction is the ledger row written for a successful debit.
// There is at most one per (OrderID, UserID).
type PaymentTransaction struct {
	ID        uuid.UUID
	OrderID   uuid.UUID
	UserID    uuid.UUID
	Amount    decimal.Decimal
	CreatedAt time.Time
}
