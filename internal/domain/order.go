package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderNew       OrderStatus = "NEW"
	OrderFinished  OrderStatus = "FINISHED"
	OrderCancelled OrderStatus = "CANCELLED"
)

func (s OrderStatus) Terminal() bool {
	return s == OrderFinished || s == OrderCancelled
}

type Order struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Amount      decimal.Decimal
	Description string
	Status      OrderStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Settle moves a NEW order to the terminal status implied by outcome.
// Settling an already terminal order to the same status reports no change;
// settling it to a different one returns ErrConflictingTransition and leaves
// the order untouched.
func (o *Order) Settle(outcome PaymentOutcome, at time.Time) (bool, error) {
	target := outcome.OrderStatus()
	if o.Status.Terminal() {
		if o.Status == target {
			return false, nil
		}
		return false, ErrConflictingTransition
	}
	o.Status = target
	o.UpdatedAt = at
	return true, nil
}
