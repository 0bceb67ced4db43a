package domain

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	MessageTypeOrderPaymentRequest = "OrderPaymentRequest"
	MessageTypePaymentStatusEvent  = "PaymentStatusEvent"
)

type PaymentOutcome string

const (
	PaymentSuccess PaymentOutcome = "success"
	PaymentFail    PaymentOutcome = "fail"
)

// OrderStatus maps anything other than "success" to a cancelled order.
func (o PaymentOutcome) OrderStatus() OrderStatus {
	if o == PaymentSuccess {
		return OrderFinished
	}
	return OrderCancelled
}

type OrderPaymentRequest struct {
	OrderID uuid.UUID       `json:"orderId"`
	UserID  uuid.UUID       `json:"userId"`
	Amount  decimal.Decimal `json:"amount"`
}

type PaymentStatusEvent struct {
	OrderID uuid.UUID      `json:"orderId"`
	Status  PaymentOutcome `json:"status"`
}

func DecodeOrderPaymentRequest(payload []byte) (OrderPaymentRequest, error) {
	var req OrderPaymentRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return OrderPaymentRequest{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	switch {
	case req.OrderID == uuid.Nil:
		return OrderPaymentRequest{}, fmt.Errorf("%w: missing orderId", ErrMalformedPayload)
	case req.UserID == uuid.Nil:
		return OrderPaymentRequest{}, fmt.Errorf("%w: missing userId", ErrMalformedPayload)
	}
	if err := ValidateAmount(req.Amount); err != nil {
		return OrderPaymentRequest{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return req, nil
}

func DecodePaymentStatusEvent(payload []byte) (PaymentStatusEvent, error) {
	var ev PaymentStatusEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return PaymentStatusEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if ev.OrderID == uuid.Nil {
		return PaymentStatusEvent{}, fmt.Errorf("%w: missing orderId", ErrMalformedPayload)
	}
	return ev, nil
}
