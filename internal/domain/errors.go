package domain

import "errors"

var (
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrOrderNotFound         = errors.New("order not found")
	ErrAccountNotFound       = errors.New("account not found")
	ErrAccountExists         = errors.New("account already exists for this user")
	ErrConflictingTransition = errors.New("order already settled with a different status")

	// Poison errors: the message can never succeed as delivered.
	ErrMalformedPayload   = errors.New("malformed payload")
	ErrUnknownMessageType = errors.New("unknown message type")
)
