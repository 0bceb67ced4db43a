package worker

import (
	"errors"
	"gozon-saga/internal/domain"
	"gozon-saga/internal/infrastructure/bus"
)

// ErrorClass says what to do with the message or process that failed.
type ErrorClass int

const (
	// Retryable failures leave the message unacked or the outbox row
	// unsent; the same work is tried again later.
	Retryable ErrorClass = iota
	// Poison messages can never succeed as delivered and are dead-lettered.
	Poison
	// Fatal failures stop the process.
	Fatal
)

func (c ErrorClass) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case Poison:
		return "poison"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

func Classify(err error) ErrorClass {
	switch {
	case errors.Is(err, domain.ErrMalformedPayload), errors.Is(err, domain.ErrUnknownMessageType):
		return Poison
	case errors.Is(err, bus.ErrConnectExhausted):
		return Fatal
	}
	return Retryable
}
