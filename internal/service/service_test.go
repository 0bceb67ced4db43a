package service

import (
	"context"
	"encoding/json"
	"gozon-saga/internal/domain"
	"gozon-saga/internal/logging"
	"gozon-saga/internal/repo/memory"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []domain.OrderStatus
	err   error
}

func (n *recordingNotifier) Notify(_ context.Context, _ uuid.UUID, status domain.OrderStatus) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, status)
	return n.err
}

func (n *recordingNotifier) Calls() []domain.OrderStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.OrderStatus(nil), n.calls...)
}

func newPaymentFixture() (*memory.Store, PaymentService) {
	store := memory.NewStore()
	return store, NewPaymentService(store, store.PaymentRepositories(), logging.Discard())
}

func newOrderFixture() (*memory.Store, OrderService, *recordingNotifier) {
	store := memory.NewStore()
	notifier := &recordingNotifier{}
	return store, NewOrderService(store, store.OrderRepositories(), notifier, logging.Discard()), notifier
}

func paymentRequest(t *testing.T, orderID, userID uuid.UUID, amount int64) []byte {
	t.Helper()
	raw, err := json.Marshal(domain.OrderPaymentRequest{OrderID: orderID, UserID: userID, Amount: decimal.NewFromInt(amount)})
	require.NoError(t, err)
	return raw
}

func paymentStatus(t *testing.T, orderID uuid.UUID, outcome domain.PaymentOutcome) []byte {
	t.Helper()
	raw, err := json.Marshal(domain.PaymentStatusEvent{OrderID: orderID, Status: outcome})
	require.NoError(t, err)
	return raw
}

func fundedAccount(t *testing.T, svc PaymentService, amount int64) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	userID := uuid.New()
	_, err := svc.CreateAccount(ctx, userID)
	require.NoError(t, err)
	if amount > 0 {
		require.NoError(t, svc.TopUp(ctx, userID, decimal.NewFromInt(amount)))
	}
	return userID
}
