package worker

import (
	"context"
	"errors"
	"gozon-saga/internal/domain"
	"gozon-saga/internal/infrastructure/bus"
	"gozon-saga/internal/logging"
	"gozon-saga/internal/repo/memory"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRoutes = map[string]bus.Route{
	domain.MessageTypeOrderPaymentRequest: bus.RoutePaymentRequests,
}

func enqueue(t *testing.T, store *memory.Store, messageType string, at time.Time) *domain.OutboxMessage {
	t.Helper()
	msg, err := domain.NewOutboxMessage(messageType, map[string]string{"orderId": uuid.NewString()}, at)
	require.NoError(t, err)
	require.NoError(t, store.Outbox().Enqueue(context.Background(), nil, msg))
	return msg
}

func newRelay(store *memory.Store, pub bus.Publisher, cfg RelayConfig) *OutboxRelay {
	return NewOutboxRelay(store, store.Outbox(), pub, testRoutes, cfg, logging.Discard())
}

func TestProcessOncePublishesOldestFirst(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	b := bus.NewMemory()
	defer b.Close()
	base := time.Now().UTC()
	first := enqueue(t, store, domain.MessageTypeOrderPaymentRequest, base)
	second := enqueue(t, store, domain.MessageTypeOrderPaymentRequest, base.Add(time.Second))

	published, failed, err := newRelay(store, b, DefaultRelayConfig()).ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, published)
	assert.Equal(t, 0, failed)

	out := b.Published()
	require.Len(t, out, 2)
	assert.Equal(t, first.ID.String(), out[0].Message.ID)
	assert.Equal(t, second.ID.String(), out[1].Message.ID)
	assert.Equal(t, domain.MessageTypeOrderPaymentRequest, out[0].Message.Type)
	assert.Equal(t, bus.RoutePaymentRequests, out[0].Route)
	assert.Equal(t, first.Payload, out[0].Message.Payload)

	for _, m := range store.OutboxMessages() {
		assert.True(t, m.Sent)
		assert.NotNil(t, m.SentAt)
	}

	// sent rows are never picked up again
	published, _, err = newRelay(store, b, DefaultRelayConfig()).ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, published)
	assert.Len(t, b.Published(), 2)
}

func TestProcessOnceIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	b := bus.NewMemory()
	defer b.Close()
	base := time.Now().UTC()
	failing := enqueue(t, store, domain.MessageTypeOrderPaymentRequest, base)
	enqueue(t, store, domain.MessageTypeOrderPaymentRequest, base.Add(time.Second))
	b.FailPublish(errors.New("broker unavailable"))

	relay := newRelay(store, b, DefaultRelayConfig())
	published, failed, err := relay.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, published)
	assert.Equal(t, 1, failed)

	var row domain.OutboxMessage
	for _, m := range store.OutboxMessages() {
		if m.ID == failing.ID {
			row = m
		}
	}
	assert.False(t, row.Sent)
	assert.Equal(t, 1, row.Attempts)
	require.NotNil(t, row.LastError)
	assert.Contains(t, *row.LastError, "broker unavailable")
	assert.Nil(t, row.LockedUntil, "failed rows are released for the next tick")

	published, failed, err = relay.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, published)
	assert.Zero(t, failed)
}

func TestProcessOnceRecordsUnknownTypes(t *testing.T) {
	store := memory.NewStore()
	b := bus.NewMemory()
	defer b.Close()
	enqueue(t, store, "Mystery", time.Now())

	published, failed, err := newRelay(store, b, DefaultRelayConfig()).ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, published)
	assert.Equal(t, 1, failed)
	assert.Empty(t, b.Published())

	row := store.OutboxMessages()[0]
	require.NotNil(t, row.LastError)
	assert.Contains(t, *row.LastError, domain.ErrUnknownMessageType.Error())
}

func TestProcessOnceRepublishesWithSameIDWhenMarkFails(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	b := bus.NewMemory()
	defer b.Close()
	msg := enqueue(t, store, domain.MessageTypeOrderPaymentRequest, time.Now())
	store.InjectFault("MarkSent", errors.New("db down"))

	relay := newRelay(store, b, DefaultRelayConfig())
	_, failed, err := relay.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)

	published, _, err := relay.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, published)

	out := b.Published()
	require.Len(t, out, 2)
	assert.Equal(t, msg.ID.String(), out[0].Message.ID)
	assert.Equal(t, out[0].Message.ID, out[1].Message.ID)
}

func TestClaimedRowsAreSkippedByOtherRelays(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	enqueue(t, store, domain.MessageTypeOrderPaymentRequest, time.Now())
	now := time.Now().UTC()

	claimed, err := store.Outbox().ClaimUnsent(ctx, 10, time.Minute, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	again, err := store.Outbox().ClaimUnsent(ctx, 10, time.Minute, now.Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, again)

	expired, err := store.Outbox().ClaimUnsent(ctx, 10, time.Minute, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Len(t, expired, 1)
}

func TestProcessOnceHonoursBatchSize(t *testing.T) {
	store := memory.NewStore()
	b := bus.NewMemory()
	defer b.Close()
	base := time.Now().UTC()
	for i := range 5 {
		enqueue(t, store, domain.MessageTypeOrderPaymentRequest, base.Add(time.Duration(i)*time.Millisecond))
	}
	cfg := DefaultRelayConfig()
	cfg.BatchSize = 2
	relay := newRelay(store, b, cfg)

	// every row is sent within ceil(5/2) ticks
	total := 0
	for range 3 {
		published, _, err := relay.ProcessOnce(context.Background())
		require.NoError(t, err)
		assert.LessOrEqual(t, published, 2)
		total += published
	}
	assert.Equal(t, 5, total)
	unsent, err := store.Outbox().ListUnsent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, unsent)
}

func TestProcessOnceReportsClaimFailure(t *testing.T) {
	store := memory.NewStore()
	store.InjectFault("ClaimUnsent", errors.New("db down"))

	_, _, err := newRelay(store, bus.NewMemory(), DefaultRelayConfig()).ProcessOnce(context.Background())
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	store := memory.NewStore()
	b := bus.NewMemory()
	defer b.Close()
	enqueue(t, store, domain.MessageTypeOrderPaymentRequest, time.Now())
	cfg := DefaultRelayConfig()
	cfg.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- newRelay(store, b, cfg).Run(ctx) }()

	require.Eventually(t, func() bool { return len(b.Published()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}

// stuckPublisher never gets a confirm back and waits until ctx gives up.
type stuckPublisher struct{}

func (stuckPublisher) Publish(ctx context.Context, _ bus.Route, _ bus.Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestProcessOnceBoundsEachPublish(t *testing.T) {
	store := memory.NewStore()
	enqueue(t, store, domain.MessageTypeOrderPaymentRequest, time.Now())
	cfg := DefaultRelayConfig()
	cfg.PublishTimeout = 20 * time.Millisecond

	start := time.Now()
	published, failed, err := newRelay(store, stuckPublisher{}, cfg).ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, published)
	assert.Equal(t, 1, failed)
	assert.Less(t, time.Since(start), time.Second)

	rows := store.OutboxMessages()
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Sent, "a timed out publish is retried later")
	require.NotNil(t, rows[0].LastError)
	assert.Contains(t, *rows[0].LastError, context.DeadlineExceeded.Error())
}

func TestRunStopsWhilePublishIsStuck(t *testing.T) {
	store := memory.NewStore()
	enqueue(t, store, domain.MessageTypeOrderPaymentRequest, time.Now())
	cfg := DefaultRelayConfig()
	cfg.Interval = 5 * time.Millisecond
	cfg.PublishTimeout = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- newRelay(store, stuckPublisher{}, cfg).Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}
