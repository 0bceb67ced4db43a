package bus

import (
	"context"
	"errors"
	"gozon-saga/internal/logging"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTimer fires immediately and remembers every wait it was asked for.
type fakeTimer struct {
	mu    sync.Mutex
	waits []time.Duration
	c     chan time.Time
}

func newFakeTimer() *fakeTimer {
	return &fakeTimer{c: make(chan time.Time, 1)}
}

func (t *fakeTimer) Start(d time.Duration) {
	t.mu.Lock()
	t.waits = append(t.waits, d)
	t.mu.Unlock()
	t.c <- time.Now()
}

func (t *fakeTimer) Stop() {}

func (t *fakeTimer) C() <-chan time.Time { return t.c }

func (t *fakeTimer) Waits() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.waits...)
}

func flakyDialer(failures int) (Dialer, *int) {
	calls := 0
	return func(context.Context) (Bus, error) {
		calls++
		if calls <= failures {
			return nil, errors.New("connection refused")
		}
		return NewMemory(), nil
	}, &calls
}

func TestConnectRecoversAfterFiveFailures(t *testing.T) {
	timer := newFakeTimer()
	policy := DefaultRetryPolicy()
	policy.Timer = timer
	dial, calls := flakyDialer(5)

	b, err := Connect(context.Background(), logging.Discard(), dial, policy)
	require.NoError(t, err)
	require.NotNil(t, b)
	defer b.Close()

	assert.Equal(t, 6, *calls)
	assert.Equal(t, []time.Duration{
		3 * time.Second,
		4 * time.Second,
		5 * time.Second,
		6 * time.Second,
		7 * time.Second,
	}, timer.Waits())
}

func TestConnectFirstAttemptDoesNotWait(t *testing.T) {
	timer := newFakeTimer()
	policy := DefaultRetryPolicy()
	policy.Timer = timer
	dial, calls := flakyDialer(0)

	_, err := Connect(context.Background(), logging.Discard(), dial, policy)
	require.NoError(t, err)
	assert.Equal(t, 1, *calls)
	assert.Empty(t, timer.Waits())
}

func TestConnectGivesUpAfterMaxAttempts(t *testing.T) {
	timer := newFakeTimer()
	policy := DefaultRetryPolicy()
	policy.Timer = timer
	dial, calls := flakyDialer(1000)

	b, err := Connect(context.Background(), logging.Discard(), dial, policy)
	require.ErrorIs(t, err, ErrConnectExhausted)
	assert.Nil(t, b)
	assert.Equal(t, 30, *calls)

	waits := timer.Waits()
	require.Len(t, waits, 29)
	assert.Equal(t, 3*time.Second, waits[0])
	assert.Equal(t, 9*time.Second, waits[6])
	for _, w := range waits[7:] {
		assert.Equal(t, 10*time.Second, w)
	}
}

func TestConnectStopsWhenContextIsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	dial := func(context.Context) (Bus, error) {
		calls++
		if calls == 2 {
			cancel()
		}
		return nil, errors.New("connection refused")
	}
	policy := DefaultRetryPolicy()
	policy.Timer = newFakeTimer()

	_, err := Connect(ctx, logging.Discard(), dial, policy)
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrConnectExhausted)
	assert.LessOrEqual(t, calls, 3)
}
