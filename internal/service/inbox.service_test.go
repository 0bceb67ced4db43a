package service

import (
	"context"
	"gozon-saga/internal/domain"
	"gozon-saga/internal/repo"
	"gozon-saga/internal/repo/memory"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmitLifecycle(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	dedup := NewInboxDeduplicator(store.Inbox())

	admission, rec, err := dedup.Admit(ctx, nil, "m-1", "T", []byte(`first`))
	require.NoError(t, err)
	assert.Equal(t, FirstSeen, admission)
	assert.Equal(t, []byte(`first`), rec.Payload)
	assert.False(t, rec.Processed)

	// a second delivery with different bytes resumes from what was stored
	admission, rec, err = dedup.Admit(ctx, nil, "m-1", "T", []byte(`second`))
	require.NoError(t, err)
	assert.Equal(t, AlreadyReceivedButUnprocessed, admission)
	assert.Equal(t, []byte(`first`), rec.Payload)

	require.NoError(t, dedup.MarkProcessed(ctx, nil, rec))
	assert.True(t, rec.Processed)
	require.NotNil(t, rec.ProcessedAt)

	admission, _, err = dedup.Admit(ctx, nil, "m-1", "T", []byte(`third`))
	require.NoError(t, err)
	assert.Equal(t, AlreadyProcessed, admission)
	assert.Len(t, store.InboxMessages(), 1)
}

func TestAdmitRejectsEmptyMessageID(t *testing.T) {
	dedup := NewInboxDeduplicator(memory.NewStore().Inbox())
	_, _, err := dedup.Admit(context.Background(), nil, "", "T", nil)
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)
}

// racingInbox loses the insert to a concurrent consumer that already
// finished the message.
type racingInbox struct {
	repo.InboxRepo
	finds int
}

func (r *racingInbox) FindByMessageIdForUpdate(_ context.Context, _ repo.DBTX, messageID string) (*domain.InboxMessage, error) {
	r.finds++
	if r.finds == 1 {
		return nil, nil
	}
	at := time.Now()
	return &domain.InboxMessage{ID: uuid.New(), MessageID: messageID, Processed: true, ProcessedAt: &at}, nil
}

func (r *racingInbox) Insert(context.Context, repo.DBTX, *domain.InboxMessage) (bool, error) {
	return false, nil
}

func TestAdmitReselectsAfterLostInsert(t *testing.T) {
	inbox := &racingInbox{}
	dedup := NewInboxDeduplicator(inbox)

	admission, rec, err := dedup.Admit(context.Background(), nil, "m-1", "T", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, AlreadyProcessed, admission)
	assert.True(t, rec.Processed)
	assert.Equal(t, 2, inbox.finds)
}
