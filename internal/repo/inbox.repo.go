package repo

import (
	"context"
	"database/sql"
	"errors"
	"gozon-saga/internal/domain"
	"time"

	"github.com/google/uuid"
)

type InboxRepo interface {
	// FindByMessageIdForUpdate returns nil when the id was never seen.
	FindByMessageIdForUpdate(ctx context.Context, tx DBTX, messageID string) (*domain.InboxMessage, error)
	// Insert reports false when a row with the same message id already exists.
	Insert(ctx context.Context, tx DBTX, msg *domain.InboxMessage) (bool, error)
	MarkProcessed(ctx context.Context, tx DBTX, id uuid.UUID, at time.Time) error
}

type inboxRepo struct {
	db *sql.DB
}

func NewInboxRepo(db *sql.DB) InboxRepo {
	return &inboxRepo{db: db}
}

func (r *inboxRepo) FindByMessageIdForUpdate(ctx context.Context, tx DBTX, messageID string) (*domain.InboxMessage, error) {
	var m domain.InboxMessage
	err := tx.QueryRowContext(ctx, `
		SELECT id, message_id, message_type, payload, processed, received_at, processed_at
		FROM inbox_messages WHERE message_id = $1 FOR UPDATE`, messageID,
	).Scan(
		&m.ID,
		&m.MessageID,
		&m.MessageType,
		&m.Payload,
		&m.Processed,
		&m.ReceivedAt,
		&m.ProcessedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *inboxRepo) Insert(ctx context.Context, tx DBTX, msg *domain.InboxMessage) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO inbox_messages (id, message_id, message_type, payload, processed, received_at)
		VALUES ($1, $2, $3, $4, FALSE, $5)
		ON CONFLICT (message_id) DO NOTHING`,
		msg.ID, msg.MessageID, msg.MessageType, msg.Payload, msg.ReceivedAt,
	)
	return affected(res, err)
}

func (r *inboxRepo) MarkProcessed(ctx context.Context, tx DBTX, id uuid.UUID, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE inbox_messages SET processed = TRUE, processed_at = $2 WHERE id = $1`, id, at)
	return err
}
