package repo

import (
	"context"
	"database/sql"
	"gozon-saga/internal/domain"
	"slices"
	"time"

	"github.com/google/uuid"
)

type OutboxRepo interface {
	Enqueue(ctx context.Context, tx DBTX, msg *domain.OutboxMessage) error
	// ClaimUnsent leases up to limit unsent rows, oldest first. Rows leased by
	// another relay are skipped until their lease runs out.
	ClaimUnsent(ctx context.Context, limit int, lease time.Duration, now time.Time) ([]domain.OutboxMessage, error)
	ListUnsent(ctx context.Context, limit int) ([]domain.OutboxMessage, error)
	MarkSent(ctx context.Context, tx DBTX, id uuid.UUID, at time.Time) error
	// MarkFailed records the attempt and releases the lease for the next tick.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, at time.Time) error
}

type outboxRepo struct {
	db *sql.DB
}

func NewOutboxRepo(db *sql.DB) OutboxRepo {
	return &outboxRepo{db: db}
}

const outboxColumns = `id, message_type, payload, sent, created_at, sent_at, attempts, last_error, last_error_at, locked_until`

func (r *outboxRepo) Enqueue(ctx context.Context, tx DBTX, msg *domain.OutboxMessage) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO outbox_messages (id, message_type, payload, sent, created_at) VALUES ($1, $2, $3, FALSE, $4)`,
		msg.ID, msg.MessageType, string(msg.Payload), msg.CreatedAt,
	)
	return err
}

func (r *outboxRepo) ClaimUnsent(ctx context.Context, limit int, lease time.Duration, now time.Time) ([]domain.OutboxMessage, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE outbox_messages SET locked_until = $3
		WHERE id IN (
			SELECT id FROM outbox_messages
			WHERE sent = FALSE AND (locked_until IS NULL OR locked_until < $2)
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outboxColumns,
		limit, now, now.Add(lease),
	)
	if err != nil {
		return nil, err
	}
	msgs, err := scanOutbox(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING does not keep the subquery order.
	slices.SortStableFunc(msgs, func(a, b domain.OutboxMessage) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return msgs, nil
}

func (r *outboxRepo) ListUnsent(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox_messages WHERE sent = FALSE ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return scanOutbox(rows)
}

func (r *outboxRepo) MarkSent(ctx context.Context, tx DBTX, id uuid.UUID, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE outbox_messages SET sent = TRUE, sent_at = $2, locked_until = NULL WHERE id = $1 AND sent = FALSE`,
		id, at,
	)
	return err
}

func (r *outboxRepo) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET attempts = attempts + 1, last_error = $2, last_error_at = $3, locked_until = NULL
		WHERE id = $1 AND sent = FALSE`,
		id, errMsg, at,
	)
	return err
}

func scanOutbox(rows *sql.Rows) ([]domain.OutboxMessage, error) {
	defer rows.Close()

	var msgs []domain.OutboxMessage
	for rows.Next() {
		var (
			m       domain.OutboxMessage
			payload string
		)
		if err := rows.Scan(
			&m.ID,
			&m.MessageType,
			&payload,
			&m.Sent,
			&m.CreatedAt,
			&m.SentAt,
			&m.Attempts,
			&m.LastError,
			&m.LastErrorAt,
			&m.LockedUntil,
		); err != nil {
			return nil, err
		}
		m.Payload = []byte(payload)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
