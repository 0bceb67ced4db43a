package service

import (
	"context"
	"errors"
	"fmt"
	"gozon-saga/internal/domain"
	"gozon-saga/internal/repo"
	"time"

	"github.com/google/uuid"
)

// Admission is the inbox verdict for one incoming message id.
type Admission int

const (
	// FirstSeen: the id was recorded just now, process the stored payload.
	FirstSeen Admission = iota + 1
	// AlreadyProcessed: ack and do nothing.
	AlreadyProcessed
	// AlreadyReceivedButUnprocessed: an earlier attempt did not finish.
	// Resume from the stored payload, not the one on the wire.
	AlreadyReceivedButUnprocessed
)

func (a Admission) String() string {
	switch a {
	case FirstSeen:
		return "first_seen"
	case AlreadyProcessed:
		return "already_processed"
	case AlreadyReceivedButUnprocessed:
		return "already_received_unprocessed"
	}
	return "unknown"
}

// InboxDeduplicator admits every message id for business processing at most
// once. Both calls must run in the transaction that commits the business
// effect.
type InboxDeduplicator struct {
	inbox repo.InboxRepo
	now   func() time.Time
}

func NewInboxDeduplicator(inbox repo.InboxRepo) *InboxDeduplicator {
	return &InboxDeduplicator{inbox: inbox, now: utcNow}
}

func (d *InboxDeduplicator) Admit(ctx context.Context, tx repo.DBTX, messageID, messageType string, payload []byte) (Admission, *domain.InboxMessage, error) {
	if messageID == "" {
		return 0, nil, fmt.Errorf("%w: empty message id", domain.ErrMalformedPayload)
	}

	rec, err := d.inbox.FindByMessageIdForUpdate(ctx, tx, messageID)
	if err != nil {
		return 0, nil, fmt.Errorf("find inbox message %s: %w", messageID, err)
	}
	if rec == nil {
		rec = &domain.InboxMessage{
			ID:          uuid.New(),
			MessageID:   messageID,
			MessageType: messageType,
			Payload:     payload,
			ReceivedAt:  d.now(),
		}
		inserted, err := d.inbox.Insert(ctx, tx, rec)
		if err != nil {
			return 0, nil, fmt.Errorf("insert inbox message %s: %w", messageID, err)
		}
		if inserted {
			return FirstSeen, rec, nil
		}

		// Another consumer inserted the same id between our select and
		// insert. Its row is locked until that transaction ends.
		rec, err = d.inbox.FindByMessageIdForUpdate(ctx, tx, messageID)
		if err != nil {
			return 0, nil, fmt.Errorf("find inbox message %s: %w", messageID, err)
		}
		if rec == nil {
			return 0, nil, errors.New("inbox message vanished after conflicting insert: " + messageID)
		}
	}

	if rec.Processed {
		return AlreadyProcessed, rec, nil
	}
	return AlreadyReceivedButUnprocessed, rec, nil
}

func (d *InboxDeduplicator) MarkProcessed(ctx context.Context, tx repo.DBTX, rec *domain.InboxMessage) error {
	at := d.now()
	if err := d.inbox.MarkProcessed(ctx, tx, rec.ID, at); err != nil {
		return fmt.Errorf("mark inbox message %s processed: %w", rec.MessageID, err)
	}
	rec.Processed = true
	rec.ProcessedAt = &at
	return nil
}

func utcNow() time.Time {
	return time.Now().UTC()
}
