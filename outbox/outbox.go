// Package outbox implements the transactional outbox: side effects are
// recorded in the same transaction as the state change that causes them and
// delivered later by the Dispatcher.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Topics.
const (
	TopicDealCreated             = "deal.created"
	TopicRoomRequested           = "room.requested"
	TopicRoomAccepted            = "room.accepted"
	TopicCounterOfferProposed    = "counter_offer.proposed"
	TopicCounterOfferResponded   = "counter_offer.responded"
	TopicAgreementRenderRequest  = "agreement.render_requested"
	TopicAgreementSigned         = "agreement.signed"
	TopicAgreementFullySigned    = "agreement.fully_signed"
	TopicAgreementSuperseded     = "agreement.superseded"
	TopicEscrowStatusChanged     = "escrow.status_changed"
	TopicEscrowFundsReleased     = "escrow.funds_released"
	TopicPipelineStageMoved      = "deal.stage_moved"
	TopicPurchaseContractUpdated = "deal.purchase_contract_updated"
)

// Message statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusDead       = "dead"
)

// Message represents a transactional outbox entry.
type Message struct {
	ID          string
	Topic       string
	Payload     map[string]any
	Status      string
	Attempts    int
	LastError   *string
	LockedUntil *time.Time
	CreatedAt   time.Time
}

// Writer enqueues messages inside the caller's transaction.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("outbox: missing topic")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}

// PGStore claims and settles outbox rows.
type PGStore struct{}

func NewStore() *PGStore {
	return &PGStore{}
}

// Claim leases up to limit deliverable messages. Rows locked by another
// dispatcher are skipped.
func (s *PGStore) Claim(ctx context.Context, tx pgx.Tx, limit int, lease time.Duration) ([]Message, error) {
	const q = `
WITH picked AS (
    SELECT id FROM outbox
    WHERE status = 'pending'
       OR (status = 'processing' AND locked_until < now())
    ORDER BY created_at
    FOR UPDATE SKIP LOCKED
    LIMIT $1
)
UPDATE outbox o
SET status = 'processing',
    locked_until = now() + make_interval(secs => $2),
    attempts = o.attempts + 1,
    last_attempt = now()
FROM picked
WHERE o.id = picked.id
RETURNING o.id, o.topic, o.payload, o.status, o.attempts, o.last_error, o.locked_until, o.created_at
`
	rows, err := tx.Query(ctx, q, limit, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var (
			m    Message
			body []byte
		)
		if err := rows.Scan(&m.ID, &m.Topic, &body, &m.Status, &m.Attempts, &m.LastError, &m.LockedUntil, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		if err := json.Unmarshal(body, &m.Payload); err != nil {
			return nil, fmt.Errorf("outbox: decode payload %s: %w", m.ID, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate: %w", err)
	}
	return out, nil
}

func (s *PGStore) MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `UPDATE outbox SET status='processed', locked_until=NULL WHERE id=$1`, id); err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

// MarkFailed returns the message to pending, or marks it dead once it has
// used maxAttempts deliveries.
func (s *PGStore) MarkFailed(ctx context.Context, tx pgx.Tx, id string, maxAttempts int, cause string) error {
	const q = `
UPDATE outbox
SET status = CASE WHEN attempts >= $2 THEN 'dead' ELSE 'pending' END,
    locked_until = NULL,
    last_error = $3
WHERE id = $1
`
	if _, err := tx.Exec(ctx, q, id, maxAttempts, cause); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}
