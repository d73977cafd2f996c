// Package timeline appends immutable business events for a deal. Events are
// written inside the caller's transaction so they commit or roll back with the
// state change they describe.
package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Event types.
const (
	DealCreated            = "DEAL_CREATED"
	DealArchived           = "DEAL_ARCHIVED"
	PurchaseContractStored = "PURCHASE_CONTRACT_STORED"
	RoomRequested          = "ROOM_REQUESTED"
	RoomResponded          = "ROOM_RESPONDED"
	StageMoved             = "PIPELINE_STAGE_MOVED"
	CounterOfferProposed   = "COUNTER_OFFER_PROPOSED"
	CounterOfferResponded  = "COUNTER_OFFER_RESPONDED"
	AgreementGenerated     = "AGREEMENT_GENERATED"
	AgreementRegenerated   = "AGREEMENT_REGENERATED"
	AgreementSuperseded    = "AGREEMENT_SUPERSEDED"
	AgreementRendered      = "AGREEMENT_RENDERED"
	AgreementSigned        = "AGREEMENT_SIGNED"
	EsignEnvelopeAttached  = "ESIGN_ENVELOPE_ATTACHED"
	EsignReconciled        = "ESIGN_RECONCILED"
	EscrowCreated          = "ESCROW_CREATED"
	EscrowStatusChanged    = "ESCROW_STATUS_CHANGED"
)

// Event is one row of the timeline.
type Event struct {
	ID        int64
	DealID    string
	Type      string
	ActorID   *string
	Payload   map[string]any
	CreatedAt time.Time
}

// Writer appends events using the active transaction.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

// Append writes one event. actorID may be empty for provider-driven events.
func (w *Writer) Append(ctx context.Context, tx pgx.Tx, dealID, eventType, actorID string, payload map[string]any) error {
	if dealID == "" {
		return fmt.Errorf("timeline: missing deal id")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("timeline: marshal payload: %w", err)
	}
	var actor any
	if actorID != "" {
		actor = actorID
	}
	const q = `
INSERT INTO timeline_events (deal_id, type, payload, actor_id)
VALUES ($1, $2, $3::jsonb, $4)
`
	if _, err := tx.Exec(ctx, q, dealID, eventType, body, actor); err != nil {
		return fmt.Errorf("timeline: insert event: %w", err)
	}
	return nil
}

// List returns the events of a deal in append order.
func (w *Writer) List(ctx context.Context, tx pgx.Tx, dealID string) ([]Event, error) {
	const q = `
SELECT id, deal_id, type, actor_id, payload, created_at
FROM timeline_events
WHERE deal_id = $1
ORDER BY id
`
	rows, err := tx.Query(ctx, q, dealID)
	if err != nil {
		return nil, fmt.Errorf("timeline: list: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 16)
	for rows.Next() {
		var (
			ev   Event
			body []byte
		)
		if err := rows.Scan(&ev.ID, &ev.DealID, &ev.Type, &ev.ActorID, &body, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("timeline: scan: %w", err)
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &ev.Payload); err != nil {
				return nil, fmt.Errorf("timeline: decode payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("timeline: iterate: %w", err)
	}
	return out, nil
}
