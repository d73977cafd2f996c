package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"dealflow/db"
	"dealflow/terms"
)

var (
	ErrNotFound = errors.New("negotiation: counter-offer not found")
	// ErrPendingExists signals the one-pending-offer-per-deal index fired.
	ErrPendingExists = errors.New("negotiation: pending counter-offer exists")
)

type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, o CounterOffer) (CounterOffer, error)
	Get(ctx context.Context, tx pgx.Tx, id string) (CounterOffer, error)
	PendingForDeal(ctx context.Context, tx pgx.Tx, dealID string) (CounterOffer, error)
	ListForDeal(ctx context.Context, tx pgx.Tx, dealID string) ([]CounterOffer, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status, respondedBy string, at time.Time) (CounterOffer, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const offerColumns = `id, deal_id, from_role, to_role, terms_delta, status, proposed_by, responded_by,
       parent_id, created_at, responded_at`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, o CounterOffer) (CounterOffer, error) {
	body, err := json.Marshal(terms.Normalize(o.TermsDelta))
	if err != nil {
		return CounterOffer{}, fmt.Errorf("negotiation: marshal terms: %w", err)
	}
	q := `
INSERT INTO counter_offers (id, deal_id, from_role, to_role, terms_delta, status, proposed_by, parent_id)
VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8)
RETURNING ` + offerColumns
	out, err := scanOffer(tx.QueryRow(ctx, q,
		o.ID, o.DealID, o.FromRole, o.ToRole, body, o.Status, o.ProposedBy, o.ParentID))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return CounterOffer{}, ErrPendingExists
		}
		return CounterOffer{}, err
	}
	return out, nil
}

func (r *PGRepository) Get(ctx context.Context, tx pgx.Tx, id string) (CounterOffer, error) {
	return scanOffer(tx.QueryRow(ctx, `SELECT `+offerColumns+` FROM counter_offers WHERE id = $1`, id))
}

func (r *PGRepository) PendingForDeal(ctx context.Context, tx pgx.Tx, dealID string) (CounterOffer, error) {
	q := `SELECT ` + offerColumns + ` FROM counter_offers WHERE deal_id = $1 AND status = 'pending'`
	return scanOffer(tx.QueryRow(ctx, q, dealID))
}

func (r *PGRepository) ListForDeal(ctx context.Context, tx pgx.Tx, dealID string) ([]CounterOffer, error) {
	q := `SELECT ` + offerColumns + ` FROM counter_offers WHERE deal_id = $1 ORDER BY created_at, id`
	rows, err := tx.Query(ctx, q, dealID)
	if err != nil {
		return nil, fmt.Errorf("negotiation: list: %w", err)
	}
	defer rows.Close()

	var out []CounterOffer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("negotiation: iterate: %w", err)
	}
	return out, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status, respondedBy string, at time.Time) (CounterOffer, error) {
	q := `
UPDATE counter_offers
SET status = $2, responded_by = $3, responded_at = $4
WHERE id = $1 AND status = 'pending'
RETURNING ` + offerColumns
	return scanOffer(tx.QueryRow(ctx, q, id, status, respondedBy, at))
}

func scanOffer(row pgx.Row) (CounterOffer, error) {
	var (
		o    CounterOffer
		body []byte
	)
	err := row.Scan(
		&o.ID,
		&o.DealID,
		&o.FromRole,
		&o.ToRole,
		&body,
		&o.Status,
		&o.ProposedBy,
		&o.RespondedBy,
		&o.ParentID,
		&o.CreatedAt,
		&o.RespondedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CounterOffer{}, ErrNotFound
		}
		return CounterOffer{}, fmt.Errorf("negotiation: scan: %w", err)
	}
	if err := json.Unmarshal(body, &o.TermsDelta); err != nil {
		return CounterOffer{}, fmt.Errorf("negotiation: decode terms: %w", err)
	}
	return o, nil
}
