package agreement

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
	// ErrAgreementNotFound is returned when no agreement row exists for the provided identifier.
	ErrAgreementNotFound = errors.New("agreement: not found")
	// ErrActiveExists signals the one-active-agreement-per-deal index fired.
	ErrActiveExists = errors.New("agreement: active agreement exists")
)

// Repository is the agreement data access. Every method runs inside the
// caller's transaction.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, a Agreement) (Agreement, error)
	Get(ctx context.Context, tx pgx.Tx, id string) (Agreement, error)
	Lock(ctx context.Context, tx pgx.Tx, id string) (Agreement, error)
	ActiveForDeal(ctx context.Context, tx pgx.Tx, dealID string) (Agreement, error)
	LatestVersion(ctx context.Context, tx pgx.Tx, dealID string) (int, error)
	ListForDeal(ctx context.Context, tx pgx.Tx, dealID string) ([]Agreement, error)
	GetByEnvelope(ctx context.Context, tx pgx.Tx, envelopeID string) (Agreement, error)
	Update(ctx context.Context, tx pgx.Tx, a Agreement) error
	ListAwaitingProvider(ctx context.Context, tx pgx.Tx, syncedBefore time.Time, limit int) ([]Agreement, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const agreementColumns = `id, deal_id, version, status, exhibit_a_terms, render_seq, investor_signed_at,
       agent_signed_at, pdf_url, signed_pdf_url, final_pdf_url, envelope_id, envelope_status,
       provider_version, provider_synced_at, superseded_at, created_at, updated_at`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, a Agreement) (Agreement, error) {
	body, err := json.Marshal(terms.Normalize(a.ExhibitATerms))
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: marshal terms: %w", err)
	}
	q := `
INSERT INTO agreements (id, deal_id, version, status, exhibit_a_terms, render_seq)
VALUES ($1, $2, $3, $4, $5::jsonb, $6)
RETURNING ` + agreementColumns
	out, err := scanAgreement(tx.QueryRow(ctx, q, a.ID, a.DealID, a.Version, a.Status, body, a.RenderSeq))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Agreement{}, ErrActiveExists
		}
		return Agreement{}, err
	}
	return out, nil
}

func (r *PGRepository) Get(ctx context.Context, tx pgx.Tx, id string) (Agreement, error) {
	return scanAgreement(tx.QueryRow(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE id = $1`, id))
}

func (r *PGRepository) Lock(ctx context.Context, tx pgx.Tx, id string) (Agreement, error) {
	return scanAgreement(tx.QueryRow(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE id = $1 FOR UPDATE`, id))
}

func (r *PGRepository) ActiveForDeal(ctx context.Context, tx pgx.Tx, dealID string) (Agreement, error) {
	q := `SELECT ` + agreementColumns + ` FROM agreements WHERE deal_id = $1 AND status <> 'superseded'`
	return scanAgreement(tx.QueryRow(ctx, q, dealID))
}

func (r *PGRepository) LatestVersion(ctx context.Context, tx pgx.Tx, dealID string) (int, error) {
	var v int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM agreements WHERE deal_id = $1`, dealID).Scan(&v); err != nil {
		return 0, fmt.Errorf("agreement: latest version: %w", err)
	}
	return v, nil
}

func (r *PGRepository) ListForDeal(ctx context.Context, tx pgx.Tx, dealID string) ([]Agreement, error) {
	q := `SELECT ` + agreementColumns + ` FROM agreements WHERE deal_id = $1 ORDER BY version`
	return r.list(ctx, tx, q, dealID)
}

func (r *PGRepository) GetByEnvelope(ctx context.Context, tx pgx.Tx, envelopeID string) (Agreement, error) {
	return scanAgreement(tx.QueryRow(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE envelope_id = $1`, envelopeID))
}

// ListAwaitingProvider returns active agreements with an open envelope whose
// last provider sync is older than syncedBefore.
func (r *PGRepository) ListAwaitingProvider(ctx context.Context, tx pgx.Tx, syncedBefore time.Time, limit int) ([]Agreement, error) {
	q := `SELECT ` + agreementColumns + `
FROM agreements
WHERE status IN ('drafted', 'investor_signed')
  AND envelope_id IS NOT NULL
  AND (envelope_status IS NULL OR envelope_status IN ('sent', 'delivered'))
  AND COALESCE(provider_synced_at, updated_at) < $1
ORDER BY COALESCE(provider_synced_at, updated_at)
LIMIT $2`
	return r.list(ctx, tx, q, syncedBefore, limit)
}

// Update writes every mutable column of a.
func (r *PGRepository) Update(ctx context.Context, tx pgx.Tx, a Agreement) error {
	body, err := json.Marshal(terms.Normalize(a.ExhibitATerms))
	if err != nil {
		return fmt.Errorf("agreement: marshal terms: %w", err)
	}
	const q = `
UPDATE agreements
SET status = $2,
    exhibit_a_terms = $3::jsonb,
    render_seq = $4,
    investor_signed_at = $5,
    agent_signed_at = $6,
    pdf_url = $7,
    signed_pdf_url = $8,
    final_pdf_url = $9,
    envelope_id = $10,
    envelope_status = $11,
    provider_version = $12,
    provider_synced_at = $13,
    superseded_at = $14,
    updated_at = now()
WHERE id = $1`
	tag, err := tx.Exec(ctx, q,
		a.ID, a.Status, body, a.RenderSeq, a.InvestorSignedAt, a.AgentSignedAt,
		a.PDFURL, a.SignedPDFURL, a.FinalPDFURL, a.EnvelopeID, a.EnvelopeStatus,
		a.ProviderVersion, a.ProviderSyncedAt, a.SupersededAt)
	if err != nil {
		return fmt.Errorf("agreement: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAgreementNotFound
	}
	return nil
}

func (r *PGRepository) list(ctx context.Context, tx pgx.Tx, q string, args ...any) ([]Agreement, error) {
	rows, err := tx.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("agreement: list: %w", err)
	}
	defer rows.Close()

	var out []Agreement
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agreement: iterate: %w", err)
	}
	return out, nil
}

func scanAgreement(row pgx.Row) (Agreement, error) {
	var (
		a    Agreement
		body []byte
	)
	err := row.Scan(
		&a.ID,
		&a.DealID,
		&a.Version,
		&a.Status,
		&body,
		&a.RenderSeq,
		&a.InvestorSignedAt,
		&a.AgentSignedAt,
		&a.PDFURL,
		&a.SignedPDFURL,
		&a.FinalPDFURL,
		&a.EnvelopeID,
		&a.EnvelopeStatus,
		&a.ProviderVersion,
		&a.ProviderSyncedAt,
		&a.SupersededAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrAgreementNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: scan: %w", err)
	}
	if err := json.Unmarshal(body, &a.ExhibitATerms); err != nil {
		return Agreement{}, fmt.Errorf("agreement: decode terms: %w", err)
	}
	return a, nil
}
