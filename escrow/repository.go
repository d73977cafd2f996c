package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"dealflow/db"
)

var (
	ErrNotFound = errors.New("escrow: not found")
	// ErrActiveExists signals the one-active-escrow-per-room index fired.
	ErrActiveExists = errors.New("escrow: active transaction exists")
)

type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, e Transaction) (Transaction, error)
	Get(ctx context.Context, tx pgx.Tx, id string) (Transaction, error)
	ActiveForRoom(ctx context.Context, tx pgx.Tx, roomID string) (Transaction, error)
	LatestForRoom(ctx context.Context, tx pgx.Tx, roomID string) (Transaction, error)
	GetByExternalID(ctx context.Context, tx pgx.Tx, externalID string) (Transaction, error)
	Update(ctx context.Context, tx pgx.Tx, e Transaction) error
	ListAwaitingProvider(ctx context.Context, tx pgx.Tx, syncedBefore time.Time, limit int) ([]Transaction, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const escrowColumns = `id, room_id, deal_id, status, amount, currency, description, external_id,
       provider_version, provider_synced_at, completed_at, created_by, created_at, updated_at`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, e Transaction) (Transaction, error) {
	q := `
INSERT INTO escrow_transactions (id, room_id, deal_id, status, amount, currency, description, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING ` + escrowColumns
	out, err := scanEscrow(tx.QueryRow(ctx, q, e.ID, e.RoomID, e.DealID, e.Status, e.Amount, e.Currency, e.Description, e.CreatedBy))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Transaction{}, ErrActiveExists
		}
		return Transaction{}, err
	}
	return out, nil
}

func (r *PGRepository) Get(ctx context.Context, tx pgx.Tx, id string) (Transaction, error) {
	return scanEscrow(tx.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrow_transactions WHERE id = $1`, id))
}

func (r *PGRepository) ActiveForRoom(ctx context.Context, tx pgx.Tx, roomID string) (Transaction, error) {
	q := `SELECT ` + escrowColumns + `
FROM escrow_transactions
WHERE room_id = $1 AND status NOT IN ('completed', 'cancelled', 'rejected')`
	return scanEscrow(tx.QueryRow(ctx, q, roomID))
}

func (r *PGRepository) LatestForRoom(ctx context.Context, tx pgx.Tx, roomID string) (Transaction, error) {
	q := `SELECT ` + escrowColumns + `
FROM escrow_transactions
WHERE room_id = $1
ORDER BY created_at DESC, id DESC
LIMIT 1`
	return scanEscrow(tx.QueryRow(ctx, q, roomID))
}

func (r *PGRepository) GetByExternalID(ctx context.Context, tx pgx.Tx, externalID string) (Transaction, error) {
	return scanEscrow(tx.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrow_transactions WHERE external_id = $1`, externalID))
}

func (r *PGRepository) Update(ctx context.Context, tx pgx.Tx, e Transaction) error {
	const q = `
UPDATE escrow_transactions
SET status = $2,
    external_id = $3,
    provider_version = $4,
    provider_synced_at = $5,
    completed_at = $6,
    updated_at = now()
WHERE id = $1`
	tag, err := tx.Exec(ctx, q, e.ID, e.Status, e.ExternalID, e.ProviderVersion, e.ProviderSyncedAt, e.CompletedAt)
	if err != nil {
		return fmt.Errorf("escrow: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAwaitingProvider returns non-terminal transactions known to the
// custodian whose last sync is older than syncedBefore.
func (r *PGRepository) ListAwaitingProvider(ctx context.Context, tx pgx.Tx, syncedBefore time.Time, limit int) ([]Transaction, error) {
	q := `SELECT ` + escrowColumns + `
FROM escrow_transactions
WHERE status NOT IN ('completed', 'cancelled', 'rejected')
  AND external_id IS NOT NULL
  AND COALESCE(provider_synced_at, updated_at) < $1
ORDER BY COALESCE(provider_synced_at, updated_at)
LIMIT $2`
	rows, err := tx.Query(ctx, q, syncedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("escrow: list awaiting provider: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate: %w", err)
	}
	return out, nil
}

func scanEscrow(row pgx.Row) (Transaction, error) {
	var e Transaction
	err := row.Scan(
		&e.ID,
		&e.RoomID,
		&e.DealID,
		&e.Status,
		&e.Amount,
		&e.Currency,
		&e.Description,
		&e.ExternalID,
		&e.ProviderVersion,
		&e.ProviderSyncedAt,
		&e.CompletedAt,
		&e.CreatedBy,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("escrow: scan: %w", err)
	}
	return e, nil
}
