package deal

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
	// ErrNotFound is returned when no deal row exists for the identifier.
	ErrNotFound = errors.New("deal: not found")
	// ErrRoomNotFound is returned when no room row matches.
	ErrRoomNotFound = errors.New("deal: room not found")
	// ErrRoomExists signals the one-active-room-per-deal guard fired.
	ErrRoomExists = errors.New("deal: active room already exists")
)

// Repository is the deal data access used by the services of this package.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, d Deal) (Deal, error)
	Get(ctx context.Context, tx pgx.Tx, id string) (Deal, error)
	Lock(ctx context.Context, tx pgx.Tx, id string) (Deal, error)
	ListForActor(ctx context.Context, tx pgx.Tx, actorID string, limit int) ([]Deal, error)
	UpdateStage(ctx context.Context, tx pgx.Tx, id string, stage Stage) error
	SetCounterparty(ctx context.Context, tx pgx.Tx, id, counterpartyID string) error
	SetPurchaseContract(ctx context.Context, tx pgx.Tx, id, url string) error
	Archive(ctx context.Context, tx pgx.Tx, id string, at time.Time) error
}

// RoomRepository is the room data access.
type RoomRepository interface {
	InsertRoom(ctx context.Context, tx pgx.Tx, r Room) (Room, error)
	GetRoom(ctx context.Context, tx pgx.Tx, id string) (Room, error)
	LockRoom(ctx context.Context, tx pgx.Tx, id string) (Room, error)
	ActiveRoomForDeal(ctx context.Context, tx pgx.Tx, dealID string) (Room, error)
	UpdateRoomStatus(ctx context.Context, tx pgx.Tx, id string, status RoomStatus, at time.Time) (Room, error)
}

// PGRepository implements Repository and RoomRepository on PostgreSQL.
type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const dealColumns = `id, principal_id, counterparty_id, property_address, city, state, zip, price,
       pipeline_stage, proposed_terms, purchase_contract_url, agreement_pdf_url,
       is_fully_signed, unlocked_at, archived_at, created_at, updated_at`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, d Deal) (Deal, error) {
	body, err := json.Marshal(terms.Normalize(d.ProposedTerms))
	if err != nil {
		return Deal{}, fmt.Errorf("deal: marshal terms: %w", err)
	}
	q := `
INSERT INTO deals (id, principal_id, property_address, city, state, zip, price, pipeline_stage, proposed_terms)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
RETURNING ` + dealColumns
	return scanDeal(tx.QueryRow(ctx, q,
		d.ID, d.PrincipalID, d.PropertyAddress, d.City, d.State, d.Zip, d.Price, d.PipelineStage, body))
}

func (r *PGRepository) Get(ctx context.Context, tx pgx.Tx, id string) (Deal, error) {
	return scanDeal(tx.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, id))
}

// Lock loads the deal and holds its row lock until the transaction ends. All
// deal-scoped commands serialize on this lock.
func (r *PGRepository) Lock(ctx context.Context, tx pgx.Tx, id string) (Deal, error) {
	return scanDeal(tx.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1 FOR UPDATE`, id))
}

func (r *PGRepository) ListForActor(ctx context.Context, tx pgx.Tx, actorID string, limit int) ([]Deal, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	q := `SELECT ` + dealColumns + `
FROM deals
WHERE (principal_id = $1 OR counterparty_id = $1) AND archived_at IS NULL
ORDER BY created_at DESC
LIMIT $2`
	rows, err := tx.Query(ctx, q, actorID, limit)
	if err != nil {
		return nil, fmt.Errorf("deal: list: %w", err)
	}
	defer rows.Close()

	out := make([]Deal, 0, 8)
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deal: iterate: %w", err)
	}
	return out, nil
}

// UpdateTerms replaces the deal's proposed terms.
func (r *PGRepository) UpdateTerms(ctx context.Context, tx pgx.Tx, id string, t terms.Terms) error {
	body, err := json.Marshal(terms.Normalize(t))
	if err != nil {
		return fmt.Errorf("deal: marshal terms: %w", err)
	}
	return r.exec(ctx, tx, "update terms",
		`UPDATE deals SET proposed_terms = $2::jsonb, updated_at = now() WHERE id = $1`, id, body)
}

func (r *PGRepository) UpdateStage(ctx context.Context, tx pgx.Tx, id string, stage Stage) error {
	return r.exec(ctx, tx, "update stage",
		`UPDATE deals SET pipeline_stage = $2, updated_at = now() WHERE id = $1`, id, stage)
}

// UpdateSignatureState refreshes the cached full-signature flag. unlockedAt
// is sticky: once set it is never cleared.
func (r *PGRepository) UpdateSignatureState(ctx context.Context, tx pgx.Tx, id string, fullySigned bool, unlockedAt *time.Time) error {
	return r.exec(ctx, tx, "update signature state", `
UPDATE deals
SET is_fully_signed = $2,
    unlocked_at = COALESCE(unlocked_at, $3),
    updated_at = now()
WHERE id = $1`, id, fullySigned, unlockedAt)
}

func (r *PGRepository) SetAgreementPDF(ctx context.Context, tx pgx.Tx, id, url string) error {
	return r.exec(ctx, tx, "set agreement pdf",
		`UPDATE deals SET agreement_pdf_url = $2, updated_at = now() WHERE id = $1`, id, url)
}

func (r *PGRepository) SetCounterparty(ctx context.Context, tx pgx.Tx, id, counterpartyID string) error {
	return r.exec(ctx, tx, "set counterparty",
		`UPDATE deals SET counterparty_id = $2, updated_at = now() WHERE id = $1`, id, counterpartyID)
}

func (r *PGRepository) SetPurchaseContract(ctx context.Context, tx pgx.Tx, id, url string) error {
	return r.exec(ctx, tx, "set purchase contract",
		`UPDATE deals SET purchase_contract_url = $2, updated_at = now() WHERE id = $1`, id, url)
}

func (r *PGRepository) Archive(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	return r.exec(ctx, tx, "archive",
		`UPDATE deals SET archived_at = COALESCE(archived_at, $2), updated_at = now() WHERE id = $1`, id, at)
}

func (r *PGRepository) exec(ctx context.Context, tx pgx.Tx, action, q string, args ...any) error {
	tag, err := tx.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("deal: %s: %w", action, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const roomColumns = `id, deal_id, principal_id, counterparty_id, request_status, deal_city, deal_state,
       deal_price, accepted_at, created_at, updated_at`

func (r *PGRepository) InsertRoom(ctx context.Context, tx pgx.Tx, room Room) (Room, error) {
	q := `
INSERT INTO rooms (id, deal_id, principal_id, counterparty_id, request_status, deal_city, deal_state, deal_price)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING ` + roomColumns
	out, err := scanRoom(tx.QueryRow(ctx, q,
		room.ID, room.DealID, room.PrincipalID, room.CounterpartyID, room.RequestStatus,
		room.DealCity, room.DealState, room.DealPrice))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Room{}, ErrRoomExists
		}
		return Room{}, err
	}
	return out, nil
}

func (r *PGRepository) GetRoom(ctx context.Context, tx pgx.Tx, id string) (Room, error) {
	return scanRoom(tx.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id))
}

// LockRoom serializes escrow commands on one room.
func (r *PGRepository) LockRoom(ctx context.Context, tx pgx.Tx, id string) (Room, error) {
	return scanRoom(tx.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1 FOR UPDATE`, id))
}

func (r *PGRepository) ActiveRoomForDeal(ctx context.Context, tx pgx.Tx, dealID string) (Room, error) {
	q := `SELECT ` + roomColumns + `
FROM rooms
WHERE deal_id = $1 AND request_status IN ('requested', 'accepted')
LIMIT 1`
	return scanRoom(tx.QueryRow(ctx, q, dealID))
}

func (r *PGRepository) UpdateRoomStatus(ctx context.Context, tx pgx.Tx, id string, status RoomStatus, at time.Time) (Room, error) {
	q := `
UPDATE rooms
SET request_status = $2,
    accepted_at = CASE WHEN $2 = 'accepted' THEN $3 ELSE accepted_at END,
    updated_at = now()
WHERE id = $1
RETURNING ` + roomColumns
	return scanRoom(tx.QueryRow(ctx, q, id, status, at))
}

func scanDeal(row pgx.Row) (Deal, error) {
	var (
		d         Deal
		termsJSON []byte
	)
	err := row.Scan(
		&d.ID,
		&d.PrincipalID,
		&d.CounterpartyID,
		&d.PropertyAddress,
		&d.City,
		&d.State,
		&d.Zip,
		&d.Price,
		&d.PipelineStage,
		&termsJSON,
		&d.PurchaseContractURL,
		&d.AgreementPDFURL,
		&d.IsFullySigned,
		&d.UnlockedAt,
		&d.ArchivedAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deal{}, ErrNotFound
		}
		return Deal{}, fmt.Errorf("deal: scan: %w", err)
	}
	if err := json.Unmarshal(termsJSON, &d.ProposedTerms); err != nil {
		return Deal{}, fmt.Errorf("deal: decode terms: %w", err)
	}
	return d, nil
}

func scanRoom(row pgx.Row) (Room, error) {
	var r Room
	err := row.Scan(
		&r.ID,
		&r.DealID,
		&r.PrincipalID,
		&r.CounterpartyID,
		&r.RequestStatus,
		&r.DealCity,
		&r.DealState,
		&r.DealPrice,
		&r.AcceptedAt,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Room{}, ErrRoomNotFound
		}
		return Room{}, fmt.Errorf("deal: scan room: %w", err)
	}
	return r, nil
}
