// Package escrow owns the custody state machine of a room's funds. Commands
// serialize on the room row; custodian calls run between two transactions so
// a webhook that lands meanwhile is never overwritten.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"dealflow/apperr"
	"dealflow/db"
	"dealflow/deal"
	"dealflow/idempotency"
	"dealflow/outbox"
	"dealflow/provider/custodian"
	"dealflow/timeline"
)

type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, dealID, eventType, actorID string, payload map[string]any) error
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type IdempotencyStore interface {
	Reserve(ctx context.Context, tx pgx.Tx, key string) error
}

// RoomStore is the slice of room persistence escrow needs.
type RoomStore interface {
	GetRoom(ctx context.Context, tx pgx.Tx, id string) (deal.Room, error)
	LockRoom(ctx context.Context, tx pgx.Tx, id string) (deal.Room, error)
	Get(ctx context.Context, tx pgx.Tx, id string) (deal.Deal, error)
}

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

type Service struct {
	pool        db.TxBeginner
	repo        Repository
	rooms       RoomStore
	custodian   custodian.Provider
	idem        IdempotencyStore
	timeline    TimelineWriter
	events      OutboxWriter
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool db.TxBeginner, repo Repository, rooms RoomStore, cust custodian.Provider, idem IdempotencyStore, timeline TimelineWriter, events OutboxWriter) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if rooms == nil {
		rooms = deal.NewRepository()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		rooms:       rooms,
		custodian:   cust,
		idem:        idem,
		timeline:    timeline,
		events:      events,
		idGenerator: uuid.NewString,
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create opens an escrow transaction for an accepted room.
func (s *Service) Create(ctx context.Context, roomID string, actor deal.Actor, amount int64, currency, description string) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, apperr.Validation("amount must be positive")
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = "USD"
	}
	if !currencyPattern.MatchString(currency) {
		return Transaction{}, apperr.Validation("currency must be a three-letter code")
	}
	if actor.Role != deal.RolePrincipal {
		return Transaction{}, apperr.Authorization("only the principal may create escrow")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	room, err := s.lockRoom(ctx, tx, roomID, actor)
	if err != nil {
		return Transaction{}, err
	}
	if room.RequestStatus != deal.RoomAccepted {
		return Transaction{}, apperr.State("escrow requires an accepted room")
	}
	d, err := s.rooms.Get(ctx, tx, room.DealID)
	if err != nil {
		return Transaction{}, deal.Translate(err)
	}
	if err := deal.EnsureActive(d); err != nil {
		return Transaction{}, err
	}
	if _, err := s.repo.ActiveForRoom(ctx, tx, roomID); err == nil {
		return Transaction{}, apperr.Conflict("room already has an active escrow transaction")
	} else if !errors.Is(err, ErrNotFound) {
		return Transaction{}, err
	}

	created, err := s.repo.Insert(ctx, tx, Transaction{
		ID:          s.idGenerator(),
		RoomID:      roomID,
		DealID:      room.DealID,
		Status:      StatusCreated,
		Amount:      amount,
		Currency:    currency,
		Description: strings.TrimSpace(description),
		CreatedBy:   actor.ID,
	})
	if errors.Is(err, ErrActiveExists) {
		return Transaction{}, apperr.Conflict("room already has an active escrow transaction")
	}
	if err != nil {
		return Transaction{}, err
	}

	payload := map[string]any{"escrow_id": created.ID, "amount": amount, "currency": currency}
	if err := s.appendTimeline(ctx, tx, created.DealID, timeline.EscrowCreated, actor.ID, payload); err != nil {
		return Transaction{}, err
	}
	if err := s.enqueue(ctx, tx, outbox.TopicEscrowStatusChanged, statusPayload(created, StatusNone)); err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit tx: %w", err)
	}
	return created, nil
}

// Fund moves created escrow to funded through the custodian. A custodian
// failure leaves the transaction in created.
func (s *Service) Fund(ctx context.Context, roomID string, actor deal.Actor) (Transaction, error) {
	if actor.Role != deal.RolePrincipal {
		return Transaction{}, apperr.Authorization("only the principal may fund escrow")
	}
	current, err := s.checkActive(ctx, roomID, actor, func(e Transaction) error {
		if e.Status != StatusCreated {
			return apperr.State("escrow in status %s cannot be funded", e.Status)
		}
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}

	ext, err := s.ensureExternal(ctx, current)
	if err != nil {
		return Transaction{}, err
	}
	funded, err := s.custodian.FundTransaction(ctx, ext.ID)
	if err != nil {
		return Transaction{}, apperr.Provider(err, "custodian rejected funding")
	}

	return s.applyCommandResult(ctx, roomID, current.ID, actor.ID, funded, func(e Transaction) (Status, error) {
		if e.Status != StatusCreated {
			// The custodian already reported a newer state.
			return e.Status, nil
		}
		return StatusFunded, nil
	})
}

// Release accepts or rejects funded escrow.
func (s *Service) Release(ctx context.Context, roomID string, actor deal.Actor, action ReleaseAction) (Transaction, error) {
	if _, err := ParseReleaseAction(string(action)); err != nil {
		return Transaction{}, err
	}
	if actor.Role != deal.RolePrincipal {
		return Transaction{}, apperr.Authorization("only the principal may release escrow")
	}
	current, err := s.checkActive(ctx, roomID, actor, func(e Transaction) error {
		if !e.Status.Releasable() {
			return apperr.State("escrow in status %s cannot be released", e.Status)
		}
		if e.ExternalID == nil {
			return apperr.State("escrow has no custodian transaction")
		}
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}

	released, err := s.custodian.ReleaseTransaction(ctx, *current.ExternalID, action == ReleaseAccept)
	if err != nil {
		return Transaction{}, apperr.Provider(err, "custodian rejected release")
	}

	return s.applyCommandResult(ctx, roomID, current.ID, actor.ID, released, func(e Transaction) (Status, error) {
		if !e.Status.Releasable() {
			// A custodian status such as disputed landed while the call was in
			// flight; it wins.
			return "", apperr.State("escrow moved to %s during release", e.Status)
		}
		if action == ReleaseReject {
			return StatusRejected, nil
		}
		if st, err := ParseStatus(released.Status); err == nil && (st == StatusDisbursed || st == StatusCompleted) {
			return st, nil
		}
		return StatusAccepted, nil
	})
}

// checkActive validates a command against the room's active transaction in a
// short read transaction.
func (s *Service) checkActive(ctx context.Context, roomID string, actor deal.Actor, check func(Transaction) error) (Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.lockRoom(ctx, tx, roomID, actor); err != nil {
		return Transaction{}, err
	}
	current, err := s.latest(ctx, tx, roomID)
	if err != nil {
		return Transaction{}, err
	}
	if err := check(current); err != nil {
		return Transaction{}, err
	}
	return current, nil
}

// ensureExternal opens the custodian transaction if it does not exist yet.
// Creation is idempotent on the escrow id.
func (s *Service) ensureExternal(ctx context.Context, e Transaction) (custodian.Transaction, error) {
	if e.ExternalID != nil {
		return custodian.Transaction{ID: *e.ExternalID}, nil
	}
	ext, err := s.custodian.CreateTransaction(ctx, custodian.CreateRequest{
		Reference:   e.ID,
		Amount:      e.Amount,
		Currency:    e.Currency,
		Description: e.Description,
	})
	if err != nil {
		return custodian.Transaction{}, apperr.Provider(err, "custodian rejected transaction")
	}
	return ext, nil
}

// applyCommandResult re-locks the room and records the custodian's answer.
// next picks the status from the row as it is now.
func (s *Service) applyCommandResult(ctx context.Context, roomID, escrowID, actorID string, ext custodian.Transaction, next func(Transaction) (Status, error)) (Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.rooms.LockRoom(ctx, tx, roomID); err != nil {
		return Transaction{}, deal.Translate(err)
	}
	e, err := s.repo.Get(ctx, tx, escrowID)
	if err != nil {
		return Transaction{}, translate(err)
	}
	status, err := next(e)
	if err != nil {
		return Transaction{}, err
	}

	now := s.now().UTC()
	if e.ExternalID == nil && ext.ID != "" {
		e.ExternalID = &ext.ID
	}
	if ext.Version > e.ProviderVersion {
		e.ProviderVersion = ext.Version
	}
	e.ProviderSyncedAt = &now
	if _, err := s.transition(ctx, tx, &e, status, actorID); err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit tx: %w", err)
	}
	return e, nil
}

// ApplyProviderStatus applies the custodian's status. Custodian statuses are
// authoritative and may skip states; replays of a delivery and versions older
// than the last applied one change nothing.
func (s *Service) ApplyProviderStatus(ctx context.Context, update ProviderUpdate) (Transaction, bool, error) {
	if update.ExternalID == "" {
		return Transaction{}, false, apperr.Validation("transaction id required")
	}
	if _, err := ParseStatus(string(update.Status)); err != nil {
		return Transaction{}, false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, false, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if update.IdempotencyKey != "" && s.idem != nil {
		if err := s.idem.Reserve(ctx, tx, update.IdempotencyKey); err != nil {
			if errors.Is(err, idempotency.ErrDuplicateKey) {
				return Transaction{}, false, nil
			}
			return Transaction{}, false, err
		}
	}

	e, err := s.repo.GetByExternalID(ctx, tx, update.ExternalID)
	if err != nil {
		return Transaction{}, false, translate(err)
	}
	if _, err := s.rooms.LockRoom(ctx, tx, e.RoomID); err != nil {
		return Transaction{}, false, deal.Translate(err)
	}
	if e, err = s.repo.Get(ctx, tx, e.ID); err != nil {
		return Transaction{}, false, translate(err)
	}

	changed := false
	now := s.now().UTC()
	switch {
	case e.Status.Terminal():
	case update.Version > e.ProviderVersion:
		e.ProviderVersion = update.Version
		e.ProviderSyncedAt = &now
		if changed, err = s.transition(ctx, tx, &e, update.Status, ""); err != nil {
			return Transaction{}, false, err
		}
	case update.IdempotencyKey == "":
		// A poll that found nothing newer still counts as a sync.
		e.ProviderSyncedAt = &now
		if err := s.repo.Update(ctx, tx, e); err != nil {
			return Transaction{}, false, translate(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, false, fmt.Errorf("escrow: commit tx: %w", err)
	}
	return e, changed, nil
}

// AttachExternal records the custodian transaction opened for escrowID.
func (s *Service) AttachExternal(ctx context.Context, escrowID, externalID string) (Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.repo.Get(ctx, tx, escrowID)
	if err != nil {
		return Transaction{}, translate(err)
	}
	if _, err := s.rooms.LockRoom(ctx, tx, e.RoomID); err != nil {
		return Transaction{}, deal.Translate(err)
	}
	if e, err = s.repo.Get(ctx, tx, escrowID); err != nil {
		return Transaction{}, translate(err)
	}
	if e.ExternalID != nil {
		if *e.ExternalID == externalID {
			return e, nil
		}
		return Transaction{}, apperr.Conflict("escrow already has a custodian transaction")
	}
	e.ExternalID = &externalID
	if err := s.repo.Update(ctx, tx, e); err != nil {
		return Transaction{}, translate(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit tx: %w", err)
	}
	return e, nil
}

// Current returns the room's latest transaction, or nil when escrow was never
// opened.
func (s *Service) Current(ctx context.Context, roomID string) (*Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return CurrentIn(ctx, tx, s.repo, roomID)
}

// CurrentIn reads the room's latest transaction inside an existing transaction.
func CurrentIn(ctx context.Context, tx pgx.Tx, repo Repository, roomID string) (*Transaction, error) {
	e, err := repo.LatestForRoom(ctx, tx, roomID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Service) Get(ctx context.Context, escrowID string) (Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.repo.Get(ctx, tx, escrowID)
	if err != nil {
		return Transaction{}, translate(err)
	}
	return e, nil
}

func (s *Service) ListAwaitingProvider(ctx context.Context, staleBefore time.Time, limit int) ([]Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return s.repo.ListAwaitingProvider(ctx, tx, staleBefore, limit)
}

// transition persists e with status next and records the side effects of an
// actual change. Provider bookkeeping on e is persisted either way.
func (s *Service) transition(ctx context.Context, tx pgx.Tx, e *Transaction, next Status, actorID string) (bool, error) {
	prev := e.Status
	changed := prev != next
	if changed {
		e.Status = next
		if next == StatusCompleted && e.CompletedAt == nil {
			now := s.now().UTC()
			e.CompletedAt = &now
		}
	}
	if err := s.repo.Update(ctx, tx, *e); err != nil {
		return false, translate(err)
	}
	if !changed {
		return false, nil
	}

	payload := map[string]any{"escrow_id": e.ID, "from": string(prev), "to": string(next)}
	if err := s.appendTimeline(ctx, tx, e.DealID, timeline.EscrowStatusChanged, actorID, payload); err != nil {
		return false, err
	}
	if err := s.enqueue(ctx, tx, outbox.TopicEscrowStatusChanged, statusPayload(*e, prev)); err != nil {
		return false, err
	}
	if next.releasesFunds() && !prev.releasesFunds() {
		if err := s.enqueue(ctx, tx, outbox.TopicEscrowFundsReleased, statusPayload(*e, prev)); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (s *Service) lockRoom(ctx context.Context, tx pgx.Tx, roomID string, actor deal.Actor) (deal.Room, error) {
	room, err := s.rooms.LockRoom(ctx, tx, roomID)
	if err != nil {
		return deal.Room{}, deal.Translate(err)
	}
	if room.PrincipalID != actor.ID {
		return deal.Room{}, apperr.Authorization("only the room's principal may manage escrow")
	}
	return room, nil
}

func (s *Service) latest(ctx context.Context, tx pgx.Tx, roomID string) (Transaction, error) {
	e, err := s.repo.LatestForRoom(ctx, tx, roomID)
	if errors.Is(err, ErrNotFound) {
		return Transaction{}, apperr.State("room has no escrow transaction")
	}
	return e, err
}

func (s *Service) appendTimeline(ctx context.Context, tx pgx.Tx, dealID, eventType, actorID string, payload map[string]any) error {
	if s.timeline == nil {
		return nil
	}
	if err := s.timeline.Append(ctx, tx, dealID, eventType, actorID, payload); err != nil {
		return fmt.Errorf("escrow: append timeline: %w", err)
	}
	return nil
}

func (s *Service) enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if s.events == nil {
		return nil
	}
	if err := s.events.Enqueue(ctx, tx, topic, payload); err != nil {
		return fmt.Errorf("escrow: enqueue outbox: %w", err)
	}
	return nil
}

func statusPayload(e Transaction, prev Status) map[string]any {
	return map[string]any{
		"deal_id":   e.DealID,
		"room_id":   e.RoomID,
		"escrow_id": e.ID,
		"previous":  string(prev),
		"status":    string(e.Status),
		"amount":    e.Amount,
		"currency":  e.Currency,
	}
}

func translate(err error) error {
	if errors.Is(err, ErrNotFound) {
		return apperr.NotFound("escrow transaction not found")
	}
	return err
}
