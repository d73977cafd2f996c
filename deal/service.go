package deal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"dealflow/apperr"
	"dealflow/db"
	"dealflow/outbox"
	"dealflow/terms"
	"dealflow/timeline"
)

type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, dealID, eventType, actorID string, payload map[string]any) error
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service owns deal creation, archival and document references.
type Service struct {
	pool        db.TxBeginner
	repo        Repository
	timeline    TimelineWriter
	events      OutboxWriter
	idGenerator func() string
	now         func() time.Time
}

type CreateParams struct {
	PrincipalID     string
	PropertyAddress string
	City            string
	State           string
	Zip             string
	Price           int64
	Terms           *terms.Terms
}

func NewService(pool db.TxBeginner, repo Repository, timeline TimelineWriter, events OutboxWriter) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
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

func (s *Service) Create(ctx context.Context, params CreateParams) (Deal, error) {
	if params.PrincipalID == "" {
		return Deal{}, apperr.Validation("principal id required")
	}
	if strings.TrimSpace(params.City) == "" || strings.TrimSpace(params.State) == "" {
		return Deal{}, apperr.Validation("city and state required")
	}
	if params.Price <= 0 {
		return Deal{}, apperr.Validation("price must be positive")
	}
	proposed := DefaultTerms
	if params.Terms != nil {
		if err := terms.Validate(*params.Terms); err != nil {
			return Deal{}, err
		}
		proposed = *params.Terms
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Deal{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Insert(ctx, tx, Deal{
		ID:              s.idGenerator(),
		PrincipalID:     params.PrincipalID,
		PropertyAddress: strings.TrimSpace(params.PropertyAddress),
		City:            strings.TrimSpace(params.City),
		State:           strings.TrimSpace(params.State),
		Zip:             strings.TrimSpace(params.Zip),
		Price:           params.Price,
		PipelineStage:   StageNew,
		ProposedTerms:   terms.Normalize(proposed),
	})
	if err != nil {
		return Deal{}, err
	}

	if s.timeline != nil {
		payload := map[string]any{"city": created.City, "state": created.State, "price": created.Price}
		if err := s.timeline.Append(ctx, tx, created.ID, timeline.DealCreated, params.PrincipalID, payload); err != nil {
			return Deal{}, fmt.Errorf("deal: append timeline: %w", err)
		}
	}
	if s.events != nil {
		payload := map[string]any{"deal_id": created.ID, "principal_id": created.PrincipalID}
		if err := s.events.Enqueue(ctx, tx, outbox.TopicDealCreated, payload); err != nil {
			return Deal{}, fmt.Errorf("deal: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Deal{}, fmt.Errorf("deal: commit tx: %w", err)
	}
	return created, nil
}

// Get loads a deal without locking it.
func (s *Service) Get(ctx context.Context, dealID string) (Deal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Deal{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.Get(ctx, tx, dealID)
	if err != nil {
		return Deal{}, Translate(err)
	}
	return d, nil
}

// ListForActor returns the non-archived deals the actor participates in.
func (s *Service) ListForActor(ctx context.Context, actorID string, limit int) ([]Deal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return s.repo.ListForActor(ctx, tx, actorID, limit)
}

// Archive hides a deal from listings and freezes it. Archiving twice is a
// no-op.
func (s *Service) Archive(ctx context.Context, dealID string, actor Actor) (Deal, error) {
	if actor.Role != RolePrincipal {
		return Deal{}, apperr.Authorization("only the principal may archive a deal")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Deal{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.Lock(ctx, tx, dealID)
	if err != nil {
		return Deal{}, Translate(err)
	}
	if d.Archived() {
		return d, nil
	}
	at := s.now().UTC()
	if err := s.repo.Archive(ctx, tx, dealID, at); err != nil {
		return Deal{}, Translate(err)
	}
	d.ArchivedAt = &at

	if s.timeline != nil {
		if err := s.timeline.Append(ctx, tx, dealID, timeline.DealArchived, actor.ID, map[string]any{"archived_at": at}); err != nil {
			return Deal{}, fmt.Errorf("deal: append timeline: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Deal{}, fmt.Errorf("deal: commit tx: %w", err)
	}
	return d, nil
}

// AttachPurchaseContract records the stored purchase contract on the deal.
func (s *Service) AttachPurchaseContract(ctx context.Context, dealID string, actor Actor, url string) (Deal, error) {
	if actor.Role != RolePrincipal {
		return Deal{}, apperr.Authorization("only the principal may upload the purchase contract")
	}
	if strings.TrimSpace(url) == "" {
		return Deal{}, apperr.Validation("document url required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Deal{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.Lock(ctx, tx, dealID)
	if err != nil {
		return Deal{}, Translate(err)
	}
	if err := EnsureActive(d); err != nil {
		return Deal{}, err
	}
	if err := s.repo.SetPurchaseContract(ctx, tx, dealID, url); err != nil {
		return Deal{}, Translate(err)
	}
	d.PurchaseContractURL = &url

	if s.timeline != nil {
		if err := s.timeline.Append(ctx, tx, dealID, timeline.PurchaseContractStored, actor.ID, map[string]any{"url": url}); err != nil {
			return Deal{}, fmt.Errorf("deal: append timeline: %w", err)
		}
	}
	if s.events != nil {
		if err := s.events.Enqueue(ctx, tx, outbox.TopicPurchaseContractUpdated, map[string]any{"deal_id": dealID}); err != nil {
			return Deal{}, fmt.Errorf("deal: enqueue outbox: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Deal{}, fmt.Errorf("deal: commit tx: %w", err)
	}
	return d, nil
}

// EnsureActive rejects mutations on archived deals.
func EnsureActive(d Deal) error {
	if d.Archived() {
		return apperr.State("deal %s is archived", d.ID)
	}
	return nil
}

// Translate maps repository sentinels onto the error taxonomy.
func Translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return apperr.NotFound("deal not found")
	case errors.Is(err, ErrRoomNotFound):
		return apperr.NotFound("room not found")
	case errors.Is(err, ErrRoomExists):
		return apperr.Conflict("deal already has an active room")
	default:
		return err
	}
}
