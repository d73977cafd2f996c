// Package negotiation exchanges counter-offers between the two parties of a
// deal. A deal has at most one pending offer; only the addressed party may
// answer it, and accepting writes the terms onto the deal without touching
// any agreement.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"dealflow/apperr"
	"dealflow/db"
	"dealflow/deal"
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

// DealStore is the slice of deal persistence the negotiator needs.
type DealStore interface {
	Get(ctx context.Context, tx pgx.Tx, id string) (deal.Deal, error)
	Lock(ctx context.Context, tx pgx.Tx, id string) (deal.Deal, error)
	UpdateTerms(ctx context.Context, tx pgx.Tx, id string, t terms.Terms) error
}

type Service struct {
	pool        db.TxBeginner
	repo        Repository
	deals       DealStore
	timeline    TimelineWriter
	events      OutboxWriter
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool db.TxBeginner, repo Repository, deals DealStore, timeline TimelineWriter, events OutboxWriter) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if deals == nil {
		deals = deal.NewRepository()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		deals:       deals,
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

// Propose opens a pending counter-offer addressed to the other party.
func (s *Service) Propose(ctx context.Context, dealID string, actor deal.Actor, proposed terms.Terms) (CounterOffer, error) {
	if actor.Role.Opposite() == "" {
		return CounterOffer{}, apperr.Authorization("actor has no role on this deal")
	}
	if err := terms.Validate(proposed); err != nil {
		return CounterOffer{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return CounterOffer{}, fmt.Errorf("negotiation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.lockNegotiable(ctx, tx, dealID)
	if err != nil {
		return CounterOffer{}, err
	}
	if _, err := s.repo.PendingForDeal(ctx, tx, d.ID); err == nil {
		return CounterOffer{}, apperr.Conflict("a counter-offer is already pending for this deal")
	} else if !errors.Is(err, ErrNotFound) {
		return CounterOffer{}, err
	}

	created, err := s.insert(ctx, tx, CounterOffer{
		ID:         s.idGenerator(),
		DealID:     d.ID,
		FromRole:   actor.Role,
		ToRole:     actor.Role.Opposite(),
		TermsDelta: terms.Normalize(proposed),
		Status:     StatusPending,
		ProposedBy: actor.ID,
	})
	if err != nil {
		return CounterOffer{}, err
	}
	if err := s.record(ctx, tx, created, actor.ID, timeline.CounterOfferProposed, outbox.TopicCounterOfferProposed); err != nil {
		return CounterOffer{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return CounterOffer{}, fmt.Errorf("negotiation: commit tx: %w", err)
	}
	return created, nil
}

// Respond answers a pending counter-offer. Recounter closes it and opens a new
// pending offer with the roles swapped in the same transaction.
func (s *Service) Respond(ctx context.Context, offerID string, actor deal.Actor, action Action, custom *terms.Terms) (Response, error) {
	if action.resultStatus() == "" {
		return Response{}, apperr.Validation("unknown counter-offer action %q", action)
	}
	if action == ActionRecounter {
		if custom == nil {
			return Response{}, apperr.Validation("recounter requires terms")
		}
		if err := terms.Validate(*custom); err != nil {
			return Response{}, err
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Response{}, fmt.Errorf("negotiation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	offer, err := s.repo.Get(ctx, tx, offerID)
	if err != nil {
		return Response{}, translate(err)
	}
	d, err := s.lockNegotiable(ctx, tx, offer.DealID)
	if err != nil {
		return Response{}, err
	}
	// Re-read under the deal lock; a concurrent responder may have won.
	if offer, err = s.repo.Get(ctx, tx, offerID); err != nil {
		return Response{}, translate(err)
	}
	if actor.Role != offer.ToRole {
		return Response{}, apperr.Authorization("only the %s may respond to this counter-offer", offer.ToRole)
	}
	if offer.Status != StatusPending {
		return Response{}, apperr.State("counter-offer is already %s", offer.Status)
	}

	now := s.now().UTC()
	updated, err := s.repo.UpdateStatus(ctx, tx, offer.ID, action.resultStatus(), actor.ID, now)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Response{}, apperr.State("counter-offer is no longer pending")
		}
		return Response{}, err
	}
	out := Response{Offer: updated}

	switch action {
	case ActionAccept:
		if err := s.deals.UpdateTerms(ctx, tx, d.ID, offer.TermsDelta); err != nil {
			return Response{}, deal.Translate(err)
		}
	case ActionDecline:
	case ActionRecounter:
		counter, err := s.insert(ctx, tx, CounterOffer{
			ID:         s.idGenerator(),
			DealID:     d.ID,
			FromRole:   actor.Role,
			ToRole:     actor.Role.Opposite(),
			TermsDelta: terms.Normalize(*custom),
			Status:     StatusPending,
			ProposedBy: actor.ID,
			ParentID:   &offer.ID,
		})
		if err != nil {
			return Response{}, err
		}
		out.Counter = &counter
	}

	if err := s.record(ctx, tx, updated, actor.ID, timeline.CounterOfferResponded, outbox.TopicCounterOfferResponded); err != nil {
		return Response{}, err
	}
	if out.Counter != nil {
		if err := s.record(ctx, tx, *out.Counter, actor.ID, timeline.CounterOfferProposed, outbox.TopicCounterOfferProposed); err != nil {
			return Response{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Response{}, fmt.Errorf("negotiation: commit tx: %w", err)
	}
	return out, nil
}

// Get returns one counter-offer.
func (s *Service) Get(ctx context.Context, offerID string) (CounterOffer, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return CounterOffer{}, fmt.Errorf("negotiation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := s.repo.Get(ctx, tx, offerID)
	if err != nil {
		return CounterOffer{}, translate(err)
	}
	return o, nil
}

// Pending returns the deal's pending offer, or nil when there is none.
func (s *Service) Pending(ctx context.Context, dealID string) (*CounterOffer, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("negotiation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return PendingIn(ctx, tx, s.repo, dealID)
}

// PendingIn reads the pending offer inside an existing transaction.
func PendingIn(ctx context.Context, tx pgx.Tx, repo Repository, dealID string) (*CounterOffer, error) {
	o, err := repo.PendingForDeal(ctx, tx, dealID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// History lists every offer of the deal in creation order.
func (s *Service) History(ctx context.Context, dealID string) ([]CounterOffer, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("negotiation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return s.repo.ListForDeal(ctx, tx, dealID)
}

func (s *Service) lockNegotiable(ctx context.Context, tx pgx.Tx, dealID string) (deal.Deal, error) {
	d, err := s.deals.Lock(ctx, tx, dealID)
	if err != nil {
		return deal.Deal{}, deal.Translate(err)
	}
	if err := deal.EnsureActive(d); err != nil {
		return deal.Deal{}, err
	}
	if !d.HasCounterparty() {
		return deal.Deal{}, apperr.State("negotiation requires an accepted room")
	}
	return d, nil
}

func (s *Service) insert(ctx context.Context, tx pgx.Tx, o CounterOffer) (CounterOffer, error) {
	created, err := s.repo.Insert(ctx, tx, o)
	if errors.Is(err, ErrPendingExists) {
		return CounterOffer{}, apperr.Conflict("a counter-offer is already pending for this deal")
	}
	return created, err
}

func (s *Service) record(ctx context.Context, tx pgx.Tx, o CounterOffer, actorID, eventType, topic string) error {
	if s.timeline != nil {
		payload := map[string]any{
			"counter_offer_id": o.ID,
			"from_role":        string(o.FromRole),
			"to_role":          string(o.ToRole),
			"status":           string(o.Status),
			"terms":            terms.Format(o.TermsDelta),
		}
		if err := s.timeline.Append(ctx, tx, o.DealID, eventType, actorID, payload); err != nil {
			return fmt.Errorf("negotiation: append timeline: %w", err)
		}
	}
	if s.events != nil {
		payload := map[string]any{
			"deal_id":          o.DealID,
			"counter_offer_id": o.ID,
			"status":           string(o.Status),
		}
		if err := s.events.Enqueue(ctx, tx, topic, payload); err != nil {
			return fmt.Errorf("negotiation: enqueue outbox: %w", err)
		}
	}
	return nil
}

func translate(err error) error {
	if errors.Is(err, ErrNotFound) {
		return apperr.NotFound("counter-offer not found")
	}
	return err
}
