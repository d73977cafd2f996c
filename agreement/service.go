// Package agreement owns the compensation agreement of a deal: generation from
// the deal's current terms, ordered dual signature, versioning when signed
// terms drift, and reconciliation against the signature provider.
package agreement

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

// IdempotencyStore reserves webhook delivery keys.
type IdempotencyStore interface {
	Reserve(ctx context.Context, tx pgx.Tx, key string) error
}

// DealStore is the slice of deal persistence the agreement engine needs.
type DealStore interface {
	Get(ctx context.Context, tx pgx.Tx, id string) (deal.Deal, error)
	Lock(ctx context.Context, tx pgx.Tx, id string) (deal.Deal, error)
	UpdateSignatureState(ctx context.Context, tx pgx.Tx, id string, fullySigned bool, unlockedAt *time.Time) error
	SetAgreementPDF(ctx context.Context, tx pgx.Tx, id, url string) error
}

type Service struct {
	pool        db.TxBeginner
	repo        Repository
	deals       DealStore
	idem        IdempotencyStore
	timeline    TimelineWriter
	events      OutboxWriter
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool db.TxBeginner, repo Repository, deals DealStore, idem IdempotencyStore, timeline TimelineWriter, events OutboxWriter) *Service {
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

// Generate produces or refreshes the deal's agreement from its current terms.
//
// Without an agreement, version 1 is created. An active agreement that is not
// fully signed is re-rendered in place with the deal's terms; a drift in terms
// voids the investor signature. A fully signed agreement is never edited: when
// the deal's terms have drifted it is superseded by a new version with no
// signatures, otherwise it is returned unchanged.
//
// The returned agreement is pending_render until CompleteRender runs.
func (s *Service) Generate(ctx context.Context, dealID string, actor deal.Actor) (Agreement, error) {
	if actor.Role != deal.RolePrincipal {
		return Agreement{}, apperr.Authorization("only the principal may generate the agreement")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.deals.Lock(ctx, tx, dealID)
	if err != nil {
		return Agreement{}, deal.Translate(err)
	}
	if err := deal.EnsureActive(d); err != nil {
		return Agreement{}, err
	}
	if !d.HasCounterparty() {
		return Agreement{}, apperr.State("agreement requires an accepted room")
	}
	if err := terms.Validate(d.ProposedTerms); err != nil {
		return Agreement{}, apperr.State("deal terms are incomplete: %s", apperr.MessageOf(err))
	}

	current, err := s.repo.ActiveForDeal(ctx, tx, dealID)
	var out Agreement
	switch {
	case errors.Is(err, ErrAgreementNotFound):
		out, err = s.createVersion(ctx, tx, d, 1, actor.ID)
	case err != nil:
		return Agreement{}, err
	case !current.IsFullySigned():
		out, err = s.rerender(ctx, tx, d, current, actor.ID)
	case terms.Equal(current.ExhibitATerms, d.ProposedTerms):
		return current, nil
	default:
		out, err = s.supersede(ctx, tx, d, current, actor.ID)
	}
	if err != nil {
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit tx: %w", err)
	}
	return out, nil
}

func (s *Service) createVersion(ctx context.Context, tx pgx.Tx, d deal.Deal, version int, actorID string) (Agreement, error) {
	created, err := s.repo.Insert(ctx, tx, Agreement{
		ID:            s.idGenerator(),
		DealID:        d.ID,
		Version:       version,
		Status:        StatusPendingRender,
		ExhibitATerms: terms.Normalize(d.ProposedTerms),
		RenderSeq:     1,
	})
	if errors.Is(err, ErrActiveExists) {
		return Agreement{}, apperr.Conflict("deal already has an active agreement")
	}
	if err != nil {
		return Agreement{}, err
	}
	payload := map[string]any{"agreement_id": created.ID, "version": created.Version, "terms": terms.Format(created.ExhibitATerms)}
	if err := s.appendTimeline(ctx, tx, d.ID, timeline.AgreementGenerated, actorID, payload); err != nil {
		return Agreement{}, err
	}
	if err := s.requestRender(ctx, tx, created); err != nil {
		return Agreement{}, err
	}
	return created, nil
}

func (s *Service) rerender(ctx context.Context, tx pgx.Tx, d deal.Deal, a Agreement, actorID string) (Agreement, error) {
	drift := !terms.Equal(a.ExhibitATerms, d.ProposedTerms)
	a.ExhibitATerms = terms.Normalize(d.ProposedTerms)
	if drift {
		a.InvestorSignedAt = nil
		a.AgentSignedAt = nil
	}
	a.Status = StatusPendingRender
	a.RenderSeq++
	a.PDFURL = nil
	// The outstanding envelope carries the previous document.
	a.EnvelopeID = nil
	a.EnvelopeStatus = nil
	a.ProviderVersion = 0
	a.ProviderSyncedAt = nil
	if err := s.repo.Update(ctx, tx, a); err != nil {
		return Agreement{}, translate(err)
	}
	payload := map[string]any{
		"agreement_id":     a.ID,
		"version":          a.Version,
		"render_seq":       a.RenderSeq,
		"terms":            terms.Format(a.ExhibitATerms),
		"signatures_reset": drift,
	}
	if err := s.appendTimeline(ctx, tx, d.ID, timeline.AgreementRegenerated, actorID, payload); err != nil {
		return Agreement{}, err
	}
	if err := s.requestRender(ctx, tx, a); err != nil {
		return Agreement{}, err
	}
	return a, nil
}

func (s *Service) supersede(ctx context.Context, tx pgx.Tx, d deal.Deal, old Agreement, actorID string) (Agreement, error) {
	at := s.now().UTC()
	old.Status = StatusSuperseded
	old.SupersededAt = &at
	if err := s.repo.Update(ctx, tx, old); err != nil {
		return Agreement{}, translate(err)
	}
	if err := s.deals.UpdateSignatureState(ctx, tx, d.ID, false, nil); err != nil {
		return Agreement{}, deal.Translate(err)
	}
	payload := map[string]any{"agreement_id": old.ID, "version": old.Version}
	if err := s.appendTimeline(ctx, tx, d.ID, timeline.AgreementSuperseded, actorID, payload); err != nil {
		return Agreement{}, err
	}
	if err := s.enqueue(ctx, tx, outbox.TopicAgreementSuperseded, map[string]any{"deal_id": d.ID, "agreement_id": old.ID, "version": old.Version}); err != nil {
		return Agreement{}, err
	}

	latest, err := s.repo.LatestVersion(ctx, tx, d.ID)
	if err != nil {
		return Agreement{}, err
	}
	return s.createVersion(ctx, tx, d, latest+1, actorID)
}

func (s *Service) requestRender(ctx context.Context, tx pgx.Tx, a Agreement) error {
	return s.enqueue(ctx, tx, outbox.TopicAgreementRenderRequest, map[string]any{
		"deal_id":      a.DealID,
		"agreement_id": a.ID,
		"version":      a.Version,
		"render_seq":   a.RenderSeq,
	})
}

// CompleteRender attaches a rendered document to the agreement and moves it
// out of pending_render. Results for an older render sequence are ignored and
// reported with applied == false.
func (s *Service) CompleteRender(ctx context.Context, agreementID string, renderSeq int, url string) (Agreement, bool, error) {
	if url == "" {
		return Agreement{}, false, apperr.Validation("rendered document url required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, false, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, a, err := s.lockWithDeal(ctx, tx, agreementID)
	if err != nil {
		return Agreement{}, false, err
	}
	if a.Status != StatusPendingRender || a.RenderSeq != renderSeq {
		return a, false, nil
	}

	a.PDFURL = &url
	a.Status = statusFor(a)
	if err := s.repo.Update(ctx, tx, a); err != nil {
		return Agreement{}, false, translate(err)
	}
	if err := s.deals.SetAgreementPDF(ctx, tx, d.ID, url); err != nil {
		return Agreement{}, false, deal.Translate(err)
	}
	payload := map[string]any{"agreement_id": a.ID, "version": a.Version, "render_seq": renderSeq}
	if err := s.appendTimeline(ctx, tx, d.ID, timeline.AgreementRendered, "", payload); err != nil {
		return Agreement{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, false, fmt.Errorf("agreement: commit tx: %w", err)
	}
	return a, true, nil
}

// Sign records the actor's signature. The principal signs as investor and must
// sign first; the counterparty signs as agent.
func (s *Service) Sign(ctx context.Context, agreementID string, actor deal.Actor) (Agreement, error) {
	if actor.Role.Opposite() == "" {
		return Agreement{}, apperr.Authorization("actor has no role on this deal")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, a, err := s.lockWithDeal(ctx, tx, agreementID)
	if err != nil {
		return Agreement{}, err
	}
	if err := deal.EnsureActive(d); err != nil {
		return Agreement{}, err
	}
	if err := a.Status.signable(); err != nil {
		return Agreement{}, err
	}

	at := s.now().UTC()
	switch actor.Role {
	case deal.RolePrincipal:
		if a.InvestorSignedAt != nil {
			return Agreement{}, apperr.AlreadySigned("principal has already signed")
		}
		a.InvestorSignedAt = &at
	case deal.RoleCounterparty:
		if a.InvestorSignedAt == nil {
			return Agreement{}, apperr.Order("the principal must sign first")
		}
		if a.AgentSignedAt != nil {
			return Agreement{}, apperr.AlreadySigned("counterparty has already signed")
		}
		a.AgentSignedAt = &at
	}

	a, err = s.commitSignatures(ctx, tx, d, a, actor.ID, string(actor.Role))
	if err != nil {
		return Agreement{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit tx: %w", err)
	}
	return a, nil
}

// commitSignatures persists a after its signature timestamps changed and
// applies the full-signature side effects once both are present.
func (s *Service) commitSignatures(ctx context.Context, tx pgx.Tx, d deal.Deal, a Agreement, actorID, signer string) (Agreement, error) {
	a.Status = statusFor(a)
	fully := a.Status == StatusFullySigned
	if fully {
		a.SignedPDFURL = a.PDFURL
		a.FinalPDFURL = a.PDFURL
	}
	if err := s.repo.Update(ctx, tx, a); err != nil {
		return Agreement{}, translate(err)
	}

	payload := map[string]any{"agreement_id": a.ID, "version": a.Version, "signer": signer, "status": string(a.Status)}
	if err := s.appendTimeline(ctx, tx, d.ID, timeline.AgreementSigned, actorID, payload); err != nil {
		return Agreement{}, err
	}
	if err := s.enqueue(ctx, tx, outbox.TopicAgreementSigned, map[string]any{"deal_id": d.ID, "agreement_id": a.ID, "signer": signer}); err != nil {
		return Agreement{}, err
	}
	if !fully {
		return a, nil
	}

	unlockedAt := *a.AgentSignedAt
	if err := s.deals.UpdateSignatureState(ctx, tx, d.ID, true, &unlockedAt); err != nil {
		return Agreement{}, deal.Translate(err)
	}
	if err := s.enqueue(ctx, tx, outbox.TopicAgreementFullySigned, map[string]any{
		"deal_id":        d.ID,
		"agreement_id":   a.ID,
		"version":        a.Version,
		"signed_pdf_url": a.SignedPDFURL,
	}); err != nil {
		return Agreement{}, err
	}
	return a, nil
}

// TermsChanged reports whether the deal's terms differ from the active
// agreement's snapshot. A deal without an agreement has no drift.
func (s *Service) TermsChanged(ctx context.Context, dealID string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.deals.Get(ctx, tx, dealID)
	if err != nil {
		return false, deal.Translate(err)
	}
	a, err := s.repo.ActiveForDeal(ctx, tx, dealID)
	if errors.Is(err, ErrAgreementNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return TermsDrifted(d, &a), nil
}

// TermsDrifted is the pure comparison behind TermsChanged.
func TermsDrifted(d deal.Deal, active *Agreement) bool {
	if active == nil {
		return false
	}
	return !terms.Equal(d.ProposedTerms, active.ExhibitATerms)
}

func (s *Service) Get(ctx context.Context, agreementID string) (Agreement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.Get(ctx, tx, agreementID)
	if err != nil {
		return Agreement{}, translate(err)
	}
	return a, nil
}

// Active returns the deal's current agreement, or nil.
func (s *Service) Active(ctx context.Context, dealID string) (*Agreement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return ActiveIn(ctx, tx, s.repo, dealID)
}

// ActiveIn reads the active agreement inside an existing transaction.
func ActiveIn(ctx context.Context, tx pgx.Tx, repo Repository, dealID string) (*Agreement, error) {
	a, err := repo.ActiveForDeal(ctx, tx, dealID)
	if errors.Is(err, ErrAgreementNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Versions lists every version of the deal's agreement, oldest first.
func (s *Service) Versions(ctx context.Context, dealID string) ([]Agreement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return s.repo.ListForDeal(ctx, tx, dealID)
}

// lockWithDeal locks the owning deal and then the agreement row.
func (s *Service) lockWithDeal(ctx context.Context, tx pgx.Tx, agreementID string) (deal.Deal, Agreement, error) {
	a, err := s.repo.Get(ctx, tx, agreementID)
	if err != nil {
		return deal.Deal{}, Agreement{}, translate(err)
	}
	d, err := s.deals.Lock(ctx, tx, a.DealID)
	if err != nil {
		return deal.Deal{}, Agreement{}, deal.Translate(err)
	}
	if a, err = s.repo.Lock(ctx, tx, agreementID); err != nil {
		return deal.Deal{}, Agreement{}, translate(err)
	}
	return d, a, nil
}

func (s *Service) appendTimeline(ctx context.Context, tx pgx.Tx, dealID, eventType, actorID string, payload map[string]any) error {
	if s.timeline == nil {
		return nil
	}
	if err := s.timeline.Append(ctx, tx, dealID, eventType, actorID, payload); err != nil {
		return fmt.Errorf("agreement: append timeline: %w", err)
	}
	return nil
}

func (s *Service) enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if s.events == nil {
		return nil
	}
	if err := s.events.Enqueue(ctx, tx, topic, payload); err != nil {
		return fmt.Errorf("agreement: enqueue outbox: %w", err)
	}
	return nil
}

func translate(err error) error {
	if errors.Is(err, ErrAgreementNotFound) {
		return apperr.NotFound("agreement not found")
	}
	return err
}
