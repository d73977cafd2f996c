package memstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"dealflow/agreement"
	"dealflow/escrow"
	"dealflow/negotiation"
	"dealflow/terms"
)

// ErrSignatureOrder mirrors the agreements signing-order check constraint.
var ErrSignatureOrder = errors.New("memstore: agent signature without investor signature")

// Offers implements negotiation.Repository.
type Offers struct {
	s *Store
}

func (s *Store) Offers() *Offers {
	return &Offers{s: s}
}

func (r *Offers) Insert(_ context.Context, tx pgx.Tx, o negotiation.CounterOffer) (negotiation.CounterOffer, error) {
	w, err := open(tx)
	if err != nil {
		return negotiation.CounterOffer{}, err
	}
	if o.Status == negotiation.StatusPending {
		for _, rec := range w.offers {
			if rec.val.DealID == o.DealID && rec.val.Status == negotiation.StatusPending {
				return negotiation.CounterOffer{}, negotiation.ErrPendingExists
			}
		}
	}
	o.TermsDelta = terms.Normalize(o.TermsDelta)
	o.CreatedAt = r.s.now().UTC()
	w.offers[o.ID] = record[negotiation.CounterOffer]{seq: w.next(), val: o}
	return o, nil
}

func (r *Offers) Get(_ context.Context, tx pgx.Tx, id string) (negotiation.CounterOffer, error) {
	w, err := open(tx)
	if err != nil {
		return negotiation.CounterOffer{}, err
	}
	rec, ok := w.offers[id]
	if !ok {
		return negotiation.CounterOffer{}, negotiation.ErrNotFound
	}
	return rec.val, nil
}

func (r *Offers) PendingForDeal(_ context.Context, tx pgx.Tx, dealID string) (negotiation.CounterOffer, error) {
	w, err := open(tx)
	if err != nil {
		return negotiation.CounterOffer{}, err
	}
	for _, rec := range w.offers {
		if rec.val.DealID == dealID && rec.val.Status == negotiation.StatusPending {
			return rec.val, nil
		}
	}
	return negotiation.CounterOffer{}, negotiation.ErrNotFound
}

func (r *Offers) ListForDeal(_ context.Context, tx pgx.Tx, dealID string) ([]negotiation.CounterOffer, error) {
	w, err := open(tx)
	if err != nil {
		return nil, err
	}
	return w.offers.sorted(func(o negotiation.CounterOffer) bool { return o.DealID == dealID }), nil
}

func (r *Offers) UpdateStatus(_ context.Context, tx pgx.Tx, id string, status negotiation.Status, respondedBy string, at time.Time) (negotiation.CounterOffer, error) {
	w, err := open(tx)
	if err != nil {
		return negotiation.CounterOffer{}, err
	}
	rec, ok := w.offers[id]
	if !ok || rec.val.Status != negotiation.StatusPending {
		return negotiation.CounterOffer{}, negotiation.ErrNotFound
	}
	rec.val.Status = status
	rec.val.RespondedBy = &respondedBy
	rec.val.RespondedAt = &at
	w.offers[id] = rec
	return rec.val, nil
}

// Agreements implements agreement.Repository.
type Agreements struct {
	s *Store
}

func (s *Store) Agreements() *Agreements {
	return &Agreements{s: s}
}

func (r *Agreements) Insert(_ context.Context, tx pgx.Tx, a agreement.Agreement) (agreement.Agreement, error) {
	w, err := open(tx)
	if err != nil {
		return agreement.Agreement{}, err
	}
	for _, rec := range w.agreements {
		if rec.val.DealID == a.DealID && (rec.val.Active() || rec.val.Version == a.Version) {
			return agreement.Agreement{}, agreement.ErrActiveExists
		}
	}
	now := r.s.now().UTC()
	a.ExhibitATerms = terms.Normalize(a.ExhibitATerms)
	a.CreatedAt, a.UpdatedAt = now, now
	w.agreements[a.ID] = record[agreement.Agreement]{seq: w.next(), val: a}
	return a, nil
}

func (r *Agreements) Get(_ context.Context, tx pgx.Tx, id string) (agreement.Agreement, error) {
	w, err := open(tx)
	if err != nil {
		return agreement.Agreement{}, err
	}
	rec, ok := w.agreements[id]
	if !ok {
		return agreement.Agreement{}, agreement.ErrAgreementNotFound
	}
	return rec.val, nil
}

func (r *Agreements) Lock(ctx context.Context, tx pgx.Tx, id string) (agreement.Agreement, error) {
	return r.Get(ctx, tx, id)
}

func (r *Agreements) ActiveForDeal(_ context.Context, tx pgx.Tx, dealID string) (agreement.Agreement, error) {
	w, err := open(tx)
	if err != nil {
		return agreement.Agreement{}, err
	}
	for _, rec := range w.agreements {
		if rec.val.DealID == dealID && rec.val.Active() {
			return rec.val, nil
		}
	}
	return agreement.Agreement{}, agreement.ErrAgreementNotFound
}

func (r *Agreements) LatestVersion(_ context.Context, tx pgx.Tx, dealID string) (int, error) {
	w, err := open(tx)
	if err != nil {
		return 0, err
	}
	latest := 0
	for _, rec := range w.agreements {
		if rec.val.DealID == dealID && rec.val.Version > latest {
			latest = rec.val.Version
		}
	}
	return latest, nil
}

func (r *Agreements) ListForDeal(_ context.Context, tx pgx.Tx, dealID string) ([]agreement.Agreement, error) {
	w, err := open(tx)
	if err != nil {
		return nil, err
	}
	return w.agreements.sorted(func(a agreement.Agreement) bool { return a.DealID == dealID }), nil
}

func (r *Agreements) GetByEnvelope(_ context.Context, tx pgx.Tx, envelopeID string) (agreement.Agreement, error) {
	w, err := open(tx)
	if err != nil {
		return agreement.Agreement{}, err
	}
	for _, rec := range w.agreements {
		if rec.val.EnvelopeID != nil && *rec.val.EnvelopeID == envelopeID {
			return rec.val, nil
		}
	}
	return agreement.Agreement{}, agreement.ErrAgreementNotFound
}

func (r *Agreements) Update(_ context.Context, tx pgx.Tx, a agreement.Agreement) error {
	w, err := open(tx)
	if err != nil {
		return err
	}
	rec, ok := w.agreements[a.ID]
	if !ok {
		return agreement.ErrAgreementNotFound
	}
	if a.AgentSignedAt != nil && a.InvestorSignedAt == nil {
		return ErrSignatureOrder
	}
	if a.EnvelopeID != nil {
		for id, other := range w.agreements {
			if id != a.ID && other.val.EnvelopeID != nil && *other.val.EnvelopeID == *a.EnvelopeID {
				return errors.New("memstore: envelope already bound to another agreement")
			}
		}
	}
	a.ExhibitATerms = terms.Normalize(a.ExhibitATerms)
	a.CreatedAt = rec.val.CreatedAt
	a.UpdatedAt = r.s.now().UTC()
	rec.val = a
	w.agreements[a.ID] = rec
	return nil
}

func (r *Agreements) ListAwaitingProvider(_ context.Context, tx pgx.Tx, syncedBefore time.Time, limit int) ([]agreement.Agreement, error) {
	w, err := open(tx)
	if err != nil {
		return nil, err
	}
	out := w.agreements.sorted(func(a agreement.Agreement) bool {
		if a.Status != agreement.StatusDrafted && a.Status != agreement.StatusInvestorSigned {
			return false
		}
		if !a.HasOpenEnvelope() {
			return false
		}
		return lastSync(a.ProviderSyncedAt, a.UpdatedAt).Before(syncedBefore)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Escrows implements escrow.Repository.
type Escrows struct {
	s *Store
}

func (s *Store) Escrows() *Escrows {
	return &Escrows{s: s}
}

func (r *Escrows) Insert(_ context.Context, tx pgx.Tx, e escrow.Transaction) (escrow.Transaction, error) {
	w, err := open(tx)
	if err != nil {
		return escrow.Transaction{}, err
	}
	for _, rec := range w.escrows {
		if rec.val.RoomID == e.RoomID && !rec.val.Status.Terminal() {
			return escrow.Transaction{}, escrow.ErrActiveExists
		}
	}
	now := r.s.now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	w.escrows[e.ID] = record[escrow.Transaction]{seq: w.next(), val: e}
	return e, nil
}

func (r *Escrows) Get(_ context.Context, tx pgx.Tx, id string) (escrow.Transaction, error) {
	w, err := open(tx)
	if err != nil {
		return escrow.Transaction{}, err
	}
	rec, ok := w.escrows[id]
	if !ok {
		return escrow.Transaction{}, escrow.ErrNotFound
	}
	return rec.val, nil
}

func (r *Escrows) ActiveForRoom(_ context.Context, tx pgx.Tx, roomID string) (escrow.Transaction, error) {
	w, err := open(tx)
	if err != nil {
		return escrow.Transaction{}, err
	}
	for _, rec := range w.escrows {
		if rec.val.RoomID == roomID && !rec.val.Status.Terminal() {
			return rec.val, nil
		}
	}
	return escrow.Transaction{}, escrow.ErrNotFound
}

func (r *Escrows) LatestForRoom(_ context.Context, tx pgx.Tx, roomID string) (escrow.Transaction, error) {
	w, err := open(tx)
	if err != nil {
		return escrow.Transaction{}, err
	}
	rows := w.escrows.sorted(func(e escrow.Transaction) bool { return e.RoomID == roomID })
	if len(rows) == 0 {
		return escrow.Transaction{}, escrow.ErrNotFound
	}
	return rows[len(rows)-1], nil
}

func (r *Escrows) GetByExternalID(_ context.Context, tx pgx.Tx, externalID string) (escrow.Transaction, error) {
	w, err := open(tx)
	if err != nil {
		return escrow.Transaction{}, err
	}
	for _, rec := range w.escrows {
		if rec.val.ExternalID != nil && *rec.val.ExternalID == externalID {
			return rec.val, nil
		}
	}
	return escrow.Transaction{}, escrow.ErrNotFound
}

func (r *Escrows) Update(_ context.Context, tx pgx.Tx, e escrow.Transaction) error {
	w, err := open(tx)
	if err != nil {
		return err
	}
	rec, ok := w.escrows[e.ID]
	if !ok {
		return escrow.ErrNotFound
	}
	rec.val.Status = e.Status
	rec.val.ExternalID = e.ExternalID
	rec.val.ProviderVersion = e.ProviderVersion
	rec.val.ProviderSyncedAt = e.ProviderSyncedAt
	rec.val.CompletedAt = e.CompletedAt
	rec.val.UpdatedAt = r.s.now().UTC()
	w.escrows[e.ID] = rec
	return nil
}

func (r *Escrows) ListAwaitingProvider(_ context.Context, tx pgx.Tx, syncedBefore time.Time, limit int) ([]escrow.Transaction, error) {
	w, err := open(tx)
	if err != nil {
		return nil, err
	}
	out := w.escrows.sorted(func(e escrow.Transaction) bool {
		return !e.Status.Terminal() && e.ExternalID != nil && lastSync(e.ProviderSyncedAt, e.UpdatedAt).Before(syncedBefore)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func lastSync(synced *time.Time, updated time.Time) time.Time {
	if synced != nil {
		return *synced
	}
	return updated
}
