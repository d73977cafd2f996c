// Package providersync reconciles agreements and escrow transactions against
// the external signature and custodian providers. Webhooks, client-triggered
// catch-up and the background sweeper all funnel into the same idempotent
// apply operations of the lifecycle services.
package providersync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"dealflow/agreement"
	"dealflow/apperr"
	"dealflow/deal"
	"dealflow/idempotency"
	"dealflow/provider/esign"
)

// ChangeFunc is told about every deal whose state a sync changed.
type ChangeFunc func(ctx context.Context, dealID string)

type Agreements interface {
	Get(ctx context.Context, agreementID string) (agreement.Agreement, error)
	AttachEnvelope(ctx context.Context, agreementID, envelopeID string) (agreement.Agreement, error)
	ApplyProviderStatus(ctx context.Context, update agreement.ProviderUpdate) (agreement.Agreement, bool, error)
	ListAwaitingProvider(ctx context.Context, staleBefore time.Time, limit int) ([]agreement.Agreement, error)
}

type Deals interface {
	Get(ctx context.Context, dealID string) (deal.Deal, error)
}

// Session is a hosted provider workflow the caller is redirected to.
type Session struct {
	URL        string `json:"url"`
	ExternalID string `json:"external_id"`
}

// SignatureSync binds agreements to signing envelopes.
type SignatureSync struct {
	agreements Agreements
	deals      Deals
	provider   esign.Provider
	onChange   ChangeFunc
	log        *slog.Logger
	now        func() time.Time
	flight     singleflight.Group
}

func NewSignatureSync(agreements Agreements, deals Deals, p esign.Provider, onChange ChangeFunc, log *slog.Logger) *SignatureSync {
	if log == nil {
		log = slog.Default()
	}
	return &SignatureSync{
		agreements: agreements,
		deals:      deals,
		provider:   p,
		onChange:   onChange,
		log:        log.With("provider", "esign"),
		now:        time.Now,
	}
}

// StartSession returns the hosted signing URL for the actor. An outstanding
// envelope is reused; otherwise one is created for the rendered document.
func (s *SignatureSync) StartSession(ctx context.Context, agreementID string, actor deal.Actor, returnURL string) (Session, error) {
	a, err := s.agreements.Get(ctx, agreementID)
	if err != nil {
		return Session{}, err
	}
	role, err := signerRole(actor.Role)
	if err != nil {
		return Session{}, err
	}
	switch a.Status {
	case agreement.StatusDrafted, agreement.StatusInvestorSigned:
	case agreement.StatusPendingRender:
		return Session{}, apperr.State("agreement document is still rendering")
	case agreement.StatusFullySigned:
		return Session{}, apperr.AlreadySigned("agreement is already fully signed")
	case agreement.StatusSuperseded:
		return Session{}, apperr.State("agreement version has been superseded")
	}
	if actor.Role == deal.RolePrincipal && a.InvestorSignedAt != nil {
		return Session{}, apperr.AlreadySigned("principal has already signed")
	}
	if actor.Role == deal.RoleCounterparty && a.InvestorSignedAt == nil {
		return Session{}, apperr.Order("the principal must sign first")
	}

	if !a.HasOpenEnvelope() {
		if a, err = s.openEnvelope(ctx, a); err != nil {
			return Session{}, err
		}
	}

	url, err := s.provider.RecipientURL(ctx, *a.EnvelopeID, role, returnURL)
	if err != nil {
		return Session{}, apperr.Provider(err, "signature provider rejected the session")
	}
	return Session{URL: url, ExternalID: *a.EnvelopeID}, nil
}

func (s *SignatureSync) openEnvelope(ctx context.Context, a agreement.Agreement) (agreement.Agreement, error) {
	if a.PDFURL == nil {
		return agreement.Agreement{}, apperr.State("agreement document is not rendered")
	}
	d, err := s.deals.Get(ctx, a.DealID)
	if err != nil {
		return agreement.Agreement{}, err
	}
	signers := []esign.Signer{{Role: esign.RoleInvestor, UserID: d.PrincipalID}}
	if d.CounterpartyID != nil {
		signers = append(signers, esign.Signer{Role: esign.RoleAgent, UserID: *d.CounterpartyID})
	}
	env, err := s.provider.CreateEnvelope(ctx, esign.EnvelopeRequest{
		Reference:   fmt.Sprintf("%s:%d", a.ID, a.RenderSeq),
		DocumentURL: *a.PDFURL,
		Signers:     signers,
	})
	if err != nil {
		return agreement.Agreement{}, apperr.Provider(err, "signature provider rejected the envelope")
	}

	attached, err := s.agreements.AttachEnvelope(ctx, a.ID, env.ID)
	if errors.Is(err, apperr.ErrConflict) {
		// A concurrent session attached its envelope first; use that one.
		return s.agreements.Get(ctx, a.ID)
	}
	if err != nil {
		return agreement.Agreement{}, err
	}
	s.changed(ctx, attached.DealID)
	return attached, nil
}

// Reconcile pulls the envelope from the provider and applies it. Concurrent
// calls for one agreement share a single provider round trip.
func (s *SignatureSync) Reconcile(ctx context.Context, agreementID string) (agreement.Agreement, bool, error) {
	type result struct {
		a       agreement.Agreement
		changed bool
	}
	v, err, _ := s.flight.Do(agreementID, func() (any, error) {
		a, err := s.agreements.Get(ctx, agreementID)
		if err != nil {
			return nil, err
		}
		if a.EnvelopeID == nil {
			return result{a: a}, nil
		}
		env, err := s.provider.GetEnvelope(ctx, *a.EnvelopeID)
		if err != nil {
			return nil, apperr.Provider(err, "signature provider lookup failed")
		}
		updated, changed, err := s.apply(ctx, snapshotOf(env), "")
		if err != nil {
			return nil, err
		}
		if updated.ID == "" {
			updated = a
		}
		return result{a: updated, changed: changed}, nil
	})
	if err != nil {
		return agreement.Agreement{}, false, err
	}
	r := v.(result)
	return r.a, r.changed, nil
}

// HandleWebhook applies one signature provider event. Events carrying a
// provider version are applied as delivered; others trigger a pull of the
// envelope. Either way the delivery is deduplicated by its event id, or by
// envelope, status and signer when the provider sent no id.
func (s *SignatureSync) HandleWebhook(ctx context.Context, evt esign.WebhookEvent) (bool, error) {
	if evt.EnvelopeID == "" {
		return false, apperr.Validation("envelopeId required")
	}
	status, err := agreement.ParseEnvelopeStatus(evt.Status)
	if err != nil {
		return false, err
	}
	key := idempotency.Key("esign", evt.EventID)
	if evt.EventID == "" {
		key = idempotency.Key("esign", evt.EnvelopeID, string(status), evt.SignerRole)
	}

	var snap agreement.EnvelopeSnapshot
	if evt.Version > 0 {
		snap = snapshotOfEvent(evt, status, s.now().UTC())
	} else {
		env, err := s.provider.GetEnvelope(ctx, evt.EnvelopeID)
		if err != nil {
			return false, apperr.Provider(err, "signature provider lookup failed")
		}
		snap = snapshotOf(env)
	}
	_, changed, err := s.apply(ctx, snap, key)
	return changed, err
}

func (s *SignatureSync) apply(ctx context.Context, snap agreement.EnvelopeSnapshot, key string) (agreement.Agreement, bool, error) {
	a, changed, err := s.agreements.ApplyProviderStatus(ctx, agreement.ProviderUpdate{Snapshot: snap, IdempotencyKey: key})
	if err != nil {
		return agreement.Agreement{}, false, err
	}
	if changed {
		s.log.Info("agreement reconciled",
			"agreement_id", a.ID,
			"envelope_id", snap.EnvelopeID,
			"envelope_status", string(snap.Status),
			"provider_version", snap.Version)
		s.changed(ctx, a.DealID)
	}
	return a, changed, nil
}

func (s *SignatureSync) changed(ctx context.Context, dealID string) {
	if s.onChange != nil && dealID != "" {
		s.onChange(ctx, dealID)
	}
}

func signerRole(r deal.Role) (string, error) {
	switch r {
	case deal.RolePrincipal:
		return esign.RoleInvestor, nil
	case deal.RoleCounterparty:
		return esign.RoleAgent, nil
	default:
		return "", apperr.Authorization("actor has no role on this deal")
	}
}

func snapshotOf(env esign.Envelope) agreement.EnvelopeSnapshot {
	status, err := agreement.ParseEnvelopeStatus(env.Status)
	if err != nil {
		status = agreement.EnvelopeSent
	}
	return agreement.EnvelopeSnapshot{
		EnvelopeID:       env.ID,
		Status:           status,
		InvestorSignedAt: env.SignedAt(esign.RoleInvestor),
		AgentSignedAt:    env.SignedAt(esign.RoleAgent),
		Version:          env.Version,
	}
}

func snapshotOfEvent(evt esign.WebhookEvent, status agreement.EnvelopeStatus, now time.Time) agreement.EnvelopeSnapshot {
	snap := agreement.EnvelopeSnapshot{EnvelopeID: evt.EnvelopeID, Status: status, Version: evt.Version}
	at := now
	if evt.SignedAt != nil {
		at = evt.SignedAt.UTC()
	}
	if status != agreement.EnvelopeCompleted {
		return snap
	}
	switch evt.SignerRole {
	case esign.RoleInvestor:
		snap.InvestorSignedAt = &at
		// One signer finished; the envelope itself stays open.
		snap.Status = agreement.EnvelopeDelivered
	case esign.RoleAgent:
		snap.AgentSignedAt = &at
		snap.Status = agreement.EnvelopeDelivered
	default:
		snap.InvestorSignedAt = &at
		snap.AgentSignedAt = &at
	}
	return snap
}
