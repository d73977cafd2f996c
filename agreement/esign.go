package agreement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"dealflow/apperr"
	"dealflow/deal"
	"dealflow/idempotency"
	"dealflow/timeline"
)

// AttachEnvelope records the signing envelope opened for the agreement.
// Attaching the same envelope again is a no-op; attaching a different one
// while a session is outstanding is a conflict.
func (s *Service) AttachEnvelope(ctx context.Context, agreementID, envelopeID string) (Agreement, error) {
	if envelopeID == "" {
		return Agreement{}, apperr.Validation("envelope id required")
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
	if a.EnvelopeID != nil && *a.EnvelopeID == envelopeID {
		return a, nil
	}
	if a.HasOpenEnvelope() {
		return Agreement{}, apperr.Conflict("a signing session is already outstanding")
	}
	if a.Status != StatusDrafted && a.Status != StatusInvestorSigned {
		return Agreement{}, apperr.State("agreement in status %s cannot be sent for signature", a.Status)
	}

	sent := EnvelopeSent
	a.EnvelopeID = &envelopeID
	a.EnvelopeStatus = &sent
	a.ProviderVersion = 0
	if err := s.repo.Update(ctx, tx, a); err != nil {
		return Agreement{}, translate(err)
	}
	payload := map[string]any{"agreement_id": a.ID, "envelope_id": envelopeID}
	if err := s.appendTimeline(ctx, tx, d.ID, timeline.EsignEnvelopeAttached, "", payload); err != nil {
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit tx: %w", err)
	}
	return a, nil
}

// ApplyProviderStatus applies the signature provider's authoritative view of
// an envelope. Deliveries whose idempotency key was already seen and snapshots
// older than the last applied provider version change nothing. It reports
// whether local state changed.
func (s *Service) ApplyProviderStatus(ctx context.Context, update ProviderUpdate) (Agreement, bool, error) {
	snap := update.Snapshot
	if snap.EnvelopeID == "" {
		return Agreement{}, false, apperr.Validation("envelope id required")
	}
	if _, err := ParseEnvelopeStatus(string(snap.Status)); err != nil {
		return Agreement{}, false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, false, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if update.IdempotencyKey != "" && s.idem != nil {
		if err := s.idem.Reserve(ctx, tx, update.IdempotencyKey); err != nil {
			if errors.Is(err, idempotency.ErrDuplicateKey) {
				return Agreement{}, false, nil
			}
			return Agreement{}, false, err
		}
	}

	a, err := s.repo.GetByEnvelope(ctx, tx, snap.EnvelopeID)
	if err != nil {
		return Agreement{}, false, translate(err)
	}
	d, a, err := s.lockWithDeal(ctx, tx, a.ID)
	if err != nil {
		return Agreement{}, false, err
	}

	changed := false
	current := a.Active() && a.EnvelopeID != nil && *a.EnvelopeID == snap.EnvelopeID
	switch {
	case !current:
	case snap.Version > a.ProviderVersion:
		a, changed, err = s.applySnapshot(ctx, tx, d, a, snap)
		if err != nil {
			return Agreement{}, false, err
		}
	case update.IdempotencyKey == "":
		// A poll that found nothing newer still counts as a sync.
		now := s.now().UTC()
		a.ProviderSyncedAt = &now
		if err := s.repo.Update(ctx, tx, a); err != nil {
			return Agreement{}, false, translate(err)
		}
	}

	// Commit also persists the idempotency key of an ignored delivery.
	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, false, fmt.Errorf("agreement: commit tx: %w", err)
	}
	return a, changed, nil
}

func (s *Service) applySnapshot(ctx context.Context, tx pgx.Tx, d deal.Deal, a Agreement, snap EnvelopeSnapshot) (Agreement, bool, error) {
	now := s.now().UTC()
	prevStatus := a.EnvelopeStatus
	investorNew := snap.InvestorSignedAt != nil && a.InvestorSignedAt == nil
	agentNew := snap.AgentSignedAt != nil && a.AgentSignedAt == nil

	if investorNew {
		at := snap.InvestorSignedAt.UTC()
		a.InvestorSignedAt = &at
	}
	// An agent signature reported before the investor's is held back. The
	// provider version is not advanced so the investor's older snapshot still
	// applies.
	heldBack := false
	if agentNew && a.InvestorSignedAt == nil {
		agentNew = false
		heldBack = true
	}
	if agentNew {
		at := snap.AgentSignedAt.UTC()
		a.AgentSignedAt = &at
	}

	status := snap.Status
	if heldBack {
		status = EnvelopeDelivered
	}
	a.EnvelopeStatus = &status
	if !heldBack {
		a.ProviderVersion = snap.Version
	}
	a.ProviderSyncedAt = &now

	signaturesChanged := (investorNew || agentNew) && a.Status != StatusPendingRender
	if signaturesChanged {
		signer := string(deal.RolePrincipal)
		if agentNew {
			signer = string(deal.RoleCounterparty)
		}
		var err error
		if a, err = s.commitSignatures(ctx, tx, d, a, "", signer); err != nil {
			return Agreement{}, false, err
		}
	} else if err := s.repo.Update(ctx, tx, a); err != nil {
		return Agreement{}, false, translate(err)
	}

	statusChanged := prevStatus == nil || *prevStatus != status
	if statusChanged || signaturesChanged {
		payload := map[string]any{
			"agreement_id":     a.ID,
			"envelope_id":      snap.EnvelopeID,
			"envelope_status":  string(status),
			"provider_version": snap.Version,
		}
		if err := s.appendTimeline(ctx, tx, d.ID, timeline.EsignReconciled, "", payload); err != nil {
			return Agreement{}, false, err
		}
	}
	return a, statusChanged || signaturesChanged, nil
}

// ListAwaitingProvider returns agreements whose open envelope has not been
// synced since before staleBefore.
func (s *Service) ListAwaitingProvider(ctx context.Context, staleBefore time.Time, limit int) ([]Agreement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return s.repo.ListAwaitingProvider(ctx, tx, staleBefore, limit)
}
