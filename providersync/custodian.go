package providersync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"dealflow/apperr"
	"dealflow/deal"
	"dealflow/escrow"
	"dealflow/idempotency"
	"dealflow/provider/custodian"
)

type Escrows interface {
	Get(ctx context.Context, escrowID string) (escrow.Transaction, error)
	Current(ctx context.Context, roomID string) (*escrow.Transaction, error)
	AttachExternal(ctx context.Context, escrowID, externalID string) (escrow.Transaction, error)
	ApplyProviderStatus(ctx context.Context, update escrow.ProviderUpdate) (escrow.Transaction, bool, error)
	ListAwaitingProvider(ctx context.Context, staleBefore time.Time, limit int) ([]escrow.Transaction, error)
}

// CustodianSync binds escrow transactions to the custodian.
type CustodianSync struct {
	escrows  Escrows
	provider custodian.Provider
	onChange ChangeFunc
	log      *slog.Logger
	flight   singleflight.Group
}

func NewCustodianSync(escrows Escrows, p custodian.Provider, onChange ChangeFunc, log *slog.Logger) *CustodianSync {
	if log == nil {
		log = slog.Default()
	}
	return &CustodianSync{
		escrows:  escrows,
		provider: p,
		onChange: onChange,
		log:      log.With("provider", "custodian"),
	}
}

// StartSession returns the custodian's hosted payment page for funding the
// room's open escrow.
func (s *CustodianSync) StartSession(ctx context.Context, roomID string, actor deal.Actor, returnURL string) (Session, error) {
	if actor.Role != deal.RolePrincipal {
		return Session{}, apperr.Authorization("only the principal may fund escrow")
	}
	current, err := s.escrows.Current(ctx, roomID)
	if err != nil {
		return Session{}, err
	}
	if current == nil {
		return Session{}, apperr.State("room has no escrow transaction")
	}
	if current.Status != escrow.StatusCreated {
		return Session{}, apperr.State("escrow is %s, payment session requires created", current.Status)
	}

	e := *current
	if e.ExternalID == nil {
		ext, err := s.provider.CreateTransaction(ctx, custodian.CreateRequest{
			Reference:   e.ID,
			Amount:      e.Amount,
			Currency:    e.Currency,
			Description: e.Description,
		})
		if err != nil {
			return Session{}, apperr.Provider(err, "custodian rejected transaction")
		}
		e, err = s.escrows.AttachExternal(ctx, e.ID, ext.ID)
		if errors.Is(err, apperr.ErrConflict) {
			e, err = s.escrows.Get(ctx, current.ID)
		}
		if err != nil {
			return Session{}, err
		}
	}

	url, err := s.provider.CreatePaymentSession(ctx, *e.ExternalID, returnURL)
	if err != nil {
		return Session{}, apperr.Provider(err, "custodian rejected the payment session")
	}
	return Session{URL: url, ExternalID: *e.ExternalID}, nil
}

// Reconcile pulls the custodian transaction and applies it.
func (s *CustodianSync) Reconcile(ctx context.Context, escrowID string) (escrow.Transaction, bool, error) {
	type result struct {
		e       escrow.Transaction
		changed bool
	}
	v, err, _ := s.flight.Do(escrowID, func() (any, error) {
		e, err := s.escrows.Get(ctx, escrowID)
		if err != nil {
			return nil, err
		}
		if e.ExternalID == nil {
			return result{e: e}, nil
		}
		ext, err := s.provider.GetTransaction(ctx, *e.ExternalID)
		if err != nil {
			return nil, apperr.Provider(err, "custodian lookup failed")
		}
		updated, changed, err := s.apply(ctx, ext.ID, ext.Status, ext.Amount, ext.Version, "")
		if err != nil {
			return nil, err
		}
		if updated.ID == "" {
			updated = e
		}
		return result{e: updated, changed: changed}, nil
	})
	if err != nil {
		return escrow.Transaction{}, false, err
	}
	r := v.(result)
	return r.e, r.changed, nil
}

// HandleWebhook applies one custodian event. Events without a version are
// resolved by pulling the transaction.
func (s *CustodianSync) HandleWebhook(ctx context.Context, evt custodian.WebhookEvent) (bool, error) {
	if evt.TransactionID == "" {
		return false, apperr.Validation("transactionId required")
	}
	key := idempotency.Key("custodian", evt.EventID)
	if evt.EventID == "" {
		key = idempotency.Key("custodian", evt.TransactionID, evt.Status)
	}

	status, amount, version := evt.Status, evt.Amount, evt.Version
	if version <= 0 {
		ext, err := s.provider.GetTransaction(ctx, evt.TransactionID)
		if err != nil {
			return false, apperr.Provider(err, "custodian lookup failed")
		}
		status, amount, version = ext.Status, ext.Amount, ext.Version
	}
	_, changed, err := s.apply(ctx, evt.TransactionID, status, amount, version, key)
	return changed, err
}

func (s *CustodianSync) apply(ctx context.Context, externalID, rawStatus string, amount, version int64, key string) (escrow.Transaction, bool, error) {
	status, err := escrow.ParseStatus(rawStatus)
	if err != nil {
		return escrow.Transaction{}, false, err
	}
	e, changed, err := s.escrows.ApplyProviderStatus(ctx, escrow.ProviderUpdate{
		ExternalID:     externalID,
		Status:         status,
		Amount:         amount,
		Version:        version,
		IdempotencyKey: key,
	})
	if err != nil {
		return escrow.Transaction{}, false, err
	}
	if e.ID != "" && amount > 0 && amount != e.Amount {
		s.log.Warn("custodian amount differs from escrow",
			"escrow_id", e.ID,
			"external_id", externalID,
			"amount", e.Amount,
			"custodian_amount", amount)
	}
	if changed {
		s.log.Info("escrow reconciled",
			"escrow_id", e.ID,
			"external_id", externalID,
			"status", string(e.Status),
			"provider_version", version)
		if s.onChange != nil {
			s.onChange(ctx, e.DealID)
		}
	}
	return e, changed, nil
}
