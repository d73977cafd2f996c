package escrow

import (
	"strings"
	"time"

	"dealflow/apperr"
)

// Status of an escrow transaction. A room without a transaction is in the
// implicit "none" state.
type Status string

const (
	StatusNone       Status = "none"
	StatusCreated    Status = "created"
	StatusFunded     Status = "funded"
	StatusInspection Status = "inspection"
	StatusAccepted   Status = "accepted"
	StatusRejected   Status = "rejected"
	StatusDisbursed  Status = "disbursed"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusDisputed   Status = "disputed"
)

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StatusCreated, StatusFunded, StatusInspection, StatusAccepted, StatusRejected,
		StatusDisbursed, StatusCompleted, StatusCancelled, StatusDisputed:
		return s, nil
	default:
		return "", apperr.Validation("unknown escrow status %q", raw)
	}
}

// Terminal reports whether no further transition can happen. A room may open
// a new transaction once its previous one is terminal.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRejected:
		return true
	case StatusNone, StatusCreated, StatusFunded, StatusInspection, StatusAccepted, StatusDisbursed, StatusDisputed:
		return false
	default:
		return false
	}
}

// Releasable reports whether the principal may accept or reject the funds.
func (s Status) Releasable() bool {
	switch s {
	case StatusFunded, StatusInspection:
		return true
	default:
		return false
	}
}

// releasesFunds reports whether entering s means money left custody.
func (s Status) releasesFunds() bool {
	return s == StatusDisbursed || s == StatusCompleted
}

// ReleaseAction is the principal's decision on funded escrow.
type ReleaseAction string

const (
	ReleaseAccept ReleaseAction = "accept"
	ReleaseReject ReleaseAction = "reject"
)

func ParseReleaseAction(raw string) (ReleaseAction, error) {
	switch ReleaseAction(strings.ToLower(strings.TrimSpace(raw))) {
	case ReleaseAccept:
		return ReleaseAccept, nil
	case ReleaseReject:
		return ReleaseReject, nil
	default:
		return "", apperr.Validation("unknown release action %q", raw)
	}
}

// Transaction is one escrow of funds scoped to a room. Amount is in minor
// currency units.
type Transaction struct {
	ID               string
	RoomID           string
	DealID           string
	Status           Status
	Amount           int64
	Currency         string
	Description      string
	ExternalID       *string
	ProviderVersion  int64
	ProviderSyncedAt *time.Time
	CompletedAt      *time.Time
	CreatedBy        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ProviderUpdate is the custodian's authoritative status for a transaction.
// IdempotencyKey is empty for polled reconciliation.
type ProviderUpdate struct {
	ExternalID     string
	Status         Status
	Amount         int64
	Version        int64
	IdempotencyKey string
}
