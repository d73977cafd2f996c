package negotiation

import (
	"strings"
	"time"

	"dealflow/apperr"
	"dealflow/deal"
	"dealflow/terms"
)

// Status of a counter-offer.
type Status string

const (
	StatusPending     Status = "pending"
	StatusAccepted    Status = "accepted"
	StatusDeclined    Status = "declined"
	StatusRecountered Status = "recountered"
)

// Action is a response to a pending counter-offer.
type Action string

const (
	ActionAccept    Action = "accept"
	ActionDecline   Action = "decline"
	ActionRecounter Action = "recounter"
)

func ParseAction(raw string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(raw))) {
	case ActionAccept:
		return ActionAccept, nil
	case ActionDecline:
		return ActionDecline, nil
	case ActionRecounter:
		return ActionRecounter, nil
	default:
		return "", apperr.Validation("unknown counter-offer action %q", raw)
	}
}

// resultStatus maps an action onto the status it leaves the offer in.
func (a Action) resultStatus() Status {
	switch a {
	case ActionAccept:
		return StatusAccepted
	case ActionDecline:
		return StatusDeclined
	case ActionRecounter:
		return StatusRecountered
	default:
		return ""
	}
}

// CounterOffer proposes replacement terms for a deal. TermsDelta carries the
// complete proposed terms, not a field-level patch.
type CounterOffer struct {
	ID          string
	DealID      string
	FromRole    deal.Role
	ToRole      deal.Role
	TermsDelta  terms.Terms
	Status      Status
	ProposedBy  string
	RespondedBy *string
	ParentID    *string
	CreatedAt   time.Time
	RespondedAt *time.Time
}

// Response is the outcome of Respond. Counter is set only for recounter.
type Response struct {
	Offer   CounterOffer
	Counter *CounterOffer
}
