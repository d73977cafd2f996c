package deal

import (
	"strings"
	"time"

	"dealflow/apperr"
	"dealflow/terms"
)

// Role is the party an actor plays on a deal.
type Role string

const (
	RolePrincipal    Role = "principal"
	RoleCounterparty Role = "counterparty"
)

// Opposite returns the other party.
func (r Role) Opposite() Role {
	switch r {
	case RolePrincipal:
		return RoleCounterparty
	case RoleCounterparty:
		return RolePrincipal
	default:
		return ""
	}
}

func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RolePrincipal:
		return RolePrincipal, nil
	case RoleCounterparty:
		return RoleCounterparty, nil
	default:
		return "", apperr.Validation("unknown role %q", raw)
	}
}

// Actor is an authenticated caller with its role resolved for one deal.
type Actor struct {
	ID   string
	Role Role
}

// Stage is the totally ordered pipeline stage of a deal.
type Stage string

const (
	StageNew         Stage = "new"
	StageWalkthrough Stage = "walkthrough"
	StageEvaluate    Stage = "evaluate"
	StageMarketing   Stage = "marketing"
	StageClosing     Stage = "closing"
)

var stageOrder = []Stage{StageNew, StageWalkthrough, StageEvaluate, StageMarketing, StageClosing}

// Stages lists every stage in pipeline order.
func Stages() []Stage {
	return append([]Stage(nil), stageOrder...)
}

// Order is the zero-based position of s in the pipeline, or -1.
func (s Stage) Order() int {
	switch s {
	case StageNew:
		return 0
	case StageWalkthrough:
		return 1
	case StageEvaluate:
		return 2
	case StageMarketing:
		return 3
	case StageClosing:
		return 4
	default:
		return -1
	}
}

func ParseStage(raw string) (Stage, error) {
	s := Stage(strings.ToLower(strings.TrimSpace(raw)))
	if s.Order() < 0 {
		return "", apperr.Validation("unknown pipeline stage %q", raw)
	}
	return s, nil
}

// Deal is one transaction between a principal and a represented counterparty.
type Deal struct {
	ID                  string
	PrincipalID         string
	CounterpartyID      *string
	PropertyAddress     string
	City                string
	State               string
	Zip                 string
	Price               int64
	PipelineStage       Stage
	ProposedTerms       terms.Terms
	PurchaseContractURL *string
	AgreementPDFURL     *string
	IsFullySigned       bool
	UnlockedAt          *time.Time
	ArchivedAt          *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Archived reports whether the deal rejects further mutations.
func (d Deal) Archived() bool {
	return d.ArchivedAt != nil
}

// HasCounterparty reports whether a room request for this deal was accepted.
func (d Deal) HasCounterparty() bool {
	return d.CounterpartyID != nil && *d.CounterpartyID != ""
}

// RoleOf returns the role actorID plays on d.
func (d Deal) RoleOf(actorID string) (Role, bool) {
	switch {
	case actorID == "":
		return "", false
	case actorID == d.PrincipalID:
		return RolePrincipal, true
	case d.HasCounterparty() && actorID == *d.CounterpartyID:
		return RoleCounterparty, true
	default:
		return "", false
	}
}

// RoomStatus gates whether negotiation may proceed.
type RoomStatus string

const (
	RoomRequested RoomStatus = "requested"
	RoomAccepted  RoomStatus = "accepted"
	RoomDeclined  RoomStatus = "declined"
)

func ParseRoomStatus(raw string) (RoomStatus, error) {
	switch RoomStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case RoomRequested:
		return RoomRequested, nil
	case RoomAccepted:
		return RoomAccepted, nil
	case RoomDeclined:
		return RoomDeclined, nil
	default:
		return "", apperr.Validation("unknown room status %q", raw)
	}
}

// Room binds one principal and one counterparty to a deal. The Deal* fields
// are a display cache copied from the deal when the room is requested.
type Room struct {
	ID             string
	DealID         string
	PrincipalID    string
	CounterpartyID string
	RequestStatus  RoomStatus
	DealCity       string
	DealState      string
	DealPrice      int64
	AcceptedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DefaultTerms seeds a new deal's proposed terms when the principal gives none.
var DefaultTerms = terms.Percentage(2.5)
