// Package visibility decides which deal fields each party may read. Every
// read path projects through this package; nothing else filters fields.
package visibility

import (
	"time"

	"dealflow/agreement"
	"dealflow/deal"
	"dealflow/escrow"
	"dealflow/negotiation"
	"dealflow/terms"
)

// Field names a gated attribute of a deal.
type Field string

const (
	FieldCity                Field = "city"
	FieldState               Field = "state"
	FieldPrice               Field = "price"
	FieldPipelineStage       Field = "pipeline_stage"
	FieldProposedTerms       Field = "proposed_terms"
	FieldPropertyAddress     Field = "property_address"
	FieldZip                 Field = "zip"
	FieldPurchaseContractURL Field = "purchase_contract_url"
	FieldAgreementPDFURL     Field = "agreement_pdf_url"
	FieldPrincipalID         Field = "principal_id"
)

var coarseFields = []Field{
	FieldCity,
	FieldState,
	FieldPrice,
	FieldPipelineStage,
	FieldProposedTerms,
}

var detailFields = []Field{
	FieldPropertyAddress,
	FieldZip,
	FieldPurchaseContractURL,
	FieldAgreementPDFURL,
	FieldPrincipalID,
}

// FieldSet is the set of fields a role may read.
type FieldSet map[Field]bool

func (s FieldSet) Has(f Field) bool {
	return s[f]
}

// Unlocked reports whether the deal's details are open to the counterparty.
// The unlock is sticky: superseding a fully signed agreement does not hide
// fields again.
func Unlocked(active *agreement.Agreement, d deal.Deal) bool {
	if d.UnlockedAt != nil || d.IsFullySigned {
		return true
	}
	return active != nil && active.IsFullySigned()
}

// VisibleFields returns the fields role may read on d given its active
// agreement. The principal always sees everything.
func VisibleFields(role deal.Role, active *agreement.Agreement, d deal.Deal) FieldSet {
	out := make(FieldSet, len(coarseFields)+len(detailFields))
	for _, f := range coarseFields {
		out[f] = true
	}
	if role == deal.RolePrincipal || (role == deal.RoleCounterparty && Unlocked(active, d)) {
		for _, f := range detailFields {
			out[f] = true
		}
	}
	return out
}

type DealView struct {
	ID                  string      `json:"id"`
	Role                deal.Role   `json:"role"`
	PrincipalID         *string     `json:"principal_id,omitempty"`
	CounterpartyID      *string     `json:"counterparty_id,omitempty"`
	PropertyAddress     *string     `json:"property_address,omitempty"`
	City                string      `json:"city"`
	State               string      `json:"state"`
	Zip                 *string     `json:"zip,omitempty"`
	Price               int64       `json:"price"`
	PipelineStage       deal.Stage  `json:"pipeline_stage"`
	StageOrder          int         `json:"stage_order"`
	ProposedTerms       terms.Terms `json:"proposed_terms"`
	PurchaseContractURL *string     `json:"purchase_contract_url,omitempty"`
	AgreementPDFURL     *string     `json:"agreement_pdf_url,omitempty"`
	IsFullySigned       bool        `json:"is_fully_signed"`
	Unlocked            bool        `json:"unlocked"`
	Archived            bool        `json:"archived"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// Project renders d for role.
func Project(role deal.Role, active *agreement.Agreement, d deal.Deal) DealView {
	fields := VisibleFields(role, active, d)
	v := DealView{
		ID:             d.ID,
		Role:           role,
		CounterpartyID: d.CounterpartyID,
		City:           d.City,
		State:          d.State,
		Price:          d.Price,
		PipelineStage:  d.PipelineStage,
		StageOrder:     d.PipelineStage.Order(),
		ProposedTerms:  terms.Normalize(d.ProposedTerms),
		IsFullySigned:  d.IsFullySigned,
		Unlocked:       Unlocked(active, d),
		Archived:       d.Archived(),
		UpdatedAt:      d.UpdatedAt,
	}
	if fields.Has(FieldPrincipalID) {
		v.PrincipalID = &d.PrincipalID
	}
	if fields.Has(FieldPropertyAddress) {
		v.PropertyAddress = &d.PropertyAddress
	}
	if fields.Has(FieldZip) {
		v.Zip = &d.Zip
	}
	if fields.Has(FieldPurchaseContractURL) {
		v.PurchaseContractURL = d.PurchaseContractURL
	}
	if fields.Has(FieldAgreementPDFURL) {
		v.AgreementPDFURL = d.AgreementPDFURL
	}
	return v
}

// AgreementView is an agreement as role sees it. Terms and signatures are
// shared by both signatories; the rendered documents carry the property
// address and follow the agreement_pdf_url gate.
type AgreementView struct {
	ID               string                    `json:"id"`
	Version          int                       `json:"version"`
	Status           agreement.Status          `json:"status"`
	ExhibitATerms    terms.Terms               `json:"exhibit_a_terms"`
	InvestorSignedAt *time.Time                `json:"investor_signed_at"`
	AgentSignedAt    *time.Time                `json:"agent_signed_at"`
	IsFullySigned    bool                      `json:"is_fully_signed"`
	PDFURL           *string                   `json:"pdf_url,omitempty"`
	SignedPDFURL     *string                   `json:"signed_pdf_url,omitempty"`
	FinalPDFURL      *string                   `json:"final_pdf_url,omitempty"`
	EnvelopeStatus   *agreement.EnvelopeStatus `json:"envelope_status,omitempty"`
	UpdatedAt        time.Time                 `json:"updated_at"`
}

func ProjectAgreement(role deal.Role, a agreement.Agreement, d deal.Deal) AgreementView {
	v := AgreementView{
		ID:               a.ID,
		Version:          a.Version,
		Status:           a.Status,
		ExhibitATerms:    terms.Normalize(a.ExhibitATerms),
		InvestorSignedAt: a.InvestorSignedAt,
		AgentSignedAt:    a.AgentSignedAt,
		IsFullySigned:    a.IsFullySigned(),
		EnvelopeStatus:   a.EnvelopeStatus,
		UpdatedAt:        a.UpdatedAt,
	}
	if VisibleFields(role, &a, d).Has(FieldAgreementPDFURL) {
		v.PDFURL = a.PDFURL
		v.SignedPDFURL = a.SignedPDFURL
		v.FinalPDFURL = a.FinalPDFURL
	}
	if v.InvestorSignedAt == nil {
		// Never expose an agent signature without the investor's.
		v.AgentSignedAt = nil
	}
	return v
}

type CounterOfferView struct {
	ID         string             `json:"id"`
	FromRole   deal.Role          `json:"from_role"`
	ToRole     deal.Role          `json:"to_role"`
	TermsDelta terms.Terms        `json:"terms_delta"`
	Status     negotiation.Status `json:"status"`
	ParentID   *string            `json:"parent_id,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

func ProjectCounterOffer(o negotiation.CounterOffer) CounterOfferView {
	return CounterOfferView{
		ID:         o.ID,
		FromRole:   o.FromRole,
		ToRole:     o.ToRole,
		TermsDelta: terms.Normalize(o.TermsDelta),
		Status:     o.Status,
		ParentID:   o.ParentID,
		CreatedAt:  o.CreatedAt,
	}
}

type EscrowView struct {
	ID          string        `json:"id"`
	RoomID      string        `json:"room_id"`
	Status      escrow.Status `json:"status"`
	Amount      int64         `json:"amount"`
	Currency    string        `json:"currency"`
	Description string        `json:"description,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

func ProjectEscrow(e escrow.Transaction) EscrowView {
	return EscrowView{
		ID:          e.ID,
		RoomID:      e.RoomID,
		Status:      e.Status,
		Amount:      e.Amount,
		Currency:    e.Currency,
		Description: e.Description,
		CompletedAt: e.CompletedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

// RoomView carries the room's display cache, which never includes gated
// deal fields.
type RoomView struct {
	ID            string          `json:"id"`
	DealID        string          `json:"deal_id"`
	RequestStatus deal.RoomStatus `json:"request_status"`
	City          string          `json:"city"`
	State         string          `json:"state"`
	Price         int64           `json:"price"`
	AcceptedAt    *time.Time      `json:"accepted_at,omitempty"`
}

func ProjectRoom(r deal.Room) RoomView {
	return RoomView{
		ID:            r.ID,
		DealID:        r.DealID,
		RequestStatus: r.RequestStatus,
		City:          r.DealCity,
		State:         r.DealState,
		Price:         r.DealPrice,
		AcceptedAt:    r.AcceptedAt,
	}
}

// State is everything a party may see about one deal.
type State struct {
	Deal                DealView          `json:"deal"`
	Agreement           *AgreementView    `json:"agreement"`
	PendingCounterOffer *CounterOfferView `json:"pendingCounterOffer"`
	DealTerms           terms.Terms       `json:"dealTerms"`
	TermsChanged        bool              `json:"termsChanged"`
	Room                *RoomView         `json:"room,omitempty"`
	Escrow              *EscrowView       `json:"escrow,omitempty"`
}

// Snapshot is the unfiltered state of a deal as read from storage.
type Snapshot struct {
	Deal         deal.Deal
	Agreement    *agreement.Agreement
	Pending      *negotiation.CounterOffer
	Room         *deal.Room
	Escrow       *escrow.Transaction
	TermsChanged bool
}

// ProjectState filters snap for role.
func ProjectState(role deal.Role, snap Snapshot) State {
	out := State{
		Deal:         Project(role, snap.Agreement, snap.Deal),
		DealTerms:    terms.Normalize(snap.Deal.ProposedTerms),
		TermsChanged: snap.TermsChanged,
	}
	if snap.Agreement != nil {
		v := ProjectAgreement(role, *snap.Agreement, snap.Deal)
		out.Agreement = &v
	}
	if snap.Pending != nil {
		v := ProjectCounterOffer(*snap.Pending)
		out.PendingCounterOffer = &v
	}
	if snap.Room != nil {
		v := ProjectRoom(*snap.Room)
		out.Room = &v
	}
	if snap.Escrow != nil {
		v := ProjectEscrow(*snap.Escrow)
		out.Escrow = &v
	}
	return out
}
