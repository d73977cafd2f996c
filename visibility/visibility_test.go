package visibility

import (
	"testing"
	"time"

	"dealflow/agreement"
	"dealflow/deal"
	"dealflow/terms"
)

func lockedDeal() deal.Deal {
	agent := "agent-1"
	contract := "memory://documents/contract.pdf"
	return deal.Deal{
		ID:                  "deal-1",
		PrincipalID:         "investor-1",
		CounterpartyID:      &agent,
		PropertyAddress:     "12 Elm St",
		City:                "Austin",
		State:               "TX",
		Zip:                 "78701",
		Price:               350000,
		PipelineStage:       deal.StageEvaluate,
		ProposedTerms:       terms.Percentage(3),
		PurchaseContractURL: &contract,
	}
}

func TestVisibleFields(t *testing.T) {
	now := time.Now()
	d := lockedDeal()
	signed := &agreement.Agreement{Status: agreement.StatusFullySigned}
	pending := &agreement.Agreement{Status: agreement.StatusInvestorSigned, InvestorSignedAt: &now}
	unlocked := lockedDeal()
	unlocked.UnlockedAt = &now

	cases := []struct {
		name   string
		role   deal.Role
		active *agreement.Agreement
		d      deal.Deal
		detail bool
	}{
		{"principal always", deal.RolePrincipal, nil, d, true},
		{"counterparty before signing", deal.RoleCounterparty, nil, d, false},
		{"counterparty half signed", deal.RoleCounterparty, pending, d, false},
		{"counterparty fully signed", deal.RoleCounterparty, signed, d, true},
		{"counterparty after supersede", deal.RoleCounterparty, &agreement.Agreement{Status: agreement.StatusPendingRender}, unlocked, true},
	}
	for _, tc := range cases {
		fields := VisibleFields(tc.role, tc.active, tc.d)
		for _, f := range coarseFields {
			if !fields.Has(f) {
				t.Errorf("%s: coarse field %s hidden", tc.name, f)
			}
		}
		for _, f := range detailFields {
			if fields.Has(f) != tc.detail {
				t.Errorf("%s: %s visible=%v, want %v", tc.name, f, fields.Has(f), tc.detail)
			}
		}
	}
}

func TestProject_HidesDetailsFromCounterparty(t *testing.T) {
	v := Project(deal.RoleCounterparty, nil, lockedDeal())
	if v.PropertyAddress != nil || v.Zip != nil || v.PrincipalID != nil || v.PurchaseContractURL != nil {
		t.Fatalf("gated fields leaked: %+v", v)
	}
	if v.City != "Austin" || v.Price != 350000 || v.StageOrder != 2 || v.Unlocked {
		t.Errorf("coarse fields wrong: %+v", v)
	}

	v = Project(deal.RolePrincipal, nil, lockedDeal())
	if v.PropertyAddress == nil || *v.PropertyAddress != "12 Elm St" || v.PurchaseContractURL == nil {
		t.Errorf("principal view missing details: %+v", v)
	}
}

func TestProjectAgreement_NeverShowsAgentSignatureAlone(t *testing.T) {
	now := time.Now()
	d := lockedDeal()
	v := ProjectAgreement(deal.RolePrincipal, agreement.Agreement{ID: "a1", Status: agreement.StatusDrafted, AgentSignedAt: &now}, d)
	if v.AgentSignedAt != nil {
		t.Errorf("agent signature exposed without investor signature")
	}
	v = ProjectAgreement(deal.RoleCounterparty, agreement.Agreement{ID: "a1", Status: agreement.StatusFullySigned, InvestorSignedAt: &now, AgentSignedAt: &now}, d)
	if v.AgentSignedAt == nil || !v.IsFullySigned {
		t.Errorf("fully signed view incomplete: %+v", v)
	}
}

func TestProjectAgreement_DocumentsFollowDealGate(t *testing.T) {
	now := time.Now()
	pdf := "memory://documents/agreement-v1.pdf"
	d := lockedDeal()
	d.AgreementPDFURL = &pdf
	a := agreement.Agreement{ID: "a1", DealID: d.ID, Status: agreement.StatusInvestorSigned, InvestorSignedAt: &now, PDFURL: &pdf, SignedPDFURL: &pdf}

	for _, role := range []deal.Role{deal.RolePrincipal, deal.RoleCounterparty} {
		dealView := Project(role, &a, d)
		agreementView := ProjectAgreement(role, a, d)
		if (dealView.AgreementPDFURL == nil) != (agreementView.PDFURL == nil) {
			t.Errorf("%s: deal and agreement views disagree on the document link", role)
		}
		if (agreementView.PDFURL == nil) != (agreementView.SignedPDFURL == nil) {
			t.Errorf("%s: document links gated inconsistently", role)
		}
	}
	if v := ProjectAgreement(deal.RoleCounterparty, a, d); v.PDFURL != nil || v.SignedPDFURL != nil {
		t.Errorf("locked counterparty sees documents: %+v", v)
	}
	if v := ProjectAgreement(deal.RoleCounterparty, a, d); v.InvestorSignedAt == nil {
		t.Errorf("signatures must stay visible: %+v", v)
	}

	d.UnlockedAt = &now
	if v := ProjectAgreement(deal.RoleCounterparty, a, d); v.PDFURL == nil || *v.PDFURL != pdf {
		t.Errorf("unlocked counterparty missing document: %+v", v)
	}
}

func TestProjectState(t *testing.T) {
	d := lockedDeal()
	room := deal.Room{ID: "room-1", DealID: d.ID, RequestStatus: deal.RoomAccepted, DealCity: d.City, DealState: d.State, DealPrice: d.Price}
	snap := Snapshot{Deal: d, Room: &room, TermsChanged: true}

	st := ProjectState(deal.RoleCounterparty, snap)
	if st.Agreement != nil || st.PendingCounterOffer != nil || st.Escrow != nil {
		t.Errorf("unexpected optional sections: %+v", st)
	}
	if st.Room == nil || st.Room.City != "Austin" || !st.TermsChanged {
		t.Errorf("room or terms flag missing: %+v", st)
	}
	if !terms.Equal(st.DealTerms, terms.Percentage(3)) {
		t.Errorf("deal terms = %s", terms.Format(st.DealTerms))
	}
	if st.Deal.PropertyAddress != nil {
		t.Errorf("address leaked through state projection")
	}
}
