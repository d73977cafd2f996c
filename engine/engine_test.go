package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealflow/agreement"
	"dealflow/apperr"
	"dealflow/app"
	"dealflow/config"
	"dealflow/deal"
	"dealflow/documents"
	"dealflow/engine"
	"dealflow/escrow"
	"dealflow/logging"
	"dealflow/memstore"
	"dealflow/negotiation"
	"dealflow/notify"
	"dealflow/outbox"
	"dealflow/provider/custodian"
	"dealflow/provider/esign"
	"dealflow/terms"
)

const (
	investorID = "investor-1"
	agentID    = "agent-1"
	strangerID = "stranger-1"
)

type harness struct {
	app   *app.App
	eng   *engine.Engine
	store *memstore.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	store := memstore.New()
	a := app.Build(&cfg, app.MemoryStorage(store), app.Providers{
		ESign:     esign.NewSandbox(),
		Custodian: custodian.NewSandbox(),
		Documents: documents.NewMemoryStore("memory://documents"),
	}, logging.Discard())
	return &harness{app: a, eng: a.Engine, store: store}
}

// drain runs the outbox until it is empty, which completes pending renders.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 10; i++ {
		n, err := h.app.Dispatcher.DispatchOnce(context.Background())
		require.NoError(t, err)
		if n == 0 {
			return
		}
	}
	t.Fatal("outbox did not drain")
}

// openDeal creates a deal and binds the agent through an accepted room.
func (h *harness) openDeal(t *testing.T) (dealID, roomID string) {
	t.Helper()
	ctx := context.Background()
	d, err := h.eng.CreateDeal(ctx, investorID, deal.CreateParams{
		PropertyAddress: "77 Harbor Way", City: "Portland", State: "OR", Zip: "97201", Price: 52000000,
	})
	require.NoError(t, err)
	room, err := h.eng.RequestRoom(ctx, investorID, d.ID, agentID)
	require.NoError(t, err)
	room, err = h.eng.RespondToRoom(ctx, agentID, room.ID, true)
	require.NoError(t, err)
	require.Equal(t, deal.RoomAccepted, room.RequestStatus)
	return d.ID, room.ID
}

func TestDealLifecycle_SignatureUnlocksDetails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dealID, _ := h.openDeal(t)

	st, err := h.eng.DealState(ctx, agentID, dealID)
	require.NoError(t, err)
	assert.Nil(t, st.Deal.PropertyAddress, "address visible before signature")
	assert.Equal(t, "Portland", st.Deal.City)

	offer, err := h.eng.ProposeCounter(ctx, agentID, dealID, terms.Percentage(3))
	require.NoError(t, err)
	_, err = h.eng.RespondToCounter(ctx, investorID, offer.ID, negotiation.ActionAccept, nil)
	require.NoError(t, err)

	a, err := h.eng.GenerateAgreement(ctx, investorID, dealID)
	require.NoError(t, err)
	assert.Equal(t, agreement.StatusPendingRender, a.Status)
	assert.True(t, terms.Equal(a.ExhibitATerms, terms.Percentage(3)))

	_, err = h.eng.SignAgreement(ctx, investorID, a.ID)
	require.ErrorIs(t, err, apperr.ErrState, "signing before render")

	h.drain(t)

	_, err = h.eng.SignAgreement(ctx, agentID, a.ID)
	require.ErrorIs(t, err, apperr.ErrState, "agent before investor")

	signed, err := h.eng.SignAgreement(ctx, investorID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, agreement.StatusInvestorSigned, signed.Status)

	st, err = h.eng.DealState(ctx, agentID, dealID)
	require.NoError(t, err)
	assert.Nil(t, st.Deal.PropertyAddress, "address visible after one signature")

	signed, err = h.eng.SignAgreement(ctx, agentID, a.ID)
	require.NoError(t, err)
	assert.True(t, signed.IsFullySigned)

	st, err = h.eng.DealState(ctx, agentID, dealID)
	require.NoError(t, err)
	require.NotNil(t, st.Deal.PropertyAddress)
	assert.Equal(t, "77 Harbor Way", *st.Deal.PropertyAddress)
	assert.True(t, st.Deal.Unlocked)
	assert.False(t, st.TermsChanged)

	// New terms after full signature supersede the agreement; the unlock
	// holds.
	offer, err = h.eng.ProposeCounter(ctx, investorID, dealID, terms.Flat(9000))
	require.NoError(t, err)
	_, err = h.eng.RespondToCounter(ctx, agentID, offer.ID, negotiation.ActionAccept, nil)
	require.NoError(t, err)

	st, err = h.eng.DealState(ctx, agentID, dealID)
	require.NoError(t, err)
	assert.True(t, st.TermsChanged)

	v2, err := h.eng.GenerateAgreement(ctx, investorID, dealID)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	versions, err := h.eng.AgreementVersions(ctx, agentID, dealID)
	require.NoError(t, err)
	require.Len(t, versions, 2)

	st, err = h.eng.DealState(ctx, agentID, dealID)
	require.NoError(t, err)
	assert.NotNil(t, st.Deal.PropertyAddress, "unlock revoked by supersede")
	require.NotNil(t, st.Agreement)
	assert.Equal(t, v2.ID, st.Agreement.ID)
	assert.False(t, st.TermsChanged)
}

func TestEscrowLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dealID, roomID := h.openDeal(t)

	_, err := h.eng.CreateEscrow(ctx, agentID, roomID, 1000000, "USD", "")
	require.ErrorIs(t, err, apperr.ErrAuthorization)

	e, err := h.eng.CreateEscrow(ctx, investorID, roomID, 1000000, "usd", "earnest money")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCreated, e.Status)
	assert.Equal(t, "USD", e.Currency)

	e, err = h.eng.FundEscrow(ctx, investorID, roomID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusFunded, e.Status)

	refreshed, err := h.eng.RefreshEscrow(ctx, agentID, roomID)
	require.NoError(t, err)
	require.NotNil(t, refreshed)
	assert.Equal(t, escrow.StatusFunded, refreshed.Status)

	e, err = h.eng.ReleaseEscrow(ctx, investorID, roomID, escrow.ReleaseAccept)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusDisbursed, e.Status)

	st, err := h.eng.DealState(ctx, investorID, dealID)
	require.NoError(t, err)
	require.NotNil(t, st.Escrow)
	assert.Equal(t, escrow.StatusDisbursed, st.Escrow.Status)

	h.drain(t)
	var released int
	for _, m := range h.store.Outbox().Messages() {
		if m.Topic == outbox.TopicEscrowFundsReleased {
			released++
			assert.Equal(t, outbox.StatusProcessed, m.Status)
		}
	}
	assert.Equal(t, 1, released)
}

func TestAccessControl(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dealID, roomID := h.openDeal(t)

	_, err := h.eng.DealState(ctx, strangerID, dealID)
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
	_, err = h.eng.DealState(ctx, "", dealID)
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
	_, err = h.eng.CreateEscrow(ctx, strangerID, roomID, 100, "USD", "")
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
	_, err = h.eng.UploadPurchaseContract(ctx, agentID, dealID, "contract.pdf", []byte("%PDF-1.4"))
	assert.ErrorIs(t, err, apperr.ErrAuthorization)

	_, err = h.eng.AdvancePipelineStage(ctx, investorID, dealID, deal.StageWalkthrough)
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
	view, err := h.eng.AdvancePipelineStage(ctx, agentID, dealID, deal.StageWalkthrough)
	require.NoError(t, err)
	assert.Equal(t, deal.StageWalkthrough, view.PipelineStage)

	deals, err := h.eng.ListDeals(ctx, strangerID, 10)
	require.NoError(t, err)
	assert.Empty(t, deals)
}

func TestUploadPurchaseContract_GatedForCounterparty(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dealID, _ := h.openDeal(t)

	view, err := h.eng.UploadPurchaseContract(ctx, investorID, dealID, "contract.pdf", []byte("%PDF-1.4\n%%EOF"))
	require.NoError(t, err)
	require.NotNil(t, view.PurchaseContractURL)

	st, err := h.eng.DealState(ctx, agentID, dealID)
	require.NoError(t, err)
	assert.Nil(t, st.Deal.PurchaseContractURL)
}

func TestSubscribe_NotifiesOnChange(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dealID, _ := h.openDeal(t)

	_, err := h.eng.Subscribe(ctx, strangerID, dealID)
	require.ErrorIs(t, err, apperr.ErrAuthorization)

	events, err := h.eng.Subscribe(ctx, agentID, dealID)
	require.NoError(t, err)

	_, err = h.eng.ProposeCounter(ctx, investorID, dealID, terms.Percentage(2))
	require.NoError(t, err)

	select {
	case evt := <-events:
		assert.Equal(t, notify.EventDealUpdated, evt.Type)
		assert.Equal(t, dealID, evt.DealID)
		assert.Equal(t, outbox.TopicCounterOfferProposed, evt.Topic)
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}

	// The read model reflects the change immediately.
	st, err := h.eng.DealState(ctx, agentID, dealID)
	require.NoError(t, err)
	require.NotNil(t, st.PendingCounterOffer)
	assert.Equal(t, deal.RolePrincipal, st.PendingCounterOffer.FromRole)
}

func TestSigningSession_ProviderCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dealID, _ := h.openDeal(t)

	a, err := h.eng.GenerateAgreement(ctx, investorID, dealID)
	require.NoError(t, err)
	h.drain(t)

	session, err := h.eng.StartSigning(ctx, investorID, a.ID, "https://app.example/return")
	require.NoError(t, err)
	assert.NotEmpty(t, session.URL)

	sandbox := h.app.Providers.ESign.(*esign.Sandbox)
	_, err = sandbox.Complete(session.ExternalID, esign.RoleInvestor, time.Now())
	require.NoError(t, err)

	refreshed, err := h.eng.RefreshAgreement(ctx, investorID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, agreement.StatusInvestorSigned, refreshed.Status)
	assert.NotNil(t, refreshed.InvestorSignedAt)
}
