package providersync_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"dealflow/agreement"
	"dealflow/apperr"
	"dealflow/deal"
	"dealflow/escrow"
	"dealflow/logging"
	"dealflow/memstore"
	"dealflow/provider/custodian"
	"dealflow/provider/esign"
	"dealflow/providersync"
)

var (
	investor = deal.Actor{ID: "investor-1", Role: deal.RolePrincipal}
	agent    = deal.Actor{ID: "agent-1", Role: deal.RoleCounterparty}
)

type changes struct {
	mu    sync.Mutex
	deals []string
}

func (c *changes) record(_ context.Context, dealID string) {
	c.mu.Lock()
	c.deals = append(c.deals, dealID)
	c.mu.Unlock()
}

func (c *changes) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deals)
}

type harness struct {
	store      *memstore.Store
	agreements *agreement.Service
	escrows    *escrow.Service
	esign      *esign.Sandbox
	custodian  *custodian.Sandbox
	signatures *providersync.SignatureSync
	escrowSync *providersync.CustodianSync
	changes    *changes
	dealID     string
	roomID     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	repo := store.Deals()
	deals := deal.NewService(store, repo, nil, nil)

	d, err := deals.Create(ctx, deal.CreateParams{PrincipalID: investor.ID, City: "Reno", State: "NV", Price: 510000})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rooms := deal.NewRoomService(store, repo, repo, nil, nil)
	room, err := rooms.Request(ctx, d.ID, investor, agent.ID)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := rooms.Respond(ctx, room.ID, agent.ID, true); err != nil {
		t.Fatalf("respond: %v", err)
	}

	h := &harness{
		store:      store,
		agreements: agreement.NewService(store, store.Agreements(), repo, store.Idempotency(), store.Timeline(), store.Outbox()),
		esign:      esign.NewSandbox(),
		custodian:  custodian.NewSandbox(),
		changes:    &changes{},
		dealID:     d.ID,
		roomID:     room.ID,
	}
	h.escrows = escrow.NewService(store, store.Escrows(), repo, h.custodian, store.Idempotency(), store.Timeline(), store.Outbox())
	log := logging.Discard()
	h.signatures = providersync.NewSignatureSync(h.agreements, deals, h.esign, h.changes.record, log)
	h.escrowSync = providersync.NewCustodianSync(h.escrows, h.custodian, h.changes.record, log)
	return h
}

func (h *harness) renderedAgreement(t *testing.T) agreement.Agreement {
	t.Helper()
	ctx := context.Background()
	a, err := h.agreements.Generate(ctx, h.dealID, investor)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	a, _, err = h.agreements.CompleteRender(ctx, a.ID, a.RenderSeq, "memory://documents/agreement.pdf")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	return a
}

func TestSignatureSession_OpensAndReusesEnvelope(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.renderedAgreement(t)

	if _, err := h.signatures.StartSession(ctx, a.ID, agent, ""); apperr.KindOf(err) != apperr.KindOrder {
		t.Fatalf("agent before investor: expected order error, got %v", err)
	}

	first, err := h.signatures.StartSession(ctx, a.ID, investor, "https://app.example/done")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if first.URL == "" || first.ExternalID == "" {
		t.Fatalf("empty session: %+v", first)
	}
	second, err := h.signatures.StartSession(ctx, a.ID, investor, "")
	if err != nil {
		t.Fatalf("second session: %v", err)
	}
	if second.ExternalID != first.ExternalID {
		t.Errorf("outstanding envelope not reused: %s vs %s", second.ExternalID, first.ExternalID)
	}

	got, err := h.agreements.Get(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.EnvelopeID == nil || *got.EnvelopeID != first.ExternalID {
		t.Fatalf("envelope not attached: %v", got.EnvelopeID)
	}
}

func TestSignatureSession_RequiresRenderedDocument(t *testing.T) {
	h := newHarness(t)
	a, err := h.agreements.Generate(context.Background(), h.dealID, investor)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.signatures.StartSession(context.Background(), a.ID, investor, ""); !errors.Is(err, apperr.ErrState) {
		t.Fatalf("expected state error, got %v", err)
	}
}

func TestSignatureReconcile_PullsProviderState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.renderedAgreement(t)
	sess, err := h.signatures.StartSession(ctx, a.ID, investor, "")
	if err != nil {
		t.Fatal(err)
	}
	before := h.changes.count()

	if _, err := h.esign.Complete(sess.ExternalID, esign.RoleInvestor, time.Now()); err != nil {
		t.Fatal(err)
	}
	got, changed, err := h.signatures.Reconcile(ctx, a.ID)
	if err != nil || !changed {
		t.Fatalf("reconcile: changed=%v err=%v", changed, err)
	}
	if got.Status != agreement.StatusInvestorSigned {
		t.Fatalf("status = %s, want investor_signed", got.Status)
	}

	// Nothing new on the provider side.
	if _, changed, err = h.signatures.Reconcile(ctx, a.ID); err != nil || changed {
		t.Fatalf("second reconcile: changed=%v err=%v", changed, err)
	}

	if _, err := h.esign.Complete(sess.ExternalID, esign.RoleAgent, time.Now()); err != nil {
		t.Fatal(err)
	}
	got, _, err = h.signatures.Reconcile(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsFullySigned() {
		t.Fatalf("status = %s, want fully_signed", got.Status)
	}
	if h.changes.count() != before+2 {
		t.Errorf("change hook calls = %d, want %d", h.changes.count(), before+2)
	}
}

func TestSignatureWebhook_DeduplicatesDeliveries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.renderedAgreement(t)
	sess, err := h.signatures.StartSession(ctx, a.ID, investor, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.esign.Complete(sess.ExternalID, esign.RoleInvestor, time.Now()); err != nil {
		t.Fatal(err)
	}

	// No version: the envelope is pulled from the provider.
	evt := esign.WebhookEvent{EventID: "evt-1", EnvelopeID: sess.ExternalID, Status: "completed", SignerRole: esign.RoleInvestor}
	changed, err := h.signatures.HandleWebhook(ctx, evt)
	if err != nil || !changed {
		t.Fatalf("webhook: changed=%v err=%v", changed, err)
	}
	changed, err = h.signatures.HandleWebhook(ctx, evt)
	if err != nil || changed {
		t.Fatalf("redelivery: changed=%v err=%v", changed, err)
	}

	if _, err := h.signatures.HandleWebhook(ctx, esign.WebhookEvent{EnvelopeID: sess.ExternalID, Status: "shredded"}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("unknown status: expected validation error, got %v", err)
	}
	if _, err := h.signatures.HandleWebhook(ctx, esign.WebhookEvent{EventID: "evt-x", EnvelopeID: "env-unknown", Status: "sent", Version: 1}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("unknown envelope: expected not found, got %v", err)
	}
}

func TestSignatureWebhook_VersionedEventsApplyInProviderOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.renderedAgreement(t)
	sess, err := h.signatures.StartSession(ctx, a.ID, investor, "")
	if err != nil {
		t.Fatal(err)
	}
	signed := time.Now().Add(-time.Minute)

	// The agent's completion arrives first and is held back.
	if _, err := h.signatures.HandleWebhook(ctx, esign.WebhookEvent{
		EventID: "evt-2", EnvelopeID: sess.ExternalID, Status: "completed", SignerRole: esign.RoleAgent, SignedAt: &signed, Version: 3,
	}); err != nil {
		t.Fatalf("agent event: %v", err)
	}
	if got, _ := h.agreements.Get(ctx, a.ID); got.AgentSignedAt != nil {
		t.Fatalf("agent signature applied before investor")
	}

	if _, err := h.signatures.HandleWebhook(ctx, esign.WebhookEvent{
		EventID: "evt-1", EnvelopeID: sess.ExternalID, Status: "completed", SignerRole: esign.RoleInvestor, SignedAt: &signed, Version: 2,
	}); err != nil {
		t.Fatalf("investor event: %v", err)
	}
	got, err := h.agreements.Get(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != agreement.StatusInvestorSigned {
		t.Fatalf("status = %s, want investor_signed", got.Status)
	}
}

func TestCustodianSession_AttachesExternalTransaction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.escrowSync.StartSession(ctx, h.roomID, investor, ""); !errors.Is(err, apperr.ErrState) {
		t.Fatalf("no escrow: expected state error, got %v", err)
	}
	e, err := h.escrows.Create(ctx, h.roomID, investor, 150000, "USD", "deposit")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.escrowSync.StartSession(ctx, h.roomID, agent, ""); !errors.Is(err, apperr.ErrAuthorization) {
		t.Fatalf("agent session: expected authorization error, got %v", err)
	}

	sess, err := h.escrowSync.StartSession(ctx, h.roomID, investor, "https://app.example/back")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	got, err := h.escrows.Get(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ExternalID == nil || *got.ExternalID != sess.ExternalID {
		t.Fatalf("external id not attached: %v", got.ExternalID)
	}

	// The payer completes on the hosted page; the custodian notifies without
	// a version and the transaction is pulled.
	if _, err := h.custodian.FundTransaction(ctx, sess.ExternalID); err != nil {
		t.Fatal(err)
	}
	changed, err := h.escrowSync.HandleWebhook(ctx, custodian.WebhookEvent{EventID: "c-1", TransactionID: sess.ExternalID, Status: "funded"})
	if err != nil || !changed {
		t.Fatalf("webhook: changed=%v err=%v", changed, err)
	}
	if got, _ = h.escrows.Get(ctx, e.ID); got.Status != escrow.StatusFunded {
		t.Fatalf("status = %s, want funded", got.Status)
	}
}

func TestSweeper_ReconcilesStaleRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.renderedAgreement(t)
	sess, err := h.signatures.StartSession(ctx, a.ID, investor, "")
	if err != nil {
		t.Fatal(err)
	}
	e, err := h.escrows.Create(ctx, h.roomID, investor, 90000, "USD", "")
	if err != nil {
		t.Fatal(err)
	}
	if e, err = h.escrows.Fund(ctx, h.roomID, investor); err != nil {
		t.Fatal(err)
	}

	// Provider-side changes whose webhooks were lost.
	if _, err := h.esign.Complete(sess.ExternalID, esign.RoleInvestor, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := h.custodian.SetStatus(*e.ExternalID, "inspection"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	sweeper := providersync.NewSweeper(h.signatures, h.escrowSync, providersync.SweeperOptions{
		Staleness:   time.Millisecond,
		BatchSize:   10,
		Concurrency: 2,
	}, logging.Discard())
	n, err := sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("changed = %d, want 2", n)
	}

	got, _ := h.agreements.Get(ctx, a.ID)
	if got.Status != agreement.StatusInvestorSigned {
		t.Errorf("agreement status = %s", got.Status)
	}
	current, _ := h.escrows.Get(ctx, e.ID)
	if current.Status != escrow.StatusInspection {
		t.Errorf("escrow status = %s", current.Status)
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func TestSweeper_QuietRecordsLeaveTheBacklog(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := &clock{now: time.Now().Add(-time.Hour)}
	h.store.WithClock(c.Now)
	h.agreements.WithClock(c.Now)
	h.escrows.WithClock(c.Now)

	a := h.renderedAgreement(t)
	if _, err := h.signatures.StartSession(ctx, a.ID, investor, ""); err != nil {
		t.Fatal(err)
	}
	// Catch the agreement up with the envelope's current version.
	if _, _, err := h.signatures.Reconcile(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.escrows.Create(ctx, h.roomID, investor, 90000, "USD", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := h.escrows.Fund(ctx, h.roomID, investor); err != nil {
		t.Fatal(err)
	}
	c.Set(time.Now())

	staleBefore := time.Now().Add(-time.Minute)
	stale := func() (int, int) {
		t.Helper()
		agreements, err := h.agreements.ListAwaitingProvider(ctx, staleBefore, 10)
		if err != nil {
			t.Fatal(err)
		}
		escrows, err := h.escrows.ListAwaitingProvider(ctx, staleBefore, 10)
		if err != nil {
			t.Fatal(err)
		}
		return len(agreements), len(escrows)
	}
	if na, ne := stale(); na != 1 || ne != 1 {
		t.Fatalf("before sweep: stale agreements=%d escrows=%d, want 1 and 1", na, ne)
	}

	// Nothing happened at either provider.
	sweeper := providersync.NewSweeper(h.signatures, h.escrowSync, providersync.SweeperOptions{
		Staleness: time.Minute,
		BatchSize: 10,
	}, logging.Discard())
	n, err := sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("changed = %d, want 0", n)
	}
	if na, ne := stale(); na != 0 || ne != 0 {
		t.Fatalf("after sweep: stale agreements=%d escrows=%d, want 0 and 0", na, ne)
	}
	if h.changes.count() != 0 {
		t.Errorf("a sync without news reported a change")
	}
}

func TestCustodianWebhook_WarnsOnAmountMismatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var logs bytes.Buffer
	watched := providersync.NewCustodianSync(h.escrows, h.custodian, nil, logging.NewWithWriter(&logs, "info"))

	if _, err := h.escrows.Create(ctx, h.roomID, investor, 250000, "USD", ""); err != nil {
		t.Fatal(err)
	}
	e, err := h.escrows.Fund(ctx, h.roomID, investor)
	if err != nil {
		t.Fatal(err)
	}

	changed, err := watched.HandleWebhook(ctx, custodian.WebhookEvent{
		EventID: "c-10", TransactionID: *e.ExternalID, Status: "inspection", Amount: e.Amount, Version: e.ProviderVersion + 1,
	})
	if err != nil || !changed {
		t.Fatalf("matching amount: changed=%v err=%v", changed, err)
	}
	if strings.Contains(logs.String(), "custodian amount differs") {
		t.Fatalf("warned on a matching amount: %s", logs.String())
	}

	changed, err = watched.HandleWebhook(ctx, custodian.WebhookEvent{
		EventID: "c-11", TransactionID: *e.ExternalID, Status: "accepted", Amount: e.Amount - 100, Version: e.ProviderVersion + 2,
	})
	if err != nil || !changed {
		t.Fatalf("short amount: changed=%v err=%v", changed, err)
	}
	out := logs.String()
	if !strings.Contains(out, `"msg":"custodian amount differs from escrow"`) || !strings.Contains(out, `"custodian_amount":249900`) {
		t.Fatalf("mismatch not logged: %s", out)
	}
}
