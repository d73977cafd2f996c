package escrow_test

import (
	"context"
	"errors"
	"testing"

	"dealflow/apperr"
	"dealflow/deal"
	"dealflow/escrow"
	"dealflow/memstore"
	"dealflow/outbox"
	"dealflow/provider/custodian"
)

var (
	investor = deal.Actor{ID: "investor-1", Role: deal.RolePrincipal}
	agent    = deal.Actor{ID: "agent-1", Role: deal.RoleCounterparty}
)

type fixture struct {
	store   *memstore.Store
	sandbox *custodian.Sandbox
	svc     *escrow.Service
	roomID  string
}

// newFixture opens a room on a fresh deal. wrap decorates the custodian sandbox
// when set.
func newFixture(t *testing.T, accept bool, wrap func(*custodian.Sandbox) custodian.Provider) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	repo := store.Deals()

	d, err := deal.NewService(store, repo, nil, nil).Create(ctx, deal.CreateParams{
		PrincipalID: investor.ID, City: "Boise", State: "ID", Price: 390000,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rooms := deal.NewRoomService(store, repo, repo, nil, nil)
	room, err := rooms.Request(ctx, d.ID, investor, agent.ID)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if accept {
		if _, err := rooms.Respond(ctx, room.ID, agent.ID, true); err != nil {
			t.Fatalf("respond: %v", err)
		}
	}

	sandbox := custodian.NewSandbox()
	var p custodian.Provider = sandbox
	if wrap != nil {
		p = wrap(sandbox)
	}
	svc := escrow.NewService(store, store.Escrows(), repo, p, store.Idempotency(), store.Timeline(), store.Outbox())
	return &fixture{store: store, sandbox: sandbox, svc: svc, roomID: room.ID}
}

func (f *fixture) funded(t *testing.T) escrow.Transaction {
	t.Helper()
	ctx := context.Background()
	if _, err := f.svc.Create(ctx, f.roomID, investor, 2500000, "usd", "earnest money"); err != nil {
		t.Fatalf("create: %v", err)
	}
	e, err := f.svc.Fund(ctx, f.roomID, investor)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	return e
}

func (f *fixture) count(topic string) int {
	n := 0
	for _, m := range f.store.Outbox().Messages() {
		if m.Topic == topic {
			n++
		}
	}
	return n
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t, true, nil)
	ctx := context.Background()

	cases := []struct {
		name     string
		actor    deal.Actor
		amount   int64
		currency string
		want     error
	}{
		{"zero amount", investor, 0, "USD", apperr.ErrValidation},
		{"bad currency", investor, 100, "US1", apperr.ErrValidation},
		{"long currency", investor, 100, "USDT", apperr.ErrValidation},
		{"counterparty", agent, 100, "USD", apperr.ErrAuthorization},
	}
	for _, tc := range cases {
		if _, err := f.svc.Create(ctx, f.roomID, tc.actor, tc.amount, tc.currency, ""); !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	e, err := f.svc.Create(ctx, f.roomID, investor, 100, "", "deposit")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if e.Currency != "USD" || e.Status != escrow.StatusCreated {
		t.Errorf("unexpected escrow: %+v", e)
	}
	if _, err := f.svc.Create(ctx, f.roomID, investor, 100, "USD", ""); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("second active escrow: expected conflict, got %v", err)
	}
}

func TestCreate_RequiresAcceptedRoom(t *testing.T) {
	f := newFixture(t, false, nil)
	if _, err := f.svc.Create(context.Background(), f.roomID, investor, 100, "USD", ""); !errors.Is(err, apperr.ErrState) {
		t.Fatalf("expected state error, got %v", err)
	}
}

func TestFund_ThenAcceptReleasesFunds(t *testing.T) {
	f := newFixture(t, true, nil)
	ctx := context.Background()

	if _, err := f.svc.Fund(ctx, f.roomID, investor); !errors.Is(err, apperr.ErrState) {
		t.Fatalf("fund without escrow: expected state error, got %v", err)
	}

	e := f.funded(t)
	if e.Status != escrow.StatusFunded || e.ExternalID == nil || e.ProviderVersion == 0 {
		t.Fatalf("unexpected funded escrow: %+v", e)
	}
	if _, err := f.svc.Fund(ctx, f.roomID, investor); !errors.Is(err, apperr.ErrState) {
		t.Fatalf("fund twice: expected state error, got %v", err)
	}

	e, err := f.svc.Release(ctx, f.roomID, investor, escrow.ReleaseAccept)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if e.Status != escrow.StatusDisbursed {
		t.Fatalf("status = %s, want disbursed", e.Status)
	}
	if got := f.count(outbox.TopicEscrowFundsReleased); got != 1 {
		t.Errorf("funds released events = %d, want 1", got)
	}
}

func TestRelease_Reject(t *testing.T) {
	f := newFixture(t, true, nil)
	ctx := context.Background()
	f.funded(t)

	if _, err := f.svc.Release(ctx, f.roomID, investor, escrow.ReleaseAction("maybe")); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("unknown action: expected validation error, got %v", err)
	}
	e, err := f.svc.Release(ctx, f.roomID, investor, escrow.ReleaseReject)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if e.Status != escrow.StatusRejected || !e.Status.Terminal() {
		t.Fatalf("status = %s, want rejected", e.Status)
	}
	if got := f.count(outbox.TopicEscrowFundsReleased); got != 0 {
		t.Errorf("rejection must not release funds, got %d events", got)
	}

	// A terminal transaction frees the room for a new one.
	if _, err := f.svc.Create(ctx, f.roomID, investor, 500, "USD", ""); err != nil {
		t.Fatalf("create after rejection: %v", err)
	}
}

func TestFund_CustodianFailureLeavesCreated(t *testing.T) {
	f := newFixture(t, true, nil)
	ctx := context.Background()
	if _, err := f.svc.Create(ctx, f.roomID, investor, 100, "USD", ""); err != nil {
		t.Fatal(err)
	}

	f.sandbox.FailNext(errors.New("custodian down"))
	if _, err := f.svc.Fund(ctx, f.roomID, investor); !errors.Is(err, apperr.ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	current, err := f.svc.Current(ctx, f.roomID)
	if err != nil || current == nil {
		t.Fatalf("current: %v", err)
	}
	if current.Status != escrow.StatusCreated {
		t.Fatalf("status = %s, want created", current.Status)
	}

	e, err := f.svc.Fund(ctx, f.roomID, investor)
	if err != nil || e.Status != escrow.StatusFunded {
		t.Fatalf("retry fund: %v %v", e.Status, err)
	}
}

// racingCustodian reports a dispute through the webhook path while the
// release call is in flight.
type racingCustodian struct {
	*custodian.Sandbox
	svc *escrow.Service
}

func (r *racingCustodian) ReleaseTransaction(ctx context.Context, id string, accept bool) (custodian.Transaction, error) {
	disputed, err := r.SetStatus(id, string(escrow.StatusDisputed))
	if err != nil {
		return custodian.Transaction{}, err
	}
	if _, _, err := r.svc.ApplyProviderStatus(ctx, escrow.ProviderUpdate{
		ExternalID: id, Status: escrow.StatusDisputed, Version: disputed.Version,
	}); err != nil {
		return custodian.Transaction{}, err
	}
	return r.Sandbox.ReleaseTransaction(ctx, id, accept)
}

func TestRelease_ProviderStatusDuringCallWins(t *testing.T) {
	racer := &racingCustodian{}
	f := newFixture(t, true, func(s *custodian.Sandbox) custodian.Provider {
		racer.Sandbox = s
		return racer
	})
	racer.svc = f.svc
	ctx := context.Background()
	f.funded(t)

	if _, err := f.svc.Release(ctx, f.roomID, investor, escrow.ReleaseAccept); !errors.Is(err, apperr.ErrState) {
		t.Fatalf("expected state error, got %v", err)
	}
	current, err := f.svc.Current(ctx, f.roomID)
	if err != nil {
		t.Fatal(err)
	}
	if current.Status != escrow.StatusDisputed {
		t.Fatalf("status = %s, want disputed", current.Status)
	}
}

func TestApplyProviderStatus(t *testing.T) {
	f := newFixture(t, true, nil)
	ctx := context.Background()
	e := f.funded(t)
	ext := *e.ExternalID

	// Custodian statuses may skip states.
	got, changed, err := f.svc.ApplyProviderStatus(ctx, escrow.ProviderUpdate{
		ExternalID: ext, Status: escrow.StatusCompleted, Version: e.ProviderVersion + 2, IdempotencyKey: "custodian:evt-9",
	})
	if err != nil || !changed {
		t.Fatalf("apply completed: changed=%v err=%v", changed, err)
	}
	if got.Status != escrow.StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if f.count(outbox.TopicEscrowFundsReleased) != 1 {
		t.Errorf("expected one funds released event")
	}

	// Older versions and replays change nothing.
	_, changed, err = f.svc.ApplyProviderStatus(ctx, escrow.ProviderUpdate{
		ExternalID: ext, Status: escrow.StatusInspection, Version: e.ProviderVersion + 1,
	})
	if err != nil || changed {
		t.Fatalf("stale version: changed=%v err=%v", changed, err)
	}
	_, changed, err = f.svc.ApplyProviderStatus(ctx, escrow.ProviderUpdate{
		ExternalID: ext, Status: escrow.StatusCompleted, Version: e.ProviderVersion + 2, IdempotencyKey: "custodian:evt-9",
	})
	if err != nil || changed {
		t.Fatalf("replay: changed=%v err=%v", changed, err)
	}

	// Terminal transactions ignore even newer versions.
	got, changed, err = f.svc.ApplyProviderStatus(ctx, escrow.ProviderUpdate{
		ExternalID: ext, Status: escrow.StatusDisputed, Version: e.ProviderVersion + 10,
	})
	if err != nil || changed || got.Status != escrow.StatusCompleted {
		t.Fatalf("terminal: status=%s changed=%v err=%v", got.Status, changed, err)
	}

	if _, _, err := f.svc.ApplyProviderStatus(ctx, escrow.ProviderUpdate{ExternalID: "ctx_missing", Status: escrow.StatusFunded, Version: 1}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("unknown transaction: expected not found, got %v", err)
	}
}

func TestStatus_Terminal(t *testing.T) {
	terminal := map[escrow.Status]bool{
		escrow.StatusCreated:    false,
		escrow.StatusFunded:     false,
		escrow.StatusInspection: false,
		escrow.StatusAccepted:   false,
		escrow.StatusDisbursed:  false,
		escrow.StatusDisputed:   false,
		escrow.StatusRejected:   true,
		escrow.StatusCompleted:  true,
		escrow.StatusCancelled:  true,
	}
	for s, want := range terminal {
		if s.Terminal() != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, s.Terminal(), want)
		}
	}
}
