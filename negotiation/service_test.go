package negotiation_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"dealflow/apperr"
	"dealflow/deal"
	"dealflow/memstore"
	"dealflow/negotiation"
	"dealflow/terms"
)

var (
	investor = deal.Actor{ID: "investor-1", Role: deal.RolePrincipal}
	agent    = deal.Actor{ID: "agent-1", Role: deal.RoleCounterparty}
)

func setup(t *testing.T, bind bool) (*negotiation.Service, *deal.Service, string) {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	repo := store.Deals()
	deals := deal.NewService(store, repo, store.Timeline(), store.Outbox())

	d, err := deals.Create(ctx, deal.CreateParams{PrincipalID: investor.ID, City: "Tampa", State: "FL", Price: 280000})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if bind {
		rooms := deal.NewRoomService(store, repo, repo, nil, nil)
		room, err := rooms.Request(ctx, d.ID, investor, agent.ID)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		if _, err := rooms.Respond(ctx, room.ID, agent.ID, true); err != nil {
			t.Fatalf("respond: %v", err)
		}
	}
	svc := negotiation.NewService(store, store.Offers(), repo, store.Timeline(), store.Outbox())
	return svc, deals, d.ID
}

func TestPropose_RequiresAcceptedRoom(t *testing.T) {
	svc, _, dealID := setup(t, false)
	if _, err := svc.Propose(context.Background(), dealID, investor, terms.Percentage(3)); !errors.Is(err, apperr.ErrState) {
		t.Fatalf("expected state error, got %v", err)
	}
}

func TestPropose_OnePendingOffer(t *testing.T) {
	svc, _, dealID := setup(t, true)
	ctx := context.Background()

	offer, err := svc.Propose(ctx, dealID, agent, terms.Percentage(3))
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if offer.FromRole != deal.RoleCounterparty || offer.ToRole != deal.RolePrincipal || offer.Status != negotiation.StatusPending {
		t.Fatalf("unexpected offer: %+v", offer)
	}
	if _, err := svc.Propose(ctx, dealID, investor, terms.Flat(9000)); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("second pending: expected conflict, got %v", err)
	}
	if _, err := svc.Propose(ctx, dealID, investor, terms.Terms{CommissionType: terms.CommissionFlat}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("incomplete terms: expected validation error, got %v", err)
	}

	pending, err := svc.Pending(ctx, dealID)
	if err != nil || pending == nil || pending.ID != offer.ID {
		t.Fatalf("Pending = %v, %v", pending, err)
	}
}

func TestPropose_ConcurrentProposalsOneWins(t *testing.T) {
	svc, _, dealID := setup(t, true)
	ctx := context.Background()

	const n = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
		other     []error
	)
	for i := 0; i < n; i++ {
		actor := investor
		if i%2 == 1 {
			actor = agent
		}
		pct := float64(2 + i%4)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Propose(ctx, dealID, actor, terms.Percentage(pct))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, apperr.ErrConflict):
				conflicts++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 || conflicts != n-1 || len(other) != 0 {
		t.Fatalf("ok=%d conflicts=%d other=%v, want 1 and %d", ok, conflicts, other, n-1)
	}
	history, err := svc.History(ctx, dealID)
	if err != nil || len(history) != 1 {
		t.Fatalf("history = %d, %v", len(history), err)
	}
}

func TestRespond_AcceptUpdatesDealTerms(t *testing.T) {
	svc, deals, dealID := setup(t, true)
	ctx := context.Background()

	offer, err := svc.Propose(ctx, dealID, agent, terms.Percentage(3.5))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Respond(ctx, offer.ID, agent, negotiation.ActionAccept, nil); !errors.Is(err, apperr.ErrAuthorization) {
		t.Fatalf("proposer responding: expected authorization error, got %v", err)
	}

	res, err := svc.Respond(ctx, offer.ID, investor, negotiation.ActionAccept, nil)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if res.Offer.Status != negotiation.StatusAccepted || res.Counter != nil {
		t.Fatalf("unexpected response: %+v", res)
	}
	if res.Offer.RespondedBy == nil || *res.Offer.RespondedBy != investor.ID {
		t.Errorf("responded_by not recorded")
	}

	d, err := deals.Get(ctx, dealID)
	if err != nil {
		t.Fatal(err)
	}
	if !terms.Equal(d.ProposedTerms, terms.Percentage(3.5)) {
		t.Errorf("deal terms = %s, want 3.5%%", terms.Format(d.ProposedTerms))
	}

	if _, err := svc.Respond(ctx, offer.ID, investor, negotiation.ActionDecline, nil); !errors.Is(err, apperr.ErrState) {
		t.Fatalf("respond twice: expected state error, got %v", err)
	}
}

func TestRespond_DeclineKeepsTerms(t *testing.T) {
	svc, deals, dealID := setup(t, true)
	ctx := context.Background()

	offer, err := svc.Propose(ctx, dealID, investor, terms.Flat(12000))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Respond(ctx, offer.ID, agent, negotiation.ActionDecline, nil); err != nil {
		t.Fatalf("decline: %v", err)
	}
	d, err := deals.Get(ctx, dealID)
	if err != nil {
		t.Fatal(err)
	}
	if !terms.Equal(d.ProposedTerms, deal.DefaultTerms) {
		t.Errorf("decline changed terms to %s", terms.Format(d.ProposedTerms))
	}
	if pending, _ := svc.Pending(ctx, dealID); pending != nil {
		t.Errorf("declined offer still pending")
	}
}

func TestRespond_RecounterSwapsRoles(t *testing.T) {
	svc, _, dealID := setup(t, true)
	ctx := context.Background()

	offer, err := svc.Propose(ctx, dealID, agent, terms.Percentage(4))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Respond(ctx, offer.ID, investor, negotiation.ActionRecounter, nil); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("recounter without terms: expected validation error, got %v", err)
	}

	counterTerms := terms.Percentage(3)
	res, err := svc.Respond(ctx, offer.ID, investor, negotiation.ActionRecounter, &counterTerms)
	if err != nil {
		t.Fatalf("recounter: %v", err)
	}
	if res.Offer.Status != negotiation.StatusRecountered {
		t.Errorf("original status = %s, want recountered", res.Offer.Status)
	}
	c := res.Counter
	if c == nil {
		t.Fatal("expected a new counter-offer")
	}
	if c.FromRole != deal.RolePrincipal || c.ToRole != deal.RoleCounterparty {
		t.Errorf("roles not swapped: from=%s to=%s", c.FromRole, c.ToRole)
	}
	if c.ParentID == nil || *c.ParentID != offer.ID {
		t.Errorf("parent not linked")
	}
	if !terms.Equal(c.TermsDelta, counterTerms) {
		t.Errorf("counter terms = %s", terms.Format(c.TermsDelta))
	}

	history, err := svc.History(ctx, dealID)
	if err != nil || len(history) != 2 {
		t.Fatalf("history = %d, %v", len(history), err)
	}
	if history[0].ID != offer.ID {
		t.Errorf("history not in creation order")
	}
}

func TestParseAction(t *testing.T) {
	if a, err := negotiation.ParseAction(" Accept "); err != nil || a != negotiation.ActionAccept {
		t.Fatalf("ParseAction = %s, %v", a, err)
	}
	if _, err := negotiation.ParseAction("withdraw"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
