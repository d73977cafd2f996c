package agreement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"dealflow/apperr"
	"dealflow/deal"
	"dealflow/idempotency"
	"dealflow/terms"
)

func TestApplyProviderStatus_DuplicateDelivery(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{}
	idem := &fakeIdem{err: idempotency.ErrDuplicateKey}
	svc := NewService(pool, repo, &fakeDeals{}, idem, nil, nil)

	_, changed, err := svc.ApplyProviderStatus(context.Background(), ProviderUpdate{
		Snapshot:       EnvelopeSnapshot{EnvelopeID: "env-1", Status: EnvelopeCompleted, Version: 3},
		IdempotencyKey: "evt-1",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if changed {
		t.Errorf("duplicate delivery must not report a change")
	}
	if pool.tx == nil {
		t.Fatalf("expected Begin to provide transaction")
	}
	if !pool.tx.rolled {
		t.Errorf("expected rollback to be called")
	}
	if pool.tx.committed {
		t.Errorf("expected commit to be skipped on duplicate delivery")
	}
	if repo.lookups != 0 {
		t.Errorf("expected no agreement lookup for a duplicate, got %d", repo.lookups)
	}
}

func TestApplyProviderStatus_StaleVersionIgnored(t *testing.T) {
	env := "env-1"
	sent := EnvelopeDelivered
	pool := &fakePool{}
	repo := &fakeRepo{current: Agreement{
		ID:              "agr-1",
		DealID:          "deal-1",
		Version:         1,
		Status:          StatusInvestorSigned,
		EnvelopeID:      &env,
		EnvelopeStatus:  &sent,
		ProviderVersion: 5,
	}}
	svc := NewService(pool, repo, &fakeDeals{}, &fakeIdem{}, nil, nil)

	signed := time.Now()
	got, changed, err := svc.ApplyProviderStatus(context.Background(), ProviderUpdate{
		Snapshot: EnvelopeSnapshot{
			EnvelopeID:       env,
			Status:           EnvelopeCompleted,
			InvestorSignedAt: &signed,
			AgentSignedAt:    &signed,
			Version:          4,
		},
		IdempotencyKey: "evt-2",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if changed {
		t.Errorf("older snapshot must not change the agreement")
	}
	if got.Status != StatusInvestorSigned {
		t.Errorf("status = %s, want investor_signed", got.Status)
	}
	if repo.updates != 0 {
		t.Errorf("expected no update, got %d", repo.updates)
	}
	if !pool.tx.committed {
		t.Errorf("expected commit so the delivery key is kept")
	}
}

func TestApplyProviderStatus_RejectsUnknownStatus(t *testing.T) {
	pool := &fakePool{}
	svc := NewService(pool, &fakeRepo{}, &fakeDeals{}, &fakeIdem{}, nil, nil)

	_, _, err := svc.ApplyProviderStatus(context.Background(), ProviderUpdate{
		Snapshot: EnvelopeSnapshot{EnvelopeID: "env-1", Status: "exploded", Version: 1},
	})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if pool.tx != nil {
		t.Errorf("expected no transaction for invalid input")
	}
}

func TestGenerate_RequiresPrincipal(t *testing.T) {
	pool := &fakePool{}
	svc := NewService(pool, &fakeRepo{}, &fakeDeals{}, nil, nil, nil)

	_, err := svc.Generate(context.Background(), "deal-1", deal.Actor{ID: "agent", Role: deal.RoleCounterparty})
	if !errors.Is(err, apperr.ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if pool.tx != nil {
		t.Errorf("expected no transaction for an unauthorized caller")
	}
}

func TestStatusFor(t *testing.T) {
	at := time.Now()
	cases := []struct {
		name string
		in   Agreement
		want Status
	}{
		{"unsigned", Agreement{}, StatusDrafted},
		{"investor only", Agreement{InvestorSignedAt: &at}, StatusInvestorSigned},
		{"both", Agreement{InvestorSignedAt: &at, AgentSignedAt: &at}, StatusFullySigned},
	}
	for _, tc := range cases {
		if got := statusFor(tc.in); got != tc.want {
			t.Errorf("%s: statusFor = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestTermsDrifted(t *testing.T) {
	d := deal.Deal{ProposedTerms: terms.Percentage(3)}
	if TermsDrifted(d, nil) {
		t.Errorf("a deal without an agreement has no drift")
	}
	if TermsDrifted(d, &Agreement{ExhibitATerms: terms.Percentage(3)}) {
		t.Errorf("equal terms reported as drifted")
	}
	if !TermsDrifted(d, &Agreement{ExhibitATerms: terms.Percentage(2.5)}) {
		t.Errorf("changed terms not reported as drifted")
	}
}

func TestEnvelopeStatus_Closed(t *testing.T) {
	open := []EnvelopeStatus{EnvelopeSent, EnvelopeDelivered}
	closed := []EnvelopeStatus{EnvelopeCompleted, EnvelopeVoided, EnvelopeDeclined}
	for _, s := range open {
		if s.Closed() {
			t.Errorf("%s should be open", s)
		}
	}
	for _, s := range closed {
		if !s.Closed() {
			t.Errorf("%s should be closed", s)
		}
	}
	if _, err := ParseEnvelopeStatus(" Completed "); err != nil {
		t.Errorf("parse completed: %v", err)
	}
}

type fakeRepo struct {
	Repository
	current Agreement
	lookups int
	updates int
}

func (f *fakeRepo) Get(_ context.Context, _ pgx.Tx, id string) (Agreement, error) {
	f.lookups++
	if f.current.ID != id {
		return Agreement{}, ErrAgreementNotFound
	}
	return f.current, nil
}

func (f *fakeRepo) Lock(ctx context.Context, tx pgx.Tx, id string) (Agreement, error) {
	return f.Get(ctx, tx, id)
}

func (f *fakeRepo) GetByEnvelope(_ context.Context, _ pgx.Tx, envelopeID string) (Agreement, error) {
	f.lookups++
	if f.current.EnvelopeID == nil || *f.current.EnvelopeID != envelopeID {
		return Agreement{}, ErrAgreementNotFound
	}
	return f.current, nil
}

func (f *fakeRepo) Update(_ context.Context, _ pgx.Tx, a Agreement) error {
	f.updates++
	f.current = a
	return nil
}

type fakeDeals struct {
	DealStore
}

func (f *fakeDeals) Lock(_ context.Context, _ pgx.Tx, id string) (deal.Deal, error) {
	cp := "agent"
	return deal.Deal{ID: id, PrincipalID: "investor", CounterpartyID: &cp}, nil
}

type fakeIdem struct {
	err  error
	keys []string
}

func (f *fakeIdem) Reserve(_ context.Context, _ pgx.Tx, key string) error {
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	return nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.rolled = true
	}
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
