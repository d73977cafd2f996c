package agreement_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"dealflow/agreement"
	"dealflow/db"
	"dealflow/deal"
	"dealflow/idempotency"
	"dealflow/migrations"
	"dealflow/outbox"
	"dealflow/terms"
	"dealflow/timeline"
)

// TestAgreementLifecycle_Integration connects to a real PostgreSQL via
// DATABASE_URL and runs generate, sign and supersede against the PG
// repositories, including the signing-order check constraint.
func TestAgreementLifecycle_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool, migrations.Files); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	deals := deal.NewRepository()
	tl := timeline.NewWriter()
	events := outbox.NewWriter()
	suffix := time.Now().Format("150405.000000000")
	principal := deal.Actor{ID: "investor-" + suffix, Role: deal.RolePrincipal}
	counterparty := deal.Actor{ID: "agent-" + suffix, Role: deal.RoleCounterparty}

	d, err := deal.NewService(pool, deals, tl, events).Create(ctx, deal.CreateParams{
		PrincipalID: principal.ID,
		City:        "Denver",
		State:       "CO",
		Price:       610000,
	})
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}
	rooms := deal.NewRoomService(pool, deals, deals, tl, events)
	room, err := rooms.Request(ctx, d.ID, principal, counterparty.ID)
	if err != nil {
		t.Fatalf("request room: %v", err)
	}
	if _, err := rooms.Respond(ctx, room.ID, counterparty.ID, true); err != nil {
		t.Fatalf("accept room: %v", err)
	}

	svc := agreement.NewService(pool, agreement.NewRepository(), deals, idempotency.NewStore(), tl, events)

	a, err := svc.Generate(ctx, d.ID, principal)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if a, _, err = svc.CompleteRender(ctx, a.ID, a.RenderSeq, "memory://documents/"+a.ID+".pdf"); err != nil {
		t.Fatalf("render: %v", err)
	}
	if _, err := svc.Sign(ctx, a.ID, principal); err != nil {
		t.Fatalf("investor sign: %v", err)
	}
	if a, err = svc.Sign(ctx, a.ID, counterparty); err != nil {
		t.Fatalf("agent sign: %v", err)
	}
	if !a.IsFullySigned() {
		t.Fatalf("status = %s, want fully_signed", a.Status)
	}

	// The check constraint rejects an agent signature without the investor's.
	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	broken := a
	broken.InvestorSignedAt = nil
	if err := agreement.NewRepository().Update(ctx, tx, broken); !db.IsCheckViolation(err) {
		t.Errorf("expected check violation, got %v", err)
	}
	_ = tx.Rollback(ctx)

	tx, err = pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := deals.UpdateTerms(ctx, tx, d.ID, terms.Percentage(3.25)); err != nil {
		t.Fatalf("update terms: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	next, err := svc.Generate(ctx, d.ID, principal)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if next.Version != 2 {
		t.Fatalf("version = %d, want 2", next.Version)
	}
	versions, err := svc.Versions(ctx, d.ID)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(versions) != 2 || versions[0].Status != agreement.StatusSuperseded {
		t.Fatalf("unexpected versions: %+v", versions)
	}
}
