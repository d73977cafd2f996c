// Package app assembles the engine from configuration: storage, providers,
// services, background workers and the HTTP server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"dealflow/agreement"
	"dealflow/config"
	"dealflow/db"
	"dealflow/deal"
	"dealflow/documents"
	"dealflow/engine"
	"dealflow/escrow"
	"dealflow/idempotency"
	"dealflow/memstore"
	"dealflow/negotiation"
	"dealflow/notify"
	"dealflow/outbox"
	"dealflow/provider/custodian"
	"dealflow/provider/esign"
	"dealflow/providersync"
	"dealflow/query"
	"dealflow/terms"
	"dealflow/timeline"
)

// DealStore is everything the services need from the deal and room tables.
type DealStore interface {
	deal.Repository
	deal.RoomRepository
	UpdateTerms(ctx context.Context, tx pgx.Tx, id string, t terms.Terms) error
	UpdateSignatureState(ctx context.Context, tx pgx.Tx, id string, fullySigned bool, unlockedAt *time.Time) error
	SetAgreementPDF(ctx context.Context, tx pgx.Tx, id, url string) error
}

type TimelineStore interface {
	Append(ctx context.Context, tx pgx.Tx, dealID, eventType, actorID string, payload map[string]any) error
}

type OutboxStore interface {
	outbox.Store
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type IdempotencyStore interface {
	Reserve(ctx context.Context, tx pgx.Tx, key string) error
}

// Storage is one backend: PostgreSQL or the in-memory store.
type Storage struct {
	Pool        db.TxBeginner
	Deals       DealStore
	Offers      negotiation.Repository
	Agreements  agreement.Repository
	Escrows     escrow.Repository
	Timeline    TimelineStore
	Outbox      OutboxStore
	Idempotency IdempotencyStore
}

// pgOutbox joins the outbox writer and the dispatcher store.
type pgOutbox struct {
	*outbox.Writer
	*outbox.PGStore
}

func PostgresStorage(pool *pgxpool.Pool) Storage {
	return Storage{
		Pool:        pool,
		Deals:       deal.NewRepository(),
		Offers:      negotiation.NewRepository(),
		Agreements:  agreement.NewRepository(),
		Escrows:     escrow.NewRepository(),
		Timeline:    timeline.NewWriter(),
		Outbox:      pgOutbox{Writer: outbox.NewWriter(), PGStore: outbox.NewStore()},
		Idempotency: idempotency.NewStore(),
	}
}

func MemoryStorage(s *memstore.Store) Storage {
	return Storage{
		Pool:        s,
		Deals:       s.Deals(),
		Offers:      s.Offers(),
		Agreements:  s.Agreements(),
		Escrows:     s.Escrows(),
		Timeline:    s.Timeline(),
		Outbox:      s.Outbox(),
		Idempotency: s.Idempotency(),
	}
}

// Providers are the external systems the engine talks to.
type Providers struct {
	ESign     esign.Provider
	Custodian custodian.Provider
	Documents documents.Store
}

// NewProviders builds live clients where configured and sandboxes otherwise.
func NewProviders(cfg *config.Config, log *slog.Logger) (Providers, error) {
	var p Providers
	if cfg.ESign.Sandbox() {
		log.Warn("signature provider not configured; using sandbox")
		p.ESign = esign.NewSandbox()
	} else {
		p.ESign = esign.NewClient(cfg.ESign.BaseURL, cfg.ESign.APIKey, cfg.ESign.Timeout)
	}
	if cfg.Custodian.Sandbox() {
		log.Warn("custodian not configured; using sandbox")
		p.Custodian = custodian.NewSandbox()
	} else {
		p.Custodian = custodian.NewClient(cfg.Custodian.BaseURL, cfg.Custodian.APIKey, cfg.Custodian.Timeout)
	}
	if cfg.Storage.Endpoint == "" {
		log.Warn("object storage not configured; documents kept in memory")
		p.Documents = documents.NewMemoryStore("memory://documents")
	} else {
		store, err := documents.NewS3Store(documents.S3Config{
			Endpoint:  cfg.Storage.Endpoint,
			Region:    cfg.Storage.Region,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			Bucket:    cfg.Storage.Bucket,
			UseSSL:    cfg.Storage.UseSSL,
			PublicURL: cfg.Storage.PublicURL,
			URLExpiry: cfg.Storage.URLExpiry,
		})
		if err != nil {
			return Providers{}, fmt.Errorf("app: document store: %w", err)
		}
		p.Documents = store
	}
	return p, nil
}

// App is the assembled process.
type App struct {
	Engine     *engine.Engine
	Dispatcher *outbox.Dispatcher
	Renderer   *documents.RenderWorker
	Sweeper    *providersync.Sweeper
	Storage    Storage
	Providers  Providers

	cfg *config.Config
	log *slog.Logger
}

// Build wires every service over st and p.
func Build(cfg *config.Config, st Storage, p Providers, log *slog.Logger) *App {
	if log == nil {
		log = slog.Default()
	}

	queries := query.NewService(st.Pool, st.Deals, st.Deals, st.Agreements, st.Offers, st.Escrows, query.Options{
		CacheSize: cfg.Cache.Size,
		TTL:       cfg.Cache.TTL,
	})
	hub := notify.NewHub()
	propagator := notify.NewPropagator(hub, queries)

	deals := deal.NewService(st.Pool, st.Deals, st.Timeline, st.Outbox)
	rooms := deal.NewRoomService(st.Pool, st.Deals, st.Deals, st.Timeline, st.Outbox)
	pipeline := deal.NewPipelineService(st.Pool, st.Deals, st.Timeline, st.Outbox)
	roles := deal.NewRoleResolver(st.Pool, st.Deals)
	offers := negotiation.NewService(st.Pool, st.Offers, st.Deals, st.Timeline, st.Outbox)
	agreements := agreement.NewService(st.Pool, st.Agreements, st.Deals, st.Idempotency, st.Timeline, st.Outbox)
	escrows := escrow.NewService(st.Pool, st.Escrows, st.Deals, p.Custodian, st.Idempotency, st.Timeline, st.Outbox)

	signatures := providersync.NewSignatureSync(agreements, deals, p.ESign, propagator.Changed, log.With("component", "signature_sync"))
	custody := providersync.NewCustodianSync(escrows, p.Custodian, propagator.Changed, log.With("component", "custodian_sync"))
	sweeper := providersync.NewSweeper(signatures, custody, providersync.SweeperOptions{
		Staleness:   cfg.Reconcile.Staleness,
		BatchSize:   cfg.Reconcile.BatchSize,
		Concurrency: cfg.Reconcile.Concurrency,
	}, log.With("component", "sweeper"))

	dispatcher := outbox.NewDispatcher(st.Pool, st.Outbox, outbox.DispatcherOptions{
		BatchSize:   cfg.Outbox.BatchSize,
		MaxAttempts: cfg.Outbox.MaxAttempts,
		Lease:       cfg.Outbox.Lease,
	}, log.With("component", "outbox"))
	renderer := documents.NewRenderWorker(agreements, deals, p.Documents, propagator.Changed, log.With("component", "renderer"))
	renderer.Register(dispatcher)
	dispatcher.Handle("*", deliveredLogger(log.With("component", "events")))

	eng := engine.New(engine.Deps{
		Roles:       roles,
		Deals:       deals,
		Rooms:       rooms,
		Pipeline:    pipeline,
		Negotiation: offers,
		Agreements:  agreements,
		Escrows:     escrows,
		Signatures:  signatures,
		Custodian:   custody,
		Query:       queries,
		Hub:         hub,
		Propagator:  propagator,
		Documents:   p.Documents,
		Log:         log,
	})

	return &App{
		Engine:     eng,
		Dispatcher: dispatcher,
		Renderer:   renderer,
		Sweeper:    sweeper,
		Storage:    st,
		Providers:  p,
		cfg:        cfg,
		log:        log,
	}
}

// deliveredLogger records every domain event leaving the outbox. It is the
// sink external notification channels attach to.
func deliveredLogger(log *slog.Logger) outbox.Handler {
	return func(_ context.Context, msg outbox.Message) error {
		log.Info("domain event delivered",
			"message_id", msg.ID,
			"topic", msg.Topic,
			"deal_id", msg.Payload["deal_id"],
			"attempts", msg.Attempts)
		return nil
	}
}

// RunWorkers runs the outbox dispatcher and the catch-up sweeper until ctx
// is cancelled.
func (a *App) RunWorkers(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Dispatcher.Run(ctx, a.cfg.Outbox.Interval)
	})
	g.Go(func() error {
		return a.Sweeper.Run(ctx, a.cfg.Reconcile.Interval)
	})
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
