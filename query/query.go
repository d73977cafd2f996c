// Package query serves the per-deal read model. Snapshots are read in one
// transaction, cached briefly, and filtered through the visibility gate on
// every read.
package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jackc/pgx/v5"

	"dealflow/agreement"
	"dealflow/db"
	"dealflow/deal"
	"dealflow/escrow"
	"dealflow/negotiation"
	"dealflow/visibility"
)

// MaxTTL bounds how stale a cached snapshot may be.
const MaxTTL = 2 * time.Second

type DealReader interface {
	Get(ctx context.Context, tx pgx.Tx, id string) (deal.Deal, error)
	ListForActor(ctx context.Context, tx pgx.Tx, actorID string, limit int) ([]deal.Deal, error)
}

type RoomReader interface {
	ActiveRoomForDeal(ctx context.Context, tx pgx.Tx, dealID string) (deal.Room, error)
}

type Options struct {
	CacheSize int
	TTL       time.Duration
}

type Service struct {
	pool       db.TxBeginner
	deals      DealReader
	rooms      RoomReader
	agreements agreement.Repository
	offers     negotiation.Repository
	escrows    escrow.Repository

	cache *expirable.LRU[string, visibility.Snapshot]
	mu    sync.Mutex
	// loads tracks snapshot reads in flight. An entry lives only while at
	// least one read of that deal is running.
	loads map[string]*load
}

type load struct {
	readers int
	gen     uint64
}

func NewService(pool db.TxBeginner, deals DealReader, rooms RoomReader, agreements agreement.Repository, offers negotiation.Repository, escrows escrow.Repository, opts Options) *Service {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	if opts.TTL <= 0 || opts.TTL > MaxTTL {
		opts.TTL = MaxTTL
	}
	return &Service{
		pool:       pool,
		deals:      deals,
		rooms:      rooms,
		agreements: agreements,
		offers:     offers,
		escrows:    escrows,
		cache:      expirable.NewLRU[string, visibility.Snapshot](opts.CacheSize, nil, opts.TTL),
		loads:      make(map[string]*load),
	}
}

// DealState returns the deal as role may see it.
func (s *Service) DealState(ctx context.Context, dealID string, role deal.Role) (visibility.State, error) {
	snap, err := s.Snapshot(ctx, dealID)
	if err != nil {
		return visibility.State{}, err
	}
	return visibility.ProjectState(role, snap), nil
}

// ListDeals returns every deal actorID is party to, projected for the role
// the actor plays on each.
func (s *Service) ListDeals(ctx context.Context, actorID string, limit int) ([]visibility.DealView, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("query: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	deals, err := s.deals.ListForActor(ctx, tx, actorID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]visibility.DealView, 0, len(deals))
	for _, d := range deals {
		role, ok := d.RoleOf(actorID)
		if !ok {
			continue
		}
		active, err := agreement.ActiveIn(ctx, tx, s.agreements, d.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, visibility.Project(role, active, d))
	}
	return out, nil
}

// Snapshot returns the unfiltered deal state, from cache when fresh.
func (s *Service) Snapshot(ctx context.Context, dealID string) (visibility.Snapshot, error) {
	if snap, ok := s.cache.Get(dealID); ok {
		return snap, nil
	}
	l, gen := s.beginLoad(dealID)
	snap, err := s.load(ctx, dealID)

	s.mu.Lock()
	defer s.mu.Unlock()
	// Skip caching a read that raced with an invalidation.
	if err == nil && l.gen == gen {
		s.cache.Add(dealID, snap)
	}
	l.readers--
	if l.readers == 0 {
		delete(s.loads, dealID)
	}
	if err != nil {
		return visibility.Snapshot{}, err
	}
	return snap, nil
}

// Invalidate drops the cached snapshot of dealID.
func (s *Service) Invalidate(_ context.Context, dealID string) {
	s.mu.Lock()
	if l, ok := s.loads[dealID]; ok {
		l.gen++
	}
	s.cache.Remove(dealID)
	s.mu.Unlock()
}

func (s *Service) beginLoad(dealID string) (*load, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.loads[dealID]
	if !ok {
		l = &load{}
		s.loads[dealID] = l
	}
	l.readers++
	return l, l.gen
}

func (s *Service) load(ctx context.Context, dealID string) (visibility.Snapshot, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return visibility.Snapshot{}, fmt.Errorf("query: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.deals.Get(ctx, tx, dealID)
	if err != nil {
		return visibility.Snapshot{}, deal.Translate(err)
	}
	snap := visibility.Snapshot{Deal: d}
	if snap.Agreement, err = agreement.ActiveIn(ctx, tx, s.agreements, dealID); err != nil {
		return visibility.Snapshot{}, err
	}
	if snap.Pending, err = negotiation.PendingIn(ctx, tx, s.offers, dealID); err != nil {
		return visibility.Snapshot{}, err
	}
	room, err := s.rooms.ActiveRoomForDeal(ctx, tx, dealID)
	switch {
	case errors.Is(err, deal.ErrRoomNotFound):
	case err != nil:
		return visibility.Snapshot{}, err
	default:
		snap.Room = &room
		if snap.Escrow, err = escrow.CurrentIn(ctx, tx, s.escrows, room.ID); err != nil {
			return visibility.Snapshot{}, err
		}
	}
	snap.TermsChanged = agreement.TermsDrifted(d, snap.Agreement)
	return snap, nil
}
