package deal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"dealflow/apperr"
	"dealflow/db"
	"dealflow/outbox"
	"dealflow/timeline"
)

// RoomService runs the request/accept handshake that binds a counterparty to
// a deal. Negotiation and escrow stay closed until a room is accepted.
type RoomService struct {
	pool        db.TxBeginner
	deals       Repository
	rooms       RoomRepository
	timeline    TimelineWriter
	events      OutboxWriter
	idGenerator func() string
	now         func() time.Time
}

func NewRoomService(pool db.TxBeginner, deals Repository, rooms RoomRepository, timeline TimelineWriter, events OutboxWriter) *RoomService {
	if deals == nil || rooms == nil {
		repo := NewRepository()
		if deals == nil {
			deals = repo
		}
		if rooms == nil {
			rooms = repo
		}
	}
	return &RoomService{
		pool:        pool,
		deals:       deals,
		rooms:       rooms,
		timeline:    timeline,
		events:      events,
		idGenerator: uuid.NewString,
		now:         time.Now,
	}
}

func (s *RoomService) WithIDGenerator(gen func() string) *RoomService {
	s.idGenerator = gen
	return s
}

func (s *RoomService) WithClock(now func() time.Time) *RoomService {
	s.now = now
	return s
}

// Request opens a room inviting counterpartyID onto the deal.
func (s *RoomService) Request(ctx context.Context, dealID string, actor Actor, counterpartyID string) (Room, error) {
	if actor.Role != RolePrincipal {
		return Room{}, apperr.Authorization("only the principal may open a room")
	}
	counterpartyID = strings.TrimSpace(counterpartyID)
	if counterpartyID == "" {
		return Room{}, apperr.Validation("counterparty id required")
	}
	if counterpartyID == actor.ID {
		return Room{}, apperr.Validation("principal cannot represent their own deal")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Room{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.deals.Lock(ctx, tx, dealID)
	if err != nil {
		return Room{}, Translate(err)
	}
	if err := EnsureActive(d); err != nil {
		return Room{}, err
	}
	if d.HasCounterparty() {
		return Room{}, apperr.Conflict("deal already has a counterparty")
	}
	if _, err := s.rooms.ActiveRoomForDeal(ctx, tx, dealID); err == nil {
		return Room{}, apperr.Conflict("deal already has an active room")
	} else if !errors.Is(err, ErrRoomNotFound) {
		return Room{}, err
	}

	room, err := s.rooms.InsertRoom(ctx, tx, Room{
		ID:             s.idGenerator(),
		DealID:         d.ID,
		PrincipalID:    d.PrincipalID,
		CounterpartyID: counterpartyID,
		RequestStatus:  RoomRequested,
		DealCity:       d.City,
		DealState:      d.State,
		DealPrice:      d.Price,
	})
	if err != nil {
		return Room{}, Translate(err)
	}

	if s.timeline != nil {
		payload := map[string]any{"room_id": room.ID, "counterparty_id": counterpartyID}
		if err := s.timeline.Append(ctx, tx, dealID, timeline.RoomRequested, actor.ID, payload); err != nil {
			return Room{}, fmt.Errorf("deal: append timeline: %w", err)
		}
	}
	if s.events != nil {
		payload := map[string]any{"deal_id": dealID, "room_id": room.ID, "counterparty_id": counterpartyID}
		if err := s.events.Enqueue(ctx, tx, outbox.TopicRoomRequested, payload); err != nil {
			return Room{}, fmt.Errorf("deal: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Room{}, fmt.Errorf("deal: commit tx: %w", err)
	}
	return room, nil
}

// Respond accepts or declines a pending room invitation. Only the invited
// counterparty may respond. Accepting binds them to the deal.
func (s *RoomService) Respond(ctx context.Context, roomID, actorID string, accept bool) (Room, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Room{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	room, err := s.rooms.GetRoom(ctx, tx, roomID)
	if err != nil {
		return Room{}, Translate(err)
	}
	// Lock order is deal then room, the same as escrow commands.
	d, err := s.deals.Lock(ctx, tx, room.DealID)
	if err != nil {
		return Room{}, Translate(err)
	}
	room, err = s.rooms.LockRoom(ctx, tx, roomID)
	if err != nil {
		return Room{}, Translate(err)
	}
	if room.CounterpartyID != actorID {
		return Room{}, apperr.Authorization("only the invited counterparty may respond")
	}
	if err := EnsureActive(d); err != nil {
		return Room{}, err
	}
	if room.RequestStatus != RoomRequested {
		return Room{}, apperr.State("room is already %s", room.RequestStatus)
	}

	status := RoomDeclined
	if accept {
		status = RoomAccepted
	}
	updated, err := s.rooms.UpdateRoomStatus(ctx, tx, roomID, status, s.now().UTC())
	if err != nil {
		return Room{}, Translate(err)
	}
	if accept {
		if err := s.deals.SetCounterparty(ctx, tx, d.ID, actorID); err != nil {
			return Room{}, Translate(err)
		}
	}

	if s.timeline != nil {
		payload := map[string]any{"room_id": roomID, "status": string(status)}
		if err := s.timeline.Append(ctx, tx, d.ID, timeline.RoomResponded, actorID, payload); err != nil {
			return Room{}, fmt.Errorf("deal: append timeline: %w", err)
		}
	}
	if s.events != nil && accept {
		payload := map[string]any{"deal_id": d.ID, "room_id": roomID, "counterparty_id": actorID}
		if err := s.events.Enqueue(ctx, tx, outbox.TopicRoomAccepted, payload); err != nil {
			return Room{}, fmt.Errorf("deal: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Room{}, fmt.Errorf("deal: commit tx: %w", err)
	}
	return updated, nil
}

// ActiveRoom returns the requested or accepted room of a deal.
func (s *RoomService) ActiveRoom(ctx context.Context, dealID string) (Room, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Room{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	room, err := s.rooms.ActiveRoomForDeal(ctx, tx, dealID)
	if err != nil {
		return Room{}, Translate(err)
	}
	return room, nil
}

func (s *RoomService) Get(ctx context.Context, roomID string) (Room, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Room{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	room, err := s.rooms.GetRoom(ctx, tx, roomID)
	if err != nil {
		return Room{}, Translate(err)
	}
	return room, nil
}
