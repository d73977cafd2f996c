package memstore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"dealflow/deal"
	"dealflow/terms"
)

// Deals implements deal.Repository and deal.RoomRepository plus the
// signature and terms writes the lifecycle services use.
type Deals struct {
	s *Store
}

func (s *Store) Deals() *Deals {
	return &Deals{s: s}
}

func (r *Deals) Insert(_ context.Context, tx pgx.Tx, d deal.Deal) (deal.Deal, error) {
	w, err := open(tx)
	if err != nil {
		return deal.Deal{}, err
	}
	now := r.s.now().UTC()
	d.ProposedTerms = terms.Normalize(d.ProposedTerms)
	d.CreatedAt, d.UpdatedAt = now, now
	w.deals[d.ID] = record[deal.Deal]{seq: w.next(), val: d}
	return d, nil
}

func (r *Deals) Get(_ context.Context, tx pgx.Tx, id string) (deal.Deal, error) {
	w, err := open(tx)
	if err != nil {
		return deal.Deal{}, err
	}
	rec, ok := w.deals[id]
	if !ok {
		return deal.Deal{}, deal.ErrNotFound
	}
	return rec.val, nil
}

// Lock is Get: memstore transactions are already serialized.
func (r *Deals) Lock(ctx context.Context, tx pgx.Tx, id string) (deal.Deal, error) {
	return r.Get(ctx, tx, id)
}

func (r *Deals) ListForActor(_ context.Context, tx pgx.Tx, actorID string, limit int) ([]deal.Deal, error) {
	w, err := open(tx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	all := w.deals.sorted(func(d deal.Deal) bool {
		if d.Archived() {
			return false
		}
		_, ok := d.RoleOf(actorID)
		return ok
	})
	out := make([]deal.Deal, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (r *Deals) update(tx pgx.Tx, id string, fn func(*deal.Deal)) error {
	w, err := open(tx)
	if err != nil {
		return err
	}
	rec, ok := w.deals[id]
	if !ok {
		return deal.ErrNotFound
	}
	fn(&rec.val)
	rec.val.UpdatedAt = r.s.now().UTC()
	w.deals[id] = rec
	return nil
}

func (r *Deals) UpdateTerms(_ context.Context, tx pgx.Tx, id string, t terms.Terms) error {
	return r.update(tx, id, func(d *deal.Deal) { d.ProposedTerms = terms.Normalize(t) })
}

func (r *Deals) UpdateStage(_ context.Context, tx pgx.Tx, id string, stage deal.Stage) error {
	return r.update(tx, id, func(d *deal.Deal) { d.PipelineStage = stage })
}

func (r *Deals) UpdateSignatureState(_ context.Context, tx pgx.Tx, id string, fullySigned bool, unlockedAt *time.Time) error {
	return r.update(tx, id, func(d *deal.Deal) {
		d.IsFullySigned = fullySigned
		if d.UnlockedAt == nil && unlockedAt != nil {
			at := *unlockedAt
			d.UnlockedAt = &at
		}
	})
}

func (r *Deals) SetAgreementPDF(_ context.Context, tx pgx.Tx, id, url string) error {
	return r.update(tx, id, func(d *deal.Deal) { d.AgreementPDFURL = &url })
}

func (r *Deals) SetCounterparty(_ context.Context, tx pgx.Tx, id, counterpartyID string) error {
	return r.update(tx, id, func(d *deal.Deal) { d.CounterpartyID = &counterpartyID })
}

func (r *Deals) SetPurchaseContract(_ context.Context, tx pgx.Tx, id, url string) error {
	return r.update(tx, id, func(d *deal.Deal) { d.PurchaseContractURL = &url })
}

func (r *Deals) Archive(_ context.Context, tx pgx.Tx, id string, at time.Time) error {
	return r.update(tx, id, func(d *deal.Deal) {
		if d.ArchivedAt == nil {
			d.ArchivedAt = &at
		}
	})
}

func roomActive(room deal.Room) bool {
	return room.RequestStatus == deal.RoomRequested || room.RequestStatus == deal.RoomAccepted
}

func (r *Deals) InsertRoom(_ context.Context, tx pgx.Tx, room deal.Room) (deal.Room, error) {
	w, err := open(tx)
	if err != nil {
		return deal.Room{}, err
	}
	if roomActive(room) {
		for _, rec := range w.rooms {
			if rec.val.DealID == room.DealID && roomActive(rec.val) {
				return deal.Room{}, deal.ErrRoomExists
			}
		}
	}
	now := r.s.now().UTC()
	room.CreatedAt, room.UpdatedAt = now, now
	w.rooms[room.ID] = record[deal.Room]{seq: w.next(), val: room}
	return room, nil
}

func (r *Deals) GetRoom(_ context.Context, tx pgx.Tx, id string) (deal.Room, error) {
	w, err := open(tx)
	if err != nil {
		return deal.Room{}, err
	}
	rec, ok := w.rooms[id]
	if !ok {
		return deal.Room{}, deal.ErrRoomNotFound
	}
	return rec.val, nil
}

func (r *Deals) LockRoom(ctx context.Context, tx pgx.Tx, id string) (deal.Room, error) {
	return r.GetRoom(ctx, tx, id)
}

func (r *Deals) ActiveRoomForDeal(_ context.Context, tx pgx.Tx, dealID string) (deal.Room, error) {
	w, err := open(tx)
	if err != nil {
		return deal.Room{}, err
	}
	rooms := w.rooms.sorted(func(room deal.Room) bool { return room.DealID == dealID && roomActive(room) })
	if len(rooms) == 0 {
		return deal.Room{}, deal.ErrRoomNotFound
	}
	return rooms[0], nil
}

func (r *Deals) UpdateRoomStatus(_ context.Context, tx pgx.Tx, id string, status deal.RoomStatus, at time.Time) (deal.Room, error) {
	w, err := open(tx)
	if err != nil {
		return deal.Room{}, err
	}
	rec, ok := w.rooms[id]
	if !ok {
		return deal.Room{}, deal.ErrRoomNotFound
	}
	rec.val.RequestStatus = status
	if status == deal.RoomAccepted {
		rec.val.AcceptedAt = &at
	}
	rec.val.UpdatedAt = r.s.now().UTC()
	w.rooms[id] = rec
	return rec.val, nil
}
