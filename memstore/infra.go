package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"dealflow/idempotency"
	"dealflow/outbox"
	"dealflow/timeline"
)

// Timeline implements the timeline writer.
type Timeline struct {
	s *Store
}

func (s *Store) Timeline() *Timeline {
	return &Timeline{s: s}
}

func (t *Timeline) Append(_ context.Context, tx pgx.Tx, dealID, eventType, actorID string, payload map[string]any) error {
	w, err := open(tx)
	if err != nil {
		return err
	}
	if dealID == "" {
		return fmt.Errorf("timeline: missing deal id")
	}
	body, err := roundTrip(payload)
	if err != nil {
		return fmt.Errorf("timeline: marshal payload: %w", err)
	}
	ev := timeline.Event{
		ID:        w.next(),
		DealID:    dealID,
		Type:      eventType,
		Payload:   body,
		CreatedAt: t.s.now().UTC(),
	}
	if actorID != "" {
		ev.ActorID = &actorID
	}
	w.timeline = append(w.timeline, ev)
	return nil
}

func (t *Timeline) List(_ context.Context, tx pgx.Tx, dealID string) ([]timeline.Event, error) {
	w, err := open(tx)
	if err != nil {
		return nil, err
	}
	var out []timeline.Event
	for _, ev := range w.timeline {
		if ev.DealID == dealID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Outbox implements the outbox writer and the dispatcher store.
type Outbox struct {
	s *Store
}

func (s *Store) Outbox() *Outbox {
	return &Outbox{s: s}
}

func (o *Outbox) Enqueue(_ context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	w, err := open(tx)
	if err != nil {
		return err
	}
	if topic == "" {
		return fmt.Errorf("outbox: missing topic")
	}
	body, err := roundTrip(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	seq := w.next()
	id := strconv.FormatInt(seq, 10)
	w.outbox[id] = record[outbox.Message]{seq: seq, val: outbox.Message{
		ID:        id,
		Topic:     topic,
		Payload:   body,
		Status:    outbox.StatusPending,
		CreatedAt: o.s.now().UTC(),
	}}
	return nil
}

func (o *Outbox) Claim(_ context.Context, tx pgx.Tx, limit int, lease time.Duration) ([]outbox.Message, error) {
	w, err := open(tx)
	if err != nil {
		return nil, err
	}
	now := o.s.now().UTC()
	ready := w.outbox.sorted(func(m outbox.Message) bool {
		if m.Status == outbox.StatusPending {
			return true
		}
		return m.Status == outbox.StatusProcessing && m.LockedUntil != nil && m.LockedUntil.Before(now)
	})
	if len(ready) > limit {
		ready = ready[:limit]
	}
	until := now.Add(lease)
	for i := range ready {
		ready[i].Status = outbox.StatusProcessing
		ready[i].Attempts++
		ready[i].LockedUntil = &until
		rec := w.outbox[ready[i].ID]
		rec.val = ready[i]
		w.outbox[ready[i].ID] = rec
	}
	return ready, nil
}

func (o *Outbox) MarkProcessed(_ context.Context, tx pgx.Tx, id string) error {
	return o.settle(tx, id, func(m *outbox.Message) {
		m.Status = outbox.StatusProcessed
		m.LockedUntil = nil
	})
}

func (o *Outbox) MarkFailed(_ context.Context, tx pgx.Tx, id string, maxAttempts int, cause string) error {
	return o.settle(tx, id, func(m *outbox.Message) {
		m.Status = outbox.StatusPending
		if m.Attempts >= maxAttempts {
			m.Status = outbox.StatusDead
		}
		m.LockedUntil = nil
		m.LastError = &cause
	})
}

func (o *Outbox) settle(tx pgx.Tx, id string, fn func(*outbox.Message)) error {
	w, err := open(tx)
	if err != nil {
		return err
	}
	rec, ok := w.outbox[id]
	if !ok {
		return fmt.Errorf("outbox: message %s not found", id)
	}
	fn(&rec.val)
	w.outbox[id] = rec
	return nil
}

// Messages returns every message in enqueue order; used by tests.
func (o *Outbox) Messages() []outbox.Message {
	var out []outbox.Message
	_ = o.s.View(func(tx pgx.Tx) error {
		w, err := open(tx)
		if err != nil {
			return err
		}
		out = w.outbox.sorted(nil)
		return nil
	})
	return out
}

// Idempotency implements the delivery key store.
type Idempotency struct {
	s *Store
}

func (s *Store) Idempotency() *Idempotency {
	return &Idempotency{s: s}
}

func (i *Idempotency) Reserve(_ context.Context, tx pgx.Tx, key string) error {
	w, err := open(tx)
	if err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("idempotency: empty key")
	}
	if _, ok := w.idem[key]; ok {
		return idempotency.ErrDuplicateKey
	}
	w.idem[key] = i.s.now().UTC()
	return nil
}

// roundTrip stores payloads the way a jsonb column returns them.
func roundTrip(payload map[string]any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return out, nil
}
