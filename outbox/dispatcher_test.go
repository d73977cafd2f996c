package outbox_test

import (
	"context"
	"errors"
	"testing"

	"dealflow/logging"
	"dealflow/memstore"
	"dealflow/outbox"
)

func enqueue(t *testing.T, store *memstore.Store, topic string, payload map[string]any) {
	t.Helper()
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Outbox().Enqueue(ctx, tx, topic, payload); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
}

func statuses(store *memstore.Store) map[string]string {
	out := map[string]string{}
	for _, m := range store.Outbox().Messages() {
		out[m.Topic] = m.Status
	}
	return out
}

func TestDispatcher_RoutesByTopic(t *testing.T) {
	store := memstore.New()
	enqueue(t, store, outbox.TopicDealCreated, map[string]any{"deal_id": "d1"})
	enqueue(t, store, outbox.TopicRoomAccepted, map[string]any{"deal_id": "d1"})

	d := outbox.NewDispatcher(store, store.Outbox(), outbox.DispatcherOptions{BatchSize: 10}, logging.Discard())
	var created, all []string
	d.Handle(outbox.TopicDealCreated, func(_ context.Context, msg outbox.Message) error {
		created = append(created, msg.Payload["deal_id"].(string))
		return nil
	})
	d.Handle("*", func(_ context.Context, msg outbox.Message) error {
		all = append(all, msg.Topic)
		return nil
	})

	n, err := d.DispatchOnce(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("DispatchOnce = %d, %v", n, err)
	}
	if len(created) != 1 || created[0] != "d1" {
		t.Errorf("topic handler saw %v", created)
	}
	if len(all) != 2 || all[0] != outbox.TopicDealCreated {
		t.Errorf("fallback handler saw %v", all)
	}
	for topic, st := range statuses(store) {
		if st != outbox.StatusProcessed {
			t.Errorf("%s status = %s, want processed", topic, st)
		}
	}

	if n, _ := d.DispatchOnce(context.Background()); n != 0 {
		t.Errorf("processed messages were claimed again: %d", n)
	}
}

func TestDispatcher_RetriesThenDeadLetters(t *testing.T) {
	store := memstore.New()
	enqueue(t, store, outbox.TopicAgreementSigned, map[string]any{"agreement_id": "a1"})

	d := outbox.NewDispatcher(store, store.Outbox(), outbox.DispatcherOptions{MaxAttempts: 2}, logging.Discard())
	calls := 0
	d.Handle(outbox.TopicAgreementSigned, func(context.Context, outbox.Message) error {
		calls++
		return errors.New("downstream unavailable")
	})

	ctx := context.Background()
	if _, err := d.DispatchOnce(ctx); err != nil {
		t.Fatal(err)
	}
	msgs := store.Outbox().Messages()
	if msgs[0].Status != outbox.StatusPending || msgs[0].Attempts != 1 || msgs[0].LastError == nil {
		t.Fatalf("after first failure: %+v", msgs[0])
	}

	if _, err := d.DispatchOnce(ctx); err != nil {
		t.Fatal(err)
	}
	msgs = store.Outbox().Messages()
	if msgs[0].Status != outbox.StatusDead {
		t.Fatalf("status = %s, want dead", msgs[0].Status)
	}
	if n, _ := d.DispatchOnce(ctx); n != 0 || calls != 2 {
		t.Fatalf("dead message redelivered: n=%d calls=%d", n, calls)
	}
}

func TestDispatcher_RecoversHandlerPanic(t *testing.T) {
	store := memstore.New()
	enqueue(t, store, outbox.TopicEscrowStatusChanged, nil)

	d := outbox.NewDispatcher(store, store.Outbox(), outbox.DispatcherOptions{}, logging.Discard())
	d.Handle(outbox.TopicEscrowStatusChanged, func(context.Context, outbox.Message) error {
		panic("boom")
	})
	if _, err := d.DispatchOnce(context.Background()); err != nil {
		t.Fatalf("panic escaped: %v", err)
	}
	msg := store.Outbox().Messages()[0]
	if msg.Status != outbox.StatusPending || msg.LastError == nil {
		t.Fatalf("panicking handler not recorded as failure: %+v", msg)
	}
}
