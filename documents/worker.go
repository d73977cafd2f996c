package documents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"dealflow/agreement"
	"dealflow/deal"
	"dealflow/outbox"
)

type Agreements interface {
	Get(ctx context.Context, agreementID string) (agreement.Agreement, error)
	CompleteRender(ctx context.Context, agreementID string, renderSeq int, url string) (agreement.Agreement, bool, error)
}

type Deals interface {
	Get(ctx context.Context, dealID string) (deal.Deal, error)
}

// RenderWorker consumes agreement.render_requested messages: it renders the
// requested version, stores it and completes the render on the agreement.
type RenderWorker struct {
	agreements Agreements
	deals      Deals
	store      Store
	onChange   func(ctx context.Context, dealID string)
	log        *slog.Logger
}

func NewRenderWorker(agreements Agreements, deals Deals, store Store, onChange func(ctx context.Context, dealID string), log *slog.Logger) *RenderWorker {
	if log == nil {
		log = slog.Default()
	}
	return &RenderWorker{
		agreements: agreements,
		deals:      deals,
		store:      store,
		onChange:   onChange,
		log:        log.With("component", "render_worker"),
	}
}

// Register subscribes the worker to dispatcher d.
func (w *RenderWorker) Register(d *outbox.Dispatcher) {
	d.Handle(outbox.TopicAgreementRenderRequest, w.Handle)
}

func (w *RenderWorker) Handle(ctx context.Context, msg outbox.Message) error {
	agreementID, _ := msg.Payload["agreement_id"].(string)
	seq, ok := intField(msg.Payload["render_seq"])
	if agreementID == "" || !ok {
		w.log.Warn("dropping malformed render request", "message_id", msg.ID)
		return nil
	}
	_, err := w.Render(ctx, agreementID, seq)
	return err
}

// Render renders one render sequence of an agreement. Requests superseded by
// a newer render are skipped.
func (w *RenderWorker) Render(ctx context.Context, agreementID string, seq int) (bool, error) {
	a, err := w.agreements.Get(ctx, agreementID)
	if err != nil {
		return false, err
	}
	if a.Status != agreement.StatusPendingRender || a.RenderSeq != seq {
		w.log.Debug("skipping stale render", "agreement_id", agreementID, "render_seq", seq, "current_seq", a.RenderSeq)
		return false, nil
	}
	d, err := w.deals.Get(ctx, a.DealID)
	if err != nil {
		return false, err
	}

	key := fmt.Sprintf("deals/%s/agreements/%s-v%d-r%d.pdf", d.ID, a.ID, a.Version, seq)
	url, err := w.store.Put(ctx, key, "application/pdf", RenderAgreement(d, a))
	if err != nil {
		return false, fmt.Errorf("documents: store agreement: %w", err)
	}
	_, applied, err := w.agreements.CompleteRender(ctx, a.ID, seq, url)
	if err != nil {
		return false, err
	}
	if applied {
		w.log.Info("agreement rendered", "agreement_id", a.ID, "version", a.Version, "render_seq", seq)
		if w.onChange != nil {
			w.onChange(ctx, d.ID)
		}
	}
	return applied, nil
}

// intField reads a number from a decoded JSON payload or an in-memory one.
func intField(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}
