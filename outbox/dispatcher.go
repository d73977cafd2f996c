package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"dealflow/db"
)

// Handler delivers one message. A returned error schedules a retry.
type Handler func(ctx context.Context, msg Message) error

// Store is the data access the dispatcher needs.
type Store interface {
	Claim(ctx context.Context, tx pgx.Tx, limit int, lease time.Duration) ([]Message, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id string, maxAttempts int, cause string) error
}

// DispatcherOptions configures batching and retry limits.
type DispatcherOptions struct {
	BatchSize   int
	MaxAttempts int
	Lease       time.Duration
}

// Dispatcher consumes pending outbox messages and routes them to handlers by
// topic. Handlers run outside the claim transaction; a message whose handler
// crashes the process is re-delivered once its lease expires.
type Dispatcher struct {
	pool     db.TxBeginner
	store    Store
	handlers map[string][]Handler
	fallback []Handler
	opts     DispatcherOptions
	log      *slog.Logger
}

func NewDispatcher(pool db.TxBeginner, store Store, opts DispatcherOptions, log *slog.Logger) *Dispatcher {
	if store == nil {
		store = NewStore()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.Lease <= 0 {
		opts.Lease = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		pool:     pool,
		store:    store,
		handlers: make(map[string][]Handler),
		opts:     opts,
		log:      log,
	}
}

// Handle registers h for topic. Topic "*" receives every message.
func (d *Dispatcher) Handle(topic string, h Handler) {
	if topic == "*" {
		d.fallback = append(d.fallback, h)
		return
	}
	d.handlers[topic] = append(d.handlers[topic], h)
}

// DispatchOnce delivers at most one batch and returns how many messages were
// claimed.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	msgs, err := d.claim(ctx)
	if err != nil {
		return 0, err
	}

	for _, msg := range msgs {
		deliverErr := d.deliver(ctx, msg)
		if err := d.settle(ctx, msg, deliverErr); err != nil {
			return len(msgs), err
		}
	}
	return len(msgs), nil
}

// Run polls until ctx is cancelled. A full batch is followed immediately by
// another poll.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := d.DispatchOnce(ctx)
		if err != nil && ctx.Err() == nil {
			d.log.Error("outbox dispatch failed", "error", err)
		}
		if n == d.opts.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) claim(ctx context.Context) ([]Message, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("outbox: begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := d.store.Claim(ctx, tx, d.opts.BatchSize, d.opts.Lease)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("outbox: commit claim: %w", err)
	}
	return msgs, nil
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("outbox: handler panic: %v", r)
		}
	}()

	handlers := append(append([]Handler{}, d.handlers[msg.Topic]...), d.fallback...)
	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) settle(ctx context.Context, msg Message, deliverErr error) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("outbox: begin settle: %w", err)
	}
	defer tx.Rollback(ctx)

	if deliverErr == nil {
		err = d.store.MarkProcessed(ctx, tx, msg.ID)
	} else {
		d.log.Warn("outbox delivery failed",
			"message_id", msg.ID,
			"topic", msg.Topic,
			"attempts", msg.Attempts,
			"error", deliverErr)
		err = d.store.MarkFailed(ctx, tx, msg.ID, d.opts.MaxAttempts, deliverErr.Error())
	}
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("outbox: commit settle: %w", err)
	}
	return nil
}
