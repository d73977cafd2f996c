// Package memstore is an in-process implementation of every repository,
// used by unit tests and by the server's memory mode. Transactions are fully
// serialized: Begin waits for the previous transaction to finish, works on a
// private copy of the data and publishes it on Commit.
package memstore

import (
	"context"
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"dealflow/agreement"
	"dealflow/deal"
	"dealflow/escrow"
	"dealflow/negotiation"
	"dealflow/outbox"
	"dealflow/timeline"
)

var errNotSupported = errors.New("memstore: not supported")

type record[T any] struct {
	seq int64
	val T
}

// table keeps rows by id and remembers insertion order.
type table[T any] map[string]record[T]

func (t table[T]) sorted(keep func(T) bool) []T {
	rows := make([]record[T], 0, len(t))
	for _, r := range t {
		if keep == nil || keep(r.val) {
			rows = append(rows, r)
		}
	}
	slices.SortFunc(rows, func(a, b record[T]) int { return int(a.seq - b.seq) })
	out := make([]T, len(rows))
	for i, r := range rows {
		out[i] = r.val
	}
	return out
}

type data struct {
	seq        int64
	deals      table[deal.Deal]
	rooms      table[deal.Room]
	offers     table[negotiation.CounterOffer]
	agreements table[agreement.Agreement]
	escrows    table[escrow.Transaction]
	outbox     table[outbox.Message]
	timeline   []timeline.Event
	idem       map[string]time.Time
}

func (d *data) next() int64 {
	d.seq++
	return d.seq
}

func (d *data) clone() *data {
	return &data{
		seq:        d.seq,
		deals:      maps.Clone(d.deals),
		rooms:      maps.Clone(d.rooms),
		offers:     maps.Clone(d.offers),
		agreements: maps.Clone(d.agreements),
		escrows:    maps.Clone(d.escrows),
		outbox:     maps.Clone(d.outbox),
		timeline:   slices.Clone(d.timeline),
		idem:       maps.Clone(d.idem),
	}
}

// Store owns the data and hands out transactions. It satisfies
// db.TxBeginner.
type Store struct {
	sem     chan struct{}
	current *data
	now     func() time.Time
}

func New() *Store {
	return &Store{
		sem: make(chan struct{}, 1),
		current: &data{
			deals:      table[deal.Deal]{},
			rooms:      table[deal.Room]{},
			offers:     table[negotiation.CounterOffer]{},
			agreements: table[agreement.Agreement]{},
			escrows:    table[escrow.Transaction]{},
			outbox:     table[outbox.Message]{},
			idem:       map[string]time.Time{},
		},
		now: time.Now,
	}
}

// WithClock replaces the clock used for created_at and updated_at stamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &Tx{store: s, work: s.current.clone()}, nil
}

// View runs fn against a committed snapshot. Tests use it to inspect state.
func (s *Store) View(fn func(tx pgx.Tx) error) error {
	tx, err := s.Begin(context.Background())
	if err != nil {
		return err
	}
	defer tx.Rollback(context.Background())
	return fn(tx)
}

// Tx is one serialized transaction.
type Tx struct {
	store *Store
	work  *data
	done  bool
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("memstore: nested transactions are not supported")
}

func (t *Tx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.store.current = t.work
	<-t.store.sem
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	<-t.store.sem
	return nil
}

func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errNotSupported
}

func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("memstore: SendBatch not supported")
}

func (t *Tx) LargeObjects() pgx.LargeObjects {
	panic("memstore: LargeObjects not supported")
}

func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errNotSupported
}

func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errNotSupported
}

func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errNotSupported
}

func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("memstore: QueryRow not supported")
}

func (t *Tx) Conn() *pgx.Conn {
	return nil
}

func open(tx pgx.Tx) (*data, error) {
	t, ok := tx.(*Tx)
	if !ok {
		return nil, errors.New("memstore: foreign transaction")
	}
	if t.done {
		return nil, pgx.ErrTxClosed
	}
	return t.work, nil
}
