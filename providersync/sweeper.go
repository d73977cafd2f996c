package providersync

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
)

type SweeperOptions struct {
	// Staleness is how long a record may go without a provider sync before
	// the sweeper pulls it.
	Staleness   time.Duration
	BatchSize   int
	Concurrency int
}

// Sweeper periodically reconciles records whose webhooks may have been lost.
type Sweeper struct {
	signatures *SignatureSync
	custodian  *CustodianSync
	opts       SweeperOptions
	log        *slog.Logger
	now        func() time.Time
}

func NewSweeper(signatures *SignatureSync, custodian *CustodianSync, opts SweeperOptions, log *slog.Logger) *Sweeper {
	if opts.Staleness <= 0 {
		opts.Staleness = 30 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		signatures: signatures,
		custodian:  custodian,
		opts:       opts,
		log:        log.With("component", "provider_sweeper"),
		now:        time.Now,
	}
}

// RunOnce reconciles one batch of stale agreements and escrow transactions
// and returns how many records changed. Individual failures are logged.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.opts.Staleness)
	var changed atomic.Int64
	p := pool.New().WithMaxGoroutines(s.opts.Concurrency)

	if s.signatures != nil {
		agreements, err := s.signatures.agreements.ListAwaitingProvider(ctx, cutoff, s.opts.BatchSize)
		if err != nil {
			return 0, err
		}
		for _, a := range agreements {
			id := a.ID
			p.Go(func() {
				_, ok, err := s.signatures.Reconcile(ctx, id)
				if err != nil {
					s.log.Warn("agreement reconcile failed", "agreement_id", id, "error", err)
					return
				}
				if ok {
					changed.Add(1)
				}
			})
		}
	}

	if s.custodian != nil {
		escrows, err := s.custodian.escrows.ListAwaitingProvider(ctx, cutoff, s.opts.BatchSize)
		if err != nil {
			p.Wait()
			return int(changed.Load()), err
		}
		for _, e := range escrows {
			id := e.ID
			p.Go(func() {
				_, ok, err := s.custodian.Reconcile(ctx, id)
				if err != nil {
					s.log.Warn("escrow reconcile failed", "escrow_id", id, "error", err)
					return
				}
				if ok {
					changed.Add(1)
				}
			})
		}
	}

	p.Wait()
	return int(changed.Load()), nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := s.RunOnce(ctx)
		if err != nil {
			s.log.Error("provider sweep failed", "error", err)
		} else if n > 0 {
			s.log.Info("provider sweep applied changes", "changed", n)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
