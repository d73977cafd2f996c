// Package actors drives the engine from concurrent goroutines during the
// stress run. Rejections are expected under contention and only counted;
// an actor returns an error when it observes a broken invariant.
package actors

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"dealflow/apperr"
	"dealflow/engine"
	"dealflow/escrow"
	"dealflow/negotiation"
	"dealflow/outbox"
	"dealflow/providersync"
	"dealflow/terms"
)

// Stats counts call outcomes across actors.
type Stats struct {
	OK       atomic.Int64
	Rejected atomic.Int64
	Internal atomic.Int64
}

func (s *Stats) record(err error) {
	switch {
	case err == nil:
		s.OK.Add(1)
	case apperr.KindOf(err) == apperr.KindInternal:
		// Chaos kills backends, so storage failures are expected too.
		s.Internal.Add(1)
	default:
		s.Rejected.Add(1)
	}
}

func (s *Stats) String() string {
	return fmt.Sprintf("ok=%d rejected=%d internal=%d", s.OK.Load(), s.Rejected.Load(), s.Internal.Load())
}

// Deal identifies one seeded deal and its parties.
type Deal struct {
	ID           string
	RoomID       string
	PrincipalID  string
	Counterparty string
}

func loop(ctx context.Context, stop <-chan struct{}, minSleep, jitter int, step func() error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := step(); err != nil {
			return err
		}
		time.Sleep(time.Duration(minSleep+rand.Intn(jitter)) * time.Millisecond)
	}
}

func randomTerms() terms.Terms {
	if rand.Intn(2) == 0 {
		return terms.Percentage(float64(1 + rand.Intn(5)))
	}
	return terms.Flat(float64(1000 * (1 + rand.Intn(20))))
}

// Negotiator proposes terms or answers the pending counter-offer as actorID.
func Negotiator(ctx context.Context, eng *engine.Engine, d Deal, actorID string, stats *Stats, stop <-chan struct{}) error {
	actions := []negotiation.Action{negotiation.ActionAccept, negotiation.ActionDecline, negotiation.ActionRecounter}
	return loop(ctx, stop, 20, 40, func() error {
		st, err := eng.DealState(ctx, actorID, d.ID)
		if err != nil {
			stats.record(err)
			return nil
		}
		if st.PendingCounterOffer == nil {
			_, err = eng.ProposeCounter(ctx, actorID, d.ID, randomTerms())
			stats.record(err)
			return nil
		}
		action := actions[rand.Intn(len(actions))]
		var custom *terms.Terms
		if action == negotiation.ActionRecounter {
			t := randomTerms()
			custom = &t
		}
		_, err = eng.RespondToCounter(ctx, actorID, st.PendingCounterOffer.ID, action, custom)
		stats.record(err)
		return nil
	})
}

// Generator regenerates the deal's agreement, superseding it on drift.
func Generator(ctx context.Context, eng *engine.Engine, d Deal, stats *Stats, stop <-chan struct{}) error {
	return loop(ctx, stop, 50, 100, func() error {
		_, err := eng.GenerateAgreement(ctx, d.PrincipalID, d.ID)
		stats.record(err)
		return nil
	})
}

// Signer signs whatever agreement is active as actorID.
func Signer(ctx context.Context, eng *engine.Engine, d Deal, actorID string, stats *Stats, stop <-chan struct{}) error {
	return loop(ctx, stop, 20, 60, func() error {
		st, err := eng.DealState(ctx, actorID, d.ID)
		if err != nil || st.Agreement == nil {
			stats.record(err)
			return nil
		}
		_, err = eng.SignAgreement(ctx, actorID, st.Agreement.ID)
		stats.record(err)
		return nil
	})
}

// Reader checks the counterparty's view: gated fields appear only once the
// deal is unlocked, and an agent signature never shows without the
// investor's.
func Reader(ctx context.Context, eng *engine.Engine, d Deal, stats *Stats, stop <-chan struct{}) error {
	return loop(ctx, stop, 10, 30, func() error {
		st, err := eng.DealState(ctx, d.Counterparty, d.ID)
		stats.record(err)
		if err != nil {
			return nil
		}
		if !st.Deal.Unlocked && (st.Deal.PropertyAddress != nil || st.Deal.Zip != nil) {
			return fmt.Errorf("deal %s: gated fields visible before unlock", d.ID)
		}
		if a := st.Agreement; a != nil && a.AgentSignedAt != nil && a.InvestorSignedAt == nil {
			return fmt.Errorf("agreement %s: agent signature without investor", a.ID)
		}
		return nil
	})
}

// EscrowTrader walks the room's escrow through create, fund and release.
func EscrowTrader(ctx context.Context, eng *engine.Engine, d Deal, stats *Stats, stop <-chan struct{}) error {
	releases := []escrow.ReleaseAction{escrow.ReleaseAccept, escrow.ReleaseReject}
	return loop(ctx, stop, 30, 70, func() error {
		var err error
		switch rand.Intn(3) {
		case 0:
			_, err = eng.CreateEscrow(ctx, d.PrincipalID, d.RoomID, int64(1000+rand.Intn(100000)), "USD", "stress")
		case 1:
			_, err = eng.FundEscrow(ctx, d.PrincipalID, d.RoomID)
		default:
			_, err = eng.ReleaseEscrow(ctx, d.PrincipalID, d.RoomID, releases[rand.Intn(len(releases))])
		}
		stats.record(err)
		return nil
	})
}

// OutboxWorker drains the outbox, which also completes document renders.
func OutboxWorker(ctx context.Context, d *outbox.Dispatcher, stats *Stats, stop <-chan struct{}) error {
	return loop(ctx, stop, 50, 50, func() error {
		_, err := d.DispatchOnce(ctx)
		stats.record(err)
		return nil
	})
}

// Reconciler runs the provider catch-up sweep.
func Reconciler(ctx context.Context, s *providersync.Sweeper, stats *Stats, stop <-chan struct{}) error {
	return loop(ctx, stop, 200, 200, func() error {
		_, err := s.RunOnce(ctx)
		stats.record(err)
		return nil
	})
}
