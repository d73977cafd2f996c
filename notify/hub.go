// Package notify fans deal change notifications out to subscribers.
package notify

import (
	"context"
	"sync"
	"time"
)

const EventDealUpdated = "deal.updated"

// Event tells a subscriber that a deal changed. It carries no deal data;
// subscribers re-read through the query surface so the visibility gate
// applies.
type Event struct {
	Type   string    `json:"type"`
	DealID string    `json:"deal_id"`
	Topic  string    `json:"topic,omitempty"`
	At     time.Time `json:"at"`
}

const subscriberBuffer = 16

type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
	now  func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[chan Event]struct{}),
		now:  time.Now,
	}
}

// Subscribe registers for events on dealID until ctx is done. The returned
// channel is closed on unsubscribe.
func (h *Hub) Subscribe(ctx context.Context, dealID string) <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	if h.subs[dealID] == nil {
		h.subs[dealID] = make(map[chan Event]struct{})
	}
	h.subs[dealID][ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs[dealID], ch)
		if len(h.subs[dealID]) == 0 {
			delete(h.subs, dealID)
		}
		h.mu.Unlock()
		close(ch)
	}()
	return ch
}

// Publish notifies every subscriber of dealID. A subscriber whose buffer is
// full already has an undelivered update pending and is skipped.
func (h *Hub) Publish(dealID, topic string) int {
	evt := Event{Type: EventDealUpdated, DealID: dealID, Topic: topic, At: h.now().UTC()}
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for ch := range h.subs[dealID] {
		select {
		case ch <- evt:
			sent++
		default:
		}
	}
	return sent
}

// Subscribers returns the number of live subscriptions on dealID.
func (h *Hub) Subscribers(dealID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[dealID])
}

// Invalidator drops cached state of a deal.
type Invalidator interface {
	Invalidate(ctx context.Context, dealID string)
}

// Propagator makes a deal change visible: cached reads are dropped first,
// then subscribers are told to refetch.
type Propagator struct {
	hub    *Hub
	caches []Invalidator
}

func NewPropagator(hub *Hub, caches ...Invalidator) *Propagator {
	return &Propagator{hub: hub, caches: caches}
}

// Changed has the signature of the sync and render change hooks.
func (p *Propagator) Changed(ctx context.Context, dealID string) {
	p.ChangedBy(ctx, dealID, "")
}

func (p *Propagator) ChangedBy(ctx context.Context, dealID, topic string) {
	if dealID == "" {
		return
	}
	for _, c := range p.caches {
		c.Invalidate(ctx, dealID)
	}
	if p.hub != nil {
		p.hub.Publish(dealID, topic)
	}
}
