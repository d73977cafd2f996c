package esign

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrUnknownEnvelope = errors.New("esign: unknown envelope")

// Sandbox is an in-memory signature provider used by the memory server mode
// and tests.
type Sandbox struct {
	mu        sync.Mutex
	envelopes map[string]*Envelope
	fail      error
}

func NewSandbox() *Sandbox {
	return &Sandbox{envelopes: make(map[string]*Envelope)}
}

// FailNext makes the next call return err.
func (s *Sandbox) FailNext(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *Sandbox) CreateEnvelope(_ context.Context, req EnvelopeRequest) (Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return Envelope{}, err
	}
	env := &Envelope{
		ID:        "env_" + uuid.NewString(),
		Reference: req.Reference,
		Status:    "sent",
		Signers:   append([]Signer(nil), req.Signers...),
		Version:   1,
		UpdatedAt: time.Now().UTC(),
	}
	s.envelopes[env.ID] = env
	return clone(env), nil
}

func (s *Sandbox) GetEnvelope(_ context.Context, id string) (Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return Envelope{}, err
	}
	env, ok := s.envelopes[id]
	if !ok {
		return Envelope{}, ErrUnknownEnvelope
	}
	return clone(env), nil
}

func (s *Sandbox) RecipientURL(_ context.Context, envelopeID, role, returnURL string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return "", err
	}
	if _, ok := s.envelopes[envelopeID]; !ok {
		return "", ErrUnknownEnvelope
	}
	return fmt.Sprintf("https://esign.sandbox/sign/%s/%s?return=%s", envelopeID, role, url.QueryEscape(returnURL)), nil
}

// Complete simulates a signer finishing on the provider side. The envelope
// completes once every signer has signed.
func (s *Sandbox) Complete(envelopeID, role string, at time.Time) (Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.envelopes[envelopeID]
	if !ok {
		return Envelope{}, ErrUnknownEnvelope
	}
	all := true
	for i := range env.Signers {
		if env.Signers[i].Role == role && env.Signers[i].SignedAt == nil {
			ts := at.UTC()
			env.Signers[i].SignedAt = &ts
		}
		if env.Signers[i].SignedAt == nil {
			all = false
		}
	}
	env.Status = "delivered"
	if all {
		env.Status = "completed"
	}
	env.Version++
	env.UpdatedAt = time.Now().UTC()
	return clone(env), nil
}

func (s *Sandbox) takeFailure() error {
	err := s.fail
	s.fail = nil
	return err
}

func clone(env *Envelope) Envelope {
	out := *env
	out.Signers = make([]Signer, len(env.Signers))
	for i, sg := range env.Signers {
		out.Signers[i] = sg
		if sg.SignedAt != nil {
			ts := *sg.SignedAt
			out.Signers[i].SignedAt = &ts
		}
	}
	return out
}
