// Package esign is the client of the hosted e-signature provider.
package esign

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"dealflow/provider"
)

// Signer roles as the provider names them.
const (
	RoleInvestor = "investor"
	RoleAgent    = "agent"
)

type Signer struct {
	Role     string     `json:"role"`
	UserID   string     `json:"userId"`
	SignedAt *time.Time `json:"signedAt,omitempty"`
}

// Envelope is the provider's view of a signing workflow. Version increases
// with every change on the provider side.
type Envelope struct {
	ID        string    `json:"id"`
	Reference string    `json:"reference"`
	Status    string    `json:"status"`
	Signers   []Signer  `json:"signers"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SignedAt returns when the signer with role signed, or nil.
func (e Envelope) SignedAt(role string) *time.Time {
	for _, s := range e.Signers {
		if s.Role == role {
			return s.SignedAt
		}
	}
	return nil
}

type EnvelopeRequest struct {
	Reference   string   `json:"reference"`
	DocumentURL string   `json:"documentUrl"`
	Signers     []Signer `json:"signers"`
}

// Provider is implemented by the HTTP client and by the in-memory sandbox.
type Provider interface {
	CreateEnvelope(ctx context.Context, req EnvelopeRequest) (Envelope, error)
	GetEnvelope(ctx context.Context, id string) (Envelope, error)
	RecipientURL(ctx context.Context, envelopeID, role, returnURL string) (string, error)
}

type Client struct {
	t *provider.Transport
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{t: provider.NewTransport("esign", baseURL, apiKey, timeout)}
}

func (c *Client) CreateEnvelope(ctx context.Context, req EnvelopeRequest) (Envelope, error) {
	var out Envelope
	err := c.t.Do(ctx, http.MethodPost, "/v1/envelopes", req, &out)
	return out, err
}

func (c *Client) GetEnvelope(ctx context.Context, id string) (Envelope, error) {
	var out Envelope
	err := c.t.Do(ctx, http.MethodGet, "/v1/envelopes/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) RecipientURL(ctx context.Context, envelopeID, role, returnURL string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	err := c.t.Do(ctx, http.MethodPost, "/v1/envelopes/"+url.PathEscape(envelopeID)+"/views",
		map[string]any{"role": role, "returnUrl": returnURL}, &out)
	return out.URL, err
}

// WebhookEvent is the body the provider posts on envelope changes. A
// completed event with a SignerRole reports that one signer finished; without
// a role it reports the whole envelope completed.
type WebhookEvent struct {
	EventID    string     `json:"eventId"`
	EnvelopeID string     `json:"envelopeId"`
	Status     string     `json:"status"`
	SignerRole string     `json:"signerRole"`
	SignedAt   *time.Time `json:"signedAt,omitempty"`
	Version    int64      `json:"version"`
}
