// Package custodian is the client of the third-party escrow custodian.
package custodian

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"dealflow/provider"
)

// Transaction is the custodian's view of one escrow transaction. Version
// increases with every change on the custodian side.
type Transaction struct {
	ID          string    `json:"id"`
	Reference   string    `json:"reference"`
	Status      string    `json:"status"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	Description string    `json:"description,omitempty"`
	Version     int64     `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CreateRequest opens a transaction. Reference is the caller's escrow id and
// makes creation idempotent on the custodian side.
type CreateRequest struct {
	Reference   string `json:"reference"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description,omitempty"`
}

// Provider is implemented by the HTTP client and by the in-memory sandbox.
type Provider interface {
	CreateTransaction(ctx context.Context, req CreateRequest) (Transaction, error)
	FundTransaction(ctx context.Context, id string) (Transaction, error)
	ReleaseTransaction(ctx context.Context, id string, accept bool) (Transaction, error)
	GetTransaction(ctx context.Context, id string) (Transaction, error)
	CreatePaymentSession(ctx context.Context, id, returnURL string) (string, error)
}

// Client talks to the custodian REST API.
type Client struct {
	t *provider.Transport
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{t: provider.NewTransport("custodian", baseURL, apiKey, timeout)}
}

func (c *Client) CreateTransaction(ctx context.Context, req CreateRequest) (Transaction, error) {
	var out Transaction
	err := c.t.Do(ctx, http.MethodPost, "/v1/transactions", req, &out)
	return out, err
}

func (c *Client) FundTransaction(ctx context.Context, id string) (Transaction, error) {
	var out Transaction
	err := c.t.Do(ctx, http.MethodPost, "/v1/transactions/"+url.PathEscape(id)+"/fund", nil, &out)
	return out, err
}

func (c *Client) ReleaseTransaction(ctx context.Context, id string, accept bool) (Transaction, error) {
	body := map[string]any{"decision": "reject"}
	if accept {
		body["decision"] = "accept"
	}
	var out Transaction
	err := c.t.Do(ctx, http.MethodPost, "/v1/transactions/"+url.PathEscape(id)+"/release", body, &out)
	return out, err
}

func (c *Client) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	var out Transaction
	err := c.t.Do(ctx, http.MethodGet, "/v1/transactions/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) CreatePaymentSession(ctx context.Context, id, returnURL string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	err := c.t.Do(ctx, http.MethodPost, "/v1/transactions/"+url.PathEscape(id)+"/payment-sessions",
		map[string]any{"return_url": returnURL}, &out)
	return out.URL, err
}

// WebhookEvent is the body the custodian posts on status changes.
type WebhookEvent struct {
	EventID       string `json:"eventId"`
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
	Version       int64  `json:"version"`
}
