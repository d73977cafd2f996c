// Package provider holds the transport shared by the external signature and
// custodian clients: JSON-over-HTTP calls and HMAC webhook verification.
package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	SignatureHeader = "X-Signature"
	EventIDHeader   = "X-Event-Id"
	EventTypeHeader = "X-Event-Type"
)

// HTTPError is returned when a provider answers with a non-2xx status.
type HTTPError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Transport issues authenticated JSON requests against a provider API.
type Transport struct {
	Name    string
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func NewTransport(name, baseURL, apiKey string, timeout time.Duration) *Transport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Transport{
		Name:    name,
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Do sends in as the JSON body (when non-nil) and decodes the response into
// out (when non-nil).
func (t *Transport) Do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", t.Name, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", t.Name, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.APIKey)
	}

	resp, err := t.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %s %s: %w", t.Name, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &HTTPError{Provider: t.Name, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", t.Name, err)
	}
	return nil
}

// Verification is the result of checking a webhook delivery.
type Verification struct {
	Valid     bool
	EventID   string
	EventType string
}

// VerifyHMAC checks the hex HMAC-SHA256 of the raw body carried in
// X-Signature. An empty secret is a configuration error.
func VerifyHMAC(headers http.Header, rawBody []byte, secret string) (Verification, error) {
	if strings.TrimSpace(secret) == "" {
		return Verification{}, fmt.Errorf("provider: webhook secret is empty")
	}
	res := Verification{
		EventID:   strings.TrimSpace(headers.Get(EventIDHeader)),
		EventType: strings.TrimSpace(headers.Get(EventTypeHeader)),
	}
	sigHex := strings.TrimSpace(headers.Get(SignatureHeader))
	if sigHex == "" {
		return res, nil
	}
	provided, err := hex.DecodeString(sigHex)
	if err != nil {
		return res, nil
	}
	res.Valid = hmac.Equal(mac(rawBody, secret), provided)
	return res, nil
}

// Sign returns the X-Signature value for body.
func Sign(body []byte, secret string) string {
	return hex.EncodeToString(mac(body, secret))
}

func mac(body []byte, secret string) []byte {
	m := hmac.New(sha256.New, []byte(secret))
	_, _ = m.Write(body)
	return m.Sum(nil)
}
