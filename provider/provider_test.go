package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestVerifyHMAC_ValidSignature(t *testing.T) {
	secret := "topsecret"
	body := []byte(`{"envelopeId":"env-1","status":"completed"}`)
	headers := http.Header{}
	headers.Set(SignatureHeader, Sign(body, secret))
	headers.Set(EventIDHeader, "evt_123")
	headers.Set(EventTypeHeader, "envelope.completed")

	got, err := VerifyHMAC(headers, body, secret)
	if err != nil {
		t.Fatalf("VerifyHMAC error: %v", err)
	}
	if !got.Valid {
		t.Fatalf("expected valid signature")
	}
	if got.EventID != "evt_123" || got.EventType != "envelope.completed" {
		t.Fatalf("unexpected event metadata: %#v", got)
	}
}

func TestVerifyHMAC_Rejects(t *testing.T) {
	body := []byte(`{"ok":true}`)
	cases := map[string]string{
		"missing":     "",
		"not hex":     "zz-not-hex",
		"wrong value": Sign(body, "other-secret"),
	}
	for name, sig := range cases {
		t.Run(name, func(t *testing.T) {
			headers := http.Header{}
			if sig != "" {
				headers.Set(SignatureHeader, sig)
			}
			got, err := VerifyHMAC(headers, body, "topsecret")
			if err != nil {
				t.Fatalf("VerifyHMAC error: %v", err)
			}
			if got.Valid {
				t.Fatalf("expected invalid signature")
			}
		})
	}
}

func TestVerifyHMAC_EmptySecret(t *testing.T) {
	if _, err := VerifyHMAC(http.Header{}, []byte("{}"), " "); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}

func TestTransportDo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer key-1" {
			t.Errorf("authorization header = %q", got)
		}
		switch r.URL.Path {
		case "/ok":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"tx-1"}`))
		default:
			http.Error(w, "boom", http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	tr := NewTransport("custodian", srv.URL+"/", "key-1", time.Second)

	var out struct {
		ID string `json:"id"`
	}
	if err := tr.Do(context.Background(), http.MethodPost, "/ok", map[string]any{"a": 1}, &out); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if out.ID != "tx-1" {
		t.Fatalf("id = %q", out.ID)
	}

	err := tr.Do(context.Background(), http.MethodGet, "/fail", nil, nil)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d", httpErr.StatusCode)
	}
}
