package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"dealflow/logging"
)

func TestRecoverPanics_WritesErrorEnvelopeAndLogs(t *testing.T) {
	var buf bytes.Buffer
	s := &Server{log: logging.NewWithWriter(&buf, "info")}
	h := withRequestID(s.logRequests(s.recoverPanics(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("nil map write")
	}))))

	req := httptest.NewRequest(http.MethodGet, "/api/deals", nil)
	req.Header.Set("X-Request-Id", "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body struct {
		RequestID string `json:"request_id"`
		Error     struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.RequestID != "req-42" || body.Error.Code != "INTERNAL" {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}

	logs := buf.String()
	if !strings.Contains(logs, `"msg":"handler panic"`) || !strings.Contains(logs, "nil map write") {
		t.Errorf("panic not logged: %s", logs)
	}
	if !strings.Contains(logs, `"msg":"http request"`) || !strings.Contains(logs, `"status":500`) {
		t.Errorf("access log missing: %s", logs)
	}
}

func TestLogRequests_RecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	s := &Server{log: logging.NewWithWriter(&buf, "info")}
	h := s.logRequests(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/webhooks/esign", nil))

	logs := buf.String()
	for _, want := range []string{`"method":"POST"`, `"path":"/webhooks/esign"`, `"status":204`} {
		if !strings.Contains(logs, want) {
			t.Errorf("access log missing %s: %s", want, logs)
		}
	}
}
