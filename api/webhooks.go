package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"dealflow/apperr"
	"dealflow/provider"
	"dealflow/provider/custodian"
	"dealflow/provider/esign"
)

const maxWebhookBody = 1 << 20

var errBadSignature = errors.New("signature mismatch")

// Webhook responses tell the provider whether to redeliver. Events that can
// never apply are acknowledged; provider lookups that failed are acknowledged
// as deferred because the catch-up sweep reconciles the entity; storage
// failures return 5xx so the provider retries.
const (
	webhookApplied   = "applied"
	webhookDuplicate = "duplicate"
	webhookIgnored   = "ignored"
	webhookDeferred  = "deferred"
)

func (s *Server) readWebhook(w http.ResponseWriter, r *http.Request, secret string, dst any) (provider.Verification, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "unreadable body")
		return provider.Verification{}, false
	}
	v, err := provider.VerifyHMAC(r.Header, body, secret)
	if err == nil && !v.Valid {
		err = errBadSignature
	}
	if err != nil {
		s.log.Warn("webhook rejected", "path", r.URL.Path, "event_id", v.EventID, "err", err)
		writeError(w, r, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed")
		return provider.Verification{}, false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		s.log.Warn("webhook malformed", "path", r.URL.Path, "event_id", v.EventID, "err", err)
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "malformed event")
		return provider.Verification{}, false
	}
	return v, true
}

func (s *Server) handleESignWebhook(w http.ResponseWriter, r *http.Request) {
	var evt esign.WebhookEvent
	v, ok := s.readWebhook(w, r, s.opts.ESignWebhookSecret, &evt)
	if !ok {
		return
	}
	if evt.EventID == "" {
		evt.EventID = v.EventID
	}
	changed, err := s.engine.Signatures.HandleWebhook(r.Context(), evt)
	s.ackWebhook(w, r, changed, err, "esign", evt.EventID, "envelope_id", evt.EnvelopeID)
}

func (s *Server) handleCustodianWebhook(w http.ResponseWriter, r *http.Request) {
	var evt custodian.WebhookEvent
	v, ok := s.readWebhook(w, r, s.opts.CustodianWebhookSecret, &evt)
	if !ok {
		return
	}
	if evt.EventID == "" {
		evt.EventID = v.EventID
	}
	changed, err := s.engine.Custodian.HandleWebhook(r.Context(), evt)
	s.ackWebhook(w, r, changed, err, "custodian", evt.EventID, "transaction_id", evt.TransactionID)
}

func (s *Server) ackWebhook(w http.ResponseWriter, r *http.Request, changed bool, err error, source, eventID, refKey, ref string) {
	if err == nil {
		result := webhookDuplicate
		if changed {
			result = webhookApplied
		}
		writeJSON(w, http.StatusOK, map[string]string{"result": result})
		return
	}

	kind := apperr.KindOf(err)
	attrs := []any{"source", source, "event_id", eventID, refKey, ref, "kind", string(kind), "err", err}
	switch kind {
	case apperr.KindInternal:
		s.log.Error("webhook failed", attrs...)
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "event not recorded")
	case apperr.KindProvider:
		s.log.Warn("webhook deferred to catch-up", attrs...)
		writeJSON(w, http.StatusAccepted, map[string]string{"result": webhookDeferred})
	default:
		s.log.Warn("webhook ignored", attrs...)
		writeJSON(w, http.StatusOK, map[string]string{"result": webhookIgnored})
	}
}
