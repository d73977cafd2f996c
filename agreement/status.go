package agreement

import (
	"strings"

	"dealflow/apperr"
)

// Status of one agreement version.
type Status string

const (
	StatusPendingRender  Status = "pending_render"
	StatusDrafted        Status = "drafted"
	StatusInvestorSigned Status = "investor_signed"
	StatusFullySigned    Status = "fully_signed"
	StatusSuperseded     Status = "superseded"
)

func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusPendingRender:
		return StatusPendingRender, nil
	case StatusDrafted:
		return StatusDrafted, nil
	case StatusInvestorSigned:
		return StatusInvestorSigned, nil
	case StatusFullySigned:
		return StatusFullySigned, nil
	case StatusSuperseded:
		return StatusSuperseded, nil
	default:
		return "", apperr.Validation("unknown agreement status %q", raw)
	}
}

// signable reports whether signatures may be recorded in s.
func (s Status) signable() error {
	switch s {
	// Fully signed passes so the caller sees AlreadySigned.
	case StatusDrafted, StatusInvestorSigned, StatusFullySigned:
		return nil
	case StatusPendingRender:
		return apperr.State("agreement document is still rendering")
	case StatusSuperseded:
		return apperr.State("agreement version has been superseded")
	default:
		return apperr.State("agreement in unknown status %q", s)
	}
}

// statusFor derives the post-render status from the recorded signatures.
func statusFor(a Agreement) Status {
	switch {
	case a.InvestorSignedAt != nil && a.AgentSignedAt != nil:
		return StatusFullySigned
	case a.InvestorSignedAt != nil:
		return StatusInvestorSigned
	default:
		return StatusDrafted
	}
}

// EnvelopeStatus is the signature provider's status of a signing envelope.
type EnvelopeStatus string

const (
	EnvelopeSent      EnvelopeStatus = "sent"
	EnvelopeDelivered EnvelopeStatus = "delivered"
	EnvelopeCompleted EnvelopeStatus = "completed"
	EnvelopeVoided    EnvelopeStatus = "voided"
	EnvelopeDeclined  EnvelopeStatus = "declined"
)

func ParseEnvelopeStatus(raw string) (EnvelopeStatus, error) {
	switch EnvelopeStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case EnvelopeSent:
		return EnvelopeSent, nil
	case EnvelopeDelivered:
		return EnvelopeDelivered, nil
	case EnvelopeCompleted:
		return EnvelopeCompleted, nil
	case EnvelopeVoided:
		return EnvelopeVoided, nil
	case EnvelopeDeclined:
		return EnvelopeDeclined, nil
	default:
		return "", apperr.Validation("unknown envelope status %q", raw)
	}
}

// Closed reports whether no further signing can happen in the envelope.
func (s EnvelopeStatus) Closed() bool {
	switch s {
	case EnvelopeCompleted, EnvelopeVoided, EnvelopeDeclined:
		return true
	case EnvelopeSent, EnvelopeDelivered:
		return false
	default:
		return false
	}
}
