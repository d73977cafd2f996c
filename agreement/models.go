package agreement

import (
	"time"

	"dealflow/terms"
)

// Agreement is one version of the compensation agreement of a deal.
// AgentSignedAt is never set while InvestorSignedAt is nil.
type Agreement struct {
	ID               string
	DealID           string
	Version          int
	Status           Status
	ExhibitATerms    terms.Terms
	RenderSeq        int
	InvestorSignedAt *time.Time
	AgentSignedAt    *time.Time
	PDFURL           *string
	SignedPDFURL     *string
	FinalPDFURL      *string
	EnvelopeID       *string
	EnvelopeStatus   *EnvelopeStatus
	ProviderVersion  int64
	ProviderSyncedAt *time.Time
	SupersededAt     *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsFullySigned reports whether both parties have signed this version.
func (a Agreement) IsFullySigned() bool {
	return a.Status == StatusFullySigned
}

// Active reports whether this version is the deal's current agreement.
func (a Agreement) Active() bool {
	return a.Status != StatusSuperseded
}

// HasOpenEnvelope reports whether a signing session is outstanding.
func (a Agreement) HasOpenEnvelope() bool {
	if a.EnvelopeID == nil {
		return false
	}
	return a.EnvelopeStatus == nil || !a.EnvelopeStatus.Closed()
}

// EnvelopeSnapshot is the provider's view of a signing envelope. Version is
// the provider-side monotonic counter used for last-write-wins.
type EnvelopeSnapshot struct {
	EnvelopeID       string
	Status           EnvelopeStatus
	InvestorSignedAt *time.Time
	AgentSignedAt    *time.Time
	Version          int64
}

// ProviderUpdate applies an envelope snapshot. IdempotencyKey is empty for
// polled reconciliation and set for webhook deliveries.
type ProviderUpdate struct {
	Snapshot       EnvelopeSnapshot
	IdempotencyKey string
}
