package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"dealflow/apperr"
	"dealflow/deal"
	"dealflow/documents"
	"dealflow/escrow"
	"dealflow/negotiation"
	"dealflow/terms"
)

type createDealRequest struct {
	PropertyAddress string       `json:"property_address"`
	City            string       `json:"city"`
	State           string       `json:"state"`
	Zip             string       `json:"zip"`
	Price           int64        `json:"price"`
	Terms           *terms.Terms `json:"terms,omitempty"`
}

func (s *Server) handleCreateDeal(w http.ResponseWriter, r *http.Request) {
	var req createDealRequest
	if err := readJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	view, err := s.engine.CreateDeal(r.Context(), actorID(r), deal.CreateParams{
		PropertyAddress: req.PropertyAddress,
		City:            req.City,
		State:           req.State,
		Zip:             req.Zip,
		Price:           req.Price,
		Terms:           req.Terms,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleListDeals(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.fail(w, r, apperr.Validation("limit must be a positive integer"))
			return
		}
		limit = n
	}
	views, err := s.engine.ListDeals(r.Context(), actorID(r), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deals": views})
}

func (s *Server) handleDealState(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.DealState(r.Context(), actorID(r), chi.URLParam(r, "dealID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleArchiveDeal(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.ArchiveDeal(r.Context(), actorID(r), chi.URLParam(r, "dealID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleUploadPurchaseContract(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, documents.MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		s.fail(w, r, apperr.Validation("multipart form with a file field required"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.fail(w, r, apperr.Validation("file field required"))
		return
	}
	defer file.Close()
	content, err := io.ReadAll(io.LimitReader(file, documents.MaxUploadBytes+1))
	if err != nil {
		s.fail(w, r, apperr.Validation("read upload: %v", err))
		return
	}
	view, err := s.engine.UploadPurchaseContract(r.Context(), actorID(r), chi.URLParam(r, "dealID"), header.Filename, content)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type moveStageRequest struct {
	Stage string `json:"stage"`
}

func (s *Server) handleMovePipeline(w http.ResponseWriter, r *http.Request) {
	var req moveStageRequest
	if err := readJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	stage, err := deal.ParseStage(req.Stage)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	view, err := s.engine.AdvancePipelineStage(r.Context(), actorID(r), chi.URLParam(r, "dealID"), stage)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type requestRoomRequest struct {
	CounterpartyID string `json:"counterparty_id"`
}

func (s *Server) handleRequestRoom(w http.ResponseWriter, r *http.Request) {
	var req requestRoomRequest
	if err := readJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	room, err := s.engine.RequestRoom(r.Context(), actorID(r), chi.URLParam(r, "dealID"), req.CounterpartyID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

type respondRoomRequest struct {
	Accept bool `json:"accept"`
}

func (s *Server) handleRespondToRoom(w http.ResponseWriter, r *http.Request) {
	var req respondRoomRequest
	if err := readJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	room, err := s.engine.RespondToRoom(r.Context(), actorID(r), chi.URLParam(r, "roomID"), req.Accept)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

type proposeCounterRequest struct {
	Terms terms.Terms `json:"terms"`
}

func (s *Server) handleProposeCounter(w http.ResponseWriter, r *http.Request) {
	var req proposeCounterRequest
	if err := readJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	offer, err := s.engine.ProposeCounter(r.Context(), actorID(r), chi.URLParam(r, "dealID"), req.Terms)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, offer)
}

func (s *Server) handleCounterHistory(w http.ResponseWriter, r *http.Request) {
	offers, err := s.engine.CounterHistory(r.Context(), actorID(r), chi.URLParam(r, "dealID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counter_offers": offers})
}

type respondCounterRequest struct {
	Action string       `json:"action"`
	Terms  *terms.Terms `json:"terms,omitempty"`
}

func (s *Server) handleRespondToCounter(w http.ResponseWriter, r *http.Request) {
	var req respondCounterRequest
	if err := readJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	action, err := negotiation.ParseAction(req.Action)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.engine.RespondToCounter(r.Context(), actorID(r), chi.URLParam(r, "offerID"), action, req.Terms)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGenerateAgreement(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.GenerateAgreement(r.Context(), actorID(r), chi.URLParam(r, "dealID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, a)
}

func (s *Server) handleAgreementVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.engine.AgreementVersions(r.Context(), actorID(r), chi.URLParam(r, "dealID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agreements": versions})
}

func (s *Server) handleSignAgreement(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.SignAgreement(r.Context(), actorID(r), chi.URLParam(r, "agreementID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type sessionRequest struct {
	ReturnURL string `json:"return_url"`
}

// readSession accepts an empty body; the return URL is optional.
func readSession(r *http.Request) (sessionRequest, error) {
	var req sessionRequest
	if r.ContentLength == 0 {
		return req, nil
	}
	err := readJSON(r, &req)
	return req, err
}

func (s *Server) handleStartSigning(w http.ResponseWriter, r *http.Request) {
	req, err := readSession(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	session, err := s.engine.StartSigning(r.Context(), actorID(r), chi.URLParam(r, "agreementID"), req.ReturnURL)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleRefreshAgreement(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.RefreshAgreement(r.Context(), actorID(r), chi.URLParam(r, "agreementID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type createEscrowRequest struct {
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req createEscrowRequest
	if err := readJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	tx, err := s.engine.CreateEscrow(r.Context(), actorID(r), chi.URLParam(r, "roomID"), req.Amount, req.Currency, req.Description)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) handleFundEscrow(w http.ResponseWriter, r *http.Request) {
	tx, err := s.engine.FundEscrow(r.Context(), actorID(r), chi.URLParam(r, "roomID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleStartFunding(w http.ResponseWriter, r *http.Request) {
	req, err := readSession(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	session, err := s.engine.StartFunding(r.Context(), actorID(r), chi.URLParam(r, "roomID"), req.ReturnURL)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type releaseEscrowRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	var req releaseEscrowRequest
	if err := readJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	action, err := escrow.ParseReleaseAction(req.Action)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	tx, err := s.engine.ReleaseEscrow(r.Context(), actorID(r), chi.URLParam(r, "roomID"), action)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleRefreshEscrow(w http.ResponseWriter, r *http.Request) {
	tx, err := s.engine.RefreshEscrow(r.Context(), actorID(r), chi.URLParam(r, "roomID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if tx == nil {
		s.fail(w, r, apperr.NotFound("room has no escrow"))
		return
	}
	writeJSON(w, http.StatusOK, tx)
}
