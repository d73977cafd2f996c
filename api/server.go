// Package api exposes the engine over HTTP: JSON commands and queries for
// authenticated parties, a websocket change feed per deal, and the provider
// webhooks.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"dealflow/engine"
)

type Options struct {
	ESignWebhookSecret     string
	CustodianWebhookSecret string
	// AllowedOrigins limits websocket upgrades; empty allows any origin.
	AllowedOrigins []string
}

type Server struct {
	engine   *engine.Engine
	verifier TokenVerifier
	opts     Options
	log      *slog.Logger
}

func NewServer(e *engine.Engine, verifier TokenVerifier, opts Options, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{engine: e, verifier: verifier, opts: opts, log: log}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(withRequestID)
	r.Use(s.logRequests)
	r.Use(s.recoverPanics)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Route("/webhooks", func(wh chi.Router) {
		wh.Post("/esign", s.handleESignWebhook)
		wh.Post("/custodian", s.handleCustodianWebhook)
	})

	r.Route("/api", func(api chi.Router) {
		api.Use(s.authenticate)

		api.Route("/deals", func(d chi.Router) {
			d.Post("/", s.handleCreateDeal)
			d.Get("/", s.handleListDeals)
			d.Route("/{dealID}", func(d chi.Router) {
				d.Get("/", s.handleDealState)
				d.Post("/archive", s.handleArchiveDeal)
				d.Put("/purchase-contract", s.handleUploadPurchaseContract)
				d.Put("/pipeline", s.handleMovePipeline)
				d.Post("/rooms", s.handleRequestRoom)
				d.Post("/counter-offers", s.handleProposeCounter)
				d.Get("/counter-offers", s.handleCounterHistory)
				d.Post("/agreements", s.handleGenerateAgreement)
				d.Get("/agreements", s.handleAgreementVersions)
				d.Get("/events", s.handleEvents)
			})
		})

		api.Route("/rooms/{roomID}", func(rm chi.Router) {
			rm.Post("/respond", s.handleRespondToRoom)
			rm.Post("/escrow", s.handleCreateEscrow)
			rm.Post("/escrow/fund", s.handleFundEscrow)
			rm.Post("/escrow/funding-session", s.handleStartFunding)
			rm.Post("/escrow/release", s.handleReleaseEscrow)
			rm.Post("/escrow/refresh", s.handleRefreshEscrow)
		})

		api.Post("/counter-offers/{offerID}/respond", s.handleRespondToCounter)

		api.Route("/agreements/{agreementID}", func(a chi.Router) {
			a.Post("/sign", s.handleSignAgreement)
			a.Post("/signing-session", s.handleStartSigning)
			a.Post("/refresh", s.handleRefreshAgreement)
		})
	})

	return r
}

// HTTPServer wraps the router with the timeouts the process runs with.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}
