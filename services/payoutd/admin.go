package payoutd

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"whitelistpayouts/core/identity"
	"whitelistpayouts/native/payouts"
)

// AdminServer exposes HTTP endpoints for operator controls.
type AdminServer struct {
	processor   *Processor
	oracleState func() string
	router      chi.Router
}

// NewAdminServer constructs a server wrapping the provided processor. Every
// route requires the admin authenticator.
func NewAdminServer(processor *Processor, auth *Authenticator, oracleState func() string) *AdminServer {
	server := &AdminServer{processor: processor, oracleState: oracleState, router: chi.NewRouter()}
	server.router.Use(chimw.Recoverer)
	server.router.Use(auth.Middleware)
	server.router.Post("/pause", server.handlePause)
	server.router.Post("/resume", server.handleResume)
	server.router.Get("/status", server.handleStatus)
	server.router.Get("/stranded", server.handleStranded)
	server.router.Post("/stranded/{id}/resolve", server.handleResolve)
	return server
}

// ServeHTTP implements http.Handler.
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *AdminServer) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.processor.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.processor.Resume()
	w.WriteHeader(http.StatusNoContent)
}

type adminStatus struct {
	Status
	Oracle string `json:"oracle,omitempty"`
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := adminStatus{Status: s.processor.Status(r.Context())}
	if s.oracleState != nil {
		status.Oracle = s.oracleState()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *AdminServer) handleStranded(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	entries, err := s.processor.Stranded(r.Context(), all)
	if err != nil {
		writeError(w, strandedStatus(err), err.Error())
		return
	}
	if entries == nil {
		entries = []payouts.StrandedEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type resolveRequest struct {
	Destination string `json:"destination"`
}

func (s *AdminServer) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	var destination identity.AccountID
	if req.Destination != "" {
		parsed, err := identity.ParseAccountID(req.Destination)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		destination = parsed
	}
	entry, err := s.processor.ResolveStranded(r.Context(), chi.URLParam(r, "id"), destination)
	if err != nil {
		writeError(w, strandedStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func strandedStatus(err error) int {
	switch {
	case errors.Is(err, ErrStrandedDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, payouts.ErrStrandedNotFound):
		return http.StatusNotFound
	case errors.Is(err, payouts.ErrStrandedResolved):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}
