package payoutd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"whitelistpayouts/core/identity"
	"whitelistpayouts/runtime"
)

const defaultWaitTimeout = 30 * time.Second

// ServerConfig captures the dependencies of the public API.
type ServerConfig struct {
	Processor   *Processor
	Callers     *CallerAuthenticator
	Limiter     *RateLimiter
	Logger      *slog.Logger
	WaitTimeout time.Duration
}

// Server exposes payout submission and lookup over HTTP.
type Server struct {
	processor   *Processor
	callers     *CallerAuthenticator
	limiter     *RateLimiter
	logger      *slog.Logger
	waitTimeout time.Duration
	router      http.Handler
}

// NewServer constructs the chi router for the public API.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Processor == nil {
		return nil, fmt.Errorf("processor required")
	}
	if cfg.Callers == nil {
		return nil, fmt.Errorf("caller authenticator required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = defaultWaitTimeout
	}
	srv := &Server{
		processor:   cfg.Processor,
		callers:     cfg.Callers,
		limiter:     cfg.Limiter,
		logger:      cfg.Logger,
		waitTimeout: cfg.WaitTimeout,
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.callers.Middleware)
		submit := api.With()
		if s.limiter != nil {
			submit = api.With(s.limiter.Middleware)
		}
		submit.Post("/payouts", s.handleSubmit)
		api.Get("/payouts/{id}", s.handleGet)
		api.Get("/accounts/{id}", s.handleAccount)
	})
	return r
}

type submitRequest struct {
	AccountID string `json:"account_id"`
	Amount    string `json:"amount"`
	GasTGas   uint64 `json:"gas_tgas,omitempty"`
}

type submitResponse struct {
	TxID string `json:"tx_id"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "caller unknown")
		return
	}
	var body submitRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	receiver, err := identity.ParseAccountID(body.AccountID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.GasTGas > uint64(runtime.MaxPrepaidGas/runtime.TGas) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("gas_tgas must not exceed %d", uint64(runtime.MaxPrepaidGas/runtime.TGas)))
		return
	}
	gas := runtime.DefaultGas
	if body.GasTGas > 0 {
		gas = runtime.Gas(body.GasTGas) * runtime.TGas
	}

	handle, err := s.processor.Submit(r.Context(), PayoutRequest{
		Caller:   caller,
		Receiver: receiver,
		Deposit:  amount,
		Gas:      gas,
	})
	if err != nil {
		writeError(w, submitStatus(err), err.Error())
		return
	}

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		writeJSON(w, http.StatusAccepted, submitResponse{TxID: handle.ID})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.waitTimeout)
	defer cancel()
	if _, err := handle.Wait(ctx); err != nil {
		writeJSON(w, http.StatusAccepted, submitResponse{TxID: handle.ID})
		return
	}
	summary, _ := s.processor.Result(handle.ID)
	writeJSON(w, http.StatusOK, summary)
}

func submitStatus(err error) int {
	switch {
	case errors.Is(err, ErrProcessorPaused), errors.Is(err, runtime.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, runtime.ErrInsufficientBalance), errors.Is(err, runtime.ErrAccountNotFound):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	summary, ok := s.processor.Result(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "payout not found")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type accountResponse struct {
	AccountID string `json:"account_id"`
	Balance   string `json:"balance"`
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	id, err := identity.ParseAccountID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	balance, err := s.processor.Balance(id)
	if err != nil {
		if errors.Is(err, runtime.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{AccountID: id.String(), Balance: balance.String()})
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", chimw.GetReqID(r.Context())))
		})
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
