// Package httpserver exposes the automation engine's control surface: the
// enable/disable/status/watchlist/accounts/quota/receipts endpoints an
// operator (or a thin admin UI) drives the engine with, plus the standard
// health and metrics endpoints.
package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wisbric/autoengine/pkg/credential"
	"github.com/wisbric/autoengine/pkg/model"
	"github.com/wisbric/autoengine/pkg/supervisor"
)

// Config holds the parameters NewServer needs.
type Config struct {
	CORSAllowedOrigins []string
}

// Server is the automation engine's control-surface HTTP API.
type Server struct {
	Router    *chi.Mux
	supervisor *supervisor.Supervisor
	startedAt time.Time
}

// NewServer builds a Server with the standard middleware stack and every
// control-surface route mounted.
func NewServer(cfg Config, sup *supervisor.Supervisor, metricsReg *prometheus.Registry, logger *slog.Logger) *Server {
	s := &Server{
		Router:     chi.NewRouter(),
		supervisor: sup,
		startedAt:  time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	s.Router.Post("/enable", s.handleEnable)
	s.Router.Post("/disable", s.handleDisable)
	s.Router.Get("/status", s.handleStatus)
	s.Router.Put("/watchlist", s.handleSetWatchlist)
	s.Router.Get("/accounts", s.handleListAccounts)
	s.Router.Post("/accounts", s.handleAddAccount)
	s.Router.Delete("/accounts/{id}", s.handleRemoveAccount)
	s.Router.Get("/quota", s.handleQuotaSnapshot)
	s.Router.Get("/receipts", s.handleExportReceipts)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleEnable(w http.ResponseWriter, _ *http.Request) {
	s.supervisor.Enable()
	Respond(w, http.StatusOK, s.supervisor.Status())
}

func (s *Server) handleDisable(w http.ResponseWriter, _ *http.Request) {
	s.supervisor.Disable()
	Respond(w, http.StatusOK, s.supervisor.Status())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, s.supervisor.Status())
}

type setWatchlistRequest struct {
	Handles []string `json:"handles" validate:"required,min=1,dive,required"`
}

func (s *Server) handleSetWatchlist(w http.ResponseWriter, r *http.Request) {
	var req setWatchlistRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}
	if err := s.supervisor.SetWatchlist(req.Handles); err != nil {
		RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	Respond(w, http.StatusOK, setWatchlistRequest{Handles: req.Handles})
}

type accountDTO struct {
	ID       string `json:"id" validate:"required"`
	Username string `json:"username" validate:"required"`
	AuthKind string `json:"auth_kind"`
	AddedAt  string `json:"added_at"`
	Status   string `json:"status"`
}

func toAccountDTO(a model.Account) accountDTO {
	return accountDTO{
		ID:       a.ID,
		Username: a.Username,
		AuthKind: string(a.AuthKind),
		AddedAt:  a.AddedAt.Format(time.RFC3339),
		Status:   string(a.Status),
	}
}

func (s *Server) handleListAccounts(w http.ResponseWriter, _ *http.Request) {
	accounts := s.supervisor.Accounts()
	dtos := make([]accountDTO, len(accounts))
	for i, a := range accounts {
		dtos[i] = toAccountDTO(a)
	}
	Respond(w, http.StatusOK, dtos)
}

type addAccountRequest struct {
	Account     accountDTO              `json:"account"`
	Credentials credential.Credentials `json:"credentials"`
}

func (s *Server) handleAddAccount(w http.ResponseWriter, r *http.Request) {
	var req addAccountRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}
	if req.Credentials.Legacy == nil && req.Credentials.Modern == nil {
		RespondValidationError(w, []ValidationError{{Field: "credentials", Message: "exactly one of legacy or modern must be set"}})
		return
	}
	addedAt := time.Now()
	if req.Account.AddedAt != "" {
		if t, err := time.Parse(time.RFC3339, req.Account.AddedAt); err == nil {
			addedAt = t
		}
	}
	acct := model.Account{
		ID:       req.Account.ID,
		Username: req.Account.Username,
		AuthKind: req.Credentials.Kind(),
		AddedAt:  addedAt,
		Status:   model.AccountActive,
	}
	if err := s.supervisor.AddAccount(acct, req.Credentials); err != nil {
		RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	Respond(w, http.StatusCreated, toAccountDTO(acct))
}

func (s *Server) handleRemoveAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.supervisor.RemoveAccount(id); err != nil {
		RespondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	Respond(w, http.StatusOK, nil)
}

func (s *Server) handleQuotaSnapshot(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, s.supervisor.QuotaSnapshot())
}

func (s *Server) handleExportReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.supervisor.Receipts()
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	q := r.URL.Query()
	accountID := q.Get("account_id")
	status := q.Get("status")

	filtered := make([]model.ActionReceipt, 0, len(receipts))
	for _, rcpt := range receipts {
		if accountID != "" && rcpt.AccountID != accountID {
			continue
		}
		if status != "" && string(rcpt.Status) != status {
			continue
		}
		filtered = append(filtered, rcpt)
	}
	Respond(w, http.StatusOK, filtered)
}
