package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"render-dispatcher/internal/gateway"
	"render-dispatcher/internal/lease"
	"render-dispatcher/internal/ledger"
	"render-dispatcher/internal/models"
	"render-dispatcher/internal/ratelimit"
	"render-dispatcher/internal/store"
	"render-dispatcher/internal/telemetry"
)

// Server wires HTTP handlers for the tenant and worker APIs.
type Server struct {
	resolver    store.Resolver
	gateway     *gateway.Gateway
	leases      *lease.Manager
	limiter     ratelimit.Limiter
	workerToken string
	ledger      *ledger.Ledger
	adminToken  string
	validate    *validator.Validate
	logger      *slog.Logger
}

// New constructs the API server. A nil limiter disables rate limiting and an
// empty workerToken leaves the worker endpoints open.
func New(resolver store.Resolver, gw *gateway.Gateway, leases *lease.Manager, limiter ratelimit.Limiter,
	workerToken string, logger *slog.Logger) *Server {
	return &Server{
		resolver:    resolver,
		gateway:     gw,
		leases:      leases,
		limiter:     limiter,
		workerToken: workerToken,
		validate:    validator.New(),
		logger:      logger.With("component", "api"),
	}
}

// WithAdmin enables the operator endpoints, authenticated by X-Admin-Token.
// They stay unmounted while token is empty.
func (s *Server) WithAdmin(l *ledger.Ledger, token string) *Server {
	s.ledger = l
	s.adminToken = token
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(instrument)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(requireTenant)
			r.Post("/jobs", s.handleSubmit)
			r.Get("/jobs/{id}", s.handleGetJob)
			r.Get("/wallet", s.handleWallet)
		})
		r.Route("/worker", func(r chi.Router) {
			r.Use(s.requireWorkerToken)
			r.Post("/poll", s.handlePoll)
			r.Post("/dispatches/{id}/heartbeat", s.handleHeartbeat)
			r.Post("/dispatches/{id}/complete", s.handleComplete)
			r.Post("/dispatches/{id}/fail", s.handleFail)
		})
		if s.adminToken != "" && s.ledger != nil {
			r.Route("/admin", func(r chi.Router) {
				r.Use(s.requireAdminToken)
				r.Post("/tenants/{tenant}/wallet/credits", s.handleCredit)
			})
		}
	})
	return r
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !s.decode(w, r, &req) {
		return
	}
	tenant, user := tenantFromRequest(r), userFromRequest(r)

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), tenant)
		if err != nil {
			s.logger.Error("rate limiter unavailable", "tenant_id", tenant, "error", err)
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	res, err := s.gateway.Submit(r.Context(), req.toGateway(tenant, user))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{Job: res.Job, DispatchID: res.DispatchID, Idempotent: res.Idempotent})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ts, release, err := s.resolver.Bind(r.Context(), tenantFromRequest(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer release()

	job, err := ts.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if job.UserID != userFromRequest(r) {
		s.fail(w, r, models.ErrOwnershipMismatch)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	ts, release, err := s.resolver.Bind(r.Context(), tenantFromRequest(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer release()

	wallet, err := ts.GetWallet(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if !s.decode(w, r, &req) {
		return
	}
	tenant := chi.URLParam(r, "tenant")
	ts, release, err := s.resolver.Bind(r.Context(), tenant)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer release()

	var wallet models.Wallet
	err = ts.InTx(r.Context(), func(tx store.Tx) error {
		var err error
		wallet, err = s.ledger.Credit(r.Context(), tx, req.Amount, map[string]any{"reference": req.Reference})
		return err
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("wallet credited", "tenant_id", tenant, "amount", req.Amount, "reference", req.Reference,
		"balance", wallet.Balance)
	writeJSON(w, http.StatusOK, wallet)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	var req pollRequest
	if !s.decode(w, r, &req) {
		return
	}
	payload, err := s.leases.Poll(r.Context(), req.toLease())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pollResponse{Job: payload})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !s.decode(w, r, &req) {
		return
	}
	expires, err := s.leases.Heartbeat(r.Context(), chi.URLParam(r, "id"), req.LeaseToken)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{LeaseExpiresAt: expires})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !s.decode(w, r, &req) {
		return
	}
	jobID, err := s.leases.Complete(r.Context(), chi.URLParam(r, "id"), req.LeaseToken, lease.Output{
		Metadata: req.Output.Metadata,
		MimeType: req.Output.MimeType,
		Size:     req.Output.Size,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID})
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if !s.decode(w, r, &req) {
		return
	}
	dispatchID, err := s.leases.Fail(r.Context(), chi.URLParam(r, "id"), req.LeaseToken, req.ErrorMessage)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"dispatch_id": dispatchID})
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			writeError(w, http.StatusBadRequest, err.Error())
			return false
		}
		details := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			details = append(details, "Field '"+fe.Field()+"' failed on the '"+fe.Tag()+"' tag.")
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Details: details})
		return false
	}
	return true
}

// fail maps a domain error onto its status code.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrOwnershipMismatch):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrTenantNotFound), errors.Is(err, models.ErrLeaseNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrDispatchRegistration):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
