package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"render-dispatcher/internal/telemetry"
)

const (
	headerTenant      = "X-Tenant-ID"
	headerUser        = "X-User-ID"
	headerWorkerToken = "X-Worker-Token"
	headerAdminToken  = "X-Admin-Token"
)

func tenantFromRequest(r *http.Request) string {
	return r.Header.Get(headerTenant)
}

func userFromRequest(r *http.Request) string {
	return r.Header.Get(headerUser)
}

// requireTenant rejects tenant API calls without tenant and user headers.
func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tenantFromRequest(r) == "" || userFromRequest(r) == "" {
			writeError(w, http.StatusBadRequest, headerTenant+" and "+headerUser+" headers are required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireWorkerToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.workerToken != "" {
			got := r.Header.Get(headerWorkerToken)
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.workerToken)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid worker token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(headerAdminToken)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.adminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument counts requests by matched route pattern.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		telemetry.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
	})
}
