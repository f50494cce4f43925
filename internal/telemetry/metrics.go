package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	Submissions          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dispatch_submissions_total", Help: "Job submissions by result"}, []string{"result"})
	IdempotentReplays    = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_idempotent_replays_total", Help: "Submissions answered with an existing job"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_rate_limit_rejects_total", Help: "Submissions rejected by the tenant rate limiter"})
	RegistrationFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_registration_failures_total", Help: "Dispatch registrations compensated by job failure and refund"})
	TokensReserved       = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_tokens_reserved_total", Help: "Tokens placed on hold"})
	TokensConsumed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_tokens_consumed_total", Help: "Tokens consumed by completed jobs"})
	TokensRefunded       = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_tokens_refunded_total", Help: "Tokens returned to wallets"})
	TokensCredited       = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_tokens_credited_total", Help: "Tokens added to wallets by operators"})
	LeasesIssued         = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_leases_issued_total", Help: "Leases handed to workers"})
	EmptyPolls           = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dispatch_empty_polls_total", Help: "Polls answered with no work"}, []string{"reason"})
	Settlements          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dispatch_settlements_total", Help: "Settlement calls by outcome"}, []string{"outcome"})
	StaleDispatches      = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_stale_total", Help: "Dispatches absorbed because their job was already settled"})
	Reaped               = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_reaped_total", Help: "Dispatches failed after exhausting attempts"})
	HTTPRequests         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dispatch_http_requests_total", Help: "HTTP requests by route and status"}, []string{"route", "method", "code"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			Submissions,
			IdempotentReplays,
			RateLimitRejects,
			RegistrationFailures,
			TokensReserved,
			TokensConsumed,
			TokensRefunded,
			TokensCredited,
			LeasesIssued,
			EmptyPolls,
			Settlements,
			StaleDispatches,
			Reaped,
			HTTPRequests,
		)
	})
	return promhttp.Handler()
}
