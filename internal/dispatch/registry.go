// Package dispatch is the central, tenant-agnostic work queue. It references
// tenant jobs by id and never joins against tenant data.
package dispatch

import (
	"context"
	"time"

	"render-dispatcher/internal/models"
)

// LeaseRequest describes one lease acquisition attempt.
type LeaseRequest struct {
	WorkerID string
	// Providers restricts selection; empty means any provider.
	Providers   []string
	Now         time.Time
	TTL         time.Duration
	MaxAttempts int
}

// Registry stores dispatch entries and worker records.
type Registry interface {
	// CreateIfAbsent inserts entry unless one exists for (tenant_id, tenant_job_id).
	// It returns the stored entry and whether it was created by this call.
	CreateIfAbsent(ctx context.Context, entry models.DispatchEntry) (models.DispatchEntry, bool, error)
	FindByJob(ctx context.Context, tenantID, jobID string) (models.DispatchEntry, bool, error)
	Get(ctx context.Context, id string) (models.DispatchEntry, error)
	// Lease atomically claims the best eligible entry. ok is false when none is eligible.
	Lease(ctx context.Context, req LeaseRequest) (entry models.DispatchEntry, ok bool, err error)
	// Heartbeat extends an active lease to max(current expiry, now+ttl).
	Heartbeat(ctx context.Context, id, token string, now time.Time, ttl time.Duration) (time.Time, error)
	// Settle moves the entry to a terminal status if token is its lease token.
	Settle(ctx context.Context, id, token, status string, lastError *string, now time.Time) error
	// ListExhausted returns expired leases that have no attempts left.
	ListExhausted(ctx context.Context, now time.Time, maxAttempts, limit int) ([]models.DispatchEntry, error)
	// UpsertWorker records a poll. New workers start approved when autoApprove is set.
	UpsertWorker(ctx context.Context, w models.WorkerRecord, autoApprove bool) (models.WorkerRecord, error)
}
