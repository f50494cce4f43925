package models

import "time"

// Dispatch statuses persisted in the central registry.
const (
	DispatchQueued    = "queued"
	DispatchLeased    = "leased"
	DispatchCompleted = "completed"
	DispatchFailed    = "failed"
)

// DispatchEntry is the tenant-agnostic queue record for a job.
type DispatchEntry struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	TenantJobID    string     `json:"tenant_job_id"`
	Provider       string     `json:"provider"`
	Status         string     `json:"status"`
	Priority       int        `json:"priority"`
	Attempts       int        `json:"attempts"`
	WorkerID       *string    `json:"worker_id,omitempty"`
	LeaseToken     *string    `json:"-"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Eligible reports whether the entry can be leased at now. Expired leases
// count as queued; entries that used up their attempts never do.
func (d DispatchEntry) Eligible(now time.Time, maxAttempts int) bool {
	if d.Attempts >= maxAttempts {
		return false
	}
	switch d.Status {
	case DispatchQueued:
		return true
	case DispatchLeased:
		return d.LeaseExpiresAt != nil && !d.LeaseExpiresAt.After(now)
	}
	return false
}

// Settled reports whether the entry reached a terminal status.
func (d DispatchEntry) Settled() bool {
	return d.Status == DispatchCompleted || d.Status == DispatchFailed
}

// HoldsToken reports whether token is the entry's current lease token.
func (d DispatchEntry) HoldsToken(token string) bool {
	return token != "" && d.LeaseToken != nil && *d.LeaseToken == token
}

// WorkerRecord is the last capability advertisement from a polling worker.
type WorkerRecord struct {
	WorkerID       string         `json:"worker_id"`
	DisplayName    string         `json:"display_name"`
	Capabilities   map[string]any `json:"capabilities"`
	MaxConcurrency int            `json:"max_concurrency"`
	CurrentLoad    int            `json:"current_load"`
	IsApproved     bool           `json:"is_approved"`
	IsDraining     bool           `json:"is_draining"`
	LastSeenAt     time.Time      `json:"last_seen_at"`
}

// AcceptsWork reports whether the worker may be handed another lease.
func (w WorkerRecord) AcceptsWork() bool {
	return w.IsApproved && !w.IsDraining && w.CurrentLoad < w.MaxConcurrency
}
