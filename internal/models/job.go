package models

import (
	"time"
)

// Job statuses persisted in the tenant store.
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Job is the tenant-owned business record for one unit of rendering work.
type Job struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	UserID          string         `json:"user_id"`
	EffectID        string         `json:"effect_id"`
	Provider        string         `json:"provider"`
	Status          string         `json:"status"`
	IdempotencyKey  string         `json:"idempotency_key"`
	Priority        int            `json:"priority"`
	Payload         map[string]any `json:"payload"`
	RequestedTokens int64          `json:"requested_tokens"`
	ReservedTokens  int64          `json:"reserved_tokens"`
	ConsumedTokens  int64          `json:"consumed_tokens"`
	InputFileID     string         `json:"input_file_id"`
	OutputFileID    *string        `json:"output_file_id,omitempty"`
	OutputMetadata  map[string]any `json:"output_metadata,omitempty"`
	ErrorMessage    *string        `json:"error_message,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Terminal reports whether the job has been settled.
func (j Job) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

// OutstandingTokens is the part of the reservation not yet consumed.
func (j Job) OutstandingTokens() int64 {
	return j.ReservedTokens - j.ConsumedTokens
}

// File is a tenant asset stored on a named disk.
type File struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Disk      string    `json:"disk"`
	Path      string    `json:"path"`
	MimeType  string    `json:"mime_type"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Effect is a catalog entry that prices a rendering job.
type Effect struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Provider          string         `json:"provider"`
	TokenCost         int64          `json:"token_cost"`
	InputSchema       map[string]any `json:"input_schema,omitempty"`
	OutputContentType string         `json:"output_content_type"`
	IsActive          bool           `json:"is_active"`
}
