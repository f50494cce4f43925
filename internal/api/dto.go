package api

import (
	"time"

	"render-dispatcher/internal/gateway"
	"render-dispatcher/internal/lease"
	"render-dispatcher/internal/models"
)

type submitRequest struct {
	EffectID       string         `json:"effect_id" validate:"required,max=64"`
	IdempotencyKey string         `json:"idempotency_key" validate:"required,max=255"`
	Provider       string         `json:"provider" validate:"omitempty,max=64"`
	InputFileID    string         `json:"input_file_id" validate:"required,max=64"`
	Payload        map[string]any `json:"payload"`
	Priority       *int           `json:"priority" validate:"omitempty,min=-100,max=100"`
}

func (r submitRequest) toGateway(tenant, user string) gateway.Request {
	req := gateway.Request{
		TenantID:       tenant,
		UserID:         user,
		EffectID:       r.EffectID,
		IdempotencyKey: r.IdempotencyKey,
		Provider:       r.Provider,
		InputFileID:    r.InputFileID,
		Payload:        r.Payload,
	}
	if r.Priority != nil {
		req.Priority = *r.Priority
	}
	return req
}

type submitResponse struct {
	Job        models.Job `json:"job"`
	DispatchID string     `json:"dispatch_id,omitempty"`
	Idempotent bool       `json:"idempotent"`
}

type pollRequest struct {
	WorkerID       string         `json:"worker_id" validate:"required,max=128"`
	DisplayName    string         `json:"display_name" validate:"max=255"`
	Capabilities   map[string]any `json:"capabilities"`
	Providers      []string       `json:"providers" validate:"dive,required,max=64"`
	CurrentLoad    int            `json:"current_load" validate:"gte=0"`
	MaxConcurrency int            `json:"max_concurrency" validate:"gte=0"`
}

func (r pollRequest) toLease() lease.PollRequest {
	return lease.PollRequest{
		WorkerID:       r.WorkerID,
		DisplayName:    r.DisplayName,
		Capabilities:   r.Capabilities,
		Providers:      r.Providers,
		CurrentLoad:    r.CurrentLoad,
		MaxConcurrency: r.MaxConcurrency,
	}
}

type pollResponse struct {
	Job *lease.WorkPayload `json:"job"`
}

type heartbeatRequest struct {
	LeaseToken string `json:"lease_token" validate:"required"`
}

type heartbeatResponse struct {
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

type completeOutput struct {
	Metadata map[string]any `json:"metadata"`
	MimeType string         `json:"mime_type" validate:"omitempty,max=128"`
	Size     int64          `json:"size" validate:"gte=0"`
}

type completeRequest struct {
	LeaseToken string         `json:"lease_token" validate:"required"`
	Output     completeOutput `json:"output"`
}

type failRequest struct {
	LeaseToken   string `json:"lease_token" validate:"required"`
	ErrorMessage string `json:"error_message" validate:"required,max=4000"`
}

type creditRequest struct {
	Amount    int64  `json:"amount" validate:"required,gt=0"`
	Reference string `json:"reference" validate:"required,max=255"`
}

type errorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}
