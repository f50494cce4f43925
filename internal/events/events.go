// Package events announces job settlements to interested consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"render-dispatcher/internal/models"
)

// Settlement subjects.
const (
	SubjectCompleted = "dispatch.job.completed"
	SubjectFailed    = "dispatch.job.failed"
)

// Settlement is published once a job reaches a terminal status.
type Settlement struct {
	TenantID       string    `json:"tenant_id"`
	JobID          string    `json:"job_id"`
	DispatchID     string    `json:"dispatch_id"`
	Status         string    `json:"status"`
	ConsumedTokens int64     `json:"consumed_tokens"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	SettledAt      time.Time `json:"settled_at"`
}

// Publisher delivers settlement events. Delivery is best effort.
type Publisher interface {
	PublishSettlement(ctx context.Context, s Settlement) error
}

// Noop discards events.
type Noop struct{}

func (Noop) PublishSettlement(context.Context, Settlement) error { return nil }

// NatsPublisher publishes JSON settlement events on core NATS subjects.
type NatsPublisher struct {
	nc *nats.Conn
}

// NewNatsPublisher dials NATS at url and keeps reconnecting in the background.
func NewNatsPublisher(url string, logger *slog.Logger) (*NatsPublisher, error) {
	log := logger.With("component", "events")
	nc, err := nats.Connect(url,
		nats.Name("render-dispatcher"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected to nats", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NatsPublisher{nc: nc}, nil
}

// Subject returns the subject a settlement is published on.
func Subject(s Settlement) string {
	if s.Status == models.JobCompleted {
		return SubjectCompleted
	}
	return SubjectFailed
}

func (p *NatsPublisher) PublishSettlement(_ context.Context, s Settlement) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal settlement: %w", err)
	}
	return p.nc.Publish(Subject(s), data)
}

// Close drains pending messages and closes the connection.
func (p *NatsPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}
