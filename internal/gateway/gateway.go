// Package gateway accepts job submissions: it reserves tokens for a new job in
// the tenant store and then registers the job with the central dispatch queue.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"render-dispatcher/internal/catalog"
	"render-dispatcher/internal/dispatch"
	"render-dispatcher/internal/ledger"
	"render-dispatcher/internal/models"
	"render-dispatcher/internal/store"
	"render-dispatcher/internal/telemetry"
)

const (
	maxIdempotencyKeyLen = 255
	compensationTimeout  = 10 * time.Second
)

// Request is one submission from a tenant user.
type Request struct {
	TenantID       string
	UserID         string
	EffectID       string
	IdempotencyKey string
	Provider       string
	InputFileID    string
	Payload        map[string]any
	Priority       int
}

// Result is the job a submission resolved to and its dispatch entry, if any.
type Result struct {
	Job        models.Job
	DispatchID string
	// Idempotent is set when an earlier submission with the same key was returned.
	Idempotent bool
}

// Gateway validates submissions and creates jobs.
type Gateway struct {
	resolver store.Resolver
	registry dispatch.Registry
	catalog  catalog.Catalog
	ledger   *ledger.Ledger
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// New builds a Gateway.
func New(resolver store.Resolver, registry dispatch.Registry, cat catalog.Catalog, l *ledger.Ledger, logger *slog.Logger) *Gateway {
	return &Gateway{
		resolver: resolver,
		registry: registry,
		catalog:  cat,
		ledger:   l,
		logger:   logger.With("component", "gateway"),
		tracer:   telemetry.Tracer("render-dispatcher-gateway"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the wall clock used to stamp new jobs.
func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

// Submit creates a job and its dispatch entry, or returns the job previously
// created with the same idempotency key.
func (g *Gateway) Submit(ctx context.Context, req Request) (Result, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.Submit", trace.WithAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("effect.id", req.EffectID),
	))
	defer span.End()

	res, err := g.submit(ctx, req)
	switch {
	case err == nil && res.Idempotent:
		telemetry.Submissions.WithLabelValues("idempotent").Inc()
		telemetry.IdempotentReplays.Inc()
	case err == nil:
		telemetry.Submissions.WithLabelValues("accepted").Inc()
	case isClientError(err):
		telemetry.Submissions.WithLabelValues("rejected").Inc()
	default:
		telemetry.Submissions.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "submission failed")
	}
	if res.Job.ID != "" {
		span.SetAttributes(attribute.String("job.id", res.Job.ID))
	}
	return res, err
}

func (g *Gateway) submit(ctx context.Context, req Request) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}

	ts, release, err := g.resolver.Bind(ctx, req.TenantID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	if existing, found, err := ts.FindJobByIdempotencyKey(ctx, req.IdempotencyKey); err != nil {
		return Result{}, err
	} else if found {
		return g.replay(ctx, existing)
	}

	effect, err := g.catalog.Effect(ctx, req.EffectID)
	if err != nil {
		return Result{}, err
	}
	if err := validatePayload(effect, req.Payload); err != nil {
		return Result{}, err
	}
	provider := req.Provider
	if provider == "" {
		provider = effect.Provider
	}
	if provider == "" {
		return Result{}, fmt.Errorf("provider is required for effect %s: %w", effect.ID, models.ErrValidation)
	}

	file, err := ts.GetFile(ctx, req.InputFileID)
	if err != nil {
		return Result{}, err
	}
	if file.OwnerID != req.UserID {
		return Result{}, fmt.Errorf("input file %s: %w", file.ID, models.ErrOwnershipMismatch)
	}

	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	now := g.now()
	job := models.Job{
		ID:              uuid.New().String(),
		TenantID:        req.TenantID,
		UserID:          req.UserID,
		EffectID:        effect.ID,
		Provider:        provider,
		Status:          models.JobQueued,
		IdempotencyKey:  req.IdempotencyKey,
		Priority:        req.Priority,
		Payload:         payload,
		RequestedTokens: effect.TokenCost,
		InputFileID:     file.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = ts.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertJob(ctx, job); err != nil {
			return err
		}
		return g.ledger.Reserve(ctx, tx, &job, effect.TokenCost, map[string]any{
			"effect_id":       effect.ID,
			"idempotency_key": req.IdempotencyKey,
		})
	})
	if errors.Is(err, models.ErrDuplicateIdempotencyKey) {
		// A concurrent duplicate won the insert; answer with its job.
		existing, found, ferr := ts.FindJobByIdempotencyKey(ctx, req.IdempotencyKey)
		if ferr != nil {
			return Result{}, ferr
		}
		if !found {
			return Result{}, errors.New("idempotency conflict but no existing job found")
		}
		return g.replay(ctx, existing)
	}
	if err != nil {
		return Result{}, err
	}

	entry, _, err := g.registry.CreateIfAbsent(ctx, dispatchFor(job, now))
	if err != nil {
		return g.compensate(ctx, ts, job, err)
	}

	g.logger.Info("job submitted",
		"tenant_id", job.TenantID, "job_id", job.ID, "dispatch_id", entry.ID,
		"effect_id", job.EffectID, "reserved_tokens", job.ReservedTokens)
	return Result{Job: job, DispatchID: entry.ID}, nil
}

// replay answers a resubmission. Unsettled jobs get their dispatch entry
// recreated if an earlier submission died between the two stores.
func (g *Gateway) replay(ctx context.Context, job models.Job) (Result, error) {
	if job.Terminal() {
		entry, found, err := g.registry.FindByJob(ctx, job.TenantID, job.ID)
		if err != nil {
			return Result{}, err
		}
		res := Result{Job: job, Idempotent: true}
		if found {
			res.DispatchID = entry.ID
		}
		return res, nil
	}

	entry, created, err := g.registry.CreateIfAbsent(ctx, dispatchFor(job, job.CreatedAt))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", models.ErrDispatchRegistration, err)
	}
	if created {
		g.logger.Warn("recreated missing dispatch entry",
			"tenant_id", job.TenantID, "job_id", job.ID, "dispatch_id", entry.ID)
	}
	return Result{Job: job, DispatchID: entry.ID, Idempotent: true}, nil
}

// compensate fails the job and returns its tokens after the dispatch entry
// could not be created, so no reservation is left without a way to be worked.
// It runs detached from the request context, which is often already done.
func (g *Gateway) compensate(ctx context.Context, ts store.TenantStore, job models.Job, cause error) (Result, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	telemetry.RegistrationFailures.Inc()
	g.logger.Warn("dispatch registration failed, failing job",
		"tenant_id", job.TenantID, "job_id", job.ID, "error", cause)

	var failed models.Job
	err := ts.InTx(ctx, func(tx store.Tx) error {
		current, err := tx.LockJob(ctx, job.ID)
		if err != nil {
			return err
		}
		if !current.Terminal() {
			now := g.now()
			msg := "dispatch registration failed"
			current.Status = models.JobFailed
			current.ErrorMessage = &msg
			current.CompletedAt = &now
			current.UpdatedAt = now
			if err := tx.UpdateJob(ctx, current); err != nil {
				return err
			}
			if err := g.ledger.Refund(ctx, tx, &current, map[string]any{"reason": "dispatch_registration_failed"}); err != nil {
				return err
			}
		}
		failed = current
		return nil
	})
	if err != nil {
		g.logger.Error("compensation failed", "tenant_id", job.TenantID, "job_id", job.ID, "error", err)
		return Result{Job: job}, errors.Join(fmt.Errorf("%w: %v", models.ErrDispatchRegistration, cause), err)
	}
	return Result{Job: failed}, fmt.Errorf("%w: %v", models.ErrDispatchRegistration, cause)
}

func dispatchFor(job models.Job, createdAt time.Time) models.DispatchEntry {
	return models.DispatchEntry{
		TenantID:    job.TenantID,
		TenantJobID: job.ID,
		Provider:    job.Provider,
		Status:      models.DispatchQueued,
		Priority:    job.Priority,
		CreatedAt:   createdAt,
	}
}

func validate(req Request) error {
	var missing []string
	if req.TenantID == "" {
		missing = append(missing, "tenant")
	}
	if req.UserID == "" {
		missing = append(missing, "user")
	}
	if req.EffectID == "" {
		missing = append(missing, "effect_id")
	}
	if req.IdempotencyKey == "" {
		missing = append(missing, "idempotency_key")
	}
	if req.InputFileID == "" {
		missing = append(missing, "input_file_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s: %w", strings.Join(missing, ", "), models.ErrValidation)
	}
	if len(req.IdempotencyKey) > maxIdempotencyKeyLen {
		return fmt.Errorf("idempotency_key longer than %d: %w", maxIdempotencyKeyLen, models.ErrValidation)
	}
	return nil
}

func isClientError(err error) bool {
	return errors.Is(err, models.ErrValidation) ||
		errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, models.ErrOwnershipMismatch) ||
		errors.Is(err, models.ErrInsufficientBalance) ||
		errors.Is(err, models.ErrTenantNotFound)
}
