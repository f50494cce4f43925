// Package lease hands dispatch entries to polling workers and reconciles their
// completion or failure against the owning tenant's job and ledger.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"render-dispatcher/internal/catalog"
	"render-dispatcher/internal/dispatch"
	"render-dispatcher/internal/events"
	"render-dispatcher/internal/ledger"
	"render-dispatcher/internal/models"
	"render-dispatcher/internal/storage"
	"render-dispatcher/internal/store"
	"render-dispatcher/internal/telemetry"
)

const defaultContentType = "application/octet-stream"

// Options tunes lease issuance.
type Options struct {
	LeaseTTL    time.Duration
	PresignTTL  time.Duration
	MaxAttempts int
	// AutoApprove admits workers on their first poll.
	AutoApprove bool
	OutputDisk  string
	ReaperBatch int
}

// PollRequest is a worker's capability advertisement.
type PollRequest struct {
	WorkerID       string
	DisplayName    string
	Capabilities   map[string]any
	Providers      []string
	CurrentLoad    int
	MaxConcurrency int
}

// FileRef points a worker at the job input.
type FileRef struct {
	FileID      string `json:"file_id"`
	MimeType    string `json:"mime_type"`
	DownloadURL string `json:"download_url"`
}

// OutputTarget is where a worker must upload the job result. UploadHeaders
// must accompany the PUT to UploadURL.
type OutputTarget struct {
	Disk          string            `json:"disk"`
	Path          string            `json:"path"`
	ContentType   string            `json:"content_type"`
	UploadURL     string            `json:"upload_url"`
	UploadHeaders map[string]string `json:"upload_headers,omitempty"`
}

// WorkPayload is everything a worker needs to run one leased job.
type WorkPayload struct {
	DispatchID     string         `json:"dispatch_id"`
	LeaseToken     string         `json:"lease_token"`
	LeaseExpiresAt time.Time      `json:"lease_expires_at"`
	Attempt        int            `json:"attempt"`
	TenantID       string         `json:"tenant_id"`
	JobID          string         `json:"job_id"`
	EffectID       string         `json:"effect_id"`
	Provider       string         `json:"provider"`
	Payload        map[string]any `json:"payload"`
	Input          FileRef        `json:"input"`
	Output         OutputTarget   `json:"output"`
}

// Output is what a worker reports on completion.
type Output struct {
	Metadata map[string]any
	MimeType string
	Size     int64
}

// Manager implements poll, heartbeat, complete and fail.
type Manager struct {
	resolver  store.Resolver
	registry  dispatch.Registry
	catalog   catalog.Catalog
	signer    storage.URLSigner
	ledger    *ledger.Ledger
	publisher events.Publisher
	opts      Options
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewManager builds a Manager. A nil publisher disables settlement events.
func NewManager(resolver store.Resolver, registry dispatch.Registry, cat catalog.Catalog, signer storage.URLSigner,
	l *ledger.Ledger, publisher events.Publisher, opts Options, logger *slog.Logger) *Manager {
	if publisher == nil {
		publisher = events.Noop{}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = time.Minute
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 15 * time.Minute
	}
	if opts.OutputDisk == "" {
		opts.OutputDisk = "s3"
	}
	if opts.ReaperBatch <= 0 {
		opts.ReaperBatch = 100
	}
	return &Manager{
		resolver:  resolver,
		registry:  registry,
		catalog:   cat,
		signer:    signer,
		ledger:    l,
		publisher: publisher,
		opts:      opts,
		logger:    logger.With("component", "lease"),
		tracer:    telemetry.Tracer("render-dispatcher-lease"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// OutputPath is the object key a job's result is uploaded to.
func OutputPath(tenantID, jobID string) string {
	return fmt.Sprintf("tenants/%s/jobs/%s/output", tenantID, jobID)
}

// Poll leases the best eligible dispatch for the worker. A nil payload means
// there is no work for it right now.
func (m *Manager) Poll(ctx context.Context, req PollRequest) (*WorkPayload, error) {
	ctx, span := m.tracer.Start(ctx, "lease.Poll", trace.WithAttributes(attribute.String("worker.id", req.WorkerID)))
	defer span.End()

	if req.WorkerID == "" {
		return nil, fmt.Errorf("worker_id is required: %w", models.ErrValidation)
	}
	if req.MaxConcurrency <= 0 {
		req.MaxConcurrency = 1
	}
	now := m.now()
	worker, err := m.registry.UpsertWorker(ctx, models.WorkerRecord{
		WorkerID:       req.WorkerID,
		DisplayName:    req.DisplayName,
		Capabilities:   req.Capabilities,
		MaxConcurrency: req.MaxConcurrency,
		CurrentLoad:    req.CurrentLoad,
		LastSeenAt:     now,
	}, m.opts.AutoApprove)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("upsert worker: %w", err)
	}
	switch {
	case !worker.IsApproved:
		telemetry.EmptyPolls.WithLabelValues("unapproved").Inc()
		return nil, nil
	case worker.IsDraining:
		telemetry.EmptyPolls.WithLabelValues("draining").Inc()
		return nil, nil
	case !worker.AcceptsWork():
		telemetry.EmptyPolls.WithLabelValues("at_capacity").Inc()
		return nil, nil
	}

	entry, ok, err := m.registry.Lease(ctx, dispatch.LeaseRequest{
		WorkerID:    req.WorkerID,
		Providers:   req.Providers,
		Now:         now,
		TTL:         m.opts.LeaseTTL,
		MaxAttempts: m.opts.MaxAttempts,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lease failed")
		return nil, fmt.Errorf("lease: %w", err)
	}
	if !ok {
		telemetry.EmptyPolls.WithLabelValues("no_work").Inc()
		return nil, nil
	}
	span.SetAttributes(attribute.String("dispatch.id", entry.ID), attribute.String("job.id", entry.TenantJobID))

	payload, err := m.activate(ctx, entry)
	if err != nil {
		// The lease stands and expires back into the queue.
		span.RecordError(err)
		span.SetStatus(codes.Error, "activate failed")
		m.logger.Error("activate leased job", "tenant_id", entry.TenantID, "job_id", entry.TenantJobID,
			"dispatch_id", entry.ID, "error", err)
		return nil, err
	}
	if payload == nil {
		telemetry.EmptyPolls.WithLabelValues("stale").Inc()
		return nil, nil
	}
	telemetry.LeasesIssued.Inc()
	m.logger.Info("lease issued", "tenant_id", entry.TenantID, "job_id", entry.TenantJobID,
		"dispatch_id", entry.ID, "worker_id", req.WorkerID, "attempt", entry.Attempts)
	return payload, nil
}

// activate moves the leased job to processing and builds its work payload. It
// returns nil when the job was already settled and the dispatch was absorbed.
func (m *Manager) activate(ctx context.Context, entry models.DispatchEntry) (*WorkPayload, error) {
	ts, release, err := m.resolver.Bind(ctx, entry.TenantID)
	if err != nil {
		return nil, err
	}
	defer release()

	var (
		job   models.Job
		stale bool
	)
	err = ts.InTx(ctx, func(tx store.Tx) error {
		current, err := tx.LockJob(ctx, entry.TenantJobID)
		if errors.Is(err, models.ErrNotFound) {
			stale = true
			return nil
		}
		if err != nil {
			return err
		}
		job = current
		if current.Terminal() {
			stale = true
			return nil
		}
		if current.Status == models.JobQueued {
			now := m.now()
			job.Status = models.JobProcessing
			if job.StartedAt == nil {
				job.StartedAt = &now
			}
			job.UpdatedAt = now
			return tx.UpdateJob(ctx, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if stale {
		m.absorbStale(ctx, entry, job)
		return nil, nil
	}

	input, err := ts.GetFile(ctx, job.InputFileID)
	if err != nil {
		return nil, fmt.Errorf("input file: %w", err)
	}
	downloadURL, err := m.signer.DownloadURL(ctx, input.Disk, input.Path, m.opts.PresignTTL)
	if err != nil {
		return nil, fmt.Errorf("presign input: %w", err)
	}
	contentType := m.outputContentType(ctx, job.EffectID)
	outPath := OutputPath(job.TenantID, job.ID)
	upload, err := m.signer.UploadURL(ctx, m.opts.OutputDisk, outPath, m.opts.PresignTTL, contentType)
	if err != nil {
		return nil, fmt.Errorf("presign output: %w", err)
	}

	return &WorkPayload{
		DispatchID:     entry.ID,
		LeaseToken:     *entry.LeaseToken,
		LeaseExpiresAt: *entry.LeaseExpiresAt,
		Attempt:        entry.Attempts,
		TenantID:       job.TenantID,
		JobID:          job.ID,
		EffectID:       job.EffectID,
		Provider:       job.Provider,
		Payload:        job.Payload,
		Input: FileRef{
			FileID:      input.ID,
			MimeType:    input.MimeType,
			DownloadURL: downloadURL,
		},
		Output: OutputTarget{
			Disk:          m.opts.OutputDisk,
			Path:          outPath,
			ContentType:   contentType,
			UploadURL:     upload.URL,
			UploadHeaders: upload.Headers,
		},
	}, nil
}

func (m *Manager) outputContentType(ctx context.Context, effectID string) string {
	effect, err := m.catalog.Effect(ctx, effectID)
	if err != nil || effect.OutputContentType == "" {
		return defaultContentType
	}
	return effect.OutputContentType
}

// absorbStale settles a dispatch whose job is already terminal or gone so it
// is never handed out again.
func (m *Manager) absorbStale(ctx context.Context, entry models.DispatchEntry, job models.Job) {
	telemetry.StaleDispatches.Inc()
	status := models.DispatchFailed
	var lastError *string
	switch {
	case job.ID == "":
		msg := "job not found"
		lastError = &msg
	case job.Status == models.JobCompleted:
		status = models.DispatchCompleted
	default:
		lastError = job.ErrorMessage
	}
	if err := m.registry.Settle(ctx, entry.ID, *entry.LeaseToken, status, lastError, m.now()); err != nil {
		m.logger.Error("settle stale dispatch", "tenant_id", entry.TenantID, "job_id", entry.TenantJobID,
			"dispatch_id", entry.ID, "error", err)
		return
	}
	m.logger.Warn("absorbed stale dispatch", "tenant_id", entry.TenantID, "job_id", entry.TenantJobID,
		"dispatch_id", entry.ID, "status", status)
}

// Heartbeat extends the lease held with token.
func (m *Manager) Heartbeat(ctx context.Context, dispatchID, token string) (time.Time, error) {
	expires, err := m.registry.Heartbeat(ctx, dispatchID, token, m.now(), m.opts.LeaseTTL)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return time.Time{}, fmt.Errorf("dispatch %s: %w", dispatchID, models.ErrLeaseNotFound)
		}
		return time.Time{}, err
	}
	return expires, nil
}

// Complete records the job output and consumes its reservation. Repeated
// calls with the same token succeed without moving funds again.
func (m *Manager) Complete(ctx context.Context, dispatchID, token string, out Output) (string, error) {
	ctx, span := m.tracer.Start(ctx, "lease.Complete", trace.WithAttributes(attribute.String("dispatch.id", dispatchID)))
	defer span.End()

	entry, err := m.holder(ctx, dispatchID, token)
	if err != nil {
		return "", err
	}
	job, changed, err := m.settleJob(ctx, entry, func(ctx context.Context, tx store.Tx, job *models.Job) error {
		now := m.now()
		mimeType := out.MimeType
		if mimeType == "" {
			mimeType = m.outputContentType(ctx, job.EffectID)
		}
		file := models.File{
			ID:        uuid.New().String(),
			OwnerID:   job.UserID,
			Disk:      m.opts.OutputDisk,
			Path:      OutputPath(job.TenantID, job.ID),
			MimeType:  mimeType,
			Size:      out.Size,
			CreatedAt: now,
		}
		if err := tx.InsertFile(ctx, file); err != nil {
			return err
		}
		job.Status = models.JobCompleted
		job.OutputFileID = &file.ID
		job.OutputMetadata = out.Metadata
		job.CompletedAt = &now
		job.UpdatedAt = now
		if err := tx.UpdateJob(ctx, *job); err != nil {
			return err
		}
		return m.ledger.Consume(ctx, tx, job, map[string]any{"dispatch_id": entry.ID})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "complete failed")
		return "", err
	}
	m.finish(ctx, entry, job, changed)
	return job.ID, nil
}

// Fail records the error and refunds the job's outstanding reservation.
func (m *Manager) Fail(ctx context.Context, dispatchID, token, message string) (string, error) {
	ctx, span := m.tracer.Start(ctx, "lease.Fail", trace.WithAttributes(attribute.String("dispatch.id", dispatchID)))
	defer span.End()

	entry, err := m.holder(ctx, dispatchID, token)
	if err != nil {
		return "", err
	}
	job, changed, err := m.settleJob(ctx, entry, m.failJob(message, map[string]any{"dispatch_id": entry.ID}))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fail failed")
		return "", err
	}
	m.finish(ctx, entry, job, changed)
	return entry.ID, nil
}

func (m *Manager) failJob(message string, meta map[string]any) func(context.Context, store.Tx, *models.Job) error {
	return func(ctx context.Context, tx store.Tx, job *models.Job) error {
		now := m.now()
		msg := message
		job.Status = models.JobFailed
		job.ErrorMessage = &msg
		job.CompletedAt = &now
		job.UpdatedAt = now
		if err := tx.UpdateJob(ctx, *job); err != nil {
			return err
		}
		return m.ledger.Refund(ctx, tx, job, meta)
	}
}

// holder returns the entry if token is its current lease token.
func (m *Manager) holder(ctx context.Context, dispatchID, token string) (models.DispatchEntry, error) {
	entry, err := m.registry.Get(ctx, dispatchID)
	if errors.Is(err, models.ErrNotFound) {
		return models.DispatchEntry{}, fmt.Errorf("dispatch %s: %w", dispatchID, models.ErrLeaseNotFound)
	}
	if err != nil {
		return models.DispatchEntry{}, err
	}
	if !entry.HoldsToken(token) {
		telemetry.Settlements.WithLabelValues("lease_not_found").Inc()
		return models.DispatchEntry{}, fmt.Errorf("dispatch %s: %w", dispatchID, models.ErrLeaseNotFound)
	}
	return entry, nil
}

// settleJob applies transition to the job unless it is already terminal, in
// which case the existing outcome stands. changed reports whether it ran.
func (m *Manager) settleJob(ctx context.Context, entry models.DispatchEntry,
	transition func(context.Context, store.Tx, *models.Job) error) (models.Job, bool, error) {
	ts, release, err := m.resolver.Bind(ctx, entry.TenantID)
	if err != nil {
		return models.Job{}, false, err
	}
	defer release()

	var (
		job     models.Job
		changed bool
	)
	err = ts.InTx(ctx, func(tx store.Tx) error {
		current, err := tx.LockJob(ctx, entry.TenantJobID)
		if err != nil {
			return err
		}
		job = current
		if current.Terminal() {
			return nil
		}
		if err := transition(ctx, tx, &job); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return job, changed, err
}

// finish mirrors the job's terminal status onto the dispatch entry and
// publishes the settlement when this call made it.
func (m *Manager) finish(ctx context.Context, entry models.DispatchEntry, job models.Job, changed bool) {
	status := models.DispatchFailed
	if job.Status == models.JobCompleted {
		status = models.DispatchCompleted
	}
	outcome := job.Status
	if !changed {
		outcome = "duplicate"
	}
	telemetry.Settlements.WithLabelValues(outcome).Inc()

	logger := m.logger.With("tenant_id", entry.TenantID, "job_id", job.ID, "dispatch_id", entry.ID)
	if err := m.registry.Settle(ctx, entry.ID, *entry.LeaseToken, status, job.ErrorMessage, m.now()); err != nil {
		// The job is settled; a later poll of this entry absorbs it as stale.
		logger.Warn("settle dispatch", "status", status, "error", err)
	}
	if !changed {
		logger.Info("settlement already applied", "job_status", job.Status)
		return
	}
	logger.Info("job settled", "status", job.Status, "consumed_tokens", job.ConsumedTokens)

	evt := events.Settlement{
		TenantID:       job.TenantID,
		JobID:          job.ID,
		DispatchID:     entry.ID,
		Status:         job.Status,
		ConsumedTokens: job.ConsumedTokens,
		SettledAt:      m.now(),
	}
	if job.ErrorMessage != nil {
		evt.ErrorMessage = *job.ErrorMessage
	}
	if err := m.publisher.PublishSettlement(ctx, evt); err != nil {
		logger.Warn("publish settlement", "error", err)
	}
}
