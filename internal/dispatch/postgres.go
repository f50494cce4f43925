package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"render-dispatcher/internal/models"
)

// PostgresRegistry keeps dispatch entries and workers in the central database.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

// NewPostgresRegistry builds a registry on the central pool.
func NewPostgresRegistry(pool *pgxpool.Pool) *PostgresRegistry {
	return &PostgresRegistry{pool: pool}
}

const dispatchColumns = `id, tenant_id, tenant_job_id, provider, status, priority, attempts, worker_id,
	lease_token, lease_expires_at, last_error, created_at, updated_at`

// CreateIfAbsent relies on the (tenant_id, tenant_job_id) unique constraint.
func (r *PostgresRegistry) CreateIfAbsent(ctx context.Context, e models.DispatchEntry) (models.DispatchEntry, bool, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = models.DispatchQueued
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO dispatches (id, tenant_id, tenant_job_id, provider, status, priority, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)
		ON CONFLICT (tenant_id, tenant_job_id) DO NOTHING
	`, e.ID, e.TenantID, e.TenantJobID, e.Provider, e.Status, e.Priority, e.CreatedAt)
	if err != nil {
		return models.DispatchEntry{}, false, fmt.Errorf("insert dispatch: %w", err)
	}
	stored, found, err := r.FindByJob(ctx, e.TenantID, e.TenantJobID)
	if err != nil {
		return models.DispatchEntry{}, false, err
	}
	if !found {
		return models.DispatchEntry{}, false, errors.New("dispatch conflict but no existing entry found")
	}
	return stored, tag.RowsAffected() == 1, nil
}

// FindByJob returns the entry registered for a tenant job, if any.
func (r *PostgresRegistry) FindByJob(ctx context.Context, tenantID, jobID string) (models.DispatchEntry, bool, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+dispatchColumns+` FROM dispatches WHERE tenant_id = $1 AND tenant_job_id = $2`, tenantID, jobID)
	e, err := scanDispatch(row)
	if errors.Is(err, models.ErrNotFound) {
		return models.DispatchEntry{}, false, nil
	}
	if err != nil {
		return models.DispatchEntry{}, false, err
	}
	return e, true, nil
}

// Get returns the entry with id or models.ErrNotFound.
func (r *PostgresRegistry) Get(ctx context.Context, id string) (models.DispatchEntry, error) {
	return scanDispatch(r.pool.QueryRow(ctx, `SELECT `+dispatchColumns+` FROM dispatches WHERE id = $1`, id))
}

// Lease selects and marks one entry under a row lock. SKIP LOCKED lets
// concurrent pollers move on to the next candidate instead of queueing.
func (r *PostgresRegistry) Lease(ctx context.Context, req LeaseRequest) (models.DispatchEntry, bool, error) {
	providers := req.Providers
	if providers == nil {
		providers = []string{}
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.DispatchEntry{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var id string
	err = tx.QueryRow(ctx, `
		SELECT id FROM dispatches
		WHERE (cardinality($1::text[]) = 0 OR provider = ANY($1::text[]))
		  AND attempts < $2
		  AND (status = $3 OR (status = $4 AND lease_expires_at <= $5))
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, providers, req.MaxAttempts, models.DispatchQueued, models.DispatchLeased, req.Now).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DispatchEntry{}, false, nil
	}
	if err != nil {
		return models.DispatchEntry{}, false, fmt.Errorf("select eligible dispatch: %w", err)
	}

	row := tx.QueryRow(ctx, `
		UPDATE dispatches
		SET status = $2, worker_id = $3, lease_token = $4, lease_expires_at = $5, attempts = attempts + 1, updated_at = $6
		WHERE id = $1
		RETURNING `+dispatchColumns,
		id, models.DispatchLeased, req.WorkerID, uuid.New().String(), req.Now.Add(req.TTL), req.Now)
	e, err := scanDispatch(row)
	if err != nil {
		return models.DispatchEntry{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.DispatchEntry{}, false, fmt.Errorf("commit: %w", err)
	}
	return e, true, nil
}

// Heartbeat extends a leased entry held with token. GREATEST keeps an early
// heartbeat from shortening the lease.
func (r *PostgresRegistry) Heartbeat(ctx context.Context, id, token string, now time.Time, ttl time.Duration) (time.Time, error) {
	var expires time.Time
	err := r.pool.QueryRow(ctx, `
		UPDATE dispatches
		SET lease_expires_at = GREATEST(COALESCE(lease_expires_at, $3), $3), updated_at = $4
		WHERE id = $1 AND lease_token = $2 AND status = $5
		RETURNING lease_expires_at
	`, id, token, now.Add(ttl), now, models.DispatchLeased).Scan(&expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, fmt.Errorf("dispatch %s: %w", id, models.ErrLeaseNotFound)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("heartbeat: %w", err)
	}
	return expires, nil
}

// Settle marks the entry terminal when token still holds it.
func (r *PostgresRegistry) Settle(ctx context.Context, id, token, status string, lastError *string, now time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE dispatches SET status = $3, last_error = $4, updated_at = $5
		WHERE id = $1 AND lease_token = $2
	`, id, token, status, lastError, now)
	if err != nil {
		return fmt.Errorf("settle dispatch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dispatch %s: %w", id, models.ErrLeaseNotFound)
	}
	return nil
}

// ListExhausted returns up to limit expired leases that used every attempt.
func (r *PostgresRegistry) ListExhausted(ctx context.Context, now time.Time, maxAttempts, limit int) ([]models.DispatchEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+dispatchColumns+` FROM dispatches
		WHERE status = $1 AND lease_expires_at <= $2 AND attempts >= $3
		ORDER BY created_at ASC
		LIMIT $4
	`, models.DispatchLeased, now, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("query exhausted dispatches: %w", err)
	}
	defer rows.Close()

	var out []models.DispatchEntry
	for rows.Next() {
		e, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertWorker records the poll and returns the stored worker, keeping operator
// approval and draining flags.
func (r *PostgresRegistry) UpsertWorker(ctx context.Context, w models.WorkerRecord, autoApprove bool) (models.WorkerRecord, error) {
	caps, err := json.Marshal(w.Capabilities)
	if err != nil {
		return models.WorkerRecord{}, fmt.Errorf("marshal capabilities: %w", err)
	}
	err = r.pool.QueryRow(ctx, `
		INSERT INTO workers (worker_id, display_name, capabilities, max_concurrency, current_load, is_approved, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (worker_id) DO UPDATE
		SET display_name = EXCLUDED.display_name, capabilities = EXCLUDED.capabilities,
			max_concurrency = EXCLUDED.max_concurrency, current_load = EXCLUDED.current_load,
			last_seen_at = EXCLUDED.last_seen_at
		RETURNING is_approved, is_draining
	`, w.WorkerID, w.DisplayName, caps, w.MaxConcurrency, w.CurrentLoad, autoApprove, w.LastSeenAt).Scan(&w.IsApproved, &w.IsDraining)
	if err != nil {
		return models.WorkerRecord{}, fmt.Errorf("upsert worker: %w", err)
	}
	return w, nil
}

func scanDispatch(row pgx.Row) (models.DispatchEntry, error) {
	var e models.DispatchEntry
	var worker, token, lastErr pgtype.Text
	var expires pgtype.Timestamptz
	if err := row.Scan(&e.ID, &e.TenantID, &e.TenantJobID, &e.Provider, &e.Status, &e.Priority, &e.Attempts,
		&worker, &token, &expires, &lastErr, &e.CreatedAt, &e.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.DispatchEntry{}, fmt.Errorf("dispatch: %w", models.ErrNotFound)
		}
		return models.DispatchEntry{}, fmt.Errorf("scan dispatch: %w", err)
	}
	e.WorkerID = textPtr(worker)
	e.LeaseToken = textPtr(token)
	e.LastError = textPtr(lastErr)
	if expires.Valid {
		t := expires.Time
		e.LeaseExpiresAt = &t
	}
	return e, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
