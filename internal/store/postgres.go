package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"render-dispatcher/internal/models"
)

const uniqueViolation = "23505"

// Connect creates a pooled connection to Postgres.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// PostgresTenantStore keeps one tenant's tables in a dedicated schema.
type PostgresTenantStore struct {
	pool     *pgxpool.Pool
	tenantID string
	schema   string
}

func newPostgresTenantStore(pool *pgxpool.Pool, tenantID, schema string) *PostgresTenantStore {
	return &PostgresTenantStore{pool: pool, tenantID: tenantID, schema: schema}
}

func (s *PostgresTenantStore) TenantID() string { return s.tenantID }

func (s *PostgresTenantStore) table(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

// InTx runs fn in a read-committed transaction; row locks are taken explicitly.
func (s *PostgresTenantStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if err := fn(&postgresTx{tx: tx, store: s}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresTenantStore) jobColumns() string {
	return `id, user_id, effect_id, provider, status, idempotency_key, priority, payload,
		requested_tokens, reserved_tokens, consumed_tokens, input_file_id, output_file_id,
		output_metadata, error_message, started_at, completed_at, created_at, updated_at`
}

// GetJob fetches a job by id.
func (s *PostgresTenantStore) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, s.jobColumns(), s.table("jobs")), id)
	return s.scanJob(row)
}

// FindJobByIdempotencyKey returns the job created with key, if any.
func (s *PostgresTenantStore) FindJobByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE idempotency_key = $1`, s.jobColumns(), s.table("jobs")), key)
	job, err := s.scanJob(row)
	if errors.Is(err, models.ErrNotFound) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// GetFile fetches a file record by id.
func (s *PostgresTenantStore) GetFile(ctx context.Context, id string) (models.File, error) {
	var f models.File
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT id, owner_id, disk, path, mime_type, size, created_at FROM %s WHERE id = $1
	`, s.table("files")), id).Scan(&f.ID, &f.OwnerID, &f.Disk, &f.Path, &f.MimeType, &f.Size, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.File{}, fmt.Errorf("file %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.File{}, fmt.Errorf("scan file: %w", err)
	}
	return f, nil
}

// GetWallet returns the tenant wallet, or a zero balance if it was never created.
func (s *PostgresTenantStore) GetWallet(ctx context.Context) (models.Wallet, error) {
	w := models.Wallet{TenantID: s.tenantID}
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT balance, updated_at FROM %s WHERE tenant_id = $1`, s.table("wallets")), s.tenantID).
		Scan(&w.Balance, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return w, nil
	}
	if err != nil {
		return models.Wallet{}, fmt.Errorf("scan wallet: %w", err)
	}
	return w, nil
}

// ListLedgerEntries returns a job's ledger entries in insertion order.
func (s *PostgresTenantStore) ListLedgerEntries(ctx context.Context, jobID string) ([]models.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, job_id, type, amount, balance_after, metadata, created_at
		FROM %s WHERE job_id = $1 ORDER BY seq ASC
	`, s.table("ledger_entries")), jobID)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	var out []models.LedgerEntry
	for rows.Next() {
		e := models.LedgerEntry{TenantID: s.tenantID}
		var meta []byte
		if err := rows.Scan(&e.ID, &e.JobID, &e.Type, &e.Amount, &e.BalanceAfter, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal ledger metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresTenantStore) scanJob(row pgx.Row) (models.Job, error) {
	job := models.Job{TenantID: s.tenantID}
	var payload, outputMeta []byte
	var outputFile, errMsg pgtype.Text
	var startedAt, completedAt pgtype.Timestamptz

	if err := row.Scan(&job.ID, &job.UserID, &job.EffectID, &job.Provider, &job.Status, &job.IdempotencyKey,
		&job.Priority, &payload, &job.RequestedTokens, &job.ReservedTokens, &job.ConsumedTokens,
		&job.InputFileID, &outputFile, &outputMeta, &errMsg, &startedAt, &completedAt,
		&job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job: %w", models.ErrNotFound)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if len(outputMeta) > 0 {
		if err := json.Unmarshal(outputMeta, &job.OutputMetadata); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal output metadata: %w", err)
		}
	}
	job.OutputFileID = textPtr(outputFile)
	job.ErrorMessage = textPtr(errMsg)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	return job, nil
}

type postgresTx struct {
	tx    pgx.Tx
	store *PostgresTenantStore
}

func (t *postgresTx) InsertJob(ctx context.Context, job models.Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	// A unique violation aborts the transaction; callers roll back and re-fetch.
	_, err = t.tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, user_id, effect_id, provider, status, idempotency_key, priority, payload,
			requested_tokens, reserved_tokens, consumed_tokens, input_file_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`, t.store.table("jobs")), job.ID, job.UserID, job.EffectID, job.Provider, job.Status, job.IdempotencyKey,
		job.Priority, payload, job.RequestedTokens, job.ReservedTokens, job.ConsumedTokens, job.InputFileID, job.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("job %s: %w", job.IdempotencyKey, models.ErrDuplicateIdempotencyKey)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (t *postgresTx) LockJob(ctx context.Context, id string) (models.Job, error) {
	row := t.tx.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, t.store.jobColumns(), t.store.table("jobs")), id)
	return t.store.scanJob(row)
}

func (t *postgresTx) UpdateJob(ctx context.Context, job models.Job) error {
	var outputMeta []byte
	if job.OutputMetadata != nil {
		raw, err := json.Marshal(job.OutputMetadata)
		if err != nil {
			return fmt.Errorf("marshal output metadata: %w", err)
		}
		outputMeta = raw
	}
	tag, err := t.tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = $2, reserved_tokens = $3, consumed_tokens = $4, output_file_id = $5,
			output_metadata = $6, error_message = $7, started_at = $8, completed_at = $9, updated_at = $10
		WHERE id = $1
	`, t.store.table("jobs")), job.ID, job.Status, job.ReservedTokens, job.ConsumedTokens, job.OutputFileID,
		outputMeta, job.ErrorMessage, job.StartedAt, job.CompletedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", job.ID, models.ErrNotFound)
	}
	return nil
}

func (t *postgresTx) LockWallet(ctx context.Context) (models.Wallet, error) {
	if _, err := t.tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (tenant_id, balance, updated_at) VALUES ($1, 0, NOW())
		ON CONFLICT (tenant_id) DO NOTHING
	`, t.store.table("wallets")), t.store.tenantID); err != nil {
		return models.Wallet{}, fmt.Errorf("create wallet: %w", err)
	}
	w := models.Wallet{TenantID: t.store.tenantID}
	if err := t.tx.QueryRow(ctx, fmt.Sprintf(`SELECT balance, updated_at FROM %s WHERE tenant_id = $1 FOR UPDATE`, t.store.table("wallets")), t.store.tenantID).
		Scan(&w.Balance, &w.UpdatedAt); err != nil {
		return models.Wallet{}, fmt.Errorf("lock wallet: %w", err)
	}
	return w, nil
}

func (t *postgresTx) UpdateWallet(ctx context.Context, wallet models.Wallet) error {
	if wallet.Balance < 0 {
		return fmt.Errorf("wallet balance would go negative: %w", models.ErrInsufficientBalance)
	}
	_, err := t.tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET balance = $2, updated_at = $3 WHERE tenant_id = $1`, t.store.table("wallets")),
		t.store.tenantID, wallet.Balance, wallet.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update wallet: %w", err)
	}
	return nil
}

func (t *postgresTx) AppendLedgerEntry(ctx context.Context, e models.LedgerEntry) error {
	var meta []byte
	if e.Metadata != nil {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal ledger metadata: %w", err)
		}
		meta = raw
	}
	_, err := t.tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, job_id, type, amount, balance_after, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.store.table("ledger_entries")), e.ID, e.JobID, e.Type, e.Amount, e.BalanceAfter, meta, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (t *postgresTx) InsertFile(ctx context.Context, f models.File) error {
	_, err := t.tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, owner_id, disk, path, mime_type, size, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.store.table("files")), f.ID, f.OwnerID, f.Disk, f.Path, f.MimeType, f.Size, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
