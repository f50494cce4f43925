// Package store holds the tenant-scoped data: jobs, wallet, ledger and files.
package store

import (
	"context"

	"render-dispatcher/internal/models"
)

// Resolver binds a tenant identifier to that tenant's isolated store. The
// returned release func must be called once the caller is done with it.
type Resolver interface {
	Bind(ctx context.Context, tenantID string) (TenantStore, func(), error)
}

// TenantStore is one tenant's Job Store, wallet, ledger and file registry.
type TenantStore interface {
	TenantID() string
	// InTx runs fn inside a single tenant transaction. Read methods on the
	// TenantStore must not be called from within fn.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	FindJobByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error)
	GetFile(ctx context.Context, id string) (models.File, error)
	GetWallet(ctx context.Context) (models.Wallet, error)
	ListLedgerEntries(ctx context.Context, jobID string) ([]models.LedgerEntry, error)
}

// Tx is the ambient tenant transaction used by the gateway, lease manager and ledger.
type Tx interface {
	// InsertJob returns models.ErrDuplicateIdempotencyKey when the key is taken.
	InsertJob(ctx context.Context, job models.Job) error
	LockJob(ctx context.Context, id string) (models.Job, error)
	UpdateJob(ctx context.Context, job models.Job) error
	// LockWallet creates the wallet with a zero balance on first access.
	LockWallet(ctx context.Context) (models.Wallet, error)
	UpdateWallet(ctx context.Context, wallet models.Wallet) error
	AppendLedgerEntry(ctx context.Context, entry models.LedgerEntry) error
	InsertFile(ctx context.Context, file models.File) error
}
