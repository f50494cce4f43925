// Package ledger moves tokens between a tenant wallet and a job's reservation.
//
// Every operation runs inside the caller's tenant transaction so the wallet,
// the ledger entry and the job's token columns change together.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"render-dispatcher/internal/models"
	"render-dispatcher/internal/store"
	"render-dispatcher/internal/telemetry"
)

// Ledger applies reserve, consume and refund against a tenant transaction.
type Ledger struct {
	now func() time.Time
}

// New returns a ledger using the wall clock.
func New() *Ledger {
	return &Ledger{now: func() time.Time { return time.Now().UTC() }}
}

// WithClock returns a ledger stamping entries with now.
func WithClock(now func() time.Time) *Ledger {
	return &Ledger{now: now}
}

// Reserve debits amount from the wallet and holds it against job. The job row
// must already exist in tx.
func (l *Ledger) Reserve(ctx context.Context, tx store.Tx, job *models.Job, amount int64, meta map[string]any) error {
	if amount < 0 {
		return fmt.Errorf("reserve negative amount %d: %w", amount, models.ErrValidation)
	}
	wallet, err := tx.LockWallet(ctx)
	if err != nil {
		return err
	}
	if wallet.Balance < amount {
		return fmt.Errorf("balance %d below cost %d: %w", wallet.Balance, amount, models.ErrInsufficientBalance)
	}

	now := l.now()
	wallet.Balance -= amount
	wallet.UpdatedAt = now
	if err := tx.UpdateWallet(ctx, wallet); err != nil {
		return err
	}

	job.ReservedTokens = amount
	job.UpdatedAt = now
	if err := tx.UpdateJob(ctx, *job); err != nil {
		return err
	}
	if err := l.append(ctx, tx, job.ID, models.EntryReserve, -amount, wallet.Balance, meta); err != nil {
		return err
	}
	telemetry.TokensReserved.Add(float64(amount))
	return nil
}

// Consume settles the whole outstanding hold as spent. It is a no-op once
// consumed equals reserved, including after a refund.
func (l *Ledger) Consume(ctx context.Context, tx store.Tx, job *models.Job, meta map[string]any) error {
	outstanding := job.OutstandingTokens()
	if outstanding <= 0 {
		return nil
	}
	wallet, err := tx.LockWallet(ctx)
	if err != nil {
		return err
	}

	job.ConsumedTokens = job.ReservedTokens
	job.UpdatedAt = l.now()
	if err := tx.UpdateJob(ctx, *job); err != nil {
		return err
	}
	if err := l.append(ctx, tx, job.ID, models.EntryConsume, outstanding, wallet.Balance, meta); err != nil {
		return err
	}
	telemetry.TokensConsumed.Add(float64(outstanding))
	return nil
}

// Refund returns the unconsumed part of the hold to the wallet and shrinks the
// reservation to what was consumed. It is a no-op when nothing is outstanding.
func (l *Ledger) Refund(ctx context.Context, tx store.Tx, job *models.Job, meta map[string]any) error {
	outstanding := job.OutstandingTokens()
	if outstanding <= 0 {
		return nil
	}
	wallet, err := tx.LockWallet(ctx)
	if err != nil {
		return err
	}

	now := l.now()
	wallet.Balance += outstanding
	wallet.UpdatedAt = now
	if err := tx.UpdateWallet(ctx, wallet); err != nil {
		return err
	}

	job.ReservedTokens = job.ConsumedTokens
	job.UpdatedAt = now
	if err := tx.UpdateJob(ctx, *job); err != nil {
		return err
	}
	if err := l.append(ctx, tx, job.ID, models.EntryRefund, outstanding, wallet.Balance, meta); err != nil {
		return err
	}
	telemetry.TokensRefunded.Add(float64(outstanding))
	return nil
}

// Credit adds amount to the wallet outside any job and returns the new wallet.
func (l *Ledger) Credit(ctx context.Context, tx store.Tx, amount int64, meta map[string]any) (models.Wallet, error) {
	if amount <= 0 {
		return models.Wallet{}, fmt.Errorf("credit amount %d must be positive: %w", amount, models.ErrValidation)
	}
	wallet, err := tx.LockWallet(ctx)
	if err != nil {
		return models.Wallet{}, err
	}
	wallet.Balance += amount
	wallet.UpdatedAt = l.now()
	if err := tx.UpdateWallet(ctx, wallet); err != nil {
		return models.Wallet{}, err
	}
	if err := l.append(ctx, tx, "", models.EntryCredit, amount, wallet.Balance, meta); err != nil {
		return models.Wallet{}, err
	}
	telemetry.TokensCredited.Add(float64(amount))
	return wallet, nil
}

func (l *Ledger) append(ctx context.Context, tx store.Tx, jobID, kind string, amount, balanceAfter int64, meta map[string]any) error {
	return tx.AppendLedgerEntry(ctx, models.LedgerEntry{
		ID:           uuid.New().String(),
		JobID:        jobID,
		Type:         kind,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Metadata:     meta,
		CreatedAt:    l.now(),
	})
}
