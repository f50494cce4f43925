package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"render-dispatcher/internal/models"
	"render-dispatcher/internal/store"
)

func newTenant(t *testing.T, balance int64) *store.MemoryTenantStore {
	t.Helper()
	ts := store.NewMemoryResolver().Tenant("acme")
	ts.SeedWallet(balance)
	return ts
}

func fixedLedger() *Ledger {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	return WithClock(func() time.Time { return now })
}

// reserveJob inserts a job and reserves amount for it.
func reserveJob(t *testing.T, ts *store.MemoryTenantStore, l *Ledger, id string, amount int64) (models.Job, error) {
	t.Helper()
	job := models.Job{ID: id, IdempotencyKey: id, Status: models.JobQueued, RequestedTokens: amount}
	err := ts.InTx(context.Background(), func(tx store.Tx) error {
		if err := tx.InsertJob(context.Background(), job); err != nil {
			return err
		}
		return l.Reserve(context.Background(), tx, &job, amount, nil)
	})
	return job, err
}

func apply(t *testing.T, ts *store.MemoryTenantStore, id string, fn func(tx store.Tx, job *models.Job) error) models.Job {
	t.Helper()
	var out models.Job
	err := ts.InTx(context.Background(), func(tx store.Tx) error {
		job, err := tx.LockJob(context.Background(), id)
		if err != nil {
			return err
		}
		if err := fn(tx, &job); err != nil {
			return err
		}
		out = job
		return nil
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	return out
}

func walletBalance(t *testing.T, ts *store.MemoryTenantStore) int64 {
	t.Helper()
	w, err := ts.GetWallet(context.Background())
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	return w.Balance
}

func TestReserveInsufficientBalanceLeavesNoState(t *testing.T) {
	ts := newTenant(t, 3)
	_, err := reserveJob(t, ts, fixedLedger(), "j1", 4)
	if !errors.Is(err, models.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance got %v", err)
	}
	if got := walletBalance(t, ts); got != 3 {
		t.Fatalf("balance changed to %d", got)
	}
	if _, err := ts.GetJob(context.Background(), "j1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("job should have been rolled back, got %v", err)
	}
	if entries, _ := ts.ListLedgerEntries(context.Background(), "j1"); len(entries) != 0 {
		t.Fatalf("ledger should be empty, got %+v", entries)
	}
}

func TestReserveRejectsNegativeAmount(t *testing.T) {
	ts := newTenant(t, 10)
	if _, err := reserveJob(t, ts, fixedLedger(), "j1", -1); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error got %v", err)
	}
}

func TestConsumeIsIdempotent(t *testing.T) {
	ts := newTenant(t, 10)
	l := fixedLedger()
	if _, err := reserveJob(t, ts, l, "j1", 4); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	consume := func(tx store.Tx, job *models.Job) error { return l.Consume(context.Background(), tx, job, nil) }
	apply(t, ts, "j1", consume)
	job := apply(t, ts, "j1", consume)

	if job.ConsumedTokens != 4 || job.ReservedTokens != 4 {
		t.Fatalf("unexpected tokens %+v", job)
	}
	if got := walletBalance(t, ts); got != 6 {
		t.Fatalf("consume must not touch the balance, got %d", got)
	}
	// A refund after consumption has nothing to return.
	job = apply(t, ts, "j1", func(tx store.Tx, job *models.Job) error { return l.Refund(context.Background(), tx, job, nil) })
	if got := walletBalance(t, ts); got != 6 || job.ReservedTokens != 4 {
		t.Fatalf("refund after consume moved funds: balance=%d job=%+v", got, job)
	}

	entries, _ := ts.ListLedgerEntries(context.Background(), "j1")
	if len(entries) != 2 {
		t.Fatalf("expected reserve and consume only, got %+v", entries)
	}
	if entries[0].Type != models.EntryReserve || entries[0].Amount != -4 || entries[0].BalanceAfter != 6 {
		t.Fatalf("unexpected reserve entry %+v", entries[0])
	}
	if entries[1].Type != models.EntryConsume || entries[1].Amount != 4 || entries[1].BalanceAfter != 6 {
		t.Fatalf("unexpected consume entry %+v", entries[1])
	}
}

func TestRefundReturnsOutstandingOnce(t *testing.T) {
	ts := newTenant(t, 10)
	l := fixedLedger()
	if _, err := reserveJob(t, ts, l, "j1", 4); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	refund := func(tx store.Tx, job *models.Job) error { return l.Refund(context.Background(), tx, job, nil) }
	apply(t, ts, "j1", refund)
	job := apply(t, ts, "j1", refund)

	if got := walletBalance(t, ts); got != 10 {
		t.Fatalf("expected full refund to 10 got %d", got)
	}
	if job.ReservedTokens != 0 || job.ConsumedTokens != 0 {
		t.Fatalf("unexpected tokens %+v", job)
	}
	// Consume after refund has nothing outstanding to consume.
	job = apply(t, ts, "j1", func(tx store.Tx, job *models.Job) error { return l.Consume(context.Background(), tx, job, nil) })
	if job.ConsumedTokens != 0 {
		t.Fatalf("consume after refund consumed %d", job.ConsumedTokens)
	}

	entries, _ := ts.ListLedgerEntries(context.Background(), "j1")
	var sum int64
	for _, e := range entries {
		if e.Type != models.EntryConsume {
			sum += e.Amount
		}
	}
	if len(entries) != 2 || sum != 0 {
		t.Fatalf("expected reserve and refund netting to zero, got %+v", entries)
	}
}

func TestConservationAcrossJobs(t *testing.T) {
	ts := newTenant(t, 20)
	l := fixedLedger()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := reserveJob(t, ts, l, id, 5); err != nil {
			t.Fatalf("reserve %s: %v", id, err)
		}
	}
	if _, err := reserveJob(t, ts, l, "d", 6); !errors.Is(err, models.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance for d, got %v", err)
	}
	apply(t, ts, "a", func(tx store.Tx, job *models.Job) error { return l.Consume(context.Background(), tx, job, nil) })
	apply(t, ts, "b", func(tx store.Tx, job *models.Job) error { return l.Refund(context.Background(), tx, job, nil) })

	// 20 - 5 consumed (a) - 5 held (c) = 10
	if got := walletBalance(t, ts); got != 10 {
		t.Fatalf("expected 10 got %d", got)
	}
}

func TestCreditFundsWallet(t *testing.T) {
	ts := newTenant(t, 0)
	l := fixedLedger()
	if _, err := reserveJob(t, ts, l, "a", 5); !errors.Is(err, models.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance before credit, got %v", err)
	}

	var wallet models.Wallet
	err := ts.InTx(context.Background(), func(tx store.Tx) error {
		var err error
		wallet, err = l.Credit(context.Background(), tx, 8, map[string]any{"reference": "invoice-1"})
		return err
	})
	if err != nil || wallet.Balance != 8 {
		t.Fatalf("credit: balance %d err %v", wallet.Balance, err)
	}
	if _, err := reserveJob(t, ts, l, "a", 5); err != nil {
		t.Fatalf("reserve after credit: %v", err)
	}
	if got := walletBalance(t, ts); got != 3 {
		t.Fatalf("expected 3 got %d", got)
	}

	entries, _ := ts.ListLedgerEntries(context.Background(), "")
	if len(entries) != 1 || entries[0].Type != models.EntryCredit || entries[0].Amount != 8 || entries[0].BalanceAfter != 8 {
		t.Fatalf("unexpected credit entries %+v", entries)
	}
}

func TestCreditRejectsNonPositive(t *testing.T) {
	ts := newTenant(t, 4)
	l := fixedLedger()
	for _, amount := range []int64{0, -3} {
		err := ts.InTx(context.Background(), func(tx store.Tx) error {
			_, err := l.Credit(context.Background(), tx, amount, nil)
			return err
		})
		if !errors.Is(err, models.ErrValidation) {
			t.Fatalf("amount %d: expected validation error, got %v", amount, err)
		}
	}
	if got := walletBalance(t, ts); got != 4 {
		t.Fatalf("expected untouched balance 4 got %d", got)
	}
}
