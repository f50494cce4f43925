package store

import (
	"context"
	"errors"
	"testing"

	"render-dispatcher/internal/models"
)

func TestMemoryTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	ts := NewMemoryResolver().Tenant("acme")
	ts.SeedWallet(5)

	boom := errors.New("boom")
	err := ts.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertJob(ctx, models.Job{ID: "j1", IdempotencyKey: "k1"}); err != nil {
			return err
		}
		w, _ := tx.LockWallet(ctx)
		w.Balance = 1
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := ts.GetJob(ctx, "j1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("job survived rollback: %v", err)
	}
	if w, _ := ts.GetWallet(ctx); w.Balance != 5 {
		t.Fatalf("wallet survived rollback: %d", w.Balance)
	}
}

func TestMemoryDuplicateIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	ts := NewMemoryResolver().Tenant("acme")
	insert := func(id string) error {
		return ts.InTx(ctx, func(tx Tx) error {
			return tx.InsertJob(ctx, models.Job{ID: id, IdempotencyKey: "same"})
		})
	}
	if err := insert("j1"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := insert("j2"); !errors.Is(err, models.ErrDuplicateIdempotencyKey) {
		t.Fatalf("expected duplicate key, got %v", err)
	}
	job, found, err := ts.FindJobByIdempotencyKey(ctx, "same")
	if err != nil || !found || job.ID != "j1" || job.TenantID != "acme" {
		t.Fatalf("unexpected lookup %+v found=%v err=%v", job, found, err)
	}
}

func TestMemoryWalletNeverNegative(t *testing.T) {
	ctx := context.Background()
	ts := NewMemoryResolver().Tenant("acme")
	err := ts.InTx(ctx, func(tx Tx) error {
		w, err := tx.LockWallet(ctx)
		if err != nil {
			return err
		}
		w.Balance = -1
		return tx.UpdateWallet(ctx, w)
	})
	if !errors.Is(err, models.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
}

func TestResolverRejectsBadTenantIDs(t *testing.T) {
	r := NewMemoryResolver()
	for _, id := range []string{"", "a b", "../x", "tenant;drop"} {
		if _, _, err := r.Bind(context.Background(), id); !errors.Is(err, models.ErrValidation) {
			t.Fatalf("tenant %q: expected validation error, got %v", id, err)
		}
	}
	if _, release, err := r.Bind(context.Background(), "acme-01"); err != nil {
		t.Fatalf("valid tenant: %v", err)
	} else {
		release()
	}
}

func TestMemoryTxRefusesDoneContext(t *testing.T) {
	ts := NewMemoryResolver().Tenant("acme")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := ts.InTx(ctx, func(Tx) error {
		ran = true
		return nil
	})
	if !errors.Is(err, context.Canceled) || ran {
		t.Fatalf("expected canceled without running, got %v ran=%v", err, ran)
	}
}
