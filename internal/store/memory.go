package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"render-dispatcher/internal/models"
)

// MemoryResolver keeps every tenant in process memory. It backs tests and
// single-process development runs.
type MemoryResolver struct {
	mu      sync.Mutex
	tenants map[string]*MemoryTenantStore
}

func NewMemoryResolver() *MemoryResolver {
	return &MemoryResolver{tenants: make(map[string]*MemoryTenantStore)}
}

// Bind returns the tenant's store, creating it on first use.
func (r *MemoryResolver) Bind(_ context.Context, tenantID string) (TenantStore, func(), error) {
	if !ValidTenantID(tenantID) {
		return nil, nil, fmt.Errorf("tenant id %q: %w", tenantID, models.ErrValidation)
	}
	return r.Tenant(tenantID), func() {}, nil
}

// Tenant returns the concrete store for seeding and inspection.
func (r *MemoryResolver) Tenant(tenantID string) *MemoryTenantStore {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.tenants[tenantID]
	if !ok {
		s = newMemoryTenantStore(tenantID)
		r.tenants[tenantID] = s
	}
	return s
}

type memoryState struct {
	jobs    map[string]models.Job
	byKey   map[string]string
	files   map[string]models.File
	wallet  *models.Wallet
	entries []models.LedgerEntry
}

func (st memoryState) clone() memoryState {
	out := memoryState{
		jobs:    make(map[string]models.Job, len(st.jobs)),
		byKey:   make(map[string]string, len(st.byKey)),
		files:   make(map[string]models.File, len(st.files)),
		entries: append([]models.LedgerEntry(nil), st.entries...),
	}
	for k, v := range st.jobs {
		out.jobs[k] = v
	}
	for k, v := range st.byKey {
		out.byKey[k] = v
	}
	for k, v := range st.files {
		out.files[k] = v
	}
	if st.wallet != nil {
		w := *st.wallet
		out.wallet = &w
	}
	return out
}

// MemoryTenantStore serializes transactions behind one mutex and rolls back
// by restoring a snapshot.
type MemoryTenantStore struct {
	tenantID string
	mu       sync.Mutex
	state    memoryState
}

func newMemoryTenantStore(tenantID string) *MemoryTenantStore {
	return &MemoryTenantStore{
		tenantID: tenantID,
		state: memoryState{
			jobs:  make(map[string]models.Job),
			byKey: make(map[string]string),
			files: make(map[string]models.File),
		},
	}
}

func (s *MemoryTenantStore) TenantID() string { return s.tenantID }

// SeedWallet sets the wallet balance directly.
func (s *MemoryTenantStore) SeedWallet(balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.wallet = &models.Wallet{TenantID: s.tenantID, Balance: balance, UpdatedAt: time.Now().UTC()}
}

// SeedFile registers a file record directly.
func (s *MemoryTenantStore) SeedFile(f models.File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.files[f.ID] = f
}

func (s *MemoryTenantStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	// Like pgx, a done context never starts a transaction.
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.state.clone()
	if err := fn(&memoryTx{s: s}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

func (s *MemoryTenantStore) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.state.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return job, nil
}

func (s *MemoryTenantStore) FindJobByIdempotencyKey(_ context.Context, key string) (models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.state.byKey[key]
	if !ok {
		return models.Job{}, false, nil
	}
	return s.state.jobs[id], true, nil
}

func (s *MemoryTenantStore) GetFile(_ context.Context, id string) (models.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.state.files[id]
	if !ok {
		return models.File{}, fmt.Errorf("file %s: %w", id, models.ErrNotFound)
	}
	return f, nil
}

func (s *MemoryTenantStore) GetWallet(_ context.Context) (models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.wallet == nil {
		return models.Wallet{TenantID: s.tenantID}, nil
	}
	return *s.state.wallet, nil
}

func (s *MemoryTenantStore) ListLedgerEntries(_ context.Context, jobID string) ([]models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range s.state.entries {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out, nil
}

type memoryTx struct {
	s *MemoryTenantStore
}

func (t *memoryTx) InsertJob(_ context.Context, job models.Job) error {
	st := &t.s.state
	if _, taken := st.byKey[job.IdempotencyKey]; taken {
		return fmt.Errorf("job %s: %w", job.IdempotencyKey, models.ErrDuplicateIdempotencyKey)
	}
	job.TenantID = t.s.tenantID
	job.UpdatedAt = job.CreatedAt
	st.jobs[job.ID] = job
	st.byKey[job.IdempotencyKey] = job.ID
	return nil
}

func (t *memoryTx) LockJob(_ context.Context, id string) (models.Job, error) {
	job, ok := t.s.state.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return job, nil
}

func (t *memoryTx) UpdateJob(_ context.Context, job models.Job) error {
	existing, ok := t.s.state.jobs[job.ID]
	if !ok {
		return fmt.Errorf("job %s: %w", job.ID, models.ErrNotFound)
	}
	// Only the mutable columns change, matching the SQL update.
	existing.Status = job.Status
	existing.ReservedTokens = job.ReservedTokens
	existing.ConsumedTokens = job.ConsumedTokens
	existing.OutputFileID = job.OutputFileID
	existing.OutputMetadata = job.OutputMetadata
	existing.ErrorMessage = job.ErrorMessage
	existing.StartedAt = job.StartedAt
	existing.CompletedAt = job.CompletedAt
	existing.UpdatedAt = job.UpdatedAt
	t.s.state.jobs[job.ID] = existing
	return nil
}

func (t *memoryTx) LockWallet(_ context.Context) (models.Wallet, error) {
	if t.s.state.wallet == nil {
		t.s.state.wallet = &models.Wallet{TenantID: t.s.tenantID, UpdatedAt: time.Now().UTC()}
	}
	return *t.s.state.wallet, nil
}

func (t *memoryTx) UpdateWallet(_ context.Context, wallet models.Wallet) error {
	if wallet.Balance < 0 {
		return fmt.Errorf("wallet balance would go negative: %w", models.ErrInsufficientBalance)
	}
	wallet.TenantID = t.s.tenantID
	t.s.state.wallet = &wallet
	return nil
}

func (t *memoryTx) AppendLedgerEntry(_ context.Context, e models.LedgerEntry) error {
	e.TenantID = t.s.tenantID
	t.s.state.entries = append(t.s.state.entries, e)
	return nil
}

func (t *memoryTx) InsertFile(_ context.Context, f models.File) error {
	if _, exists := t.s.state.files[f.ID]; exists {
		return fmt.Errorf("file %s already exists", f.ID)
	}
	t.s.state.files[f.ID] = f
	return nil
}
