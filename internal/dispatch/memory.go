package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"render-dispatcher/internal/models"
)

// MemoryRegistry is an in-process Registry; one mutex stands in for the row lock.
type MemoryRegistry struct {
	mu      sync.Mutex
	entries map[string]models.DispatchEntry
	byJob   map[string]string
	workers map[string]models.WorkerRecord
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		entries: make(map[string]models.DispatchEntry),
		byJob:   make(map[string]string),
		workers: make(map[string]models.WorkerRecord),
	}
}

func jobKey(tenantID, jobID string) string {
	return tenantID + "/" + jobID
}

// CreateIfAbsent stores entry unless its tenant job is already registered.
func (m *MemoryRegistry) CreateIfAbsent(_ context.Context, entry models.DispatchEntry) (models.DispatchEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := jobKey(entry.TenantID, entry.TenantJobID)
	if id, ok := m.byJob[key]; ok {
		return m.entries[id], false, nil
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Status == "" {
		entry.Status = models.DispatchQueued
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.UpdatedAt = entry.CreatedAt
	m.entries[entry.ID] = entry
	m.byJob[key] = entry.ID
	return entry, true, nil
}

// FindByJob returns the entry registered for a tenant job, if any.
func (m *MemoryRegistry) FindByJob(_ context.Context, tenantID, jobID string) (models.DispatchEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byJob[jobKey(tenantID, jobID)]
	if !ok {
		return models.DispatchEntry{}, false, nil
	}
	return m.entries[id], true, nil
}

// Get returns the entry with id or models.ErrNotFound.
func (m *MemoryRegistry) Get(_ context.Context, id string) (models.DispatchEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return models.DispatchEntry{}, fmt.Errorf("dispatch %s: %w", id, models.ErrNotFound)
	}
	return e, nil
}

// Lease picks the eligible entry with the highest priority, oldest first.
func (m *MemoryRegistry) Lease(_ context.Context, req LeaseRequest) (models.DispatchEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := make(map[string]bool, len(req.Providers))
	for _, p := range req.Providers {
		allowed[p] = true
	}
	var candidates []models.DispatchEntry
	for _, e := range m.entries {
		if len(allowed) > 0 && !allowed[e.Provider] {
			continue
		}
		if e.Eligible(req.Now, req.MaxAttempts) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return models.DispatchEntry{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	e := candidates[0]
	token := uuid.New().String()
	expires := req.Now.Add(req.TTL)
	worker := req.WorkerID
	e.Status = models.DispatchLeased
	e.WorkerID = &worker
	e.LeaseToken = &token
	e.LeaseExpiresAt = &expires
	e.Attempts++
	e.UpdatedAt = req.Now
	m.entries[e.ID] = e
	return e, true, nil
}

// Heartbeat extends a leased entry held with token, never shortening it.
func (m *MemoryRegistry) Heartbeat(_ context.Context, id, token string, now time.Time, ttl time.Duration) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.Status != models.DispatchLeased || !e.HoldsToken(token) {
		return time.Time{}, fmt.Errorf("dispatch %s: %w", id, models.ErrLeaseNotFound)
	}
	expires := now.Add(ttl)
	if e.LeaseExpiresAt != nil && e.LeaseExpiresAt.After(expires) {
		expires = *e.LeaseExpiresAt
	}
	e.LeaseExpiresAt = &expires
	e.UpdatedAt = now
	m.entries[id] = e
	return expires, nil
}

// Settle marks the entry terminal when token still holds it.
func (m *MemoryRegistry) Settle(_ context.Context, id, token, status string, lastError *string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || !e.HoldsToken(token) {
		return fmt.Errorf("dispatch %s: %w", id, models.ErrLeaseNotFound)
	}
	e.Status = status
	e.LastError = lastError
	e.UpdatedAt = now
	m.entries[id] = e
	return nil
}

// ListExhausted returns up to limit expired leases that used every attempt.
func (m *MemoryRegistry) ListExhausted(_ context.Context, now time.Time, maxAttempts, limit int) ([]models.DispatchEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DispatchEntry
	for _, e := range m.entries {
		if e.Status != models.DispatchLeased || e.Attempts < maxAttempts {
			continue
		}
		if e.LeaseExpiresAt == nil || e.LeaseExpiresAt.After(now) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpsertWorker records the poll and returns the stored worker.
func (m *MemoryRegistry) UpsertWorker(_ context.Context, w models.WorkerRecord, autoApprove bool) (models.WorkerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.workers[w.WorkerID]
	if ok {
		w.IsApproved = existing.IsApproved
		w.IsDraining = existing.IsDraining
	} else {
		w.IsApproved = autoApprove
	}
	m.workers[w.WorkerID] = w
	return w, nil
}

// SetWorkerFlags overrides approval and draining for a known worker.
func (m *MemoryRegistry) SetWorkerFlags(workerID string, approved, draining bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.workers[workerID]
	w.WorkerID = workerID
	w.IsApproved = approved
	w.IsDraining = draining
	m.workers[workerID] = w
}
