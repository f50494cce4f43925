package lease

import (
	"context"
	"errors"
	"time"

	"render-dispatcher/internal/models"
	"render-dispatcher/internal/telemetry"
)

const exhaustedMessage = "max attempts exceeded"

// ReapExhausted fails jobs whose dispatch expired on its last allowed attempt
// and returns their reservation. It returns how many entries it settled.
func (m *Manager) ReapExhausted(ctx context.Context) (int, error) {
	entries, err := m.registry.ListExhausted(ctx, m.now(), m.opts.MaxAttempts, m.opts.ReaperBatch)
	if err != nil {
		return 0, err
	}
	var (
		reaped int
		errs   []error
	)
	for _, entry := range entries {
		if entry.LeaseToken == nil {
			continue
		}
		job, changed, err := m.settleJob(ctx, entry, m.failJob(exhaustedMessage, map[string]any{
			"dispatch_id": entry.ID,
			"reason":      "max_attempts",
		}))
		if errors.Is(err, models.ErrNotFound) {
			m.absorbStale(ctx, entry, models.Job{})
			continue
		}
		if err != nil {
			m.logger.Error("reap dispatch", "tenant_id", entry.TenantID, "job_id", entry.TenantJobID,
				"dispatch_id", entry.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		m.finish(ctx, entry, job, changed)
		telemetry.Reaped.Inc()
		reaped++
	}
	return reaped, errors.Join(errs...)
}

// RunReaper calls ReapExhausted every interval until ctx is cancelled.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if n, err := m.ReapExhausted(ctx); err != nil {
			m.logger.Warn("reaper pass incomplete", "reaped", n, "error", err)
		} else if n > 0 {
			m.logger.Info("reaped exhausted dispatches", "reaped", n)
		}
	}
}
