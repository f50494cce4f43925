package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"render-dispatcher/internal/lease"
	"render-dispatcher/internal/models"
)

// Result is what a handler reports for a finished job.
type Result struct {
	Metadata map[string]any
	MimeType string
	Size     int64
}

// Handler runs one leased job. The context is cancelled if the lease is lost.
type Handler func(ctx context.Context, task lease.WorkPayload) (Result, error)

// Options configures the processor loop.
type Options struct {
	WorkerID          string
	DisplayName       string
	Providers         []string
	MaxConcurrency    int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	BackoffMax        time.Duration
}

// Processor drives the worker execution loop.
type Processor struct {
	client         Leaser
	opts           Options
	handlers       map[string]Handler
	defaultHandler Handler
	logger         *slog.Logger

	mu       sync.Mutex
	inFlight int
	wg       sync.WaitGroup
}

func NewProcessor(client Leaser, opts Options, logger *slog.Logger) *Processor {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 20 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	return &Processor{
		client:   client,
		opts:     opts,
		handlers: make(map[string]Handler),
		logger:   logger.With("component", "worker", "worker_id", opts.WorkerID),
	}
}

// RegisterHandler binds a handler to an effect id.
func (p *Processor) RegisterHandler(effectID string, handler Handler) {
	if effectID == "" || handler == nil {
		return
	}
	p.handlers[effectID] = handler
}

// SetDefaultHandler handles effects without a registered handler.
func (p *Processor) SetDefaultHandler(handler Handler) {
	p.defaultHandler = handler
}

// Run polls until ctx is cancelled, then waits for running jobs to settle.
func (p *Processor) Run(ctx context.Context) error {
	defer p.wg.Wait()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		load := p.load()
		if load >= p.opts.MaxConcurrency {
			if !sleep(ctx, p.opts.PollInterval) {
				return ctx.Err()
			}
			continue
		}

		task, err := p.client.Poll(ctx, PollRequest{
			WorkerID:       p.opts.WorkerID,
			DisplayName:    p.opts.DisplayName,
			Capabilities:   p.capabilities(),
			Providers:      p.opts.Providers,
			CurrentLoad:    load,
			MaxConcurrency: p.opts.MaxConcurrency,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			wait := backoffWithJitter(p.opts.PollInterval, p.opts.BackoffMax, failures)
			p.logger.Warn("poll failed", "error", err, "retry_in", wait)
			if !sleep(ctx, wait) {
				return ctx.Err()
			}
			continue
		}
		failures = 0
		if task == nil {
			if !sleep(ctx, p.opts.PollInterval) {
				return ctx.Err()
			}
			continue
		}

		p.start(ctx, *task)
	}
}

func (p *Processor) capabilities() map[string]any {
	effects := make([]string, 0, len(p.handlers))
	for id := range p.handlers {
		effects = append(effects, id)
	}
	return map[string]any{"effects": effects}
}

func (p *Processor) load() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

func (p *Processor) start(ctx context.Context, task lease.WorkPayload) {
	p.mu.Lock()
	p.inFlight++
	p.mu.Unlock()
	p.wg.Add(1)
	go func() {
		defer func() {
			p.mu.Lock()
			p.inFlight--
			p.mu.Unlock()
			p.wg.Done()
		}()
		p.execute(ctx, task)
	}()
}

// execute runs the handler with a heartbeat alongside it and settles the lease.
func (p *Processor) execute(ctx context.Context, task lease.WorkPayload) {
	logger := p.logger.With("tenant_id", task.TenantID, "job_id", task.JobID, "dispatch_id", task.DispatchID)
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lost := make(chan struct{})
	go p.heartbeat(jobCtx, task, cancel, lost, logger)

	res, err := p.runJob(jobCtx, task)

	select {
	case <-lost:
		logger.Warn("lease lost, abandoning job")
		return
	default:
	}
	// Settle even while shutting down so the reservation is not held until expiry.
	settleCtx, cancelSettle := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancelSettle()

	if err != nil {
		logger.Warn("job failed", "error", err)
		if _, ferr := p.client.Fail(settleCtx, task.DispatchID, task.LeaseToken, err.Error()); ferr != nil {
			logger.Error("report failure", "error", ferr)
		}
		return
	}
	if _, cerr := p.client.Complete(settleCtx, task.DispatchID, task.LeaseToken, res); cerr != nil {
		logger.Error("report completion", "error", cerr)
		return
	}
	logger.Info("job completed")
}

func (p *Processor) heartbeat(ctx context.Context, task lease.WorkPayload, cancel context.CancelFunc, lost chan<- struct{}, logger *slog.Logger) {
	ticker := time.NewTicker(p.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		_, err := p.client.Heartbeat(ctx, task.DispatchID, task.LeaseToken)
		if errors.Is(err, models.ErrLeaseNotFound) {
			close(lost)
			cancel()
			return
		}
		if err != nil && ctx.Err() == nil {
			logger.Warn("heartbeat failed", "error", err)
		}
	}
}

func (p *Processor) runJob(ctx context.Context, task lease.WorkPayload) (Result, error) {
	handler, ok := p.handlers[task.EffectID]
	if !ok {
		if p.defaultHandler == nil {
			return Result{}, fmt.Errorf("no handler registered for effect %q", task.EffectID)
		}
		handler = p.defaultHandler
	}
	return handler(ctx, task)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || wait <= 0 {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
