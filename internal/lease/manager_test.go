package lease

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"render-dispatcher/internal/catalog"
	"render-dispatcher/internal/dispatch"
	"render-dispatcher/internal/events"
	"render-dispatcher/internal/gateway"
	"render-dispatcher/internal/ledger"
	"render-dispatcher/internal/models"
	"render-dispatcher/internal/storage"
	"render-dispatcher/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSigner struct{}

func (fakeSigner) DownloadURL(_ context.Context, disk, path string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("https://%s.example/%s?get&ttl=%d", disk, path, int(ttl.Seconds())), nil
}

func (fakeSigner) UploadURL(_ context.Context, disk, path string, ttl time.Duration, contentType string) (storage.Upload, error) {
	return storage.Upload{
		URL:     fmt.Sprintf("https://%s.example/%s?put&ttl=%d&ct=%s", disk, path, int(ttl.Seconds()), contentType),
		Headers: map[string]string{"Content-Type": contentType},
	}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Settlement
}

func (p *recordingPublisher) PublishSettlement(_ context.Context, s events.Settlement) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, s)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type harness struct {
	clock     *clock
	resolver  *store.MemoryResolver
	registry  *dispatch.MemoryRegistry
	gateway   *gateway.Gateway
	manager   *Manager
	publisher *recordingPublisher
}

func newHarness(t *testing.T, balance int64) *harness {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	resolver := store.NewMemoryResolver()
	tenant := resolver.Tenant("acme")
	tenant.SeedWallet(balance)
	tenant.SeedFile(models.File{ID: "file-1", OwnerID: "user-1", Disk: "s3", Path: "uploads/in.png", MimeType: "image/png"})

	registry := dispatch.NewMemoryRegistry()
	cat := catalog.NewMemoryCatalog(
		models.Effect{ID: "blur", Provider: "comfy", TokenCost: 4, OutputContentType: "image/png", IsActive: true},
		models.Effect{ID: "upscale", Provider: "replicate", TokenCost: 1, IsActive: true},
	)
	l := ledger.WithClock(clk.Now)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pub := &recordingPublisher{}

	m := NewManager(resolver, registry, cat, fakeSigner{}, l, pub, Options{
		LeaseTTL:    time.Minute,
		PresignTTL:  15 * time.Minute,
		MaxAttempts: 3,
		AutoApprove: true,
		OutputDisk:  "s3",
	}, logger)
	m.now = clk.Now

	return &harness{
		clock:     clk,
		resolver:  resolver,
		registry:  registry,
		gateway:   gateway.New(resolver, registry, cat, l, logger).WithClock(clk.Now),
		manager:   m,
		publisher: pub,
	}
}

func (h *harness) submit(t *testing.T, key, effect string, priority int) gateway.Result {
	t.Helper()
	res, err := h.gateway.Submit(context.Background(), gateway.Request{
		TenantID:       "acme",
		UserID:         "user-1",
		EffectID:       effect,
		IdempotencyKey: key,
		InputFileID:    "file-1",
		Priority:       priority,
	})
	if err != nil {
		t.Fatalf("submit %s: %v", key, err)
	}
	return res
}

func (h *harness) poll(t *testing.T, worker string) *WorkPayload {
	t.Helper()
	p, err := h.manager.Poll(context.Background(), PollRequest{WorkerID: worker, MaxConcurrency: 1})
	if err != nil {
		t.Fatalf("poll %s: %v", worker, err)
	}
	return p
}

func (h *harness) job(t *testing.T, id string) models.Job {
	t.Helper()
	job, err := h.resolver.Tenant("acme").GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return job
}

func (h *harness) balance(t *testing.T) int64 {
	t.Helper()
	w, err := h.resolver.Tenant("acme").GetWallet(context.Background())
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	return w.Balance
}

func TestPollBuildsPayload(t *testing.T) {
	h := newHarness(t, 10)
	res := h.submit(t, "k1", "blur", 0)

	p := h.poll(t, "w1")
	if p == nil {
		t.Fatalf("expected work")
	}
	if p.JobID != res.Job.ID || p.DispatchID != res.DispatchID || p.LeaseToken == "" || p.Attempt != 1 {
		t.Fatalf("unexpected payload %+v", p)
	}
	if p.Input.DownloadURL != "https://s3.example/uploads/in.png?get&ttl=900" {
		t.Fatalf("unexpected download url %s", p.Input.DownloadURL)
	}
	wantPath := "tenants/acme/jobs/" + res.Job.ID + "/output"
	if p.Output.Path != wantPath || p.Output.ContentType != "image/png" {
		t.Fatalf("unexpected output target %+v", p.Output)
	}
	if p.Output.UploadHeaders["Content-Type"] != "image/png" {
		t.Fatalf("expected upload headers to bind the content type, got %v", p.Output.UploadHeaders)
	}
	if !p.LeaseExpiresAt.Equal(h.clock.Now().Add(time.Minute)) {
		t.Fatalf("unexpected expiry %s", p.LeaseExpiresAt)
	}

	job := h.job(t, res.Job.ID)
	if job.Status != models.JobProcessing || job.StartedAt == nil {
		t.Fatalf("expected processing job with started_at, got %+v", job)
	}
	if again := h.poll(t, "w2"); again != nil {
		t.Fatalf("leased entry handed out twice")
	}
}

func TestPollOrdersByPriorityThenAge(t *testing.T) {
	h := newHarness(t, 100)
	old := h.submit(t, "old", "upscale", 0)
	h.clock.Advance(time.Second)
	urgent := h.submit(t, "urgent", "upscale", 5)
	h.clock.Advance(time.Second)
	h.submit(t, "young", "upscale", 0)

	first := h.poll(t, "w1")
	second := h.poll(t, "w2")
	if first.JobID != urgent.Job.ID || second.JobID != old.Job.ID {
		t.Fatalf("expected urgent then oldest, got %s then %s", first.JobID, second.JobID)
	}
}

func TestPollFiltersProviders(t *testing.T) {
	h := newHarness(t, 10)
	h.submit(t, "k1", "blur", 0)

	p, err := h.manager.Poll(context.Background(), PollRequest{WorkerID: "w1", Providers: []string{"replicate"}, MaxConcurrency: 1})
	if err != nil || p != nil {
		t.Fatalf("expected no work for other provider, got %+v err=%v", p, err)
	}
	p, err = h.manager.Poll(context.Background(), PollRequest{WorkerID: "w1", Providers: []string{"comfy"}, MaxConcurrency: 1})
	if err != nil || p == nil {
		t.Fatalf("expected work for comfy, got %+v err=%v", p, err)
	}
}

func TestPollRefusesUnavailableWorkers(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		req   PollRequest
	}{
		{
			name:  "at capacity",
			setup: func(*harness) {},
			req:   PollRequest{WorkerID: "w1", CurrentLoad: 2, MaxConcurrency: 2},
		},
		{
			name:  "draining",
			setup: func(h *harness) { h.registry.SetWorkerFlags("w1", true, true) },
			req:   PollRequest{WorkerID: "w1", MaxConcurrency: 1},
		},
		{
			name:  "unapproved",
			setup: func(h *harness) { h.registry.SetWorkerFlags("w1", false, false) },
			req:   PollRequest{WorkerID: "w1", MaxConcurrency: 1},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 10)
			h.submit(t, "k1", "blur", 0)
			tc.setup(h)
			p, err := h.manager.Poll(context.Background(), tc.req)
			if err != nil || p != nil {
				t.Fatalf("expected no work, got %+v err=%v", p, err)
			}
		})
	}
}

func TestPollLeaseExclusive(t *testing.T) {
	h := newHarness(t, 10)
	h.submit(t, "k1", "blur", 0)

	const workers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := h.manager.Poll(context.Background(), PollRequest{WorkerID: fmt.Sprintf("w%d", i), MaxConcurrency: 1})
			if err != nil {
				t.Errorf("poll: %v", err)
				return
			}
			if p != nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one lease, got %d", wins)
	}
}

func TestFailRefunds(t *testing.T) {
	h := newHarness(t, 10)
	res := h.submit(t, "k1", "blur", 0)
	if got := h.balance(t); got != 6 {
		t.Fatalf("expected 6 after reserve got %d", got)
	}
	p := h.poll(t, "w1")

	id, err := h.manager.Fail(context.Background(), p.DispatchID, p.LeaseToken, "model crashed")
	if err != nil || id != p.DispatchID {
		t.Fatalf("fail: id=%s err=%v", id, err)
	}
	if got := h.balance(t); got != 10 {
		t.Fatalf("expected 10 after refund got %d", got)
	}
	job := h.job(t, res.Job.ID)
	if job.Status != models.JobFailed || job.ConsumedTokens != 0 || job.ErrorMessage == nil || *job.ErrorMessage != "model crashed" {
		t.Fatalf("unexpected job %+v", job)
	}
	entry, _ := h.registry.Get(context.Background(), p.DispatchID)
	if entry.Status != models.DispatchFailed {
		t.Fatalf("expected failed dispatch got %s", entry.Status)
	}
}

func TestCompleteConsumes(t *testing.T) {
	h := newHarness(t, 10)
	res := h.submit(t, "k1", "blur", 0)
	p := h.poll(t, "w1")

	out := Output{Metadata: map[string]any{"width": 512}, Size: 2048}
	id, err := h.manager.Complete(context.Background(), p.DispatchID, p.LeaseToken, out)
	if err != nil || id != res.Job.ID {
		t.Fatalf("complete: id=%s err=%v", id, err)
	}
	again, err := h.manager.Complete(context.Background(), p.DispatchID, p.LeaseToken, out)
	if err != nil || again != res.Job.ID {
		t.Fatalf("duplicate complete: id=%s err=%v", again, err)
	}

	if got := h.balance(t); got != 6 {
		t.Fatalf("expected balance to stay 6 got %d", got)
	}
	job := h.job(t, res.Job.ID)
	if job.Status != models.JobCompleted || job.ConsumedTokens != 4 || job.OutputFileID == nil || job.CompletedAt == nil {
		t.Fatalf("unexpected job %+v", job)
	}
	file, err := h.resolver.Tenant("acme").GetFile(context.Background(), *job.OutputFileID)
	if err != nil {
		t.Fatalf("output file: %v", err)
	}
	if file.Path != p.Output.Path || file.MimeType != "image/png" || file.OwnerID != "user-1" || file.Size != 2048 {
		t.Fatalf("unexpected output file %+v", file)
	}
	entries, _ := h.resolver.Tenant("acme").ListLedgerEntries(context.Background(), res.Job.ID)
	if len(entries) != 2 || entries[1].Type != models.EntryConsume || entries[1].Amount != 4 {
		t.Fatalf("unexpected ledger %+v", entries)
	}
	if h.publisher.count() != 1 {
		t.Fatalf("expected one settlement event, got %d", h.publisher.count())
	}
}

func TestSettlementAtMostOnce(t *testing.T) {
	tests := []struct {
		name       string
		first      string
		second     string
		wantStatus string
		wantBal    int64
	}{
		{name: "complete then fail", first: "complete", second: "fail", wantStatus: models.JobCompleted, wantBal: 6},
		{name: "fail then complete", first: "fail", second: "complete", wantStatus: models.JobFailed, wantBal: 10},
		{name: "fail twice", first: "fail", second: "fail", wantStatus: models.JobFailed, wantBal: 10},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 10)
			res := h.submit(t, "k1", "blur", 0)
			p := h.poll(t, "w1")

			for _, op := range []string{tc.first, tc.second} {
				var err error
				if op == "complete" {
					_, err = h.manager.Complete(context.Background(), p.DispatchID, p.LeaseToken, Output{})
				} else {
					_, err = h.manager.Fail(context.Background(), p.DispatchID, p.LeaseToken, "boom")
				}
				if err != nil {
					t.Fatalf("%s: %v", op, err)
				}
			}

			job := h.job(t, res.Job.ID)
			if job.Status != tc.wantStatus {
				t.Fatalf("expected %s got %s", tc.wantStatus, job.Status)
			}
			if got := h.balance(t); got != tc.wantBal {
				t.Fatalf("expected balance %d got %d", tc.wantBal, got)
			}
			entries, _ := h.resolver.Tenant("acme").ListLedgerEntries(context.Background(), res.Job.ID)
			if len(entries) != 2 {
				t.Fatalf("funds moved more than once: %+v", entries)
			}
			entry, _ := h.registry.Get(context.Background(), p.DispatchID)
			if (entry.Status == models.DispatchCompleted) != (tc.wantStatus == models.JobCompleted) {
				t.Fatalf("dispatch %s does not mirror job %s", entry.Status, job.Status)
			}
			if h.publisher.count() != 1 {
				t.Fatalf("expected one settlement event, got %d", h.publisher.count())
			}
		})
	}
}

func TestLeaseReclamation(t *testing.T) {
	h := newHarness(t, 10)
	res := h.submit(t, "k1", "blur", 0)
	a := h.poll(t, "worker-a")

	h.clock.Advance(61 * time.Second)
	b := h.poll(t, "worker-b")
	if b == nil || b.DispatchID != a.DispatchID || b.LeaseToken == a.LeaseToken || b.Attempt != 2 {
		t.Fatalf("expected reclaimed lease, got %+v", b)
	}

	if _, err := h.manager.Heartbeat(context.Background(), a.DispatchID, a.LeaseToken); !errors.Is(err, models.ErrLeaseNotFound) {
		t.Fatalf("stale heartbeat: expected lease not found got %v", err)
	}
	if _, err := h.manager.Complete(context.Background(), a.DispatchID, a.LeaseToken, Output{}); !errors.Is(err, models.ErrLeaseNotFound) {
		t.Fatalf("stale complete: expected lease not found got %v", err)
	}
	if _, err := h.manager.Fail(context.Background(), a.DispatchID, a.LeaseToken, "late"); !errors.Is(err, models.ErrLeaseNotFound) {
		t.Fatalf("stale fail: expected lease not found got %v", err)
	}

	if _, err := h.manager.Complete(context.Background(), b.DispatchID, b.LeaseToken, Output{}); err != nil {
		t.Fatalf("complete by new holder: %v", err)
	}
	if job := h.job(t, res.Job.ID); job.Status != models.JobCompleted {
		t.Fatalf("expected completed got %s", job.Status)
	}
}

func TestHeartbeatExtends(t *testing.T) {
	h := newHarness(t, 10)
	h.submit(t, "k1", "blur", 0)
	p := h.poll(t, "w1")

	h.clock.Advance(30 * time.Second)
	expires, err := h.manager.Heartbeat(context.Background(), p.DispatchID, p.LeaseToken)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if want := h.clock.Now().Add(time.Minute); !expires.Equal(want) {
		t.Fatalf("expected %s got %s", want, expires)
	}

	// Heartbeating again at the same instant does not bank extra time.
	again, err := h.manager.Heartbeat(context.Background(), p.DispatchID, p.LeaseToken)
	if err != nil || !again.Equal(expires) {
		t.Fatalf("expected unchanged expiry %s, got %s err=%v", expires, again, err)
	}
	if _, err := h.manager.Heartbeat(context.Background(), "missing", p.LeaseToken); !errors.Is(err, models.ErrLeaseNotFound) {
		t.Fatalf("expected lease not found got %v", err)
	}
}

func TestAttemptsCapAndReaper(t *testing.T) {
	h := newHarness(t, 10)
	res := h.submit(t, "k1", "blur", 0)

	for i := 1; i <= 3; i++ {
		p := h.poll(t, fmt.Sprintf("w%d", i))
		if p == nil || p.Attempt != i {
			t.Fatalf("attempt %d: expected lease, got %+v", i, p)
		}
		h.clock.Advance(61 * time.Second)
	}
	if p := h.poll(t, "w4"); p != nil {
		t.Fatalf("exhausted entry leased again: %+v", p)
	}

	n, err := h.manager.ReapExhausted(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("reap: n=%d err=%v", n, err)
	}
	job := h.job(t, res.Job.ID)
	if job.Status != models.JobFailed || job.ErrorMessage == nil || *job.ErrorMessage != exhaustedMessage {
		t.Fatalf("unexpected job %+v", job)
	}
	if got := h.balance(t); got != 10 {
		t.Fatalf("expected refund to 10 got %d", got)
	}
	if n, _ := h.manager.ReapExhausted(context.Background()); n != 0 {
		t.Fatalf("second reap settled %d entries", n)
	}
}

func TestPollAbsorbsStaleDispatch(t *testing.T) {
	h := newHarness(t, 10)
	res := h.submit(t, "k1", "blur", 0)

	// Settle the job behind the registry's back.
	err := h.resolver.Tenant("acme").InTx(context.Background(), func(tx store.Tx) error {
		job, err := tx.LockJob(context.Background(), res.Job.ID)
		if err != nil {
			return err
		}
		msg := "cancelled"
		job.Status = models.JobFailed
		job.ErrorMessage = &msg
		return tx.UpdateJob(context.Background(), job)
	})
	if err != nil {
		t.Fatalf("fail job: %v", err)
	}

	if p := h.poll(t, "w1"); p != nil {
		t.Fatalf("expected no work for stale dispatch, got %+v", p)
	}
	entry, _ := h.registry.Get(context.Background(), res.DispatchID)
	if entry.Status != models.DispatchFailed {
		t.Fatalf("expected stale dispatch settled failed, got %s", entry.Status)
	}
	if p := h.poll(t, "w1"); p != nil {
		t.Fatalf("settled dispatch handed out: %+v", p)
	}
}
