package gatekeeper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/audit"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/blacklist"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/breaker"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/confirm"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/executor"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/identity"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/jobs"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/metrics"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/models"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/policy"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/ratelimit"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/resource"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/store"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/stream"
)

type stubBackend struct {
	name      string
	available bool
	result    executor.Result
}

func (b *stubBackend) Name() string { return b.name }
func (b *stubBackend) Probe() bool  { return b.available }
func (b *stubBackend) Run(ctx context.Context, req executor.Request) executor.Result {
	return b.result
}

type memorySink struct {
	mu   sync.Mutex
	recs []models.AuditRecord
}

func (s *memorySink) Name() string { return "memory" }
func (s *memorySink) Append(_ context.Context, rec models.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}
func (s *memorySink) records() []models.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditRecord(nil), s.recs...)
}

func testResolver() *identity.Resolver {
	return identity.NewResolver(identity.Config{
		Admins: []string{"root-admin"},
		Overrides: map[string]models.PermissionTier{
			"reader":   models.TierL1,
			"operator": models.TierL2,
			"host-op":  models.TierL3,
		},
	})
}

type testRig struct {
	gk   *Gatekeeper
	sink *memorySink
	reg  *metrics.Registry
}

func newTestRig(t *testing.T, mut func(*Options)) *testRig {
	t.Helper()
	reg := metrics.NewRegistry()
	sampler := resource.StaticSampler{State: models.ResourceState{AvailableMemoryMB: 4096}}
	opts := Options{
		Gate:     policy.NewGate(testResolver(), sampler, blacklist.NewDefault(), reg),
		Confirms: confirm.NewRegistry(store.NewMemoryCache(), time.Minute, reg),
		JobStore: jobs.NewMemoryStore(),
		Backends: []executor.Backend{&stubBackend{name: "shell", available: true, result: executor.Result{Output: "ok"}}},
		Sampler:  sampler,
		Metrics:  reg,
		Hub:      stream.NewHub(),
	}
	if mut != nil {
		mut(&opts)
	}
	gk := New(opts)
	sink := &memorySink{}
	if opts.Audit == nil {
		rec := audit.NewRecorder([]audit.Sink{sink}, 64, reg)
		ctx, cancel := context.WithCancel(context.Background())
		rec.Start(ctx)
		t.Cleanup(func() {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer closeCancel()
			_ = rec.Close(closeCtx)
			cancel()
		})
		gk.audit = rec
	}
	ctx, cancel := context.WithCancel(context.Background())
	gk.Start(ctx)
	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		_ = gk.Shutdown(shutdownCtx)
		cancel()
	})
	return &testRig{gk: gk, sink: sink, reg: reg}
}

func waitTerminal(t *testing.T, gk *Gatekeeper, jobID string) models.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, ok, err := gk.JobStatus(context.Background(), jobID)
		if err != nil {
			t.Fatalf("job status: %v", err)
		}
		if ok && job.State.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return models.Job{}
}

func TestSubmitActionUnknownCallerSilentDeny(t *testing.T) {
	rig := newTestRig(t, nil)
	out := rig.gk.SubmitAction(context.Background(), models.ActionRequest{
		CallerID: "stranger",
		Kind:     models.ActionExecCommand,
		Target:   "ls",
	})
	if out.Decision != models.DecisionDeny || out.Reason != models.ReasonUnauthorized {
		t.Fatalf("outcome %+v", out)
	}
	if !out.Silent {
		t.Fatal("unauthorized denial must be silent")
	}
}

func TestSubmitActionEnqueuesAndRuns(t *testing.T) {
	rig := newTestRig(t, nil)
	out := rig.gk.SubmitAction(context.Background(), models.ActionRequest{
		CallerID: "operator",
		Kind:     models.ActionExecCommand,
		Target:   "echo hi",
		TraceID:  "trace-1",
	})
	if out.Decision != models.DecisionAllow || out.Job == nil {
		t.Fatalf("outcome %+v", out)
	}
	job := waitTerminal(t, rig.gk, out.Job.JobID)
	if job.State != models.JobSucceeded || job.Result != "ok" {
		t.Fatalf("job %+v", job)
	}
	if job.TraceID != "trace-1" {
		t.Fatalf("trace id %q", job.TraceID)
	}
}

func TestSubmitActionBlacklistedDeny(t *testing.T) {
	rig := newTestRig(t, nil)
	out := rig.gk.SubmitAction(context.Background(), models.ActionRequest{
		CallerID: "operator",
		Kind:     models.ActionExecCommand,
		Target:   "rm -rf /",
	})
	if out.Decision != models.DecisionDeny || out.Reason != models.ReasonBlacklisted {
		t.Fatalf("outcome %+v", out)
	}
}

func TestConfirmFlowSingleUse(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()
	req := models.ActionRequest{
		CallerID: "host-op",
		Kind:     models.ActionHostExec,
		Target:   "systemctl restart app",
	}
	out := rig.gk.SubmitAction(ctx, req)
	if out.Decision != models.DecisionConfirm || out.Token == "" {
		t.Fatalf("outcome %+v", out)
	}

	confirmed := rig.gk.Confirm(ctx, out.Token, "host-op", "")
	if confirmed.Decision != models.DecisionAllow || confirmed.Job == nil {
		t.Fatalf("confirm outcome %+v", confirmed)
	}
	job := waitTerminal(t, rig.gk, confirmed.Job.JobID)
	if job.State != models.JobSucceeded {
		t.Fatalf("job %+v", job)
	}

	replay := rig.gk.Confirm(ctx, out.Token, "host-op", "")
	if replay.Decision != models.DecisionDeny || replay.Reason != models.ReasonAlreadyConsumed {
		t.Fatalf("replay outcome %+v", replay)
	}
}

func TestConfirmWrongCaller(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()
	out := rig.gk.SubmitAction(ctx, models.ActionRequest{
		CallerID: "host-op",
		Kind:     models.ActionHostExec,
		Target:   "reload nginx",
	})
	if out.Decision != models.DecisionConfirm {
		t.Fatalf("outcome %+v", out)
	}
	hijack := rig.gk.Confirm(ctx, out.Token, "operator", "")
	if hijack.Decision != models.DecisionDeny || hijack.Reason != models.ReasonUnknownToken {
		t.Fatalf("hijack outcome %+v", hijack)
	}
}

func TestSubmitActionRateLimited(t *testing.T) {
	rig := newTestRig(t, func(o *Options) {
		o.Limiter = ratelimit.NewInMemory(time.Minute)
		o.RateLimit = 1
	})
	req := models.ActionRequest{CallerID: "reader", Kind: models.ActionRead, Target: "doc"}
	if out := rig.gk.SubmitAction(context.Background(), req); out.Decision != models.DecisionAllow {
		t.Fatalf("first call should pass: %+v", out)
	}
	out := rig.gk.SubmitAction(context.Background(), req)
	if out.Decision != models.DecisionDeny || out.Reason != models.ReasonRateLimited {
		t.Fatalf("outcome %+v", out)
	}
	if got := rig.reg.Snapshot().Reasons[models.ReasonRateLimited]; got != 1 {
		t.Fatalf("rate_limited counter %d", got)
	}
}

func TestForwardToUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/task" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"reply":"done"}`))
	}))
	defer srv.Close()

	rig := newTestRig(t, func(o *Options) {
		o.Upstream = breaker.NewClient([]string{srv.URL}, "", time.Second, nil)
	})
	out := rig.gk.SubmitAction(context.Background(), models.ActionRequest{
		CallerID: "reader",
		Kind:     models.ActionRead,
		Target:   "summarize",
	})
	if out.Decision != models.DecisionAllow {
		t.Fatalf("outcome %+v", out)
	}
	if string(out.Result) != `{"reply":"done"}` {
		t.Fatalf("result %s", out.Result)
	}
}

func TestForwardUpstreamUnreachable(t *testing.T) {
	rig := newTestRig(t, func(o *Options) {
		o.Upstream = breaker.NewClient([]string{"http://127.0.0.1:1"}, "", 200*time.Millisecond, nil)
	})
	out := rig.gk.SubmitAction(context.Background(), models.ActionRequest{
		CallerID: "reader",
		Kind:     models.ActionRead,
		Target:   "summarize",
	})
	if out.Decision != models.DecisionDeny || out.Reason != models.ReasonUnreachable {
		t.Fatalf("outcome %+v", out)
	}
}

func TestCancelQueuedUnknownJob(t *testing.T) {
	rig := newTestRig(t, nil)
	_, reason, err := rig.gk.CancelJob(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if reason != models.ReasonUnknownToken {
		t.Fatalf("reason %q", reason)
	}
}

func TestAuditTrailForDecisions(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.gk.SubmitAction(context.Background(), models.ActionRequest{
		CallerID: "operator",
		Kind:     models.ActionExecCommand,
		Target:   "rm -rf /",
		TraceID:  "trace-deny",
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, rec := range rig.sink.records() {
			if rec.TraceID == "trace-deny" {
				if rec.Status != "denied" || !rec.BlacklistHit {
					t.Fatalf("record %+v", rec)
				}
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("denial never audited")
}

func TestAuditTrailForFailedRedemption(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()
	out := rig.gk.SubmitAction(ctx, models.ActionRequest{
		CallerID: "host-op",
		Kind:     models.ActionHostExec,
		Target:   "systemctl restart app",
	})
	if out.Decision != models.DecisionConfirm {
		t.Fatalf("outcome %+v", out)
	}
	if got := rig.gk.Confirm(ctx, out.Token, "host-op", ""); got.Decision != models.DecisionAllow {
		t.Fatalf("confirm outcome %+v", got)
	}
	replay := rig.gk.Confirm(ctx, out.Token, "host-op", "")
	if replay.Reason != models.ReasonAlreadyConsumed {
		t.Fatalf("replay outcome %+v", replay)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, rec := range rig.sink.records() {
			if rec.Status == "denied" && rec.ConfirmationResult == models.ReasonAlreadyConsumed {
				if rec.CallerID != "host-op" {
					t.Fatalf("record %+v", rec)
				}
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("failed redemption never audited")
}

func TestDiagnostics(t *testing.T) {
	rig := newTestRig(t, func(o *Options) {
		o.Upstream = breaker.NewClient([]string{"http://primary"}, "", time.Second, nil)
		o.ConfiguredParallel = 4
		o.Sampler = resource.StaticSampler{State: models.ResourceState{AvailableMemoryMB: 300}}
	})
	rig.gk.geteuid = func() int { return 0 }

	d := rig.gk.Diagnostics()
	if d.TierCeiling != "L1" {
		t.Fatalf("tier ceiling %q", d.TierCeiling)
	}
	if d.Concurrency.Configured != 4 || d.Concurrency.Effective != 1 {
		t.Fatalf("concurrency %+v", d.Concurrency)
	}
	if len(d.Breakers) != 1 || d.Breakers[0].State != "closed" {
		t.Fatalf("breakers %+v", d.Breakers)
	}
	if d.BlacklistRules == 0 {
		t.Fatal("blacklist rules missing")
	}

	want := map[string]bool{
		"no backup gateway endpoint configured": false,
		"gateway process runs as root":          false,
		"configured parallelism 4 clamped to 1": false,
	}
	for _, w := range d.Warnings {
		if _, ok := want[w]; ok {
			want[w] = true
		}
	}
	for w, seen := range want {
		if !seen {
			t.Fatalf("missing warning %q in %v", w, d.Warnings)
		}
	}
}

func TestDiagnosticsNoBackendWarning(t *testing.T) {
	rig := newTestRig(t, func(o *Options) {
		o.Backends = []executor.Backend{&stubBackend{name: "shell", available: false}}
	})
	d := rig.gk.Diagnostics()
	found := false
	for _, w := range d.Warnings {
		if w == "no executor backend available" {
			found = true
		}
	}
	if !found {
		t.Fatalf("warnings %v", d.Warnings)
	}
}
