// Package gatekeeper composes the policy gate, confirmation registry,
// upstream client, job queue and audit trail into the caller-facing
// gateway surface.
package gatekeeper

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/audit"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/blacklist"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/breaker"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/confirm"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/executor"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/httpx"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/jobs"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/metrics"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/models"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/policy"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/ratelimit"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/resource"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/stream"
)

// DefaultRateLimit is requests per caller per limiter window.
const DefaultRateLimit = 30

type Options struct {
	Gate     *policy.Gate
	Confirms *confirm.Registry
	// Upstream is optional; without it read/exec_tool actions run on
	// the local backends like everything else.
	Upstream  *breaker.Client
	JobStore  jobs.Store
	Backends  []executor.Backend
	Blacklist *blacklist.List
	Sampler   resource.Sampler

	RunTimeout    time.Duration
	QueueCapacity int

	Audit     *audit.Recorder
	Limiter   ratelimit.Limiter
	RateLimit int
	Hub       *stream.Hub
	Metrics   *metrics.Registry

	// ConfiguredParallel is what the operator asked for; execution is
	// always clamped to one and diagnostics report the gap.
	ConfiguredParallel int
}

type Gatekeeper struct {
	gate      *policy.Gate
	confirms  *confirm.Registry
	upstream  *breaker.Client
	queue     *jobs.Queue
	backends  []executor.Backend
	blacklist *blacklist.List
	sampler   resource.Sampler

	audit     *audit.Recorder
	limiter   ratelimit.Limiter
	rateLimit int
	hub       *stream.Hub
	metrics   *metrics.Registry

	configuredParallel int

	timeNow func() time.Time
	geteuid func() int
}

func New(opts Options) *Gatekeeper {
	if opts.RateLimit <= 0 {
		opts.RateLimit = DefaultRateLimit
	}
	if opts.ConfiguredParallel <= 0 {
		opts.ConfiguredParallel = 1
	}
	g := &Gatekeeper{
		gate:               opts.Gate,
		confirms:           opts.Confirms,
		upstream:           opts.Upstream,
		backends:           opts.Backends,
		blacklist:          opts.Blacklist,
		sampler:            opts.Sampler,
		audit:              opts.Audit,
		limiter:            opts.Limiter,
		rateLimit:          opts.RateLimit,
		hub:                opts.Hub,
		metrics:            opts.Metrics,
		configuredParallel: opts.ConfiguredParallel,
		timeNow:            time.Now,
		geteuid:            os.Geteuid,
	}
	g.queue = jobs.NewQueue(opts.JobStore, opts.Backends, opts.Metrics, jobs.Options{
		RunTimeout: opts.RunTimeout,
		Capacity:   opts.QueueCapacity,
		OnTerminal: g.handleJobTerminal,
	})
	return g
}

// Start launches the job worker.
func (g *Gatekeeper) Start(ctx context.Context) { g.queue.Start(ctx) }

// Shutdown waits for the in-flight job to vacate its slot.
func (g *Gatekeeper) Shutdown(ctx context.Context) error { return g.queue.Shutdown(ctx) }

// Queue exposes the underlying queue for tests and wiring.
func (g *Gatekeeper) Queue() *jobs.Queue { return g.queue }

// Outcome is the caller-visible result of submit_action or confirm.
type Outcome struct {
	Decision string          `json:"decision"`
	Reason   string          `json:"reason,omitempty"`
	Silent   bool            `json:"-"`
	Token    string          `json:"confirm_token,omitempty"`
	TokenTTL int64           `json:"confirm_ttl_seconds,omitempty"`
	Job      *models.Job     `json:"job,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// SubmitAction gates one request and, when allowed, executes it:
// locally queued for host-touching kinds, forwarded upstream for
// conversational ones.
func (g *Gatekeeper) SubmitAction(ctx context.Context, req models.ActionRequest) Outcome {
	start := g.timeNow()
	if req.TraceID == "" {
		req.TraceID = httpx.TraceID(ctx)
	}

	if g.limiter != nil {
		if d := g.limiter.Allow("caller:"+req.CallerID, g.rateLimit); !d.Allowed {
			if g.metrics != nil {
				g.metrics.IncDecision(models.DecisionDeny, models.ReasonRateLimited)
			}
			out := Outcome{Decision: models.DecisionDeny, Reason: models.ReasonRateLimited}
			g.recordDecision(req, models.Verdict{Decision: out.Decision, Reason: out.Reason}, "denied", start, "")
			return out
		}
	}

	v := g.gate.Evaluate(req)
	if g.hub != nil {
		g.hub.Publish(stream.DecisionEvent(req, v))
	}

	switch v.Decision {
	case models.DecisionDeny:
		g.recordDecision(req, v, "denied", start, "")
		return Outcome{Decision: models.DecisionDeny, Reason: v.Reason, Silent: v.Silent}

	case models.DecisionConfirm:
		token, pending, err := g.confirms.Issue(ctx, req, v)
		if err != nil {
			g.recordDecision(req, v, "failed", start, err.Error())
			return Outcome{Decision: models.DecisionDeny, Reason: models.ReasonInternalFault}
		}
		g.recordDecision(req, v, "confirmation_required", start, "")
		ttl := int64(pending.ExpiresAt.Sub(pending.IssuedAt) / time.Second)
		return Outcome{Decision: models.DecisionConfirm, Reason: models.ReasonConfirmRequired, Token: token, TokenTTL: ttl}

	default:
		return g.execute(ctx, req, v, start, "")
	}
}

// Confirm redeems a token and executes the pending action.
func (g *Gatekeeper) Confirm(ctx context.Context, token, callerID, fingerprint string) Outcome {
	start := g.timeNow()
	pending, reason, err := g.confirms.Redeem(ctx, token, callerID, fingerprint)
	if err != nil {
		req := models.ActionRequest{CallerID: callerID, TraceID: httpx.TraceID(ctx)}
		v := models.Verdict{Decision: models.DecisionDeny, Reason: models.ReasonInternalFault}
		g.record(req, v, "failed", start, "rejected", "", err.Error())
		return Outcome{Decision: models.DecisionDeny, Reason: models.ReasonInternalFault}
	}
	if reason != "" {
		if g.metrics != nil {
			g.metrics.IncDecision(models.DecisionDeny, reason)
		}
		// Failed redemptions leave a trail too; a replayed or foreign
		// token is exactly what the audit log exists for.
		req := models.ActionRequest{CallerID: callerID, TraceID: httpx.TraceID(ctx)}
		v := models.Verdict{Decision: models.DecisionDeny, Reason: reason}
		g.record(req, v, "denied", start, reason, "", "")
		return Outcome{Decision: models.DecisionDeny, Reason: reason}
	}
	req := pending.Action
	if req.TraceID == "" {
		req.TraceID = httpx.TraceID(ctx)
	}
	v := models.Verdict{
		Decision:      models.DecisionAllow,
		Fingerprint:   pending.Fingerprint,
		EffectiveTier: pending.EffectiveTier,
	}
	return g.execute(ctx, req, v, start, "approved")
}

// JobStatus returns the stored job snapshot.
func (g *Gatekeeper) JobStatus(ctx context.Context, jobID string) (models.Job, bool, error) {
	return g.queue.Get(ctx, jobID)
}

// CancelJob cancels a queued or running job.
func (g *Gatekeeper) CancelJob(ctx context.Context, jobID string) (models.Job, string, error) {
	return g.queue.Cancel(ctx, jobID)
}

// RecentJobs lists the latest jobs for diagnostics surfaces.
func (g *Gatekeeper) RecentJobs(ctx context.Context, limit int) ([]models.Job, error) {
	return g.queue.Recent(ctx, limit)
}

func (g *Gatekeeper) execute(ctx context.Context, req models.ActionRequest, v models.Verdict, start time.Time, confirmResult string) Outcome {
	if g.upstream != nil && (req.Kind == models.ActionRead || req.Kind == models.ActionExecTool) {
		return g.forward(ctx, req, v, start, confirmResult)
	}

	job, err := g.queue.Enqueue(ctx, req, req.ArgString("backend"))
	if err != nil {
		g.record(req, v, "failed", start, confirmResult, "", err.Error())
		return Outcome{Decision: models.DecisionDeny, Reason: models.ReasonInternalFault}
	}
	g.record(req, v, "queued", start, confirmResult, "", "")
	return Outcome{Decision: models.DecisionAllow, Job: &job}
}

type turnPayload struct {
	CallerID  string          `json:"caller_id"`
	ChannelID string          `json:"channel_id,omitempty"`
	Kind      string          `json:"kind"`
	Target    string          `json:"target"`
	Args      json.RawMessage `json:"args,omitempty"`
	TraceID   string          `json:"trace_id,omitempty"`
}

func (g *Gatekeeper) forward(ctx context.Context, req models.ActionRequest, v models.Verdict, start time.Time, confirmResult string) Outcome {
	res, err := g.upstream.SubmitTask(ctx, turnPayload{
		CallerID:  req.CallerID,
		ChannelID: req.ChannelID,
		Kind:      string(req.Kind),
		Target:    req.Target,
		Args:      req.Args,
		TraceID:   req.TraceID,
	})
	if !res.OK() {
		errText := ""
		if err != nil {
			errText = err.Error()
		}
		g.record(req, v, "failed", start, confirmResult, "", errText)
		return Outcome{Decision: models.DecisionDeny, Reason: res.Reason}
	}
	g.record(req, v, "executed", start, confirmResult, string(res.Body), "")
	return Outcome{Decision: models.DecisionAllow, Result: res.Body}
}

// handleJobTerminal runs on the queue worker goroutine after each job
// reaches a terminal state.
func (g *Gatekeeper) handleJobTerminal(job models.Job) {
	if g.hub != nil {
		g.hub.Publish(stream.JobEvent(job))
	}
	if g.audit == nil {
		return
	}
	rec := models.AuditRecord{
		TraceID:         job.TraceID,
		Time:            g.timeNow().UTC(),
		CallerID:        job.Action.CallerID,
		ChannelID:       job.Action.ChannelID,
		ActionKind:      string(job.Action.Kind),
		Target:          job.Action.Target,
		ExecutionResult: job.Result,
		Status:          string(job.State),
		Error:           job.Error,
	}
	if job.StartedAt != nil && job.FinishedAt != nil {
		rec.LatencyMS = job.FinishedAt.Sub(*job.StartedAt).Milliseconds()
	}
	g.audit.Record(rec)
}

func (g *Gatekeeper) recordDecision(req models.ActionRequest, v models.Verdict, status string, start time.Time, errText string) {
	g.record(req, v, status, start, "", "", errText)
}

func (g *Gatekeeper) record(req models.ActionRequest, v models.Verdict, status string, start time.Time, confirmResult, execResult, errText string) {
	if g.audit == nil {
		return
	}
	g.audit.Record(models.AuditRecord{
		TraceID:              req.TraceID,
		Time:                 g.timeNow().UTC(),
		CallerID:             req.CallerID,
		ChannelID:            req.ChannelID,
		ActionKind:           string(req.Kind),
		Target:               req.Target,
		TierEffective:        v.EffectiveTier.String(),
		BlacklistHit:         v.Reason == models.ReasonBlacklisted,
		ConfirmationRequired: v.Decision == models.DecisionConfirm,
		ConfirmationResult:   confirmResult,
		ExecutionResult:      execResult,
		Status:               status,
		LatencyMS:            g.timeNow().Sub(start).Milliseconds(),
		Error:                errText,
	})
}
