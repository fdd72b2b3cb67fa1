package stream

import (
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/models"
)

// Event types published by the gateway.
const (
	TypeDecision = "decision"
	TypeJob      = "job"
	TypeBreaker  = "breaker"
)

type decisionPayload struct {
	TraceID       string `json:"trace_id"`
	CallerID      string `json:"caller_id"`
	ActionKind    string `json:"action_kind"`
	Decision      string `json:"decision"`
	Reason        string `json:"reason,omitempty"`
	EffectiveTier string `json:"effective_tier,omitempty"`
}

// DecisionEvent reports a gate verdict. Silent denials are the caller's
// responsibility to withhold from user-facing channels, not the hub's.
func DecisionEvent(req models.ActionRequest, v models.Verdict) Event {
	return NewEvent(TypeDecision, decisionPayload{
		TraceID:       req.TraceID,
		CallerID:      req.CallerID,
		ActionKind:    string(req.Kind),
		Decision:      v.Decision,
		Reason:        v.Reason,
		EffectiveTier: v.EffectiveTier.String(),
	})
}

type jobPayload struct {
	JobID     string `json:"job_id"`
	TraceID   string `json:"trace_id,omitempty"`
	State     string `json:"state"`
	Backend   string `json:"backend,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// JobEvent reports a job state transition. Job output is deliberately
// excluded; clients fetch it from the job endpoint.
func JobEvent(job models.Job) Event {
	return NewEvent(TypeJob, jobPayload{
		JobID:     job.JobID,
		TraceID:   job.TraceID,
		State:     string(job.State),
		Backend:   job.Backend,
		ErrorCode: job.ErrorCode,
	})
}

type breakerPayload struct {
	State            string  `json:"state"`
	RemainingSeconds float64 `json:"remaining_seconds,omitempty"`
}

func BreakerEvent(state string, remainingSeconds float64) Event {
	return NewEvent(TypeBreaker, breakerPayload{State: state, RemainingSeconds: remainingSeconds})
}
