package models

import (
	"encoding/json"
	"strings"
	"time"
)

// PermissionTier is the ordered permission level of a caller or action,
// from read-only conversation (L0/L1) up to root-level host action (L4).
type PermissionTier int

const (
	TierL0 PermissionTier = iota
	TierL1
	TierL2
	TierL3
	TierL4
)

var tierNames = map[PermissionTier]string{
	TierL0: "L0",
	TierL1: "L1",
	TierL2: "L2",
	TierL3: "L3",
	TierL4: "L4",
}

func (t PermissionTier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return "L0"
}

// ParseTier maps "L0".."L4" (case-insensitive) to a tier; unknown input
// falls back to the provided default.
func ParseTier(raw string, fallback PermissionTier) PermissionTier {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "L0":
		return TierL0
	case "L1":
		return TierL1
	case "L2":
		return TierL2
	case "L3":
		return TierL3
	case "L4":
		return TierL4
	default:
		return fallback
	}
}

func (t PermissionTier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *PermissionTier) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*t = ParseTier(s, TierL0)
	return nil
}

type ActionKind string

const (
	ActionRead        ActionKind = "read"
	ActionExecCommand ActionKind = "exec_command"
	ActionExecTool    ActionKind = "exec_tool"
	ActionHostExec    ActionKind = "host_exec"
	ActionHostFileOp  ActionKind = "host_file_op"
)

// MinTier is the fixed minimum tier required per action kind. Unknown
// kinds require L4 so that nothing slips through on a typo.
func (k ActionKind) MinTier() PermissionTier {
	switch k {
	case ActionRead:
		return TierL1
	case ActionExecCommand, ActionExecTool:
		return TierL2
	case ActionHostExec, ActionHostFileOp:
		return TierL3
	default:
		return TierL4
	}
}

func (k ActionKind) Valid() bool {
	switch k {
	case ActionRead, ActionExecCommand, ActionExecTool, ActionHostExec, ActionHostFileOp:
		return true
	default:
		return false
	}
}

// ActionRequest is a single privileged action submitted on behalf of a
// caller. Immutable once created.
type ActionRequest struct {
	CallerID      string          `json:"caller_id"`
	ChannelID     string          `json:"channel_id,omitempty"`
	Kind          ActionKind      `json:"action_kind"`
	Target        string          `json:"target"`
	Args          json.RawMessage `json:"args,omitempty"`
	Plugin        string          `json:"plugin,omitempty"`
	RequestedTier PermissionTier  `json:"requested_tier"`
	Heavy         bool            `json:"heavy,omitempty"`
	TraceID       string          `json:"trace_id,omitempty"`
}

// ArgsMap decodes Args into a generic map. Malformed or empty args
// decode to an empty map rather than an error; the fingerprint still
// covers the raw bytes.
func (r ActionRequest) ArgsMap() map[string]interface{} {
	out := map[string]interface{}{}
	if len(r.Args) == 0 {
		return out
	}
	_ = json.Unmarshal(r.Args, &out)
	return out
}

// ArgString returns a string-typed arg or "".
func (r ActionRequest) ArgString(key string) string {
	v, ok := r.ArgsMap()[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// ArgBool returns a bool-typed arg, tolerating "true"/"1" strings.
func (r ActionRequest) ArgBool(key string) bool {
	v, ok := r.ArgsMap()[key]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s == "1" || s == "true" || s == "yes" || s == "on"
	default:
		return false
	}
}

// Verdict decisions.
const (
	DecisionAllow   = "ALLOW"
	DecisionDeny    = "DENY"
	DecisionConfirm = "CONFIRM"
)

// Reason codes surfaced to callers and recorded in audit. Policy-level
// denials are terminal; upstream/executor reasons drive the diagnostics
// text, so they must stay stable.
const (
	ReasonUnauthorized        = "unauthorized"
	ReasonHeavyRejected       = "resource_heavy_rejected"
	ReasonInsufficientTier    = "insufficient_tier"
	ReasonBlacklisted         = "blacklisted"
	ReasonRootL3FileOp        = "root_l3_file_op_blocked"
	ReasonConfirmRequired     = "confirmation_required"
	ReasonAlreadyConsumed     = "already_consumed"
	ReasonExpired             = "expired"
	ReasonFingerprintMismatch = "fingerprint_mismatch"
	ReasonUnknownToken        = "unknown_token"
	ReasonRateLimited         = "rate_limited"

	ReasonCircuitOpen        = "circuit_open"
	ReasonAuthFailed         = "auth_failed"
	ReasonUnreachable        = "network_or_unreachable"
	ReasonEndpointNotEnabled = "endpoint_not_enabled_or_not_found"

	ReasonExecutorUnavailable = "executor_not_available"
	ReasonExecutionTimeout    = "execution_timeout"
	ReasonExecutionFailed     = "execution_failed"
	ReasonCancelled           = "cancelled_by_user"
	ReasonAlreadyTerminal     = "already_terminal"
	ReasonInternalFault       = "internal_fault"
)

// Verdict is the Policy Gate outcome for one ActionRequest.
type Verdict struct {
	Decision      string         `json:"decision"`
	Reason        string         `json:"reason,omitempty"`
	Silent        bool           `json:"silent,omitempty"`
	Fingerprint   string         `json:"fingerprint,omitempty"`
	EffectiveTier PermissionTier `json:"effective_tier"`
}

func (v Verdict) Allowed() bool { return v.Decision == DecisionAllow }
func (v Verdict) Denied() bool  { return v.Decision == DecisionDeny }

type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
	JobTimedOut  JobState = "timed_out"
)

// Terminal reports whether a job state can never change again.
func (s JobState) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled, JobTimedOut:
		return true
	default:
		return false
	}
}

// Job is owned by the executor queue from creation to terminal state.
// Other components read snapshots, never mutate.
type Job struct {
	JobID      string        `json:"job_id"`
	Action     ActionRequest `json:"action"`
	Backend    string        `json:"backend,omitempty"`
	State      JobState      `json:"state"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	Result     string        `json:"result,omitempty"`
	ErrorCode  string        `json:"error_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	TraceID    string        `json:"trace_id,omitempty"`
}

// AuditRecord is one append-only row describing a gated decision and, when
// execution happened, its outcome.
type AuditRecord struct {
	TraceID              string    `json:"trace_id"`
	Time                 time.Time `json:"time"`
	CallerID             string    `json:"caller_id"`
	ChannelID            string    `json:"channel_id,omitempty"`
	ActionKind           string    `json:"action_kind"`
	Target               string    `json:"target,omitempty"`
	TierEffective        string    `json:"tier_effective"`
	BlacklistHit         bool      `json:"blacklist_hit"`
	ConfirmationRequired bool      `json:"confirmation_required"`
	ConfirmationResult   string    `json:"confirmation_result,omitempty"`
	ExecutionResult      string    `json:"execution_result,omitempty"`
	Status               string    `json:"status"`
	LatencyMS            int64     `json:"latency_ms"`
	Error                string    `json:"error,omitempty"`
}

// ResourceState is a transient snapshot of host resources sampled at
// decision time. AvailableMemoryMB is -1 when sampling failed.
type ResourceState struct {
	AvailableMemoryMB int `json:"available_memory_mb"`
}

// Known reports whether the sample carries a usable reading.
func (r ResourceState) Known() bool { return r.AvailableMemoryMB > 0 }
