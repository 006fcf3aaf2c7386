// Package contracts holds the shared data model of the plan execution core:
// runs, step results, manifests, checkpoints, policy decisions, deviations,
// and differential patches. Components communicate through these records and
// numeric ids; no back-pointers are held between them.
package contracts

import "time"

// RunState is the lifecycle state of a Run.
type RunState string

const (
	RunQueued          RunState = "QUEUED"
	RunRunning         RunState = "RUNNING"
	RunPaused          RunState = "PAUSED"
	RunWaitingApproval RunState = "WAITING_APPROVAL"
	RunCompleted       RunState = "COMPLETED"
	RunFailed          RunState = "FAILED"
	RunCancelled       RunState = "CANCELLED"
)

// Terminal reports whether the state admits no further transitions.
func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// StepStatus is the terminal status of one step execution.
type StepStatus string

const (
	StepPass    StepStatus = "PASS"
	StepFail    StepStatus = "FAIL"
	StepRetry   StepStatus = "RETRY"
	StepSkipped StepStatus = "SKIPPED"
)

// StepResult records one step execution. Output keys are action-defined
// (found, paths, page_count, draft_id, url, ...).
type StepResult struct {
	StepIndex       int            `json:"step_index"`
	Action          string         `json:"action"`
	Status          StepStatus     `json:"status"`
	StartedAt       time.Time      `json:"started_at"`
	DurationMS      int64          `json:"duration_ms"`
	Output          map[string]any `json:"output,omitempty"`
	RecoveryActions []string       `json:"recovery_actions,omitempty"`
	Evidence        []EvidenceRef  `json:"evidence,omitempty"`
	Error           *Error         `json:"error,omitempty"`
	Attempts        int            `json:"attempts"`
}

// EvidenceRef points at a persisted artifact. Artifacts are content-addressed
// and written before the step's terminal status.
type EvidenceRef struct {
	Kind   string `json:"kind"` // "screenshot" | "dom_schema"
	Key    string `json:"key"`  // store key, e.g. "12_step_3"
	Digest string `json:"digest,omitempty"`
	Path   string `json:"path,omitempty"`
}

// SignatureInfo describes the detached signature carried by a signed plan.
type SignatureInfo struct {
	Algo      string    `json:"algo"`
	KeyID     string    `json:"key_id"`
	CreatedAt time.Time `json:"created_at"`
	SHA256    string    `json:"sha256"`
	Sig       string    `json:"sig"`
}

// Manifest is the derived description of a plan: what it can touch and what
// could go wrong. Derivation is deterministic and side-effect-free.
type Manifest struct {
	Capabilities         []string       `json:"capabilities"`
	RiskFlags            []string       `json:"risk_flags"`
	RequiredCapabilities []string       `json:"required_capabilities"`
	TargetDomains        []string       `json:"target_domains"`
	SignatureInfo        *SignatureInfo `json:"signature_info,omitempty"`
}

// Run is one execution of a plan.
type Run struct {
	RunID             int64          `json:"run_id"`
	PublicID          string         `json:"public_id"`
	PlanRef           string         `json:"plan_ref"`
	VariablesResolved map[string]any `json:"variables_resolved,omitempty"`
	Manifest          *Manifest      `json:"manifest,omitempty"`
	State             RunState       `json:"state"`
	Queue             string         `json:"queue"`
	Priority          int            `json:"priority"`
	CreatedAt         time.Time      `json:"created_at"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	FinishedAt        *time.Time     `json:"finished_at,omitempty"`
	StepResults       []*StepResult  `json:"step_results,omitempty"`
	Error             *Error         `json:"error,omitempty"`
	Trigger           string         `json:"trigger,omitempty"` // manual | cron | watch | webhook
	Extra             map[string]any `json:"extra,omitempty"`
}

// Checkpoint captures everything needed to resume a run at next_step_index.
// Written atomically before any suspension point and every Nth step.
type Checkpoint struct {
	RunID          int64            `json:"run_id"`
	NextStepIndex  int              `json:"next_step_index"`
	Variables      map[string]any   `json:"variables"`
	StepOutputs    []map[string]any `json:"step_outputs_so_far"`
	EngineContexts map[string]any   `json:"engine_contexts,omitempty"`
	WrittenAt      time.Time        `json:"written_at"`
}

// PolicyCheck is one named check outcome. Name is one of the stable reason
// codes: domain, time_window, risk, signature, capabilities.
type PolicyCheck struct {
	Name            string `json:"name"`
	Allowed         bool   `json:"allowed"`
	Reason          string `json:"reason,omitempty"`
	SuggestedAction string `json:"suggested_action,omitempty"`
}

// PolicyDecision is the full, non-short-circuited evaluation result.
type PolicyDecision struct {
	Allowed          bool          `json:"allowed"`
	AutopilotEnabled bool          `json:"autopilot_enabled"`
	Checks           []PolicyCheck `json:"checks"`
	EvaluatedAt      time.Time     `json:"evaluated_at"`
}

// DeviationKind classifies an observed mismatch during execution.
type DeviationKind string

const (
	DevVerifierFail      DeviationKind = "VERIFIER_FAIL"
	DevDomainDrift       DeviationKind = "DOMAIN_DRIFT"
	DevDownloadFail      DeviationKind = "DOWNLOAD_FAIL"
	DevRetryCap          DeviationKind = "RETRY_CAP"
	DevUnexpectedElement DeviationKind = "UNEXPECTED_ELEMENT"
	DevTiming            DeviationKind = "TIMING"
)

// Severity ranks a deviation.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Deviation is one scored mismatch between expected and observed behavior.
type Deviation struct {
	RunID      int64         `json:"run_id"`
	StepIndex  int           `json:"step_index"`
	Kind       DeviationKind `json:"kind"`
	Severity   Severity      `json:"severity"`
	Score      int           `json:"score"`
	Reason     string        `json:"reason"`
	DetectedAt time.Time     `json:"detected_at"`
}

// PatchKind is the closed set of differential patch shapes Planner-L2 emits.
type PatchKind string

const (
	PatchReplaceText    PatchKind = "replace_text"
	PatchFallbackSearch PatchKind = "fallback_search"
	PatchWaitTuning     PatchKind = "wait_tuning"
	PatchAddStep        PatchKind = "add_step"
)

// Patch is a small in-memory plan repair proposal. Application never touches
// the template file on disk.
type Patch struct {
	Kind        PatchKind      `json:"kind"`
	Payload     map[string]any `json:"payload"`
	Confidence  float64        `json:"confidence"`
	RiskLevel   string         `json:"risk_level"` // low | medium | high
	StepIndex   int            `json:"step_index"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// Approval records one HITL synchronization point.
type Approval struct {
	ApprovalID   string     `json:"approval_id"`
	RunID        int64      `json:"run_id"`
	StepIndex    int        `json:"step_index"`
	Message      string     `json:"message"`
	RequiredRole string     `json:"required_role,omitempty"`
	RiskLevel    string     `json:"risk_level,omitempty"`
	AutoAction   string     `json:"auto_action"` // deny | approve
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
	Decision     string     `json:"decision,omitempty"` // approve | deny | timeout
	DecidedBy    string     `json:"decided_by,omitempty"`
}
