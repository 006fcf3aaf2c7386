package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deskflow-io/deskflow/pkg/contracts"
	"github.com/deskflow-io/deskflow/pkg/dsl"
)

// Decision is one human approval response.
type Decision struct {
	Approve bool
	Role    string
	By      string
}

// ApprovalHub routes human decisions to runs waiting on them. The HTTP
// facade and CLI feed it; executions block on it with a deadline.
type ApprovalHub struct {
	mu      sync.Mutex
	waiting map[int64]chan Decision
}

// NewApprovalHub returns an empty hub.
func NewApprovalHub() *ApprovalHub {
	return &ApprovalHub{waiting: make(map[int64]chan Decision)}
}

// Register creates the decision channel a waiting run blocks on. The
// executor calls this before suspending; tests and the HTTP facade may use
// it to observe delivery.
func (h *ApprovalHub) Register(runID int64) chan Decision {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Decision, 1)
	h.waiting[runID] = ch
	return ch
}

// Unregister removes a waiter.
func (h *ApprovalHub) Unregister(runID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.waiting, runID)
}

// Decide delivers a decision to a waiting run. Returns false when no run is
// waiting under that id.
func (h *ApprovalHub) Decide(runID int64, d Decision) bool {
	h.mu.Lock()
	ch, ok := h.waiting[runID]
	h.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- d:
		return true
	default:
		return false
	}
}

// Waiting reports whether a run is blocked on an approval.
func (h *ApprovalHub) Waiting(runID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.waiting[runID]
	return ok
}

// humanConfirm executes a human_confirm step: checkpoint, transition to
// WAITING_APPROVAL, record the approval, and block until a decision arrives
// or timeout_minutes elapse (then auto_action applies).
func (x *execution) humanConfirm(ctx context.Context, step *dsl.Step, params map[string]any) *contracts.StepResult {
	started := x.exec.now()
	result := &contracts.StepResult{
		StepIndex: step.Index,
		Action:    step.Action,
		StartedAt: started.UTC(),
		Attempts:  1,
	}

	message, _ := params["message"].(string)
	autoAction, _ := params["auto_action"].(string)
	if autoAction == "" {
		autoAction = "deny"
	}
	timeoutMinutes := int64(5)
	if t := toInt64(params["timeout_minutes"]); t > 0 {
		timeoutMinutes = t
	}
	riskLevel, _ := params["risk_level"].(string)

	approval := &contracts.Approval{
		ApprovalID:   uuid.New().String(),
		RunID:        x.run.RunID,
		StepIndex:    step.Index,
		Message:      message,
		RequiredRole: step.RequiredRole,
		RiskLevel:    riskLevel,
		AutoAction:   autoAction,
		CreatedAt:    started.UTC(),
		ExpiresAt:    started.Add(time.Duration(timeoutMinutes) * time.Minute).UTC(),
	}

	// Suspension point: checkpoint before waiting.
	x.writeCheckpoint(ctx, step.Index)
	_ = x.exec.Store.SaveApproval(ctx, approval)
	x.setState(ctx, contracts.RunWaitingApproval, nil)
	_ = x.exec.Audit.Record(auditApproval, "approval_requested", x.run.RunID, step.Index,
		map[string]any{"approval_id": approval.ApprovalID, "message": message})

	ch := x.exec.Approvals.Register(x.run.RunID)
	defer x.exec.Approvals.Unregister(x.run.RunID)

	timer := x.exec.newTimer(time.Duration(timeoutMinutes) * time.Minute)
	defer timer.Stop()

	var decision string
	var decidedBy string
	select {
	case d := <-ch:
		decidedBy = d.By
		if !x.roleSatisfied(step.RequiredRole, d.Role) {
			decision = "deny"
			result.Error = contracts.StepError(contracts.ErrApprovalDenied, step.Index,
				"approver role %q does not satisfy required role %q", d.Role, step.RequiredRole)
		} else if d.Approve {
			decision = "approve"
		} else {
			decision = "deny"
			result.Error = contracts.StepError(contracts.ErrApprovalDenied, step.Index,
				"approval denied by %s", d.By)
		}
	case <-timer.C:
		decision = "timeout"
		if autoAction == "approve" {
			decision = "approve"
			decidedBy = "auto"
		} else {
			result.Error = contracts.StepError(contracts.ErrApprovalTimeout, step.Index,
				"no decision within %d minute(s), auto action %q applied", timeoutMinutes, autoAction)
		}
	case <-ctx.Done():
		decision = "deny"
		result.Error = contracts.StepError(contracts.ErrCancelled, step.Index, "run cancelled while waiting for approval")
	}

	now := x.exec.now().UTC()
	approval.DecidedAt = &now
	approval.Decision = decision
	approval.DecidedBy = decidedBy
	_ = x.exec.Store.SaveApproval(ctx, approval)
	_ = x.exec.Audit.Record(auditApproval, "approval_"+decision, x.run.RunID, step.Index,
		map[string]any{"approval_id": approval.ApprovalID, "decided_by": decidedBy})

	result.DurationMS = x.exec.now().Sub(started).Milliseconds()
	if result.Error != nil {
		result.Status = contracts.StepFail
		return result
	}
	x.setState(ctx, contracts.RunRunning, nil)
	result.Status = contracts.StepPass
	result.Output = map[string]any{
		"approval_id": approval.ApprovalID,
		"decision":    decision,
		"decided_by":  decidedBy,
	}
	return result
}

func (x *execution) roleSatisfied(required, actual string) bool {
	if required == "" {
		return true
	}
	return required == actual
}

// newTimer is injectable so tests can force timeouts instantly.
func (e *Executor) newTimer(d time.Duration) *time.Timer {
	if e.TimerFactory != nil {
		return e.TimerFactory(d)
	}
	return time.NewTimer(d)
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int64:
		return t
	case float64:
		return int64(t)
	case string:
		var n int64
		_, _ = fmt.Sscanf(t, "%d", &n)
		return n
	}
	return 0
}
