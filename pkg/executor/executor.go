// Package executor turns a gated plan into a recorded run: it walks steps in
// declared order, evaluates conditions, substitutes expressions (secrets
// last, masked on the way out), dispatches actions through the OS and web
// adapters, captures evidence, runs the verifier, applies retry and
// self-recovery policies, and persists checkpoints at every suspension
// point. The run is exclusively owned by its execution from start to
// terminal state.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/deskflow-io/deskflow/pkg/adapters"
	"github.com/deskflow-io/deskflow/pkg/audit"
	"github.com/deskflow-io/deskflow/pkg/contracts"
	"github.com/deskflow-io/deskflow/pkg/dsl"
	"github.com/deskflow-io/deskflow/pkg/evidence"
	"github.com/deskflow-io/deskflow/pkg/metrics"
	"github.com/deskflow-io/deskflow/pkg/monitor"
	"github.com/deskflow-io/deskflow/pkg/planner"
	"github.com/deskflow-io/deskflow/pkg/policy"
	"github.com/deskflow-io/deskflow/pkg/runstore"
	"github.com/deskflow-io/deskflow/pkg/secrets"
	"github.com/deskflow-io/deskflow/pkg/signing"
	"github.com/deskflow-io/deskflow/pkg/verifier"
)

const (
	auditPolicy   = audit.EventPolicy
	auditApproval = audit.EventApproval
	auditPatch    = audit.EventPatch
	auditRun      = audit.EventRun
	auditSystem   = audit.EventSystem
)

// defaultCheckpointEvery is the checkpoint cadence for long runs.
const defaultCheckpointEvery = 5

// Executor holds the process-wide services an execution needs. It is
// constructed once at startup and shared by pointer with workers; tests
// substitute fakes through the exported fields.
type Executor struct {
	Store     *runstore.Store
	Evidence  evidence.Store
	OS        adapters.OSAdapter
	Web       adapters.WebEngine
	Secrets   *secrets.Resolver
	Policy    *policy.Engine
	Trust     *signing.TrustStore
	Audit     audit.Logger
	Metrics   *metrics.Collector
	Notifier  monitor.Notifier
	Approvals *ApprovalHub

	CheckpointEvery    int
	CaptureScreenshots bool
	DryRun             bool

	Log *slog.Logger

	// Now and TimerFactory are injectable for deterministic tests.
	Now          func() time.Time
	TimerFactory func(d time.Duration) *time.Timer
	Sleep        func(d time.Duration)
}

// New wires an executor with required dependencies and sane defaults.
func New(store *runstore.Store, ev evidence.Store, osAdapter adapters.OSAdapter, web adapters.WebEngine,
	sec *secrets.Resolver, pol *policy.Engine, auditLog audit.Logger) *Executor {
	if auditLog == nil {
		auditLog = audit.Nop{}
	}
	return &Executor{
		Store:           store,
		Evidence:        ev,
		OS:              osAdapter,
		Web:             web,
		Secrets:         sec,
		Policy:          pol,
		Audit:           auditLog,
		Notifier:        monitor.NopNotifier{},
		Approvals:       NewApprovalHub(),
		CheckpointEvery: defaultCheckpointEvery,
		Log:             slog.Default().With("component", "executor"),
		Sleep:           time.Sleep,
	}
}

// execution is the per-run state machine. One goroutine owns it.
type execution struct {
	exec        *Executor
	run         *contracts.Run
	plan        *dsl.Plan
	env         *dsl.Env
	monitor     *monitor.Monitor
	autoChanges int
	completed   int
	lastDraftID string

	pauseFlag   atomic.Bool
	pauseReason atomic.Value // string
}

// Handle exposes live control of a running execution.
type Handle struct{ x *execution }

// Pause requests a pause at the next step boundary.
func (h *Handle) Pause(reason string) {
	h.x.pauseReason.Store(reason)
	h.x.pauseFlag.Store(true)
}

// ObserveDeviation reports an externally detected deviation (unexpected
// element, download failure, timing) into the run's L4 monitor.
func (h *Handle) ObserveDeviation(kind contracts.DeviationKind, stepIndex int, reason string) {
	h.x.observeDeviation(context.Background(), kind, stepIndex, reason)
}

// Monitor returns the run's L4 monitor.
func (h *Handle) Monitor() *monitor.Monitor { return h.x.monitor }

// ExecuteRun drives a run to a terminal state or a suspension. When a
// checkpoint exists the run resumes at next_step_index with variables and
// prior step outputs reconstructed.
func (e *Executor) ExecuteRun(ctx context.Context, run *contracts.Run, plan *dsl.Plan) (*Handle, error) {
	x, err := e.prepare(ctx, run, plan)
	if err != nil {
		return nil, err
	}
	return &Handle{x: x}, x.loop(ctx)
}

// Start begins execution on a new goroutine and returns the control handle
// immediately. done receives the loop error (nil on clean suspension or
// completion).
func (e *Executor) Start(ctx context.Context, run *contracts.Run, plan *dsl.Plan, done chan<- error) (*Handle, error) {
	x, err := e.prepare(ctx, run, plan)
	if err != nil {
		return nil, err
	}
	h := &Handle{x: x}
	go func() {
		err := x.loop(ctx)
		if done != nil {
			done <- err
		}
	}()
	return h, nil
}

func (e *Executor) prepare(ctx context.Context, run *contracts.Run, plan *dsl.Plan) (*execution, error) {
	if run.State.Terminal() {
		return nil, fmt.Errorf("executor: run %d already terminal (%s)", run.RunID, run.State)
	}

	// State is loaded even when ctx is already cancelled, so the loop can
	// still record the cancellation at its first step boundary.
	rctx := context.WithoutCancel(ctx)
	decision, err := e.Store.PolicyDecision(rctx, run.RunID)
	if err != nil {
		return nil, err
	}
	autopilot := decision != nil && decision.AutopilotEnabled

	x := &execution{
		exec:    e,
		run:     run,
		plan:    plan,
		monitor: monitor.New(run.RunID, e.Policy.Config(), autopilot),
	}

	variables := map[string]any{}
	for k, v := range plan.Variables {
		variables[k] = v
	}
	for k, v := range run.VariablesResolved {
		variables[k] = v
	}
	variables["date"] = e.now().Format("2006-01-02")

	outputs := make([]map[string]any, len(plan.Steps))
	startIndex := 0

	// Resume path: rebuild from the checkpoint.
	cp, err := e.Store.Checkpoint(rctx, run.RunID)
	if err != nil {
		return nil, err
	}
	if cp != nil {
		startIndex = cp.NextStepIndex
		for k, v := range cp.Variables {
			variables[k] = v
		}
		for i, out := range cp.StepOutputs {
			if i < len(outputs) {
				outputs[i] = out
			}
		}
	}

	var resolver dsl.SecretResolver
	if e.Secrets != nil {
		resolver = e.Secrets
	}
	x.env = &dsl.Env{Variables: variables, StepOutputs: outputs, Secrets: resolver}
	x.completed = startIndex

	if autopilot && startIndex == 0 {
		_ = e.Store.AppendAudit(ctx, run.RunID, string(auditRun), metrics.ActionL4Autorun, nil)
	}
	return x, nil
}

// loop is the per-step state machine.
func (x *execution) loop(ctx context.Context) error {
	e := x.exec
	x.setState(ctx, contracts.RunRunning, nil)

	for i := x.completed; i < len(x.plan.Steps); i++ {
		// Safe boundaries between steps: cancellation, explicit pause, and
		// L4 safe-fail all land here.
		if ctx.Err() != nil {
			bg := context.WithoutCancel(ctx)
			x.writeCheckpoint(bg, i)
			err := contracts.NewError(contracts.ErrCancelled, "run cancelled")
			x.setState(bg, contracts.RunCancelled, err)
			return nil
		}
		if x.pauseFlag.Load() {
			x.writeCheckpoint(ctx, i)
			x.setState(ctx, contracts.RunPaused, nil)
			return nil
		}

		step := x.plan.Steps[i]
		result := x.executeStep(ctx, step)

		// Evidence precedes the terminal status write.
		for _, ref := range result.Evidence {
			_ = e.Store.SaveEvidence(ctx, x.run.RunID, step.Index, ref)
		}
		result.Output = x.maskOutput(result.Output)
		_ = e.Store.SaveStepResult(ctx, x.run.RunID, result)
		e.Metrics.StepDuration(ctx, step.Action, float64(result.DurationMS))

		if result.Output != nil {
			x.env.StepOutputs[step.Index] = result.Output
		}

		switch result.Status {
		case contracts.StepFail:
			// WAITING_APPROVAL failures keep their own codes; everything
			// else fails the run with the step's error.
			x.setState(ctx, contracts.RunFailed, result.Error)
			e.Metrics.RunFinished(ctx, contracts.RunFailed)
			return nil
		case contracts.StepPass, contracts.StepRetry, contracts.StepSkipped:
		}

		x.completed = i + 1

		// L4 safe-fail may have tripped during the step.
		if x.pauseFlag.Load() {
			x.writeCheckpoint(ctx, i+1)
			x.setState(ctx, contracts.RunPaused, nil)
			return nil
		}

		every := e.CheckpointEvery
		if every <= 0 {
			every = defaultCheckpointEvery
		}
		if x.completed%every == 0 && x.completed < len(x.plan.Steps) {
			x.writeCheckpoint(ctx, x.completed)
		}
	}

	_ = e.Store.ClearCheckpoint(ctx, x.run.RunID)
	x.setState(ctx, contracts.RunCompleted, nil)
	e.Metrics.RunFinished(ctx, contracts.RunCompleted)
	return nil
}

// executeStep runs one step: when-condition, substitution, dispatch with
// retries and self-recovery, verification, and evidence capture.
func (x *execution) executeStep(ctx context.Context, step *dsl.Step) *contracts.StepResult {
	e := x.exec
	started := e.now()

	// 1. Conditional: a false when yields SKIPPED with zero duration.
	if step.When != "" {
		expr, err := dsl.CompileWhen(step.When)
		if err == nil {
			ok, evalErr := expr.Eval(x.env)
			if evalErr != nil {
				return &contracts.StepResult{
					StepIndex: step.Index, Action: step.Action, Status: contracts.StepFail,
					StartedAt: started.UTC(), Attempts: 1,
					Error: contracts.StepError(contracts.ErrValidationFailed, step.Index, "when: %v", evalErr).WithCause(evalErr),
				}
			}
			if !ok {
				return &contracts.StepResult{
					StepIndex: step.Index, Action: step.Action, Status: contracts.StepSkipped,
					StartedAt: started.UTC(), Attempts: 0,
				}
			}
		}
	}

	// 2. Substitution at step-start; secrets resolve last and stay masked in
	// anything persisted.
	params, err := x.env.RenderParams(step.Params)
	if err != nil {
		return &contracts.StepResult{
			StepIndex: step.Index, Action: step.Action, Status: contracts.StepFail,
			StartedAt: started.UTC(), Attempts: 1,
			Error: contracts.StepError(contracts.ErrValidationFailed, step.Index, "substitution: %v", err).WithCause(err),
		}
	}

	// 3. Control-flow actions own their own lifecycle. Dry runs preview
	// approvals and assertions instead of blocking or probing the page.
	switch step.Action {
	case "human_confirm":
		if e.DryRun {
			message, _ := params["message"].(string)
			return dryRunResult(step, started, map[string]any{"would_confirm": message})
		}
		return x.humanConfirm(ctx, step, params)
	case "policy_guard":
		return x.policyGuard(ctx, step)
	}

	// 4. Verification actions: one auto-retry inside the verifier.
	if dsl.IsVerifierAction(step.Action) {
		if e.DryRun {
			return dryRunResult(step, started, map[string]any{"would_verify": step.Action})
		}
		return x.verifyStep(ctx, step, params, started)
	}

	// 5. Regular action with retry policy and self-recovery.
	return x.runAction(ctx, step, params, started)
}

// dryRunResult wraps a would_* preview as a passing step.
func dryRunResult(step *dsl.Step, started time.Time, output map[string]any) *contracts.StepResult {
	return &contracts.StepResult{
		StepIndex: step.Index,
		Action:    step.Action,
		Status:    contracts.StepPass,
		StartedAt: started.UTC(),
		Attempts:  1,
		Output:    output,
	}
}

func (x *execution) verifyStep(ctx context.Context, step *dsl.Step, params map[string]any, started time.Time) *contracts.StepResult {
	e := x.exec
	v := verifier.New(e.OS, e.Web)
	v.BroadenText = planner.Synonyms
	if e.Sleep != nil {
		v.Sleep = e.Sleep
	}

	outcome := v.Verify(ctx, step.Action, params, step.Index, step.TimeoutMS)
	result := &contracts.StepResult{
		StepIndex:  step.Index,
		Action:     step.Action,
		Status:     outcome.Status,
		StartedAt:  started.UTC(),
		DurationMS: e.now().Sub(started).Milliseconds(),
		Output:     outcome.Output,
		Error:      outcome.Err,
		Attempts:   1,
	}
	if outcome.Status == contracts.StepRetry {
		result.Attempts = 2
	}
	if outcome.Status == contracts.StepFail {
		// A failing verifier aborts the run; the monitor hears about it
		// first.
		x.observeDeviation(ctx, contracts.DevVerifierFail, step.Index,
			fmt.Sprintf("%s failed both attempts", step.Action))
	}
	x.captureEvidence(ctx, step, result)
	return result
}

// policyGuard re-evaluates the policy mid-run and records the checks.
func (x *execution) policyGuard(ctx context.Context, step *dsl.Step) *contracts.StepResult {
	e := x.exec
	started := e.now()
	decision := e.Policy.Evaluate(x.run.Manifest, nil, e.now())
	_ = e.Audit.Record(auditPolicy, "policy_guard", x.run.RunID, step.Index,
		map[string]any{"allowed": decision.Allowed, "checks": decision.Checks})
	_ = e.Store.AppendAudit(ctx, x.run.RunID, string(auditPolicy), "policy_guard",
		map[string]any{"allowed": decision.Allowed})

	result := &contracts.StepResult{
		StepIndex:  step.Index,
		Action:     step.Action,
		StartedAt:  started.UTC(),
		DurationMS: e.now().Sub(started).Milliseconds(),
		Attempts:   1,
		Output:     map[string]any{"allowed": decision.Allowed, "checks": checksOutput(decision)},
	}
	if !decision.Allowed {
		result.Status = contracts.StepFail
		result.Error = policy.BlockError(decision)
		result.Error.StepIndex = step.Index
		_ = e.Store.AppendAudit(ctx, x.run.RunID, string(auditPolicy), metrics.ActionPolicyBlock, nil)
		e.Metrics.PolicyBlocked(ctx)
		return result
	}
	result.Status = contracts.StepPass
	return result
}

func checksOutput(d *contracts.PolicyDecision) []any {
	out := make([]any, 0, len(d.Checks))
	for _, c := range d.Checks {
		out = append(out, map[string]any{"name": c.Name, "allowed": c.Allowed, "reason": c.Reason})
	}
	return out
}

// observeDeviation feeds the L4 monitor and handles a safe-fail trip:
// checkpoint, handoff record, notification, pause.
func (x *execution) observeDeviation(ctx context.Context, kind contracts.DeviationKind, stepIndex int, reason string) {
	e := x.exec
	dev, handoff := x.monitor.Observe(kind, stepIndex, reason)
	if dev != nil {
		_ = e.Store.SaveDeviation(ctx, dev)
	}
	if handoff == nil {
		return
	}
	_ = e.Store.AppendAudit(ctx, x.run.RunID, string(auditRun), metrics.ActionDeviationStop,
		map[string]any{"score": handoff.Score, "reason": handoff.Reason})
	_ = e.Audit.Record(auditRun, "l4_safe_fail", x.run.RunID, stepIndex,
		map[string]any{"score": handoff.Score, "threshold": handoff.Threshold})
	e.Metrics.DeviationStop(ctx)
	e.Notifier.NotifyHandoff(handoff)
	x.pauseReason.Store("l4 safe-fail: " + handoff.Reason)
	x.pauseFlag.Store(true)
}

func (x *execution) setState(ctx context.Context, state contracts.RunState, err *contracts.Error) {
	x.run.State = state
	x.run.Error = err
	_ = x.exec.Store.UpdateState(ctx, x.run.RunID, state, err)
}

// writeCheckpoint persists the resume point atomically.
func (x *execution) writeCheckpoint(ctx context.Context, nextStep int) {
	cp := &contracts.Checkpoint{
		RunID:         x.run.RunID,
		NextStepIndex: nextStep,
		Variables:     x.maskMapForCheckpoint(x.env.Variables),
		StepOutputs:   x.env.StepOutputs,
		WrittenAt:     x.exec.now().UTC(),
	}
	_ = x.exec.Store.SaveCheckpoint(ctx, cp)
}

// maskMapForCheckpoint masks string values so no raw secret survives
// persistence.
func (x *execution) maskMapForCheckpoint(m map[string]any) map[string]any {
	if x.exec.Secrets == nil {
		return m
	}
	return x.exec.Secrets.Masker().MaskValue(m).(map[string]any)
}

func (x *execution) maskOutput(out map[string]any) map[string]any {
	if out == nil || x.exec.Secrets == nil {
		return out
	}
	return x.exec.Secrets.Masker().MaskValue(out).(map[string]any)
}

func (e *Executor) maskMap(m map[string]any) map[string]any {
	if e.Secrets == nil || m == nil {
		return m
	}
	return e.Secrets.Masker().MaskValue(m).(map[string]any)
}

// captureEvidence takes the configured per-step artifacts. Failures to
// capture are logged, never fatal to the step.
func (x *execution) captureEvidence(ctx context.Context, step *dsl.Step, result *contracts.StepResult) {
	e := x.exec
	if e.Evidence == nil {
		return
	}
	key := evidence.Key(x.run.RunID, step.Index)
	if e.CaptureScreenshots && e.OS != nil {
		if png, err := e.OS.TakeScreenshot(ctx); err == nil && len(png) > 0 {
			if ref, err := e.Evidence.Put(ctx, evidence.KindScreenshot, key, png); err == nil {
				result.Evidence = append(result.Evidence, ref)
			}
		}
	}
}
