package executor

import (
	"context"
	"os"
	"time"

	"github.com/deskflow-io/deskflow/pkg/contracts"
	"github.com/deskflow-io/deskflow/pkg/dsl"
	"github.com/deskflow-io/deskflow/pkg/manifest"
	"github.com/deskflow-io/deskflow/pkg/metrics"
	"github.com/deskflow-io/deskflow/pkg/policy"
	"github.com/deskflow-io/deskflow/pkg/signing"
)

// GateResult is the outcome of the pre-execution pipeline: validate,
// derive manifest, verify signature, evaluate policy.
type GateResult struct {
	Manifest  *contracts.Manifest
	Signature *signing.VerificationResult
	Decision  *contracts.PolicyDecision
	Err       *contracts.Error
}

// Gate runs the static pipeline for a plan. It never executes anything.
func (e *Executor) Gate(plan *dsl.Plan) *GateResult {
	res := &GateResult{}

	if err := dsl.Validate(plan); err != nil {
		res.Err = err.(*contracts.Error)
		return res
	}

	res.Manifest = manifest.Derive(plan)

	minLevel := signing.TrustLevel(e.Policy.Config().MinTrustLevel)
	if minLevel == "" {
		minLevel = signing.TrustUnknown
	}
	if plan.Signature != nil && e.Trust != nil {
		res.Signature = e.Trust.VerifyPlanBody(plan.Body(), plan.Signature, minLevel)
	}

	res.Decision = e.Policy.Evaluate(res.Manifest, res.Signature, e.now())
	if !res.Decision.Allowed {
		res.Err = policy.BlockError(res.Decision)
	}
	return res
}

// Launch gates a plan and creates the run record. Blocked plans go straight
// to FAILED without ever entering RUNNING.
func (e *Executor) Launch(ctx context.Context, plan *dsl.Plan, planRef, trigger, queue string, priority int, vars map[string]any) (*contracts.Run, *GateResult, error) {
	gate := e.Gate(plan)

	variables := map[string]any{}
	for k, v := range plan.Variables {
		variables[k] = v
	}
	for k, v := range vars {
		variables[k] = v
	}

	run := &contracts.Run{
		PlanRef:           planRef,
		VariablesResolved: e.maskMap(variables),
		Manifest:          gate.Manifest,
		Queue:             queue,
		Priority:          priority,
		Trigger:           trigger,
	}
	if run.Queue == "" && plan.Execution != nil {
		run.Queue = plan.Execution.Queue
	}
	if run.Priority == 0 && plan.Execution != nil {
		run.Priority = plan.Execution.Priority
	}
	if run.Priority == 0 {
		run.Priority = 5
	}
	if err := e.Store.CreateRun(ctx, run); err != nil {
		return nil, gate, err
	}
	if gate.Decision != nil {
		_ = e.Store.SavePolicyDecision(ctx, run.RunID, gate.Decision)
	}

	if gate.Err != nil {
		_ = e.Store.UpdateState(ctx, run.RunID, contracts.RunFailed, gate.Err)
		run.State = contracts.RunFailed
		run.Error = gate.Err
		if gate.Err.Code == contracts.ErrPolicyBlocked {
			_ = e.Store.AppendAudit(ctx, run.RunID, string(auditPolicy), metrics.ActionPolicyBlock,
				map[string]any{"checks": gate.Decision.Checks})
			e.Metrics.PolicyBlocked(ctx)
		}
		e.Metrics.RunFinished(ctx, contracts.RunFailed)
		return run, gate, nil
	}

	// Permissions preflight: strict mode turns missing OS permissions into a
	// block instead of a warning.
	if strictPermissions() {
		for _, p := range e.OS.CheckPermissions() {
			if !p.Granted {
				err := contracts.NewError(contracts.ErrOSCapabilityMiss,
					"permission %q missing and PERMISSIONS_STRICT is set", p.Name)
				_ = e.Store.UpdateState(ctx, run.RunID, contracts.RunFailed, err)
				_ = e.Store.AppendAudit(ctx, run.RunID, string(auditSystem), metrics.ActionCapabilityMiss,
					map[string]any{"permission": p.Name})
				run.State = contracts.RunFailed
				run.Error = err
				gate.Err = err
				return run, gate, nil
			}
		}
	}
	return run, gate, nil
}

func strictPermissions() bool {
	return os.Getenv("PERMISSIONS_STRICT") == "true" || os.Getenv("PERMISSIONS_STRICT") == "1"
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
