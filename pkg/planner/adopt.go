package planner

import (
	"fmt"

	"github.com/deskflow-io/deskflow/pkg/contracts"
	"github.com/deskflow-io/deskflow/pkg/policy"
)

// AdoptionDecision is the outcome of evaluating a patch against the
// adoption policy.
type AdoptionDecision struct {
	AutoAdopt            bool   `json:"auto_adopt"`
	RequiresConfirmation bool   `json:"requires_confirmation"`
	Blocked              bool   `json:"blocked"`
	Reason               string `json:"reason"`
}

// AdoptionContext carries the run-time facts the policy needs.
type AdoptionContext struct {
	AutopilotEnabled bool
	InPolicyWindow   bool
	AutoChangesSoFar int
}

// Adopt decides whether a patch may be applied without a human. Auto-adopt
// requires autopilot, an open policy window, low risk, confidence at or
// above the configured minimum, and headroom under max_auto_changes.
// Anything else is surfaced as a proposal awaiting approval; high-risk
// patches are blocked outright.
func Adopt(patch *contracts.Patch, ap policy.AdoptPolicy, ctx AdoptionContext) AdoptionDecision {
	if patch == nil {
		return AdoptionDecision{Blocked: true, Reason: "no patch"}
	}
	if patch.RiskLevel == "high" {
		return AdoptionDecision{Blocked: true, Reason: "high-risk patches are never applied"}
	}

	minConfidence := ap.MinConfidence
	if minConfidence <= 0 {
		minConfidence = 0.85
	}
	maxChanges := ap.MaxAutoChanges
	if maxChanges <= 0 {
		maxChanges = 3
	}

	switch {
	case !ctx.AutopilotEnabled:
		return AdoptionDecision{RequiresConfirmation: true, Reason: "autopilot disabled"}
	case !ctx.InPolicyWindow:
		return AdoptionDecision{RequiresConfirmation: true, Reason: "outside policy window"}
	case !ap.LowRiskAuto:
		return AdoptionDecision{RequiresConfirmation: true, Reason: "low_risk_auto disabled"}
	case patch.RiskLevel != "low":
		return AdoptionDecision{RequiresConfirmation: true, Reason: fmt.Sprintf("risk level %s requires approval", patch.RiskLevel)}
	case patch.Confidence < minConfidence:
		return AdoptionDecision{RequiresConfirmation: true,
			Reason: fmt.Sprintf("confidence %.2f below minimum %.2f", patch.Confidence, minConfidence)}
	case ctx.AutoChangesSoFar >= maxChanges:
		return AdoptionDecision{RequiresConfirmation: true,
			Reason: fmt.Sprintf("auto-change budget exhausted (%d)", maxChanges)}
	}
	return AdoptionDecision{AutoAdopt: true, Reason: "adoption policy satisfied"}
}
