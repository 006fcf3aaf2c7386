package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/deskflow-io/deskflow/pkg/contracts"
	"github.com/deskflow-io/deskflow/pkg/dsl"
	"github.com/deskflow-io/deskflow/pkg/manifest"
)

// Apply produces a patched copy of the plan for the remainder of the run.
// The template file on disk is never modified. Application is refused when
// the patch would grow the plan's risk set (sends/deletes/overwrites).
// The returned diff is a unified diff of the step's rendering, recorded in
// the audit trail.
func Apply(plan *dsl.Plan, patch *contracts.Patch) (*dsl.Plan, string, error) {
	if patch == nil {
		return nil, "", fmt.Errorf("planner: nil patch")
	}
	if patch.StepIndex < 0 || patch.StepIndex >= len(plan.Steps) {
		return nil, "", fmt.Errorf("planner: patch targets step %d of %d", patch.StepIndex, len(plan.Steps))
	}

	patched := plan.Clone()
	step := patched.Steps[patch.StepIndex]
	before := renderStep(step)

	switch patch.Kind {
	case contracts.PatchReplaceText:
		find, _ := patch.Payload["find"].(string)
		with, _ := patch.Payload["with"].(string)
		if find == "" || with == "" {
			return nil, "", fmt.Errorf("planner: replace_text patch missing find/with")
		}
		applied := false
		for _, key := range []string{"text", "label"} {
			if v, ok := step.Params[key].(string); ok && v == find {
				step.Params[key] = with
				applied = true
			}
		}
		if !applied {
			return nil, "", fmt.Errorf("planner: target literal %q not present in step %d", find, patch.StepIndex)
		}
	case contracts.PatchWaitTuning:
		tuned := toInt64(patch.Payload["timeout_ms"])
		if tuned <= 0 {
			return nil, "", fmt.Errorf("planner: wait_tuning patch missing timeout_ms")
		}
		step.TimeoutMS = tuned
	case contracts.PatchFallbackSearch:
		// Fallback metadata rides on the step for the executor's label
		// recovery; it changes no user-visible literal.
		synonyms, _ := patch.Payload["synonyms"].([]string)
		if synonyms == nil {
			if raw, ok := patch.Payload["synonyms"].([]any); ok {
				for _, s := range raw {
					if str, ok := s.(string); ok {
						synonyms = append(synonyms, str)
					}
				}
			}
		}
		if len(synonyms) == 0 {
			return nil, "", fmt.Errorf("planner: fallback_search patch has no synonyms")
		}
		step.Params["fallback_synonyms"] = synonyms
	case contracts.PatchAddStep:
		return nil, "", fmt.Errorf("planner: add_step patches are not auto-applicable")
	default:
		return nil, "", fmt.Errorf("planner: unknown patch kind %q", patch.Kind)
	}

	// Patch safety: the rewritten plan's risk set must not grow.
	if grown := riskGrowth(plan, patched); len(grown) > 0 {
		return nil, "", fmt.Errorf("planner: patch refused, it would introduce risk %v", grown)
	}

	after := renderStep(step)
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: fmt.Sprintf("steps[%d] (original)", patch.StepIndex),
		ToFile:   fmt.Sprintf("steps[%d] (patched)", patch.StepIndex),
		Context:  2,
	})
	if err != nil {
		diff = ""
	}
	return patched, diff, nil
}

// riskGrowth returns risk flags present after patching but not before.
func riskGrowth(before, after *dsl.Plan) []string {
	old := map[string]bool{}
	for _, r := range manifest.Derive(before).RiskFlags {
		old[r] = true
	}
	var grown []string
	for _, r := range manifest.Derive(after).RiskFlags {
		if !old[r] {
			grown = append(grown, r)
		}
	}
	return grown
}

func renderStep(step *dsl.Step) string {
	var b strings.Builder
	fmt.Fprintf(&b, "action: %s\n", step.Action)
	if step.TimeoutMS > 0 {
		fmt.Fprintf(&b, "timeout_ms: %d\n", step.TimeoutMS)
	}
	params, _ := json.MarshalIndent(step.Params, "", "  ")
	b.Write(params)
	b.WriteString("\n")
	return b.String()
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int64:
		return t
	case float64:
		return int64(t)
	}
	return 0
}
