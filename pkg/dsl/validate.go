package dsl

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/deskflow-io/deskflow/pkg/contracts"
)

// Built-in variables always available to templates.
var builtinVars = map[string]bool{
	"date":         true,
	"trigger_path": true,
}

// ValidationIssue is one static check failure with a human-readable pointer.
type ValidationIssue struct {
	StepIndex int    `json:"step_index"` // -1 for plan-level issues
	Pointer   string `json:"pointer"`    // e.g. "steps[2].pdf_merge.inputs"
	Message   string `json:"message"`
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Pointer, v.Message)
}

// Validate runs every static check on a plan. It is pure: no execution, no
// filesystem, no network. Returns nil when the plan is valid; otherwise a
// *contracts.Error with code VALIDATION_FAILED whose Hints carry all issues.
func Validate(plan *Plan) error {
	issues := Check(plan)
	if len(issues) == 0 {
		return nil
	}
	first := issues[0]
	err := contracts.StepError(contracts.ErrValidationFailed, first.StepIndex, "%s", first.String())
	for _, is := range issues {
		err = err.WithHints(is.String())
	}
	return err
}

// Check returns every validation issue rather than stopping at the first.
func Check(plan *Plan) []ValidationIssue {
	var issues []ValidationIssue
	add := func(step int, pointer, format string, args ...any) {
		issues = append(issues, ValidationIssue{
			StepIndex: step,
			Pointer:   pointer,
			Message:   fmt.Sprintf(format, args...),
		})
	}

	issues = append(issues, checkVersion(plan)...)

	if len(plan.Steps) == 0 {
		add(-1, "steps", "plan has no steps")
		return issues
	}

	for _, step := range plan.Steps {
		pointer := fmt.Sprintf("steps[%d].%s", step.Index, step.Action)

		spec := LookupAction(step.Action)
		if spec == nil {
			add(step.Index, pointer, "unknown action %q", step.Action)
			continue
		}

		if err := spec.Schema.Validate(normalizeForSchema(step.Params)); err != nil {
			add(step.Index, pointer, "invalid params: %v", err)
		}

		// References in params: no forward refs, no undefined variables.
		for _, ref := range ExtractParamRefs(step.Params) {
			issues = append(issues, checkRef(plan, step, ref, pointer)...)
		}

		// when expressions must compile and obey the same reference rules.
		if step.When != "" {
			expr, err := CompileWhen(step.When)
			if err != nil {
				add(step.Index, pointer+".when", "%v", err)
				continue
			}
			for _, ref := range expr.Refs() {
				issues = append(issues, checkRef(plan, step, ref, pointer+".when")...)
			}
		}
	}
	return issues
}

func checkVersion(plan *Plan) []ValidationIssue {
	if plan.DSLVersion == "" {
		return []ValidationIssue{{StepIndex: -1, Pointer: "dsl_version", Message: "missing dsl_version"}}
	}
	v, err := semver.NewVersion(plan.DSLVersion)
	if err != nil {
		return []ValidationIssue{{
			StepIndex: -1,
			Pointer:   "dsl_version",
			Message:   fmt.Sprintf("unparseable dsl_version %q: %v", plan.DSLVersion, err),
		}}
	}
	supported := semver.MustParse(SupportedDSLVersion)
	if !v.Equal(supported) {
		return []ValidationIssue{{
			StepIndex: -1,
			Pointer:   "dsl_version",
			Message:   fmt.Sprintf("unsupported dsl_version %q (supported: %s)", plan.DSLVersion, SupportedDSLVersion),
		}}
	}
	return nil
}

func checkRef(plan *Plan, step *Step, ref Ref, pointer string) []ValidationIssue {
	switch {
	case ref.Secret != "":
		// Secrets resolve at run time; nothing to check statically.
		return nil
	case ref.StepIndex >= 0:
		if ref.StepIndex >= step.Index {
			return []ValidationIssue{{
				StepIndex: step.Index,
				Pointer:   pointer,
				Message: fmt.Sprintf("forward reference: steps[%d] referenced from step %d",
					ref.StepIndex, step.Index),
			}}
		}
	default:
		if !builtinVars[ref.Var] {
			if _, ok := plan.Variables[ref.Var]; !ok {
				return []ValidationIssue{{
					StepIndex: step.Index,
					Pointer:   pointer,
					Message:   fmt.Sprintf("undefined variable %q", ref.Var),
				}}
			}
		}
	}
	return nil
}

// normalizeForSchema converts params to the generic shapes the JSON Schema
// validator expects. YAML integers arrive as int; jsonschema wants json
// number semantics.
func normalizeForSchema(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalizeForSchema(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeForSchema(e)
		}
		return out
	case int:
		return int64(t)
	default:
		return v
	}
}
