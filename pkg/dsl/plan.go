// Package dsl implements the declarative plan model: YAML loading, the
// template expression forms ({{var}}, {{steps[i].field}}, {{secrets://k}}),
// the when-condition grammar, and static validation.
package dsl

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/deskflow-io/deskflow/pkg/contracts"
)

// SupportedDSLVersion is the only accepted plan format version.
const SupportedDSLVersion = "1.1"

// RetryConfig controls per-step retry behavior for retryable error kinds.
type RetryConfig struct {
	MaxAttempts int   `yaml:"max_attempts" json:"max_attempts"`
	BackoffMS   int64 `yaml:"backoff_ms" json:"backoff_ms"`
}

// ExecutionConfig is the optional plan-level execution block.
type ExecutionConfig struct {
	Queue     string       `yaml:"queue" json:"queue,omitempty"`
	Priority  int          `yaml:"priority" json:"priority,omitempty"`
	Retry     *RetryConfig `yaml:"retry" json:"retry,omitempty"`
	WebEngine string       `yaml:"web_engine" json:"web_engine,omitempty"` // extension | playwright
}

// Step is one ordered action in a plan. Reserved param keys (when, engine,
// required_role, timeout_ms) are lifted out of Params at load time.
type Step struct {
	Index        int            `json:"index"`
	Action       string         `json:"action"`
	Params       map[string]any `json:"params"`
	When         string         `json:"when,omitempty"`
	Engine       string         `json:"engine,omitempty"`
	RequiredRole string         `json:"required_role,omitempty"`
	TimeoutMS    int64          `json:"timeout_ms,omitempty"`
}

// Plan is the immutable, version-stamped description of a run. Once loaded it
// is never mutated; Planner-L2 patches produce a copy.
type Plan struct {
	DSLVersion string                   `json:"dsl_version"`
	Name       string                   `json:"name"`
	Variables  map[string]any           `json:"variables,omitempty"`
	Execution  *ExecutionConfig         `json:"execution,omitempty"`
	Steps      []*Step                  `json:"steps"`
	Signature  *contracts.SignatureInfo `json:"-"`

	// raw body retained for canonicalization and signing; excludes the
	// signature block.
	body map[string]any
}

// Body returns the plan body mapping (signature block removed) for
// canonical hashing.
func (p *Plan) Body() map[string]any { return p.body }

// Clone returns a deep copy suitable for in-memory patching.
func (p *Plan) Clone() *Plan {
	cp := *p
	cp.Steps = make([]*Step, len(p.Steps))
	for i, s := range p.Steps {
		sc := *s
		sc.Params = cloneMap(s.Params)
		cp.Steps[i] = &sc
	}
	cp.Variables = cloneMap(p.Variables)
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case map[string]any:
			out[k] = cloneMap(t)
		case []any:
			cp := make([]any, len(t))
			copy(cp, t)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

// LoadFile reads and parses a plan from a YAML template file.
func LoadFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dsl: read plan %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses plan YAML. Steps are a sequence of single-key mappings from
// action name to params; declared order is preserved.
func Parse(data []byte) (*Plan, error) {
	var root map[string]any
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, contracts.NewError(contracts.ErrValidationFailed, "YAML parse error: %v", err).WithCause(err)
	}
	if root == nil {
		return nil, contracts.NewError(contracts.ErrValidationFailed, "invalid plan YAML: root must be a mapping")
	}

	plan := &Plan{body: root}

	if v, ok := root["dsl_version"]; ok {
		plan.DSLVersion = fmt.Sprintf("%v", v)
	}
	if v, ok := root["name"].(string); ok {
		plan.Name = v
	}
	if v, ok := root["variables"].(map[string]any); ok {
		plan.Variables = v
	}
	if v, ok := root["execution"].(map[string]any); ok {
		plan.Execution = parseExecution(v)
	}
	if sig, ok := root["signature"].(map[string]any); ok {
		plan.Signature = parseSignature(sig)
		// Signature block is not part of the signed body.
		body := make(map[string]any, len(root)-1)
		for k, v := range root {
			if k != "signature" {
				body[k] = v
			}
		}
		plan.body = body
	}

	rawSteps, ok := root["steps"].([]any)
	if !ok {
		return nil, contracts.NewError(contracts.ErrValidationFailed, "plan has no steps sequence")
	}
	for i, rs := range rawSteps {
		step, err := parseStep(i, rs)
		if err != nil {
			return nil, err
		}
		plan.Steps = append(plan.Steps, step)
	}
	return plan, nil
}

func parseStep(index int, raw any) (*Step, error) {
	m, ok := raw.(map[string]any)
	if !ok || len(m) != 1 {
		return nil, contracts.StepError(contracts.ErrValidationFailed, index,
			"step %d must be a single-key mapping from action to params", index)
	}
	step := &Step{Index: index, Params: map[string]any{}}
	for action, rawParams := range m {
		step.Action = action
		switch p := rawParams.(type) {
		case nil:
		case map[string]any:
			for k, v := range p {
				switch k {
				case "when":
					step.When = fmt.Sprintf("%v", v)
				case "engine":
					step.Engine = fmt.Sprintf("%v", v)
				case "required_role":
					step.RequiredRole = fmt.Sprintf("%v", v)
				case "timeout_ms":
					step.TimeoutMS = toInt64(v)
				default:
					step.Params[k] = v
				}
			}
		default:
			return nil, contracts.StepError(contracts.ErrValidationFailed, index,
				"step %d (%s): params must be a mapping", index, action)
		}
	}
	return step, nil
}

func parseExecution(m map[string]any) *ExecutionConfig {
	ec := &ExecutionConfig{}
	if v, ok := m["queue"].(string); ok {
		ec.Queue = v
	}
	ec.Priority = int(toInt64(m["priority"]))
	if v, ok := m["web_engine"].(string); ok {
		ec.WebEngine = v
	}
	if r, ok := m["retry"].(map[string]any); ok {
		ec.Retry = &RetryConfig{
			MaxAttempts: int(toInt64(r["max_attempts"])),
			BackoffMS:   toInt64(r["backoff_ms"]),
		}
	}
	return ec
}

func parseSignature(m map[string]any) *contracts.SignatureInfo {
	si := &contracts.SignatureInfo{}
	if v, ok := m["algo"].(string); ok {
		si.Algo = v
	}
	if v, ok := m["key_id"].(string); ok {
		si.KeyID = v
	}
	if v, ok := m["sha256"].(string); ok {
		si.SHA256 = v
	}
	if v, ok := m["sig"].(string); ok {
		si.Sig = v
	}
	return si
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int64:
		return t
	case float64:
		return int64(t)
	case uint64:
		return int64(t)
	}
	return 0
}
