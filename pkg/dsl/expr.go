package dsl

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Expression forms supported inside string fields:
//
//	{{var}}                      top-level variable
//	{{steps[i].field}}           prior-step output field
//	{{secrets://[service/]key}}  secret reference, resolved last
//
// Expressions are evaluated at step-start, not at plan load.

var exprPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)
var stepsRefPattern = regexp.MustCompile(`^steps\[(\d+)\]\.([A-Za-z_][A-Za-z0-9_]*)$`)

// Ref is one reference found inside a templated string.
type Ref struct {
	Raw       string
	StepIndex int    // -1 unless a steps[i].field reference
	Var       string // set for variable references
	Secret    string // set for secrets:// references ([service/]key)
	Field     string // set for steps references
}

// ExtractRefs scans a string for expression references. Used by the validator
// for forward-reference and undefined-variable checks.
func ExtractRefs(s string) []Ref {
	var refs []Ref
	for _, m := range exprPattern.FindAllStringSubmatch(s, -1) {
		expr := strings.TrimSpace(m[1])
		ref := Ref{Raw: expr, StepIndex: -1}
		switch {
		case strings.HasPrefix(expr, "secrets://"):
			ref.Secret = strings.TrimPrefix(expr, "secrets://")
		case stepsRefPattern.MatchString(expr):
			sm := stepsRefPattern.FindStringSubmatch(expr)
			ref.StepIndex, _ = strconv.Atoi(sm[1])
			ref.Field = sm[2]
		default:
			ref.Var = expr
		}
		refs = append(refs, ref)
	}
	return refs
}

// ExtractParamRefs walks a params mapping and collects references from every
// string leaf, including nested lists and mappings.
func ExtractParamRefs(params map[string]any) []Ref {
	var refs []Ref
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			refs = append(refs, ExtractRefs(t)...)
		case []any:
			for _, e := range t {
				walk(e)
			}
		case map[string]any:
			for _, e := range t {
				walk(e)
			}
		}
	}
	walk(params)
	return refs
}

// SecretResolver resolves secrets:// references. Implemented by pkg/secrets.
type SecretResolver interface {
	Resolve(ref string) (string, error)
}

// Env is the evaluation context for one step: plan variables plus the outputs
// of already-completed steps. Secrets resolve through the resolver so the
// engine itself never holds raw secret material.
type Env struct {
	Variables   map[string]any
	StepOutputs []map[string]any
	Secrets     SecretResolver
}

// lookup resolves a single reference to a typed value.
func (e *Env) lookup(ref Ref) (any, error) {
	switch {
	case ref.Secret != "":
		if e.Secrets == nil {
			return nil, fmt.Errorf("secret reference %q with no resolver", ref.Raw)
		}
		v, err := e.Secrets.Resolve(ref.Secret)
		if err != nil {
			return nil, err
		}
		return v, nil
	case ref.StepIndex >= 0:
		if ref.StepIndex >= len(e.StepOutputs) || e.StepOutputs[ref.StepIndex] == nil {
			return nil, fmt.Errorf("steps[%d] has no recorded output", ref.StepIndex)
		}
		v, ok := e.StepOutputs[ref.StepIndex][ref.Field]
		if !ok {
			return nil, fmt.Errorf("steps[%d] output has no field %q", ref.StepIndex, ref.Field)
		}
		return v, nil
	default:
		v, ok := e.Variables[ref.Var]
		if !ok {
			return nil, fmt.Errorf("undefined variable %q", ref.Var)
		}
		return v, nil
	}
}

// RenderString substitutes every expression in s. When the whole string is a
// single expression the typed value is returned (lists and counts survive);
// otherwise values are stringified and concatenated.
func (e *Env) RenderString(s string) (any, error) {
	matches := exprPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Whole-string single expression keeps its type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		refs := ExtractRefs(s)
		return e.lookup(refs[0])
	}

	var b strings.Builder
	last := 0
	refs := ExtractRefs(s)
	for i, m := range matches {
		b.WriteString(s[last:m[0]])
		v, err := e.lookup(refs[i])
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(v))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// RenderParams renders every string leaf of a params mapping.
func (e *Env) RenderParams(params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		rv, err := e.renderValue(v)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", k, err)
		}
		out[k] = rv
	}
	return out, nil
}

func (e *Env) renderValue(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return e.RenderString(t)
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			rv, err := e.renderValue(el)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, el := range t {
			rv, err := e.renderValue(el)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
