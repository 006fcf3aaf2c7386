package dsl

import (
	"fmt"
	"strconv"
	"strings"
)

// The when grammar is a total boolean expression:
//
//	expr := term [ op term ]
//	op   := == | != | > | >= | < | <=
//	term := integer literal | 'string' | "string" | {{reference}}
//
// A bare term is truthy when it is a non-zero integer, non-empty string, or
// boolean true. There are no function calls and no nesting.

type whenTerm struct {
	literal any  // int64, string, or nil when ref
	ref     *Ref // set for reference terms
}

// WhenExpr is a compiled when condition.
type WhenExpr struct {
	left  whenTerm
	op    string
	right *whenTerm
	src   string
}

// CompileWhen parses a when expression. Compilation is pure; evaluation needs
// an Env.
func CompileWhen(src string) (*WhenExpr, error) {
	tokens, err := tokenizeWhen(src)
	if err != nil {
		return nil, err
	}
	switch len(tokens) {
	case 1:
		left, err := parseTerm(tokens[0])
		if err != nil {
			return nil, err
		}
		return &WhenExpr{left: left, src: src}, nil
	case 3:
		left, err := parseTerm(tokens[0])
		if err != nil {
			return nil, err
		}
		op := tokens[1]
		switch op {
		case "==", "!=", ">", ">=", "<", "<=":
		default:
			return nil, fmt.Errorf("when: unknown operator %q", op)
		}
		right, err := parseTerm(tokens[2])
		if err != nil {
			return nil, err
		}
		return &WhenExpr{left: left, op: op, right: &right, src: src}, nil
	default:
		return nil, fmt.Errorf("when: expected 'term [op term]', got %q", src)
	}
}

// Refs returns the references used by the expression, for static validation.
func (w *WhenExpr) Refs() []Ref {
	var refs []Ref
	if w.left.ref != nil {
		refs = append(refs, *w.left.ref)
	}
	if w.right != nil && w.right.ref != nil {
		refs = append(refs, *w.right.ref)
	}
	return refs
}

// Eval evaluates the expression against an environment. Evaluation is total:
// type mismatches compare as strings, missing references are an error.
func (w *WhenExpr) Eval(env *Env) (bool, error) {
	lv, err := resolveTerm(w.left, env)
	if err != nil {
		return false, fmt.Errorf("when %q: %w", w.src, err)
	}
	if w.right == nil {
		return truthy(lv), nil
	}
	rv, err := resolveTerm(*w.right, env)
	if err != nil {
		return false, fmt.Errorf("when %q: %w", w.src, err)
	}
	return compare(lv, w.op, rv), nil
}

func tokenizeWhen(src string) ([]string, error) {
	var tokens []string
	s := strings.TrimSpace(src)
	for len(s) > 0 {
		s = strings.TrimLeft(s, " \t")
		if s == "" {
			break
		}
		switch {
		case strings.HasPrefix(s, "{{"):
			end := strings.Index(s, "}}")
			if end < 0 {
				return nil, fmt.Errorf("when: unterminated reference in %q", src)
			}
			tokens = append(tokens, s[:end+2])
			s = s[end+2:]
		case s[0] == '\'' || s[0] == '"':
			quote := s[0]
			end := strings.IndexByte(s[1:], quote)
			if end < 0 {
				return nil, fmt.Errorf("when: unterminated string in %q", src)
			}
			tokens = append(tokens, s[:end+2])
			s = s[end+2:]
		case strings.HasPrefix(s, ">=") || strings.HasPrefix(s, "<=") ||
			strings.HasPrefix(s, "==") || strings.HasPrefix(s, "!="):
			tokens = append(tokens, s[:2])
			s = s[2:]
		case s[0] == '>' || s[0] == '<':
			tokens = append(tokens, s[:1])
			s = s[1:]
		default:
			i := strings.IndexAny(s, " \t><=!")
			if i < 0 {
				i = len(s)
			}
			tokens = append(tokens, s[:i])
			s = s[i:]
		}
	}
	return tokens, nil
}

func parseTerm(tok string) (whenTerm, error) {
	if strings.HasPrefix(tok, "{{") {
		refs := ExtractRefs(tok)
		if len(refs) != 1 {
			return whenTerm{}, fmt.Errorf("when: invalid reference %q", tok)
		}
		r := refs[0]
		if r.Secret != "" {
			return whenTerm{}, fmt.Errorf("when: secret references are not allowed in conditions")
		}
		return whenTerm{ref: &r}, nil
	}
	if len(tok) >= 2 && (tok[0] == '\'' || tok[0] == '"') {
		return whenTerm{literal: tok[1 : len(tok)-1]}, nil
	}
	if n, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return whenTerm{literal: n}, nil
	}
	if tok == "true" {
		return whenTerm{literal: int64(1)}, nil
	}
	if tok == "false" {
		return whenTerm{literal: int64(0)}, nil
	}
	// Bare words read as string literals.
	return whenTerm{literal: tok}, nil
}

func resolveTerm(t whenTerm, env *Env) (any, error) {
	if t.ref != nil {
		return env.lookup(*t.ref)
	}
	return t.literal, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	}
	return true
}

func compare(l any, op string, r any) bool {
	li, lok := asInt(l)
	ri, rok := asInt(r)
	if lok && rok {
		switch op {
		case "==":
			return li == ri
		case "!=":
			return li != ri
		case ">":
			return li > ri
		case ">=":
			return li >= ri
		case "<":
			return li < ri
		case "<=":
			return li <= ri
		}
	}
	ls, rs := stringify(l), stringify(r)
	switch op {
	case "==":
		return ls == rs
	case "!=":
		return ls != rs
	case ">":
		return ls > rs
	case ">=":
		return ls >= rs
	case "<":
		return ls < rs
	case "<=":
		return ls <= rs
	}
	return false
}

func asInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int64:
		return t, true
	case float64:
		return int64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil
	}
	return 0, false
}
