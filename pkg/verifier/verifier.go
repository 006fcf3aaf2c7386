// Package verifier evaluates wait_for_*/assert_* steps. Every assertion
// runs once; on failure it performs exactly one auto-retry with extended
// timing and, for element-level asserts, a broadened text search. The three
// outcomes PASS, RETRY, and FAIL are mutually exclusive and exhaustive:
// PASS means the first attempt succeeded, RETRY means only the second did,
// FAIL aborts the run.
package verifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/deskflow-io/deskflow/pkg/adapters"
	"github.com/deskflow-io/deskflow/pkg/contracts"
)

// DefaultTimeoutMS applies when a verification step declares no timeout.
const DefaultTimeoutMS = 5000

// Outcome is the verifier's report for one assertion step.
type Outcome struct {
	Status contracts.StepStatus // PASS | RETRY | FAIL
	Output map[string]any
	Err    *contracts.Error
}

// Verifier executes assertion steps against the adapters.
type Verifier struct {
	OS  adapters.OSAdapter
	Web adapters.WebEngine

	// BroadenText expands a target text into fallback candidates for the
	// auto-retry of element-level asserts. Nil disables broadening.
	BroadenText func(text string) []string

	// Sleep is injectable for tests; defaults to time.Sleep.
	Sleep func(d time.Duration)
}

// New builds a verifier over the given adapters.
func New(osAdapter adapters.OSAdapter, web adapters.WebEngine) *Verifier {
	return &Verifier{OS: osAdapter, Web: web, Sleep: time.Sleep}
}

// Verify runs one assertion step. params are the step's rendered params.
func (v *Verifier) Verify(ctx context.Context, action string, params map[string]any, stepIndex int, timeoutMS int64) *Outcome {
	if timeoutMS <= 0 {
		timeoutMS = DefaultTimeoutMS
	}

	// First attempt with declared timing.
	ok, output, firstErr := v.attempt(ctx, action, params, timeoutMS, false)
	if ok {
		output["attempt"] = 1
		return &Outcome{Status: contracts.StepPass, Output: output}
	}

	// One auto-retry: extended timing, broadened element search.
	if v.Sleep != nil {
		v.Sleep(time.Duration(timeoutMS/2) * time.Millisecond)
	}
	ok, output, retryErr := v.attempt(ctx, action, params, timeoutMS*2, true)
	if ok {
		output["attempt"] = 2
		return &Outcome{Status: contracts.StepRetry, Output: output}
	}

	err := retryErr
	if err == nil {
		err = firstErr
	}
	if err == nil {
		err = contracts.StepError(contracts.ErrVerifierFail, stepIndex, "%s failed on both attempts", action)
	}
	err.StepIndex = stepIndex
	return &Outcome{Status: contracts.StepFail, Output: output, Err: err}
}

// attempt evaluates the assertion once. broaden enables the synonym search
// on element asserts.
func (v *Verifier) attempt(ctx context.Context, action string, params map[string]any, timeoutMS int64, broaden bool) (bool, map[string]any, *contracts.Error) {
	// The bridge owns in-page waiting; the extended timeout bounds the call.
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
	defer cancel()

	switch action {
	case "wait_for_element", "assert_element":
		return v.attemptElement(ctx, action, params, broaden)
	case "assert_text":
		return v.attemptText(ctx, params)
	case "assert_file_exists":
		return v.attemptFileExists(ctx, params)
	case "assert_pdf_pages":
		return v.attemptPDFPages(ctx, params)
	default:
		return false, map[string]any{}, contracts.NewError(contracts.ErrInternal, "unknown verifier action %q", action)
	}
}

func (v *Verifier) attemptElement(ctx context.Context, action string, params map[string]any, broaden bool) (bool, map[string]any, *contracts.Error) {
	target := targetFrom(params)
	wantCount := 1
	if c, ok := asInt(params["count_gte"]); ok && c > 0 {
		wantCount = c
	}

	candidates := []adapters.Target{target}
	if broaden && target.Text != "" && v.BroadenText != nil {
		for _, alt := range v.BroadenText(target.Text) {
			t := target
			t.Text = alt
			candidates = append(candidates, t)
		}
	}

	var count int
	for _, cand := range candidates {
		n, err := v.Web.CountElements(ctx, cand)
		if err != nil {
			return false, map[string]any{}, contracts.NewError(contracts.ErrVerifierFail, "element lookup failed: %v", err).WithCause(err)
		}
		if n > count {
			count = n
		}
		if count >= wantCount {
			break
		}
	}

	output := map[string]any{"count": count, "found": count >= wantCount}
	if count >= wantCount {
		return true, output, nil
	}
	code := contracts.ErrVerifierFail
	if action == "wait_for_element" {
		code = contracts.ErrVerifierTimeout
	}
	return false, output, contracts.NewError(code, "%s: %q matched %d element(s), need %d",
		action, target.Text, count, wantCount).
		WithHints("check the page loaded", "inspect the captured DOM schema for the actual label")
}

func (v *Verifier) attemptText(ctx context.Context, params map[string]any) (bool, map[string]any, *contracts.Error) {
	want, _ := params["text"].(string)
	text, err := v.Web.PageText(ctx)
	if err != nil {
		return false, map[string]any{}, contracts.NewError(contracts.ErrVerifierFail, "page text unavailable: %v", err).WithCause(err)
	}
	found := strings.Contains(text, want)
	output := map[string]any{"found": found}
	if found {
		return true, output, nil
	}
	return false, output, contracts.NewError(contracts.ErrVerifierFail, "assert_text: %q not on page", want)
}

func (v *Verifier) attemptFileExists(ctx context.Context, params map[string]any) (bool, map[string]any, *contracts.Error) {
	path, _ := params["path"].(string)
	exists, err := v.OS.FileExists(ctx, path)
	if err != nil {
		return false, map[string]any{}, contracts.NewError(contracts.ErrVerifierFail, "stat %s: %v", path, err).WithCause(err)
	}
	output := map[string]any{"found": exists, "path": path}
	if exists {
		return true, output, nil
	}
	return false, output, contracts.NewError(contracts.ErrVerifierFail, "assert_file_exists: %s missing", path)
}

func (v *Verifier) attemptPDFPages(ctx context.Context, params map[string]any) (bool, map[string]any, *contracts.Error) {
	path, _ := params["path"].(string)
	expected, _ := asInt(params["expected_pages"])
	pages, err := v.OS.PDFPageCount(ctx, path)
	if err != nil {
		return false, map[string]any{}, contracts.NewError(contracts.ErrPDFParse, "page count for %s: %v", path, err).WithCause(err)
	}
	output := map[string]any{"page_count": pages, "path": path}
	if pages == expected {
		return true, output, nil
	}
	return false, output, contracts.NewError(contracts.ErrVerifierFail,
		"assert_pdf_pages: %s has %d pages, expected %d", path, pages, expected)
}

func targetFrom(params map[string]any) adapters.Target {
	t := adapters.Target{}
	if s, ok := params["text"].(string); ok {
		t.Text = s
	}
	if s, ok := params["selector"].(string); ok {
		t.Selector = s
	}
	if s, ok := params["role"].(string); ok {
		t.Role = s
	}
	return t
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case string:
		var n int
		if _, err := fmt.Sscanf(t, "%d", &n); err == nil {
			return n, true
		}
	}
	return 0, false
}
