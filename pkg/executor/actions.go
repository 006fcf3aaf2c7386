package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/deskflow-io/deskflow/pkg/adapters"
	"github.com/deskflow-io/deskflow/pkg/contracts"
	"github.com/deskflow-io/deskflow/pkg/dsl"
	"github.com/deskflow-io/deskflow/pkg/evidence"
	"github.com/deskflow-io/deskflow/pkg/metrics"
	"github.com/deskflow-io/deskflow/pkg/planner"
)

// runAction dispatches a non-verifier action with the retry policy, at-most-
// once self-recovery, and the Planner-L2 repair path.
func (x *execution) runAction(ctx context.Context, step *dsl.Step, params map[string]any, started time.Time) *contracts.StepResult {
	e := x.exec
	result := &contracts.StepResult{
		StepIndex: step.Index,
		Action:    step.Action,
		StartedAt: started.UTC(),
	}

	maxAttempts, backoffMS := x.retryPolicy()
	recovered := false
	patched := false
	sawTimeout := false

	var output map[string]any
	var actErr *contracts.Error

	for attempt := 1; ; attempt++ {
		result.Attempts = attempt
		output, actErr = x.dispatch(ctx, step, params, result)
		if actErr == nil {
			break
		}
		actErr.StepIndex = step.Index
		if actErr.Code == contracts.ErrTimeout || actErr.Code == contracts.ErrDownloadTimeout {
			sawTimeout = true
		}

		// Deterministic self-recovery, at most once per step.
		if !recovered {
			if newParams, note := x.tryRecover(ctx, step, params, actErr); note != "" {
				recovered = true
				params = newParams
				result.RecoveryActions = append(result.RecoveryActions, note)
				continue
			}
		}

		// Planner-L2: one differential patch per failure, adoption-gated.
		if !patched && actErr.Code == contracts.ErrWebElementNotFound {
			if newStep, note := x.tryPatch(ctx, step, actErr); newStep != nil {
				patched = true
				step = newStep
				if rendered, rerr := x.env.RenderParams(step.Params); rerr == nil {
					params = rendered
				}
				result.RecoveryActions = append(result.RecoveryActions, note)
				continue
			}
		}

		if !actErr.Code.Retryable() || attempt >= maxAttempts {
			if attempt >= maxAttempts && actErr.Code.Retryable() && maxAttempts > 1 {
				x.observeDeviation(ctx, contracts.DevRetryCap, step.Index,
					fmt.Sprintf("%s exhausted %d attempts", step.Action, maxAttempts))
			}
			if actErr.Code == contracts.ErrDownloadTimeout || actErr.Code == contracts.ErrDownloadIncomplete {
				x.observeDeviation(ctx, contracts.DevDownloadFail, step.Index, actErr.Message)
			}
			break
		}
		if e.Sleep != nil && backoffMS > 0 {
			// Multiplicative backoff between attempts.
			e.Sleep(time.Duration(backoffMS*int64(attempt)) * time.Millisecond)
		}
	}

	result.DurationMS = e.now().Sub(started).Milliseconds()
	result.Output = output
	if actErr != nil {
		result.Status = contracts.StepFail
		result.Error = actErr
		x.captureEvidence(ctx, step, result)
		return result
	}
	if sawTimeout {
		x.observeDeviation(ctx, contracts.DevTiming, step.Index, "step needed extended timing")
	}
	if step.TimeoutMS > 0 && result.DurationMS > step.TimeoutMS {
		x.observeDeviation(ctx, contracts.DevTiming, step.Index,
			fmt.Sprintf("step took %dms against a %dms budget", result.DurationMS, step.TimeoutMS))
	}
	result.Status = contracts.StepPass
	if result.Attempts > 1 {
		result.Status = contracts.StepRetry
	}
	x.captureEvidence(ctx, step, result)
	return result
}

func (x *execution) retryPolicy() (int, int64) {
	if x.plan.Execution != nil && x.plan.Execution.Retry != nil {
		r := x.plan.Execution.Retry
		attempts := r.MaxAttempts
		if attempts <= 0 {
			attempts = 1
		}
		return attempts, r.BackoffMS
	}
	return 1, 0
}

// tryRecover implements the deterministic self-recovery table. Returns the
// adjusted params and a log note, or "" when no recovery applies.
func (x *execution) tryRecover(ctx context.Context, step *dsl.Step, params map[string]any, actErr *contracts.Error) (map[string]any, string) {
	switch {
	case step.Action == "move_to" && actErr.Code == contracts.ErrFileNotFound:
		dest, _ := params["dest"].(string)
		if dest == "" {
			return params, ""
		}
		if err := x.exec.OS.CreateDir(ctx, dest); err != nil {
			return params, ""
		}
		return params, fmt.Sprintf("created missing destination directory %s", dest)

	case (step.Action == "fill_by_label" || step.Action == "click_by_text") &&
		actErr.Code == contracts.ErrWebElementNotFound:
		key := "label"
		if step.Action == "click_by_text" {
			key = "text"
		}
		target, _ := params[key].(string)
		if target == "" {
			return params, ""
		}
		candidates := planner.Synonyms(target)
		if extra, ok := params["fallback_synonyms"].([]any); ok {
			for _, s := range extra {
				if str, ok := s.(string); ok {
					candidates = append(candidates, str)
				}
			}
		}
		for _, alt := range candidates {
			probe := adapters.Target{Role: roleParam(params)}
			if key == "label" {
				probe.Label = alt
			} else {
				probe.Text = alt
			}
			if n, err := x.exec.Web.CountElements(ctx, probe); err == nil && n > 0 {
				out := cloneParams(params)
				out[key] = alt
				return out, fmt.Sprintf("label %q not found, matched synonym %q", target, alt)
			}
		}
		return params, ""
	}
	return params, ""
}

// tryPatch captures the screen schema, asks Planner-L2 for a repair, and
// applies it under the adoption policy. Returns the patched step or nil.
func (x *execution) tryPatch(ctx context.Context, step *dsl.Step, actErr *contracts.Error) (*dsl.Step, string) {
	e := x.exec
	if e.Web == nil {
		return nil, ""
	}
	schema, err := e.Web.CaptureDOMSchema(ctx, "")
	if err != nil {
		return nil, ""
	}
	x.persistSchema(ctx, step.Index, schema)

	patch := planner.Propose(planner.Failure{Step: step, Err: actErr, Schema: schema})
	if patch == nil {
		return nil, ""
	}

	_ = e.Store.AppendAudit(ctx, x.run.RunID, string(auditPatch), metrics.ActionPatchProposed,
		map[string]any{"kind": patch.Kind, "confidence": patch.Confidence, "step": patch.StepIndex})
	e.Metrics.Patch(ctx, false)

	decision := planner.Adopt(patch, e.Policy.Config().AdoptPolicy, planner.AdoptionContext{
		AutopilotEnabled: x.monitor.Active(),
		InPolicyWindow:   e.Policy.InWindow(e.now()),
		AutoChangesSoFar: x.autoChanges,
	})
	_ = e.Audit.Record(auditPatch, "patch_"+adoptionWord(decision), x.run.RunID, step.Index,
		map[string]any{"kind": patch.Kind, "confidence": patch.Confidence, "reason": decision.Reason})
	if !decision.AutoAdopt {
		return nil, ""
	}

	patchedPlan, diff, err := planner.Apply(x.plan, patch)
	if err != nil {
		// Refused patches (risk growth) are recorded and dropped.
		_ = e.Audit.Record(auditPatch, "patch_refused", x.run.RunID, step.Index,
			map[string]any{"error": err.Error()})
		return nil, ""
	}

	x.plan = patchedPlan
	x.autoChanges++
	_ = e.Store.AppendAudit(ctx, x.run.RunID, string(auditPatch), metrics.ActionPatchAdopted,
		map[string]any{"kind": patch.Kind, "diff": diff})
	e.Metrics.Patch(ctx, true)
	return patchedPlan.Steps[step.Index], fmt.Sprintf("applied %s patch (confidence %.2f)", patch.Kind, patch.Confidence)
}

func cloneParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

func adoptionWord(d planner.AdoptionDecision) string {
	switch {
	case d.AutoAdopt:
		return "auto_adopted"
	case d.Blocked:
		return "blocked"
	default:
		return "proposed"
	}
}

// dispatch calls the adapter behind one action. It returns the action's
// declared output mapping or a taxonomy error.
func (x *execution) dispatch(ctx context.Context, step *dsl.Step, params map[string]any, result *contracts.StepResult) (map[string]any, *contracts.Error) {
	e := x.exec
	if e.DryRun {
		return dryRunOutput(step.Action, params), nil
	}

	if step.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	if spec := dsl.LookupAction(step.Action); spec != nil && spec.Capability != "control" {
		if capability, ok := e.OS.Capabilities()[spec.Capability]; spec.Capability != "webx" && (!ok || !capability.Available) {
			_ = e.Store.AppendAudit(ctx, x.run.RunID, string(auditSystem), metrics.ActionCapabilityMiss,
				map[string]any{"capability": spec.Capability, "action": step.Action})
			return nil, contracts.StepError(contracts.ErrOSCapabilityMiss, step.Index,
				"capability %q unavailable on this host", spec.Capability)
		}
	}

	switch step.Action {
	case "find_files":
		return x.doFindFiles(ctx, step, params)
	case "rename":
		return x.doRename(ctx, step, params)
	case "move_to":
		return x.doMoveTo(ctx, step, params)
	case "pdf_merge":
		return x.doPDFMerge(ctx, step, params)
	case "pdf_extract_pages":
		return x.doPDFExtract(ctx, step, params)
	case "compose_mail":
		return x.doComposeMail(ctx, step, params)
	case "attach_files":
		return x.doAttachFiles(ctx, step, params)
	case "save_draft":
		return x.doSaveDraft(ctx, step, params)
	case "open_browser":
		return x.doOpenBrowser(ctx, step, params)
	case "fill_by_label":
		return x.doFill(ctx, step, params)
	case "click_by_text":
		return x.doClick(ctx, step, params)
	case "upload_file":
		return x.doUpload(ctx, step, params)
	case "download_file", "wait_for_download":
		return x.doDownload(ctx, step, params)
	case "capture_screen_schema":
		return x.doCaptureSchema(ctx, step, params, result)
	default:
		return nil, contracts.StepError(contracts.ErrValidationFailed, step.Index, "unknown action %q", step.Action)
	}
}

func (x *execution) doFindFiles(ctx context.Context, step *dsl.Step, params map[string]any) (map[string]any, *contracts.Error) {
	query, _ := params["query"].(string)
	roots := stringSlice(params["roots"])
	limit := int(toInt64(params["limit"]))

	paths, err := x.exec.OS.FindFiles(ctx, query, roots, limit)
	if err != nil {
		return nil, classifyFS(step.Index, err)
	}
	// Zero results: widen the search one level up and retry once.
	if len(paths) == 0 && len(roots) > 0 {
		widened := make([]string, len(roots))
		for i, r := range roots {
			widened[i] = filepath.Dir(strings.TrimSuffix(r, "/"))
		}
		paths, err = x.exec.OS.FindFiles(ctx, query, widened, limit)
		if err != nil {
			return nil, classifyFS(step.Index, err)
		}
		_ = x.exec.Audit.Record(auditRun, "search_widened", x.run.RunID, step.Index,
			map[string]any{"roots": widened})
	}
	return map[string]any{"found": len(paths), "paths": anySlice(paths)}, nil
}

func (x *execution) doRename(ctx context.Context, step *dsl.Step, params map[string]any) (map[string]any, *contracts.Error) {
	path, _ := params["path"].(string)
	pattern, _ := params["pattern"].(string)
	newPath, err := x.exec.OS.Rename(ctx, path, pattern)
	if err != nil {
		return nil, classifyFS(step.Index, err)
	}
	return map[string]any{"path": newPath}, nil
}

func (x *execution) doMoveTo(ctx context.Context, step *dsl.Step, params map[string]any) (map[string]any, *contracts.Error) {
	paths := stringSlice(params["path"])
	dest, _ := params["dest"].(string)
	overwrite, _ := params["overwrite_if_exists"].(bool)

	res, err := x.exec.OS.MoveTo(ctx, paths, dest, overwrite)
	if err != nil {
		return nil, classifyFS(step.Index, err)
	}
	return map[string]any{"path": anySlice(res.Paths), "created_dir": res.CreatedDir, "moved": len(res.Paths)}, nil
}

func (x *execution) doPDFMerge(ctx context.Context, step *dsl.Step, params map[string]any) (map[string]any, *contracts.Error) {
	inputs := stringSlice(params["inputs"])
	out, _ := params["out"].(string)
	path, pages, err := x.exec.OS.PDFMerge(ctx, inputs, out)
	if err != nil {
		return nil, contracts.StepError(contracts.ErrPDFParse, step.Index, "pdf merge: %v", err).WithCause(err)
	}
	return map[string]any{"path": path, "page_count": pages}, nil
}

func (x *execution) doPDFExtract(ctx context.Context, step *dsl.Step, params map[string]any) (map[string]any, *contracts.Error) {
	path, _ := params["path"].(string)
	ranges, _ := params["ranges"].(string)
	out, _ := params["out"].(string)
	newPath, pages, err := x.exec.OS.PDFExtractPages(ctx, path, ranges, out)
	if err != nil {
		return nil, contracts.StepError(contracts.ErrPDFParse, step.Index, "pdf extract: %v", err).WithCause(err)
	}
	return map[string]any{"path": newPath, "page_count": pages}, nil
}

func (x *execution) doComposeMail(ctx context.Context, step *dsl.Step, params map[string]any) (map[string]any, *contracts.Error) {
	to := stringSlice(params["to"])
	subject, _ := params["subject"].(string)
	body, _ := params["body"].(string)
	draftID, err := x.exec.OS.ComposeMail(ctx, to, subject, body)
	if err != nil {
		return nil, contracts.StepError(contracts.ErrInternal, step.Index, "compose mail: %v", err).WithCause(err)
	}
	x.lastDraftID = draftID
	return map[string]any{"draft_id": draftID}, nil
}

func (x *execution) doAttachFiles(ctx context.Context, step *dsl.Step, params map[string]any) (map[string]any, *contracts.Error) {
	files := stringSlice(params["files"])
	draftID, _ := params["draft_id"].(string)
	if draftID == "" {
		draftID = x.lastDraftID
	}
	if err := x.exec.OS.AttachFiles(ctx, draftID, files); err != nil {
		return nil, classifyFS(step.Index, err)
	}
	return map[string]any{"draft_id": draftID, "attached": len(files)}, nil
}

func (x *execution) doSaveDraft(ctx context.Context, step *dsl.Step, params map[string]any) (map[string]any, *contracts.Error) {
	draftID, _ := params["draft_id"].(string)
	if draftID == "" {
		draftID = x.lastDraftID
	}
	if err := x.exec.OS.SaveDraft(ctx, draftID); err != nil {
		return nil, contracts.StepError(contracts.ErrInternal, step.Index, "save draft: %v", err).WithCause(err)
	}
	return map[string]any{"draft_id": draftID, "saved": true}, nil
}

func (x *execution) doOpenBrowser(ctx context.Context, step *dsl.Step, params map[string]any) (map[string]any, *contracts.Error) {
	target, _ := params["url"].(string)
	browserCtx, _ := params["context"].(string)
	finalURL, err := x.exec.Web.Open(ctx, target, browserCtx)
	if err != nil {
		return nil, contracts.StepError(contracts.ErrWebElementNotFound, step.Index, "open %s: %v", target, err).WithCause(err)
	}
	x.checkDomainDrift(ctx, step.Index, finalURL)
	return map[string]any{"url": finalURL}, nil
}

func (x *execution) doFill(ctx context.Context, step *dsl.Step, params map[string]any) (map[string]any, *contracts.Error) {
	label, _ := params["label"].(string)
	text, _ := params["text"].(string)
	frame, _ := params["frame"].(string)
	if err := x.exec.Web.Fill(ctx, adapters.Target{Label: label, Frame: frame}, text); err != nil {
		return nil, contracts.StepError(contracts.ErrWebElementNotFound, step.Index, "fill %q: %v", label, err).WithCause(err)
	}
	return map[string]any{"filled": label}, nil
}

func (x *execution) doClick(ctx context.Context, step *dsl.Step, params map[string]any) (map[string]any, *contracts.Error) {
	text, _ := params["text"].(string)
	frame, _ := params["frame"].(string)
	if err := x.exec.Web.Click(ctx, adapters.Target{Text: text, Role: roleParam(params), Frame: frame}); err != nil {
		return nil, contracts.StepError(contracts.ErrWebElementNotFound, step.Index, "click %q: %v", text, err).WithCause(err)
	}
	x.checkDomainDriftCurrent(ctx, step.Index)
	return map[string]any{"clicked": text}, nil
}

func (x *execution) doUpload(ctx context.Context, step *dsl.Step, params map[string]any) (map[string]any, *contracts.Error) {
	path, _ := params["path"].(string)
	target := adapters.Target{}
	if s, ok := params["selector"].(string); ok {
		target.Selector = s
	}
	if s, ok := params["label"].(string); ok {
		target.Label = s
	}
	if err := x.exec.Web.Upload(ctx, target, path); err != nil {
		return nil, contracts.StepError(contracts.ErrWebUploadFailed, step.Index, "upload %s: %v", path, err).WithCause(err)
	}
	return map[string]any{"uploaded": path}, nil
}

func (x *execution) doDownload(ctx context.Context, step *dsl.Step, params map[string]any) (map[string]any, *contracts.Error) {
	if u, ok := params["url"].(string); ok && u != "" {
		if _, err := x.exec.Web.Open(ctx, u, ""); err != nil {
			return nil, contracts.StepError(contracts.ErrDownloadTimeout, step.Index, "open %s: %v", u, err).WithCause(err)
		}
	}
	to, _ := params["to"].(string)
	timeout := step.TimeoutMS
	if timeout <= 0 {
		timeout = 30000
	}
	res, err := x.exec.Web.WaitForDownload(ctx, to, timeout)
	if err != nil {
		return nil, contracts.StepError(contracts.ErrDownloadTimeout, step.Index, "download to %s: %v", to, err).WithCause(err)
	}
	if !res.Complete {
		return nil, contracts.StepError(contracts.ErrDownloadIncomplete, step.Index, "download to %s incomplete", to)
	}
	return map[string]any{"path": res.Path, "complete": true}, nil
}

func (x *execution) doCaptureSchema(ctx context.Context, step *dsl.Step, params map[string]any, result *contracts.StepResult) (map[string]any, *contracts.Error) {
	target, _ := params["target"].(string)
	schema, err := x.exec.Web.CaptureDOMSchema(ctx, target)
	if err != nil {
		return nil, contracts.StepError(contracts.ErrWebElementNotFound, step.Index, "capture schema: %v", err).WithCause(err)
	}
	if ref := x.persistSchema(ctx, step.Index, schema); ref != nil {
		result.Evidence = append(result.Evidence, *ref)
	}
	_ = x.exec.Store.AppendAudit(ctx, x.run.RunID, string(auditRun), metrics.ActionSchemaCapture, nil)
	return map[string]any{"url": schema.URL, "element_count": len(schema.Elements)}, nil
}

// persistSchema writes a DOM schema artifact and returns its reference.
func (x *execution) persistSchema(ctx context.Context, stepIndex int, schema *adapters.DOMSchema) *contracts.EvidenceRef {
	if x.exec.Evidence == nil || schema == nil {
		return nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	ref, err := x.exec.Evidence.Put(ctx, evidence.KindDOMSchema, evidence.Key(x.run.RunID, stepIndex), data)
	if err != nil {
		return nil
	}
	_ = x.exec.Store.SaveEvidence(ctx, x.run.RunID, stepIndex, ref)
	return &ref
}

// checkDomainDrift compares a navigated URL against the manifest's declared
// domains.
func (x *execution) checkDomainDrift(ctx context.Context, stepIndex int, pageURL string) {
	if x.run.Manifest == nil || len(x.run.Manifest.TargetDomains) == 0 {
		return
	}
	u, err := url.Parse(pageURL)
	if err != nil || u.Hostname() == "" {
		return
	}
	host := u.Hostname()
	for _, d := range x.run.Manifest.TargetDomains {
		if host == d {
			return
		}
	}
	x.observeDeviation(ctx, contracts.DevDomainDrift, stepIndex,
		fmt.Sprintf("page drifted to undeclared host %q", host))
}

func (x *execution) checkDomainDriftCurrent(ctx context.Context, stepIndex int) {
	if x.exec.Web == nil {
		return
	}
	current, err := x.exec.Web.CurrentURL(ctx)
	if err != nil || current == "" {
		return
	}
	x.checkDomainDrift(ctx, stepIndex, current)
}

func classifyFS(stepIndex int, err error) *contracts.Error {
	msg := err.Error()
	if strings.Contains(msg, "not exist") || strings.Contains(msg, "no such file") ||
		strings.Contains(msg, "does not exist") {
		return contracts.StepError(contracts.ErrFileNotFound, stepIndex, "%v", err).WithCause(err)
	}
	return contracts.StepError(contracts.ErrInternal, stepIndex, "%v", err).WithCause(err)
}

func roleParam(params map[string]any) string {
	if s, ok := params["role"].(string); ok {
		return s
	}
	return ""
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, fmt.Sprintf("%v", e))
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	}
	return nil
}

func anySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// dryRunOutput previews an action without touching the adapters. Each
// action reports a would_* field describing what it was about to do, plus
// its declared output keys with placeholder values so later steps'
// substitutions still resolve during a dry run.
func dryRunOutput(action string, params map[string]any) map[string]any {
	switch action {
	case "find_files":
		query, _ := params["query"].(string)
		return map[string]any{"would_search": query, "roots": params["roots"], "found": 0, "paths": []any{}}
	case "rename":
		path, _ := params["path"].(string)
		pattern, _ := params["pattern"].(string)
		return map[string]any{"would_rename": path, "pattern": pattern, "path": path}
	case "move_to":
		dest, _ := params["dest"].(string)
		return map[string]any{"would_move": len(stringSlice(params["path"])), "dest": dest, "path": []any{}, "created_dir": false}
	case "pdf_merge":
		out, _ := params["out"].(string)
		return map[string]any{"would_merge": len(stringSlice(params["inputs"])), "path": out, "page_count": 0}
	case "pdf_extract_pages":
		ranges, _ := params["ranges"].(string)
		out, _ := params["out"].(string)
		return map[string]any{"would_extract": ranges, "path": out, "page_count": 0}
	case "compose_mail":
		return map[string]any{"would_compose": true, "to": params["to"], "draft_id": "dry-run"}
	case "attach_files":
		return map[string]any{"would_attach": len(stringSlice(params["files"])), "draft_id": "dry-run"}
	case "save_draft":
		return map[string]any{"would_save": true, "draft_id": "dry-run"}
	case "open_browser":
		target, _ := params["url"].(string)
		return map[string]any{"would_open": target, "url": target}
	case "fill_by_label":
		label, _ := params["label"].(string)
		return map[string]any{"would_fill": label}
	case "click_by_text":
		text, _ := params["text"].(string)
		return map[string]any{"would_click": text}
	case "upload_file":
		path, _ := params["path"].(string)
		return map[string]any{"would_upload": path}
	case "download_file", "wait_for_download":
		to, _ := params["to"].(string)
		return map[string]any{"would_download": to, "path": to, "complete": true}
	case "capture_screen_schema":
		return map[string]any{"would_capture": true, "element_count": 0}
	default:
		return map[string]any{"dry_run": true, "action": action}
	}
}
