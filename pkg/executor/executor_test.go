package executor

import (
	"context"
	"testing"
	"time"

	"github.com/deskflow-io/deskflow/pkg/adapters"
	"github.com/deskflow-io/deskflow/pkg/audit"
	"github.com/deskflow-io/deskflow/pkg/contracts"
	"github.com/deskflow-io/deskflow/pkg/dsl"
	"github.com/deskflow-io/deskflow/pkg/evidence"
	"github.com/deskflow-io/deskflow/pkg/policy"
	"github.com/deskflow-io/deskflow/pkg/runstore"
	"github.com/deskflow-io/deskflow/pkg/secrets"
)

type fixture struct {
	exec *Executor
	os   *adapters.FakeOSAdapter
	web  *adapters.FakeWebEngine
}

func newFixture(t *testing.T, cfg *policy.Config) *fixture {
	t.Helper()
	store, err := runstore.Open(t.TempDir() + "/runs.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ev, err := evidence.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	pe, err := policy.NewEngine(cfg)
	if err != nil {
		t.Fatal(err)
	}

	osA := adapters.NewFakeOSAdapter()
	web := adapters.NewFakeWebEngine()
	sec := secrets.NewResolver(secrets.NewStaticBackend("test", map[string]string{
		"portal/token": "raw-secret-value",
	}))

	e := New(store, ev, osA, web, sec, pe, audit.Nop{})
	e.Sleep = func(time.Duration) {}
	return &fixture{exec: e, os: osA, web: web}
}

func mustParse(t *testing.T, src string) *dsl.Plan {
	t.Helper()
	plan, err := dsl.Parse([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	return plan
}

func launch(t *testing.T, f *fixture, plan *dsl.Plan) *contracts.Run {
	t.Helper()
	run, gate, err := f.exec.Launch(context.Background(), plan, "test.yaml", "manual", "default", 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	if gate.Err != nil {
		t.Fatalf("gate blocked: %v", gate.Err)
	}
	return run
}

const weeklyReportPlan = `
dsl_version: "1.1"
name: weekly report
variables:
  inbox: ./sample_data
steps:
  - find_files: {query: "*.pdf", roots: ["./sample_data"], limit: 10}
  - pdf_merge: {inputs: "{{steps[0].paths}}", out: ./merged.pdf}
  - assert_pdf_pages: {path: "{{steps[1].path}}", expected_pages: 10}
  - compose_mail: {to: ["a@b"], subject: Weekly, body: report attached}
  - save_draft: {}
`

// S1: weekly report happy path.
func TestWeeklyReportHappyPath(t *testing.T) {
	f := newFixture(t, nil)
	f.os.AddPDF("./sample_data/r1.pdf", 4)
	f.os.AddPDF("./sample_data/r2.pdf", 6)

	plan := mustParse(t, weeklyReportPlan)
	run := launch(t, f, plan)

	if _, err := f.exec.ExecuteRun(context.Background(), run, plan); err != nil {
		t.Fatal(err)
	}
	if run.State != contracts.RunCompleted {
		t.Fatalf("state: %s (%+v)", run.State, run.Error)
	}

	stored, err := f.exec.Store.GetRun(context.Background(), run.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.StepResults) != 5 {
		t.Fatalf("steps: %d", len(stored.StepResults))
	}
	if stored.StepResults[2].Status != contracts.StepPass {
		t.Fatalf("verifier: %+v", stored.StepResults[2])
	}
	if stored.StepResults[1].Output["page_count"] != float64(10) {
		t.Fatalf("merge output: %+v", stored.StepResults[1].Output)
	}
	if stored.StepResults[4].Output["saved"] != true {
		t.Fatalf("draft: %+v", stored.StepResults[4].Output)
	}
	cp, err := f.exec.Store.Checkpoint(context.Background(), run.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if cp != nil {
		t.Fatal("checkpoint must be invalidated after completion")
	}
}

// S2: policy block on domain never enters RUNNING.
func TestPolicyBlockOnDomain(t *testing.T) {
	cfg := policy.DefaultConfig()
	cfg.AllowDomains = []string{"partner.example.com"}
	f := newFixture(t, cfg)

	plan := mustParse(t, `
dsl_version: "1.1"
name: t
steps:
  - open_browser: {url: "https://evil.example.com"}
`)
	run, gate, err := f.exec.Launch(context.Background(), plan, "t.yaml", "manual", "default", 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	if gate.Err == nil || gate.Err.Code != contracts.ErrPolicyBlocked {
		t.Fatalf("expected POLICY_BLOCKED, got %+v", gate.Err)
	}
	if run.State != contracts.RunFailed {
		t.Fatalf("state: %s", run.State)
	}
	if run.StartedAt != nil {
		t.Fatal("blocked run must never enter RUNNING")
	}

	decision, err := f.exec.Store.PolicyDecision(context.Background(), run.RunID)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, c := range decision.Checks {
		if c.Name == policy.CheckDomain && !c.Allowed {
			found = true
		}
	}
	if !found {
		t.Fatalf("domain check must be recorded as blocked: %+v", decision.Checks)
	}
	n, err := f.exec.Store.AuditCountSince(context.Background(), "policy_block", time.Now().Add(-time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("policy_blocks must increment exactly once: %d %v", n, err)
	}
}

// S3: HITL timeout denies and the following step never runs.
func TestHumanConfirmTimeoutDenies(t *testing.T) {
	f := newFixture(t, nil)
	// Force the approval timer to fire immediately.
	f.exec.TimerFactory = func(time.Duration) *time.Timer { return time.NewTimer(time.Millisecond) }

	plan := mustParse(t, `
dsl_version: "1.1"
name: t
steps:
  - find_files: {query: "*.pdf", roots: ["./in"]}
  - human_confirm: {message: "Deploy?", timeout_minutes: 1, auto_action: deny, required_role: Editor}
  - find_files: {query: "*.txt", roots: ["./in"]}
`)
	run := launch(t, f, plan)
	if _, err := f.exec.ExecuteRun(context.Background(), run, plan); err != nil {
		t.Fatal(err)
	}

	if run.State != contracts.RunFailed {
		t.Fatalf("state: %s", run.State)
	}
	if run.Error == nil || run.Error.Code != contracts.ErrApprovalTimeout {
		t.Fatalf("error: %+v", run.Error)
	}

	stored, _ := f.exec.Store.GetRun(context.Background(), run.RunID)
	if len(stored.StepResults) != 2 {
		t.Fatalf("the step after human_confirm must never execute: %d results", len(stored.StepResults))
	}
	cp, _ := f.exec.Store.Checkpoint(context.Background(), run.RunID)
	if cp == nil || cp.NextStepIndex != 1 {
		t.Fatalf("checkpoint must be written before waiting: %+v", cp)
	}
}

func TestHumanConfirmApproveContinues(t *testing.T) {
	f := newFixture(t, nil)
	plan := mustParse(t, `
dsl_version: "1.1"
name: t
steps:
  - human_confirm: {message: "Go?", timeout_minutes: 5, auto_action: deny, required_role: Editor}
  - find_files: {query: "*.pdf", roots: ["./in"]}
`)
	run := launch(t, f, plan)

	done := make(chan error, 1)
	if _, err := f.exec.Start(context.Background(), run, plan, done); err != nil {
		t.Fatal(err)
	}

	// Wait for the run to reach WAITING_APPROVAL, then approve with the
	// right role.
	deadline := time.After(5 * time.Second)
	for !f.exec.Approvals.Waiting(run.RunID) {
		select {
		case <-deadline:
			t.Fatal("run never reached WAITING_APPROVAL")
		case <-time.After(time.Millisecond):
		}
	}
	if !f.exec.Approvals.Decide(run.RunID, Decision{Approve: true, Role: "Editor", By: "alice"}) {
		t.Fatal("decision not delivered")
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if run.State != contracts.RunCompleted {
		t.Fatalf("state: %s (%+v)", run.State, run.Error)
	}
}

func TestHumanConfirmWrongRoleDenies(t *testing.T) {
	f := newFixture(t, nil)
	plan := mustParse(t, `
dsl_version: "1.1"
name: t
steps:
  - human_confirm: {message: "Go?", timeout_minutes: 5, auto_action: deny, required_role: Editor}
`)
	run := launch(t, f, plan)

	done := make(chan error, 1)
	if _, err := f.exec.Start(context.Background(), run, plan, done); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(5 * time.Second)
	for !f.exec.Approvals.Waiting(run.RunID) {
		select {
		case <-deadline:
			t.Fatal("run never reached WAITING_APPROVAL")
		case <-time.After(time.Millisecond):
		}
	}
	f.exec.Approvals.Decide(run.RunID, Decision{Approve: true, Role: "Viewer", By: "bob"})
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if run.State != contracts.RunFailed || run.Error.Code != contracts.ErrApprovalDenied {
		t.Fatalf("wrong role must deny: %s %+v", run.State, run.Error)
	}
}

func TestWhenFalseSkips(t *testing.T) {
	f := newFixture(t, nil)
	f.os.AddPDF("./in/a.pdf", 1)
	plan := mustParse(t, `
dsl_version: "1.1"
name: t
steps:
  - find_files: {query: "*.pdf", roots: ["./in"]}
  - compose_mail: {to: ["a@b"], subject: none, when: "{{steps[0].found}} > 99"}
`)
	run := launch(t, f, plan)
	if _, err := f.exec.ExecuteRun(context.Background(), run, plan); err != nil {
		t.Fatal(err)
	}
	stored, _ := f.exec.Store.GetRun(context.Background(), run.RunID)
	last := stored.StepResults[1]
	if last.Status != contracts.StepSkipped {
		t.Fatalf("expected SKIPPED, got %s", last.Status)
	}
	if last.DurationMS != 0 {
		t.Fatalf("skipped steps have zero duration: %d", last.DurationMS)
	}
	if run.State != contracts.RunCompleted {
		t.Fatalf("state: %s", run.State)
	}
}

func TestFindFilesWidensSearchOnce(t *testing.T) {
	f := newFixture(t, nil)
	// File lives one level above the declared root.
	f.os.AddPDF("./data/report.pdf", 2)

	plan := mustParse(t, `
dsl_version: "1.1"
name: t
steps:
  - find_files: {query: "*.pdf", roots: ["./data/inbox"]}
`)
	run := launch(t, f, plan)
	if _, err := f.exec.ExecuteRun(context.Background(), run, plan); err != nil {
		t.Fatal(err)
	}
	stored, _ := f.exec.Store.GetRun(context.Background(), run.RunID)
	if stored.StepResults[0].Output["found"] != float64(1) {
		t.Fatalf("widened search should find the file: %+v", stored.StepResults[0].Output)
	}
}

func TestMoveToCreatesMissingDestination(t *testing.T) {
	f := newFixture(t, nil)
	f.os.AddPDF("./in/a.pdf", 1)

	plan := mustParse(t, `
dsl_version: "1.1"
name: t
steps:
  - move_to: {path: ["./in/a.pdf"], dest: ./archive}
`)
	run := launch(t, f, plan)
	if _, err := f.exec.ExecuteRun(context.Background(), run, plan); err != nil {
		t.Fatal(err)
	}
	stored, _ := f.exec.Store.GetRun(context.Background(), run.RunID)
	sr := stored.StepResults[0]
	if sr.Status != contracts.StepRetry {
		t.Fatalf("recovery should create the directory: %+v", sr.Error)
	}
	if len(sr.RecoveryActions) != 1 {
		t.Fatalf("recovery must be logged: %+v", sr.RecoveryActions)
	}
}

func TestWebLabelSynonymRecovery(t *testing.T) {
	f := newFixture(t, nil)
	f.web.Elements = []adapters.DOMElement{{Role: "button", Text: "確定"}}

	plan := mustParse(t, `
dsl_version: "1.1"
name: t
steps:
  - click_by_text: {text: "送信", role: button}
`)
	run := launch(t, f, plan)
	if _, err := f.exec.ExecuteRun(context.Background(), run, plan); err != nil {
		t.Fatal(err)
	}
	stored, _ := f.exec.Store.GetRun(context.Background(), run.RunID)
	sr := stored.StepResults[0]
	if sr.Status == contracts.StepFail {
		t.Fatalf("synonym recovery should rescue: %+v", sr.Error)
	}
	if len(sr.RecoveryActions) == 0 {
		t.Fatal("recovery must be logged")
	}
}

func TestSecretsNeverPersistedRaw(t *testing.T) {
	f := newFixture(t, nil)
	f.web.Elements = []adapters.DOMElement{{Role: "textbox", Label: "Token"}}

	plan := mustParse(t, `
dsl_version: "1.1"
name: t
steps:
  - open_browser: {url: "https://portal.example.com/login?key={{secrets://portal/token}}"}
`)
	run := launch(t, f, plan)
	if _, err := f.exec.ExecuteRun(context.Background(), run, plan); err != nil {
		t.Fatal(err)
	}
	stored, _ := f.exec.Store.GetRun(context.Background(), run.RunID)
	out := stored.StepResults[0].Output
	if u, ok := out["url"].(string); !ok || u == "" {
		t.Fatalf("output: %+v", out)
	} else if contains := "raw-secret-value"; len(u) > 0 && stringContains(u, contains) {
		t.Fatalf("secret leaked into persisted output: %q", u)
	}
}

func stringContains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
