package dsl

import (
	"testing"

	"github.com/deskflow-io/deskflow/pkg/contracts"
)

const samplePlan = `
dsl_version: "1.1"
name: weekly report
variables:
  inbox: ./sample_data
steps:
  - find_files:
      query: "*.pdf"
      roots: ["{{inbox}}"]
      limit: 10
  - pdf_merge:
      inputs: "{{steps[0].paths}}"
      out: ./merged.pdf
  - assert_pdf_pages:
      path: "{{steps[1].path}}"
      expected_pages: 10
  - compose_mail:
      to: ["a@b"]
      subject: Weekly
      body: report attached
  - save_draft: {}
`

func TestParsePreservesStepOrder(t *testing.T) {
	plan, err := Parse([]byte(samplePlan))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"find_files", "pdf_merge", "assert_pdf_pages", "compose_mail", "save_draft"}
	if len(plan.Steps) != len(want) {
		t.Fatalf("expected %d steps, got %d", len(want), len(plan.Steps))
	}
	for i, w := range want {
		if plan.Steps[i].Action != w {
			t.Fatalf("step %d: expected %s, got %s", i, w, plan.Steps[i].Action)
		}
		if plan.Steps[i].Index != i {
			t.Fatalf("step %d: index %d", i, plan.Steps[i].Index)
		}
	}
}

func TestParseLiftsReservedKeys(t *testing.T) {
	plan, err := Parse([]byte(`
dsl_version: "1.1"
name: t
steps:
  - click_by_text:
      text: Send
      when: "{{steps[0].found}} > 0"
      timeout_ms: 2500
      required_role: Editor
`))
	if err != nil {
		t.Fatal(err)
	}
	s := plan.Steps[0]
	if s.When == "" || s.TimeoutMS != 2500 || s.RequiredRole != "Editor" {
		t.Fatalf("reserved keys not lifted: %+v", s)
	}
	if _, ok := s.Params["when"]; ok {
		t.Fatal("when leaked into params")
	}
}

func TestValidateAcceptsSample(t *testing.T) {
	plan, err := Parse([]byte(samplePlan))
	if err != nil {
		t.Fatal(err)
	}
	if err := Validate(plan); err != nil {
		t.Fatalf("expected valid plan: %v", err)
	}
}

func TestValidateRejectsWrongVersion(t *testing.T) {
	plan, err := Parse([]byte(`
dsl_version: "2.0"
name: t
steps:
  - save_draft: {}
`))
	if err != nil {
		t.Fatal(err)
	}
	verr := Validate(plan)
	if verr == nil {
		t.Fatal("expected version rejection")
	}
	if contracts.CodeOf(verr) != contracts.ErrValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED, got %s", contracts.CodeOf(verr))
	}
}

func TestValidateRejectsUnknownAction(t *testing.T) {
	plan, err := Parse([]byte(`
dsl_version: "1.1"
name: t
steps:
  - frobnicate: {x: 1}
`))
	if err != nil {
		t.Fatal(err)
	}
	if Validate(plan) == nil {
		t.Fatal("expected unknown action rejection")
	}
}

func TestValidateRejectsForwardReference(t *testing.T) {
	plan, err := Parse([]byte(`
dsl_version: "1.1"
name: t
steps:
  - assert_text:
      text: "{{steps[1].path}}"
  - save_draft: {}
`))
	if err != nil {
		t.Fatal(err)
	}
	issues := Check(plan)
	if len(issues) == 0 {
		t.Fatal("expected forward reference rejection")
	}
	if issues[0].StepIndex != 0 {
		t.Fatalf("issue should carry referencing step index 0, got %d", issues[0].StepIndex)
	}
}

func TestValidateRejectsSelfReference(t *testing.T) {
	plan, err := Parse([]byte(`
dsl_version: "1.1"
name: t
steps:
  - assert_text:
      text: hello
      when: "{{steps[0].found}} > 0"
`))
	if err != nil {
		t.Fatal(err)
	}
	if len(Check(plan)) == 0 {
		t.Fatal("expected self reference rejection (j >= i)")
	}
}

func TestValidateRejectsUndefinedVariable(t *testing.T) {
	plan, err := Parse([]byte(`
dsl_version: "1.1"
name: t
steps:
  - assert_text:
      text: "{{nonexistent}}"
`))
	if err != nil {
		t.Fatal(err)
	}
	if len(Check(plan)) == 0 {
		t.Fatal("expected undefined variable rejection")
	}
}

func TestValidateRejectsBadParams(t *testing.T) {
	plan, err := Parse([]byte(`
dsl_version: "1.1"
name: t
steps:
  - find_files: {roots: ["."]}
`))
	if err != nil {
		t.Fatal(err)
	}
	if len(Check(plan)) == 0 {
		t.Fatal("expected schema rejection for missing query")
	}
}
