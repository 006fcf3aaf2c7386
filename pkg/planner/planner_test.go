package planner

import (
	"strings"
	"testing"

	"github.com/deskflow-io/deskflow/pkg/adapters"
	"github.com/deskflow-io/deskflow/pkg/contracts"
	"github.com/deskflow-io/deskflow/pkg/dsl"
	"github.com/deskflow-io/deskflow/pkg/manifest"
	"github.com/deskflow-io/deskflow/pkg/policy"
)

func planWithClick(t *testing.T) *dsl.Plan {
	t.Helper()
	plan, err := dsl.Parse([]byte(`
dsl_version: "1.1"
name: t
steps:
  - open_browser: {url: "https://portal.example.com"}
  - click_by_text: {text: "送信", role: button, timeout_ms: 500}
`))
	if err != nil {
		t.Fatal(err)
	}
	return plan
}

func TestSimilarityOrdering(t *testing.T) {
	if Similarity("送信", "送信") != 1.0 {
		t.Fatal("exact match must score 1.0")
	}
	if Similarity("送信", "確定") != 0.9 {
		t.Fatalf("direct mapping must score 0.9, got %v", Similarity("送信", "確定"))
	}
	if s := Similarity("confirm", "accept"); s != 0.8 {
		t.Fatalf("same-group must score 0.8, got %v", s)
	}
	if Similarity("送信", "unrelated-zz") != 0 {
		t.Fatal("unrelated must score 0")
	}
}

func TestSynonymsBounded(t *testing.T) {
	syns := Synonyms("送信")
	if len(syns) == 0 || len(syns) > maxSynonyms {
		t.Fatalf("synonyms out of bounds: %v", syns)
	}
}

func TestProposeReplaceText(t *testing.T) {
	plan := planWithClick(t)
	patch := Propose(Failure{
		Step: plan.Steps[1],
		Err:  contracts.StepError(contracts.ErrWebElementNotFound, 1, "element by text not found"),
		Schema: &adapters.DOMSchema{Elements: []adapters.DOMElement{
			{Role: "button", Text: "確定"},
			{Role: "link", Text: "ヘルプ"},
		}},
	})
	if patch == nil || patch.Kind != contracts.PatchReplaceText {
		t.Fatalf("expected replace_text, got %+v", patch)
	}
	if patch.Payload["with"] != "確定" {
		t.Fatalf("payload: %+v", patch.Payload)
	}
	if patch.RiskLevel != "low" {
		t.Fatalf("role-preserving replace must be low risk: %s", patch.RiskLevel)
	}
	if patch.Confidence < 0.7 {
		t.Fatalf("confidence: %v", patch.Confidence)
	}
}

func TestProposeFallbackWhenNoSchemaMatch(t *testing.T) {
	plan := planWithClick(t)
	patch := Propose(Failure{
		Step:   plan.Steps[1],
		Err:    contracts.StepError(contracts.ErrWebElementNotFound, 1, "not found"),
		Schema: &adapters.DOMSchema{},
	})
	if patch == nil || patch.Kind != contracts.PatchFallbackSearch {
		t.Fatalf("expected fallback_search, got %+v", patch)
	}
	if patch.Payload["attempts"] != 1 {
		t.Fatalf("attempts: %+v", patch.Payload)
	}
}

func TestProposeWaitTuning(t *testing.T) {
	plan := planWithClick(t)
	patch := Propose(Failure{
		Step: plan.Steps[1],
		Err:  contracts.StepError(contracts.ErrTimeout, 1, "timed out"),
	})
	if patch == nil || patch.Kind != contracts.PatchWaitTuning {
		t.Fatalf("expected wait_tuning, got %+v", patch)
	}
	if toInt64(patch.Payload["timeout_ms"]) != 1000 {
		t.Fatalf("timeout must double: %+v", patch.Payload)
	}
}

func TestWaitTuningCap(t *testing.T) {
	step := &dsl.Step{Index: 0, Action: "wait_for_element", Params: map[string]any{}, TimeoutMS: waitTuningCapMS}
	patch := Propose(Failure{Step: step, Err: contracts.StepError(contracts.ErrTimeout, 0, "t")})
	if patch != nil {
		t.Fatal("already at cap: no patch to offer")
	}
}

func TestApplyReplaceTextProducesNewPlan(t *testing.T) {
	plan := planWithClick(t)
	patch := &contracts.Patch{
		Kind:      contracts.PatchReplaceText,
		Payload:   map[string]any{"find": "送信", "with": "確定", "role": "button"},
		StepIndex: 1, Confidence: 0.9, RiskLevel: "low",
	}
	patched, diff, err := Apply(plan, patch)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Steps[1].Params["text"] != "送信" {
		t.Fatal("original plan must stay immutable")
	}
	if patched.Steps[1].Params["text"] != "確定" {
		t.Fatalf("patched: %+v", patched.Steps[1].Params)
	}
	if !strings.Contains(diff, "送信") || !strings.Contains(diff, "確定") {
		t.Fatalf("diff must record both literals:\n%s", diff)
	}
}

func TestApplyRefusesRiskGrowth(t *testing.T) {
	plan, err := dsl.Parse([]byte(`
dsl_version: "1.1"
name: t
steps:
  - click_by_text: {text: "next"}
`))
	if err != nil {
		t.Fatal(err)
	}
	// Replacing benign text with a destructive token would add "deletes".
	patch := &contracts.Patch{
		Kind:      contracts.PatchReplaceText,
		Payload:   map[string]any{"find": "next", "with": "削除"},
		StepIndex: 0, Confidence: 0.9, RiskLevel: "low",
	}
	if _, _, err := Apply(plan, patch); err == nil {
		t.Fatal("risk-growing patch must be refused")
	}
	// And the original stays unchanged.
	if len(manifest.Derive(plan).RiskFlags) != 0 {
		t.Fatal("original plan must be untouched")
	}
}

func TestApplyRefusesAddStep(t *testing.T) {
	plan := planWithClick(t)
	patch := &contracts.Patch{Kind: contracts.PatchAddStep, StepIndex: 1}
	if _, _, err := Apply(plan, patch); err == nil {
		t.Fatal("add_step must not auto-apply")
	}
}

func TestAdoptAllConditionsHold(t *testing.T) {
	ap := policy.AdoptPolicy{LowRiskAuto: true, MinConfidence: 0.85, MaxAutoChanges: 3}
	patch := &contracts.Patch{Kind: contracts.PatchReplaceText, RiskLevel: "low", Confidence: 0.9}

	d := Adopt(patch, ap, AdoptionContext{AutopilotEnabled: true, InPolicyWindow: true})
	if !d.AutoAdopt {
		t.Fatalf("expected auto-adopt: %+v", d)
	}
}

func TestAdoptFallsBackToProposal(t *testing.T) {
	ap := policy.AdoptPolicy{LowRiskAuto: true, MinConfidence: 0.85, MaxAutoChanges: 3}
	patch := &contracts.Patch{Kind: contracts.PatchReplaceText, RiskLevel: "low", Confidence: 0.9}

	cases := []AdoptionContext{
		{AutopilotEnabled: false, InPolicyWindow: true},
		{AutopilotEnabled: true, InPolicyWindow: false},
		{AutopilotEnabled: true, InPolicyWindow: true, AutoChangesSoFar: 3},
	}
	for i, ctx := range cases {
		d := Adopt(patch, ap, ctx)
		if d.AutoAdopt || d.Blocked {
			t.Fatalf("case %d: expected proposal, got %+v", i, d)
		}
	}

	low := &contracts.Patch{Kind: contracts.PatchReplaceText, RiskLevel: "low", Confidence: 0.5}
	d := Adopt(low, ap, AdoptionContext{AutopilotEnabled: true, InPolicyWindow: true})
	if d.AutoAdopt {
		t.Fatal("low confidence must not auto-adopt")
	}
}

func TestAdoptBlocksHighRisk(t *testing.T) {
	d := Adopt(&contracts.Patch{RiskLevel: "high", Confidence: 1.0},
		policy.AdoptPolicy{LowRiskAuto: true}, AdoptionContext{AutopilotEnabled: true, InPolicyWindow: true})
	if !d.Blocked {
		t.Fatal("high risk must be blocked")
	}
}
