package manifest

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/deskflow-io/deskflow/pkg/dsl"
)

func parse(t *testing.T, src string) *dsl.Plan {
	t.Helper()
	plan, err := dsl.Parse([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	return plan
}

func TestDeriveCapabilitiesAndDomains(t *testing.T) {
	plan := parse(t, `
dsl_version: "1.1"
name: t
steps:
  - find_files: {query: "*.pdf", roots: ["./in"]}
  - open_browser: {url: "https://portal.example.com/upload"}
  - upload_file: {path: ./merged.pdf, label: File}
  - compose_mail: {to: ["a@b"], subject: hi}
`)
	m := Derive(plan)
	if !reflect.DeepEqual(m.Capabilities, []string{"fs", "mail_draft", "webx"}) {
		t.Fatalf("capabilities: %v", m.Capabilities)
	}
	if !reflect.DeepEqual(m.TargetDomains, []string{"portal.example.com"}) {
		t.Fatalf("domains: %v", m.TargetDomains)
	}
	if !contains(m.RiskFlags, RiskSends) {
		t.Fatalf("risk flags: %v", m.RiskFlags)
	}
}

func TestDeriveDestructiveVocabulary(t *testing.T) {
	plan := parse(t, `
dsl_version: "1.1"
name: t
steps:
  - click_by_text: {text: "送信", role: button}
`)
	m := Derive(plan)
	if !contains(m.RiskFlags, RiskSends) {
		t.Fatalf("ja submit token must raise sends: %v", m.RiskFlags)
	}
}

func TestDeriveFullWidthFolding(t *testing.T) {
	plan := parse(t, `
dsl_version: "1.1"
name: t
steps:
  - click_by_text: {text: "ＤＥＬＥＴＥ"}
`)
	m := Derive(plan)
	if !contains(m.RiskFlags, RiskDeletes) {
		t.Fatalf("full-width DELETE must raise deletes: %v", m.RiskFlags)
	}
}

func TestDeriveOverwriteParam(t *testing.T) {
	plan := parse(t, `
dsl_version: "1.1"
name: t
steps:
  - move_to: {dest: ./out, overwrite_if_exists: true}
`)
	m := Derive(plan)
	if !contains(m.RiskFlags, RiskOverwrites) {
		t.Fatalf("overwrite_if_exists must raise overwrites: %v", m.RiskFlags)
	}
}

func TestDeriveBenignPlanHasNoRisks(t *testing.T) {
	plan := parse(t, `
dsl_version: "1.1"
name: t
steps:
  - find_files: {query: "*.pdf"}
  - pdf_merge: {inputs: "{{steps[0].paths}}"}
`)
	m := Derive(plan)
	if len(m.RiskFlags) != 0 {
		t.Fatalf("expected no risks, got %v", m.RiskFlags)
	}
}

// Manifest derivation must be deterministic: derive twice, compare deeply.
func TestDeriveDeterminism(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("derive twice yields identical manifests", prop.ForAll(
		func(text, urlHost string, overwrite bool) bool {
			plan := &dsl.Plan{
				DSLVersion: dsl.SupportedDSLVersion,
				Name:       "p",
				Steps: []*dsl.Step{
					{Index: 0, Action: "click_by_text", Params: map[string]any{"text": text}},
					{Index: 1, Action: "open_browser", Params: map[string]any{"url": "https://" + urlHost + "/x"}},
					{Index: 2, Action: "move_to", Params: map[string]any{"dest": "./o", "overwrite_if_exists": overwrite}},
				},
			}
			a := Derive(plan)
			b := Derive(plan)
			return reflect.DeepEqual(a, b)
		},
		gen.AnyString(),
		gen.RegexMatch(`[a-z]{1,10}\.example\.com`),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
