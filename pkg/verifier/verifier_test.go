package verifier

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/deskflow-io/deskflow/pkg/adapters"
	"github.com/deskflow-io/deskflow/pkg/contracts"
)

func newVerifier() (*Verifier, *adapters.FakeOSAdapter, *adapters.FakeWebEngine) {
	osA := adapters.NewFakeOSAdapter()
	web := adapters.NewFakeWebEngine()
	v := New(osA, web)
	v.Sleep = func(time.Duration) {}
	return v, osA, web
}

func TestWaitForElementPassFirstTry(t *testing.T) {
	v, _, web := newVerifier()
	web.Elements = []adapters.DOMElement{{Role: "button", Text: "送信"}}

	out := v.Verify(context.Background(), "wait_for_element", map[string]any{"text": "送信"}, 0, 500)
	if out.Status != contracts.StepPass {
		t.Fatalf("expected PASS, got %s (%v)", out.Status, out.Err)
	}
	if out.Output["attempt"] != 1 {
		t.Fatalf("attempt: %v", out.Output["attempt"])
	}
}

func TestWaitForElementRetrySecondTry(t *testing.T) {
	v, _, web := newVerifier()
	web.Elements = []adapters.DOMElement{{Role: "button", Text: "送信"}}
	// Element appears only after the first lookup, like a slow render.
	web.AppearAfterAttempts["送信"] = 1

	out := v.Verify(context.Background(), "wait_for_element", map[string]any{"text": "送信"}, 0, 500)
	if out.Status != contracts.StepRetry {
		t.Fatalf("expected RETRY, got %s (%v)", out.Status, out.Err)
	}
}

func TestWaitForElementFailBothTries(t *testing.T) {
	v, _, _ := newVerifier()
	out := v.Verify(context.Background(), "wait_for_element", map[string]any{"text": "送信"}, 3, 500)
	if out.Status != contracts.StepFail {
		t.Fatalf("expected FAIL, got %s", out.Status)
	}
	if out.Err == nil || out.Err.Code != contracts.ErrVerifierTimeout {
		t.Fatalf("expected VERIFIER_TIMEOUT, got %+v", out.Err)
	}
	if out.Err.StepIndex != 3 {
		t.Fatalf("step index: %d", out.Err.StepIndex)
	}
}

func TestAssertElementBroadenedRetry(t *testing.T) {
	v, _, web := newVerifier()
	web.Elements = []adapters.DOMElement{{Role: "button", Text: "確定"}}
	v.BroadenText = func(text string) []string {
		if text == "送信" {
			return []string{"確定", "submit"}
		}
		return nil
	}

	out := v.Verify(context.Background(), "assert_element", map[string]any{"text": "送信", "role": "button"}, 0, 100)
	if out.Status != contracts.StepRetry {
		t.Fatalf("broadened search should rescue on retry, got %s (%v)", out.Status, out.Err)
	}
}

func TestAssertElementCountGte(t *testing.T) {
	v, _, web := newVerifier()
	web.Elements = []adapters.DOMElement{
		{Role: "row", Text: "item"},
		{Role: "row", Text: "item"},
	}
	out := v.Verify(context.Background(), "assert_element", map[string]any{"text": "item", "count_gte": 3}, 0, 100)
	if out.Status != contracts.StepFail {
		t.Fatalf("2 < 3 must fail, got %s", out.Status)
	}
	out = v.Verify(context.Background(), "assert_element", map[string]any{"text": "item", "count_gte": 2}, 0, 100)
	if out.Status != contracts.StepPass {
		t.Fatalf("2 >= 2 must pass, got %s", out.Status)
	}
}

func TestAssertText(t *testing.T) {
	v, _, web := newVerifier()
	web.Text = "Your upload is complete."
	out := v.Verify(context.Background(), "assert_text", map[string]any{"text": "complete"}, 0, 100)
	if out.Status != contracts.StepPass {
		t.Fatalf("got %s", out.Status)
	}
	out = v.Verify(context.Background(), "assert_text", map[string]any{"text": "rejected"}, 0, 100)
	if out.Status != contracts.StepFail {
		t.Fatalf("got %s", out.Status)
	}
}

func TestAssertFileExists(t *testing.T) {
	v, osA, _ := newVerifier()
	osA.Files["./report.pdf"] = true
	out := v.Verify(context.Background(), "assert_file_exists", map[string]any{"path": "./report.pdf"}, 0, 100)
	if out.Status != contracts.StepPass {
		t.Fatalf("got %s", out.Status)
	}
}

func TestAssertPDFPages(t *testing.T) {
	v, osA, _ := newVerifier()
	osA.AddPDF("./merged.pdf", 10)
	out := v.Verify(context.Background(), "assert_pdf_pages", map[string]any{"path": "./merged.pdf", "expected_pages": 10}, 0, 100)
	if out.Status != contracts.StepPass {
		t.Fatalf("got %s (%v)", out.Status, out.Err)
	}
	out = v.Verify(context.Background(), "assert_pdf_pages", map[string]any{"path": "./merged.pdf", "expected_pages": 9}, 0, 100)
	if out.Status != contracts.StepFail {
		t.Fatalf("got %s", out.Status)
	}
}

// Verifier laws: PASS iff first attempt succeeded, RETRY iff only the
// second did, FAIL iff both failed. The three outcomes are exclusive and
// exhaustive over {0,1,2+} lookups needed.
func TestVerifierLawsProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	properties.Property("outcome matches attempts needed", prop.ForAll(
		func(missesBeforeVisible int) bool {
			v, _, web := newVerifier()
			web.Elements = []adapters.DOMElement{{Role: "button", Text: "go"}}
			web.AppearAfterAttempts["go"] = missesBeforeVisible

			out := v.Verify(context.Background(), "wait_for_element", map[string]any{"text": "go"}, 0, 100)
			switch missesBeforeVisible {
			case 0:
				return out.Status == contracts.StepPass
			case 1:
				return out.Status == contracts.StepRetry
			default:
				return out.Status == contracts.StepFail
			}
		},
		gen.IntRange(0, 4),
	))

	properties.TestingRun(t)
}
