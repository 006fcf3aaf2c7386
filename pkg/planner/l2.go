// Package planner implements the L2 differential-patch engine: given a
// failing step, its error, and the current screen schema, it proposes at
// most one small in-memory plan repair. Patches never touch the template
// file and are refused outright when they would grow the plan's risk set.
package planner

import (
	"sort"
	"time"

	"github.com/deskflow-io/deskflow/pkg/adapters"
	"github.com/deskflow-io/deskflow/pkg/contracts"
	"github.com/deskflow-io/deskflow/pkg/dsl"
)

// waitTuningCapMS bounds wait_tuning proposals.
const waitTuningCapMS = 60000

// Failure describes one step failure handed to the planner.
type Failure struct {
	Step   *dsl.Step
	Err    *contracts.Error
	Schema *adapters.DOMSchema
}

// Propose analyzes a failure and returns at most one patch, or nil when the
// planner has nothing safe to offer.
func Propose(f Failure) *contracts.Patch {
	if f.Step == nil || f.Err == nil {
		return nil
	}
	switch f.Err.Code {
	case contracts.ErrWebElementNotFound, contracts.ErrVerifierFail:
		if p := proposeReplaceText(f); p != nil {
			return p
		}
		return proposeFallbackSearch(f)
	case contracts.ErrTimeout, contracts.ErrVerifierTimeout, contracts.ErrDownloadTimeout:
		return proposeWaitTuning(f)
	default:
		return nil
	}
}

// proposeReplaceText looks for a semantically equivalent element in the
// schema. Risk stays low because the element role is preserved.
func proposeReplaceText(f Failure) *contracts.Patch {
	target := targetText(f.Step)
	if target == "" || f.Schema == nil {
		return nil
	}
	role := roleOf(f.Step)

	type match struct {
		text  string
		score float64
	}
	var matches []match
	for _, el := range f.Schema.Elements {
		if role != "" && el.Role != role {
			continue
		}
		if el.Text == "" || el.Text == target {
			continue
		}
		if score := Similarity(target, el.Text); score >= 0.7 {
			matches = append(matches, match{text: el.Text, score: score})
		}
	}
	if len(matches) == 0 {
		return nil
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	best := matches[0]

	return &contracts.Patch{
		Kind: contracts.PatchReplaceText,
		Payload: map[string]any{
			"find": target,
			"with": best.text,
			"role": role,
		},
		Confidence:  best.score,
		RiskLevel:   "low",
		StepIndex:   f.Step.Index,
		GeneratedAt: time.Now().UTC(),
	}
}

// proposeFallbackSearch records a goal phrase with a bounded synonym list.
func proposeFallbackSearch(f Failure) *contracts.Patch {
	target := targetText(f.Step)
	if target == "" {
		return nil
	}
	synonyms := Synonyms(target)
	if len(synonyms) == 0 {
		return nil
	}
	return &contracts.Patch{
		Kind: contracts.PatchFallbackSearch,
		Payload: map[string]any{
			"goal":     target,
			"synonyms": synonyms,
			"role":     roleOf(f.Step),
			"attempts": 1,
		},
		Confidence:  0.6,
		RiskLevel:   "low",
		StepIndex:   f.Step.Index,
		GeneratedAt: time.Now().UTC(),
	}
}

// proposeWaitTuning doubles the step timeout up to the cap.
func proposeWaitTuning(f Failure) *contracts.Patch {
	old := f.Step.TimeoutMS
	if old <= 0 {
		old = 5000
	}
	tuned := old * 2
	if tuned > waitTuningCapMS {
		tuned = waitTuningCapMS
	}
	if tuned == old {
		return nil
	}
	return &contracts.Patch{
		Kind: contracts.PatchWaitTuning,
		Payload: map[string]any{
			"timeout_ms": tuned,
		},
		Confidence:  0.9,
		RiskLevel:   "low",
		StepIndex:   f.Step.Index,
		GeneratedAt: time.Now().UTC(),
	}
}

func targetText(step *dsl.Step) string {
	if s, ok := step.Params["text"].(string); ok && s != "" {
		return s
	}
	if s, ok := step.Params["label"].(string); ok && s != "" {
		return s
	}
	return ""
}

func roleOf(step *dsl.Step) string {
	if s, ok := step.Params["role"].(string); ok {
		return s
	}
	if step.Action == "click_by_text" {
		return "button"
	}
	return ""
}
