// Package manifest derives a plan's capability set, risk flags, and target
// domains. Derivation is deterministic and side-effect-free: the same plan
// always yields byte-identical manifests.
package manifest

import (
	"net/url"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/width"

	"github.com/deskflow-io/deskflow/pkg/contracts"
	"github.com/deskflow-io/deskflow/pkg/dsl"
)

// Risk flags raised by the analyzer.
const (
	RiskSends      = "sends"
	RiskDeletes    = "deletes"
	RiskOverwrites = "overwrites"
)

// destructiveVocabulary maps normalized tokens (lowercase, narrow-width) to
// the risk flag they raise. Several written languages are covered; tokens are
// matched against string parameter values.
var destructiveVocabulary = map[string]string{
	// sends
	"submit": RiskSends, "send": RiskSends, "送信": RiskSends,
	"提出": RiskSends, "senden": RiskSends, "envoyer": RiskSends,
	"enviar": RiskSends, "발송": RiskSends, "发送": RiskSends,
	// deletes
	"delete": RiskDeletes, "remove": RiskDeletes, "削除": RiskDeletes,
	"löschen": RiskDeletes, "supprimer": RiskDeletes, "eliminar": RiskDeletes,
	"삭제": RiskDeletes, "删除": RiskDeletes,
	// overwrites
	"overwrite": RiskOverwrites, "上書き": RiskOverwrites,
	"überschreiben": RiskOverwrites, "écraser": RiskOverwrites,
	"sobrescribir": RiskOverwrites, "덮어쓰기": RiskOverwrites, "覆盖": RiskOverwrites,
}

// actionRisks maps actions whose nature alone raises a flag.
var actionRisks = map[string][]string{
	"compose_mail": {RiskSends},
	"save_draft":   {RiskSends},
	"upload_file":  {RiskSends},
}

var lowerCaser = cases.Lower(language.Und)

// normalizeToken folds full-width forms and case so 「ＳＵＢＭＩＴ」 and
// "Submit" match the same vocabulary entry.
func normalizeToken(s string) string {
	return lowerCaser.String(width.Narrow.String(strings.TrimSpace(s)))
}

// Derive walks a plan and produces its manifest. The signature info, if the
// plan carries one, is copied through untouched.
func Derive(plan *dsl.Plan) *contracts.Manifest {
	caps := map[string]bool{}
	risks := map[string]bool{}
	var domains []string
	seenDomain := map[string]bool{}

	for _, step := range plan.Steps {
		spec := dsl.LookupAction(step.Action)
		if spec == nil {
			continue
		}
		if spec.Capability != "control" {
			caps[spec.Capability] = true
		}
		for _, r := range actionRisks[step.Action] {
			risks[r] = true
		}
		if ov, ok := step.Params["overwrite_if_exists"].(bool); ok && ov {
			risks[RiskOverwrites] = true
		}

		walkStrings(step.Params, func(key, value string) {
			if d := domainOf(key, value); d != "" && !seenDomain[d] {
				seenDomain[d] = true
				domains = append(domains, d)
			}
			for _, tok := range tokenize(value) {
				if flag, ok := destructiveVocabulary[tok]; ok {
					risks[flag] = true
				}
			}
		})
	}

	m := &contracts.Manifest{
		Capabilities:         sortedKeys(caps),
		RiskFlags:            sortedKeys(risks),
		RequiredCapabilities: sortedKeys(caps),
		TargetDomains:        domains,
		SignatureInfo:        plan.Signature,
	}
	return m
}

func walkStrings(v any, fn func(key, value string)) {
	var walk func(key string, v any)
	walk = func(key string, v any) {
		switch t := v.(type) {
		case string:
			fn(key, t)
		case []any:
			for _, e := range t {
				walk(key, e)
			}
		case map[string]any:
			for k, e := range t {
				walk(k, e)
			}
		}
	}
	walk("", v)
}

// domainOf extracts a hostname from URL-shaped parameter values.
func domainOf(key, value string) string {
	if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
		return ""
	}
	u, err := url.Parse(value)
	if err != nil || u.Host == "" {
		return ""
	}
	_ = key
	return u.Hostname()
}

// tokenize splits a string parameter into candidate vocabulary tokens. CJK
// values are matched whole as well as word-split, since they carry no spaces.
func tokenize(s string) []string {
	norm := normalizeToken(s)
	fields := strings.FieldsFunc(norm, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '/' || r == '_' || r == '-' || r == '.' || r == ','
	})
	return append(fields, norm)
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
