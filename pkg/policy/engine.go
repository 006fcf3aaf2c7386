// Package policy implements the execution-time policy gate: domain, time
// window, risk, signature, and capability checks over a derived manifest.
// Evaluation never short-circuits; every check contributes a stable,
// testable reason code.
package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/deskflow-io/deskflow/pkg/contracts"
	"github.com/deskflow-io/deskflow/pkg/signing"
)

// Stable check names. These appear in policy decisions, the audit log, and
// the HTTP policy-checks view; do not rename.
const (
	CheckDomain       = "domain"
	CheckTimeWindow   = "time_window"
	CheckRisk         = "risk"
	CheckSignature    = "signature"
	CheckCapabilities = "capabilities"
)

// AdoptPolicy governs Planner-L2 auto-adoption.
type AdoptPolicy struct {
	LowRiskAuto    bool    `yaml:"low_risk_auto"`
	MinConfidence  float64 `yaml:"min_confidence"`
	MaxAutoChanges int     `yaml:"max_auto_changes"`
}

// Penalties are the deviation score weights the L4 monitor applies.
type Penalties struct {
	Unexpected   int `yaml:"unexpected"`
	VerifierFail int `yaml:"verifier_fail"`
	Timing       int `yaml:"timing"`
	RetryCap     int `yaml:"retry_cap"`
}

// Config is the policy schema.
type Config struct {
	Autopilot              bool        `yaml:"autopilot"`
	AllowDomains           []string    `yaml:"allow_domains"`
	AllowRisks             []string    `yaml:"allow_risks"`
	Window                 string      `yaml:"window"` // "MON-FRI 09:00-17:00 Asia/Tokyo" | "never" | ""
	RequireSignedTemplates bool        `yaml:"require_signed_templates"`
	RequireCapabilities    []string    `yaml:"require_capabilities"`
	MinTrustLevel          string      `yaml:"min_trust_level"`
	AdoptPolicy            AdoptPolicy `yaml:"adopt_policy"`
	DeviationThreshold     int         `yaml:"deviation_threshold"`
	Penalties              Penalties   `yaml:"penalties"`
}

// DefaultConfig is permissive: any domain, the standard risk set, nothing
// signed, autopilot off. Operators narrow it via policy.yaml.
func DefaultConfig() *Config {
	return &Config{
		AllowRisks:         []string{"sends", "deletes", "overwrites"},
		AdoptPolicy:        AdoptPolicy{LowRiskAuto: true, MinConfidence: 0.85, MaxAutoChanges: 3},
		DeviationThreshold: 3,
		Penalties:          Penalties{Unexpected: 2, VerifierFail: 1, Timing: 1, RetryCap: 1},
	}
}

// Engine evaluates manifests against one policy configuration.
type Engine struct {
	cfg    *Config
	window *Window
}

// NewEngine parses the configured window once and returns a ready engine.
func NewEngine(cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	e := &Engine{cfg: cfg}
	if cfg.Window != "" && cfg.Window != "never" {
		w, err := ParseWindow(cfg.Window)
		if err != nil {
			return nil, err
		}
		e.window = w
	}
	return e, nil
}

// Config returns the engine's configuration.
func (e *Engine) Config() *Config { return e.cfg }

// InWindow reports whether t falls inside the configured execution window.
// An unset window is always open; "never" is always closed.
func (e *Engine) InWindow(t time.Time) bool {
	if e.cfg.Window == "never" {
		return false
	}
	if e.window == nil {
		return true
	}
	return e.window.Contains(t)
}

// Evaluate runs all five checks against a manifest. sig may be nil when the
// plan is unsigned. The decision is total: one entry per check, allowed iff
// all entries allow. Autopilot additionally requires autopilot=true in
// config.
func (e *Engine) Evaluate(m *contracts.Manifest, sig *signing.VerificationResult, now time.Time) *contracts.PolicyDecision {
	checks := []contracts.PolicyCheck{
		e.checkDomains(m),
		e.checkWindow(now),
		e.checkRisks(m),
		e.checkSignature(sig),
		e.checkCapabilities(m),
	}
	allowed := true
	for _, c := range checks {
		if !c.Allowed {
			allowed = false
		}
	}
	return &contracts.PolicyDecision{
		Allowed:          allowed,
		AutopilotEnabled: allowed && e.cfg.Autopilot,
		Checks:           checks,
		EvaluatedAt:      now.UTC(),
	}
}

func (e *Engine) checkDomains(m *contracts.Manifest) contracts.PolicyCheck {
	check := contracts.PolicyCheck{Name: CheckDomain, Allowed: true}
	if len(e.cfg.AllowDomains) == 0 {
		return check
	}
	for _, domain := range m.TargetDomains {
		if !domainAllowed(domain, e.cfg.AllowDomains) {
			check.Allowed = false
			check.Reason = fmt.Sprintf("domain %q not in allow_domains %v", domain, e.cfg.AllowDomains)
			check.SuggestedAction = fmt.Sprintf("add %q to policy allow_domains or target an approved domain", domain)
			return check
		}
	}
	return check
}

// domainAllowed suffix-matches with optional leading glob: an entry
// "partner.example.com" allows itself and any subdomain; "*.example.com"
// allows subdomains of example.com.
func domainAllowed(domain string, allow []string) bool {
	for _, entry := range allow {
		entry = strings.TrimPrefix(entry, "*.")
		if domain == entry || strings.HasSuffix(domain, "."+entry) {
			return true
		}
	}
	return false
}

func (e *Engine) checkWindow(now time.Time) contracts.PolicyCheck {
	check := contracts.PolicyCheck{Name: CheckTimeWindow, Allowed: true}
	if e.cfg.Window == "never" {
		check.Allowed = false
		check.Reason = "policy window is 'never'"
		check.SuggestedAction = "update the policy window to allow execution times"
		return check
	}
	if e.window != nil && !e.window.Contains(now) {
		check.Allowed = false
		check.Reason = fmt.Sprintf("current time outside window %q", e.cfg.Window)
		check.SuggestedAction = "execute during the allowed window or update the policy"
	}
	return check
}

func (e *Engine) checkRisks(m *contracts.Manifest) contracts.PolicyCheck {
	check := contracts.PolicyCheck{Name: CheckRisk, Allowed: true}
	allowed := map[string]bool{}
	for _, r := range e.cfg.AllowRisks {
		allowed[r] = true
	}
	for _, risk := range m.RiskFlags {
		if !allowed[risk] {
			check.Allowed = false
			check.Reason = fmt.Sprintf("risk %q not in allow_risks %v", risk, e.cfg.AllowRisks)
			check.SuggestedAction = fmt.Sprintf("add %q to allow_risks or remove the risky step", risk)
			return check
		}
	}
	return check
}

func (e *Engine) checkSignature(sig *signing.VerificationResult) contracts.PolicyCheck {
	check := contracts.PolicyCheck{Name: CheckSignature, Allowed: true}
	if !e.cfg.RequireSignedTemplates {
		return check
	}
	if sig == nil || !sig.Valid {
		check.Allowed = false
		check.Reason = "template signature required but not verified"
		if sig != nil && sig.Err != nil {
			check.Reason = fmt.Sprintf("template signature required: %s", sig.Err.Message)
		}
		check.SuggestedAction = "sign the template with a trusted key or disable require_signed_templates"
	}
	return check
}

func (e *Engine) checkCapabilities(m *contracts.Manifest) contracts.PolicyCheck {
	check := contracts.PolicyCheck{Name: CheckCapabilities, Allowed: true}
	declared := map[string]bool{}
	for _, c := range m.RequiredCapabilities {
		declared[c] = true
	}
	for _, required := range e.cfg.RequireCapabilities {
		if !declared[required] {
			check.Allowed = false
			check.Reason = fmt.Sprintf("required capability %q missing from template capabilities %v",
				required, m.RequiredCapabilities)
			check.SuggestedAction = fmt.Sprintf("declare %q in the template or drop it from require_capabilities", required)
			return check
		}
	}
	return check
}

// BlockError converts a blocking decision into a POLICY_BLOCKED error whose
// hints carry every failed check.
func BlockError(d *contracts.PolicyDecision) *contracts.Error {
	err := contracts.NewError(contracts.ErrPolicyBlocked, "one or more policy checks failed")
	for _, c := range d.Checks {
		if !c.Allowed {
			err = err.WithHints(fmt.Sprintf("%s: %s", c.Name, c.Reason))
		}
	}
	return err
}
