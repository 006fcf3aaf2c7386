package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWhenEmpty(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Policy.Autopilot {
		t.Fatal("autopilot must default off")
	}
	if cfg.WebEngine.Engine != "extension" {
		t.Fatalf("engine: %s", cfg.WebEngine.Engine)
	}
}

func TestLoadSurfaces(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	write("policy.yaml", `
autopilot: true
allow_domains: ["partner.example.com"]
allow_risks: ["sends"]
window: "MON-FRI 09:00-17:00 Asia/Tokyo"
require_signed_templates: true
deviation_threshold: 4
adopt_policy:
  low_risk_auto: true
  min_confidence: 0.9
  max_auto_changes: 2
`)
	write("web_engine.yaml", `
engine: playwright
timeout_ms: 15000
fallback_engine: extension
`)
	write("schedules.yaml", `
schedules:
  - id: weekly
    cron: "0 9 * * 1"
    template: templates/weekly.yaml
    queue: reports
    priority: 3
    timezone: Asia/Tokyo
watches:
  - id: inbox
    path: ./inbox
    template: templates/sort.yaml
    patterns: ["*.pdf"]
    debounce_ms: 2000
webhooks:
  - id: deploy
    template: templates/deploy.yaml
    secret: shh
    extract_variables: ["ticket"]
`)
	write("orchestrator.yaml", `
queues:
  - name: reports
    max_concurrent: 2
    max_queued: 50
`)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Policy.Autopilot || cfg.Policy.DeviationThreshold != 4 {
		t.Fatalf("policy: %+v", cfg.Policy)
	}
	if cfg.Policy.AdoptPolicy.MinConfidence != 0.9 {
		t.Fatalf("adopt policy: %+v", cfg.Policy.AdoptPolicy)
	}
	if cfg.WebEngine.Engine != "playwright" || cfg.WebEngine.TimeoutMS != 15000 {
		t.Fatalf("web engine: %+v", cfg.WebEngine)
	}
	if len(cfg.Schedules) != 1 || cfg.Schedules[0].Queue != "reports" {
		t.Fatalf("schedules: %+v", cfg.Schedules)
	}
	if len(cfg.Watches) != 1 || cfg.Watches[0].DebounceMS != 2000 {
		t.Fatalf("watches: %+v", cfg.Watches)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].ExtractVariables[0] != "ticket" {
		t.Fatalf("webhooks: %+v", cfg.Webhooks)
	}
	if cfg.Orchestrator.Queues[0].MaxConcurrent != 2 {
		t.Fatalf("orchestrator: %+v", cfg.Orchestrator)
	}
}
