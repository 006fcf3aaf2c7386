// Package config loads the YAML configuration surfaces: policy, web engine,
// schedules, trust store, and orchestrator. Missing files fall back to safe
// defaults; environment variables override paths.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/deskflow-io/deskflow/pkg/policy"
	"github.com/deskflow-io/deskflow/pkg/scheduler"
)

// WebEngineConfig selects and tunes the browser bridge.
type WebEngineConfig struct {
	Engine               string `yaml:"engine"` // extension | playwright
	TimeoutMS            int64  `yaml:"timeout_ms"`
	EnableDebuggerUpload bool   `yaml:"enable_debugger_upload"`
	FallbackEngine       string `yaml:"fallback_engine"`
	BridgeURL            string `yaml:"bridge_url"`
}

// OrchestratorConfig holds per-queue settings.
type OrchestratorConfig struct {
	Queues []scheduler.QueueConfig `yaml:"queues"`
}

// Config is the assembled configuration of the agent.
type Config struct {
	Dir          string
	Policy       *policy.Config
	WebEngine    *WebEngineConfig
	Schedules    []scheduler.Schedule
	Watches      []scheduler.WatchConfig
	Webhooks     []scheduler.WebhookConfig
	Orchestrator *OrchestratorConfig

	DatabasePath   string
	ArtifactsDir   string
	AuditLogPath   string
	TrustStorePath string
	ListenAddr     string
}

// Load reads every surface from dir (default "configs"), tolerating absent
// files.
func Load(dir string) (*Config, error) {
	if dir == "" {
		dir = os.Getenv("DESKFLOW_CONFIG_DIR")
	}
	if dir == "" {
		dir = "configs"
	}
	cfg := &Config{
		Dir:            dir,
		Policy:         policy.DefaultConfig(),
		WebEngine:      &WebEngineConfig{Engine: "extension", TimeoutMS: 30000},
		Orchestrator:   &OrchestratorConfig{},
		DatabasePath:   envOr("DESKFLOW_DB", "data/runs.db"),
		ArtifactsDir:   envOr("EVIDENCE_DIR", "artifacts"),
		AuditLogPath:   envOr("DESKFLOW_AUDIT_LOG", filepath.Join("logs", "policy_audit.log")),
		TrustStorePath: filepath.Join(dir, "trust_store.yaml"),
		ListenAddr:     envOr("DESKFLOW_LISTEN", "127.0.0.1:8484"),
	}

	if err := loadYAML(filepath.Join(dir, "policy.yaml"), cfg.Policy); err != nil {
		return nil, err
	}
	if err := loadYAML(filepath.Join(dir, "web_engine.yaml"), cfg.WebEngine); err != nil {
		return nil, err
	}

	var schedules struct {
		Schedules []scheduler.Schedule      `yaml:"schedules"`
		Watches   []scheduler.WatchConfig   `yaml:"watches"`
		Webhooks  []scheduler.WebhookConfig `yaml:"webhooks"`
	}
	if err := loadYAML(filepath.Join(dir, "schedules.yaml"), &schedules); err != nil {
		return nil, err
	}
	cfg.Schedules = schedules.Schedules
	cfg.Watches = schedules.Watches
	cfg.Webhooks = schedules.Webhooks

	if err := loadYAML(filepath.Join(dir, "orchestrator.yaml"), cfg.Orchestrator); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadYAML decodes a file into out; a missing file is not an error.
func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
