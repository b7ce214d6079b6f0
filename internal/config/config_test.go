package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	def := DefaultConfig()
	if cfg.Server.GRPCPort != def.Server.GRPCPort || cfg.Audit.Backend != BackendFile {
		t.Errorf("expected defaults, got %+v", cfg)
	}
	if !cfg.Policy.HotReload || cfg.Audit.HMACKeyEnv != DefaultHMACKeyEnv {
		t.Errorf("unexpected policy/audit defaults %+v %+v", cfg.Policy, cfg.Audit)
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	path := writeConfig(t, `
server:
  grpc_port: 6000
  http_addr: 127.0.0.1:8080
audit:
  backend: sqlite
  path: /var/lib/agentgov/audit.db
workflow:
  approval_expiry: 24h
  sweep_interval: 5m
identity:
  principals:
    - token: s3cret
      user_id: alice
      role: engineer
alerts:
  - url: https://hooks.example.com/x
    format: slack
    events: [deny, integrity_failure]
tools:
  - id: purge_cache
    base_level: LOW
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.GRPCPort != 6000 || cfg.Server.HTTPAddr != "127.0.0.1:8080" {
		t.Errorf("server not loaded: %+v", cfg.Server)
	}
	if cfg.Audit.Backend != BackendSQLite || cfg.Audit.HMACKeyEnv != DefaultHMACKeyEnv {
		t.Errorf("audit not merged over defaults: %+v", cfg.Audit)
	}
	if cfg.Workflow.ApprovalExpiry != 24*time.Hour || cfg.Workflow.SweepInterval != 5*time.Minute {
		t.Errorf("durations not parsed: %+v", cfg.Workflow)
	}
	if len(cfg.Identity.Principals) != 1 || cfg.Identity.Principals[0].UserID != "alice" {
		t.Errorf("principals not loaded: %+v", cfg.Identity)
	}
	if len(cfg.Alerts) != 1 || cfg.Alerts[0].Format != "slack" || len(cfg.Alerts[0].Events) != 2 {
		t.Errorf("alerts not loaded: %+v", cfg.Alerts)
	}
	if len(cfg.Tools) != 1 || cfg.Tools[0].BaseLevel != "LOW" {
		t.Errorf("tools not loaded: %+v", cfg.Tools)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad yaml":          "server: [",
		"unknown backend":   "audit:\n  backend: mongo\n",
		"postgres no dsn":   "audit:\n  backend: postgres\n",
		"expiry no sweep":   "workflow:\n  approval_expiry: 1h\n  sweep_interval: 0s\n",
		"pubsub no topic":   "events:\n  pubsub:\n    project_id: p\n",
		"port out of range": "server:\n  grpc_port: 70000\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENTGOV_GRPC_PORT", "7001")
	t.Setenv("AGENTGOV_AUDIT_BACKEND", "postgres")
	t.Setenv("AGENTGOV_AUDIT_DSN", "postgres://localhost/agentgov")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.GRPCPort != 7001 || cfg.Audit.Backend != BackendPostgres || !strings.HasPrefix(cfg.Audit.DSN, "postgres://") {
		t.Errorf("env overrides not applied: %+v %+v", cfg.Server, cfg.Audit)
	}

	t.Setenv("AGENTGOV_GRPC_PORT", "not-a-port")
	if _, err := Load(""); err == nil {
		t.Error("expected an error for a non-numeric port")
	}
}

func TestHMACKeyFromEnv(t *testing.T) {
	cfg := DefaultConfig()
	t.Setenv(DefaultHMACKeyEnv, "")
	if cfg.HMACKey() != nil {
		t.Error("expected no key")
	}
	cfg.Audit.HMACKeyEnv = "CUSTOM_AUDIT_KEY"
	t.Setenv("CUSTOM_AUDIT_KEY", "k1")
	if string(cfg.HMACKey()) != "k1" {
		t.Errorf("expected key from custom env, got %q", cfg.HMACKey())
	}
}
