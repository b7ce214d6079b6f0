// Package config loads the agentgov service configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/agentgov/internal/alert"
	"github.com/ppiankov/agentgov/internal/identity"
)

// Audit backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// DefaultHMACKeyEnv names the variable holding the audit chain key.
const DefaultHMACKeyEnv = "AGENTGOV_AUDIT_HMAC_KEY"

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig        `yaml:"server"`
	Audit     AuditConfig         `yaml:"audit"`
	Policy    PolicyConfig        `yaml:"policy"`
	OrgPolicy OrgPolicyConfig     `yaml:"org_policy"`
	Workflow  WorkflowConfig      `yaml:"workflow"`
	Identity  IdentityConfig      `yaml:"identity"`
	Events    EventsConfig        `yaml:"events"`
	Alerts    []alert.AlertConfig `yaml:"alerts"`
	Tools     []ToolConfig        `yaml:"tools"`
}

type ServerConfig struct {
	GRPCPort int    `yaml:"grpc_port"`
	HTTPAddr string `yaml:"http_addr"` // empty disables the REST API
}

type AuditConfig struct {
	Backend    string `yaml:"backend"`
	Path       string `yaml:"path"` // file backend JSONL path, or SQLite database file
	DSN        string `yaml:"dsn"`  // postgres connection string
	HMACKeyEnv string `yaml:"hmac_key_env"`
}

type PolicyConfig struct {
	RulesPath string `yaml:"rules_path"`
	HotReload bool   `yaml:"hot_reload"`
}

type OrgPolicyConfig struct {
	Dir string `yaml:"dir"` // empty keeps the organization policy in memory
}

type WorkflowConfig struct {
	StoreDir       string        `yaml:"store_dir"`
	ApprovalExpiry time.Duration `yaml:"approval_expiry"` // zero disables expiry
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

type IdentityConfig struct {
	Principals []identity.PrincipalConfig `yaml:"principals"`
}

type EventsConfig struct {
	Log    bool         `yaml:"log"`
	PubSub PubSubConfig `yaml:"pubsub"`
}

type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

// Enabled reports whether the Pub/Sub sink is configured.
func (p PubSubConfig) Enabled() bool { return p.ProjectID != "" && p.TopicID != "" }

// ToolConfig registers or overrides a tool's base risk level at startup.
type ToolConfig struct {
	ID          string `yaml:"id"`
	BaseLevel   string `yaml:"base_level"`
	Description string `yaml:"description"`
}

// DefaultConfig returns the built-in configuration rooted at ~/.agentgov.
func DefaultConfig() Config {
	dir := DefaultDir()
	return Config{
		Server: ServerConfig{GRPCPort: 50061},
		Audit: AuditConfig{
			Backend:    BackendFile,
			Path:       filepath.Join(dir, "audit.jsonl"),
			HMACKeyEnv: DefaultHMACKeyEnv,
		},
		Policy: PolicyConfig{
			RulesPath: filepath.Join(dir, "rules.yaml"),
			HotReload: true,
		},
		OrgPolicy: OrgPolicyConfig{Dir: filepath.Join(dir, "org")},
		Workflow: WorkflowConfig{
			StoreDir:      filepath.Join(dir, "workflows"),
			SweepInterval: time.Minute,
		},
		Events: EventsConfig{Log: true},
	}
}

// DefaultDir returns ~/.agentgov.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentgov"
	}
	return filepath.Join(home, ".agentgov")
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

// Load reads a config file over the defaults, then applies environment
// overrides. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv lets deployments override the listener and storage settings
// without editing the file.
func (c *Config) applyEnv() error {
	if v := os.Getenv("AGENTGOV_GRPC_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AGENTGOV_GRPC_PORT: %w", err)
		}
		c.Server.GRPCPort = port
	}
	if v := os.Getenv("AGENTGOV_HTTP_ADDR"); v != "" {
		c.Server.HTTPAddr = v
	}
	if v := os.Getenv("AGENTGOV_AUDIT_BACKEND"); v != "" {
		c.Audit.Backend = v
	}
	if v := os.Getenv("AGENTGOV_AUDIT_DSN"); v != "" {
		c.Audit.DSN = v
	}
	return nil
}

// Validate rejects settings the service cannot start with.
func (c Config) Validate() error {
	switch c.Audit.Backend {
	case BackendMemory:
	case BackendFile, BackendSQLite:
		if c.Audit.Path == "" {
			return fmt.Errorf("audit.path is required for the %s backend", c.Audit.Backend)
		}
	case BackendPostgres:
		if c.Audit.DSN == "" {
			return fmt.Errorf("audit.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown audit backend %q (memory, file, sqlite, postgres)", c.Audit.Backend)
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port %d out of range", c.Server.GRPCPort)
	}
	if c.Workflow.ApprovalExpiry < 0 {
		return fmt.Errorf("workflow.approval_expiry must not be negative")
	}
	if c.Workflow.ApprovalExpiry > 0 && c.Workflow.SweepInterval <= 0 {
		return fmt.Errorf("workflow.sweep_interval must be positive when approval_expiry is set")
	}
	if c.Events.PubSub.ProjectID != "" && c.Events.PubSub.TopicID == "" {
		return fmt.Errorf("events.pubsub.topic_id is required with project_id")
	}
	return nil
}

// HMACKey returns the audit chain key from the environment, or nil for a
// plain SHA-256 chain.
func (c Config) HMACKey() []byte {
	name := c.Audit.HMACKeyEnv
	if name == "" {
		name = DefaultHMACKeyEnv
	}
	if v := os.Getenv(name); v != "" {
		return []byte(v)
	}
	return nil
}
