package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RuleFile is the on-disk rule document.
type RuleFile struct {
	Rules []fileRule `yaml:"rules"`
}

// fileRule defaults enabled to true when the key is omitted.
type fileRule struct {
	ID          string      `yaml:"id"`
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Enabled     *bool       `yaml:"enabled"`
	Priority    int         `yaml:"priority"`
	Conditions  []Condition `yaml:"conditions"`
	Actions     []Action    `yaml:"actions"`
}

// ParseRules decodes a rule document and validates every rule.
func ParseRules(data []byte) ([]PolicyRule, error) {
	var doc RuleFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rule file: %w", err)
	}

	rules := make([]PolicyRule, 0, len(doc.Rules))
	for _, fr := range doc.Rules {
		enabled := true
		if fr.Enabled != nil {
			enabled = *fr.Enabled
		}
		rules = append(rules, PolicyRule{
			ID:          fr.ID,
			Name:        fr.Name,
			Description: fr.Description,
			Enabled:     enabled,
			Priority:    fr.Priority,
			Conditions:  fr.Conditions,
			Actions:     fr.Actions,
		})
	}
	// Replace on a throwaway store runs the same validation the live store will.
	if err := NewRuleStore().Replace(rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// LoadRules loads a rule file. A missing file yields no rules.
func LoadRules(path string) ([]PolicyRule, error) {
	rules, _, err := LoadRulesWithHash(path)
	return rules, err
}

// LoadRulesWithHash loads a rule file and returns the SHA-256 of its raw bytes.
// When no file exists the hash is the SHA-256 of empty input.
func LoadRulesWithHash(path string) ([]PolicyRule, string, error) {
	if path == "" {
		return nil, hashBytes(nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, hashBytes(nil), nil
		}
		return nil, "", fmt.Errorf("failed to read rule file: %w", err)
	}

	rules, err := ParseRules(data)
	if err != nil {
		return nil, "", err
	}
	return rules, hashBytes(data), nil
}

func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}

// DefaultRulesYAML returns a commented starter rule file.
func DefaultRulesYAML() string {
	return `# agentgov policy rules
# Generated by: agentgov policy init
#
# Rules are evaluated by priority (lower first), then creation order.
# Conditions within a rule are ANDed. The first enabled rule whose
# conditions all match and that carries allow, deny or require_approval
# decides. log and redact actions accumulate from every matching rule.
#
# When no rule decides, the organization policy applies:
#   data_classification above max_data_tier   -> deny
#   prod with require_approval_for_production -> require_approval
#   risk_level at or above the approval level -> require_approval
#   otherwise                                 -> allow
#
# Fields: tool, resource, operation, user_id, user_role, workflow_type,
#   workflow_id, stage, environment, scope, risk_level,
#   data_classification, risk_score, user_failure_history,
#   attributes.<name>
# Operators: eq, neq, gt, lt, in, matches (glob, or "re:" + regexp)
rules:
  - id: deny-critical-prod
    name: Block critical actions in production
    priority: 10
    conditions:
      - field: environment
        operator: eq
        value: prod
      - field: risk_level
        operator: eq
        value: CRITICAL
    actions:
      - type: log
        parameters:
          message: critical action blocked in production
      - type: deny
        parameters:
          reason: critical actions are not allowed in production

  - id: deny-destructive-commands
    name: Block destructive shell commands
    priority: 5
    conditions:
      - field: tool
        operator: eq
        value: execute_command
      - field: resource
        operator: matches
        value: 're:(?i)(rm\s+-rf\s+[/~]|(curl|wget)[^|]*\|\s*(ba)?sh\b|sudo\s+(su\b|-i\b)|mkfs|dd\s+if=.*of=/dev/)'
    actions:
      - type: deny
        parameters:
          reason: destructive command

  - id: redact-customer-data
    name: Redact customer identifiers
    priority: 20
    conditions:
      - field: data_classification
        operator: gt
        value: 2
    actions:
      - type: redact
        parameters:
          fields: [email, ssn, phone]

  - id: allow-dev-reads
    name: Allow read-only tools in dev
    priority: 50
    conditions:
      - field: environment
        operator: eq
        value: dev
      - field: tool
        operator: in
        value: [read_file, list_files, search_code]
    actions:
      - type: allow
`
}
