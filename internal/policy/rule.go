package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/agentgov/internal/errs"
	"github.com/ppiankov/agentgov/internal/model"
)

// ActionType is what a matching rule does.
type ActionType string

const (
	ActionAllow           ActionType = "allow"
	ActionDeny            ActionType = "deny"
	ActionRequireApproval ActionType = "require_approval"
	ActionLog             ActionType = "log"
	ActionRedact          ActionType = "redact"
)

// Action is one rule action. Redact takes a "fields" list parameter; log
// takes an optional "message"; deny and require_approval an optional "reason".
type Action struct {
	Type       ActionType     `json:"type" yaml:"type"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// PolicyRule is a prioritised, conjunctive condition set with its actions.
// Lower Priority is evaluated first; ties fall back to creation order.
type PolicyRule struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     bool        `json:"enabled" yaml:"enabled"`
	Priority    int         `json:"priority" yaml:"priority"`
	Conditions  []Condition `json:"conditions" yaml:"conditions"`
	Actions     []Action    `json:"actions" yaml:"actions"`
	CreatedAt   time.Time   `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time   `json:"updated_at" yaml:"-"`

	seq      uint64
	compiled *compiledRule
}

// compiled action forms, one per ActionType.
type ruleAction interface{ isRuleAction() }

type (
	allowAction    struct{}
	denyAction     struct{ reason string }
	approvalAction struct{ reason string }
	logAction      struct{ message string }
	redactAction   struct{ fields []string }
)

func (allowAction) isRuleAction()    {}
func (denyAction) isRuleAction()     {}
func (approvalAction) isRuleAction() {}
func (logAction) isRuleAction()      {}
func (redactAction) isRuleAction()   {}

type compiledRule struct {
	conditions []compiledCondition
	actions    []ruleAction
	decision   model.Decision // empty when the rule only logs or redacts
	reason     string
}

func (r *compiledRule) match(in Input) bool {
	for _, c := range r.conditions {
		if !c.eval(in) {
			return false
		}
	}
	return true
}

// Validate checks a rule's structure. Each violation yields one message.
func Validate(r PolicyRule) error {
	_, violations := compileRule(r)
	if len(violations) > 0 {
		return errs.Validation(fmt.Sprintf("invalid rule %q", r.ID), violations...)
	}
	return nil
}

func compileRule(r PolicyRule) (*compiledRule, []string) {
	var violations []string
	if strings.TrimSpace(r.Name) == "" {
		violations = append(violations, "name is required")
	}

	out := &compiledRule{}
	if len(r.Conditions) == 0 {
		violations = append(violations, "conditions must not be empty")
	}
	for i, c := range r.Conditions {
		cc, violation := compileCondition(c)
		if violation != "" {
			violations = append(violations, fmt.Sprintf("conditions[%d]: %s", i, violation))
			continue
		}
		out.conditions = append(out.conditions, cc)
	}

	if len(r.Actions) == 0 {
		violations = append(violations, "actions must not be empty")
	}
	decisive := 0
	for i, a := range r.Actions {
		ra, violation := compileAction(a)
		if violation != "" {
			violations = append(violations, fmt.Sprintf("actions[%d]: %s", i, violation))
			continue
		}
		out.actions = append(out.actions, ra)
		switch x := ra.(type) {
		case allowAction:
			decisive++
			out.decision = model.Allow
		case denyAction:
			decisive++
			out.decision = model.Deny
			out.reason = x.reason
		case approvalAction:
			decisive++
			out.decision = model.RequireApproval
			out.reason = x.reason
		}
	}
	if decisive > 1 {
		violations = append(violations, "actions: at most one of allow, deny, require_approval")
	}
	return out, violations
}

func compileAction(a Action) (ruleAction, string) {
	switch a.Type {
	case ActionAllow:
		return allowAction{}, ""
	case ActionDeny:
		return denyAction{reason: stringParam(a.Parameters, "reason")}, ""
	case ActionRequireApproval:
		return approvalAction{reason: stringParam(a.Parameters, "reason")}, ""
	case ActionLog:
		return logAction{message: stringParam(a.Parameters, "message")}, ""
	case ActionRedact:
		fields := listParam(a.Parameters, "fields")
		if len(fields) == 0 {
			return nil, "redact requires a non-empty fields parameter"
		}
		return redactAction{fields: fields}, ""
	default:
		return nil, fmt.Sprintf("type %q must be one of allow, deny, require_approval, log, redact", a.Type)
	}
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func listParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok || s == "" {
				return nil
			}
			out = append(out, s)
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}
