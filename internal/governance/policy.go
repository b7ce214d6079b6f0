package governance

import (
	"context"
	"strconv"
	"strings"

	"github.com/ppiankov/agentgov/internal/audit"
	"github.com/ppiankov/agentgov/internal/errs"
	"github.com/ppiankov/agentgov/internal/model"
	"github.com/ppiankov/agentgov/internal/policy"
)

// EvaluatePolicy evaluates in against the current rule snapshot and
// records the decision.
func (s *Service) EvaluatePolicy(ctx context.Context, caller model.Principal, in policy.Input) (policy.Decision, error) {
	if err := requireCaller("evaluate policy", caller); err != nil {
		return policy.Decision{}, err
	}
	if strings.TrimSpace(in.Tool) == "" {
		return policy.Decision{}, errs.Validation("evaluate policy", "tool is required")
	}
	in.Context = withCaller(in.Context, caller)
	d := s.policy.Evaluate(in)

	details := make(map[string]string)
	decisionInto(details, d)
	rec := audit.Record{
		EventType:  audit.EventPolicyEvaluated,
		Actor:      actorFor(caller),
		Action:     in.Tool,
		Resource:   audit.Resource{Type: "resource", ID: in.Resource},
		WorkflowID: in.WorkflowID,
		Outcome:    string(d.Decision),
		Details:    details,
		Payload:    in,
	}
	if in.Resource == "" {
		rec.Resource = audit.Resource{Type: "tool", ID: in.Tool}
	}
	if in.Assessment != nil {
		rec.RiskLevel = in.Assessment.RiskLevel.String()
	}
	_, err := s.recorder.Append(ctx, rec)
	return d, err
}

// ListRules returns the rules in evaluation order.
func (s *Service) ListRules() []policy.PolicyRule { return s.rules.List() }

// GetRule returns one rule.
func (s *Service) GetRule(id string) (policy.PolicyRule, error) { return s.rules.Get(id) }

// CreateRule validates and adds a rule.
func (s *Service) CreateRule(ctx context.Context, caller model.Principal, r policy.PolicyRule) (policy.PolicyRule, error) {
	if err := requireCaller("create rule", caller); err != nil {
		return policy.PolicyRule{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.recorder.stage()
	created, err := s.rules.CreateWith(r, s.ruleCommit(ctx, st, caller, audit.EventRuleCreated, "create"))
	if err != nil {
		return policy.PolicyRule{}, err
	}
	st.flush(ctx)
	return created, nil
}

// UpdateRule replaces a rule's definition.
func (s *Service) UpdateRule(ctx context.Context, caller model.Principal, id string, r policy.PolicyRule) (policy.PolicyRule, error) {
	if err := requireCaller("update rule", caller); err != nil {
		return policy.PolicyRule{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.recorder.stage()
	updated, err := s.rules.UpdateWith(id, r, s.ruleCommit(ctx, st, caller, audit.EventRuleUpdated, "update"))
	if err != nil {
		return policy.PolicyRule{}, err
	}
	st.flush(ctx)
	return updated, nil
}

// EnableRule enables a rule.
func (s *Service) EnableRule(ctx context.Context, caller model.Principal, id string) (policy.PolicyRule, error) {
	return s.setEnabled(ctx, caller, id, true)
}

// DisableRule disables a rule.
func (s *Service) DisableRule(ctx context.Context, caller model.Principal, id string) (policy.PolicyRule, error) {
	return s.setEnabled(ctx, caller, id, false)
}

func (s *Service) setEnabled(ctx context.Context, caller model.Principal, id string, enabled bool) (policy.PolicyRule, error) {
	op, typ := "disable", audit.EventRuleDisabled
	if enabled {
		op, typ = "enable", audit.EventRuleEnabled
	}
	if err := requireCaller(op+" rule", caller); err != nil {
		return policy.PolicyRule{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.recorder.stage()
	r, err := s.rules.SetEnabledWith(id, enabled, s.ruleCommit(ctx, st, caller, typ, op))
	if err != nil {
		return policy.PolicyRule{}, err
	}
	st.flush(ctx)
	return r, nil
}

// DeleteRule removes a rule.
func (s *Service) DeleteRule(ctx context.Context, caller model.Principal, id string) error {
	if err := requireCaller("delete rule", caller); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.recorder.stage()
	if _, err := s.rules.DeleteWith(id, s.ruleCommit(ctx, st, caller, audit.EventRuleDeleted, "delete")); err != nil {
		return err
	}
	st.flush(ctx)
	return nil
}

// ReloadRules swaps the whole rule set, as read from a rule file. On any
// violation, or when the reload cannot be recorded, the current set is kept.
func (s *Service) ReloadRules(ctx context.Context, caller model.Principal, rules []policy.PolicyRule, source, hash string) error {
	if err := requireCaller("reload rules", caller); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.recorder.stage()
	err := s.rules.ReplaceWith(rules, func([]policy.PolicyRule) error {
		return st.append(ctx, audit.Record{
			EventType: audit.EventRulesReloaded,
			Actor:     actorFor(caller),
			Action:    "reload",
			Resource:  audit.Resource{Type: "rule_file", ID: source},
			Outcome:   "reloaded",
			Details:   map[string]string{"rules": strconv.Itoa(len(rules)), "hash": hash},
		})
	})
	if err != nil {
		s.logger.Error().Err(err).Str("source", source).Msg("policy reload rejected")
		return err
	}
	st.flush(ctx)
	s.logger.Info().Str("source", source).Str("hash", hash).Int("rules", len(rules)).Msg("policy rules reloaded")
	return nil
}

// ReloadRulesFile loads path and swaps the rules it holds.
func (s *Service) ReloadRulesFile(ctx context.Context, caller model.Principal, path string) error {
	rules, hash, err := policy.LoadRulesWithHash(path)
	if err != nil {
		s.logger.Error().Err(err).Str("source", path).Msg("policy reload failed")
		return err
	}
	return s.ReloadRules(ctx, caller, rules, path, hash)
}

// ruleCommit records a rule change before the store publishes it.
func (s *Service) ruleCommit(ctx context.Context, st *staged, caller model.Principal, typ audit.EventType, op string) policy.Commit {
	return func(r policy.PolicyRule) error {
		return st.append(ctx, audit.Record{
			EventType: typ,
			Actor:     actorFor(caller),
			Action:    op,
			Resource:  audit.Resource{Type: "rule", ID: r.ID},
			Outcome:   op + "d",
			Details: map[string]string{
				"name":     r.Name,
				"enabled":  strconv.FormatBool(r.Enabled),
				"priority": strconv.Itoa(r.Priority),
			},
			Payload: r,
		})
	}
}

func decisionInto(details map[string]string, d policy.Decision) {
	details["decision"] = string(d.Decision)
	details["reason"] = d.Reason
	if d.GoverningRule != "" {
		details["rule"] = d.GoverningRule
	}
	if len(d.MatchedRules) > 0 {
		details["matched_rules"] = strings.Join(d.MatchedRules, ",")
	}
	if len(d.RedactedFields) > 0 {
		details["redacted_fields"] = strings.Join(d.RedactedFields, ",")
	}
	if len(d.AppliedExceptions) > 0 {
		details["exceptions"] = strings.Join(d.AppliedExceptions, ",")
	}
	if d.DefaultApplied {
		details["default"] = "true"
	}
}
