package policy

import (
	"fmt"
	"sort"

	"github.com/ppiankov/agentgov/internal/model"
	"github.com/ppiankov/agentgov/internal/orgpolicy"
)

// Decision is the outcome of one evaluation pass.
type Decision struct {
	Decision          model.Decision `json:"decision"`
	MatchedRules      []string       `json:"matched_rules"`
	GoverningRule     string         `json:"governing_rule,omitempty"`
	RedactedFields    []string       `json:"redacted_fields"`
	LogMessages       []string       `json:"log_messages,omitempty"`
	AppliedExceptions []string       `json:"applied_exceptions,omitempty"`
	DefaultApplied    bool           `json:"default_applied"`
	Reason            string         `json:"reason"`
}

// Evaluate runs rules against in. It is a pure function of its arguments:
// rules are sorted on a private copy and never mutated.
//
// Evaluation order:
//  1. Rules by (priority asc, created_at asc, creation sequence), disabled skipped
//  2. Rules covered by an active policy-scoped exception skipped
//  3. Every matching rule contributes its redactions and log messages
//  4. The first matching rule with allow, deny or require_approval governs
//  5. With no governing rule, the organization defaults apply unless a
//     workflow or resource exception waives them
func Evaluate(in Input, rules []PolicyRule, org orgpolicy.OrganizationPolicy, exceptions []orgpolicy.PolicyException) Decision {
	ordered := append([]PolicyRule(nil), rules...)
	sortRules(ordered)

	d := Decision{
		MatchedRules:   []string{},
		RedactedFields: []string{},
	}
	redacted := make(map[string]bool)

	for _, r := range ordered {
		if !r.Enabled {
			continue
		}
		if exc, ok := covering(exceptions, orgpolicy.ScopePolicy, r.ID); ok {
			d.AppliedExceptions = appendOnce(d.AppliedExceptions, exc.ID)
			continue
		}

		c := r.compiled
		if c == nil {
			var violations []string
			c, violations = compileRule(r)
			if len(violations) > 0 {
				continue
			}
		}
		if !c.match(in) {
			continue
		}

		d.MatchedRules = append(d.MatchedRules, r.ID)
		for _, a := range c.actions {
			switch x := a.(type) {
			case redactAction:
				for _, f := range x.fields {
					if !redacted[f] {
						redacted[f] = true
						d.RedactedFields = append(d.RedactedFields, f)
					}
				}
			case logAction:
				msg := x.message
				if msg == "" {
					msg = fmt.Sprintf("rule %s matched", r.ID)
				}
				d.LogMessages = append(d.LogMessages, msg)
			case allowAction, denyAction, approvalAction:
				// decision recorded on the compiled rule
			}
		}

		if c.decision != "" {
			d.Decision = c.decision
			d.GoverningRule = r.ID
			d.Reason = c.reason
			if d.Reason == "" {
				d.Reason = fmt.Sprintf("rule %s (%s): %s", r.ID, r.Name, c.decision)
			}
			return d
		}
	}

	d.DefaultApplied = true
	if exc, ok := waiving(exceptions, in); ok {
		d.AppliedExceptions = appendOnce(d.AppliedExceptions, exc.ID)
		d.Decision = model.Allow
		d.Reason = fmt.Sprintf("organization defaults waived by exception %s (%s)", exc.ID, exc.Scope)
		return d
	}
	d.Decision, d.Reason = orgDefault(in, org)
	return d
}

func orgDefault(in Input, org orgpolicy.OrganizationPolicy) (model.Decision, string) {
	if in.Context.DataClassification > org.MaxDataTier {
		return model.Deny, fmt.Sprintf("data classification %d exceeds organization maximum %d",
			in.Context.DataClassification, org.MaxDataTier)
	}
	if org.RequireApprovalForProduction && in.Context.Environment == model.EnvProd {
		return model.RequireApproval, "organization policy requires approval for production"
	}
	if in.Assessment != nil && in.Assessment.RiskLevel >= org.RequireApprovalAtOrAbove {
		return model.RequireApproval, fmt.Sprintf("risk level %s requires approval (threshold %s)",
			in.Assessment.RiskLevel, org.RequireApprovalAtOrAbove)
	}
	return model.Allow, "no rule matched"
}

// covering finds an exception of scope type t targeting exactly id.
func covering(exceptions []orgpolicy.PolicyException, t orgpolicy.ScopeType, id string) (orgpolicy.PolicyException, bool) {
	if id == "" {
		return orgpolicy.PolicyException{}, false
	}
	for _, e := range exceptions {
		if e.Status == orgpolicy.ExceptionApproved && e.Scope.Type == t && e.Scope.ID == id {
			return e, true
		}
	}
	return orgpolicy.PolicyException{}, false
}

// waiving finds a workflow exception for the request's workflow id or type,
// or a resource exception whose id (a glob) matches the resource.
func waiving(exceptions []orgpolicy.PolicyException, in Input) (orgpolicy.PolicyException, bool) {
	if e, ok := covering(exceptions, orgpolicy.ScopeWorkflow, in.WorkflowID); ok {
		return e, true
	}
	if e, ok := covering(exceptions, orgpolicy.ScopeWorkflow, in.Context.WorkflowType); ok {
		return e, true
	}
	if in.Resource == "" {
		return orgpolicy.PolicyException{}, false
	}
	for _, e := range exceptions {
		if e.Status == orgpolicy.ExceptionApproved && e.Scope.Type == orgpolicy.ScopeResource &&
			model.MatchPattern(e.Scope.ID, in.Resource) {
			return e, true
		}
	}
	return orgpolicy.PolicyException{}, false
}

func sortRules(rules []PolicyRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.seq < b.seq
	})
}

func appendOnce(list []string, s string) []string {
	for _, have := range list {
		if have == s {
			return list
		}
	}
	return append(list, s)
}
