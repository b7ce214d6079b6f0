package policy

import (
	"testing"
	"time"

	"github.com/ppiankov/agentgov/internal/model"
	"github.com/ppiankov/agentgov/internal/orgpolicy"
	"github.com/ppiankov/agentgov/internal/risk"
)

func cond(field string, op Operator, v any) Condition {
	return Condition{Field: field, Operator: op, Value: v}
}

func act(t ActionType) Action { return Action{Type: t} }

func newTestStore(t *testing.T) *RuleStore {
	t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return NewRuleStore(WithStoreClock(func() time.Time { return base }))
}

func mustCreate(t *testing.T, s *RuleStore, r PolicyRule) PolicyRule {
	t.Helper()
	r.Enabled = true
	if r.Name == "" {
		r.Name = r.ID
	}
	created, err := s.Create(r)
	if err != nil {
		t.Fatalf("Create(%s): %v", r.ID, err)
	}
	return created
}

func prodInput(tool string) Input {
	return Input{
		Tool: tool,
		Context: risk.CARSContext{
			Environment:        model.EnvProd,
			DataClassification: 4,
			Scope:              model.ScopeSystemWide,
			UserID:             "u-1",
		},
	}
}

func devInput(tool string) Input {
	in := prodInput(tool)
	in.Context.Environment = model.EnvDev
	in.Context.DataClassification = 1
	in.Context.Scope = model.ScopeSingle
	return in
}

func TestLowerPriorityNumberWins(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, PolicyRule{ID: "late", Priority: 20,
		Conditions: []Condition{cond("tool", OpEq, "deploy")}, Actions: []Action{act(ActionAllow)}})
	mustCreate(t, s, PolicyRule{ID: "early", Priority: 10,
		Conditions: []Condition{cond("tool", OpEq, "deploy")}, Actions: []Action{act(ActionDeny)}})

	d := Evaluate(devInput("deploy"), s.Snapshot(), orgpolicy.Default(), nil)
	if d.Decision != model.Deny {
		t.Fatalf("expected deny from priority 10, got %s", d.Decision)
	}
	if d.GoverningRule != "early" {
		t.Errorf("expected governing rule early, got %s", d.GoverningRule)
	}
	if len(d.MatchedRules) != 1 {
		t.Errorf("evaluation must stop at the governing rule, got %v", d.MatchedRules)
	}
}

func TestPriorityTieBrokenByCreationOrder(t *testing.T) {
	s := NewRuleStore()
	mustCreate(t, s, PolicyRule{ID: "first", Priority: 5,
		Conditions: []Condition{cond("tool", OpMatches, "*")}, Actions: []Action{act(ActionRequireApproval)}})
	mustCreate(t, s, PolicyRule{ID: "second", Priority: 5,
		Conditions: []Condition{cond("tool", OpMatches, "*")}, Actions: []Action{act(ActionAllow)}})

	d := Evaluate(devInput("write_file"), s.Snapshot(), orgpolicy.Default(), nil)
	if d.GoverningRule != "first" {
		t.Fatalf("expected creation order tie-break, got %s", d.GoverningRule)
	}
}

func TestDisabledRuleSkipped(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, PolicyRule{ID: "block", Priority: 1,
		Conditions: []Condition{cond("tool", OpEq, "deploy")}, Actions: []Action{act(ActionDeny)}})
	if _, err := s.Disable("block"); err != nil {
		t.Fatal(err)
	}

	d := Evaluate(devInput("deploy"), s.Snapshot(), orgpolicy.Default(), nil)
	if d.Decision != model.Allow || !d.DefaultApplied {
		t.Fatalf("expected default allow, got %+v", d)
	}
}

func TestProductionDefaultRequiresApproval(t *testing.T) {
	d := Evaluate(prodInput("delete_database"), nil, orgpolicy.Default(), nil)
	if d.Decision != model.RequireApproval {
		t.Fatalf("expected require_approval, got %s", d.Decision)
	}
	if !d.DefaultApplied {
		t.Error("expected default path")
	}

	org := orgpolicy.Default()
	org.RequireApprovalForProduction = false
	d = Evaluate(prodInput("read_file"), nil, org, nil)
	if d.Decision != model.Allow {
		t.Errorf("expected allow with production approval off, got %s", d.Decision)
	}
}

func TestDefaultHonoursRiskThreshold(t *testing.T) {
	in := devInput("deploy")
	in.Assessment = &risk.RiskAssessment{RiskLevel: model.RiskHigh, Score: 70}

	d := Evaluate(in, nil, orgpolicy.Default(), nil)
	if d.Decision != model.RequireApproval {
		t.Fatalf("expected require_approval for HIGH, got %s", d.Decision)
	}

	in.Assessment.RiskLevel = model.RiskMedium
	if d := Evaluate(in, nil, orgpolicy.Default(), nil); d.Decision != model.Allow {
		t.Errorf("expected allow for MEDIUM, got %s", d.Decision)
	}
}

func TestDefaultDeniesAboveMaxDataTier(t *testing.T) {
	org := orgpolicy.Default()
	org.MaxDataTier = 2

	in := devInput("read_file")
	in.Context.DataClassification = 3
	d := Evaluate(in, nil, org, nil)
	if d.Decision != model.Deny {
		t.Fatalf("expected deny above max tier, got %s", d.Decision)
	}
}

func TestRedactionsAccumulateAcrossRules(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, PolicyRule{ID: "redact-pii", Priority: 1,
		Conditions: []Condition{cond("data_classification", OpGt, 2)},
		Actions:    []Action{{Type: ActionRedact, Parameters: map[string]any{"fields": []any{"email", "ssn"}}}}})
	mustCreate(t, s, PolicyRule{ID: "log-prod", Priority: 2,
		Conditions: []Condition{cond("environment", OpEq, "prod")},
		Actions: []Action{
			{Type: ActionLog, Parameters: map[string]any{"message": "prod access"}},
			{Type: ActionRedact, Parameters: map[string]any{"fields": []string{"ssn", "phone"}}},
		}})
	mustCreate(t, s, PolicyRule{ID: "allow", Priority: 3,
		Conditions: []Condition{cond("tool", OpEq, "read_file")}, Actions: []Action{act(ActionAllow)}})

	d := Evaluate(prodInput("read_file"), s.Snapshot(), orgpolicy.Default(), nil)
	if d.Decision != model.Allow || d.GoverningRule != "allow" {
		t.Fatalf("expected allow from rule allow, got %+v", d)
	}
	want := []string{"email", "ssn", "phone"}
	if len(d.RedactedFields) != len(want) {
		t.Fatalf("expected %v, got %v", want, d.RedactedFields)
	}
	for i := range want {
		if d.RedactedFields[i] != want[i] {
			t.Errorf("redacted[%d]: expected %s, got %s", i, want[i], d.RedactedFields[i])
		}
	}
	if len(d.MatchedRules) != 3 {
		t.Errorf("expected 3 matched rules, got %v", d.MatchedRules)
	}
	if len(d.LogMessages) != 1 || d.LogMessages[0] != "prod access" {
		t.Errorf("expected log message, got %v", d.LogMessages)
	}
}

func TestIncompatibleTypeFailsClosed(t *testing.T) {
	s := newTestStore(t)
	// tool is a string field; numeric comparisons never match it
	mustCreate(t, s, PolicyRule{ID: "num-on-string", Priority: 1,
		Conditions: []Condition{cond("tool", OpGt, 3)}, Actions: []Action{act(ActionAllow)}})
	mustCreate(t, s, PolicyRule{ID: "neq-on-string", Priority: 2,
		Conditions: []Condition{cond("tool", OpNeq, 7)}, Actions: []Action{act(ActionAllow)}})
	mustCreate(t, s, PolicyRule{ID: "unknown-enum", Priority: 3,
		Conditions: []Condition{cond("environment", OpNeq, "moon")}, Actions: []Action{act(ActionAllow)}})

	d := Evaluate(prodInput("deploy"), s.Snapshot(), orgpolicy.Default(), nil)
	if len(d.MatchedRules) != 0 {
		t.Fatalf("expected no matches, got %v", d.MatchedRules)
	}
	if d.Decision != model.RequireApproval {
		t.Errorf("expected production default, got %s", d.Decision)
	}
}

func TestPolicyExceptionSkipsRule(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, PolicyRule{ID: "no-deploys", Priority: 1,
		Conditions: []Condition{cond("tool", OpEq, "deploy")}, Actions: []Action{act(ActionDeny)}})

	exc := []orgpolicy.PolicyException{{
		ID: "exc-1", Status: orgpolicy.ExceptionApproved,
		Scope: orgpolicy.ExceptionScope{Type: orgpolicy.ScopePolicy, ID: "no-deploys"},
	}}
	d := Evaluate(devInput("deploy"), s.Snapshot(), orgpolicy.Default(), exc)
	if d.Decision != model.Allow {
		t.Fatalf("expected allow with exception, got %s", d.Decision)
	}
	if len(d.AppliedExceptions) != 1 || d.AppliedExceptions[0] != "exc-1" {
		t.Errorf("expected applied exception recorded, got %v", d.AppliedExceptions)
	}

	exc[0].Status = orgpolicy.ExceptionPending
	if d := Evaluate(devInput("deploy"), s.Snapshot(), orgpolicy.Default(), exc); d.Decision != model.Deny {
		t.Errorf("pending exception must not apply, got %s", d.Decision)
	}
}

func TestResourceExceptionWaivesDefaults(t *testing.T) {
	exc := []orgpolicy.PolicyException{{
		ID: "exc-db", Status: orgpolicy.ExceptionApproved,
		Scope: orgpolicy.ExceptionScope{Type: orgpolicy.ScopeResource, ID: "db/reporting*"},
	}}
	in := prodInput("execute_command")
	in.Resource = "db/reporting-replica"

	d := Evaluate(in, nil, orgpolicy.Default(), exc)
	if d.Decision != model.Allow {
		t.Fatalf("expected waived default, got %s", d.Decision)
	}
	in.Resource = "db/orders"
	if d := Evaluate(in, nil, orgpolicy.Default(), exc); d.Decision != model.RequireApproval {
		t.Errorf("unrelated resource must keep default, got %s", d.Decision)
	}
}

func TestEvaluateDoesNotReorderCallerRules(t *testing.T) {
	rules := []PolicyRule{
		{ID: "b", Name: "b", Enabled: true, Priority: 2, Conditions: []Condition{cond("tool", OpEq, "x")}, Actions: []Action{act(ActionDeny)}},
		{ID: "a", Name: "a", Enabled: true, Priority: 1, Conditions: []Condition{cond("tool", OpEq, "x")}, Actions: []Action{act(ActionAllow)}},
	}
	d := Evaluate(devInput("x"), rules, orgpolicy.Default(), nil)
	if d.GoverningRule != "a" {
		t.Fatalf("expected rule a, got %s", d.GoverningRule)
	}
	if rules[0].ID != "b" {
		t.Error("caller slice was reordered")
	}
}

func TestEngineUsesLiveExceptions(t *testing.T) {
	rules := newTestStore(t)
	mustCreate(t, rules, PolicyRule{ID: "no-merge", Priority: 1,
		Conditions: []Condition{cond("tool", OpEq, "merge_pull_request")}, Actions: []Action{act(ActionDeny)}})
	org := orgpolicy.NewStore()
	e := NewEngine(rules, org)

	if d := e.Evaluate(devInput("merge_pull_request")); d.Decision != model.Deny {
		t.Fatalf("expected deny, got %s", d.Decision)
	}

	exc, err := org.RequestException(orgpolicy.ExceptionRequest{
		Scope:         orgpolicy.ExceptionScope{Type: orgpolicy.ScopePolicy, ID: "no-merge"},
		Justification: "release freeze lifted",
		RequestedBy:   "alice",
		DurationDays:  1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := org.ReviewException(exc.ID, "bob", true, ""); err != nil {
		t.Fatal(err)
	}
	if d := e.Evaluate(devInput("merge_pull_request")); d.Decision != model.Allow {
		t.Errorf("expected allow after approved exception, got %s", d.Decision)
	}
}
