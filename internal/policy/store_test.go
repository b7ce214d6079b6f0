package policy

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ppiankov/agentgov/internal/errs"
	"github.com/ppiankov/agentgov/internal/model"
	"github.com/ppiankov/agentgov/internal/orgpolicy"
)

func TestCreateRejectsMalformedRule(t *testing.T) {
	s := NewRuleStore()

	_, err := s.Create(PolicyRule{
		ID:         "bad",
		Conditions: []Condition{{Field: "tool", Operator: "like", Value: "x"}, cond("nope", OpEq, 1)},
		Actions:    []Action{{Type: "explode"}, act(ActionAllow), act(ActionDeny)},
	})
	var verr *errs.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	// name, conditions[0], conditions[1], actions[0], decision count
	if len(verr.Violations) != 5 {
		t.Errorf("expected 5 violations, got %d: %v", len(verr.Violations), verr.Violations)
	}
	if len(s.List()) != 0 {
		t.Error("invalid rule must not be persisted")
	}
}

func TestCreateRequiresConditionsAndActions(t *testing.T) {
	s := NewRuleStore()
	_, err := s.Create(PolicyRule{ID: "empty", Name: "empty"})
	var verr *errs.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Violations) != 2 {
		t.Errorf("expected 2 violations, got %v", verr.Violations)
	}
}

func TestCreateDuplicateConflicts(t *testing.T) {
	s := NewRuleStore()
	r := PolicyRule{ID: "r1", Name: "r1", Conditions: []Condition{cond("tool", OpEq, "x")}, Actions: []Action{act(ActionAllow)}}
	if _, err := s.Create(r); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(r); !errs.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestCommitErrorAbortsMutation(t *testing.T) {
	s := NewRuleStore()
	r := PolicyRule{ID: "r1", Name: "r1", Enabled: true, Conditions: []Condition{cond("tool", OpEq, "x")}, Actions: []Action{act(ActionAllow)}}
	boom := errors.New("ledger down")
	refuse := func(PolicyRule) error { return boom }

	if _, err := s.CreateWith(r, refuse); !errors.Is(err, boom) {
		t.Fatalf("expected commit error, got %v", err)
	}
	if len(s.List()) != 0 {
		t.Fatal("refused create must not publish")
	}

	var seen PolicyRule
	if _, err := s.CreateWith(r, func(c PolicyRule) error { seen = c; return nil }); err != nil {
		t.Fatal(err)
	}
	if seen.ID != "r1" || seen.seq == 0 {
		t.Errorf("commit must see the rule as it will be published, got %+v", seen)
	}

	if _, err := s.SetEnabledWith("r1", false, refuse); !errors.Is(err, boom) {
		t.Fatalf("expected commit error, got %v", err)
	}
	if got, _ := s.Get("r1"); !got.Enabled {
		t.Error("refused disable must not publish")
	}
	if _, err := s.DeleteWith("r1", refuse); !errors.Is(err, boom) {
		t.Fatalf("expected commit error, got %v", err)
	}
	if err := s.ReplaceWith(nil, func([]PolicyRule) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected commit error, got %v", err)
	}
	if len(s.List()) != 1 {
		t.Errorf("refused delete and replace must keep the rule, got %d rules", len(s.List()))
	}
}

func TestCreateGeneratesID(t *testing.T) {
	s := NewRuleStore(WithRuleIDGenerator(func() string { return "generated" }))
	r, err := s.Create(PolicyRule{Name: "n", Conditions: []Condition{cond("tool", OpEq, "x")}, Actions: []Action{act(ActionAllow)}})
	if err != nil {
		t.Fatal(err)
	}
	if r.ID != "generated" {
		t.Errorf("expected generated id, got %s", r.ID)
	}
}

func TestUpdatePreservesCreationOrder(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, PolicyRule{ID: "a", Priority: 1, Conditions: []Condition{cond("tool", OpEq, "x")}, Actions: []Action{act(ActionAllow)}})
	mustCreate(t, s, PolicyRule{ID: "b", Priority: 1, Conditions: []Condition{cond("tool", OpEq, "x")}, Actions: []Action{act(ActionDeny)}})

	updated, err := s.Update("a", PolicyRule{Name: "a2", Enabled: true, Priority: 1,
		Conditions: []Condition{cond("tool", OpEq, "x")}, Actions: []Action{act(ActionRequireApproval)}})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Name != "a2" {
		t.Errorf("expected updated name, got %s", updated.Name)
	}

	d := Evaluate(devInput("x"), s.Snapshot(), orgpolicy.Default(), nil)
	if d.GoverningRule != "a" || d.Decision != model.RequireApproval {
		t.Fatalf("expected a to keep precedence, got %+v", d)
	}
}

func TestUpdateUnknownRule(t *testing.T) {
	s := NewRuleStore()
	_, err := s.Update("missing", PolicyRule{Name: "n", Conditions: []Condition{cond("tool", OpEq, "x")}, Actions: []Action{act(ActionAllow)}})
	if !errs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.Enable("missing"); !errs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.Delete("missing"); !errs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReplaceIsAllOrNothing(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, PolicyRule{ID: "keep", Conditions: []Condition{cond("tool", OpEq, "x")}, Actions: []Action{act(ActionAllow)}})

	err := s.Replace([]PolicyRule{
		{ID: "ok", Name: "ok", Conditions: []Condition{cond("tool", OpEq, "x")}, Actions: []Action{act(ActionDeny)}},
		{ID: "ok", Name: "dup", Conditions: []Condition{cond("tool", OpEq, "x")}, Actions: []Action{act(ActionDeny)}},
	})
	if !errs.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := s.Get("keep"); err != nil {
		t.Error("failed replace must keep the current rules")
	}
}

func TestSnapshotIsolatedFromWriters(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, PolicyRule{ID: "r1", Conditions: []Condition{cond("tool", OpEq, "x")}, Actions: []Action{act(ActionAllow)}})

	before := s.Snapshot()
	mustCreate(t, s, PolicyRule{ID: "r2", Conditions: []Condition{cond("tool", OpEq, "x")}, Actions: []Action{act(ActionAllow)}})

	if len(before) != 1 {
		t.Errorf("held snapshot changed: %d rules", len(before))
	}
	if len(s.Snapshot()) != 2 {
		t.Errorf("expected new snapshot with 2 rules, got %d", len(s.Snapshot()))
	}
}

func TestConcurrentEvaluateDuringUpdates(t *testing.T) {
	s := NewRuleStore()
	e := NewEngine(s, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			s.Create(PolicyRule{ID: fmt.Sprintf("r%d", i), Name: "r", Enabled: true, Priority: i,
				Conditions: []Condition{cond("tool", OpEq, "deploy")}, Actions: []Action{act(ActionDeny)}})
		}(i)
		go func() {
			defer wg.Done()
			d := e.Evaluate(devInput("deploy"))
			if d.Decision != model.Deny && d.Decision != model.Allow {
				t.Errorf("unexpected decision %s", d.Decision)
			}
		}()
	}
	wg.Wait()

	if n := len(s.List()); n != 20 {
		t.Errorf("expected 20 rules, got %d", n)
	}
}
