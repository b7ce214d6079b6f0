package risk

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/agentgov/internal/errs"
	"github.com/ppiankov/agentgov/internal/model"
)

func prodContext() CARSContext {
	return CARSContext{
		Environment:        model.EnvProd,
		DataClassification: 4,
		Scope:              model.ScopeSystemWide,
		UserID:             "u-1",
		UserRole:           "engineer",
	}
}

func devContext() CARSContext {
	return CARSContext{
		Environment:        model.EnvDev,
		DataClassification: 1,
		Scope:              model.ScopeSingle,
		UserID:             "u-1",
		UserRole:           "engineer",
	}
}

type stubDetector struct {
	name    string
	finding Finding
	err     error
	panics  bool
}

func (d stubDetector) Name() string { return d.name }

func (d stubDetector) Detect(CARSContext, Action) (Finding, error) {
	if d.panics {
		panic("boom")
	}
	return d.finding, d.err
}

func TestDeleteDatabaseInProductionIsCritical(t *testing.T) {
	e := NewEngine(DefaultMatrix())

	a, err := e.Assess(prodContext(), Action{Tool: "delete_database", Resource: "orders"})
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if a.BaseLevel != model.RiskHigh {
		t.Errorf("expected base HIGH, got %s", a.BaseLevel)
	}
	if a.RiskLevel != model.RiskCritical {
		t.Fatalf("expected CRITICAL, got %s", a.RiskLevel)
	}
	if !a.Requires(SafeguardApproval) {
		t.Error("expected approval safeguard")
	}
	if !a.Requires(SafeguardRollbackPlan) || !a.Requires(SafeguardRateLimit) {
		t.Errorf("expected rollback-plan and rate-limit, got %v", a.RequiredSafeguards)
	}
	if a.Score < 80 || a.Score > 100 {
		t.Errorf("expected critical score band, got %d", a.Score)
	}
	if a.ID == "" {
		t.Error("expected assessment id")
	}
}

func TestUnknownToolDefaultsToHighAndIsLogged(t *testing.T) {
	e := NewEngine(DefaultMatrix(), WithModifiers(), WithDetectors())

	a, err := e.Assess(devContext(), Action{Tool: "launch_rocket"})
	if err != nil {
		t.Fatal(err)
	}
	if a.RiskLevel != model.RiskHigh {
		t.Errorf("expected HIGH for unknown tool, got %s", a.RiskLevel)
	}
	if a.ContributingFactors[0].Factor != "unknown_tool" {
		t.Errorf("expected unknown_tool factor first, got %+v", a.ContributingFactors[0])
	}
}

func TestInvalidContextFailsFast(t *testing.T) {
	e := NewEngine(DefaultMatrix())

	_, err := e.Assess(CARSContext{Environment: "moon", DataClassification: 9}, Action{Tool: "read_file"})
	if err == nil {
		t.Fatal("expected error for malformed context")
	}
	var verr *errs.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if len(verr.Violations) != 4 {
		t.Errorf("expected 4 violations, got %v", verr.Violations)
	}
}

func TestMissingToolRejected(t *testing.T) {
	e := NewEngine(DefaultMatrix())
	if _, err := e.Assess(devContext(), Action{}); !errs.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDevelopmentNeverLowersBelowBase(t *testing.T) {
	e := NewEngine(DefaultMatrix(), WithDetectors())

	a, err := e.Assess(devContext(), Action{Tool: "deploy"})
	if err != nil {
		t.Fatal(err)
	}
	if a.RiskLevel != model.RiskHigh {
		t.Errorf("expected base HIGH to hold in dev, got %s", a.RiskLevel)
	}
}

func TestEscalationOnlyAcrossContextsAndDetectors(t *testing.T) {
	findings := []stubDetector{
		{name: "none", finding: Finding{RecommendedAction: RecommendNone}},
		{name: "flag", finding: Finding{RecommendedAction: RecommendFlag, SuggestedLevel: model.RiskMedium, Confidence: 0.4}},
		{name: "block", finding: Finding{RecommendedAction: RecommendBlock, SuggestedLevel: model.RiskCritical, Confidence: 1}},
		{name: "broken", err: errors.New("model offline")},
		{name: "panicky", panics: true},
	}

	matrix := DefaultMatrix()
	for _, entry := range matrix.Entries() {
		for _, env := range model.Environments {
			for class := 1; class <= 4; class++ {
				for _, scope := range model.Scopes {
					for _, det := range findings {
						e := NewEngine(matrix, WithDetectors(det))
						c := CARSContext{Environment: env, DataClassification: class, Scope: scope, UserID: "u", UserRole: "guest"}
						a, err := e.Assess(c, Action{Tool: entry.ToolID})
						if err != nil {
							t.Fatal(err)
						}
						if a.RiskLevel < entry.BaseLevel {
							t.Fatalf("%s %s/%d/%s/%s: level %s below base %s",
								entry.ToolID, env, class, scope, det.name, a.RiskLevel, entry.BaseLevel)
						}
					}
				}
			}
		}
	}
}

func TestDetectorFailureIsFailClosed(t *testing.T) {
	for _, det := range []stubDetector{
		{name: "broken", err: errors.New("timeout")},
		{name: "panicky", panics: true},
	} {
		e := NewEngine(DefaultMatrix(), WithModifiers(), WithDetectors(det))
		a, err := e.Assess(devContext(), Action{Tool: "read_file"})
		if err != nil {
			t.Fatalf("%s: detector failure must not propagate: %v", det.name, err)
		}
		if a.RiskLevel != model.RiskHigh {
			t.Errorf("%s: expected HIGH, got %s", det.name, a.RiskLevel)
		}
		found := false
		for _, f := range a.ContributingFactors {
			if f.Factor == "detector_unavailable:"+det.name {
				found = true
			}
		}
		if !found {
			t.Errorf("%s: expected detector_unavailable factor, got %+v", det.name, a.ContributingFactors)
		}
	}
}

func TestDeceptiveComplianceEscalates(t *testing.T) {
	e := NewEngine(DefaultMatrix())

	a, err := e.Assess(devContext(), Action{
		Tool:           "write_file",
		Resource:       "internal/app/handler.go",
		Operation:      "write",
		ClaimsComplete: true,
		OutputDigest:   "sha256:aaa",
		History: []ActionRecord{
			{Tool: "write_file", OutputDigest: "sha256:aaa", At: time.Now()},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.RiskLevel != model.RiskHigh {
		t.Fatalf("expected HIGH from deceptive compliance, got %s", a.RiskLevel)
	}
	if len(a.BehaviorFlags) != 1 || a.BehaviorFlags[0].Behavior != BehaviorDeceptiveCompliance {
		t.Fatalf("expected one deceptive compliance flag, got %+v", a.BehaviorFlags)
	}
	if a.BehaviorFlags[0].IndicatorsMatched[0].ID != "unchanged_artifact" {
		t.Errorf("expected unchanged_artifact indicator, got %+v", a.BehaviorFlags[0].IndicatorsMatched)
	}
}

func TestRewardHackingEscalates(t *testing.T) {
	e := NewEngine(DefaultMatrix())

	a, err := e.Assess(devContext(), Action{
		Tool: "run_tests",
		Metrics: []MetricObservation{
			{Name: "tests_passing", Kind: MetricProxy, Before: 80, After: 100, HigherIsBetter: true},
			{Name: "assertions", Kind: MetricQuality, Before: 400, After: 120, HigherIsBetter: true},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.RiskLevel < model.RiskHigh {
		t.Fatalf("expected at least HIGH, got %s", a.RiskLevel)
	}
	if len(a.BehaviorFlags) != 1 || a.BehaviorFlags[0].Behavior != BehaviorRewardHacking {
		t.Fatalf("expected reward hacking flag, got %+v", a.BehaviorFlags)
	}
}

func TestReassessProducesNewAssessment(t *testing.T) {
	e := NewEngine(DefaultMatrix())

	first, err := e.Assess(devContext(), Action{Tool: "write_file"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.Reassess(first, prodContext(), Action{Tool: "write_file"})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID == first.ID {
		t.Fatal("expected a new id on re-evaluation")
	}
	if second.SupersedesID != first.ID {
		t.Errorf("expected supersedes_id=%s, got %s", first.ID, second.SupersedesID)
	}
	if first.RiskLevel != model.RiskMedium {
		t.Errorf("prior assessment must be unchanged, got %s", first.RiskLevel)
	}
}

func TestAssessmentDoesNotAliasCallerSlices(t *testing.T) {
	e := NewEngine(DefaultMatrix())
	action := Action{Tool: "write_file", SkippedChecks: []string{"lint"}}

	a, err := e.Assess(devContext(), action)
	if err != nil {
		t.Fatal(err)
	}
	action.SkippedChecks[0] = "mutated"
	if a.Action.SkippedChecks[0] != "lint" {
		t.Error("assessment must not share memory with the caller's action")
	}
}

func TestScoreIsMonotonicInLevel(t *testing.T) {
	factors := []Factor{{Factor: "tool:x", Weight: 1}, {Factor: "environment", Weight: 50}}
	prevMax := -1
	for level := model.RiskNone; level <= model.RiskCritical; level++ {
		low := score(level, factors[:1])
		high := score(level, factors)
		if low <= prevMax {
			t.Fatalf("%s: lowest score %d not above previous level max %d", level, low, prevMax)
		}
		if high > 100 {
			t.Fatalf("%s: score %d above 100", level, high)
		}
		prevMax = high
	}
}

func TestConcurrentAssessWithRegister(t *testing.T) {
	e := NewEngine(DefaultMatrix())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := e.Assess(devContext(), Action{Tool: "custom_tool"}); err != nil {
				t.Error(err)
			}
		}()
		go func(i int) {
			defer wg.Done()
			e.Matrix().Register(ToolRiskEntry{ToolID: "custom_tool", BaseLevel: model.RiskLevel(i % 5)})
		}(i)
	}
	wg.Wait()
}

func TestFactorReasonsAreExplainable(t *testing.T) {
	e := NewEngine(DefaultMatrix())

	a, err := e.Assess(prodContext(), Action{Tool: "deploy"})
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range a.ContributingFactors {
		if strings.TrimSpace(f.Reason) == "" {
			t.Errorf("factor %s has no reason", f.Factor)
		}
	}
}
