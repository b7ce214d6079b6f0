package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/agentgov/internal/audit"
	"github.com/ppiankov/agentgov/internal/errs"
	"github.com/ppiankov/agentgov/internal/model"
	"github.com/ppiankov/agentgov/internal/policy"
	"github.com/ppiankov/agentgov/internal/risk"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	engine *Engine
	rules  *policy.RuleStore
	log    *audit.Log
	clock  *fakeClock
}

func newHarness(t *testing.T, h Handlers, opts ...Option) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rules := policy.NewRuleStore()
	log := audit.NewMemory(audit.WithClock(clock.Now))
	var n atomic.Int64
	opts = append([]Option{
		WithClock(clock.Now),
		WithIDGenerator(func() string { return fmt.Sprintf("wf-%d", n.Add(1)) }),
	}, opts...)
	e := NewEngine(DefaultRegistry(h), risk.NewEngine(risk.DefaultMatrix()), policy.NewEngine(rules, nil), log, opts...)
	return &harness{engine: e, rules: rules, log: log, clock: clock}
}

func (h *harness) rule(t *testing.T, id, stage string, action policy.ActionType) {
	t.Helper()
	_, err := h.rules.Create(policy.PolicyRule{
		ID: id, Name: id, Enabled: true, Priority: 1,
		Conditions: []policy.Condition{{Field: "stage", Operator: policy.OpEq, Value: stage}},
		Actions:    []policy.Action{{Type: action, Parameters: map[string]any{"reason": id}}},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (h *harness) eventTypes(t *testing.T, workflowID string) []audit.EventType {
	t.Helper()
	events, err := h.log.WorkflowEvents(context.Background(), workflowID)
	if err != nil {
		t.Fatal(err)
	}
	var out []audit.EventType
	for _, e := range events {
		out = append(out, e.EventType)
	}
	return out
}

func stagingContext() risk.CARSContext {
	return risk.CARSContext{
		Environment:        model.EnvStaging,
		DataClassification: 2,
		Scope:              model.ScopeSingle,
		UserID:             "alice",
		UserRole:           "engineer",
	}
}

func startReq(typ string) StartRequest {
	return StartRequest{
		Type:    typ,
		Input:   map[string]string{"resource": "repo/payments"},
		Context: stagingContext(),
		Actor:   model.Principal{Type: "user", UserID: "alice", Role: "engineer"},
	}
}

func TestWorkflowCompletes(t *testing.T) {
	h := newHarness(t, Handlers{
		"generate_code": HandlerFunc(func(_ context.Context, sc StageContext) (StageOutput, error) {
			return StageOutput{Artifacts: map[string]string{"branch": "feat/x"}, TokensUsed: 1200}, nil
		}),
	})

	w, err := h.engine.Start(context.Background(), startReq("ticket-to-pr"))
	if err != nil {
		t.Fatal(err)
	}
	if w.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", w.Status, w.Error)
	}
	if len(w.StageResults) != 5 {
		t.Fatalf("expected 5 stage results, got %d", len(w.StageResults))
	}
	for name, r := range w.StageResults {
		if r.Status != StageSuccess || r.OutputDigest == "" {
			t.Errorf("stage %s: %+v", name, r)
		}
	}
	if w.TokensConsumed != 1200 || w.Artifacts["branch"] != "feat/x" {
		t.Errorf("expected tokens and artifacts recorded, got %d %v", w.TokensConsumed, w.Artifacts)
	}
	if w.RiskAssessment == nil || w.RiskAssessment.Tool != "ticket-to-pr" {
		t.Errorf("expected overall assessment, got %+v", w.RiskAssessment)
	}

	types := h.eventTypes(t, w.ID)
	if len(types) != 7 || types[0] != audit.EventWorkflowStarted || types[6] != audit.EventWorkflowCompleted {
		t.Errorf("unexpected audit trail %v", types)
	}
}

func TestDesignToCodeSuspendsAndResumes(t *testing.T) {
	h := newHarness(t, nil)
	h.rule(t, "review-generated-code", "generate_code", policy.ActionRequireApproval)

	w, err := h.engine.Start(context.Background(), startReq("design-to-code"))
	if err != nil {
		t.Fatal(err)
	}
	if w.Status != StatusAwaitingApproval {
		t.Fatalf("expected awaiting-approval, got %s", w.Status)
	}
	if w.PendingStage != "generate_code" {
		t.Errorf("expected generate_code pending, got %q", w.PendingStage)
	}
	if r := w.StageResults["read_design"]; r.Status != StageSuccess {
		t.Errorf("first stage should have run, got %+v", r)
	}
	if _, ran := w.StageResults["generate_code"]; ran {
		t.Error("suspended stage must not run before approval")
	}

	w, err = h.engine.Resume(context.Background(), w.ID, "reviewer-1")
	if err != nil {
		t.Fatal(err)
	}
	if w.Status != StatusCompleted {
		t.Fatalf("expected completed after resume, got %s (%s)", w.Status, w.Error)
	}
	gen := w.StageResults["generate_code"]
	if gen.Status != StageSuccess || gen.ApprovedBy != "reviewer-1" || gen.GoverningRule != "review-generated-code" {
		t.Errorf("unexpected approved stage result %+v", gen)
	}

	want := []audit.EventType{
		audit.EventWorkflowStarted, audit.EventStageCompleted, audit.EventWorkflowAwaitingApproval,
		audit.EventWorkflowResumed, audit.EventStageCompleted, audit.EventStageCompleted,
		audit.EventStageCompleted, audit.EventWorkflowCompleted,
	}
	got := h.eventTypes(t, w.ID)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("audit trail\n got %v\nwant %v", got, want)
	}
	if res, _ := h.log.Verify(context.Background()); !res.Valid {
		t.Errorf("audit chain invalid: %+v", res)
	}
}

func TestResumeRequiresSuspendedWorkflow(t *testing.T) {
	h := newHarness(t, nil)
	w, err := h.engine.Start(context.Background(), startReq("design-to-code"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = h.engine.Resume(context.Background(), w.ID, "reviewer-1")
	if !errs.IsConflict(err) {
		t.Fatalf("expected conflict resuming a completed workflow, got %v", err)
	}
	if _, err := h.engine.Resume(context.Background(), "missing", "reviewer-1"); !errs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := h.engine.Resume(context.Background(), w.ID, ""); !errs.IsValidation(err) {
		t.Fatalf("expected validation error without approver, got %v", err)
	}
}

func TestStarterCannotApproveOwnWorkflow(t *testing.T) {
	h := newHarness(t, nil)
	h.rule(t, "review-generated-code", "generate_code", policy.ActionRequireApproval)

	w, err := h.engine.Start(context.Background(), startReq("design-to-code"))
	if err != nil {
		t.Fatal(err)
	}
	events := len(h.eventTypes(t, w.ID))

	if _, err := h.engine.Resume(context.Background(), w.ID, "alice"); !errs.IsValidation(err) {
		t.Fatalf("expected validation error approving own workflow, got %v", err)
	}
	got, err := h.engine.Get(w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusAwaitingApproval || len(got.ApprovedBy) != 0 {
		t.Errorf("rejected approval must not change the workflow: %+v", got)
	}
	if n := len(h.eventTypes(t, w.ID)); n != events {
		t.Errorf("rejected approval must not append an event: %d -> %d", events, n)
	}
}

func TestStartedByFollowsActorNotDeclaredContext(t *testing.T) {
	h := newHarness(t, nil)
	req := startReq("ticket-to-pr")
	req.Context.UserID = "bob"
	req.Context.UserRole = "admin"

	w, err := h.engine.Start(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if w.StartedBy != "alice" || w.Context.UserID != "alice" || w.Context.UserRole != "engineer" {
		t.Errorf("expected alice/engineer, got started_by=%q context=%s/%s", w.StartedBy, w.Context.UserID, w.Context.UserRole)
	}
	events, err := h.log.WorkflowEvents(context.Background(), w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) == 0 || events[0].EventType != audit.EventWorkflowStarted || events[0].Actor.ID != "alice" {
		t.Fatalf("expected workflow_started by alice, got %+v", events)
	}
}

func TestTerminalWorkflowReleasesLock(t *testing.T) {
	h := newHarness(t, nil)
	h.rule(t, "hold", "read_design", policy.ActionRequireApproval)

	done, err := h.engine.Start(context.Background(), startReq("ticket-to-pr"))
	if err != nil {
		t.Fatal(err)
	}
	held, err := h.engine.Start(context.Background(), startReq("design-to-code"))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := h.engine.locks.Load(done.ID); ok {
		t.Error("completed workflow still holds a lock entry")
	}
	if _, ok := h.engine.locks.Load(held.ID); !ok {
		t.Error("suspended workflow lost its lock entry")
	}

	if _, err := h.engine.Cancel(context.Background(), held.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.engine.locks.Load(held.ID); ok {
		t.Error("cancelled workflow still holds a lock entry")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.rule(t, "hold", "read_design", policy.ActionRequireApproval)

	w, err := h.engine.Start(context.Background(), startReq("design-to-code"))
	if err != nil {
		t.Fatal(err)
	}

	first, err := h.engine.Cancel(context.Background(), w.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	events := len(h.eventTypes(t, w.ID))

	second, err := h.engine.Cancel(context.Background(), w.ID, "alice")
	if err != nil {
		t.Fatalf("second cancel must not fail: %v", err)
	}
	if first.Status != StatusCancelled || second.Status != StatusCancelled {
		t.Fatalf("expected cancelled twice, got %s and %s", first.Status, second.Status)
	}
	if !first.UpdatedAt.Equal(second.UpdatedAt) {
		t.Error("second cancel must not change state")
	}
	if n := len(h.eventTypes(t, w.ID)); n != events {
		t.Errorf("second cancel must not append an event: %d -> %d", events, n)
	}
	for _, name := range []string{"read_design", "generate_code", "run_tests", "create_pull_request"} {
		if r := first.StageResults[name]; r.Status != StageSkipped {
			t.Errorf("stage %s: expected skipped, got %+v", name, r)
		}
	}
	if _, err := h.engine.Resume(context.Background(), w.ID, "reviewer-1"); !errs.IsConflict(err) {
		t.Errorf("expected conflict resuming a cancelled workflow, got %v", err)
	}
}

func TestCancelTerminalWorkflowConflicts(t *testing.T) {
	h := newHarness(t, nil)
	w, err := h.engine.Start(context.Background(), startReq("design-to-code"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.Cancel(context.Background(), w.ID, "alice"); !errs.IsConflict(err) {
		t.Fatalf("expected conflict cancelling a completed workflow, got %v", err)
	}
}

func TestDeniedStageFailsWorkflow(t *testing.T) {
	h := newHarness(t, nil)
	h.rule(t, "no-tests-in-staging", "run_tests", policy.ActionDeny)

	w, err := h.engine.Start(context.Background(), startReq("design-to-code"))
	if err != nil {
		t.Fatal(err)
	}
	if w.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", w.Status)
	}
	rt := w.StageResults["run_tests"]
	if rt.Status != StageFailed || rt.Decision != model.Deny || rt.Error == "" {
		t.Errorf("unexpected denied stage result %+v", rt)
	}
	if r := w.StageResults["create_pull_request"]; r.Status != StageSkipped {
		t.Errorf("later stage must be skipped, got %+v", r)
	}
	types := h.eventTypes(t, w.ID)
	if types[len(types)-1] != audit.EventWorkflowFailed {
		t.Errorf("expected workflow_failed last, got %v", types)
	}
}

func TestHandlerErrorIsCapturedNotRetried(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, Handlers{
		"run_tests": HandlerFunc(func(context.Context, StageContext) (StageOutput, error) {
			calls.Add(1)
			return StageOutput{}, errors.New("3 tests failed")
		}),
		"generate_code": HandlerFunc(func(_ context.Context, sc StageContext) (StageOutput, error) {
			if sc.WorkflowType == "design-to-code" {
				panic("model crashed")
			}
			return StageOutput{}, nil
		}),
	})

	w, err := h.engine.Start(context.Background(), startReq("design-to-code"))
	if err != nil {
		t.Fatal(err)
	}
	if w.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", w.Status)
	}
	if r := w.StageResults["generate_code"]; r.Status != StageFailed || r.Error == "" {
		t.Errorf("panic must be captured as a stage error, got %+v", r)
	}
	if calls.Load() != 0 {
		t.Error("stages after a failure must not run")
	}

	// The engine stays usable for a fresh attempt.
	w2, err := h.engine.Start(context.Background(), startReq("ticket-to-pr"))
	if err != nil {
		t.Fatal(err)
	}
	if w2.Status != StatusFailed || w2.StageResults["run_tests"].Error != "3 tests failed" {
		t.Errorf("unexpected second run %+v", w2.StageResults["run_tests"])
	}
	if calls.Load() != 1 {
		t.Errorf("expected exactly one handler call, got %d", calls.Load())
	}
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t, nil)

	if _, err := h.engine.Start(context.Background(), startReq("unknown")); !errs.IsNotFound(err) {
		t.Fatalf("expected not found for unknown type, got %v", err)
	}

	req := startReq("design-to-code")
	req.Context.Environment = "moon"
	if _, err := h.engine.Start(context.Background(), req); !errs.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if ws, _ := h.engine.List(ListFilter{}); len(ws) != 0 {
		t.Errorf("invalid request must not create a workflow, got %d", len(ws))
	}
}

func TestCancelBetweenStages(t *testing.T) {
	var h *harness
	var later atomic.Bool
	h = newHarness(t, Handlers{
		"read_design": HandlerFunc(func(_ context.Context, sc StageContext) (StageOutput, error) {
			if _, err := h.engine.Cancel(context.Background(), sc.WorkflowID, "alice"); err != nil {
				t.Errorf("cancel during stage: %v", err)
			}
			return StageOutput{}, nil
		}),
		"generate_code": HandlerFunc(func(context.Context, StageContext) (StageOutput, error) {
			later.Store(true)
			return StageOutput{}, nil
		}),
	})

	w, err := h.engine.Start(context.Background(), startReq("design-to-code"))
	if err != nil {
		t.Fatal(err)
	}
	if w.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", w.Status)
	}
	if later.Load() {
		t.Error("no stage may start after cancellation")
	}
}

func TestApprovalExpiry(t *testing.T) {
	h := newHarness(t, nil, WithApprovalExpiry(time.Hour))
	h.rule(t, "hold", "generate_code", policy.ActionRequireApproval)

	w, err := h.engine.Start(context.Background(), startReq("design-to-code"))
	if err != nil {
		t.Fatal(err)
	}

	h.clock.Advance(30 * time.Minute)
	if n, err := h.engine.ExpireStale(context.Background()); err != nil || n != 0 {
		t.Fatalf("nothing should expire yet: %d %v", n, err)
	}

	h.clock.Advance(31 * time.Minute)
	n, err := h.engine.ExpireStale(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected one expiry, got %d %v", n, err)
	}
	w, _ = h.engine.Get(w.ID)
	if w.Status != StatusCancelled || w.Error != "approval expired" {
		t.Errorf("expected expired cancellation, got %s %q", w.Status, w.Error)
	}
	if r := w.StageResults["generate_code"]; r.Status != StageSkipped || r.Decision != model.RequireApproval {
		t.Errorf("pending stage should be skipped with its gate decision, got %+v", r)
	}
	types := h.eventTypes(t, w.ID)
	if types[len(types)-1] != audit.EventWorkflowExpired {
		t.Errorf("expected workflow_expired, got %v", types)
	}
}

func TestApprovalExpiryOffByDefault(t *testing.T) {
	h := newHarness(t, nil)
	h.rule(t, "hold", "generate_code", policy.ActionRequireApproval)
	if _, err := h.engine.Start(context.Background(), startReq("design-to-code")); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(365 * 24 * time.Hour)
	if n, _ := h.engine.ExpireStale(context.Background()); n != 0 {
		t.Errorf("expiry must be opt-in, expired %d", n)
	}
}

func TestSuspendedWorkflowSurvivesRestart(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, nil, WithStore(store))
	h.rule(t, "hold", "generate_code", policy.ActionRequireApproval)

	w, err := h.engine.Start(context.Background(), startReq("design-to-code"))
	if err != nil {
		t.Fatal(err)
	}

	// A new engine over the same directory resumes it.
	restarted := NewEngine(DefaultRegistry(nil), risk.NewEngine(risk.DefaultMatrix()),
		policy.NewEngine(h.rules, nil), h.log, WithStore(store), WithClock(h.clock.Now))
	got, err := restarted.Resume(context.Background(), w.ID, "reviewer-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed after restart, got %s (%s)", got.Status, got.Error)
	}
}

func TestStartAsyncAndClose(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, Handlers{
		"read_design": HandlerFunc(func(context.Context, StageContext) (StageOutput, error) {
			<-release
			return StageOutput{}, nil
		}),
	})

	w, err := h.engine.StartAsync(context.Background(), startReq("design-to-code"))
	if err != nil {
		t.Fatal(err)
	}
	if w.Status != StatusRunning {
		t.Fatalf("expected running, got %s", w.Status)
	}

	close(release)
	h.engine.Close()

	got, err := h.engine.Get(w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("Close must wait for the run, got %s", got.Status)
	}
	if _, err := h.engine.StartAsync(context.Background(), startReq("design-to-code")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestConcurrentWorkflows(t *testing.T) {
	h := newHarness(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := h.engine.Start(context.Background(), startReq("ticket-to-pr"))
			if err != nil || w.Status != StatusCompleted {
				t.Errorf("workflow: %v %s", err, w.Status)
			}
		}()
	}
	wg.Wait()

	ws, _ := h.engine.List(ListFilter{Status: StatusCompleted})
	if len(ws) != 10 {
		t.Errorf("expected 10 completed workflows, got %d", len(ws))
	}
	if res, _ := h.log.Verify(context.Background()); !res.Valid || res.Checked != 70 {
		t.Errorf("expected 70 chained events, got %+v", res)
	}
}

type brokenRecorder struct{}

func (brokenRecorder) Append(context.Context, audit.Record) (audit.Event, error) {
	return audit.Event{}, errors.New("ledger offline")
}

func TestAuditFailureStopsWorkflow(t *testing.T) {
	e := NewEngine(DefaultRegistry(nil), risk.NewEngine(risk.DefaultMatrix()), policy.NewEngine(nil, nil), brokenRecorder{})
	w, err := e.Start(context.Background(), startReq("design-to-code"))
	if err == nil {
		t.Fatal("expected start to fail when the audit chain is unavailable")
	}
	stored, gerr := e.Get(w.ID)
	if gerr != nil {
		t.Fatal(gerr)
	}
	if stored.Status != StatusPending {
		t.Errorf("state must not advance without an audit event, got %s", stored.Status)
	}
}
