package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ppiankov/agentgov/internal/audit"
	"github.com/ppiankov/agentgov/internal/errs"
	"github.com/ppiankov/agentgov/internal/model"
	"github.com/ppiankov/agentgov/internal/policy"
	"github.com/ppiankov/agentgov/internal/risk"
)

// Assessor scores an action.
type Assessor interface {
	Assess(c risk.CARSContext, a risk.Action) (risk.RiskAssessment, error)
}

// Evaluator decides a policy input.
type Evaluator interface {
	Evaluate(in policy.Input) policy.Decision
}

// Recorder appends governance events to the audit chain.
type Recorder interface {
	Append(ctx context.Context, rec audit.Record) (audit.Event, error)
}

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("workflow engine closed")

var engineActor = audit.Actor{Type: "system", ID: "workflow-engine"}

// Engine drives workflows through their lifecycle. Many workflows run
// concurrently; the stages of one workflow run strictly in order.
type Engine struct {
	defs      *Registry
	assessor  Assessor
	evaluator Evaluator
	recorder  Recorder
	store     Store
	clock     model.Clock
	newID     func() string
	logger    zerolog.Logger
	expiry    time.Duration

	locks sync.Map // workflow id -> *sync.Mutex

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets workflow persistence. The default is a MemoryStore.
func WithStore(s Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithClock sets the time source.
func WithClock(c model.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithIDGenerator overrides workflow id generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// WithLogger sets the structured logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithApprovalExpiry cancels workflows left awaiting approval longer than
// d, unless their definition sets its own expiry. Zero disables expiry.
func WithApprovalExpiry(d time.Duration) Option {
	return func(e *Engine) { e.expiry = d }
}

// NewEngine creates an engine.
func NewEngine(defs *Registry, assessor Assessor, evaluator Evaluator, recorder Recorder, opts ...Option) *Engine {
	e := &Engine{
		defs:      defs,
		assessor:  assessor,
		evaluator: evaluator,
		recorder:  recorder,
		store:     NewMemoryStore(),
		newID:     uuid.NewString,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Definitions returns the engine's registry.
func (e *Engine) Definitions() *Registry { return e.defs }

// Start creates a workflow, assesses its overall risk and runs its stages
// until it completes, fails or suspends for approval.
func (e *Engine) Start(ctx context.Context, req StartRequest) (Workflow, error) {
	w, def, err := e.begin(ctx, req)
	if err != nil || w.Status != StatusRunning {
		return w, err
	}
	return e.run(ctx, def, w.ID)
}

// StartAsync is Start with the stages run in the background. It returns
// once the workflow is running.
func (e *Engine) StartAsync(ctx context.Context, req StartRequest) (Workflow, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Workflow{}, ErrClosed
	}
	e.wg.Add(1)
	e.mu.Unlock()

	w, def, err := e.begin(ctx, req)
	if err != nil || w.Status != StatusRunning {
		e.wg.Done()
		return w, err
	}
	go func() {
		defer e.wg.Done()
		if _, err := e.run(context.WithoutCancel(ctx), def, w.ID); err != nil {
			e.logger.Error().Err(err).Str("workflow_id", w.ID).Msg("background workflow run failed")
		}
	}()
	return w, nil
}

// Close stops accepting new workflows and waits for background runs.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wg.Wait()
}

// Get returns a workflow by id.
func (e *Engine) Get(id string) (Workflow, error) {
	return e.store.Get(id)
}

// List returns workflows matching f, oldest first.
func (e *Engine) List(f ListFilter) ([]Workflow, error) {
	return e.store.List(f)
}

// Resume continues a workflow suspended for approval. The approved stage
// runs without being gated again. The user who started the workflow
// cannot approve it.
func (e *Engine) Resume(ctx context.Context, id, approverID string) (Workflow, error) {
	if approverID == "" {
		return Workflow{}, errs.Validation("resume workflow", "approver_id is required")
	}

	unlock := e.lock(id)
	w, err := e.store.Get(id)
	if err != nil {
		unlock()
		return Workflow{}, err
	}
	if w.Status != StatusAwaitingApproval {
		unlock()
		return w, errs.Conflict("workflow", id, string(w.Status), "resume")
	}
	if w.StartedBy == approverID {
		unlock()
		return w, errs.Validation("resume workflow", "approver must differ from the user who started the workflow")
	}
	def, err := e.defs.Get(w.Type)
	if err != nil {
		unlock()
		return w, err
	}

	stage := w.PendingStage
	w.Status = StatusRunning
	w.ApprovedStage = stage
	w.PendingStage = ""
	w.ApprovalSince = nil
	w.ApprovedBy = append(w.ApprovedBy, approverID)
	err = e.commit(ctx, &w, audit.Record{
		EventType: audit.EventWorkflowResumed,
		Actor:     audit.Actor{Type: "user", ID: approverID},
		Action:    "resume",
		Outcome:   string(model.Allow),
		Details:   map[string]string{"stage": stage},
	}, stage)
	unlock()
	if err != nil {
		return w, err
	}
	return e.run(ctx, def, id)
}

// Cancel stops a workflow between stages. Cancelling a cancelled workflow
// returns it unchanged.
func (e *Engine) Cancel(ctx context.Context, id, userID string) (Workflow, error) {
	if userID == "" {
		return Workflow{}, errs.Validation("cancel workflow", "user_id is required")
	}

	unlock := e.lock(id)
	defer unlock()

	w, err := e.store.Get(id)
	if err != nil {
		return Workflow{}, err
	}
	switch w.Status {
	case StatusCancelled:
		return w, nil
	case StatusCompleted, StatusFailed:
		return w, errs.Conflict("workflow", id, string(w.Status), "cancel")
	}

	e.terminate(&w, StatusCancelled, "")
	w.CancelledBy = userID
	err = e.commit(ctx, &w, audit.Record{
		EventType: audit.EventWorkflowCancelled,
		Actor:     audit.Actor{Type: "user", ID: userID},
		Action:    "cancel",
		Outcome:   string(StatusCancelled),
	}, "")
	return w, err
}

// ExpireStale cancels workflows whose approval wait exceeded their expiry.
// It returns how many were expired.
func (e *Engine) ExpireStale(ctx context.Context) (int, error) {
	waiting, err := e.store.List(ListFilter{Status: StatusAwaitingApproval})
	if err != nil {
		return 0, err
	}
	now := e.clock.Now()
	expired := 0
	for _, candidate := range waiting {
		limit := e.expiry
		if def, err := e.defs.Get(candidate.Type); err == nil && def.ApprovalExpiry > 0 {
			limit = def.ApprovalExpiry
		}
		if limit <= 0 || candidate.ApprovalSince == nil || now.Sub(*candidate.ApprovalSince) < limit {
			continue
		}

		ok, err := e.expire(ctx, candidate.ID, limit)
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

func (e *Engine) expire(ctx context.Context, id string, limit time.Duration) (bool, error) {
	unlock := e.lock(id)
	defer unlock()

	w, err := e.store.Get(id)
	if err != nil {
		return false, err
	}
	// Resumed or cancelled since the listing.
	if w.Status != StatusAwaitingApproval {
		return false, nil
	}
	stage := w.PendingStage
	e.terminate(&w, StatusCancelled, "approval expired")
	w.CancelledBy = engineActor.ID
	err = e.commit(ctx, &w, audit.Record{
		EventType: audit.EventWorkflowExpired,
		Actor:     engineActor,
		Action:    "expire",
		Outcome:   string(StatusCancelled),
		Details:   map[string]string{"stage": stage, "expiry": limit.String()},
	}, stage)
	return err == nil, err
}

// RunExpirySweeper calls ExpireStale every interval until ctx is done.
func (e *Engine) RunExpirySweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.ExpireStale(ctx)
			if err != nil {
				e.logger.Error().Err(err).Msg("approval expiry sweep failed")
				continue
			}
			if n > 0 {
				e.logger.Info().Int("expired", n).Msg("expired stale approvals")
			}
		}
	}
}

// begin validates the request, creates the workflow and moves it to
// running once its overall risk is assessed.
func (e *Engine) begin(ctx context.Context, req StartRequest) (Workflow, Definition, error) {
	def, err := e.defs.Get(req.Type)
	if err != nil {
		return Workflow{}, Definition{}, err
	}
	c := req.Context
	c.WorkflowType = def.Type
	if req.Actor.UserID != "" {
		c.UserID = req.Actor.UserID
		c.UserRole = req.Actor.Role
	}
	if err := c.Validate(); err != nil {
		return Workflow{}, Definition{}, err
	}

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return Workflow{}, Definition{}, ErrClosed
	}

	now := e.clock.Now()
	w := Workflow{
		ID:           e.newID(),
		Type:         def.Type,
		Status:       StatusPending,
		Input:        cloneMap(req.Input),
		Context:      c,
		StartedBy:    c.UserID,
		StageResults: make(map[string]StageResult),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	unlock := e.lock(w.ID)
	defer unlock()
	if err := e.store.Create(w); err != nil {
		return Workflow{}, Definition{}, err
	}

	actor := audit.Actor{Type: "user", ID: req.Actor.UserID, Name: req.Actor.Name}
	if actor.ID == "" {
		actor.ID = c.UserID
	}
	if req.Actor.Type != "" {
		actor.Type = req.Actor.Type
	}

	assessment, err := e.assessor.Assess(c, risk.Action{
		Tool:      def.Type,
		Resource:  w.Input["resource"],
		Operation: "workflow",
		Goal:      w.Input["goal"],
		Params:    w.Input,
	})
	if err != nil {
		e.terminate(&w, StatusFailed, "risk assessment failed: "+err.Error())
		cerr := e.commit(ctx, &w, audit.Record{
			EventType: audit.EventWorkflowFailed,
			Actor:     actor,
			Action:    "start",
			Outcome:   string(StatusFailed),
			Details:   map[string]string{"reason": w.Error},
		}, "")
		return w, def, errors.Join(err, cerr)
	}

	w.RiskAssessment = &assessment
	w.Status = StatusRunning
	err = e.commit(ctx, &w, audit.Record{
		EventType: audit.EventWorkflowStarted,
		Actor:     actor,
		Action:    "start",
		Outcome:   string(StatusRunning),
		Details: map[string]string{
			"assessment_id": assessment.ID,
			"stages":        strconv.Itoa(len(def.Stages)),
		},
		Payload: req.Input,
	}, "")
	return w, def, err
}

// run executes stages from the workflow's NextStage until it leaves
// running. The per-workflow lock is held for each transition but not
// while a handler runs, so Cancel can land between stages.
func (e *Engine) run(ctx context.Context, def Definition, id string) (Workflow, error) {
	for {
		unlock := e.lock(id)
		w, err := e.store.Get(id)
		if err != nil {
			unlock()
			return Workflow{}, err
		}
		if w.Status != StatusRunning {
			unlock()
			return w, nil
		}
		if w.NextStage >= len(def.Stages) {
			w.Status = StatusCompleted
			err := e.commit(ctx, &w, audit.Record{
				EventType: audit.EventWorkflowCompleted,
				Actor:     engineActor,
				Action:    "complete",
				Outcome:   string(StatusCompleted),
				Details:   map[string]string{"tokens_consumed": strconv.Itoa(w.TokensConsumed)},
			}, "")
			unlock()
			return w, err
		}

		stage := def.Stages[w.NextStage]
		result, proceed, err := e.gate(ctx, &w, stage)
		unlock()
		if err != nil || !proceed {
			return w, err
		}

		sc := StageContext{
			WorkflowID:   w.ID,
			WorkflowType: w.Type,
			Stage:        stage.Name,
			Input:        cloneMap(w.Input),
			Artifacts:    cloneMap(w.Artifacts),
			Context:      w.Context,
			Assessment:   w.RiskAssessment,
		}
		out, herr := execute(ctx, stage.Handler, sc)

		unlock = e.lock(id)
		w, err = e.finishStage(ctx, id, stage, result, out, herr)
		unlock()
		if err != nil || w.Status != StatusRunning {
			return w, err
		}
	}
}

// gate assesses and evaluates a stage before its handler runs. It returns
// proceed=false when the workflow failed or suspended. Called with the
// workflow lock held.
func (e *Engine) gate(ctx context.Context, w *Workflow, stage StageDefinition) (StageResult, bool, error) {
	if w.ApprovedStage == stage.Name && w.PendingResult != nil {
		result := *w.PendingResult
		result.Decision = model.Allow
		if len(w.ApprovedBy) > 0 {
			result.ApprovedBy = w.ApprovedBy[len(w.ApprovedBy)-1]
		}
		return result, true, nil
	}

	sc := w.Context
	assessment, err := e.assessor.Assess(sc, risk.Action{
		Tool:      stage.Tool,
		Resource:  w.Input["resource"],
		Operation: stage.Operation,
		Goal:      w.Input["goal"],
		Params:    w.Input,
	})
	if err != nil {
		result := StageResult{Status: StageFailed, Error: "risk assessment failed: " + err.Error(), CompletedAt: e.clock.Now()}
		return result, false, e.failStage(ctx, w, stage.Name, result, "error")
	}

	in := policy.InputFor(assessment)
	in.WorkflowID = w.ID
	in.Stage = stage.Name
	in.Attributes = w.Input
	d := e.evaluator.Evaluate(in)

	result := StageResult{
		Decision:      d.Decision,
		GoverningRule: d.GoverningRule,
		RiskLevel:     assessment.RiskLevel,
		AssessmentID:  assessment.ID,
	}

	switch d.Decision {
	case model.Allow:
		return result, true, nil
	case model.RequireApproval:
		now := e.clock.Now()
		w.Status = StatusAwaitingApproval
		w.PendingStage = stage.Name
		w.PendingResult = &result
		w.ApprovalSince = &now
		err := e.commit(ctx, w, audit.Record{
			EventType: audit.EventWorkflowAwaitingApproval,
			Actor:     engineActor,
			Action:    stage.Name,
			RiskLevel: assessment.RiskLevel.String(),
			Outcome:   string(model.RequireApproval),
			Details:   decisionDetails(stage.Name, d),
		}, stage.Name)
		return result, false, err
	default:
		// Deny, and any decision this engine does not know, fails closed.
		result.Status = StageFailed
		result.Decision = model.Deny
		result.Error = "denied by policy: " + d.Reason
		result.CompletedAt = e.clock.Now()
		return result, false, e.failStage(ctx, w, stage.Name, result, string(model.Deny))
	}
}

// finishStage records a handler's outcome. Called with the workflow lock held.
func (e *Engine) finishStage(ctx context.Context, id string, stage StageDefinition, result StageResult, out StageOutput, herr error) (Workflow, error) {
	w, err := e.store.Get(id)
	if err != nil {
		return Workflow{}, err
	}
	if w.Status != StatusRunning {
		e.logger.Info().Str("workflow_id", id).Str("stage", stage.Name).Str("status", string(w.Status)).
			Msg("stage finished after workflow left running")
		return w, nil
	}

	result.CompletedAt = e.clock.Now()
	if herr != nil {
		result.Status = StageFailed
		result.Error = herr.Error()
		return w, e.failStage(ctx, &w, stage.Name, result, "error")
	}

	digest, err := audit.PayloadDigest(out.Artifacts)
	if err != nil {
		result.Status = StageFailed
		result.Error = err.Error()
		return w, e.failStage(ctx, &w, stage.Name, result, "error")
	}
	result.Status = StageSuccess
	result.OutputDigest = digest
	result.TokensUsed = out.TokensUsed

	w.StageResults[stage.Name] = result
	if len(out.Artifacts) > 0 && w.Artifacts == nil {
		w.Artifacts = make(map[string]string, len(out.Artifacts))
	}
	for k, v := range out.Artifacts {
		w.Artifacts[k] = v
	}
	w.TokensConsumed += out.TokensUsed
	w.NextStage++
	w.ApprovedStage = ""
	w.PendingResult = nil

	details := map[string]string{"assessment_id": result.AssessmentID, "tokens_used": strconv.Itoa(out.TokensUsed)}
	if result.ApprovedBy != "" {
		details["approved_by"] = result.ApprovedBy
	}
	if result.GoverningRule != "" {
		details["rule"] = result.GoverningRule
	}
	err = e.commit(ctx, &w, audit.Record{
		EventType: audit.EventStageCompleted,
		Actor:     engineActor,
		Action:    stage.Name,
		RiskLevel: result.RiskLevel.String(),
		Outcome:   string(StageSuccess),
		Details:   details,
		Payload:   out.Artifacts,
	}, stage.Name)
	return w, err
}

// failStage marks the stage failed and the workflow with it. Not retried.
func (e *Engine) failStage(ctx context.Context, w *Workflow, stage string, result StageResult, outcome string) error {
	w.StageResults[stage] = result
	w.NextStage++
	e.terminate(w, StatusFailed, fmt.Sprintf("stage %s: %s", stage, result.Error))

	details := map[string]string{"stage": stage, "reason": result.Error}
	if result.GoverningRule != "" {
		details["rule"] = result.GoverningRule
	}
	return e.commit(ctx, w, audit.Record{
		EventType: audit.EventWorkflowFailed,
		Actor:     engineActor,
		Action:    stage,
		RiskLevel: result.RiskLevel.String(),
		Outcome:   outcome,
		Details:   details,
	}, stage)
}

// terminate moves w to a terminal status and marks every stage that never
// ran as skipped.
func (e *Engine) terminate(w *Workflow, status Status, reason string) {
	now := e.clock.Now()
	w.Status = status
	if reason != "" {
		w.Error = reason
	}
	def, err := e.defs.Get(w.Type)
	if err == nil {
		for i := w.NextStage; i < len(def.Stages); i++ {
			name := def.Stages[i].Name
			if _, done := w.StageResults[name]; done {
				continue
			}
			skipped := StageResult{Status: StageSkipped, CompletedAt: now}
			if name == w.PendingStage && w.PendingResult != nil {
				skipped = *w.PendingResult
				skipped.Status = StageSkipped
				skipped.CompletedAt = now
			}
			w.StageResults[name] = skipped
		}
	}
	w.PendingStage = ""
	w.PendingResult = nil
	w.ApprovalSince = nil
	w.ApprovedStage = ""
}

// commit appends the audit event and then persists w. A failed append
// leaves the stored workflow untouched.
func (e *Engine) commit(ctx context.Context, w *Workflow, rec audit.Record, stage string) error {
	ctx = context.WithoutCancel(ctx)
	w.UpdatedAt = e.clock.Now()
	rec.WorkflowID = w.ID
	rec.Resource = audit.Resource{Type: "workflow", ID: w.ID}
	if rec.RiskLevel == "" && w.RiskAssessment != nil {
		rec.RiskLevel = w.RiskAssessment.RiskLevel.String()
	}
	if rec.Details == nil {
		rec.Details = make(map[string]string)
	}
	rec.Details["workflow_type"] = w.Type
	rec.Details["status"] = string(w.Status)

	if _, err := e.recorder.Append(ctx, rec); err != nil {
		return fmt.Errorf("workflow %s: record %s: %w", w.ID, rec.EventType, err)
	}
	if err := e.store.Save(*w); err != nil {
		return fmt.Errorf("workflow %s: save: %w", w.ID, err)
	}
	if w.Status.Terminal() {
		// No transition follows a terminal state, so nothing needs the lock again.
		e.locks.Delete(w.ID)
	}

	e.logger.Info().
		Str("workflow_id", w.ID).
		Str("type", w.Type).
		Str("status", string(w.Status)).
		Str("stage", stage).
		Str("event", string(rec.EventType)).
		Msg("workflow transition")
	return nil
}

func (e *Engine) lock(id string) func() {
	m, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// execute runs a handler, converting a panic into a stage error.
func execute(ctx context.Context, h StageHandler, sc StageContext) (out StageOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage handler panicked: %v", r)
		}
	}()
	return h.Execute(ctx, sc)
}

func decisionDetails(stage string, d policy.Decision) map[string]string {
	details := map[string]string{"stage": stage, "reason": d.Reason}
	if d.GoverningRule != "" {
		details["rule"] = d.GoverningRule
	}
	if d.DefaultApplied {
		details["default"] = "true"
	}
	return details
}
