package mcp

import (
	"context"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/agentgov/internal/audit"
	"github.com/ppiankov/agentgov/internal/governance"
	"github.com/ppiankov/agentgov/internal/model"
	"github.com/ppiankov/agentgov/internal/risk"
	"github.com/ppiankov/agentgov/internal/workflow"
)

// --- Input/Output types ---

// ContextInput is the blast radius an agent declares for a call.
type ContextInput struct {
	Environment        string `json:"environment" jsonschema:"target environment (dev/staging/prod)"`
	DataClassification int    `json:"data_classification" jsonschema:"data tier from 1 (public) to 4 (restricted)"`
	Scope              string `json:"scope" jsonschema:"single-target, multi-target or system-wide"`
	WorkflowType       string `json:"workflow_type,omitempty" jsonschema:"workflow the call belongs to"`
}

// CallInput defines parameters for the assess and check tools.
type CallInput struct {
	Context    ContextInput      `json:"context" jsonschema:"declared blast radius of the call"`
	Tool       string            `json:"tool" jsonschema:"tool identifier, e.g. deploy or write_file"`
	Resource   string            `json:"resource,omitempty" jsonschema:"resource the tool acts on"`
	Operation  string            `json:"operation,omitempty" jsonschema:"read, write, delete or execute"`
	Goal       string            `json:"goal,omitempty" jsonschema:"what the call is meant to achieve"`
	Params     map[string]string `json:"params,omitempty" jsonschema:"tool parameters"`
	WorkflowID string            `json:"workflow_id,omitempty" jsonschema:"workflow the call belongs to"`
}

// AssessOutput summarizes a risk assessment.
type AssessOutput struct {
	AssessmentID string   `json:"assessment_id"`
	RiskLevel    string   `json:"risk_level"`
	Score        int      `json:"score"`
	Safeguards   []string `json:"required_safeguards"`
	Factors      []string `json:"factors"`
	Flags        []string `json:"behavior_flags,omitempty"`
}

// CheckOutput contains the policy decision for a call.
type CheckOutput struct {
	Decision       string   `json:"decision"`
	Reason         string   `json:"reason"`
	RiskLevel      string   `json:"risk_level"`
	GoverningRule  string   `json:"governing_rule,omitempty"`
	RedactedFields []string `json:"redacted_fields,omitempty"`
	AuditSequence  uint64   `json:"audit_sequence"`
}

// WorkflowStartInput defines parameters for agentgov_workflow_start.
type WorkflowStartInput struct {
	Context ContextInput      `json:"context" jsonschema:"declared blast radius of the workflow"`
	Type    string            `json:"type" jsonschema:"workflow type"`
	Input   map[string]string `json:"input,omitempty" jsonschema:"workflow input values"`
}

// WorkflowInput names one workflow.
type WorkflowInput struct {
	ID string `json:"id" jsonschema:"workflow id"`
}

// WorkflowOutput summarizes a workflow.
type WorkflowOutput struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Status       string            `json:"status"`
	PendingStage string            `json:"pending_stage,omitempty"`
	Stages       map[string]string `json:"stages"`
	Error        string            `json:"error,omitempty"`
	Tokens       int               `json:"tokens_consumed"`
}

// ReportInput defines parameters for agentgov_report.
type ReportInput struct {
	EventType string            `json:"event_type,omitempty" jsonschema:"event type, defaults to external"`
	Action    string            `json:"action" jsonschema:"what happened"`
	Resource  string            `json:"resource,omitempty" jsonschema:"resource affected"`
	Outcome   string            `json:"outcome,omitempty" jsonschema:"result of the action"`
	Details   map[string]string `json:"details,omitempty" jsonschema:"free-form details"`
}

// ReportOutput identifies the stored event.
type ReportOutput struct {
	Sequence uint64 `json:"sequence"`
	Hash     string `json:"hash"`
}

// VerifyInput is empty; no parameters needed.
type VerifyInput struct{}

// VerifyOutput reports the chain state.
type VerifyOutput struct {
	Valid            bool   `json:"valid"`
	Checked          uint64 `json:"checked"`
	BrokenAtSequence uint64 `json:"broken_at_sequence,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// --- Handlers ---

func (s *Server) handleAssess(ctx context.Context, req *mcpsdk.CallToolRequest, input CallInput) (*mcpsdk.CallToolResult, AssessOutput, error) {
	a, err := s.svc.AssessRisk(ctx, s.principal, input.context(), input.action())
	if err != nil {
		return errorResult(err), AssessOutput{}, nil
	}
	return nil, assessOutput(a), nil
}

func (s *Server) handleCheck(ctx context.Context, req *mcpsdk.CallToolRequest, input CallInput) (*mcpsdk.CallToolResult, CheckOutput, error) {
	res, err := s.svc.EvaluateToolCall(ctx, s.principal, input.context(), input.action(), input.WorkflowID)
	if err != nil {
		return errorResult(err), CheckOutput{}, nil
	}
	out := CheckOutput{
		Decision:       string(res.Decision.Decision),
		Reason:         res.Decision.Reason,
		RiskLevel:      res.Assessment.RiskLevel.String(),
		GoverningRule:  res.Decision.GoverningRule,
		RedactedFields: res.Decision.RedactedFields,
		AuditSequence:  res.Sequence,
	}
	if !res.Allowed() {
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func (s *Server) handleWorkflowStart(ctx context.Context, req *mcpsdk.CallToolRequest, input WorkflowStartInput) (*mcpsdk.CallToolResult, WorkflowOutput, error) {
	w, err := s.svc.StartWorkflow(ctx, s.principal, input.Type, input.Input, input.Context.toContext())
	if err != nil {
		return errorResult(err), WorkflowOutput{}, nil
	}
	out := workflowOutput(w)
	if w.Status == workflow.StatusFailed {
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func (s *Server) handleWorkflowStatus(ctx context.Context, req *mcpsdk.CallToolRequest, input WorkflowInput) (*mcpsdk.CallToolResult, WorkflowOutput, error) {
	w, err := s.svc.GetWorkflow(input.ID)
	if err != nil {
		return errorResult(err), WorkflowOutput{}, nil
	}
	return nil, workflowOutput(w), nil
}

func (s *Server) handleWorkflowCancel(ctx context.Context, req *mcpsdk.CallToolRequest, input WorkflowInput) (*mcpsdk.CallToolResult, WorkflowOutput, error) {
	w, err := s.svc.CancelWorkflow(ctx, s.principal, input.ID)
	if err != nil {
		return errorResult(err), WorkflowOutput{}, nil
	}
	return nil, workflowOutput(w), nil
}

func (s *Server) handleReport(ctx context.Context, req *mcpsdk.CallToolRequest, input ReportInput) (*mcpsdk.CallToolResult, ReportOutput, error) {
	ev, err := s.svc.AppendAuditEvent(ctx, s.principal, governance.ExternalEvent{
		EventType: input.EventType,
		Action:    input.Action,
		Resource:  audit.Resource{Type: "resource", ID: input.Resource},
		Outcome:   input.Outcome,
		Details:   input.Details,
	})
	if err != nil {
		return errorResult(err), ReportOutput{}, nil
	}
	return nil, ReportOutput{Sequence: ev.Sequence, Hash: ev.CurrentHash}, nil
}

func (s *Server) handleAuditVerify(ctx context.Context, req *mcpsdk.CallToolRequest, input VerifyInput) (*mcpsdk.CallToolResult, VerifyOutput, error) {
	res, err := s.svc.VerifyAuditIntegrity(ctx)
	out := VerifyOutput{
		Valid:            res.Valid,
		Checked:          res.Checked,
		BrokenAtSequence: res.BrokenAtSequence,
		Reason:           res.Reason,
	}
	if err != nil {
		if !res.Valid && res.BrokenAtSequence > 0 {
			return &mcpsdk.CallToolResult{IsError: true}, out, nil
		}
		return errorResult(err), VerifyOutput{}, nil
	}
	return nil, out, nil
}

// --- Helpers ---

func (c ContextInput) toContext() risk.CARSContext {
	return risk.CARSContext{
		Environment:        model.Environment(c.Environment),
		DataClassification: c.DataClassification,
		Scope:              model.Scope(c.Scope),
		WorkflowType:       c.WorkflowType,
	}
}

func (in CallInput) context() risk.CARSContext { return in.Context.toContext() }

func (in CallInput) action() risk.Action {
	return risk.Action{
		Tool:      in.Tool,
		Resource:  in.Resource,
		Operation: in.Operation,
		Goal:      in.Goal,
		Params:    in.Params,
	}
}

func assessOutput(a risk.RiskAssessment) AssessOutput {
	out := AssessOutput{
		AssessmentID: a.ID,
		RiskLevel:    a.RiskLevel.String(),
		Score:        a.Score,
		Safeguards:   []string{},
		Factors:      []string{},
	}
	for _, g := range a.RequiredSafeguards {
		out.Safeguards = append(out.Safeguards, string(g))
	}
	for _, f := range a.ContributingFactors {
		out.Factors = append(out.Factors, fmt.Sprintf("%s (%+d)", f.Factor, f.Contribution))
	}
	for _, f := range a.BehaviorFlags {
		out.Flags = append(out.Flags, f.Detector)
	}
	return out
}

func workflowOutput(w workflow.Workflow) WorkflowOutput {
	out := WorkflowOutput{
		ID:           w.ID,
		Type:         w.Type,
		Status:       string(w.Status),
		PendingStage: w.PendingStage,
		Stages:       make(map[string]string, len(w.StageResults)),
		Error:        w.Error,
		Tokens:       w.TokensConsumed,
	}
	for name, r := range w.StageResults {
		out.Stages[name] = string(r.Status)
	}
	return out
}

// errorResult reports a governance error to the agent as tool output.
func errorResult(err error) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: err.Error()}},
	}
}
