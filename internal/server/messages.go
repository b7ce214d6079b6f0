package server

import (
	"github.com/ppiankov/agentgov/internal/audit"
	"github.com/ppiankov/agentgov/internal/orgpolicy"
	"github.com/ppiankov/agentgov/internal/policy"
	"github.com/ppiankov/agentgov/internal/risk"
	"github.com/ppiankov/agentgov/internal/workflow"
)

// Empty is the request or response of calls that carry nothing.
type Empty struct{}

type AssessRequest struct {
	Context risk.CARSContext `json:"context"`
	Action  risk.Action      `json:"action"`
}

type ToolCallRequest struct {
	Context    risk.CARSContext `json:"context"`
	Action     risk.Action      `json:"action"`
	WorkflowID string           `json:"workflow_id,omitempty"`
}

type StartWorkflowRequest struct {
	Type    string            `json:"type"`
	Input   map[string]string `json:"input,omitempty"`
	Context risk.CARSContext  `json:"context"`
	// Async returns once the workflow is running.
	Async bool `json:"async,omitempty"`
}

// IDRequest names one workflow, rule or exception.
type IDRequest struct {
	ID string `json:"id"`
}

type ListWorkflowsRequest struct {
	Filter workflow.ListFilter `json:"filter"`
}

type ListWorkflowsResponse struct {
	Workflows []workflow.Workflow `json:"workflows"`
}

type QueryRequest struct {
	Filter audit.Filter `json:"filter"`
}

type QueryResponse struct {
	Events []audit.Event `json:"events"`
}

type ExportRequest struct {
	Filter audit.Filter `json:"filter"`
	Format string       `json:"format"`
}

type ReviewRequest struct {
	ID      string `json:"id"`
	Approve bool   `json:"approve"`
	Notes   string `json:"notes,omitempty"`
}

type ListExceptionsRequest struct {
	Status    orgpolicy.ExceptionStatus `json:"status,omitempty"`
	ScopeType orgpolicy.ScopeType       `json:"scope_type,omitempty"`
	ScopeID   string                    `json:"scope_id,omitempty"`
}

type ListExceptionsResponse struct {
	Exceptions []orgpolicy.PolicyException `json:"exceptions"`
}

type RuleRequest struct {
	ID   string            `json:"id,omitempty"`
	Rule policy.PolicyRule `json:"rule"`
}

type SetRuleEnabledRequest struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

type ListRulesResponse struct {
	Rules []policy.PolicyRule `json:"rules"`
}
