package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/ppiankov/agentgov/internal/audit"
	"github.com/ppiankov/agentgov/internal/governance"
	"github.com/ppiankov/agentgov/internal/orgpolicy"
	"github.com/ppiankov/agentgov/internal/policy"
	"github.com/ppiankov/agentgov/internal/risk"
	"github.com/ppiankov/agentgov/internal/workflow"
)

// Client calls a remote governance server.
type Client struct {
	conn  *grpc.ClientConn
	token string
}

// Dial connects to addr without transport security and authenticates every
// call with token.
func Dial(addr, token string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn, token: token}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, authHeader, "Bearer "+c.token)
	}
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp)
}

func (c *Client) AssessRisk(ctx context.Context, cx risk.CARSContext, a risk.Action) (risk.RiskAssessment, error) {
	var out risk.RiskAssessment
	err := c.invoke(ctx, "AssessRisk", &AssessRequest{Context: cx, Action: a}, &out)
	return out, err
}

func (c *Client) EvaluateToolCall(ctx context.Context, cx risk.CARSContext, a risk.Action, workflowID string) (governance.ToolCallResult, error) {
	var out governance.ToolCallResult
	err := c.invoke(ctx, "EvaluateToolCall", &ToolCallRequest{Context: cx, Action: a, WorkflowID: workflowID}, &out)
	return out, err
}

func (c *Client) EvaluatePolicy(ctx context.Context, in policy.Input) (policy.Decision, error) {
	var out policy.Decision
	err := c.invoke(ctx, "EvaluatePolicy", &in, &out)
	return out, err
}

func (c *Client) ListRules(ctx context.Context) ([]policy.PolicyRule, error) {
	var out ListRulesResponse
	err := c.invoke(ctx, "ListRules", &Empty{}, &out)
	return out.Rules, err
}

func (c *Client) CreateRule(ctx context.Context, r policy.PolicyRule) (policy.PolicyRule, error) {
	var out policy.PolicyRule
	err := c.invoke(ctx, "CreateRule", &RuleRequest{Rule: r}, &out)
	return out, err
}

func (c *Client) SetRuleEnabled(ctx context.Context, id string, enabled bool) (policy.PolicyRule, error) {
	var out policy.PolicyRule
	err := c.invoke(ctx, "SetRuleEnabled", &SetRuleEnabledRequest{ID: id, Enabled: enabled}, &out)
	return out, err
}

func (c *Client) ReloadRules(ctx context.Context) error {
	return c.invoke(ctx, "ReloadRules", &Empty{}, &Empty{})
}

func (c *Client) StartWorkflow(ctx context.Context, req StartWorkflowRequest) (workflow.Workflow, error) {
	var out workflow.Workflow
	err := c.invoke(ctx, "StartWorkflow", &req, &out)
	return out, err
}

func (c *Client) GetWorkflow(ctx context.Context, id string) (workflow.Workflow, error) {
	var out workflow.Workflow
	err := c.invoke(ctx, "GetWorkflow", &IDRequest{ID: id}, &out)
	return out, err
}

func (c *Client) ListWorkflows(ctx context.Context, f workflow.ListFilter) ([]workflow.Workflow, error) {
	var out ListWorkflowsResponse
	err := c.invoke(ctx, "ListWorkflows", &ListWorkflowsRequest{Filter: f}, &out)
	return out.Workflows, err
}

func (c *Client) ResumeWorkflow(ctx context.Context, id string) (workflow.Workflow, error) {
	var out workflow.Workflow
	err := c.invoke(ctx, "ResumeWorkflow", &IDRequest{ID: id}, &out)
	return out, err
}

func (c *Client) CancelWorkflow(ctx context.Context, id string) (workflow.Workflow, error) {
	var out workflow.Workflow
	err := c.invoke(ctx, "CancelWorkflow", &IDRequest{ID: id}, &out)
	return out, err
}

func (c *Client) AppendAuditEvent(ctx context.Context, ev governance.ExternalEvent) (audit.Event, error) {
	var out audit.Event
	err := c.invoke(ctx, "AppendAuditEvent", &ev, &out)
	return out, err
}

func (c *Client) QueryAuditEvents(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	var out QueryResponse
	err := c.invoke(ctx, "QueryAuditEvents", &QueryRequest{Filter: f}, &out)
	return out.Events, err
}

// VerifyAuditIntegrity returns the verification result. A broken chain is
// reported as codes.DataLoss.
func (c *Client) VerifyAuditIntegrity(ctx context.Context) (audit.VerifyResult, error) {
	var out audit.VerifyResult
	err := c.invoke(ctx, "VerifyAuditIntegrity", &Empty{}, &out)
	return out, err
}

func (c *Client) AuditStats(ctx context.Context) (audit.Stats, error) {
	var out audit.Stats
	err := c.invoke(ctx, "AuditStats", &Empty{}, &out)
	return out, err
}

func (c *Client) ExportAuditEvents(ctx context.Context, f audit.Filter, format string) (audit.Export, error) {
	var out audit.Export
	err := c.invoke(ctx, "ExportAuditEvents", &ExportRequest{Filter: f, Format: format}, &out)
	return out, err
}

func (c *Client) GetOrganizationPolicy(ctx context.Context) (orgpolicy.OrganizationPolicy, error) {
	var out orgpolicy.OrganizationPolicy
	err := c.invoke(ctx, "GetOrganizationPolicy", &Empty{}, &out)
	return out, err
}

func (c *Client) UpdateOrganizationPolicy(ctx context.Context, p orgpolicy.Patch) (orgpolicy.OrganizationPolicy, error) {
	var out orgpolicy.OrganizationPolicy
	err := c.invoke(ctx, "UpdateOrganizationPolicy", &p, &out)
	return out, err
}

func (c *Client) RequestException(ctx context.Context, req orgpolicy.ExceptionRequest) (orgpolicy.PolicyException, error) {
	var out orgpolicy.PolicyException
	err := c.invoke(ctx, "RequestException", &req, &out)
	return out, err
}

func (c *Client) ReviewException(ctx context.Context, id string, approve bool, notes string) (orgpolicy.PolicyException, error) {
	var out orgpolicy.PolicyException
	err := c.invoke(ctx, "ReviewException", &ReviewRequest{ID: id, Approve: approve, Notes: notes}, &out)
	return out, err
}

func (c *Client) ListExceptions(ctx context.Context, req ListExceptionsRequest) ([]orgpolicy.PolicyException, error) {
	var out ListExceptionsResponse
	err := c.invoke(ctx, "ListExceptions", &req, &out)
	return out.Exceptions, err
}

// IsCode reports whether err carries the gRPC status code c.
func IsCode(err error, c codes.Code) bool {
	return status.Code(err) == c
}
