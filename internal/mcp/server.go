// Package mcp exposes the governance checks to agents as MCP tools over
// stdio. The agent is a single configured principal; approvals stay with
// humans on the gRPC and HTTP surfaces.
package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/ppiankov/agentgov/internal/governance"
	"github.com/ppiankov/agentgov/internal/model"
)

// Version is reported to MCP clients.
var Version = "0.1.0"

// Config holds MCP server configuration.
type Config struct {
	// Principal is the identity every tool call is made as.
	Principal model.Principal
	Logger    zerolog.Logger
}

// Server wraps the MCP SDK server with governance tools.
type Server struct {
	mcpServer *mcpsdk.Server
	svc       *governance.Service
	principal model.Principal
	logger    zerolog.Logger
}

// New creates an MCP server in front of svc.
func New(cfg Config, svc *governance.Service) *Server {
	if cfg.Principal.Type == "" {
		cfg.Principal.Type = "agent"
	}
	s := &Server{
		svc:       svc,
		principal: cfg.Principal,
		logger:    cfg.Logger.With().Str("component", "mcp").Logger(),
	}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "agentgov",
			Version: Version,
		},
		nil,
	)
	s.registerTools()
	return s
}

// Run serves on the stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info().Str("principal", s.principal.UserID).Msg("mcp server starting on stdio")
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// registerTools adds all governance tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "agentgov_assess",
		Description: "Assess the risk of a proposed tool call without recording a decision. Returns the risk level, score and required safeguards.",
	}, s.handleAssess)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "agentgov_check",
		Description: "Assess and policy-check a tool call before running it. Denied and approval-gated calls return an error result with the reason.",
	}, s.handleCheck)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "agentgov_workflow_start",
		Description: "Start a governed workflow (design-to-code, ticket-to-pr). Returns when it completes, fails or waits for approval.",
	}, s.handleWorkflowStart)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "agentgov_workflow_status",
		Description: "Show the status and stage results of a workflow.",
	}, s.handleWorkflowStatus)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "agentgov_workflow_cancel",
		Description: "Cancel a pending, running or suspended workflow.",
	}, s.handleWorkflowCancel)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "agentgov_report",
		Description: "Record an agent-side event in the tamper-evident audit log.",
	}, s.handleReport)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "agentgov_audit_verify",
		Description: "Verify the audit hash chain and report where it breaks, if anywhere.",
	}, s.handleAuditVerify)
}
