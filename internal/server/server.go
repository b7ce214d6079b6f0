// Package server exposes the governance service over gRPC. Messages travel
// as JSON through a registered codec, so clients dial with
// grpc.CallContentSubtype("json") and exchange the service's own types.
package server

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ppiankov/agentgov/internal/audit"
	"github.com/ppiankov/agentgov/internal/governance"
	"github.com/ppiankov/agentgov/internal/identity"
	"github.com/ppiankov/agentgov/internal/orgpolicy"
	"github.com/ppiankov/agentgov/internal/policy"
	"github.com/ppiankov/agentgov/internal/risk"
	"github.com/ppiankov/agentgov/internal/workflow"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "agentgov.v1.Governance"

// Config holds gRPC server configuration.
type Config struct {
	Port int
	// RulesPath is reloaded by the ReloadRules call and by the file watcher.
	RulesPath string
}

// Server implements the Governance gRPC service.
type Server struct {
	svc    *governance.Service
	cfg    Config
	logger zerolog.Logger

	grpcServer *grpc.Server
}

// New creates a gRPC server in front of svc. Every call is authenticated by
// auth before it reaches a handler.
func New(cfg Config, svc *governance.Service, auth identity.Authenticator, logger zerolog.Logger) *Server {
	s := &Server{
		svc:    svc,
		cfg:    cfg,
		logger: logger.With().Str("component", "grpc").Logger(),
	}
	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(
		authInterceptor(auth),
		s.logCalls,
	))
	s.grpcServer.RegisterService(&serviceDesc, s)
	return s
}

// Serve listens on the configured port and serves until stopped.
func (s *Server) Serve() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.cfg.Port, err)
	}
	return s.ServeOn(lis)
}

// ServeOn serves on an existing listener.
func (s *Server) ServeOn(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("grpc server listening")
	return s.grpcServer.Serve(lis)
}

// GracefulStop drains in-flight calls and stops the server.
func (s *Server) GracefulStop() {
	s.grpcServer.GracefulStop()
}

// ReloadRules re-reads the configured rules file as the system principal.
func (s *Server) ReloadRules(ctx context.Context) error {
	if s.cfg.RulesPath == "" {
		return status.Error(codes.FailedPrecondition, "no rules file configured")
	}
	return s.svc.ReloadRulesFile(ctx, governance.SystemPrincipal, s.cfg.RulesPath)
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		code := status.Code(err)
		ev := s.logger.Debug()
		if code == codes.Internal || code == codes.DataLoss {
			ev = s.logger.Error()
		}
		ev.Str("method", info.FullMethod).Str("code", code.String()).Err(err).Msg("call failed")
	}
	return resp, err
}

// governanceServer is the handler type the service descriptor binds to.
type governanceServer interface {
	ReloadRules(ctx context.Context) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*governanceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("AssessRisk", (*Server).assessRisk),
		unary("EvaluateToolCall", (*Server).evaluateToolCall),
		unary("RegisterTool", (*Server).registerTool),
		unary("EvaluatePolicy", (*Server).evaluatePolicy),
		unary("ListRules", (*Server).listRules),
		unary("GetRule", (*Server).getRule),
		unary("CreateRule", (*Server).createRule),
		unary("UpdateRule", (*Server).updateRule),
		unary("SetRuleEnabled", (*Server).setRuleEnabled),
		unary("DeleteRule", (*Server).deleteRule),
		unary("ReloadRules", (*Server).reloadRules),
		unary("StartWorkflow", (*Server).startWorkflow),
		unary("GetWorkflow", (*Server).getWorkflow),
		unary("ListWorkflows", (*Server).listWorkflows),
		unary("CancelWorkflow", (*Server).cancelWorkflow),
		unary("ResumeWorkflow", (*Server).resumeWorkflow),
		unary("AppendAuditEvent", (*Server).appendAuditEvent),
		unary("QueryAuditEvents", (*Server).queryAuditEvents),
		unary("VerifyAuditIntegrity", (*Server).verifyAuditIntegrity),
		unary("AuditStats", (*Server).auditStats),
		unary("ExportAuditEvents", (*Server).exportAuditEvents),
		unary("GetOrganizationPolicy", (*Server).getOrganizationPolicy),
		unary("UpdateOrganizationPolicy", (*Server).updateOrganizationPolicy),
		unary("RequestException", (*Server).requestException),
		unary("ReviewException", (*Server).reviewException),
		unary("GetException", (*Server).getException),
		unary("ListExceptions", (*Server).listExceptions),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "agentgov/v1/governance",
}

// unary adapts a typed handler to a MethodDesc. Errors leave the handler
// already mapped to gRPC status codes.
func unary[Req, Resp any](name string, fn func(*Server, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode %s request: %v", name, err)
			}
			call := func(ctx context.Context, req any) (any, error) {
				out, err := fn(srv.(*Server), ctx, req.(*Req))
				if err != nil {
					return nil, toStatus(err)
				}
				return out, nil
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, call)
		},
	}
}

func (s *Server) assessRisk(ctx context.Context, req *AssessRequest) (*risk.RiskAssessment, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	a, err := s.svc.AssessRisk(ctx, p, req.Context, req.Action)
	return &a, err
}

func (s *Server) evaluateToolCall(ctx context.Context, req *ToolCallRequest) (*governance.ToolCallResult, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.svc.EvaluateToolCall(ctx, p, req.Context, req.Action, req.WorkflowID)
	return &res, err
}

func (s *Server) registerTool(ctx context.Context, req *risk.ToolRiskEntry) (*risk.ToolRiskEntry, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	e, err := s.svc.RegisterTool(ctx, p, *req)
	return &e, err
}

func (s *Server) evaluatePolicy(ctx context.Context, req *policy.Input) (*policy.Decision, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	d, err := s.svc.EvaluatePolicy(ctx, p, *req)
	return &d, err
}

func (s *Server) listRules(_ context.Context, _ *Empty) (*ListRulesResponse, error) {
	return &ListRulesResponse{Rules: s.svc.ListRules()}, nil
}

func (s *Server) getRule(_ context.Context, req *IDRequest) (*policy.PolicyRule, error) {
	r, err := s.svc.GetRule(req.ID)
	return &r, err
}

func (s *Server) createRule(ctx context.Context, req *RuleRequest) (*policy.PolicyRule, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	r, err := s.svc.CreateRule(ctx, p, req.Rule)
	return &r, err
}

func (s *Server) updateRule(ctx context.Context, req *RuleRequest) (*policy.PolicyRule, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	id := req.ID
	if id == "" {
		id = req.Rule.ID
	}
	r, err := s.svc.UpdateRule(ctx, p, id, req.Rule)
	return &r, err
}

func (s *Server) setRuleEnabled(ctx context.Context, req *SetRuleEnabledRequest) (*policy.PolicyRule, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	var r policy.PolicyRule
	if req.Enabled {
		r, err = s.svc.EnableRule(ctx, p, req.ID)
	} else {
		r, err = s.svc.DisableRule(ctx, p, req.ID)
	}
	return &r, err
}

func (s *Server) deleteRule(ctx context.Context, req *IDRequest) (*Empty, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return &Empty{}, s.svc.DeleteRule(ctx, p, req.ID)
}

func (s *Server) reloadRules(ctx context.Context, _ *Empty) (*Empty, error) {
	if s.cfg.RulesPath == "" {
		return nil, status.Error(codes.FailedPrecondition, "no rules file configured")
	}
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return &Empty{}, s.svc.ReloadRulesFile(ctx, p, s.cfg.RulesPath)
}

func (s *Server) startWorkflow(ctx context.Context, req *StartWorkflowRequest) (*workflow.Workflow, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	var w workflow.Workflow
	if req.Async {
		// The run outlives this call.
		w, err = s.svc.StartWorkflowAsync(context.WithoutCancel(ctx), p, req.Type, req.Input, req.Context)
	} else {
		w, err = s.svc.StartWorkflow(ctx, p, req.Type, req.Input, req.Context)
	}
	return &w, err
}

func (s *Server) getWorkflow(_ context.Context, req *IDRequest) (*workflow.Workflow, error) {
	w, err := s.svc.GetWorkflow(req.ID)
	return &w, err
}

func (s *Server) listWorkflows(_ context.Context, req *ListWorkflowsRequest) (*ListWorkflowsResponse, error) {
	ws, err := s.svc.ListWorkflows(req.Filter)
	return &ListWorkflowsResponse{Workflows: ws}, err
}

func (s *Server) cancelWorkflow(ctx context.Context, req *IDRequest) (*workflow.Workflow, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	w, err := s.svc.CancelWorkflow(ctx, p, req.ID)
	return &w, err
}

func (s *Server) resumeWorkflow(ctx context.Context, req *IDRequest) (*workflow.Workflow, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	w, err := s.svc.ResumeWorkflow(ctx, p, req.ID)
	return &w, err
}

func (s *Server) appendAuditEvent(ctx context.Context, req *governance.ExternalEvent) (*audit.Event, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	e, err := s.svc.AppendAuditEvent(ctx, p, *req)
	return &e, err
}

func (s *Server) queryAuditEvents(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	evs, err := s.svc.QueryAuditEvents(ctx, req.Filter)
	return &QueryResponse{Events: evs}, err
}

func (s *Server) verifyAuditIntegrity(ctx context.Context, _ *Empty) (*audit.VerifyResult, error) {
	res, err := s.svc.VerifyAuditIntegrity(ctx)
	return &res, err
}

func (s *Server) auditStats(ctx context.Context, _ *Empty) (*audit.Stats, error) {
	st, err := s.svc.AuditStats(ctx)
	return &st, err
}

func (s *Server) exportAuditEvents(ctx context.Context, req *ExportRequest) (*audit.Export, error) {
	ex, err := s.svc.ExportAuditEvents(ctx, req.Filter, req.Format)
	return &ex, err
}

func (s *Server) getOrganizationPolicy(_ context.Context, _ *Empty) (*orgpolicy.OrganizationPolicy, error) {
	p := s.svc.GetOrganizationPolicy()
	return &p, nil
}

func (s *Server) updateOrganizationPolicy(ctx context.Context, req *orgpolicy.Patch) (*orgpolicy.OrganizationPolicy, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	op, err := s.svc.UpdateOrganizationPolicy(ctx, p, *req)
	return &op, err
}

func (s *Server) requestException(ctx context.Context, req *orgpolicy.ExceptionRequest) (*orgpolicy.PolicyException, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	e, err := s.svc.RequestPolicyException(ctx, p, *req)
	return &e, err
}

func (s *Server) reviewException(ctx context.Context, req *ReviewRequest) (*orgpolicy.PolicyException, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	e, err := s.svc.ReviewException(ctx, p, req.ID, req.Approve, req.Notes)
	return &e, err
}

func (s *Server) getException(_ context.Context, req *IDRequest) (*orgpolicy.PolicyException, error) {
	e, err := s.svc.GetException(req.ID)
	return &e, err
}

func (s *Server) listExceptions(_ context.Context, req *ListExceptionsRequest) (*ListExceptionsResponse, error) {
	return &ListExceptionsResponse{Exceptions: s.svc.ListExceptions(orgpolicy.ExceptionFilter{
		Status:    req.Status,
		ScopeType: req.ScopeType,
		ScopeID:   req.ScopeID,
	})}, nil
}
