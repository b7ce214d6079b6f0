package governance

import (
	"context"
	"time"

	"github.com/ppiankov/agentgov/internal/model"
	"github.com/ppiankov/agentgov/internal/risk"
	"github.com/ppiankov/agentgov/internal/workflow"
)

// StartWorkflow runs a workflow of typ until it completes, fails or
// suspends for approval.
func (s *Service) StartWorkflow(ctx context.Context, caller model.Principal, typ string, input map[string]string, c risk.CARSContext) (workflow.Workflow, error) {
	if err := requireCaller("start workflow", caller); err != nil {
		return workflow.Workflow{}, err
	}
	c = withCaller(c, caller)
	return s.workflows.Start(ctx, workflow.StartRequest{Type: typ, Input: input, Context: c, Actor: caller})
}

// StartWorkflowAsync starts a workflow and returns once it is running.
func (s *Service) StartWorkflowAsync(ctx context.Context, caller model.Principal, typ string, input map[string]string, c risk.CARSContext) (workflow.Workflow, error) {
	if err := requireCaller("start workflow", caller); err != nil {
		return workflow.Workflow{}, err
	}
	c = withCaller(c, caller)
	return s.workflows.StartAsync(ctx, workflow.StartRequest{Type: typ, Input: input, Context: c, Actor: caller})
}

// GetWorkflow returns one workflow.
func (s *Service) GetWorkflow(id string) (workflow.Workflow, error) { return s.workflows.Get(id) }

// ListWorkflows returns workflows matching f, oldest first.
func (s *Service) ListWorkflows(f workflow.ListFilter) ([]workflow.Workflow, error) {
	return s.workflows.List(f)
}

// WorkflowTypes returns the registered workflow types.
func (s *Service) WorkflowTypes() []string { return s.workflows.Definitions().Types() }

// CancelWorkflow cancels a workflow on behalf of caller.
func (s *Service) CancelWorkflow(ctx context.Context, caller model.Principal, id string) (workflow.Workflow, error) {
	if err := requireCaller("cancel workflow", caller); err != nil {
		return workflow.Workflow{}, err
	}
	return s.workflows.Cancel(ctx, id, caller.UserID)
}

// ResumeWorkflow approves the pending stage of a suspended workflow.
func (s *Service) ResumeWorkflow(ctx context.Context, caller model.Principal, id string) (workflow.Workflow, error) {
	if err := requireCaller("resume workflow", caller); err != nil {
		return workflow.Workflow{}, err
	}
	return s.workflows.Resume(ctx, id, caller.UserID)
}

// ExpireStaleApprovals cancels workflows whose approval wait ran out.
func (s *Service) ExpireStaleApprovals(ctx context.Context) (int, error) {
	return s.workflows.ExpireStale(ctx)
}

// RunExpirySweeper expires stale approvals every interval until ctx is done.
func (s *Service) RunExpirySweeper(ctx context.Context, interval time.Duration) {
	s.workflows.RunExpirySweeper(ctx, interval)
}
