package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ppiankov/agentgov/internal/audit"
	"github.com/ppiankov/agentgov/internal/governance"
	"github.com/ppiankov/agentgov/internal/orgpolicy"
	"github.com/ppiankov/agentgov/internal/policy"
	"github.com/ppiankov/agentgov/internal/risk"
	"github.com/ppiankov/agentgov/internal/workflow"
)

type assessRequest struct {
	Context risk.CARSContext `json:"context"`
	Action  risk.Action      `json:"action"`
}

type reassessRequest struct {
	Previous risk.RiskAssessment `json:"previous"`
	Context  risk.CARSContext    `json:"context"`
	Action   risk.Action         `json:"action"`
}

type toolCallRequest struct {
	Context    risk.CARSContext `json:"context"`
	Action     risk.Action      `json:"action"`
	WorkflowID string           `json:"workflow_id,omitempty"`
}

type startWorkflowRequest struct {
	Type    string            `json:"type"`
	Input   map[string]string `json:"input,omitempty"`
	Context risk.CARSContext  `json:"context"`
	Async   bool              `json:"async,omitempty"`
}

type reviewRequest struct {
	Approve bool   `json:"approve"`
	Notes   string `json:"notes,omitempty"`
}

func (a *API) assessRisk(w http.ResponseWriter, r *http.Request) {
	var req assessRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	res, err := a.svc.AssessRisk(r.Context(), callerOf(r), req.Context, req.Action)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) reassessRisk(w http.ResponseWriter, r *http.Request) {
	var req reassessRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	res, err := a.svc.Reassess(r.Context(), callerOf(r), req.Previous, req.Context, req.Action)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) listTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": a.svc.Matrix().Entries()})
}

func (a *API) registerTool(w http.ResponseWriter, r *http.Request) {
	var entry risk.ToolRiskEntry
	if err := decode(r, &entry); err != nil {
		a.fail(w, r, err)
		return
	}
	res, err := a.svc.RegisterTool(r.Context(), callerOf(r), entry)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) evaluateToolCall(w http.ResponseWriter, r *http.Request) {
	var req toolCallRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	res, err := a.svc.EvaluateToolCall(r.Context(), callerOf(r), req.Context, req.Action, req.WorkflowID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) evaluatePolicy(w http.ResponseWriter, r *http.Request) {
	var in policy.Input
	if err := decode(r, &in); err != nil {
		a.fail(w, r, err)
		return
	}
	d, err := a.svc.EvaluatePolicy(r.Context(), callerOf(r), in)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) reloadRules(w http.ResponseWriter, r *http.Request) {
	if a.rulesPath == "" {
		writeError(w, http.StatusConflict, "no rules file configured", nil)
		return
	}
	if err := a.svc.ReloadRulesFile(r.Context(), callerOf(r), a.rulesPath); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": len(a.svc.ListRules())})
}

func (a *API) listRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rules": a.svc.ListRules()})
}

func (a *API) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := a.svc.GetRule(chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (a *API) createRule(w http.ResponseWriter, r *http.Request) {
	var rule policy.PolicyRule
	if err := decode(r, &rule); err != nil {
		a.fail(w, r, err)
		return
	}
	created, err := a.svc.CreateRule(r.Context(), callerOf(r), rule)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) updateRule(w http.ResponseWriter, r *http.Request) {
	var rule policy.PolicyRule
	if err := decode(r, &rule); err != nil {
		a.fail(w, r, err)
		return
	}
	updated, err := a.svc.UpdateRule(r.Context(), callerOf(r), chi.URLParam(r, "id"), rule)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) deleteRule(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.DeleteRule(r.Context(), callerOf(r), chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) setRuleEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		set := a.svc.DisableRule
		if enabled {
			set = a.svc.EnableRule
		}
		rule, err := set(r.Context(), callerOf(r), chi.URLParam(r, "id"))
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rule)
	}
}

func (a *API) startWorkflow(w http.ResponseWriter, r *http.Request) {
	var req startWorkflowRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	var (
		wf  workflow.Workflow
		err error
	)
	if req.Async {
		wf, err = a.svc.StartWorkflowAsync(context.WithoutCancel(r.Context()), callerOf(r), req.Type, req.Input, req.Context)
	} else {
		wf, err = a.svc.StartWorkflow(r.Context(), callerOf(r), req.Type, req.Input, req.Context)
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if req.Async {
		status = http.StatusAccepted
	}
	writeJSON(w, status, wf)
}

func (a *API) listWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ws, err := a.svc.ListWorkflows(workflow.ListFilter{
		Status: workflow.Status(q.Get("status")),
		Type:   q.Get("type"),
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": ws})
}

func (a *API) workflowTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"types": a.svc.WorkflowTypes()})
}

func (a *API) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := a.svc.GetWorkflow(chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (a *API) workflowEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.svc.GetWorkflow(id); err != nil {
		a.fail(w, r, err)
		return
	}
	evs, err := a.svc.WorkflowEvents(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func (a *API) resumeWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := a.svc.ResumeWorkflow(r.Context(), callerOf(r), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (a *API) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := a.svc.CancelWorkflow(r.Context(), callerOf(r), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (a *API) queryAuditEvents(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	evs, err := a.svc.QueryAuditEvents(r.Context(), f)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func (a *API) appendAuditEvent(w http.ResponseWriter, r *http.Request) {
	var ev governance.ExternalEvent
	if err := decode(r, &ev); err != nil {
		a.fail(w, r, err)
		return
	}
	stored, err := a.svc.AppendAuditEvent(r.Context(), callerOf(r), ev)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (a *API) verifyAudit(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.VerifyAuditIntegrity(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) auditStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.svc.AuditStats(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) exportAudit(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = audit.FormatJSONL
	}
	ex, err := a.svc.ExportAuditEvents(r.Context(), f, format)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	switch ex.Format {
	case audit.FormatCSV:
		w.Header().Set("Content-Type", "text/csv")
	case audit.FormatJSONL:
		w.Header().Set("Content-Type", "application/x-ndjson")
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	w.Header().Set("Content-Disposition", `attachment; filename="audit.`+ex.Format+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(ex.Data)
}

func (a *API) getOrgPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.GetOrganizationPolicy())
}

func (a *API) updateOrgPolicy(w http.ResponseWriter, r *http.Request) {
	var patch orgpolicy.Patch
	if err := decode(r, &patch); err != nil {
		a.fail(w, r, err)
		return
	}
	p, err := a.svc.UpdateOrganizationPolicy(r.Context(), callerOf(r), patch)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) listExceptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	writeJSON(w, http.StatusOK, map[string]any{"exceptions": a.svc.ListExceptions(orgpolicy.ExceptionFilter{
		Status:    orgpolicy.ExceptionStatus(q.Get("status")),
		ScopeType: orgpolicy.ScopeType(q.Get("scope_type")),
		ScopeID:   q.Get("scope_id"),
	})})
}

func (a *API) requestException(w http.ResponseWriter, r *http.Request) {
	var req orgpolicy.ExceptionRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	ex, err := a.svc.RequestPolicyException(r.Context(), callerOf(r), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ex)
}

func (a *API) getException(w http.ResponseWriter, r *http.Request) {
	ex, err := a.svc.GetException(chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (a *API) reviewException(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	ex, err := a.svc.ReviewException(r.Context(), callerOf(r), chi.URLParam(r, "id"), req.Approve, req.Notes)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}
