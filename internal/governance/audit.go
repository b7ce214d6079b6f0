package governance

import (
	"context"

	"github.com/ppiankov/agentgov/internal/audit"
	"github.com/ppiankov/agentgov/internal/errs"
	"github.com/ppiankov/agentgov/internal/model"
	"github.com/ppiankov/agentgov/internal/redact"
)

// ExternalEvent is a governance event reported by a collaborator.
type ExternalEvent struct {
	EventType  string            `json:"event_type,omitempty"`
	Action     string            `json:"action"`
	Resource   audit.Resource    `json:"resource"`
	RiskLevel  string            `json:"risk_level,omitempty"`
	WorkflowID string            `json:"workflow_id,omitempty"`
	Outcome    string            `json:"outcome,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	Payload    any               `json:"payload,omitempty"`
}

// AppendAuditEvent records an external event. The actor is always the
// authenticated caller; the event type defaults to "external" and may not
// impersonate an event the service records itself. A risk level, when
// given, must be one of the five known levels and is stored canonically.
func (s *Service) AppendAuditEvent(ctx context.Context, caller model.Principal, ev ExternalEvent) (audit.Event, error) {
	if err := requireCaller("append audit event", caller); err != nil {
		return audit.Event{}, err
	}
	riskLevel := ev.RiskLevel
	if riskLevel != "" {
		lvl, err := model.ParseRiskLevel(riskLevel)
		if err != nil {
			return audit.Event{}, errs.Validation("append audit event", err.Error())
		}
		riskLevel = lvl.String()
	}
	typ := audit.EventType(ev.EventType)
	details := redact.Details(ev.Details)
	if typ == "" || reserved(typ) {
		if typ != "" {
			details = cloneWith(details, "reported_type", string(typ))
		}
		typ = audit.EventExternal
	}
	return s.recorder.Append(ctx, audit.Record{
		EventType:  typ,
		Actor:      actorFor(caller),
		Action:     ev.Action,
		Resource:   ev.Resource,
		RiskLevel:  riskLevel,
		WorkflowID: ev.WorkflowID,
		Outcome:    ev.Outcome,
		Details:    details,
		Payload:    ev.Payload,
	})
}

// QueryAuditEvents returns matching events in sequence order.
func (s *Service) QueryAuditEvents(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	return s.audit.Query(ctx, f)
}

// WorkflowEvents returns the audit trail of one workflow.
func (s *Service) WorkflowEvents(ctx context.Context, workflowID string) ([]audit.Event, error) {
	return s.audit.WorkflowEvents(ctx, workflowID)
}

// AuditStats summarises the stored event stream.
func (s *Service) AuditStats(ctx context.Context) (audit.Stats, error) {
	return s.audit.Stats(ctx)
}

// ExportAuditEvents encodes matching events as json, jsonl or csv.
func (s *Service) ExportAuditEvents(ctx context.Context, f audit.Filter, format string) (audit.Export, error) {
	return s.audit.Export(ctx, f, format)
}

// VerifyAuditIntegrity walks the whole chain. A broken chain is returned
// both as the result and as an IntegrityError, and the configured
// notifier is told.
func (s *Service) VerifyAuditIntegrity(ctx context.Context) (audit.VerifyResult, error) {
	res, err := s.audit.Verify(ctx)
	if err != nil {
		return res, err
	}
	if !res.Valid && s.integrity != nil {
		s.integrity.IntegrityFailure(res, s.clock.Now())
	}
	return res, res.Err()
}

// AuditTip returns the last sequence and hash.
func (s *Service) AuditTip() (uint64, string) { return s.audit.Tip() }

var reservedTypes = map[audit.EventType]bool{
	audit.EventRiskAssessed:             true,
	audit.EventPolicyEvaluated:          true,
	audit.EventToolCallEvaluated:        true,
	audit.EventToolRegistered:           true,
	audit.EventWorkflowStarted:          true,
	audit.EventStageCompleted:           true,
	audit.EventWorkflowAwaitingApproval: true,
	audit.EventWorkflowResumed:          true,
	audit.EventWorkflowCompleted:        true,
	audit.EventWorkflowFailed:           true,
	audit.EventWorkflowCancelled:        true,
	audit.EventWorkflowExpired:          true,
	audit.EventRuleCreated:              true,
	audit.EventRuleUpdated:              true,
	audit.EventRuleEnabled:              true,
	audit.EventRuleDisabled:             true,
	audit.EventRuleDeleted:              true,
	audit.EventRulesReloaded:            true,
	audit.EventOrgPolicyUpdated:         true,
	audit.EventExceptionRequested:       true,
	audit.EventExceptionReviewed:        true,
}

func reserved(t audit.EventType) bool { return reservedTypes[t] }

func cloneWith(m map[string]string, k, v string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for mk, mv := range m {
		out[mk] = mv
	}
	out[k] = v
	return out
}
