package governance

import (
	"context"
	"strconv"

	"github.com/ppiankov/agentgov/internal/audit"
	"github.com/ppiankov/agentgov/internal/model"
	"github.com/ppiankov/agentgov/internal/policy"
	"github.com/ppiankov/agentgov/internal/redact"
	"github.com/ppiankov/agentgov/internal/risk"
)

// AssessRisk scores an action and records the assessment. An invalid
// context fails fast and records nothing.
func (s *Service) AssessRisk(ctx context.Context, caller model.Principal, c risk.CARSContext, action risk.Action) (risk.RiskAssessment, error) {
	if err := requireCaller("assess risk", caller); err != nil {
		return risk.RiskAssessment{}, err
	}
	c = withCaller(c, caller)
	a, err := s.risk.Assess(c, action)
	if err != nil {
		return risk.RiskAssessment{}, err
	}
	_, err = s.recorder.Append(ctx, audit.Record{
		EventType: audit.EventRiskAssessed,
		Actor:     actorFor(caller),
		Action:    action.Tool,
		Resource:  resourceFor(action),
		RiskLevel: a.RiskLevel.String(),
		Outcome:   a.RiskLevel.String(),
		Details:   assessmentDetails(a),
		Payload:   a,
	})
	return a, err
}

// Reassess produces a new assessment superseding prev.
func (s *Service) Reassess(ctx context.Context, caller model.Principal, prev risk.RiskAssessment, c risk.CARSContext, action risk.Action) (risk.RiskAssessment, error) {
	if err := requireCaller("reassess risk", caller); err != nil {
		return risk.RiskAssessment{}, err
	}
	a, err := s.risk.Reassess(prev, withCaller(c, caller), action)
	if err != nil {
		return risk.RiskAssessment{}, err
	}
	details := assessmentDetails(a)
	details["supersedes"] = prev.ID
	_, err = s.recorder.Append(ctx, audit.Record{
		EventType: audit.EventRiskAssessed,
		Actor:     actorFor(caller),
		Action:    action.Tool,
		Resource:  resourceFor(action),
		RiskLevel: a.RiskLevel.String(),
		Outcome:   a.RiskLevel.String(),
		Details:   details,
		Payload:   a,
	})
	return a, err
}

// ToolCallResult is the combined outcome of a governed tool call.
type ToolCallResult struct {
	Assessment risk.RiskAssessment `json:"assessment"`
	Decision   policy.Decision     `json:"decision"`
	Sequence   uint64              `json:"audit_sequence"`
	// RedactedParams is the action's params with the fields the decision
	// named, and any credential-looking values, masked.
	RedactedParams map[string]string `json:"redacted_params,omitempty"`
}

// Allowed reports whether the call may proceed unattended.
func (r ToolCallResult) Allowed() bool { return r.Decision.Decision == model.Allow }

// EvaluateToolCall assesses an action, evaluates policy against the
// assessment and records one tool_call_evaluated event.
func (s *Service) EvaluateToolCall(ctx context.Context, caller model.Principal, c risk.CARSContext, action risk.Action, workflowID string) (ToolCallResult, error) {
	if err := requireCaller("evaluate tool call", caller); err != nil {
		return ToolCallResult{}, err
	}
	c = withCaller(c, caller)
	a, err := s.risk.Assess(c, action)
	if err != nil {
		return ToolCallResult{}, err
	}

	in := policy.InputFor(a)
	in.WorkflowID = workflowID
	in.Attributes = action.Params
	d := s.policy.Evaluate(in)

	details := assessmentDetails(a)
	decisionInto(details, d)
	ev, err := s.recorder.Append(ctx, audit.Record{
		EventType:  audit.EventToolCallEvaluated,
		Actor:      actorFor(caller),
		Action:     action.Tool,
		Resource:   resourceFor(action),
		RiskLevel:  a.RiskLevel.String(),
		WorkflowID: workflowID,
		Outcome:    string(d.Decision),
		Details:    details,
		Payload:    action,
	})
	if err != nil {
		return ToolCallResult{}, err
	}
	return ToolCallResult{
		Assessment:     a,
		Decision:       d,
		Sequence:       ev.Sequence,
		RedactedParams: redact.Params(action.Params, d.RedactedFields),
	}, nil
}

// RegisterTool adds or replaces a tool's base risk. Assessments already
// in flight keep the matrix snapshot they loaded.
func (s *Service) RegisterTool(ctx context.Context, caller model.Principal, entry risk.ToolRiskEntry) (risk.ToolRiskEntry, error) {
	if err := requireCaller("register tool", caller); err != nil {
		return risk.ToolRiskEntry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.recorder.stage()
	err := s.risk.Matrix().RegisterWith(entry, func(prev risk.ToolRiskEntry, existed bool) error {
		details := map[string]string{"base_level": entry.BaseLevel.String()}
		if existed {
			details["previous_level"] = prev.BaseLevel.String()
		}
		return st.append(ctx, audit.Record{
			EventType: audit.EventToolRegistered,
			Actor:     actorFor(caller),
			Action:    "register_tool",
			Resource:  audit.Resource{Type: "tool", ID: entry.ToolID},
			RiskLevel: entry.BaseLevel.String(),
			Outcome:   "registered",
			Details:   details,
		})
	})
	if err != nil {
		return risk.ToolRiskEntry{}, err
	}
	st.flush(ctx)
	return entry, nil
}

// withCaller binds the context to the authenticated principal. A declared
// user or role never outranks the credential.
func withCaller(c risk.CARSContext, p model.Principal) risk.CARSContext {
	if p.UserID != "" {
		c.UserID = p.UserID
		c.UserRole = p.Role
	}
	return c
}

func resourceFor(a risk.Action) audit.Resource {
	if a.Resource == "" {
		return audit.Resource{Type: "tool", ID: a.Tool}
	}
	return audit.Resource{Type: "resource", ID: a.Resource}
}

func assessmentDetails(a risk.RiskAssessment) map[string]string {
	details := map[string]string{
		"assessment_id": a.ID,
		"base_level":    a.BaseLevel.String(),
		"score":         strconv.Itoa(a.Score),
		"environment":   string(a.Context.Environment),
	}
	if len(a.RequiredSafeguards) > 0 {
		details["safeguards"] = joinSafeguards(a.RequiredSafeguards)
	}
	if len(a.BehaviorFlags) > 0 {
		details["behavior_flags"] = strconv.Itoa(len(a.BehaviorFlags))
	}
	return details
}

func joinSafeguards(gs []risk.Safeguard) string {
	out := ""
	for i, g := range gs {
		if i > 0 {
			out += ","
		}
		out += string(g)
	}
	return out
}
