package agentgov

import (
	"fmt"

	"github.com/ppiankov/agentgov/internal/governance"
	"github.com/ppiankov/agentgov/internal/model"
	"github.com/ppiankov/agentgov/internal/risk"
)

// Decision is the policy outcome for one action.
type Decision string

const (
	Allow           Decision = Decision(model.Allow)
	Deny            Decision = Decision(model.Deny)
	RequireApproval Decision = Decision(model.RequireApproval)
)

// Action describes what a tool intends to do.
type Action struct {
	Tool      string            // tool identifier: "read_file", "delete_database", "external_api_call"
	Resource  string            // target: path, table, URL
	Operation string            // read, write, delete, execute
	Goal      string            // optional: what the agent is trying to achieve
	Params    map[string]string // optional: request attributes visible to policy rules
}

// Context is the situation an action runs in.
type Context struct {
	Environment        string // dev, staging, prod
	DataClassification int    // 1 (public) .. 4 (restricted)
	Scope              string // single-target, multi-target, system-wide
	WorkflowType       string
}

// Result is the server's verdict on one action.
type Result struct {
	Decision       Decision
	RiskLevel      string
	Score          int
	Reason         string
	GoverningRule  string
	Safeguards     []string
	AuditSequence  uint64
	RedactedParams map[string]string
}

// Allowed reports whether the action may run unattended.
func (r Result) Allowed() bool { return r.Decision == Allow }

// BlockedError is returned when the server denies an action or holds it
// for approval.
type BlockedError struct {
	Action        Action
	Decision      Decision
	Reason        string
	RiskLevel     string
	GoverningRule string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("agentgov blocked %s (%s, %s): %s", e.Action.Tool, e.Decision, e.RiskLevel, e.Reason)
}

func blocked(a Action, r Result) *BlockedError {
	return &BlockedError{
		Action:        a,
		Decision:      r.Decision,
		Reason:        r.Reason,
		RiskLevel:     r.RiskLevel,
		GoverningRule: r.GoverningRule,
	}
}

func toInternalAction(a Action) risk.Action {
	return risk.Action{
		Tool:      a.Tool,
		Resource:  a.Resource,
		Operation: a.Operation,
		Goal:      a.Goal,
		Params:    a.Params,
	}
}

func toInternalContext(c Context) risk.CARSContext {
	scope := model.Scope(c.Scope)
	if scope == "" {
		scope = model.ScopeSingle
	}
	return risk.CARSContext{
		Environment:        model.Environment(c.Environment),
		DataClassification: c.DataClassification,
		Scope:              scope,
		WorkflowType:       c.WorkflowType,
	}
}

func toResult(r governance.ToolCallResult) Result {
	out := Result{
		Decision:       Decision(r.Decision.Decision),
		RiskLevel:      r.Assessment.RiskLevel.String(),
		Score:          r.Assessment.Score,
		Reason:         r.Decision.Reason,
		GoverningRule:  r.Decision.GoverningRule,
		AuditSequence:  r.Sequence,
		RedactedParams: r.RedactedParams,
	}
	for _, s := range r.Assessment.RequiredSafeguards {
		out.Safeguards = append(out.Safeguards, string(s))
	}
	return out
}
