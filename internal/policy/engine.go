package policy

import "github.com/ppiankov/agentgov/internal/orgpolicy"

// Engine evaluates requests against the live rule store and organization
// policy. Each call reads one consistent snapshot of both.
type Engine struct {
	rules *RuleStore
	org   *orgpolicy.Store
}

// NewEngine creates an engine. A nil org store uses orgpolicy.Default().
func NewEngine(rules *RuleStore, org *orgpolicy.Store) *Engine {
	if rules == nil {
		rules = NewRuleStore()
	}
	if org == nil {
		org = orgpolicy.NewStore()
	}
	return &Engine{rules: rules, org: org}
}

// Rules returns the engine's rule store.
func (e *Engine) Rules() *RuleStore { return e.rules }

// Evaluate evaluates in against the current snapshot.
func (e *Engine) Evaluate(in Input) Decision {
	return Evaluate(in, e.rules.Snapshot(), e.org.Policy(), e.org.ActiveExceptions())
}
