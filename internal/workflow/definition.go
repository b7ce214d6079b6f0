package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ppiankov/agentgov/internal/errs"
	"github.com/ppiankov/agentgov/internal/risk"
)

// StageContext is what a stage handler sees.
type StageContext struct {
	WorkflowID   string               `json:"workflow_id"`
	WorkflowType string               `json:"workflow_type"`
	Stage        string               `json:"stage"`
	Input        map[string]string    `json:"input,omitempty"`
	Artifacts    map[string]string    `json:"artifacts,omitempty"`
	Context      risk.CARSContext     `json:"context"`
	Assessment   *risk.RiskAssessment `json:"assessment,omitempty"`
}

// StageOutput is a handler's result. Artifacts are merged into the
// workflow and visible to later stages.
type StageOutput struct {
	Artifacts  map[string]string `json:"artifacts,omitempty"`
	TokensUsed int               `json:"tokens_used,omitempty"`
}

// StageHandler performs the work of one stage. The engine does not
// interrupt a running handler; ctx is passed through for the handler's own
// cancellation.
type StageHandler interface {
	Execute(ctx context.Context, sc StageContext) (StageOutput, error)
}

// HandlerFunc adapts a function to StageHandler.
type HandlerFunc func(ctx context.Context, sc StageContext) (StageOutput, error)

func (f HandlerFunc) Execute(ctx context.Context, sc StageContext) (StageOutput, error) {
	return f(ctx, sc)
}

// NoopHandler completes immediately, recording the stage name as an artifact.
// It stands in for stages whose work is done by an external agent runtime.
var NoopHandler = HandlerFunc(func(_ context.Context, sc StageContext) (StageOutput, error) {
	return StageOutput{Artifacts: map[string]string{sc.Stage: "done"}}, nil
})

// StageDefinition declares one stage and the tool whose risk gates it.
type StageDefinition struct {
	Name        string       `json:"name"`
	Tool        string       `json:"tool"`
	Operation   string       `json:"operation,omitempty"`
	Description string       `json:"description,omitempty"`
	Handler     StageHandler `json:"-"`
}

// Definition is a named, ordered list of stages.
type Definition struct {
	Type        string            `json:"type"`
	Description string            `json:"description,omitempty"`
	Stages      []StageDefinition `json:"stages"`
	// ApprovalExpiry cancels a workflow left awaiting approval this long.
	// Zero defers to the engine default.
	ApprovalExpiry time.Duration `json:"approval_expiry,omitempty"`
}

func (d Definition) validate() error {
	var v []string
	if d.Type == "" {
		v = append(v, "type is required")
	}
	if len(d.Stages) == 0 {
		v = append(v, "stages must not be empty")
	}
	seen := make(map[string]bool)
	for i, s := range d.Stages {
		switch {
		case s.Name == "":
			v = append(v, fmt.Sprintf("stages[%d]: name is required", i))
		case seen[s.Name]:
			v = append(v, fmt.Sprintf("stages[%d]: duplicate stage %q", i, s.Name))
		}
		seen[s.Name] = true
		if s.Tool == "" {
			v = append(v, fmt.Sprintf("stages[%d]: tool is required", i))
		}
	}
	if len(v) > 0 {
		return errs.Validation("workflow definition", v...)
	}
	return nil
}

func (d Definition) stage(name string) (int, bool) {
	for i, s := range d.Stages {
		if s.Name == name {
			return i, true
		}
	}
	return -1, false
}

// Registry holds workflow definitions by type.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry returns a registry holding defs.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]Definition)}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds or replaces a definition. Stages without a handler use
// NoopHandler.
func (r *Registry) Register(d Definition) error {
	if err := d.validate(); err != nil {
		return err
	}
	stages := make([]StageDefinition, len(d.Stages))
	copy(stages, d.Stages)
	for i := range stages {
		if stages[i].Handler == nil {
			stages[i].Handler = NoopHandler
		}
	}
	d.Stages = stages

	r.mu.Lock()
	r.defs[d.Type] = d
	r.mu.Unlock()
	return nil
}

// Get returns the definition for typ.
func (r *Registry) Get(typ string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[typ]
	if !ok {
		return Definition{}, errs.NotFound("workflow type", typ)
	}
	return d, nil
}

// Types returns registered types in order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Handlers binds stage names to handlers for the built-in definitions.
type Handlers map[string]StageHandler

// DesignToCode turns a design artifact into a reviewed pull request.
func DesignToCode(h Handlers) Definition {
	return Definition{
		Type:        "design-to-code",
		Description: "implement a design document as code",
		Stages: []StageDefinition{
			{Name: "read_design", Tool: "read_design", Operation: "read", Description: "load the design artifact", Handler: h["read_design"]},
			{Name: "generate_code", Tool: "generate_code", Operation: "write", Description: "write the implementation", Handler: h["generate_code"]},
			{Name: "run_tests", Tool: "run_tests", Operation: "execute", Description: "run the test suite", Handler: h["run_tests"]},
			{Name: "create_pull_request", Tool: "create_pull_request", Operation: "write", Description: "open the pull request", Handler: h["create_pull_request"]},
		},
	}
}

// TicketToPR turns a tracker ticket into a pull request.
func TicketToPR(h Handlers) Definition {
	return Definition{
		Type:        "ticket-to-pr",
		Description: "resolve a ticket with a pull request",
		Stages: []StageDefinition{
			{Name: "fetch_ticket", Tool: "fetch_ticket", Operation: "read", Description: "load the ticket", Handler: h["fetch_ticket"]},
			{Name: "analyze", Tool: "search_code", Operation: "read", Description: "locate the affected code", Handler: h["analyze"]},
			{Name: "generate_code", Tool: "generate_code", Operation: "write", Description: "write the fix", Handler: h["generate_code"]},
			{Name: "run_tests", Tool: "run_tests", Operation: "execute", Description: "run the test suite", Handler: h["run_tests"]},
			{Name: "create_pull_request", Tool: "create_pull_request", Operation: "write", Description: "open the pull request", Handler: h["create_pull_request"]},
		},
	}
}

// DefaultRegistry holds the built-in definitions with the given handlers.
func DefaultRegistry(h Handlers) *Registry {
	r, _ := NewRegistry(DesignToCode(h), TicketToPR(h))
	return r
}
