package risk

import (
	"fmt"
	"time"

	"github.com/ppiankov/agentgov/internal/errs"
	"github.com/ppiankov/agentgov/internal/model"
)

// CARSContext is the situational context of one assessment. It is built from
// the caller's authenticated identity and the action's declared blast radius.
type CARSContext struct {
	Environment        model.Environment `json:"environment"`
	DataClassification int               `json:"data_classification"` // 1 (public) .. 4 (restricted)
	Scope              model.Scope       `json:"scope"`
	UserID             string            `json:"user_id"`
	UserRole           string            `json:"user_role,omitempty"`
	WorkflowType       string            `json:"workflow_type,omitempty"`
	UserFailureHistory int               `json:"user_failure_history"`
}

// ContextFor builds a context for principal p.
func ContextFor(p model.Principal, env model.Environment, classification int, scope model.Scope) CARSContext {
	return CARSContext{
		Environment:        env,
		DataClassification: classification,
		Scope:              scope,
		UserID:             p.UserID,
		UserRole:           p.Role,
	}
}

// Validate rejects a context missing a required field. Fails fast: no
// assessment is produced for an invalid context.
func (c CARSContext) Validate() error {
	var violations []string
	if !validEnvironment(c.Environment) {
		violations = append(violations, fmt.Sprintf("environment %q must be one of dev, staging, prod", c.Environment))
	}
	if c.DataClassification < 1 || c.DataClassification > 4 {
		violations = append(violations, fmt.Sprintf("data_classification %d must be between 1 and 4", c.DataClassification))
	}
	if !validScope(c.Scope) {
		violations = append(violations, fmt.Sprintf("scope %q must be one of single-target, multi-target, system-wide", c.Scope))
	}
	if c.UserID == "" {
		violations = append(violations, "user_id is required")
	}
	if c.UserFailureHistory < 0 {
		violations = append(violations, "user_failure_history must not be negative")
	}
	if len(violations) > 0 {
		return errs.Validation("invalid context", violations...)
	}
	return nil
}

func validEnvironment(env model.Environment) bool {
	for _, e := range model.Environments {
		if e == env {
			return true
		}
	}
	return false
}

func validScope(scope model.Scope) bool {
	for _, s := range model.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Action is a proposed tool invocation together with the evidence the
// behaviour detectors inspect.
type Action struct {
	Tool           string              `json:"tool"`
	Resource       string              `json:"resource,omitempty"`
	Operation      string              `json:"operation,omitempty"` // read | write | delete | execute
	Goal           string              `json:"goal,omitempty"`
	ClaimsComplete bool                `json:"claims_complete,omitempty"`
	OutputDigest   string              `json:"output_digest,omitempty"`
	SkippedChecks  []string            `json:"skipped_checks,omitempty"`
	History        []ActionRecord      `json:"history,omitempty"`
	Metrics        []MetricObservation `json:"metrics,omitempty"`
	Params         map[string]string   `json:"params,omitempty"`
}

// ActionRecord is one earlier iteration of the same agent task.
type ActionRecord struct {
	Tool            string    `json:"tool"`
	OutputDigest    string    `json:"output_digest,omitempty"`
	ClaimedComplete bool      `json:"claimed_complete,omitempty"`
	Failed          bool      `json:"failed,omitempty"`
	At              time.Time `json:"at"`
}

// MetricKind separates the measured proxy from the true-objective quality signals.
type MetricKind string

const (
	MetricProxy   MetricKind = "proxy"
	MetricQuality MetricKind = "quality"
)

// MetricObservation is a before/after reading of one metric across an iteration.
type MetricObservation struct {
	Name           string     `json:"name"`
	Kind           MetricKind `json:"kind"`
	Before         float64    `json:"before"`
	After          float64    `json:"after"`
	HigherIsBetter bool       `json:"higher_is_better"`
}

// Improvement returns the relative change in the metric's good direction.
// Positive means better. A zero baseline falls back to the absolute change.
func (m MetricObservation) Improvement() float64 {
	delta := m.After - m.Before
	if !m.HigherIsBetter {
		delta = -delta
	}
	base := m.Before
	if base < 0 {
		base = -base
	}
	if base == 0 {
		return delta
	}
	return delta / base
}

func (a Action) clone() Action {
	out := a
	out.SkippedChecks = append([]string(nil), a.SkippedChecks...)
	out.History = append([]ActionRecord(nil), a.History...)
	out.Metrics = append([]MetricObservation(nil), a.Metrics...)
	if a.Params != nil {
		out.Params = make(map[string]string, len(a.Params))
		for k, v := range a.Params {
			out.Params[k] = v
		}
	}
	return out
}
