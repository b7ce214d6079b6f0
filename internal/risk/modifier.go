package risk

import (
	"fmt"
	"strings"

	"github.com/ppiankov/agentgov/internal/model"
)

// Modifier deltas are clamped to this range before being applied to the base level.
const (
	MinContextDelta = -2
	MaxContextDelta = 2
)

// Adjustment is a signed risk delta with a human-readable reason.
type Adjustment struct {
	Factor string
	Delta  int
	Reason string
}

// ContextModifier computes a risk adjustment from situational context.
type ContextModifier interface {
	Name() string
	Adjust(c CARSContext, a Action) Adjustment
}

// DefaultModifiers returns the built-in modifier set in evaluation order.
func DefaultModifiers() []ContextModifier {
	return []ContextModifier{
		EnvironmentModifier{},
		ClassificationModifier{},
		ScopeModifier{},
		FailureHistoryModifier{Threshold: 3},
		RoleModifier{Untrusted: []string{"", "guest", "anonymous"}},
	}
}

// EnvironmentModifier lowers risk in dev and raises it in prod.
type EnvironmentModifier struct{}

func (EnvironmentModifier) Name() string { return "environment" }

func (EnvironmentModifier) Adjust(c CARSContext, _ Action) Adjustment {
	switch c.Environment {
	case model.EnvDev:
		return Adjustment{Factor: "environment", Delta: -1, Reason: "development environment"}
	case model.EnvProd:
		return Adjustment{Factor: "environment", Delta: 1, Reason: "production environment"}
	default:
		return Adjustment{Factor: "environment", Reason: fmt.Sprintf("%s environment", c.Environment)}
	}
}

// ClassificationModifier raises risk for confidential (3) and restricted (4) data.
type ClassificationModifier struct{}

func (ClassificationModifier) Name() string { return "data_classification" }

func (ClassificationModifier) Adjust(c CARSContext, _ Action) Adjustment {
	if c.DataClassification >= 3 {
		return Adjustment{
			Factor: "data_classification",
			Delta:  1,
			Reason: fmt.Sprintf("data classification %d", c.DataClassification),
		}
	}
	return Adjustment{Factor: "data_classification", Reason: fmt.Sprintf("data classification %d", c.DataClassification)}
}

// ScopeModifier raises risk for system-wide actions.
type ScopeModifier struct{}

func (ScopeModifier) Name() string { return "scope" }

func (ScopeModifier) Adjust(c CARSContext, _ Action) Adjustment {
	if c.Scope == model.ScopeSystemWide {
		return Adjustment{Factor: "scope", Delta: 1, Reason: "system-wide blast radius"}
	}
	return Adjustment{Factor: "scope", Reason: string(c.Scope)}
}

// FailureHistoryModifier raises risk for users with repeated recent failures.
type FailureHistoryModifier struct {
	Threshold int
}

func (FailureHistoryModifier) Name() string { return "user_history" }

func (m FailureHistoryModifier) Adjust(c CARSContext, _ Action) Adjustment {
	if m.Threshold > 0 && c.UserFailureHistory >= m.Threshold {
		return Adjustment{
			Factor: "user_history",
			Delta:  1,
			Reason: fmt.Sprintf("%d recent failures", c.UserFailureHistory),
		}
	}
	return Adjustment{Factor: "user_history", Reason: "no significant failure history"}
}

// RoleModifier raises risk for untrusted roles.
type RoleModifier struct {
	Untrusted []string
}

func (RoleModifier) Name() string { return "user_role" }

func (m RoleModifier) Adjust(c CARSContext, _ Action) Adjustment {
	for _, r := range m.Untrusted {
		if strings.EqualFold(r, c.UserRole) {
			role := c.UserRole
			if role == "" {
				role = "unspecified"
			}
			return Adjustment{Factor: "user_role", Delta: 1, Reason: "untrusted role " + role}
		}
	}
	return Adjustment{Factor: "user_role", Reason: "role " + c.UserRole}
}

func clampDelta(delta int) int {
	if delta < MinContextDelta {
		return MinContextDelta
	}
	if delta > MaxContextDelta {
		return MaxContextDelta
	}
	return delta
}
