package policy

import (
	"strings"

	"github.com/ppiankov/agentgov/internal/risk"
)

// Input is one policy evaluation request. Assessment is optional; without
// it the risk_level and risk_score fields are absent.
type Input struct {
	Tool       string              `json:"tool"`
	Resource   string              `json:"resource,omitempty"`
	Operation  string              `json:"operation,omitempty"`
	Context    risk.CARSContext    `json:"context"`
	WorkflowID string              `json:"workflow_id,omitempty"`
	Stage      string              `json:"stage,omitempty"`
	Assessment *risk.RiskAssessment `json:"assessment,omitempty"`
	Attributes map[string]string   `json:"attributes,omitempty"`
}

// InputFor builds an input from an assessment, copying tool and context.
func InputFor(a risk.RiskAssessment) Input {
	return Input{
		Tool:       a.Tool,
		Resource:   a.Action.Resource,
		Operation:  a.Action.Operation,
		Context:    a.Context,
		Assessment: &a,
	}
}

func (in Input) resolve(field string) (value, bool) {
	present := func(s string) (value, bool) {
		if s == "" {
			return value{}, false
		}
		return stringValue(s), true
	}

	switch field {
	case "tool":
		return present(in.Tool)
	case "resource":
		return present(in.Resource)
	case "operation":
		return present(in.Operation)
	case "user_id":
		return present(in.Context.UserID)
	case "user_role":
		return present(in.Context.UserRole)
	case "workflow_type":
		return present(in.Context.WorkflowType)
	case "workflow_id":
		return present(in.WorkflowID)
	case "stage":
		return present(in.Stage)
	case "environment":
		return enumValue(environmentDomain, string(in.Context.Environment))
	case "scope":
		return enumValue(scopeDomain, string(in.Context.Scope))
	case "risk_level":
		if in.Assessment == nil {
			return value{}, false
		}
		return enumValue(riskDomain, in.Assessment.RiskLevel.String())
	case "data_classification":
		if in.Context.DataClassification == 0 {
			return value{}, false
		}
		return numberValue(float64(in.Context.DataClassification)), true
	case "risk_score":
		if in.Assessment == nil {
			return value{}, false
		}
		return numberValue(float64(in.Assessment.Score)), true
	case "user_failure_history":
		return numberValue(float64(in.Context.UserFailureHistory)), true
	}

	if name, ok := strings.CutPrefix(field, AttributePrefix); ok {
		v, ok := in.Attributes[name]
		if !ok {
			return value{}, false
		}
		return attributeValue(v), true
	}
	return value{}, false
}
