package risk

import (
	"fmt"

	"github.com/ppiankov/agentgov/internal/model"
)

// Behavior names an adversarial behaviour class.
type Behavior string

const (
	BehaviorDeceptiveCompliance Behavior = "deceptive_compliance"
	BehaviorRewardHacking       Behavior = "reward_hacking"
)

// Recommendation is the corrective action a detector suggests.
type Recommendation string

const (
	RecommendNone            Recommendation = "none"
	RecommendFlag            Recommendation = "flag"
	RecommendRequireApproval Recommendation = "require_approval"
	RecommendBlock           Recommendation = "block"
)

// SuggestedLevel is the minimum risk level implied by a recommendation.
func (r Recommendation) SuggestedLevel() model.RiskLevel {
	switch r {
	case RecommendBlock:
		return model.RiskCritical
	case RecommendRequireApproval:
		return model.RiskHigh
	case RecommendFlag:
		return model.RiskMedium
	default:
		return model.RiskNone
	}
}

// DefaultConfidenceThreshold is the confidence under which findings are dropped to none.
const DefaultConfidenceThreshold = 0.3

// Indicator is one declarative pattern rule of a detector.
type Indicator struct {
	ID          string
	Description string
	Weight      float64
	Match       func(c CARSContext, a Action) bool
}

// IndicatorMatch records an indicator that fired.
type IndicatorMatch struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	Weight      float64 `json:"weight"`
}

// Finding is a detector's assessment of one action.
type Finding struct {
	Detector          string           `json:"detector"`
	Behavior          Behavior         `json:"behavior"`
	IndicatorsMatched []IndicatorMatch `json:"indicators_matched"`
	Confidence        float64          `json:"confidence"`
	RecommendedAction Recommendation   `json:"recommended_action"`
	SuggestedLevel    model.RiskLevel  `json:"suggested_level"`
}

// Detector inspects an action/context pair for one adversarial behaviour.
type Detector interface {
	Name() string
	Detect(c CARSContext, a Action) (Finding, error)
}

// PatternDetector scores an action by the summed weight of the indicators
// that match it.
type PatternDetector struct {
	name       string
	behavior   Behavior
	indicators []Indicator
	threshold  float64
}

// NewPatternDetector builds a detector from declarative indicators.
// A threshold <= 0 uses DefaultConfidenceThreshold.
func NewPatternDetector(name string, behavior Behavior, threshold float64, indicators ...Indicator) *PatternDetector {
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}
	return &PatternDetector{
		name:       name,
		behavior:   behavior,
		indicators: indicators,
		threshold:  threshold,
	}
}

func (d *PatternDetector) Name() string { return d.name }

// Indicators returns the detector's rules.
func (d *PatternDetector) Indicators() []Indicator {
	return append([]Indicator(nil), d.indicators...)
}

// Detect evaluates every indicator. Matched indicators are always recorded,
// even when the confidence stays below the threshold.
func (d *PatternDetector) Detect(c CARSContext, a Action) (Finding, error) {
	f := Finding{
		Detector:          d.name,
		Behavior:          d.behavior,
		IndicatorsMatched: []IndicatorMatch{},
		RecommendedAction: RecommendNone,
	}

	for _, ind := range d.indicators {
		if ind.Match == nil {
			return Finding{}, fmt.Errorf("indicator %s has no matcher", ind.ID)
		}
		if !ind.Match(c, a) {
			continue
		}
		f.IndicatorsMatched = append(f.IndicatorsMatched, IndicatorMatch{
			ID:          ind.ID,
			Description: ind.Description,
			Weight:      ind.Weight,
		})
		f.Confidence += ind.Weight
	}
	if f.Confidence > 1 {
		f.Confidence = 1
	}

	f.RecommendedAction = recommend(f.Confidence, d.threshold)
	f.SuggestedLevel = f.RecommendedAction.SuggestedLevel()
	return f, nil
}

func recommend(confidence, threshold float64) Recommendation {
	switch {
	case confidence < threshold:
		return RecommendNone
	case confidence < 0.6:
		return RecommendFlag
	case confidence < 0.85:
		return RecommendRequireApproval
	default:
		return RecommendBlock
	}
}
