package risk

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ppiankov/agentgov/internal/errs"
	"github.com/ppiankov/agentgov/internal/model"
)

// Safeguard is a control required before an action may proceed.
type Safeguard string

const (
	SafeguardApproval     Safeguard = "approval"
	SafeguardRedaction    Safeguard = "redaction"
	SafeguardRollbackPlan Safeguard = "rollback-plan"
	SafeguardRateLimit    Safeguard = "rate-limit"
)

// SafeguardsFor derives the required safeguards from a final risk level.
func SafeguardsFor(level model.RiskLevel) []Safeguard {
	switch {
	case level >= model.RiskCritical:
		return []Safeguard{SafeguardApproval, SafeguardRedaction, SafeguardRollbackPlan, SafeguardRateLimit}
	case level == model.RiskHigh:
		return []Safeguard{SafeguardApproval, SafeguardRedaction}
	case level == model.RiskMedium:
		return []Safeguard{SafeguardRedaction}
	default:
		return []Safeguard{}
	}
}

// Factor is one contributor to an assessment, in evaluation order.
type Factor struct {
	Factor       string  `json:"factor"`
	Weight       float64 `json:"weight"`
	Contribution int     `json:"contribution"`
	Reason       string  `json:"reason,omitempty"`
}

// RiskAssessment is the immutable result of one Assess call. A re-evaluation
// produces a new assessment whose SupersedesID points at the prior one.
type RiskAssessment struct {
	ID                  string          `json:"id"`
	Timestamp           time.Time       `json:"timestamp"`
	Tool                string          `json:"tool"`
	Action              Action          `json:"action"`
	Context             CARSContext     `json:"context"`
	BaseLevel           model.RiskLevel `json:"base_level"`
	RiskLevel           model.RiskLevel `json:"risk_level"`
	Score               int             `json:"score"`
	ContributingFactors []Factor        `json:"contributing_factors"`
	RequiredSafeguards  []Safeguard     `json:"required_safeguards"`
	BehaviorFlags       []Finding       `json:"behavior_flags,omitempty"`
	SupersedesID        string          `json:"supersedes_id,omitempty"`
}

// Requires reports whether s is among the required safeguards.
func (a RiskAssessment) Requires(s Safeguard) bool {
	for _, have := range a.RequiredSafeguards {
		if have == s {
			return true
		}
	}
	return false
}

// Engine is the context-aware risk scoring engine. Assess is a pure
// computation and safe for concurrent use.
type Engine struct {
	matrix    *Matrix
	modifiers []ContextModifier
	detectors []Detector
	clock     model.Clock
	newID     func() string
	logger    zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithModifiers replaces the default context modifiers.
func WithModifiers(mods ...ContextModifier) Option {
	return func(e *Engine) { e.modifiers = mods }
}

// WithDetectors replaces the default behaviour detectors.
func WithDetectors(dets ...Detector) Option {
	return func(e *Engine) { e.detectors = dets }
}

// WithClock sets the time source.
func WithClock(c model.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithIDGenerator overrides assessment id generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// NewEngine creates an engine over matrix with the default modifiers and
// both behaviour detectors.
func NewEngine(matrix *Matrix, opts ...Option) *Engine {
	if matrix == nil {
		matrix = DefaultMatrix()
	}
	e := &Engine{
		matrix:    matrix,
		modifiers: DefaultModifiers(),
		detectors: []Detector{
			DeceptiveComplianceDetector(DefaultConfidenceThreshold),
			RewardHackingDetector(DefaultRewardHackingConfig()),
		},
		newID:  uuid.NewString,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Matrix returns the engine's tool matrix.
func (e *Engine) Matrix() *Matrix { return e.matrix }

// Assess scores action in context c.
//
// Composition is escalation-only:
//  1. base level from the matrix (unknown tool => HIGH)
//  2. context modifiers, summed and clamped
//  3. behaviour detectors, each suggesting a minimum level
//  4. final = max(base, base+delta, detector levels)
func (e *Engine) Assess(c CARSContext, action Action) (RiskAssessment, error) {
	if err := c.Validate(); err != nil {
		return RiskAssessment{}, err
	}
	if action.Tool == "" {
		return RiskAssessment{}, errs.Validation("invalid action", "tool is required")
	}

	var factors []Factor

	// Step 1: base level
	base := UnknownToolLevel
	if entry, ok := e.matrix.Lookup(action.Tool); ok {
		base = entry.BaseLevel
		factors = append(factors, Factor{
			Factor:       "tool:" + action.Tool,
			Weight:       1,
			Contribution: int(base),
			Reason:       fmt.Sprintf("base level %s", base),
		})
	} else {
		factors = append(factors, Factor{
			Factor:       "unknown_tool",
			Weight:       1,
			Contribution: int(base),
			Reason:       fmt.Sprintf("tool %q not in risk matrix, defaulting to %s", action.Tool, base),
		})
	}

	// Step 2: context modifiers
	delta := 0
	for _, m := range e.modifiers {
		adj := m.Adjust(c, action)
		delta += adj.Delta
		name := adj.Factor
		if name == "" {
			name = m.Name()
		}
		factors = append(factors, Factor{
			Factor:       name,
			Weight:       float64(adj.Delta),
			Contribution: adj.Delta,
			Reason:       adj.Reason,
		})
	}
	contextLevel := (base + model.RiskLevel(clampDelta(delta))).Clamp()

	// Step 3: behaviour detectors
	levels := []model.RiskLevel{base, contextLevel}
	var flags []Finding
	for _, d := range e.detectors {
		finding, err := e.runDetector(d, c, action)
		if err != nil {
			e.logger.Warn().Err(err).Str("detector", d.Name()).Str("tool", action.Tool).
				Msg("detector unavailable, assuming elevated risk")
			levels = append(levels, model.RiskHigh)
			factors = append(factors, Factor{
				Factor:       "detector_unavailable:" + d.Name(),
				Weight:       1,
				Contribution: int(model.RiskHigh),
				Reason:       err.Error(),
			})
			continue
		}
		for _, m := range finding.IndicatorsMatched {
			factors = append(factors, Factor{
				Factor: "indicator:" + m.ID,
				Weight: m.Weight,
				Reason: m.Description,
			})
		}
		if finding.RecommendedAction == RecommendNone {
			continue
		}
		flags = append(flags, finding)
		levels = append(levels, finding.SuggestedLevel)
		factors = append(factors, Factor{
			Factor:       "detector:" + d.Name(),
			Weight:       finding.Confidence,
			Contribution: int(finding.SuggestedLevel),
			Reason:       fmt.Sprintf("%s recommends %s", d.Name(), finding.RecommendedAction),
		})
	}

	// Step 4: escalation-only composition
	final := model.MaxLevel(levels...).Clamp()

	return RiskAssessment{
		ID:                  e.newID(),
		Timestamp:           e.clock.Now(),
		Tool:                action.Tool,
		Action:              action.clone(),
		Context:             c,
		BaseLevel:           base,
		RiskLevel:           final,
		Score:               score(final, factors),
		ContributingFactors: factors,
		RequiredSafeguards:  SafeguardsFor(final),
		BehaviorFlags:       flags,
	}, nil
}

// Reassess evaluates the action again, producing a new assessment linked to prev.
func (e *Engine) Reassess(prev RiskAssessment, c CARSContext, action Action) (RiskAssessment, error) {
	next, err := e.Assess(c, action)
	if err != nil {
		return RiskAssessment{}, err
	}
	next.SupersedesID = prev.ID
	return next, nil
}

// runDetector converts detector errors and panics into DetectorUnavailableError.
func (e *Engine) runDetector(d Detector, c CARSContext, a Action) (f Finding, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errs.DetectorUnavailableError{Detector: d.Name(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	f, err = d.Detect(c, a)
	if err != nil {
		return Finding{}, &errs.DetectorUnavailableError{Detector: d.Name(), Err: err}
	}
	return f, nil
}

// score maps a level and its factors onto [0,100]. Each level owns a band of
// 20 points; the positive factor weight places the assessment inside it.
// Used for trends only, never for gating.
func score(level model.RiskLevel, factors []Factor) int {
	positive := 0.0
	for _, f := range factors[1:] {
		if f.Weight > 0 {
			positive += f.Weight
		}
	}
	norm := positive / (positive + 2)

	band := 19.0
	if level == model.RiskCritical {
		band = 20.0
	}
	s := int(level)*20 + int(band*norm)
	if s > 100 {
		s = 100
	}
	return s
}

func matchesAny(patterns []string, value string) bool {
	if value == "" {
		return false
	}
	for _, p := range patterns {
		if model.MatchPattern(p, value) {
			return true
		}
	}
	return false
}
