package model

import (
	"fmt"
	"strings"
	"time"
)

// RiskLevel is the discrete risk tier that gates agent autonomy.
// Levels are totally ordered; higher is more restricted.
type RiskLevel int

const (
	RiskNone RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskNames = [...]string{"NONE", "LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (l RiskLevel) String() string {
	if l < RiskNone || l > RiskCritical {
		return fmt.Sprintf("RiskLevel(%d)", int(l))
	}
	return riskNames[l]
}

// Valid reports whether l is one of the five defined levels.
func (l RiskLevel) Valid() bool {
	return l >= RiskNone && l <= RiskCritical
}

// Clamp bounds l to [RiskNone, RiskCritical].
func (l RiskLevel) Clamp() RiskLevel {
	if l < RiskNone {
		return RiskNone
	}
	if l > RiskCritical {
		return RiskCritical
	}
	return l
}

// MaxLevel returns the highest of the given levels.
func MaxLevel(levels ...RiskLevel) RiskLevel {
	max := RiskNone
	for _, l := range levels {
		if l > max {
			max = l
		}
	}
	return max
}

// ParseRiskLevel maps a case-insensitive name to a RiskLevel.
func ParseRiskLevel(s string) (RiskLevel, error) {
	for i, name := range riskNames {
		if strings.EqualFold(s, name) {
			return RiskLevel(i), nil
		}
	}
	return RiskNone, fmt.Errorf("unknown risk level %q", s)
}

func (l RiskLevel) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid risk level %d", int(l))
	}
	return []byte(l.String()), nil
}

func (l *RiskLevel) UnmarshalText(b []byte) error {
	parsed, err := ParseRiskLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Autonomy is the operating constraint a risk level imposes on an agent.
type Autonomy string

const (
	AutonomyUnattended Autonomy = "unattended"
	AutonomySupervised Autonomy = "supervised"
	AutonomyApproval   Autonomy = "human_approval"
)

// Autonomy returns the constraint required at level l.
// CRITICAL always requires human approval; NONE runs unattended.
func (l RiskLevel) Autonomy() Autonomy {
	switch {
	case l >= RiskHigh:
		return AutonomyApproval
	case l == RiskMedium:
		return AutonomySupervised
	default:
		return AutonomyUnattended
	}
}

// Decision is the policy enforcement outcome.
type Decision string

const (
	Allow           Decision = "allow"
	Deny            Decision = "deny"
	RequireApproval Decision = "require_approval"
)

// Environment is the deployment environment an action targets.
type Environment string

const (
	EnvDev     Environment = "dev"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
)

// Environments lists the valid environments in ascending order of exposure.
var Environments = []Environment{EnvDev, EnvStaging, EnvProd}

// Scope is the declared blast radius of an action.
type Scope string

const (
	ScopeSingle     Scope = "single-target"
	ScopeMulti      Scope = "multi-target"
	ScopeSystemWide Scope = "system-wide"
)

// Scopes lists the valid scopes in ascending order of blast radius.
var Scopes = []Scope{ScopeSingle, ScopeMulti, ScopeSystemWide}

// Principal is the authenticated caller descriptor supplied by the
// credential-issuance subsystem.
type Principal struct {
	Type   string `json:"type" yaml:"type"` // user | agent | service
	UserID string `json:"user_id" yaml:"user_id"`
	Role   string `json:"role" yaml:"role"`
	Name   string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Clock is the time source used by every component that stamps records.
type Clock func() time.Time

// SystemClock returns the current UTC time.
func SystemClock() time.Time {
	return time.Now().UTC()
}

// Now returns c() or SystemClock() when c is nil.
func (c Clock) Now() time.Time {
	if c == nil {
		return SystemClock()
	}
	return c().UTC()
}
