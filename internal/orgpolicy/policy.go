// Package orgpolicy holds the organization-wide governance document and the
// time-boxed exceptions reviewers grant against it.
package orgpolicy

import (
	"fmt"
	"time"

	"github.com/ppiankov/agentgov/internal/errs"
	"github.com/ppiankov/agentgov/internal/model"
)

// OrganizationPolicy is the singleton configuration consulted when no
// policy rule governs a request.
type OrganizationPolicy struct {
	MaxDataTier                  int             `json:"max_data_tier" yaml:"max_data_tier"`
	RequireApprovalForProduction bool            `json:"require_approval_for_production" yaml:"require_approval_for_production"`
	RequireApprovalAtOrAbove     model.RiskLevel `json:"require_approval_at_or_above" yaml:"require_approval_at_or_above"`
	RetentionDays                int             `json:"retention_days" yaml:"retention_days"`
	ExceptionMaxDays             int             `json:"exception_max_days" yaml:"exception_max_days"`
	Version                      int             `json:"version" yaml:"-"`
	UpdatedAt                    time.Time       `json:"updated_at" yaml:"-"`
	UpdatedBy                    string          `json:"updated_by" yaml:"-"`
}

// Default returns the built-in organization policy.
func Default() OrganizationPolicy {
	return OrganizationPolicy{
		MaxDataTier:                  4,
		RequireApprovalForProduction: true,
		RequireApprovalAtOrAbove:     model.RiskHigh,
		RetentionDays:                365,
		ExceptionMaxDays:             90,
		Version:                      1,
		UpdatedBy:                    "system",
	}
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	MaxDataTier                  *int             `json:"max_data_tier,omitempty"`
	RequireApprovalForProduction *bool            `json:"require_approval_for_production,omitempty"`
	RequireApprovalAtOrAbove     *model.RiskLevel `json:"require_approval_at_or_above,omitempty"`
	RetentionDays                *int             `json:"retention_days,omitempty"`
	ExceptionMaxDays             *int             `json:"exception_max_days,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.MaxDataTier == nil && p.RequireApprovalForProduction == nil &&
		p.RequireApprovalAtOrAbove == nil && p.RetentionDays == nil && p.ExceptionMaxDays == nil
}

func (p OrganizationPolicy) apply(patch Patch) OrganizationPolicy {
	next := p
	if patch.MaxDataTier != nil {
		next.MaxDataTier = *patch.MaxDataTier
	}
	if patch.RequireApprovalForProduction != nil {
		next.RequireApprovalForProduction = *patch.RequireApprovalForProduction
	}
	if patch.RequireApprovalAtOrAbove != nil {
		next.RequireApprovalAtOrAbove = *patch.RequireApprovalAtOrAbove
	}
	if patch.RetentionDays != nil {
		next.RetentionDays = *patch.RetentionDays
	}
	if patch.ExceptionMaxDays != nil {
		next.ExceptionMaxDays = *patch.ExceptionMaxDays
	}
	return next
}

// Validate checks the document's ranges.
func (p OrganizationPolicy) Validate() error {
	var violations []string
	if p.MaxDataTier < 1 || p.MaxDataTier > 4 {
		violations = append(violations, fmt.Sprintf("max_data_tier %d must be between 1 and 4", p.MaxDataTier))
	}
	if !p.RequireApprovalAtOrAbove.Valid() {
		violations = append(violations, fmt.Sprintf("require_approval_at_or_above %d is not a risk level", p.RequireApprovalAtOrAbove))
	}
	if p.RetentionDays < 1 {
		violations = append(violations, "retention_days must be at least 1")
	}
	if p.ExceptionMaxDays < 1 {
		violations = append(violations, "exception_max_days must be at least 1")
	}
	if len(violations) > 0 {
		return errs.Validation("invalid organization policy", violations...)
	}
	return nil
}
