package orgpolicy

import (
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/agentgov/internal/errs"
)

// ScopeType is what a PolicyException applies to.
type ScopeType string

const (
	ScopePolicy   ScopeType = "policy"
	ScopeWorkflow ScopeType = "workflow"
	ScopeResource ScopeType = "resource"
)

// ExceptionScope targets one policy rule, workflow or resource.
type ExceptionScope struct {
	Type ScopeType `json:"type"`
	ID   string    `json:"id"`
}

func (s ExceptionScope) String() string { return string(s.Type) + ":" + s.ID }

// ExceptionStatus is the review state of an exception.
type ExceptionStatus string

const (
	ExceptionPending  ExceptionStatus = "pending"
	ExceptionApproved ExceptionStatus = "approved"
	ExceptionRejected ExceptionStatus = "rejected"
	ExceptionExpired  ExceptionStatus = "expired"
)

// PolicyException is a time-boxed, reviewable override.
type PolicyException struct {
	ID            string          `json:"id"`
	Scope         ExceptionScope  `json:"scope"`
	Justification string          `json:"justification"`
	RequestedBy   string          `json:"requested_by"`
	DurationDays  int             `json:"duration_days"`
	Status        ExceptionStatus `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
	ReviewedBy    string          `json:"reviewed_by,omitempty"`
	ReviewedAt    *time.Time      `json:"reviewed_at,omitempty"`
	ReviewNotes   string          `json:"review_notes,omitempty"`
}

// Active reports whether the exception is approved and unexpired at now.
func (e PolicyException) Active(now time.Time) bool {
	return e.Status == ExceptionApproved && now.Before(e.ExpiresAt)
}

// at returns the exception as seen at now. Pending and approved exceptions
// past their deadline read as expired.
func (e PolicyException) at(now time.Time) PolicyException {
	if (e.Status == ExceptionPending || e.Status == ExceptionApproved) && !now.Before(e.ExpiresAt) {
		e.Status = ExceptionExpired
	}
	return e
}

// ExceptionRequest is the input to RequestException.
type ExceptionRequest struct {
	Scope         ExceptionScope `json:"scope"`
	Justification string         `json:"justification"`
	RequestedBy   string         `json:"requested_by"`
	DurationDays  int            `json:"duration_days"`
}

func (r ExceptionRequest) validate(maxDays int) error {
	var violations []string
	switch r.Scope.Type {
	case ScopePolicy, ScopeWorkflow, ScopeResource:
	default:
		violations = append(violations, fmt.Sprintf("scope.type %q must be one of policy, workflow, resource", r.Scope.Type))
	}
	if strings.TrimSpace(r.Scope.ID) == "" {
		violations = append(violations, "scope.id is required")
	}
	if strings.TrimSpace(r.Justification) == "" {
		violations = append(violations, "justification is required")
	}
	if strings.TrimSpace(r.RequestedBy) == "" {
		violations = append(violations, "requested_by is required")
	}
	if r.DurationDays < 1 || r.DurationDays > maxDays {
		violations = append(violations, fmt.Sprintf("duration_days %d must be between 1 and %d", r.DurationDays, maxDays))
	}
	if len(violations) > 0 {
		return errs.Validation("invalid exception request", violations...)
	}
	return nil
}

// ExceptionFilter narrows ListExceptions. Zero fields match everything.
type ExceptionFilter struct {
	Status    ExceptionStatus
	ScopeType ScopeType
	ScopeID   string
}

func (f ExceptionFilter) match(e PolicyException) bool {
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.ScopeType != "" && e.Scope.Type != f.ScopeType {
		return false
	}
	if f.ScopeID != "" && e.Scope.ID != f.ScopeID {
		return false
	}
	return true
}
