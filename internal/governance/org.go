package governance

import (
	"context"
	"strconv"
	"time"

	"github.com/ppiankov/agentgov/internal/audit"
	"github.com/ppiankov/agentgov/internal/model"
	"github.com/ppiankov/agentgov/internal/orgpolicy"
)

// GetOrganizationPolicy returns the current organization policy.
func (s *Service) GetOrganizationPolicy() orgpolicy.OrganizationPolicy { return s.org.Policy() }

// UpdateOrganizationPolicy applies patch as caller.
func (s *Service) UpdateOrganizationPolicy(ctx context.Context, caller model.Principal, patch orgpolicy.Patch) (orgpolicy.OrganizationPolicy, error) {
	if err := requireCaller("update organization policy", caller); err != nil {
		return orgpolicy.OrganizationPolicy{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.recorder.stage()
	p, err := s.org.UpdatePolicyWith(patch, caller.UserID, func(next orgpolicy.OrganizationPolicy) error {
		return st.append(ctx, audit.Record{
			EventType: audit.EventOrgPolicyUpdated,
			Actor:     actorFor(caller),
			Action:    "update",
			Resource:  audit.Resource{Type: "organization_policy", ID: "default"},
			Outcome:   "updated",
			Details:   map[string]string{"version": strconv.Itoa(next.Version)},
			Payload:   patch,
		})
	})
	if err != nil {
		return orgpolicy.OrganizationPolicy{}, err
	}
	st.flush(ctx)
	return p, nil
}

// RequestPolicyException files a pending exception. The requester is
// always the caller.
func (s *Service) RequestPolicyException(ctx context.Context, caller model.Principal, req orgpolicy.ExceptionRequest) (orgpolicy.PolicyException, error) {
	if err := requireCaller("request exception", caller); err != nil {
		return orgpolicy.PolicyException{}, err
	}
	req.RequestedBy = caller.UserID

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.recorder.stage()
	e, err := s.org.RequestExceptionWith(req, func(e orgpolicy.PolicyException) error {
		return st.append(ctx, audit.Record{
			EventType: audit.EventExceptionRequested,
			Actor:     actorFor(caller),
			Action:    "request",
			Resource:  audit.Resource{Type: "exception", ID: e.ID},
			Outcome:   string(e.Status),
			Details: map[string]string{
				"scope":         e.Scope.String(),
				"duration_days": strconv.Itoa(e.DurationDays),
				"expires_at":    e.ExpiresAt.UTC().Format(time.RFC3339),
			},
			Payload: req,
		})
	})
	if err != nil {
		return orgpolicy.PolicyException{}, err
	}
	st.flush(ctx)
	return e, nil
}

// ReviewException approves or rejects a pending exception as caller.
func (s *Service) ReviewException(ctx context.Context, caller model.Principal, id string, approve bool, notes string) (orgpolicy.PolicyException, error) {
	if err := requireCaller("review exception", caller); err != nil {
		return orgpolicy.PolicyException{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.recorder.stage()
	e, err := s.org.ReviewExceptionWith(id, caller.UserID, approve, notes, func(e orgpolicy.PolicyException) error {
		details := map[string]string{"scope": e.Scope.String(), "approved": strconv.FormatBool(approve)}
		if notes != "" {
			details["notes"] = notes
		}
		return st.append(ctx, audit.Record{
			EventType: audit.EventExceptionReviewed,
			Actor:     actorFor(caller),
			Action:    "review",
			Resource:  audit.Resource{Type: "exception", ID: e.ID},
			Outcome:   string(e.Status),
			Details:   details,
		})
	})
	if err != nil {
		return orgpolicy.PolicyException{}, err
	}
	st.flush(ctx)
	return e, nil
}

// GetException returns one exception.
func (s *Service) GetException(id string) (orgpolicy.PolicyException, error) {
	return s.org.GetException(id)
}

// ListExceptions returns matching exceptions.
func (s *Service) ListExceptions(f orgpolicy.ExceptionFilter) []orgpolicy.PolicyException {
	return s.org.ListExceptions(f)
}
