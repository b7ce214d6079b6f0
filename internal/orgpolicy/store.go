package orgpolicy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/agentgov/internal/errs"
	"github.com/ppiankov/agentgov/internal/model"
)

const policyFile = "policy.json"

// Store owns the organization policy and its exceptions. With a directory it
// persists each change before it becomes visible.
type Store struct {
	mu         sync.RWMutex
	dir        string
	policy     OrganizationPolicy
	exceptions map[string]PolicyException
	clock      model.Clock
	newID      func() string
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source.
func WithClock(c model.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithIDGenerator overrides exception id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// WithPolicy seeds the organization policy.
func WithPolicy(p OrganizationPolicy) Option {
	return func(s *Store) { s.policy = p }
}

// NewStore creates an in-memory store holding Default().
func NewStore(opts ...Option) *Store {
	s := &Store{
		policy:     Default(),
		exceptions: make(map[string]PolicyException),
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open creates a store persisted under dir, loading any existing state.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "exceptions"), 0755); err != nil {
		return nil, fmt.Errorf("orgpolicy: create directory: %w", err)
	}
	s := NewStore(opts...)
	s.dir = dir

	data, err := os.ReadFile(filepath.Join(dir, policyFile))
	switch {
	case err == nil:
		var p OrganizationPolicy
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("orgpolicy: parse %s: %w", policyFile, err)
		}
		s.policy = p
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("orgpolicy: read %s: %w", policyFile, err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "exceptions"))
	if err != nil {
		return nil, fmt.Errorf("orgpolicy: list exceptions: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, "exceptions", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("orgpolicy: read exception %s: %w", e.Name(), err)
		}
		var pe PolicyException
		if err := json.Unmarshal(data, &pe); err != nil {
			return nil, fmt.Errorf("orgpolicy: parse exception %s: %w", e.Name(), err)
		}
		s.exceptions[pe.ID] = pe
	}
	return s, nil
}

// Policy returns the current organization policy.
func (s *Store) Policy() OrganizationPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// UpdatePolicy applies patch and bumps the version.
func (s *Store) UpdatePolicy(patch Patch, updatedBy string) (OrganizationPolicy, error) {
	return s.UpdatePolicyWith(patch, updatedBy, nil)
}

// UpdatePolicyWith is UpdatePolicy with commit run on the new policy after
// it validates and before it is persisted. An error from commit leaves the
// current policy in place.
func (s *Store) UpdatePolicyWith(patch Patch, updatedBy string, commit func(OrganizationPolicy) error) (OrganizationPolicy, error) {
	if strings.TrimSpace(updatedBy) == "" {
		return OrganizationPolicy{}, errs.Validation("update organization policy", "updated_by is required")
	}
	if patch.Empty() {
		return OrganizationPolicy{}, errs.Validation("update organization policy", "patch changes no field")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.policy.apply(patch)
	if err := next.Validate(); err != nil {
		return OrganizationPolicy{}, err
	}
	next.Version = s.policy.Version + 1
	next.UpdatedAt = s.clock.Now()
	next.UpdatedBy = updatedBy

	if commit != nil {
		if err := commit(next); err != nil {
			return OrganizationPolicy{}, err
		}
	}
	if err := s.persist(filepath.Join(s.dir, policyFile), next); err != nil {
		return OrganizationPolicy{}, err
	}
	s.policy = next
	return next, nil
}

// RequestException records a pending exception. ExpiresAt is exactly
// DurationDays after creation.
func (s *Store) RequestException(req ExceptionRequest) (PolicyException, error) {
	return s.RequestExceptionWith(req, nil)
}

// RequestExceptionWith is RequestException with commit run on the new
// exception before it is stored.
func (s *Store) RequestExceptionWith(req ExceptionRequest, commit func(PolicyException) error) (PolicyException, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := req.validate(s.policy.ExceptionMaxDays); err != nil {
		return PolicyException{}, err
	}

	now := s.clock.Now()
	e := PolicyException{
		ID:            s.newID(),
		Scope:         req.Scope,
		Justification: req.Justification,
		RequestedBy:   req.RequestedBy,
		DurationDays:  req.DurationDays,
		Status:        ExceptionPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Duration(req.DurationDays) * 24 * time.Hour),
	}
	if commit != nil {
		if err := commit(e); err != nil {
			return PolicyException{}, err
		}
	}
	if err := s.persistException(e); err != nil {
		return PolicyException{}, err
	}
	s.exceptions[e.ID] = e
	return e, nil
}

// ReviewException approves or rejects a pending exception. Only pending,
// unexpired exceptions can be reviewed, and never by their requester.
func (s *Store) ReviewException(id, reviewerID string, approve bool, notes string) (PolicyException, error) {
	return s.ReviewExceptionWith(id, reviewerID, approve, notes, nil)
}

// ReviewExceptionWith is ReviewException with commit run on the reviewed
// exception before it is stored.
func (s *Store) ReviewExceptionWith(id, reviewerID string, approve bool, notes string, commit func(PolicyException) error) (PolicyException, error) {
	if strings.TrimSpace(reviewerID) == "" {
		return PolicyException{}, errs.Validation("review exception", "reviewer_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.exceptions[id]
	if !ok {
		return PolicyException{}, errs.NotFound("exception", id)
	}
	now := s.clock.Now()
	current := stored.at(now)

	target := ExceptionRejected
	if approve {
		target = ExceptionApproved
	}
	if current.Status != ExceptionPending {
		return PolicyException{}, errs.Conflict("exception", id, string(current.Status), "review")
	}
	if current.RequestedBy == reviewerID {
		return PolicyException{}, errs.Validation("review exception", "reviewer must differ from requester")
	}

	current.Status = target
	current.ReviewedBy = reviewerID
	current.ReviewedAt = &now
	current.ReviewNotes = notes

	if commit != nil {
		if err := commit(current); err != nil {
			return PolicyException{}, err
		}
	}
	if err := s.persistException(current); err != nil {
		return PolicyException{}, err
	}
	s.exceptions[id] = current
	return current, nil
}

// GetException returns one exception with its expiry applied.
func (s *Store) GetException(id string) (PolicyException, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.exceptions[id]
	if !ok {
		return PolicyException{}, errs.NotFound("exception", id)
	}
	return e.at(s.clock.Now()), nil
}

// ListExceptions returns matching exceptions ordered by creation time.
func (s *Store) ListExceptions(f ExceptionFilter) []PolicyException {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clock.Now()
	out := make([]PolicyException, 0, len(s.exceptions))
	for _, e := range s.exceptions {
		e = e.at(now)
		if f.match(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ActiveExceptions returns the approved exceptions in force now.
func (s *Store) ActiveExceptions() []PolicyException {
	return s.ListExceptions(ExceptionFilter{Status: ExceptionApproved})
}

func (s *Store) persistException(e PolicyException) error {
	if s.dir == "" {
		return nil
	}
	if err := validateKey(e.ID); err != nil {
		return fmt.Errorf("orgpolicy: invalid exception id: %w", err)
	}
	return s.persist(filepath.Join(s.dir, "exceptions", e.ID+".json"), e)
}

func (s *Store) persist(path string, v any) error {
	if s.dir == "" {
		return nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("orgpolicy: encode: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("orgpolicy: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("orgpolicy: write: %w", err)
	}
	return nil
}
