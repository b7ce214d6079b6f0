package policy

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ppiankov/agentgov/internal/errs"
	"github.com/ppiankov/agentgov/internal/model"
)

// RuleStore holds the rule set as an immutable, pre-sorted snapshot.
// Writers serialise on mu and publish a new snapshot; evaluations read
// whichever snapshot was current when they started.
type RuleStore struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[[]PolicyRule]
	seq      uint64
	clock    model.Clock
	newID    func() string
}

// StoreOption configures a RuleStore.
type StoreOption func(*RuleStore)

// WithStoreClock sets the time source for created_at/updated_at.
func WithStoreClock(c model.Clock) StoreOption {
	return func(s *RuleStore) { s.clock = c }
}

// WithRuleIDGenerator overrides rule id generation for rules created without one.
func WithRuleIDGenerator(fn func() string) StoreOption {
	return func(s *RuleStore) { s.newID = fn }
}

// NewRuleStore creates an empty store.
func NewRuleStore(opts ...StoreOption) *RuleStore {
	s := &RuleStore{newID: uuid.NewString}
	for _, opt := range opts {
		opt(s)
	}
	empty := []PolicyRule{}
	s.snapshot.Store(&empty)
	return s
}

// Snapshot returns the current sorted rule set. Callers must not modify it.
func (s *RuleStore) Snapshot() []PolicyRule {
	return *s.snapshot.Load()
}

// List returns a copy of the rules in evaluation order.
func (s *RuleStore) List() []PolicyRule {
	return append([]PolicyRule(nil), s.Snapshot()...)
}

// Get returns the rule with id.
func (s *RuleStore) Get(id string) (PolicyRule, error) {
	for _, r := range s.Snapshot() {
		if r.ID == id {
			return r, nil
		}
	}
	return PolicyRule{}, errs.NotFound("rule", id)
}

// Commit is handed the result of a mutation after it validates and before
// it is published. A non-nil error aborts the mutation and leaves the
// current rule set in place.
type Commit func(PolicyRule) error

func (c Commit) run(r PolicyRule) error {
	if c == nil {
		return nil
	}
	return c(r)
}

// Create validates and adds a rule. An empty id is generated.
func (s *RuleStore) Create(r PolicyRule) (PolicyRule, error) { return s.CreateWith(r, nil) }

// CreateWith is Create with commit run before the rule becomes visible.
func (s *RuleStore) CreateWith(r PolicyRule, commit Commit) (PolicyRule, error) {
	if r.ID == "" {
		r.ID = s.newID()
	}
	if err := validateID(r.ID); err != nil {
		return PolicyRule{}, err
	}
	compiled, violations := compileRule(r)
	if len(violations) > 0 {
		return PolicyRule{}, errs.Validation(fmt.Sprintf("create rule %q", r.ID), violations...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.Snapshot()
	for _, have := range current {
		if have.ID == r.ID {
			return PolicyRule{}, errs.Conflict("rule", r.ID, "exists", "create")
		}
	}

	now := s.clock.Now()
	s.seq++
	r.seq = s.seq
	r.CreatedAt = now
	r.UpdatedAt = now
	r.compiled = compiled

	if err := commit.run(r); err != nil {
		s.seq--
		return PolicyRule{}, err
	}
	s.publish(append(append([]PolicyRule(nil), current...), r))
	return r, nil
}

// Update replaces the conditions, actions and metadata of rule id.
// Creation time and order are preserved.
func (s *RuleStore) Update(id string, r PolicyRule) (PolicyRule, error) { return s.UpdateWith(id, r, nil) }

// UpdateWith is Update with commit run before the change becomes visible.
func (s *RuleStore) UpdateWith(id string, r PolicyRule, commit Commit) (PolicyRule, error) {
	r.ID = id
	compiled, violations := compileRule(r)
	if len(violations) > 0 {
		return PolicyRule{}, errs.Validation(fmt.Sprintf("update rule %q", id), violations...)
	}
	return s.modify(id, func(prev PolicyRule) PolicyRule {
		r.seq = prev.seq
		r.CreatedAt = prev.CreatedAt
		r.compiled = compiled
		return r
	}, commit)
}

// SetEnabled enables or disables rule id.
func (s *RuleStore) SetEnabled(id string, enabled bool) (PolicyRule, error) {
	return s.SetEnabledWith(id, enabled, nil)
}

// SetEnabledWith is SetEnabled with commit run before the change becomes visible.
func (s *RuleStore) SetEnabledWith(id string, enabled bool, commit Commit) (PolicyRule, error) {
	return s.modify(id, func(prev PolicyRule) PolicyRule {
		prev.Enabled = enabled
		return prev
	}, commit)
}

// Enable enables rule id.
func (s *RuleStore) Enable(id string) (PolicyRule, error) { return s.SetEnabled(id, true) }

// Disable disables rule id.
func (s *RuleStore) Disable(id string) (PolicyRule, error) { return s.SetEnabled(id, false) }

// Delete removes rule id.
func (s *RuleStore) Delete(id string) error {
	_, err := s.DeleteWith(id, nil)
	return err
}

// DeleteWith removes rule id, handing the removed rule to commit before
// the removal becomes visible.
func (s *RuleStore) DeleteWith(id string, commit Commit) (PolicyRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.Snapshot()
	next := make([]PolicyRule, 0, len(current))
	var removed *PolicyRule
	for i, r := range current {
		if r.ID == id {
			removed = &current[i]
			continue
		}
		next = append(next, r)
	}
	if removed == nil {
		return PolicyRule{}, errs.NotFound("rule", id)
	}
	if err := commit.run(*removed); err != nil {
		return PolicyRule{}, err
	}
	s.publish(next)
	return *removed, nil
}

// Replace swaps the whole rule set, as loaded from a rule file. Every rule
// is validated first; on any violation the current set is kept.
func (s *RuleStore) Replace(rules []PolicyRule) error { return s.ReplaceWith(rules, nil) }

// ReplaceWith is Replace with commit run once the set validates and before
// it is published.
func (s *RuleStore) ReplaceWith(rules []PolicyRule, commit func([]PolicyRule) error) error {
	var violations []string
	seen := make(map[string]bool, len(rules))
	compiled := make([]*compiledRule, len(rules))
	for i, r := range rules {
		label := r.ID
		if label == "" {
			label = fmt.Sprintf("rules[%d]", i)
		}
		if err := validateID(r.ID); err != nil {
			violations = append(violations, label+": id is required and may only contain alphanumeric, dash, underscore, dot and colon")
			continue
		}
		if seen[r.ID] {
			violations = append(violations, label+": duplicate id")
			continue
		}
		seen[r.ID] = true
		c, vs := compileRule(r)
		for _, v := range vs {
			violations = append(violations, label+": "+v)
		}
		compiled[i] = c
	}
	if len(violations) > 0 {
		return errs.Validation("replace rules", violations...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	seq := s.seq
	next := make([]PolicyRule, 0, len(rules))
	for i, r := range rules {
		seq++
		r.seq = seq
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.UpdatedAt = now
		r.compiled = compiled[i]
		next = append(next, r)
	}
	if commit != nil {
		if err := commit(next); err != nil {
			return err
		}
	}
	s.seq = seq
	s.publish(next)
	return nil
}

func (s *RuleStore) modify(id string, fn func(PolicyRule) PolicyRule, commit Commit) (PolicyRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.Snapshot()
	next := append([]PolicyRule(nil), current...)
	for i, r := range next {
		if r.ID != id {
			continue
		}
		updated := fn(r)
		updated.ID = id
		updated.UpdatedAt = s.clock.Now()
		if err := commit.run(updated); err != nil {
			return PolicyRule{}, err
		}
		next[i] = updated
		s.publish(next)
		return updated, nil
	}
	return PolicyRule{}, errs.NotFound("rule", id)
}

// publish must be called with mu held.
func (s *RuleStore) publish(rules []PolicyRule) {
	sortRules(rules)
	s.snapshot.Store(&rules)
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errs.Validation("rule id", "id is required")
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == ':':
		default:
			return errs.Validation("rule id", fmt.Sprintf("id %q may only contain alphanumeric, dash, underscore, dot and colon", id))
		}
	}
	return nil
}
