package audit

import (
	"context"
	"sort"
	"time"
)

// Filter selects events. Zero fields match everything.
type Filter struct {
	EventTypes    []EventType `json:"event_types,omitempty"`
	ActorID       string      `json:"actor_id,omitempty"`
	WorkflowID    string      `json:"workflow_id,omitempty"`
	ResourceType  string      `json:"resource_type,omitempty"`
	ResourceID    string      `json:"resource_id,omitempty"`
	RiskLevel     string      `json:"risk_level,omitempty"`
	Outcome       string      `json:"outcome,omitempty"`
	From          time.Time   `json:"from,omitempty"`
	To            time.Time   `json:"to,omitempty"`
	AfterSequence uint64      `json:"after_sequence,omitempty"`
	Limit         int         `json:"limit,omitempty"`
}

// Matches reports whether e passes every set criterion. Limit is ignored.
func (f Filter) Matches(e Event) bool {
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == e.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	switch {
	case f.ActorID != "" && e.Actor.ID != f.ActorID,
		f.WorkflowID != "" && e.WorkflowID != f.WorkflowID,
		f.ResourceType != "" && e.Resource.Type != f.ResourceType,
		f.ResourceID != "" && e.Resource.ID != f.ResourceID,
		f.RiskLevel != "" && e.RiskLevel != f.RiskLevel,
		f.Outcome != "" && e.Outcome != f.Outcome,
		!f.From.IsZero() && e.CreatedAt.Before(f.From),
		!f.To.IsZero() && !e.CreatedAt.Before(f.To),
		e.Sequence <= f.AfterSequence:
		return false
	}
	return true
}

// Query returns matching events in sequence order.
func (l *Log) Query(ctx context.Context, f Filter) ([]Event, error) {
	var out []Event
	err := l.scan(ctx, func(e Event) error {
		if !f.Matches(e) {
			return nil
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			return errStopScan
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// WorkflowEvents returns every event recorded for one workflow.
func (l *Log) WorkflowEvents(ctx context.Context, workflowID string) ([]Event, error) {
	return l.Query(ctx, Filter{WorkflowID: workflowID})
}

// Stats is a projection of the event stream.
type Stats struct {
	Total         uint64            `json:"total"`
	ByEventType   map[string]uint64 `json:"by_event_type"`
	ByRiskLevel   map[string]uint64 `json:"by_risk_level"`
	ByOutcome     map[string]uint64 `json:"by_outcome"`
	Workflows     int               `json:"workflows"`
	FirstSequence uint64            `json:"first_sequence,omitempty"`
	LastSequence  uint64            `json:"last_sequence,omitempty"`
	FirstEventAt  time.Time         `json:"first_event_at,omitempty"`
	LastEventAt   time.Time         `json:"last_event_at,omitempty"`
}

// Stats recomputes counters from the stored events on every call.
func (l *Log) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		ByEventType: make(map[string]uint64),
		ByRiskLevel: make(map[string]uint64),
		ByOutcome:   make(map[string]uint64),
	}
	workflows := make(map[string]struct{})
	err := l.scan(ctx, func(e Event) error {
		if st.Total == 0 {
			st.FirstSequence, st.FirstEventAt = e.Sequence, e.CreatedAt
		}
		st.Total++
		st.LastSequence, st.LastEventAt = e.Sequence, e.CreatedAt
		st.ByEventType[string(e.EventType)]++
		if e.RiskLevel != "" {
			st.ByRiskLevel[e.RiskLevel]++
		}
		if e.Outcome != "" {
			st.ByOutcome[e.Outcome]++
		}
		if e.WorkflowID != "" {
			workflows[e.WorkflowID] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	st.Workflows = len(workflows)
	return st, nil
}

// sortedKeys returns map keys in order, for stable rendering.
func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
