// Package events fans governance events out to external sinks once they
// are durably appended to the audit chain. Sinks are best effort: the
// audit chain is the record, an emitter failure never rolls it back.
package events

import (
	"context"
	"time"

	"github.com/ppiankov/agentgov/internal/audit"
)

// GovernanceEvent is the wire form published to sinks.
type GovernanceEvent struct {
	Timestamp    string            `json:"timestamp"` // RFC3339
	Sequence     uint64            `json:"sequence"`
	EventType    string            `json:"event_type"`
	ActorType    string            `json:"actor_type"`
	ActorID      string            `json:"actor_id"`
	Action       string            `json:"action"`
	ResourceType string            `json:"resource_type,omitempty"`
	ResourceID   string            `json:"resource_id,omitempty"`
	RiskLevel    string            `json:"risk_level,omitempty"`
	WorkflowID   string            `json:"workflow_id,omitempty"`
	Outcome      string            `json:"outcome,omitempty"`
	Reason       string            `json:"reason"` // "" if none
	Hash         string            `json:"hash"`
	Details      map[string]string `json:"details,omitempty"`
}

// FromAudit converts a sealed audit event.
func FromAudit(e audit.Event) GovernanceEvent {
	var details map[string]string
	if len(e.Details) > 0 {
		details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			details[k] = v
		}
	}
	return GovernanceEvent{
		Timestamp:    e.CreatedAt.UTC().Format(time.RFC3339),
		Sequence:     e.Sequence,
		EventType:    string(e.EventType),
		ActorType:    e.Actor.Type,
		ActorID:      e.Actor.ID,
		Action:       e.Action,
		ResourceType: e.Resource.Type,
		ResourceID:   e.Resource.ID,
		RiskLevel:    e.RiskLevel,
		WorkflowID:   e.WorkflowID,
		Outcome:      e.Outcome,
		Reason:       e.Details["reason"],
		Hash:         e.CurrentHash,
		Details:      details,
	}
}

// Emitter publishes governance events.
type Emitter interface {
	Emit(ctx context.Context, event GovernanceEvent) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, GovernanceEvent) error { return nil }
