package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ppiankov/agentgov/internal/errs"
)

// EventType names a governance event.
type EventType string

const (
	EventRiskAssessed      EventType = "risk_assessed"
	EventPolicyEvaluated   EventType = "policy_evaluated"
	EventToolCallEvaluated EventType = "tool_call_evaluated"
	EventToolRegistered    EventType = "risk_tool_registered"

	EventWorkflowStarted          EventType = "workflow_started"
	EventStageCompleted           EventType = "stage_completed"
	EventWorkflowAwaitingApproval EventType = "workflow_awaiting_approval"
	EventWorkflowResumed          EventType = "workflow_resumed"
	EventWorkflowCompleted        EventType = "workflow_completed"
	EventWorkflowFailed           EventType = "workflow_failed"
	EventWorkflowCancelled        EventType = "workflow_cancelled"
	EventWorkflowExpired          EventType = "workflow_expired"

	EventRuleCreated   EventType = "policy_rule_created"
	EventRuleUpdated   EventType = "policy_rule_updated"
	EventRuleEnabled   EventType = "policy_rule_enabled"
	EventRuleDisabled  EventType = "policy_rule_disabled"
	EventRuleDeleted   EventType = "policy_rule_deleted"
	EventRulesReloaded EventType = "policy_rules_reloaded"

	EventOrgPolicyUpdated   EventType = "org_policy_updated"
	EventExceptionRequested EventType = "exception_requested"
	EventExceptionReviewed  EventType = "exception_reviewed"

	EventExternal EventType = "external"
)

// Actor identifies who caused an event.
type Actor struct {
	Type string `json:"type"` // user | agent | service | system
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Resource identifies what an event is about.
type Resource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Event is one sealed entry of the hash chain.
type Event struct {
	ID            string            `json:"id"`
	Sequence      uint64            `json:"sequence"`
	EventType     EventType         `json:"event_type"`
	Actor         Actor             `json:"actor"`
	Action        string            `json:"action"`
	Resource      Resource          `json:"resource"`
	RiskLevel     string            `json:"risk_level,omitempty"`
	WorkflowID    string            `json:"workflow_id,omitempty"`
	Outcome       string            `json:"outcome,omitempty"`
	PayloadDigest string            `json:"payload_digest,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
	PreviousHash  string            `json:"previous_hash"`
	CurrentHash   string            `json:"current_hash"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Record is the caller-supplied part of an event. The log assigns id,
// sequence, timestamps and hashes.
type Record struct {
	EventType  EventType
	Actor      Actor
	Action     string
	Resource   Resource
	RiskLevel  string
	WorkflowID string
	Outcome    string
	Details    map[string]string
	// Payload is digested, not stored.
	Payload any
}

func (r Record) validate() error {
	var v []string
	if r.EventType == "" {
		v = append(v, "event_type is required")
	}
	if r.Actor.ID == "" {
		v = append(v, "actor.id is required")
	}
	if r.Action == "" {
		v = append(v, "action is required")
	}
	if len(v) > 0 {
		return errs.Validation("audit append", v...)
	}
	return nil
}

// PayloadDigest returns the sha256 digest of the JSON encoding of payload,
// or "" for a nil payload.
func PayloadDigest(payload any) (string, error) {
	if payload == nil {
		return "", nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("audit: digest payload: %w", err)
	}
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

func cloneDetails(d map[string]string) map[string]string {
	if len(d) == 0 {
		return nil
	}
	out := make(map[string]string, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
