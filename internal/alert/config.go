package alert

// AlertConfig defines a webhook alert destination.
type AlertConfig struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // "generic", "slack", "pagerduty"
	Events  []string          `yaml:"events"  json:"events"` // outcomes or event types: ["deny", "require_approval", "integrity_failure"]
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// TypeIntegrityFailure marks an alert raised by a failed chain verification.
const TypeIntegrityFailure = "integrity_failure"

// TypeBinaryTamper marks an alert raised when the agentgov binary itself
// fails its checksum.
const TypeBinaryTamper = "binary_tamper"

// AlertEvent is the payload sent to webhook endpoints.
type AlertEvent struct {
	Timestamp  string `json:"timestamp"`
	Sequence   uint64 `json:"sequence"`
	EventType  string `json:"event_type"`
	Actor      string `json:"actor"`
	Action     string `json:"action"`
	Resource   string `json:"resource"`
	Outcome    string `json:"outcome"`
	RiskLevel  string `json:"risk_level"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Reason     string `json:"reason"`
	Hash       string `json:"hash,omitempty"`
}
