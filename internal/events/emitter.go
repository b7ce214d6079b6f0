package events

import (
	"context"

	"github.com/rs/zerolog"
)

// LogEmitter writes each event as a structured log line.
type LogEmitter struct {
	logger zerolog.Logger
}

// NewLogEmitter creates a LogEmitter.
func NewLogEmitter(logger zerolog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

func (e *LogEmitter) Emit(_ context.Context, event GovernanceEvent) error {
	ev := e.logger.Info().
		Uint64("sequence", event.Sequence).
		Str("event_type", event.EventType).
		Str("actor", event.ActorID).
		Str("action", event.Action).
		Str("outcome", event.Outcome)
	if event.RiskLevel != "" {
		ev = ev.Str("risk_level", event.RiskLevel)
	}
	if event.WorkflowID != "" {
		ev = ev.Str("workflow_id", event.WorkflowID)
	}
	if event.Reason != "" {
		ev = ev.Str("reason", event.Reason)
	}
	ev.Msg("governance event")
	return nil
}
