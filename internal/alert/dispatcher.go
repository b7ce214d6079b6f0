package alert

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ppiankov/agentgov/internal/audit"
	"github.com/ppiankov/agentgov/internal/events"
)

// Dispatcher fans out alert events to matching webhook configurations.
// It satisfies events.Emitter so it can sit beside the other sinks.
type Dispatcher struct {
	configs []AlertConfig
	logger  zerolog.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty. A nil Dispatcher drops every event.
func NewDispatcher(configs []AlertConfig, logger zerolog.Logger) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	return &Dispatcher{configs: configs, logger: logger}
}

// Emit converts a governance event and dispatches it.
func (d *Dispatcher) Emit(_ context.Context, ev events.GovernanceEvent) error {
	resource := ev.ResourceID
	if ev.ResourceType != "" {
		resource = ev.ResourceType + "/" + ev.ResourceID
	}
	d.Dispatch(AlertEvent{
		Timestamp:  ev.Timestamp,
		Sequence:   ev.Sequence,
		EventType:  ev.EventType,
		Actor:      ev.ActorID,
		Action:     ev.Action,
		Resource:   resource,
		Outcome:    ev.Outcome,
		RiskLevel:  ev.RiskLevel,
		WorkflowID: ev.WorkflowID,
		Reason:     ev.Reason,
		Hash:       ev.Hash,
	})
	return nil
}

// IntegrityFailure dispatches an alert for a broken chain.
func (d *Dispatcher) IntegrityFailure(res audit.VerifyResult, at time.Time) {
	d.Dispatch(AlertEvent{
		Timestamp: at.UTC().Format(time.RFC3339),
		Sequence:  res.BrokenAtSequence,
		EventType: TypeIntegrityFailure,
		Actor:     "audit-verifier",
		Action:    "verify",
		Resource:  "audit/chain",
		Outcome:   TypeIntegrityFailure,
		RiskLevel: "CRITICAL",
		Reason:    res.Reason,
	})
}

// Dispatch sends the event to all webhooks whose Events list matches.
// Matching is based on event.Outcome or event.EventType.
// Fires goroutines and does not block the caller; Wait drains them.
func (d *Dispatcher) Dispatch(event AlertEvent) {
	if d == nil {
		return
	}
	for _, cfg := range d.configs {
		if !matches(cfg.Events, event) {
			continue
		}
		d.wg.Add(1)
		go func(cfg AlertConfig) {
			defer d.wg.Done()
			if err := Send(context.Background(), cfg, event); err != nil {
				d.logger.Warn().Err(err).Str("url", cfg.URL).Uint64("sequence", event.Sequence).Msg("alert delivery failed")
			}
		}(cfg)
	}
}

// Wait blocks until every in-flight delivery has finished.
func (d *Dispatcher) Wait() {
	if d != nil {
		d.wg.Wait()
	}
}

// BinaryTamper dispatches an alert for a binary whose checksum does not
// match the expected build hash.
func (d *Dispatcher) BinaryTamper(binary, expected, actual string, at time.Time) {
	d.Dispatch(AlertEvent{
		Timestamp: at.UTC().Format(time.RFC3339),
		EventType: TypeBinaryTamper,
		Actor:     "integrity-check",
		Action:    "start",
		Resource:  "binary/" + binary,
		Outcome:   "deny",
		RiskLevel: "CRITICAL",
		Reason:    "binary checksum mismatch: expected " + expected + ", got " + actual,
	})
}

func matches(names []string, event AlertEvent) bool {
	for _, e := range names {
		if event.Outcome != "" && e == event.Outcome {
			return true
		}
		if event.EventType != "" && e == event.EventType {
			return true
		}
	}
	return false
}
