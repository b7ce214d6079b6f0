package alert

import (
	"encoding/json"
	"fmt"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event AlertEvent) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	case "pagerduty":
		return formatPagerDuty(event)
	default:
		return formatGeneric(event)
	}
}

func formatGeneric(event AlertEvent) ([]byte, error) {
	return json.Marshal(event)
}

func formatSlack(event AlertEvent) ([]byte, error) {
	fields := []any{
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Action:* %s", event.Action)},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Resource:* %s", event.Resource)},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Risk:* %s", riskLabel(event.RiskLevel))},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:* %s", event.Reason)},
	}
	if event.WorkflowID != "" {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Workflow:* %s", event.WorkflowID)})
	}

	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("agentgov: %s", event.Outcome),
				},
			},
			map[string]any{
				"type":   "section",
				"fields": fields,
			},
			map[string]any{
				"type": "context",
				"elements": []any{
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("audit #%d %s by %s", event.Sequence, event.EventType, event.Actor)},
				},
			},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(event AlertEvent) ([]byte, error) {
	severity := "info"
	switch event.RiskLevel {
	case "CRITICAL":
		severity = "critical"
	case "HIGH":
		severity = "error"
	case "MEDIUM":
		severity = "warning"
	}

	payload := map[string]any{
		"event_action": "trigger",
		"payload": map[string]any{
			"summary":  fmt.Sprintf("agentgov %s: %s", event.Outcome, event.Resource),
			"severity": severity,
			"source":   "agentgov",
			"custom_details": map[string]any{
				"action":      event.Action,
				"resource":    event.Resource,
				"risk_level":  event.RiskLevel,
				"reason":      event.Reason,
				"sequence":    event.Sequence,
				"workflow_id": event.WorkflowID,
			},
		},
	}
	return json.Marshal(payload)
}

func riskLabel(level string) string {
	switch level {
	case "NONE", "LOW":
		return level + " (unattended)"
	case "MEDIUM":
		return level + " (supervised)"
	case "HIGH", "CRITICAL":
		return level + " (human approval)"
	case "":
		return "unknown"
	default:
		return level
	}
}
