package audit

import (
	"fmt"
	"strings"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders events as a human-readable text timeline.
func FormatTimeline(events []Event) string {
	if len(events) == 0 {
		return "Audit: no events found.\n"
	}

	var b strings.Builder

	first, last := events[0], events[len(events)-1]
	b.WriteString(fmt.Sprintf("Audit: #%d–#%d | %s–%s UTC\n",
		first.Sequence, last.Sequence,
		first.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
		last.CreatedAt.UTC().Format("15:04:05")))
	b.WriteString(separator + "\n")

	outcomes := make(map[string]uint64)
	for _, e := range events {
		risk := e.RiskLevel
		if risk == "" {
			risk = "-"
		}
		outcome := strings.ToUpper(e.Outcome)
		if outcome == "" {
			outcome = "-"
		} else {
			outcomes[e.Outcome]++
		}

		tag := ""
		if e.WorkflowID != "" {
			tag = "  [wf " + truncate(e.WorkflowID, 12) + "]"
		}

		b.WriteString(fmt.Sprintf("%-6d %-10s %-26s %-8s %-18s %-13s %-30s%s\n",
			e.Sequence,
			e.CreatedAt.UTC().Format("15:04:05"),
			truncate(string(e.EventType), 26),
			risk,
			outcome,
			truncate(e.Actor.ID, 13),
			truncate(e.Action, 30),
			tag))
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(len(events), outcomes))
	return b.String()
}

// FormatStats renders a Stats projection.
func FormatStats(st Stats) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Events: %d | Workflows: %d\n", st.Total, st.Workflows))
	if st.Total > 0 {
		b.WriteString(fmt.Sprintf("Range: #%d–#%d | %s – %s UTC\n",
			st.FirstSequence, st.LastSequence,
			st.FirstEventAt.UTC().Format("2006-01-02 15:04:05"),
			st.LastEventAt.UTC().Format("2006-01-02 15:04:05")))
	}
	writeCounts(&b, "By event type", st.ByEventType)
	writeCounts(&b, "By risk level", st.ByRiskLevel)
	writeCounts(&b, "By outcome", st.ByOutcome)
	return b.String()
}

func writeCounts(b *strings.Builder, title string, m map[string]uint64) {
	if len(m) == 0 {
		return
	}
	b.WriteString(separator + "\n")
	b.WriteString(title + "\n")
	for _, k := range sortedKeys(m) {
		b.WriteString(fmt.Sprintf("  %-28s %d\n", k, m[k]))
	}
}

func formatSummary(total int, outcomes map[string]uint64) string {
	parts := []string{}
	for _, k := range sortedKeys(outcomes) {
		parts = append(parts, fmt.Sprintf("%d %s", outcomes[k], k))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("Summary: %d events\n", total)
	}
	return fmt.Sprintf("Summary: %d events | %s\n", total, strings.Join(parts, ", "))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
