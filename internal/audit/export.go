package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ppiankov/agentgov/internal/errs"
)

// Export formats.
const (
	FormatJSON  = "json"
	FormatJSONL = "jsonl"
	FormatCSV   = "csv"
)

// Export is a rendered slice of the chain.
type Export struct {
	Format string `json:"format"`
	Count  int    `json:"count"`
	Data   []byte `json:"data"`
}

var csvHeader = []string{
	"sequence", "id", "event_type", "actor_type", "actor_id", "actor_name", "action",
	"resource_type", "resource_id", "risk_level", "workflow_id", "outcome",
	"payload_digest", "details", "previous_hash", "current_hash", "created_at",
}

// Export renders matching events. Hashes are included so an export can be
// checked against the live chain.
func (l *Log) Export(ctx context.Context, f Filter, format string) (Export, error) {
	format = strings.ToLower(format)
	switch format {
	case FormatJSON, FormatJSONL, FormatCSV:
	default:
		return Export{}, errs.Validation("audit export", fmt.Sprintf("unsupported format %q (json, jsonl, csv)", format))
	}

	events, err := l.Query(ctx, f)
	if err != nil {
		return Export{}, err
	}
	data, err := EncodeEvents(events, format)
	if err != nil {
		return Export{}, err
	}
	return Export{Format: format, Count: len(events), Data: data}, nil
}

// EncodeEvents renders events in one of the export formats.
func EncodeEvents(events []Event, format string) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case FormatJSON:
		if events == nil {
			events = []Event{}
		}
		data, err := json.MarshalIndent(events, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("audit: marshal export: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	case FormatJSONL:
		enc := json.NewEncoder(&buf)
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return nil, fmt.Errorf("audit: marshal event %d: %w", e.Sequence, err)
			}
		}
	case FormatCSV:
		w := csv.NewWriter(&buf)
		if err := w.Write(csvHeader); err != nil {
			return nil, err
		}
		for _, e := range events {
			if err := w.Write(csvRow(e)); err != nil {
				return nil, fmt.Errorf("audit: write csv row %d: %w", e.Sequence, err)
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, fmt.Errorf("audit: flush csv: %w", err)
		}
	default:
		return nil, fmt.Errorf("audit: unsupported format %q", format)
	}
	return buf.Bytes(), nil
}

func csvRow(e Event) []string {
	return []string{
		strconv.FormatUint(e.Sequence, 10), e.ID, string(e.EventType),
		e.Actor.Type, e.Actor.ID, e.Actor.Name, e.Action,
		e.Resource.Type, e.Resource.ID, e.RiskLevel, e.WorkflowID, e.Outcome,
		e.PayloadDigest, formatDetails(e.Details), e.PreviousHash, e.CurrentHash,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// formatDetails renders k=v pairs in key order separated by ";".
func formatDetails(d map[string]string) string {
	if len(d) == 0 {
		return ""
	}
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + d[k]
	}
	return strings.Join(parts, ";")
}
