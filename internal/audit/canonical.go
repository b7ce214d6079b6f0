package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"golang.org/x/text/unicode/norm"
)

var errUnsupportedType = errors.New("audit: unsupported type in canonical form")

// canonicalFields returns the hashed view of e: every field except
// CurrentHash. Empty optional fields are omitted so the form does not
// depend on how a backend round-trips zero values.
func canonicalFields(e Event) map[string]any {
	m := map[string]any{
		"id":            e.ID,
		"sequence":      e.Sequence,
		"event_type":    string(e.EventType),
		"actor":         map[string]any{"type": e.Actor.Type, "id": e.Actor.ID, "name": e.Actor.Name},
		"action":        e.Action,
		"resource":      map[string]any{"type": e.Resource.Type, "id": e.Resource.ID},
		"previous_hash": e.PreviousHash,
		"created_at":    e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	optional := map[string]string{
		"risk_level":     e.RiskLevel,
		"workflow_id":    e.WorkflowID,
		"outcome":        e.Outcome,
		"payload_digest": e.PayloadDigest,
	}
	for k, v := range optional {
		if v != "" {
			m[k] = v
		}
	}
	if len(e.Details) > 0 {
		d := make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			d[k] = v
		}
		m["details"] = d
	}
	return m
}

// canonicalize encodes v as JSON with sorted keys and NFC-normalized
// strings. Floats are rejected.
func canonicalize(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch value := v.(type) {
	case nil:
		buf.WriteString("null")
	case string:
		return writeCanonicalString(buf, value)
	case bool:
		buf.WriteString(strconv.FormatBool(value))
	case int:
		buf.WriteString(strconv.FormatInt(int64(value), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(value, 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(value, 10))
	case map[string]any:
		return writeCanonicalMap(buf, value)
	case []any:
		buf.WriteByte('[')
		for i, item := range value {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return fmt.Errorf("%w: %T", errUnsupportedType, v)
	}
	return nil
}

func writeCanonicalString(buf *bytes.Buffer, s string) error {
	encoded, err := json.Marshal(norm.NFC.String(s))
	if err != nil {
		return err
	}
	buf.Write(encoded)
	return nil
}

func writeCanonicalMap(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	normalized := make(map[string]any, len(m))
	for k, v := range m {
		nk := norm.NFC.String(k)
		if _, dup := normalized[nk]; dup {
			return fmt.Errorf("audit: canonical key collision on %q", nk)
		}
		normalized[nk] = v
		keys = append(keys, nk)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonicalString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeCanonical(buf, normalized[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}
