// Package redact masks sensitive values before they reach the audit
// ledger or leave the service. The ledger is append-only, so anything
// written there can never be removed again.
package redact

import "strings"

// Mask replaces a redacted value.
const Mask = "[REDACTED]"

// DefaultSensitiveKeys are always masked, whatever the policy decided.
var DefaultSensitiveKeys = []string{
	"password", "passwd", "secret", "token", "api_key", "apikey",
	"authorization", "private_key", "credit_card", "card_number", "cvv", "ssn",
}

// Text masks every sensitive match in s.
func Text(s string) string {
	matches := Scan(s)
	if len(matches) == 0 {
		return s
	}
	// Longest first so a value that contains another is replaced whole.
	vals := make([]string, 0, len(matches))
	for _, m := range matches {
		vals = append(vals, m.Value)
	}
	sortByLenDesc(vals)
	for _, v := range vals {
		s = strings.ReplaceAll(s, v, Mask)
	}
	return s
}

// Params returns a copy of params with the listed fields and the default
// sensitive keys masked and every remaining value scanned. Field names
// match case-insensitively and may carry an "attributes." or "params."
// prefix, as policy rules name them.
func Params(params map[string]string, fields []string) map[string]string {
	if params == nil {
		return nil
	}
	keys := keySet(fields)
	out := make(map[string]string, len(params))
	for k, v := range params {
		if keys[strings.ToLower(k)] {
			out[k] = Mask
			continue
		}
		out[k] = Text(v)
	}
	return out
}

// Details scans every value of a details map and masks the default
// sensitive keys. The input is not modified.
func Details(details map[string]string) map[string]string {
	return Params(details, nil)
}

func keySet(fields []string) map[string]bool {
	set := make(map[string]bool, len(fields)+len(DefaultSensitiveKeys))
	for _, k := range DefaultSensitiveKeys {
		set[k] = true
	}
	for _, f := range fields {
		f = strings.ToLower(f)
		for _, p := range []string{"attributes.", "params."} {
			f = strings.TrimPrefix(f, p)
		}
		set[f] = true
	}
	return set
}

func sortByLenDesc(vals []string) {
	for i := 1; i < len(vals); i++ {
		for j := i; j > 0 && len(vals[j]) > len(vals[j-1]); j-- {
			vals[j], vals[j-1] = vals[j-1], vals[j]
		}
	}
}
