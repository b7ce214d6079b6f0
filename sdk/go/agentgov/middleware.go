package agentgov

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Middleware returns an http.Handler that evaluates each request before
// passing it on. Blocked requests receive a 403 with a JSON body; requests
// that could not be evaluated receive a 503.
func (c *Client) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, err := c.Check(r.Context(), actionFromRequest(r))
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"blocked": true,
				"reason":  err.Error(),
			})
			return
		}
		if !result.Allowed() {
			writeJSON(w, http.StatusForbidden, map[string]any{
				"blocked":        true,
				"decision":       string(result.Decision),
				"reason":         result.Reason,
				"risk_level":     result.RiskLevel,
				"governing_rule": result.GoverningRule,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// actionFromRequest maps an HTTP request to an Action.
func actionFromRequest(r *http.Request) Action {
	resource := r.URL.String()
	if r.URL.Host == "" && r.Host != "" {
		resource = r.Host + r.URL.RequestURI()
	}

	op := "read"
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		op = "write"
	case http.MethodDelete:
		op = "delete"
	}

	return Action{
		Tool:      "external_api_call",
		Resource:  resource,
		Operation: op,
		Params: map[string]string{
			"method": strings.ToLower(r.Method),
			"host":   r.Host,
		},
	}
}
