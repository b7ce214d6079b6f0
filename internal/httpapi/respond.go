package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ppiankov/agentgov/internal/audit"
	"github.com/ppiankov/agentgov/internal/errs"
	"github.com/ppiankov/agentgov/internal/identity"
	"github.com/ppiankov/agentgov/internal/model"
	"github.com/ppiankov/agentgov/internal/workflow"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error            string   `json:"error"`
	Violations       []string `json:"violations,omitempty"`
	BrokenAtSequence uint64   `json:"broken_at_sequence,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, violations []string) {
	writeJSON(w, status, errorBody{Error: msg, Violations: violations})
}

// fail maps the service error taxonomy onto HTTP status codes.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *errs.ValidationError
		ie *errs.IntegrityError
	)
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, err.Error(), ve.Violations)
	case errs.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error(), nil)
	case errs.IsConflict(err):
		writeError(w, http.StatusConflict, err.Error(), nil)
	case errors.As(err, &ie):
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error(), BrokenAtSequence: ie.BrokenAtSequence})
	case errors.Is(err, workflow.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error(), nil)
	default:
		a.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.Validation("decode request", err.Error())
	}
	return nil
}

func callerOf(r *http.Request) model.Principal {
	p, _ := identity.FromContext(r.Context())
	return p
}

// parseFilter reads an audit filter from query parameters.
func parseFilter(q url.Values) (audit.Filter, error) {
	f := audit.Filter{
		ActorID:      q.Get("actor_id"),
		WorkflowID:   q.Get("workflow_id"),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		RiskLevel:    q.Get("risk_level"),
		Outcome:      q.Get("outcome"),
	}
	for _, t := range q["event_type"] {
		f.EventTypes = append(f.EventTypes, audit.EventType(t))
	}

	var violations []string
	parseTime := func(key string, dst *time.Time) {
		if v := q.Get(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				violations = append(violations, fmt.Sprintf("%s must be RFC3339: %v", key, err))
				return
			}
			*dst = t
		}
	}
	parseTime("from", &f.From)
	parseTime("to", &f.To)
	if v := q.Get("after_sequence"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			violations = append(violations, "after_sequence must be a non-negative integer")
		}
		f.AfterSequence = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			violations = append(violations, "limit must be a non-negative integer")
		}
		f.Limit = n
	}
	if len(violations) > 0 {
		return audit.Filter{}, errs.Validation("audit filter", violations...)
	}
	return f, nil
}
