package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ppiankov/agentgov/internal/audit"
	"github.com/ppiankov/agentgov/internal/governance"
	"github.com/ppiankov/agentgov/internal/identity"
	"github.com/ppiankov/agentgov/internal/model"
	"github.com/ppiankov/agentgov/internal/orgpolicy"
	"github.com/ppiankov/agentgov/internal/policy"
	"github.com/ppiankov/agentgov/internal/workflow"
)

const (
	aliceToken    = "alice-secret"
	reviewerToken = "reviewer-secret"
)

type testAPI struct {
	handler http.Handler
	svc     *governance.Service
}

func newTestAPI(t *testing.T, cfg governance.Config, opts ...Option) *testAPI {
	t.Helper()
	svc := governance.New(cfg)
	t.Cleanup(func() { svc.Close() })
	reg, err := identity.NewRegistry([]identity.PrincipalConfig{
		{Token: aliceToken, UserID: "alice", Role: "engineer"},
		{Token: reviewerToken, UserID: "reviewer-1", Role: "lead"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return &testAPI{handler: New(svc, reg, opts...), svc: svc}
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

var stagingContext = map[string]any{
	"environment":         "staging",
	"data_classification": 2,
	"scope":               "single-target",
}

func TestHealthzNeedsNoToken(t *testing.T) {
	api := newTestAPI(t, governance.Config{})
	if rec := api.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec := api.do(t, http.MethodGet, "/v1/audit/stats", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("expected WWW-Authenticate header")
	}
	if rec := api.do(t, http.MethodGet, "/v1/audit/stats", "nope", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", rec.Code)
	}
}

func TestEvaluateToolCall(t *testing.T) {
	api := newTestAPI(t, governance.Config{})
	rec := api.do(t, http.MethodPost, "/v1/tool-calls/evaluate", aliceToken, map[string]any{
		"context": map[string]any{
			"environment":         "prod",
			"data_classification": 4,
			"scope":               "system-wide",
		},
		"action": map[string]any{"tool": "delete_database", "resource": "orders"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	res := decodeBody[governance.ToolCallResult](t, rec)
	if res.Assessment.RiskLevel != model.RiskCritical || res.Decision.Decision != model.RequireApproval {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Sequence != 1 {
		t.Errorf("expected audit sequence 1, got %d", res.Sequence)
	}
}

func TestStatusMapping(t *testing.T) {
	api := newTestAPI(t, governance.Config{})

	rec := api.do(t, http.MethodPost, "/v1/risk/assess", aliceToken, map[string]any{
		"context": map[string]any{"environment": "moon"},
		"action":  map[string]any{"tool": "deploy"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid context: expected 400, got %d", rec.Code)
	}
	body := decodeBody[errorBody](t, rec)
	if len(body.Violations) < 3 {
		t.Errorf("expected every violation listed, got %v", body.Violations)
	}

	if rec := api.do(t, http.MethodPost, "/v1/risk/assess", aliceToken, `{"bogus": 1}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown field: expected 400, got %d", rec.Code)
	}
	if rec := api.do(t, http.MethodGet, "/v1/workflows/wf-none", aliceToken, nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing workflow: expected 404, got %d", rec.Code)
	}
	if rec := api.do(t, http.MethodGet, "/v1/audit/events?limit=-1", aliceToken, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad filter: expected 400, got %d", rec.Code)
	}
	if rec := api.do(t, http.MethodPost, "/v1/policy/reload", aliceToken, nil); rec.Code != http.StatusConflict {
		t.Errorf("reload without file: expected 409, got %d", rec.Code)
	}
}

func TestRuleEndpoints(t *testing.T) {
	api := newTestAPI(t, governance.Config{})

	rec := api.do(t, http.MethodPost, "/v1/policy/rules", aliceToken, policy.PolicyRule{
		ID:         "deny-prod-deploy",
		Name:       "deny prod deploy",
		Enabled:    true,
		Priority:   5,
		Conditions: []policy.Condition{{Field: "environment", Operator: policy.OpEq, Value: "prod"}},
		Actions:    []policy.Action{{Type: policy.ActionDeny}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body)
	}
	if rec := api.do(t, http.MethodPost, "/v1/policy/rules", aliceToken, policy.PolicyRule{ID: "deny-prod-deploy", Name: "dup",
		Conditions: []policy.Condition{{Field: "tool", Operator: policy.OpEq, Value: "x"}},
		Actions:    []policy.Action{{Type: policy.ActionLog}},
	}); rec.Code != http.StatusConflict {
		t.Errorf("duplicate id: expected 409, got %d", rec.Code)
	}

	rec = api.do(t, http.MethodPost, "/v1/policy/evaluate", aliceToken, map[string]any{
		"tool": "deploy",
		"context": map[string]any{
			"environment":         "prod",
			"data_classification": 1,
			"scope":               "single-target",
		},
	})
	d := decodeBody[policy.Decision](t, rec)
	if d.Decision != model.Deny || d.GoverningRule != "deny-prod-deploy" {
		t.Fatalf("expected deny-prod-deploy to govern, got %+v", d)
	}

	if rec := api.do(t, http.MethodPost, "/v1/policy/rules/deny-prod-deploy/disable", aliceToken, nil); rec.Code != http.StatusOK {
		t.Fatalf("disable: expected 200, got %d", rec.Code)
	}
	rule := decodeBody[policy.PolicyRule](t, api.do(t, http.MethodGet, "/v1/policy/rules/deny-prod-deploy", aliceToken, nil))
	if rule.Enabled {
		t.Error("rule should be disabled")
	}
	if rec := api.do(t, http.MethodDelete, "/v1/policy/rules/deny-prod-deploy", aliceToken, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}
	if rec := api.do(t, http.MethodGet, "/v1/policy/rules/deny-prod-deploy", aliceToken, nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: expected 404, got %d", rec.Code)
	}
}

func TestReloadEndpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(policy.DefaultRulesYAML()), 0600); err != nil {
		t.Fatal(err)
	}
	api := newTestAPI(t, governance.Config{}, WithRulesPath(path))

	rec := api.do(t, http.MethodPost, "/v1/policy/reload", aliceToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if len(api.svc.ListRules()) == 0 {
		t.Error("expected rules after reload")
	}
}

func TestWorkflowEndpoints(t *testing.T) {
	api := newTestAPI(t, governance.Config{})

	rec := api.do(t, http.MethodPost, "/v1/workflows", aliceToken, map[string]any{
		"type":    "design-to-code",
		"input":   map[string]string{"design": "docs/cache.md"},
		"context": stagingContext,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start: expected 201, got %d: %s", rec.Code, rec.Body)
	}
	wf := decodeBody[workflow.Workflow](t, rec)
	if wf.Status != workflow.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", wf.Status, wf.Error)
	}

	rec = api.do(t, http.MethodGet, "/v1/workflows/"+wf.ID+"/events", aliceToken, nil)
	evs := decodeBody[struct {
		Events []audit.Event `json:"events"`
	}](t, rec)
	if len(evs.Events) == 0 || evs.Events[0].EventType != audit.EventWorkflowStarted {
		t.Fatalf("unexpected workflow events %+v", evs.Events)
	}

	if rec := api.do(t, http.MethodPost, "/v1/workflows/"+wf.ID+"/cancel", aliceToken, nil); rec.Code != http.StatusConflict {
		t.Errorf("cancel completed: expected 409, got %d", rec.Code)
	}
	list := decodeBody[struct {
		Workflows []workflow.Workflow `json:"workflows"`
	}](t, api.do(t, http.MethodGet, "/v1/workflows?status=completed", aliceToken, nil))
	if len(list.Workflows) != 1 {
		t.Errorf("expected one completed workflow, got %d", len(list.Workflows))
	}
	types := decodeBody[map[string][]string](t, api.do(t, http.MethodGet, "/v1/workflows/types", aliceToken, nil))
	if len(types["types"]) != 2 {
		t.Errorf("unexpected workflow types %v", types)
	}
}

func TestExceptionEndpoints(t *testing.T) {
	api := newTestAPI(t, governance.Config{})

	rec := api.do(t, http.MethodPost, "/v1/org/exceptions", aliceToken, orgpolicy.ExceptionRequest{
		Scope:         orgpolicy.ExceptionScope{Type: orgpolicy.ScopeResource, ID: "billing-db"},
		Justification: "quarter close",
		DurationDays:  3,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("request: expected 201, got %d: %s", rec.Code, rec.Body)
	}
	ex := decodeBody[orgpolicy.PolicyException](t, rec)

	rec = api.do(t, http.MethodPost, "/v1/org/exceptions/"+ex.ID+"/review", reviewerToken, map[string]any{"approve": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("review: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if rec := api.do(t, http.MethodPost, "/v1/org/exceptions/"+ex.ID+"/review", reviewerToken, map[string]any{"approve": false}); rec.Code != http.StatusConflict {
		t.Errorf("second review: expected 409, got %d", rec.Code)
	}

	list := decodeBody[struct {
		Exceptions []orgpolicy.PolicyException `json:"exceptions"`
	}](t, api.do(t, http.MethodGet, "/v1/org/exceptions?status=approved", aliceToken, nil))
	if len(list.Exceptions) != 1 || list.Exceptions[0].ReviewedBy != "reviewer-1" {
		t.Errorf("unexpected exceptions %+v", list.Exceptions)
	}

	rec = api.do(t, http.MethodPatch, "/v1/org/policy", aliceToken, map[string]any{"max_data_tier": 3})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if p := decodeBody[orgpolicy.OrganizationPolicy](t, rec); p.MaxDataTier != 3 || p.UpdatedBy != "alice" {
		t.Errorf("unexpected org policy %+v", p)
	}
}

func TestAuditExportAndIntegrity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	backend, err := audit.OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	log, err := audit.New(context.Background(), backend)
	if err != nil {
		t.Fatal(err)
	}
	api := newTestAPI(t, governance.Config{Audit: log})

	for _, action := range []string{"alpha", "beta"} {
		rec := api.do(t, http.MethodPost, "/v1/audit/events", aliceToken, map[string]any{"action": action, "outcome": "ok"})
		if rec.Code != http.StatusCreated {
			t.Fatalf("append: expected 201, got %d: %s", rec.Code, rec.Body)
		}
	}

	rec := api.do(t, http.MethodGet, "/v1/audit/export?format=csv", aliceToken, nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "text/csv" {
		t.Fatalf("export: got %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if lines := strings.Count(strings.TrimSpace(rec.Body.String()), "\n"); lines != 2 {
		t.Errorf("expected header plus two rows, got %d newlines", lines)
	}
	if rec := api.do(t, http.MethodGet, "/v1/audit/export?format=xml", aliceToken, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad format: expected 400, got %d", rec.Code)
	}

	rec = api.do(t, http.MethodGet, "/v1/audit/events?actor_id=alice&limit=1", aliceToken, nil)
	page := decodeBody[struct {
		Events []audit.Event `json:"events"`
	}](t, rec)
	if len(page.Events) != 1 || page.Events[0].Action != "alpha" {
		t.Fatalf("unexpected page %+v", page.Events)
	}

	if rec := api.do(t, http.MethodGet, "/v1/audit/verify", aliceToken, nil); rec.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d", rec.Code)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(data), `"action":"beta"`, `"action":"gamma"`, 1)
	if err := os.WriteFile(path, []byte(tampered), 0600); err != nil {
		t.Fatal(err)
	}
	rec = api.do(t, http.MethodGet, "/v1/audit/verify", aliceToken, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("tampered verify: expected 500, got %d", rec.Code)
	}
	if body := decodeBody[errorBody](t, rec); body.BrokenAtSequence != 2 {
		t.Errorf("expected break at 2, got %+v", body)
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	api := newTestAPI(t, governance.Config{})
	body := `{"action":"sync","details":{"blob":"` + strings.Repeat("x", maxBodyBytes) + `"}}`

	rec := api.do(t, http.MethodPost, "/v1/audit/events", aliceToken, body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an oversized body, got %d", rec.Code)
	}
	if seq, _ := api.svc.AuditTip(); seq != 0 {
		t.Errorf("oversized request must not be recorded, tip %d", seq)
	}
}

func TestRequestsAreLogged(t *testing.T) {
	var buf bytes.Buffer
	api := newTestAPI(t, governance.Config{}, WithLogger(zerolog.New(&buf)))

	api.do(t, http.MethodGet, "/v1/policy/rules", "", nil)

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["status"] != float64(http.StatusUnauthorized) || line["path"] != "/v1/policy/rules" {
		t.Errorf("unexpected request log %v", line)
	}
	if id, _ := line["request_id"].(string); id == "" {
		t.Errorf("expected a request id in %v", line)
	}
	if line["component"] != "http" {
		t.Errorf("expected the http component, got %v", line["component"])
	}
}
