package cli

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ppiankov/agentgov/internal/config"
	"github.com/ppiankov/agentgov/internal/errs"
	"github.com/ppiankov/agentgov/internal/model"
	"github.com/ppiankov/agentgov/internal/policy"
	"github.com/ppiankov/agentgov/internal/risk"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	c := config.DefaultConfig()
	c.Audit.Backend = config.BackendFile
	c.Audit.Path = filepath.Join(dir, "audit.jsonl")
	c.Audit.HMACKeyEnv = "AGENTGOV_TEST_UNSET_KEY"
	c.Policy.RulesPath = filepath.Join(dir, "rules.yaml")
	c.OrgPolicy.Dir = filepath.Join(dir, "org")
	c.Workflow.StoreDir = filepath.Join(dir, "workflows")
	c.Events.Log = false
	return c
}

func TestBuildRuntimeContinuesChainAcrossRestarts(t *testing.T) {
	c := testConfig(t)
	ctx := context.Background()

	rt, err := buildRuntime(ctx, c, zerolog.Nop(), buildOptions{})
	if err != nil {
		t.Fatalf("buildRuntime: %v", err)
	}
	caller := model.Principal{Type: "user", UserID: "alice", Role: "developer"}
	cx := risk.ContextFor(caller, model.EnvDev, 1, model.ScopeSingle)
	if _, err := rt.svc.EvaluateToolCall(ctx, caller, cx, risk.Action{Tool: "read_file"}, ""); err != nil {
		t.Fatalf("EvaluateToolCall: %v", err)
	}
	seq, _ := rt.svc.AuditTip()
	if seq != 2 {
		t.Fatalf("expected rules reload and tool call events, tip at %d", seq)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rt, err = buildRuntime(ctx, c, zerolog.Nop(), buildOptions{})
	if err != nil {
		t.Fatalf("second buildRuntime: %v", err)
	}
	defer rt.Close()
	seq, _ = rt.svc.AuditTip()
	if seq != 3 {
		t.Errorf("expected the restart to append one reload event after sequence 2, tip at %d", seq)
	}
	res, err := rt.svc.VerifyAuditIntegrity(ctx)
	if err != nil || !res.Valid {
		t.Errorf("chain should verify after restart: %+v, %v", res, err)
	}
}

func TestBuildRuntimeRefusesTamperedChain(t *testing.T) {
	c := testConfig(t)
	ctx := context.Background()

	rt, err := buildRuntime(ctx, c, zerolog.Nop(), buildOptions{})
	if err != nil {
		t.Fatalf("buildRuntime: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(c.Audit.Path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(data), `"action":"reload"`, `"action":"noop"`, 1)
	if tampered == string(data) {
		t.Fatal("fixture did not contain the reload event")
	}
	if err := os.WriteFile(c.Audit.Path, []byte(tampered), 0600); err != nil {
		t.Fatal(err)
	}

	_, err = buildRuntime(ctx, c, zerolog.Nop(), buildOptions{})
	if err == nil {
		t.Fatal("expected startup to refuse a tampered chain")
	}
	if !errs.IsIntegrity(err) {
		t.Errorf("expected an integrity error, got %v", err)
	}
}

func TestBuildRuntimeDryRunLeavesLedgerUntouched(t *testing.T) {
	c := testConfig(t)
	ctx := context.Background()

	rt, err := buildRuntime(ctx, c, zerolog.Nop(), buildOptions{dryRun: true})
	if err != nil {
		t.Fatalf("buildRuntime: %v", err)
	}
	caller := localPrincipal()
	cx := risk.ContextFor(caller, model.EnvProd, 4, model.ScopeSystemWide)
	res, err := rt.svc.EvaluateToolCall(ctx, caller, cx, risk.Action{Tool: "delete_database"}, "")
	if err != nil {
		t.Fatalf("EvaluateToolCall: %v", err)
	}
	if res.Assessment.RiskLevel != model.RiskCritical {
		t.Errorf("expected CRITICAL, got %s", res.Assessment.RiskLevel)
	}
	if res.Allowed() {
		t.Error("a critical production action must not be allowed unattended")
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := os.Stat(c.Audit.Path); !os.IsNotExist(err) {
		t.Errorf("dry run must not create the audit file, stat err = %v", err)
	}
}

func TestBuildRuntimeRegistersConfiguredTools(t *testing.T) {
	c := testConfig(t)
	c.Tools = []config.ToolConfig{{ID: "launch_rocket", BaseLevel: "CRITICAL", Description: "irreversible"}}

	rt, err := buildRuntime(context.Background(), c, zerolog.Nop(), buildOptions{dryRun: true})
	if err != nil {
		t.Fatalf("buildRuntime: %v", err)
	}
	defer rt.Close()

	if got := rt.svc.Matrix().BaseLevel("launch_rocket"); got != model.RiskCritical {
		t.Errorf("expected configured tool at CRITICAL, got %s", got)
	}
}

func TestBuildRuntimeRejectsBadToolLevel(t *testing.T) {
	c := testConfig(t)
	c.Tools = []config.ToolConfig{{ID: "x", BaseLevel: "EXTREME"}}

	if _, err := buildRuntime(context.Background(), c, zerolog.Nop(), buildOptions{dryRun: true}); err == nil {
		t.Fatal("expected an unknown risk level to be rejected")
	}
}

func TestBuildRuntimeLoadsRulesFile(t *testing.T) {
	c := testConfig(t)
	doc := `rules:
  - id: deny-shell
    name: No shell
    priority: 1
    conditions:
      - field: tool
        operator: eq
        value: run_shell
    actions:
      - type: deny
`
	if err := os.WriteFile(c.Policy.RulesPath, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	rt, err := buildRuntime(context.Background(), c, zerolog.Nop(), buildOptions{dryRun: true})
	if err != nil {
		t.Fatalf("buildRuntime: %v", err)
	}
	defer rt.Close()

	rules := rt.svc.ListRules()
	if len(rules) != 1 || rules[0].ID != "deny-shell" {
		t.Fatalf("expected the file's single rule, got %+v", rules)
	}
}

func TestDefaultRulesAreValid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(policy.DefaultRulesYAML()), 0644); err != nil {
		t.Fatal(err)
	}
	rules, hash, err := policy.LoadRulesWithHash(path)
	if err != nil {
		t.Fatalf("built-in rules must validate: %v", err)
	}
	if len(rules) == 0 || hash == "" {
		t.Errorf("expected rules and a hash, got %d rules, hash %q", len(rules), hash)
	}
}

func TestParseKeyValues(t *testing.T) {
	got, err := parseKeyValues([]string{"ticket=ENG-12", " repo =agentgov", "note=a=b"})
	if err != nil {
		t.Fatalf("parseKeyValues: %v", err)
	}
	if got["ticket"] != "ENG-12" || got["repo"] != "agentgov" || got["note"] != "a=b" {
		t.Errorf("unexpected parse: %v", got)
	}

	if _, err := parseKeyValues([]string{"novalue"}); err == nil {
		t.Error("expected an error for a pair without =")
	}
	if m, err := parseKeyValues(nil); err != nil || m != nil {
		t.Errorf("expected nil map for no pairs, got %v, %v", m, err)
	}
}
