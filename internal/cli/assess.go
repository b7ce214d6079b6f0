package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/agentgov/internal/governance"
	"github.com/ppiankov/agentgov/internal/model"
	"github.com/ppiankov/agentgov/internal/risk"
)

var (
	assessTool           string
	assessResource       string
	assessOperation      string
	assessActionFile     string
	assessEnv            string
	assessClassification int
	assessScope          string
	assessUser           string
	assessRole           string
	assessWorkflowType   string
	assessFailures       int
	assessServer         string
	assessToken          string
)

func init() {
	rootCmd.AddCommand(assessCmd)
	f := assessCmd.Flags()
	f.StringVar(&assessTool, "tool", "", "Tool identifier, e.g. delete_database")
	f.StringVar(&assessResource, "resource", "", "Resource the tool acts on")
	f.StringVar(&assessOperation, "operation", "", "Operation (read, write, delete, execute)")
	f.StringVar(&assessActionFile, "action-file", "", "JSON file with the full action, including history and metrics")
	f.StringVar(&assessEnv, "env", string(model.EnvDev), "Environment (dev, staging, prod)")
	f.IntVar(&assessClassification, "classification", 1, "Data classification 1 (public) to 4 (restricted)")
	f.StringVar(&assessScope, "scope", string(model.ScopeSingle), "Scope (single-target, multi-target, system-wide)")
	f.StringVar(&assessUser, "user", "", "User id (defaults to the local operator)")
	f.StringVar(&assessRole, "role", "", "User role")
	f.StringVar(&assessWorkflowType, "workflow-type", "", "Workflow type the action belongs to")
	f.IntVar(&assessFailures, "failures", 0, "Recent failures recorded for the user")
	f.StringVar(&assessServer, "server", "", "Evaluate on a running server (host:port) instead of locally")
	f.StringVar(&assessToken, "token", "", "Bearer token for --server (or AGENTGOV_TOKEN)")
}

var assessCmd = &cobra.Command{
	Use:   "assess",
	Short: "Assess a proposed tool call and evaluate policy",
	Long: "Scores the action with the context-aware risk engine, evaluates the policy rules\n" +
		"against the assessment and prints the combined decision as JSON.\n" +
		"Without --server the evaluation is a local dry run: the configured rules and\n" +
		"organization policy are used, but nothing is written to the audit log.\n" +
		"Exits 0 on allow, 2 on require_approval, 3 on deny.",
	RunE: runAssess,
}

func runAssess(cmd *cobra.Command, args []string) error {
	action, err := assessAction()
	if err != nil {
		return err
	}
	caller := localPrincipal()
	if assessUser != "" {
		caller.UserID, caller.Name = assessUser, assessUser
	}
	if assessRole != "" {
		caller.Role = assessRole
	}
	cx := risk.ContextFor(caller, model.Environment(assessEnv), assessClassification, model.Scope(assessScope))
	cx.WorkflowType = assessWorkflowType
	cx.UserFailureHistory = assessFailures

	ctx := context.Background()
	var result governance.ToolCallResult
	if assessServer != "" {
		client, err := dialServer(assessServer, assessToken)
		if err != nil {
			return err
		}
		defer client.Close()
		result, err = client.EvaluateToolCall(ctx, cx, action, "")
		if err != nil {
			return err
		}
	} else {
		rt, err := buildRuntime(ctx, cfg, logger, buildOptions{dryRun: true})
		if err != nil {
			return err
		}
		defer rt.Close()
		result, err = rt.svc.EvaluateToolCall(ctx, caller, cx, action, "")
		if err != nil {
			return err
		}
	}

	if err := printJSON(result); err != nil {
		return err
	}
	switch result.Decision.Decision {
	case model.RequireApproval:
		os.Exit(2)
	case model.Deny:
		os.Exit(3)
	}
	return nil
}

func assessAction() (risk.Action, error) {
	var action risk.Action
	if assessActionFile != "" {
		data, err := os.ReadFile(assessActionFile)
		if err != nil {
			return action, fmt.Errorf("read action file: %w", err)
		}
		if err := json.Unmarshal(data, &action); err != nil {
			return action, fmt.Errorf("parse action file: %w", err)
		}
	}
	if assessTool != "" {
		action.Tool = assessTool
	}
	if assessResource != "" {
		action.Resource = assessResource
	}
	if assessOperation != "" {
		action.Operation = assessOperation
	}
	if strings.TrimSpace(action.Tool) == "" {
		return action, fmt.Errorf("--tool or an action file with a tool is required")
	}
	return action, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
