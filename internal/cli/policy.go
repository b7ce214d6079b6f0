package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ppiankov/agentgov/internal/errs"
	"github.com/ppiankov/agentgov/internal/model"
	"github.com/ppiankov/agentgov/internal/orgpolicy"
	"github.com/ppiankov/agentgov/internal/policy"
	"github.com/ppiankov/agentgov/internal/risk"
	"github.com/ppiankov/agentgov/internal/server"
)

var (
	policyInitForce bool

	evalRules          string
	evalTool           string
	evalResource       string
	evalOperation      string
	evalEnv            string
	evalClassification int
	evalScope          string
	evalRiskLevel      string
	evalUser           string
	evalRole           string
	evalWorkflowType   string
	evalAttrs          []string
)

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyInitCmd, policyValidateCmd, policyEvalCmd, policyRulesCmd)
	policyRulesCmd.AddCommand(policyRulesListCmd, policyRulesEnableCmd, policyRulesDisableCmd, policyRulesReloadCmd)
	addRemoteFlags(policyRulesCmd)

	policyInitCmd.Flags().BoolVar(&policyInitForce, "force", false, "Overwrite an existing rules file")

	f := policyEvalCmd.Flags()
	f.StringVar(&evalRules, "rules", "", "Rules file (defaults to policy.rules_path)")
	f.StringVar(&evalTool, "tool", "", "Tool identifier")
	f.StringVar(&evalResource, "resource", "", "Resource")
	f.StringVar(&evalOperation, "operation", "", "Operation")
	f.StringVar(&evalEnv, "env", string(model.EnvDev), "Environment (dev, staging, prod)")
	f.IntVar(&evalClassification, "classification", 1, "Data classification 1 to 4")
	f.StringVar(&evalScope, "scope", string(model.ScopeSingle), "Scope")
	f.StringVar(&evalRiskLevel, "risk-level", "", "Risk level of the request, as an assessment would report it")
	f.StringVar(&evalUser, "user", "", "User id")
	f.StringVar(&evalRole, "role", "", "User role")
	f.StringVar(&evalWorkflowType, "workflow-type", "", "Workflow type")
	f.StringArrayVar(&evalAttrs, "attr", nil, "Request attribute key=value (repeatable)")
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Policy rule files and evaluation",
}

var policyInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the built-in rules to a file",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPolicyInit,
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Validate a rules file",
	Long:  "Parses the rules file and reports every structural violation. Exits 1 when invalid.",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyValidate,
}

var policyEvalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate a request against a rules file",
	Long: "Evaluates one request against the rules file and the default organization\n" +
		"policy without contacting a server. Useful for testing rule changes.",
	RunE: runPolicyEval,
}

var policyRulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect and toggle the rules loaded in a server",
}

var policyRulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules in evaluation order",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *server.Client) error {
			rules, err := c.ListRules(ctx)
			if err != nil {
				return err
			}
			printRules(rules)
			return nil
		})
	},
}

var policyRulesEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a rule",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setRuleEnabled(args[0], true) },
}

var policyRulesDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a rule",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setRuleEnabled(args[0], false) },
}

var policyRulesReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Make the server re-read its rules file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *server.Client) error {
			if err := c.ReloadRules(ctx); err != nil {
				return err
			}
			fmt.Println("Rules reloaded.")
			return nil
		})
	},
}

func runPolicyInit(cmd *cobra.Command, args []string) error {
	path := cfg.Policy.RulesPath
	if len(args) == 1 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil && !policyInitForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(policy.DefaultRulesYAML()), 0644); err != nil {
		return fmt.Errorf("failed to write rules: %w", err)
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

func runPolicyValidate(cmd *cobra.Command, args []string) error {
	rules, hash, err := policy.LoadRulesWithHash(args[0])
	if err != nil {
		var verr *errs.ValidationError
		if errors.As(err, &verr) {
			fmt.Fprintf(os.Stderr, "INVALID: %s\n", args[0])
			for _, v := range verr.Violations {
				fmt.Fprintf(os.Stderr, "  - %s\n", v)
			}
			os.Exit(1)
		}
		return err
	}
	fmt.Printf("OK: %d rules (%s)\n", len(rules), hash)
	return nil
}

func runPolicyEval(cmd *cobra.Command, args []string) error {
	path := evalRules
	if path == "" {
		path = cfg.Policy.RulesPath
	}
	rules, err := policy.LoadRules(path)
	if err != nil {
		return err
	}
	attrs, err := parseKeyValues(evalAttrs)
	if err != nil {
		return err
	}

	in := policy.Input{
		Tool:      evalTool,
		Resource:  evalResource,
		Operation: evalOperation,
		Context: risk.CARSContext{
			Environment:        model.Environment(evalEnv),
			DataClassification: evalClassification,
			Scope:              model.Scope(evalScope),
			UserID:             evalUser,
			UserRole:           evalRole,
			WorkflowType:       evalWorkflowType,
		},
		Attributes: attrs,
	}
	if evalRiskLevel != "" {
		level, err := model.ParseRiskLevel(evalRiskLevel)
		if err != nil {
			return err
		}
		in.Assessment = &risk.RiskAssessment{Tool: evalTool, RiskLevel: level, Context: in.Context}
	}

	org := orgpolicy.Default()
	if cfg.OrgPolicy.Dir != "" {
		if store, err := orgpolicy.Open(cfg.OrgPolicy.Dir); err == nil {
			org = store.Policy()
		}
	}
	return printJSON(policy.Evaluate(in, rules, org, nil))
}

func setRuleEnabled(id string, enabled bool) error {
	return withClient(func(ctx context.Context, c *server.Client) error {
		r, err := c.SetRuleEnabled(ctx, id, enabled)
		if err != nil {
			return err
		}
		state := "disabled"
		if r.Enabled {
			state = "enabled"
		}
		fmt.Printf("Rule %s %s\n", r.ID, state)
		return nil
	})
}

func printRules(rules []policy.PolicyRule) {
	if len(rules) == 0 {
		fmt.Println("No rules.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PRIORITY\tID\tENABLED\tCONDITIONS\tNAME")
	for _, r := range rules {
		fmt.Fprintf(tw, "%d\t%s\t%t\t%d\t%s\n", r.Priority, r.ID, r.Enabled, len(r.Conditions), r.Name)
	}
	_ = tw.Flush()
}
