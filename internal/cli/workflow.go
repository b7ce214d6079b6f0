package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ppiankov/agentgov/internal/model"
	"github.com/ppiankov/agentgov/internal/risk"
	"github.com/ppiankov/agentgov/internal/server"
	"github.com/ppiankov/agentgov/internal/workflow"
)

var (
	wfInput          []string
	wfEnv            string
	wfClassification int
	wfScope          string
	wfAsync          bool
	wfListStatus     string
	wfListType       string
)

func init() {
	rootCmd.AddCommand(workflowCmd)
	addRemoteFlags(workflowCmd)
	workflowCmd.AddCommand(workflowStartCmd, workflowGetCmd, workflowListCmd, workflowResumeCmd, workflowCancelCmd)

	workflowStartCmd.Flags().StringArrayVar(&wfInput, "input", nil, "Workflow input as key=value (repeatable)")
	workflowStartCmd.Flags().StringVar(&wfEnv, "env", string(model.EnvDev), "Environment (dev, staging, prod)")
	workflowStartCmd.Flags().IntVar(&wfClassification, "classification", 1, "Data classification 1 to 4")
	workflowStartCmd.Flags().StringVar(&wfScope, "scope", string(model.ScopeSingle), "Scope (single-target, multi-target, system-wide)")
	workflowStartCmd.Flags().BoolVar(&wfAsync, "async", false, "Return as soon as the workflow is running")

	workflowListCmd.Flags().StringVar(&wfListStatus, "status", "", "Only workflows in this status")
	workflowListCmd.Flags().StringVar(&wfListType, "type", "", "Only workflows of this type")
}

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Start and steer governed workflows on a server",
}

var workflowStartCmd = &cobra.Command{
	Use:   "start <type>",
	Short: "Start a workflow (design-to-code, ticket-to-pr, ...)",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowStart,
}

var workflowGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *server.Client) error {
			w, err := c.GetWorkflow(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(w)
		})
	},
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *server.Client) error {
			ws, err := c.ListWorkflows(ctx, workflow.ListFilter{Status: workflow.Status(wfListStatus), Type: wfListType})
			if err != nil {
				return err
			}
			printWorkflows(ws)
			return nil
		})
	},
}

var workflowResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Approve the pending stage of a workflow awaiting approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *server.Client) error {
			w, err := c.ResumeWorkflow(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Workflow %s resumed: %s\n", w.ID, w.Status)
			return nil
		})
	},
}

var workflowCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *server.Client) error {
			w, err := c.CancelWorkflow(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Workflow %s: %s\n", w.ID, w.Status)
			return nil
		})
	},
}

func runWorkflowStart(cmd *cobra.Command, args []string) error {
	input, err := parseKeyValues(wfInput)
	if err != nil {
		return err
	}
	req := server.StartWorkflowRequest{
		Type:  args[0],
		Input: input,
		Context: risk.CARSContext{
			Environment:        model.Environment(wfEnv),
			DataClassification: wfClassification,
			Scope:              model.Scope(wfScope),
		},
		Async: wfAsync,
	}
	return withClient(func(ctx context.Context, c *server.Client) error {
		w, err := c.StartWorkflow(ctx, req)
		if err != nil {
			return err
		}
		return printJSON(w)
	})
}

func withClient(fn func(context.Context, *server.Client) error) error {
	client, err := dialRemote()
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(context.Background(), client)
}

func parseKeyValues(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid input %q, expected key=value", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func printWorkflows(ws []workflow.Workflow) {
	if len(ws) == 0 {
		fmt.Println("No workflows.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tRISK\tSTAGE\tUPDATED")
	for _, w := range ws {
		level := "-"
		if w.RiskAssessment != nil {
			level = w.RiskAssessment.RiskLevel.String()
		}
		stage := w.PendingStage
		if stage == "" {
			stage = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", w.ID, w.Type, w.Status, level, stage, w.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	_ = tw.Flush()
}
