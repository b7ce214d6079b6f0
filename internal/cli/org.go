package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ppiankov/agentgov/internal/model"
	"github.com/ppiankov/agentgov/internal/orgpolicy"
	"github.com/ppiankov/agentgov/internal/server"
)

var (
	orgMaxDataTier      int
	orgRequireProdAppr  bool
	orgApprovalLevel    string
	orgRetentionDays    int
	orgExceptionMaxDays int

	excScopeType     string
	excScopeID       string
	excJustification string
	excDays          int
	excNotes         string
	excStatus        string
)

func init() {
	rootCmd.AddCommand(orgCmd)
	addRemoteFlags(orgCmd)
	orgCmd.AddCommand(orgShowCmd, orgUpdateCmd, exceptionCmd)
	exceptionCmd.AddCommand(exceptionRequestCmd, exceptionApproveCmd, exceptionRejectCmd, exceptionListCmd)

	f := orgUpdateCmd.Flags()
	f.IntVar(&orgMaxDataTier, "max-data-tier", 0, "Highest data classification agents may touch (1-4)")
	f.BoolVar(&orgRequireProdAppr, "require-approval-for-production", true, "Require approval for production actions no rule governs")
	f.StringVar(&orgApprovalLevel, "require-approval-at", "", "Risk level at or above which approval is required")
	f.IntVar(&orgRetentionDays, "retention-days", 0, "Audit retention in days")
	f.IntVar(&orgExceptionMaxDays, "exception-max-days", 0, "Longest exception that may be requested")

	f = exceptionRequestCmd.Flags()
	f.StringVar(&excScopeType, "scope", string(orgpolicy.ScopeWorkflow), "Scope type (policy, workflow, resource)")
	f.StringVar(&excScopeID, "id", "", "Rule id, workflow type or resource the exception covers")
	f.StringVar(&excJustification, "justification", "", "Why the exception is needed")
	f.IntVar(&excDays, "days", 30, "Duration in days")

	exceptionApproveCmd.Flags().StringVar(&excNotes, "notes", "", "Review notes")
	exceptionRejectCmd.Flags().StringVar(&excNotes, "notes", "", "Review notes")
	exceptionListCmd.Flags().StringVar(&excStatus, "status", "", "Only exceptions in this status")
}

var orgCmd = &cobra.Command{
	Use:   "org",
	Short: "Organization policy and policy exceptions",
}

var orgShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the organization policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *server.Client) error {
			p, err := c.GetOrganizationPolicy(ctx)
			if err != nil {
				return err
			}
			return printJSON(p)
		})
	},
}

var orgUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Change fields of the organization policy",
	Long:  "Only the flags given on the command line are changed.",
	RunE:  runOrgUpdate,
}

var exceptionCmd = &cobra.Command{
	Use:   "exception",
	Short: "Request and review time-boxed policy exceptions",
}

var exceptionRequestCmd = &cobra.Command{
	Use:   "request",
	Short: "Request a policy exception",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := orgpolicy.ExceptionRequest{
			Scope:         orgpolicy.ExceptionScope{Type: orgpolicy.ScopeType(excScopeType), ID: excScopeID},
			Justification: excJustification,
			DurationDays:  excDays,
		}
		return withClient(func(ctx context.Context, c *server.Client) error {
			ex, err := c.RequestException(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(ex)
		})
	},
}

var exceptionApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a pending exception",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return reviewException(args[0], true) },
}

var exceptionRejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a pending exception",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return reviewException(args[0], false) },
}

var exceptionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List policy exceptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *server.Client) error {
			list, err := c.ListExceptions(ctx, server.ListExceptionsRequest{Status: orgpolicy.ExceptionStatus(excStatus)})
			if err != nil {
				return err
			}
			printExceptions(list)
			return nil
		})
	},
}

func runOrgUpdate(cmd *cobra.Command, args []string) error {
	var patch orgpolicy.Patch
	flags := cmd.Flags()
	if flags.Changed("max-data-tier") {
		patch.MaxDataTier = &orgMaxDataTier
	}
	if flags.Changed("require-approval-for-production") {
		patch.RequireApprovalForProduction = &orgRequireProdAppr
	}
	if flags.Changed("require-approval-at") {
		level, err := model.ParseRiskLevel(orgApprovalLevel)
		if err != nil {
			return err
		}
		patch.RequireApprovalAtOrAbove = &level
	}
	if flags.Changed("retention-days") {
		patch.RetentionDays = &orgRetentionDays
	}
	if flags.Changed("exception-max-days") {
		patch.ExceptionMaxDays = &orgExceptionMaxDays
	}
	if patch.Empty() {
		return fmt.Errorf("nothing to update: pass at least one field flag")
	}
	return withClient(func(ctx context.Context, c *server.Client) error {
		p, err := c.UpdateOrganizationPolicy(ctx, patch)
		if err != nil {
			return err
		}
		return printJSON(p)
	})
}

func reviewException(id string, approve bool) error {
	return withClient(func(ctx context.Context, c *server.Client) error {
		ex, err := c.ReviewException(ctx, id, approve, excNotes)
		if err != nil {
			return err
		}
		fmt.Printf("Exception %s: %s (expires %s)\n", ex.ID, ex.Status, ex.ExpiresAt.Format("2006-01-02"))
		return nil
	})
}

func printExceptions(list []orgpolicy.PolicyException) {
	if len(list) == 0 {
		fmt.Println("No exceptions.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSCOPE\tSTATUS\tREQUESTED BY\tEXPIRES")
	for _, e := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.ID, e.Scope, e.Status, e.RequestedBy, e.ExpiresAt.Format("2006-01-02"))
	}
	_ = tw.Flush()
}
