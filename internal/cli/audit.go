package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/agentgov/internal/audit"
)

var (
	tailLines      int
	auditWorkflow  string
	auditTypes     []string
	auditRiskLevel string
	auditSince     time.Duration
	exportFormat   string
	exportOutput   string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd, auditTailCmd, auditExportCmd, auditStatsCmd)

	for _, c := range []*cobra.Command{auditTailCmd, auditExportCmd} {
		c.Flags().StringVar(&auditWorkflow, "workflow", "", "Only events of this workflow")
		c.Flags().StringSliceVar(&auditTypes, "type", nil, "Only these event types (comma separated)")
		c.Flags().StringVar(&auditRiskLevel, "risk-level", "", "Only events at this risk level")
		c.Flags().DurationVar(&auditSince, "since", 0, "Only events newer than this (e.g. 24h)")
	}
	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 20, "Number of recent events to show")
	auditExportCmd.Flags().StringVar(&exportFormat, "format", audit.FormatJSONL, "Export format (json, jsonl, csv)")
	auditExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write to file instead of stdout")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit ledger operations",
	Long:  "Commands for verifying and inspecting the hash-chained governance audit log.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify hash chain integrity of the audit log",
	Long: "Recomputes every event hash and checks that each event's previous_hash\n" +
		"matches its predecessor. With a path, verifies that JSONL file; otherwise\n" +
		"verifies the configured backend. Exits 0 if valid, 1 if tampered.",
	Args: cobra.MaximumNArgs(1),
	RunE: runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent audit events as a timeline",
	RunE:  runAuditTail,
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit events with their hashes",
	RunE:  runAuditExport,
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the audit log by event type, risk level and outcome",
	RunE:  runAuditStats,
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	var (
		result audit.VerifyResult
		err    error
	)
	if len(args) == 1 {
		result, err = audit.VerifyFile(ctx, args[0], cfg.HMACKey())
	} else {
		err = withAuditLog(ctx, func(l *audit.Log) error {
			result, err = l.Verify(ctx)
			return err
		})
	}
	if err != nil {
		return err
	}
	if result.Valid {
		fmt.Printf("OK: %d events verified\n", result.Checked)
		return nil
	}
	fmt.Fprintf(os.Stderr, "FAILED at sequence %d: %s\n", result.BrokenAtSequence, result.Reason)
	os.Exit(1)
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	return withAuditLog(ctx, func(l *audit.Log) error {
		events, err := l.Query(ctx, auditFilter())
		if err != nil {
			return err
		}
		if start := len(events) - tailLines; tailLines > 0 && start > 0 {
			events = events[start:]
		}
		fmt.Print(audit.FormatTimeline(events))
		return nil
	})
}

func runAuditExport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	return withAuditLog(ctx, func(l *audit.Log) error {
		exp, err := l.Export(ctx, auditFilter(), exportFormat)
		if err != nil {
			return err
		}
		if exportOutput == "" {
			_, err = os.Stdout.Write(exp.Data)
			return err
		}
		if err := os.WriteFile(exportOutput, exp.Data, 0600); err != nil {
			return fmt.Errorf("write export: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Exported %d events to %s\n", exp.Count, exportOutput)
		return nil
	})
}

func runAuditStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	return withAuditLog(ctx, func(l *audit.Log) error {
		st, err := l.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Print(audit.FormatStats(st))
		return nil
	})
}

func withAuditLog(ctx context.Context, fn func(*audit.Log) error) error {
	l, err := openAudit(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer l.Close()
	return fn(l)
}

func auditFilter() audit.Filter {
	f := audit.Filter{
		WorkflowID: auditWorkflow,
		RiskLevel:  strings.ToUpper(auditRiskLevel),
	}
	for _, t := range auditTypes {
		f.EventTypes = append(f.EventTypes, audit.EventType(strings.TrimSpace(t)))
	}
	if auditSince > 0 {
		f.From = time.Now().Add(-auditSince)
	}
	return f
}
