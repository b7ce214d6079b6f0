package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	govmcp "github.com/ppiankov/agentgov/internal/mcp"
	"github.com/ppiankov/agentgov/internal/model"
)

var (
	mcpAgentID string
	mcpRole    string
	mcpToken   string
)

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().StringVar(&mcpAgentID, "agent-id", "agent", "Principal id every tool call is made as")
	mcpCmd.Flags().StringVar(&mcpRole, "role", "agent", "Role of the agent principal")
	mcpCmd.Flags().StringVar(&mcpToken, "token", "", "Authenticate as a configured principal instead of --agent-id (or AGENTGOV_TOKEN)")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long: "Runs the governance engine as an MCP (Model Context Protocol) server over stdio.\n" +
		"Exposes tools to assess risk, evaluate tool calls and drive governed workflows.",
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := buildRuntime(ctx, cfg, logger, buildOptions{})
	if err != nil {
		return fmt.Errorf("failed to start governance service: %w", err)
	}
	defer rt.Close()

	principal := model.Principal{Type: "agent", UserID: mcpAgentID, Role: mcpRole, Name: mcpAgentID}
	token := mcpToken
	if token == "" {
		token = os.Getenv("AGENTGOV_TOKEN")
	}
	if token != "" {
		p, err := rt.auth.Authenticate(ctx, token)
		if err != nil {
			return fmt.Errorf("authenticate agent: %w", err)
		}
		principal = p
	}

	srv := govmcp.New(govmcp.Config{Principal: principal, Logger: logger}, rt.svc)
	return srv.Run(ctx)
}
