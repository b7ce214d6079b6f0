package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/agentgov/internal/server"
)

// Remote commands talk to a running "agentgov serve" over gRPC; workflow
// state and approvals live in the server, not in the CLI process.
var (
	remoteServer string
	remoteToken  string
)

func addRemoteFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&remoteServer, "server", "", "Governance server address (default localhost:<server.grpc_port>)")
	cmd.PersistentFlags().StringVar(&remoteToken, "token", "", "Bearer token (or AGENTGOV_TOKEN)")
}

func dialServer(addr, token string) (*server.Client, error) {
	if addr == "" {
		addr = fmt.Sprintf("localhost:%d", cfg.Server.GRPCPort)
	}
	if token == "" {
		token = os.Getenv("AGENTGOV_TOKEN")
	}
	client, err := server.Dial(addr, token)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to governance server: %w", err)
	}
	return client, nil
}

func dialRemote() (*server.Client, error) {
	return dialServer(remoteServer, remoteToken)
}
