package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/agentgov/internal/httpapi"
	"github.com/ppiankov/agentgov/internal/server"
)

var (
	servePort     int
	serveHTTPAddr string
	serveRules    string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVar(&servePort, "port", 0, "gRPC listen port (overrides server.grpc_port)")
	serveCmd.Flags().StringVar(&serveHTTPAddr, "http", "", "REST API listen address, e.g. :8080 (overrides server.http_addr)")
	serveCmd.Flags().StringVar(&serveRules, "rules", "", "Path to policy rules YAML (overrides policy.rules_path)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the governance server",
	Long: "Runs the governance engine as a central server over gRPC and, when an\n" +
		"HTTP address is configured, a REST API for dashboards.\n" +
		"Supports hot-reload of the policy rules file.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	c := cfg
	if servePort != 0 {
		c.Server.GRPCPort = servePort
	}
	if serveHTTPAddr != "" {
		c.Server.HTTPAddr = serveHTTPAddr
	}
	if serveRules != "" {
		c.Policy.RulesPath = serveRules
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := buildRuntime(ctx, c, logger, buildOptions{})
	if err != nil {
		return fmt.Errorf("failed to start governance service: %w", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error().Err(err).Msg("shutdown")
		}
	}()

	seq, tip := rt.svc.AuditTip()
	logger.Info().Uint64("sequence", seq).Str("tip", tip).Msg("audit chain verified")

	srv := server.New(server.Config{Port: c.Server.GRPCPort, RulesPath: c.Policy.RulesPath}, rt.svc, rt.auth, logger)

	if c.Policy.HotReload && c.Policy.RulesPath != "" {
		reloader, err := server.NewReloader(func() error {
			return srv.ReloadRules(ctx)
		}, logger, c.Policy.RulesPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: hot-reload disabled: %v\n", err)
		} else {
			go func() { _ = reloader.Run(ctx) }()
		}
	}

	if c.Workflow.ApprovalExpiry > 0 {
		go rt.svc.RunExpirySweeper(ctx, c.Workflow.SweepInterval)
	}

	var httpSrv *http.Server
	if c.Server.HTTPAddr != "" {
		httpSrv = &http.Server{
			Addr:              c.Server.HTTPAddr,
			Handler:           httpapi.New(rt.svc, rt.auth, httpapi.WithRulesPath(c.Policy.RulesPath), httpapi.WithLogger(logger)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", c.Server.HTTPAddr).Msg("http api listening")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("http api stopped")
				cancel()
				srv.GracefulStop()
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}
		fmt.Fprintln(os.Stderr, "\nShutting down governance server...")
		cancel()
		if httpSrv != nil {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = httpSrv.Shutdown(shutdownCtx)
		}
		srv.GracefulStop()
	}()

	fmt.Fprintf(os.Stderr, "agentgov governance server listening on :%d\n", c.Server.GRPCPort)
	fmt.Fprintf(os.Stderr, "Audit backend: %s\n", c.Audit.Backend)
	if c.Policy.RulesPath != "" {
		fmt.Fprintf(os.Stderr, "Rules: %s\n", c.Policy.RulesPath)
	}
	fmt.Fprintf(os.Stderr, "Workflow types: %v\n", rt.svc.WorkflowTypes())
	return srv.Serve()
}
