package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ppiankov/agentgov/internal/alert"
	"github.com/ppiankov/agentgov/internal/config"
	"github.com/ppiankov/agentgov/internal/integrity"
)

var (
	configPath string
	logLevel   string
	jsonLogs   bool

	// Populated by the root PersistentPreRunE for every subcommand.
	cfg    config.Config
	logger zerolog.Logger
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Path to agentgov config YAML")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Write logs as JSON instead of console text")
}

var rootCmd = &cobra.Command{
	Use:   "agentgov",
	Short: "Governance engine for autonomous agent actions",
	Long: "Scores proposed agent actions by risk, evaluates them against policy rules,\n" +
		"sequences governed workflows and records every decision in a hash-chained audit log.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = newLogger(logLevel, jsonLogs)
		if err != nil {
			return err
		}
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		alerts := alert.NewDispatcher(cfg.Alerts, logger)
		checker := integrity.NewChecker(filepath.Join(config.DefaultDir(), "tamper.jsonl"), alerts, logger)
		if err := checker.Verify(); err != nil {
			alerts.Wait()
			fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
			os.Exit(78) // EX_CONFIG
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string, asJSON bool) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	if asJSON {
		return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger(), nil
	}
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}
