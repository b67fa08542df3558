// Package commands holds the processor's command tree
package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configPath string
	logLevel   string
	devLogs    bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	return newRootCommand(version, commit, buildDate).ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "talos",
		Short: "Talos - activity processor for the orchestration bus",
		Long: `Talos registers itself with the control plane, pulls activities from
NATS JetStream, validates their payloads against JSON Schema, runs the
configured executor and reports results, events and metrics.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("TALOS_CONFIG"), "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOr("TALOS_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&devLogs, "dev", false, "human readable development logs")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))
	return rootCmd
}

// newLogger builds the process logger: JSON in production, console with --dev
func newLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	cfg := zap.NewProductionConfig()
	if devLogs {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
