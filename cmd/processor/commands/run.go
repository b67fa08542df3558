package commands

import (
	"github.com/spf13/cobra"
	"github.com/wehubfusion/Talos/internal/app"
	"github.com/wehubfusion/Talos/pkg/concurrency"
	"github.com/wehubfusion/Talos/pkg/config"
	"go.uber.org/zap"
)

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the processor until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			undo := concurrency.Initialize(logger)
			defer undo()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				logger.Error("Failed to start processor", zap.Error(err))
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Warn("Errors during shutdown", zap.Error(err))
				}
			}()

			if err := a.Run(ctx); err != nil {
				logger.Error("Processor stopped with error", zap.Error(err))
				return err
			}
			logger.Info("Processor stopped")
			return nil
		},
	}
}
