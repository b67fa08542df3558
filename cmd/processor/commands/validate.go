package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/wehubfusion/Talos/pkg/config"
	"gopkg.in/yaml.v3"
)

func newValidateCommand() *cobra.Command {
	var show bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration without connecting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if !show {
				fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
				return nil
			}
			// Secrets are not echoed
			redacted := *cfg
			redacted.NATS.Password = redact(redacted.NATS.Password)
			redacted.NATS.Token = redact(redacted.NATS.Token)
			redacted.Cache.BlobConnection = redact(redacted.Cache.BlobConnection)
			redacted.SentryDSN = redact(redacted.SentryDSN)
			out, err := yaml.Marshal(&redacted)
			if err != nil {
				return fmt.Errorf("failed to render configuration: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().BoolVar(&show, "show", false, "print the effective configuration")
	return cmd
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
