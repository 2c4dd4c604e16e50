package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/piwi3910/nebularpc/internal/config"
)

// NewConfigCmd creates the config command
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect server configuration",
	}

	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Long: `Print the configuration serve would run with: defaults, then the
config file, then .env files and NEBULARPC_* environment variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config.LoadEnvFiles()

			cfg, err := config.Load(configPath, config.Options{})
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to encode configuration: %w", err)
			}

			_, err = cmd.OutOrStdout().Write(out)

			return err
		},
	}

	addConfigFlag(cmd, &configPath)

	return cmd
}
