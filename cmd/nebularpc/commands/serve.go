package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/nebularpc/internal/config"
	"github.com/piwi3910/nebularpc/internal/server"
)

// NewServeCmd creates the serve command
func NewServeCmd() *cobra.Command {
	var (
		configPath string
		opts       config.Options
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the nebularpc server",
		Long: `Run the IPC server, the call scheduler and the admin API until SIGINT
or SIGTERM, then shut down gracefully: stop accepting, drain in-flight
calls, close connections, stop the scheduler and release the RDMA context.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config.LoadEnvFiles()

			cfg, err := config.Load(configPath, opts)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			if err := setupLogging(cfg.Log); err != nil {
				return err
			}

			log.Info().
				Str("version", server.Version).
				Str("node", cfg.NodeName).
				Msg("Starting nebularpc")

			srv, err := server.New(cfg, nil)
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := srv.Start(ctx); err != nil {
				return fmt.Errorf("server error: %w", err)
			}

			log.Info().Msg("nebularpc shutdown complete")

			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&opts.BindAddress, "bind", "", "IPC bind address")
	cmd.Flags().IntVar(&opts.Port, "port", 0, "IPC port")
	cmd.Flags().IntVar(&opts.AdminPort, "admin-port", 0, "Admin API port")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&opts.RDMA, "rdma", false, "Enable the RDMA transport")

	return cmd
}

func addConfigFlag(cmd *cobra.Command, path *string) {
	cmd.Flags().StringVarP(path, "config", "c", "", "Path to configuration file")
}

// setupLogging configures the global zerolog logger.
func setupLogging(cfg config.LogConfig) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	return nil
}
