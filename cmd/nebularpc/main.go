package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/piwi3910/nebularpc/cmd/nebularpc/commands"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nebularpc",
		Short: "nebularpc - RPC transport server over stream sockets and RDMA",
		Long: `nebularpc serves length-framed RPCs over TCP and over an RDMA fabric,
hands them to a FIFO call scheduler, and writes the responses back.

Configuration is read from nebularpc.yaml (in ., /etc/nebularpc or
$HOME/.nebularpc) or from --config, and can be overridden through
NEBULARPC_* environment variables, for example:
  NEBULARPC_IPC_PORT=16020
  NEBULARPC_RDMA_ENABLED=true
  NEBULARPC_LOG_LEVEL=debug`,
		Version:       fmt.Sprintf("%s (commit: %s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(commands.NewServeCmd())
	rootCmd.AddCommand(commands.NewPingCmd())
	rootCmd.AddCommand(commands.NewBenchCmd())
	rootCmd.AddCommand(commands.NewConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
