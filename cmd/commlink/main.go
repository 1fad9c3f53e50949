// Package main implements the commlink entry point: the control service and
// a few operator tools built on the same connection registry.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Build-time variables set via ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// rootOptions holds persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "commlink",
		Short: "commlink drives serial, TCP and UDP links and records their traffic",
		Long: `commlink opens serial ports and TCP/UDP sockets, multiplexes writes and
reads on a worker per connection, and records every transmitted and received
byte as timestamped telemetry (per-connection log file plus live observers).

Configuration is read from --config (or COMMLINK_CONFIG), then COMMLINK_*
environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newPortsCmd(opts),
		newMonitorCmd(opts),
		newEchoCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
