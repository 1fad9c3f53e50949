package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/radio-control/commlink/internal/loopback"
)

func newEchoCmd(opts *rootOptions) *cobra.Command {
	var cfg loopback.Config

	cmd := &cobra.Command{
		Use:   "echo",
		Short: "Run a TCP/UDP echo peer for testing socket connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.TCPAddr == "" && cfg.UDPAddr == "" {
				return fmt.Errorf("at least one of --tcp or --udp is required")
			}

			_, log, err := loadConfig(opts)
			if err != nil {
				return err
			}

			srv, err := loopback.NewServer(cfg, log)
			if err != nil {
				return err
			}
			if err := srv.Start(); err != nil {
				return err
			}
			if addr := srv.TCPAddr(); addr != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "tcp echo on %s\n", addr)
			}
			if addr := srv.UDPAddr(); addr != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "udp echo on %s\n", addr)
			}

			<-cmd.Context().Done()
			return srv.Close()
		},
	}

	cmd.Flags().StringVar(&cfg.TCPAddr, "tcp", "", "TCP listen address, e.g. 127.0.0.1:7000")
	cmd.Flags().StringVar(&cfg.UDPAddr, "udp", "", "UDP listen address, e.g. 127.0.0.1:7001")
	cmd.Flags().StringSliceVar(&cfg.AllowedCIDRs, "allow", nil, "Allowed client CIDRs (default: any)")
	cmd.Flags().IntVar(&cfg.MaxConnections, "max-connections", 16, "Maximum concurrent TCP clients")
	cmd.Flags().DurationVar(&cfg.IdleTimeout, "idle-timeout", 0, "Disconnect idle TCP clients after this long (0 disables)")
	return cmd
}
