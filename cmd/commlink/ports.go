package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/radio-control/commlink/internal/transport"
)

func newPortsCmd(_ *rootOptions) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List serial devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printPorts(cmd, transport.ListSerialPorts, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as a JSON array")
	return cmd
}

func printPorts(cmd *cobra.Command, list func() ([]string, error), jsonOutput bool) error {
	ports, err := list()
	if err != nil {
		return fmt.Errorf("failed to list serial ports: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if ports == nil {
			ports = []string{}
		}
		data, _ := json.MarshalIndent(ports, "", "  ")
		fmt.Fprintln(out, string(data))
		return nil
	}
	if len(ports) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "no serial ports found")
		return nil
	}
	for _, port := range ports {
		fmt.Fprintln(out, port)
	}
	return nil
}
