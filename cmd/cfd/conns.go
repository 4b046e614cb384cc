package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var connsCmd = &cobra.Command{
	Use:     "conns",
	Short:   "List open gateway connections",
	GroupID: "feed",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		conns, err := apiClient.Connections(context.Background())
		if err != nil {
			return fmt.Errorf("listing connections: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), conns)
		}
		return printConnectionTable(cmd.OutOrStdout(), conns)
	},
}

var connsCloseCmd = &cobra.Command{
	Use:   "close <connection-id>",
	Short: "Close a connection from the server side",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient.CloseConnection(context.Background(), args[0]); err != nil {
			return fmt.Errorf("closing %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "closed %s\n", args[0])
		return nil
	},
}

func init() {
	connsCmd.AddCommand(connsCloseCmd)
}
