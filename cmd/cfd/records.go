package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var putCmd = &cobra.Command{
	Use:   "put <key> [<json>]",
	Short: "Insert or overwrite a record",
	Long: `Insert or overwrite a record. The value is a JSON document given as the
second argument, or read from stdin when it is omitted or "-".`,
	GroupID: "records",
	Args:    cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := readValue(cmd.InOrStdin(), args[1:])
		if err != nil {
			return err
		}
		ev, err := recordClient.Put(context.Background(), args[0], value)
		if err != nil {
			return fmt.Errorf("putting %s: %w", args[0], err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), ev)
		}
		printEvent(cmd.OutOrStdout(), ev)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:     "get <key>",
	Short:   "Show a record",
	GroupID: "records",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := recordClient.Get(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("getting %s: %w", args[0], err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), rec)
		}
		printRecord(cmd.OutOrStdout(), rec)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <key>",
	Short:   "Delete a record",
	GroupID: "records",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ev, err := recordClient.Delete(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("deleting %s: %w", args[0], err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), ev)
		}
		printEvent(cmd.OutOrStdout(), ev)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:     "list [<prefix>]",
	Short:   "List records by key prefix",
	GroupID: "records",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		var prefix string
		if len(args) == 1 {
			prefix = args[0]
		}

		recs, err := apiClient.List(context.Background(), prefix, limit)
		if err != nil {
			return fmt.Errorf("listing records: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), recs)
		}
		return printRecordTable(cmd.OutOrStdout(), recs)
	},
}

func init() {
	listCmd.Flags().Int("limit", 0, "maximum number of records (0 = server default)")
}

// readValue returns the JSON value from args, or from in when args is
// empty or "-".
func readValue(in io.Reader, args []string) (json.RawMessage, error) {
	var data []byte
	if len(args) == 0 || args[0] == "-" {
		b, err := io.ReadAll(in)
		if err != nil {
			return nil, fmt.Errorf("reading value from stdin: %w", err)
		}
		data = bytes.TrimSpace(b)
	} else {
		data = []byte(args[0])
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("value is not valid JSON")
	}
	return json.RawMessage(data), nil
}
