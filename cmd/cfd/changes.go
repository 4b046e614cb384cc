package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
)

var changesCmd = &cobra.Command{
	Use:   "changes",
	Short: "Read the change log",
	Long: `Read change events with sequence numbers greater than --after.
With --follow, keep polling for new events until interrupted.`,
	GroupID: "feed",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		after, _ := cmd.Flags().GetUint64("after")
		limit, _ := cmd.Flags().GetInt("limit")
		follow, _ := cmd.Flags().GetBool("follow")
		interval, _ := cmd.Flags().GetDuration("interval")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		out := cmd.OutOrStdout()
		for {
			resp, err := apiClient.Changes(ctx, after, limit)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("reading changes: %w", err)
			}
			for _, ev := range resp.Events {
				if jsonOutput {
					if err := printJSON(out, ev); err != nil {
						return err
					}
				} else {
					printEvent(out, ev)
				}
				after = ev.SequenceNumber
			}
			if !follow {
				return nil
			}
			// A full page means more is waiting.
			if limit > 0 && len(resp.Events) == limit {
				continue
			}

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(interval):
			}
		}
	},
}

func init() {
	changesCmd.Flags().Uint64("after", 0, "only events after this sequence number")
	changesCmd.Flags().Int("limit", 100, "maximum events per request")
	changesCmd.Flags().BoolP("follow", "f", false, "keep polling for new events")
	changesCmd.Flags().Duration("interval", time.Second, "poll interval with --follow")
}
