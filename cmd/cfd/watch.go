package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/changefeed/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Tail change events over a WebSocket connection",
	Long: `Open a gateway connection and print every change event pushed to it
until interrupted or closed by the server.`,
	GroupID: "feed",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		w, err := apiClient.Watch(ctx)
		if err != nil {
			return fmt.Errorf("connecting: %w", err)
		}
		defer w.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintln(cmd.ErrOrStderr(), ui.RenderMuted("connected as "+w.ConnectionID))

		for {
			ev, err := w.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					fmt.Fprintf(cmd.ErrOrStderr(), "connection closed by server: %s\n", ce.Text)
					return nil
				}
				return fmt.Errorf("reading events: %w", err)
			}
			if jsonOutput {
				if err := printJSON(out, ev); err != nil {
					return err
				}
				continue
			}
			printEvent(out, ev)
		}
	},
}
