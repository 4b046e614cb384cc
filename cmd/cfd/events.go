package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/changefeed/internal/events"
	"github.com/alfredjeanlab/changefeed/internal/ui"
)

var eventsCmd = &cobra.Command{
	Use:   "events [<subject>]",
	Short: "Print lifecycle events from the NATS bus",
	Long: `Subscribe to the service's lifecycle bus and print each event with its
subject (payload only with --json).
The subject defaults to "changefeed.>"; narrow it with, for example,
"changefeed.delivery.dropped".`,
	GroupID:           "feed",
	Args:              cobra.MaximumNArgs(1),
	PersistentPreRunE: noClient,
	RunE: func(cmd *cobra.Command, args []string) error {
		natsURL, _ := cmd.Flags().GetString("nats-url")
		if natsURL == "" {
			return fmt.Errorf("no NATS URL: set --nats-url, CHANGEFEED_NATS_URL or a remote with --nats")
		}
		subject := "changefeed.>"
		if len(args) == 1 {
			subject = args[0]
		}

		sub, err := events.NewNATSSubscriber(natsURL,
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("nats: disconnected", "err", err)
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				slog.Info("nats: reconnected")
			}),
		)
		if err != nil {
			return err
		}
		defer sub.Close()

		ch, cancel, err := sub.Subscribe(subject)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", subject, err)
		}
		defer cancel()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		defer func() {
			if n := sub.Dropped(); n > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "%d events dropped while the terminal fell behind\n", n)
			}
		}()

		out := cmd.OutOrStdout()
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg, ok := <-ch:
				if !ok {
					return nil
				}
				printBusMessage(out, msg)
			}
		}
	},
}

// printBusMessage writes the payload alone with --json, otherwise prefixed by
// its subject.
func printBusMessage(w io.Writer, msg events.Message) {
	if jsonOutput {
		fmt.Fprintln(w, string(msg.Data))
		return
	}
	fmt.Fprintf(w, "%s  %s\n", ui.RenderAccent(msg.Topic), msg.Data)
}

func defaultNATSURL() string {
	if s := os.Getenv("CHANGEFEED_NATS_URL"); s != "" {
		return s
	}
	return activeRemote().NATSURL
}

func init() {
	eventsCmd.Flags().String("nats-url", defaultNATSURL(), "NATS server URL")
}
