package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var outboxFlushTimeout time.Duration

func init() {
	rootCmd.AddCommand(outboxCmd)
	outboxCmd.AddCommand(outboxListCmd)
	outboxCmd.AddCommand(outboxFlushCmd)
	outboxCmd.AddCommand(outboxCancelCmd)
	outboxFlushCmd.Flags().DurationVar(&outboxFlushTimeout, "timeout", 30*time.Second, "give up after this long")
}

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and flush messages queued while offline",
	Long:  "Queued messages are kept in the configured storage until they reach the server.\nUse a durable storage driver (pebble or redis) for the queue to survive between runs.",
}

var outboxListCmd = &cobra.Command{
	Use:   "list <type:id>",
	Short: "List queued messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := parseKey(args[0])
		rt := mustRuntime(true)
		defer rt.Close()

		conv, err := rt.session.Open(context.Background(), key)
		if err != nil {
			return err
		}
		defer conv.Close()

		pending := conv.PendingOffline()
		if len(pending) == 0 {
			fmt.Println("Outbox is empty.")
			return nil
		}
		for _, p := range pending {
			fmt.Printf("%-44s queued %-16s attempts=%d  %s\n", p.ProvisionalID, humanize.Time(p.CreatedAt), p.Attempts, p.Text)
		}
		return nil
	},
}

var outboxFlushCmd = &cobra.Command{
	Use:   "flush <type:id>",
	Short: "Send queued messages now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := parseKey(args[0])
		rt := mustRuntime(true)
		defer rt.Close()

		ctx, cancel := context.WithTimeout(context.Background(), outboxFlushTimeout)
		defer cancel()

		conv, err := rt.session.Open(ctx, key)
		if err != nil {
			return err
		}
		defer conv.Close()

		rt.session.SetOnline(true)
		sent, err := conv.FlushOutbox(ctx)
		fmt.Printf("Sent %s, %s still queued\n", humanize.Comma(int64(sent)), humanize.Comma(int64(conv.PendingOfflineCount())))
		return err
	},
}

var outboxCancelCmd = &cobra.Command{
	Use:   "cancel <type:id> <message-id>",
	Short: "Drop a queued or failed message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := parseKey(args[0])
		rt := mustRuntime(true)
		defer rt.Close()

		conv, err := rt.session.Open(context.Background(), key)
		if err != nil {
			return err
		}
		defer conv.Close()

		if err := conv.Cancel(args[1]); err != nil {
			return err
		}
		fmt.Printf("Cancelled %s\n", args[1])
		return nil
	},
}
