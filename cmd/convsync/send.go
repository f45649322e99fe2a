package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	convsync "github.com/teamhub/convsync"
)

var (
	sendImage   string
	sendReplyTo string
	sendWait    time.Duration
	sendOffline bool
	sendJSON    bool
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendImage, "image", "", "image URL to attach")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "id of the message being replied to")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 15*time.Second, "how long to wait for the server to confirm")
	sendCmd.Flags().BoolVar(&sendOffline, "offline", false, "queue the message without contacting the server")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "output raw JSON")
}

var sendCmd = &cobra.Command{
	Use:   "send <type:id> <text>",
	Short: "Send a message",
	Long:  "Send a message and wait until it is confirmed, queued offline or failed.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := parseKey(args[0])
		rt := mustRuntime(sendOffline)
		defer rt.Close()

		ctx, cancel := context.WithTimeout(context.Background(), sendWait)
		defer cancel()

		conv, err := rt.session.Open(ctx, key)
		if err != nil {
			return err
		}
		defer conv.Close()

		changes, stop := conv.Changes()
		defer stop()

		id, err := conv.EnqueueSend(args[1], sendImage, sendReplyTo)
		if err != nil {
			return err
		}

		m, settled := waitSettled(ctx, conv, id, changes)
		if sendJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(m)
		}
		if !settled {
			fmt.Printf("Message %s still %s after %s\n", id, m.State, sendWait)
			return nil
		}
		fmt.Println(formatMessage(conv, m))
		if m.State == convsync.DeliveryFailed {
			return fmt.Errorf("send failed; retry with 'convsync outbox list %s'", key)
		}
		return nil
	},
}

// waitSettled follows the provisional message until it leaves the
// provisional state. A confirmed replacement is found by its client id.
func waitSettled(ctx context.Context, conv *convsync.Conversation, id string, changes <-chan struct{}) (convsync.Message, bool) {
	clientID := ""
	if m, ok := conv.Store().Get(id); ok {
		clientID = m.ClientID
	}
	for {
		for _, m := range conv.Messages() {
			if m.ID != id && (clientID == "" || m.ClientID != clientID) {
				continue
			}
			if m.State != convsync.DeliveryProvisional {
				return m, true
			}
		}
		select {
		case <-ctx.Done():
			m, _ := conv.Store().Get(id)
			return m, false
		case <-changes:
		}
	}
}
