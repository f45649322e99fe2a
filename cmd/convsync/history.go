package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	historyPages  int
	historySearch string
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyPages, "pages", "n", 1, "number of older pages to load after the latest one")
	historyCmd.Flags().StringVarP(&historySearch, "search", "s", "", "only show loaded messages containing this text")
}

var historyCmd = &cobra.Command{
	Use:   "history <type:id>",
	Short: "Print conversation history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := parseKey(args[0])
		rt := mustRuntime(false)
		defer rt.Close()

		ctx := context.Background()
		conv, err := rt.session.Open(ctx, key)
		if err != nil {
			return err
		}
		defer conv.Close()

		for i := 0; i < historyPages && conv.HasOlderMessages(); i++ {
			if _, err := conv.LoadOlder(ctx); err != nil {
				return fmt.Errorf("load older: %w", err)
			}
		}

		msgs := conv.Messages()
		if historySearch != "" {
			conv.SetSearch(historySearch)
			msgs = conv.Search()
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(conv, m))
		}
		more := "no older messages"
		if conv.HasOlderMessages() {
			more = "older messages available"
		}
		fmt.Printf("-- %s messages, %s\n", humanize.Comma(int64(len(msgs))), more)
		return nil
	},
}
