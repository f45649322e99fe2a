package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	convsync "github.com/teamhub/convsync"
)

var (
	tailMetricsAddr string
	tailMarkRead    bool
)

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().StringVar(&tailMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	tailCmd.Flags().BoolVar(&tailMarkRead, "mark-read", false, "mark incoming messages as read")
}

var tailCmd = &cobra.Command{
	Use:   "tail <type:id>",
	Short: "Follow a conversation live",
	Long:  "Print the latest page of a conversation, then every change as it arrives. Ctrl-C to stop.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := parseKey(args[0])
		rt := mustRuntime(false)
		defer rt.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if tailMetricsAddr != "" {
			srv := &http.Server{Addr: tailMetricsAddr, Handler: promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{})}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Warn("metrics_server_failed", zap.Error(err))
				}
			}()
			defer srv.Close()
		}

		conv, err := rt.session.Open(ctx, key)
		if err != nil {
			return err
		}
		defer conv.Close()

		conv.OnSignal(func(s convsync.Signal) {
			fmt.Fprintf(os.Stderr, "! %s %s: %v\n", s.Kind, s.MessageID, s.Err)
		})

		changes, cancel := conv.Changes()
		defer cancel()

		printed := make(map[string]convsync.Message)
		render := func() {
			for _, m := range conv.Messages() {
				if prev, ok := printed[m.ID]; ok && prev.Text == m.Text && prev.State == m.State {
					continue
				}
				printed[m.ID] = m
				fmt.Println(formatMessage(conv, m))
				if tailMarkRead {
					conv.MarkRead(m.ID)
				}
			}
		}
		render()

		for {
			select {
			case <-ctx.Done():
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return conv.FlushReads(flushCtx)
			case <-changes:
				render()
			}
		}
	},
}
