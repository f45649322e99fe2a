package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	convsync "github.com/teamhub/convsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status [type:id]",
	Short: "Show current configuration and backend status",
	Long:  "Display the current configuration. With a conversation argument, also probe the server for its newest message.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, convsync.DefaultBaseURL+" (default)"))
		if cfg.Default.WSURL != "" {
			fmt.Printf("  WS URL:      %s\n", cfg.Default.WSURL)
		}
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Default.UserID, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}

		fmt.Println()
		fmt.Println("Storage:")
		fmt.Printf("  Driver:      %s\n", valueOrDefault(cfg.Storage.Driver, "memory"))
		switch cfg.Storage.Driver {
		case "pebble":
			fmt.Printf("  Path:        %s\n", valueOrDefault(cfg.Storage.Path, "~/.convsync/data"))
		case "redis":
			fmt.Printf("  Redis:       %s\n", valueOrDefault(cfg.Storage.RedisAddr, "localhost:6379"))
		}

		if len(args) == 0 || cfg.Auth.Token == "" {
			return nil
		}

		key := parseKey(args[0])
		client := convsync.NewClient(cfg.Auth.Token,
			convsync.WithBaseURL(valueOrDefault(cfg.Default.BaseURL, convsync.DefaultBaseURL)),
			convsync.WithLogger(logger))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Live status:")
		f, err := client.Freshness(ctx, key)
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		fmt.Printf("  Messages:    %s\n", humanize.Comma(int64(f.Count)))
		if f.NewestAt.IsZero() {
			fmt.Println("  Newest:      (none)")
		} else {
			fmt.Printf("  Newest:      %s\n", humanize.Time(f.NewestAt))
		}
		return nil
	},
}
