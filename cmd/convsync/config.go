package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configPathCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage convsync configuration",
	Long:  "View or modify the CLI configuration stored in ~/.convsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the settings convsync will use, with defaults filled in and the token redacted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return renderConfig(cmd.OutOrStdout(), cfg, os.Getenv("CONVSYNC_TOKEN") != "")
	},
}

// renderConfig writes one "key  value  (source)" row per setting.
func renderConfig(w io.Writer, cfg *Config, tokenFromEnv bool) error {
	token := "(not set)"
	if cfg.Auth.Token != "" {
		token = maskKey(cfg.Auth.Token)
		if tokenFromEnv {
			token += "  (from CONVSYNC_TOKEN)"
		}
	}
	driver := valueOrDefault(cfg.Storage.Driver, "memory")
	location := "-"
	switch driver {
	case "pebble":
		location = valueOrDefault(cfg.Storage.Path, "~/.convsync/data")
	case "redis":
		location = valueOrDefault(cfg.Storage.RedisAddr, "localhost:6379")
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "default.base_url\t%s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
	fmt.Fprintf(tw, "default.ws_url\t%s\n", valueOrDefault(cfg.Default.WSURL, "(same as base_url)"))
	fmt.Fprintf(tw, "default.user_id\t%s\n", valueOrDefault(cfg.Default.UserID, "(not set)"))
	fmt.Fprintf(tw, "auth.token\t%s\n", token)
	fmt.Fprintf(tw, "storage.driver\t%s\n", driver)
	fmt.Fprintf(tw, "storage.location\t%s\n", location)
	return tw.Flush()
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: convsync config set storage.driver pebble",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		path, err := configPath()
		if err != nil {
			return err
		}
		// the file, not the env override, is what gets written back
		cfg, err := readConfig(path)
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := writeConfig(path, cfg); err != nil {
			return err
		}

		if key == "auth.token" {
			value = maskKey(value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file location",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}
