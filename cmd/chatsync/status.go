package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and local cache state",
	Long:  "Display the current configuration and what the durable cache holds: selection, unread counters and previews.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Default.UserID, "(not set)"))
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Printf("  WS URL:      %s\n", valueOrDefault(cfg.Default.WSURL, "(not set)"))
		if cfg.Auth.SessionCookie != "" {
			fmt.Printf("  Session:     %s\n", maskSecret(cfg.Auth.SessionCookie))
		} else {
			fmt.Println("  Session:     (not set)")
		}
		fmt.Printf("  Cache:       %s\n", valueOrDefault(cfg.Cache.Path, "(memory only)"))

		if cfg.Cache.Path == "" {
			return nil
		}
		cache, err := openCache(cfg)
		if err != nil {
			return err
		}
		defer cache.Close()

		fmt.Println()
		fmt.Println("Local state:")
		fmt.Printf("  Selected:    %s\n", valueOrDefault(cache.Selected(), "(none)"))
		fmt.Printf("  Statuses:    %d\n", len(cache.StatusIDs()))

		unread := cache.UnreadCounts()
		recent := cache.RecentAll()
		if len(recent) == 0 && len(unread) == 0 {
			fmt.Println("  Conversations: none")
			return nil
		}
		fmt.Println("  Conversations:")
		for c, m := range recent {
			fmt.Printf("    %-28s unread=%-3d %s\n", c, unread[c], formatMessage(cfg.Default.UserID, m))
		}
		for c, n := range unread {
			if _, ok := recent[c]; !ok {
				fmt.Printf("    %-28s unread=%-3d\n", c, n)
			}
		}
		return nil
	},
}
