package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	initBaseURL string
	initWSURL   string
	initCookie  string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "REST base URL")
	initCmd.Flags().StringVar(&initWSURL, "ws-url", "", "WebSocket URL")
	initCmd.Flags().StringVar(&initCookie, "session-cookie", "", "Session cookie, e.g. 'sid=...'")
}

var initCmd = &cobra.Command{
	Use:   "init <user-id>",
	Short: "Store identity and endpoints in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing your user id, endpoints and session in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadFileConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		values := []struct{ key, value string }{
			{"default.user_id", args[0]},
			{"default.base_url", initBaseURL},
			{"default.ws_url", initWSURL},
			{"auth.session_cookie", initCookie},
		}
		for _, kv := range values {
			if kv.value == "" {
				continue
			}
			v, err := normalizeConfigValue(kv.key, kv.value)
			if err != nil {
				return err
			}
			if err := setConfigValue(cfg, kv.key, v); err != nil {
				return err
			}
		}
		if cfg.Cache.Path == "" {
			dir, err := configDir()
			if err != nil {
				return err
			}
			cfg.Cache.Path = filepath.Join(dir, "cache")
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}
