package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configPathCmd)

	configShowCmd.Flags().Bool("raw", false, "Print the file as stored, secrets included")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long: "View or modify the chatsync CLI configuration stored in ~/.chatsync/config.toml.\n" +
		"CHATSYNC_* environment variables override file values at run time.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetBool("raw")
		if raw {
			path, err := configPath()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("No configuration file found. Run 'chatsync init <user-id>' to create one.")
					return nil
				}
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out, err := renderConfig(cfg)
		if err != nil {
			return err
		}
		fmt.Print(out)
		for _, env := range activeOverrides(os.Getenv) {
			fmt.Printf("# %s overrides %s\n", env, envOverrides[env])
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value using dot notation.\n" +
		"Keys: default.base_url, default.ws_url, default.user_id, auth.session_cookie, cache.path\n" +
		"Example: chatsync config set default.ws_url wss://market.example.com/ws",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		value, err := normalizeConfigValue(key, args[1])
		if err != nil {
			return err
		}
		if err := updateConfigFile(key, value); err != nil {
			return err
		}
		if key == "auth.session_cookie" {
			value = maskSecret(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Clear a configuration value",
	Long:  "Clear a configuration value. Clearing cache.path keeps local state in memory only.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := updateConfigFile(args[0], ""); err != nil {
			return err
		}
		fmt.Printf("Unset %s\n", args[0])
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file location",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

// updateConfigFile sets key in the stored file only; environment overrides
// are never written back.
func updateConfigFile(key, value string) error {
	cfg, err := loadFileConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := setConfigValue(cfg, key, value); err != nil {
		return err
	}
	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// normalizeConfigValue checks value for key and returns the form to store.
// cache.path is expanded to an absolute path.
func normalizeConfigValue(key, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%s: empty value, use 'chatsync config unset %s' to clear it", key, key)
	}
	switch key {
	case "default.base_url":
		return value, checkURL(key, value, "http", "https")
	case "default.ws_url":
		return value, checkURL(key, value, "ws", "wss")
	case "default.user_id":
		if strings.ContainsAny(value, " \t/") {
			return "", fmt.Errorf("%s: must not contain spaces or slashes", key)
		}
	case "auth.session_cookie":
		if !strings.Contains(value, "=") {
			return "", fmt.Errorf("%s: expected a Cookie header value such as 'sid=...'", key)
		}
	case "cache.path":
		return expandPath(value)
	}
	// Unknown keys are reported by setConfigValue.
	return value, nil
}

func checkURL(key, value string, schemes ...string) error {
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s: want an absolute %s URL, got %q", key, strings.Join(schemes, "/"), value)
}

func expandPath(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("cache.path: %w", err)
	}
	return abs, nil
}

// renderConfig encodes cfg as TOML with the session cookie masked.
func renderConfig(cfg *Config) (string, error) {
	masked := *cfg
	if masked.Auth.SessionCookie != "" {
		masked.Auth.SessionCookie = maskSecret(masked.Auth.SessionCookie)
	}
	data, err := toml.Marshal(&masked)
	if err != nil {
		return "", fmt.Errorf("cannot marshal config: %w", err)
	}
	return string(data), nil
}

// activeOverrides lists the set CHATSYNC_* variables, sorted.
func activeOverrides(getenv func(string) string) []string {
	var out []string
	for env := range envOverrides {
		if getenv(env) != "" {
			out = append(out, env)
		}
	}
	sort.Strings(out)
	return out
}
