package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Cache   ConfigCache   `toml:"cache"`
}

// ConfigDefault holds endpoints and the local identity.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
	WSURL   string `toml:"ws_url"`
	UserID  string `toml:"user_id"`
}

// ConfigAuth holds the session used for both REST and the push channel.
type ConfigAuth struct {
	SessionCookie string `toml:"session_cookie"`
}

// ConfigCache locates the durable local cache.
type ConfigCache struct {
	Path string `toml:"path"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadFileConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadFileConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadConfig is loadFileConfig with CHATSYNC_* environment overrides applied.
// Use loadFileConfig when the result is written back.
func loadConfig() (*Config, error) {
	cfg, err := loadFileConfig()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg, os.Getenv)
	return cfg, nil
}

var envOverrides = map[string]string{
	"CHATSYNC_BASE_URL":       "default.base_url",
	"CHATSYNC_WS_URL":         "default.ws_url",
	"CHATSYNC_USER_ID":        "default.user_id",
	"CHATSYNC_SESSION_COOKIE": "auth.session_cookie",
	"CHATSYNC_CACHE_PATH":     "cache.path",
}

func applyEnv(cfg *Config, getenv func(string) string) {
	for env, key := range envOverrides {
		if v := getenv(env); v != "" {
			// Keys in envOverrides are all valid.
			_ = setConfigValue(cfg, key, v)
		}
	}
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.user_id").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.user_id)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "ws_url":
			cfg.Default.WSURL = value
		case "user_id":
			cfg.Default.UserID = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "session_cookie":
			cfg.Auth.SessionCookie = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "cache":
		switch field {
		case "path":
			cfg.Cache.Path = value
		default:
			return fmt.Errorf("unknown field %q in section [cache]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, cache)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	verbose bool
	envFile string
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Marketplace chat sync CLI",
	Long:  "Command-line client for marketplace chat.\nRead history, send messages and watch conversations with a durable local cache.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		} else {
			logrus.SetLevel(logrus.WarnLevel)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file to load")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
