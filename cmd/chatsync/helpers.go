package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/marketchat/chatsync"
	"github.com/sirupsen/logrus"
)

// requireConfig loads the config and checks that an identity is set.
func requireConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Default.UserID == "" {
		return nil, fmt.Errorf("no user id; run 'chatsync init <user-id>' first")
	}
	return cfg, nil
}

// getClient creates a catch-up client for the configured user.
func getClient(cfg *Config) *chatsync.Client {
	opts := []chatsync.ClientOption{
		chatsync.WithSessionCookie(cfg.Auth.SessionCookie),
		chatsync.WithLogger(logrus.StandardLogger()),
	}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	return chatsync.NewClient(cfg.Default.UserID, opts...)
}

// openCache opens the durable cache, or an in-memory one when no path is
// configured.
func openCache(cfg *Config) (*chatsync.LocalCache, error) {
	var store chatsync.Store
	if cfg.Cache.Path == "" {
		store = chatsync.NewMemoryStore()
	} else {
		ps, err := chatsync.OpenPebbleStore(cfg.Cache.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open cache: %w", err)
		}
		store = ps
	}
	return chatsync.OpenLocalCache(store, logrus.StandardLogger())
}

// session bundles everything a live command needs.
type session struct {
	conn   *chatsync.ConnectionManager
	cache  *chatsync.LocalCache
	engine *chatsync.Engine
}

func newSession(cfg *Config, metrics *chatsync.Metrics, notifier chatsync.Notifier, hidden bool) (*session, error) {
	if cfg.Default.WSURL == "" {
		return nil, fmt.Errorf("no WebSocket URL; run 'chatsync config set default.ws_url <url>'")
	}
	cache, err := openCache(cfg)
	if err != nil {
		return nil, err
	}
	conn := chatsync.NewConnectionManager(&chatsync.RealtimeConfig{
		URL:           cfg.Default.WSURL,
		SessionCookie: cfg.Auth.SessionCookie,
		Logger:        logrus.StandardLogger(),
		Metrics:       metrics,
	})
	engine := chatsync.NewEngine(&chatsync.EngineConfig{
		UserID:      cfg.Default.UserID,
		StartHidden: hidden,
		Logger:      logrus.StandardLogger(),
		Metrics:     metrics,
	}, chatsync.Deps{
		Transport: conn,
		Fetcher:   getClient(cfg),
		Cache:     cache,
		Notifier:  notifier,
	})
	return &session{conn: conn, cache: cache, engine: engine}, nil
}

func (s *session) close() {
	s.engine.Stop()
	if err := s.conn.Stop(); err != nil {
		logrus.WithError(err).Debug("close_failed")
	}
	if err := s.cache.Close(); err != nil {
		logrus.WithError(err).Warn("cache_close_failed")
	}
}

func formatMessage(self string, m *chatsync.Message) string {
	dir := "<"
	if m.Sent(self) {
		dir = ">"
	}
	line := fmt.Sprintf("[%s] %s %s: %s", m.CreatedAt.Local().Format(time.DateTime), dir, m.SenderID, m.Text)
	if m.Sent(self) {
		line += "  (" + string(m.Status) + ")"
	}
	if m.Failed {
		line += "  FAILED: " + m.FailureReason
	}
	return line
}

// maskSecret shows the first 4 and last 4 characters of a secret.
func maskSecret(s string) string {
	if len(s) <= 12 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + "..." + s[len(s)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
