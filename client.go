// Package chatsync is the client-side delivery and state-synchronization
// engine for one-to-one marketplace chat.
//
// It merges messages from the real-time push channel and the REST catch-up
// endpoints into one deduplicated, time-ordered log per conversation, drives
// each message through sent → delivered → read, reconciles optimistic sends
// with server ids, and keeps enough state in a durable cache to resume after
// a restart.
//
// Example:
//
//	client := chatsync.NewClient("alice@example.com",
//		chatsync.WithBaseURL("https://market.example.com/api"),
//		chatsync.WithSessionCookie("sid=..."))
//
//	conn := chatsync.NewConnectionManager(&chatsync.RealtimeConfig{
//		URL:           "wss://market.example.com/ws",
//		SessionCookie: "sid=...",
//	})
//
//	store, _ := chatsync.OpenPebbleStore("/var/lib/chatsync")
//	cache, _ := chatsync.OpenLocalCache(store, nil)
//
//	engine := chatsync.NewEngine(&chatsync.EngineConfig{UserID: "alice@example.com"},
//		chatsync.Deps{Transport: conn, Fetcher: client, Cache: cache})
//	engine.Start(ctx)
//	engine.OpenConversation(ctx, "bob@example.com")
//	engine.Send(ctx, "hi")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultBaseURL = "http://localhost:3000"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST catch-up fetcher for one local user.
type Client struct {
	self          string
	baseURL       string
	sessionCookie string
	httpClient    *http.Client
	log           logrus.FieldLogger
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithSessionCookie sets the raw Cookie header sent with every request.
func WithSessionCookie(cookie string) ClientOption {
	return func(c *Client) { c.sessionCookie = cookie }
}

func WithLogger(l logrus.FieldLogger) ClientOption {
	return func(c *Client) { c.log = l }
}

// NewClient creates a catch-up client acting as user self.
func NewClient(self string, opts ...ClientOption) *Client {
	c := &Client{
		self:    self,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.log = componentLogger(c.log, "fetcher")
	return c
}

// Self returns the local user id.
func (c *Client) Self() string { return c.self }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.sessionCookie != "" {
		req.Header.Set("Cookie", c.sessionCookie)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ferr := &FetchError{Path: path, StatusCode: resp.StatusCode, Body: truncate(string(data), 256)}
		var apiErr APIError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			ferr.API = &apiErr
		}
		return nil, ferr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ============================================================================
// Catch-Up API
// ============================================================================

func (c *Client) messagesPath(counterpart string) string {
	return "/messages/" + url.PathEscape(c.self) + "/" + url.PathEscape(counterpart)
}

// FetchHistory returns the full ordered log of the conversation with
// counterpart.
func (c *Client) FetchHistory(ctx context.Context, counterpart string) ([]*Message, error) {
	data, err := c.doRequest(ctx, "GET", c.messagesPath(counterpart), nil, nil)
	if err != nil {
		return nil, err
	}
	msgs, err := decodeWireMessages(data)
	if err != nil {
		return nil, err
	}
	c.log.WithFields(logrus.Fields{"counterpart": counterpart, "count": len(msgs)}).Debug("history_fetched")
	return msgs, nil
}

// FetchSince returns only messages created strictly after since.
func (c *Client) FetchSince(ctx context.Context, counterpart string, since time.Time) ([]*Message, error) {
	data, err := c.doRequest(ctx, "GET", c.messagesPath(counterpart), nil, map[string]string{
		"since": formatTime(since),
	})
	if err != nil {
		return nil, err
	}
	msgs, err := decodeWireMessages(data)
	if err != nil {
		return nil, err
	}
	// Servers that ignore or round the since parameter must not leak older
	// messages through.
	out := msgs[:0]
	for _, m := range msgs {
		if m.CreatedAt.After(since) {
			out = append(out, m)
		}
	}
	c.log.WithFields(logrus.Fields{"counterpart": counterpart, "count": len(out), "since": since}).Debug("incremental_fetched")
	return out, nil
}

// FetchRecent returns the last message per counterpart.
func (c *Client) FetchRecent(ctx context.Context) ([]*Message, error) {
	data, err := c.doRequest(ctx, "GET", "/recent-messages/"+url.PathEscape(c.self), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeWireMessages(data)
}
