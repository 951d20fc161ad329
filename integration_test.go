//go:build integration

package chatsync_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/marketchat/chatsync"
)

// helpers ---------------------------------------------------------------

type liveUser struct {
	id     string
	cookie string
}

func requireEnv(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("%s environment variable is required", key)
	}
	return v
}

func liveUsers(t *testing.T) (liveUser, liveUser) {
	t.Helper()
	a := liveUser{id: requireEnv(t, "CHATSYNC_USER_A_TEST"), cookie: requireEnv(t, "CHATSYNC_COOKIE_A_TEST")}
	b := liveUser{id: requireEnv(t, "CHATSYNC_USER_B_TEST"), cookie: requireEnv(t, "CHATSYNC_COOKIE_B_TEST")}
	return a, b
}

func newLiveEngine(t *testing.T, ctx context.Context, u liveUser) (*chatsync.Engine, *chatsync.ConnectionManager) {
	t.Helper()
	base := requireEnv(t, "CHATSYNC_BASE_URL_TEST")
	ws := requireEnv(t, "CHATSYNC_WS_URL_TEST")

	conn := chatsync.NewConnectionManager(&chatsync.RealtimeConfig{URL: ws, SessionCookie: u.cookie})
	if err := conn.Start(ctx); err != nil {
		t.Fatalf("connect as %s: %v", u.id, err)
	}
	t.Cleanup(func() { _ = conn.Stop() })

	cache, err := chatsync.OpenLocalCache(chatsync.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })

	client := chatsync.NewClient(u.id, chatsync.WithBaseURL(base), chatsync.WithSessionCookie(u.cookie))
	engine := chatsync.NewEngine(&chatsync.EngineConfig{UserID: u.id},
		chatsync.Deps{Transport: conn, Fetcher: client, Cache: cache})
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(engine.Stop)
	return engine, conn
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func findText(log []*chatsync.Message, text string) *chatsync.Message {
	for _, m := range log {
		if m.Text == text {
			return m
		}
	}
	return nil
}

// =======================================================================
// Catch-up
// =======================================================================

func TestIntegration_FetchHistoryAndRecent(t *testing.T) {
	a, b := liveUsers(t)
	base := requireEnv(t, "CHATSYNC_BASE_URL_TEST")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := chatsync.NewClient(a.id, chatsync.WithBaseURL(base), chatsync.WithSessionCookie(a.cookie))
	history, err := client.FetchHistory(ctx, b.id)
	if err != nil {
		t.Fatalf("FetchHistory: %v", err)
	}
	for i := 1; i < len(history); i++ {
		if history[i].CreatedAt.Before(history[i-1].CreatedAt) {
			t.Errorf("history out of order at %d", i)
		}
	}
	t.Logf("history %s→%s: %d messages", a.id, b.id, len(history))

	recent, err := client.FetchRecent(ctx)
	if err != nil {
		t.Fatalf("FetchRecent: %v", err)
	}
	t.Logf("recent for %s: %d conversations", a.id, len(recent))
}

// =======================================================================
// Round trip between two live sessions
// =======================================================================

func TestIntegration_SendDeliverRead(t *testing.T) {
	a, b := liveUsers(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	alice, _ := newLiveEngine(t, ctx, a)
	bob, _ := newLiveEngine(t, ctx, b)

	if err := alice.OpenConversation(ctx, b.id); err != nil {
		t.Fatalf("alice open: %v", err)
	}
	if err := bob.OpenConversation(ctx, a.id); err != nil {
		t.Fatalf("bob open: %v", err)
	}

	text := fmt.Sprintf("integration %d", time.Now().UnixNano())
	sent, err := alice.Send(ctx, text)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !chatsync.IsTempID(sent.ID) {
		t.Errorf("expected optimistic temp message, got id %s", sent.ID)
	}

	waitFor(t, 15*time.Second, "server id on sender side", func() bool {
		m := findText(alice.Log(b.id), text)
		return m != nil && !chatsync.IsTempID(m.ID)
	})
	waitFor(t, 15*time.Second, "receipt on recipient side", func() bool {
		return findText(bob.Log(a.id), text) != nil
	})
	waitFor(t, 15*time.Second, "read status on sender side", func() bool {
		m := findText(alice.Log(b.id), text)
		return m != nil && m.Status == chatsync.StatusRead
	})

	if got := len(alice.PendingSends()); got != 0 {
		t.Errorf("expected empty outbox, got %d", got)
	}
}

func TestIntegration_HiddenRecipientCountsUnread(t *testing.T) {
	a, b := liveUsers(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	alice, _ := newLiveEngine(t, ctx, a)
	bob, _ := newLiveEngine(t, ctx, b)

	if err := alice.OpenConversation(ctx, b.id); err != nil {
		t.Fatalf("alice open: %v", err)
	}
	if err := bob.OpenConversation(ctx, a.id); err != nil {
		t.Fatalf("bob open: %v", err)
	}
	bob.SetVisible(ctx, false)

	text := fmt.Sprintf("hidden %d", time.Now().UnixNano())
	if _, err := alice.Send(ctx, text); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, 15*time.Second, "unread counter", func() bool {
		return bob.Unread()[a.id] > 0
	})

	bob.SetVisible(ctx, true)
	waitFor(t, 15*time.Second, "unread reset", func() bool {
		return bob.Unread()[a.id] == 0
	})
}

func TestIntegration_ReconnectRejoinsRoom(t *testing.T) {
	a, b := liveUsers(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	alice, conn := newLiveEngine(t, ctx, a)
	if err := alice.OpenConversation(ctx, b.id); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := conn.Stop(); err != nil {
		t.Logf("stop: %v", err)
	}
	if alice.Connected() {
		t.Fatal("expected disconnected after Stop")
	}
	if err := conn.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitFor(t, 10*time.Second, "reconnect", alice.Connected)

	text := fmt.Sprintf("after reconnect %d", time.Now().UnixNano())
	if _, err := alice.Send(ctx, text); err != nil {
		t.Fatalf("Send after reconnect: %v", err)
	}
	waitFor(t, 15*time.Second, "ack after reconnect", func() bool {
		m := findText(alice.Log(b.id), text)
		return m != nil && !chatsync.IsTempID(m.ID)
	})
}
