package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Test Helpers
// ============================================================================

// wsServer is an in-process push server that records every client frame.
type wsServer struct {
	*httptest.Server

	mu      sync.Mutex
	frames  []Envelope
	cookies []string
	conns   int32
	// rejectAfter, if positive, answers 503 to every dial past that count.
	rejectAfter int32

	// onFrame, if set, handles each frame; n is the 1-based connection number.
	onFrame func(ctx context.Context, c *websocket.Conn, n int32, env Envelope)
}

func newWSServer(t *testing.T, onFrame func(ctx context.Context, c *websocket.Conn, n int32, env Envelope)) *wsServer {
	t.Helper()
	s := &wsServer{onFrame: onFrame}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&s.conns, 1)
		if limit := atomic.LoadInt32(&s.rejectAfter); limit > 0 && n > limit {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler exit")
		s.mu.Lock()
		s.cookies = append(s.cookies, r.Header.Get("Cookie"))
		s.mu.Unlock()

		ctx := r.Context()
		for {
			var env Envelope
			if err := wsjson.Read(ctx, c, &env); err != nil {
				return
			}
			s.mu.Lock()
			s.frames = append(s.frames, env)
			s.mu.Unlock()
			if s.onFrame != nil {
				s.onFrame(ctx, c, n, env)
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *wsServer) events(name string) []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Envelope
	for _, f := range s.frames {
		if f.Event == name {
			out = append(out, f)
		}
	}
	return out
}

func (s *wsServer) eventNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, f := range s.frames {
		if f.Event != EventPing {
			out = append(out, f.Event)
		}
	}
	return out
}

func push(ctx context.Context, c *websocket.Conn, event string, data interface{}, ackID string) {
	raw, _ := json.Marshal(data)
	_ = wsjson.Write(ctx, c, Envelope{Event: event, Data: raw, AckID: ackID})
}

func newTestManager(t *testing.T, url string, mutate func(*RealtimeConfig)) *ConnectionManager {
	t.Helper()
	cfg := &RealtimeConfig{
		URL:               url,
		SessionCookie:     "sid=abc",
		ReconnectDelay:    10 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		AckTimeout:        2 * time.Second,
		Logger:            quietLogger(),
	}
	if mutate != nil {
		mutate(cfg)
	}
	m := NewConnectionManager(cfg)
	t.Cleanup(func() { m.Stop() })
	return m
}

// ============================================================================
// ConnectionManager
// ============================================================================

func TestConnectionManagerJoinRoom(t *testing.T) {
	srv := newWSServer(t, nil)
	m := newTestManager(t, srv.wsURL(), nil)

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.Connected())
	require.NoError(t, m.JoinRoom(context.Background(), "bob", "alice"))

	require.Eventually(t, func() bool { return len(srv.events(EventJoinChat)) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{EventLeaveAllRooms, EventJoinChat}, srv.eventNames())

	var join JoinChatPayload
	require.NoError(t, json.Unmarshal(srv.events(EventJoinChat)[0].Data, &join))
	assert.Equal(t, JoinChatPayload{UserID: "bob", SelectedUserID: "alice", RoomID: "alice_bob"}, join)
	assert.Equal(t, []string{"sid=abc"}, srv.cookies)
}

func TestConnectionManagerSendMessage(t *testing.T) {
	t.Run("resolves ack", func(t *testing.T) {
		srv := newWSServer(t, func(ctx context.Context, c *websocket.Conn, _ int32, env Envelope) {
			if env.Event == EventSendMessage {
				push(ctx, c, EventAck, SendAck{Success: true, MessageID: "42"}, env.AckID)
			}
		})
		m := newTestManager(t, srv.wsURL(), nil)
		require.NoError(t, m.Start(context.Background()))

		msg := msgAt("temp-1", "alice", "bob", 0)
		ack, err := m.SendMessage(context.Background(), msg)
		require.NoError(t, err)
		assert.True(t, ack.Success)
		assert.Equal(t, "42", ack.MessageID)

		sent := srv.events(EventSendMessage)
		require.Len(t, sent, 1)
		assert.NotEmpty(t, sent[0].AckID)
		var p SendMessagePayload
		require.NoError(t, json.Unmarshal(sent[0].Data, &p))
		assert.Equal(t, "temp-1", p.MessageID)
		assert.Equal(t, "alice_bob", p.RoomID)
		assert.Equal(t, StatusSent, p.Status)
	})

	t.Run("times out", func(t *testing.T) {
		srv := newWSServer(t, nil)
		m := newTestManager(t, srv.wsURL(), func(c *RealtimeConfig) { c.AckTimeout = 50 * time.Millisecond })
		require.NoError(t, m.Start(context.Background()))

		_, err := m.SendMessage(context.Background(), msgAt("temp-1", "alice", "bob", 0))
		assert.ErrorIs(t, err, ErrAckTimeout)
	})

	t.Run("fails on disconnect", func(t *testing.T) {
		srv := newWSServer(t, func(ctx context.Context, c *websocket.Conn, _ int32, env Envelope) {
			if env.Event == EventSendMessage {
				c.Close(websocket.StatusGoingAway, "restart")
			}
		})
		m := newTestManager(t, srv.wsURL(), func(c *RealtimeConfig) { c.MaxReconnectAttempts = 1 })
		require.NoError(t, m.Start(context.Background()))

		_, err := m.SendMessage(context.Background(), msgAt("temp-1", "alice", "bob", 0))
		assert.ErrorIs(t, err, ErrDisconnected)
	})

	t.Run("not connected", func(t *testing.T) {
		m := newTestManager(t, "ws://127.0.0.1:1/ws", nil)
		_, err := m.SendMessage(context.Background(), msgAt("temp-1", "alice", "bob", 0))
		assert.ErrorIs(t, err, ErrNotConnected)
	})
}

func TestConnectionManagerEvents(t *testing.T) {
	srv := newWSServer(t, func(ctx context.Context, c *websocket.Conn, _ int32, env Envelope) {
		if env.Event != EventJoinChat {
			return
		}
		push(ctx, c, EventReceiveMessage, map[string]string{
			"messageId": "m1", "senderId": "bob", "receiverId": "alice",
			"text": "hi", "createdAt": "2026-03-01T12:00:00Z",
		}, "")
		push(ctx, c, "typing", map[string]string{"who": "bob"}, "")
		push(ctx, c, EventMessageStatus, MessageStatusPayload{MessageID: "m0", Status: StatusRead}, "")
	})
	m := newTestManager(t, srv.wsURL(), nil)
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.JoinRoom(context.Background(), "alice", "bob"))

	recv := nextEvent(t, m.Events())
	require.IsType(t, ReceiveEvent{}, recv)
	got := recv.(ReceiveEvent).Message
	assert.Equal(t, "m1", got.ID)
	assert.Equal(t, StatusSent, got.Status)
	assert.Equal(t, "alice_bob", got.RoomID)

	assert.Equal(t, StatusEvent{MessageID: "m0", Status: StatusRead}, nextEvent(t, m.Events()))
}

func nextEvent(t *testing.T, ch <-chan MessageEvent) MessageEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestConnectionManagerReconnectRejoins(t *testing.T) {
	srv := newWSServer(t, func(ctx context.Context, c *websocket.Conn, n int32, env Envelope) {
		// Drop the first connection right after the room is joined.
		if n == 1 && env.Event == EventJoinChat {
			c.Close(websocket.StatusGoingAway, "restart")
		}
	})
	m := newTestManager(t, srv.wsURL(), nil)

	var mu sync.Mutex
	var changes []bool
	m.OnConnectionChange(func(up bool) {
		mu.Lock()
		changes = append(changes, up)
		mu.Unlock()
	})

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.JoinRoom(context.Background(), "alice", "bob"))

	require.Eventually(t, func() bool { return len(srv.events(EventJoinChat)) == 2 }, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, m.Connected, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []bool{true, false, true}, changes)
	mu.Unlock()

	var errs []error
	for len(m.Errors()) > 0 {
		errs = append(errs, <-m.Errors())
	}
	require.NotEmpty(t, errs)
	var te *TransportError
	assert.True(t, errors.As(errs[0], &te))
}

func TestConnectionManagerConnectJoinsLatestRoom(t *testing.T) {
	t.Run("room chosen while disconnected", func(t *testing.T) {
		srv := newWSServer(t, nil)
		m := newTestManager(t, srv.wsURL(), nil)

		assert.ErrorIs(t, m.JoinRoom(context.Background(), "alice", "bob"), ErrNotConnected)
		assert.ErrorIs(t, m.JoinRoom(context.Background(), "alice", "carol"), ErrNotConnected)
		require.NoError(t, m.Start(context.Background()))

		require.Eventually(t, func() bool { return len(srv.events(EventJoinChat)) == 1 }, 2*time.Second, 5*time.Millisecond)
		var room JoinChatPayload
		require.NoError(t, json.Unmarshal(srv.events(EventJoinChat)[0].Data, &room))
		assert.Equal(t, RoomID("alice", "carol"), room.RoomID)
	})

	t.Run("room switched while the connect completes", func(t *testing.T) {
		srv := newWSServer(t, nil)
		m := newTestManager(t, srv.wsURL(), nil)
		assert.ErrorIs(t, m.JoinRoom(context.Background(), "alice", "bob"), ErrNotConnected)

		// Listeners run inside the connect, after the channel is marked up.
		var once sync.Once
		m.OnConnectionChange(func(up bool) {
			if up {
				once.Do(func() { _ = m.JoinRoom(context.Background(), "alice", "carol") })
			}
		})
		require.NoError(t, m.Start(context.Background()))

		require.Eventually(t, func() bool { return len(srv.events(EventJoinChat)) == 2 }, 2*time.Second, 5*time.Millisecond)
		joins := srv.events(EventJoinChat)
		var last JoinChatPayload
		require.NoError(t, json.Unmarshal(joins[len(joins)-1].Data, &last))
		assert.Equal(t, RoomID("alice", "carol"), last.RoomID)
	})
}

func TestConnectionManagerGivesUp(t *testing.T) {
	srv := newWSServer(t, func(ctx context.Context, c *websocket.Conn, n int32, env Envelope) {
		if env.Event == EventJoinChat {
			c.Close(websocket.StatusGoingAway, "restart")
		}
	})
	atomic.StoreInt32(&srv.rejectAfter, 1)
	m := newTestManager(t, srv.wsURL(), func(c *RealtimeConfig) { c.MaxReconnectAttempts = 2 })
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.JoinRoom(context.Background(), "alice", "bob"))

	// One accepted session, then two refused reconnect attempts.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&srv.conns) == 3 && m.State() == StateDisconnected
	}, 3*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 3, atomic.LoadInt32(&srv.conns))
	assert.False(t, m.Connected())

	// Only a manual connect tries again.
	assert.Error(t, m.Connect(context.Background()))
	assert.EqualValues(t, 4, atomic.LoadInt32(&srv.conns))
}

func TestConnectionManagerHeartbeat(t *testing.T) {
	srv := newWSServer(t, nil)
	m := newTestManager(t, srv.wsURL(), func(c *RealtimeConfig) { c.HeartbeatInterval = 10 * time.Millisecond })
	require.NoError(t, m.Start(context.Background()))

	require.Eventually(t, func() bool { return len(srv.events(EventPing)) >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, m.Connected())
}

func TestConnectionManagerStop(t *testing.T) {
	srv := newWSServer(t, nil)
	m := newTestManager(t, srv.wsURL(), nil)
	require.NoError(t, m.Start(context.Background()))
	m.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, m.Connected())
	assert.EqualValues(t, 1, atomic.LoadInt32(&srv.conns), "stop must not reconnect")
}
