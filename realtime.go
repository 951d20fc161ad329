package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// Push-channel event names.
const (
	EventJoinChat        = "joinChat"
	EventLeaveAllRooms   = "leaveAllRooms"
	EventSendMessage     = "sendMessage"
	EventReceiveMessage  = "receiveMessage"
	EventMarkAsDelivered = "markAsDelivered"
	EventMarkAsRead      = "markAsRead"
	EventMessageStatus   = "messageStatus"
	EventPing            = "ping"
	EventAck             = "ack"
)

// Envelope is the wire format for every push-channel frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID string          `json:"ackId,omitempty"`
}

type command struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
	AckID string      `json:"ackId,omitempty"`
}

// TransportError reports a push-channel failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "transport " + e.Op + ": " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the connection manager.
type RealtimeConfig struct {
	// URL is the WebSocket endpoint, e.g. wss://host/ws.
	URL string
	// SessionCookie is sent as the Cookie header; the server authenticates
	// the session from it.
	SessionCookie        string
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	HeartbeatInterval    time.Duration
	AckTimeout           time.Duration
	EventBuffer          int
	HTTPClient           *http.Client
	Logger               logrus.FieldLogger
	Metrics              *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 256
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// ConnectionState represents the push-channel state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

// reconnector hands out a fixed delay for a bounded number of attempts.
type reconnector struct {
	delay       time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		delay:       config.ReconnectDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.attempt < r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	r.attempt++
	return r.delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns the push-channel session: connect, reconnect with
// bounded retries, room membership, heartbeat and send acknowledgments.
type ConnectionManager struct {
	config  *RealtimeConfig
	log     logrus.FieldLogger
	metrics *Metrics

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnectionState
	intentionalClose bool
	cancelFn         context.CancelFunc
	baseCtx          context.Context
	room             *JoinChatPayload
	recon            *reconnector
	reconnecting     bool

	connected   atomic.Bool
	listenersMu sync.RWMutex
	listeners   []func(bool)

	events chan MessageEvent
	errs   chan error

	pendingMu   sync.Mutex
	pendingAcks map[string]chan SendAck

	// roomMu orders room frames so the last join sent is the latest room.
	roomMu sync.Mutex
}

// NewConnectionManager creates a manager. Call Start to connect.
func NewConnectionManager(config *RealtimeConfig) *ConnectionManager {
	cfg := *config
	cfg.defaults()
	return &ConnectionManager{
		config:      &cfg,
		log:         componentLogger(cfg.Logger, "realtime"),
		metrics:     cfg.Metrics,
		state:       StateDisconnected,
		recon:       newReconnector(&cfg),
		events:      make(chan MessageEvent, cfg.EventBuffer),
		errs:        make(chan error, 16),
		pendingAcks: make(map[string]chan SendAck),
	}
}

// Events delivers receive and status events from the server.
func (m *ConnectionManager) Events() <-chan MessageEvent { return m.events }

// Errors delivers transport errors. Errors are also logged, so a caller
// that does not drain this channel loses nothing but the notification.
func (m *ConnectionManager) Errors() <-chan error { return m.errs }

// Connected reports whether the push channel is up.
func (m *ConnectionManager) Connected() bool { return m.connected.Load() }

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnConnectionChange registers a listener for the connected flag.
func (m *ConnectionManager) OnConnectionChange(h func(connected bool)) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, h)
	m.listenersMu.Unlock()
}

func (m *ConnectionManager) setConnected(up bool) {
	if m.connected.Swap(up) == up {
		return
	}
	m.metrics.setConnected(up)
	m.listenersMu.RLock()
	handlers := append([]func(bool){}, m.listeners...)
	m.listenersMu.RUnlock()
	for _, h := range handlers {
		h(up)
	}
}

func (m *ConnectionManager) reportError(op string, err error) {
	terr := &TransportError{Op: op, Err: err}
	m.log.WithError(err).WithField("op", op).Warn("transport_error")
	select {
	case m.errs <- terr:
	default:
		m.log.WithField("op", op).Debug("transport_error_channel_full")
	}
}

// Start binds the manager's lifetime to ctx and connects.
func (m *ConnectionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()
	return m.Connect(ctx)
}

// Stop closes the connection without reconnecting.
func (m *ConnectionManager) Stop() error {
	m.mu.Lock()
	m.intentionalClose = true
	cancel := m.cancelFn
	m.cancelFn = nil
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	m.failPendingAcks()
	m.setConnected(false)

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	return err
}

func (m *ConnectionManager) lifetime() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.baseCtx != nil {
		return m.baseCtx
	}
	return context.Background()
}

// Connect establishes the WebSocket session. It is a no-op while connected
// or connecting, and is also the manual reconnect once retries ran out.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.intentionalClose = false
	m.mu.Unlock()

	header := http.Header{}
	if m.config.SessionCookie != "" {
		header.Set("Cookie", m.config.SessionCookie)
	}
	conn, _, err := websocket.Dial(ctx, m.config.URL, &websocket.DialOptions{
		HTTPClient: m.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(m.lifetime())
	m.mu.Lock()
	m.conn = conn
	m.state = StateConnected
	m.cancelFn = cancel
	m.recon.reset()
	m.reconnecting = false
	m.mu.Unlock()

	m.log.WithField("url", m.config.URL).Info("connected")
	m.setConnected(true)

	go m.readLoop(connCtx, conn)
	go m.heartbeatLoop(connCtx)

	// A reconnect must keep delivering events for the open conversation.
	// The room is read only now: a JoinRoom that raced the dial stored its
	// room before it saw the channel down.
	if err := m.syncRoom(connCtx); err != nil {
		m.reportError("rejoin", err)
	}
	return nil
}

// JoinRoom leaves every room and joins the deterministic room shared by self
// and counterpart. The room is remembered and re-joined after reconnects,
// even when the manager is currently disconnected.
func (m *ConnectionManager) JoinRoom(ctx context.Context, self, counterpart string) error {
	room := &JoinChatPayload{
		UserID:         self,
		SelectedUserID: counterpart,
		RoomID:         RoomID(self, counterpart),
	}
	m.mu.Lock()
	m.room = room
	m.mu.Unlock()

	if !m.Connected() {
		return ErrNotConnected
	}
	return m.syncRoom(ctx)
}

// syncRoom leaves every room and joins the currently remembered one, if any.
func (m *ConnectionManager) syncRoom(ctx context.Context) error {
	m.roomMu.Lock()
	defer m.roomMu.Unlock()
	m.mu.Lock()
	room := m.room
	m.mu.Unlock()
	if room == nil {
		return nil
	}
	if err := m.send(ctx, &command{Event: EventLeaveAllRooms, Data: struct{}{}}); err != nil {
		return err
	}
	if err := m.send(ctx, &command{Event: EventJoinChat, Data: room}); err != nil {
		return err
	}
	m.log.WithField("roomId", room.RoomID).Debug("room_joined")
	return nil
}

// LeaveAllRooms leaves every room and forgets the active one.
func (m *ConnectionManager) LeaveAllRooms(ctx context.Context) error {
	m.roomMu.Lock()
	defer m.roomMu.Unlock()
	m.mu.Lock()
	m.room = nil
	m.mu.Unlock()
	if !m.Connected() {
		return nil
	}
	return m.send(ctx, &command{Event: EventLeaveAllRooms, Data: struct{}{}})
}

// SendMessage transmits msg and waits for the server acknowledgment.
func (m *ConnectionManager) SendMessage(ctx context.Context, msg *Message) (SendAck, error) {
	ackID := uuid.NewString()
	ch := make(chan SendAck, 1)
	m.pendingMu.Lock()
	m.pendingAcks[ackID] = ch
	m.pendingMu.Unlock()

	forget := func() {
		m.pendingMu.Lock()
		delete(m.pendingAcks, ackID)
		m.pendingMu.Unlock()
	}

	err := m.send(ctx, &command{
		Event: EventSendMessage,
		AckID: ackID,
		Data: SendMessagePayload{
			MessageID:  msg.ID,
			SenderID:   msg.SenderID,
			ReceiverID: msg.ReceiverID,
			Text:       msg.Text,
			CreatedAt:  formatTime(msg.CreatedAt),
			RoomID:     msg.RoomID,
			Status:     StatusSent,
		},
	})
	if err != nil {
		forget()
		return SendAck{}, err
	}

	timer := time.NewTimer(m.config.AckTimeout)
	defer timer.Stop()
	select {
	case ack, ok := <-ch:
		if !ok {
			return SendAck{}, ErrDisconnected
		}
		return ack, nil
	case <-timer.C:
		forget()
		return SendAck{}, ErrAckTimeout
	case <-ctx.Done():
		forget()
		return SendAck{}, ctx.Err()
	}
}

// MarkAsDelivered asks the server to move ids to delivered.
func (m *ConnectionManager) MarkAsDelivered(ctx context.Context, ids []string, recipient, sender string) error {
	return m.send(ctx, &command{
		Event: EventMarkAsDelivered,
		Data:  MarkDeliveredPayload{MessageIDs: ids, Recipient: recipient, Sender: sender},
	})
}

// MarkAsRead asks the server to move ids to read.
func (m *ConnectionManager) MarkAsRead(ctx context.Context, ids []string, reader, sender string) error {
	return m.send(ctx, &command{
		Event: EventMarkAsRead,
		Data:  MarkReadPayload{MessageIDs: ids, Reader: reader, Sender: sender},
	})
}

func (m *ConnectionManager) send(ctx context.Context, cmd *command) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", cmd.Event, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &TransportError{Op: cmd.Event, Err: err}
	}
	return nil
}

func (m *ConnectionManager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			m.handleDisconnect(conn, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.log.WithError(err).Debug("malformed_frame")
			continue
		}
		m.dispatch(ctx, env)
	}
}

func (m *ConnectionManager) dispatch(ctx context.Context, env Envelope) {
	var ev MessageEvent
	switch env.Event {
	case EventAck:
		ack, err := decodeJSON[SendAck](env.Data)
		if err != nil {
			m.log.WithError(err).Warn("malformed_ack")
			return
		}
		m.resolveAck(env.AckID, *ack)
		return
	case EventReceiveMessage:
		var w wireMessage
		if err := json.Unmarshal(env.Data, &w); err != nil {
			m.log.WithError(err).Warn("malformed_receive")
			return
		}
		msg, err := w.normalize()
		if err != nil {
			m.log.WithError(err).Warn("malformed_receive")
			return
		}
		ev = ReceiveEvent{Message: msg}
	case EventMessageStatus:
		var p MessageStatusPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.MessageID == "" {
			m.log.WithField("data", string(env.Data)).Warn("malformed_status")
			return
		}
		ev = StatusEvent{MessageID: p.MessageID, Status: p.Status}
	default:
		m.log.WithField("event", env.Event).Debug("unhandled_event")
		return
	}

	select {
	case m.events <- ev:
	case <-ctx.Done():
	}
}

func (m *ConnectionManager) resolveAck(ackID string, ack SendAck) {
	m.pendingMu.Lock()
	ch, ok := m.pendingAcks[ackID]
	if ok {
		delete(m.pendingAcks, ackID)
	}
	m.pendingMu.Unlock()
	if !ok {
		m.log.WithField("ackId", ackID).Debug("unmatched_ack")
		return
	}
	ch <- ack
}

func (m *ConnectionManager) failPendingAcks() {
	m.pendingMu.Lock()
	for k, ch := range m.pendingAcks {
		close(ch)
		delete(m.pendingAcks, k)
	}
	m.pendingMu.Unlock()
}

func (m *ConnectionManager) handleDisconnect(conn *websocket.Conn, err error) {
	m.mu.Lock()
	if m.intentionalClose || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateDisconnected
	if m.cancelFn != nil {
		m.cancelFn()
		m.cancelFn = nil
	}
	startRetry := !m.reconnecting
	m.reconnecting = true
	m.mu.Unlock()

	m.failPendingAcks()
	m.setConnected(false)
	m.reportError("read", err)

	if startRetry {
		go m.reconnectLoop()
	}
}

// reconnectLoop retries until Connect succeeds, which clears the
// reconnecting flag, or until attempts run out.
func (m *ConnectionManager) reconnectLoop() {
	ctx := m.lifetime()
	stopped := func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}
	for {
		m.mu.Lock()
		if m.intentionalClose || !m.recon.shouldReconnect() {
			exhausted := !m.intentionalClose
			m.state = StateDisconnected
			m.reconnecting = false
			m.mu.Unlock()
			if exhausted {
				m.reportError("reconnect", fmt.Errorf("giving up after %d attempts", m.config.MaxReconnectAttempts))
			}
			return
		}
		delay := m.recon.nextDelay()
		attempt := m.recon.attempt
		m.state = StateReconnecting
		m.mu.Unlock()

		m.metrics.reconnectAttempt()
		m.log.WithFields(logrus.Fields{"attempt": attempt, "delay": delay}).Info("reconnecting")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			stopped()
			return
		}

		m.mu.Lock()
		if m.intentionalClose {
			m.reconnecting = false
			m.mu.Unlock()
			return
		}
		// Connect is a no-op unless the state says otherwise.
		m.state = StateDisconnected
		m.mu.Unlock()

		err := m.Connect(ctx)
		if err == nil {
			return
		}
		if errors.Is(err, context.Canceled) {
			stopped()
			return
		}
		m.reportError("reconnect", err)
	}
}

func (m *ConnectionManager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.Connected() {
				continue
			}
			// A failed ping is not a disconnect; only the read loop decides that.
			if err := m.send(ctx, &command{Event: EventPing, Data: struct{}{}}); err != nil {
				m.metrics.heartbeatFailure()
				m.log.WithError(err).Warn("heartbeat_failed")
			}
		}
	}
}
