package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error reported by the chat backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

var (
	ErrNotConnected   = errors.New("chatsync: not connected")
	ErrDisconnected   = errors.New("chatsync: connection lost")
	ErrEmptyMessage   = errors.New("chatsync: message text is empty")
	ErrNoConversation = errors.New("chatsync: no conversation selected")
	ErrAckTimeout     = errors.New("chatsync: send acknowledgment timed out")
	ErrUnknownMessage = errors.New("chatsync: unknown message")
	ErrNotFound       = errors.New("chatsync: key not found")
)

// FetchError is returned when a catch-up query gets a non-2xx response.
type FetchError struct {
	Path       string
	StatusCode int
	Body       string
	// API is set when the body carried a structured backend error.
	API *APIError
}

func (e *FetchError) Error() string {
	if e.API != nil {
		return fmt.Sprintf("fetch %s: HTTP %d: %s", e.Path, e.StatusCode, e.API.Error())
	}
	return fmt.Sprintf("fetch %s: HTTP %d: %s", e.Path, e.StatusCode, e.Body)
}

func (e *FetchError) Unwrap() error {
	if e.API == nil {
		return nil
	}
	return e.API
}

// SendError is the terminal failure of an optimistic send.
type SendError struct {
	TempID string
	Reason string
	// Rejected is true when the server acknowledged with success=false.
	Rejected bool
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s failed: %s", e.TempID, e.Reason)
}

// ============================================================================
// Status
// ============================================================================

// Status is the delivery state of a message.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Rank orders statuses for the forward-only rule. Unknown values rank lowest.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Valid reports whether s is one of the three known statuses.
func (s Status) Valid() bool { return s.Rank() > 0 }

// MaxStatus returns the later of two statuses.
func MaxStatus(a, b Status) Status {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ============================================================================
// Message
// ============================================================================

const tempIDPrefix = "temp-"

// Message is one entry in a conversation log.
type Message struct {
	ID         string    `json:"messageId"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	RoomID     string    `json:"roomId"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
	Status     Status    `json:"status,omitempty"`

	// Local-only flags for an optimistic send that could not be delivered.
	Failed        bool   `json:"-"`
	FailureReason string `json:"-"`
}

// Sent reports whether self authored the message. Never stored.
func (m *Message) Sent(self string) bool {
	return m.SenderID == self
}

// Counterpart returns the participant that is not self.
func (m *Message) Counterpart(self string) string {
	if m.SenderID == self {
		return m.ReceiverID
	}
	return m.SenderID
}

// Clone returns a copy safe to hand to callers.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// before is the log ordering: createdAt ascending, messageId as tie-break.
func (m *Message) before(o *Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// RoomID returns the deterministic room of a two-party conversation.
func RoomID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

// NewTempID returns a client-side placeholder id of the form
// temp-<unix-millis>-<random>.
func NewTempID(now time.Time) string {
	r := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s%d-%s", tempIDPrefix, now.UnixMilli(), r[:12])
}

// IsTempID reports whether id was produced by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// ============================================================================
// Conversation
// ============================================================================

// Conversation is the per-counterpart summary used for list previews.
type Conversation struct {
	Counterpart          string    `json:"counterpart"`
	LastMessage          *Message  `json:"lastMessage,omitempty"`
	Unread               int       `json:"unread"`
	LastMessageTimestamp time.Time `json:"lastMessageTimestamp"`
}

// ============================================================================
// Push Events
// ============================================================================

// MessageEvent is the closed set of events fed to the engine:
// ReceiveEvent, StatusEvent or AckEvent.
type MessageEvent interface {
	isMessageEvent()
}

// ReceiveEvent carries a message pushed by the server.
type ReceiveEvent struct {
	Message *Message
}

// StatusEvent is a server status broadcast for one message.
type StatusEvent struct {
	MessageID string
	Status    Status
}

// AckEvent resolves an optimistic send.
type AckEvent struct {
	TempID   string
	ServerID string
	Success  bool
	Error    string
}

func (ReceiveEvent) isMessageEvent() {}
func (StatusEvent) isMessageEvent()  {}
func (AckEvent) isMessageEvent()     {}

// ============================================================================
// Wire Payloads
// ============================================================================

// JoinChatPayload scopes real-time delivery to a room.
type JoinChatPayload struct {
	UserID         string `json:"userId"`
	SelectedUserID string `json:"selectedUserId"`
	RoomID         string `json:"roomId"`
}

// SendMessagePayload is the outbound message.
type SendMessagePayload struct {
	MessageID  string `json:"messageId"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Text       string `json:"text"`
	CreatedAt  string `json:"createdAt"`
	RoomID     string `json:"roomId"`
	Status     Status `json:"status"`
}

// SendAck is the server acknowledgment of a sendMessage.
type SendAck struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// MarkDeliveredPayload requests sent→delivered for the given ids.
type MarkDeliveredPayload struct {
	MessageIDs []string `json:"messageIds"`
	Recipient  string   `json:"recipient"`
	Sender     string   `json:"sender"`
}

// MarkReadPayload requests delivered→read for the given ids.
type MarkReadPayload struct {
	MessageIDs []string `json:"messageIds"`
	Reader     string   `json:"reader"`
	Sender     string   `json:"sender"`
}

// MessageStatusPayload is the server status broadcast.
type MessageStatusPayload struct {
	MessageID string `json:"messageId"`
	Status    Status `json:"status"`
}

// wireMessage is the loose server record shape shared by the REST endpoints
// and receiveMessage pushes.
type wireMessage struct {
	MessageID  string `json:"messageId"`
	ID         string `json:"_id,omitempty"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	RoomID     string `json:"roomId,omitempty"`
	Text       string `json:"text"`
	CreatedAt  string `json:"createdAt"`
	Status     Status `json:"status,omitempty"`
}

func (w *wireMessage) normalize() (*Message, error) {
	id := w.MessageID
	if id == "" {
		id = w.ID
	}
	if id == "" {
		return nil, fmt.Errorf("message without id")
	}
	created, err := parseTime(w.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", id, err)
	}
	room := w.RoomID
	if room == "" {
		room = RoomID(w.SenderID, w.ReceiverID)
	}
	status := w.Status
	if !status.Valid() {
		status = StatusSent
	}
	return &Message{
		ID:         id,
		SenderID:   w.SenderID,
		ReceiverID: w.ReceiverID,
		RoomID:     room,
		Text:       w.Text,
		CreatedAt:  created,
		Status:     status,
	}, nil
}

func decodeWireMessages(data []byte) ([]*Message, error) {
	var raw []wireMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal messages: %w", err)
	}
	out := make([]*Message, 0, len(raw))
	for i := range raw {
		m, err := raw[i].normalize()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("missing createdAt")
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid createdAt %q: %w", s, err)
	}
	return t, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
