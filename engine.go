package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ============================================================================
// Collaborators
// ============================================================================

// Transport is the push channel the engine drives. *ConnectionManager
// implements it.
type Transport interface {
	MessageSender
	Connect(ctx context.Context) error
	Connected() bool
	JoinRoom(ctx context.Context, self, counterpart string) error
	LeaveAllRooms(ctx context.Context) error
	MarkAsDelivered(ctx context.Context, ids []string, recipient, sender string) error
	MarkAsRead(ctx context.Context, ids []string, reader, sender string) error
	Events() <-chan MessageEvent
}

// Fetcher is the REST catch-up source. *Client implements it.
type Fetcher interface {
	FetchHistory(ctx context.Context, counterpart string) ([]*Message, error)
	FetchSince(ctx context.Context, counterpart string, since time.Time) ([]*Message, error)
	FetchRecent(ctx context.Context) ([]*Message, error)
}

type connectionNotifier interface {
	OnConnectionChange(func(connected bool))
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	// UserID is the authenticated local user.
	UserID string
	Retry  RetryPolicy
	// CatchUpInterval is the minimum spacing between catch-up fetches
	// triggered by the page becoming visible.
	CatchUpInterval time.Duration
	// StartHidden starts the engine as if the page were in the background.
	StartHidden bool
	Logger      logrus.FieldLogger
	Metrics     *Metrics
	Now         func() time.Time
}

func (c *EngineConfig) defaults() {
	c.Retry.defaults()
	if c.CatchUpInterval == 0 {
		c.CatchUpInterval = time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Deps are the injected collaborators of an Engine.
type Deps struct {
	Transport Transport
	Fetcher   Fetcher
	Cache     *LocalCache
	// Notifier defaults to a LogNotifier.
	Notifier Notifier
}

// ============================================================================
// Engine
// ============================================================================

// Engine merges push and catch-up traffic into per-conversation logs,
// drives delivery status, reconciles optimistic sends and keeps unread
// counters. All state mutation is serialized on one mutex; network I/O
// never runs while it is held.
type Engine struct {
	cfg       EngineConfig
	self      string
	transport Transport
	fetcher   Fetcher
	cache     *LocalCache
	notifier  Notifier
	metrics   *Metrics
	log       logrus.FieldLogger

	mu           sync.Mutex
	synchronizer *Synchronizer
	status       *StateMachine
	unread       *UnreadAggregator
	outbox       *Outbox
	limiter      *rate.Limiter
	selected     string
	visible      bool
	generation   uint64
	opened       map[string]bool

	ctx      context.Context
	cancel   context.CancelFunc
	pumpDone chan struct{}
	inflight sync.WaitGroup
}

// NewEngine wires an engine. Deps.Transport, Deps.Fetcher and Deps.Cache are
// required.
func NewEngine(config *EngineConfig, deps Deps) *Engine {
	cfg := *config
	cfg.defaults()
	log := componentLogger(cfg.Logger, "engine").WithField("user", cfg.UserID)

	notifier := deps.Notifier
	if notifier == nil {
		notifier = LogNotifier{Logger: cfg.Logger}
	}
	sm := NewStateMachine(deps.Cache, cfg.Metrics, cfg.Logger)
	e := &Engine{
		cfg:          cfg,
		self:         cfg.UserID,
		transport:    deps.Transport,
		fetcher:      deps.Fetcher,
		cache:        deps.Cache,
		notifier:     notifier,
		metrics:      cfg.Metrics,
		log:          log,
		synchronizer: NewSynchronizer(cfg.UserID, sm),
		status:       sm,
		unread:       NewUnreadAggregator(deps.Cache, cfg.Logger),
		outbox:       NewOutbox(),
		limiter:      rate.NewLimiter(rate.Every(cfg.CatchUpInterval), 1),
		visible:      !cfg.StartHidden,
		opened:       make(map[string]bool),
		ctx:          context.Background(),
	}
	return e
}

// effects are the outbound consequences of one pipeline run, performed
// after the engine lock is released.
type effects struct {
	counterpart string
	deliver     []string
	read        []string
	notes       []Notification
}

func (f *effects) empty() bool {
	return f == nil || (len(f.deliver) == 0 && len(f.read) == 0 && len(f.notes) == 0)
}

// ── Lifecycle ─────────────────────────────────────────────

// Start seeds conversation previews, begins consuming transport events and
// reopens the conversation selected in a previous session. The transport
// itself is started by the caller.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.pumpDone != nil {
		e.mu.Unlock()
		return errors.New("chatsync: engine already started")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.pumpDone = make(chan struct{})
	runCtx := e.ctx
	e.mu.Unlock()

	if cn, ok := e.transport.(connectionNotifier); ok {
		cn.OnConnectionChange(e.onConnectionChange)
	}

	go e.pump(runCtx)

	e.seedRecent(runCtx)

	if c := e.cache.Selected(); c != "" {
		e.log.WithField("counterpart", c).Info("selection_restored")
		if err := e.OpenConversation(runCtx, c); err != nil {
			e.log.WithError(err).Warn("restore_selection_failed")
		}
	}
	return nil
}

// Stop ends event consumption and waits for background work.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	done := e.pumpDone
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	e.inflight.Wait()
}

// Wait blocks until in-flight sends and background catch-ups finish.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

func (e *Engine) pump(ctx context.Context) {
	defer close(e.pumpDone)
	events := e.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.HandleEvent(ctx, ev)
		}
	}
}

func (e *Engine) onConnectionChange(connected bool) {
	if !connected {
		e.log.Warn("push_channel_down")
		return
	}
	e.mu.Lock()
	c := e.selected
	gen := e.generation
	full := !e.opened[c]
	since := e.synchronizer.Watermark(c)
	ctx := e.ctx
	e.mu.Unlock()
	if c == "" || ctx.Err() != nil {
		return
	}
	// Messages pushed while the channel was down are only reachable by fetch.
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		e.catchUp(ctx, c, gen, full, since)
	}()
}

func (e *Engine) seedRecent(ctx context.Context) {
	msgs, err := e.fetcher.FetchRecent(ctx)
	if err != nil {
		e.metrics.fetchFailure()
		e.log.WithError(err).Warn("recent_fetch_failed")
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range msgs {
		if m.SenderID != e.self && m.ReceiverID != e.self {
			continue
		}
		e.updateRecent(m.Counterpart(e.self), m)
	}
	e.log.WithField("count", len(msgs)).Debug("recent_seeded")
}

// ── Event pipeline ────────────────────────────────────────

// HandleEvent applies one push event. It is called for every event read
// from the transport and may be called directly by custom transports.
func (e *Engine) HandleEvent(ctx context.Context, ev MessageEvent) {
	switch ev := ev.(type) {
	case ReceiveEvent:
		e.receive(ctx, ev.Message)
	case StatusEvent:
		e.applyStatus(ev.MessageID, ev.Status)
	case AckEvent:
		e.applyAck(ev, "rejected")
	default:
		e.log.WithField("type", fmt.Sprintf("%T", ev)).Warn("unknown_event")
	}
}

func (e *Engine) receive(ctx context.Context, m *Message) {
	if m == nil || m.ID == "" {
		return
	}
	if m.SenderID != e.self && m.ReceiverID != e.self {
		e.log.WithField("messageId", m.ID).Warn("foreign_message_ignored")
		return
	}
	c := m.Counterpart(e.self)

	e.mu.Lock()
	eff := e.apply(c, []*Message{m}, SourcePush)
	e.mu.Unlock()

	e.runEffects(ctx, eff)
}

// apply runs merge, status, unread and notify for msgs. Each step is
// isolated: a failing step is logged and the rest still run. Caller holds
// e.mu.
func (e *Engine) apply(counterpart string, msgs []*Message, source string) *effects {
	eff := &effects{counterpart: counterpart}
	var res MergeResult

	e.step("merge", func() {
		res = e.synchronizer.Merge(counterpart, msgs)
		e.metrics.merged(source, len(res.Inserted), res.Dropped)
		if len(res.Inserted) > 0 {
			e.updateRecent(counterpart, e.synchronizer.Log(counterpart).Last())
		}
		if res.Dropped > 0 {
			e.log.WithFields(logrus.Fields{
				"counterpart": counterpart, "source": source, "dropped": res.Dropped,
			}).Debug("duplicates_dropped")
		}
	})

	active := counterpart == e.selected && e.visible

	e.step("status", func() {
		for _, m := range DeliverCandidates(res.InboundInserted, e.self) {
			if s, changed := e.status.Advance(m.ID, StatusDelivered); changed {
				m.Status = s
				eff.deliver = append(eff.deliver, m.ID)
			}
		}
		if active {
			eff.read = e.markLoadedRead(counterpart)
		}
	})

	if source != SourcePush {
		return eff
	}

	e.step("unread", func() {
		for _, m := range res.InboundInserted {
			if m.Status == StatusRead {
				continue
			}
			count, notify := e.unread.Observe(counterpart, active, e.visible)
			if notify {
				eff.notes = append(eff.notes, Notification{
					Counterpart: counterpart,
					Message:     m.Clone(),
					Unread:      count,
				})
			}
		}
	})
	return eff
}

// markLoadedRead advances every delivered-but-unread inbound message in the
// counterpart's log to read and returns their ids. Caller holds e.mu.
func (e *Engine) markLoadedRead(counterpart string) []string {
	l := e.synchronizer.Log(counterpart)
	if l == nil {
		return nil
	}
	var ids []string
	for _, m := range ReadCandidates(l.Messages(), e.self) {
		if s, changed := e.status.Advance(m.ID, StatusRead); changed {
			l.SetStatus(m.ID, s)
			ids = append(ids, m.ID)
		}
	}
	return ids
}

func (e *Engine) step(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithFields(logrus.Fields{"step": name, "panic": fmt.Sprint(r)}).Error("pipeline_step_failed")
		}
	}()
	fn()
}

// runEffects performs network effects and notifications. Failures are
// logged; local transitions are not rolled back.
func (e *Engine) runEffects(ctx context.Context, eff *effects) {
	if eff.empty() {
		return
	}
	c := eff.counterpart
	if len(eff.deliver) > 0 {
		if err := e.transport.MarkAsDelivered(ctx, eff.deliver, e.self, c); err != nil {
			e.log.WithError(err).WithField("count", len(eff.deliver)).Warn("mark_delivered_failed")
		}
	}
	if len(eff.read) > 0 {
		if err := e.transport.MarkAsRead(ctx, eff.read, e.self, c); err != nil {
			e.log.WithError(err).WithField("count", len(eff.read)).Warn("mark_read_failed")
		}
	}
	for _, n := range eff.notes {
		notifySafe(e.notifier, n, e.log)
	}
}

func (e *Engine) applyStatus(id string, s Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	next, changed := e.status.Advance(id, s)
	if !changed {
		return
	}
	if m, c := e.synchronizer.Locate(id); m != nil {
		m.Status = MaxStatus(m.Status, next)
		if r := e.cache.Recent(c); r != nil && r.ID == id {
			r.Status = MaxStatus(r.Status, m.Status)
			e.setRecent(c, r)
		}
	}
}

// updateRecent moves the conversation preview to m unless it already shows
// something newer. Caller holds e.mu.
func (e *Engine) updateRecent(counterpart string, m *Message) {
	if cur := e.cache.Recent(counterpart); cur != nil && m.before(cur) {
		return
	}
	e.setRecent(counterpart, m)
}

func (e *Engine) setRecent(counterpart string, m *Message) {
	if err := e.cache.SetRecent(counterpart, m); err != nil {
		e.log.WithError(err).WithField("counterpart", counterpart).Error("recent_persist_failed")
	}
}

// ── Conversations ─────────────────────────────────────────

// OpenConversation makes counterpart the active conversation: it persists
// the selection, joins the room and catches up. The first open in a session
// fetches the full history, later ones fetch past the watermark. Results
// that arrive after another conversation was opened are discarded.
func (e *Engine) OpenConversation(ctx context.Context, counterpart string) error {
	if counterpart == "" {
		return ErrNoConversation
	}

	e.mu.Lock()
	e.generation++
	gen := e.generation
	e.selected = counterpart
	if err := e.cache.SetSelected(counterpart); err != nil {
		e.log.WithError(err).Error("selection_persist_failed")
	}
	e.unread.Reset(counterpart)
	full := !e.opened[counterpart]
	since := e.synchronizer.Watermark(counterpart)
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{"counterpart": counterpart, "generation": gen}).Debug("conversation_opened")

	if err := e.transport.JoinRoom(ctx, e.self, counterpart); err != nil {
		// The room is re-joined once the channel comes back.
		e.log.WithError(err).WithField("counterpart", counterpart).Warn("join_failed")
	}

	e.catchUp(ctx, counterpart, gen, full, since)
	return nil
}

func (e *Engine) catchUp(ctx context.Context, counterpart string, gen uint64, full bool, since time.Time) {
	var (
		msgs []*Message
		err  error
	)
	if full || since.IsZero() {
		msgs, err = e.fetcher.FetchHistory(ctx, counterpart)
	} else {
		msgs, err = e.fetcher.FetchSince(ctx, counterpart, since)
	}
	fields := logrus.Fields{"counterpart": counterpart, "generation": gen, "full": full}
	if err != nil {
		e.metrics.fetchFailure()
		e.log.WithError(err).WithFields(fields).Warn("fetch_failed")
		return
	}

	e.mu.Lock()
	if gen != e.generation || counterpart != e.selected {
		e.mu.Unlock()
		e.metrics.staleFetch()
		e.log.WithFields(fields).Info("stale_fetch_discarded")
		return
	}
	if full {
		e.opened[counterpart] = true
	}
	eff := e.apply(counterpart, msgs, SourceCatchUp)
	e.mu.Unlock()

	e.runEffects(ctx, eff)
}

// SetVisible records whether the page is in the foreground. Becoming
// visible clears the active conversation's unread counter, marks its loaded
// messages read and triggers a throttled catch-up.
func (e *Engine) SetVisible(ctx context.Context, visible bool) {
	e.mu.Lock()
	was := e.visible
	e.visible = visible
	c := e.selected
	if !visible || was || c == "" {
		e.mu.Unlock()
		return
	}
	e.unread.Reset(c)
	eff := &effects{counterpart: c, read: e.markLoadedRead(c)}
	gen := e.generation
	full := !e.opened[c]
	since := e.synchronizer.Watermark(c)
	e.mu.Unlock()

	e.runEffects(ctx, eff)

	if !e.limiter.Allow() {
		e.log.WithField("counterpart", c).Debug("catch_up_throttled")
		return
	}
	e.catchUp(ctx, c, gen, full, since)
}

// ── Sending ───────────────────────────────────────────────

// Send sends text to the active conversation.
func (e *Engine) Send(ctx context.Context, text string) (*Message, error) {
	return e.SendTo(ctx, e.Selected(), text)
}

// SendTo inserts an optimistic message for counterpart and transmits it in
// the background. The returned message carries the temporary id; it is
// replaced by the server id once acknowledged.
func (e *Engine) SendTo(ctx context.Context, counterpart, text string) (*Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	if counterpart == "" {
		return nil, ErrNoConversation
	}
	if !e.transport.Connected() {
		e.reconnect()
		return nil, ErrNotConnected
	}

	now := e.cfg.Now()
	msg := &Message{
		ID:         NewTempID(now),
		SenderID:   e.self,
		ReceiverID: counterpart,
		RoomID:     RoomID(e.self, counterpart),
		Text:       text,
		CreatedAt:  now,
		Status:     StatusSent,
	}

	e.mu.Lock()
	e.apply(counterpart, []*Message{msg}, SourceLocal)
	e.status.Advance(msg.ID, StatusSent)
	e.outbox.Enqueue(&PendingSend{
		TempID:      msg.ID,
		Counterpart: counterpart,
		Message:     msg.Clone(),
		MaxAttempts: e.cfg.Retry.MaxAttempts,
		CreatedAt:   now,
	})
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{"counterpart": counterpart, "tempId": msg.ID}).Debug("send_queued")
	e.dispatch(msg)
	return msg.Clone(), nil
}

// Resend retransmits a failed optimistic message under its original
// temporary id and timestamp.
func (e *Engine) Resend(ctx context.Context, tempID string) error {
	op, ok := e.outbox.Get(tempID)
	if !ok {
		return ErrUnknownMessage
	}
	if op.State != SendFailed {
		return nil
	}
	if !e.transport.Connected() {
		e.reconnect()
		return ErrNotConnected
	}

	e.mu.Lock()
	e.synchronizer.MarkFailed(tempID, "")
	e.outbox.Enqueue(&PendingSend{
		TempID:      op.TempID,
		Counterpart: op.Counterpart,
		Message:     op.Message,
		MaxAttempts: e.cfg.Retry.MaxAttempts,
		CreatedAt:   op.CreatedAt,
	})
	e.mu.Unlock()

	e.log.WithField("tempId", tempID).Info("send_retried")
	e.dispatch(op.Message)
	return nil
}

func (e *Engine) dispatch(msg *Message) {
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		ack, err := transmit(ctx, e.transport, e.outbox, msg.Clone(), e.cfg.Retry)
		kind := ""
		var se *SendError
		if errors.As(err, &se) {
			kind = "transport"
			if se.Rejected {
				kind = "rejected"
			}
			e.log.WithError(err).WithFields(logrus.Fields{"tempId": msg.ID, "kind": kind}).Warn("send_failed")
		}
		e.applyAck(ack, kind)
	}()
}

func (e *Engine) reconnect() {
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		if err := e.transport.Connect(ctx); err != nil {
			e.log.WithError(err).Warn("reconnect_failed")
		}
	}()
}

// applyAck reconciles or flags the optimistic message named by ack.TempID.
// failKind labels a failure in metrics.
func (e *Engine) applyAck(ack AckEvent, failKind string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	op, ok := e.outbox.Get(ack.TempID)
	if !ok {
		e.log.WithField("tempId", ack.TempID).Debug("ack_for_unknown_send")
		return
	}
	c := op.Counterpart

	if !ack.Success {
		reason := ack.Error
		if reason == "" {
			reason = "send failed"
		}
		e.outbox.Nack(ack.TempID, reason)
		e.synchronizer.MarkFailed(ack.TempID, reason)
		e.metrics.sendFailure(failKind)
		return
	}

	canonical := e.synchronizer.Reconcile(ack.TempID, ack.ServerID)
	carried := e.status.Move(ack.TempID, ack.ServerID)
	if canonical != nil {
		canonical.Status = MaxStatus(canonical.Status, carried)
		e.status.Advance(ack.ServerID, canonical.Status)
	}
	if r := e.cache.Recent(c); r != nil && r.ID == ack.TempID {
		if canonical != nil {
			e.setRecent(c, canonical)
		} else {
			r.ID = ack.ServerID
			r.Status = carried
			e.setRecent(c, r)
		}
	}
	e.outbox.Ack(ack.TempID)
	e.metrics.reconciled()
	e.log.WithFields(logrus.Fields{"tempId": ack.TempID, "messageId": ack.ServerID}).Debug("send_reconciled")
}

// ── Accessors ─────────────────────────────────────────────

// Log returns the ordered messages of the conversation with counterpart.
func (e *Engine) Log(counterpart string) []*Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	l := e.synchronizer.Log(counterpart)
	if l == nil {
		return nil
	}
	return l.Messages()
}

// Conversation returns the preview for counterpart.
func (e *Engine) Conversation(counterpart string) (Conversation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conversation(counterpart)
}

func (e *Engine) conversation(counterpart string) (Conversation, bool) {
	conv := Conversation{Counterpart: counterpart, Unread: e.unread.Count(counterpart)}
	last := e.cache.Recent(counterpart)
	if last == nil {
		return conv, conv.Unread > 0
	}
	last.Status = MaxStatus(last.Status, e.status.Current(last.ID))
	conv.LastMessage = last
	conv.LastMessageTimestamp = last.CreatedAt
	if wm := e.synchronizer.Watermark(counterpart); wm.After(conv.LastMessageTimestamp) {
		conv.LastMessageTimestamp = wm
	}
	return conv, true
}

// Conversations returns every known conversation, most recent first.
func (e *Engine) Conversations() []Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]struct{})
	for c := range e.cache.RecentAll() {
		seen[c] = struct{}{}
	}
	for c := range e.unread.Counts() {
		seen[c] = struct{}{}
	}
	out := make([]Conversation, 0, len(seen))
	for c := range seen {
		if conv, ok := e.conversation(c); ok {
			out = append(out, conv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageTimestamp.Equal(out[j].LastMessageTimestamp) {
			return out[i].LastMessageTimestamp.After(out[j].LastMessageTimestamp)
		}
		return out[i].Counterpart < out[j].Counterpart
	})
	return out
}

// Unread returns the unread counter of every conversation.
func (e *Engine) Unread() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unread.Counts()
}

// Selected returns the active counterpart.
func (e *Engine) Selected() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selected
}

// Visible reports whether the page is in the foreground.
func (e *Engine) Visible() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.visible
}

// PendingSends lists optimistic messages awaiting an ack or a resend.
func (e *Engine) PendingSends() []PendingSend {
	return e.outbox.Pending()
}

// Connected reports whether the push channel is up.
func (e *Engine) Connected() bool {
	return e.transport.Connected()
}
